package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/skipchain/internal/cache"
	"github.com/kjstillabower/skipchain/internal/client"
	"github.com/kjstillabower/skipchain/internal/network"
	"github.com/kjstillabower/skipchain/internal/roster"
	"github.com/kjstillabower/skipchain/internal/skipchain"
	"github.com/kjstillabower/skipchain/internal/validation"
)

func (c *cli) latestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latest",
		Short: "Print the verified latest block of the chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			cl, err := c.newClient()
			if err != nil {
				return err
			}
			sb, err := cl.GetLatestBlock(ctx)
			if err != nil {
				return err
			}
			printBlock(c.out, sb)
			return nil
		},
	}
}

func (c *cli) updateCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Print the update chain from a trusted block to the latest one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			cl, err := c.newClient()
			if err != nil {
				return err
			}
			start := cl.ChainID()
			if from != "" {
				b, err := validation.ValidateHexID(from, skipchain.IDSize)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				start = b
			}
			reply, err := cl.GetUpdateChain(ctx, cl.Roster(), start)
			if err != nil {
				return err
			}
			for _, sb := range reply.Update {
				printBlock(c.out, sb)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "trusted block to start from (default: genesis)")
	return cmd
}

func (c *cli) blockCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "block [hash]",
		Short: "Print one block by hash, or by index with --index",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			cl, err := c.newClient()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				id, err := validation.ValidateHexID(args[0], skipchain.IDSize)
				if err != nil {
					return fmt.Errorf("block hash: %w", err)
				}
				sb, err := cl.GetSingleBlock(ctx, id)
				if err != nil {
					return err
				}
				printBlock(c.out, sb)
				return nil
			}
			if index < 0 {
				return errors.New("give a block hash or --index")
			}
			reply, err := cl.GetSingleBlockByIndex(ctx, cl.ChainID(), index)
			if err != nil {
				return err
			}
			printBlock(c.out, reply.SkipBlock)
			fmt.Fprintf(c.out, "  proof   %d forward links from genesis\n", len(reply.Links))
			return nil
		},
	}
	cmd.Flags().IntVarP(&index, "index", "i", -1, "block index in the chain")
	return cmd
}

func (c *cli) idsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ids [address]",
		Short: "List the skipchains stored on a conode (default: roster leader)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			r, err := c.roster()
			if err != nil {
				return err
			}
			si := r.Leader()
			if len(args) == 1 {
				si = nil
				for _, m := range r.List {
					if m.Address == args[0] {
						si = m
					}
				}
				if si == nil {
					return fmt.Errorf("%w: %s is not in %s", roster.ErrInvalidAddress, args[0], c.rosterPath)
				}
			}
			reply := &skipchain.GetAllSkipChainIDsReply{}
			sock := network.NewSocket(si, skipchain.ServiceName, c.socketOptions()...)
			if err := sock.Send(ctx, skipchain.MsgGetAllSkipChainIDs, skipchain.MsgGetAllSkipChainIDsReply, &skipchain.GetAllSkipChainIDs{}, reply); err != nil {
				return err
			}
			for _, id := range reply.IDs {
				fmt.Fprintln(c.out, id)
			}
			return nil
		},
	}
}

func (c *cli) genesisCmd() *cobra.Command {
	var (
		base, maxHeight int
		data            string
		write           bool
	)
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "Create a new skipchain on the roster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			r, err := c.roster()
			if err != nil {
				return err
			}
			sb, err := client.CreateGenesis(ctx, r, base, maxHeight, []byte(data), c.socketOptions()...)
			if err != nil {
				return err
			}
			if write {
				if err := os.WriteFile(c.idPath, []byte(sb.Hash.String()+"\n"), 0644); err != nil {
					return fmt.Errorf("write chain id: %w", err)
				}
			}
			fmt.Fprintln(c.out, sb.Hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&base, "base", 2, "base height")
	cmd.Flags().IntVar(&maxHeight, "max", 3, "maximum height")
	cmd.Flags().StringVar(&data, "data", "", "data of the genesis block")
	cmd.Flags().BoolVar(&write, "write", true, "write the new id to --id-file")
	return cmd
}

func (c *cli) addCmd() *cobra.Command {
	var newRoster string
	cmd := &cobra.Command{
		Use:   "add <data>",
		Short: "Append a block to the chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			cl, err := c.newClient()
			if err != nil {
				return err
			}
			var next *roster.Roster
			if newRoster != "" {
				if next, err = roster.LoadFile(newRoster); err != nil {
					return err
				}
			}
			latest, err := cl.GetLatestBlock(ctx)
			if err != nil {
				return err
			}
			reply, err := cl.StoreSkipBlock(ctx, latest, next, []byte(args[0]))
			if err != nil {
				return err
			}
			printBlock(c.out, reply.Latest)
			return nil
		},
	}
	cmd.Flags().StringVar(&newRoster, "new-roster", "", "group file of the roster the new block moves to")
	return cmd
}

func (c *cli) followCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Poll the chain and print every new latest block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cl, err := c.newClient()
			if err != nil {
				return err
			}
			var last skipchain.SkipBlockID
			warmer := cache.NewWarmer(c.logger, func(sb *skipchain.SkipBlock) {
				if sb.Hash.Equal(last) {
					return
				}
				last = sb.Hash
				printBlock(c.out, sb)
			})
			err = warmer.WarmPeriodic(ctx, []cache.LatestFetcher{cl}, interval)
			if errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval")
	return cmd
}
