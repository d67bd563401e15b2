package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/skipchain/internal/cache"
	"github.com/kjstillabower/skipchain/internal/client"
	"github.com/kjstillabower/skipchain/internal/config"
	"github.com/kjstillabower/skipchain/internal/network"
	"github.com/kjstillabower/skipchain/internal/observability"
	"github.com/kjstillabower/skipchain/internal/roster"
	"github.com/kjstillabower/skipchain/internal/skipchain"
	"github.com/kjstillabower/skipchain/internal/validation"
)

// cli holds the global flags shared by every subcommand.
type cli struct {
	out        io.Writer
	rosterPath string
	idPath     string
	chainID    string
	configPath string
	timeout    time.Duration
	verbose    bool

	logger *zap.Logger
	cfg    *config.Config
	closer io.Closer
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:   "skipchain",
		Short: "Read and extend skipchains on a conode network",
		Long: `Read and extend skipchains on a conode network.

Every block a command prints has been verified: the client walks the
update chain from its checkpoint and checks each collectively signed
forward link against the roster that signed it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return c.teardown()
		},
	}
	root.SetOut(out)
	flags := root.PersistentFlags()
	flags.StringVarP(&c.rosterPath, "roster", "r", "roster.yaml", "roster group file")
	flags.StringVar(&c.idPath, "id-file", "skipchain.id", "file holding the skipchain id")
	flags.StringVar(&c.chainID, "id", "", "skipchain id (hex), overrides --id-file")
	flags.StringVar(&c.configPath, "config", "", "config file for cache and network settings")
	flags.DurationVar(&c.timeout, "timeout", 30*time.Second, "overall timeout of a command")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(
		c.latestCmd(),
		c.updateCmd(),
		c.blockCmd(),
		c.idsCmd(),
		c.genesisCmd(),
		c.addCmd(),
		c.followCmd(),
	)
	return root
}

func (c *cli) setup() error {
	c.logger = zap.NewNop()
	if c.verbose {
		l, err := observability.NewLogger()
		if err != nil {
			return err
		}
		c.logger = l
	}
	if c.configPath != "" {
		cfg, err := config.LoadFile(c.configPath)
		if err != nil {
			return err
		}
		c.cfg = cfg
	}
	return nil
}

func (c *cli) teardown() error {
	return observability.FlushTelemetry(context.Background(), nil, c.closer)
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *cli) socketOptions() []network.Option {
	opts := []network.Option{network.WithLogger(c.logger)}
	if c.cfg != nil {
		opts = append(opts,
			network.WithTimeout(c.cfg.SocketTimeout),
			network.WithRetry(c.cfg.RetryAttempts, c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay))
	}
	return opts
}

func (c *cli) roster() (*roster.Roster, error) {
	return roster.LoadFile(c.rosterPath)
}

func (c *cli) readChainID() (skipchain.SkipBlockID, error) {
	s := c.chainID
	if s == "" {
		data, err := os.ReadFile(c.idPath)
		if err != nil {
			return nil, fmt.Errorf("no --id given and %w", err)
		}
		s = strings.TrimSpace(string(data))
	}
	b, err := validation.ValidateHexID(s, skipchain.IDSize)
	if err != nil {
		return nil, fmt.Errorf("skipchain id: %w", err)
	}
	return skipchain.SkipBlockID(b), nil
}

// newClient builds a client for the configured chain. The checkpoint cache
// is memcached when the config asks for it, so several invocations share
// the work of verifying the chain.
func (c *cli) newClient() (*client.Client, error) {
	r, err := c.roster()
	if err != nil {
		return nil, err
	}
	id, err := c.readChainID()
	if err != nil {
		return nil, err
	}
	opts := []client.Option{
		client.WithLogger(c.logger),
		client.WithSocketOptions(c.socketOptions()...),
	}
	if c.cfg != nil {
		opts = append(opts, client.WithCheckpointTTL(c.cfg.CacheTTL))
		if c.cfg.CacheBackend == "memcached" {
			mc, err := cache.NewMemcachedCache(c.cfg.MemcachedAddrs, c.cfg.MemcachedTimeout, c.cfg.MemcachedMaxIdleConns)
			if err != nil {
				return nil, err
			}
			c.closer = mc
			opts = append(opts, client.WithCache(mc, "memcached"))
		}
	}
	return client.NewClient(r, id, opts...)
}

func printBlock(w io.Writer, sb *skipchain.SkipBlock) {
	fmt.Fprintf(w, "block %d height %d hash %s\n", sb.Index, sb.Height, sb.Hash)
	if len(sb.Data) > 0 {
		fmt.Fprintf(w, "  data    %q\n", sb.Data)
	}
	if sb.Roster != nil {
		fmt.Fprintf(w, "  roster  %d conodes, leader %s\n", sb.Roster.Len(), sb.Roster.Leader().Address)
	}
	for level, fl := range sb.ForwardLink {
		if fl == nil {
			continue
		}
		fmt.Fprintf(w, "  link %d  -> %s\n", level, fl.To.Short())
	}
}
