// Command testnet runs a small conode network in one process, creates a
// skipchain on it and writes the roster and chain id for the CLI. It prints
// OK once the chain exists and serves until interrupted.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/skipchain/internal/client"
	"github.com/kjstillabower/skipchain/internal/cosi"
	httphandler "github.com/kjstillabower/skipchain/internal/http"
	"github.com/kjstillabower/skipchain/internal/lifecycle"
	"github.com/kjstillabower/skipchain/internal/network"
	"github.com/kjstillabower/skipchain/internal/observability"
	"github.com/kjstillabower/skipchain/internal/roster"
	"github.com/kjstillabower/skipchain/internal/service"
	"github.com/kjstillabower/skipchain/internal/storage"
)

const (
	rosterFile  = "roster.yaml"
	chainIDFile = "skipchain.id"
)

type options struct {
	nodes     int
	base      int
	maxHeight int
	host      string
	dir       string
	data      string
	timeout   time.Duration
}

type conode struct {
	identity *roster.ServerIdentity
	db       *storage.DB
	listener net.Listener
	server   *http.Server
}

func main() {
	var opts options
	flag.IntVar(&opts.nodes, "n", 4, "number of conodes")
	flag.IntVar(&opts.base, "base", 2, "base height of the chain")
	flag.IntVar(&opts.maxHeight, "max", 3, "maximum height of the chain")
	flag.StringVar(&opts.host, "host", "127.0.0.1", "interface the conodes listen on")
	flag.StringVar(&opts.dir, "dir", ".", "directory for "+rosterFile+" and "+chainIDFile)
	flag.StringVar(&opts.data, "data", "genesis", "data of the genesis block")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Second, "socket timeout between conodes")
	flag.Parse()

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(opts, logger); err != nil {
		logger.Error("testnet", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(opts options, logger *zap.Logger) error {
	if opts.nodes <= 0 {
		return fmt.Errorf("need at least one conode, got %d", opts.nodes)
	}
	ctx, stop := lifecycle.NotifyContext(context.Background())
	defer stop()

	nodes, r, err := startConodes(opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, n := range nodes {
			_ = n.db.Close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		g.Go(func() error {
			if err := n.server.Serve(n.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", n.identity.Address, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, n := range nodes {
			_ = n.server.Shutdown(shutdownCtx)
		}
		return nil
	})

	createCtx, cancel := context.WithTimeout(ctx, 3*opts.timeout)
	genesis, err := client.CreateGenesis(createCtx, r, opts.base, opts.maxHeight, []byte(opts.data),
		network.WithTimeout(opts.timeout), network.WithLogger(logger))
	cancel()
	if err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("create genesis: %w", err)
	}
	if err := writeOutputs(opts.dir, r, genesis.Hash.String()); err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	logger.Info("testnet ready",
		zap.Int("conodes", len(nodes)),
		zap.String("skipchain", genesis.Hash.String()),
		zap.String("roster", filepath.Join(opts.dir, rosterFile)))
	fmt.Println("OK")

	return g.Wait()
}

// startConodes binds every listener first so the roster carries the real
// addresses before any service is built.
func startConodes(opts options, logger *zap.Logger) ([]*conode, *roster.Roster, error) {
	nodes := make([]*conode, opts.nodes)
	keys := make([]*cosi.KeyPair, opts.nodes)
	list := make([]*roster.ServerIdentity, opts.nodes)
	for i := range nodes {
		kp, err := cosi.NewKeyPair(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		l, err := net.Listen("tcp", net.JoinHostPort(opts.host, "0"))
		if err != nil {
			return nil, nil, fmt.Errorf("listen: %w", err)
		}
		keys[i] = kp
		list[i] = roster.NewServerIdentity(kp.Public, l.Addr().String())
		list[i].Description = fmt.Sprintf("testnet conode %d", i)
		nodes[i] = &conode{identity: list[i], listener: l}
	}
	r := roster.NewRoster(list)

	for i, n := range nodes {
		db, err := storage.OpenMemory()
		if err != nil {
			return nil, nil, err
		}
		nodeLogger := logger.With(zap.Int("node", i))
		svc, err := service.New(service.Config{
			Identity:      n.identity,
			Keys:          keys[i],
			DB:            db,
			Logger:        nodeLogger,
			SocketOptions: []network.Option{network.WithTimeout(opts.timeout), network.WithLogger(nodeLogger)},
		})
		if err != nil {
			return nil, nil, err
		}
		handler := httphandler.NewHandler(svc, n.identity.Address, nil, nodeLogger)
		n.db = db
		n.server = &http.Server{
			Handler:           httphandler.NewRouter(handler, nodeLogger, httphandler.RouterConfig{RequestTimeout: 2 * opts.timeout}),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return nodes, r, nil
}

func writeOutputs(dir string, r *roster.Roster, chainID string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("output dir: %w", err)
	}
	if err := roster.SaveFile(filepath.Join(dir, rosterFile), r); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, chainIDFile), []byte(chainID+"\n"), 0644); err != nil {
		return fmt.Errorf("write chain id: %w", err)
	}
	return nil
}
