package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/skipchain/internal/circuitbreaker"
	"github.com/kjstillabower/skipchain/internal/config"
	"github.com/kjstillabower/skipchain/internal/degraded"
	httphandler "github.com/kjstillabower/skipchain/internal/http"
	"github.com/kjstillabower/skipchain/internal/lifecycle"
	"github.com/kjstillabower/skipchain/internal/network"
	"github.com/kjstillabower/skipchain/internal/observability"
	"github.com/kjstillabower/skipchain/internal/roster"
	"github.com/kjstillabower/skipchain/internal/service"
	"github.com/kjstillabower/skipchain/internal/skipchain"
	"github.com/kjstillabower/skipchain/internal/storage"
)

const inFlightCheckInterval = 100 * time.Millisecond

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	keys, err := cfg.KeyPair()
	if err != nil {
		logger.Fatal("conode key", zap.Error(err))
	}
	identity := roster.NewServerIdentity(keys.Public, cfg.Address)
	identity.Description = "conode " + cfg.Version
	logger = logger.With(zap.String("conode", cfg.Address))
	logger.Info("conode identity",
		zap.String("public", hex.EncodeToString(keys.Public)),
		zap.String("id", identity.ID.String()))

	var db *storage.DB
	if cfg.DBPath == config.MemoryDB {
		db, err = storage.OpenMemory()
	} else {
		db, err = storage.Open(cfg.DBPath)
	}
	if err != nil {
		logger.Fatal("storage", zap.String("path", cfg.DBPath), zap.Error(err))
	}

	socketOpts := []network.Option{
		network.WithTimeout(cfg.SocketTimeout),
		network.WithRetry(cfg.RetryAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		network.WithCircuitBreaker(circuitbreaker.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			Timeout:          cfg.BreakerTimeout,
			Component:        "conode",
		}),
		network.WithLogger(logger),
	}
	svc, err := service.New(service.Config{
		Identity:      identity,
		Keys:          keys,
		DB:            db,
		Logger:        logger,
		SocketOptions: socketOpts,
		SessionTTL:    cfg.SessionTTL,
	})
	if err != nil {
		logger.Fatal("service", zap.Error(err))
	}

	ctx, stop := lifecycle.NotifyContext(context.Background())
	defer stop()

	// The probe goes through the public transport so a wedged HTTP stack
	// counts as not recovered.
	self := network.NewSocket(identity, skipchain.ServiceName, network.WithTimeout(cfg.SocketTimeout))
	probe := func(ctx context.Context) error {
		if _, err := db.Length(); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		reply := &skipchain.GetAllSkipChainIDsReply{}
		return self.Send(ctx, skipchain.MsgGetAllSkipChainIDs, skipchain.MsgGetAllSkipChainIDsReply, &skipchain.GetAllSkipChainIDs{}, reply)
	}
	recoverer := degraded.NewRecoverer(probe, cfg.DegradedRetryInitial, cfg.DegradedRetryMax, func() {
		logger.Error("conode did not recover; draining")
		lifecycle.SetShuttingDown(true)
		stop()
	}, logger)
	recoverer.Start(ctx)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		Version:              cfg.Version,
		OnDegraded:           recoverer.Notify,
	}
	handler := httphandler.NewHandler(svc, cfg.Address, healthConfig, logger)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
	})

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	observability.RegisterStorageGauge(func() float64 {
		n, err := db.Length()
		if err != nil {
			return -1
		}
		return float64(n)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", srv.Addr), zap.Error(err))
	}
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("db", cfg.DBPath))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()
	// Readiness marker for scripts that start conodes.
	fmt.Println("OK")

	<-ctx.Done()
	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	if err := httphandler.WaitForInFlight(shutdownCtx, inFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger, db); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
