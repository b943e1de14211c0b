package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flexinfer/realsched/internal/api"
	"github.com/flexinfer/realsched/internal/auth"
	"github.com/flexinfer/realsched/internal/driver"
	"github.com/flexinfer/realsched/internal/monitor"
	"github.com/flexinfer/realsched/internal/scheduler"
	"github.com/flexinfer/realsched/internal/validator"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		port    string
		backend string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ensemble API and the monitor hub",
		Long: "Serve accepts ensemble manifests over HTTP, runs them on the configured backend, " +
			"records their status and streams it to API clients and websocket watchers.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Port = port
			}
			if cmd.Flags().Changed("backend") {
				a.cfg.Backend = backend
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, nil)
		},
	}

	cmd.Flags().StringVar(&port, "port", a.cfg.Port, "HTTP listen port")
	cmd.Flags().StringVar(&backend, "backend", a.cfg.Backend, "Compute backend (local, lsf, openpbs, k8s)")
	return cmd
}

// serve runs the service until ctx is done. When ready is non-nil it
// receives the listen address once the server accepts connections.
func (a *app) serve(ctx context.Context, ready chan<- string) error {
	cfg := a.cfg
	logger := a.logger
	logger.Info("starting realsched",
		slog.String("port", cfg.Port),
		slog.String("backend", cfg.Backend),
		slog.String("log_level", cfg.LogLevel),
	)

	tp, err := initTracing(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	store := openStore(cfg, logger)
	defer store.Close()

	issuer, err := tokenIssuer(cfg)
	if err != nil {
		return err
	}
	hubCfg := &monitor.Config{
		Store:          store,
		StaticToken:    cfg.DispatchToken,
		AllowedOrigins: cfg.CORSOrigins,
		Logger:         logger,
	}
	if issuer != nil {
		hubCfg.Tokens = issuer
	}
	hub := monitor.NewHub(hubCfg)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	archiver, err := newArchiver(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var schedOpts []scheduler.Option
	if archiver != nil {
		schedOpts = append(schedOpts, scheduler.WithArchiver(archiver))
	}

	mgrCfg := scheduler.ManagerConfig{
		Scheduler:  schedulerConfig(cfg, logger),
		MaxRunning: cfg.MaxRunning,
		NewDriver: func(ensembleID string) (driver.Driver, error) {
			return driver.New(cfg, ensembleID, logger)
		},
		Store:   store,
		Options: schedOpts,
		Logger:  logger,
	}
	// Ensembles record into the store directly; publishing is only for an
	// external monitor.
	if cfg.DispatchURL != "" {
		mgrCfg.NewPublisher = func(_ string, dispatch scheduler.DispatchInfo) scheduler.Publisher {
			return newPublisher(cfg, dispatch, logger)
		}
	}
	if issuer != nil {
		mgrCfg.DispatchToken = issuer.Issue
	}
	manager := scheduler.NewManager(mgrCfg)

	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", slog.Any("error", err))
		v = nil
	}

	opts := api.ServerOptions{Hub: hub, Tracing: cfg.OTelEnabled}
	if cfg.RateLimitRPS > 0 {
		opts.RateLimiter = auth.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
	}
	if cfg.OIDCEnabled {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:       cfg.OIDCIssuer,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
		})
		if err != nil {
			return fmt.Errorf("init OIDC: %w", err)
		}
		opts.Auth = auth.NewMiddleware(provider, &auth.MiddlewareConfig{Enabled: true, Logger: logger})
		logger.Info("OIDC authentication enabled", slog.String("issuer", cfg.OIDCIssuer))
	}

	handlers := api.NewHandlers(store, manager, v, cfg, logger)
	server := api.NewServer(handlers, opts)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	// Request contexts end on shutdown so event streams let go.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	srv.BaseContext = func(net.Listener) context.Context { return baseCtx }
	srv.RegisterOnShutdown(cancelRequests)

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("ensembles still running at shutdown", slog.Any("error", err))
	}
	stopHub()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", slog.Any("error", err))
	}

	logger.Info("server stopped")
	return nil
}
