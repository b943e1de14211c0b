package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/flexinfer/realsched/internal/archive"
	"github.com/flexinfer/realsched/internal/auth"
	"github.com/flexinfer/realsched/internal/config"
	"github.com/flexinfer/realsched/internal/publisher"
	"github.com/flexinfer/realsched/internal/runstore"
	"github.com/flexinfer/realsched/internal/scheduler"
	"github.com/flexinfer/realsched/internal/tracing"
)

// openStore builds the run store selected by cfg. A Redis store that cannot
// be reached falls back to memory.
func openStore(cfg *config.Config, logger *slog.Logger) runstore.Store {
	storeCfg := &runstore.Config{
		EventMaxLen: cfg.EventMaxLen,
		TTL:         cfg.RunStoreTTL,
	}
	if cfg.RunStoreType != "redis" {
		logger.Info("using in-memory runstore")
		return runstore.NewMemoryStore(storeCfg)
	}

	redisCfg := runstore.DefaultRedisConfig()
	redisCfg.URL = cfg.RedisURL
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB
	redisCfg.TTL = cfg.RunStoreTTL
	redisCfg.EventMaxLen = cfg.EventMaxLen
	redisCfg.Logger = logger
	store, err := runstore.NewRedisStore(redisCfg)
	if err != nil {
		logger.Error("failed to connect to Redis, falling back to memory store", slog.Any("error", err))
		return runstore.NewMemoryStore(storeCfg)
	}
	logger.Info("using Redis runstore", slog.String("url", cfg.RedisURL))
	return store
}

// schedulerConfig maps the environment configuration onto a scheduler.Config.
func schedulerConfig(cfg *config.Config, logger *slog.Logger) scheduler.Config {
	sc := scheduler.DefaultConfig()
	sc.MaxSubmit = cfg.MaxSubmit
	sc.RetryBackoff = cfg.RetryBackoff
	sc.MaxRuntime = cfg.MaxRuntime
	sc.StopLongRunning = cfg.StopLongRunning
	sc.MinRealizations = cfg.MinRealizations
	if cfg.StopLongRunningInterval > 0 {
		sc.StopLongRunningInterval = cfg.StopLongRunningInterval
	}
	sc.Dispatch = scheduler.DispatchInfo{
		URL:      cfg.DispatchURL,
		CertPath: cfg.DispatchCertPath,
		Token:    cfg.DispatchToken,
	}
	sc.Logger = logger
	return *sc
}

// tokenIssuer returns the dispatch token issuer, or nil when no signing key
// is configured.
func tokenIssuer(cfg *config.Config) (*auth.TokenIssuer, error) {
	if cfg.DispatchSigningKey == "" {
		return nil, nil
	}
	return auth.NewTokenIssuer(cfg.DispatchSigningKey, cfg.DispatchTokenTTL)
}

// newPublisher returns a websocket publisher for dispatch, or a no-op one
// when no monitor is configured.
func newPublisher(cfg *config.Config, dispatch scheduler.DispatchInfo, logger *slog.Logger) scheduler.Publisher {
	if dispatch.URL == "" {
		return publisher.Nop{}
	}
	pcfg := publisher.DefaultConfig(dispatch.URL)
	pcfg.CertPath = dispatch.CertPath
	pcfg.Token = dispatch.Token
	pcfg.MaxReconnects = cfg.PublisherMaxReconnect
	pcfg.Logger = logger
	p, err := publisher.New(pcfg)
	if err != nil {
		logger.Error("status publishing disabled", slog.String("url", dispatch.URL), slog.Any("error", err))
		return publisher.Nop{}
	}
	return p
}

// newArchiver returns the S3 archiver, or nil when no bucket is configured.
func newArchiver(ctx context.Context, cfg *config.Config, logger *slog.Logger) (scheduler.Archiver, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}
	a, err := archive.NewS3Archiver(ctx, &archive.Config{
		Endpoint:        cfg.S3Endpoint,
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		PathPrefix:      cfg.S3PathPrefix,
		UsePathStyle:    cfg.S3UsePathStyle,
		Patterns:        cfg.ArchivePatterns,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create archiver: %w", err)
	}
	logger.Info("archiving realizations", slog.String("bucket", cfg.S3Bucket))
	return a, nil
}

func initTracing(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*tracing.Provider, error) {
	tcfg := tracing.DefaultConfig()
	tcfg.Enabled = cfg.OTelEnabled
	tcfg.OTLPEndpoint = cfg.OTelEndpoint
	tcfg.ServiceName = cfg.OTelServiceName
	tcfg.ServiceVersion = version
	tcfg.SampleRate = cfg.OTelSampleRate
	return tracing.Init(ctx, tcfg, logger)
}

// okFileCheck accepts a run path once the forward model has left an OK
// file and no ERROR file behind.
func okFileCheck(runPath string) error {
	if data, err := os.ReadFile(filepath.Join(runPath, "ERROR")); err == nil {
		line, _, _ := bytes.Cut(data, []byte("\n"))
		return fmt.Errorf("forward model reported an error: %s", bytes.TrimSpace(line))
	}
	if _, err := os.Stat(filepath.Join(runPath, "OK")); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.New("forward model did not write an OK file")
		}
		return err
	}
	return nil
}
