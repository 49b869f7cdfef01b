package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/sofatutor/httpcache/internal/backend"
	"github.com/sofatutor/httpcache/internal/cache"
	"github.com/sofatutor/httpcache/internal/config"
)

// app wires configuration, logging, storage and the cache controller for
// one command invocation.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	stores   *backend.Stores
	ctrl     *cache.Controller
	registry *prometheus.Registry
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	bcfg, err := cfg.BackendConfig(logger)
	if err != nil {
		return nil, err
	}
	codec, err := backend.Codec(cfg.CodecConfig())
	if err != nil {
		return nil, err
	}
	stores, err := backend.Open(ctx, bcfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ctrl, err := cache.New(stores.Responses, stores.Redirects, cfg.CacheSettings(),
		cache.WithCodec(codec),
		cache.WithLogger(logger),
		cache.WithMetrics(cache.NewMetrics(registry, cfg.CacheName)),
	)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, stores: stores, ctrl: ctrl, registry: registry}, nil
}

func (a *app) Close() {
	if err := a.stores.Close(); err != nil {
		a.logger.Warn("Failed to close cache backend", zap.Error(err))
	}
	if err := a.logger.Sync(); err != nil && !strings.Contains(err.Error(), "inappropriate ioctl for device") &&
		!strings.Contains(err.Error(), "invalid argument") {
		log.Printf("Error syncing zap logger: %v", err)
	}
}
