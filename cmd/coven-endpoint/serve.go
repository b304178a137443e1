// ABOUTME: Wires config into a running hub: TLS, policies, ledger, metrics, tailscale, and the HTTP server
// ABOUTME: The hub and the HTTP server share one errgroup; either failing stops both

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-endpoint/internal/builtins"
	"github.com/2389/coven-endpoint/internal/config"
	"github.com/2389/coven-endpoint/internal/fanin"
	"github.com/2389/coven-endpoint/internal/feature"
	"github.com/2389/coven-endpoint/internal/hub"
	"github.com/2389/coven-endpoint/internal/metrics"
	"github.com/2389/coven-endpoint/internal/registry"
	"github.com/2389/coven-endpoint/internal/store"
	"github.com/2389/coven-endpoint/internal/tlsutil"
)

const httpShutdownTimeout = 5 * time.Second

// buildFeatures returns the enabled built-in features in a fixed order.
func buildFeatures(cfg config.FeaturesConfig) []feature.Feature {
	var features []feature.Feature
	if cfg.Ping.Enabled {
		features = append(features, builtins.NewPing())
	}
	if cfg.Tap.Enabled {
		features = append(features, builtins.NewTap())
	}
	return features
}

// hubOptions translates config into hub options. Listener and ledger are set by serve.
func hubOptions(cfg *config.Config, logger *slog.Logger) (hub.Options, error) {
	tlsCfg, err := tlsutil.LoadServerConfig(tlsutil.ServerOptions{
		CertFile:     cfg.TLS.CertFile,
		KeyFile:      cfg.TLS.KeyFile,
		ClientCAFile: cfg.TLS.ClientCAFile,
		MinVersion:   cfg.TLS.MinVersion,
	})
	if err != nil {
		return hub.Options{}, fmt.Errorf("loading TLS config: %w", err)
	}

	overflow, err := fanin.ParseOverflowPolicy(cfg.Hub.OverflowPolicy)
	if err != nil {
		return hub.Options{}, err
	}
	duplicate, err := registry.ParseDuplicatePolicy(cfg.Hub.DuplicatePolicy)
	if err != nil {
		return hub.Options{}, err
	}

	opts := hub.Options{
		Addr:             fmt.Sprintf(":%d", cfg.Server.Port),
		Source:           cfg.Server.Source,
		TLSConfig:        tlsCfg,
		BufferSize:       cfg.Hub.BufferSize,
		OverflowPolicy:   overflow,
		DuplicatePolicy:  duplicate,
		HandshakeTimeout: cfg.Hub.HandshakeTimeout,
		InitTimeout:      cfg.Hub.InitTimeout,
		ShutdownTimeout:  cfg.Hub.ShutdownTimeout,
		Logger:           logger,
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = metrics.New()
	}
	return opts, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	opts, err := hubOptions(cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Tailscale.Enabled {
		ts, err := hub.NewTailscale(hub.TailscaleOptions{
			Hostname:  cfg.Tailscale.Hostname,
			AuthKey:   cfg.Tailscale.AuthKey,
			StateDir:  cfg.Tailscale.StateDir,
			Ephemeral: cfg.Tailscale.Ephemeral,
		}, logger)
		if err != nil {
			return fmt.Errorf("configuring tailscale: %w", err)
		}
		defer func() {
			if err := ts.Close(); err != nil {
				logger.Warn("closing tailscale node", "error", err)
			}
		}()
		opts.Listen = ts.Listen
	}

	if cfg.Database.Path != "" {
		ledger, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening connection ledger: %w", err)
		}
		logger.Info("connection ledger opened", "path", cfg.Database.Path)
		opts.Ledger = ledger
	}

	h, err := hub.New(buildFeatures(cfg.Features), opts)
	if err != nil {
		if opts.Ledger != nil {
			_ = opts.Ledger.Close()
		}
		return fmt.Errorf("creating hub: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var httpServer *http.Server
	if cfg.Server.HTTPAddr != "" {
		httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           h.Handler(cfg.Metrics.Path),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		err := h.Run(gctx)
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
				logger.Warn("http server shutdown", "error", serr)
			}
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("coven-endpoint stopped")
	return nil
}
