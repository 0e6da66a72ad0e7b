// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/threefour/omniport"
	"github.com/threefour/omniport/examples/simple"
	"github.com/threefour/omniport/pkg/admin"
	"github.com/threefour/omniport/pkg/breaker"
	"github.com/threefour/omniport/pkg/engine"
	"github.com/threefour/omniport/pkg/health"
	"github.com/threefour/omniport/pkg/metrics"
	"github.com/threefour/omniport/pkg/registry"
	"github.com/threefour/omniport/pkg/store/redis"
	"golang.org/x/sync/errgroup"
)

const (
	envPrefix      = "OMNIPORT_"
	maxGoroutines  = 50000
	backendTimeout = 2 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}

	cfg, err := omniport.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	logger := setupLogger(level, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("omniport", reg)

	var cb *breaker.Breaker
	if cfg.BreakerEnabled {
		cb = breaker.New(breaker.Config{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		})
		cb.OnStateChange(func(from, to breaker.State) {
			logger.Warn("backend circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			m.BreakerState(int(to), to == breaker.StateOpen)
		})
	}

	hub := admin.NewHub()
	observers := []registry.Observer{hub}

	var mirror *redis.Mirror
	if cfg.RedisAddr != "" {
		hostname, _ := os.Hostname()
		mirror, err = redis.New(ctx, redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Instance: hostname,
			KeyTTL:   cfg.RedisKeyTTL,
		}, m, logger)
		if err != nil {
			logger.Warn("registry mirror disabled", slog.String("error", err.Error()))
		} else {
			defer mirror.Close()
			observers = append(observers, mirror)
			g.Go(func() error {
				return mirror.Run(ctx)
			})
		}
	}

	e := engine.New(engine.Config{
		BindHost:       cfg.BindHost,
		FrontPorts:     cfg.FrontPorts,
		BackendHost:    cfg.BackendHost,
		BackendPort:    cfg.BackendPort,
		IdleTimeout:    cfg.IdleTimeout(),
		MaxConnections: cfg.MaxConnections,
		DialTimeout:    cfg.DialTimeout,
		BufferSize:     cfg.BufferSize,
		ProxyProtocol:  cfg.ProxyProtocol,
		ResolveNames:   cfg.ResolveNames,
		Debug:          cfg.Debug,
		Handler:        simple.New(logger),
		Metrics:        m,
		Breaker:        cb,
		Observers:      observers,
		Logger:         logger,
	})

	checker := health.NewChecker(10 * time.Second)
	checker.Register("listeners", true, health.ListenersCheck(e.Ports))
	checker.Register("backend", false, health.BackendCheck(e.BackendAddress(), backendTimeout))
	checker.Register("goroutines", false, health.GoroutineCheck(maxGoroutines))
	if mirror != nil {
		checker.Register("redis", false, mirror.Ping)
	}

	if err := e.Start(); err != nil {
		logger.Error("failed to start forwarding engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	g.Go(func() error {
		<-ctx.Done()
		return shutdown(e, hub, cfg.ShutdownTimeout, logger)
	})

	adminSrv := admin.NewServer(e, hub, checker, logger)
	g.Go(func() error {
		return serveHTTP(ctx, "admin", cfg.AdminAddr, adminSrv.Handler(), logger)
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	g.Go(func() error {
		return serveHTTP(ctx, "metrics", cfg.MetricsAddr, metricsMux, logger)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("OmniPort service terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("OmniPort service stopped")
}

// shutdown stops accepting and waits for in-flight relays within timeout.
func shutdown(e *engine.Engine, hub *admin.Hub, timeout time.Duration, logger *slog.Logger) error {
	e.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := e.Drain(ctx); err != nil {
		live, _ := e.Load()
		logger.Warn("shutdown timeout exceeded, abandoning connections", slog.Int("live", live))
	} else {
		logger.Info("all connections drained")
	}
	hub.Close()
	return nil
}

// serveHTTP runs an HTTP server until ctx is done.
func serveHTTP(ctx context.Context, name, addr string, h http.Handler, logger *slog.Logger) error {
	if addr == "" {
		return nil
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("%s server listening", name), slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
