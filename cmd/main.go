// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/coapforge/fproxy"
	"github.com/coapforge/fproxy/pkg/breaker"
	"github.com/coapforge/fproxy/pkg/cache"
	"github.com/coapforge/fproxy/pkg/errors"
	"github.com/coapforge/fproxy/pkg/handler"
	"github.com/coapforge/fproxy/pkg/health"
	"github.com/coapforge/fproxy/pkg/metrics"
	"github.com/coapforge/fproxy/pkg/proxy"
	"github.com/coapforge/fproxy/pkg/ratelimit"
	"github.com/coapforge/fproxy/pkg/server/udp"
	"github.com/coapforge/fproxy/pkg/slots"
	"github.com/coapforge/fproxy/pkg/target"
	"github.com/coapforge/fproxy/pkg/transport"
)

const envPrefix = "FPROXY_"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	cfg, err := fproxy.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	pool := slots.New(cfg.Slots)
	store := cache.NewMemoryStore(cfg.CacheCapacity)
	bridge := cache.NewBridge(store, nil)
	resolver := target.NewResolver(nil)

	m := metrics.New("fproxy",
		func() float64 { return float64(pool.Capacity() - pool.Free()) },
		func() float64 { return float64(store.Len()) },
	)

	tr := transport.NewUDP(transport.UDPConfig{
		AckTimeout:      cfg.AckTimeout,
		MaxRetransmit:   cfg.MaxRetransmit,
		ResponseTimeout: cfg.ResponseTimeout,
		Logger:          logger,
	})
	defer tr.Close()

	var breakers *breaker.Group
	if cfg.BreakerEnabled {
		breakers = breaker.NewGroup(breaker.Config{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		})
		breakers.OnStateChange(func(origin string, from, to breaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("origin", origin),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			m.BreakerState.WithLabelValues(origin).Set(float64(to))
			if to == breaker.StateOpen {
				m.BreakerTrips.WithLabelValues(origin).Inc()
			}
		})
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateBurst, cfg.RateLimit, 0)
		defer limiter.Close()
	}

	dispatcher := proxy.New(proxy.Config{
		Slots:      pool,
		Cache:      bridge,
		Resolver:   resolver,
		Transport:  tr,
		Handler:    handler.NewLogging(logger),
		Breakers:   breakers,
		Metrics:    m,
		BufferSize: cfg.BufferSize,
		Logger:     logger,
	})

	srv := udp.New(udp.Config{
		Address:        cfg.Address(),
		WorkerPoolSize: cfg.Workers,
		Logger:         logger,
	}, dispatcher, limiter, m)

	g.Go(func() error {
		return srv.Listen(ctx)
	})

	g.Go(func() error {
		return listenOps(ctx, cfg.OpsAddress, pool, store, tr, logger)
	})

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("fproxy service terminated with error: %s", err))
	} else {
		logger.Info("fproxy service stopped")
	}
}

// listenOps serves metrics and health probes.
func listenOps(ctx context.Context, address string, pool *slots.Pool, store *cache.MemoryStore, tr *transport.UDPTransport, logger *slog.Logger) error {
	checker := health.NewChecker(0)
	checker.Register("slots", func(ctx context.Context) error {
		if pool.Free() == 0 {
			return errors.ErrNoSlots
		}
		return nil
	})
	checker.Register("cache", func(ctx context.Context) error {
		if n := store.Len(); n > store.Capacity() {
			return fmt.Errorf("%d entries over capacity", n)
		}
		return nil
	})
	checker.Register("transport", func(ctx context.Context) error {
		// An exchange table at listener scale means the proxy is wedged.
		if tr.Outstanding() > pool.Capacity() {
			return fmt.Errorf("%d exchanges outstanding", tr.Outstanding())
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	srv := &http.Server{
		Addr:         address,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops server shutdown error", slog.String("error", err.Error()))
		}
	}()

	logger.Info("ops server started", slog.String("address", address))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
