package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/polaris/internal/cache"
	"github.com/oriys/polaris/internal/config"
	"github.com/oriys/polaris/internal/coordinator"
	"github.com/oriys/polaris/internal/logging"
	"github.com/oriys/polaris/internal/metrics"
	"github.com/oriys/polaris/internal/observability"
	"github.com/oriys/polaris/internal/pidfile"
	"github.com/oriys/polaris/internal/ratelimit"
	"github.com/oriys/polaris/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// shutdownGrace bounds the drain of worker connections on exit. Tasks
// still in flight after the grace are force-closed and land back on
// their queue through the requeue path before snapshots are written.
const shutdownGrace = 30 * time.Second

func daemonCmd() *cobra.Command {
	var (
		console  bool
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the rating coordinator",
		Long:  "Binds the rating, dispatch, and notification endpoints, restores queue snapshots, and serves until a signal or a console shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}

			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: "polaris",
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			var metricsServer *http.Server
			if cfg.Observability.Metrics.Enabled {
				metrics.Init("polaris")
				metricsServer = serveMetrics(cfg.Observability.Metrics.Addr, "polaris")
			}

			if cfg.Server.AuditLogPath != "" {
				if err := logging.Audit().SetOutput(cfg.Server.AuditLogPath); err != nil {
					return fmt.Errorf("open audit log: %w", err)
				}
				defer logging.Audit().Close()
			}

			if cfg.Server.PIDFile != "" {
				release, err := pidfile.Acquire(cfg.Server.PIDFile)
				if err != nil {
					return err
				}
				defer release()
			}

			ctx := context.Background()
			st, err := store.Open(ctx, cfg.Database.Backend, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			srv := coordinator.NewServer(cfg, st, buildVerdicts(cfg), buildLimiter(cfg))
			if err := srv.Restore(ctx); err != nil {
				return fmt.Errorf("restore queue snapshots: %w", err)
			}
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("start coordinator: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			consoleCh := make(chan bool, 1)
			if console {
				logging.Audit().SetConsole(true)
				c := coordinator.NewConsole(srv, st, os.Stdin, os.Stdout)
				go func() { consoleCh <- c.Run(ctx) }()
			}

			select {
			case sig := <-sigCh:
				logging.Op().Info("signal received", "signal", sig.String())
			case requested := <-consoleCh:
				if !requested {
					// Input exhausted without a shutdown command. The
					// endpoints keep serving until a signal arrives.
					logging.Op().Info("console closed, waiting for a signal")
					sig := <-sigCh
					logging.Op().Info("signal received", "signal", sig.String())
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logging.Op().Error("coordinator shutdown incomplete", "error", err)
			}
			if metricsServer != nil {
				httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = metricsServer.Shutdown(httpCtx)
				httpCancel()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&console, "console", true, "Read operator commands from stdin")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	return cmd
}

// buildVerdicts selects the verdict cache backend. The TTL tracks the
// domain expiration window so a cached verdict never outlives the row
// it mirrors.
func buildVerdicts(cfg *config.Config) *cache.Verdicts {
	ttl := time.Duration(cfg.Expiry.DomainExpirationDays) * 24 * time.Hour
	if cfg.Cache.Backend == "redis" {
		c := cache.NewRedisCache(cache.RedisCacheConfig{
			Addr:      cfg.Cache.Addr,
			Password:  cfg.Cache.Password,
			DB:        cfg.Cache.DB,
			KeyPrefix: cfg.Cache.KeyPrefix,
		})
		return cache.NewVerdicts(c, ttl)
	}
	return cache.NewVerdicts(cache.NewInMemoryCache(), ttl)
}

func buildLimiter(cfg *config.Config) *ratelimit.Limiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	var backend ratelimit.Backend
	if cfg.RateLimit.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		backend = ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(client))
	} else {
		backend = ratelimit.NewLocalBackend()
	}
	return ratelimit.NewLimiter(backend, cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
}

func serveMetrics(addr, service string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"` + service + `"}`))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.Op().Info("metrics endpoint started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("metrics endpoint failed", "error", err)
		}
	}()
	return srv
}
