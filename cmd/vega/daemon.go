package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/polaris/internal/config"
	"github.com/oriys/polaris/internal/logging"
	"github.com/oriys/polaris/internal/metrics"
	"github.com/oriys/polaris/internal/observability"
	"github.com/oriys/polaris/internal/pidfile"
	"github.com/oriys/polaris/internal/reviewer"
	"github.com/oriys/polaris/internal/store"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the review worker",
		Long:  "Connects to the coordinator's review dispatch endpoint and turns scanned requests into verdicts",
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
				ServiceName: "vega",
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			var metricsServer *http.Server
			if cfg.Observability.Metrics.Enabled {
				metrics.Init("vega")
				metricsServer = serveMetrics(cfg.Observability.Metrics.Addr, "vega")
			}

			if cfg.Reviewer.PIDFile != "" {
				release, err := pidfile.Acquire(cfg.Reviewer.PIDFile)
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

			worker := reviewer.NewWorker(reviewer.WorkerConfig{
				DispatchAddr: cfg.Reviewer.DispatchAddr,
				NotifyAddr:   cfg.Reviewer.NotifyAddr,
			}, reviewer.NewPolicy(st))

			worker.Start()
			logging.Op().Info("review worker started", "dispatch", cfg.Reviewer.DispatchAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logging.Op().Info("signal received", "signal", sig.String())

			worker.Stop()
			if metricsServer != nil {
				httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = metricsServer.Shutdown(httpCtx)
				httpCancel()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	return cmd
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
