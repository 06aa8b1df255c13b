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
	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/logging"
	"github.com/oriys/polaris/internal/metrics"
	"github.com/oriys/polaris/internal/modules"
	"github.com/oriys/polaris/internal/observability"
	"github.com/oriys/polaris/internal/pidfile"
	"github.com/oriys/polaris/internal/probe"
	"github.com/oriys/polaris/internal/scanner"
	"github.com/oriys/polaris/internal/store"
	"github.com/oriys/polaris/internal/wire"
	"github.com/spf13/cobra"
)

const notifyTimeout = 10 * time.Second

func daemonCmd() *cobra.Command {
	var (
		logLevel string
		norun    []string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the scan worker",
		Long:  "Connects to the coordinator's dispatch endpoint, executes the module graph per task, and retries transient failures after their backoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("norun") {
				cfg.Scanner.Norun = append(cfg.Scanner.Norun, norun...)
			}

			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: "sirius",
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			var metricsServer *http.Server
			if cfg.Observability.Metrics.Enabled {
				metrics.Init("sirius")
				metricsServer = serveMetrics(cfg.Observability.Metrics.Addr, "sirius")
			}

			if cfg.Scanner.PIDFile != "" {
				release, err := pidfile.Acquire(cfg.Scanner.PIDFile)
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

			profile, err := modules.LoadProfile(cfg.Scanner.ModuleProfile)
			if err != nil {
				return err
			}

			deps := modules.Deps{
				Probe: probe.NewClient(probe.Options{
					Timeout:    cfg.Scanner.ProbeTimeout(),
					RatePerSec: cfg.Scanner.ProbeRatePerSecond,
					Burst:      cfg.Scanner.ProbeBurst,
				}),
				Store:   st,
				Profile: profile,
			}

			reg, err := scanner.Bootstrap(ctx, st, deps, cfg.Scanner.Norun)
			if err != nil {
				return fmt.Errorf("bootstrap modules: %w", err)
			}

			retries := scanner.NewRetryQueue()
			accept := func(t domain.RetryTask) bool {
				for _, name := range t.Modules {
					if !reg.Has(name) {
						return false
					}
				}
				ok, err := st.IsRequestValid(ctx, t.RequestID, t.Domain)
				return err == nil && ok
			}
			restored, dropped, err := scanner.RestoreRetrySnapshot(cfg.Scanner.RetrySnapshotPath, retries, accept)
			if err != nil {
				return fmt.Errorf("restore retry snapshot: %w", err)
			}
			if restored > 0 || dropped > 0 {
				logging.Op().Info("retry snapshot restored", "restored", restored, "dropped", dropped)
			}

			notify := func(task domain.Task) error {
				return wire.SendScanFinished(cfg.Scanner.NotifyAddr, notifyTimeout, task)
			}
			sched := scanner.NewScheduler(reg, st, retries, notify, cfg.Scanner.RerunCounterMax)
			watchdog := scanner.NewWatchdog(sched, retries, cfg.Scanner.RerunQueueCheckDelay(), cfg.Scanner.RerunThresholds())
			worker := scanner.NewWorker(scanner.WorkerConfig{Addr: cfg.Scanner.DispatchAddr}, sched)

			watchdog.Start()
			worker.Start()
			logging.Op().Info("scan worker started",
				"dispatch", cfg.Scanner.DispatchAddr, "modules", reg.Len())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logging.Op().Info("signal received", "signal", sig.String())

			worker.Stop()
			watchdog.Stop()

			if err := scanner.SaveRetrySnapshot(cfg.Scanner.RetrySnapshotPath, retries); err != nil {
				logging.Op().Error("save retry snapshot", "error", err)
			}
			if metricsServer != nil {
				httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = metricsServer.Shutdown(httpCtx)
				httpCancel()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringSliceVar(&norun, "norun", nil, "Additional modules to exclude")
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
