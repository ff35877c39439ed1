package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/projectchat/chatauth/internal/sweep"
	"github.com/projectchat/chatauth/metrics/export/prometheus"
)

// NewSweepCmd creates the sweep subcommand.
func NewSweepCmd() *cobra.Command {
	var (
		every       time.Duration
		once        bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired refresh credentials",
		Long: `Delete refresh credentials whose expiry has passed. The sweep repeats every
sweep.interval until interrupted; --every overrides the setting and an interval
of 0 (or --once) runs a single pass. Store outages are retried with exponential
backoff (sweep.max_retries, sweep.initial_backoff).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			var override *time.Duration
			switch {
			case once:
				override = new(time.Duration)
			case cmd.Flags().Changed("every"):
				override = &every
			}
			return runSweep(ctx, cmd, override, metricsAddr)
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "repeat the sweep at this interval, overriding sweep.interval (0 runs once)")
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass regardless of sweep.interval")
	cmd.MarkFlagsMutuallyExclusive("every", "once")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9102")
	return cmd
}

// runSweep sweeps at the configured interval, or at *override when set.
func runSweep(ctx context.Context, cmd *cobra.Command, override *time.Duration, metricsAddr string) error {
	if override != nil && *override < 0 {
		return oops.Code("INVALID_FLAG").Errorf("--every must be >= 0")
	}
	s, err := loadSettings()
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), s)

	manager, release, err := openManager(ctx, s, logger)
	if err != nil {
		return err
	}
	defer release()

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           metricsMux(prometheus.NewExporter(manager).Handler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "addr", metricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "addr", metricsAddr)
	}

	cfg, err := s.ManagerConfig()
	if err != nil {
		return err
	}
	if override != nil {
		cfg.Sweep.Interval = *override
	}

	sweeper := sweep.New(manager, cfg.Sweep, sweep.WithLogger(logger))
	if cfg.Sweep.Interval == 0 {
		n, err := sweeper.RunOnce(ctx)
		if err != nil {
			return oops.Code("SWEEP_FAILED").Wrap(err)
		}
		cmd.Printf("Deleted %d expired refresh credentials\n", n)
		return nil
	}

	logger.Info("sweeping periodically", "every", cfg.Sweep.Interval)
	return sweeper.Run(ctx)
}

func metricsMux(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	return mux
}
