package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	internalhttp "github.com/jmylchreest/tagsync/internal/http"
	"github.com/jmylchreest/tagsync/internal/http/handlers"
	"github.com/jmylchreest/tagsync/internal/scheduler"
	"github.com/jmylchreest/tagsync/internal/version"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run the scan and delivery jobs on their timers until interrupted.

Both jobs run once at startup. Their intervals are read from the intervals
file (created with the configured defaults when missing) and changes to it
take effect without a restart.

When the status server is enabled it serves:
- /livez and /readyz for health checks
- /api/v1/status with job and host state
- /api/v1/deliveries with recent journal entries (journal enabled)
- /api/v1/jobs/{name}/run to start a job immediately
- OpenAPI documentation at /docs`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Bool("skip-startup-run", false, "arm the timers without running each job first")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := appConfig
	logger.Info("starting tagsync",
		slog.String("version", version.Short()),
		slog.String("location_id", cfg.Registry.LocationID),
		slog.String("media_dir", cfg.Storage.MediaPath()),
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("failed to close resources", slog.String("error", err.Error()))
		}
	}()

	skipStartup, _ := cmd.Flags().GetBool("skip-startup-run")
	schedOpts := []scheduler.Option{scheduler.WithEvents(a.bus)}
	if a.journal != nil {
		schedOpts = append(schedOpts, scheduler.WithRecorder(a.journal))
	}
	sched := scheduler.New(scheduler.Config{
		IntervalsPath:  cfg.IntervalsPath(),
		Defaults:       cfg.Jobs.DefaultIntervals(),
		ReloadPeriod:   cfg.Jobs.ReloadPeriod,
		SkipStartupRun: skipStartup,
	}, logger, schedOpts...)
	sched.Register(a.scanJob, scheduler.ScanInterval)
	sched.Register(a.pipelineJob, scheduler.PipelineInterval)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.Enabled {
		server := newStatusServer(a, sched)
		g.Go(func() error {
			return server.ListenAndServe(gctx)
		})
	}

	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("tagsync stopped")
	return nil
}

// newStatusServer builds the HTTP server and registers every handler the
// running app can back.
func newStatusServer(a *app, sched *scheduler.Scheduler) *internalhttp.Server {
	server := internalhttp.NewServer(a.cfg.Server, a.logger, version.Short())

	health := handlers.NewHealthHandler(version.Short()).
		WithScheduler(sched).
		WithRegistry(a.registry)
	// A nil *DB in the interface would read as configured.
	var history handlers.RunHistory
	if a.db != nil {
		health = health.WithDB(a.db)
		history = a.journal
	}

	server.Register(
		health,
		handlers.NewStatusHandler(version.Short(), sched, history, a.stats),
		handlers.NewJobHandler(sched),
	)
	if a.journal != nil {
		server.Register(handlers.NewDeliveryHandler(a.journal))
	}
	return server
}
