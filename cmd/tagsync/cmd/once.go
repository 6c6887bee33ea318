package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/tagsync/internal/models"
	"github.com/jmylchreest/tagsync/internal/observability"
	"github.com/jmylchreest/tagsync/internal/scheduler"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Sweep the network once and reconcile the registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOnce(cmd, func(a *app) scheduler.Job { return a.scanJob })
	},
}

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Fetch, transcode and upload pending media once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOnce(cmd, func(a *app) scheduler.Job { return a.pipelineJob })
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(deliverCmd)
}

// runOnce runs a single job outside the scheduler. Skipped and partial runs
// are reported but do not fail the command.
func runOnce(cmd *cobra.Command, pick func(*app) scheduler.Job) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("failed to close resources", slog.String("error", err.Error()))
		}
	}()

	job := pick(a)
	run := models.JobRun{
		ID:        models.NewULID(),
		Job:       job.Name(),
		Trigger:   "manual",
		Status:    models.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	ctx = observability.ContextWithCycleID(ctx, run.ID.String())
	log := observability.WithCycleID(logger, run.ID.String())

	summary, runErr := job.Run(ctx)
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Summary = summary
	run.Status = scheduler.StatusFor(runErr)
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if a.journal != nil {
		if err := a.journal.SaveRun(ctx, run); err != nil {
			log.Warn("failed to record run", slog.String("error", err.Error()))
		}
	}

	switch {
	case runErr == nil:
		log.Info("run completed", slog.String("job", run.Job), slog.String("summary", summary))
	case errors.Is(runErr, scheduler.ErrSkipped), errors.Is(runErr, scheduler.ErrPartial):
		log.Warn("run finished with problems",
			slog.String("job", run.Job),
			slog.String("status", string(run.Status)),
			slog.String("summary", summary),
			slog.String("error", runErr.Error()),
		)
	default:
		return fmt.Errorf("%s run failed: %w", run.Job, runErr)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", run.Job, run.Status, summary)
	return nil
}
