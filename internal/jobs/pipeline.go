package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/tagsync/internal/fetcher"
	"github.com/jmylchreest/tagsync/internal/observability"
	"github.com/jmylchreest/tagsync/internal/scheduler"
	"github.com/jmylchreest/tagsync/internal/transcode"
	"github.com/jmylchreest/tagsync/internal/uploader"
)

// ErrNoTranscoder is returned when ffmpeg was not found at startup.
var ErrNoTranscoder = errors.New("transcoder unavailable")

// pruneEvery limits journal pruning to once per period.
const pruneEvery = time.Hour

// FetchStage moves pending media from the registry into the spool and
// consumes fixed schedules once their media is delivered.
type FetchStage interface {
	Run(ctx context.Context) (fetcher.Result, error)
	ConsumeFixed(ctx context.Context, fixed map[string]string, delivered []string) (int, []error)
}

// TranscodeStage normalizes spooled media.
type TranscodeStage interface {
	Run(ctx context.Context) (transcode.Result, error)
}

// UploadStage delivers normalized media to devices, leaving the held
// clients' media queued.
type UploadStage interface {
	Run(ctx context.Context, held []string) (uploader.Result, error)
}

// LedgerStore persists the last-check ledger.
type LedgerStore interface {
	Save() error
}

// Pruner drops journal history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// FreeSpaceFunc reports free bytes on the filesystem holding path.
type FreeSpaceFunc func(ctx context.Context, path string) (uint64, error)

// PipelineConfig configures a PipelineJob.
type PipelineConfig struct {
	// SpoolDir is checked against MinFreeSpace before fetching.
	SpoolDir     string
	MinFreeSpace uint64
	// Retention is how long journal history is kept. Zero keeps everything.
	Retention time.Duration
}

// PipelineJob runs fetch, transcode and upload in sequence. A stage runs
// only when the previous one could run at all; per-device failures do not
// stop later stages, but a client whose media failed to convert is not
// delivered to.
type PipelineJob struct {
	fetch     FetchStage
	transcode TranscodeStage
	upload    UploadStage
	ledger    LedgerStore
	config    PipelineConfig
	freeSpace FreeSpaceFunc
	pruner    Pruner
	lastPrune time.Time
	now       func() time.Time
	logger    *slog.Logger
}

// PipelineOption configures a PipelineJob.
type PipelineOption func(*PipelineJob)

// WithFreeSpace enables the free-space guard.
func WithFreeSpace(fn FreeSpaceFunc) PipelineOption {
	return func(j *PipelineJob) { j.freeSpace = fn }
}

// WithPruner prunes journal history after each run.
func WithPruner(p Pruner) PipelineOption {
	return func(j *PipelineJob) { j.pruner = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) PipelineOption {
	return func(j *PipelineJob) { j.now = now }
}

// NewPipelineJob creates the pipeline job. A nil transcoder fails every
// run at the transcode stage.
func NewPipelineJob(f FetchStage, t TranscodeStage, u UploadStage, ledger LedgerStore, cfg PipelineConfig, logger *slog.Logger, opts ...PipelineOption) *PipelineJob {
	if logger == nil {
		logger = slog.Default()
	}
	j := &PipelineJob{
		fetch:     f,
		transcode: t,
		upload:    u,
		ledger:    ledger,
		config:    cfg,
		now:       time.Now,
		logger:    observability.WithComponent(logger, "pipeline"),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Name implements scheduler.Job.
func (j *PipelineJob) Name() string { return PipelineJobName }

// Run implements scheduler.Job.
func (j *PipelineJob) Run(ctx context.Context) (string, error) {
	if err := j.checkFreeSpace(ctx); err != nil {
		return "", err
	}

	var itemErrs []error

	fetched, err := runStage(ctx, j.logger, "fetch", j.fetch.Run)
	// Marks from devices that did complete are kept even if the stage failed.
	if saveErr := j.ledger.Save(); saveErr != nil {
		j.logger.Error("failed to save ledger", slog.String("error", saveErr.Error()))
		itemErrs = append(itemErrs, saveErr)
	}
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	itemErrs = append(itemErrs, fetched.Errors...)
	summary := fmt.Sprintf("fetched %d", fetched.Fetched())

	if j.transcode == nil {
		return summary, fmt.Errorf("transcode: %w", ErrNoTranscoder)
	}
	converted, err := runStage(ctx, j.logger, "transcode", j.transcode.Run)
	if err != nil {
		return summary, fmt.Errorf("transcode: %w", err)
	}
	itemErrs = append(itemErrs, converted.Errors...)
	summary += fmt.Sprintf(", converted %d", converted.Converted)

	// A failed conversion leaves the source in the spool; it must not reach
	// the device unconverted.
	upload := func(ctx context.Context) (uploader.Result, error) {
		return j.upload.Run(ctx, converted.Held)
	}
	delivered, err := runStage(ctx, j.logger, "upload", upload)
	if err != nil {
		return summary, fmt.Errorf("upload: %w", err)
	}
	itemErrs = append(itemErrs, delivered.Errors...)
	summary += fmt.Sprintf(", delivered %d", delivered.Delivered)
	if delivered.Held > 0 {
		summary += fmt.Sprintf(", held %d", delivered.Held)
	}

	if len(fetched.Fixed) > 0 && len(delivered.Clients) > 0 {
		_, errs := j.fetch.ConsumeFixed(ctx, fetched.Fixed, delivered.Clients)
		itemErrs = append(itemErrs, errs...)
	}

	j.prune(ctx)

	if len(itemErrs) > 0 {
		return summary, fmt.Errorf("%w: %w", scheduler.ErrPartial, errors.Join(itemErrs...))
	}
	return summary, nil
}

func runStage[R any](ctx context.Context, logger *slog.Logger, name string, run func(context.Context) (R, error)) (r R, err error) {
	defer observability.TimedOperationWithError(ctx, logger, name, &err)()
	return run(ctx)
}

func (j *PipelineJob) checkFreeSpace(ctx context.Context) error {
	if j.freeSpace == nil || j.config.MinFreeSpace == 0 {
		return nil
	}
	free, err := j.freeSpace(ctx, j.config.SpoolDir)
	if err != nil {
		j.logger.Warn("cannot check free space, continuing", slog.String("error", err.Error()))
		return nil
	}
	if free < j.config.MinFreeSpace {
		return fmt.Errorf("%w: %s free in %s, need %s", scheduler.ErrSkipped,
			humanize.IBytes(free), j.config.SpoolDir, humanize.IBytes(j.config.MinFreeSpace))
	}
	return nil
}

func (j *PipelineJob) prune(ctx context.Context) {
	if j.pruner == nil || j.config.Retention <= 0 {
		return
	}
	now := j.now()
	if !j.lastPrune.IsZero() && now.Sub(j.lastPrune) < pruneEvery {
		return
	}
	j.lastPrune = now

	n, err := j.pruner.Prune(ctx, now.Add(-j.config.Retention))
	if err != nil {
		j.logger.Warn("failed to prune journal", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		j.logger.Info("pruned journal", slog.Int64("rows", n))
	}
}
