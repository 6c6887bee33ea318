// Package jobs binds the pipeline stages into the two scheduled jobs: the
// network scan that keeps the registry in step with the floor, and the
// media pipeline that fetches, transcodes and delivers.
package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/tagsync/internal/device"
	"github.com/jmylchreest/tagsync/internal/events"
	"github.com/jmylchreest/tagsync/internal/observability"
	"github.com/jmylchreest/tagsync/internal/reconcile"
	"github.com/jmylchreest/tagsync/internal/scheduler"
)

// Job names as registered with the scheduler and exposed by the API.
const (
	ScanJobName     = "scan"
	PipelineJobName = "pipeline"
)

// Sweeper finds devices on the network.
type Sweeper interface {
	Scan(ctx context.Context, targets []string) ([]device.Info, error)
}

// Reconciler converges the registry on a sweep result.
type Reconciler interface {
	Run(ctx context.Context, found []device.Info) (reconcile.Result, error)
}

// ScanJob sweeps the network and reconciles the registry.
type ScanJob struct {
	sweeper    Sweeper
	reconciler Reconciler
	targets    []string
	events     events.Publisher
	logger     *slog.Logger
}

// ScanOption configures a ScanJob.
type ScanOption func(*ScanJob)

// WithScanEvents publishes a device.seen event per answering device.
func WithScanEvents(p events.Publisher) ScanOption {
	return func(j *ScanJob) { j.events = p }
}

// NewScanJob creates the scan job over the given probe targets.
func NewScanJob(sw Sweeper, rc Reconciler, targets []string, logger *slog.Logger, opts ...ScanOption) *ScanJob {
	if logger == nil {
		logger = slog.Default()
	}
	j := &ScanJob{
		sweeper:    sw,
		reconciler: rc,
		targets:    targets,
		events:     events.Discard,
		logger:     observability.WithComponent(logger, "scan"),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Name implements scheduler.Job.
func (j *ScanJob) Name() string { return ScanJobName }

// Run implements scheduler.Job.
func (j *ScanJob) Run(ctx context.Context) (string, error) {
	found, err := j.sweeper.Scan(ctx, j.targets)
	if err != nil {
		return "", fmt.Errorf("sweeping network: %w", err)
	}

	for _, info := range found {
		detail := info.Name
		if info.FreeSpace >= 0 {
			detail = fmt.Sprintf("%s (%s free)", info.Name, humanize.Bytes(uint64(info.FreeSpace)))
		}
		j.events.Publish(ctx, events.Event{
			Kind:     events.KindDeviceSeen,
			ClientID: info.ClientID,
			IP:       info.IP,
			Detail:   detail,
		})
	}

	result, err := j.reconciler.Run(ctx, found)
	if err != nil {
		return fmt.Sprintf("found %d", len(found)), fmt.Errorf("reconciling: %w", err)
	}

	summary := fmt.Sprintf("found %d, added %d, removed %d, updated %d",
		len(found), result.Added, result.Removed, result.Updated)
	if result.Failed > 0 {
		return summary, fmt.Errorf("%w: %w", scheduler.ErrPartial, result.Err())
	}
	return summary, nil
}
