package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tagsync/internal/config"
	"github.com/jmylchreest/tagsync/internal/models"
	"github.com/jmylchreest/tagsync/internal/observability"
)

type funcJob struct {
	name  string
	calls atomic.Int32
	run   func(ctx context.Context) (string, error)
}

func (j *funcJob) Name() string { return j.name }

func (j *funcJob) Run(ctx context.Context) (string, error) {
	j.calls.Add(1)
	if j.run == nil {
		return "ok", nil
	}
	return j.run(ctx)
}

type memRecorder struct {
	mu   sync.Mutex
	runs []models.JobRun
}

func (r *memRecorder) SaveRun(_ context.Context, run models.JobRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *memRecorder) all() []models.JobRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.JobRun(nil), r.runs...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeIntervals(t *testing.T, path string, scan, pipeline int) {
	t.Helper()
	content := fmt.Sprintf("scan_interval_seconds=%d\npipeline_interval_seconds=%d\n", scan, pipeline)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func newScheduler(t *testing.T, skipStartup bool, opts ...Option) (*Scheduler, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "intervals.conf")
	s := New(Config{
		IntervalsPath:  path,
		Defaults:       config.Intervals{Scan: time.Hour, Pipeline: time.Minute},
		ReloadPeriod:   time.Hour,
		SkipStartupRun: skipStartup,
	}, discardLogger(), opts...)
	return s, path
}

func TestScheduler_StartRunsEachJobOnce(t *testing.T) {
	rec := &memRecorder{}
	s, path := newScheduler(t, false, WithRecorder(rec))

	var cycleIDs []string
	scan := &funcJob{name: "scan", run: func(ctx context.Context) (string, error) {
		cycleIDs = append(cycleIDs, observability.CycleIDFromContext(ctx))
		return "3 devices", nil
	}}
	pipeline := &funcJob{name: "pipeline"}
	s.Register(scan, ScanInterval)
	s.Register(pipeline, PipelineInterval)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, int32(1), scan.calls.Load())
	assert.Equal(t, int32(1), pipeline.calls.Load())
	require.Len(t, cycleIDs, 1)
	assert.NotEmpty(t, cycleIDs[0])

	// The intervals file is created from the defaults.
	assert.FileExists(t, path)

	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "scan", status[0].Name)
	assert.Equal(t, time.Hour, status[0].Interval)
	require.NotNil(t, status[0].LastRun)
	assert.Equal(t, "startup", status[0].LastRun.Trigger)
	assert.Equal(t, models.RunSucceeded, status[0].LastRun.Status)
	assert.Equal(t, "3 devices", status[0].LastRun.Summary)
	assert.NotNil(t, status[0].NextRun)
	assert.Equal(t, time.Minute, status[1].Interval)

	runs := rec.all()
	require.Len(t, runs, 4, "running and finished record per job")
	assert.Equal(t, models.RunRunning, runs[0].Status)
	assert.Equal(t, models.RunSucceeded, runs[1].Status)
	assert.Equal(t, runs[0].ID, runs[1].ID)
	assert.Equal(t, cycleIDs[0], runs[0].ID.String())

	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestScheduler_UsesIntervalsFile(t *testing.T) {
	s, path := newScheduler(t, true)
	writeIntervals(t, path, 120, 15)
	s.Register(&funcJob{name: "scan"}, ScanInterval)
	s.Register(&funcJob{name: "pipeline"}, PipelineInterval)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, config.Intervals{Scan: 2 * time.Minute, Pipeline: 15 * time.Second}, s.Intervals())
}

func TestScheduler_ReloadReschedulesChangedJobOnly(t *testing.T) {
	s, path := newScheduler(t, true)
	writeIntervals(t, path, 3600, 60)
	s.Register(&funcJob{name: "scan"}, ScanInterval)
	s.Register(&funcJob{name: "pipeline"}, PipelineInterval)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	scanID := s.entries["scan"].id
	pipelineID := s.entries["pipeline"].id

	writeIntervals(t, path, 3600, 30)
	s.Reload()

	assert.Equal(t, scanID, s.entries["scan"].id)
	assert.NotEqual(t, pipelineID, s.entries["pipeline"].id)
	assert.Equal(t, 30*time.Second, s.entries["pipeline"].interval)
	assert.Len(t, s.cron.Entries(), 2)

	// Unchanged file is a no-op.
	pipelineID = s.entries["pipeline"].id
	s.Reload()
	assert.Equal(t, pipelineID, s.entries["pipeline"].id)
}

func TestScheduler_ReloadKeepsCurrentOnBadValue(t *testing.T) {
	s, path := newScheduler(t, true)
	writeIntervals(t, path, 3600, 60)
	s.Register(&funcJob{name: "pipeline"}, PipelineInterval)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.NoError(t, os.WriteFile(path, []byte("scan_interval_seconds=90\npipeline_interval_seconds=soon\n"), 0o600))
	s.Reload()

	assert.Equal(t, config.Intervals{Scan: 90 * time.Second, Pipeline: time.Minute}, s.Intervals())
	assert.Equal(t, time.Minute, s.entries["pipeline"].interval)
}

func TestScheduler_Trigger(t *testing.T) {
	s, _ := newScheduler(t, true)
	job := &funcJob{name: "pipeline"}
	s.Register(job, PipelineInterval)

	assert.ErrorIs(t, s.Trigger("pipeline"), ErrNotStarted)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.ErrorIs(t, s.Trigger("nope"), ErrUnknownJob)
	require.NoError(t, s.Trigger("pipeline"))

	require.Eventually(t, func() bool {
		st := s.Status()[0]
		return st.LastRun != nil && st.LastRun.Status == models.RunSucceeded
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "manual", s.Status()[0].LastRun.Trigger)
	assert.Equal(t, int32(1), job.calls.Load())
}

func TestScheduler_TriggerWhileRunning(t *testing.T) {
	s, _ := newScheduler(t, true)
	started := make(chan struct{})
	release := make(chan struct{})
	job := &funcJob{name: "pipeline", run: func(context.Context) (string, error) {
		close(started)
		<-release
		return "", nil
	}}
	s.Register(job, PipelineInterval)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.NoError(t, s.Trigger("pipeline"))
	<-started
	assert.True(t, s.Status()[0].Running)
	assert.ErrorIs(t, s.Trigger("pipeline"), ErrJobRunning)

	close(release)
	require.Eventually(t, func() bool { return !s.Status()[0].Running }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), job.calls.Load())
}

func TestScheduler_TickDuringManualRun(t *testing.T) {
	s, _ := newScheduler(t, true)
	started := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	job := &funcJob{name: "pipeline", run: func(context.Context) (string, error) {
		if first.CompareAndSwap(false, true) {
			close(started)
			<-release
		}
		return "", nil
	}}
	s.Register(job, PipelineInterval)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.NoError(t, s.Trigger("pipeline"))
	<-started

	tick := s.entry("pipeline").wrapped
	tick.Run()
	assert.Equal(t, int32(1), job.calls.Load(), "tick must not overlap the manual run")

	close(release)
	require.Eventually(t, func() bool { return !s.Status()[0].Running }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "manual", s.Status()[0].LastRun.Trigger)

	tick.Run()
	assert.Equal(t, int32(2), job.calls.Load())
	assert.Equal(t, "cron", s.Status()[0].LastRun.Trigger)
}

func TestScheduler_PanicDoesNotStopScheduler(t *testing.T) {
	s, _ := newScheduler(t, false)
	var panicked atomic.Bool
	job := &funcJob{name: "scan", run: func(context.Context) (string, error) {
		if panicked.CompareAndSwap(false, true) {
			panic("boom")
		}
		return "recovered", nil
	}}
	s.Register(job, ScanInterval)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.False(t, s.Status()[0].Running)
	require.NoError(t, s.Trigger("scan"))
	require.Eventually(t, func() bool {
		st := s.Status()[0]
		return st.LastRun != nil && st.LastRun.Summary == "recovered"
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_RunStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.RunStatus
	}{
		{"success", nil, models.RunSucceeded},
		{"skipped", fmt.Errorf("%w: low disk", ErrSkipped), models.RunSkipped},
		{"partial", fmt.Errorf("%w: %w", ErrPartial, errors.New("A1 failed")), models.RunPartial},
		{"failed", errors.New("registry down"), models.RunFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &memRecorder{}
			s, _ := newScheduler(t, false, WithRecorder(rec))
			s.Register(&funcJob{name: "pipeline", run: func(context.Context) (string, error) {
				return "done", tt.err
			}}, PipelineInterval)

			require.NoError(t, s.Start(context.Background()))
			s.Stop()

			runs := rec.all()
			require.Len(t, runs, 2)
			last := runs[1]
			assert.Equal(t, tt.want, last.Status)
			assert.NotNil(t, last.FinishedAt)
			if tt.err != nil {
				assert.Equal(t, tt.err.Error(), last.Error)
			}
		})
	}
}
