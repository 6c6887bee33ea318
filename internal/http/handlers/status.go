package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/tagsync/internal/config"
	"github.com/jmylchreest/tagsync/internal/models"
	"github.com/jmylchreest/tagsync/internal/scheduler"
	"github.com/jmylchreest/tagsync/internal/sysinfo"
)

// JobSource reports the scheduler's jobs and intervals.
type JobSource interface {
	Status() []scheduler.JobStatus
	Intervals() config.Intervals
}

// RunHistory returns the last persisted run of a job.
type RunHistory interface {
	LastRun(ctx context.Context, job string) (*models.JobRun, error)
}

// HostStats collects host statistics.
type HostStats interface {
	Collect(ctx context.Context) sysinfo.Stats
}

// StatusHandler serves the daemon status document.
type StatusHandler struct {
	version string
	jobs    JobSource
	history RunHistory
	host    HostStats
}

// NewStatusHandler creates a status handler. history and host may be nil.
func NewStatusHandler(version string, jobs JobSource, history RunHistory, host HostStats) *StatusHandler {
	return &StatusHandler{
		version: version,
		jobs:    jobs,
		history: history,
		host:    host,
	}
}

// IntervalsResponse is the interval file as currently applied.
type IntervalsResponse struct {
	ScanSeconds     int `json:"scanSeconds"`
	PipelineSeconds int `json:"pipelineSeconds"`
}

// JobResponse describes one scheduled job.
type JobResponse struct {
	Name            string       `json:"name"`
	IntervalSeconds int          `json:"intervalSeconds"`
	Running         bool         `json:"running"`
	NextRun         *time.Time   `json:"nextRun,omitempty"`
	LastRun         *RunResponse `json:"lastRun,omitempty"`
}

// RunResponse describes one job run.
type RunResponse struct {
	ID         string     `json:"id"`
	Trigger    string     `json:"trigger"`
	Status     string     `json:"status"`
	Summary    string     `json:"summary,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	DurationMs int64      `json:"durationMs"`
}

// StatusInput is the input for the status endpoint.
type StatusInput struct{}

// StatusOutput is the output for the status endpoint.
type StatusOutput struct {
	Body struct {
		Version   string            `json:"version"`
		Intervals IntervalsResponse `json:"intervals"`
		Jobs      []JobResponse     `json:"jobs"`
		Host      *sysinfo.Stats    `json:"host,omitempty"`
	}
}

// Register registers the status route with the API.
func (h *StatusHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Method:      http.MethodGet,
		Path:        "/api/v1/status",
		Summary:     "Daemon status",
		Description: "Returns the applied intervals, the last run of each job and host statistics",
		Tags:        []string{"System"},
	}, h.GetStatus)
}

// GetStatus returns the status document.
func (h *StatusHandler) GetStatus(ctx context.Context, input *StatusInput) (*StatusOutput, error) {
	out := &StatusOutput{}
	out.Body.Version = h.version

	intervals := h.jobs.Intervals()
	out.Body.Intervals = IntervalsResponse{
		ScanSeconds:     int(intervals.Scan / time.Second),
		PipelineSeconds: int(intervals.Pipeline / time.Second),
	}

	out.Body.Jobs = make([]JobResponse, 0, 2)
	for _, st := range h.jobs.Status() {
		job := JobResponse{
			Name:            st.Name,
			IntervalSeconds: int(st.Interval / time.Second),
			Running:         st.Running,
			NextRun:         st.NextRun,
		}
		last := st.LastRun
		// Runs from before a restart are only in the journal.
		if last == nil && h.history != nil {
			persisted, err := h.history.LastRun(ctx, st.Name)
			if err != nil {
				return nil, huma.Error500InternalServerError("failed to read run history", err)
			}
			last = persisted
		}
		if last != nil {
			job.LastRun = runResponse(last)
		}
		out.Body.Jobs = append(out.Body.Jobs, job)
	}

	if h.host != nil {
		stats := h.host.Collect(ctx)
		out.Body.Host = &stats
	}
	return out, nil
}

func runResponse(run *models.JobRun) *RunResponse {
	return &RunResponse{
		ID:         run.ID.String(),
		Trigger:    run.Trigger,
		Status:     string(run.Status),
		Summary:    run.Summary,
		Error:      run.Error,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		DurationMs: run.Duration().Milliseconds(),
	}
}
