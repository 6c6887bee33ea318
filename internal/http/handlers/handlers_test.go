package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tagsync/internal/config"
	"github.com/jmylchreest/tagsync/internal/httpclient"
	"github.com/jmylchreest/tagsync/internal/journal"
	"github.com/jmylchreest/tagsync/internal/models"
	"github.com/jmylchreest/tagsync/internal/scheduler"
	"github.com/jmylchreest/tagsync/internal/sysinfo"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeStarted bool

func (s fakeStarted) Started() bool { return bool(s) }

type fakeCircuit httpclient.CircuitState

func (c fakeCircuit) CircuitState() httpclient.CircuitState { return httpclient.CircuitState(c) }

func TestHealthHandler_GetLivez(t *testing.T) {
	_, api := humatest.New(t)
	NewHealthHandler("1.2.3").Register(api)

	resp := api.Get("/livez")
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
}

func TestHealthHandler_GetReadyz(t *testing.T) {
	tests := []struct {
		name       string
		handler    *HealthHandler
		wantStatus int
		want       map[string]string
	}{
		{
			name:       "ready",
			handler:    NewHealthHandler("dev").WithDB(fakePinger{}).WithScheduler(fakeStarted(true)).WithRegistry(fakeCircuit(httpclient.CircuitClosed)),
			wantStatus: http.StatusOK,
			want:       map[string]string{"database": "ok", "scheduler": "ok", "registry": "ok"},
		},
		{
			name:       "no database configured",
			handler:    NewHealthHandler("dev").WithScheduler(fakeStarted(true)),
			wantStatus: http.StatusOK,
			want:       map[string]string{"database": "not_configured", "scheduler": "ok"},
		},
		{
			name:       "registry breaker open",
			handler:    NewHealthHandler("dev").WithScheduler(fakeStarted(true)).WithRegistry(fakeCircuit(httpclient.CircuitOpen)),
			wantStatus: http.StatusOK,
			want:       map[string]string{"database": "not_configured", "scheduler": "ok", "registry": "degraded"},
		},
		{
			name:       "database down",
			handler:    NewHealthHandler("dev").WithDB(fakePinger{err: errors.New("gone")}).WithScheduler(fakeStarted(true)),
			wantStatus: http.StatusServiceUnavailable,
			want:       map[string]string{"database": "error", "scheduler": "ok"},
		},
		{
			name:       "scheduler stopped",
			handler:    NewHealthHandler("dev").WithScheduler(fakeStarted(false)),
			wantStatus: http.StatusServiceUnavailable,
			want:       map[string]string{"database": "not_configured", "scheduler": "not_started"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, api := humatest.New(t)
			tt.handler.Register(api)

			resp := api.Get("/readyz")
			require.Equal(t, tt.wantStatus, resp.Code)

			var body struct {
				Status     string            `json:"status"`
				Components map[string]string `json:"components"`
			}
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Components)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "ready", body.Status)
			} else {
				assert.Equal(t, "not_ready", body.Status)
			}
		})
	}
}

type fakeJobs struct {
	status    []scheduler.JobStatus
	intervals config.Intervals
	triggered []string
	err       error
}

func (f *fakeJobs) Status() []scheduler.JobStatus { return f.status }
func (f *fakeJobs) Intervals() config.Intervals   { return f.intervals }

func (f *fakeJobs) Trigger(name string) error {
	if f.err != nil {
		return f.err
	}
	f.triggered = append(f.triggered, name)
	return nil
}

type fakeHistory map[string]*models.JobRun

func (h fakeHistory) LastRun(_ context.Context, job string) (*models.JobRun, error) {
	return h[job], nil
}

type fakeHost struct{}

func (fakeHost) Collect(context.Context) sysinfo.Stats {
	return sysinfo.Stats{Hostname: "store-12", Disk: &sysinfo.DiskUsage{Path: "/data", Free: 42}}
}

func TestStatusHandler_GetStatus(t *testing.T) {
	started := time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC)
	finished := started.Add(1500 * time.Millisecond)
	live := &models.JobRun{
		ID: models.NewULID(), Job: "pipeline", Trigger: "cron", Status: models.RunPartial,
		Summary: "fetched 1", StartedAt: started, FinishedAt: &finished,
	}
	persisted := &models.JobRun{
		ID: models.NewULID(), Job: "scan", Trigger: "startup", Status: models.RunSucceeded,
		StartedAt: started.Add(-time.Hour),
	}
	jobs := &fakeJobs{
		intervals: config.Intervals{Scan: time.Hour, Pipeline: time.Minute},
		status: []scheduler.JobStatus{
			{Name: "scan", Interval: time.Hour},
			{Name: "pipeline", Interval: time.Minute, Running: true, LastRun: live},
		},
	}

	_, api := humatest.New(t)
	NewStatusHandler("1.2.3", jobs, fakeHistory{"scan": persisted}, fakeHost{}).Register(api)

	resp := api.Get("/api/v1/status")
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Version   string            `json:"version"`
		Intervals IntervalsResponse `json:"intervals"`
		Jobs      []JobResponse     `json:"jobs"`
		Host      *sysinfo.Stats    `json:"host"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "1.2.3", body.Version)
	assert.Equal(t, IntervalsResponse{ScanSeconds: 3600, PipelineSeconds: 60}, body.Intervals)

	require.Len(t, body.Jobs, 2)
	require.NotNil(t, body.Jobs[0].LastRun, "falls back to persisted history")
	assert.Equal(t, persisted.ID.String(), body.Jobs[0].LastRun.ID)
	assert.Equal(t, "startup", body.Jobs[0].LastRun.Trigger)

	assert.True(t, body.Jobs[1].Running)
	require.NotNil(t, body.Jobs[1].LastRun)
	assert.Equal(t, "partial", body.Jobs[1].LastRun.Status)
	assert.Equal(t, int64(1500), body.Jobs[1].LastRun.DurationMs)

	require.NotNil(t, body.Host)
	assert.Equal(t, "store-12", body.Host.Hostname)
	assert.Equal(t, uint64(42), body.Host.Disk.Free)
}

type fakeJournal struct {
	query   journal.Query
	entries []models.JournalEntry
	err     error
}

func (f *fakeJournal) Recent(_ context.Context, q journal.Query) ([]models.JournalEntry, error) {
	f.query = q
	return f.entries, f.err
}

func TestDeliveryHandler_List(t *testing.T) {
	at := time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC)
	j := &fakeJournal{entries: []models.JournalEntry{
		{ID: models.NewULID(), Kind: "media.delivered", ClientID: "A1", At: at},
	}}
	_, api := humatest.New(t)
	NewDeliveryHandler(j).Register(api)

	resp := api.Get("/api/v1/deliveries?limit=5&client_id=A1&kind=media.delivered")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, journal.Query{Limit: 5, ClientID: "A1", Kind: "media.delivered"}, j.query)

	var body struct {
		Entries []DeliveryResponse `json:"entries"`
		Count   int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "A1", body.Entries[0].ClientID)
	assert.True(t, at.Equal(body.Entries[0].At))

	// Default page size.
	resp = api.Get("/api/v1/deliveries")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 50, j.query.Limit)

	// Limit above the cap is rejected.
	resp = api.Get("/api/v1/deliveries?limit=5000")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestDeliveryHandler_ListFailure(t *testing.T) {
	_, api := humatest.New(t)
	NewDeliveryHandler(&fakeJournal{err: errors.New("db locked")}).Register(api)

	resp := api.Get("/api/v1/deliveries")
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestJobHandler_Run(t *testing.T) {
	tests := []struct {
		name string
		job  string
		err  error
		want int
	}{
		{"accepted", "pipeline", nil, http.StatusAccepted},
		{"already running", "pipeline", fmt.Errorf("%w: pipeline", scheduler.ErrJobRunning), http.StatusConflict},
		{"unknown", "scan", fmt.Errorf("%w: scan", scheduler.ErrUnknownJob), http.StatusNotFound},
		{"not started", "scan", scheduler.ErrNotStarted, http.StatusServiceUnavailable},
		{"invalid name", "reboot", nil, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := &fakeJobs{err: tt.err}
			_, api := humatest.New(t)
			NewJobHandler(jobs).Register(api)

			resp := api.Post("/api/v1/jobs/" + tt.job + "/run")
			assert.Equal(t, tt.want, resp.Code)
			if tt.want == http.StatusAccepted {
				assert.Equal(t, []string{tt.job}, jobs.triggered)
			}
		})
	}
}
