// Package handlers provides HTTP API handlers for tagsync.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/tagsync/internal/httpclient"
)

// Component states reported by readyz.
const (
	componentOK            = "ok"
	componentError         = "error"
	componentNotConfigured = "not_configured"
	componentNotStarted    = "not_started"
	componentDegraded      = "degraded"
)

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StartedChecker reports whether the scheduler is running.
type StartedChecker interface {
	Started() bool
}

// CircuitReporter reports an upstream circuit breaker.
type CircuitReporter interface {
	CircuitState() httpclient.CircuitState
}

// HealthHandler handles liveness and readiness endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        Pinger
	scheduler StartedChecker
	registry  CircuitReporter
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the journal database for readiness checks.
func (h *HealthHandler) WithDB(db Pinger) *HealthHandler {
	h.db = db
	return h
}

// WithScheduler sets the scheduler for readiness checks.
func (h *HealthHandler) WithScheduler(s StartedChecker) *HealthHandler {
	h.scheduler = s
	return h
}

// WithRegistry reports the registry breaker in readiness output.
func (h *HealthHandler) WithRegistry(r CircuitReporter) *HealthHandler {
	h.registry = r
	return h
}

// LivezInput is the input for the liveness endpoint.
type LivezInput struct{}

// LivezOutput is the output for the liveness endpoint.
type LivezOutput struct {
	Body struct {
		Status  string `json:"status" example:"ok"`
		Version string `json:"version"`
		Uptime  string `json:"uptime"`
	}
}

// ReadyzInput is the input for the readiness endpoint.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness endpoint.
type ReadyzOutput struct {
	Status int
	Body   struct {
		Status     string            `json:"status" enum:"ready,not_ready"`
		Components map[string]string `json:"components"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      http.MethodGet,
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Reports whether the scheduler is running and the journal database is reachable",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(ctx context.Context, input *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = componentOK
	out.Body.Version = h.version
	out.Body.Uptime = time.Since(h.startTime).Round(time.Second).String()
	return out, nil
}

// GetReadyz reports whether the daemon can do its work.
func (h *HealthHandler) GetReadyz(ctx context.Context, input *ReadyzInput) (*ReadyzOutput, error) {
	components := make(map[string]string, 3)
	ready := true

	switch {
	case h.db == nil:
		components["database"] = componentNotConfigured
	case h.db.Ping(ctx) != nil:
		components["database"] = componentError
		ready = false
	default:
		components["database"] = componentOK
	}

	switch {
	case h.scheduler == nil:
		components["scheduler"] = componentNotConfigured
		ready = false
	case !h.scheduler.Started():
		components["scheduler"] = componentNotStarted
		ready = false
	default:
		components["scheduler"] = componentOK
	}

	// An open breaker clears on its own; it does not make the daemon unready.
	if h.registry != nil {
		if h.registry.CircuitState() == httpclient.CircuitClosed {
			components["registry"] = componentOK
		} else {
			components["registry"] = componentDegraded
		}
	}

	out := &ReadyzOutput{Status: http.StatusOK}
	out.Body.Status = "ready"
	out.Body.Components = components
	if !ready {
		out.Status = http.StatusServiceUnavailable
		out.Body.Status = "not_ready"
	}
	return out, nil
}
