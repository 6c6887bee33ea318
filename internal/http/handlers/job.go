package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/tagsync/internal/scheduler"
)

// JobTrigger starts a job run in the background.
type JobTrigger interface {
	Trigger(name string) error
}

// JobHandler handles manual job triggers.
type JobHandler struct {
	trigger JobTrigger
}

// NewJobHandler creates a new job handler.
func NewJobHandler(trigger JobTrigger) *JobHandler {
	return &JobHandler{trigger: trigger}
}

// RunJobInput is the input for triggering a job.
type RunJobInput struct {
	Name string `path:"name" enum:"scan,pipeline" doc:"Job name"`
}

// RunJobOutput is the output for triggering a job.
type RunJobOutput struct {
	Body struct {
		Job    string `json:"job"`
		Status string `json:"status" example:"started"`
	}
}

// Register registers the job routes with the API.
func (h *JobHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "runJob",
		Method:        http.MethodPost,
		Path:          "/api/v1/jobs/{name}/run",
		Summary:       "Run job now",
		Description:   "Starts a run outside the timer. Rejected while the job is already running.",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusAccepted,
	}, h.Run)
}

// Run starts the named job.
func (h *JobHandler) Run(ctx context.Context, input *RunJobInput) (*RunJobOutput, error) {
	err := h.trigger.Trigger(input.Name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		return nil, huma.Error404NotFound(fmt.Sprintf("job %s not found", input.Name))
	case errors.Is(err, scheduler.ErrJobRunning):
		return nil, huma.Error409Conflict(fmt.Sprintf("job %s is already running", input.Name))
	case errors.Is(err, scheduler.ErrNotStarted):
		return nil, huma.Error503ServiceUnavailable("scheduler not started")
	case err != nil:
		return nil, huma.Error500InternalServerError("failed to start job", err)
	}

	out := &RunJobOutput{}
	out.Body.Job = input.Name
	out.Body.Status = "started"
	return out, nil
}
