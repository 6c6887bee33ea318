package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/tagsync/internal/events"
	"github.com/jmylchreest/tagsync/internal/journal"
	"github.com/jmylchreest/tagsync/internal/models"
)

// JournalReader lists journal entries.
type JournalReader interface {
	Recent(ctx context.Context, q journal.Query) ([]models.JournalEntry, error)
}

// DeliveryHandler serves the delivery journal.
type DeliveryHandler struct {
	journal JournalReader
}

// NewDeliveryHandler creates a delivery handler.
func NewDeliveryHandler(j JournalReader) *DeliveryHandler {
	return &DeliveryHandler{journal: j}
}

// DeliveryResponse is one journal entry.
type DeliveryResponse struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	CycleID  string    `json:"cycleId,omitempty"`
	ClientID string    `json:"clientId,omitempty"`
	DeviceID string    `json:"deviceId,omitempty"`
	IP       string    `json:"ip,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// ListDeliveriesInput is the input for the deliveries endpoint.
type ListDeliveriesInput struct {
	Limit    int    `query:"limit" minimum:"1" maximum:"500" default:"50" doc:"Maximum entries to return"`
	ClientID string `query:"client_id" doc:"Only entries for this device clientId"`
	Kind     string `query:"kind" doc:"Only entries of this event kind, e.g. media.delivered"`
}

// ListDeliveriesOutput is the output for the deliveries endpoint.
type ListDeliveriesOutput struct {
	Body struct {
		Entries []DeliveryResponse `json:"entries"`
		Count   int                `json:"count"`
	}
}

// Register registers the delivery routes with the API.
func (h *DeliveryHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listDeliveries",
		Method:      http.MethodGet,
		Path:        "/api/v1/deliveries",
		Summary:     "List journal entries",
		Description: "Returns recent pipeline events, newest first",
		Tags:        []string{"Deliveries"},
	}, h.List)
}

// List returns recent journal entries.
func (h *DeliveryHandler) List(ctx context.Context, input *ListDeliveriesInput) (*ListDeliveriesOutput, error) {
	entries, err := h.journal.Recent(ctx, journal.Query{
		Limit:    input.Limit,
		ClientID: input.ClientID,
		Kind:     events.Kind(input.Kind),
	})
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list deliveries", err)
	}

	out := &ListDeliveriesOutput{}
	out.Body.Entries = make([]DeliveryResponse, 0, len(entries))
	for _, e := range entries {
		out.Body.Entries = append(out.Body.Entries, DeliveryResponse{
			ID:       e.ID.String(),
			Kind:     e.Kind,
			CycleID:  e.CycleID,
			ClientID: e.ClientID,
			DeviceID: e.DeviceID,
			IP:       e.IP,
			Detail:   e.Detail,
			Error:    e.Error,
			At:       e.At,
		})
	}
	out.Body.Count = len(out.Body.Entries)
	return out, nil
}
