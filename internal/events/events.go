// Package events carries pipeline notifications from the jobs to the
// journal, the MQTT broker and the log.
package events

import (
	"context"
	"time"

	"github.com/jmylchreest/tagsync/internal/models"
)

// Kind names what happened.
type Kind string

// Event kinds.
const (
	KindDeviceAdded     Kind = "device.added"
	KindDeviceRemoved   Kind = "device.removed"
	KindDeviceIPChanged Kind = "device.ip_changed"
	KindDeviceSeen      Kind = "device.seen"
	KindMediaFetched    Kind = "media.fetched"
	KindMediaConverted  Kind = "media.converted"
	KindMediaDelivered  Kind = "media.delivered"
	KindStepFailed      Kind = "step.failed"
	KindCycleCompleted  Kind = "cycle.completed"
)

// Event is one notification. Empty ID, CycleID and At are filled in by the
// bus on publish.
type Event struct {
	ID       models.ULID `json:"id"`
	Kind     Kind        `json:"kind"`
	CycleID  string      `json:"cycleId,omitempty"`
	ClientID string      `json:"clientId,omitempty"`
	DeviceID string      `json:"deviceId,omitempty"`
	IP       string      `json:"ip,omitempty"`
	Detail   string      `json:"detail,omitempty"`
	Error    string      `json:"error,omitempty"`
	At       time.Time   `json:"at"`
}

// Failed builds a KindStepFailed event for err.
func Failed(step string, err error) Event {
	e := Event{Kind: KindStepFailed, Detail: step}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Publisher accepts events. Publish never blocks the pipeline.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}
