package fetcher

import (
	"time"

	"github.com/jmylchreest/tagsync/internal/models"
	"github.com/jmylchreest/tagsync/internal/schedule"
)

// DeriveState computes what the pipeline owes a device this cycle. A due
// schedule entry always wins over the changed flag. A changed record with
// empty photo and video fields has nothing to fetch and stays Idle.
func DeriveState(d models.Device, entries []models.Schedule, lastChecked, now time.Time, loc *time.Location) models.DeliveryState {
	if sel, ok := schedule.Select(entries, lastChecked, now, loc); ok {
		return models.PendingScheduled{Entry: sel.Entry, Trigger: sel.Trigger}
	}
	if bool(d.Changed) && d.HasPendingMedia() {
		return models.PendingManualUpload{Photo: d.Photo, Video: d.Video}
	}
	return models.Idle{}
}
