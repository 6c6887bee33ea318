// Package journal persists pipeline events and job runs so the status API
// can report what was delivered and when.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jmylchreest/tagsync/internal/database"
	"github.com/jmylchreest/tagsync/internal/events"
	"github.com/jmylchreest/tagsync/internal/models"
)

// DefaultLimit is the page size when none is given.
const DefaultLimit = 50

// MaxLimit caps a single Recent query.
const MaxLimit = 500

// Journal reads and writes the journal tables.
type Journal struct {
	db *gorm.DB
}

// New creates a journal on an opened and migrated database.
func New(db *database.DB) *Journal {
	return &Journal{db: db.DB}
}

// Record stores an event.
func (j *Journal) Record(ctx context.Context, e events.Event) error {
	entry := models.JournalEntry{
		ID:       e.ID,
		Kind:     string(e.Kind),
		CycleID:  e.CycleID,
		ClientID: e.ClientID,
		DeviceID: e.DeviceID,
		IP:       e.IP,
		Detail:   e.Detail,
		Error:    e.Error,
		At:       e.At,
	}
	if entry.ID.IsZero() {
		entry.ID = models.NewULID()
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("recording journal entry: %w", err)
	}
	return nil
}

// Query filters Recent.
type Query struct {
	Limit    int
	ClientID string
	Kind     events.Kind
}

// Recent returns the newest entries first.
func (j *Journal) Recent(ctx context.Context, q Query) ([]models.JournalEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	tx := j.db.WithContext(ctx).Order("at DESC").Order("id DESC").Limit(limit)
	if q.ClientID != "" {
		tx = tx.Where("client_id = ?", q.ClientID)
	}
	if q.Kind != "" {
		tx = tx.Where("kind = ?", string(q.Kind))
	}

	var entries []models.JournalEntry
	if err := tx.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing journal entries: %w", err)
	}
	return entries, nil
}

// Prune deletes entries and finished runs older than cutoff.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("at < ?", cutoff).Delete(&models.JournalEntry{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected

		res = tx.Where("started_at < ? AND finished_at IS NOT NULL", cutoff).Delete(&models.JobRun{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning journal: %w", err)
	}
	return total, nil
}

// SaveRun inserts or updates a job run.
func (j *Journal) SaveRun(ctx context.Context, run models.JobRun) error {
	if err := j.db.WithContext(ctx).Save(&run).Error; err != nil {
		return fmt.Errorf("saving job run: %w", err)
	}
	return nil
}

// LastRun returns the most recent run of job, or nil when it never ran.
func (j *Journal) LastRun(ctx context.Context, job string) (*models.JobRun, error) {
	var run models.JobRun
	err := j.db.WithContext(ctx).Where("job = ?", job).Order("started_at DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading last %s run: %w", job, err)
	}
	return &run, nil
}

// Sink adapts the journal to the event bus.
type Sink struct {
	journal *Journal
}

// NewSink creates an event sink writing to j.
func NewSink(j *Journal) *Sink {
	return &Sink{journal: j}
}

// Name implements events.Sink.
func (s *Sink) Name() string { return "journal" }

// Handle implements events.Sink. Device sightings are not journaled; every
// sweep would otherwise write a row per device.
func (s *Sink) Handle(ctx context.Context, e events.Event) error {
	if e.Kind == events.KindDeviceSeen {
		return nil
	}
	return s.journal.Record(ctx, e)
}
