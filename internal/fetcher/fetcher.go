// Package fetcher pulls queued media from the registry into the local spool
// and commits the delivery state back to the registry.
//
// Registry state is only cleared after the media is safely on disk, so a
// failed fetch is retried on the next cycle. A fetch that succeeds but whose
// commit fails is fetched again next cycle; delivery is at-least-once.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmylchreest/tagsync/internal/events"
	"github.com/jmylchreest/tagsync/internal/models"
	"github.com/jmylchreest/tagsync/internal/observability"
	"github.com/jmylchreest/tagsync/internal/storage"
)

// ErrDecode is returned for media references that cannot be interpreted,
// including undecodable inline payloads.
var ErrDecode = errors.New("undecodable media reference")

// Registry is the subset of the registry client the fetcher uses.
type Registry interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
	ListSchedules(ctx context.Context, deviceID string) ([]models.Schedule, []error, error)
	DeleteSchedules(ctx context.Context, deviceID string) error
	ClearMediaFields(ctx context.Context, deviceID string) error
	MarkUnchanged(ctx context.Context, deviceID string) error
	SetThumbnail(ctx context.Context, deviceID, thumbnail string) error
	DownloadFile(ctx context.Context, filename string) (io.ReadCloser, error)
}

// Ledger records when each device's weekly schedules were last evaluated.
type Ledger interface {
	LastChecked(clientID string) (time.Time, bool)
	Mark(clientID string, t time.Time)
}

// Result summarises one fetch pass.
type Result struct {
	Devices   int
	Scheduled int
	Manual    int
	Idle      int
	Failed    int
	// Files lists the spool names written this pass.
	Files []string
	// Fixed maps client ids to the device ids whose fixed schedule was
	// fetched this pass. See ConsumeFixed.
	Fixed  map[string]string
	Errors []error
}

// Fetched is the number of devices whose media was stored.
func (r Result) Fetched() int {
	return r.Scheduled + r.Manual
}

// Err joins the per-device errors, or returns nil.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

func (r *Result) fail(err error) {
	r.Failed++
	r.Errors = append(r.Errors, err)
}

// Fetcher moves media from the registry to the spool.
type Fetcher struct {
	registry Registry
	spool    *storage.Spool
	ledger   Ledger
	location *time.Location
	now      func() time.Time
	events   events.Publisher
	logger   *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLocation sets the timezone schedules are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(f *Fetcher) {
		if loc != nil {
			f.location = loc
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// WithEvents publishes an event per fetched device and per failure.
func WithEvents(p events.Publisher) Option {
	return func(f *Fetcher) { f.events = p }
}

// New creates a fetcher.
func New(reg Registry, spool *storage.Spool, ledger Ledger, logger *slog.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		registry: reg,
		spool:    spool,
		ledger:   ledger,
		location: time.UTC,
		now:      time.Now,
		events:   events.Discard,
		logger:   observability.WithComponent(logger, "fetcher"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run fetches pending media for every registered device. It fails only
// when the device list cannot be read; per-device failures are in the
// result.
func (f *Fetcher) Run(ctx context.Context) (Result, error) {
	devices, err := f.registry.ListDevices(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reading registry: %w", err)
	}

	var result Result
	for _, d := range devices {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if d.ID == "" || d.ClientID == "" {
			continue
		}
		result.Devices++
		f.fetchDevice(ctx, d, &result)
	}

	f.logger.Info("fetch completed",
		slog.Int("devices", result.Devices),
		slog.Int("scheduled", result.Scheduled),
		slog.Int("manual", result.Manual),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

func (f *Fetcher) fetchDevice(ctx context.Context, d models.Device, result *Result) {
	logger := f.logger.With(
		slog.String("client_id", d.ClientID),
		slog.String("device_id", d.ID),
	)

	entries, rejected, err := f.registry.ListSchedules(ctx, d.ID)
	if err != nil {
		// Without the schedules the changed flag cannot be trusted either.
		f.failDevice(ctx, d, "list-schedules", err, result)
		return
	}
	for _, r := range rejected {
		logger.Warn("ignoring schedule entry", slog.String("error", r.Error()))
	}

	now := f.now()
	lastChecked, _ := f.ledger.LastChecked(d.ClientID)
	state := DeriveState(d, entries, lastChecked, now, f.location)

	switch s := state.(type) {
	case models.PendingScheduled:
		name, err := f.fetchScheduled(ctx, d, s)
		if err != nil {
			f.failDevice(ctx, d, "fetch-scheduled", err, result)
			return
		}
		result.Scheduled++
		result.Files = append(result.Files, name)
		if _, ok := s.Entry.(*models.FixedSchedule); ok {
			if result.Fixed == nil {
				result.Fixed = map[string]string{}
			}
			result.Fixed[d.ClientID] = d.ID
		}
		f.published(ctx, d, s, name)
		f.setThumbnail(ctx, d, s.Entry.ScheduleMedia().Filename, logger)

	case models.PendingManualUpload:
		names, thumb, err := f.fetchManual(ctx, d, s)
		if err != nil {
			f.failDevice(ctx, d, "fetch-manual", err, result)
			// The weekly window still advances; no schedule was due.
			f.ledger.Mark(d.ClientID, now)
			return
		}
		result.Manual++
		result.Files = append(result.Files, names...)
		for _, name := range names {
			f.published(ctx, d, s, name)
		}
		f.setThumbnail(ctx, d, thumb, logger)

	case models.Idle:
		result.Idle++
		if d.Changed {
			logger.Info("device flagged as changed without media, leaving it")
		}
	}

	f.ledger.Mark(d.ClientID, now)
}

// fetchScheduled stores the entry's media. Weekly entries stay; the ledger
// keeps them from firing twice. Fixed entries stay due until ConsumeFixed.
func (f *Fetcher) fetchScheduled(ctx context.Context, d models.Device, s models.PendingScheduled) (string, error) {
	media := s.Entry.ScheduleMedia()
	name, err := f.download(ctx, d.ClientID, media.Type, source{Name: media.Filename}, true)
	if err != nil {
		return "", err
	}

	f.logger.Info("scheduled media fetched",
		slog.String("client_id", d.ClientID),
		slog.String("schedule", s.String()),
		slog.String("file", name),
		slog.Time("trigger", s.Trigger),
	)
	return name, nil
}

// ConsumeFixed deletes all schedules of each delivered client whose fixed
// entry was fetched. A fixed entry that was not delivered stays due and is
// fetched again next cycle.
func (f *Fetcher) ConsumeFixed(ctx context.Context, fixed map[string]string, delivered []string) (int, []error) {
	consumed := 0
	var errs []error
	for _, clientID := range delivered {
		deviceID, ok := fixed[clientID]
		if !ok {
			continue
		}
		if err := f.registry.DeleteSchedules(ctx, deviceID); err != nil {
			errs = append(errs, fmt.Errorf("%s: consuming fixed schedule: %w", clientID, err))
			f.logger.Warn("failed to consume fixed schedule",
				slog.String("client_id", clientID),
				slog.String("device_id", deviceID),
				slog.String("error", err.Error()),
			)
			continue
		}
		consumed++
		f.logger.Info("fixed schedule consumed",
			slog.String("client_id", clientID),
			slog.String("device_id", deviceID),
		)
	}
	return consumed, errs
}

// fetchManual stores the operator-queued photo and/or video, then clears the
// fields and the changed flag. A single queued file replaces any stale
// media of the other type; a record carrying both keeps both.
func (f *Fetcher) fetchManual(ctx context.Context, d models.Device, s models.PendingManualUpload) ([]string, string, error) {
	type field struct {
		value string
		media models.MediaType
	}
	var fields []field
	if s.Photo != "" {
		fields = append(fields, field{s.Photo, models.MediaPhoto})
	}
	if s.Video != "" {
		fields = append(fields, field{s.Video, models.MediaVideo})
	}

	// Resolve everything before writing so a bad field leaves the spool alone.
	sources := make([]source, len(fields))
	for i, fl := range fields {
		src, err := resolveField(fl.value)
		if err != nil {
			return nil, "", fmt.Errorf("%s field: %w", fl.media, err)
		}
		sources[i] = src
	}

	exclusive := len(fields) == 1
	var names []string
	thumb := ""
	for i, fl := range fields {
		name, err := f.download(ctx, d.ClientID, fl.media, sources[i], exclusive)
		if err != nil {
			return nil, "", err
		}
		names = append(names, name)
		if thumb == "" {
			thumb = sources[i].Name
			if thumb == "" {
				thumb = name
			}
		}
	}

	if err := f.registry.ClearMediaFields(ctx, d.ID); err != nil {
		return names, "", fmt.Errorf("clearing media fields: %w", err)
	}
	if err := f.registry.MarkUnchanged(ctx, d.ID); err != nil {
		return names, "", fmt.Errorf("clearing changed flag: %w", err)
	}

	f.logger.Info("queued media fetched",
		slog.String("client_id", d.ClientID),
		slog.Any("files", names),
	)
	return names, thumb, nil
}

// download writes src into the spool as the client's media of type t. With
// exclusive set, the client's media of the other type is removed.
func (f *Fetcher) download(ctx context.Context, clientID string, t models.MediaType, src source, exclusive bool) (string, error) {
	var r io.Reader
	if src.Inline != nil {
		r = bytes.NewReader(src.Inline)
	} else {
		body, err := f.registry.DownloadFile(ctx, src.Name)
		if err != nil {
			return "", err
		}
		defer body.Close()
		r = body
	}

	if exclusive {
		name, err := f.spool.ReplaceMedia(clientID, t, r)
		if err != nil {
			return "", fmt.Errorf("storing %s: %w", t, err)
		}
		return name, nil
	}

	name := storage.MediaName(clientID, t)
	if err := f.spool.WriteReader(name, r); err != nil {
		return "", fmt.Errorf("storing %s: %w", t, err)
	}
	return name, nil
}

func (f *Fetcher) setThumbnail(ctx context.Context, d models.Device, thumb string, logger *slog.Logger) {
	if thumb == "" {
		return
	}
	if err := f.registry.SetThumbnail(ctx, d.ID, thumb); err != nil {
		logger.Warn("failed to set thumbnail",
			slog.String("thumbnail", thumb),
			slog.String("error", err.Error()),
		)
	}
}

func (f *Fetcher) published(ctx context.Context, d models.Device, state models.DeliveryState, name string) {
	f.events.Publish(ctx, events.Event{
		Kind:     events.KindMediaFetched,
		ClientID: d.ClientID,
		DeviceID: d.ID,
		Detail:   state.String() + " " + name,
	})
}

func (f *Fetcher) failDevice(ctx context.Context, d models.Device, step string, err error, result *Result) {
	err = fmt.Errorf("%s: %w", d.ClientID, err)
	result.fail(err)
	f.logger.Warn("fetch failed",
		slog.String("client_id", d.ClientID),
		slog.String("device_id", d.ID),
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
	e := events.Failed(step, err)
	e.ClientID = d.ClientID
	e.DeviceID = d.ID
	f.events.Publish(ctx, e)
}
