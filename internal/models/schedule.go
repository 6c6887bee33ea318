package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MediaType identifies what kind of media a schedule entry delivers.
type MediaType string

const (
	MediaPhoto MediaType = "photo"
	MediaVideo MediaType = "video"
)

// Extension returns the local file extension for the media type.
func (t MediaType) Extension() string {
	if t == MediaVideo {
		return ".mp4"
	}
	return ".png"
}

// Valid reports whether t is a known media type.
func (t MediaType) Valid() bool {
	return t == MediaPhoto || t == MediaVideo
}

// Media references a file held by the registry.
type Media struct {
	Filename string    `json:"filename"`
	Type     MediaType `json:"mediaType"`
}

// ErrInvalidSchedule is returned for schedule entries that cannot be used.
var ErrInvalidSchedule = errors.New("invalid schedule entry")

// Schedule is a registry schedule entry: either *FixedSchedule or
// *WeeklySchedule. Switch on the concrete type to handle each kind.
type Schedule interface {
	ScheduleMedia() Media
	isSchedule()
}

// FixedSchedule fires once, at or after Date, and is consumed by firing.
type FixedSchedule struct {
	Date time.Time
	// Floating is set when the registry sent a date without a zone offset;
	// such dates are wall-clock times in the location's timezone.
	Floating bool
	Media    Media
}

// WeeklySchedule fires once per matching weekday at Hour:Minute.
// DayOfWeek counts from Sunday = 0 and is normalised modulo 7.
type WeeklySchedule struct {
	DayOfWeek int
	Hour      int
	Minute    int
	Media     Media
}

func (*FixedSchedule) isSchedule()  {}
func (*WeeklySchedule) isSchedule() {}

// ScheduleMedia implements Schedule.
func (s *FixedSchedule) ScheduleMedia() Media { return s.Media }

// ScheduleMedia implements Schedule.
func (s *WeeklySchedule) ScheduleMedia() Media { return s.Media }

// In resolves the fixed date in loc.
func (s *FixedSchedule) In(loc *time.Location) time.Time {
	if !s.Floating {
		return s.Date.In(loc)
	}
	d := s.Date
	return time.Date(d.Year(), d.Month(), d.Day(), d.Hour(), d.Minute(), d.Second(), d.Nanosecond(), loc)
}

// Weekday returns the normalised day the entry fires on.
func (s *WeeklySchedule) Weekday() time.Weekday {
	return time.Weekday(((s.DayOfWeek % 7) + 7) % 7)
}

// wireSchedule is the registry's JSON shape for both kinds.
type wireSchedule struct {
	Type      string `json:"type"`
	Date      string `json:"date"`
	DayOfWeek *int   `json:"dayOfWeek"`
	Hour      *int   `json:"hour"`
	Minute    *int   `json:"minute"`
	Media     Media  `json:"media"`
}

// zonedLayouts carry an explicit offset; floatingLayouts do not.
var (
	zonedLayouts    = []string{time.RFC3339Nano, "2006-01-02T15:04:05Z0700", "2006-01-02 15:04:05Z07:00"}
	floatingLayouts = []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"}
)

func parseScheduleDate(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, false, nil
		}
	}
	for _, layout := range floatingLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("%w: unparseable date %q", ErrInvalidSchedule, s)
}

func (w *wireSchedule) toSchedule() (Schedule, error) {
	if w.Media.Filename == "" {
		return nil, fmt.Errorf("%w: missing media filename", ErrInvalidSchedule)
	}
	if !w.Media.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown media type %q", ErrInvalidSchedule, w.Media.Type)
	}

	switch w.Type {
	case "fixed":
		date, floating, err := parseScheduleDate(w.Date)
		if err != nil {
			return nil, err
		}
		return &FixedSchedule{Date: date, Floating: floating, Media: w.Media}, nil

	case "weekly":
		if w.DayOfWeek == nil || w.Hour == nil || w.Minute == nil {
			return nil, fmt.Errorf("%w: weekly entry needs dayOfWeek, hour and minute", ErrInvalidSchedule)
		}
		if *w.Hour < 0 || *w.Hour > 23 || *w.Minute < 0 || *w.Minute > 59 {
			return nil, fmt.Errorf("%w: time %02d:%02d out of range", ErrInvalidSchedule, *w.Hour, *w.Minute)
		}
		return &WeeklySchedule{DayOfWeek: *w.DayOfWeek, Hour: *w.Hour, Minute: *w.Minute, Media: w.Media}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, w.Type)
	}
}

// DecodeSchedules decodes the registry's schedule array. Entries that cannot
// be used are returned in rejected and left out of valid; err is set only
// when the document itself is not a schedule array.
func DecodeSchedules(data []byte) (valid []Schedule, rejected []error, err error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("decoding schedules: %w", err)
	}

	for i, item := range raw {
		var w wireSchedule
		if err := json.Unmarshal(item, &w); err != nil {
			rejected = append(rejected, fmt.Errorf("%w: entry %d: %v", ErrInvalidSchedule, i, err))
			continue
		}
		s, err := w.toSchedule()
		if err != nil {
			rejected = append(rejected, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		valid = append(valid, s)
	}
	return valid, rejected, nil
}
