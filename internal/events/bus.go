package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/tagsync/internal/models"
	"github.com/jmylchreest/tagsync/internal/observability"
)

const (
	defaultSinkBuffer  = 256
	defaultSinkTimeout = 5 * time.Second
)

// Sink receives events from the bus on its own goroutine.
type Sink interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

type subscriber struct {
	sink   Sink
	events chan Event
}

// Bus fans events out to sinks. A slow or failing sink only loses its own
// events; publishers never wait.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: observability.WithComponent(logger, "events"),
		now:    time.Now,
	}
}

// Attach starts delivering events to sink.
func (b *Bus) Attach(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	sub := &subscriber{sink: sink, events: make(chan Event, defaultSinkBuffer)}
	b.subs = append(b.subs, sub)

	b.wg.Add(1)
	go b.run(sub)
}

func (b *Bus) run(sub *subscriber) {
	defer b.wg.Done()
	for e := range sub.events {
		ctx, cancel := context.WithTimeout(context.Background(), defaultSinkTimeout)
		if err := sub.sink.Handle(ctx, e); err != nil {
			b.logger.Warn("event sink failed",
				slog.String("sink", sub.sink.Name()),
				slog.String("kind", string(e.Kind)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

// Publish stamps e and queues it for every sink.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.ID.IsZero() {
		e.ID = models.NewULID()
	}
	if e.At.IsZero() {
		e.At = b.now().UTC()
	}
	if e.CycleID == "" {
		e.CycleID = observability.CycleIDFromContext(ctx)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.events <- e:
		default:
			b.logger.Warn("event sink buffer full, dropping event",
				slog.String("sink", sub.sink.Name()),
				slog.String("kind", string(e.Kind)),
			)
		}
	}
}

// Close stops accepting events and waits for sinks to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.events)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// LogSink writes events to a logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs at info, or warn for failures.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Handle implements Sink.
func (s *LogSink) Handle(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	if e.Kind == KindStepFailed {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{slog.String("kind", string(e.Kind))}
	for _, kv := range [][2]string{
		{"cycle_id", e.CycleID},
		{"client_id", e.ClientID},
		{"device_id", e.DeviceID},
		{"ip", e.IP},
		{"detail", e.Detail},
		{"error", e.Error},
	} {
		if kv[1] != "" {
			attrs = append(attrs, slog.String(kv[0], kv[1]))
		}
	}
	s.logger.LogAttrs(ctx, level, "event", attrs...)
	return nil
}
