// Package reconcile converges the registry's device list with what the
// network sweep observed.
//
// Diff is pure. Apply issues adds and removes first and then ip updates;
// each call is independent and a failed call is retried by the next cycle.
// Running Diff on converged inputs yields an empty plan.
package reconcile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/jmylchreest/tagsync/internal/device"
	"github.com/jmylchreest/tagsync/internal/events"
	"github.com/jmylchreest/tagsync/internal/models"
	"github.com/jmylchreest/tagsync/internal/observability"
	"github.com/jmylchreest/tagsync/internal/registry"
)

// Seen is a device observed on the network.
type Seen struct {
	IP   string
	Name string
}

// Known is a device held by the registry.
type Known struct {
	DeviceID string
	IP       string
	Online   bool
}

// Scanned maps client id to what the sweep saw.
type Scanned map[string]Seen

// Registered maps client id to what the registry holds.
type Registered map[string]Known

// Add registers a newly seen device.
type Add struct {
	ClientID string
	Name     string
	IP       string
}

// Remove deletes a device that was not seen.
type Remove struct {
	ClientID string
	DeviceID string
}

// IPUpdate moves a known device to its observed address.
type IPUpdate struct {
	ClientID string
	DeviceID string
	From     string
	To       string
}

// Plan is the set of registry operations that converges the two snapshots.
type Plan struct {
	Adds      []Add
	Removes   []Remove
	IPUpdates []IPUpdate
}

// Empty reports whether the plan issues no operations.
func (p Plan) Empty() bool {
	return len(p.Adds) == 0 && len(p.Removes) == 0 && len(p.IPUpdates) == 0
}

// FromScan keys sweep results by client id.
func FromScan(found []device.Info) Scanned {
	s := make(Scanned, len(found))
	for _, info := range found {
		if _, dup := s[info.ClientID]; dup {
			continue
		}
		s[info.ClientID] = Seen{IP: info.IP, Name: info.Name}
	}
	return s
}

// FromRegistry keys registry devices by client id. Records without a client
// id, and later records repeating one, are returned as ignored.
func FromRegistry(devices []models.Device) (Registered, []models.Device) {
	r := make(Registered, len(devices))
	var ignored []models.Device
	for _, d := range devices {
		if d.ClientID == "" || d.ID == "" {
			ignored = append(ignored, d)
			continue
		}
		if _, dup := r[d.ClientID]; dup {
			ignored = append(ignored, d)
			continue
		}
		r[d.ClientID] = Known{DeviceID: d.ID, IP: d.IP, Online: bool(d.IsOnline)}
	}
	return r, ignored
}

// Diff computes the operations that make registered match scanned. Each
// list is ordered by client id.
func Diff(scanned Scanned, registered Registered) Plan {
	var p Plan
	for clientID, seen := range scanned {
		known, ok := registered[clientID]
		switch {
		case !ok:
			p.Adds = append(p.Adds, Add{ClientID: clientID, Name: seen.Name, IP: seen.IP})
		case known.IP != seen.IP:
			p.IPUpdates = append(p.IPUpdates, IPUpdate{
				ClientID: clientID,
				DeviceID: known.DeviceID,
				From:     known.IP,
				To:       seen.IP,
			})
		}
	}
	for clientID, known := range registered {
		if _, ok := scanned[clientID]; !ok {
			p.Removes = append(p.Removes, Remove{ClientID: clientID, DeviceID: known.DeviceID})
		}
	}

	slices.SortFunc(p.Adds, func(a, b Add) int { return cmp.Compare(a.ClientID, b.ClientID) })
	slices.SortFunc(p.Removes, func(a, b Remove) int { return cmp.Compare(a.ClientID, b.ClientID) })
	slices.SortFunc(p.IPUpdates, func(a, b IPUpdate) int { return cmp.Compare(a.ClientID, b.ClientID) })
	return p
}

// Registry is the subset of the registry client the reconciler uses.
type Registry interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
	AddDevice(ctx context.Context, clientID, clientName, ip string) error
	RemoveDevice(ctx context.Context, deviceID string) error
	UpdateDeviceIP(ctx context.Context, deviceID, ip string) error
	SetOnline(ctx context.Context, deviceID string, online bool) error
}

// Result summarises one reconcile pass.
type Result struct {
	Added         int
	Removed       int
	Updated       int
	Duplicates    int
	MarkedSeen    int
	MarkedOffline int
	Failed        int
	// Retained lists the device ids whose removal failed; they stay
	// registered until the next sweep.
	Retained []string
	// Errors holds one entry per failed call.
	Errors []error
}

// Err joins the per-call errors, or returns nil.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

func (r *Result) fail(err error) {
	r.Failed++
	r.Errors = append(r.Errors, err)
}

// Reconciler applies plans against the registry.
type Reconciler struct {
	registry      Registry
	events        events.Publisher
	trackPresence bool
	logger        *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithEvents publishes an event per applied operation.
func WithEvents(p events.Publisher) Option {
	return func(r *Reconciler) { r.events = p }
}

// WithPresence marks devices seen by the sweep as online.
func WithPresence(enabled bool) Option {
	return func(r *Reconciler) { r.trackPresence = enabled }
}

// New creates a reconciler.
func New(reg Registry, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		registry: reg,
		events:   events.Discard,
		logger:   observability.WithComponent(logger, "reconcile"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run lists the registry, diffs it against found and applies the plan. It
// fails only when the registry cannot be listed.
func (r *Reconciler) Run(ctx context.Context, found []device.Info) (Result, error) {
	devices, err := r.registry.ListDevices(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reading registry: %w", err)
	}

	registered, ignored := FromRegistry(devices)
	for _, d := range ignored {
		r.logger.Warn("ignoring registry record",
			slog.String("device_id", d.ID),
			slog.String("client_id", d.ClientID),
		)
	}

	scanned := FromScan(found)
	plan := Diff(scanned, registered)
	r.logger.Debug("reconcile plan",
		slog.Int("scanned", len(scanned)),
		slog.Int("registered", len(registered)),
		slog.Int("adds", len(plan.Adds)),
		slog.Int("removes", len(plan.Removes)),
		slog.Int("ip_updates", len(plan.IPUpdates)),
	)

	result := r.Apply(ctx, plan)
	if r.trackPresence {
		r.markPresence(ctx, scanned, registered, &result)
	}

	r.logger.Info("reconcile completed",
		slog.Int("added", result.Added),
		slog.Int("removed", result.Removed),
		slog.Int("updated", result.Updated),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

// Apply issues the plan's operations. Adds and removes go first, then ip
// updates.
func (r *Reconciler) Apply(ctx context.Context, plan Plan) Result {
	var result Result

	for _, add := range plan.Adds {
		name := normalizeName(add.Name, add.ClientID)
		err := r.registry.AddDevice(ctx, add.ClientID, name, add.IP)
		switch {
		case errors.Is(err, registry.ErrDuplicate):
			result.Duplicates++
			r.logger.Info("device already registered",
				slog.String("client_id", add.ClientID),
				slog.String("ip", add.IP),
			)
		case err != nil:
			result.fail(err)
			r.logger.Warn("failed to add device",
				slog.String("client_id", add.ClientID),
				slog.String("error", err.Error()),
			)
			r.events.Publish(ctx, failedEvent("add", add.ClientID, "", err))
		default:
			result.Added++
			r.events.Publish(ctx, events.Event{
				Kind:     events.KindDeviceAdded,
				ClientID: add.ClientID,
				IP:       add.IP,
				Detail:   name,
			})
		}
	}

	for _, rm := range plan.Removes {
		if err := r.registry.RemoveDevice(ctx, rm.DeviceID); err != nil {
			result.fail(err)
			r.logger.Warn("failed to remove device",
				slog.String("client_id", rm.ClientID),
				slog.String("device_id", rm.DeviceID),
				slog.String("error", err.Error()),
			)
			r.events.Publish(ctx, failedEvent("remove", rm.ClientID, rm.DeviceID, err))
			result.Retained = append(result.Retained, rm.DeviceID)
			continue
		}
		result.Removed++
		r.events.Publish(ctx, events.Event{
			Kind:     events.KindDeviceRemoved,
			ClientID: rm.ClientID,
			DeviceID: rm.DeviceID,
		})
	}

	for _, up := range plan.IPUpdates {
		if err := r.registry.UpdateDeviceIP(ctx, up.DeviceID, up.To); err != nil {
			result.fail(err)
			r.logger.Warn("failed to update device ip",
				slog.String("client_id", up.ClientID),
				slog.String("from", up.From),
				slog.String("to", up.To),
				slog.String("error", err.Error()),
			)
			r.events.Publish(ctx, failedEvent("update-ip", up.ClientID, up.DeviceID, err))
			continue
		}
		result.Updated++
		r.events.Publish(ctx, events.Event{
			Kind:     events.KindDeviceIPChanged,
			ClientID: up.ClientID,
			DeviceID: up.DeviceID,
			IP:       up.To,
			Detail:   up.From,
		})
	}

	return result
}

// markPresence flags registered devices that answered the sweep as online,
// and unseen devices that could not be removed as offline. New devices are
// skipped; their id is not known until the next listing.
func (r *Reconciler) markPresence(ctx context.Context, scanned Scanned, registered Registered, result *Result) {
	for clientID, known := range registered {
		_, seen := scanned[clientID]
		switch {
		case seen && !known.Online:
			if r.setOnline(ctx, clientID, known.DeviceID, true, result) {
				result.MarkedSeen++
			}
		case !seen && known.Online && slices.Contains(result.Retained, known.DeviceID):
			if r.setOnline(ctx, clientID, known.DeviceID, false, result) {
				result.MarkedOffline++
			}
		}
	}
}

func (r *Reconciler) setOnline(ctx context.Context, clientID, deviceID string, online bool, result *Result) bool {
	if err := r.registry.SetOnline(ctx, deviceID, online); err != nil {
		result.fail(err)
		r.logger.Debug("failed to update device presence",
			slog.String("client_id", clientID),
			slog.Bool("online", online),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// normalizeName trims and NFC-normalises a device-reported name, falling
// back to the client id.
func normalizeName(name, clientID string) string {
	name = strings.TrimSpace(norm.NFC.String(name))
	if name == "" {
		return clientID
	}
	return name
}

func failedEvent(step, clientID, deviceID string, err error) events.Event {
	e := events.Failed(step, err)
	e.ClientID = clientID
	e.DeviceID = deviceID
	return e
}
