// Package uploader pushes queued media to price-tag devices and makes them
// render it.
//
// Devices are served one at a time with a pause between them; the firmware
// does not cope with several hosts uploading on the same segment at once.
// Local files are removed only after the device acknowledged the replay, so
// a failed delivery is retried by the next cycle.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/tagsync/internal/config"
	"github.com/jmylchreest/tagsync/internal/device"
	"github.com/jmylchreest/tagsync/internal/events"
	"github.com/jmylchreest/tagsync/internal/models"
	"github.com/jmylchreest/tagsync/internal/observability"
	"github.com/jmylchreest/tagsync/internal/storage"
)

// Device is the subset of the device protocol the uploader drives.
type Device interface {
	ClearSpace(ctx context.Context, ip string) error
	Upload(ctx context.Context, ip, remotePath string, body io.Reader, size int64, sign string) error
	Replay(ctx context.Context, ip, remotePath string) error
}

// Registry resolves client ids to device addresses.
type Registry interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
}

// Archiver keeps a copy of delivered files. Failures are logged and do not
// affect the delivery.
type Archiver interface {
	Archive(ctx context.Context, clientID string, paths []string) error
}

// Config holds the delivery parameters.
type Config struct {
	RemoteDir        string
	ScreenWidth      int
	ScreenHeight     int
	InterDeviceDelay time.Duration
	SettleDelay      time.Duration
}

// ConfigFromDevice builds the uploader settings from the device section.
func ConfigFromDevice(cfg config.DeviceConfig) Config {
	return Config{
		RemoteDir:        cfg.RemoteDir,
		ScreenWidth:      cfg.ScreenWidth,
		ScreenHeight:     cfg.ScreenHeight,
		InterDeviceDelay: cfg.InterDeviceDelay,
		SettleDelay:      cfg.SettleDelay,
	}
}

// Result summarises one upload pass.
type Result struct {
	Ready     int
	Delivered int
	// Skipped counts clients with media queued but no known address.
	Skipped int
	// Held counts clients left alone because their conversion failed.
	Held   int
	Failed int
	// Clients lists the client ids delivered to.
	Clients []string
	Errors  []error
}

// Err joins the per-device errors, or returns nil.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// Uploader delivers spool media to devices.
type Uploader struct {
	device   Device
	registry Registry
	spool    *storage.Spool
	cfg      Config
	archiver Archiver
	events   events.Publisher
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithEvents publishes an event per delivery and per failure.
func WithEvents(p events.Publisher) Option {
	return func(u *Uploader) { u.events = p }
}

// WithArchiver copies delivered files before they are removed.
func WithArchiver(a Archiver) Option {
	return func(u *Uploader) { u.archiver = a }
}

// WithSleep replaces the delay function.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(u *Uploader) { u.sleep = fn }
}

// New creates an uploader.
func New(dev Device, reg Registry, spool *storage.Spool, cfg Config, logger *slog.Logger, opts ...Option) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Uploader{
		device:   dev,
		registry: reg,
		spool:    spool,
		cfg:      cfg,
		events:   events.Discard,
		sleep:    sleepCtx,
		logger:   observability.WithComponent(logger, "uploader"),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run delivers every client's ready media except that of the held client
// ids. It returns an error only when the spool or the registry cannot be
// read.
func (u *Uploader) Run(ctx context.Context, held []string) (Result, error) {
	queued, err := u.spool.ReadyMedia()
	if err != nil {
		return Result{}, err
	}
	result := Result{Ready: len(queued)}

	ready := make([]storage.Ready, 0, len(queued))
	for _, r := range queued {
		if slices.Contains(held, r.ClientID) {
			result.Held++
			u.logger.Info("media held back until conversion succeeds",
				slog.String("client_id", r.ClientID),
			)
			continue
		}
		ready = append(ready, r)
	}
	if len(ready) == 0 {
		return result, nil
	}

	devices, err := u.registry.ListDevices(ctx)
	if err != nil {
		return result, fmt.Errorf("listing devices: %w", err)
	}
	byClient := make(map[string]models.Device, len(devices))
	for _, d := range devices {
		if d.ClientID != "" && d.IP != "" {
			byClient[d.ClientID] = d
		}
	}

	attempted := 0
	for _, r := range ready {
		dev, ok := byClient[r.ClientID]
		if !ok {
			result.Skipped++
			u.logger.Warn("media queued for unknown device",
				slog.String("client_id", r.ClientID),
			)
			continue
		}

		if attempted > 0 {
			if err := u.sleep(ctx, u.cfg.InterDeviceDelay); err != nil {
				return result, err
			}
		}
		attempted++

		if err := u.deliver(ctx, dev, r); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", r.ClientID, err))
			u.logger.Warn("delivery failed",
				slog.String("client_id", r.ClientID),
				slog.String("ip", dev.IP),
				slog.String("error", err.Error()),
			)
			e := events.Failed("upload", err)
			e.ClientID, e.DeviceID, e.IP = r.ClientID, dev.ID, dev.IP
			u.events.Publish(ctx, e)
			continue
		}
		result.Delivered++
		result.Clients = append(result.Clients, r.ClientID)
	}

	u.logger.Info("upload completed",
		slog.Int("ready", result.Ready),
		slog.Int("delivered", result.Delivered),
		slog.Int("skipped", result.Skipped),
		slog.Int("held", result.Held),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

// file is one spool file bound for a device.
type file struct {
	name string
	path string
	sign string
	size int64
}

func (u *Uploader) deliver(ctx context.Context, dev models.Device, r storage.Ready) error {
	logger := u.logger.With(slog.String("client_id", r.ClientID), slog.String("ip", dev.IP))

	if err := u.device.ClearSpace(ctx, dev.IP); err != nil {
		return err
	}

	spec := device.ManifestSpec{
		ClientID:  r.ClientID,
		RemoteDir: u.cfg.RemoteDir,
		Width:     u.cfg.ScreenWidth,
		Height:    u.cfg.ScreenHeight,
	}

	var media []file
	for _, name := range []string{r.Photo, r.Video} {
		if name == "" {
			continue
		}
		f, err := u.signed(name)
		if err != nil {
			return err
		}
		media = append(media, f)
		asset := &device.Asset{Name: f.name, Sign: f.sign}
		if name == r.Photo {
			spec.Picture = asset
		} else {
			spec.Video = asset
		}
	}

	body, err := device.BuildManifest(spec).Encode()
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	manifestName := storage.ManifestName(r.ClientID)
	if err := u.spool.WriteFile(manifestName, body); err != nil {
		return err
	}
	manifest, err := u.signed(manifestName)
	if err != nil {
		return err
	}

	for _, f := range append(media, manifest) {
		if err := u.upload(ctx, dev.IP, f); err != nil {
			return err
		}
		logger.Debug("uploaded file",
			slog.String("file", f.name),
			slog.String("size", humanize.Bytes(uint64(f.size))),
		)
	}

	if err := u.device.Replay(ctx, dev.IP, device.RemotePath(u.cfg.RemoteDir, manifest.name)); err != nil {
		return err
	}

	if err := u.sleep(ctx, u.cfg.SettleDelay); err != nil {
		return err
	}

	delivered := make([]string, 0, len(media))
	for _, f := range media {
		delivered = append(delivered, f.path)
	}
	if u.archiver != nil && len(delivered) > 0 {
		if err := u.archiver.Archive(ctx, r.ClientID, delivered); err != nil {
			logger.Warn("archiving delivered media failed", slog.String("error", err.Error()))
		}
	}

	for _, f := range append(media, manifest) {
		if err := u.spool.Remove(f.name); err != nil {
			logger.Warn("removing delivered file failed",
				slog.String("file", f.name),
				slog.String("error", err.Error()),
			)
		}
	}

	logger.Info("delivered media", slog.Int("files", len(media)))
	detail := r.Photo
	if r.Video != "" {
		detail = r.Video
	}
	u.events.Publish(ctx, events.Event{
		Kind:     events.KindMediaDelivered,
		ClientID: r.ClientID,
		DeviceID: dev.ID,
		IP:       dev.IP,
		Detail:   detail,
	})
	return nil
}

func (u *Uploader) signed(name string) (file, error) {
	p, err := u.spool.Path(name)
	if err != nil {
		return file{}, err
	}
	sign, size, err := device.SignFile(p)
	if err != nil {
		return file{}, err
	}
	return file{name: name, path: p, sign: sign, size: size}, nil
}

func (u *Uploader) upload(ctx context.Context, ip string, f file) error {
	fh, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.name, err)
	}
	defer fh.Close()
	return u.device.Upload(ctx, ip, device.RemotePath(u.cfg.RemoteDir, f.name), fh, f.size, f.sign)
}
