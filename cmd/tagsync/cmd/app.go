package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/tagsync/internal/archive"
	"github.com/jmylchreest/tagsync/internal/config"
	"github.com/jmylchreest/tagsync/internal/database"
	"github.com/jmylchreest/tagsync/internal/device"
	"github.com/jmylchreest/tagsync/internal/events"
	"github.com/jmylchreest/tagsync/internal/fetcher"
	"github.com/jmylchreest/tagsync/internal/ffmpeg"
	"github.com/jmylchreest/tagsync/internal/jobs"
	"github.com/jmylchreest/tagsync/internal/journal"
	"github.com/jmylchreest/tagsync/internal/ledger"
	"github.com/jmylchreest/tagsync/internal/reconcile"
	"github.com/jmylchreest/tagsync/internal/registry"
	"github.com/jmylchreest/tagsync/internal/scanner"
	"github.com/jmylchreest/tagsync/internal/startup"
	"github.com/jmylchreest/tagsync/internal/storage"
	"github.com/jmylchreest/tagsync/internal/sysinfo"
	"github.com/jmylchreest/tagsync/internal/transcode"
	"github.com/jmylchreest/tagsync/internal/uploader"
)

// app holds the wired components shared by the run, scan and deliver commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	spool    *storage.Spool
	ledger   *ledger.Ledger
	registry *registry.Client
	bus      *events.Bus
	db       *database.DB
	journal  *journal.Journal
	mqtt     *events.MQTTSink
	stats    *sysinfo.StatsCollector

	scanJob     *jobs.ScanJob
	pipelineJob *jobs.PipelineJob
}

// newApp opens local state and optional integrations and builds both jobs.
// Optional integrations that fail to start are logged and left out.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	spool, err := storage.NewSpool(cfg.Storage.MediaPath())
	if err != nil {
		return nil, fmt.Errorf("opening media spool: %w", err)
	}
	a.spool = spool

	removed, err := startup.CleanupSpoolResidue(logger, spool, cfg.Storage.TempMaxAge)
	if err != nil {
		logger.Warn("failed to clean spool residue", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("cleaned spool residue on startup", slog.Int("removed_count", removed))
	}

	a.ledger, err = openLedger(logger, cfg.Storage.LedgerPath())
	if err != nil {
		return nil, err
	}

	a.bus = events.NewBus(logger)
	a.bus.Attach(events.NewLogSink(logger))

	if cfg.Database.Enabled {
		if err := a.openJournal(ctx); err != nil {
			a.close()
			return nil, err
		}
	}

	if cfg.MQTT.Enabled {
		sink, err := events.DialMQTT(cfg.MQTT)
		if err != nil {
			logger.Warn("mqtt unavailable, events will not be published",
				slog.String("host", cfg.MQTT.Host),
				slog.String("error", err.Error()),
			)
		} else {
			a.mqtt = sink
			a.bus.Attach(sink)
		}
	}

	a.registry = registry.New(registry.Config{
		BaseURL:       cfg.Registry.BaseURL,
		LocationID:    cfg.Registry.LocationID,
		Timeout:       cfg.Registry.Timeout,
		RetryAttempts: cfg.Registry.RetryAttempts,
		Logger:        logger,
	})
	devices := device.NewClient(device.Config{
		Timeout:       cfg.Device.Timeout,
		UploadTimeout: cfg.Device.UploadTimeout,
		Logger:        logger,
	})

	a.scanJob = jobs.NewScanJob(
		scanner.New(devices, scanner.Config{
			Workers:      cfg.Network.Workers,
			ProbeTimeout: cfg.Network.ProbeTimeout,
		}, logger),
		reconcile.New(a.registry, logger,
			reconcile.WithEvents(a.bus),
			reconcile.WithPresence(cfg.Registry.TrackPresence),
		),
		scanner.Targets(cfg.Network.BaseIP, cfg.Network.HostStart, cfg.Network.HostEnd),
		logger,
		jobs.WithScanEvents(a.bus),
	)

	fetch := fetcher.New(a.registry, spool, a.ledger, logger,
		fetcher.WithLocation(cfg.Schedule.Location()),
		fetcher.WithEvents(a.bus),
	)

	var transcoder jobs.TranscodeStage
	bin, err := ffmpeg.NewBinaryDetector(cfg.FFmpeg).Detect(ctx)
	if err != nil {
		logger.Error("ffmpeg unavailable, media will not be transcoded", slog.String("error", err.Error()))
	} else {
		logger.Info("ffmpeg detected",
			slog.String("path", bin.FFmpegPath),
			slog.String("version", bin.Version),
		)
		transcoder = transcode.New(spool, bin, transcode.ProfileFromConfig(cfg.Media), logger,
			transcode.WithEvents(a.bus),
		)
	}

	uploadOpts := []uploader.Option{uploader.WithEvents(a.bus)}
	if cfg.Archive.Enabled {
		store, err := archive.Open(ctx, cfg.Archive, logger)
		if err != nil {
			logger.Warn("archive unavailable, delivered media will not be archived",
				slog.String("endpoint", cfg.Archive.Endpoint),
				slog.String("error", err.Error()),
			)
		} else {
			uploadOpts = append(uploadOpts, uploader.WithArchiver(store))
		}
	}
	upload := uploader.New(devices, a.registry, spool, uploader.ConfigFromDevice(cfg.Device), logger, uploadOpts...)

	pipelineOpts := []jobs.PipelineOption{jobs.WithFreeSpace(sysinfo.FreeBytes)}
	if a.journal != nil {
		pipelineOpts = append(pipelineOpts, jobs.WithPruner(a.journal))
	}
	a.pipelineJob = jobs.NewPipelineJob(fetch, transcoder, upload, a.ledger, jobs.PipelineConfig{
		SpoolDir:     spool.Dir(),
		MinFreeSpace: cfg.Media.MinFreeSpace.Bytes(),
		Retention:    cfg.Database.Retention,
	}, logger, pipelineOpts...)

	a.stats = sysinfo.NewStatsCollector(spool.Dir())
	return a, nil
}

// openLedger loads the ledger. Malformed lines are dropped with a warning;
// the affected devices are simply evaluated again.
func openLedger(logger *slog.Logger, path string) (*ledger.Ledger, error) {
	l, err := ledger.Open(path)
	if err != nil && l != nil && errors.Is(err, ledger.ErrMalformed) {
		logger.Warn("ignoring malformed ledger lines",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return l, nil
}

func (a *app) openJournal(ctx context.Context) error {
	db, err := database.New(a.cfg.Database, a.logger)
	if err != nil {
		return fmt.Errorf("opening journal database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrating journal database: %w", err)
	}
	a.db = db
	a.journal = journal.New(db)
	a.bus.Attach(journal.NewSink(a.journal))
	return nil
}

// close drains the event bus before closing the stores it writes to.
func (a *app) close() error {
	var errs []error
	if a.bus != nil {
		a.bus.Close()
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.ledger != nil {
		if err := a.ledger.Save(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
