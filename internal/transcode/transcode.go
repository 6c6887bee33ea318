// Package transcode converts queued media in the spool to the profile the
// price-tag decoders accept.
//
// Every conversion writes a converted_ file first and only replaces the
// source after the output verifies, so an interrupted or failed run leaves
// the source in place for the next cycle.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/tagsync/internal/events"
	"github.com/jmylchreest/tagsync/internal/ffmpeg"
	"github.com/jmylchreest/tagsync/internal/models"
	"github.com/jmylchreest/tagsync/internal/observability"
	"github.com/jmylchreest/tagsync/internal/storage"
)

// Action is what the transcoder will do with a spool file.
type Action int

const (
	// ActionSkip leaves the file alone.
	ActionSkip Action = iota
	// ActionImageToVideo wraps a still into a clip.
	ActionImageToVideo
	// ActionNormalizeImage letterboxes a still in place.
	ActionNormalizeImage
	// ActionVideo re-encodes a video.
	ActionVideo
)

func (a Action) String() string {
	switch a {
	case ActionImageToVideo:
		return "image-to-video"
	case ActionNormalizeImage:
		return "normalize-image"
	case ActionVideo:
		return "video"
	default:
		return "skip"
	}
}

// Task is one planned conversion.
type Task struct {
	Entry  storage.Entry
	Action Action
	// Target is the spool name the result is stored under.
	Target string
	Reason string
}

// Plan decides what to do with each spool file. Stills become clips unless
// images are delivered as pictures or the client already has a video
// queued; videos are re-encoded unless their converted_ counterpart exists.
// Whether a video already carries the profile tag is decided at run time.
func Plan(entries []storage.Entry, p Profile) []Task {
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name] = true
	}

	var tasks []Task
	for _, e := range entries {
		clientID := e.ClientID()
		videoName := storage.MediaName(clientID, models.MediaVideo)
		photoName := storage.MediaName(clientID, models.MediaPhoto)

		switch e.Kind {
		case storage.KindPhoto:
			hasVideo := false
			for _, other := range entries {
				if other.Kind == storage.KindVideo && other.ClientID() == clientID {
					hasVideo = true
					break
				}
			}
			if p.ImagesAsVideo && !hasVideo {
				tasks = append(tasks, Task{Entry: e, Action: ActionImageToVideo, Target: videoName})
				continue
			}
			reason := "images delivered as pictures"
			if hasVideo {
				reason = "client also has a video queued"
			}
			tasks = append(tasks, Task{Entry: e, Action: ActionNormalizeImage, Target: photoName, Reason: reason})

		case storage.KindVideo:
			if names[storage.ConvertedPrefix+videoName] {
				tasks = append(tasks, Task{Entry: e, Action: ActionSkip, Reason: "converted counterpart exists"})
				continue
			}
			tasks = append(tasks, Task{Entry: e, Action: ActionVideo, Target: videoName})
		}
	}
	return tasks
}

// Result summarises one transcode pass.
type Result struct {
	Converted int
	Skipped   int
	Failed    int
	// Held lists the client ids with a file that failed conversion. Their
	// media stays queued as it was and must not be delivered this cycle.
	Held   []string
	Errors []error
}

// Err joins the per-file errors, or returns nil.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// Transcoder converts spool files with ffmpeg.
type Transcoder struct {
	spool   *storage.Spool
	ffmpeg  string
	prober  *ffmpeg.Prober
	profile Profile
	events  events.Publisher
	logger  *slog.Logger
}

// Option configures a Transcoder.
type Option func(*Transcoder)

// WithEvents publishes an event per converted file and per failure.
func WithEvents(p events.Publisher) Option {
	return func(t *Transcoder) { t.events = p }
}

// New creates a transcoder using the detected binaries.
func New(spool *storage.Spool, bin *ffmpeg.BinaryInfo, profile Profile, logger *slog.Logger, opts ...Option) *Transcoder {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transcoder{
		spool:   spool,
		ffmpeg:  bin.FFmpegPath,
		prober:  ffmpeg.NewProber(bin.FFprobePath),
		profile: profile,
		events:  events.Discard,
		logger:  observability.WithComponent(logger, "transcode"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run converts every queued file. One file's failure does not stop the
// others; the error return is for a spool that cannot be read.
func (t *Transcoder) Run(ctx context.Context) (Result, error) {
	entries, err := t.spool.List()
	if err != nil {
		return Result{}, err
	}

	var result Result
	for _, task := range Plan(entries, t.profile) {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		converted, err := t.runTask(ctx, task)
		switch {
		case err != nil:
			result.Failed++
			if id := task.Entry.ClientID(); !slices.Contains(result.Held, id) {
				result.Held = append(result.Held, id)
			}
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", task.Entry.Name, err))
			t.logger.Warn("transcode failed",
				slog.String("file", task.Entry.Name),
				slog.String("action", task.Action.String()),
				slog.String("error", err.Error()),
			)
			e := events.Failed("transcode", err)
			e.ClientID = task.Entry.ClientID()
			t.events.Publish(ctx, e)
		case converted:
			result.Converted++
			t.events.Publish(ctx, events.Event{
				Kind:     events.KindMediaConverted,
				ClientID: task.Entry.ClientID(),
				Detail:   task.Action.String() + " " + task.Target,
			})
		default:
			result.Skipped++
		}
	}

	t.logger.Info("transcode completed",
		slog.Int("converted", result.Converted),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

func (t *Transcoder) runTask(ctx context.Context, task Task) (bool, error) {
	switch task.Action {
	case ActionImageToVideo:
		return true, t.imageToVideo(ctx, task)
	case ActionNormalizeImage:
		return t.normalizeImage(task)
	case ActionVideo:
		return t.video(ctx, task)
	default:
		t.logger.Debug("skipping file",
			slog.String("file", task.Entry.Name),
			slog.String("reason", task.Reason),
		)
		return false, nil
	}
}

// imageToVideo wraps a still into a clip with silent audio.
func (t *Transcoder) imageToVideo(ctx context.Context, task Task) error {
	p := t.profile
	fps := strconv.Itoa(p.Framerate)

	b := ffmpeg.NewCommandBuilder(t.ffmpeg).
		HideBanner().
		Overwrite().
		Input(task.Entry.Path, "-loop", "1", "-framerate", fps, "-t", p.seconds()).
		Input(silentAudio(), "-f", "lavfi", "-t", p.seconds()).
		VideoFilter(p.letterbox()).
		Map("0:v:0").
		Map("1:a:0").
		OutputArgs("-shortest")

	return t.encode(ctx, task, b)
}

// video re-encodes a video, synthesizing silent audio when it has none.
func (t *Transcoder) video(ctx context.Context, task Task) (bool, error) {
	info, err := t.prober.ProbeInfo(ctx, task.Entry.Path)
	if err != nil {
		return false, err
	}
	if !info.HasVideo() {
		return false, fmt.Errorf("no video stream")
	}
	if info.Comment == t.profile.Tag() && task.Entry.Name == task.Target {
		t.logger.Debug("skipping file",
			slog.String("file", task.Entry.Name),
			slog.String("reason", "already converted"),
		)
		return false, nil
	}

	b := ffmpeg.NewCommandBuilder(t.ffmpeg).
		HideBanner().
		Overwrite().
		Input(task.Entry.Path).
		VideoFilter(t.profile.letterbox()).
		Map("0:v:0")

	if info.HasAudio() {
		b.Map("0:a:0")
	} else {
		b.Input(silentAudio(), "-f", "lavfi").
			Map("1:a:0").
			OutputArgs("-shortest")
	}

	if err := t.encode(ctx, task, b); err != nil {
		return false, err
	}
	return true, nil
}

// encode adds the shared profile arguments, writes converted_<target>,
// verifies it and swaps it in for the source.
func (t *Transcoder) encode(ctx context.Context, task Task, b *ffmpeg.CommandBuilder) error {
	p := t.profile
	temp := storage.ConvertedPrefix + task.Target
	tempPath, err := t.spool.Path(temp)
	if err != nil {
		return err
	}

	cmd := b.
		VideoFilter("format="+pixelFormat).
		VideoCodec(videoEncoder).
		OutputArgs(
			"-profile:v", h264Profile,
			"-level", h264Level,
			"-r", strconv.Itoa(p.Framerate),
			"-g", strconv.Itoa(p.GOP),
			"-keyint_min", strconv.Itoa(p.GOP),
			"-sc_threshold", "0",
		).
		VideoBitrate(p.VideoBitrate).
		AudioCodec(audioEncoder).
		AudioBitrate(p.AudioBitrate).
		OutputArgs("-ar", strconv.Itoa(sampleRate), "-ac", "2").
		OutputArgs("-movflags", "+faststart").
		Metadata("comment", p.Tag()).
		OutputArgs("-f", "mp4").
		Output(tempPath).
		Build()

	t.logger.Debug("running ffmpeg", slog.String("command", cmd.String()))

	if err := cmd.Run(ctx); err != nil {
		t.discard(temp)
		return err
	}
	if err := Verify(tempPath, p); err != nil {
		t.discard(temp)
		return err
	}

	// The source goes first so a crash here leaves only the verified output.
	if err := t.spool.Remove(task.Entry.Name); err != nil {
		t.discard(temp)
		return err
	}
	if err := t.spool.Rename(temp, task.Target); err != nil {
		return err
	}

	size := int64(0)
	if fi, err := t.spool.Stat(task.Target); err == nil {
		size = fi.Size()
	}
	t.logger.Info("converted media",
		slog.String("source", task.Entry.Name),
		slog.String("target", task.Target),
		slog.String("size", humanize.Bytes(uint64(size))),
		slog.Duration("took", cmd.Duration()),
	)
	return nil
}

// normalizeImage letterboxes a still to the profile resolution and stores
// it as <clientId>.png. A PNG already at the target size is left alone.
func (t *Transcoder) normalizeImage(task Task) (bool, error) {
	f, err := os.Open(task.Entry.Path)
	if err != nil {
		return false, err
	}
	img, format, err := DecodeImage(f)
	f.Close()
	if err != nil {
		return false, err
	}

	b := img.Bounds()
	if format == "png" && task.Entry.Name == task.Target && b.Dx() == t.profile.Width && b.Dy() == t.profile.Height {
		return false, nil
	}

	buf, err := encodePNG(Letterbox(img, t.profile.Width, t.profile.Height))
	if err != nil {
		return false, err
	}

	temp := storage.ConvertedPrefix + task.Target
	if err := t.spool.WriteReader(temp, buf); err != nil {
		return false, err
	}
	if task.Entry.Name != task.Target {
		if err := t.spool.Remove(task.Entry.Name); err != nil {
			t.discard(temp)
			return false, err
		}
	}
	if err := t.spool.Rename(temp, task.Target); err != nil {
		return false, err
	}

	t.logger.Info("normalized image",
		slog.String("source", task.Entry.Name),
		slog.String("target", task.Target),
		slog.String("from", fmt.Sprintf("%dx%d", b.Dx(), b.Dy())),
	)
	return true, nil
}

func (t *Transcoder) discard(name string) {
	if err := t.spool.Remove(name); err != nil {
		t.logger.Warn("failed to remove temporary output",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
	}
}

