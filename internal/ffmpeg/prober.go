package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ProbeResult contains the complete ffprobe output.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	Filename   string            `json:"filename"`
	NumStreams int               `json:"nb_streams"`
	FormatName string            `json:"format_name"`
	Duration   string            `json:"duration"`
	Size       string            `json:"size"`
	BitRate    string            `json:"bit_rate"`
	Tags       map[string]string `json:"tags"`
}

// ProbeStream contains stream information.
type ProbeStream struct {
	Index      int               `json:"index"`
	CodecName  string            `json:"codec_name"`
	CodecType  string            `json:"codec_type"` // video, audio, subtitle, data
	Profile    string            `json:"profile"`
	Width      int               `json:"width,omitempty"`
	Height     int               `json:"height,omitempty"`
	PixFmt     string            `json:"pix_fmt,omitempty"`
	SampleRate string            `json:"sample_rate,omitempty"`
	Channels   int               `json:"channels,omitempty"`
	RFrameRate string            `json:"r_frame_rate,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// MediaInfo is the summary of a probed file the transcoder acts on.
type MediaInfo struct {
	Container  string
	Duration   time.Duration
	VideoCodec string
	Width      int
	Height     int
	Framerate  float64
	AudioCodec string
	// Comment is the container's comment tag, where processed files carry
	// their profile marker.
	Comment string
}

// HasVideo reports whether the file has a video stream.
func (m *MediaInfo) HasVideo() bool { return m.VideoCodec != "" }

// HasAudio reports whether the file has an audio stream.
func (m *MediaInfo) HasAudio() bool { return m.AudioCodec != "" }

// Prober handles ffprobe operations.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber creates a new prober.
func NewProber(ffprobePath string) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Probe runs ffprobe on a local file.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("probe timeout after %v", p.timeout)
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	return ParseProbeOutput(output)
}

// ProbeInfo probes a file and summarises it.
func (p *Prober) ProbeInfo(ctx context.Context, path string) (*MediaInfo, error) {
	result, err := p.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	return Summarize(result), nil
}

// ParseProbeOutput decodes ffprobe's JSON output.
func ParseProbeOutput(output []byte) (*ProbeResult, error) {
	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	return &result, nil
}

// Summarize reduces a probe result to the first video and audio stream.
func Summarize(result *ProbeResult) *MediaInfo {
	info := &MediaInfo{
		Container: result.Format.FormatName,
		Comment:   lookupTag(result.Format.Tags, "comment"),
	}

	if result.Format.Duration != "" {
		if secs, err := strconv.ParseFloat(result.Format.Duration, 64); err == nil {
			info.Duration = time.Duration(secs * float64(time.Second))
		}
	}

	for _, s := range result.Streams {
		switch s.CodecType {
		case "video":
			if info.VideoCodec != "" {
				continue
			}
			info.VideoCodec = s.CodecName
			info.Width = s.Width
			info.Height = s.Height
			info.Framerate = parseFrameRate(s.RFrameRate)
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = s.CodecName
			}
		}
	}
	return info
}

// lookupTag finds a tag case-insensitively; muxers differ in key case.
func lookupTag(tags map[string]string, key string) string {
	for k, v := range tags {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// parseFrameRate parses ffprobe's "num/den" notation.
func parseFrameRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
