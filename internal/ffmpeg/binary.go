// Package ffmpeg locates the FFmpeg/FFprobe binaries and builds and runs
// their command lines.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/tagsync/internal/config"
	"github.com/jmylchreest/tagsync/internal/util"
)

// Environment overrides for the binary locations.
const (
	EnvFFmpegBinary  = "TAGSYNC_FFMPEG_BINARY"
	EnvFFprobeBinary = "TAGSYNC_FFPROBE_BINARY"
)

// ErrMissingEncoder is returned when the installed ffmpeg cannot produce the
// device profile.
var ErrMissingEncoder = errors.New("required encoder missing")

// RequiredEncoders are the encoders the device profile needs.
var RequiredEncoders = []string{"libx264", "aac"}

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// BinaryInfo contains information about the FFmpeg/FFprobe installation.
type BinaryInfo struct {
	FFmpegPath   string   `json:"ffmpeg_path"`
	FFprobePath  string   `json:"ffprobe_path"`
	Version      string   `json:"version"`
	MajorVersion int      `json:"major_version"`
	MinorVersion int      `json:"minor_version"`
	Encoders     []string `json:"-"`
}

// HasEncoder returns true if the encoder is available.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// BinaryDetector handles detection and caching of FFmpeg binaries.
type BinaryDetector struct {
	cfg config.FFmpegConfig

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a new binary detector. Paths set in cfg take
// precedence over the environment and PATH.
func NewBinaryDetector(cfg config.FFmpegConfig) *BinaryDetector {
	return &BinaryDetector{
		cfg:      cfg,
		cacheTTL: 5 * time.Minute,
	}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect finds both binaries and checks that the profile's encoders exist.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring write lock
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	info, err := d.detect(ctx)
	if err != nil {
		return nil, err
	}

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// Clear clears the cached binary information.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

func (d *BinaryDetector) detect(ctx context.Context) (*BinaryInfo, error) {
	ffmpegPath, err := util.FindBinary("ffmpeg", EnvFFmpegBinary, d.cfg.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("locating ffmpeg: %w", err)
	}
	// ffprobe decides whether a video needs synthesized audio.
	ffprobePath, err := util.FindBinary("ffprobe", EnvFFprobeBinary, d.cfg.ProbePath)
	if err != nil {
		return nil, fmt.Errorf("locating ffprobe: %w", err)
	}

	info := &BinaryInfo{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}

	out, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	info.Version, info.MajorVersion, info.MinorVersion, err = parseVersion(string(out))
	if err != nil {
		return nil, err
	}

	out, err = exec.CommandContext(ctx, ffmpegPath, "-encoders", "-hide_banner").Output()
	if err != nil {
		return nil, fmt.Errorf("listing ffmpeg encoders: %w", err)
	}
	info.Encoders = parseEncoders(string(out))
	for _, enc := range RequiredEncoders {
		if !info.HasEncoder(enc) {
			return nil, fmt.Errorf("%w: %s", ErrMissingEncoder, enc)
		}
	}

	return info, nil
}

// parseVersion reads "ffmpeg version 6.0 Copyright..." style output, also
// accepting "n6.0-2-g..." git builds.
func parseVersion(output string) (full string, major, minor int, err error) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			break
		}
		full = parts[2]
		if m := versionRegex.FindStringSubmatch(full); len(m) >= 3 {
			major, _ = strconv.Atoi(m[1])
			minor, _ = strconv.Atoi(m[2])
		}
		return full, major, minor, nil
	}
	return "", 0, 0, fmt.Errorf("failed to parse ffmpeg version")
}

// parseEncoders reads the table printed by "ffmpeg -encoders".
func parseEncoders(output string) []string {
	var encoders []string
	inList := false

	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}

		// Format: V....D encoder_name description
		line = strings.TrimLeft(line, " ")
		if len(line) < 8 {
			continue
		}
		if line[0] != 'V' && line[0] != 'A' && line[0] != 'S' {
			continue
		}
		if fields := strings.Fields(line[6:]); len(fields) > 0 {
			encoders = append(encoders, fields[0])
		}
	}
	return encoders
}
