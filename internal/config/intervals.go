package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Interval file keys.
const (
	ScanIntervalKey     = "scan_interval_seconds"
	PipelineIntervalKey = "pipeline_interval_seconds"
)

// ErrInvalidInterval is returned for interval lines that cannot be applied.
var ErrInvalidInterval = errors.New("invalid interval")

// Intervals holds the two job periods read from the intervals file.
type Intervals struct {
	Scan     time.Duration
	Pipeline time.Duration
}

// DefaultIntervals returns the intervals used to seed a new intervals file.
func (c *JobsConfig) DefaultIntervals() Intervals {
	return Intervals{Scan: c.ScanInterval, Pipeline: c.PipelineInterval}
}

// ParseIntervals reads key=value lines on top of current. Unknown keys are
// ignored and bad values keep the current setting; every rejected line is
// reported in the joined error. The returned Intervals is always usable.
func ParseIntervals(r io.Reader, current Intervals) (Intervals, error) {
	out := current
	var errs []error

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			errs = append(errs, fmt.Errorf("%w: line %d: missing '='", ErrInvalidInterval, lineNo))
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		var target *time.Duration
		switch key {
		case ScanIntervalKey:
			target = &out.Scan
		case PipelineIntervalKey:
			target = &out.Pipeline
		default:
			continue
		}

		secs, err := strconv.Atoi(value)
		if err != nil || secs < 1 {
			errs = append(errs, fmt.Errorf("%w: line %d: %s=%q", ErrInvalidInterval, lineNo, key, value))
			continue
		}
		*target = time.Duration(secs) * time.Second
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, fmt.Errorf("reading intervals: %w", err))
	}

	return out, errors.Join(errs...)
}

// ReadIntervalsFile parses the intervals file at path on top of current.
func ReadIntervalsFile(path string, current Intervals) (Intervals, error) {
	f, err := os.Open(path)
	if err != nil {
		return current, fmt.Errorf("opening intervals file: %w", err)
	}
	defer f.Close()
	return ParseIntervals(f, current)
}

// EnsureIntervalsFile writes a commented intervals file seeded with defaults
// when none exists. It reports whether a file was created.
func EnsureIntervalsFile(path string, defaults Intervals) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("checking intervals file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return false, fmt.Errorf("creating intervals directory: %w", err)
	}

	content := fmt.Sprintf(`# tagsync job intervals, reloaded while running.
# How often to sweep the network and reconcile the registry (seconds).
%s=%d
# How often to fetch, transcode and deliver media (seconds).
%s=%d
`,
		ScanIntervalKey, int(defaults.Scan/time.Second),
		PipelineIntervalKey, int(defaults.Pipeline/time.Second),
	)
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return false, fmt.Errorf("writing intervals file: %w", err)
	}
	return true, nil
}
