// Package ledger persists, per device, when its weekly schedules were last
// evaluated. The file is line oriented: "clientId=RFC3339 timestamp", with
// "#" comments.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrMalformed marks a ledger line that could not be read.
var ErrMalformed = errors.New("malformed ledger line")

// naiveLayout is accepted for hand-edited files and read as UTC.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// Ledger is the in-memory view of the ledger file. It is safe for
// concurrent use.
type Ledger struct {
	path string

	mu      sync.RWMutex
	entries map[string]time.Time
	dirty   bool
}

// Open loads the ledger at path. A missing file yields an empty ledger that
// is created on the first Save. Malformed lines are skipped and reported in
// the returned error alongside a usable ledger.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, entries: map[string]time.Time{}}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		l.dirty = true
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	entries, parseErr := Parse(f)
	l.entries = entries
	// The next Save rewrites the file without the bad lines.
	l.dirty = parseErr != nil
	return l, parseErr
}

// Parse reads ledger lines from r. It always returns the entries it could
// read; err joins one error per malformed line.
func Parse(r io.Reader) (map[string]time.Time, error) {
	entries := map[string]time.Time{}
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
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" {
			errs = append(errs, fmt.Errorf("%w: line %d: expected clientId=timestamp", ErrMalformed, lineNo))
			continue
		}
		ts, err := parseTime(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: line %d: %v", ErrMalformed, lineNo, err))
			continue
		}
		entries[key] = ts
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, fmt.Errorf("reading ledger: %w", err))
	}
	return entries, errors.Join(errs...)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(naiveLayout, s, time.UTC)
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// LastChecked returns when clientID was last evaluated. ok is false for a
// device that has never been evaluated.
func (l *Ledger) LastChecked(clientID string) (t time.Time, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok = l.entries[clientID]
	return t, ok
}

// Mark records that clientID was evaluated at t.
func (l *Ledger) Mark(clientID string, t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.entries[clientID]; ok && old.Equal(t) {
		return
	}
	l.entries[clientID] = t
	l.dirty = true
}

// Len returns the number of devices in the ledger.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Save writes the ledger if it changed since it was loaded or last saved.
// The file is replaced atomically.
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		return nil
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary ledger: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	l.writeTo(w)
	err = w.Flush()
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing ledger: %w", err)
	}

	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing ledger: %w", err)
	}
	l.dirty = false
	return nil
}

func (l *Ledger) writeTo(w io.Writer) {
	keys := make([]string, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(w, "# last weekly schedule evaluation per device")
	for _, k := range keys {
		fmt.Fprintf(w, "%s=%s\n", k, l.entries[k].Format(time.RFC3339Nano))
	}
}
