// Package storage manages the local media spool: one flat directory holding
// the files queued for each device, named after the device's client id.
//
// All writes go through a temporary file and a rename, so a file visible
// under its final name is always complete.
package storage

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmylchreest/tagsync/internal/models"
)

// Name prefixes and suffixes with a meaning in the spool.
const (
	// ConvertedPrefix marks an encode in progress or awaiting rename.
	ConvertedPrefix = "converted_"
	// ManifestExt is the extension of device task manifests.
	ManifestExt = ".js"
	tempSuffix  = ".tmp"
)

// ErrInvalidName is returned for names that are not plain file names.
var ErrInvalidName = errors.New("invalid spool file name")

// Kind classifies a spool entry by its name.
type Kind int

const (
	KindOther Kind = iota
	KindPhoto
	KindVideo
	KindManifest
	KindConverted
	KindTemp
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindPhoto:
		return "photo"
	case KindVideo:
		return "video"
	case KindManifest:
		return "manifest"
	case KindConverted:
		return "converted"
	case KindTemp:
		return "temp"
	default:
		return "other"
	}
}

// imageExts are the source image formats the transcoder accepts.
var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".bmp": true, ".webp": true}

// videoExts are the source video formats the transcoder accepts.
var videoExts = map[string]bool{".mp4": true, ".mov": true, ".m4v": true, ".mkv": true, ".webm": true, ".avi": true}

// Classify returns the kind of a spool file name.
func Classify(name string) Kind {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case strings.HasPrefix(name, ".") && strings.HasSuffix(name, tempSuffix):
		return KindTemp
	case strings.HasPrefix(name, ConvertedPrefix):
		return KindConverted
	case ext == ManifestExt:
		return KindManifest
	case imageExts[ext]:
		return KindPhoto
	case videoExts[ext]:
		return KindVideo
	default:
		return KindOther
	}
}

// Entry is one file in the spool.
type Entry struct {
	Name    string
	Path    string
	Kind    Kind
	Size    int64
	ModTime time.Time
}

// ClientID returns the client id the entry belongs to: its name without the
// extension.
func (e Entry) ClientID() string {
	return strings.TrimSuffix(e.Name, filepath.Ext(e.Name))
}

// Spool is a flat directory of media files.
type Spool struct {
	dir string
}

// NewSpool opens the spool at dir, creating it if needed.
func NewSpool(dir string) (*Spool, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o750); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	return &Spool{dir: absPath}, nil
}

// Dir returns the absolute spool directory.
func (s *Spool) Dir() string {
	return s.dir
}

// MediaName returns the spool name for a client's media of type t.
func MediaName(clientID string, t models.MediaType) string {
	return clientID + t.Extension()
}

// ManifestName returns the spool name of a client's manifest.
func ManifestName(clientID string) string {
	return clientID + ManifestExt
}

// Path resolves a plain file name inside the spool.
func (s *Spool) Path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.dir, name), nil
}

// Exists reports whether name is present.
func (s *Spool) Exists(name string) (bool, error) {
	p, err := s.Path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", name, err)
	}
	return true, nil
}

// WriteFile writes data to name atomically.
func (s *Spool) WriteFile(name string, data []byte) error {
	return s.WriteReader(name, bytes.NewReader(data))
}

// WriteReader streams r into name atomically.
func (s *Spool) WriteReader(name string, r io.Reader) error {
	target, err := s.Path(name)
	if err != nil {
		return err
	}

	tempPath := filepath.Join(s.dir, fmt.Sprintf(".%s.%s%s", name, randomHex(8), tempSuffix))
	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}

	_, err = io.Copy(tempFile, r)
	closeErr := tempFile.Close()
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("writing to temporary file: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("closing temporary file: %w", closeErr)
	}

	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("renaming to target: %w", err)
	}
	return nil
}

// ReplaceMedia stores a client's media of type t and removes its media of
// the other type, so each client has at most one media file queued.
func (s *Spool) ReplaceMedia(clientID string, t models.MediaType, r io.Reader) (string, error) {
	name := MediaName(clientID, t)
	if err := s.WriteReader(name, r); err != nil {
		return "", err
	}

	other := models.MediaPhoto
	if t == models.MediaPhoto {
		other = models.MediaVideo
	}
	if err := s.Remove(MediaName(clientID, other)); err != nil {
		return name, err
	}
	return name, nil
}

// Remove deletes name. A missing file is not an error.
func (s *Spool) Remove(name string) error {
	p, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}

// Rename moves oldName to newName, replacing it.
func (s *Spool) Rename(oldName, newName string) error {
	oldPath, err := s.Path(oldName)
	if err != nil {
		return err
	}
	newPath, err := s.Path(newName)
	if err != nil {
		return err
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("renaming %s: %w", oldName, err)
	}
	return nil
}

// Stat returns file info for name.
func (s *Spool) Stat(name string) (os.FileInfo, error) {
	p, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	return os.Stat(p)
}

// List returns the regular files in the spool ordered by name.
func (s *Spool) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		entries = append(entries, Entry{
			Name:    de.Name(),
			Path:    filepath.Join(s.dir, de.Name()),
			Kind:    Classify(de.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Ready is the media queued for one client.
type Ready struct {
	ClientID string
	// Photo and Video are spool names, empty when absent.
	Photo string
	Video string
}

// ReadyMedia groups the spool's deliverable photo and video files by client
// id. Only the names uploads use, <clientId>.png and <clientId>.mp4, count.
func (s *Spool) ReadyMedia() ([]Ready, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}

	byClient := map[string]*Ready{}
	var order []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name)
		if e.Kind == KindTemp || e.Kind == KindConverted {
			continue
		}
		if ext != models.MediaPhoto.Extension() && ext != models.MediaVideo.Extension() {
			continue
		}
		id := e.ClientID()
		r, ok := byClient[id]
		if !ok {
			r = &Ready{ClientID: id}
			byClient[id] = r
			order = append(order, id)
		}
		if ext == models.MediaPhoto.Extension() {
			r.Photo = e.Name
		} else {
			r.Video = e.Name
		}
	}

	out := make([]Ready, 0, len(order))
	for _, id := range order {
		out = append(out, *byClient[id])
	}
	return out, nil
}

// randomHex generates a random hex string of the specified length.
func randomHex(n int) string {
	b := make([]byte, n/2+1)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", os.Getpid())
	}
	return hex.EncodeToString(b)[:n]
}
