// Package records manages the folder recordings and transcripts live in.
package records

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPrefix names recordings when the user gives no name.
	DefaultPrefix = "tcb"

	recordExt     = ".wav"
	transcriptExt = ".txt"
	timeLayout    = "20060102_150405"
)

// ErrNotFound is returned by Resolve when no recording matches.
var ErrNotFound = errors.New("recording not found")

// Record is one recording in the store.
type Record struct {
	Index int
	// Name is the file name without extension.
	Name string
	Path string
	// HasTranscript reports whether a transcript sits next to the file.
	HasTranscript bool
}

// Store is a record folder.
type Store struct {
	dir string
	now func() time.Time
}

// New returns a store rooted at dir. A leading "~" is expanded.
func New(dir string) (*Store, error) {
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	if dir == "" {
		return nil, errors.New("record folder is empty")
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the folder path.
func (s *Store) Dir() string { return s.dir }

// Ensure creates the folder if it does not exist.
func (s *Store) Ensure() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create record folder: %w", err)
	}
	return nil
}

// NewPath returns the path for a new recording named
// <prefix>_<YYYYmmdd_HHMMSS>.wav.
func (s *Store) NewPath(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	name := fmt.Sprintf("%s_%s%s", prefix, s.now().Format(timeLayout), recordExt)
	return filepath.Join(s.dir, name)
}

// List returns the recordings sorted by name. A missing folder is an
// empty list.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read record folder: %w", err)
	}

	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) || len(e.Name()) == len(recordExt) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		_, statErr := os.Stat(TranscriptPath(path))
		out = append(out, Record{
			Name:          strings.TrimSuffix(e.Name(), recordExt),
			Path:          path,
			HasTranscript: statErr == nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	for i := range out {
		out[i].Index = i
	}
	return out, nil
}

// Resolve finds a recording by path, by name (with or without .wav) or by
// its index in List.
func (s *Store) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", ErrNotFound
	}
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return ref, nil
	}

	recs, err := s.List()
	if err != nil {
		return "", err
	}
	name := strings.TrimSuffix(ref, recordExt)
	for _, r := range recs {
		if r.Name == name {
			return r.Path, nil
		}
	}
	if i, err := strconv.Atoi(ref); err == nil && i >= 0 && i < len(recs) {
		return recs[i].Path, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// TranscriptPath returns the transcript path for a recording: the same
// path with a .txt extension.
func TranscriptPath(recording string) string {
	return strings.TrimSuffix(recording, filepath.Ext(recording)) + transcriptExt
}

// ModelPath returns where the named whisper model is stored.
func (s *Store) ModelPath(model string) string {
	return filepath.Join(s.dir, "models", fmt.Sprintf("ggml-%s.bin", model))
}
