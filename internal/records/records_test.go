package records

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "records"))
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }
	return s
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestNewPath(t *testing.T) {
	s := newStore(t)
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "tcb_20260314_092653.wav"},
		{"standup", "standup_20260314_092653.wav"},
	}
	for _, tt := range tests {
		if got := s.NewPath(tt.prefix); got != filepath.Join(s.Dir(), tt.want) {
			t.Errorf("NewPath(%q) = %s, want %s", tt.prefix, got, tt.want)
		}
	}
}

func TestEnsureCreatesPrivateFolder(t *testing.T) {
	s := newStore(t)
	if err := s.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	info, err := os.Stat(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir() || info.Mode().Perm() != 0o700 {
		t.Fatalf("folder mode %v, want dir 0700", info.Mode())
	}
	if err := s.Ensure(); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
}

func TestListAndResolve(t *testing.T) {
	s := newStore(t)

	recs, err := s.List()
	if err != nil || len(recs) != 0 {
		t.Fatalf("List of missing folder = %v, %v; want empty", recs, err)
	}

	if err := s.Ensure(); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(s.Dir(), "b_20260101_000000.wav"))
	touch(t, filepath.Join(s.Dir(), "a_20260101_000000.wav"))
	touch(t, filepath.Join(s.Dir(), "a_20260101_000000.txt"))
	touch(t, filepath.Join(s.Dir(), "notes.md"))
	touch(t, filepath.Join(s.Dir(), ".wav"))
	if err := os.Mkdir(filepath.Join(s.Dir(), "models"), 0o700); err != nil {
		t.Fatal(err)
	}

	recs, err = s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("List returned %d records, want 2: %+v", len(recs), recs)
	}
	if recs[0].Name != "a_20260101_000000" || recs[0].Index != 0 || !recs[0].HasTranscript {
		t.Errorf("first record = %+v", recs[0])
	}
	if recs[1].Name != "b_20260101_000000" || recs[1].Index != 1 || recs[1].HasTranscript {
		t.Errorf("second record = %+v", recs[1])
	}

	for _, ref := range []string{"b_20260101_000000", "b_20260101_000000.wav", "1", recs[1].Path} {
		got, err := s.Resolve(ref)
		if err != nil || got != recs[1].Path {
			t.Errorf("Resolve(%q) = %s, %v; want %s", ref, got, err, recs[1].Path)
		}
	}
	for _, ref := range []string{"", "7", "missing"} {
		if _, err := s.Resolve(ref); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(%q): got %v, want ErrNotFound", ref, err)
		}
	}
}

func TestTranscriptPath(t *testing.T) {
	tests := map[string]string{
		"/r/tcb_1.wav":   "/r/tcb_1.txt",
		"/r/meeting.mp3": "/r/meeting.txt",
		"/r/noext":       "/r/noext.txt",
	}
	for in, want := range tests {
		if got := TranscriptPath(in); got != want {
			t.Errorf("TranscriptPath(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestModelPath(t *testing.T) {
	s := newStore(t)
	want := filepath.Join(s.Dir(), "models", "ggml-large-v3-turbo-q5_0.bin")
	if got := s.ModelPath("large-v3-turbo-q5_0"); got != want {
		t.Errorf("ModelPath = %s, want %s", got, want)
	}
}
