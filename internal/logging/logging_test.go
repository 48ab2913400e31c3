package logging

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWithLevelWritesLogFile(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("log path override via XDG_STATE_HOME is linux only")
	}
	dir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", dir)

	log := NewWithLevel("debug")
	if log.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("level = %v, want debug", log.GetLevel())
	}
	log.Info().Msg("hello")

	data, err := os.ReadFile(filepath.Join(dir, "tcb", "tcb.log"))
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("log file empty")
	}
}

func TestNewWithLevelFallsBackToInfo(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	for _, level := range []string{"", "loud"} {
		if got := NewWithLevel(level).GetLevel(); got != zerolog.InfoLevel {
			t.Errorf("NewWithLevel(%q) level = %v, want info", level, got)
		}
	}
}
