package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "info" || cfg.RecordDir != "~/.tcb" {
		t.Errorf("log_level %q record_dir %q", cfg.LogLevel, cfg.RecordDir)
	}
	if cfg.Audio.Backend != "miniaudio" || cfg.Audio.BufferFrames != 16384 || cfg.Audio.PollInterval != 20*time.Millisecond {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	want := WhisperConfig{Model: "large-v3-turbo-q5_0", Language: "pt", Threads: 4, BeamSize: 5}
	if cfg.Whisper != want {
		t.Errorf("whisper = %+v, want %+v", cfg.Whisper, want)
	}
	if cfg.Metrics.Addr != "" {
		t.Errorf("metrics.addr = %q, want empty", cfg.Metrics.Addr)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"audio": {"backend": "portaudio", "poll_interval": "50ms"}, "whisper": {"language": "en"}}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TCB_WHISPER_THREADS", "8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Audio.Backend != "portaudio" || cfg.Audio.PollInterval != 50*time.Millisecond {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Audio.BufferFrames != 16384 {
		t.Errorf("buffer_frames default lost: %d", cfg.Audio.BufferFrames)
	}
	if cfg.Whisper.Language != "en" || cfg.Whisper.Threads != 8 {
		t.Errorf("whisper = %+v", cfg.Whisper)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		field string
	}{
		{"backend", `{"audio": {"backend": "alsa"}}`, "Backend"},
		{"tiny buffer", `{"audio": {"buffer_frames": 16}}`, "BufferFrames"},
		{"slow poll", `{"audio": {"poll_interval": "5s"}}`, "PollInterval"},
		{"log level", `{"log_level": "loud"}`, "LogLevel"},
		{"metrics addr", `{"metrics": {"addr": "not an address"}}`, "Addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(path, []byte(tt.data), 0o600); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.field) {
				t.Fatalf("Load: got %v, want error naming %s", err, tt.field)
			}
		})
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted malformed JSON")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Audio.PollInterval = 35 * time.Millisecond
	cfg.Whisper.Language = "de"
	cfg.Metrics.Addr = "127.0.0.1:9464"
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if got.Audio.PollInterval != 35*time.Millisecond || got.Whisper.Language != "de" || got.Metrics.Addr != "127.0.0.1:9464" {
		t.Fatalf("reloaded config = %+v", got)
	}
}
