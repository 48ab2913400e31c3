// Package config loads tcb's settings from a JSON file and TCB_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel  string        `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	RecordDir string        `mapstructure:"record_dir" validate:"required"`
	Audio     AudioConfig   `mapstructure:"audio"`
	Whisper   WhisperConfig `mapstructure:"whisper"`
	Metrics   MetricsConfig `mapstructure:"metrics"`

	// path is the file the config was loaded from and Save writes to.
	path string
}

type AudioConfig struct {
	Backend      string        `mapstructure:"backend" validate:"oneof=miniaudio portaudio"`
	BufferFrames int           `mapstructure:"buffer_frames" validate:"min=256,max=1048576"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"min=1ms,max=2s"`
}

type WhisperConfig struct {
	Model    string `mapstructure:"model" validate:"required"`    // "large-v3-turbo-q5_0", "base.en", ...
	Language string `mapstructure:"language" validate:"required"` // "pt", "en", "auto", ...
	Threads  int    `mapstructure:"threads" validate:"min=1,max=128"`
	BeamSize int    `mapstructure:"beam_size" validate:"min=1,max=16"`
	UseGPU   bool   `mapstructure:"use_gpu"`
}

type MetricsConfig struct {
	// Addr serves Prometheus metrics during a recording when set, e.g.
	// "127.0.0.1:9464".
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

var defaults = map[string]any{
	"log_level":           "info",
	"record_dir":          "~/.tcb",
	"audio.backend":       "miniaudio",
	"audio.buffer_frames": 16384,
	"audio.poll_interval": "20ms",
	"whisper.model":       "large-v3-turbo-q5_0",
	"whisper.language":    "pt",
	"whisper.threads":     4,
	"whisper.beam_size":   5,
	"whisper.use_gpu":     false,
	"metrics.addr":        "",
}

// Load reads the config at path, or at the platform config path when path
// is empty. A missing file yields the defaults. TCB_* environment variables
// override file values, e.g. TCB_AUDIO_POLL_INTERVAL=50ms.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("TCB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// File returns the path the config was loaded from.
func (c *Config) File() string { return c.path }

// Save writes the config to the file it was loaded from
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		path = Path()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigType("json")
	v.Set("log_level", c.LogLevel)
	v.Set("record_dir", c.RecordDir)
	v.Set("audio.backend", c.Audio.Backend)
	v.Set("audio.buffer_frames", c.Audio.BufferFrames)
	v.Set("audio.poll_interval", c.Audio.PollInterval.String())
	v.Set("whisper.model", c.Whisper.Model)
	v.Set("whisper.language", c.Whisper.Language)
	v.Set("whisper.threads", c.Whisper.Threads)
	v.Set("whisper.beam_size", c.Whisper.BeamSize)
	v.Set("whisper.use_gpu", c.Whisper.UseGPU)
	v.Set("metrics.addr", c.Metrics.Addr)

	return v.WriteConfigAs(path)
}

// Path returns the platform-specific config file path
func Path() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "tcb", "config.json")
}
