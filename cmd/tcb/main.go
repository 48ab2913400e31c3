package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/petems/tcb/internal/app"
	"github.com/petems/tcb/internal/audio"
	"github.com/petems/tcb/internal/audio/miniaudio"
	"github.com/petems/tcb/internal/audio/portaudio"
	"github.com/petems/tcb/internal/config"
	"github.com/petems/tcb/internal/logging"
	"github.com/petems/tcb/internal/observe"
	"github.com/petems/tcb/internal/records"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

var (
	cfgFile string

	recordName   string
	language     string
	useGPU       bool
	noTranscribe bool
	saveConfig   bool
)

var rootCmd = &cobra.Command{
	Use:           "tcb",
	Short:         "Record two audio devices into one file and transcribe it",
	Long:          `tcb captures a microphone and a second input (e.g. a loopback/monitor device) at the same time, mixes them into one mono 16 kHz WAV file and transcribes it with whisper.cpp.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var listDevicesCmd = &cobra.Command{
	Use:   "list-devices",
	Short: "List available capture devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
			return a.ListDevices()
		})
	},
}

var listRecordsCmd = &cobra.Command{
	Use:   "list-records",
	Short: "List all recorded files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
			return a.ListRecords()
		})
	},
}

var recordCmd = &cobra.Command{
	Use:   "record <primary-device> <secondary-device>",
	Short: "Record using the specified devices (index, ID or name)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
			stop := make(chan struct{})
			go func() {
				fmt.Println("Press Enter to stop recording...")
				_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
				close(stop)
			}()

			_, err := a.Record(ctx, app.RecordOptions{
				Primary:      args[0],
				Secondary:    args[1],
				Name:         recordName,
				Language:     language,
				UseGPU:       useGPU,
				NoTranscribe: noTranscribe,
				Stop:         stop,
			})
			return err
		})
	},
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <file|record-name|index>",
	Short: "Transcribe a recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
			_, err := a.Transcribe(ctx, args[0], app.TranscribeOptions{Language: language, UseGPU: useGPU})
			return err
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		fmt.Printf("file:          %s\n", cfg.File())
		fmt.Printf("log_level:     %s\n", cfg.LogLevel)
		fmt.Printf("record_dir:    %s\n", cfg.RecordDir)
		fmt.Printf("audio:         %+v\n", cfg.Audio)
		fmt.Printf("whisper:       %+v\n", cfg.Whisper)
		fmt.Printf("metrics.addr:  %q\n", cfg.Metrics.Addr)
		if saveConfig {
			if err := cfg.Save(); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Printf("Saved to %s\n", cfg.File())
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tcb %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.Path()+")")

	recordCmd.Flags().StringVar(&recordName, "record-name", "", "name of the recording (default \""+records.DefaultPrefix+"\")")
	recordCmd.Flags().BoolVar(&noTranscribe, "no-transcribe", false, "do not transcribe after recording")
	for _, c := range []*cobra.Command{recordCmd, transcribeCmd} {
		c.Flags().StringVar(&language, "language", "", "language of the recording (default from config)")
		c.Flags().BoolVar(&useGPU, "use-gpu", false, "use GPU for transcription")
	}
	configCmd.Flags().BoolVar(&saveConfig, "save", false, "write the effective configuration to the config file")

	rootCmd.AddCommand(listDevicesCmd, listRecordsCmd, recordCmd, transcribeCmd, configCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withApp loads config, logging, telemetry and (when needAudio is set) the
// capture backend, then runs fn.
func withApp(ctx context.Context, needAudio bool, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log := logging.NewWithLevel(cfg.LogLevel)
	zlog.Logger = log

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "tcb", ServiceVersion: Version})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown error")
		}
	}()

	store, err := records.New(cfg.RecordDir)
	if err != nil {
		return err
	}

	var backend audio.Backend
	if needAudio {
		backend, err = newBackend(cfg.Audio.Backend, log)
		if err != nil {
			return fmt.Errorf("failed to initialize audio: %w", err)
		}
		defer backend.Close()
	}

	a := app.New(app.Config{
		Config:  cfg,
		Backend: backend,
		Store:   store,
		Metrics: observe.DefaultMetrics(),
		Logger:  log,
	})
	return fn(ctx, a)
}

func newBackend(name string, log zerolog.Logger) (audio.Backend, error) {
	log.Debug().Str("backend", name).Msg("Initializing audio backend")
	switch name {
	case portaudio.Name:
		return portaudio.New()
	case miniaudio.Name, "":
		return miniaudio.New()
	}
	return nil, fmt.Errorf("unknown audio backend %q", name)
}
