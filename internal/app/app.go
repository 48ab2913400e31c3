// Package app wires the recording pipeline, the record store and the
// transcriber into the commands tcb exposes.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/petems/tcb/internal/audio"
	"github.com/petems/tcb/internal/config"
	"github.com/petems/tcb/internal/convert"
	"github.com/petems/tcb/internal/encoder"
	"github.com/petems/tcb/internal/observe"
	"github.com/petems/tcb/internal/permissions"
	"github.com/petems/tcb/internal/records"
	"github.com/petems/tcb/internal/session"
	"github.com/petems/tcb/internal/whisper"
)

// ErrDeviceNotFound is returned when a device reference matches nothing.
var ErrDeviceNotFound = errors.New("device not found")

// TranscriberFactory loads a transcriber for the model file at path.
type TranscriberFactory func(modelPath string) (whisper.Transcriber, error)

type Config struct {
	Config  *config.Config
	Backend audio.Backend
	Store   *records.Store
	// NewTranscriber defaults to whisper.New.
	NewTranscriber TranscriberFactory
	// CheckPermission defaults to permissions.EnsureMicrophone.
	CheckPermission func() error
	Metrics         *observe.Metrics
	Logger          zerolog.Logger
	// Out receives user-facing output. Defaults to os.Stdout.
	Out io.Writer
}

type App struct {
	cfg       *config.Config
	backend   audio.Backend
	store     *records.Store
	newTr     TranscriberFactory
	checkPerm func() error
	metrics   *observe.Metrics
	log       zerolog.Logger
	out       io.Writer
}

func New(cfg Config) *App {
	a := &App{
		cfg:       cfg.Config,
		backend:   cfg.Backend,
		store:     cfg.Store,
		newTr:     cfg.NewTranscriber,
		checkPerm: cfg.CheckPermission,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		out:       cfg.Out,
	}
	if a.newTr == nil {
		a.newTr = func(path string) (whisper.Transcriber, error) { return whisper.New(path, a.log) }
	}
	if a.checkPerm == nil {
		a.checkPerm = permissions.EnsureMicrophone
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.out == nil {
		a.out = os.Stdout
	}
	return a
}

// ListDevices prints the capture devices in enumeration order.
func (a *App) ListDevices() error {
	devices, err := a.backend.Devices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	fmt.Fprintf(a.out, "Capture Devices (%s):\n", a.backend.Name())
	for _, d := range devices {
		marker := ""
		if d.Default {
			marker = " (default)"
		}
		fmt.Fprintf(a.out, "    %d: %s%s [%s]\n", d.Index, d.Name, marker, d.ID)
	}
	return nil
}

// ListRecords prints the recordings in the record folder.
func (a *App) ListRecords() error {
	recs, err := a.store.List()
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Available Records:")
	for _, r := range recs {
		marker := ""
		if r.HasTranscript {
			marker = " (transcribed)"
		}
		fmt.Fprintf(a.out, "    %d: %s%s\n", r.Index, r.Name, marker)
	}
	return nil
}

// ResolveDevice finds a capture device by enumeration index, ID or name.
func (a *App) ResolveDevice(ref string) (audio.DeviceInfo, error) {
	devices, err := a.backend.Devices()
	if err != nil {
		return audio.DeviceInfo{}, fmt.Errorf("failed to list devices: %w", err)
	}
	if i, err := strconv.Atoi(ref); err == nil {
		for _, d := range devices {
			if d.Index == i {
				return d, nil
			}
		}
	}
	for _, d := range devices {
		if d.ID == ref {
			return d, nil
		}
	}
	for _, d := range devices {
		if strings.EqualFold(d.Name, ref) {
			return d, nil
		}
	}
	return audio.DeviceInfo{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, ref)
}

// RecordOptions configures one recording.
type RecordOptions struct {
	// Primary and Secondary are device references for ResolveDevice.
	Primary   string
	Secondary string
	// Name prefixes the file name; records.DefaultPrefix when empty.
	Name         string
	Language     string
	UseGPU       bool
	NoTranscribe bool
	// Stop ends the recording when closed. Cancelling ctx also ends it but
	// skips transcription.
	Stop <-chan struct{}
}

// Record captures both devices into a new file in the record folder until
// opts.Stop is closed or ctx is cancelled, then transcribes it unless told
// not to. It returns the recording path.
func (a *App) Record(ctx context.Context, opts RecordOptions) (path string, err error) {
	ctx, span := observe.StartSpan(ctx, "tcb.record")
	defer span.End()
	log := observe.Logger(ctx, a.log)

	primary, err := a.ResolveDevice(opts.Primary)
	if err != nil {
		return "", err
	}
	secondary, err := a.ResolveDevice(opts.Secondary)
	if err != nil {
		return "", err
	}
	if err := a.checkPerm(); err != nil {
		return "", err
	}
	if err := a.store.Ensure(); err != nil {
		return "", err
	}

	path = a.store.NewPath(opts.Name)
	sess, err := session.New(session.Config{
		Backend:         a.backend,
		PrimaryDevice:   primary.ID,
		SecondaryDevice: secondary.ID,
		OutputPath:      path,
		BufferFrames:    a.cfg.Audio.BufferFrames,
		PollInterval:    a.cfg.Audio.PollInterval,
		Logger:          log,
		Metrics:         a.metrics,
	})
	if err != nil {
		return "", err
	}

	if err := sess.Start(ctx); err != nil {
		return "", fmt.Errorf("failed to start recording: %w", err)
	}
	fmt.Fprintf(a.out, "Recording to file: %s\n", path)
	fmt.Fprintf(a.out, "    primary:   %s\n    secondary: %s\n", primary.Name, secondary.Name)

	recCtx, stopRecording := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(recCtx)
	if addr := a.cfg.Metrics.Addr; addr != "" {
		g.Go(func() error { return ServeMetrics(gctx, addr, log) })
	}
	g.Go(func() error {
		select {
		case <-opts.Stop:
		case <-gctx.Done():
		}
		stopRecording()
		return nil
	})
	serveErr := g.Wait()

	stopErr := sess.Stop()
	a.printStats(sess.Stats())
	if err := errors.Join(stopErr, serveErr); err != nil {
		return path, err
	}

	if opts.NoTranscribe {
		return path, nil
	}
	if err := ctx.Err(); err != nil {
		log.Info().Msg("Interrupted, skipping transcription")
		return path, nil
	}
	_, err = a.Transcribe(ctx, path, TranscribeOptions{Language: opts.Language, UseGPU: opts.UseGPU})
	return path, err
}

func (a *App) printStats(st session.Stats) {
	fmt.Fprintf(a.out, "Recorded %s (%d frames)\n", st.Duration.Round(10*time.Millisecond), st.Drain.WrittenFrames)
	for _, src := range st.Sources {
		if src.Dropped > 0 || src.Faults > 0 {
			fmt.Fprintf(a.out, "    %s: %d frames dropped, %d faults\n", src.Name, src.Dropped, src.Faults)
		}
	}
	if n := st.Drain.ConversionErrors + st.Drain.EncodeErrors + st.Drain.BufferFaults; n > 0 {
		fmt.Fprintf(a.out, "    %d batches lost to errors, see log\n", n)
	}
}

// TranscribeOptions overrides the configured whisper settings.
type TranscribeOptions struct {
	// Language defaults to the configured language.
	Language string
	UseGPU   bool
}

// Transcribe transcribes a recording given by path, name or index, prints
// the segments and writes them to the transcript file next to it.
func (a *App) Transcribe(ctx context.Context, ref string, opts TranscribeOptions) ([]whisper.Segment, error) {
	ctx, span := observe.StartSpan(ctx, "tcb.transcribe")
	defer span.End()

	path, err := a.store.Resolve(ref)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(a.out, "Transcribing file: %s\n", path)

	samples, err := LoadCanonical(path)
	if err != nil {
		return nil, err
	}

	wcfg := a.cfg.Whisper
	modelPath := a.store.ModelPath(wcfg.Model)
	if err := whisper.EnsureModel(ctx, wcfg.Model, modelPath); err != nil {
		return nil, err
	}
	tr, err := a.newTr(modelPath)
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	language := opts.Language
	if language == "" {
		language = wcfg.Language
	}
	start := time.Now()
	segments, err := tr.Transcribe(ctx, samples, whisper.Options{
		Language: language,
		Threads:  wcfg.Threads,
		BeamSize: wcfg.BeamSize,
		UseGPU:   opts.UseGPU || wcfg.UseGPU,
	})
	a.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("model", wcfg.Model)))
	if err != nil {
		return nil, fmt.Errorf("transcription failed: %w", err)
	}

	out := records.TranscriptPath(path)
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(s.Text)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(out, []byte(b.String()), 0o600); err != nil {
		return segments, fmt.Errorf("failed to write transcript: %w", err)
	}

	fmt.Fprintf(a.out, "Transcription saved to: %s\n", out)
	for _, s := range segments {
		fmt.Fprintln(a.out, s.Text)
	}
	return segments, nil
}

// LoadCanonical reads a WAV file and returns its audio as canonical mono
// float samples, converting when the file is in another format.
func LoadCanonical(path string) ([]float32, error) {
	rec, err := encoder.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if rec.Format == audio.Canonical {
		return rec.Samples, nil
	}

	conv, err := convert.New(rec.Format)
	if err != nil {
		return nil, err
	}
	frames := rec.Frames()
	out := make([]float32, conv.ExpectedOutputFrameCount(frames))
	n, err := conv.ConvertFloat(rec.Samples, frames, out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// ServeMetrics serves the Prometheus registry on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Msg("Serving metrics")

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}
