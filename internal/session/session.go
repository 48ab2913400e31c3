// Package session owns one recording: two capture sources, the drain loop
// and the WAV sink, started and torn down as a unit.
//
// Teardown order is fixed: both sources stop (their callbacks have
// returned), then the drain loop is cancelled and finishes its final drain,
// then the sink is finalized, and only then are the devices and ring
// buffers released.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/petems/tcb/internal/audio"
	"github.com/petems/tcb/internal/capture"
	"github.com/petems/tcb/internal/encoder"
	"github.com/petems/tcb/internal/mixer"
	"github.com/petems/tcb/internal/observe"
	"github.com/petems/tcb/internal/ringbuf"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotRunning     = errors.New("session not running")
)

// Config describes a recording session.
type Config struct {
	Backend audio.Backend

	// PrimaryDevice and SecondaryDevice are backend device IDs.
	PrimaryDevice   string
	SecondaryDevice string

	// OutputPath is the WAV file to create.
	OutputPath string

	// BufferFrames is the per-source ring capacity in native frames.
	BufferFrames int
	PollInterval time.Duration

	Logger  zerolog.Logger
	Metrics *observe.Metrics
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Session is one recording. Start and Stop may be called from different
// goroutines; Stats from any goroutine.
type Session struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	state   state
	sources [2]*capture.Source
	sink    *encoder.Sink
	drainer *mixer.Drainer
	cancel  context.CancelFunc
	group   *errgroup.Group
	started time.Time
	stopped time.Time
}

// New validates cfg. Nothing is opened until Start.
func New(cfg Config) (*Session, error) {
	if cfg.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if cfg.OutputPath == "" {
		return nil, errors.New("session: output path is required")
	}
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = ringbuf.DefaultCapacity
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = mixer.DefaultPollInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Session{
		cfg: cfg,
		log: cfg.Logger.With().Str("output", cfg.OutputPath).Logger(),
	}, nil
}

// Path returns the output file path.
func (s *Session) Path() string { return s.cfg.OutputPath }

// Start opens both devices, creates the output file, starts capture and
// launches the drain loop. On failure everything opened so far is released,
// the output file is removed and the error is returned; a device failure is
// a *capture.DeviceError, a file failure an *encoder.EncodeError.
//
// ctx only scopes startup and the loop's trace context. The loop runs until
// Stop.
func (s *Session) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateIdle {
		return ErrAlreadyStarted
	}

	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	names := [2]string{"primary", "secondary"}
	ids := [2]string{s.cfg.PrimaryDevice, s.cfg.SecondaryDevice}
	for i := range s.sources {
		src, err := capture.Open(s.cfg.Backend, capture.Config{
			Name:         names[i],
			DeviceID:     ids[i],
			BufferFrames: s.cfg.BufferFrames,
			Logger:       s.cfg.Logger,
		})
		if err != nil {
			return err
		}
		s.sources[i] = src
		cleanup = append(cleanup, func() {
			if cerr := src.Close(); cerr != nil {
				s.log.Warn().Err(cerr).Str("source", src.Name()).Msg("Failed to release device after startup failure")
			}
		})
	}

	sink, err := encoder.Create(s.cfg.OutputPath)
	if err != nil {
		return err
	}
	s.sink = sink
	cleanup = append(cleanup, func() {
		_ = sink.Finalize()
		_ = os.Remove(sink.Path())
	})

	drainer, err := mixer.New(mixer.Config{
		Primary:      s.channel(0),
		Secondary:    s.channel(1),
		Sink:         sink,
		PollInterval: s.cfg.PollInterval,
		Logger:       s.cfg.Logger,
		Metrics:      s.cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	for _, src := range s.sources {
		if err := src.Start(); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return drainer.Run(gctx) })

	s.drainer = drainer
	s.cancel = cancel
	s.group = g
	s.state = stateRunning
	s.started = time.Now()

	s.log.Info().
		Str("primary", s.sources[0].Format().String()).
		Str("secondary", s.sources[1].Format().String()).
		Msg("Recording started")
	return nil
}

func (s *Session) channel(i int) mixer.Channel {
	src := s.sources[i]
	return mixer.Channel{
		Name:      src.Name(),
		Buffer:    src.Buffer(),
		Converter: src.Converter(),
		Faults:    src.Faults,
	}
}

// Stop tears the session down in order and finalizes the output file. A
// finalize failure means the file is unusable and is returned as an
// *encoder.EncodeError. Calling Stop again returns ErrNotRunning.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateRunning {
		return ErrNotRunning
	}
	s.state = stateStopped

	var errs []error
	for _, src := range s.sources {
		if err := src.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	s.cancel()
	if err := s.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	s.stopped = time.Now()

	if err := s.sink.Finalize(); err != nil {
		errs = append(errs, err)
	}

	for _, src := range s.sources {
		if err := src.Close(); err != nil {
			s.log.Warn().Err(err).Str("source", src.Name()).Msg("Failed to release device")
		}
	}

	st := s.statsLocked()
	s.log.Info().
		Dur("duration", st.Duration).
		Uint64("frames", st.Drain.WrittenFrames).
		Uint64("dropped_primary", st.Sources[0].Dropped).
		Uint64("dropped_secondary", st.Sources[1].Dropped).
		Msg("Recording stopped")

	return errors.Join(errs...)
}

// Stats is a snapshot of a session.
type Stats struct {
	Sources [2]capture.Stats
	Drain   mixer.Stats
	// Duration is the length of audio written so far.
	Duration time.Duration
	// Elapsed is wall-clock time since Start (until Stop once stopped).
	Elapsed time.Duration
}

// Stats returns the current counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Session) statsLocked() Stats {
	var st Stats
	if s.state == stateIdle {
		return st
	}
	for i, src := range s.sources {
		st.Sources[i] = src.Stats()
	}
	st.Drain = s.drainer.Stats()
	st.Duration = time.Duration(st.Drain.WrittenFrames) * time.Second / time.Duration(audio.Canonical.SampleRate)
	end := s.stopped
	if end.IsZero() {
		end = time.Now()
	}
	st.Elapsed = end.Sub(s.started)
	return st
}
