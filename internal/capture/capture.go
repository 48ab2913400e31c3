// Package capture binds one input device to one ring buffer and one sample
// converter.
//
// The device callback only copies bytes into the ring; conversion happens on
// the consumer side. A Source must be stopped before it is closed, and Close
// stops it if needed, so the ring and converter never outlive a running
// callback.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/petems/tcb/internal/audio"
	"github.com/petems/tcb/internal/convert"
	"github.com/petems/tcb/internal/ringbuf"
)

// DeviceError reports a device that could not be opened, started or
// stopped. It is fatal to the source.
type DeviceError struct {
	Op     string // "open", "start", "stop" or "close"
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	dev := e.Device
	if dev == "" {
		dev = "default"
	}
	return fmt.Sprintf("device %s %s: %v", e.Op, dev, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

var errClosed = errors.New("source closed")

// Config describes one source.
type Config struct {
	// Name labels the source in logs and metrics, e.g. "primary".
	Name string
	// DeviceID is the backend's opaque identifier. Empty selects the
	// backend's default capture device.
	DeviceID string
	// BufferFrames is the ring capacity in native frames.
	BufferFrames int
	Logger       zerolog.Logger
}

// Source is an opened capture device with its ring buffer and converter.
type Source struct {
	name     string
	deviceID string
	log      zerolog.Logger

	stream audio.Stream
	format audio.Format
	conv   *convert.Converter

	// ring is published after the stream is opened; the callback drops
	// whatever arrives before that.
	ring atomic.Pointer[ringbuf.Ring]

	callbacks atomic.Uint64
	faults    atomic.Uint64
	early     atomic.Uint64

	mu      sync.Mutex
	started bool
	closed  bool
	final   Stats
}

// Open opens the device in its native format and allocates the ring buffer
// and converter. On failure everything partially created is released and a
// *DeviceError is returned.
func Open(b audio.Backend, cfg Config) (*Source, error) {
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = ringbuf.DefaultCapacity
	}
	if cfg.Name == "" {
		cfg.Name = cfg.DeviceID
	}

	s := &Source{
		name:     cfg.Name,
		deviceID: cfg.DeviceID,
		log:      cfg.Logger.With().Str("source", cfg.Name).Logger(),
	}

	stream, err := b.Open(cfg.DeviceID, s.onData)
	if err != nil {
		return nil, &DeviceError{Op: "open", Device: cfg.DeviceID, Err: err}
	}

	format := stream.Format()
	conv, err := convert.New(format)
	if err != nil {
		_ = stream.Close()
		return nil, &DeviceError{Op: "open", Device: cfg.DeviceID, Err: err}
	}
	ring, err := ringbuf.New(cfg.BufferFrames, format.BytesPerFrame())
	if err != nil {
		_ = stream.Close()
		return nil, &DeviceError{Op: "open", Device: cfg.DeviceID, Err: err}
	}

	s.stream = stream
	s.format = format
	s.conv = conv
	s.ring.Store(ring)

	s.log.Debug().
		Str("device", cfg.DeviceID).
		Str("format", format.String()).
		Int("buffer_frames", cfg.BufferFrames).
		Msg("Capture device opened")
	return s, nil
}

// onData runs on the audio subsystem's real-time thread. It never blocks,
// logs or lets a panic escape; faults become drops.
func (s *Source) onData(input []byte, frames int) {
	defer func() {
		if recover() != nil {
			s.faults.Add(1)
		}
	}()

	s.callbacks.Add(1)
	ring := s.ring.Load()
	if ring == nil {
		if frames > 0 {
			s.early.Add(uint64(frames))
		}
		return
	}
	size := frames * ring.FrameSize()
	if frames < 0 || len(input) < size {
		s.faults.Add(1)
		ring.Drop(frames)
		return
	}
	ring.Write(input[:size])
}

// Name returns the source label.
func (s *Source) Name() string { return s.name }

// DeviceID returns the identifier the source was opened with.
func (s *Source) DeviceID() string { return s.deviceID }

// Format returns the native format fixed at Open.
func (s *Source) Format() audio.Format { return s.format }

// Buffer returns the ring buffer. The caller is its single consumer.
func (s *Source) Buffer() *ringbuf.Ring { return s.ring.Load() }

// Converter returns the source's converter. The caller is its single user.
func (s *Source) Converter() *convert.Converter { return s.conv }

// Faults returns the number of callbacks that faulted and the frames that
// arrived before the ring buffer existed. Safe from any goroutine.
func (s *Source) Faults() (faults, early uint64) {
	return s.faults.Load(), s.early.Load()
}

// Start begins hardware capture.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &DeviceError{Op: "start", Device: s.deviceID, Err: errClosed}
	}
	if s.started {
		return nil
	}
	if err := s.stream.Start(); err != nil {
		return &DeviceError{Op: "start", Device: s.deviceID, Err: err}
	}
	s.started = true
	s.log.Info().Str("format", s.format.String()).Msg("Capture started")
	return nil
}

// Stop halts hardware capture. When it returns the callback has quiesced
// and no further frames will be queued.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Source) stopLocked() error {
	if !s.started {
		return nil
	}
	s.started = false
	if err := s.stream.Stop(); err != nil {
		return &DeviceError{Op: "stop", Device: s.deviceID, Err: err}
	}
	s.log.Info().Msg("Capture stopped")
	return nil
}

// Close stops capture if needed and releases the device, ring buffer and
// converter. It is idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	stopErr := s.stopLocked()
	var closeErr error
	if err := s.stream.Close(); err != nil {
		closeErr = &DeviceError{Op: "close", Device: s.deviceID, Err: err}
	}
	s.final = s.statsLocked()
	s.closed = true
	s.ring.Store(nil)
	s.conv = nil
	return errors.Join(stopErr, closeErr)
}

// Stats is a snapshot of a source's counters.
type Stats struct {
	Name      string
	Format    audio.Format
	Captured  uint64 // native frames queued
	Drained   uint64 // native frames committed by the consumer
	Dropped   uint64 // native frames lost to overflow or faults
	Queued    int
	Callbacks uint64
	Faults    uint64
}

// Stats returns the current counters. After Close it returns the final
// snapshot.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.final
	}
	return s.statsLocked()
}

func (s *Source) statsLocked() Stats {
	st := Stats{
		Name:      s.name,
		Format:    s.format,
		Callbacks: s.callbacks.Load(),
		Faults:    s.faults.Load(),
		Dropped:   s.early.Load(),
	}
	if ring := s.ring.Load(); ring != nil {
		rs := ring.Stats()
		st.Captured = rs.Written
		st.Drained = rs.Read
		st.Dropped += rs.Dropped
		st.Queued = rs.Queued
	}
	return st
}
