// Package mock provides a simulated capture backend for tests. Devices
// synthesize audio from a Signal either in real time (a goroutine paced by
// the wall clock, like a hardware callback) or on demand through Emit.
package mock

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/petems/tcb/internal/audio"
)

// Signal returns the sample for a channel at an absolute frame index, in
// [-1, 1].
type Signal func(frame int64, channel int) float64

// Tone returns a sine signal of the given frequency and amplitude, identical
// on every channel.
func Tone(freq float64, amplitude float64, sampleRate int) Signal {
	return func(frame int64, _ int) float64 {
		return amplitude * math.Sin(2*math.Pi*freq*float64(frame)/float64(sampleRate))
	}
}

// Device configures one simulated device.
type Device struct {
	ID      string
	Name    string
	Format  audio.Format
	Signal  Signal
	Default bool

	// Manual disables the real-time goroutine; frames are delivered only
	// through Stream.Emit.
	Manual bool
	// Period is the callback interval in real-time mode. Default 10ms.
	Period time.Duration

	OpenErr  error
	StartErr error
}

var _ audio.Backend = (*Backend)(nil)

// Backend is a simulated audio.Backend.
type Backend struct {
	mu      sync.Mutex
	devices []Device
	streams map[string]*Stream
	closed  bool
}

// New creates a backend exposing the given devices in order.
func New(devices ...Device) *Backend {
	return &Backend{devices: devices, streams: make(map[string]*Stream)}
}

func (b *Backend) Name() string { return "mock" }

func (b *Backend) Devices() ([]audio.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]audio.DeviceInfo, len(b.devices))
	for i, d := range b.devices {
		name := d.Name
		if name == "" {
			name = d.ID
		}
		out[i] = audio.DeviceInfo{Index: i, ID: d.ID, Name: name, Default: d.Default}
	}
	return out, nil
}

func (b *Backend) Open(id string, fn audio.DataFunc) (audio.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("mock: backend closed")
	}
	for _, d := range b.devices {
		if d.ID != id && !(id == "" && d.Default) {
			continue
		}
		if d.OpenErr != nil {
			return nil, d.OpenErr
		}
		if d.Period <= 0 {
			d.Period = 10 * time.Millisecond
		}
		s := &Stream{dev: d, fn: fn, buf: make([]float32, 0), raw: make([]byte, 0)}
		b.streams[d.ID] = s
		return s, nil
	}
	return nil, fmt.Errorf("device not found: %s", id)
}

// Stream returns the last stream opened for the device id.
func (b *Backend) Stream(id string) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[id]
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Stream is a simulated capture stream.
type Stream struct {
	dev Device
	fn  audio.DataFunc

	mu      sync.Mutex // serializes deliveries, like a single callback thread
	frame   int64
	buf     []float32
	raw     []byte
	started bool
	closed  bool

	stop chan struct{}
	done chan struct{}
}

func (s *Stream) Format() audio.Format { return s.dev.Format }

func (s *Stream) Start() error {
	if s.dev.StartErr != nil {
		return s.dev.StartErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: stream closed")
	}
	if s.started {
		return nil
	}
	s.started = true
	if s.dev.Manual {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	return nil
}

// run delivers however many frames the wall clock says are due every period.
func (s *Stream) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.dev.Period)
	defer ticker.Stop()
	begin := time.Now()
	var produced int64
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			due := int64(now.Sub(begin).Seconds()*float64(s.dev.Format.SampleRate)) - produced
			if due <= 0 {
				continue
			}
			s.mu.Lock()
			s.deliverLocked(int(due))
			s.mu.Unlock()
			produced += due
		}
	}
}

// Emit synchronously delivers n frames to the data callback, as a hardware
// callback would. It is a no-op unless the stream is started.
func (s *Stream) Emit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || n <= 0 {
		return
	}
	s.deliverLocked(n)
}

// Deliver passes raw to the data callback unchanged, the way a misbehaving
// driver might. It is a no-op unless the stream is started.
func (s *Stream) Deliver(raw []byte, frames int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.fn(raw, frames)
}

func (s *Stream) deliverLocked(n int) {
	f := s.dev.Format
	samples := n * f.Channels
	if cap(s.buf) < samples {
		s.buf = make([]float32, samples)
	}
	buf := s.buf[:samples]
	for i := 0; i < n; i++ {
		for ch := 0; ch < f.Channels; ch++ {
			var v float64
			if s.dev.Signal != nil {
				v = s.dev.Signal(s.frame+int64(i), ch)
			}
			buf[i*f.Channels+ch] = float32(v)
		}
	}
	size := n * f.BytesPerFrame()
	if cap(s.raw) < size {
		s.raw = make([]byte, size)
	}
	raw := s.raw[:size]
	audio.Encode(raw, buf, f.Sample)
	s.frame += int64(n)
	s.fn(raw, n)
}

// Frames returns the total number of frames delivered so far.
func (s *Stream) Frames() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Stop halts delivery and waits for an in-flight callback to return.
func (s *Stream) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

// Started reports whether the stream is delivering.
func (s *Stream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
