package capture

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/petems/tcb/internal/audio"
	"github.com/petems/tcb/internal/audio/mock"
)

var stereo44 = audio.Format{Sample: audio.SampleS16, Channels: 2, SampleRate: 44100}

func openManual(t *testing.T, frames int) (*Source, *mock.Stream) {
	t.Helper()
	b := mock.New(mock.Device{
		ID:     "mic",
		Format: stereo44,
		Signal: mock.Tone(440, 0.5, 44100),
		Manual: true,
	})
	s, err := Open(b, Config{Name: "primary", DeviceID: "mic", BufferFrames: frames, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, b.Stream("mic")
}

func TestSourceCopiesNativeBytes(t *testing.T) {
	s, stream := openManual(t, 1024)
	if s.Format() != stereo44 {
		t.Fatalf("Format = %v, want %v", s.Format(), stereo44)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream.Emit(100)

	ring := s.Buffer()
	if got := ring.AvailableRead(); got != 100 {
		t.Fatalf("AvailableRead = %d, want 100", got)
	}

	// The queued bytes are exactly what the device delivered.
	want := make([]byte, 100*stereo44.BytesPerFrame())
	samples := make([]float32, 200)
	tone := mock.Tone(440, 0.5, 44100)
	for i := range 100 {
		v := float32(tone(int64(i), 0))
		samples[2*i], samples[2*i+1] = v, v
	}
	audio.Encode(want, samples, audio.SampleS16)

	lease := ring.LeaseRead(100)
	defer lease.Release()
	if !bytes.Equal(lease.Data, want) {
		t.Fatal("ring contents differ from delivered frames")
	}
}

func TestSourceDropsOnOverflow(t *testing.T) {
	s, stream := openManual(t, 256)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	stream.Emit(200)
	stream.Emit(200)

	st := s.Stats()
	if st.Queued != 256 {
		t.Errorf("Queued = %d, want 256", st.Queued)
	}
	if st.Captured+st.Dropped != 400 {
		t.Errorf("captured %d + dropped %d != 400", st.Captured, st.Dropped)
	}
	if st.Dropped != 144 {
		t.Errorf("Dropped = %d, want 144", st.Dropped)
	}
	if st.Callbacks != 2 {
		t.Errorf("Callbacks = %d, want 2", st.Callbacks)
	}
}

func TestSourceShortInputIsFault(t *testing.T) {
	s, _ := openManual(t, 256)

	s.onData(make([]byte, 10), 5)

	st := s.Stats()
	if st.Faults != 1 {
		t.Errorf("Faults = %d, want 1", st.Faults)
	}
	if st.Dropped != 5 || st.Queued != 0 {
		t.Errorf("Dropped = %d Queued = %d, want 5 and 0", st.Dropped, st.Queued)
	}
}

func TestSourceStopQuiesces(t *testing.T) {
	s, stream := openManual(t, 1024)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	stream.Emit(10)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stream.Emit(10)
	if got := s.Buffer().AvailableRead(); got != 10 {
		t.Fatalf("AvailableRead after Stop = %d, want 10", got)
	}
	if stream.Started() {
		t.Fatal("stream still started")
	}
}

func TestSourceCloseReleasesAndKeepsStats(t *testing.T) {
	s, stream := openManual(t, 1024)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	stream.Emit(32)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !stream.Closed() {
		t.Fatal("stream not closed")
	}
	if s.Buffer() != nil {
		t.Fatal("ring still referenced after Close")
	}
	if st := s.Stats(); st.Captured != 32 {
		t.Fatalf("final Captured = %d, want 32", st.Captured)
	}

	var devErr *DeviceError
	if err := s.Start(); !errors.As(err, &devErr) || devErr.Op != "start" {
		t.Fatalf("Start after Close: got %v, want start DeviceError", err)
	}
}

func TestOpenErrors(t *testing.T) {
	openErr := errors.New("device busy")
	tests := []struct {
		name   string
		device mock.Device
		id     string
	}{
		{
			name:   "backend open failure",
			device: mock.Device{ID: "mic", Format: stereo44, OpenErr: openErr},
			id:     "mic",
		},
		{
			name:   "unknown device",
			device: mock.Device{ID: "mic", Format: stereo44},
			id:     "nope",
		},
		{
			name:   "unsupported native format",
			device: mock.Device{ID: "mic", Format: audio.Format{Channels: 1, SampleRate: 16000}},
			id:     "mic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := mock.New(tt.device)
			_, err := Open(b, Config{DeviceID: tt.id, Logger: zerolog.Nop()})
			var devErr *DeviceError
			if !errors.As(err, &devErr) || devErr.Op != "open" {
				t.Fatalf("got %v, want open DeviceError", err)
			}
			if s := b.Stream(tt.id); s != nil && !s.Closed() {
				t.Fatal("partially opened stream was not closed")
			}
		})
	}
}

func TestStartError(t *testing.T) {
	startErr := errors.New("permission denied")
	b := mock.New(mock.Device{ID: "mic", Format: stereo44, StartErr: startErr, Manual: true})
	s, err := Open(b, Config{DeviceID: "mic", Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	err = s.Start()
	if !errors.Is(err, startErr) {
		t.Fatalf("Start: got %v, want %v", err, startErr)
	}
	var devErr *DeviceError
	if !errors.As(err, &devErr) || devErr.Op != "start" {
		t.Fatalf("Start: got %v, want start DeviceError", err)
	}
}
