// Package encoder persists the mixed canonical stream as a WAV file and
// reads finalized recordings back for transcription.
package encoder

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/petems/tcb/internal/audio"
)

const (
	wavFormatPCM       = 1
	wavFormatIEEEFloat = 3

	// headerSize is the size of the RIFF, fmt and data chunk headers
	// written in front of the samples.
	headerSize = 44
)

// ErrFinalized is returned by Write after Finalize.
var ErrFinalized = errors.New("encoder: sink already finalized")

// EncodeError reports a failed open, write or finalize.
type EncodeError struct {
	Op   string
	Path string
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encoder %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Sink appends canonical frames to a WAV file. It has a single writer (the
// drain loop); Finalize runs once, after the writer has stopped.
type Sink struct {
	path string
	f    *os.File
	enc  *wav.Encoder
	buf  *goaudio.IntBuffer

	frames    int64
	finalized bool
	once      sync.Once
	finalErr  error
}

// Create creates path and commits a header describing audio.Canonical.
func Create(path string) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, &EncodeError{Op: "create", Path: path, Err: err}
	}

	format := &goaudio.Format{NumChannels: audio.Canonical.Channels, SampleRate: audio.Canonical.SampleRate}
	s := &Sink{
		path: path,
		f:    f,
		enc:  wav.NewEncoder(f, audio.Canonical.SampleRate, 32, audio.Canonical.Channels, wavFormatIEEEFloat),
		buf:  &goaudio.IntBuffer{Format: format, SourceBitDepth: 32},
	}

	// An empty write emits the RIFF/fmt/data headers right away.
	s.buf.Data = s.buf.Data[:0]
	if err := s.enc.Write(s.buf); err != nil {
		f.Close()
		os.Remove(path)
		return nil, &EncodeError{Op: "create", Path: path, Err: err}
	}
	return s, nil
}

// Path returns the output file path.
func (s *Sink) Path() string { return s.path }

// Frames returns the number of frames written so far.
func (s *Sink) Frames() int64 { return s.frames }

// Write appends mono float samples and returns how many frames were written.
func (s *Sink) Write(samples []float32) (int, error) {
	if s.finalized {
		return 0, &EncodeError{Op: "write", Path: s.path, Err: ErrFinalized}
	}
	if len(samples) == 0 {
		return 0, nil
	}

	// The wav encoder writes 32-bit samples as little-endian int32, so the
	// float bit patterns pass through unchanged.
	if cap(s.buf.Data) < len(samples) {
		s.buf.Data = make([]int, len(samples))
	}
	data := s.buf.Data[:len(samples)]
	for i, v := range samples {
		data[i] = int(int32(math.Float32bits(v)))
	}
	s.buf.Data = data

	if err := s.enc.Write(s.buf); err != nil {
		return 0, &EncodeError{Op: "write", Path: s.path, Err: err}
	}
	s.frames += int64(len(samples))
	return len(samples), nil
}

// Finalize fixes up the RIFF and data chunk sizes and closes the file. Only
// the first call has an effect; later calls return the first result.
func (s *Sink) Finalize() error {
	s.once.Do(func() {
		s.finalized = true
		var errs []error
		if err := s.enc.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.f.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			s.finalErr = &EncodeError{Op: "finalize", Path: s.path, Err: err}
		}
	})
	return s.finalErr
}
