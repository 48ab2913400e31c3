// Package whisper transcribes finalized recordings with whisper.cpp.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rs/zerolog"
)

// SampleRate is the rate whisper expects its mono float input at.
const SampleRate = 16000

// Segment is one timestamped piece of transcript.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Options configures one transcription.
type Options struct {
	// Language is an ISO code or "auto".
	Language string
	Threads  int
	BeamSize int
	// UseGPU requests accelerated inference. The Go bindings load models
	// with the library's default context parameters, so it only takes
	// effect when whisper.cpp was built with GPU support.
	UseGPU bool
}

// Transcriber turns canonical mono float samples into text segments.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, opts Options) ([]Segment, error)
	Close() error
}

type whisperTranscriber struct {
	log       zerolog.Logger
	modelPath string

	mu    sync.Mutex
	model whisper.Model
}

// New loads the model at modelPath.
func New(modelPath string, log zerolog.Logger) (Transcriber, error) {
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	return &whisperTranscriber{
		log:       log,
		modelPath: modelPath,
		model:     model,
	}, nil
}

// Transcribe runs batch inference over samples. Cancelling ctx aborts
// before the next encoder pass.
func (w *whisperTranscriber) Transcribe(ctx context.Context, samples []float32, opts Options) ([]Segment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.model == nil {
		return nil, errors.New("transcriber closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wctx, err := w.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	if opts.Threads > 0 {
		wctx.SetThreads(uint(opts.Threads))
	}
	if opts.BeamSize > 0 {
		wctx.SetBeamSize(opts.BeamSize)
	}
	if opts.Language != "" {
		if err := wctx.SetLanguage(opts.Language); err != nil {
			w.log.Warn().Err(err).Str("language", opts.Language).Msg("Failed to set language, using model default")
		}
	}
	wctx.SetTranslate(false)
	if opts.UseGPU {
		w.log.Debug().Str("model", w.modelPath).Msg("GPU inference requested")
	}

	w.log.Info().
		Dur("audio", time.Duration(len(samples))*time.Second/SampleRate).
		Str("language", opts.Language).
		Int("threads", opts.Threads).
		Int("beam_size", opts.BeamSize).
		Msg("Transcribing")

	keepGoing := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, keepGoing, nil, nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("whisper process failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var segments []Segment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return segments, fmt.Errorf("failed to read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{Start: seg.Start, End: seg.End, Text: text})
	}
	return segments, nil
}

func (w *whisperTranscriber) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.model != nil {
		err := w.model.Close()
		w.model = nil
		return err
	}
	return nil
}
