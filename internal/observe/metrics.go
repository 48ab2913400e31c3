// Package observe provides OpenTelemetry metrics and tracing for the
// recording pipeline.
//
// Metrics are recorded through the OpenTelemetry Metrics API. Tests should
// build their own instance with [NewMetrics] and a ManualReader-backed
// provider; [DefaultMetrics] uses the global provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/petems/tcb"

// Metrics holds the pipeline instruments. Safe for concurrent use.
type Metrics struct {
	// FramesCaptured counts native frames queued by a capture source.
	// Attribute: source.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts native frames lost to a full ring buffer.
	// Attribute: source.
	FramesDropped metric.Int64Counter

	// FramesMixed counts canonical frames produced by the mixer.
	FramesMixed metric.Int64Counter

	// FramesWritten counts canonical frames accepted by the encoder.
	FramesWritten metric.Int64Counter

	// DrainIterations counts drain loop iterations that processed data.
	DrainIterations metric.Int64Counter

	// Faults counts recoverable pipeline faults. Attribute: kind
	// (buffer, conversion, encode, callback).
	Faults metric.Int64Counter

	// TranscriptionDuration tracks whole-file transcription latency.
	TranscriptionDuration metric.Float64Histogram
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesCaptured, err = m.Int64Counter("tcb.capture.frames",
		metric.WithDescription("Native frames queued by capture sources."),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("tcb.capture.dropped_frames",
		metric.WithDescription("Native frames dropped because the ring buffer was full."),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, err
	}
	if met.FramesMixed, err = m.Int64Counter("tcb.mixer.frames",
		metric.WithDescription("Canonical frames produced by the mixer."),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, err
	}
	if met.FramesWritten, err = m.Int64Counter("tcb.encoder.frames",
		metric.WithDescription("Canonical frames written to the output file."),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, err
	}
	if met.DrainIterations, err = m.Int64Counter("tcb.mixer.iterations",
		metric.WithDescription("Drain loop iterations that processed audio."),
	); err != nil {
		return nil, err
	}
	if met.Faults, err = m.Int64Counter("tcb.faults",
		metric.WithDescription("Recoverable pipeline faults by kind."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("tcb.transcription.duration",
		metric.WithDescription("Latency of whole-file transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a package-level instance backed by
// [otel.GetMeterProvider]. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Fault kinds.
const (
	FaultBuffer     = "buffer"
	FaultConversion = "conversion"
	FaultEncode     = "encode"
	FaultCallback   = "callback"
)

// RecordFault increments the fault counter for kind.
func (m *Metrics) RecordFault(ctx context.Context, kind string) {
	m.RecordFaults(ctx, kind, 1)
}

// RecordFaults adds n faults of kind. Non-positive n is ignored.
func (m *Metrics) RecordFaults(ctx context.Context, kind string, n int64) {
	if n <= 0 {
		return
	}
	m.Faults.Add(ctx, n, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSourceFrames records captured and dropped frame deltas for a source.
func (m *Metrics) RecordSourceFrames(ctx context.Context, source string, captured, dropped int64) {
	attrs := metric.WithAttributes(attribute.String("source", source))
	if captured > 0 {
		m.FramesCaptured.Add(ctx, captured, attrs)
	}
	if dropped > 0 {
		m.FramesDropped.Add(ctx, dropped, attrs)
	}
}
