// Package metrics wires the session engine's observability events to OTEL
// instruments: counters for accepted/rejected PDUs, a session-duration
// histogram, and a live-session gauge.
package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/cppla/wtcpq/pdu"
)

// Recorder implements session.Metrics on top of an OTEL MeterProvider.
type Recorder struct {
	provider *sdkmetric.MeterProvider

	pduAccepted      metric.Int64Counter
	pduRejected      metric.Int64Counter
	sessionDuration  metric.Float64Histogram
	liveSessions     atomic.Int64
	liveSessionGauge metric.Int64ObservableGauge
}

// NewRecorder builds a Recorder exporting to stdout. Callers should call
// Shutdown on process exit to flush any buffered readings.
func NewRecorder() (*Recorder, error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(30*time.Second))),
	)
	meter := provider.Meter("wtcpq/session")

	r := &Recorder{provider: provider}

	r.pduAccepted, err = meter.Int64Counter("wtcpq.pdu.accepted", metric.WithDescription("PDUs accepted by the FSM"))
	if err != nil {
		return nil, err
	}
	r.pduRejected, err = meter.Int64Counter("wtcpq.pdu.rejected", metric.WithDescription("PDUs rejected (codec error, stream mismatch, invalid transition)"))
	if err != nil {
		return nil, err
	}
	r.sessionDuration, err = meter.Float64Histogram("wtcpq.session.duration_seconds", metric.WithDescription("Connection lifetime from open to close"))
	if err != nil {
		return nil, err
	}
	r.liveSessionGauge, err = meter.Int64ObservableGauge("wtcpq.session.live", metric.WithDescription("Currently open sessions"))
	if err != nil {
		return nil, err
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(r.liveSessionGauge, r.liveSessions.Load())
		return nil
	}, r.liveSessionGauge); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Recorder) PDUAccepted(t pdu.Type) {
	r.pduAccepted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("pdu_type", t.String())))
}

func (r *Recorder) PDURejected(t pdu.Type, reason string) {
	r.pduRejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("pdu_type", t.String()),
		attribute.String("reason", reason),
	))
}

func (r *Recorder) SessionOpened() {
	r.liveSessions.Add(1)
}

func (r *Recorder) SessionClosed(d time.Duration) {
	r.liveSessions.Add(-1)
	r.sessionDuration.Record(context.Background(), d.Seconds())
}

// Shutdown flushes and stops the underlying MeterProvider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}
