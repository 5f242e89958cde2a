package race

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/engine"
	"github.com/loqalabs/loqa-dictation/internal/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	sessions    metric.Int64Counter
	wins        metric.Int64Counter
	refinements metric.Int64Counter
	latency     metric.Float64Histogram
	active      metric.Int64ObservableGauge
}

func newMetrics(meter metric.Meter, c *Coordinator) (*metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	sessions, err := meter.Int64Counter("loqa.dictation.sessions",
		metric.WithDescription("Dictation sessions by outcome"))
	if err != nil {
		return nil, err
	}
	wins, err := meter.Int64Counter("loqa.dictation.wins",
		metric.WithDescription("Committed sessions by winning engine"))
	if err != nil {
		return nil, err
	}
	refinements, err := meter.Int64Counter("loqa.dictation.refinements",
		metric.WithDescription("Refinements published after a streaming commit"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("loqa.dictation.commit_latency",
		metric.WithDescription("Time from end of recording to commit"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64ObservableGauge("loqa.dictation.active",
		metric.WithDescription("1 while a session is live"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var v int64
		if !c.Status().IsIdle() {
			v = 1
		}
		obs.ObserveInt64(active, v)
		return nil
	}, active)
	if err != nil {
		return nil, err
	}
	return &metrics{
		sessions:    sessions,
		wins:        wins,
		refinements: refinements,
		latency:     latency,
		active:      active,
	}, nil
}

func (m *metrics) outcome(ctx context.Context, st session.State) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("status", string(st.Status))}
	if st.Reason != "" {
		attrs = append(attrs, attribute.String("reason", reasonClass(st.Reason)))
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) committed(ctx context.Context, winner engine.Identity, elapsed time.Duration) {
	if m == nil {
		return
	}
	attr := metric.WithAttributes(attribute.String("engine", string(winner)))
	m.wins.Add(ctx, 1, attr)
	m.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attr)
}

func (m *metrics) refined(ctx context.Context) {
	if m == nil {
		return
	}
	m.refinements.Add(ctx, 1)
}

// reasonClass keeps device-specific capture errors out of metric labels.
func reasonClass(reason string) string {
	switch {
	case reason == session.ReasonNoAudio:
		return "no_audio"
	case reason == session.ReasonNoSpeech:
		return "no_speech"
	case strings.HasPrefix(reason, session.CaptureFailed("")):
		return "capture_failed"
	default:
		return "other"
	}
}
