// Package patterns runs recurring-anti-pattern detection over bounded
// session windows and maintains the upserted Pattern records.
package patterns

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/devintel-sh/devintel/pkg/adapters/analysis"
	"github.com/devintel-sh/devintel/pkg/devent"
	"github.com/devintel-sh/devintel/pkg/errmodel"
	"github.com/devintel-sh/devintel/pkg/store"
)

const (
	defaultWindowEvents = 50
	defaultWindowAge    = 15 * time.Minute
	defaultTimeout      = 30 * time.Second
)

// Detector identifies patterns in one session's recent events. Read-heavy
// and safe to run concurrently with ingestion.
type Detector struct {
	events    store.EventStore
	relations store.RelationStore
	analyzer  analysis.Analyzer
	log       *slog.Logger
	tracer    trace.Tracer

	windowEvents int
	windowAge    time.Duration
	timeout      time.Duration
	now          func() time.Time
}

// Option configures the detector.
type Option func(*Detector)

// WithWindow sets the event-count and age bounds of the detection window.
func WithWindow(events int, age time.Duration) Option {
	return func(d *Detector) {
		if events > 0 {
			d.windowEvents = events
		}
		if age > 0 {
			d.windowAge = age
		}
	}
}

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New creates a detector.
func New(events store.EventStore, relations store.RelationStore, analyzer analysis.Analyzer, log *slog.Logger, opts ...Option) *Detector {
	if log == nil {
		log = slog.Default()
	}
	d := &Detector{
		events:       events,
		relations:    relations,
		analyzer:     analyzer,
		log:          log,
		tracer:       otel.Tracer("devintel/patterns"),
		windowEvents: defaultWindowEvents,
		windowAge:    defaultWindowAge,
		timeout:      defaultTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Identify inspects the session's window (last N events or last T minutes,
// whichever is smaller) and upserts any identified patterns. Returns the
// upserted records, newest occurrence first for repeat names.
func (d *Detector) Identify(ctx context.Context, sessionID string) ([]devent.Pattern, error) {
	ctx, span := d.tracer.Start(ctx, "patterns.identify",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	window, err := d.window(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(window) == 0 {
		return nil, nil
	}

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	identified, err := d.analyzer.IdentifyPatterns(cctx, window)
	if err != nil {
		span.RecordError(err)
		return nil, errmodel.External("pattern_identification_failed", "pattern service failed", map[string]any{"sessionId": sessionID}, err)
	}

	out := make([]devent.Pattern, 0, len(identified))
	for _, ip := range identified {
		if ip.Name == "" {
			continue
		}
		p, err := d.relations.UpsertPattern(ctx, sessionID, ip.Name, ip.Description, ip.EventIDs)
		if err != nil {
			d.log.Warn("pattern upsert failed", "name", ip.Name, "err", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// SessionPatterns lists the known patterns for a session without running
// detection.
func (d *Detector) SessionPatterns(ctx context.Context, sessionID string) ([]devent.Pattern, error) {
	return d.relations.SessionPatterns(ctx, sessionID)
}

// window returns the bounded event window, oldest first.
func (d *Detector) window(ctx context.Context, sessionID string) ([]devent.Event, error) {
	recent, err := d.events.RecentEvents(ctx, sessionID, d.windowEvents)
	if err != nil {
		return nil, err
	}
	cutoff := d.now().Add(-d.windowAge)
	out := make([]devent.Event, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].ReceivedAt.Before(cutoff) {
			continue
		}
		out = append(out, recent[i])
	}
	return out, nil
}
