// Package ingest validates, normalizes and persists raw client events:
// JSON Schema validation, server-side id/timestamp assignment, error
// embedding, and the three-way storage fan-out.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/devintel-sh/devintel/pkg/adapters/embedding"
	"github.com/devintel-sh/devintel/pkg/adapters/vectorstore"
	"github.com/devintel-sh/devintel/pkg/devent"
)

const (
	defaultEmbedTimeout = 10 * time.Second
	// ErrorNamespace is the shared vector namespace for embedded errors, so
	// similar cases surface across sessions.
	ErrorNamespace = "errors"
)

// receivedAtLayout is the fixed-width timestamp used in vector metadata.
const receivedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Pipeline is the ingestion entry point. One instance serves all
// connections.
type Pipeline struct {
	fanout   *Fanout
	embedder embedding.Embedder
	vectors  vectorstore.VectorStore
	schema   *jsonschema.Schema
	log      *slog.Logger
	tracer   trace.Tracer

	embedTimeout time.Duration
	now          func() time.Time

	// receivedAt is monotonically non-decreasing per connection even if the
	// wall clock steps backward.
	mu         sync.Mutex
	lastByConn map[string]time.Time
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithEmbedTimeout bounds the embedding call per error event.
func WithEmbedTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.embedTimeout = d
		}
	}
}

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline. embedder and vectors may be nil, in which case
// error events are stored without embeddings and never enter the
// similarity index.
func New(fanout *Fanout, embedder embedding.Embedder, vectors vectorstore.VectorStore, log *slog.Logger, opts ...Option) (*Pipeline, error) {
	if log == nil {
		log = slog.Default()
	}
	schema, err := compileRawEventSchema()
	if err != nil {
		return nil, fmt.Errorf("compile raw event schema: %w", err)
	}
	p := &Pipeline{
		fanout:       fanout,
		embedder:     embedder,
		vectors:      vectors,
		schema:       schema,
		log:          log,
		tracer:       otel.Tracer("devintel/ingest"),
		embedTimeout: defaultEmbedTimeout,
		now:          time.Now,
		lastByConn:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Ingest validates and persists one raw event from a connection. Returns
// the normalized event, or a validation/durability error. Client-supplied
// ids and timestamps are advisory only.
func (p *Pipeline) Ingest(ctx context.Context, connID string, raw devent.RawEvent) (devent.Event, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.event",
		trace.WithAttributes(
			attribute.String("session.id", raw.SessionID),
			attribute.String("event.kind", raw.Kind),
		))
	defer span.End()

	if err := p.validateRaw(raw); err != nil {
		span.RecordError(err)
		return devent.Event{}, err
	}

	e := devent.Event{
		ID:           devent.NewEventID(),
		Kind:         devent.Kind(raw.Kind),
		Subkind:      raw.Subkind,
		SessionID:    raw.SessionID,
		ConnectionID: connID,
		OccurredAt:   raw.OccurredAt,
		ReceivedAt:   p.stampReceived(connID),
		Content:      raw.Content,
		StackTrace:   raw.StackTrace,
		Context:      raw.Context,
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = e.ReceivedAt
	}

	if e.Kind == devent.KindError {
		e.Embedding = p.embedError(ctx, e)
	}

	if err := p.fanout.Write(ctx, e); err != nil {
		span.RecordError(err)
		return devent.Event{}, err
	}

	if len(e.Embedding) > 0 {
		p.indexError(ctx, e)
	}
	return e, nil
}

// Result is the per-item outcome of a bulk ingest.
type Result struct {
	Event devent.Event
	Err   error
}

// IngestBulk processes the batch in order with per-item failures: one
// malformed event never aborts the remainder.
func (p *Pipeline) IngestBulk(ctx context.Context, connID string, raws []devent.RawEvent) []Result {
	out := make([]Result, 0, len(raws))
	for _, raw := range raws {
		e, err := p.Ingest(ctx, connID, raw)
		out = append(out, Result{Event: e, Err: err})
	}
	return out
}

// stampReceived assigns a receivedAt that never decreases within one
// connection.
func (p *Pipeline) stampReceived(connID string) time.Time {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastByConn[connID]; ok && !now.After(last) {
		now = last.Add(time.Nanosecond)
	}
	p.lastByConn[connID] = now
	return now
}

// ForgetConnection drops per-connection ingest state once the connection
// is gone.
func (p *Pipeline) ForgetConnection(connID string) {
	p.mu.Lock()
	delete(p.lastByConn, connID)
	p.mu.Unlock()
}

// embedError embeds the error message. A failing or missing embedder
// degrades to no embedding; the event is stored anyway and excluded from
// similarity search.
func (p *Pipeline) embedError(ctx context.Context, e devent.Event) []float32 {
	if p.embedder == nil {
		return nil
	}
	msg := e.Message()
	if msg == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.embedTimeout)
	defer cancel()
	vecs, err := p.embedder.Embed(ctx, []string{msg}, nil)
	if err != nil || len(vecs) == 0 {
		p.log.Warn("embedding failed, storing event without one",
			"eventId", e.ID, "err", err)
		return nil
	}
	return vecs[0]
}

// indexError upserts the embedded error into the similarity index.
// Best-effort: the durable record already exists.
func (p *Pipeline) indexError(ctx context.Context, e devent.Event) {
	if p.vectors == nil {
		return
	}
	err := p.vectors.Upsert(ctx, []vectorstore.Item{{
		ID:        e.ID,
		Namespace: ErrorNamespace,
		Vector:    vectorstore.Vector(e.Embedding),
		Metadata: map[string]any{
			"sessionId":  e.SessionID,
			"message":    e.Message(),
			"receivedAt": e.ReceivedAt.UTC().Format(receivedAtLayout),
		},
	}})
	if err != nil {
		p.log.Warn("similarity index write failed", "eventId", e.ID, "err", err)
	}
}
