// Package correlate turns durably stored error events into solution
// suggestions: similarity search over prior errors, session context
// gathering, one coalesced external analysis per recurring error, and
// solution persistence.
package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/devintel-sh/devintel/pkg/adapters/analysis"
	"github.com/devintel-sh/devintel/pkg/adapters/embedding"
	"github.com/devintel-sh/devintel/pkg/adapters/vectorstore"
	"github.com/devintel-sh/devintel/pkg/devent"
	"github.com/devintel-sh/devintel/pkg/errmodel"
	"github.com/devintel-sh/devintel/pkg/ingest"
	"github.com/devintel-sh/devintel/pkg/store"
)

const (
	defaultSimilarK       = 5
	defaultContextWindow  = 20
	defaultAnalyzeTimeout = 30 * time.Second
	defaultEmbedTimeout   = 10 * time.Second
)

// Notifier receives analysis outcomes for delivery to the session. Calls
// happen once per analysis, not once per coalesced waiter.
type Notifier interface {
	SolutionReady(sessionID string, sol devent.Solution)
	AnalysisFailed(sessionID, eventID string, cause error)
}

// Engine runs error analyses. Safe for concurrent use; concurrent
// identical errors within a session share one external call.
type Engine struct {
	events    store.EventStore
	relations store.RelationStore
	vectors   vectorstore.VectorStore
	embedder  embedding.Embedder
	analyzer  analysis.Analyzer
	notifier  Notifier
	log       *slog.Logger
	tracer    trace.Tracer

	similarK       int
	contextWindow  int
	analyzeTimeout time.Duration
	embedTimeout   time.Duration

	group singleflight.Group
}

// Option configures the engine.
type Option func(*Engine)

// WithSimilarK sets how many similar cases feed the analyzer.
func WithSimilarK(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.similarK = k
		}
	}
}

// WithContextWindow sets how many recent session events feed the analyzer.
func WithContextWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.contextWindow = n
		}
	}
}

// WithAnalyzeTimeout bounds one external analysis call.
func WithAnalyzeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.analyzeTimeout = d
		}
	}
}

// New creates an engine. notifier may be nil.
func New(events store.EventStore, relations store.RelationStore, vectors vectorstore.VectorStore,
	embedder embedding.Embedder, analyzer analysis.Analyzer, notifier Notifier, log *slog.Logger, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		events:         events,
		relations:      relations,
		vectors:        vectors,
		embedder:       embedder,
		analyzer:       analyzer,
		notifier:       notifier,
		log:            log,
		tracer:         otel.Tracer("devintel/correlate"),
		similarK:       defaultSimilarK,
		contextWindow:  defaultContextWindow,
		analyzeTimeout: defaultAnalyzeTimeout,
		embedTimeout:   defaultEmbedTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Analyze produces a solution for a durably stored error event. A second
// identical error (same session, same fingerprint) arriving while an
// analysis is in flight waits for and receives the same Solution.
//
// The analysis itself runs on a context detached from the caller: a
// disconnecting client does not cancel work it triggered.
func (eng *Engine) Analyze(ctx context.Context, e devent.Event) (devent.Solution, error) {
	if e.Kind != devent.KindError {
		return devent.Solution{}, errmodel.Validation("not_an_error", "analysis applies to error events only", map[string]any{"kind": string(e.Kind)})
	}
	key := e.SessionID + "|" + devent.Fingerprint(e)
	detached := context.WithoutCancel(ctx)
	v, err, _ := eng.group.Do(key, func() (any, error) {
		dctx, cancel := context.WithTimeout(detached, eng.analyzeTimeout)
		defer cancel()
		return eng.analyzeOnce(dctx, e)
	})
	if err != nil {
		return devent.Solution{}, err
	}
	return v.(devent.Solution), nil
}

func (eng *Engine) analyzeOnce(ctx context.Context, e devent.Event) (devent.Solution, error) {
	ctx, span := eng.tracer.Start(ctx, "correlate.analyze",
		trace.WithAttributes(
			attribute.String("event.id", e.ID),
			attribute.String("session.id", e.SessionID),
		))
	defer span.End()

	similar := eng.similarCases(ctx, e)

	ec := devent.ErrorContext{
		Message:       e.Message(),
		StackTrace:    e.StackTrace,
		Framework:     e.Context.Framework.Name,
		RecentActions: eng.recentActions(ctx, e),
		SimilarCases:  similar,
	}

	suggestion, err := eng.analyzer.Analyze(ctx, ec)
	if err != nil {
		span.RecordError(err)
		eng.log.Warn("analysis failed", "eventId", e.ID, "err", err)
		if eng.notifier != nil {
			eng.notifier.AnalysisFailed(e.SessionID, e.ID, err)
		}
		return devent.Solution{}, errmodel.External("analysis_failed", "analysis service failed", map[string]any{"eventId": e.ID}, err)
	}

	sol := devent.Solution{
		ID:           devent.NewSolutionID(),
		ErrorEventID: e.ID,
		SessionID:    e.SessionID,
		RootCause:    suggestion.RootCause,
		SolutionCode: suggestion.SolutionCode,
		Explanation:  suggestion.Explanation,
		Confidence:   suggestion.Confidence,
		PatternName:  suggestion.PatternName,
		Outcome:      devent.OutcomePending,
		CreatedAt:    time.Now(),
	}
	for _, sc := range similar {
		sol.SimilarCaseIDs = append(sol.SimilarCaseIDs, sc.EventID)
	}

	if err := eng.events.SaveSolution(ctx, sol); err != nil {
		span.RecordError(err)
		return devent.Solution{}, fmt.Errorf("persist solution: %w", err)
	}
	if err := eng.relations.LinkAnalyzedAs(ctx, e.ID, sol.ID); err != nil {
		eng.log.Warn("relation write failed", "solutionId", sol.ID, "err", err)
	}
	if sol.PatternName != "" {
		if err := eng.relations.LinkMatches(ctx, sol.ID, sol.PatternName); err != nil {
			eng.log.Warn("relation write failed", "solutionId", sol.ID, "err", err)
		}
	}

	if eng.notifier != nil {
		eng.notifier.SolutionReady(e.SessionID, sol)
	}
	return sol, nil
}

// similarCases retrieves the K nearest prior errors with a non-null
// embedding, enriched with their latest solutions. Any failure here
// degrades to analyzing without similar cases.
func (eng *Engine) similarCases(ctx context.Context, e devent.Event) []devent.SimilarCase {
	if eng.vectors == nil {
		return nil
	}
	probe := e.Embedding
	if len(probe) == 0 {
		probe = eng.embedProbe(ctx, e)
	}
	if len(probe) == 0 {
		return nil
	}
	// Ask for one extra: the probe event itself is usually indexed already.
	matches, err := eng.vectors.Query(ctx, vectorstore.Vector(probe), eng.similarK+1,
		vectorstore.Filter{Namespace: ingest.ErrorNamespace})
	if err != nil {
		eng.log.Warn("similarity search failed", "eventId", e.ID, "err", err)
		return nil
	}
	out := make([]devent.SimilarCase, 0, eng.similarK)
	for _, m := range matches {
		if m.Item.ID == e.ID {
			continue
		}
		sc := devent.SimilarCase{EventID: m.Item.ID, Score: m.Score}
		if msg, ok := m.Item.Metadata["message"].(string); ok {
			sc.Message = msg
		}
		if sol, err := eng.events.LatestSolutionForEvent(ctx, m.Item.ID); err == nil {
			sc.RootCause = sol.RootCause
			sc.SolutionCode = sol.SolutionCode
		}
		out = append(out, sc)
		if len(out) >= eng.similarK {
			break
		}
	}
	return out
}

// embedProbe computes an embedding for an error that was stored without
// one (embedder outage at ingest time).
func (eng *Engine) embedProbe(ctx context.Context, e devent.Event) []float32 {
	if eng.embedder == nil || e.Message() == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, eng.embedTimeout)
	defer cancel()
	vecs, err := eng.embedder.Embed(ctx, []string{e.Message()}, nil)
	if err != nil || len(vecs) == 0 {
		return nil
	}
	return vecs[0]
}

// recentActions renders the last N session events, oldest first, as
// compact lines for the analyzer prompt.
func (eng *Engine) recentActions(ctx context.Context, e devent.Event) []string {
	recent, err := eng.events.RecentEvents(ctx, e.SessionID, eng.contextWindow)
	if err != nil {
		eng.log.Warn("session context lookup failed", "sessionId", e.SessionID, "err", err)
		return nil
	}
	out := make([]string, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		ev := recent[i]
		if ev.ID == e.ID {
			continue
		}
		line := string(ev.Kind)
		if ev.Subkind != "" {
			line += "/" + ev.Subkind
		}
		if msg := ev.Message(); msg != "" {
			line += ": " + msg
		}
		out = append(out, line)
	}
	return out
}
