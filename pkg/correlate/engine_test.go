package correlate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	fakeanalysis "github.com/devintel-sh/devintel/pkg/adapters/analysis/fake"
	fakeembed "github.com/devintel-sh/devintel/pkg/adapters/embedding/fake"
	"github.com/devintel-sh/devintel/pkg/adapters/vectorstore"
	vsmemory "github.com/devintel-sh/devintel/pkg/adapters/vectorstore/memory"
	"github.com/devintel-sh/devintel/pkg/devent"
	"github.com/devintel-sh/devintel/pkg/errmodel"
	"github.com/devintel-sh/devintel/pkg/ingest"
	"github.com/devintel-sh/devintel/pkg/store/relstore"
)

// memEvents is a minimal EventStore for engine tests.
type memEvents struct {
	mu        sync.Mutex
	events    map[string]devent.Event
	solutions []devent.Solution
	byID      []string // session-ordered event ids
}

func newMemEvents() *memEvents {
	return &memEvents{events: make(map[string]devent.Event)}
}

func (m *memEvents) SaveEvent(ctx context.Context, e devent.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = e
	m.byID = append(m.byID, e.ID)
	return nil
}

func (m *memEvents) GetEvent(ctx context.Context, id string) (devent.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[id]; ok {
		return e, nil
	}
	return devent.Event{}, errmodel.NotFound("event_not_found", "event not found", nil)
}

func (m *memEvents) RecentEvents(ctx context.Context, sessionID string, limit int) ([]devent.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]devent.Event, 0)
	for i := len(m.byID) - 1; i >= 0; i-- {
		e := m.events[m.byID[i]]
		if e.SessionID == sessionID {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memEvents) SessionTimeline(ctx context.Context, sessionID string) ([]devent.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]devent.Event, 0)
	for _, id := range m.byID {
		if e := m.events[id]; e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEvents) SaveSolution(ctx context.Context, s devent.Solution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.solutions = append(m.solutions, s)
	return nil
}

func (m *memEvents) GetSolution(ctx context.Context, id string) (devent.Solution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.solutions {
		if s.ID == id {
			return s, nil
		}
	}
	return devent.Solution{}, errmodel.NotFound("solution_not_found", "no solution", nil)
}

func (m *memEvents) ListSessionSolutions(ctx context.Context, sessionID string) ([]devent.Solution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]devent.Solution, 0)
	for _, s := range m.solutions {
		if s.SessionID == sessionID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memEvents) LatestSolutionForEvent(ctx context.Context, eventID string) (devent.Solution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.solutions) - 1; i >= 0; i-- {
		if m.solutions[i].ErrorEventID == eventID {
			return m.solutions[i], nil
		}
	}
	return devent.Solution{}, errmodel.NotFound("solution_not_found", "no solution", nil)
}

func (m *memEvents) SetSolutionOutcome(ctx context.Context, id string, o devent.Outcome) error {
	return nil
}
func (m *memEvents) Close() error { return nil }

func (m *memEvents) savedSolutions() []devent.Solution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]devent.Solution(nil), m.solutions...)
}

type captureNotifier struct {
	mu        sync.Mutex
	solutions []devent.Solution
	failures  []string
}

func (n *captureNotifier) SolutionReady(sessionID string, sol devent.Solution) {
	n.mu.Lock()
	n.solutions = append(n.solutions, sol)
	n.mu.Unlock()
}

func (n *captureNotifier) AnalysisFailed(sessionID, eventID string, cause error) {
	n.mu.Lock()
	n.failures = append(n.failures, eventID)
	n.mu.Unlock()
}

func errorEvent(session, msg string) devent.Event {
	return devent.Event{
		ID:         devent.NewEventID(),
		Kind:       devent.KindError,
		SessionID:  session,
		OccurredAt: time.Now(),
		ReceivedAt: time.Now(),
		Content:    map[string]any{"message": msg},
		StackTrace: "at boom (app.js:1:1)",
	}
}

func TestAnalyzePersistsLinksAndNotifies(t *testing.T) {
	events := newMemEvents()
	relations := relstore.New()
	analyzer := fakeanalysis.New()
	analyzer.Suggestion = devent.SolutionSuggestion{
		RootCause:   "null dereference",
		Confidence:  0.82,
		PatternName: "Null Pointer Cascade",
	}
	notifier := &captureNotifier{}
	eng := New(events, relations, vsmemory.New(), fakeembed.New(8), analyzer, notifier, nil)

	e := errorEvent("sess_1", "TypeError: x is undefined")
	_ = events.SaveEvent(context.Background(), e)

	sol, err := eng.Analyze(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	if sol.ErrorEventID != e.ID || sol.Outcome != devent.OutcomePending {
		t.Fatalf("solution: %+v", sol)
	}
	if sol.RootCause != "null dereference" || sol.Confidence != 0.82 {
		t.Fatalf("suggestion not carried: %+v", sol)
	}

	saved := events.savedSolutions()
	if len(saved) != 1 || saved[0].ID != sol.ID {
		t.Fatalf("persisted solutions: %+v", saved)
	}
	if got := relations.SolutionsFor(e.ID); len(got) != 1 || got[0] != sol.ID {
		t.Fatalf("ANALYZED_AS edge missing: %v", got)
	}
	if len(notifier.solutions) != 1 || notifier.solutions[0].ID != sol.ID {
		t.Fatalf("notifier: %+v", notifier.solutions)
	}
}

func TestConcurrentIdenticalErrorsCoalesce(t *testing.T) {
	events := newMemEvents()
	analyzer := fakeanalysis.New()
	analyzer.Block = make(chan struct{})
	eng := New(events, relstore.New(), nil, nil, analyzer, nil, nil)

	// Same message and location in the same session: same fingerprint,
	// distinct event ids.
	e1 := errorEvent("sess_1", "TypeError: x is undefined")
	e2 := errorEvent("sess_1", "TypeError: x is undefined")
	e2.StackTrace = e1.StackTrace

	var wg sync.WaitGroup
	results := make([]devent.Solution, 2)
	for i, e := range []devent.Event{e1, e2} {
		wg.Add(1)
		go func(i int, e devent.Event) {
			defer wg.Done()
			sol, err := eng.Analyze(context.Background(), e)
			if err != nil {
				t.Errorf("analyze %d: %v", i, err)
				return
			}
			results[i] = sol
		}(i, e)
	}

	// Let both goroutines reach the in-flight analysis before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(analyzer.Block)
	wg.Wait()

	if analyzer.AnalyzeCalls() != 1 {
		t.Fatalf("analyzer invoked %d times, want 1", analyzer.AnalyzeCalls())
	}
	if results[0].ID == "" || results[0].ID != results[1].ID {
		t.Fatalf("coalesced callers got different solutions: %q vs %q", results[0].ID, results[1].ID)
	}
	if len(events.savedSolutions()) != 1 {
		t.Fatalf("persisted %d solutions", len(events.savedSolutions()))
	}
}

func TestAnalysisFailureIsDegradedNotRetried(t *testing.T) {
	events := newMemEvents()
	analyzer := fakeanalysis.New()
	analyzer.Err = errors.New("service unavailable")
	notifier := &captureNotifier{}
	eng := New(events, relstore.New(), nil, nil, analyzer, notifier, nil)

	e := errorEvent("sess_1", "boom")
	_, err := eng.Analyze(context.Background(), e)
	if !errmodel.IsExternal(err) {
		t.Fatalf("expected external error, got %v", err)
	}
	if analyzer.AnalyzeCalls() != 1 {
		t.Fatalf("analyzer retried: %d calls", analyzer.AnalyzeCalls())
	}
	if len(events.savedSolutions()) != 0 {
		t.Fatal("failed analysis persisted a solution")
	}
	if len(notifier.failures) != 1 || notifier.failures[0] != e.ID {
		t.Fatalf("failure not notified: %v", notifier.failures)
	}
}

func TestSimilarCasesExcludeProbeAndCarrySolutions(t *testing.T) {
	ctx := context.Background()
	events := newMemEvents()
	vs := vsmemory.New()
	emb := fakeembed.New(8)
	analyzer := fakeanalysis.New()
	eng := New(events, relstore.New(), vs, emb, analyzer, nil, nil, WithSimilarK(3))

	// A prior identical error with a recorded solution.
	prior := errorEvent("sess_0", "TypeError: x is undefined")
	vecs, _ := emb.Embed(ctx, []string{prior.Message()}, nil)
	prior.Embedding = vecs[0]
	_ = events.SaveEvent(ctx, prior)
	_ = events.SaveSolution(ctx, devent.Solution{
		ID:           devent.NewSolutionID(),
		ErrorEventID: prior.ID,
		SessionID:    "sess_0",
		RootCause:    "prior root cause",
		CreatedAt:    time.Now(),
	})
	_ = vs.Upsert(ctx, []vectorstore.Item{{
		ID: prior.ID, Namespace: ingest.ErrorNamespace, Vector: vectorstore.Vector(vecs[0]),
		Metadata: map[string]any{"message": prior.Message()},
	}})

	// The new occurrence, already indexed under its own id.
	e := errorEvent("sess_1", "TypeError: x is undefined")
	e.Embedding = vecs[0]
	_ = events.SaveEvent(ctx, e)
	_ = vs.Upsert(ctx, []vectorstore.Item{{
		ID: e.ID, Namespace: ingest.ErrorNamespace, Vector: vectorstore.Vector(vecs[0]),
		Metadata: map[string]any{"message": e.Message()},
	}})

	sol, err := eng.Analyze(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	if len(sol.SimilarCaseIDs) != 1 || sol.SimilarCaseIDs[0] != prior.ID {
		t.Fatalf("similar cases: %v", sol.SimilarCaseIDs)
	}
	got := analyzer.LastContext()
	if len(got.SimilarCases) != 1 || got.SimilarCases[0].RootCause != "prior root cause" {
		t.Fatalf("analyzer context: %+v", got.SimilarCases)
	}
}
