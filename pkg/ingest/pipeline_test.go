package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devintel-sh/devintel/pkg/adapters/embedding/fake"
	"github.com/devintel-sh/devintel/pkg/adapters/vectorstore"
	vsmemory "github.com/devintel-sh/devintel/pkg/adapters/vectorstore/memory"
	"github.com/devintel-sh/devintel/pkg/devent"
	"github.com/devintel-sh/devintel/pkg/errmodel"
	"github.com/devintel-sh/devintel/pkg/store/relstore"
	"github.com/devintel-sh/devintel/pkg/store/streamstore"
)

// memEvents is a minimal in-memory EventStore for pipeline tests.
type memEvents struct {
	mu     sync.Mutex
	events []devent.Event
	fail   error
}

func (m *memEvents) SaveEvent(ctx context.Context, e devent.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memEvents) GetEvent(ctx context.Context, id string) (devent.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			return e, nil
		}
	}
	return devent.Event{}, errmodel.NotFound("event_not_found", "event not found", nil)
}

func (m *memEvents) RecentEvents(ctx context.Context, sessionID string, limit int) ([]devent.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]devent.Event, 0)
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].SessionID == sessionID {
			out = append(out, m.events[i])
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
	for _, e := range m.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEvents) SaveSolution(ctx context.Context, s devent.Solution) error { return nil }
func (m *memEvents) GetSolution(ctx context.Context, id string) (devent.Solution, error) {
	return devent.Solution{}, errmodel.NotFound("solution_not_found", "no solution", nil)
}
func (m *memEvents) ListSessionSolutions(ctx context.Context, sessionID string) ([]devent.Solution, error) {
	return nil, nil
}
func (m *memEvents) LatestSolutionForEvent(ctx context.Context, eventID string) (devent.Solution, error) {
	return devent.Solution{}, errmodel.NotFound("solution_not_found", "no solution", nil)
}
func (m *memEvents) SetSolutionOutcome(ctx context.Context, id string, o devent.Outcome) error {
	return nil
}
func (m *memEvents) Close() error { return nil }

func (m *memEvents) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func newTestPipeline(t *testing.T, events *memEvents, stream *streamstore.Store, vs vectorstore.VectorStore) *Pipeline {
	t.Helper()
	fanout := NewFanout(events, stream, relstore.New(), nil)
	// No sleeping between attempts in tests.
	fanout.EventPolicy.InitialDelay = 0
	fanout.StreamPolicy.InitialDelay = 0
	p, err := New(fanout, fake.New(8), vs, nil)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func rawLog(session, msg string) devent.RawEvent {
	return devent.RawEvent{
		Kind:      "log",
		SessionID: session,
		Content:   map[string]any{"message": msg},
	}
}

func TestIngestAssignsServerIdentity(t *testing.T) {
	events := &memEvents{}
	p := newTestPipeline(t, events, streamstore.New(), nil)

	raw := rawLog("sess_1", "hello")
	raw.ID = "client-chosen"
	e, err := p.Ingest(context.Background(), "conn_1", raw)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(e.ID, "evt_") || e.ID == "client-chosen" {
		t.Fatalf("client id trusted: %q", e.ID)
	}
	if e.ReceivedAt.IsZero() || e.ConnectionID != "conn_1" {
		t.Fatalf("normalization incomplete: %+v", e)
	}
	if events.count() != 1 {
		t.Fatalf("stored %d events", events.count())
	}
}

func TestIngestRejectsUnknownKind(t *testing.T) {
	events := &memEvents{}
	stream := streamstore.New()
	p := newTestPipeline(t, events, stream, nil)

	_, err := p.Ingest(context.Background(), "conn_1", devent.RawEvent{
		Kind:      "telepathy",
		SessionID: "sess_1",
		Content:   map[string]any{},
	})
	if !errmodel.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if errmodel.From(err).Code != "unknown_kind" {
		t.Fatalf("code = %q", errmodel.From(err).Code)
	}
	if events.count() != 0 {
		t.Fatal("rejected event was stored")
	}
	if recent, _ := stream.Recent(context.Background(), "sess_1", 0); len(recent) != 0 {
		t.Fatal("rejected event reached the stream")
	}
}

func TestIngestDurabilityFailureGates(t *testing.T) {
	events := &memEvents{fail: errors.New("connection refused")}
	stream := streamstore.New()
	p := newTestPipeline(t, events, stream, nil)

	_, err := p.Ingest(context.Background(), "conn_1", rawLog("sess_1", "x"))
	if !errmodel.IsDurability(err) {
		t.Fatalf("expected durability error, got %v", err)
	}
	// A non-durable event must not appear in the live stream either.
	if recent, _ := stream.Recent(context.Background(), "sess_1", 0); len(recent) != 0 {
		t.Fatal("non-durable event reached the stream")
	}
}

func TestIngestPreservesPerConnectionOrder(t *testing.T) {
	events := &memEvents{}
	stream := streamstore.New()
	p := newTestPipeline(t, events, stream, nil)
	ctx := context.Background()

	var want []string
	for i := 0; i < 10; i++ {
		e, err := p.Ingest(ctx, "conn_1", rawLog("sess_1", "m"))
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, e.ID)
	}

	recent, err := stream.Recent(ctx, "sess_1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != len(want) {
		t.Fatalf("stream has %d events", len(recent))
	}
	// Recent is newest first.
	for i, e := range recent {
		if e.ID != want[len(want)-1-i] {
			t.Fatalf("order broken at %d: %s", i, e.ID)
		}
	}
}

func TestReceivedAtMonotonicPerConnection(t *testing.T) {
	events := &memEvents{}
	fanout := NewFanout(events, streamstore.New(), relstore.New(), nil)
	fanout.EventPolicy.InitialDelay = 0

	// A clock stuck at one instant still yields strictly ordered stamps.
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p, err := New(fanout, nil, nil, nil, WithClock(func() time.Time { return frozen }))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	var last time.Time
	for i := 0; i < 5; i++ {
		e, err := p.Ingest(ctx, "conn_1", rawLog("sess_1", "m"))
		if err != nil {
			t.Fatal(err)
		}
		if !e.ReceivedAt.After(last) && i > 0 {
			t.Fatalf("receivedAt not increasing: %v then %v", last, e.ReceivedAt)
		}
		last = e.ReceivedAt
	}
}

func TestBulkIngestSkipsAndReports(t *testing.T) {
	events := &memEvents{}
	p := newTestPipeline(t, events, streamstore.New(), nil)

	results := p.IngestBulk(context.Background(), "conn_1", []devent.RawEvent{
		rawLog("sess_1", "ok-1"),
		{Kind: "nope", SessionID: "sess_1", Content: map[string]any{}},
		rawLog("sess_1", "ok-2"),
	})
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("valid items failed: %v %v", results[0].Err, results[2].Err)
	}
	if !errmodel.IsValidation(results[1].Err) {
		t.Fatalf("invalid item: %v", results[1].Err)
	}
	if events.count() != 2 {
		t.Fatalf("stored %d events", events.count())
	}
}

func TestErrorEventsAreEmbeddedAndIndexed(t *testing.T) {
	events := &memEvents{}
	vs := vsmemory.New()
	p := newTestPipeline(t, events, streamstore.New(), vs)
	ctx := context.Background()

	e, err := p.Ingest(ctx, "conn_1", devent.RawEvent{
		Kind:      "error",
		SessionID: "sess_1",
		Content:   map[string]any{"message": "TypeError: x is undefined"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Embedding) == 0 {
		t.Fatal("error event not embedded")
	}

	matches, err := vs.Query(ctx, vectorstore.Vector(e.Embedding), 1, vectorstore.Filter{Namespace: ErrorNamespace})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Item.ID != e.ID {
		t.Fatalf("error not indexed: %+v", matches)
	}
}

func TestEmbedderFailureDegradesToUnembedded(t *testing.T) {
	events := &memEvents{}
	fanout := NewFanout(events, streamstore.New(), relstore.New(), nil)
	fanout.EventPolicy.InitialDelay = 0

	emb := fake.New(8)
	emb.Err = errors.New("embedding service down")
	p, err := New(fanout, emb, vsmemory.New(), nil)
	if err != nil {
		t.Fatal(err)
	}

	e, err := p.Ingest(context.Background(), "conn_1", devent.RawEvent{
		Kind:      "error",
		SessionID: "sess_1",
		Content:   map[string]any{"message": "boom"},
	})
	if err != nil {
		t.Fatalf("ingest failed on embedder outage: %v", err)
	}
	if len(e.Embedding) != 0 {
		t.Fatal("embedding present despite embedder failure")
	}
	if events.count() != 1 {
		t.Fatal("event not stored")
	}
}
