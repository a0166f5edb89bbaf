package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/devintel-sh/devintel/pkg/devent"
	"github.com/devintel-sh/devintel/pkg/errmodel"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	st, err := Open(ctx, "sqlite:file:devintel_test?mode=memory&cache=shared&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return st
}

func testEvent(session string, at time.Time, msg string) devent.Event {
	return devent.Event{
		ID:         devent.NewEventID(),
		Kind:       devent.KindError,
		SessionID:  session,
		OccurredAt: at,
		ReceivedAt: at,
		Content:    map[string]any{"message": msg},
		StackTrace: "at boom (app.js:1:1)",
	}
}

func TestSQLiteEventRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	e := testEvent("sess_1", time.Now(), "boom")
	e.Embedding = []float32{0.25, -1, 3}
	if err := st.SaveEvent(ctx, e); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetEvent(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != devent.KindError || got.SessionID != "sess_1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Message() != "boom" {
		t.Fatalf("message = %q", got.Message())
	}
	if len(got.Embedding) != 3 || got.Embedding[0] != 0.25 {
		t.Fatalf("embedding = %v", got.Embedding)
	}
	if !got.ReceivedAt.Equal(e.ReceivedAt) {
		t.Fatalf("received_at drifted: %v vs %v", got.ReceivedAt, e.ReceivedAt)
	}

	_, err = st.GetEvent(ctx, "evt_missing")
	if !errmodel.IsNotFound(err) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestSQLiteRecentAndTimelineOrder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	var ids []string
	for i := 0; i < 4; i++ {
		e := testEvent("sess_1", base.Add(time.Duration(i)*time.Second), "m")
		ids = append(ids, e.ID)
		if err := st.SaveEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	// Another session must not leak in.
	if err := st.SaveEvent(ctx, testEvent("sess_2", base, "m")); err != nil {
		t.Fatal(err)
	}

	recent, err := st.RecentEvents(ctx, "sess_1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ID != ids[3] || recent[1].ID != ids[2] {
		t.Fatalf("recent order wrong: %+v", recent)
	}

	timeline, err := st.SessionTimeline(ctx, "sess_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(timeline) != 4 || timeline[0].ID != ids[0] || timeline[3].ID != ids[3] {
		t.Fatalf("timeline order wrong: %d events", len(timeline))
	}
}

func TestSQLiteSolutionFlowAndOnceOnlyOutcome(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	e := testEvent("sess_1", time.Now(), "boom")
	if err := st.SaveEvent(ctx, e); err != nil {
		t.Fatal(err)
	}

	older := devent.Solution{
		ID:           devent.NewSolutionID(),
		ErrorEventID: e.ID,
		SessionID:    "sess_1",
		RootCause:    "first attempt",
		Confidence:   0.4,
		CreatedAt:    time.Now().Add(-time.Minute),
	}
	newer := devent.Solution{
		ID:             devent.NewSolutionID(),
		ErrorEventID:   e.ID,
		SessionID:      "sess_1",
		RootCause:      "second attempt",
		Confidence:     0.9,
		SimilarCaseIDs: []string{"evt_x", "evt_y"},
		PatternName:    "Null Pointer Cascade",
		CreatedAt:      time.Now(),
	}
	for _, sol := range []devent.Solution{older, newer} {
		if err := st.SaveSolution(ctx, sol); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := st.LatestSolutionForEvent(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != newer.ID || latest.RootCause != "second attempt" {
		t.Fatalf("latest = %+v", latest)
	}
	if latest.Outcome != devent.OutcomePending {
		t.Fatalf("outcome defaulted to %q", latest.Outcome)
	}
	if len(latest.SimilarCaseIDs) != 2 {
		t.Fatalf("similar case ids: %v", latest.SimilarCaseIDs)
	}

	if err := st.SetSolutionOutcome(ctx, newer.ID, devent.OutcomeAccepted); err != nil {
		t.Fatal(err)
	}
	err = st.SetSolutionOutcome(ctx, newer.ID, devent.OutcomeRejected)
	if !errmodel.IsValidation(err) {
		t.Fatalf("second outcome write: %v", err)
	}
	got, err := st.GetSolution(ctx, newer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != devent.OutcomeAccepted {
		t.Fatalf("outcome overwritten: %q", got.Outcome)
	}

	if err := st.SetSolutionOutcome(ctx, "sol_missing", devent.OutcomeAccepted); !errmodel.IsNotFound(err) {
		t.Fatalf("missing solution: %v", err)
	}
	if err := st.SetSolutionOutcome(ctx, newer.ID, devent.Outcome("maybe")); !errmodel.IsValidation(err) {
		t.Fatalf("invalid outcome: %v", err)
	}

	sols, err := st.ListSessionSolutions(ctx, "sess_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sols) != 2 || sols[0].ID != newer.ID {
		t.Fatalf("session solutions: %+v", sols)
	}
}
