package ingest

import (
	"context"
	"log/slog"

	"github.com/devintel-sh/devintel/pkg/devent"
	"github.com/devintel-sh/devintel/pkg/errmodel"
	"github.com/devintel-sh/devintel/pkg/store"
)

// precededByWindow is how many immediate predecessors each event is linked
// to in the relation graph.
const precededByWindow = 5

// Fanout writes one validated event to all three backends with asymmetric
// durability: only the event-store write gates success.
type Fanout struct {
	Events    store.EventStore
	Stream    store.StreamStore
	Relations store.RelationStore

	EventPolicy  WritePolicy
	StreamPolicy WritePolicy

	Log *slog.Logger
}

// NewFanout wires the three backends with default policies.
func NewFanout(events store.EventStore, stream store.StreamStore, relations store.RelationStore, log *slog.Logger) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{
		Events:       events,
		Stream:       stream,
		Relations:    relations,
		EventPolicy:  GatingPolicy(),
		StreamPolicy: BestEffortPolicy(),
		Log:          log,
	}
}

// Write persists the event. The event-store write runs first and its
// exhaustion returns a durability error; the stream write stays in the
// caller's goroutine so per-connection receipt order is preserved into the
// stream; relation edges are recorded asynchronously.
func (f *Fanout) Write(ctx context.Context, e devent.Event) error {
	err := f.EventPolicy.Execute(ctx, func(ctx context.Context) error {
		return f.Events.SaveEvent(ctx, e)
	})
	if err != nil {
		return errmodel.Durability("event not durably stored", map[string]any{
			"eventId":   e.ID,
			"sessionId": e.SessionID,
		}, err)
	}

	// Predecessors are read before this event is published so the new event
	// never links to itself.
	predecessors := f.recentIDs(ctx, e.SessionID)

	if err := f.StreamPolicy.Execute(ctx, func(ctx context.Context) error {
		return f.Stream.Publish(ctx, e)
	}); err != nil {
		f.Log.Warn("stream write failed", "eventId", e.ID, "err", err)
	}

	if len(predecessors) > 0 {
		// Detached: relation writes must not delay the ingestion response
		// and must survive the caller disconnecting.
		go func(ctx context.Context) {
			if err := f.Relations.LinkPrecededBy(ctx, e.ID, predecessors); err != nil {
				f.Log.Warn("relation write failed", "eventId", e.ID, "err", err)
			}
		}(context.WithoutCancel(ctx))
	}
	return nil
}

func (f *Fanout) recentIDs(ctx context.Context, sessionID string) []string {
	recent, err := f.Stream.Recent(ctx, sessionID, precededByWindow)
	if err != nil {
		f.Log.Warn("predecessor lookup failed", "sessionId", sessionID, "err", err)
		return nil
	}
	ids := make([]string, 0, len(recent))
	for _, p := range recent {
		ids = append(ids, p.ID)
	}
	return ids
}
