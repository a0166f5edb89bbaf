// Package store defines the persistence contracts behind the storage
// fan-out: the durable record of truth, the live stream window, and the
// relation graph. Backends are independent; each carries its own failure
// and retry policy at the fan-out layer.
package store

import (
	"context"

	"github.com/devintel-sh/devintel/pkg/devent"
)

// EventStore is the record of truth for events and solutions. Its write
// gates ingestion success.
type EventStore interface {
	SaveEvent(ctx context.Context, e devent.Event) error
	GetEvent(ctx context.Context, id string) (devent.Event, error)
	// RecentEvents returns up to limit events for the session, newest
	// first by ReceivedAt.
	RecentEvents(ctx context.Context, sessionID string, limit int) ([]devent.Event, error)
	// SessionTimeline returns all events for the session, oldest first.
	SessionTimeline(ctx context.Context, sessionID string) ([]devent.Event, error)

	SaveSolution(ctx context.Context, s devent.Solution) error
	GetSolution(ctx context.Context, id string) (devent.Solution, error)
	ListSessionSolutions(ctx context.Context, sessionID string) ([]devent.Solution, error)
	// LatestSolutionForEvent returns the most recent analysis attempt for
	// the given error event, or a not_found error.
	LatestSolutionForEvent(ctx context.Context, eventID string) (devent.Solution, error)
	// SetSolutionOutcome records external feedback exactly once; a second
	// call returns a validation conflict.
	SetSolutionOutcome(ctx context.Context, id string, outcome devent.Outcome) error

	Close() error
}

// StreamStore is the live-tail backend: append-only recent window per
// session with subscriber fan-out. Best effort; not durable.
type StreamStore interface {
	Publish(ctx context.Context, e devent.Event) error
	// Recent returns up to limit events for the session, newest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]devent.Event, error)
	// Subscribe delivers subsequent session events on the returned channel
	// until cancel is called. Slow subscribers may miss events; delivery
	// never blocks publishers.
	Subscribe(sessionID string) (events <-chan devent.Event, cancel func())
}

// RelationStore holds non-owning edges between events, solutions and
// patterns. Writes are best-effort and asynchronous relative to ingestion.
type RelationStore interface {
	// LinkPrecededBy records same-session temporal adjacency edges from
	// the event to its predecessors (last-K window).
	LinkPrecededBy(ctx context.Context, eventID string, predecessorIDs []string) error
	// LinkAnalyzedAs records Event -> Solution.
	LinkAnalyzedAs(ctx context.Context, eventID, solutionID string) error
	// LinkMatches records Solution -> Pattern by pattern name.
	LinkMatches(ctx context.Context, solutionID, patternName string) error
	// UpsertPattern creates or updates a pattern by case-insensitive name:
	// an existing pattern has its occurrence count incremented and its
	// contributing event set unioned.
	UpsertPattern(ctx context.Context, sessionID, name, description string, eventIDs []string) (devent.Pattern, error)
	// SessionPatterns lists patterns with at least one contributing event
	// in the session, most recently seen first.
	SessionPatterns(ctx context.Context, sessionID string) ([]devent.Pattern, error)
}

