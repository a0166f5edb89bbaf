// Package changelog derives a session's timeline, per-kind event counts,
// and solution success metrics. Purely read-only.
package changelog

import (
	"context"
	"sort"
	"time"

	"github.com/devintel-sh/devintel/pkg/devent"
	"github.com/devintel-sh/devintel/pkg/store"
)

// EventSummary is one event in the timeline.
type EventSummary struct {
	EventID       string      `json:"eventId"`
	Kind          devent.Kind `json:"kind"`
	Subkind       string      `json:"subkind,omitempty"`
	Message       string      `json:"message,omitempty"`
	OccurredAt    time.Time   `json:"occurredAt"`
	ReceivedAt    time.Time   `json:"receivedAt"`
	ContentDigest string      `json:"contentDigest"`
}

// SolutionSummary is one solution in the timeline.
type SolutionSummary struct {
	SolutionID   string         `json:"solutionId"`
	ErrorEventID string         `json:"errorEventId"`
	RootCause    string         `json:"rootCause"`
	Confidence   float64        `json:"confidence"`
	Outcome      devent.Outcome `json:"outcome"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Entry is one timeline item; exactly one of Event or Solution is set.
type Entry struct {
	At       time.Time        `json:"at"`
	Event    *EventSummary    `json:"event,omitempty"`
	Solution *SolutionSummary `json:"solution,omitempty"`
}

// SuccessMetrics summarizes solution feedback for the session. Pending
// solutions are excluded from the ratio.
type SuccessMetrics struct {
	TotalSolutions int `json:"totalSolutions"`
	Accepted       int `json:"accepted"`
	Rejected       int `json:"rejected"`
	Pending        int `json:"pending"`
	// SuccessRatio is accepted / (accepted + rejected); 0 when nothing has
	// been decided yet.
	SuccessRatio float64 `json:"successRatio"`
	// MeanTimeToResolution averages solution createdAt minus the triggering
	// event's receivedAt, over solutions whose trigger is in the timeline.
	MeanTimeToResolution time.Duration `json:"meanTimeToResolutionNs"`
}

// Changelog is the derived session record.
type Changelog struct {
	SessionID   string         `json:"sessionId"`
	Timeline    []Entry        `json:"timeline"`
	EventCounts map[string]int `json:"eventCounts"`
	Metrics     SuccessMetrics `json:"metrics"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// Aggregator generates changelogs from the event store.
type Aggregator struct {
	events store.EventStore
	now    func() time.Time
}

// New creates an aggregator.
func New(events store.EventStore) *Aggregator {
	return &Aggregator{events: events, now: time.Now}
}

// Generate builds the changelog for a session.
func (a *Aggregator) Generate(ctx context.Context, sessionID string) (Changelog, error) {
	timeline, err := a.events.SessionTimeline(ctx, sessionID)
	if err != nil {
		return Changelog{}, err
	}
	solutions, err := a.events.ListSessionSolutions(ctx, sessionID)
	if err != nil {
		return Changelog{}, err
	}

	cl := Changelog{
		SessionID:   sessionID,
		EventCounts: make(map[string]int),
		GeneratedAt: a.now(),
	}

	receivedByID := make(map[string]time.Time, len(timeline))
	for _, e := range timeline {
		receivedByID[e.ID] = e.ReceivedAt
		cl.EventCounts[string(e.Kind)]++
		cl.Timeline = append(cl.Timeline, Entry{
			At: e.ReceivedAt,
			Event: &EventSummary{
				EventID:       e.ID,
				Kind:          e.Kind,
				Subkind:       e.Subkind,
				Message:       e.Message(),
				OccurredAt:    e.OccurredAt,
				ReceivedAt:    e.ReceivedAt,
				ContentDigest: e.ContentDigest(),
			},
		})
	}

	var resolutionSum time.Duration
	var resolutionN int
	for _, s := range solutions {
		cl.Metrics.TotalSolutions++
		switch s.Outcome {
		case devent.OutcomeAccepted:
			cl.Metrics.Accepted++
		case devent.OutcomeRejected:
			cl.Metrics.Rejected++
		default:
			cl.Metrics.Pending++
		}
		if received, ok := receivedByID[s.ErrorEventID]; ok && s.CreatedAt.After(received) {
			resolutionSum += s.CreatedAt.Sub(received)
			resolutionN++
		}
		cl.Timeline = append(cl.Timeline, Entry{
			At: s.CreatedAt,
			Solution: &SolutionSummary{
				SolutionID:   s.ID,
				ErrorEventID: s.ErrorEventID,
				RootCause:    s.RootCause,
				Confidence:   s.Confidence,
				Outcome:      s.Outcome,
				CreatedAt:    s.CreatedAt,
			},
		})
	}

	if decided := cl.Metrics.Accepted + cl.Metrics.Rejected; decided > 0 {
		cl.Metrics.SuccessRatio = float64(cl.Metrics.Accepted) / float64(decided)
	}
	if resolutionN > 0 {
		cl.Metrics.MeanTimeToResolution = resolutionSum / time.Duration(resolutionN)
	}

	sort.SliceStable(cl.Timeline, func(i, j int) bool { return cl.Timeline[i].At.Before(cl.Timeline[j].At) })
	return cl, nil
}
