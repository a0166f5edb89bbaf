package server

import (
	"encoding/json"
	"time"

	"github.com/devintel-sh/devintel/pkg/devent"
	"github.com/devintel-sh/devintel/pkg/errmodel"
	"github.com/devintel-sh/devintel/pkg/registry"
)

// Client-to-server message types.
const (
	TypeInit  = "init"
	TypeEvent = "event"
	TypeBulk  = "bulk"
	TypeQuery = "query"
)

// Server-to-client message types.
const (
	TypeInitAck         = "init_ack"
	TypeEventProcessed  = "event_processed"
	TypeBulkResult      = "bulk_result"
	TypeSolution        = "solution"
	TypeAnalysisFailed  = "analysis_failed"
	TypePatternsUpdated = "patterns-updated"
	TypeSessionsUpdate  = "sessions_update"
	TypeActivity        = "activity"
	TypeQueryResult     = "query_result"
	TypeError           = "error"
)

// BaseMessage carries only the discriminator, for dispatch.
type BaseMessage struct {
	Type string `json:"type"`
}

// InitMessage registers the connection into a session.
type InitMessage struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Role      string         `json:"role"`
	Metadata  devent.Context `json:"metadata"`
}

// EventMessage submits one event.
type EventMessage struct {
	Type  string          `json:"type"`
	Event devent.RawEvent `json:"event"`
}

// BulkMessage submits a batch of events.
type BulkMessage struct {
	Type   string            `json:"type"`
	Events []devent.RawEvent `json:"events"`
}

// QueryMessage requests derived data without mutating state.
type QueryMessage struct {
	Type      string `json:"type"`
	Query     string `json:"query"` // patterns | changelog | sessions
	SessionID string `json:"sessionId,omitempty"`
}

// BulkItemStatus is the per-item outcome of a bulk submission.
type BulkItemStatus struct {
	EventID string          `json:"eventId,omitempty"`
	Error   *errmodel.Error `json:"error,omitempty"`
}

func marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","error":{"category":"system","code":"encode_failed"}}`)
	}
	return b
}

func initAck(connectionID string) []byte {
	return marshal(map[string]any{
		"type":         TypeInitAck,
		"connectionId": connectionID,
		"timestamp":    time.Now().UTC(),
	})
}

func eventProcessed(eventID string) []byte {
	return marshal(map[string]any{"type": TypeEventProcessed, "eventId": eventID})
}

func bulkResult(statuses []BulkItemStatus) []byte {
	return marshal(map[string]any{"type": TypeBulkResult, "results": statuses})
}

func solutionMsg(sol devent.Solution) []byte {
	return marshal(map[string]any{"type": TypeSolution, "solution": sol})
}

func analysisFailedMsg(eventID string, cause error) []byte {
	return marshal(map[string]any{
		"type":    TypeAnalysisFailed,
		"eventId": eventID,
		"error":   errmodel.From(cause),
	})
}

func patternsUpdated(sessionID string, patterns []devent.Pattern) []byte {
	return marshal(map[string]any{
		"type":      TypePatternsUpdated,
		"sessionId": sessionID,
		"patterns":  patterns,
	})
}

func sessionsUpdate(sessions []registry.SessionSummary) []byte {
	return marshal(map[string]any{"type": TypeSessionsUpdate, "sessions": sessions})
}

func activity(e devent.Event) []byte {
	return marshal(map[string]any{
		"type":      TypeActivity,
		"sessionId": e.SessionID,
		"eventId":   e.ID,
		"kind":      e.Kind,
	})
}

func eventMsg(e devent.Event) []byte {
	return marshal(map[string]any{"type": TypeEvent, "event": e})
}

func queryResult(query string, data any) []byte {
	return marshal(map[string]any{"type": TypeQueryResult, "query": query, "data": data})
}

func errorMsg(err error) []byte {
	return marshal(map[string]any{"type": TypeError, "error": errmodel.From(err)})
}
