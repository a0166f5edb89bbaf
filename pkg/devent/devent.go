// Package devent defines the core telemetry domain model: events captured
// from development sessions, solutions produced by error analysis, and
// patterns identified across event windows.
package devent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the supported event kinds.
type Kind string

const (
	KindLog         Kind = "log"
	KindWarn        Kind = "warn"
	KindError       Kind = "error"
	KindNetwork     Kind = "network"
	KindPerformance Kind = "performance"
	KindFile        Kind = "file"
	KindEdit        Kind = "edit"
	KindDebug       Kind = "debug"
	KindGit         Kind = "git"
	KindTerminal    Kind = "terminal"
	KindAnalysis    Kind = "analysis"
)

var kinds = map[Kind]bool{
	KindLog: true, KindWarn: true, KindError: true, KindNetwork: true,
	KindPerformance: true, KindFile: true, KindEdit: true, KindDebug: true,
	KindGit: true, KindTerminal: true, KindAnalysis: true,
}

// ValidKind reports whether s names a known event kind.
func ValidKind(s string) bool { return kinds[Kind(s)] }

// Kinds returns the enumerated kind names, for validation schemas and docs.
func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, string(k))
	}
	return out
}

// Framework is the client-detected framework, if any.
type Framework struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Context is the capture-time environment snapshot handed over by the
// producing agent. The core consumes a few fields and treats the rest as
// opaque.
type Context struct {
	URL         string         `json:"url,omitempty"`
	Workspace   string         `json:"workspace,omitempty"`
	UserAgent   string         `json:"userAgent,omitempty"`
	Framework   Framework      `json:"framework,omitempty"`
	Screen      map[string]any `json:"screen,omitempty"`
	MemoryMB    float64        `json:"memoryMB,omitempty"`
	NetworkType string         `json:"networkType,omitempty"`
	Navigation  map[string]any `json:"navigation,omitempty"`
}

// RawEvent is a client-submitted event before validation and normalization.
// Client-supplied id and timestamp are advisory only.
type RawEvent struct {
	ID         string         `json:"id,omitempty"`
	Kind       string         `json:"kind"`
	Subkind    string         `json:"subkind,omitempty"`
	SessionID  string         `json:"sessionId"`
	OccurredAt time.Time      `json:"occurredAt,omitzero"`
	Content    map[string]any `json:"content"`
	StackTrace string         `json:"stackTrace,omitempty"`
	Context    Context        `json:"context,omitempty"`
}

// Event is a validated, normalized telemetry record. ID and ReceivedAt are
// assigned server-side; ID is immutable once stored.
type Event struct {
	ID           string         `json:"id"`
	Kind         Kind           `json:"kind"`
	Subkind      string         `json:"subkind,omitempty"`
	SessionID    string         `json:"sessionId"`
	ConnectionID string         `json:"connectionId,omitempty"`
	OccurredAt   time.Time      `json:"occurredAt"`
	ReceivedAt   time.Time      `json:"receivedAt"`
	Content      map[string]any `json:"content"`
	StackTrace   string         `json:"stackTrace,omitempty"`
	Context      Context        `json:"context"`
	// Embedding is present only for error events that were embedded.
	Embedding []float32 `json:"embedding,omitempty"`
}

// Message returns the human-readable message from the event content.
func (e Event) Message() string {
	if m, ok := e.Content["message"].(string); ok {
		return m
	}
	return ""
}

// ContentDigest returns a stable hash of the event content, used by
// changelog entries. json.Marshal sorts map keys, making the digest
// canonical.
func (e Event) ContentDigest() string {
	b, err := json.Marshal(e.Content)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Outcome records external feedback on a solution.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Solution is one analysis attempt for an error event. Append-only except
// for Outcome, which is set at most once.
type Solution struct {
	ID             string    `json:"id"`
	ErrorEventID   string    `json:"errorEventId"`
	SessionID      string    `json:"sessionId"`
	RootCause      string    `json:"rootCause"`
	SolutionCode   string    `json:"solutionCode"`
	Explanation    string    `json:"explanation"`
	Confidence     float64   `json:"confidence"`
	SimilarCaseIDs []string  `json:"similarCaseIds,omitempty"`
	PatternName    string    `json:"patternName,omitempty"`
	Outcome        Outcome   `json:"outcome"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Pattern is a named recurring anti-pattern. Identity is the
// case-insensitive name; recurrences increment OccurrenceCount and extend
// the contributing event set.
type Pattern struct {
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	OccurrenceCount int       `json:"occurrenceCount"`
	LastSeenAt      time.Time `json:"lastSeenAt"`
	EventIDs        []string  `json:"eventIds,omitempty"`
}

// SimilarCase is one prior error/solution pair offered to the analyzer as
// evidence.
type SimilarCase struct {
	EventID      string  `json:"eventId"`
	Message      string  `json:"message"`
	RootCause    string  `json:"rootCause,omitempty"`
	SolutionCode string  `json:"solutionCode,omitempty"`
	Score        float32 `json:"score"`
}

// ErrorContext is the input handed to the external analysis service.
type ErrorContext struct {
	Message       string        `json:"message"`
	StackTrace    string        `json:"stackTrace,omitempty"`
	Framework     string        `json:"framework,omitempty"`
	RecentActions []string      `json:"recentActions,omitempty"`
	SimilarCases  []SimilarCase `json:"similarCases,omitempty"`
}

// SolutionSuggestion is the analyzer's output for one error.
type SolutionSuggestion struct {
	RootCause    string  `json:"rootCause"`
	SolutionCode string  `json:"solutionCode"`
	Explanation  string  `json:"explanation"`
	Confidence   float64 `json:"confidence"`
	PatternName  string  `json:"patternName,omitempty"`
}

// IdentifiedPattern is one pattern returned by the external
// pattern-identification service.
type IdentifiedPattern struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	EventIDs    []string `json:"eventIds"`
}

// NewEventID returns a fresh server-assigned event id.
func NewEventID() string { return "evt_" + uuid.NewString() }

// NewSolutionID returns a fresh solution id.
func NewSolutionID() string { return "sol_" + uuid.NewString() }

// NewConnectionID returns a fresh connection id.
func NewConnectionID() string { return uuid.NewString() }
