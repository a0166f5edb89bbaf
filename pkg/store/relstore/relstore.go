// Package relstore is an in-process RelationStore: the graph of
// event -> solution -> pattern edges plus same-session temporal adjacency.
// Edges are non-owning references by id; events themselves live in the
// event store.
package relstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devintel-sh/devintel/pkg/devent"
)

type patternNode struct {
	name        string // display name as first seen
	description string
	count       int
	lastSeen    time.Time
	eventIDs    map[string]bool
	sessions    map[string]bool
}

// Store holds the relation graph behind a single mutex. All operations are
// short and in-memory.
type Store struct {
	mu         sync.RWMutex
	now        func() time.Time
	analyzedAs map[string][]string // eventID -> solutionIDs
	precededBy map[string][]string // eventID -> predecessor eventIDs
	matches    map[string][]string // solutionID -> pattern keys
	patterns   map[string]*patternNode
}

// New creates an empty relation store.
func New() *Store {
	return &Store{
		now:        time.Now,
		analyzedAs: make(map[string][]string),
		precededBy: make(map[string][]string),
		matches:    make(map[string][]string),
		patterns:   make(map[string]*patternNode),
	}
}

// LinkPrecededBy records temporal adjacency edges for the event.
func (s *Store) LinkPrecededBy(ctx context.Context, eventID string, predecessorIDs []string) error {
	if eventID == "" || len(predecessorIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	s.precededBy[eventID] = append(s.precededBy[eventID], predecessorIDs...)
	s.mu.Unlock()
	return nil
}

// LinkAnalyzedAs records an Event -> Solution edge.
func (s *Store) LinkAnalyzedAs(ctx context.Context, eventID, solutionID string) error {
	s.mu.Lock()
	s.analyzedAs[eventID] = append(s.analyzedAs[eventID], solutionID)
	s.mu.Unlock()
	return nil
}

// LinkMatches records a Solution -> Pattern edge by pattern name.
func (s *Store) LinkMatches(ctx context.Context, solutionID, patternName string) error {
	key := patternKey(patternName)
	s.mu.Lock()
	s.matches[solutionID] = append(s.matches[solutionID], key)
	s.mu.Unlock()
	return nil
}

// UpsertPattern creates or updates a pattern. Identity is the
// case-insensitive name; an existing pattern gets its occurrence count
// incremented and its contributing event set unioned.
func (s *Store) UpsertPattern(ctx context.Context, sessionID, name, description string, eventIDs []string) (devent.Pattern, error) {
	key := patternKey(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[key]
	if !ok {
		p = &patternNode{
			name:     name,
			eventIDs: make(map[string]bool),
			sessions: make(map[string]bool),
		}
		s.patterns[key] = p
	}
	p.count++
	p.lastSeen = s.now()
	if description != "" {
		p.description = description
	}
	for _, id := range eventIDs {
		p.eventIDs[id] = true
	}
	if sessionID != "" {
		p.sessions[sessionID] = true
	}
	return p.snapshot(), nil
}

// SessionPatterns lists patterns seen in the session, most recent first.
func (s *Store) SessionPatterns(ctx context.Context, sessionID string) ([]devent.Pattern, error) {
	s.mu.RLock()
	out := make([]devent.Pattern, 0)
	for _, p := range s.patterns {
		if p.sessions[sessionID] {
			out = append(out, p.snapshot())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}

// Predecessors returns the recorded adjacency edges for an event.
func (s *Store) Predecessors(eventID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.precededBy[eventID]...)
}

// SolutionsFor returns the recorded analysis edges for an event.
func (s *Store) SolutionsFor(eventID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.analyzedAs[eventID]...)
}

func (p *patternNode) snapshot() devent.Pattern {
	ids := make([]string, 0, len(p.eventIDs))
	for id := range p.eventIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return devent.Pattern{
		Name:            p.name,
		Description:     p.description,
		OccurrenceCount: p.count,
		LastSeenAt:      p.lastSeen,
		EventIDs:        ids,
	}
}

func patternKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }
