// Package registry tracks live WebSocket connections and the sessions they
// belong to. A session is identified solely by its client-chosen id; all
// connections presenting the same session id join the same session.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/devintel-sh/devintel/pkg/devent"
	"github.com/devintel-sh/devintel/pkg/errmodel"
)

// Role classifies what a connection is for.
type Role string

const (
	// RoleBrowser and RoleIDE submit events for a session.
	RoleBrowser Role = "browser"
	RoleIDE     Role = "ide"
	// RoleDashboard observes a single session.
	RoleDashboard Role = "dashboard"
	// RoleMonitor observes all sessions.
	RoleMonitor Role = "monitor"
)

var roles = map[Role]bool{RoleBrowser: true, RoleIDE: true, RoleDashboard: true, RoleMonitor: true}

// ValidRole reports whether s names a known connection role.
func ValidRole(s string) bool { return roles[Role(s)] }

// Sender delivers an encoded message to one connection. Implementations
// must not block; a full outbound buffer drops the connection, not the
// caller.
type Sender interface {
	Send(payload []byte) bool
}

type entry struct {
	id          string
	sessionID   string
	role        Role
	sender      Sender
	connectedAt time.Time
	lastSeen    time.Time
	meta        devent.Context
}

// Registry is the live connection index.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	now      func() time.Time
	conns    map[string]*entry
	sessions map[string]map[string]bool // sessionID -> connection ids
}

// New creates an empty registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		now:      time.Now,
		conns:    make(map[string]*entry),
		sessions: make(map[string]map[string]bool),
	}
}

// Register adds a connection. Re-registering an existing id replaces its
// sender and role.
func (r *Registry) Register(connID, sessionID string, role Role, sender Sender) {
	now := r.now()
	r.mu.Lock()
	// A re-register under a different session must leave the old session's
	// index, or the old session lingers with zero members.
	if old, ok := r.conns[connID]; ok && old.sessionID != sessionID && old.sessionID != "" {
		if set := r.sessions[old.sessionID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.sessions, old.sessionID)
			}
		}
	}
	r.conns[connID] = &entry{
		id:          connID,
		sessionID:   sessionID,
		role:        role,
		sender:      sender,
		connectedAt: now,
		lastSeen:    now,
	}
	if sessionID != "" {
		if r.sessions[sessionID] == nil {
			r.sessions[sessionID] = make(map[string]bool)
		}
		r.sessions[sessionID][connID] = true
	}
	r.mu.Unlock()
	r.log.Info("connection registered", "conn", connID, "session", sessionID, "role", role)
}

// Unregister removes a connection. Idempotent.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
		if e.sessionID != "" && r.sessions[e.sessionID] != nil {
			delete(r.sessions[e.sessionID], connID)
			if len(r.sessions[e.sessionID]) == 0 {
				delete(r.sessions, e.sessionID)
			}
		}
	}
	r.mu.Unlock()
	if ok {
		r.log.Info("connection unregistered", "conn", connID, "session", e.sessionID)
	}
}

// SetMetadata attaches the capture-time context handed over at init.
func (r *Registry) SetMetadata(connID string, meta devent.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return errmodel.NotFound("connection_not_found", "connection not registered", map[string]any{"conn": connID})
	}
	e.meta = meta
	return nil
}

// Touch records activity on a connection.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	if e, ok := r.conns[connID]; ok {
		e.lastSeen = r.now()
	}
	r.mu.Unlock()
}

// Send delivers payload to one connection. Returns a not_found error for
// unknown ids; a false Send result means the connection is saturated.
func (r *Registry) Send(connID string, payload []byte) error {
	r.mu.RLock()
	e, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return errmodel.NotFound("connection_not_found", "connection not registered", map[string]any{"conn": connID})
	}
	if !e.sender.Send(payload) {
		r.log.Warn("dropping message for saturated connection", "conn", connID)
	}
	return nil
}

// Broadcast delivers payload to every connection in the session except the
// excluded ids.
func (r *Registry) Broadcast(sessionID string, payload []byte, exclude ...string) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	r.mu.RLock()
	targets := make([]*entry, 0, len(r.sessions[sessionID]))
	for id := range r.sessions[sessionID] {
		if skip[id] {
			continue
		}
		if e, ok := r.conns[id]; ok {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()
	for _, e := range targets {
		if !e.sender.Send(payload) {
			r.log.Warn("dropping broadcast for saturated connection", "conn", e.id, "session", sessionID)
		}
	}
}

// BroadcastToMonitors delivers payload to every monitor connection.
func (r *Registry) BroadcastToMonitors(payload []byte) {
	r.mu.RLock()
	targets := make([]*entry, 0)
	for _, e := range r.conns {
		if e.role == RoleMonitor {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()
	for _, e := range targets {
		if !e.sender.Send(payload) {
			r.log.Warn("dropping monitor broadcast for saturated connection", "conn", e.id)
		}
	}
}

// SessionMember describes one connection within a session summary.
type SessionMember struct {
	ConnectionID string    `json:"connectionId"`
	Role         Role      `json:"role"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

// SessionSummary is the monitor-facing view of one live session.
type SessionSummary struct {
	SessionID    string          `json:"sessionId"`
	Workspace    string          `json:"workspace,omitempty"`
	URL          string          `json:"url,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	LastActivity time.Time       `json:"lastActivity"`
	Members      []SessionMember `json:"members"`
}

// ListSessions summarizes all live sessions, ordered by session id.
func (r *Registry) ListSessions() []SessionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionSummary, 0, len(r.sessions))
	for sid, ids := range r.sessions {
		sum := SessionSummary{SessionID: sid}
		for id := range ids {
			e, ok := r.conns[id]
			if !ok {
				continue
			}
			sum.Members = append(sum.Members, SessionMember{
				ConnectionID: e.id,
				Role:         e.role,
				ConnectedAt:  e.connectedAt,
				LastSeenAt:   e.lastSeen,
			})
			if sum.StartedAt.IsZero() || e.connectedAt.Before(sum.StartedAt) {
				sum.StartedAt = e.connectedAt
			}
			if e.lastSeen.After(sum.LastActivity) {
				sum.LastActivity = e.lastSeen
			}
			if sum.Workspace == "" {
				sum.Workspace = e.meta.Workspace
			}
			if sum.URL == "" {
				sum.URL = e.meta.URL
			}
		}
		sort.Slice(sum.Members, func(i, j int) bool {
			return sum.Members[i].ConnectedAt.Before(sum.Members[j].ConnectedAt)
		})
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// SessionConnections returns the connection ids in a session.
func (r *Registry) SessionConnections(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions[sessionID]))
	for id := range r.sessions[sessionID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
