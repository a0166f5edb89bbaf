package registry

import (
	"sync"
	"testing"

	"github.com/devintel-sh/devintel/pkg/devent"
	"github.com/devintel-sh/devintel/pkg/errmodel"
)

type captureSender struct {
	mu   sync.Mutex
	msgs [][]byte
	full bool
}

func (c *captureSender) Send(p []byte) bool {
	if c.full {
		return false
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, p)
	c.mu.Unlock()
	return true
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestCrossTabConnectionsShareSession(t *testing.T) {
	r := New(nil)
	a, b := &captureSender{}, &captureSender{}
	r.Register("c1", "sess_1", RoleBrowser, a)
	r.Register("c2", "sess_1", RoleDashboard, b)

	r.Broadcast("sess_1", []byte("hi"))
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("broadcast counts: %d %d", a.count(), b.count())
	}

	// Exclusion keeps the submitting connection out.
	r.Broadcast("sess_1", []byte("hi"), "c1")
	if a.count() != 1 || b.count() != 2 {
		t.Fatalf("excluded broadcast counts: %d %d", a.count(), b.count())
	}

	sessions := r.ListSessions()
	if len(sessions) != 1 || sessions[0].SessionID != "sess_1" {
		t.Fatalf("sessions: %+v", sessions)
	}
	if len(sessions[0].Members) != 2 {
		t.Fatalf("members: %+v", sessions[0].Members)
	}
}

func TestUnregisterIdempotentAndSessionCleanup(t *testing.T) {
	r := New(nil)
	r.Register("c1", "sess_1", RoleBrowser, &captureSender{})
	r.Unregister("c1")
	r.Unregister("c1")

	if got := r.ListSessions(); len(got) != 0 {
		t.Fatalf("session survived its last connection: %+v", got)
	}
	if got := r.SessionConnections("sess_1"); len(got) != 0 {
		t.Fatalf("stale connections: %v", got)
	}
}

func TestReregisterMovesConnectionBetweenSessions(t *testing.T) {
	r := New(nil)
	r.Register("c1", "sess_a", RoleBrowser, &captureSender{})
	r.Register("c1", "sess_b", RoleBrowser, &captureSender{})

	sessions := r.ListSessions()
	if len(sessions) != 1 || sessions[0].SessionID != "sess_b" {
		t.Fatalf("old session not released: %+v", sessions)
	}
	if got := r.SessionConnections("sess_a"); len(got) != 0 {
		t.Fatalf("stale connections in old session: %v", got)
	}

	r.Unregister("c1")
	if got := r.ListSessions(); len(got) != 0 {
		t.Fatalf("sessions after unregister: %+v", got)
	}
}

func TestSetMetadataAndSendErrors(t *testing.T) {
	r := New(nil)
	if err := r.SetMetadata("nope", devent.Context{}); !errmodel.IsNotFound(err) {
		t.Fatalf("metadata on unknown conn: %v", err)
	}
	if err := r.Send("nope", []byte("x")); !errmodel.IsNotFound(err) {
		t.Fatalf("send to unknown conn: %v", err)
	}

	r.Register("c1", "sess_1", RoleBrowser, &captureSender{})
	if err := r.SetMetadata("c1", devent.Context{Workspace: "/src/app"}); err != nil {
		t.Fatal(err)
	}
	sessions := r.ListSessions()
	if len(sessions) != 1 || sessions[0].Workspace != "/src/app" {
		t.Fatalf("workspace not surfaced: %+v", sessions)
	}
}

func TestBroadcastToMonitors(t *testing.T) {
	r := New(nil)
	mon, agent := &captureSender{}, &captureSender{}
	r.Register("m1", "", RoleMonitor, mon)
	r.Register("c1", "sess_1", RoleBrowser, agent)

	r.BroadcastToMonitors([]byte("tick"))
	if mon.count() != 1 || agent.count() != 0 {
		t.Fatalf("monitor broadcast counts: %d %d", mon.count(), agent.count())
	}

	// Saturated senders are skipped without error.
	r.Register("m2", "", RoleMonitor, &captureSender{full: true})
	r.BroadcastToMonitors([]byte("tick"))
	if mon.count() != 2 {
		t.Fatalf("monitor broadcast after saturated peer: %d", mon.count())
	}
}
