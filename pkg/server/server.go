// Package server exposes the WebSocket protocol and REST endpoints:
// connection lifecycle, event submission, live tails, the monitor feed,
// and query/feedback routes.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/devintel-sh/devintel/pkg/changelog"
	"github.com/devintel-sh/devintel/pkg/correlate"
	"github.com/devintel-sh/devintel/pkg/devent"
	"github.com/devintel-sh/devintel/pkg/errmodel"
	"github.com/devintel-sh/devintel/pkg/ingest"
	"github.com/devintel-sh/devintel/pkg/patterns"
	"github.com/devintel-sh/devintel/pkg/registry"
	"github.com/devintel-sh/devintel/pkg/store"
)

const defaultMonitorInterval = 5 * time.Second

// Notifier delivers analysis outcomes to sessions through the registry.
// It is what the correlation engine broadcasts through.
type Notifier struct {
	Reg *registry.Registry
}

func (n *Notifier) SolutionReady(sessionID string, sol devent.Solution) {
	n.Reg.Broadcast(sessionID, solutionMsg(sol))
}

func (n *Notifier) AnalysisFailed(sessionID, eventID string, cause error) {
	n.Reg.Broadcast(sessionID, analysisFailedMsg(eventID, cause))
}

// Server wires the pipeline, engine, detector and aggregator behind echo.
type Server struct {
	reg       *registry.Registry
	pipeline  *ingest.Pipeline
	engine    *correlate.Engine
	detector  *patterns.Detector
	changelog *changelog.Aggregator
	events    store.EventStore
	stream    store.StreamStore
	log       *slog.Logger

	echo            *echo.Echo
	upgrader        websocket.Upgrader
	monitorInterval time.Duration
	stopMonitor     chan struct{}
}

// Config carries the server-level knobs.
type Config struct {
	// MonitorInterval is the sessions_update push period. Default 5s.
	MonitorInterval time.Duration
}

// New assembles the server and its routes.
func New(reg *registry.Registry, pipeline *ingest.Pipeline, engine *correlate.Engine,
	detector *patterns.Detector, cl *changelog.Aggregator, events store.EventStore,
	stream store.StreamStore, log *slog.Logger, cfg Config) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		reg:       reg,
		pipeline:  pipeline,
		engine:    engine,
		detector:  detector,
		changelog: cl,
		events:    events,
		stream:    stream,
		log:       log,
		echo:      echo.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		monitorInterval: cfg.MonitorInterval,
		stopMonitor:     make(chan struct{}),
	}
	if s.monitorInterval <= 0 {
		s.monitorInterval = defaultMonitorInterval
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())

	s.echo.GET("/ws", s.handleWebSocket)
	s.echo.GET("/ws/monitor", s.handleMonitorWebSocket)
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.POST("/ingest", s.handleIngestBatch)
	s.echo.GET("/patterns/:sessionID", s.handlePatterns)
	s.echo.GET("/changelog/:sessionID", s.handleChangelog)
	s.echo.GET("/sessions", s.handleSessions)
	s.echo.POST("/outcome/:solutionID", s.handleOutcome)

	return s
}

// Handler returns the HTTP handler with tracing middleware applied.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.echo, "devintel")
}

// Start runs the monitor feed and serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	go s.monitorLoop()
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	s.echo.Server = srv
	return s.echo.StartServer(srv)
}

// Shutdown drains HTTP and stops the monitor feed.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopMonitor)
	return s.echo.Shutdown(ctx)
}

// monitorLoop pushes sessions_update to monitor connections periodically.
func (s *Server) monitorLoop() {
	ticker := time.NewTicker(s.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reg.BroadcastToMonitors(sessionsUpdate(s.reg.ListSessions()))
		case <-s.stopMonitor:
			return
		}
	}
}

// handleWebSocket upgrades the connection and runs its pumps. The
// connection joins a session only after a valid init message.
func (s *Server) handleWebSocket(c echo.Context) error {
	sock, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	connID := devent.NewConnectionID()
	conn := newWSConn(connID, sock, s.log)

	state := &connState{server: s, conn: conn}
	go conn.writePump()
	go func() {
		conn.readPump(state.handleMessage)
		state.teardown()
	}()
	return nil
}

// handleMonitorWebSocket is the dedicated monitor channel: the connection
// is registered as a monitor immediately, no init required.
func (s *Server) handleMonitorWebSocket(c echo.Context) error {
	sock, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	connID := devent.NewConnectionID()
	conn := newWSConn(connID, sock, s.log)

	state := &connState{server: s, conn: conn, role: registry.RoleMonitor, registered: true}
	s.reg.Register(connID, "", registry.RoleMonitor, conn)
	conn.Send(initAck(connID))
	conn.Send(sessionsUpdate(s.reg.ListSessions()))

	go conn.writePump()
	go func() {
		conn.readPump(state.handleMessage)
		state.teardown()
	}()
	return nil
}

// connState is the per-connection protocol state.
type connState struct {
	server *Server
	conn   *wsConn

	sessionID  string
	role       registry.Role
	registered bool
	tailCancel func()
}

func (st *connState) teardown() {
	if st.tailCancel != nil {
		st.tailCancel()
	}
	st.server.reg.Unregister(st.conn.id)
	st.server.pipeline.ForgetConnection(st.conn.id)
}

func (st *connState) handleMessage(data []byte) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		st.conn.Send(errorMsg(errmodel.Validation("invalid_message", "message is not valid JSON", nil)))
		return
	}
	switch base.Type {
	case TypeInit:
		st.handleInit(data)
	case TypeEvent:
		st.handleEvent(data)
	case TypeBulk:
		st.handleBulk(data)
	case TypeQuery:
		st.handleQuery(data)
	default:
		st.conn.Send(errorMsg(errmodel.Validation("unknown_message_type", "unknown message type", map[string]any{"type": base.Type})))
	}
}

// requireInit rejects event submissions from connections that have not
// completed init.
func (st *connState) requireInit() bool {
	if st.registered {
		return true
	}
	st.conn.Send(errorMsg(errmodel.Validation("not_initialized", "init required before submitting events", nil)))
	return false
}

func (st *connState) handleInit(data []byte) {
	var msg InitMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		st.conn.Send(errorMsg(errmodel.Validation("invalid_message", "malformed init message", nil)))
		return
	}
	if !registry.ValidRole(msg.Role) {
		st.conn.Send(errorMsg(errmodel.Validation("unknown_role", "unknown connection role", map[string]any{"role": msg.Role})))
		return
	}
	role := registry.Role(msg.Role)
	if role != registry.RoleMonitor && msg.SessionID == "" {
		st.conn.Send(errorMsg(errmodel.Validation("missing_session", "sessionId is required for this role", nil)))
		return
	}

	st.sessionID = msg.SessionID
	st.role = role
	st.registered = true
	st.server.reg.Register(st.conn.id, msg.SessionID, role, st.conn)
	_ = st.server.reg.SetMetadata(st.conn.id, msg.Metadata)
	st.conn.Send(initAck(st.conn.id))

	switch role {
	case registry.RoleMonitor:
		// Immediate snapshot; the ticker takes over afterwards.
		st.conn.Send(sessionsUpdate(st.server.reg.ListSessions()))
	case registry.RoleDashboard:
		st.startTail(msg.SessionID)
	}
}

// startTail forwards the live stream of the session to a dashboard
// connection.
func (st *connState) startTail(sessionID string) {
	if st.tailCancel != nil {
		st.tailCancel()
	}
	ch, cancel := st.server.stream.Subscribe(sessionID)
	st.tailCancel = cancel
	go func() {
		for e := range ch {
			st.conn.Send(eventMsg(e))
		}
	}()
}

func (st *connState) handleEvent(data []byte) {
	if !st.requireInit() {
		return
	}
	var msg EventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		st.conn.Send(errorMsg(errmodel.Validation("invalid_message", "malformed event message", nil)))
		return
	}
	ctx := context.Background()
	e, err := st.server.pipeline.Ingest(ctx, st.conn.id, msg.Event)
	if err != nil {
		// Rejections go to the submitting connection only.
		st.conn.Send(errorMsg(err))
		return
	}
	st.server.afterIngest(ctx, e)
}

func (st *connState) handleBulk(data []byte) {
	if !st.requireInit() {
		return
	}
	var msg BulkMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		st.conn.Send(errorMsg(errmodel.Validation("invalid_message", "malformed bulk message", nil)))
		return
	}
	ctx := context.Background()
	results := st.server.pipeline.IngestBulk(ctx, st.conn.id, msg.Events)
	statuses := make([]BulkItemStatus, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			statuses = append(statuses, BulkItemStatus{Error: errmodel.From(r.Err)})
			continue
		}
		statuses = append(statuses, BulkItemStatus{EventID: r.Event.ID})
		st.server.afterIngest(ctx, r.Event)
	}
	st.conn.Send(bulkResult(statuses))
}

func (st *connState) handleQuery(data []byte) {
	var msg QueryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		st.conn.Send(errorMsg(errmodel.Validation("invalid_message", "malformed query message", nil)))
		return
	}
	ctx := context.Background()
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = st.sessionID
	}
	switch msg.Query {
	case "patterns":
		got, err := st.server.sessionPatterns(ctx, sessionID)
		if err != nil {
			st.conn.Send(errorMsg(err))
			return
		}
		st.conn.Send(queryResult("patterns", got))
	case "changelog":
		cl, err := st.server.changelog.Generate(ctx, sessionID)
		if err != nil {
			st.conn.Send(errorMsg(err))
			return
		}
		st.conn.Send(queryResult("changelog", cl))
	case "sessions":
		st.conn.Send(queryResult("sessions", st.server.reg.ListSessions()))
	default:
		st.conn.Send(errorMsg(errmodel.Validation("unknown_query", "unknown query", map[string]any{"query": msg.Query})))
	}
}

// sessionPatterns refreshes detection over the session's current window
// before returning the stored set, so sessions without error events still
// get patterns on query. A failing pattern service degrades to the stored
// patterns.
func (s *Server) sessionPatterns(ctx context.Context, sessionID string) ([]devent.Pattern, error) {
	if _, err := s.detector.Identify(ctx, sessionID); err != nil {
		s.log.Warn("pattern detection failed, serving stored patterns",
			"sessionId", sessionID, "err", err)
	}
	return s.detector.SessionPatterns(ctx, sessionID)
}

// afterIngest fans out confirmations and kicks off analysis for errors.
func (s *Server) afterIngest(ctx context.Context, e devent.Event) {
	s.reg.Broadcast(e.SessionID, eventProcessed(e.ID))
	s.reg.BroadcastToMonitors(activity(e))
	if e.Kind != devent.KindError {
		return
	}
	// Analysis and pattern detection run off the read loop; the engine
	// detaches from ctx so a disconnect does not cancel them.
	go func() {
		if _, err := s.engine.Analyze(ctx, e); err != nil {
			return // already notified as analysis_failed
		}
		found, err := s.detector.Identify(context.WithoutCancel(ctx), e.SessionID)
		if err != nil {
			s.log.Warn("pattern detection failed", "sessionId", e.SessionID, "err", err)
			return
		}
		if len(found) > 0 {
			s.reg.Broadcast(e.SessionID, patternsUpdated(e.SessionID, found))
		}
	}()
}
