// Package broadcast relays task state to connected clients and forwards their
// approve and reject commands to the orchestrator.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"taskpilot/pkg/orchestrator"
	"taskpilot/pkg/principal"
	"taskpilot/pkg/task"
)

// Tasks is the orchestrator surface the hub forwards commands to.
type Tasks interface {
	Get(ctx context.Context, taskID string) (*task.Task, error)
	Approve(ctx context.Context, taskID, approver string, dryRun bool) (*orchestrator.ExecutionResult, error)
	Reject(ctx context.Context, taskID, rejecter, reason string) error
	ListForUser(ctx context.Context, principalID string, status task.Status, limit int) ([]task.Task, error)
}

// Authenticator resolves an API key to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*principal.Principal, error)
}

// Options tune liveness and buffering.
type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	SendBuffer     int
	OriginPatterns []string
}

// DefaultOptions pings every 30s and drops clients silent for 60s.
func DefaultOptions() Options {
	return Options{PingInterval: 30 * time.Second, PongTimeout: 60 * time.Second, SendBuffer: 64}
}

// Hub tracks every open session.
type Hub struct {
	tasks Tasks
	auth  Authenticator
	log   *slog.Logger
	opts  Options
	now   func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub creates a Hub.
func NewHub(tasks Tasks, auth Authenticator, log *slog.Logger, opts Options) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	return &Hub{
		tasks:    tasks,
		auth:     auth,
		log:      log.With("component", "broadcast"),
		opts:     opts,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// ServeHTTP upgrades the request to a websocket and serves it until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}
	if err := h.Serve(r.Context(), NewWSConn(c)); err != nil && !isClosed(err) {
		h.log.Debug("session ended", "error", err)
	}
}

// Serve registers conn as a session and handles its inbound frames until
// reading fails.
func (h *Hub) Serve(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := h.register(conn)
	defer h.remove(s, "disconnected")
	go s.writeLoop(ctx, h.log)

	for {
		m, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.touch(h.now())
		h.handle(ctx, s, m)
	}
}

// Len returns the number of open sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Sessions returns a snapshot of open sessions.
func (h *Hub) Sessions() []SessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.Info())
	}
	return out
}

// Send queues e for one session. It reports false if the session is gone or
// its queue is full.
func (h *Hub) Send(sessionID string, e Envelope) bool {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	return ok && s.enqueue(e)
}

// Broadcast queues e for every session and returns how many accepted it.
func (h *Hub) Broadcast(e Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.sessions {
		if s.enqueue(e) {
			n++
		}
	}
	return n
}

// SendToPrincipal queues e for every session authenticated as principalID.
func (h *Hub) SendToPrincipal(principalID string, e Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.sessions {
		if s.Principal() == principalID && s.enqueue(e) {
			n++
		}
	}
	return n
}

// TaskChanged pushes a task_update to the owner's sessions.
func (h *Hub) TaskChanged(_ context.Context, t *task.Task) {
	h.SendToPrincipal(t.UserID, Envelope{Type: TypeTaskUpdate, Data: t})
}

// Notify delivers a notification to every session of principalID and
// reports how many sessions it reached.
func (h *Hub) Notify(_ context.Context, principalID, title, body string) int {
	return h.SendToPrincipal(principalID, Envelope{
		Type: TypeNotification,
		Data: notificationData{Title: title, Message: body},
	})
}

// Run sweeps sessions every PingInterval until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll("server shutting down")
			return nil
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep force-closes sessions that have been silent for PongTimeout or longer
// and pings the rest. Pings run in the background; an answered ping refreshes
// the session's last-seen time.
func (h *Hub) Sweep(ctx context.Context) {
	now := h.now()
	var stale, live []*Session
	h.mu.RLock()
	for _, s := range h.sessions {
		if now.Sub(s.LastSeen()) >= h.opts.PongTimeout {
			stale = append(stale, s)
		} else {
			live = append(live, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.log.Info("closing unresponsive session", "session", s.ID, "principal", s.Principal(), "last_seen", s.LastSeen())
		h.evict(s)
	}
	for _, s := range live {
		go func(s *Session) {
			pctx, cancel := context.WithTimeout(ctx, h.opts.PongTimeout)
			defer cancel()
			if err := s.conn.Ping(pctx); err == nil {
				s.touch(h.now())
			}
		}(s)
	}
}

func (h *Hub) register(conn Conn) *Session {
	s := newSession(uuid.Must(uuid.NewV7()).String(), conn, h.opts.SendBuffer, h.now())
	h.mu.Lock()
	h.sessions[s.ID] = s
	n := len(h.sessions)
	h.mu.Unlock()
	h.log.Debug("session opened", "session", s.ID, "sessions", n)
	return s
}

// remove drops s from the table and closes its connection. Safe to call twice.
func (h *Hub) remove(s *Session, reason string) {
	h.unregister(s)
	s.close(reason)
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	if cur, ok := h.sessions[s.ID]; ok && cur == s {
		delete(h.sessions, s.ID)
	}
	h.mu.Unlock()
}

// evict drops s and aborts its connection without a close handshake, which
// an unresponsive peer would never complete.
func (h *Hub) evict(s *Session) {
	h.unregister(s)
	s.abort()
}

func (h *Hub) closeAll(reason string) {
	h.mu.Lock()
	all := make([]*Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		all = append(all, s)
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	for _, s := range all {
		s.close(reason)
	}
}

func (h *Hub) handle(ctx context.Context, s *Session, m Message) {
	switch m.Type {
	case TypePing:
		s.enqueue(Envelope{Type: TypePong, ID: m.ID, Data: map[string]any{"time": h.now().UTC()}})
	case TypeAuthenticate:
		h.handleAuthenticate(ctx, s, m)
	case TypeSubscribeTasks:
		h.handleSubscribe(ctx, s, m)
	case TypeApproveTask:
		var d approveData
		if !h.decode(s, m, &d) || !h.requireAuth(s, m) {
			return
		}
		go h.handleApprove(ctx, s, m.ID, d)
	case TypeRejectTask:
		var d rejectData
		if !h.decode(s, m, &d) || !h.requireAuth(s, m) {
			return
		}
		go h.handleReject(ctx, s, m.ID, d)
	default:
		s.replyError(m.ID, "unknown_type", "unknown message type: "+m.Type)
	}
}

func (h *Hub) handleAuthenticate(ctx context.Context, s *Session, m Message) {
	var d authenticateData
	if !h.decode(s, m, &d) {
		return
	}
	p, err := h.auth.Authenticate(ctx, d.Token)
	if err != nil {
		s.replyError(m.ID, "unauthorized", "invalid token")
		return
	}
	s.authenticate(p)
	s.enqueue(Envelope{Type: TypeAuthenticated, ID: m.ID, Data: map[string]any{
		"session_id":   s.ID,
		"principal_id": p.ID,
		"name":         p.Name,
		"role":         p.Role,
	}})
}

func (h *Hub) handleSubscribe(ctx context.Context, s *Session, m Message) {
	if !h.requireAuth(s, m) {
		return
	}
	tasks, err := h.tasks.ListForUser(ctx, s.Principal(), "", 50)
	if err != nil {
		h.log.Error("list tasks for subscriber", "session", s.ID, "error", err)
		s.replyError(m.ID, "unavailable", "could not load tasks")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	s.enqueue(Envelope{Type: TypeTasks, ID: m.ID, Data: tasks})
}

func (h *Hub) handleApprove(ctx context.Context, s *Session, reqID string, d approveData) {
	if !h.mayDecide(ctx, s, reqID, d.TaskID) {
		return
	}
	res, err := h.tasks.Approve(ctx, d.TaskID, s.Principal(), d.DryRun)
	if err != nil {
		h.replyTaskError(s, reqID, err)
		return
	}
	s.enqueue(Envelope{Type: TypeTaskResult, ID: reqID, Data: map[string]any{"task_id": d.TaskID, "result": res}})
	h.Broadcast(Envelope{Type: TypeTaskStatusChanged, Data: map[string]any{"task_id": d.TaskID, "status": res.Status}})
}

func (h *Hub) handleReject(ctx context.Context, s *Session, reqID string, d rejectData) {
	if !h.mayDecide(ctx, s, reqID, d.TaskID) {
		return
	}
	if err := h.tasks.Reject(ctx, d.TaskID, s.Principal(), d.Reason); err != nil {
		h.replyTaskError(s, reqID, err)
		return
	}
	s.enqueue(Envelope{Type: TypeTaskResult, ID: reqID, Data: map[string]any{"task_id": d.TaskID, "status": task.Rejected}})
	h.Broadcast(Envelope{Type: TypeTaskStatusChanged, Data: map[string]any{"task_id": d.TaskID, "status": task.Rejected}})
}

// mayDecide allows owners and admins to approve or reject a task.
func (h *Hub) mayDecide(ctx context.Context, s *Session, reqID, taskID string) bool {
	t, err := h.tasks.Get(ctx, taskID)
	if err != nil {
		h.replyTaskError(s, reqID, err)
		return false
	}
	if t.UserID != s.Principal() && s.Role() != principal.RoleAdmin {
		s.replyError(reqID, "forbidden", "not allowed to decide on this task")
		return false
	}
	return true
}

func (h *Hub) replyTaskError(s *Session, reqID string, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidState):
		s.replyError(reqID, "invalid_state", err.Error())
	case errors.Is(err, task.ErrNotFound):
		s.replyError(reqID, "not_found", "task not found")
	default:
		h.log.Error("task command failed", "session", s.ID, "error", err)
		s.replyError(reqID, "internal", "internal error")
	}
}

func (h *Hub) requireAuth(s *Session, m Message) bool {
	if s.Principal() == "" {
		s.replyError(m.ID, "unauthorized", "authenticate first")
		return false
	}
	return true
}

func (h *Hub) decode(s *Session, m Message, v any) bool {
	if len(m.Data) == 0 {
		s.replyError(m.ID, "bad_request", "missing data")
		return false
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		s.replyError(m.ID, "bad_request", "invalid data: "+err.Error())
		return false
	}
	return true
}

func isClosed(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
