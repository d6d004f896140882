package companion

import (
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kindredhq/kindred/internal/api"
	"github.com/kindredhq/kindred/internal/config"
	"github.com/kindredhq/kindred/internal/domain"
	"github.com/kindredhq/kindred/internal/identity"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// streamConn represents a single SSE client connection.
type streamConn struct {
	ID          int64
	UserID      string
	SessionID   string
	ConnectedAt time.Time
	LastEventID int64
	Writer      http.ResponseWriter
	Flusher     http.Flusher
	Done        chan struct{}
	mu          sync.Mutex
}

// replayQueue buffers recent exchange updates per conversation, sharded per
// session so one user's burst cannot evict another's events. A reconnecting
// SSE client replays from its Last-Event-ID.
type replayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List // conversation key -> events
	maxSize int
}

// queuedEvent is one buffered exchange update.
type queuedEvent struct {
	EventID   int64
	Exchange  domain.Exchange
	Timestamp time.Time
}

func newReplayQueue(maxSize int) *replayQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &replayQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

func (q *replayQueue) Enqueue(key string, eventID int64, ex domain.Exchange) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queues[key]; !ok {
		q.queues[key] = list.New()
	}
	l := q.queues[key]
	l.PushBack(&queuedEvent{EventID: eventID, Exchange: ex, Timestamp: time.Now()})
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// After returns buffered events newer than afterEventID for a conversation.
func (q *replayQueue) After(key string, afterEventID int64) []*queuedEvent {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[key]
	if !ok {
		return nil
	}
	var missed []*queuedEvent
	for e := l.Front(); e != nil; e = e.Next() {
		ev := e.Value.(*queuedEvent)
		if ev.EventID > afterEventID {
			missed = append(missed, ev)
		}
	}
	return missed
}

// Prune removes the queue for a conversation when its last stream closes.
func (q *replayQueue) Prune(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, key)
}

// Handler exposes the companion over HTTP: send, conversation snapshot, the
// SSE update stream, workflow endpoints, and reset.
type Handler struct {
	svc         *Service
	cfg         *config.Config
	rateLimiter *RateLimiter

	connsMu sync.RWMutex
	conns   map[string]map[int64]*streamConn // conversation key -> conn id -> conn

	subsMu      sync.RWMutex
	subscribers map[string]map[int64]chan domain.Exchange // WS and other in-process listeners

	replay       *replayQueue
	eventCounter int64
	connectionID int64
	counterMu    sync.Mutex

	done chan struct{}
}

// NewHandler creates the HTTP handler and starts the update broadcaster.
func NewHandler(svc *Service, cfg *config.Config) *Handler {
	rateLimit := 20
	rateWindow := time.Minute
	if cfg != nil {
		rateLimit = cfg.RateLimit.RequestsPerWindow
		rateWindow = cfg.RateLimit.WindowDuration
	}

	h := &Handler{
		svc:         svc,
		cfg:         cfg,
		rateLimiter: NewRateLimiter(rateLimit, rateWindow),
		conns:       make(map[string]map[int64]*streamConn),
		subscribers: make(map[string]map[int64]chan domain.Exchange),
		replay:      newReplayQueue(100),
		done:        make(chan struct{}),
	}
	go h.broadcastLoop()
	return h
}

// RegisterRoutes registers the companion routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/send", h.HandleSend)
		r.Get("/exchanges", h.HandleExchanges)
		r.Get("/stream", h.HandleStream)
		r.Post("/reset", h.HandleReset)
	})
	r.Route("/api/workflows", func(r chi.Router) {
		r.Get("/", h.HandleWorkflows)
		r.Get("/{type}", h.HandleWorkflow)
		r.Post("/{type}/confirm", h.HandleWorkflowConfirm)
		r.Post("/{type}/dismiss", h.HandleWorkflowDismiss)
	})
	r.Get("/api/health", h.HandleHealth)
}

// Close stops the broadcaster.
func (h *Handler) Close() {
	close(h.done)
}

// sendRequest is the body of POST /api/chat/send.
type sendRequest struct {
	Message string `json:"message"`
}

// HandleSend handles POST /api/chat/send.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil {
		maxBodySize = h.cfg.Stream.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	ex, err := h.svc.Send(r.Context(), userID, sessionID, req.Message)
	if err != nil {
		if errors.Is(err, ErrEmptyMessage) {
			api.Error(w, http.StatusBadRequest, "message is required")
			return
		}
		slog.Error("Send failed", "error", err, "user_id", userID, "request_id", reqID)
		api.Error(w, http.StatusInternalServerError, "failed to create exchange")
		return
	}

	api.JSON(w, http.StatusAccepted, map[string]any{"exchange": ex})
}

// HandleExchanges handles GET /api/chat/exchanges.
func (h *Handler) HandleExchanges(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	exchanges, err := h.svc.Exchanges(r.Context(), userID, sessionID)
	if err != nil {
		slog.Error("Failed to load exchanges", "error", err, "user_id", userID)
		api.Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if exchanges == nil {
		exchanges = []domain.Exchange{}
	}
	api.JSON(w, http.StatusOK, map[string]any{"exchanges": exchanges})
}

// HandleReset handles POST /api/chat/reset.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.svc.Reset(r.Context(), userID, sessionID); err != nil {
		slog.Error("Reset failed", "error", err, "user_id", userID)
		api.Error(w, http.StatusInternalServerError, "failed to reset conversation")
		return
	}
	api.JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// HandleWorkflows handles GET /api/workflows.
func (h *Handler) HandleWorkflows(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	workflows := h.svc.ActiveWorkflows(userID, sessionID)
	if workflows == nil {
		workflows = []domain.WorkflowState{}
	}
	api.JSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

// HandleWorkflow handles GET /api/workflows/{type}.
func (h *Handler) HandleWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, wfType, ok := h.workflowParams(w, r)
	if !ok {
		return
	}

	state := h.svc.ActiveWorkflow(userID, sessionID, wfType)
	if state == nil {
		api.Error(w, http.StatusNotFound, "no active workflow")
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"workflow": state})
}

// HandleWorkflowConfirm handles POST /api/workflows/{type}/confirm.
func (h *Handler) HandleWorkflowConfirm(w http.ResponseWriter, r *http.Request) {
	h.closeWorkflow(w, r, h.svc.ConfirmWorkflow, "confirmed")
}

// HandleWorkflowDismiss handles POST /api/workflows/{type}/dismiss.
func (h *Handler) HandleWorkflowDismiss(w http.ResponseWriter, r *http.Request) {
	h.closeWorkflow(w, r, h.svc.DismissWorkflow, "dismissed")
}

func (h *Handler) closeWorkflow(w http.ResponseWriter, r *http.Request, fn func(string, string, domain.WorkflowType) error, status string) {
	userID, sessionID, wfType, ok := h.workflowParams(w, r)
	if !ok {
		return
	}

	if err := fn(userID, sessionID, wfType); err != nil {
		if errors.Is(err, ErrNoActiveWorkflow) {
			api.Error(w, http.StatusNotFound, "no active workflow")
			return
		}
		slog.Error("Workflow update failed", "error", err, "type", wfType, "user_id", userID)
		api.Error(w, http.StatusInternalServerError, "failed to update workflow")
		return
	}
	api.JSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *Handler) workflowParams(w http.ResponseWriter, r *http.Request) (userID, sessionID string, t domain.WorkflowType, ok bool) {
	userID = identity.UserIDFromContext(r.Context())
	sessionID = identity.SessionIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return "", "", "", false
	}

	t = domain.WorkflowType(chi.URLParam(r, "type"))
	if !domain.ValidWorkflowType(t) {
		api.Error(w, http.StatusBadRequest, "unknown workflow type")
		return "", "", "", false
	}
	return userID, sessionID, t, true
}

// HandleHealth handles GET /api/health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		api.Error(w, http.StatusServiceUnavailable, "archive unavailable")
		return
	}
	api.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Subscribe registers an in-process listener (the WebSocket handler) for one
// conversation's exchange updates. The returned cancel func must be called
// when the listener goes away.
func (h *Handler) Subscribe(userID, sessionID string) (<-chan domain.Exchange, func()) {
	key := conversationKey(userID, sessionID)
	ch := make(chan domain.Exchange, 32)

	h.counterMu.Lock()
	h.connectionID++
	id := h.connectionID
	h.counterMu.Unlock()

	h.subsMu.Lock()
	if _, ok := h.subscribers[key]; !ok {
		h.subscribers[key] = make(map[int64]chan domain.Exchange)
	}
	h.subscribers[key][id] = ch
	h.subsMu.Unlock()

	cancel := func() {
		h.subsMu.Lock()
		if subs, ok := h.subscribers[key]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.subscribers, key)
			}
		}
		h.subsMu.Unlock()
	}
	return ch, cancel
}

// broadcastLoop distributes exchange updates to SSE connections and
// in-process subscribers.
func (h *Handler) broadcastLoop() {
	slog.Info("Exchange update broadcaster started")
	for {
		select {
		case <-h.done:
			slog.Info("Exchange update broadcaster shutting down")
			return
		case ev, ok := <-h.svc.Events():
			if !ok {
				return
			}

			h.counterMu.Lock()
			h.eventCounter++
			eventID := h.eventCounter
			h.counterMu.Unlock()

			key := conversationKey(ev.UserID, ev.SessionID)
			h.replay.Enqueue(key, eventID, ev.Exchange)

			h.connsMu.RLock()
			convConns := h.conns[key]
			// Snapshot connections to avoid holding RLock during writes.
			conns := make([]*streamConn, 0, len(convConns))
			for _, c := range convConns {
				conns = append(conns, c)
			}
			h.connsMu.RUnlock()

			for _, conn := range conns {
				h.sendToConn(conn, eventID, ev.Exchange)
			}

			h.subsMu.RLock()
			for _, ch := range h.subscribers[key] {
				select {
				case ch <- ev.Exchange:
				default:
					slog.Warn("Subscriber channel full, dropping exchange update",
						"user_id", ev.UserID,
						"exchange_id", ev.Exchange.ID,
					)
				}
			}
			h.subsMu.RUnlock()
		}
	}
}

// sendToConn writes one exchange update to an SSE connection.
func (h *Handler) sendToConn(conn *streamConn, eventID int64, ex domain.Exchange) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.Done:
		return
	default:
	}

	data, err := json.Marshal(map[string]any{"exchange": ex})
	if err != nil {
		slog.Error("Failed to marshal exchange update", "error", err, "conn_id", conn.ID)
		return
	}

	if err := writeSSEWithID(conn.Writer, eventID, "exchange", string(data)); err != nil {
		slog.Error("Failed to write to SSE connection",
			"error", err,
			"conn_id", conn.ID,
			"user_id", conn.UserID,
		)
		return
	}
	conn.Flusher.Flush()
	conn.LastEventID = eventID
}

// HandleStream handles the SSE stream of exchange updates, with Last-Event-ID
// replay and keepalive pings.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	key := conversationKey(userID, sessionID)

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	retryDelayMs := int64(5000)
	if h.cfg != nil {
		retryDelayMs = h.cfg.Stream.RetryDelay.Milliseconds()
	}
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", retryDelayMs); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	h.counterMu.Lock()
	h.connectionID++
	connID := h.connectionID
	h.counterMu.Unlock()

	conn := &streamConn{
		ID:          connID,
		UserID:      userID,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		LastEventID: lastEventID,
		Writer:      w,
		Flusher:     flusher,
		Done:        make(chan struct{}),
	}

	h.connsMu.Lock()
	if _, exists := h.conns[key]; !exists {
		h.conns[key] = make(map[int64]*streamConn)
	}
	h.conns[key][connID] = conn
	h.connsMu.Unlock()

	defer func() {
		close(conn.Done)
		h.connsMu.Lock()
		if convConns, exists := h.conns[key]; exists {
			delete(convConns, connID)
			if len(convConns) == 0 {
				delete(h.conns, key)
				h.replay.Prune(key)
			}
		}
		h.connsMu.Unlock()
		slog.Info("SSE connection closed", "user_id", userID, "session_id", sessionID, "conn_id", connID)
	}()

	// Replay missed updates on reconnect.
	if lastEventID > 0 {
		for _, ev := range h.replay.After(key, lastEventID) {
			h.sendToConn(conn, ev.EventID, ev.Exchange)
		}
	}

	if err := writeSSE(w, "connected", fmt.Sprintf(`{"status":"connected","user_id":%q}`, userID)); err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	slog.Info("SSE connection established",
		"user_id", userID,
		"session_id", sessionID,
		"conn_id", connID,
		"reconnect", lastEventID > 0,
	)

	keepaliveInterval := 10 * time.Second
	if h.cfg != nil {
		keepaliveInterval = h.cfg.Stream.KeepaliveInterval
	}
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("SSE stream disconnected", "user_id", userID, "session_id", sessionID)
			return
		case <-h.done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				conn.mu.Unlock()
				slog.Warn("failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
			conn.mu.Unlock()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
