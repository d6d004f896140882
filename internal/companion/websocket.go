package companion

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/kindredhq/kindred/internal/domain"
	"github.com/kindredhq/kindred/internal/identity"
)

// WebSocketHandler serves the bidirectional chat transport: clients push
// "send" frames and receive "exchange" update frames as the conversation
// progresses. It is an alternative to POST /send + the SSE stream for
// clients that prefer a single connection.
type WebSocketHandler struct {
	svc           *Service
	hub           *Handler
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a WebSocket chat handler. hub provides the
// exchange-update subscription.
func NewWebSocketHandler(svc *Service, hub *Handler, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		svc:           svc,
		hub:           hub,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsInbound is a client frame.
type wsInbound struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// wsOutbound is a server frame.
type wsOutbound struct {
	Type     string           `json:"type"`
	Exchange *domain.Exchange `json:"exchange,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	slog.Info("WebSocket chat connection request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "conversation ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, unsubscribe := h.hub.Subscribe(userID, sessionID)
	defer unsubscribe()

	// Writer: pump exchange updates to the client.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ex, ok := <-updates:
				if !ok {
					return
				}
				if err := writeFrame(ctx, ws, wsOutbound{Type: "exchange", Exchange: &ex}); err != nil {
					slog.Debug("WebSocket write failed", "error", err, "user_id", userID)
					cancel()
					return
				}
			}
		}
	}()

	// Reader: handle client frames until disconnect.
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				slog.Info("WebSocket chat closed", "user_id", userID, "session_id", sessionID)
			} else {
				slog.Debug("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var frame wsInbound
		if err := json.Unmarshal(data, &frame); err != nil {
			if writeErr := writeFrame(ctx, ws, wsOutbound{Type: "error", Error: "invalid frame"}); writeErr != nil {
				return
			}
			continue
		}

		switch frame.Type {
		case "send":
			if _, err := h.svc.Send(ctx, userID, sessionID, frame.Message); err != nil {
				msg := "failed to send message"
				if errors.Is(err, ErrEmptyMessage) {
					msg = "message is required"
				}
				if writeErr := writeFrame(ctx, ws, wsOutbound{Type: "error", Error: msg}); writeErr != nil {
					return
				}
			}
		case "ping":
			if err := writeFrame(ctx, ws, wsOutbound{Type: "pong"}); err != nil {
				return
			}
		default:
			if err := writeFrame(ctx, ws, wsOutbound{Type: "error", Error: "unknown frame type"}); err != nil {
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, ws *websocket.Conn, frame wsOutbound) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev || h.allowedOrigin == "" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSuffix(origin, "/"), strings.TrimSuffix(h.allowedOrigin, "/"))
}
