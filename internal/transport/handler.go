// ABOUTME: WebSocket handshake and per-connection session loop
// ABOUTME: Authenticates before upgrade, registers, heartbeats, and marks disconnect on exit

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/netra-gateway/internal/auth"
	"github.com/2389/netra-gateway/internal/metrics"
	"github.com/2389/netra-gateway/internal/registry"
	"github.com/2389/netra-gateway/internal/tracectx"
)

// ThreadIDParam is the query parameter naming the conversation thread.
const ThreadIDParam = "thread_id"

// Authenticator validates a handshake before upgrade.
type Authenticator interface {
	Authenticate(ctx context.Context, hs auth.Handshake, threadID string) auth.AuthResult
}

// Registry is the part of the connection registry the handler drives.
type Registry interface {
	Register(ctx context.Context, userID, connectionID string, payload map[string]any) registry.RegisterResult
	Heartbeat(ctx context.Context, userID, connectionID string) error
	MarkDisconnected(ctx context.Context, userID, connectionID string) (bool, error)
	RestoreSession(ctx context.Context, userID string) (map[string]any, bool)
	UpdateSession(ctx context.Context, userID, connectionID string, payload map[string]any) error
}

// Options tunes the handler. Zero values take defaults.
type Options struct {
	// HeartbeatTimeout is the read deadline; a client silent for longer is dropped.
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration
	// CheckOrigin overrides the upgrader's origin check. Credentials travel as
	// bearer tokens, not cookies, so the default accepts any origin.
	CheckOrigin func(r *http.Request) bool
}

// Handler serves the WebSocket endpoint.
type Handler struct {
	auth     Authenticator
	registry Registry
	hub      *Hub
	upgrader websocket.Upgrader

	heartbeatTimeout time.Duration
	writeTimeout     time.Duration

	logger *slog.Logger
}

// NewHandler creates a Handler that tracks its connections in hub.
func NewHandler(authn Authenticator, reg Registry, hub *Hub, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 90 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Handler{
		auth:     authn,
		registry: reg,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		heartbeatTimeout: opts.HeartbeatTimeout,
		writeTimeout:     opts.WriteTimeout,
		logger:           logger.With("component", "transport"),
	}
}

// ServeHTTP authenticates the handshake, upgrades, and runs the session
// until the client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tc := tracectx.FromHeaders(r.Header)
	threadID := r.URL.Query().Get(ThreadIDParam)
	if threadID == "" {
		threadID = tc.ThreadID()
	}

	logger := h.logger.With("trace_id", tc.TraceID().String(), "remote_addr", r.RemoteAddr)

	if !websocket.IsWebSocketUpgrade(r) {
		writeJSONError(w, http.StatusUpgradeRequired, "upgrade required")
		return
	}

	res := h.auth.Authenticate(r.Context(), auth.HandshakeFromRequest(r), threadID)
	if !res.Success {
		metrics.HandshakeRejections.WithLabelValues(string(res.Classification)).Inc()
		logger.Warn("handshake rejected", "classification", res.Classification)
		auth.WriteRejection(w, res)
		return
	}

	span := tc.StartSpan("ws.connect", map[string]string{
		"user_id":     res.UserID,
		"auth_method": string(res.Method),
	})

	// Restore reads the record before Register overwrites it.
	payload, restored := h.registry.RestoreSession(r.Context(), res.UserID)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := tracectx.WithContext(auth.WithAuth(context.Background(), auth.ContextFromResult(res)), tc)
	conn := newConn(session, uuid.NewString(), res.UserID, ws, h.writeTimeout)
	logger = logger.With("user_id", conn.userID, "connection_id", conn.id)

	// The hub holds the socket before the registry names it canonical, so the
	// bridge never resolves a connection it cannot find.
	h.hub.add(conn)
	metrics.ConnectionsActive.Inc()
	defer func() {
		metrics.ConnectionsActive.Dec()
		h.hub.remove(conn)
		conn.shutdown()
		h.disconnect(conn, logger)
	}()

	reg := h.registry.Register(r.Context(), conn.userID, conn.id, payload)
	for _, id := range reg.Superseded {
		if old, ok := h.hub.get(id); ok && old != conn {
			logger.Info("closing superseded connection", "superseded_id", id)
			old.CloseWith(CloseSuperseded, "superseded")
		}
	}

	tc.AddEvent("registered", map[string]string{"connection_id": conn.id})
	established := connectionEstablished{
		Type:         msgConnectionEstablished,
		ConnectionID: conn.id,
		UserID:       conn.userID,
		AuthMethod:   string(conn.Auth().Method),
		Degraded:     reg.Degraded,
		Restored:     restored && !reg.Degraded,
		Session:      payload,
		Trace:        tc.WebSocketContext(),
		Timestamp:    time.Now().UTC(),
	}
	tc.FinishSpan(span)

	if err := h.writeJSON(r.Context(), conn, established); err != nil {
		logger.Warn("failed to send connection established", "error", err)
		return
	}

	logger.Info("websocket session started", "degraded", reg.Degraded, "restored", established.Restored)
	h.readLoop(conn, logger)
}

func (h *Handler) disconnect(conn *Conn, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changed, err := h.registry.MarkDisconnected(ctx, conn.userID, conn.id)
	if err != nil {
		logger.Warn("failed to mark connection disconnected", "error", err)
		return
	}
	logger.Info("websocket session ended", "record_updated", changed)
}

func (h *Handler) readLoop(conn *Conn, logger *slog.Logger) {
	ws := conn.ws
	ws.SetReadLimit(maxMessageSize)
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(h.heartbeatTimeout)) }
	extend()

	ws.SetPingHandler(func(data string) error {
		extend()
		h.heartbeat(conn, logger)
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(h.writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	ws.SetPongHandler(func(string) error {
		extend()
		h.heartbeat(conn, logger)
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, CloseSuperseded) {
				logger.Debug("read loop ended", "error", err)
			}
			return
		}
		extend()

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = h.writeJSON(conn.ctx, conn, errorMessage{Type: msgError, Error: "malformed message"})
			continue
		}

		switch msg.Type {
		case msgPing:
			if !h.heartbeat(conn, logger) {
				return
			}
			_ = h.writeJSON(conn.ctx, conn, pongMessage{Type: msgPong, Timestamp: time.Now().UTC()})
		case msgSessionUpdate:
			h.updateSession(conn, msg.Payload, logger)
		default:
			_ = h.writeJSON(conn.ctx, conn, errorMessage{Type: msgError, Error: "unknown message type"})
		}
	}
}

// heartbeat refreshes the registry record. It returns false, after closing the
// socket, when another connection has taken over the user.
func (h *Handler) heartbeat(conn *Conn, logger *slog.Logger) bool {
	ctx, cancel := context.WithTimeout(conn.ctx, h.writeTimeout)
	defer cancel()

	err := h.registry.Heartbeat(ctx, conn.userID, conn.id)
	switch {
	case err == nil:
		return true
	case errors.Is(err, registry.ErrNotActive):
		if tc := conn.Trace(); tc != nil {
			tc.AddEvent("superseded", map[string]string{"connection_id": conn.id})
		}
		logger.Info("connection no longer active, closing")
		conn.CloseWith(CloseSuperseded, "superseded")
		return false
	default:
		logger.Debug("heartbeat failed", "error", err)
		return true
	}
}

func (h *Handler) updateSession(conn *Conn, payload map[string]any, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(conn.ctx, h.writeTimeout)
	defer cancel()

	if err := h.registry.UpdateSession(ctx, conn.userID, conn.id, payload); err != nil {
		logger.Warn("session update failed", "error", err)
		_ = h.writeJSON(conn.ctx, conn, errorMessage{Type: msgError, Error: "session update failed"})
		return
	}
	_ = h.writeJSON(conn.ctx, conn, ackMessage{Type: msgSessionUpdated})
}

func (h *Handler) writeJSON(ctx context.Context, conn *Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Send(ctx, data)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
