// ABOUTME: HTTP handlers for health, readiness and the agent event ingress
// ABOUTME: POST /api/v1/events hands lifecycle events to the bridge

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/netra-gateway/internal/auth"
	"github.com/2389/netra-gateway/internal/bridge"
	"github.com/2389/netra-gateway/internal/tracectx"
)

// maxEventBody bounds an ingress request body.
const maxEventBody = 1 << 20

// PublishEventRequest is the JSON request body for POST /api/v1/events.
type PublishEventRequest struct {
	UserID  string         `json:"user_id"`
	RunID   string         `json:"run_id"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ReadyResponse is the JSON response for GET /health/ready.
type ReadyResponse struct {
	Ready       bool   `json:"ready"`
	Auth        string `json:"auth"`
	Registry    string `json:"registry"`
	Connections int    `json:"connections"`
	Degraded    int    `json:"degraded"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 when the authenticator can verify credentials and
// the registry's breaker is not open.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := ReadyResponse{
		Auth:        "ok",
		Registry:    g.registry.BreakerState(),
		Connections: g.hub.Count(),
		Degraded:    g.registry.DegradedCount(),
	}
	authErr := g.authenticator.Ready(ctx)
	if authErr != nil {
		resp.Auth = authErr.Error()
	}
	resp.Ready = authErr == nil && g.registry.Healthy()

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handlePublishEvent handles POST /api/v1/events. A well-formed request is
// always accepted with 202; the body reports whether the event reached a
// client.
func (g *Gateway) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	req, err := parsePublishRequest(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// An unknown name is left for the bridge to reject so the caller gets
	// the same Result shape as any other undelivered event.
	kind, err := bridge.ParseKind(req.Event)
	if err != nil {
		kind = bridge.Kind(req.Event)
	}

	tc := tracectx.FromHeaders(r.Header)

	logger := g.logger.With("user_id", req.UserID, "run_id", req.RunID, "event", req.Event)
	if caller := auth.FromContext(r.Context()); caller != nil {
		logger = logger.With("publisher", caller.UserID)
	}

	res := g.bridge.Emit(r.Context(), req.UserID, req.RunID, kind, req.Payload, tc)
	logger.Debug("event published", "delivered", res.Delivered, "reason", res.Reason)

	writeJSON(w, http.StatusAccepted, res)
}

// parsePublishRequest decodes and validates a PublishEventRequest.
func parsePublishRequest(r io.Reader) (*PublishEventRequest, error) {
	var req PublishEventRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	switch {
	case req.UserID == "":
		return nil, errors.New("user_id is required")
	case req.RunID == "":
		return nil, errors.New("run_id is required")
	case req.Event == "":
		return nil, errors.New("event is required")
	}
	return &req, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
