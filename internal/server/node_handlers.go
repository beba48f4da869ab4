package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
	"github.com/stratomesh/stratomesh/internal/server/middleware"
	"github.com/stratomesh/stratomesh/internal/services/node"
)

// NodeHandler serves the agent-facing API: registration, heartbeat, and
// command acknowledgment, plus the operator's fleet listing.
type NodeHandler struct {
	server *Server
	logger *zap.Logger
}

// NewNodeHandler creates the node API handler.
func NewNodeHandler(s *Server) *NodeHandler {
	return &NodeHandler{
		server: s,
		logger: s.logger.Named("node-api"),
	}
}

// ServeHTTP routes:
//   - GET  /api/v1/nodes                              fleet listing
//   - POST /api/v1/nodes/register                     agent registration
//   - POST /api/v1/nodes/{id}/heartbeat               agent report + command pickup
//   - POST /api/v1/nodes/{id}/commands/{cmdId}/ack    command acknowledgment
func (h *NodeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/v1/nodes" {
		if r.Method != http.MethodGet {
			writeError(h.logger, w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is supported")
			return
		}
		h.handleList(w, r)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/nodes/")
	parts := strings.Split(path, "/")

	if len(parts) == 1 && parts[0] == "register" {
		if r.Method != http.MethodPost {
			writeError(h.logger, w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only POST is supported")
			return
		}
		h.handleRegister(w, r)
		return
	}

	if len(parts) == 2 && parts[1] == "heartbeat" && r.Method == http.MethodPost {
		h.handleHeartbeat(w, r, parts[0])
		return
	}

	if len(parts) == 4 && parts[1] == "commands" && parts[3] == "ack" && r.Method == http.MethodPost {
		h.handleAck(w, r, parts[0], parts[2])
		return
	}

	writeError(h.logger, w, http.StatusNotFound, "NOT_FOUND", "unknown node endpoint")
}

// handleRegister admits or updates an agent. Registration is the only public
// node endpoint; when Redis is wired it is rate limited per wallet.
func (h *NodeHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req node.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "INVALID_BODY", "invalid registration body")
		return
	}

	if !h.allowRegistration(r, req.WalletAddress) {
		writeError(h.logger, w, http.StatusTooManyRequests, "RATE_LIMITED",
			"too many registration attempts for this wallet, retry later")
		return
	}

	resp, err := h.server.nodes.Register(r.Context(), req)
	if err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, resp)
}

// allowRegistration applies the sliding-window wallet limit. Redis being
// down never blocks registration; the limiter degrades open.
func (h *NodeHandler) allowRegistration(r *http.Request, wallet string) bool {
	cfg := h.server.config.RateLimit
	if !cfg.Enabled || h.server.cache == nil || wallet == "" {
		return true
	}

	key := fmt.Sprintf("ratelimit:register:%s", strings.ToLower(wallet))
	result, err := h.server.cache.CheckRateLimit(r.Context(), key, int64(cfg.RegistrationsPerHour), time.Hour)
	if err != nil {
		h.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return true
	}
	if !result.Allowed {
		h.logger.Warn("Registration rate limited",
			zap.String("wallet", strings.ToLower(wallet)),
			zap.Time("reset_at", result.ResetAt),
		)
	}
	return result.Allowed
}

// handleHeartbeat ingests an agent report and returns queued commands. The
// bearer credential must belong to the node in the path.
func (h *NodeHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request, nodeID string) {
	if !h.authorizedFor(r, nodeID) {
		writeError(h.logger, w, http.StatusForbidden, "NODE_MISMATCH", "credential does not belong to this node")
		return
	}

	var req node.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "INVALID_BODY", "invalid heartbeat body")
		return
	}

	resp, err := h.server.nodes.Heartbeat(r.Context(), nodeID, req)
	if err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, resp)
}

// handleAck ingests a command acknowledgment. The response is 200
// {received: true} regardless of how the ack resolves: the agent's only job
// is delivery, and a retry of a correlation failure cannot succeed.
func (h *NodeHandler) handleAck(w http.ResponseWriter, r *http.Request, nodeID, commandID string) {
	if !h.authorizedFor(r, nodeID) {
		writeError(h.logger, w, http.StatusForbidden, "NODE_MISMATCH", "credential does not belong to this node")
		return
	}

	var ack domain.CommandAck
	if err := json.NewDecoder(r.Body).Decode(&ack); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "INVALID_BODY", "invalid ack body")
		return
	}

	if err := h.server.nodes.HandleAck(r.Context(), nodeID, commandID, ack); err != nil {
		h.logger.Warn("Ack processing failed",
			zap.String("node_id", nodeID),
			zap.String("command_id", commandID),
			zap.Error(err),
		)
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]bool{"received": true})
}

// handleList returns the registered fleet.
func (h *NodeHandler) handleList(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.server.nodes.List(r.Context())
	if err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]any{"nodes": nodes})
}

// authorizedFor checks that the authenticated credential matches the node id
// in the path.
func (h *NodeHandler) authorizedFor(r *http.Request, nodeID string) bool {
	claims, ok := middleware.GetClaims(r.Context())
	return ok && claims.NodeID == nodeID
}
