package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// ConsoleErrorCode defines specific error codes for console connection failures.
type ConsoleErrorCode string

const (
	// ConsoleErrorVMNotFound - VM doesn't exist in the orchestrator
	ConsoleErrorVMNotFound ConsoleErrorCode = "VM_NOT_FOUND"
	// ConsoleErrorVMNotRunning - VM exists but is not running
	ConsoleErrorVMNotRunning ConsoleErrorCode = "VM_NOT_RUNNING"
	// ConsoleErrorNodeNotAssigned - VM has no node assignment
	ConsoleErrorNodeNotAssigned ConsoleErrorCode = "NODE_NOT_ASSIGNED"
	// ConsoleErrorVNCUnavailable - the agent has not reported a VNC endpoint
	ConsoleErrorVNCUnavailable ConsoleErrorCode = "VNC_UNAVAILABLE"
	// ConsoleErrorInternal - Generic internal error
	ConsoleErrorInternal ConsoleErrorCode = "INTERNAL_ERROR"
)

// ConsoleErrorResponse is the JSON response for console errors.
type ConsoleErrorResponse struct {
	Code    ConsoleErrorCode `json:"code"`
	Message string           `json:"message"`
	Details string           `json:"details,omitempty"`
	VMID    string           `json:"vm_id,omitempty"`
	NodeID  string           `json:"node_id,omitempty"`
}

// ConsoleHandler proxies browser WebSocket sessions onto the VNC endpoint
// the node agent reported for a VM.
type ConsoleHandler struct {
	server   *Server
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewConsoleHandler creates a new console handler.
func NewConsoleHandler(s *Server) *ConsoleHandler {
	return &ConsoleHandler{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin policy is enforced by the fronting deployment.
				return true
			},
		},
		logger: s.logger.Named("console"),
	}
}

// writeConsoleError writes a structured JSON error response.
func (h *ConsoleHandler) writeConsoleError(w http.ResponseWriter, statusCode int, errResp ConsoleErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errResp)
}

// ServeHTTP handles console WebSocket upgrade requests.
// Expected path: /api/v1/console/{vmId}/ws
// Also supports preflight checks via X-Console-Preflight header for better error messages.
func (h *ConsoleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Path format: /api/v1/console/{vmId}/ws
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 5 || parts[0] != "api" || parts[1] != "v1" || parts[2] != "console" || parts[4] != "ws" {
		h.writeConsoleError(w, http.StatusBadRequest, ConsoleErrorResponse{
			Code:    ConsoleErrorInternal,
			Message: "Invalid console path format",
		})
		return
	}
	vmID := parts[3]

	// Preflight checks let the web UI surface a precise error before it
	// commits to a WebSocket upgrade.
	isPreflight := r.Header.Get("X-Console-Preflight") == "true"

	if isPreflight {
		h.logger.Debug("Console preflight check",
			zap.String("vm_id", vmID),
			zap.String("remote_addr", r.RemoteAddr),
		)
	} else {
		h.logger.Info("Console WebSocket request",
			zap.String("vm_id", vmID),
			zap.String("remote_addr", r.RemoteAddr),
		)
	}

	ctx := r.Context()
	vm, err := h.server.vms.Get(ctx, vmID)
	if err != nil {
		h.logger.Warn("VM not found", zap.String("vm_id", vmID), zap.Error(err))
		h.writeConsoleError(w, http.StatusNotFound, ConsoleErrorResponse{
			Code:    ConsoleErrorVMNotFound,
			Message: "Virtual machine not found",
			Details: fmt.Sprintf("No VM exists with ID '%s'. It may have been deleted.", vmID),
			VMID:    vmID,
		})
		return
	}

	if vm.Status != domain.VMStatusRunning {
		h.logger.Warn("VM is not running",
			zap.String("vm_id", vmID),
			zap.String("status", string(vm.Status)),
		)
		h.writeConsoleError(w, http.StatusPreconditionFailed, ConsoleErrorResponse{
			Code:    ConsoleErrorVMNotRunning,
			Message: "Virtual machine is not running",
			Details: fmt.Sprintf("VM '%s' is currently in status '%s'. Start the VM to access the console.", vm.Name, vm.Status),
			VMID:    vmID,
		})
		return
	}

	if vm.NodeID == "" {
		h.logger.Error("VM has no node assignment", zap.String("vm_id", vmID))
		h.writeConsoleError(w, http.StatusPreconditionFailed, ConsoleErrorResponse{
			Code:    ConsoleErrorNodeNotAssigned,
			Message: "VM is not assigned to any node",
			Details: "The VM exists but is not placed on any node. This may indicate a scheduling issue.",
			VMID:    vmID,
		})
		return
	}

	// The agent reports the VNC endpoint through reconciliation once the VM
	// runs. Until then there is nothing to proxy to.
	if vm.Access.VNCHost == "" || vm.Access.VNCPort == 0 {
		h.logger.Warn("VNC endpoint not reported yet",
			zap.String("vm_id", vmID),
			zap.String("node_id", vm.NodeID),
		)
		h.writeConsoleError(w, http.StatusServiceUnavailable, ConsoleErrorResponse{
			Code:    ConsoleErrorVNCUnavailable,
			Message: "Console endpoint not available",
			Details: fmt.Sprintf("The node has not reported a VNC endpoint for VM '%s' yet. Try again in a few seconds.", vm.Name),
			VMID:    vmID,
			NodeID:  vm.NodeID,
		})
		return
	}

	vncAddr := fmt.Sprintf("%s:%d", vm.Access.VNCHost, vm.Access.VNCPort)

	// For preflight checks, return success without WebSocket upgrade
	if isPreflight {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":      true,
			"vm_id":   vmID,
			"vm_name": vm.Name,
			"node_id": vm.NodeID,
		})
		return
	}

	clientConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer clientConn.Close()

	vncConn, err := net.DialTimeout("tcp", vncAddr, 10*time.Second)
	if err != nil {
		h.logger.Error("Failed to connect to VNC server",
			zap.String("address", vncAddr),
			zap.Error(err),
		)
		clientConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "VNC connection failed"))
		return
	}
	defer vncConn.Close()

	h.logger.Info("VNC connection established",
		zap.String("vm_id", vmID),
		zap.String("vnc_addr", vncAddr),
	)

	h.proxyVNC(clientConn, vncConn)

	h.logger.Info("Console session ended", zap.String("vm_id", vmID))
}

// proxyVNC proxies data between WebSocket and VNC TCP connection.
func (h *ConsoleHandler) proxyVNC(ws *websocket.Conn, vnc net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	// WebSocket -> VNC
	go func() {
		defer wg.Done()
		defer vnc.Close()

		for {
			messageType, data, err := ws.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Debug("WebSocket read error", zap.Error(err))
				}
				return
			}

			// Only forward binary messages
			if messageType == websocket.BinaryMessage {
				_, err = vnc.Write(data)
				if err != nil {
					h.logger.Debug("VNC write error", zap.Error(err))
					return
				}
			}
		}
	}()

	// VNC -> WebSocket
	go func() {
		defer wg.Done()
		defer ws.Close()

		buf := make([]byte, 64*1024)
		for {
			n, err := vnc.Read(buf)
			if err != nil {
				if err != io.EOF {
					h.logger.Debug("VNC read error", zap.Error(err))
				}
				return
			}

			err = ws.WriteMessage(websocket.BinaryMessage, buf[:n])
			if err != nil {
				h.logger.Debug("WebSocket write error", zap.Error(err))
				return
			}
		}
	}()

	wg.Wait()
}
