package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
	"github.com/stratomesh/stratomesh/internal/services/vm"
)

// VMHandler serves the user-facing VM REST surface.
type VMHandler struct {
	server *Server
	logger *zap.Logger
}

// NewVMHandler creates the VM REST handler.
func NewVMHandler(s *Server) *VMHandler {
	return &VMHandler{
		server: s,
		logger: s.logger.Named("vm-api"),
	}
}

// createVMRequest is the creation body. The spec shape is flat; the handler
// folds it into the service request.
type createVMRequest struct {
	Name            string            `json:"name"`
	OwnerID         string            `json:"ownerId,omitempty"`
	OwnerWallet     string            `json:"ownerWallet"`
	PremiumName     bool              `json:"premiumName,omitempty"`
	Type            string            `json:"type,omitempty"`
	VirtualCPUCores int               `json:"virtualCpuCores"`
	MemoryBytes     int64             `json:"memoryBytes"`
	DiskBytes       int64             `json:"diskBytes"`
	ImageID         string            `json:"imageId,omitempty"`
	QualityTier     string            `json:"qualityTier,omitempty"`
	GPUMode         string            `json:"gpuMode,omitempty"`
	ContainerImage  string            `json:"containerImage,omitempty"`
	SSHPublicKey    string            `json:"sshPublicKey,omitempty"`
	UserData        string            `json:"userData,omitempty"`
	TemplateID      string            `json:"templateId,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	// Services declares readiness checks the agent should run once the VM
	// boots. The implicit cloud-init check is added server-side.
	Services []domain.ServiceStatus `json:"services,omitempty"`
}

// allocatePortRequest is the body of POST /api/v1/vms/{id}/ports.
type allocatePortRequest struct {
	VMPort   int    `json:"vmPort"`
	Protocol string `json:"protocol,omitempty"`
}

// setPasswordRequest carries the wallet-encrypted guest password.
type setPasswordRequest struct {
	EncryptedPassword string `json:"encryptedPassword"`
}

// ServeHTTP routes:
//   - POST   /api/v1/vms                       create
//   - GET    /api/v1/vms?ownerId=              list
//   - GET    /api/v1/vms/{id}                  get
//   - DELETE /api/v1/vms/{id}                  delete
//   - POST   /api/v1/vms/{id}/start            start a stopped VM
//   - POST   /api/v1/vms/{id}/stop             graceful stop
//   - POST   /api/v1/vms/{id}/ports            allocate a public port
//   - DELETE /api/v1/vms/{id}/ports/{port}     remove a port mapping
//   - POST   /api/v1/vms/{id}/password         store the encrypted password
func (h *VMHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/v1/vms" {
		switch r.Method {
		case http.MethodPost:
			h.handleCreate(w, r)
		case http.MethodGet:
			h.handleList(w, r)
		default:
			writeError(h.logger, w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET and POST are supported")
		}
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/vms/")
	parts := strings.Split(path, "/")
	vmID := parts[0]
	if vmID == "" {
		writeError(h.logger, w, http.StatusBadRequest, "MISSING_VM_ID", "VM id is required")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			h.handleGet(w, r, vmID)
		case http.MethodDelete:
			h.handleDelete(w, r, vmID)
		default:
			writeError(h.logger, w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET and DELETE are supported")
		}
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "start" && r.Method == http.MethodPost:
		h.handleStart(w, r, vmID)
	case len(parts) == 2 && parts[1] == "stop" && r.Method == http.MethodPost:
		h.handleStop(w, r, vmID)
	case len(parts) == 2 && parts[1] == "ports" && r.Method == http.MethodPost:
		h.handleAllocatePort(w, r, vmID)
	case len(parts) == 3 && parts[1] == "ports" && r.Method == http.MethodDelete:
		h.handleRemovePort(w, r, vmID, parts[2])
	case len(parts) == 2 && parts[1] == "password" && r.Method == http.MethodPost:
		h.handleSetPassword(w, r, vmID)
	default:
		writeError(h.logger, w, http.StatusNotFound, "NOT_FOUND", "unknown VM endpoint")
	}
}

func (h *VMHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "INVALID_BODY", "invalid VM creation body")
		return
	}

	result, err := h.server.vms.Create(r.Context(), vm.CreateRequest{
		Name:        req.Name,
		OwnerID:     req.OwnerID,
		OwnerWallet: req.OwnerWallet,
		PremiumName: req.PremiumName,
		Type:        domain.VMType(req.Type),
		Spec: domain.VMSpec{
			VirtualCPUCores: req.VirtualCPUCores,
			MemoryBytes:     req.MemoryBytes,
			DiskBytes:       req.DiskBytes,
			ImageID:         req.ImageID,
			QualityTier:     domain.QualityTier(req.QualityTier),
			GPUMode:         domain.GPUMode(req.GPUMode),
			ContainerImage:  req.ContainerImage,
			SSHPublicKey:    req.SSHPublicKey,
			UserData:        req.UserData,
			TemplateID:      req.TemplateID,
		},
		Labels:   req.Labels,
		Services: req.Services,
	})
	if err != nil {
		writeDomainError(h.logger, w, err)
		return
	}

	// The plaintext password appears in this response and nowhere else.
	writeJSON(h.logger, w, http.StatusCreated, map[string]any{
		"vm":       sanitizeVM(result.VM),
		"password": result.Password,
	})
}

func (h *VMHandler) handleList(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")
	vms, err := h.server.vms.List(r.Context(), ownerID)
	if err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	out := make([]*domain.VirtualMachine, 0, len(vms))
	for _, v := range vms {
		out = append(out, sanitizeVM(v))
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]any{"vms": out})
}

func (h *VMHandler) handleGet(w http.ResponseWriter, r *http.Request, vmID string) {
	v, err := h.server.vms.Get(r.Context(), vmID)
	if err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, sanitizeVM(v))
}

func (h *VMHandler) handleDelete(w http.ResponseWriter, r *http.Request, vmID string) {
	if err := h.server.vms.Delete(r.Context(), vmID); err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]any{
		"success": true,
		"message": "deletion started",
	})
}

func (h *VMHandler) handleStart(w http.ResponseWriter, r *http.Request, vmID string) {
	if err := h.server.vms.Start(r.Context(), vmID); err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	h.writeActionResult(w, r, vmID, "start signal sent")
}

func (h *VMHandler) handleStop(w http.ResponseWriter, r *http.Request, vmID string) {
	if err := h.server.vms.Stop(r.Context(), vmID); err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	h.writeActionResult(w, r, vmID, "shutdown signal sent")
}

func (h *VMHandler) handleAllocatePort(w http.ResponseWriter, r *http.Request, vmID string) {
	var req allocatePortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "INVALID_BODY", "invalid port allocation body")
		return
	}

	allocation, err := h.server.access.AllocatePort(r.Context(), vmID, req.VMPort, req.Protocol)
	if err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, allocation)
}

func (h *VMHandler) handleRemovePort(w http.ResponseWriter, r *http.Request, vmID, portStr string) {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "INVALID_ARGUMENT", "port must be an integer")
		return
	}
	protocol := r.URL.Query().Get("protocol")

	if err := h.server.access.RemovePort(r.Context(), vmID, port, protocol); err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]any{
		"success": true,
		"message": "port mapping removed",
	})
}

func (h *VMHandler) handleSetPassword(w http.ResponseWriter, r *http.Request, vmID string) {
	var req setPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "INVALID_BODY", "invalid password body")
		return
	}
	if req.EncryptedPassword == "" {
		writeError(h.logger, w, http.StatusBadRequest, "INVALID_ARGUMENT", "encryptedPassword is required")
		return
	}

	if err := h.server.vms.SetSecurePassword(r.Context(), vmID, req.EncryptedPassword); err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]any{"success": true})
}

// writeActionResult reloads the record so the caller sees the transitional
// status the action produced.
func (h *VMHandler) writeActionResult(w http.ResponseWriter, r *http.Request, vmID, message string) {
	v, err := h.server.vms.Get(r.Context(), vmID)
	if err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]any{
		"success": true,
		"message": message,
		"vm":      sanitizeVM(v),
	})
}

// sanitizeVM strips sensitive labels from a record before it leaves the API.
// Pending VMs still carry the guest password label until the CreateVm
// command consumes it.
func sanitizeVM(v *domain.VirtualMachine) *domain.VirtualMachine {
	hasSensitive := false
	for k := range v.Labels {
		if strings.HasPrefix(k, domain.SensitiveLabelPrefix) {
			hasSensitive = true
			break
		}
	}
	if !hasSensitive {
		return v
	}

	cp := *v
	cp.Labels = make(map[string]string, len(v.Labels))
	for k, val := range v.Labels {
		if strings.HasPrefix(k, domain.SensitiveLabelPrefix) {
			continue
		}
		cp.Labels[k] = val
	}
	return &cp
}
