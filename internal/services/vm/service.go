package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/config"
	"github.com/stratomesh/stratomesh/internal/domain"
	"github.com/stratomesh/stratomesh/internal/scheduler"
	"github.com/stratomesh/stratomesh/internal/services/user"
)

// Service orchestrates VM creation, scheduling, and user-facing operations.
// Status changes go through the lifecycle manager exclusively.
type Service struct {
	repo      Repository
	quotas    QuotaManager
	lifecycle *Lifecycle
	scheduler *scheduler.Scheduler
	events    EventPublisher
	templates *TemplateCatalog
	images    config.ImageConfig
	sched     config.SchedulingConfig
	logger    *zap.Logger
}

// NewService creates the VM service.
func NewService(
	repo Repository,
	quotas QuotaManager,
	lifecycle *Lifecycle,
	sched *scheduler.Scheduler,
	events EventPublisher,
	templates *TemplateCatalog,
	images config.ImageConfig,
	schedCfg config.SchedulingConfig,
	logger *zap.Logger,
) *Service {
	return &Service{
		repo:      repo,
		quotas:    quotas,
		lifecycle: lifecycle,
		scheduler: sched,
		events:    events,
		templates: templates,
		images:    images,
		sched:     schedCfg,
		logger:    logger.Named("vm-service"),
	}
}

// Lifecycle exposes the status writer for components that reconcile VM state
// (node service, watchdog).
func (s *Service) Lifecycle() *Lifecycle {
	return s.lifecycle
}

// CreateRequest is everything a caller supplies to create a VM.
type CreateRequest struct {
	Name        string
	OwnerID     string
	OwnerWallet string
	// PremiumName requests the globally-unique, unsuffixed name policy.
	PremiumName bool
	Type        domain.VMType
	Spec        domain.VMSpec
	Labels      map[string]string
	Services    []domain.ServiceStatus
	// TargetNodeID pins placement; used for system-VM obligations.
	TargetNodeID string
}

// CreateResult returns the created record plus the plaintext guest password.
// The plaintext is surfaced exactly once; afterwards only the
// wallet-encrypted form supplied via SetSecurePassword exists.
type CreateResult struct {
	VM       *domain.VirtualMachine
	Password string
}

// ============================================================================
// Creation
// ============================================================================

// Create admits a new VM: quota, canonical name, guest password, template
// expansion, persistence, and an immediate scheduling attempt. A capacity
// miss is not an error here; the VM stays Pending for later re-scheduling.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	logger := s.logger.With(
		zap.String("method", "Create"),
		zap.String("vm_name", req.Name),
		zap.String("owner_id", req.OwnerID),
	)
	logger.Info("Creating VM")

	// 1. Validate the request and the owner's quota headroom.
	if err := validateCreateRequest(&req); err != nil {
		logger.Warn("Validation failed", zap.Error(err))
		return nil, err
	}
	system := req.OwnerID == domain.SystemOwnerID
	if !system {
		if req.OwnerID == "" {
			req.OwnerID = user.DeriveOwnerID(req.OwnerWallet)
		}
		if err := s.quotas.CheckQuota(ctx, req.OwnerID, req.OwnerWallet, req.Spec.VirtualCPUCores, req.Spec.MemoryBytes, req.Spec.DiskBytes); err != nil {
			logger.Warn("Quota check failed", zap.Error(err))
			return nil, err
		}
	}

	// 2. Canonical name.
	var name string
	var err error
	if req.PremiumName {
		name, err = s.GeneratePremiumName(ctx, req.Name)
	} else {
		name, err = s.GenerateCanonicalName(ctx, req.Name, req.OwnerID)
	}
	if err != nil {
		logger.Warn("Name generation failed", zap.Error(err))
		return nil, err
	}

	// 3. Memorable guest password for user VMs. It rides a sensitive label
	// until the CreateVm command carries it to the agent.
	labels := make(map[string]string, len(req.Labels)+2)
	for k, v := range req.Labels {
		labels[k] = v
	}
	var password string
	if !system {
		password, err = GeneratePassword()
		if err != nil {
			return nil, fmt.Errorf("failed to generate guest password: %w", err)
		}
		labels[domain.LabelSensitivePassword] = password
	}
	if req.TargetNodeID != "" {
		labels[domain.LabelTargetNode] = req.TargetNodeID
	}

	// 4. Build the record, Pending until the scheduler places it.
	vmType := req.Type
	if vmType == "" {
		vmType = domain.VMTypeGeneral
	}
	if system {
		vmType = domain.VMTypeSystem
	}
	now := time.Now()
	vm := &domain.VirtualMachine{
		ID:            uuid.New().String(),
		Name:          name,
		OwnerID:       req.OwnerID,
		OwnerWallet:   strings.ToLower(req.OwnerWallet),
		Type:          vmType,
		Spec:          req.Spec,
		Status:        domain.VMStatusPending,
		StatusMessage: "Awaiting scheduling",
		Services:      withSystemService(req.Services),
		Labels:        labels,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// 5. Template expansion.
	if vm.Spec.TemplateID != "" {
		tpl, terr := s.templates.Get(vm.Spec.TemplateID)
		if terr != nil {
			logger.Warn("Unknown template", zap.String("template_id", vm.Spec.TemplateID))
			return nil, domain.ValidationError(fmt.Sprintf("unknown template %q", vm.Spec.TemplateID))
		}
		applyTemplate(vm, tpl, now)
	}

	// 6. System VMs must carry a valid role label.
	if system {
		if err := validateSystemLabels(vm); err != nil {
			logger.Warn("System label validation failed", zap.Error(err))
			return nil, err
		}
	}

	// 7. Charge the quota, then persist.
	if !system {
		if err := s.quotas.ChargeQuota(ctx, vm.OwnerID, vm.OwnerWallet, vm.Spec.VirtualCPUCores, vm.Spec.MemoryBytes, vm.Spec.DiskBytes); err != nil {
			return nil, err
		}
	}
	if err := s.repo.SaveVM(ctx, vm); err != nil {
		if !system {
			if rerr := s.quotas.ReleaseQuota(ctx, vm.OwnerID, vm.Spec.VirtualCPUCores, vm.Spec.MemoryBytes, vm.Spec.DiskBytes); rerr != nil {
				logger.Error("Failed to roll back quota after save failure", zap.Error(rerr))
			}
		}
		return nil, fmt.Errorf("failed to persist vm: %w", err)
	}
	s.events.Publish(ctx, domain.EventVMCreated, vm.ID, "", map[string]string{
		"name":     vm.Name,
		"owner_id": vm.OwnerID,
		"tier":     string(vm.Spec.QualityTier),
	})

	// 8. Immediate scheduling attempt. Capacity misses leave it Pending.
	if err := s.Schedule(ctx, vm.ID); err != nil {
		if errors.Is(err, domain.ErrNoSuitableNode) {
			logger.Info("No suitable node yet, VM stays pending", zap.String("vm_id", vm.ID))
		} else {
			logger.Error("Scheduling attempt failed", zap.String("vm_id", vm.ID), zap.Error(err))
		}
	}

	fresh, err := s.repo.GetVM(ctx, vm.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload created vm: %w", err)
	}
	logger.Info("VM created",
		zap.String("vm_id", fresh.ID),
		zap.String("canonical_name", fresh.Name),
		zap.String("status", string(fresh.Status)),
	)
	return &CreateResult{VM: fresh, Password: password}, nil
}

func validateCreateRequest(req *CreateRequest) error {
	if req.Name == "" {
		return domain.ValidationError("vm name is required")
	}
	if req.OwnerID == "" && req.OwnerWallet == "" {
		return domain.ValidationError("owner id or wallet is required")
	}
	if req.Spec.VirtualCPUCores < 1 {
		return domain.ValidationError("vm needs at least one vcpu core")
	}
	if req.Spec.MemoryBytes <= 0 {
		return domain.ValidationError("vm memory must be positive")
	}
	if req.Spec.DiskBytes <= 0 {
		return domain.ValidationError("vm disk must be positive")
	}
	tier := domain.CanonicalTier(string(req.Spec.QualityTier))
	valid := false
	for _, t := range domain.AllTiers {
		if t == tier {
			valid = true
			break
		}
	}
	if !valid {
		return domain.ValidationError(fmt.Sprintf("unknown quality tier %q", req.Spec.QualityTier))
	}
	req.Spec.QualityTier = tier
	return nil
}

// withSystemService guarantees the implicit cloud-init readiness check is
// always the first service entry.
func withSystemService(services []domain.ServiceStatus) []domain.ServiceStatus {
	for _, svc := range services {
		if svc.Name == domain.SystemServiceName {
			return services
		}
	}
	out := make([]domain.ServiceStatus, 0, len(services)+1)
	out = append(out, domain.ServiceStatus{
		Name:           domain.SystemServiceName,
		CheckType:      domain.CheckCloudInitDone,
		TimeoutSeconds: 300,
		Status:         domain.ServiceStatePending,
	})
	return append(out, services...)
}

// applyTemplate folds a template into the VM record: base image, container
// workload, GPU mode, readiness checks, and the ingress-fronted primary port.
func applyTemplate(vm *domain.VirtualMachine, tpl *Template, now time.Time) {
	if vm.Spec.ImageID == "" {
		vm.Spec.ImageID = tpl.ImageID
	}
	if vm.Spec.ContainerImage == "" {
		vm.Spec.ContainerImage = tpl.ContainerImage
	}
	if tpl.GPUMode != "" && (vm.Spec.GPUMode == "" || vm.Spec.GPUMode == domain.GPUModeNone) {
		vm.Spec.GPUMode = tpl.GPUMode
	}
	if tpl.IsGPU() {
		vm.Type = domain.VMTypeInference
	}
	if vm.Spec.UserData == "" {
		vm.Spec.UserData = tpl.UserData
	}

	for _, p := range tpl.Ports {
		if vm.Service(p.Name) != nil {
			continue
		}
		vm.Services = append(vm.Services, domain.ServiceStatus{
			Name:           p.Name,
			Port:           p.Port,
			Protocol:       p.Protocol,
			CheckType:      p.CheckType,
			HTTPPath:       p.HTTPPath,
			TimeoutSeconds: 300,
			Status:         domain.ServiceStatePending,
		})
		vm.Network.AllowedPorts = append(vm.Network.AllowedPorts, p.Port)
	}

	// The primary port gets a placeholder mapping so the ingress layer can
	// front it as soon as the agent allocates the public side.
	if tpl.PrimaryPort > 0 && vm.Network.FindPortMapping(tpl.PrimaryPort, "tcp") == nil {
		vm.Network.PortMappings = append(vm.Network.PortMappings, domain.PortMapping{
			VMPort:    tpl.PrimaryPort,
			Protocol:  "tcp",
			CreatedAt: now,
		})
	}
}

func validateSystemLabels(vm *domain.VirtualMachine) error {
	role := vm.Labels[domain.LabelSystemRole]
	switch domain.SystemVMRole(role) {
	case domain.SystemVMRoleDHT, domain.SystemVMRoleRelay, domain.SystemVMRoleBlockStore, domain.SystemVMRoleIngress:
		return nil
	case "":
		return domain.ValidationError("system vm requires a system-role label")
	default:
		return domain.ValidationError(fmt.Sprintf("unknown system role %q", role))
	}
}

// ============================================================================
// Scheduling
// ============================================================================

// Schedule places a Pending VM: selects a node, reserves capacity atomically
// with the assignment, claims GPU hardware, and emits the CreateVm command.
// A capacity miss records a descriptive status message and returns a
// Capacity-kind error wrapping ErrNoSuitableNode.
func (s *Service) Schedule(ctx context.Context, vmID string) error {
	logger := s.logger.With(
		zap.String("method", "Schedule"),
		zap.String("vm_id", vmID),
	)

	vm, err := s.repo.GetVM(ctx, vmID)
	if err != nil {
		return err
	}
	if vm.Status != domain.VMStatusPending {
		return domain.ValidationError(fmt.Sprintf("vm %s is %s, only pending VMs can be scheduled", vmID, vm.Status))
	}
	if vm.ActiveCommandID != "" {
		return domain.NewError(domain.KindValidation, "COMMAND_IN_FLIGHT",
			fmt.Sprintf("vm %s already has command %s outstanding", vmID, vm.ActiveCommandID), domain.ErrConflict)
	}

	// 1. Compute-point cost for the requested tier.
	cost, err := s.scheduler.PointCost(vm.Spec.VirtualCPUCores, vm.Spec.QualityTier)
	if err != nil {
		return err
	}

	// 2. Node selection: explicit target for system placement, scheduler
	// otherwise.
	nodeID, err := s.selectNode(ctx, vm)
	if err != nil {
		if errors.Is(err, domain.ErrNoSuitableNode) {
			vm.StatusMessage = "No suitable node available: " + capacityDetail(err)
			if serr := s.repo.SaveVM(ctx, vm); serr != nil {
				logger.Error("Failed to record pending reason", zap.Error(serr))
			}
		}
		return err
	}

	// 3. Reserve resources atomically with the node assignment.
	reservation := domain.Resources{
		ComputePoints: cost,
		MemoryBytes:   vm.Spec.MemoryBytes,
		StorageBytes:  vm.Spec.DiskBytes,
	}
	if err := s.repo.ReserveAndAssign(ctx, nodeID, vm.ID, reservation); err != nil {
		if errors.Is(err, domain.ErrInsufficientResources) {
			vm.StatusMessage = fmt.Sprintf("Node %s filled up before reservation", nodeID)
			if serr := s.repo.SaveVM(ctx, vm); serr != nil {
				logger.Error("Failed to record pending reason", zap.Error(serr))
			}
			return domain.CapacityError(vm.StatusMessage)
		}
		return fmt.Errorf("failed to reserve on node %s: %w", nodeID, err)
	}
	vm.NodeID = nodeID
	tierReq, _ := s.sched.TierFor(string(vm.Spec.QualityTier))
	vm.Billing = domain.BillingInfo{
		ComputePointCost: cost,
		TierMultiplier:   tierReq.PriceMultiplier,
	}

	// 4. GPU assignment.
	if vm.Spec.GPUMode == domain.GPUModePassthrough {
		if err := s.claimGPU(ctx, vm, nodeID); err != nil {
			s.compensateScheduling(ctx, vm, reservation, logger)
			return err
		}
	}

	// 5. Image URL.
	imageURL, ok := s.images.URLFor(vm.Spec.ImageID)
	if !ok {
		s.compensateScheduling(ctx, vm, reservation, logger)
		return domain.ValidationError(fmt.Sprintf("no image url for image id %q", vm.Spec.ImageID))
	}

	// 6. Render cloud-init with the generated password still on the label.
	password := vm.Labels[domain.LabelSensitivePassword]
	doc := vm.Spec.UserData
	if doc == "" {
		doc = defaultUserData
	}
	userData := RenderUserData(doc, map[string]string{
		"hostname":        vm.Name,
		"vm_id":           vm.ID,
		"password":        password,
		"ssh_public_key":  vm.Spec.SSHPublicKey,
		"container_image": vm.Spec.ContainerImage,
	})

	// 7. Emit the CreateVm command.
	payload := domain.CreateVMPayload{
		VMID:             vm.ID,
		Name:             vm.Name,
		VMType:           vm.Type,
		OwnerID:          vm.OwnerID,
		OwnerWallet:      vm.OwnerWallet,
		VirtualCPUCores:  vm.Spec.VirtualCPUCores,
		MemoryBytes:      vm.Spec.MemoryBytes,
		DiskBytes:        vm.Spec.DiskBytes,
		QualityTier:      vm.Spec.QualityTier,
		ComputePointCost: cost,
		BaseImageURL:     imageURL,
		SSHPublicKey:     vm.Spec.SSHPublicKey,
		GPUMode:          vm.Spec.GPUMode,
		GPUPCIAddress:    vm.GPUPCIAddress,
		DeploymentMode:   deploymentMode(vm),
		ContainerImage:   vm.Spec.ContainerImage,
		Network: domain.NetworkPayload{
			MACAddress:   vm.Network.MACAddress,
			IPAddress:    vm.Network.PrivateIP,
			Gateway:      vm.Network.Gateway,
			VxlanVNI:     vm.Network.VxlanVNI,
			AllowedPorts: vm.Network.AllowedPorts,
		},
		Password: password,
		UserData: userData,
		Labels:   vm.Labels,
		Services: servicePayloads(vm.Services),
	}

	cmdID, err := s.issueCommand(ctx, nodeID, vm, domain.CommandCreateVM, payload)
	if err != nil {
		s.compensateScheduling(ctx, vm, reservation, logger)
		return err
	}

	// 8. Sensitive labels travelled in the command only.
	stripSensitiveLabels(vm)

	if err := s.lifecycle.Transition(ctx, vm, domain.VMStatusProvisioning, "Provisioning on node "+nodeID); err != nil {
		return err
	}
	logger.Info("VM scheduled",
		zap.String("node_id", nodeID),
		zap.Float64("point_cost", cost),
		zap.String("command_id", cmdID),
	)
	return nil
}

// selectNode returns the target node id for a VM, honoring explicit
// placement for system workloads.
func (s *Service) selectNode(ctx context.Context, vm *domain.VirtualMachine) (string, error) {
	if target := vm.Labels[domain.LabelTargetNode]; target != "" {
		node, err := s.repo.GetNode(ctx, target)
		if err != nil {
			return "", domain.CapacityError(fmt.Sprintf("target node %s not found", target))
		}
		if !node.IsOnline() {
			return "", domain.CapacityError(fmt.Sprintf("target node %s is %s", target, node.Status))
		}
		return target, nil
	}

	result, err := s.scheduler.SelectBestNode(ctx, scheduler.Request{
		VirtualCPUCores: vm.Spec.VirtualCPUCores,
		MemoryBytes:     vm.Spec.MemoryBytes,
		StorageBytes:    vm.Spec.DiskBytes,
		Tier:            vm.Spec.QualityTier,
		PreferredRegion: vm.Spec.Region,
		PreferredZone:   vm.Spec.Zone,
	})
	if err != nil {
		return "", err
	}
	return result.NodeID, nil
}

func (s *Service) claimGPU(ctx context.Context, vm *domain.VirtualMachine, nodeID string) error {
	node, err := s.repo.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	gpu := node.FindAvailableGPU()
	if gpu == nil {
		return domain.CapacityError(fmt.Sprintf("node %s has no available GPU for passthrough", nodeID))
	}
	node.SetGPUAvailability(gpu.PCIAddress, false)
	if err := s.repo.SaveNode(ctx, node); err != nil {
		return fmt.Errorf("failed to claim GPU %s: %w", gpu.PCIAddress, err)
	}
	vm.GPUPCIAddress = gpu.PCIAddress
	return nil
}

// compensateScheduling unwinds a partial placement: reservation, GPU claim,
// and the node assignment. The VM returns to an unassigned Pending record.
func (s *Service) compensateScheduling(ctx context.Context, vm *domain.VirtualMachine, reservation domain.Resources, logger *zap.Logger) {
	if err := s.repo.ReleaseReservation(ctx, vm.NodeID, reservation); err != nil {
		logger.Error("Failed to release reservation during compensation", zap.Error(err))
	}
	if vm.GPUPCIAddress != "" {
		if node, err := s.repo.GetNode(ctx, vm.NodeID); err == nil {
			node.SetGPUAvailability(vm.GPUPCIAddress, true)
			if err := s.repo.SaveNode(ctx, node); err != nil {
				logger.Error("Failed to release GPU during compensation", zap.Error(err))
			}
		}
		vm.GPUPCIAddress = ""
	}
	vm.NodeID = ""
	vm.Billing = domain.BillingInfo{}
	if err := s.repo.SaveVM(ctx, vm); err != nil {
		logger.Error("Failed to persist compensation", zap.Error(err))
	}
}

// SchedulePendingVMs retries placement for every Pending VM without an
// outstanding command. Called when capacity appears (node registration) and
// by the periodic reconciler.
func (s *Service) SchedulePendingVMs(ctx context.Context) int {
	logger := s.logger.With(zap.String("method", "SchedulePendingVMs"))

	vms, err := s.repo.GetAllVMs(ctx)
	if err != nil {
		logger.Error("Failed to list VMs", zap.Error(err))
		return 0
	}

	scheduled := 0
	for _, vm := range vms {
		if vm.Status != domain.VMStatusPending || vm.ActiveCommandID != "" {
			continue
		}
		if err := s.Schedule(ctx, vm.ID); err != nil {
			if !errors.Is(err, domain.ErrNoSuitableNode) {
				logger.Warn("Re-schedule attempt failed",
					zap.String("vm_id", vm.ID), zap.Error(err))
			}
			continue
		}
		scheduled++
	}
	if scheduled > 0 {
		logger.Info("Re-scheduled pending VMs", zap.Int("count", scheduled))
	}
	return scheduled
}

// ============================================================================
// User operations
// ============================================================================

// Get retrieves one VM.
func (s *Service) Get(ctx context.Context, vmID string) (*domain.VirtualMachine, error) {
	return s.repo.GetVM(ctx, vmID)
}

// List returns the owner's VMs, or every VM when ownerID is empty.
func (s *Service) List(ctx context.Context, ownerID string) ([]*domain.VirtualMachine, error) {
	if ownerID == "" {
		return s.repo.GetAllVMs(ctx)
	}
	return s.repo.GetVMsByOwner(ctx, ownerID)
}

// Stop requests a graceful shutdown of a running VM.
func (s *Service) Stop(ctx context.Context, vmID string) error {
	logger := s.logger.With(zap.String("method", "Stop"), zap.String("vm_id", vmID))

	vm, err := s.repo.GetVM(ctx, vmID)
	if err != nil {
		return err
	}
	if vm.Status != domain.VMStatusRunning {
		return domain.ValidationError(fmt.Sprintf("vm %s is %s, only running VMs can be stopped", vmID, vm.Status))
	}
	if vm.ActiveCommandID != "" {
		return domain.NewError(domain.KindValidation, "COMMAND_IN_FLIGHT",
			fmt.Sprintf("vm %s already has command %s outstanding", vmID, vm.ActiveCommandID), domain.ErrConflict)
	}

	if _, err := s.issueCommand(ctx, vm.NodeID, vm, domain.CommandStopVM, domain.StopVMPayload{VMID: vm.ID}); err != nil {
		return err
	}
	if err := s.lifecycle.Transition(ctx, vm, domain.VMStatusStopping, "Stop requested"); err != nil {
		return err
	}
	logger.Info("Stop command queued", zap.String("node_id", vm.NodeID))
	return nil
}

// Start boots a stopped VM on its assigned node.
func (s *Service) Start(ctx context.Context, vmID string) error {
	logger := s.logger.With(zap.String("method", "Start"), zap.String("vm_id", vmID))

	vm, err := s.repo.GetVM(ctx, vmID)
	if err != nil {
		return err
	}
	if vm.Status != domain.VMStatusStopped {
		return domain.ValidationError(fmt.Sprintf("vm %s is %s, only stopped VMs can be started", vmID, vm.Status))
	}
	if vm.NodeID == "" {
		return domain.ValidationError(fmt.Sprintf("vm %s has no assigned node", vmID))
	}
	if vm.ActiveCommandID != "" {
		return domain.NewError(domain.KindValidation, "COMMAND_IN_FLIGHT",
			fmt.Sprintf("vm %s already has command %s outstanding", vmID, vm.ActiveCommandID), domain.ErrConflict)
	}

	if _, err := s.issueCommand(ctx, vm.NodeID, vm, domain.CommandStartVM, domain.StartVMPayload{VMID: vm.ID}); err != nil {
		return err
	}
	if err := s.lifecycle.Transition(ctx, vm, domain.VMStatusProvisioning, "Start requested"); err != nil {
		return err
	}
	logger.Info("Start command queued", zap.String("node_id", vm.NodeID))
	return nil
}

// Delete tears a VM down. Calling it again while deletion is in flight, or
// after it finished, succeeds without re-accounting. Resources are freed
// only by the ack path (or the no-node shortcut).
func (s *Service) Delete(ctx context.Context, vmID string) error {
	logger := s.logger.With(zap.String("method", "Delete"), zap.String("vm_id", vmID))

	vm, err := s.repo.GetVM(ctx, vmID)
	if err != nil {
		return err
	}

	// Double-delete guard.
	if vm.Status == domain.VMStatusDeleting || vm.Status == domain.VMStatusDeleted {
		logger.Info("VM already deleting or deleted, nothing to do")
		return nil
	}

	// Never scheduled: nothing on any node, go straight to Deleted.
	if vm.NodeID == "" {
		return s.lifecycle.Transition(ctx, vm, domain.VMStatusDeleted, "Deleted before scheduling")
	}

	if _, err := s.issueCommand(ctx, vm.NodeID, vm, domain.CommandDeleteVM, domain.DeleteVMPayload{VMID: vm.ID}); err != nil {
		return err
	}
	if err := s.lifecycle.Transition(ctx, vm, domain.VMStatusDeleting, "Deletion requested"); err != nil {
		return err
	}
	logger.Info("Delete command queued", zap.String("node_id", vm.NodeID))
	return nil
}

// SetSecurePassword stores the wallet-encrypted guest password ciphertext.
// The plaintext returned by Create is never persisted.
func (s *Service) SetSecurePassword(ctx context.Context, vmID, encrypted string) error {
	if encrypted == "" {
		return domain.ValidationError("encrypted password is required")
	}
	vm, err := s.repo.GetVM(ctx, vmID)
	if err != nil {
		return err
	}
	vm.EncryptedPassword = encrypted
	return s.repo.SaveVM(ctx, vm)
}

// ============================================================================
// Command plumbing
// ============================================================================

// issueCommand registers the command for ack routing, marks it active on the
// VM, and queues it for the node's next heartbeat. Registration precedes
// queueing so an ack can never arrive before its correlation exists.
func (s *Service) issueCommand(ctx context.Context, nodeID string, vm *domain.VirtualMachine, cmdType domain.CommandType, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", cmdType, err)
	}

	cmdID := uuid.New().String()
	now := time.Now()
	if err := s.repo.RegisterCommand(ctx, &domain.CommandRegistration{
		CommandID: cmdID,
		VMID:      vm.ID,
		NodeID:    nodeID,
		Type:      cmdType,
		IssuedAt:  now,
	}); err != nil {
		return "", fmt.Errorf("failed to register command: %w", err)
	}

	vm.SetActiveCommand(cmdID, cmdType, now)

	if err := s.repo.AppendCommand(ctx, nodeID, domain.NodeCommand{
		CommandID:        cmdID,
		Type:             cmdType,
		Payload:          raw,
		RequiresAck:      true,
		TargetResourceID: vm.ID,
		IssuedAt:         now,
	}); err != nil {
		return "", fmt.Errorf("failed to queue command: %w", err)
	}
	return cmdID, nil
}

func servicePayloads(services []domain.ServiceStatus) []domain.ServicePayload {
	out := make([]domain.ServicePayload, 0, len(services))
	for _, svc := range services {
		out = append(out, domain.ServicePayload{
			Name:           svc.Name,
			Port:           svc.Port,
			Protocol:       svc.Protocol,
			CheckType:      svc.CheckType,
			HTTPPath:       svc.HTTPPath,
			ExecCommand:    svc.ExecCommand,
			TimeoutSeconds: svc.TimeoutSeconds,
		})
	}
	return out
}

func stripSensitiveLabels(vm *domain.VirtualMachine) {
	for k := range vm.Labels {
		if strings.HasPrefix(k, domain.SensitiveLabelPrefix) {
			delete(vm.Labels, k)
		}
	}
}

func deploymentMode(vm *domain.VirtualMachine) string {
	if vm.Spec.ContainerImage != "" {
		return "container"
	}
	return "vm"
}

// capacityDetail extracts the human part of a capacity error for status
// messages.
func capacityDetail(err error) string {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return derr.Message
	}
	return err.Error()
}
