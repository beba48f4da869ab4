package domain

import (
	"time"
)

// VMStatus is the orchestrator-side lifecycle status of a virtual machine.
type VMStatus string

const (
	VMStatusPending      VMStatus = "Pending"
	VMStatusProvisioning VMStatus = "Provisioning"
	VMStatusRunning      VMStatus = "Running"
	VMStatusStopping     VMStatus = "Stopping"
	VMStatusStopped      VMStatus = "Stopped"
	VMStatusDeleting     VMStatus = "Deleting"
	VMStatusDeleted      VMStatus = "Deleted"
	VMStatusError        VMStatus = "Error"
)

// IsTransitionalStatus reports whether a status means the VM is
// command-managed: heartbeat-driven state updates must not overwrite it.
func IsTransitionalStatus(s VMStatus) bool {
	return s == VMStatusProvisioning || s == VMStatusStopping || s == VMStatusDeleting
}

// IsTerminalStatus reports whether a status admits no further transitions.
func IsTerminalStatus(s VMStatus) bool {
	return s == VMStatusDeleted
}

// PowerState is the hypervisor-level power state reported by the agent.
type PowerState string

const (
	PowerStateRunning PowerState = "Running"
	PowerStatePaused  PowerState = "Paused"
	PowerStateOff     PowerState = "Off"
)

// GPUMode selects how a VM consumes GPU hardware.
type GPUMode string

const (
	GPUModeNone        GPUMode = "None"
	GPUModePassthrough GPUMode = "Passthrough"
	GPUModeProxied     GPUMode = "Proxied"
)

// VMType distinguishes workload classes for placement and billing.
type VMType string

const (
	VMTypeGeneral   VMType = "General"
	VMTypeInference VMType = "Inference"
	VMTypeSystem    VMType = "System"
)

// SystemOwnerID is the owner id carried by platform-owned VMs. System VMs
// skip name canonicalization, password generation, and quota accounting.
const SystemOwnerID = "system"

// VMSpec is the requested shape of a VM. Immutable once a non-system VM
// reaches Running.
type VMSpec struct {
	VirtualCPUCores int         `json:"virtual_cpu_cores"`
	MemoryBytes     int64       `json:"memory_bytes"`
	DiskBytes       int64       `json:"disk_bytes"`
	ImageID         string      `json:"image_id"`
	QualityTier     QualityTier `json:"quality_tier"`
	GPUMode         GPUMode     `json:"gpu_mode"`
	ContainerImage  string      `json:"container_image,omitempty"`
	SSHPublicKey    string      `json:"ssh_public_key,omitempty"`
	UserData        string      `json:"user_data,omitempty"`
	TemplateID      string      `json:"template_id,omitempty"`
	Region          string      `json:"region,omitempty"`
	Zone            string      `json:"zone,omitempty"`
}

// PortMapping exposes one VM port on a public port. PublicPort stays 0 as a
// placeholder until the agent's AllocatePort ack fills it in.
type PortMapping struct {
	VMPort     int       `json:"vm_port"`
	PublicPort int       `json:"public_port"`
	Protocol   string    `json:"protocol"`
	CreatedAt  time.Time `json:"created_at"`
}

// NetworkConfig is the VM's network state as discovered from the node.
type NetworkConfig struct {
	PrivateIP        string        `json:"private_ip,omitempty"`
	MACAddress       string        `json:"mac_address,omitempty"`
	Gateway          string        `json:"gateway,omitempty"`
	Hostname         string        `json:"hostname,omitempty"`
	VxlanVNI         int           `json:"vxlan_vni,omitempty"`
	AllowedPorts     []int         `json:"allowed_ports,omitempty"`
	PortMappings     []PortMapping `json:"port_mappings,omitempty"`
	OverlayNetworkID string        `json:"overlay_network_id,omitempty"`
}

// FindPortMapping returns the mapping keyed by (vmPort, protocol), or nil.
func (nc *NetworkConfig) FindPortMapping(vmPort int, protocol string) *PortMapping {
	for i := range nc.PortMappings {
		if nc.PortMappings[i].VMPort == vmPort && nc.PortMappings[i].Protocol == protocol {
			return &nc.PortMappings[i]
		}
	}
	return nil
}

// AccessInfo is how a user reaches the VM once it runs.
type AccessInfo struct {
	SSHHost string `json:"ssh_host,omitempty"`
	SSHPort int    `json:"ssh_port,omitempty"`
	VNCHost string `json:"vnc_host,omitempty"`
	VNCPort int    `json:"vnc_port,omitempty"`
}

// ServiceCheckType selects how the agent probes a VM service for readiness.
type ServiceCheckType string

const (
	CheckCloudInitDone ServiceCheckType = "CloudInitDone"
	CheckTCPPort       ServiceCheckType = "TcpPort"
	CheckHTTPGet       ServiceCheckType = "HttpGet"
	CheckExecCommand   ServiceCheckType = "ExecCommand"
)

// ServiceState is the readiness state of one VM service.
type ServiceState string

const (
	ServiceStatePending  ServiceState = "Pending"
	ServiceStateReady    ServiceState = "Ready"
	ServiceStateFailed   ServiceState = "Failed"
	ServiceStateTimedOut ServiceState = "TimedOut"
)

// SystemServiceName is the implicit cloud-init completion service every VM
// carries.
const SystemServiceName = "System"

// ServiceStatus tracks readiness of one service inside a VM. A service that
// reached Ready never regresses to TimedOut: the agent's local timer may
// expire after the service actually came up.
type ServiceStatus struct {
	Name           string           `json:"name"`
	Port           int              `json:"port,omitempty"`
	Protocol       string           `json:"protocol,omitempty"`
	CheckType      ServiceCheckType `json:"check_type"`
	HTTPPath       string           `json:"http_path,omitempty"`
	ExecCommand    string           `json:"exec_command,omitempty"`
	TimeoutSeconds int              `json:"timeout_seconds,omitempty"`
	Status         ServiceState     `json:"status"`
	ReadyAt        *time.Time       `json:"ready_at,omitempty"`
	StatusMessage  string           `json:"status_message,omitempty"`
}

// BillingInfo carries the pricing snapshot taken at scheduling time.
type BillingInfo struct {
	ComputePointCost float64    `json:"compute_point_cost"`
	TierMultiplier   float64    `json:"tier_multiplier"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
}

// Well-known label keys. Labels prefixed "sensitive." travel in command
// payloads only and are stripped before the record is persisted.
const (
	LabelRecovered       = "recovered"
	LabelRecoveryNode    = "recovery-node"
	LabelSystemRole      = "system-role"
	LabelTargetNode      = "target-node"
	SensitiveLabelPrefix = "sensitive."
)

// LabelSensitivePassword holds the generated guest password between creation
// and the CreateVm command emission; it is stripped from the persisted record
// once the command carries it.
const LabelSensitivePassword = SensitiveLabelPrefix + "password"

// LabelSensitiveWireguardKey holds a relay gateway's WireGuard private key
// between creation and command emission, same handling as the password.
const LabelSensitiveWireguardKey = SensitiveLabelPrefix + "wireguard-private-key"

// VirtualMachine is a user- or platform-requested workload.
type VirtualMachine struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	OwnerID     string `json:"owner_id"`
	OwnerWallet string `json:"owner_wallet,omitempty"`
	Type        VMType `json:"type"`

	Spec VMSpec `json:"spec"`

	Status        VMStatus   `json:"status"`
	StatusMessage string     `json:"status_message,omitempty"`
	PowerState    PowerState `json:"power_state,omitempty"`

	// NodeID is empty until the scheduler reserves resources and assigns
	// the VM in one atomic store update.
	NodeID string `json:"node_id,omitempty"`

	Network NetworkConfig `json:"network"`
	Access  AccessInfo    `json:"access"`

	ActiveCommandID   string      `json:"active_command_id,omitempty"`
	ActiveCommandType CommandType `json:"active_command_type,omitempty"`
	CommandIssuedAt   *time.Time  `json:"command_issued_at,omitempty"`

	Billing  BillingInfo       `json:"billing"`
	Services []ServiceStatus   `json:"services,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`

	// GPUPCIAddress is set when the spec asks for passthrough and a device
	// was claimed on the hosting node.
	GPUPCIAddress string `json:"gpu_pci_address,omitempty"`

	// EncryptedPassword is the wallet-encrypted ciphertext supplied by the
	// caller after creation; the plaintext is returned exactly once.
	EncryptedPassword string `json:"encrypted_password,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsSystem reports whether the VM is platform-owned.
func (vm *VirtualMachine) IsSystem() bool {
	return vm.OwnerID == SystemOwnerID
}

// IsTransitional reports whether the VM is currently command-managed.
func (vm *VirtualMachine) IsTransitional() bool {
	return IsTransitionalStatus(vm.Status)
}

// IsActive reports whether the VM still occupies resources or a name. Only
// Deleted VMs are excluded from uniqueness checks and capacity accounting.
func (vm *VirtualMachine) IsActive() bool {
	return vm.Status != VMStatusDeleted
}

// IsRunning reports whether the VM reached Running.
func (vm *VirtualMachine) IsRunning() bool {
	return vm.Status == VMStatusRunning
}

// ReservedResources is the capacity vector this VM charges against its node.
func (vm *VirtualMachine) ReservedResources() Resources {
	return Resources{
		ComputePoints: vm.Billing.ComputePointCost,
		MemoryBytes:   vm.Spec.MemoryBytes,
		StorageBytes:  vm.Spec.DiskBytes,
	}
}

// Service returns the service entry with the given name, or nil.
func (vm *VirtualMachine) Service(name string) *ServiceStatus {
	for i := range vm.Services {
		if vm.Services[i].Name == name {
			return &vm.Services[i]
		}
	}
	return nil
}

// ClearActiveCommand resets the command-correlation fields after an ack.
func (vm *VirtualMachine) ClearActiveCommand() {
	vm.ActiveCommandID = ""
	vm.ActiveCommandType = ""
	vm.CommandIssuedAt = nil
}

// SetActiveCommand records the outstanding command for ack fallback lookup.
func (vm *VirtualMachine) SetActiveCommand(commandID string, commandType CommandType, issuedAt time.Time) {
	vm.ActiveCommandID = commandID
	vm.ActiveCommandType = commandType
	vm.CommandIssuedAt = &issuedAt
}

// validTransitions enumerates the lifecycle state machine. Error is
// reachable from every non-terminal status and is therefore not listed.
var validTransitions = map[VMStatus][]VMStatus{
	VMStatusPending:      {VMStatusProvisioning, VMStatusDeleting, VMStatusDeleted},
	VMStatusProvisioning: {VMStatusRunning, VMStatusDeleting},
	VMStatusRunning:      {VMStatusStopping, VMStatusDeleting},
	VMStatusStopping:     {VMStatusStopped, VMStatusDeleting},
	VMStatusStopped:      {VMStatusProvisioning, VMStatusDeleting},
	VMStatusDeleting:     {VMStatusDeleted},
	VMStatusError:        {VMStatusProvisioning, VMStatusDeleting, VMStatusStopped},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to VMStatus) bool {
	if from == to {
		return true
	}
	if to == VMStatusError {
		return !IsTerminalStatus(from)
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
