package domain

import (
	"encoding/json"
	"time"
)

// CommandType identifies an agent-executed operation.
type CommandType string

const (
	CommandCreateVM     CommandType = "CreateVm"
	CommandStartVM      CommandType = "StartVm"
	CommandStopVM       CommandType = "StopVm"
	CommandDeleteVM     CommandType = "DeleteVm"
	CommandAllocatePort CommandType = "AllocatePort"
	CommandRemovePort   CommandType = "RemovePort"
	CommandAddPeer      CommandType = "AddPeer"
	CommandRemovePeer   CommandType = "RemovePeer"
)

// NodeCommand is the wire form of one queued command. It is delivered to the
// agent inside the next heartbeat response; field names follow the agent
// protocol's camelCase convention.
type NodeCommand struct {
	CommandID        string          `json:"commandId"`
	Type             CommandType     `json:"type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	RequiresAck      bool            `json:"requiresAck"`
	TargetResourceID string          `json:"targetResourceId,omitempty"`
	IssuedAt         time.Time       `json:"issuedAt"`
}

// CommandRegistration correlates an outstanding command with its target so
// acknowledgments can be routed. Exactly one caller of TryCompleteCommand
// observes a given registration.
type CommandRegistration struct {
	CommandID   string      `json:"command_id"`
	VMID        string      `json:"vm_id"`
	NodeID      string      `json:"node_id"`
	Type        CommandType `json:"type"`
	IssuedAt    time.Time   `json:"issued_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// CommandAck is the agent's report on a completed command.
type CommandAck struct {
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	CompletedAt  time.Time         `json:"completedAt"`
}

// NetworkPayload is the network block of a CreateVm payload.
type NetworkPayload struct {
	MACAddress   string `json:"macAddress,omitempty"`
	IPAddress    string `json:"ipAddress,omitempty"`
	Gateway      string `json:"gateway,omitempty"`
	VxlanVNI     int    `json:"vxlanVni,omitempty"`
	AllowedPorts []int  `json:"allowedPorts,omitempty"`
}

// ServicePayload is one readiness check the agent should run inside the VM.
type ServicePayload struct {
	Name           string           `json:"name"`
	Port           int              `json:"port,omitempty"`
	Protocol       string           `json:"protocol,omitempty"`
	CheckType      ServiceCheckType `json:"checkType"`
	HTTPPath       string           `json:"httpPath,omitempty"`
	ExecCommand    string           `json:"execCommand,omitempty"`
	TimeoutSeconds int              `json:"timeoutSeconds,omitempty"`
}

// CreateVMPayload carries everything the agent needs to provision a VM,
// including secrets that never land in the persisted record.
type CreateVMPayload struct {
	VMID             string            `json:"vmId"`
	Name             string            `json:"name"`
	VMType           VMType            `json:"vmType"`
	OwnerID          string            `json:"ownerId"`
	OwnerWallet      string            `json:"ownerWallet,omitempty"`
	VirtualCPUCores  int               `json:"virtualCpuCores"`
	MemoryBytes      int64             `json:"memoryBytes"`
	DiskBytes        int64             `json:"diskBytes"`
	QualityTier      QualityTier       `json:"qualityTier"`
	ComputePointCost float64           `json:"computePointCost"`
	BaseImageURL     string            `json:"baseImageUrl"`
	SSHPublicKey     string            `json:"sshPublicKey,omitempty"`
	GPUMode          GPUMode           `json:"gpuMode"`
	GPUPCIAddress    string            `json:"gpuPciAddress,omitempty"`
	DeploymentMode   string            `json:"deploymentMode"`
	ContainerImage   string            `json:"containerImage,omitempty"`
	Network          NetworkPayload    `json:"network"`
	Password         string            `json:"password,omitempty"`
	UserData         string            `json:"userData,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	Services         []ServicePayload  `json:"services,omitempty"`
}

// StartVMPayload identifies the VM to start.
type StartVMPayload struct {
	VMID string `json:"vmId"`
}

// StopVMPayload identifies the VM to stop.
type StopVMPayload struct {
	VMID string `json:"vmId"`
}

// DeleteVMPayload identifies the VM to tear down.
type DeleteVMPayload struct {
	VMID string `json:"vmId"`
}

// AllocatePortPayload asks the agent to open a public port toward a VM.
// Relay forwarding hops set IsRelayForwarding and TunnelDestinationIP; the
// CGNAT hop of a three-hop path pins PublicPort to the relay-allocated port.
type AllocatePortPayload struct {
	VMID                string `json:"vmId,omitempty"`
	VMPort              int    `json:"vmPort"`
	Protocol            string `json:"protocol"`
	PublicPort          int    `json:"publicPort,omitempty"`
	VMPrivateIP         string `json:"vmPrivateIp,omitempty"`
	IsRelayForwarding   bool   `json:"isRelayForwarding,omitempty"`
	TunnelDestinationIP string `json:"tunnelDestinationIp,omitempty"`
}

// RemovePortPayload asks the agent to tear down a forwarding rule. Relay
// rules are keyed by public port, node rules by vm port.
type RemovePortPayload struct {
	VMID       string `json:"vmId,omitempty"`
	VMPort     int    `json:"vmPort,omitempty"`
	PublicPort int    `json:"publicPort,omitempty"`
	Protocol   string `json:"protocol"`
}

// AddPeerPayload registers a WireGuard peer on a relay VM. CGNAT clients
// carry a host tunnel address; peered relays carry their whole /24 so the
// gateway routes the subnet.
type AddPeerPayload struct {
	PeerPublicKey string `json:"peerPublicKey"`
	TunnelIP      string `json:"tunnelIp"`
	Endpoint      string `json:"endpoint,omitempty"`
	Keepalive     int    `json:"keepalive,omitempty"`
}

// RemovePeerPayload drops a WireGuard peer from a relay VM.
type RemovePeerPayload struct {
	PeerPublicKey string `json:"peerPublicKey,omitempty"`
	TunnelIP      string `json:"tunnelIp"`
}

// Ack data keys. The agent echoes the mapping key alongside the allocated
// public port so the control plane can fill the right placeholder.
const (
	AckDataPublicPort = "publicPort"
	AckDataVMPort     = "vmPort"
	AckDataProtocol   = "protocol"
)
