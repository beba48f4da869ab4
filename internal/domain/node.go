package domain

import (
	"fmt"
	"time"
)

// NodeStatus represents the lifecycle status of a worker node.
type NodeStatus string

const (
	NodeStatusOnline         NodeStatus = "Online"
	NodeStatusOffline        NodeStatus = "Offline"
	NodeStatusDraining       NodeStatus = "Draining"
	NodeStatusDecommissioned NodeStatus = "Decommissioned"
)

// NATType classifies how a node's network is reachable from the outside.
type NATType string

const (
	NATTypeNone       NATType = "None"
	NATTypeRestricted NATType = "Restricted"
	NATTypeSymmetric  NATType = "Symmetric"
	NATTypeCGNAT      NATType = "CGNAT"
)

// Resources is the three-dimensional capacity vector used for all
// reservation accounting. Compute points are normalized CPU-throughput
// units: points = benchmark/baseline × cores. Points are fractional because
// tier costs multiply whole vCPUs by sub-unit point ratios.
type Resources struct {
	ComputePoints float64 `json:"compute_points"`
	MemoryBytes   int64   `json:"memory_bytes"`
	StorageBytes  int64   `json:"storage_bytes"`
}

// Add returns r + other.
func (r Resources) Add(other Resources) Resources {
	return Resources{
		ComputePoints: r.ComputePoints + other.ComputePoints,
		MemoryBytes:   r.MemoryBytes + other.MemoryBytes,
		StorageBytes:  r.StorageBytes + other.StorageBytes,
	}
}

// SubFloored returns r − other with every dimension floored at zero so that
// re-ordered or duplicate release events cannot drive accounting negative.
func (r Resources) SubFloored(other Resources) Resources {
	return Resources{
		ComputePoints: maxF(0, r.ComputePoints-other.ComputePoints),
		MemoryBytes:   max64(0, r.MemoryBytes-other.MemoryBytes),
		StorageBytes:  max64(0, r.StorageBytes-other.StorageBytes),
	}
}

// Fits reports whether other fits within r on every dimension.
func (r Resources) Fits(other Resources) bool {
	return other.ComputePoints <= r.ComputePoints &&
		other.MemoryBytes <= r.MemoryBytes &&
		other.StorageBytes <= r.StorageBytes
}

// Exceeds reports whether r exceeds other on any dimension.
func (r Resources) Exceeds(other Resources) bool {
	return r.ComputePoints > other.ComputePoints ||
		r.MemoryBytes > other.MemoryBytes ||
		r.StorageBytes > other.StorageBytes
}

// IsZero reports whether all dimensions are zero.
func (r Resources) IsZero() bool {
	return r.ComputePoints == 0 && r.MemoryBytes == 0 && r.StorageBytes == 0
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// CPUInfo describes the node's processor as reported by the agent.
type CPUInfo struct {
	Model          string  `json:"model"`
	PhysicalCores  int     `json:"physical_cores"`
	BenchmarkScore float64 `json:"benchmark_score"`
}

// StorageDevice is one disk in the node's inventory.
type StorageDevice struct {
	Name      string `json:"name"`
	Type      string `json:"type"` // hdd, ssd, nvme
	SizeBytes int64  `json:"size_bytes"`
}

// GPUDevice is one GPU in the node's inventory. Available flips to false
// while the device is passed through to a VM.
type GPUDevice struct {
	Model       string `json:"model"`
	PCIAddress  string `json:"pci_address"`
	MemoryBytes int64  `json:"memory_bytes"`
	Available   bool   `json:"available"`
}

// NetworkInventory carries the agent's NAT classification and measured
// bandwidth.
type NetworkInventory struct {
	NATType      NATType `json:"nat_type"`
	PublicIP     string  `json:"public_ip"`
	UploadMbps   int     `json:"upload_mbps"`
	DownloadMbps int     `json:"download_mbps"`
	SupportsIPv6 bool    `json:"supports_ipv6"`
}

// HardwareInventory is the full hardware report from the agent. The cached
// performance evaluation is a pure function of this inventory and the
// scheduling-config version.
type HardwareInventory struct {
	CPU            CPUInfo          `json:"cpu"`
	MemoryBytes    int64            `json:"memory_bytes"`
	StorageDevices []StorageDevice  `json:"storage_devices"`
	GPUs           []GPUDevice      `json:"gpus"`
	Network        NetworkInventory `json:"network"`
	Architecture   string           `json:"architecture"`
}

// TotalStorageBytes sums the inventory's disks.
func (h HardwareInventory) TotalStorageBytes() int64 {
	var total int64
	for _, d := range h.StorageDevices {
		total += d.SizeBytes
	}
	return total
}

// NodeMetrics is the latest telemetry snapshot from a heartbeat.
type NodeMetrics struct {
	CPUUsagePercent  float64   `json:"cpu_usage_percent"`
	LoadAverage      float64   `json:"load_average"`
	MemoryFreeBytes  int64     `json:"memory_free_bytes"`
	MemoryUsedBytes  int64     `json:"memory_used_bytes"`
	StorageFreeBytes int64     `json:"storage_free_bytes"`
	RunningVMs       int       `json:"running_vms"`
	CollectedAt      time.Time `json:"collected_at"`
}

// Reputation accumulates a node's hosting track record for scheduler scoring.
type Reputation struct {
	UptimePercent         float64        `json:"uptime_percent"`
	TotalVMsHosted        int64          `json:"total_vms_hosted"`
	SuccessfulCompletions int64          `json:"successful_completions"`
	FailedHeartbeats      map[string]int `json:"failed_heartbeats,omitempty"` // day (2006-01-02) -> count
	DowntimeStartedAt     *time.Time     `json:"downtime_started_at,omitempty"`
}

// SystemVMRole identifies a platform workload a node is obligated to host.
type SystemVMRole string

const (
	SystemVMRoleDHT        SystemVMRole = "DHT"
	SystemVMRoleRelay      SystemVMRole = "Relay"
	SystemVMRoleBlockStore SystemVMRole = "BlockStore"
	SystemVMRoleIngress    SystemVMRole = "Ingress"
)

// ObligationStatus tracks the deployment state of a system-VM obligation.
type ObligationStatus string

const (
	ObligationPending   ObligationStatus = "Pending"
	ObligationDeploying ObligationStatus = "Deploying"
	ObligationReady     ObligationStatus = "Ready"
	ObligationFailed    ObligationStatus = "Failed"
)

// SystemVMObligation is one platform workload owed by a node, reconciled by
// a background loop.
type SystemVMObligation struct {
	Role      SystemVMRole     `json:"role"`
	Status    ObligationStatus `json:"status"`
	VMID      string           `json:"vm_id,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// DhtInfo records the DHT system VM hosted by a node.
type DhtInfo struct {
	VMID      string     `json:"vm_id"`
	PeerID    string     `json:"peer_id"`
	Port      int        `json:"port,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// IsComplete reports whether enough of the record exists to advertise the
// peer as a bootstrap target.
func (d *DhtInfo) IsComplete() bool {
	return d != nil && d.VMID != "" && d.PeerID != ""
}

// RelayStatus is the health of a relay gateway.
type RelayStatus string

const (
	RelayStatusActive   RelayStatus = "Active"
	RelayStatusDegraded RelayStatus = "Degraded"
	RelayStatusOffline  RelayStatus = "Offline"
)

// RelayInfo marks a node as a relay gateway for CGNAT peers. RelaySubnet is
// a unique small integer mapped to the 10.8.<subnet>.0/24 tunnel range.
type RelayInfo struct {
	VMID               string      `json:"vm_id"`
	RelaySubnet        int         `json:"relay_subnet"`
	WireguardPublicKey string      `json:"wireguard_public_key"`
	WireguardEndpoint  string      `json:"wireguard_endpoint"`
	ConnectedNodeIDs   []string    `json:"connected_node_ids"`
	Status             RelayStatus `json:"status"`
}

// HasConnectedNode reports whether nodeID is already a registered peer.
func (r *RelayInfo) HasConnectedNode(nodeID string) bool {
	if r == nil {
		return false
	}
	for _, id := range r.ConnectedNodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

// CgnatInfo records a CGNAT node's relay assignment. PeerPublicKey is the
// node's own WireGuard public key, self-reported in heartbeats so the
// coordinator can register the peer on the gateway.
type CgnatInfo struct {
	AssignedRelayNodeID string    `json:"assigned_relay_node_id"`
	TunnelIP            string    `json:"tunnel_ip"`
	PeerPublicKey       string    `json:"peer_public_key,omitempty"`
	AssignedAt          time.Time `json:"assigned_at"`
}

// OperatorPricing is the optional price sheet a node operator advertises.
type OperatorPricing struct {
	CPUCoreHourUSD    float64 `json:"cpu_core_hour_usd"`
	MemoryGBHourUSD   float64 `json:"memory_gb_hour_usd"`
	StorageGBMonthUSD float64 `json:"storage_gb_month_usd"`
}

// Node is a registered worker. Its identity is stable across
// re-registrations: the id is derived from (machine-id, owner wallet) and the
// record is updated in place, never recreated.
type Node struct {
	ID          string `json:"id"`
	MachineID   string `json:"machine_id"`
	OwnerWallet string `json:"owner_wallet"`

	PublicIP  string `json:"public_ip"`
	AgentPort int    `json:"agent_port"`

	TotalResources    Resources `json:"total_resources"`
	ReservedResources Resources `json:"reserved_resources"`

	HardwareInventory HardwareInventory `json:"hardware_inventory"`
	SupportedImages   []string          `json:"supported_images"`
	Region            string            `json:"region"`
	Zone              string            `json:"zone"`
	Pricing           *OperatorPricing  `json:"pricing,omitempty"`
	AgentVersion      string            `json:"agent_version"`
	Labels            map[string]string `json:"labels,omitempty"`

	Status          NodeStatus   `json:"status"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	LatestMetrics   *NodeMetrics `json:"latest_metrics,omitempty"`

	Reputation              Reputation                 `json:"reputation"`
	PerformanceEvaluation   *NodePerformanceEvaluation `json:"performance_evaluation,omitempty"`
	SchedulingConfigVersion string                     `json:"scheduling_config_version"`

	Obligations []SystemVMObligation `json:"obligations,omitempty"`
	DhtInfo     *DhtInfo             `json:"dht_info,omitempty"`
	RelayInfo   *RelayInfo           `json:"relay_info,omitempty"`
	CgnatInfo   *CgnatInfo           `json:"cgnat_info,omitempty"`

	// APIKeyHash is the bcrypt hash of the node's bearer credential; the
	// plaintext is issued once at registration.
	APIKeyHash string `json:"api_key_hash"`

	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsOnline reports whether the node currently accepts placements.
func (n *Node) IsOnline() bool {
	return n.Status == NodeStatusOnline
}

// RequiresRelay reports whether the node is NAT-classified and must be
// reached through a relay gateway.
func (n *Node) RequiresRelay() bool {
	return n.HardwareInventory.Network.NATType != "" &&
		n.HardwareInventory.Network.NATType != NATTypeNone
}

// IsRelay reports whether the node hosts a relay gateway.
func (n *Node) IsRelay() bool {
	return n.RelayInfo != nil
}

// AvailableResources returns total − reserved, floored at zero.
func (n *Node) AvailableResources() Resources {
	return n.TotalResources.SubFloored(n.ReservedResources)
}

// FindAvailableGPU returns the first inventory GPU still available for
// passthrough, or nil.
func (n *Node) FindAvailableGPU() *GPUDevice {
	for i := range n.HardwareInventory.GPUs {
		if n.HardwareInventory.GPUs[i].Available {
			return &n.HardwareInventory.GPUs[i]
		}
	}
	return nil
}

// SetGPUAvailability flips the availability flag of the GPU at pciAddress.
// Returns false when no such device exists.
func (n *Node) SetGPUAvailability(pciAddress string, available bool) bool {
	for i := range n.HardwareInventory.GPUs {
		if n.HardwareInventory.GPUs[i].PCIAddress == pciAddress {
			n.HardwareInventory.GPUs[i].Available = available
			return true
		}
	}
	return false
}

// Obligation returns the obligation entry for role, or nil.
func (n *Node) Obligation(role SystemVMRole) *SystemVMObligation {
	for i := range n.Obligations {
		if n.Obligations[i].Role == role {
			return &n.Obligations[i]
		}
	}
	return nil
}

// Endpoint is the agent's management address.
func (n *Node) Endpoint() string {
	return fmt.Sprintf("%s:%d", n.PublicIP, n.AgentPort)
}

// CheckResourceInvariant returns an InvariantError when reserved exceeds
// total on any dimension. Observation only; callers log and never correct.
func (n *Node) CheckResourceInvariant() error {
	if n.ReservedResources.Exceeds(n.TotalResources) {
		return InvariantError(fmt.Sprintf(
			"node %s reserved exceeds total: reserved=%+v total=%+v",
			n.ID, n.ReservedResources, n.TotalResources))
	}
	return nil
}
