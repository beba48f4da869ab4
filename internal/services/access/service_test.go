package access

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/config"
	"github.com/stratomesh/stratomesh/internal/domain"
)

// ============================================================================
// Mocks
// ============================================================================

// mockStore is an in-memory store covering the access Repository. onAppend
// runs after a command is queued and stands in for the agent's ack; failFor
// short-circuits appends to a node.
type mockStore struct {
	mu       sync.Mutex
	nodes    map[string]*domain.Node
	vms      map[string]*domain.VirtualMachine
	registry map[string]*domain.CommandRegistration
	queued   map[string][]domain.NodeCommand

	onAppend func(nodeID string, cmd domain.NodeCommand)
	failFor  map[string]error
}

func newMockStore() *mockStore {
	return &mockStore{
		nodes:    make(map[string]*domain.Node),
		vms:      make(map[string]*domain.VirtualMachine),
		registry: make(map[string]*domain.CommandRegistration),
		queued:   make(map[string][]domain.NodeCommand),
		failFor:  make(map[string]error),
	}
}

func copyVM(v *domain.VirtualMachine) *domain.VirtualMachine {
	cp := *v
	cp.Network.PortMappings = append([]domain.PortMapping(nil), v.Network.PortMappings...)
	return &cp
}

func (m *mockStore) GetVM(ctx context.Context, id string) (*domain.VirtualMachine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vms[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyVM(v), nil
}

func (m *mockStore) SaveVM(ctx context.Context, vm *domain.VirtualMachine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vms[vm.ID] = copyVM(vm)
	return nil
}

func (m *mockStore) GetNode(ctx context.Context, id string) (*domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *mockStore) RegisterCommand(ctx context.Context, reg *domain.CommandRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[reg.CommandID]; exists {
		return domain.ErrAlreadyExists
	}
	cp := *reg
	m.registry[reg.CommandID] = &cp
	return nil
}

func (m *mockStore) AppendCommand(ctx context.Context, nodeID string, cmd domain.NodeCommand) error {
	m.mu.Lock()
	if err := m.failFor[nodeID]; err != nil {
		m.mu.Unlock()
		return err
	}
	m.queued[nodeID] = append(m.queued[nodeID], cmd)
	hook := m.onAppend
	m.mu.Unlock()
	if hook != nil {
		hook(nodeID, cmd)
	}
	return nil
}

func (m *mockStore) commandsFor(nodeID string) []domain.NodeCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.NodeCommand(nil), m.queued[nodeID]...)
}

// putNode seeds a node directly; the access Repository has no node writes.
func (m *mockStore) putNode(n *domain.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.nodes[n.ID] = &cp
}

// ============================================================================
// Fixtures
// ============================================================================

type testEnv struct {
	store *mockStore
	svc   *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMockStore()
	cfg := config.AccessConfig{
		AckPollInterval: time.Millisecond,
		AckPollAttempts: 3,
	}
	return &testEnv{
		store: store,
		svc:   New(store, cfg, zap.NewNop()),
	}
}

// ackAllocations wires the agent side: every AllocatePort that reaches a
// node fills the VM's mapping, choosing relayPort when the rule is a relay
// forward and the command carries no pinned port.
func (e *testEnv) ackAllocations(t *testing.T, relayPort int) {
	t.Helper()
	e.store.onAppend = func(nodeID string, cmd domain.NodeCommand) {
		if cmd.Type != domain.CommandAllocatePort {
			return
		}
		var p domain.AllocatePortPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			t.Errorf("bad AllocatePort payload: %v", err)
			return
		}
		vm, err := e.store.GetVM(context.Background(), p.VMID)
		if err != nil {
			return
		}
		m := vm.Network.FindPortMapping(p.VMPort, p.Protocol)
		if m == nil {
			return
		}
		if p.PublicPort > 0 {
			m.PublicPort = p.PublicPort
		} else {
			m.PublicPort = relayPort
		}
		if err := e.store.SaveVM(context.Background(), vm); err != nil {
			t.Errorf("SaveVM: %v", err)
		}
	}
}

func (e *testEnv) addDirectNode(t *testing.T, id, publicIP string) {
	t.Helper()
	e.store.putNode(&domain.Node{ID: id, PublicIP: publicIP, Status: domain.NodeStatusOnline})
}

// seedRelayed seeds a relay gateway, a CGNAT node assigned to it, and a
// running VM on the CGNAT node.
func (e *testEnv) seedRelayed(t *testing.T) {
	t.Helper()
	e.store.putNode(&domain.Node{
		ID:       "relay-1",
		PublicIP: "198.51.100.1",
		Status:   domain.NodeStatusOnline,
		RelayInfo: &domain.RelayInfo{
			VMID:        "relay-1-gw",
			RelaySubnet: 1,
			Status:      domain.RelayStatusActive,
		},
	})
	e.store.putNode(&domain.Node{
		ID:     "node-cgnat",
		Status: domain.NodeStatusOnline,
		HardwareInventory: domain.HardwareInventory{
			Network: domain.NetworkInventory{NATType: domain.NATTypeCGNAT},
		},
		CgnatInfo: &domain.CgnatInfo{
			AssignedRelayNodeID: "relay-1",
			TunnelIP:            "10.8.1.2",
			AssignedAt:          time.Now(),
		},
	})
	e.addVM(t, "vm-1", "node-cgnat")
}

func (e *testEnv) addVM(t *testing.T, id, nodeID string) {
	t.Helper()
	vm := &domain.VirtualMachine{
		ID:     id,
		NodeID: nodeID,
		Status: domain.VMStatusRunning,
		Network: domain.NetworkConfig{
			PrivateIP: "192.168.122.50",
		},
	}
	if err := e.store.SaveVM(context.Background(), vm); err != nil {
		t.Fatalf("SaveVM: %v", err)
	}
}

func (e *testEnv) vm(t *testing.T, id string) *domain.VirtualMachine {
	t.Helper()
	vm, err := e.store.GetVM(context.Background(), id)
	if err != nil {
		t.Fatalf("GetVM(%s): %v", id, err)
	}
	return vm
}

func decodeAllocate(t *testing.T, cmd domain.NodeCommand) domain.AllocatePortPayload {
	t.Helper()
	if cmd.Type != domain.CommandAllocatePort {
		t.Fatalf("expected AllocatePort command, got %s", cmd.Type)
	}
	var p domain.AllocatePortPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		t.Fatalf("failed to decode AllocatePort payload: %v", err)
	}
	return p
}

func decodeRemove(t *testing.T, cmd domain.NodeCommand) domain.RemovePortPayload {
	t.Helper()
	if cmd.Type != domain.CommandRemovePort {
		t.Fatalf("expected RemovePort command, got %s", cmd.Type)
	}
	var p domain.RemovePortPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		t.Fatalf("failed to decode RemovePort payload: %v", err)
	}
	return p
}

// ============================================================================
// Direct allocation
// ============================================================================

func TestAllocatePort_DirectNode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addDirectNode(t, "node-1", "203.0.113.5")
	env.addVM(t, "vm-1", "node-1")
	env.ackAllocations(t, 30022)

	result, err := env.svc.AllocatePort(ctx, "vm-1", 22, "tcp")
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}
	if result.Pending {
		t.Error("acked allocation must not be pending")
	}
	if result.PublicPort != 30022 {
		t.Errorf("expected public port 30022, got %d", result.PublicPort)
	}
	if result.PublicHost != "203.0.113.5" {
		t.Errorf("expected the node's public ip, got %q", result.PublicHost)
	}

	cmds := env.store.commandsFor("node-1")
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	p := decodeAllocate(t, cmds[0])
	if p.VMID != "vm-1" || p.VMPort != 22 || p.Protocol != "tcp" {
		t.Errorf("unexpected payload %+v", p)
	}
	if p.VMPrivateIP != "192.168.122.50" {
		t.Errorf("expected the VM's private ip, got %q", p.VMPrivateIP)
	}
	if p.IsRelayForwarding || p.PublicPort != 0 {
		t.Errorf("direct allocation must not carry relay fields: %+v", p)
	}
	if !cmds[0].RequiresAck {
		t.Error("port commands require acks")
	}

	if m := env.vm(t, "vm-1").Network.FindPortMapping(22, "tcp"); m == nil || m.PublicPort != 30022 {
		t.Errorf("VM record not completed: %+v", m)
	}
}

func TestAllocatePort_PendingWithoutAck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addDirectNode(t, "node-1", "203.0.113.5")
	env.addVM(t, "vm-1", "node-1")

	result, err := env.svc.AllocatePort(ctx, "vm-1", 80, "tcp")
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}
	if !result.Pending || result.PublicPort != 0 {
		t.Fatalf("expected pending partial result, got %+v", result)
	}
	if result.Message == "" {
		t.Error("pending result needs a message")
	}

	// The placeholder stays so the late ack can complete it.
	if m := env.vm(t, "vm-1").Network.FindPortMapping(80, "tcp"); m == nil || m.PublicPort != 0 {
		t.Errorf("expected placeholder mapping, got %+v", m)
	}

	// A repeat call polls the existing placeholder instead of re-issuing.
	again, err := env.svc.AllocatePort(ctx, "vm-1", 80, "tcp")
	if err != nil {
		t.Fatalf("repeat AllocatePort: %v", err)
	}
	if !again.Pending {
		t.Errorf("unacked repeat must stay pending, got %+v", again)
	}
	if cmds := env.store.commandsFor("node-1"); len(cmds) != 1 {
		t.Errorf("repeat call must not re-issue, got %d commands", len(cmds))
	}
}

func TestAllocatePort_RepeatReturnsExisting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addDirectNode(t, "node-1", "203.0.113.5")
	env.addVM(t, "vm-1", "node-1")
	vm := env.vm(t, "vm-1")
	vm.Network.PortMappings = []domain.PortMapping{
		{VMPort: 22, PublicPort: 30022, Protocol: "tcp", CreatedAt: time.Now()},
	}
	if err := env.store.SaveVM(ctx, vm); err != nil {
		t.Fatalf("SaveVM: %v", err)
	}

	result, err := env.svc.AllocatePort(ctx, "vm-1", 22, "tcp")
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}
	if result.PublicPort != 30022 || result.Pending {
		t.Errorf("expected the recorded allocation, got %+v", result)
	}
	if cmds := env.store.commandsFor("node-1"); len(cmds) != 0 {
		t.Errorf("completed mapping must not issue commands, got %d", len(cmds))
	}
}

func TestAllocatePort_ValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addDirectNode(t, "node-1", "203.0.113.5")
	env.addVM(t, "vm-1", "node-1")

	if _, err := env.svc.AllocatePort(ctx, "vm-1", 0, "tcp"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("port 0 must be rejected, got %v", err)
	}
	if _, err := env.svc.AllocatePort(ctx, "vm-1", 22, "icmp"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("unknown protocol must be rejected, got %v", err)
	}

	vm := env.vm(t, "vm-1")
	vm.Status = domain.VMStatusStopped
	if err := env.store.SaveVM(ctx, vm); err != nil {
		t.Fatalf("SaveVM: %v", err)
	}
	if _, err := env.svc.AllocatePort(ctx, "vm-1", 22, "tcp"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("stopped VM must be rejected, got %v", err)
	}
}

func TestAllocatePort_DefaultsToTCP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addDirectNode(t, "node-1", "203.0.113.5")
	env.addVM(t, "vm-1", "node-1")
	env.ackAllocations(t, 30443)

	result, err := env.svc.AllocatePort(ctx, "vm-1", 443, "")
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}
	if result.Protocol != "tcp" {
		t.Errorf("expected tcp default, got %q", result.Protocol)
	}
}

// ============================================================================
// Three-hop allocation
// ============================================================================

func TestAllocatePort_ThreeHopThroughRelay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedRelayed(t)
	env.ackAllocations(t, 42001)

	result, err := env.svc.AllocatePort(ctx, "vm-1", 22, "tcp")
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}
	if result.PublicPort != 42001 {
		t.Errorf("expected the relay-chosen port, got %d", result.PublicPort)
	}
	if result.PublicHost != "198.51.100.1" {
		t.Errorf("expected the relay's public ip, got %q", result.PublicHost)
	}

	relayCmds := env.store.commandsFor("relay-1")
	if len(relayCmds) != 1 {
		t.Fatalf("expected 1 relay command, got %d", len(relayCmds))
	}
	hop1 := decodeAllocate(t, relayCmds[0])
	if !hop1.IsRelayForwarding {
		t.Error("relay hop must set isRelayForwarding")
	}
	if hop1.TunnelDestinationIP != "10.8.1.2" {
		t.Errorf("relay hop must target the tunnel address, got %q", hop1.TunnelDestinationIP)
	}
	if hop1.PublicPort != 0 {
		t.Errorf("relay chooses its own port, got pinned %d", hop1.PublicPort)
	}

	nodeCmds := env.store.commandsFor("node-cgnat")
	if len(nodeCmds) != 1 {
		t.Fatalf("expected 1 node command, got %d", len(nodeCmds))
	}
	hop2 := decodeAllocate(t, nodeCmds[0])
	if hop2.PublicPort != 42001 {
		t.Errorf("node hop must pin the relay's port, got %d", hop2.PublicPort)
	}
	if hop2.VMPrivateIP != "192.168.122.50" {
		t.Errorf("node hop must carry the VM's private ip, got %q", hop2.VMPrivateIP)
	}
	if hop2.IsRelayForwarding {
		t.Error("node hop is a plain forward")
	}
}

func TestAllocatePort_RelayNotAssigned(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store.putNode(&domain.Node{
		ID:     "node-cgnat",
		Status: domain.NodeStatusOnline,
		HardwareInventory: domain.HardwareInventory{
			Network: domain.NetworkInventory{NATType: domain.NATTypeCGNAT},
		},
	})
	env.addVM(t, "vm-1", "node-cgnat")

	_, err := env.svc.AllocatePort(ctx, "vm-1", 22, "tcp")
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if m := env.vm(t, "vm-1").Network.FindPortMapping(22, "tcp"); m != nil {
		t.Error("failed allocation must not leave a mapping behind")
	}
}

func TestAllocatePort_RelayAckTimeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedRelayed(t)
	// No ack hook: the relay never confirms.

	_, err := env.svc.AllocatePort(ctx, "vm-1", 22, "tcp")
	if !errors.Is(err, domain.ErrOperationFailed) {
		t.Fatalf("expected operation-failed on ack timeout, got %v", err)
	}

	// The relay rule is compensated and the placeholder dropped.
	relayCmds := env.store.commandsFor("relay-1")
	if len(relayCmds) != 2 {
		t.Fatalf("expected allocate + rollback on the relay, got %d", len(relayCmds))
	}
	if relayCmds[1].Type != domain.CommandRemovePort {
		t.Errorf("expected RemovePort rollback, got %s", relayCmds[1].Type)
	}
	if cmds := env.store.commandsFor("node-cgnat"); len(cmds) != 0 {
		t.Errorf("node hop must not be issued without the relay port, got %d", len(cmds))
	}
	if m := env.vm(t, "vm-1").Network.FindPortMapping(22, "tcp"); m != nil {
		t.Error("failed allocation must not leave a mapping behind")
	}
}

func TestAllocatePort_SecondHopRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedRelayed(t)
	env.ackAllocations(t, 42001)
	env.store.failFor["node-cgnat"] = errors.New("agent queue rejected the command")

	_, err := env.svc.AllocatePort(ctx, "vm-1", 22, "tcp")
	if err == nil {
		t.Fatal("expected the node-hop failure to surface")
	}

	relayCmds := env.store.commandsFor("relay-1")
	if len(relayCmds) != 2 {
		t.Fatalf("expected allocate + rollback on the relay, got %d", len(relayCmds))
	}
	rollback := decodeRemove(t, relayCmds[1])
	if rollback.PublicPort != 42001 {
		t.Errorf("rollback must name the relay's port, got %d", rollback.PublicPort)
	}
	if m := env.vm(t, "vm-1").Network.FindPortMapping(22, "tcp"); m != nil {
		t.Error("rolled-back allocation must not leave a mapping behind")
	}
}

// ============================================================================
// Removal
// ============================================================================

func TestRemovePort_DirectNode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addDirectNode(t, "node-1", "203.0.113.5")
	env.addVM(t, "vm-1", "node-1")
	vm := env.vm(t, "vm-1")
	vm.Network.PortMappings = []domain.PortMapping{
		{VMPort: 22, PublicPort: 30022, Protocol: "tcp", CreatedAt: time.Now()},
	}
	if err := env.store.SaveVM(ctx, vm); err != nil {
		t.Fatalf("SaveVM: %v", err)
	}

	if err := env.svc.RemovePort(ctx, "vm-1", 22, "tcp"); err != nil {
		t.Fatalf("RemovePort: %v", err)
	}

	cmds := env.store.commandsFor("node-1")
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	p := decodeRemove(t, cmds[0])
	if p.VMID != "vm-1" || p.VMPort != 22 || p.Protocol != "tcp" {
		t.Errorf("unexpected payload %+v", p)
	}
	if env.vm(t, "vm-1").Network.FindPortMapping(22, "tcp") != nil {
		t.Error("mapping must be gone after removal")
	}

	// Removing again is a no-op.
	if err := env.svc.RemovePort(ctx, "vm-1", 22, "tcp"); err != nil {
		t.Fatalf("repeat RemovePort: %v", err)
	}
	if cmds := env.store.commandsFor("node-1"); len(cmds) != 1 {
		t.Errorf("repeat removal queued %d extra commands", len(cmds)-1)
	}
}

func TestRemovePort_MirrorsThreeHop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedRelayed(t)
	vm := env.vm(t, "vm-1")
	vm.Network.PortMappings = []domain.PortMapping{
		{VMPort: 22, PublicPort: 42001, Protocol: "tcp", CreatedAt: time.Now()},
	}
	if err := env.store.SaveVM(ctx, vm); err != nil {
		t.Fatalf("SaveVM: %v", err)
	}

	if err := env.svc.RemovePort(ctx, "vm-1", 22, "tcp"); err != nil {
		t.Fatalf("RemovePort: %v", err)
	}

	relayCmds := env.store.commandsFor("relay-1")
	if len(relayCmds) != 1 {
		t.Fatalf("expected 1 relay command, got %d", len(relayCmds))
	}
	relaySide := decodeRemove(t, relayCmds[0])
	if relaySide.PublicPort != 42001 {
		t.Errorf("relay removal goes by public port, got %+v", relaySide)
	}

	nodeCmds := env.store.commandsFor("node-cgnat")
	if len(nodeCmds) != 1 {
		t.Fatalf("expected 1 node command, got %d", len(nodeCmds))
	}
	nodeSide := decodeRemove(t, nodeCmds[0])
	if nodeSide.VMPort != 22 {
		t.Errorf("node removal goes by vm port, got %+v", nodeSide)
	}

	if env.vm(t, "vm-1").Network.FindPortMapping(22, "tcp") != nil {
		t.Error("mapping must be gone after removal")
	}
}
