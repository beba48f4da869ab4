package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/config"
	"github.com/stratomesh/stratomesh/internal/domain"
	"github.com/stratomesh/stratomesh/internal/services/vm"
)

// ============================================================================
// Mocks
// ============================================================================

type mockStore struct {
	mu    sync.Mutex
	nodes map[string]*domain.Node
	vms   map[string]*domain.VirtualMachine
}

func newMockStore() *mockStore {
	return &mockStore{
		nodes: make(map[string]*domain.Node),
		vms:   make(map[string]*domain.VirtualMachine),
	}
}

func copyNode(n *domain.Node) *domain.Node {
	cp := *n
	cp.Obligations = append([]domain.SystemVMObligation(nil), n.Obligations...)
	if n.RelayInfo != nil {
		ri := *n.RelayInfo
		cp.RelayInfo = &ri
	}
	return &cp
}

func (m *mockStore) GetAllNodes(ctx context.Context) ([]*domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, copyNode(n))
	}
	return out, nil
}

func (m *mockStore) GetNode(ctx context.Context, id string) (*domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyNode(n), nil
}

func (m *mockStore) SaveNode(ctx context.Context, n *domain.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.ID] = copyNode(n)
	return nil
}

func (m *mockStore) GetVM(ctx context.Context, id string) (*domain.VirtualMachine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vms[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *mockStore) putVM(v *domain.VirtualMachine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.vms[v.ID] = &cp
}

// mockVMs stands in for the VM service: Create materializes a Pending VM in
// the store, Delete only records the call.
type mockVMs struct {
	mu       sync.Mutex
	store    *mockStore
	requests []vm.CreateRequest
	deleted  []string
	failWith error
	counter  int
}

func (m *mockVMs) Create(ctx context.Context, req vm.CreateRequest) (*vm.CreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	m.counter++
	rec := &domain.VirtualMachine{
		ID:      fmt.Sprintf("vm-%04d", m.counter),
		Name:    req.Name,
		OwnerID: req.OwnerID,
		Type:    req.Type,
		Spec:    req.Spec,
		Status:  domain.VMStatusPending,
		NodeID:  req.TargetNodeID,
		Labels:  req.Labels,
	}
	m.store.putVM(rec)
	m.requests = append(m.requests, req)
	return &vm.CreateResult{VM: rec}, nil
}

func (m *mockVMs) Delete(ctx context.Context, vmID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, vmID)
	return nil
}

type mockGateway struct {
	mu         sync.Mutex
	prepared   []string
	activated  map[string]string
	statuses   map[string]domain.RelayStatus
	labels     map[string]string
	prepareErr error
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		activated: make(map[string]string),
		statuses:  make(map[string]domain.RelayStatus),
		labels: map[string]string{
			domain.LabelSensitiveWireguardKey: "priv-key",
			"relay-subnet":                    "1",
		},
	}
}

func (m *mockGateway) PrepareRelay(ctx context.Context, n *domain.Node) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prepareErr != nil {
		return nil, m.prepareErr
	}
	m.prepared = append(m.prepared, n.ID)
	out := make(map[string]string, len(m.labels))
	for k, v := range m.labels {
		out[k] = v
	}
	return out, nil
}

func (m *mockGateway) ActivateRelay(ctx context.Context, nodeID, vmID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activated[nodeID] = vmID
	return nil
}

func (m *mockGateway) SetGatewayStatus(ctx context.Context, nodeID string, status domain.RelayStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[nodeID] = status
	return nil
}

// ============================================================================
// Fixtures
// ============================================================================

type testEnv struct {
	store   *mockStore
	vms     *mockVMs
	gateway *mockGateway
	rec     *Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMockStore()
	vms := &mockVMs{store: store}
	gateway := newMockGateway()
	cfg := config.SystemConfig{
		ReconcileInterval: time.Minute,
		VMSpecs: map[string]config.SystemVMSpec{
			"dht":        {CPUCores: 1, MemoryMB: 1024, DiskGB: 10},
			"relay":      {CPUCores: 1, MemoryMB: 512, DiskGB: 5},
			"blockstore": {CPUCores: 2, MemoryMB: 2048, DiskGB: 100},
			"ingress":    {CPUCores: 1, MemoryMB: 1024, DiskGB: 10},
		},
	}
	return &testEnv{
		store:   store,
		vms:     vms,
		gateway: gateway,
		rec:     NewReconciler(store, vms, gateway, cfg, zap.NewNop()),
	}
}

func (e *testEnv) addNode(t *testing.T, id string, status domain.NodeStatus, obligations ...domain.SystemVMObligation) {
	t.Helper()
	n := &domain.Node{ID: id, Status: status, Obligations: obligations}
	if err := e.store.SaveNode(context.Background(), n); err != nil {
		t.Fatalf("SaveNode: %v", err)
	}
}

func (e *testEnv) obligation(t *testing.T, nodeID string, role domain.SystemVMRole) domain.SystemVMObligation {
	t.Helper()
	n, err := e.store.GetNode(context.Background(), nodeID)
	if err != nil {
		t.Fatalf("GetNode(%s): %v", nodeID, err)
	}
	ob := n.Obligation(role)
	if ob == nil {
		t.Fatalf("node %s has no %s obligation", nodeID, role)
	}
	return *ob
}

func (e *testEnv) setVMStatus(t *testing.T, vmID string, status domain.VMStatus) {
	t.Helper()
	rec, err := e.store.GetVM(context.Background(), vmID)
	if err != nil {
		t.Fatalf("GetVM(%s): %v", vmID, err)
	}
	rec.Status = status
	e.store.putVM(rec)
}

// ============================================================================
// Deployment
// ============================================================================

func TestReconcile_DeploysPendingObligation(t *testing.T) {
	env := newTestEnv(t)
	env.addNode(t, "node-1", domain.NodeStatusOnline,
		domain.SystemVMObligation{Role: domain.SystemVMRoleDHT, Status: domain.ObligationPending})

	env.rec.ReconcileObligations(context.Background())

	ob := env.obligation(t, "node-1", domain.SystemVMRoleDHT)
	if ob.Status != domain.ObligationDeploying {
		t.Fatalf("expected Deploying, got %s", ob.Status)
	}
	if ob.VMID == "" {
		t.Fatal("expected the obligation to track its VM")
	}

	if len(env.vms.requests) != 1 {
		t.Fatalf("expected 1 creation, got %d", len(env.vms.requests))
	}
	req := env.vms.requests[0]
	if req.OwnerID != domain.SystemOwnerID {
		t.Errorf("system VMs are platform-owned, got owner %q", req.OwnerID)
	}
	if req.TargetNodeID != "node-1" {
		t.Errorf("placement must pin the obligated node, got %q", req.TargetNodeID)
	}
	if req.Labels[domain.LabelSystemRole] != "DHT" {
		t.Errorf("expected role label, got %v", req.Labels)
	}
	if req.Name != "sys-dht-node-1" {
		t.Errorf("unexpected name %q", req.Name)
	}
	if req.Spec.VirtualCPUCores != 1 || req.Spec.MemoryBytes != 1024<<20 {
		t.Errorf("spec does not match the configured shape: %+v", req.Spec)
	}
}

func TestReconcile_RelayObligationPreparesGateway(t *testing.T) {
	env := newTestEnv(t)
	env.addNode(t, "node-1", domain.NodeStatusOnline,
		domain.SystemVMObligation{Role: domain.SystemVMRoleRelay, Status: domain.ObligationPending})

	env.rec.ReconcileObligations(context.Background())

	if len(env.gateway.prepared) != 1 || env.gateway.prepared[0] != "node-1" {
		t.Fatalf("expected gateway preparation for node-1, got %v", env.gateway.prepared)
	}
	req := env.vms.requests[0]
	if req.Labels[domain.LabelSensitiveWireguardKey] != "priv-key" {
		t.Error("gateway VM must carry the WireGuard key label")
	}
	if req.Labels[domain.LabelSystemRole] != "Relay" {
		t.Errorf("expected role label, got %v", req.Labels)
	}
	if ob := env.obligation(t, "node-1", domain.SystemVMRoleRelay); ob.Status != domain.ObligationDeploying {
		t.Errorf("expected Deploying, got %s", ob.Status)
	}
}

func TestReconcile_AdoptsSurvivingGateway(t *testing.T) {
	env := newTestEnv(t)
	env.addNode(t, "node-1", domain.NodeStatusOnline,
		domain.SystemVMObligation{Role: domain.SystemVMRoleRelay, Status: domain.ObligationPending})

	n, _ := env.store.GetNode(context.Background(), "node-1")
	n.RelayInfo = &domain.RelayInfo{VMID: "vm-gw", RelaySubnet: 1, Status: domain.RelayStatusActive}
	env.store.SaveNode(context.Background(), n)
	env.store.putVM(&domain.VirtualMachine{ID: "vm-gw", NodeID: "node-1", Status: domain.VMStatusRunning})
	env.gateway.prepareErr = domain.ValidationError("node node-1 already runs a live gateway")

	env.rec.ReconcileObligations(context.Background())

	ob := env.obligation(t, "node-1", domain.SystemVMRoleRelay)
	if ob.Status != domain.ObligationReady || ob.VMID != "vm-gw" {
		t.Fatalf("expected adoption of the live gateway, got %+v", ob)
	}
	if len(env.vms.requests) != 0 {
		t.Error("adoption must not create a second gateway VM")
	}
}

func TestReconcile_SkipsOfflineNodes(t *testing.T) {
	env := newTestEnv(t)
	env.addNode(t, "node-1", domain.NodeStatusOffline,
		domain.SystemVMObligation{Role: domain.SystemVMRoleDHT, Status: domain.ObligationPending})

	env.rec.ReconcileObligations(context.Background())

	if len(env.vms.requests) != 0 {
		t.Error("offline nodes must not receive deployments")
	}
	if ob := env.obligation(t, "node-1", domain.SystemVMRoleDHT); ob.Status != domain.ObligationPending {
		t.Errorf("obligation must stay Pending, got %s", ob.Status)
	}
}

func TestReconcile_CreationFailureRetriesNextPass(t *testing.T) {
	env := newTestEnv(t)
	env.addNode(t, "node-1", domain.NodeStatusOnline,
		domain.SystemVMObligation{Role: domain.SystemVMRoleDHT, Status: domain.ObligationPending})
	env.vms.failWith = errors.New("store unavailable")

	env.rec.ReconcileObligations(context.Background())

	if ob := env.obligation(t, "node-1", domain.SystemVMRoleDHT); ob.Status != domain.ObligationPending {
		t.Fatalf("failed creation must leave the obligation Pending, got %s", ob.Status)
	}

	env.vms.failWith = nil
	env.rec.ReconcileObligations(context.Background())
	if ob := env.obligation(t, "node-1", domain.SystemVMRoleDHT); ob.Status != domain.ObligationDeploying {
		t.Fatalf("expected retry to deploy, got %s", ob.Status)
	}
}

// ============================================================================
// Deployment progress
// ============================================================================

func TestReconcile_PromotesRunningDeployment(t *testing.T) {
	env := newTestEnv(t)
	env.addNode(t, "node-1", domain.NodeStatusOnline,
		domain.SystemVMObligation{Role: domain.SystemVMRoleDHT, Status: domain.ObligationPending})

	ctx := context.Background()
	env.rec.ReconcileObligations(ctx)
	ob := env.obligation(t, "node-1", domain.SystemVMRoleDHT)

	// Still provisioning: nothing changes.
	env.setVMStatus(t, ob.VMID, domain.VMStatusProvisioning)
	env.rec.ReconcileObligations(ctx)
	if got := env.obligation(t, "node-1", domain.SystemVMRoleDHT); got.Status != domain.ObligationDeploying {
		t.Fatalf("provisioning VM must keep the obligation Deploying, got %s", got.Status)
	}

	env.setVMStatus(t, ob.VMID, domain.VMStatusRunning)
	env.rec.ReconcileObligations(ctx)
	if got := env.obligation(t, "node-1", domain.SystemVMRoleDHT); got.Status != domain.ObligationReady {
		t.Fatalf("expected Ready, got %s", got.Status)
	}
}

func TestReconcile_ActivatesRelayWhenGatewayRuns(t *testing.T) {
	env := newTestEnv(t)
	env.addNode(t, "node-1", domain.NodeStatusOnline,
		domain.SystemVMObligation{Role: domain.SystemVMRoleRelay, Status: domain.ObligationPending})

	ctx := context.Background()
	env.rec.ReconcileObligations(ctx)
	ob := env.obligation(t, "node-1", domain.SystemVMRoleRelay)
	env.setVMStatus(t, ob.VMID, domain.VMStatusRunning)

	env.rec.ReconcileObligations(ctx)

	if env.gateway.activated["node-1"] != ob.VMID {
		t.Errorf("expected gateway activation with the VM id, got %v", env.gateway.activated)
	}
	if got := env.obligation(t, "node-1", domain.SystemVMRoleRelay); got.Status != domain.ObligationReady {
		t.Fatalf("expected Ready after activation, got %s", got.Status)
	}
}

func TestReconcile_FailsErroredDeployment(t *testing.T) {
	env := newTestEnv(t)
	env.addNode(t, "node-1", domain.NodeStatusOnline,
		domain.SystemVMObligation{Role: domain.SystemVMRoleDHT, Status: domain.ObligationPending})

	ctx := context.Background()
	env.rec.ReconcileObligations(ctx)
	ob := env.obligation(t, "node-1", domain.SystemVMRoleDHT)
	env.setVMStatus(t, ob.VMID, domain.VMStatusError)

	env.rec.ReconcileObligations(ctx)

	got := env.obligation(t, "node-1", domain.SystemVMRoleDHT)
	if got.Status != domain.ObligationFailed {
		t.Fatalf("expected Failed, got %s", got.Status)
	}
	if got.VMID != ob.VMID {
		t.Error("failed obligation must keep the VM id for diagnosis")
	}
}

func TestReconcile_RestartsVanishedDeployment(t *testing.T) {
	env := newTestEnv(t)
	env.addNode(t, "node-1", domain.NodeStatusOnline,
		domain.SystemVMObligation{Role: domain.SystemVMRoleDHT, Status: domain.ObligationDeploying, VMID: "vm-gone"})

	env.rec.ReconcileObligations(context.Background())

	got := env.obligation(t, "node-1", domain.SystemVMRoleDHT)
	if got.Status != domain.ObligationPending || got.VMID != "" {
		t.Fatalf("expected a clean Pending restart, got %+v", got)
	}
}

// ============================================================================
// Health supervision
// ============================================================================

func TestReconcile_LeavesHealthyReadyAlone(t *testing.T) {
	env := newTestEnv(t)
	env.store.putVM(&domain.VirtualMachine{ID: "vm-dht", NodeID: "node-1", Status: domain.VMStatusRunning})
	env.addNode(t, "node-1", domain.NodeStatusOnline,
		domain.SystemVMObligation{Role: domain.SystemVMRoleDHT, Status: domain.ObligationReady, VMID: "vm-dht"})

	env.rec.ReconcileObligations(context.Background())

	if ob := env.obligation(t, "node-1", domain.SystemVMRoleDHT); ob.Status != domain.ObligationReady {
		t.Fatalf("healthy obligation was disturbed: %+v", ob)
	}
	if len(env.vms.deleted)+len(env.vms.requests) != 0 {
		t.Error("healthy obligation must not trigger VM churn")
	}
}

func TestReconcile_RedeploysDeadReadyVM(t *testing.T) {
	env := newTestEnv(t)
	env.store.putVM(&domain.VirtualMachine{ID: "vm-dht", NodeID: "node-1", Status: domain.VMStatusError})
	env.addNode(t, "node-1", domain.NodeStatusOnline,
		domain.SystemVMObligation{Role: domain.SystemVMRoleDHT, Status: domain.ObligationReady, VMID: "vm-dht"})

	env.rec.ReconcileObligations(context.Background())

	got := env.obligation(t, "node-1", domain.SystemVMRoleDHT)
	if got.Status != domain.ObligationPending || got.VMID != "" {
		t.Fatalf("expected redeploy reset, got %+v", got)
	}
	if len(env.vms.deleted) != 1 || env.vms.deleted[0] != "vm-dht" {
		t.Errorf("dead VM must be cleared before redeploy, got %v", env.vms.deleted)
	}
}

func TestReconcile_DowngradesGatewayOnDeadRelayVM(t *testing.T) {
	env := newTestEnv(t)
	env.store.putVM(&domain.VirtualMachine{ID: "vm-gw", NodeID: "node-1", Status: domain.VMStatusError})
	env.addNode(t, "node-1", domain.NodeStatusOnline,
		domain.SystemVMObligation{Role: domain.SystemVMRoleRelay, Status: domain.ObligationReady, VMID: "vm-gw"})

	env.rec.ReconcileObligations(context.Background())

	if env.gateway.statuses["node-1"] != domain.RelayStatusOffline {
		t.Errorf("expected gateway downgraded to Offline, got %v", env.gateway.statuses)
	}
	if ob := env.obligation(t, "node-1", domain.SystemVMRoleRelay); ob.Status != domain.ObligationPending {
		t.Fatalf("expected redeploy reset, got %s", ob.Status)
	}
}

// ============================================================================
// Failed obligations
// ============================================================================

func TestReconcile_FailedHoldsWhileErrorVMExists(t *testing.T) {
	env := newTestEnv(t)
	env.store.putVM(&domain.VirtualMachine{ID: "vm-bad", NodeID: "node-1", Status: domain.VMStatusError})
	env.addNode(t, "node-1", domain.NodeStatusOnline,
		domain.SystemVMObligation{Role: domain.SystemVMRoleDHT, Status: domain.ObligationFailed, VMID: "vm-bad"})

	env.rec.ReconcileObligations(context.Background())

	if ob := env.obligation(t, "node-1", domain.SystemVMRoleDHT); ob.Status != domain.ObligationFailed {
		t.Fatalf("failed obligation must hold while the VM exists, got %s", ob.Status)
	}
}

func TestReconcile_FailedRearmsOnceVMIsGone(t *testing.T) {
	env := newTestEnv(t)
	env.addNode(t, "node-1", domain.NodeStatusOnline,
		domain.SystemVMObligation{Role: domain.SystemVMRoleDHT, Status: domain.ObligationFailed, VMID: "vm-gone"})

	env.rec.ReconcileObligations(context.Background())

	if ob := env.obligation(t, "node-1", domain.SystemVMRoleDHT); ob.Status != domain.ObligationPending {
		t.Fatalf("expected re-armed Pending obligation, got %s", ob.Status)
	}
}
