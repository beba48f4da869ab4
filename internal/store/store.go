package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// maxEventsInMemory caps the recent-event window served from memory. Older
// events remain in the document store.
const maxEventsInMemory = 512

// LeaderChecker gates the periodic flush so that only the elected instance
// writes reconciliation batches in multi-instance deployments.
type LeaderChecker interface {
	IsLeader() bool
}

// DataStore is the orchestrator's authoritative state: nodes, VMs, users, the
// command registry and per-node pending-command queues. All state is held in
// memory behind one lock; mutations write through to the document store and a
// periodic flush retries anything the write-through missed.
//
// Single-entity operations are linearizable. TryCompleteCommand removes at
// most once. Pending-command drain is all-or-nothing per node.
type DataStore struct {
	logger *zap.Logger
	docs   DocumentStore

	// durable is false when the backing driver is itself in-memory; the
	// write-through and flush become no-ops then.
	durable bool

	mu       sync.RWMutex
	nodes    map[string]*domain.Node
	vms      map[string]*domain.VirtualMachine
	users    map[string]*domain.User
	registry map[string]*domain.CommandRegistration
	pending  map[string][]domain.NodeCommand
	events   []*domain.Event

	// Secondary indexes, maintained on every VM save/delete.
	vmsByOwner map[string]map[string]struct{}
	vmsByNode  map[string]map[string]struct{}
	activeVMs  map[string]struct{}

	// dirty tracks entities whose latest state may not have reached the
	// document store, keyed by collection then id. The generation number
	// prevents a slow write-through from clearing a newer mark.
	dirty  map[string]map[string]int64
	genSeq int64
}

// New creates a DataStore over the given document driver. durable reports
// whether the driver actually persists; the in-memory driver passes false so
// the sync loop and write-through can skip redundant work.
func New(docs DocumentStore, durable bool, logger *zap.Logger) *DataStore {
	return &DataStore{
		logger:     logger.Named("datastore"),
		docs:       docs,
		durable:    durable,
		nodes:      make(map[string]*domain.Node),
		vms:        make(map[string]*domain.VirtualMachine),
		users:      make(map[string]*domain.User),
		registry:   make(map[string]*domain.CommandRegistration),
		pending:    make(map[string][]domain.NodeCommand),
		vmsByOwner: make(map[string]map[string]struct{}),
		vmsByNode:  make(map[string]map[string]struct{}),
		activeVMs:  make(map[string]struct{}),
		dirty:      make(map[string]map[string]int64),
	}
}

// IsBackedByDocumentStore reports whether mutations are persisted beyond
// process memory.
func (s *DataStore) IsBackedByDocumentStore() bool {
	return s.durable
}

// ============================================================================
// Warm Start
// ============================================================================

// WarmStart loads every collection from the document store into memory and
// rebuilds the secondary indexes. Pending-command queues are not persisted;
// they start empty and refill as subsystems re-issue work.
func (s *DataStore) WarmStart(ctx context.Context) error {
	if !s.durable {
		s.logger.Info("Warm start skipped, store is memory-backed")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nodeDocs, err := s.docs.List(ctx, CollectionNodes)
	if err != nil {
		return fmt.Errorf("warm start: list nodes: %w", err)
	}
	for id, doc := range nodeDocs {
		var n domain.Node
		if err := json.Unmarshal(doc, &n); err != nil {
			s.logger.Error("Skipping undecodable node document", zap.String("id", id), zap.Error(err))
			continue
		}
		s.nodes[n.ID] = &n
	}

	vmDocs, err := s.docs.List(ctx, CollectionVMs)
	if err != nil {
		return fmt.Errorf("warm start: list vms: %w", err)
	}
	for id, doc := range vmDocs {
		var vm domain.VirtualMachine
		if err := json.Unmarshal(doc, &vm); err != nil {
			s.logger.Error("Skipping undecodable vm document", zap.String("id", id), zap.Error(err))
			continue
		}
		s.vms[vm.ID] = &vm
		s.indexVMLocked(&vm)
	}

	userDocs, err := s.docs.List(ctx, CollectionUsers)
	if err != nil {
		return fmt.Errorf("warm start: list users: %w", err)
	}
	for id, doc := range userDocs {
		var u domain.User
		if err := json.Unmarshal(doc, &u); err != nil {
			s.logger.Error("Skipping undecodable user document", zap.String("id", id), zap.Error(err))
			continue
		}
		s.users[u.ID] = &u
	}

	regDocs, err := s.docs.List(ctx, CollectionCommands)
	if err != nil {
		return fmt.Errorf("warm start: list commands: %w", err)
	}
	for id, doc := range regDocs {
		var reg domain.CommandRegistration
		if err := json.Unmarshal(doc, &reg); err != nil {
			s.logger.Error("Skipping undecodable command document", zap.String("id", id), zap.Error(err))
			continue
		}
		s.registry[reg.CommandID] = &reg
	}

	eventDocs, err := s.docs.List(ctx, CollectionEvents)
	if err != nil {
		return fmt.Errorf("warm start: list events: %w", err)
	}
	for id, doc := range eventDocs {
		var ev domain.Event
		if err := json.Unmarshal(doc, &ev); err != nil {
			s.logger.Error("Skipping undecodable event document", zap.String("id", id), zap.Error(err))
			continue
		}
		s.events = append(s.events, &ev)
	}
	sort.Slice(s.events, func(i, j int) bool {
		return s.events[i].Timestamp.Before(s.events[j].Timestamp)
	})
	if len(s.events) > maxEventsInMemory {
		s.events = s.events[len(s.events)-maxEventsInMemory:]
	}

	s.logger.Info("SYSTEM_EVENT: warm start complete",
		zap.Int("nodes", len(s.nodes)),
		zap.Int("vms", len(s.vms)),
		zap.Int("users", len(s.users)),
		zap.Int("commands", len(s.registry)),
		zap.Int("events", len(s.events)))
	return nil
}

// ============================================================================
// Nodes
// ============================================================================

// SaveNode stores or replaces a node record.
func (s *DataStore) SaveNode(ctx context.Context, n *domain.Node) error {
	if n.ID == "" {
		return domain.ValidationError("node id is required")
	}

	s.mu.Lock()
	n.UpdatedAt = time.Now()
	stored := cloneNode(n)
	s.nodes[stored.ID] = stored
	gen := s.markDirtyLocked(CollectionNodes, stored.ID)
	s.mu.Unlock()

	s.writeThrough(ctx, CollectionNodes, stored.ID, gen)
	return nil
}

// GetNode retrieves a node by id.
func (s *DataStore) GetNode(ctx context.Context, id string) (*domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneNode(n), nil
}

// GetAllNodes returns every node, sorted by id.
func (s *DataStore) GetAllNodes(ctx context.Context) ([]*domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, cloneNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetActiveNodes returns Online nodes, sorted by id.
func (s *DataStore) GetActiveNodes(ctx context.Context) ([]*domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Node
	for _, n := range s.nodes {
		if n.Status == domain.NodeStatusOnline {
			out = append(out, cloneNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteNode removes a node record entirely.
func (s *DataStore) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.nodes[id]; !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	delete(s.nodes, id)
	delete(s.pending, id)
	gen := s.markDirtyLocked(CollectionNodes, id)
	s.mu.Unlock()

	s.writeThrough(ctx, CollectionNodes, id, gen)
	return nil
}

// ============================================================================
// Virtual Machines
// ============================================================================

// SaveVM stores or replaces a VM record and maintains the owner, node and
// active indexes.
func (s *DataStore) SaveVM(ctx context.Context, vm *domain.VirtualMachine) error {
	if vm.ID == "" {
		return domain.ValidationError("vm id is required")
	}

	s.mu.Lock()
	vm.UpdatedAt = time.Now()
	if prev, ok := s.vms[vm.ID]; ok {
		s.unindexVMLocked(prev)
	}
	stored := cloneVM(vm)
	s.vms[stored.ID] = stored
	s.indexVMLocked(stored)
	gen := s.markDirtyLocked(CollectionVMs, stored.ID)
	s.mu.Unlock()

	s.writeThrough(ctx, CollectionVMs, stored.ID, gen)
	return nil
}

// GetVM retrieves a VM by id.
func (s *DataStore) GetVM(ctx context.Context, id string) (*domain.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vm, ok := s.vms[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneVM(vm), nil
}

// GetAllVMs returns every VM, most recently created first.
func (s *DataStore) GetAllVMs(ctx context.Context) ([]*domain.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.VirtualMachine, 0, len(s.vms))
	for _, vm := range s.vms {
		out = append(out, cloneVM(vm))
	}
	sortVMs(out)
	return out, nil
}

// GetVMsByOwner returns the owner's VMs, most recently created first.
func (s *DataStore) GetVMsByOwner(ctx context.Context, ownerID string) ([]*domain.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.VirtualMachine
	for id := range s.vmsByOwner[ownerID] {
		if vm, ok := s.vms[id]; ok {
			out = append(out, cloneVM(vm))
		}
	}
	sortVMs(out)
	return out, nil
}

// GetVMsByNode returns every VM assigned to the node, including terminal ones.
func (s *DataStore) GetVMsByNode(ctx context.Context, nodeID string) ([]*domain.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.VirtualMachine
	for id := range s.vmsByNode[nodeID] {
		if vm, ok := s.vms[id]; ok {
			out = append(out, cloneVM(vm))
		}
	}
	sortVMs(out)
	return out, nil
}

// GetActiveVMsByNode returns the node's non-Deleted VMs.
func (s *DataStore) GetActiveVMsByNode(ctx context.Context, nodeID string) ([]*domain.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.VirtualMachine
	for id := range s.vmsByNode[nodeID] {
		if _, active := s.activeVMs[id]; !active {
			continue
		}
		if vm, ok := s.vms[id]; ok {
			out = append(out, cloneVM(vm))
		}
	}
	sortVMs(out)
	return out, nil
}

// VMNameInUseByOwner reports whether any non-Deleted VM of the owner already
// carries the name.
func (s *DataStore) VMNameInUseByOwner(ctx context.Context, ownerID, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id := range s.vmsByOwner[ownerID] {
		vm, ok := s.vms[id]
		if ok && vm.Name == name && vm.Status != domain.VMStatusDeleted {
			return true, nil
		}
	}
	return false, nil
}

// VMNameInUseGlobally reports whether any non-Deleted VM of any owner carries
// the name. Premium names are unique across the platform.
func (s *DataStore) VMNameInUseGlobally(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, vm := range s.vms {
		if vm.Name == name && vm.Status != domain.VMStatusDeleted {
			return true, nil
		}
	}
	return false, nil
}

// DeleteVM removes a VM record entirely. Lifecycle deletion keeps Deleted
// records for history; this purges them.
func (s *DataStore) DeleteVM(ctx context.Context, id string) error {
	s.mu.Lock()
	vm, ok := s.vms[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	s.unindexVMLocked(vm)
	delete(s.vms, id)
	gen := s.markDirtyLocked(CollectionVMs, id)
	s.mu.Unlock()

	s.writeThrough(ctx, CollectionVMs, id, gen)
	return nil
}

// ============================================================================
// Scheduling accounting
// ============================================================================

// ReserveAndAssign reserves capacity on the node and records the VM's node
// assignment as one atomic update. A concurrent delete can therefore never
// release resources that were not charged.
func (s *DataStore) ReserveAndAssign(ctx context.Context, nodeID, vmID string, res domain.Resources) error {
	s.mu.Lock()

	n, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("reserve on node %s: %w", nodeID, domain.ErrNotFound)
	}
	vm, ok := s.vms[vmID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("assign vm %s: %w", vmID, domain.ErrNotFound)
	}
	if !n.AvailableResources().Fits(res) {
		s.mu.Unlock()
		return fmt.Errorf("node %s cannot hold %+v: %w", nodeID, res, domain.ErrInsufficientResources)
	}

	now := time.Now()
	n.ReservedResources = n.ReservedResources.Add(res)
	n.UpdatedAt = now
	vm.NodeID = nodeID
	vm.UpdatedAt = now
	s.indexVMLocked(vm)

	invariantErr := n.CheckResourceInvariant()
	nodeGen := s.markDirtyLocked(CollectionNodes, nodeID)
	vmGen := s.markDirtyLocked(CollectionVMs, vmID)
	s.mu.Unlock()

	if invariantErr != nil {
		s.logger.Error("SYSTEM_EVENT: resource invariant violated after reserve",
			zap.String("node_id", nodeID), zap.Error(invariantErr))
	}

	s.writeThrough(ctx, CollectionNodes, nodeID, nodeGen)
	s.writeThrough(ctx, CollectionVMs, vmID, vmGen)
	return nil
}

// ReleaseReservation returns capacity to the node with floored subtraction,
// so duplicate or re-ordered release events cannot drive accounting negative.
func (s *DataStore) ReleaseReservation(ctx context.Context, nodeID string, res domain.Resources) error {
	s.mu.Lock()
	n, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("release on node %s: %w", nodeID, domain.ErrNotFound)
	}
	n.ReservedResources = n.ReservedResources.SubFloored(res)
	n.UpdatedAt = time.Now()
	gen := s.markDirtyLocked(CollectionNodes, nodeID)
	s.mu.Unlock()

	s.writeThrough(ctx, CollectionNodes, nodeID, gen)
	return nil
}

// ============================================================================
// Users
// ============================================================================

// SaveUser stores or replaces a user record.
func (s *DataStore) SaveUser(ctx context.Context, u *domain.User) error {
	if u.ID == "" {
		return domain.ValidationError("user id is required")
	}

	s.mu.Lock()
	u.UpdatedAt = time.Now()
	stored := cloneUser(u)
	s.users[stored.ID] = stored
	gen := s.markDirtyLocked(CollectionUsers, stored.ID)
	s.mu.Unlock()

	s.writeThrough(ctx, CollectionUsers, stored.ID, gen)
	return nil
}

// GetUser retrieves a user by id.
func (s *DataStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneUser(u), nil
}

// GetUserByWallet retrieves a user by wallet address.
func (s *DataStore) GetUserByWallet(ctx context.Context, wallet string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Wallet == wallet {
			return cloneUser(u), nil
		}
	}
	return nil, domain.ErrNotFound
}

// ============================================================================
// Command Registry
// ============================================================================

// RegisterCommand records the (vm, node, type) correlation for an outstanding
// command. Command ids are globally unique; re-registering one is an error.
func (s *DataStore) RegisterCommand(ctx context.Context, reg *domain.CommandRegistration) error {
	if reg.CommandID == "" {
		return domain.ValidationError("command id is required")
	}

	s.mu.Lock()
	if _, exists := s.registry[reg.CommandID]; exists {
		s.mu.Unlock()
		return domain.ErrAlreadyExists
	}
	stored := cloneRegistration(reg)
	if stored.IssuedAt.IsZero() {
		stored.IssuedAt = time.Now()
	}
	s.registry[stored.CommandID] = stored
	gen := s.markDirtyLocked(CollectionCommands, stored.CommandID)
	s.mu.Unlock()

	s.writeThrough(ctx, CollectionCommands, stored.CommandID, gen)
	return nil
}

// TryCompleteCommand removes and returns the registration for the command id.
// Exactly one concurrent caller receives the registration; every other call
// returns domain.ErrNotFound.
func (s *DataStore) TryCompleteCommand(ctx context.Context, commandID string) (*domain.CommandRegistration, error) {
	s.mu.Lock()
	reg, ok := s.registry[commandID]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	delete(s.registry, commandID)
	now := time.Now()
	reg.CompletedAt = &now
	gen := s.markDirtyLocked(CollectionCommands, commandID)
	out := cloneRegistration(reg)
	s.mu.Unlock()

	s.writeThrough(ctx, CollectionCommands, commandID, gen)
	return out, nil
}

// FindRegistrationsByVM returns outstanding registrations targeting the VM,
// oldest first.
func (s *DataStore) FindRegistrationsByVM(ctx context.Context, vmID string) ([]*domain.CommandRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.CommandRegistration
	for _, reg := range s.registry {
		if reg.VMID == vmID {
			out = append(out, cloneRegistration(reg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

// SweepExpiredCommands removes registrations older than maxAge and returns
// them so the caller can emit orphaned-command events. It never synthesizes
// acknowledgments.
func (s *DataStore) SweepExpiredCommands(ctx context.Context, maxAge time.Duration) ([]*domain.CommandRegistration, error) {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	var swept []*domain.CommandRegistration
	var gens []int64
	var ids []string
	for id, reg := range s.registry {
		if reg.IssuedAt.Before(cutoff) {
			swept = append(swept, cloneRegistration(reg))
			delete(s.registry, id)
			gens = append(gens, s.markDirtyLocked(CollectionCommands, id))
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for i, id := range ids {
		s.writeThrough(ctx, CollectionCommands, id, gens[i])
	}
	return swept, nil
}

// ============================================================================
// Pending Command Queues
// ============================================================================

// AppendCommand queues a command for delivery on the node's next heartbeat
// poll. Queues are in-memory only; a restart drops them and the stale-command
// sweeper reaps the orphaned registrations.
func (s *DataStore) AppendCommand(ctx context.Context, nodeID string, cmd domain.NodeCommand) error {
	if nodeID == "" {
		return domain.ValidationError("node id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[nodeID] = append(s.pending[nodeID], cmd)
	return nil
}

// DrainCommands atomically removes and returns the node's queued commands in
// FIFO order.
func (s *DataStore) DrainCommands(ctx context.Context, nodeID string) []domain.NodeCommand {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmds := s.pending[nodeID]
	if len(cmds) == 0 {
		return nil
	}
	delete(s.pending, nodeID)
	return cmds
}

// PendingCommandCount reports the queue depth for a node.
func (s *DataStore) PendingCommandCount(nodeID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending[nodeID])
}

// ============================================================================
// Events
// ============================================================================

// RecordEvent appends an observability event to the capped in-memory window
// and writes it through to the document store.
func (s *DataStore) RecordEvent(ctx context.Context, ev *domain.Event) error {
	if ev.ID == "" {
		return domain.ValidationError("event id is required")
	}

	s.mu.Lock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	stored := cloneEvent(ev)
	s.events = append(s.events, stored)
	if len(s.events) > maxEventsInMemory {
		s.events = s.events[len(s.events)-maxEventsInMemory:]
	}
	gen := s.markDirtyLocked(CollectionEvents, stored.ID)
	s.mu.Unlock()

	s.writeThrough(ctx, CollectionEvents, stored.ID, gen)
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *DataStore) RecentEvents(ctx context.Context, limit int) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*domain.Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, cloneEvent(s.events[i]))
	}
	return out, nil
}

// ============================================================================
// Index maintenance (callers hold s.mu)
// ============================================================================

func (s *DataStore) indexVMLocked(vm *domain.VirtualMachine) {
	if vm.OwnerID != "" {
		if s.vmsByOwner[vm.OwnerID] == nil {
			s.vmsByOwner[vm.OwnerID] = make(map[string]struct{})
		}
		s.vmsByOwner[vm.OwnerID][vm.ID] = struct{}{}
	}
	if vm.NodeID != "" {
		if s.vmsByNode[vm.NodeID] == nil {
			s.vmsByNode[vm.NodeID] = make(map[string]struct{})
		}
		s.vmsByNode[vm.NodeID][vm.ID] = struct{}{}
	}
	if vm.Status != domain.VMStatusDeleted {
		s.activeVMs[vm.ID] = struct{}{}
	} else {
		delete(s.activeVMs, vm.ID)
	}
}

func (s *DataStore) unindexVMLocked(vm *domain.VirtualMachine) {
	if set := s.vmsByOwner[vm.OwnerID]; set != nil {
		delete(set, vm.ID)
		if len(set) == 0 {
			delete(s.vmsByOwner, vm.OwnerID)
		}
	}
	if set := s.vmsByNode[vm.NodeID]; set != nil {
		delete(set, vm.ID)
		if len(set) == 0 {
			delete(s.vmsByNode, vm.NodeID)
		}
	}
	delete(s.activeVMs, vm.ID)
}

func sortVMs(vms []*domain.VirtualMachine) {
	sort.Slice(vms, func(i, j int) bool {
		if !vms[i].CreatedAt.Equal(vms[j].CreatedAt) {
			return vms[i].CreatedAt.After(vms[j].CreatedAt)
		}
		return vms[i].ID < vms[j].ID
	})
}
