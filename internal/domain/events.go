package domain

import "time"

// EventType names an operator-visible occurrence published on the event bus.
type EventType string

const (
	EventVMCreated       EventType = "vm.created"
	EventVMRunning       EventType = "vm.running"
	EventVMDeleted       EventType = "vm.deleted"
	EventVMRecovered     EventType = "vm.recovered"
	EventVMError         EventType = "vm.error"
	EventNodeRegistered  EventType = "node.registered"
	EventNodeReconnected EventType = "node.reconnected"
	EventNodeOffline     EventType = "node.offline"
	EventCommandOrphaned EventType = "command.orphaned"
	EventRelayAssigned   EventType = "relay.assigned"
	EventRelayPeered     EventType = "relay.peered"
)

// Event is one bus message. Data carries small string details only; large
// state lives in the store.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	ResourceID string            `json:"resource_id"`
	NodeID     string            `json:"node_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
