// Package store holds the orchestrator's authoritative state: an in-memory
// working set backed by a pluggable document store, with write-through on
// mutation and a periodic reconciliation flush.
package store

import "context"

// Collection names used by the document store.
const (
	CollectionNodes    = "nodes"
	CollectionVMs      = "vms"
	CollectionUsers    = "users"
	CollectionCommands = "commands"
	CollectionEvents   = "events"
)

// Collections lists every collection the warm start loads.
var Collections = []string{
	CollectionNodes,
	CollectionVMs,
	CollectionUsers,
	CollectionCommands,
	CollectionEvents,
}

// DocumentStore persists JSON documents keyed by (collection, id). Drivers
// must be safe for concurrent use.
type DocumentStore interface {
	// Put stores or replaces the document under (collection, id).
	Put(ctx context.Context, collection, id string, doc []byte) error

	// Get returns the document under (collection, id), or domain.ErrNotFound.
	Get(ctx context.Context, collection, id string) ([]byte, error)

	// Delete removes the document under (collection, id). Deleting a missing
	// document is not an error.
	Delete(ctx context.Context, collection, id string) error

	// List returns every document in the collection keyed by id.
	List(ctx context.Context, collection string) (map[string][]byte, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases driver resources.
	Close() error
}
