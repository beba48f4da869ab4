package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// markDirtyLocked records that (collection, id) needs persisting and returns
// the generation of the mark. Caller holds s.mu.
func (s *DataStore) markDirtyLocked(collection, id string) int64 {
	if !s.durable {
		return 0
	}
	s.genSeq++
	if s.dirty[collection] == nil {
		s.dirty[collection] = make(map[string]int64)
	}
	s.dirty[collection][id] = s.genSeq
	return s.genSeq
}

// clearDirty removes the mark only if no newer mutation superseded it.
func (s *DataStore) clearDirty(collection, id string, gen int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if marks := s.dirty[collection]; marks != nil && marks[id] == gen {
		delete(marks, id)
	}
}

// snapshot marshals the current state of (collection, id). ok is false when
// the entity no longer exists and the document should be deleted.
func (s *DataStore) snapshot(collection, id string) (doc []byte, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entity any
	switch collection {
	case CollectionNodes:
		if n, exists := s.nodes[id]; exists {
			entity = n
		}
	case CollectionVMs:
		if vm, exists := s.vms[id]; exists {
			entity = vm
		}
	case CollectionUsers:
		if u, exists := s.users[id]; exists {
			entity = u
		}
	case CollectionCommands:
		if reg, exists := s.registry[id]; exists {
			entity = reg
		}
	case CollectionEvents:
		for _, ev := range s.events {
			if ev.ID == id {
				entity = ev
				break
			}
		}
	default:
		return nil, false, fmt.Errorf("unknown collection %q", collection)
	}

	if entity == nil {
		return nil, false, nil
	}
	doc, err = json.Marshal(entity)
	if err != nil {
		return nil, false, fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	return doc, true, nil
}

// writeThrough persists the current state of (collection, id) immediately
// after a mutation. Failures are logged and left for the periodic flush;
// mutators never block on the document store erroring.
func (s *DataStore) writeThrough(ctx context.Context, collection, id string, gen int64) {
	if !s.durable {
		return
	}
	if err := s.persist(ctx, collection, id); err != nil {
		s.logger.Warn("Write-through failed, flush will retry",
			zap.String("collection", collection),
			zap.String("id", id),
			zap.Error(err))
		return
	}
	s.clearDirty(collection, id, gen)
}

// persist writes or deletes the document for the entity's current state.
func (s *DataStore) persist(ctx context.Context, collection, id string) error {
	doc, exists, err := s.snapshot(collection, id)
	if err != nil {
		return err
	}
	if !exists {
		return s.docs.Delete(ctx, collection, id)
	}
	return s.docs.Put(ctx, collection, id, doc)
}

// Flush persists every dirty entity. It copies the dirty set under the lock
// and performs I/O without it, so mutators are never blocked by a slow store.
func (s *DataStore) Flush(ctx context.Context) error {
	if !s.durable {
		return nil
	}

	type mark struct {
		collection string
		id         string
		gen        int64
	}

	s.mu.RLock()
	var marks []mark
	for collection, ids := range s.dirty {
		for id, gen := range ids {
			marks = append(marks, mark{collection, id, gen})
		}
	}
	s.mu.RUnlock()

	if len(marks) == 0 {
		return nil
	}

	var failed int
	for _, m := range marks {
		if err := s.persist(ctx, m.collection, m.id); err != nil {
			failed++
			s.logger.Warn("Flush entry failed",
				zap.String("collection", m.collection),
				zap.String("id", m.id),
				zap.Error(err))
			continue
		}
		s.clearDirty(m.collection, m.id, m.gen)
	}

	s.logger.Debug("State flush completed",
		zap.Int("flushed", len(marks)-failed),
		zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("flush: %d of %d entries failed", failed, len(marks))
	}
	return nil
}

// RunSync periodically flushes dirty state until the context is cancelled.
// Non-leader instances skip flushing; their write-throughs already landed and
// the leader owns reconciliation.
func (s *DataStore) RunSync(ctx context.Context, interval time.Duration, leader LeaderChecker) {
	if !s.durable {
		s.logger.Info("Periodic state sync disabled, store is memory-backed")
		return
	}

	s.logger.Info("Starting periodic state sync", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush on shutdown, best effort with a short deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.Flush(flushCtx); err != nil {
				s.logger.Error("Final state flush failed", zap.Error(err))
			}
			cancel()
			s.logger.Info("Periodic state sync stopped")
			return
		case <-ticker.C:
			if leader != nil && !leader.IsLeader() {
				continue
			}
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("Periodic state flush incomplete", zap.Error(err))
			}
		}
	}
}
