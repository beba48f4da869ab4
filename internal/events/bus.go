// Package events publishes the orchestrator's observability events: every
// significant lifecycle transition lands in the event log and, when Redis is
// wired, on the real-time fan-out channel.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// Sink persists events for the recent-events API.
type Sink interface {
	RecordEvent(ctx context.Context, ev *domain.Event) error
}

// Broadcaster pushes events to external subscribers in real time.
type Broadcaster interface {
	PublishEvent(ctx context.Context, ev *domain.Event) error
}

// Bus fans one event out to the sink and the optional broadcaster. Publishing
// is strictly best-effort: an event must never fail the operation that
// emitted it, so failures are logged and swallowed here.
type Bus struct {
	logger    *zap.Logger
	sink      Sink
	broadcast Broadcaster
}

// NewBus creates an event bus. broadcast may be nil.
func NewBus(sink Sink, broadcast Broadcaster, logger *zap.Logger) *Bus {
	return &Bus{
		logger:    logger.Named("events"),
		sink:      sink,
		broadcast: broadcast,
	}
}

// Publish emits one event.
func (b *Bus) Publish(ctx context.Context, eventType domain.EventType, resourceID, nodeID string, data map[string]string) {
	ev := &domain.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		ResourceID: resourceID,
		NodeID:     nodeID,
		Data:       data,
		Timestamp:  time.Now(),
	}

	b.logger.Info("SYSTEM_EVENT: "+string(eventType),
		zap.String("resource_id", resourceID),
		zap.String("node_id", nodeID),
		zap.Any("data", data))

	if b.sink != nil {
		if err := b.sink.RecordEvent(ctx, ev); err != nil {
			b.logger.Warn("Failed to record event",
				zap.String("type", string(eventType)), zap.Error(err))
		}
	}
	if b.broadcast != nil {
		if err := b.broadcast.PublishEvent(ctx, ev); err != nil {
			b.logger.Debug("Failed to broadcast event",
				zap.String("type", string(eventType)), zap.Error(err))
		}
	}
}
