package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"velocitymesh/backend/pkg/models"
)

// MemoryBus is an in-process Bus for tests and single-instance runs. It
// keeps the same contract as the redis bus: every subscriber sees every
// published event, the publisher's own included.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish delivers the event synchronously to every registered handler. The
// round-trip through JSON mirrors what the redis bus does, so handlers never
// share memory with the publisher.
func (b *MemoryBus) Publish(_ context.Context, event *models.CollaborationEvent) error {
	b.mu.RLock()
	closed := b.closed
	handlers := b.handlers
	b.mu.RUnlock()

	if closed {
		return fmt.Errorf("bus is closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	for _, h := range handlers {
		var copied models.CollaborationEvent
		if err := json.Unmarshal(data, &copied); err != nil {
			return fmt.Errorf("failed to unmarshal event: %w", err)
		}
		h(&copied)
	}
	return nil
}

// Subscribe registers a callback.
func (b *MemoryBus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Close stops delivery.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
