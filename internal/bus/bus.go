// Package bus provides the cross-instance fan-out primitive for
// collaboration events. The bus is deliberately dumb: at-least-once fan-out
// to every subscriber on every instance, including the publisher's own.
// Filtering the sender out of delivery belongs to the layer above.
package bus

import (
	"context"

	"velocitymesh/backend/pkg/models"
)

// Handler receives every event published on the bus.
type Handler func(event *models.CollaborationEvent)

// Bus is the change broadcast fan-out shared by all server instances.
type Bus interface {
	// Publish serializes the event and pushes it onto the shared channel.
	Publish(ctx context.Context, event *models.CollaborationEvent) error
	// Subscribe registers a callback for events from every instance,
	// including this one.
	Subscribe(handler Handler)
	// Close stops delivery.
	Close() error
}
