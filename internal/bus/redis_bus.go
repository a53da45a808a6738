package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"velocitymesh/backend/pkg/models"
)

const (
	channel        = "collab.events"
	publishTimeout = 5 * time.Second
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Warn(msg string, args ...interface{})
}

// RedisBus fans collaboration events out over a redis pub/sub channel.
// Redis delivers published messages to the publisher's own subscription as
// well, which is exactly the bus contract.
type RedisBus struct {
	client *redis.Client
	sub    *redis.PubSub
	logger Logger

	mu       sync.RWMutex
	handlers []Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBus subscribes to the shared channel and starts the receive loop.
func NewRedisBus(ctx context.Context, client *redis.Client, logger Logger) (*RedisBus, error) {
	sub := client.Subscribe(ctx, channel)
	// force the subscription to be established before returning
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client: client,
		sub:    sub,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.receive(loopCtx)
	return b, nil
}

// Publish serializes the event and pushes it onto the shared channel with a
// bounded timeout so a degraded redis never blocks a collaboration session.
func (b *RedisBus) Publish(ctx context.Context, event *models.CollaborationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe registers a callback for events from every instance.
func (b *RedisBus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Close stops the receive loop and tears down the subscription.
func (b *RedisBus) Close() error {
	b.cancel()
	err := b.sub.Close()
	<-b.done
	return err
}

func (b *RedisBus) receive(ctx context.Context) {
	defer close(b.done)
	ch := b.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event models.CollaborationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("dropping undecodable bus event", "error", err)
				continue
			}
			b.mu.RLock()
			handlers := b.handlers
			b.mu.RUnlock()
			for _, h := range handlers {
				h(&event)
			}
		}
	}
}
