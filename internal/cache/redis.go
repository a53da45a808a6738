// Package cache provides the redis-backed definition cache shared by all
// server instances.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"velocitymesh/backend/pkg/models"
)

const definitionPrefix = "workflow:def:"

// NewClient connects a redis client from a redis:// URL and verifies the
// connection.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// DefinitionCache caches workflow definitions with a fixed TTL. Between TTL
// expiries a read may trail a writer on another instance; every local write
// path refreshes the entry synchronously.
type DefinitionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDefinitionCache creates a DefinitionCache with the given entry TTL.
func NewDefinitionCache(client *redis.Client, ttl time.Duration) *DefinitionCache {
	return &DefinitionCache{client: client, ttl: ttl}
}

func (c *DefinitionCache) key(id string) string {
	return definitionPrefix + id
}

// Get returns the cached definition and whether the entry was present.
func (c *DefinitionCache) Get(ctx context.Context, id string) (*models.WorkflowDefinition, bool, error) {
	data, err := c.client.Get(ctx, c.key(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var def models.WorkflowDefinition
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached definition: %w", err)
	}
	return &def, true, nil
}

// Set stores the definition with the configured TTL.
func (c *DefinitionCache) Set(ctx context.Context, def *models.WorkflowDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}
	if err := c.client.Set(ctx, c.key(def.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// Delete evicts the definition entry.
func (c *DefinitionCache) Delete(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, c.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}
