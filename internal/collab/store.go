package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"velocitymesh/backend/pkg/models"
)

const (
	participantsPrefix = "room:participants:"
	changeLogPrefix    = "room:changes:"
)

// RoomStore persists the per-room participant set and the time-ordered
// change log. The change log is an audit trail and outlives the room; the
// participant set is destroyed with it.
type RoomStore interface {
	SaveParticipant(ctx context.Context, roomID string, info *models.CollaboratorInfo) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error
	DestroyRoom(ctx context.Context, roomID string) error
	// AppendChange appends an accepted change event, scored by its
	// timestamp in unix milliseconds.
	AppendChange(ctx context.Context, roomID string, event *models.CollaborationEvent) error
	// Changes returns up to limit change events, oldest first.
	Changes(ctx context.Context, roomID string, limit int64) ([]*models.CollaborationEvent, error)
}

// RedisRoomStore is the redis implementation shared by all instances.
type RedisRoomStore struct {
	client       *redis.Client
	maxChangeLog int64
}

// NewRedisRoomStore creates a RedisRoomStore. maxChangeLog bounds the number
// of retained change entries per room.
func NewRedisRoomStore(client *redis.Client, maxChangeLog int64) *RedisRoomStore {
	if maxChangeLog <= 0 {
		maxChangeLog = 1000
	}
	return &RedisRoomStore{client: client, maxChangeLog: maxChangeLog}
}

func (s *RedisRoomStore) SaveParticipant(ctx context.Context, roomID string, info *models.CollaboratorInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}
	if err := s.client.HSet(ctx, participantsPrefix+roomID, info.UserID, data).Err(); err != nil {
		return fmt.Errorf("failed to persist participant: %w", err)
	}
	return nil
}

func (s *RedisRoomStore) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	if err := s.client.HDel(ctx, participantsPrefix+roomID, userID).Err(); err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	return nil
}

func (s *RedisRoomStore) DestroyRoom(ctx context.Context, roomID string) error {
	if err := s.client.Del(ctx, participantsPrefix+roomID).Err(); err != nil {
		return fmt.Errorf("failed to destroy room: %w", err)
	}
	return nil
}

func (s *RedisRoomStore) AppendChange(ctx context.Context, roomID string, event *models.CollaborationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	key := changeLogPrefix + roomID
	if err := s.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(event.Timestamp.UnixMilli()),
		Member: data,
	}).Err(); err != nil {
		return fmt.Errorf("failed to append change: %w", err)
	}
	// keep the newest maxChangeLog entries
	if err := s.client.ZRemRangeByRank(ctx, key, 0, -s.maxChangeLog-1).Err(); err != nil {
		return fmt.Errorf("failed to trim change log: %w", err)
	}
	return nil
}

func (s *RedisRoomStore) Changes(ctx context.Context, roomID string, limit int64) ([]*models.CollaborationEvent, error) {
	if limit <= 0 {
		limit = s.maxChangeLog
	}
	raw, err := s.client.ZRange(ctx, changeLogPrefix+roomID, -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read change log: %w", err)
	}
	events := make([]*models.CollaborationEvent, 0, len(raw))
	for _, item := range raw {
		var event models.CollaborationEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal change event: %w", err)
		}
		events = append(events, &event)
	}
	return events, nil
}

// MemoryRoomStore is an in-process RoomStore for tests and single-instance
// runs.
type MemoryRoomStore struct {
	mu           sync.Mutex
	participants map[string]map[string]models.CollaboratorInfo
	changes      map[string][]*models.CollaborationEvent
}

// NewMemoryRoomStore creates an empty MemoryRoomStore.
func NewMemoryRoomStore() *MemoryRoomStore {
	return &MemoryRoomStore{
		participants: make(map[string]map[string]models.CollaboratorInfo),
		changes:      make(map[string][]*models.CollaborationEvent),
	}
}

func (s *MemoryRoomStore) SaveParticipant(_ context.Context, roomID string, info *models.CollaboratorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.participants[roomID] == nil {
		s.participants[roomID] = make(map[string]models.CollaboratorInfo)
	}
	s.participants[roomID][info.UserID] = *info
	return nil
}

func (s *MemoryRoomStore) RemoveParticipant(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants[roomID], userID)
	return nil
}

func (s *MemoryRoomStore) DestroyRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, roomID)
	return nil
}

func (s *MemoryRoomStore) AppendChange(_ context.Context, roomID string, event *models.CollaborationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *event
	s.changes[roomID] = append(s.changes[roomID], &copied)
	return nil
}

func (s *MemoryRoomStore) Changes(_ context.Context, roomID string, limit int64) ([]*models.CollaborationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.changes[roomID]
	if limit > 0 && int64(len(all)) > limit {
		all = all[int64(len(all))-limit:]
	}
	out := make([]*models.CollaborationEvent, len(all))
	copy(out, all)
	return out, nil
}

// PersistedParticipants returns the stored participant set, used by tests to
// observe room destruction.
func (s *MemoryRoomStore) PersistedParticipants(roomID string) []models.CollaboratorInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CollaboratorInfo
	for _, info := range s.participants[roomID] {
		out = append(out, info)
	}
	return out
}
