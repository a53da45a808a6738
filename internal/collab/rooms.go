// Package collab keeps per-workflow collaboration sessions consistent:
// room-scoped presence, cursor/selection broadcast and a last-write-wins
// change log. Conflict resolution is deliberately last-write-wins per
// affected node/field, not a CRDT merge.
package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"velocitymesh/backend/internal/bus"
	"velocitymesh/backend/internal/metrics"
	"velocitymesh/backend/pkg/models"
)

// palette cycles as participants join; colors repeat once a room outgrows
// it.
var palette = []string{
	"#ef4444", "#f97316", "#eab308", "#22c55e",
	"#06b6d4", "#3b82f6", "#8b5cf6", "#ec4899",
}

// ErrNotInRoom is returned when an operation references a user who has not
// joined the room.
var ErrNotInRoom = fmt.Errorf("user is not a participant of the room")

// EventSink delivers an event to a locally connected user. The gateway
// implements this over its connection table; absent users are ignored.
type EventSink interface {
	Deliver(userID string, event *models.CollaborationEvent)
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
}

// Profile carries the join-time identity fields of a collaborator.
type Profile struct {
	Name   string
	Email  string
	Avatar string
}

// room is the in-memory arena for one workflow. It exists only while at
// least one local participant is connected and is never handed out raw.
type room struct {
	participants map[string]*models.CollaboratorInfo
	lastWrite    map[string]time.Time
	lastActivity time.Time
}

// RoomManager owns every room on this instance. A room here reflects only
// the participants connected to this instance; cross-instance delivery goes
// through the broadcast bus.
type RoomManager struct {
	instanceID string
	bus        bus.Bus
	store      RoomStore
	sink       metrics.Sink
	logger     Logger

	mu    sync.Mutex
	rooms map[string]*room

	sinkMu    sync.RWMutex
	eventSink EventSink
}

// NewRoomManager creates a RoomManager and subscribes it to the bus.
func NewRoomManager(instanceID string, b bus.Bus, store RoomStore, sink metrics.Sink, logger Logger) *RoomManager {
	m := &RoomManager{
		instanceID: instanceID,
		bus:        b,
		store:      store,
		sink:       sink,
		logger:     logger,
		rooms:      make(map[string]*room),
	}
	b.Subscribe(m.handleBusEvent)
	return m
}

// SetEventSink registers the local delivery sink. The gateway calls this
// once at startup.
func (m *RoomManager) SetEventSink(sink EventSink) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	m.eventSink = sink
}

// Join adds the user to the room, creating it on first join, and announces
// the join to every other participant. The returned state carries the full
// local participant list including the caller.
func (m *RoomManager) Join(ctx context.Context, userID, roomID string, profile Profile) (*models.RoomState, error) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		r = &room{
			participants: make(map[string]*models.CollaboratorInfo),
			lastWrite:    make(map[string]time.Time),
		}
		m.rooms[roomID] = r
	}

	// rejoin is idempotent: the existing entry keeps its color and cursor,
	// the profile refreshes, and no second join is announced
	info, rejoin := r.participants[userID]
	if !rejoin {
		info = &models.CollaboratorInfo{
			UserID: userID,
			Color:  palette[len(r.participants)%len(palette)],
		}
		r.participants[userID] = info
	}
	if profile.Name != "" {
		info.Name = profile.Name
	}
	if profile.Email != "" {
		info.Email = profile.Email
	}
	if profile.Avatar != "" {
		info.Avatar = profile.Avatar
	}
	r.lastActivity = time.Now().UTC()
	state := m.lockedState(roomID, r)
	m.mu.Unlock()

	if err := m.store.SaveParticipant(ctx, roomID, info); err != nil {
		m.logger.Warn("failed to persist participant", "room_id", roomID, "user_id", userID, "error", err)
	}

	if !rejoin {
		m.emit(ctx, &models.CollaborationEvent{
			Type:   models.EventTypeJoin,
			UserID: userID,
			RoomID: roomID,
			Data:   map[string]any{"name": info.Name, "color": info.Color},
		})
	}

	return state, nil
}

// Leave removes the user and destroys the room, including its persisted
// participant set, once it is empty. The change log is an audit trail and
// is retained.
func (m *RoomManager) Leave(ctx context.Context, userID, roomID string) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, ok := r.participants[userID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(r.participants, userID)
	empty := len(r.participants) == 0
	if empty {
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()

	if empty {
		if err := m.store.DestroyRoom(ctx, roomID); err != nil {
			m.logger.Warn("failed to destroy room state", "room_id", roomID, "error", err)
		}
	} else if err := m.store.RemoveParticipant(ctx, roomID, userID); err != nil {
		m.logger.Warn("failed to remove participant", "room_id", roomID, "user_id", userID, "error", err)
	}

	m.emit(ctx, &models.CollaborationEvent{
		Type:   models.EventTypeLeave,
		UserID: userID,
		RoomID: roomID,
	})
}

// DisconnectUser leaves every room the user occupies on this instance,
// invoked by the gateway on abrupt disconnect.
func (m *RoomManager) DisconnectUser(ctx context.Context, userID string) {
	m.mu.Lock()
	var occupied []string
	for roomID, r := range m.rooms {
		if _, ok := r.participants[userID]; ok {
			occupied = append(occupied, roomID)
		}
	}
	m.mu.Unlock()

	for _, roomID := range occupied {
		m.Leave(ctx, userID, roomID)
	}
}

// UpdateCursor mutates the participant's ephemeral cursor and fans the move
// out. Cursor traffic never reaches the durable change log.
func (m *RoomManager) UpdateCursor(ctx context.Context, userID, roomID string, cursor models.CursorPosition) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return ErrNotInRoom
	}
	info, ok := r.participants[userID]
	if !ok {
		m.mu.Unlock()
		return ErrNotInRoom
	}
	info.Cursor = &cursor
	r.lastActivity = time.Now().UTC()
	m.mu.Unlock()

	m.emit(ctx, &models.CollaborationEvent{
		Type:   models.EventTypeCursor,
		UserID: userID,
		RoomID: roomID,
		Data:   map[string]any{"x": cursor.X, "y": cursor.Y},
	})
	return nil
}

// UpdateSelection mutates the participant's ephemeral selection and fans it
// out.
func (m *RoomManager) UpdateSelection(ctx context.Context, userID, roomID string, nodeIDs []string) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return ErrNotInRoom
	}
	info, ok := r.participants[userID]
	if !ok {
		m.mu.Unlock()
		return ErrNotInRoom
	}
	info.Selection = nodeIDs
	r.lastActivity = time.Now().UTC()
	m.mu.Unlock()

	m.emit(ctx, &models.CollaborationEvent{
		Type:      models.EventTypeSelection,
		UserID:    userID,
		RoomID:    roomID,
		Data:      map[string]any{"nodeIds": nodeIDs},
	})
	return nil
}

// RecordChange appends an edit to the room's change log and fans it out.
// Last-write-wins per affected (node, field): a change older than the last
// accepted write for the same key is dropped without logging or fan-out.
// Edits to disjoint nodes never conflict.
func (m *RoomManager) RecordChange(ctx context.Context, userID, roomID string, change map[string]any) error {
	ts := changeTimestamp(change)

	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return ErrNotInRoom
	}
	if _, ok := r.participants[userID]; !ok {
		m.mu.Unlock()
		return ErrNotInRoom
	}
	key := changeKey(change)
	if last, ok := r.lastWrite[key]; ok && !ts.After(last) {
		m.mu.Unlock()
		m.logger.Debug("stale change dropped", "room_id", roomID, "user_id", userID, "key", key)
		return nil
	}
	r.lastWrite[key] = ts
	r.lastActivity = time.Now().UTC()
	m.mu.Unlock()

	event := &models.CollaborationEvent{
		Type:      models.EventTypeChange,
		UserID:    userID,
		RoomID:    roomID,
		Data:      change,
		Timestamp: ts,
		Origin:    m.instanceID,
	}
	if err := m.store.AppendChange(ctx, roomID, event); err != nil {
		return fmt.Errorf("failed to append change: %w", err)
	}
	m.fanOut(ctx, event)
	return nil
}

// Participants returns the local participant list. An unknown room yields an
// empty list, not an error.
func (m *RoomManager) Participants(roomID string) []models.CollaboratorInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return []models.CollaboratorInfo{}
	}
	return m.lockedState(roomID, r).Participants
}

// Changes returns up to limit change-log entries for the room, oldest first.
func (m *RoomManager) Changes(ctx context.Context, roomID string, limit int64) ([]*models.CollaborationEvent, error) {
	return m.store.Changes(ctx, roomID, limit)
}

// emit stamps and fans out a presence/ephemeral event.
func (m *RoomManager) emit(ctx context.Context, event *models.CollaborationEvent) {
	event.Timestamp = time.Now().UTC()
	event.Origin = m.instanceID
	m.fanOut(ctx, event)
}

// fanOut delivers to every other local participant and publishes on the
// bus. A publish failure degrades collaboration to local-instance-only
// delivery; it never fails the caller.
func (m *RoomManager) fanOut(ctx context.Context, event *models.CollaborationEvent) {
	m.sink.CollabEvent(event.Type)
	m.deliverLocal(event)
	if err := m.bus.Publish(ctx, event); err != nil {
		m.sink.BusPublishFailure()
		m.logger.Warn("bus publish failed, delivery degraded to this instance",
			"room_id", event.RoomID, "type", event.Type, "error", err)
	}
}

// deliverLocal pushes the event to every local participant of the room
// except its author.
func (m *RoomManager) deliverLocal(event *models.CollaborationEvent) {
	m.sinkMu.RLock()
	sink := m.eventSink
	m.sinkMu.RUnlock()
	if sink == nil {
		return
	}

	m.mu.Lock()
	r, ok := m.rooms[event.RoomID]
	if !ok {
		m.mu.Unlock()
		return
	}
	targets := make([]string, 0, len(r.participants))
	for userID := range r.participants {
		if userID != event.UserID {
			targets = append(targets, userID)
		}
	}
	m.mu.Unlock()

	for _, userID := range targets {
		sink.Deliver(userID, event)
	}
}

// handleBusEvent relays events published by other instances to local
// participants. Events from this instance were already delivered
// synchronously and are discarded here.
func (m *RoomManager) handleBusEvent(event *models.CollaborationEvent) {
	if event.Origin == m.instanceID {
		return
	}

	if event.Type == models.EventTypeChange {
		m.mu.Lock()
		if r, ok := m.rooms[event.RoomID]; ok {
			key := changeKey(event.Data)
			if last, ok := r.lastWrite[key]; !ok || event.Timestamp.After(last) {
				r.lastWrite[key] = event.Timestamp
			}
		}
		m.mu.Unlock()
	}

	m.deliverLocal(event)
}

// lockedState builds a RoomState snapshot; callers hold m.mu.
func (m *RoomManager) lockedState(roomID string, r *room) *models.RoomState {
	participants := make([]models.CollaboratorInfo, 0, len(r.participants))
	for _, info := range r.participants {
		participants = append(participants, *info)
	}
	return &models.RoomState{Type: "room_state", RoomID: roomID, Participants: participants}
}

// changeKey scopes last-write-wins to the affected node/field. Changes
// without a node id compete on the field name alone; changes without either
// compete on the whole definition.
func changeKey(change map[string]any) string {
	nodeID, _ := change["nodeId"].(string)
	field, _ := change["field"].(string)
	return nodeID + "/" + field
}

// changeTimestamp honors a client-supplied unix-millis timestamp so edits
// made moments apart on different instances order consistently; absent one,
// the server clock stamps the change.
func changeTimestamp(change map[string]any) time.Time {
	switch v := change["timestamp"].(type) {
	case float64:
		return time.UnixMilli(int64(v)).UTC()
	case int64:
		return time.UnixMilli(v).UTC()
	case int:
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Now().UTC()
}
