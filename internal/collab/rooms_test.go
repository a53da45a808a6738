package collab

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"velocitymesh/backend/internal/bus"
	"velocitymesh/backend/internal/metrics"
	"velocitymesh/backend/pkg/models"
)

type testLogger struct{}

func (testLogger) Debug(string, ...interface{}) {}
func (testLogger) Warn(string, ...interface{})  {}

type delivery struct {
	userID string
	event  models.CollaborationEvent
}

type recordingSink struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (s *recordingSink) Deliver(userID string, event *models.CollaborationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, delivery{userID: userID, event: *event})
}

func (s *recordingSink) forUser(userID string) []models.CollaborationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CollaborationEvent
	for _, d := range s.deliveries {
		if d.userID == userID {
			out = append(out, d.event)
		}
	}
	return out
}

func newTestManager(instanceID string, b bus.Bus, store RoomStore) (*RoomManager, *recordingSink) {
	m := NewRoomManager(instanceID, b, store, metrics.NopSink{}, testLogger{})
	sink := &recordingSink{}
	m.SetEventSink(sink)
	return m, sink
}

func TestJoinCreatesRoomWithOneParticipant(t *testing.T) {
	m, _ := newTestManager("i1", bus.NewMemoryBus(), NewMemoryRoomStore())

	state, err := m.Join(context.Background(), "alice", "wf-1", Profile{Name: "Alice"})
	require.NoError(t, err)
	require.Len(t, state.Participants, 1)
	assert.Equal(t, "alice", state.Participants[0].UserID)
	assert.Equal(t, palette[0], state.Participants[0].Color)
	assert.Equal(t, "room_state", state.Type)
}

func TestPaletteCyclesAcrossJoins(t *testing.T) {
	m, _ := newTestManager("i1", bus.NewMemoryBus(), NewMemoryRoomStore())

	for n := 0; n < len(palette)+2; n++ {
		userID := fmt.Sprintf("user-%d", n)
		state, err := m.Join(context.Background(), userID, "wf-1", Profile{Name: userID})
		require.NoError(t, err)

		for _, p := range state.Participants {
			if p.UserID == userID {
				assert.Equal(t, palette[n%len(palette)], p.Color, "participant %d", n)
			}
		}
	}
}

func TestRejoinKeepsColorAndParticipantCount(t *testing.T) {
	m, sink := newTestManager("i1", bus.NewMemoryBus(), NewMemoryRoomStore())

	_, err := m.Join(context.Background(), "alice", "wf-1", Profile{Name: "Alice"})
	require.NoError(t, err)
	_, err = m.Join(context.Background(), "bob", "wf-1", Profile{Name: "Bob"})
	require.NoError(t, err)

	state, err := m.Join(context.Background(), "alice", "wf-1", Profile{Name: "Alice M."})
	require.NoError(t, err)
	require.Len(t, state.Participants, 2)

	for _, p := range state.Participants {
		if p.UserID == "alice" {
			assert.Equal(t, palette[0], p.Color, "rejoin keeps the original color")
			assert.Equal(t, "Alice M.", p.Name, "rejoin refreshes the profile")
		}
	}

	// the rejoin announces nothing: alice's only announced join predates
	// bob's membership, so bob sees no join event for her at all
	for _, e := range sink.forUser("bob") {
		assert.NotEqual(t, models.EventTypeJoin, e.Type, "rejoin must not re-announce")
	}
}

func TestJoinAnnouncesToOthersNotSelf(t *testing.T) {
	m, sink := newTestManager("i1", bus.NewMemoryBus(), NewMemoryRoomStore())

	_, err := m.Join(context.Background(), "alice", "wf-1", Profile{Name: "Alice"})
	require.NoError(t, err)
	_, err = m.Join(context.Background(), "bob", "wf-1", Profile{Name: "Bob"})
	require.NoError(t, err)

	aliceEvents := sink.forUser("alice")
	require.Len(t, aliceEvents, 1)
	assert.Equal(t, models.EventTypeJoin, aliceEvents[0].Type)
	assert.Equal(t, "bob", aliceEvents[0].UserID)

	assert.Empty(t, sink.forUser("bob"))
}

func TestLeaveLastParticipantDestroysRoom(t *testing.T) {
	store := NewMemoryRoomStore()
	m, _ := newTestManager("i1", bus.NewMemoryBus(), store)

	_, err := m.Join(context.Background(), "alice", "wf-1", Profile{Name: "Alice"})
	require.NoError(t, err)
	require.Len(t, store.PersistedParticipants("wf-1"), 1)

	m.Leave(context.Background(), "alice", "wf-1")

	// a later query returns empty, not an error
	assert.Empty(t, m.Participants("wf-1"))
	assert.Empty(t, store.PersistedParticipants("wf-1"))
}

func TestLeaveUnknownRoomIsNoOp(t *testing.T) {
	m, sink := newTestManager("i1", bus.NewMemoryBus(), NewMemoryRoomStore())
	m.Leave(context.Background(), "alice", "wf-9")
	assert.Empty(t, sink.deliveries)
}

func TestCursorFanOutExcludesAuthor(t *testing.T) {
	m, sink := newTestManager("i1", bus.NewMemoryBus(), NewMemoryRoomStore())

	_, err := m.Join(context.Background(), "A", "wf-1", Profile{Name: "A"})
	require.NoError(t, err)
	_, err = m.Join(context.Background(), "B", "wf-1", Profile{Name: "B"})
	require.NoError(t, err)

	require.NoError(t, m.UpdateCursor(context.Background(), "A", "wf-1", models.CursorPosition{X: 10, Y: 20}))

	bEvents := sink.forUser("B")
	require.Len(t, bEvents, 1)
	assert.Equal(t, models.EventTypeCursor, bEvents[0].Type)
	assert.Equal(t, "A", bEvents[0].UserID)
	assert.Equal(t, float64(10), bEvents[0].Data["x"])
	assert.Equal(t, float64(20), bEvents[0].Data["y"])

	// A receives the join announcement for B, nothing for its own cursor
	for _, e := range sink.forUser("A") {
		assert.NotEqual(t, models.EventTypeCursor, e.Type)
	}
}

func TestCursorAndSelectionStayOffChangeLog(t *testing.T) {
	store := NewMemoryRoomStore()
	m, _ := newTestManager("i1", bus.NewMemoryBus(), store)

	_, err := m.Join(context.Background(), "A", "wf-1", Profile{Name: "A"})
	require.NoError(t, err)

	require.NoError(t, m.UpdateCursor(context.Background(), "A", "wf-1", models.CursorPosition{X: 1, Y: 2}))
	require.NoError(t, m.UpdateSelection(context.Background(), "A", "wf-1", []string{"n1"}))

	changes, err := m.Changes(context.Background(), "wf-1", 0)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestRecordChangeReachesOthersAndLog(t *testing.T) {
	store := NewMemoryRoomStore()
	m, sink := newTestManager("i1", bus.NewMemoryBus(), store)

	for _, u := range []string{"A", "B", "C"} {
		_, err := m.Join(context.Background(), u, "wf-1", Profile{Name: u})
		require.NoError(t, err)
	}

	change := map[string]any{"nodeId": "n1", "field": "label", "value": "renamed"}
	require.NoError(t, m.RecordChange(context.Background(), "A", "wf-1", change))

	for _, u := range []string{"B", "C"} {
		var got []models.CollaborationEvent
		for _, e := range sink.forUser(u) {
			if e.Type == models.EventTypeChange {
				got = append(got, e)
			}
		}
		require.Len(t, got, 1, "user %s", u)
		assert.Equal(t, "A", got[0].UserID)
		assert.Equal(t, "renamed", got[0].Data["value"])
	}
	for _, e := range sink.forUser("A") {
		assert.NotEqual(t, models.EventTypeChange, e.Type)
	}

	changes, err := m.Changes(context.Background(), "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, models.EventTypeChange, changes[0].Type)
}

func TestLastWriteWinsPerNodeField(t *testing.T) {
	store := NewMemoryRoomStore()
	m, sink := newTestManager("i1", bus.NewMemoryBus(), store)

	_, err := m.Join(context.Background(), "A", "wf-1", Profile{Name: "A"})
	require.NoError(t, err)
	_, err = m.Join(context.Background(), "B", "wf-1", Profile{Name: "B"})
	require.NoError(t, err)

	base := time.Now().UTC()
	newer := map[string]any{"nodeId": "n1", "field": "label", "value": "v2", "timestamp": float64(base.UnixMilli())}
	stale := map[string]any{"nodeId": "n1", "field": "label", "value": "v1", "timestamp": float64(base.Add(-time.Second).UnixMilli())}
	disjoint := map[string]any{"nodeId": "n2", "field": "label", "value": "other", "timestamp": float64(base.Add(-time.Second).UnixMilli())}

	require.NoError(t, m.RecordChange(context.Background(), "A", "wf-1", newer))
	require.NoError(t, m.RecordChange(context.Background(), "B", "wf-1", stale))
	require.NoError(t, m.RecordChange(context.Background(), "B", "wf-1", disjoint))

	changes, err := m.Changes(context.Background(), "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "v2", changes[0].Data["value"])
	assert.Equal(t, "other", changes[1].Data["value"])

	// the stale change was never fanned out either
	var aChanges []models.CollaborationEvent
	for _, e := range sink.forUser("A") {
		if e.Type == models.EventTypeChange {
			aChanges = append(aChanges, e)
		}
	}
	require.Len(t, aChanges, 1)
	assert.Equal(t, "other", aChanges[0].Data["value"])
}

func TestCrossInstanceDelivery(t *testing.T) {
	shared := bus.NewMemoryBus()
	m1, sink1 := newTestManager("i1", shared, NewMemoryRoomStore())
	m2, sink2 := newTestManager("i2", shared, NewMemoryRoomStore())

	_, err := m1.Join(context.Background(), "A", "wf-1", Profile{Name: "A"})
	require.NoError(t, err)
	_, err = m2.Join(context.Background(), "B", "wf-1", Profile{Name: "B"})
	require.NoError(t, err)

	change := map[string]any{"nodeId": "n1", "field": "label", "value": "cross"}
	require.NoError(t, m1.RecordChange(context.Background(), "A", "wf-1", change))

	bEvents := sink2.forUser("B")
	var got []models.CollaborationEvent
	for _, e := range bEvents {
		if e.Type == models.EventTypeChange {
			got = append(got, e)
		}
	}
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].UserID)
	assert.Equal(t, "cross", got[0].Data["value"])

	// the publishing instance does not re-deliver its own bus echo
	for _, d := range sink1.deliveries {
		assert.NotEqual(t, models.EventTypeChange, d.event.Type)
	}
}

func TestDisconnectUserLeavesEveryRoom(t *testing.T) {
	m, _ := newTestManager("i1", bus.NewMemoryBus(), NewMemoryRoomStore())

	for _, roomID := range []string{"wf-1", "wf-2"} {
		_, err := m.Join(context.Background(), "A", roomID, Profile{Name: "A"})
		require.NoError(t, err)
	}
	_, err := m.Join(context.Background(), "B", "wf-1", Profile{Name: "B"})
	require.NoError(t, err)

	m.DisconnectUser(context.Background(), "A")

	participants := m.Participants("wf-1")
	require.Len(t, participants, 1)
	assert.Equal(t, "B", participants[0].UserID)
	assert.Empty(t, m.Participants("wf-2"))
}

func TestOperationsRequireMembership(t *testing.T) {
	m, _ := newTestManager("i1", bus.NewMemoryBus(), NewMemoryRoomStore())

	err := m.UpdateCursor(context.Background(), "ghost", "wf-1", models.CursorPosition{})
	assert.ErrorIs(t, err, ErrNotInRoom)

	err = m.RecordChange(context.Background(), "ghost", "wf-1", map[string]any{"field": "name"})
	assert.ErrorIs(t, err, ErrNotInRoom)
}
