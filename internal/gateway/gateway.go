// Package gateway maps live websocket connections to verified user
// identities and routes collaboration messages to the room manager.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"velocitymesh/backend/internal/auth"
	"velocitymesh/backend/internal/collab"
	"velocitymesh/backend/pkg/models"
)

// CloseUnauthorized is sent when the handshake token cannot be verified.
const CloseUnauthorized = 4401

const writeTimeout = 10 * time.Second

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
}

// serverEvent is the outbound frame for relayed collaboration events.
type serverEvent struct {
	Type      models.EventType `json:"type"`
	UserID    string           `json:"userId"`
	RoomID    string           `json:"roomId"`
	Data      map[string]any   `json:"data,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type connection struct {
	ws      *websocket.Conn
	userID  string
	writeMu sync.Mutex
}

func (c *connection) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// Gateway upgrades collaboration connections and owns the process-local
// connection table keyed by user id.
type Gateway struct {
	verifier auth.TokenVerifier
	rooms    *collab.RoomManager
	logger   Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*connection
}

// New creates a Gateway and registers it as the room manager's local
// delivery sink.
func New(verifier auth.TokenVerifier, rooms *collab.RoomManager, logger Logger) *Gateway {
	g := &Gateway{
		verifier: verifier,
		rooms:    rooms,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// cross-origin editors are expected; auth happens via token
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*connection),
	}
	rooms.SetEventSink(g)
	return g
}

// Deliver implements collab.EventSink over the local connection table.
func (g *Gateway) Deliver(userID string, event *models.CollaborationEvent) {
	g.mu.Lock()
	conn := g.conns[userID]
	g.mu.Unlock()
	if conn == nil {
		return
	}

	if err := conn.send(serverEvent{
		Type:      event.Type,
		UserID:    event.UserID,
		RoomID:    event.RoomID,
		Data:      event.Data,
		Timestamp: event.Timestamp,
	}); err != nil {
		g.logger.Debug("event delivery failed", "user_id", userID, "error", err)
	}
}

// Handle upgrades the connection after verifying the handshake token and
// runs the read loop until disconnect.
func (g *Gateway) Handle(c echo.Context) error {
	ctx := c.Request().Context()

	identity, authErr := g.verifier.Verify(ctx, handshakeToken(c.Request()))

	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	if authErr != nil {
		g.logger.Warn("collaboration handshake rejected", "error", authErr)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized"),
			time.Now().Add(writeTimeout))
		return ws.Close()
	}

	conn := &connection{ws: ws, userID: identity.UserID}
	g.register(conn)
	g.logger.Info("collaborator connected", "user_id", identity.UserID)

	defer func() {
		g.unregister(conn)
		g.rooms.DisconnectUser(context.Background(), identity.UserID)
		_ = ws.Close()
		g.logger.Info("collaborator disconnected", "user_id", identity.UserID)
	}()

	for {
		var msg models.ClientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("connection dropped", "user_id", identity.UserID, "error", err)
			}
			return nil
		}
		g.route(context.Background(), conn, identity, &msg)
	}
}

// register inserts the connection, replacing (and closing) any previous
// connection for the same user on this instance.
func (g *Gateway) register(conn *connection) {
	g.mu.Lock()
	old := g.conns[conn.userID]
	g.conns[conn.userID] = conn
	g.mu.Unlock()

	if old != nil {
		_ = old.ws.Close()
	}
}

func (g *Gateway) unregister(conn *connection) {
	g.mu.Lock()
	if g.conns[conn.userID] == conn {
		delete(g.conns, conn.userID)
	}
	g.mu.Unlock()
}

func (g *Gateway) route(ctx context.Context, conn *connection, identity *auth.Identity, msg *models.ClientMessage) {
	if msg.RoomID == "" {
		g.logger.Debug("message without room id dropped", "user_id", identity.UserID, "type", msg.Type)
		return
	}

	switch msg.Type {
	case models.EventTypeJoin:
		profile := collab.Profile{
			Name:   stringField(msg.Data, "name", identity.Name),
			Email:  stringField(msg.Data, "email", identity.Email),
			Avatar: stringField(msg.Data, "avatar", ""),
		}
		state, err := g.rooms.Join(ctx, identity.UserID, msg.RoomID, profile)
		if err != nil {
			g.logger.Warn("join failed", "user_id", identity.UserID, "room_id", msg.RoomID, "error", err)
			return
		}
		if err := conn.send(state); err != nil {
			g.logger.Debug("room state delivery failed", "user_id", identity.UserID, "error", err)
		}

	case models.EventTypeLeave:
		g.rooms.Leave(ctx, identity.UserID, msg.RoomID)

	case models.EventTypeCursor:
		cursor := models.CursorPosition{
			X: floatField(msg.Data, "x"),
			Y: floatField(msg.Data, "y"),
		}
		if err := g.rooms.UpdateCursor(ctx, identity.UserID, msg.RoomID, cursor); err != nil {
			g.logger.Debug("cursor update rejected", "user_id", identity.UserID, "error", err)
		}

	case models.EventTypeSelection:
		if err := g.rooms.UpdateSelection(ctx, identity.UserID, msg.RoomID, stringsField(msg.Data, "nodeIds")); err != nil {
			g.logger.Debug("selection update rejected", "user_id", identity.UserID, "error", err)
		}

	case models.EventTypeChange:
		if err := g.rooms.RecordChange(ctx, identity.UserID, msg.RoomID, msg.Data); err != nil {
			g.logger.Warn("change rejected", "user_id", identity.UserID, "room_id", msg.RoomID, "error", err)
		}

	default:
		g.logger.Debug("unknown message type dropped", "user_id", identity.UserID, "type", msg.Type)
	}
}

// handshakeToken reads the bearer token from the Authorization header,
// falling back to the token query parameter for browser websocket clients
// that cannot set headers.
func handshakeToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func stringField(data map[string]any, key, fallback string) string {
	if v, ok := data[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func floatField(data map[string]any, key string) float64 {
	if v, ok := data[key].(float64); ok {
		return v
	}
	return 0
}

func stringsField(data map[string]any, key string) []string {
	raw, ok := data[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
