package models

import (
	"time"
)

// EventType classifies a collaboration event.
type EventType string

const (
	EventTypeJoin      EventType = "join"
	EventTypeLeave     EventType = "leave"
	EventTypeCursor    EventType = "cursor"
	EventTypeSelection EventType = "selection"
	EventTypeChange    EventType = "change"
)

// CursorPosition is a participant's cursor on the canvas.
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CollaboratorInfo describes one connected editor in a room. Cursor and
// Selection are ephemeral and never written to the durable change log.
type CollaboratorInfo struct {
	UserID    string          `json:"userId"`
	Name      string          `json:"name"`
	Email     string          `json:"email"`
	Avatar    string          `json:"avatar,omitempty"`
	Color     string          `json:"color"`
	Cursor    *CursorPosition `json:"cursor,omitempty"`
	Selection []string        `json:"selection,omitempty"`
}

// CollaborationEvent is the unit relayed between editors, both within an
// instance and across instances over the broadcast bus. Origin identifies the
// publishing server instance so subscribers can discard their own echoes.
type CollaborationEvent struct {
	Type      EventType      `json:"type"`
	UserID    string         `json:"userId"`
	RoomID    string         `json:"roomId"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Origin    string         `json:"origin,omitempty"`
}

// ClientMessage is the inbound wire frame on a collaboration connection.
type ClientMessage struct {
	Type   EventType      `json:"type"`
	RoomID string         `json:"roomId"`
	Data   map[string]any `json:"data,omitempty"`
}

// RoomState is sent to a participant right after a successful join.
type RoomState struct {
	Type         string             `json:"type"`
	RoomID       string             `json:"roomId"`
	Participants []CollaboratorInfo `json:"participants"`
}
