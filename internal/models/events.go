package models

import (
	"time"

	"github.com/goccy/go-json"
)

type MessageType string

const (
	TypeOperation    MessageType = "operation"
	TypeCursor       MessageType = "cursor"
	TypePresence     MessageType = "presence"
	TypeSync         MessageType = "sync"
	TypeChat         MessageType = "chat"
	TypeNotification MessageType = "notification"
)

// CollabMessage is the envelope for everything that crosses the transport boundary.
type CollabMessage struct {
	Type      MessageType `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	UserID    string      `json:"userId,omitempty"`
	RoomID    string      `json:"roomId"`
	Timestamp time.Time   `json:"timestamp"`
}

// InboundMessage is a CollabMessage whose payload has not been decoded yet.
type InboundMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	RoomID    string          `json:"roomId"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewMessage(t MessageType, roomID, userID string, data interface{}) *CollabMessage {
	return &CollabMessage{
		Type:      t,
		Data:      data,
		UserID:    userID,
		RoomID:    roomID,
		Timestamp: time.Now().UTC(),
	}
}

// Specific payload structures

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type User struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"displayName"`
	AvatarRef   string  `json:"avatarRef,omitempty"`
	Color       string  `json:"color"`
	Cursor      *Cursor `json:"cursor,omitempty"`
}

type ChatKind string

const (
	ChatText   ChatKind = "text"
	ChatFile   ChatKind = "file"
	ChatCode   ChatKind = "code"
	ChatSystem ChatKind = "system"
)

func (k ChatKind) Valid() bool {
	switch k {
	case ChatText, ChatFile, ChatCode, ChatSystem:
		return true
	}
	return false
}

type ChatMessage struct {
	ID                string    `json:"id"`
	AuthorUserID      string    `json:"authorUserId"`
	AuthorDisplayName string    `json:"authorDisplayName"`
	Content           string    `json:"content"`
	Kind              ChatKind  `json:"kind"`
	Timestamp         time.Time `json:"timestamp"`
}

// ChatRequest is what a client sends; the server fills in the rest.
type ChatRequest struct {
	Content string   `json:"content"`
	Type    ChatKind `json:"type"`
}

type PresenceEvent string

const (
	PresenceJoined PresenceEvent = "user_joined"
	PresenceLeft   PresenceEvent = "user_left"
)

type PresenceData struct {
	Event PresenceEvent `json:"event"`
	User  User          `json:"user"`
	Users []User        `json:"users"`
}

type CursorData struct {
	UserID string `json:"userId"`
	Cursor Cursor `json:"cursor"`
}

type NotificationKind string

const (
	NotifyRoomClosed        NotificationKind = "room_closed"
	NotifyOperationAccepted NotificationKind = "operation_accepted"
	NotifySessionReplaced   NotificationKind = "session_replaced"
	NotifyRateLimited       NotificationKind = "rate_limited"
	NotifyExternal          NotificationKind = "external"
	NotifyJoinRejected      NotificationKind = "join_rejected"
)

type Notification struct {
	Kind    NotificationKind `json:"kind"`
	Message string           `json:"message,omitempty"`
	Data    interface{}      `json:"data,omitempty"`
}

type AcceptedData struct {
	OperationIDs []string `json:"operationIds"`
	Seqs         []int64  `json:"seqs"`
	Seq          int64    `json:"seq"`
}

// SyncSnapshot is everything a (re)joining client needs to rebuild the
// current document: the compacted base text plus every retained operation.
type SyncSnapshot struct {
	RoomID     string      `json:"roomId"`
	ProjectID  string      `json:"projectId"`
	BaseSeq    int64       `json:"baseSeq"`
	BaseText   string      `json:"baseText"`
	Operations []Operation `json:"operations"`
	Users      []User      `json:"users"`
	Seq        int64       `json:"seq"`
}

// RoomInfo is the read-only summary exposed over HTTP.
type RoomInfo struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"projectId"`
	Members      int       `json:"members"`
	Operations   int       `json:"operations"`
	Seq          int64     `json:"seq"`
	LastActivity time.Time `json:"lastActivity"`
}

// RoomEvent is what the hub publishes to the event bus for other services.
type RoomEvent struct {
	Type      string      `json:"type"`
	RoomID    string      `json:"roomId"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}
