package server

import (
	"fmt"
	"time"

	"github.com/justchat/justchat/internal/types"
	"github.com/teris-io/shortid"
)

// maxContentLength is the hard cap on message content. Excess is
// dropped silently, not rejected.
const maxContentLength = 5000

// ClientMessage is the closed set of events a client may send. Exactly
// one variant is expected to be non-nil; anything else is rejected
// explicitly rather than silently ignored.
type ClientMessage struct {
	Send        *Send   `json:"send,omitempty"`
	TypingStart *Typing `json:"typing_start,omitempty"`
	TypingStop  *Typing `json:"typing_stop,omitempty"`
	Join        *Join   `json:"join,omitempty"`
	Leave       *Leave  `json:"leave,omitempty"`
}

type Send struct {
	Target      string `json:"target"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

type Typing struct {
	RoomId string `json:"room_id"`
}

type Join struct {
	RoomId string `json:"room_id"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

// ServerMessage is the closed set of events delivered to clients.
type ServerMessage struct {
	Message      *types.Message `json:"message,omitempty"`
	Ack          *Ack           `json:"ack,omitempty"`
	Error        *ErrorEvent    `json:"error,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`

	// SkipClient is excluded from local fanout, typically the
	// originator of the event.
	SkipClient *Client `json:"-"`
}

// Ack confirms a send to its sender, independent of how many recipients
// were reachable.
type Ack struct {
	Id        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

type Notification struct {
	Typing      *TypingUpdate `json:"typing,omitempty"`
	UserJoined  *RoomEvent    `json:"user_joined,omitempty"`
	UserLeft    *RoomEvent    `json:"user_left,omitempty"`
	UserOnline  *UserEvent    `json:"user_online,omitempty"`
	UserOffline *UserEvent    `json:"user_offline,omitempty"`
	OnlineUsers *OnlineUsers  `json:"online_users,omitempty"`
}

type TypingUpdate struct {
	UserId   string `json:"user_id"`
	UserName string `json:"user_name"`
	IsTyping bool   `json:"is_typing"`
}

type RoomEvent struct {
	UserId   string `json:"user_id"`
	UserName string `json:"user_name"`
	RoomId   string `json:"room_id"`
}

type UserEvent struct {
	UserId string `json:"user_id"`
	Name   string `json:"name"`
}

// OnlineUsers is the snapshot sent once, on connect.
type OnlineUsers struct {
	Users []types.PresenceRecord `json:"users"`
}

func ErrInvalidMessage() *ServerMessage {
	return &ServerMessage{
		Error: &ErrorEvent{Message: "invalid message format"},
	}
}

func ErrRateLimited() *ServerMessage {
	return &ServerMessage{
		Error: &ErrorEvent{Message: "rate limit exceeded, slow down"},
	}
}

func ErrUnknownEvent() *ServerMessage {
	return &ServerMessage{
		Error: &ErrorEvent{Message: "unknown event type"},
	}
}

func ErrSendFailed() *ServerMessage {
	return &ServerMessage{
		Error: &ErrorEvent{Message: "failed to send message"},
	}
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewMessageId generates a message id unique within practical collision
// bounds: a wall-clock component plus a random suffix.
func NewMessageId() (string, error) {
	suffix, err := shortid.Generate()
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}

	return fmt.Sprintf("msg_%d_%s", NowMillis(), suffix), nil
}
