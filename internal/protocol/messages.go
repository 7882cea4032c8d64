// Package protocol defines the WebSocket message types and structures used
// between chat clients and the gateway. All messages are JSON text frames in
// a flat envelope with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeSend         = "send"
	TypeTyping       = "typing"
	TypeStopTyping   = "stop_typing"
	TypeMarkRead     = "mark_read"
	TypeHistory      = "history"
	TypeUnreadCounts = "unread_counts"
	TypePing         = "ping"
)

// Server -> Client message types. TypeHistory and TypeUnreadCounts are also
// used for the replies.
const (
	TypeConnected      = "connected"
	TypeJoined         = "joined"
	TypeLeft           = "left"
	TypeMessage        = "message"
	TypeSent           = "sent"
	TypeNotify         = "notify"
	TypeUserTyping     = "user_typing"
	TypeUserStopTyping = "user_stop_typing"
	TypePresence       = "presence"
	TypeMessagesRead   = "messages_read"
	TypeReadAck        = "read_ack"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// ErrUnknownType is returned by the parsers for a type they do not accept.
var ErrUnknownType = errors.New("protocol: unknown message type")

// ---------------------------------------------------------------------------
// Envelope: initial parse that extracts the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg opens the room of a loan on this connection.
type JoinMsg struct {
	Type   string `json:"type"`
	LoanID string `json:"loan_id" validate:"required,max=128"`
}

// LeaveMsg closes a loan room on this connection.
type LeaveMsg struct {
	Type   string `json:"type"`
	LoanID string `json:"loan_id" validate:"required,max=128"`
}

// SendMsg submits a chat message. ClientRef makes retries idempotent and is
// echoed in the "sent" acknowledgment.
type SendMsg struct {
	Type       string `json:"type"`
	LoanID     string `json:"loan_id" validate:"required,max=128"`
	ReceiverID string `json:"receiver_id" validate:"required,max=128"`
	Body       string `json:"body"`
	ClientRef  string `json:"client_ref,omitempty" validate:"omitempty,max=64"`
}

// TypingMsg signals that the user is typing in a room.
type TypingMsg struct {
	Type   string `json:"type"`
	LoanID string `json:"loan_id" validate:"required,max=128"`
}

// StopTypingMsg clears the user's typing indicator early.
type StopTypingMsg struct {
	Type   string `json:"type"`
	LoanID string `json:"loan_id" validate:"required,max=128"`
}

// MarkReadMsg marks every message addressed to the caller in a room as read.
type MarkReadMsg struct {
	Type   string `json:"type"`
	LoanID string `json:"loan_id" validate:"required,max=128"`
}

// HistoryMsg requests persisted messages of a room, optionally after a
// known message id.
type HistoryMsg struct {
	Type    string `json:"type"`
	LoanID  string `json:"loan_id" validate:"required,max=128"`
	AfterID string `json:"after_id,omitempty" validate:"omitempty,uuid"`
	Limit   int    `json:"limit,omitempty" validate:"gte=0,lte=500"`
}

// UnreadCountsMsg requests unread counters for several loans at once.
type UnreadCountsMsg struct {
	Type    string   `json:"type"`
	LoanIDs []string `json:"loan_ids" validate:"required,min=1,max=200,dive,required,max=128"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ChatMessage is the wire form of a persisted message.
type ChatMessage struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	LoanID     string    `json:"loan_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Body       string    `json:"body"`
	ClientRef  string    `json:"client_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	IsRead     bool      `json:"is_read"`
}

// ConnectedMsg is sent once the handshake has been authenticated.
type ConnectedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// JoinedMsg acknowledges a successful join.
type JoinedMsg struct {
	Type        string `json:"type"`
	LoanID      string `json:"loan_id"`
	OtherParty  string `json:"other_party"`
	OtherOnline bool   `json:"other_online"`
}

// LeftMsg acknowledges a leave.
type LeftMsg struct {
	Type   string `json:"type"`
	LoanID string `json:"loan_id"`
}

// MessageEventMsg carries a new message to every connection in the room.
type MessageEventMsg struct {
	Type    string      `json:"type"`
	LoanID  string      `json:"loan_id"`
	Message ChatMessage `json:"message"`
}

// SentMsg confirms to the sender that a message is durable.
type SentMsg struct {
	Type      string      `json:"type"`
	LoanID    string      `json:"loan_id"`
	ClientRef string      `json:"client_ref,omitempty"`
	Message   ChatMessage `json:"message"`
}

// NotifyMsg is delivered on the receiver's personal channel whether or not
// the room is open. Fingerprint is the dedup key for unread counting.
type NotifyMsg struct {
	Type        string    `json:"type"`
	LoanID      string    `json:"loan_id"`
	Fingerprint string    `json:"fingerprint"`
	MessageID   string    `json:"message_id"`
	SenderID    string    `json:"sender_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// TypingEventMsg is used for both user_typing and user_stop_typing.
type TypingEventMsg struct {
	Type   string `json:"type"`
	LoanID string `json:"loan_id"`
	UserID string `json:"user_id"`
}

// PresenceMsg reports the other participant coming online or going offline.
type PresenceMsg struct {
	Type   string `json:"type"`
	LoanID string `json:"loan_id"`
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// MessagesReadMsg tells a sender that the receiver read Count messages.
type MessagesReadMsg struct {
	Type   string `json:"type"`
	LoanID string `json:"loan_id"`
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}

// ReadAckMsg answers mark_read to the caller.
type ReadAckMsg struct {
	Type   string `json:"type"`
	LoanID string `json:"loan_id"`
	Count  int    `json:"count"`
}

// HistoryResultMsg answers a history request.
type HistoryResultMsg struct {
	Type     string        `json:"type"`
	LoanID   string        `json:"loan_id"`
	Messages []ChatMessage `json:"messages"`
}

// UnreadCountsResultMsg answers an unread_counts request.
type UnreadCountsResultMsg struct {
	Type   string         `json:"type"`
	Counts map[string]int `json:"counts"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	RetryAfter int    `json:"retry_after"`
	ClientRef  string `json:"client_ref,omitempty"`
}

// ErrorMsg reports a rejected command. The connection stays open.
type ErrorMsg struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	LoanID    string `json:"loan_id,omitempty"`
	ClientRef string `json:"client_ref,omitempty"`
	Retryable bool   `json:"retryable"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed, validated
// client message. It returns the message type, the decoded struct and any
// error. Unknown types yield ErrUnknownType; failed field checks yield a
// *ValidationError.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var msg interface{}
	switch env.Type {
	case TypeJoin:
		msg = &JoinMsg{}
	case TypeLeave:
		msg = &LeaveMsg{}
	case TypeSend:
		msg = &SendMsg{}
	case TypeTyping:
		msg = &TypingMsg{}
	case TypeStopTyping:
		msg = &StopTypingMsg{}
	case TypeMarkRead:
		msg = &MarkReadMsg{}
	case TypeHistory:
		msg = &HistoryMsg{}
	case TypeUnreadCounts:
		msg = &UnreadCountsMsg{}
	case TypePing:
		msg = &PingMsg{}
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(env.Raw, msg); err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	if err := validate(msg); err != nil {
		return env.Type, nil, err
	}
	return env.Type, deref(msg), nil
}

// ParseServerMessage is the client-side counterpart of ParseClientMessage.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var msg interface{}
	switch env.Type {
	case TypeConnected:
		msg = &ConnectedMsg{}
	case TypeJoined:
		msg = &JoinedMsg{}
	case TypeLeft:
		msg = &LeftMsg{}
	case TypeMessage:
		msg = &MessageEventMsg{}
	case TypeSent:
		msg = &SentMsg{}
	case TypeNotify:
		msg = &NotifyMsg{}
	case TypeUserTyping, TypeUserStopTyping:
		msg = &TypingEventMsg{}
	case TypePresence:
		msg = &PresenceMsg{}
	case TypeMessagesRead:
		msg = &MessagesReadMsg{}
	case TypeReadAck:
		msg = &ReadAckMsg{}
	case TypeHistory:
		msg = &HistoryResultMsg{}
	case TypeUnreadCounts:
		msg = &UnreadCountsResultMsg{}
	case TypeRateLimited:
		msg = &RateLimitedMsg{}
	case TypeError:
		msg = &ErrorMsg{}
	case TypePong:
		msg = &PongMsg{}
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(env.Raw, msg); err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, deref(msg), nil
}

// NewServerMessage creates a JSON-encoded server message. The msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

// NewClientMessage creates a JSON-encoded client command.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	// Keep field values as raw JSON so int64 sequences and timestamps pass
	// through untouched.
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}

func deref(msg interface{}) interface{} {
	switch m := msg.(type) {
	case *JoinMsg:
		return *m
	case *LeaveMsg:
		return *m
	case *SendMsg:
		return *m
	case *TypingMsg:
		return *m
	case *StopTypingMsg:
		return *m
	case *MarkReadMsg:
		return *m
	case *HistoryMsg:
		return *m
	case *UnreadCountsMsg:
		return *m
	case *PingMsg:
		return *m
	case *ConnectedMsg:
		return *m
	case *JoinedMsg:
		return *m
	case *LeftMsg:
		return *m
	case *MessageEventMsg:
		return *m
	case *SentMsg:
		return *m
	case *NotifyMsg:
		return *m
	case *TypingEventMsg:
		return *m
	case *PresenceMsg:
		return *m
	case *MessagesReadMsg:
		return *m
	case *ReadAckMsg:
		return *m
	case *HistoryResultMsg:
		return *m
	case *UnreadCountsResultMsg:
		return *m
	case *RateLimitedMsg:
		return *m
	case *ErrorMsg:
		return *m
	case *PongMsg:
		return *m
	}
	return msg
}
