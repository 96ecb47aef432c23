// Package protocol defines the wire schema shared between the SyncWave
// server and its clients: envelope kinds, error codes, the typed envelope
// variants, and the decode step that turns a raw frame into exactly one of
// them.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the discriminant carried by every envelope.
type Kind string

const (
	KindJoinRoom         Kind = "join_room"
	KindLeaveRoom        Kind = "leave_room"
	KindUserJoined       Kind = "user_joined"
	KindUserLeft         Kind = "user_left"
	KindRoomState        Kind = "room_state"
	KindChatMessage      Kind = "chat_message"
	KindMediaControl     Kind = "media_control"
	KindScreenShareStart Kind = "screen_share_start"
	KindScreenShareStop  Kind = "screen_share_stop"
	KindHeartbeat        Kind = "heartbeat"
	KindError            Kind = "error"
)

// Error codes carried by error envelopes.
const (
	CodeMalformedEnvelope  = "MALFORMED_ENVELOPE"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeSchemaViolation    = "SCHEMA_VIOLATION"
	CodeJoinRoomFailed     = "JOIN_ROOM_FAILED"
	CodeNotInRoom          = "NOT_IN_ROOM"
)

// Media control actions accepted in a media_control envelope.
const (
	ActionPlay   = "play"
	ActionPause  = "pause"
	ActionStop   = "stop"
	ActionSeek   = "seek"
	ActionVolume = "volume"
)

var mediaActions = map[string]bool{
	ActionPlay:   true,
	ActionPause:  true,
	ActionStop:   true,
	ActionSeek:   true,
	ActionVolume: true,
}

// Member is one user's presence entry inside a room.
type Member struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// JoinRoom asks the server to admit the connection into a room. The
// credential is an opaque bearer token verified server-side.
type JoinRoom struct {
	Kind       Kind   `json:"kind"`
	RoomID     string `json:"roomId"`
	Credential string `json:"credential"`
}

// LeaveRoom removes the sender from the named room.
type LeaveRoom struct {
	Kind   Kind   `json:"kind"`
	RoomID string `json:"roomId"`
}

// UserJoined announces a new member to the other members of a room.
type UserJoined struct {
	Kind        Kind      `json:"kind"`
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Timestamp   time.Time `json:"timestamp"`
}

// UserLeft announces a departed member to the remaining members of a room.
type UserLeft struct {
	Kind        Kind      `json:"kind"`
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Timestamp   time.Time `json:"timestamp"`
}

// RoomState is the private membership snapshot sent to a joining connection.
// The snapshot always includes the joiner's own entry.
type RoomState struct {
	Kind      Kind      `json:"kind"`
	RoomID    string    `json:"roomId"`
	Members   []Member  `json:"members"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMessage relays a line of chat to a room. SenderID, MessageID and
// Timestamp are assigned by the server before fanout; client-supplied values
// are discarded.
type ChatMessage struct {
	Kind      Kind      `json:"kind"`
	RoomID    string    `json:"roomId"`
	Text      string    `json:"text"`
	SenderID  string    `json:"senderId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MediaControl relays a playback command (play, pause, stop, seek, volume)
// to a room. The payload shape is action-specific and opaque to the server.
type MediaControl struct {
	Kind      Kind           `json:"kind"`
	RoomID    string         `json:"roomId"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
	SenderID  string         `json:"senderId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ScreenShare signals the start or stop of a screen share; Kind tells which.
type ScreenShare struct {
	Kind      Kind      `json:"kind"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Heartbeat is an application-level liveness signal. The server echoes it so
// clients behind pong-eating intermediaries can still observe liveness.
type Heartbeat struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEnvelope reports a rejected action back to the offending connection.
type ErrorEnvelope struct {
	Kind      Kind      `json:"kind"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is the decoded form of one inbound frame. Exactly one variant
// pointer is non-nil, matching Kind.
type Envelope struct {
	Kind      Kind
	Join      *JoinRoom
	Leave     *LeaveRoom
	Chat      *ChatMessage
	Media     *MediaControl
	Share     *ScreenShare
	Heartbeat *Heartbeat
}

// DecodeError classifies a rejected inbound frame. Code is one of
// CodeMalformedEnvelope, CodeUnknownMessageType or CodeSchemaViolation and
// maps directly onto the error envelope echoed to the sender.
type DecodeError struct {
	Code string
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Kind, e.Code)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func malformed(err error) *DecodeError {
	return &DecodeError{Code: CodeMalformedEnvelope, Err: err}
}

func violation(kind Kind, format string, args ...any) *DecodeError {
	return &DecodeError{Code: CodeSchemaViolation, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Decode parses one frame into a typed envelope. Unknown kinds and missing
// required fields are reported as *DecodeError; the caller echoes them back
// to the sender and keeps the connection open.
func Decode(raw []byte) (*Envelope, error) {
	var probe struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, malformed(err)
	}

	switch probe.Kind {
	case KindJoinRoom:
		var v JoinRoom
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, malformed(err)
		}
		if v.RoomID == "" {
			return nil, violation(probe.Kind, "roomId is required")
		}
		if v.Credential == "" {
			return nil, violation(probe.Kind, "credential is required")
		}
		return &Envelope{Kind: probe.Kind, Join: &v}, nil

	case KindLeaveRoom:
		var v LeaveRoom
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, malformed(err)
		}
		if v.RoomID == "" {
			return nil, violation(probe.Kind, "roomId is required")
		}
		return &Envelope{Kind: probe.Kind, Leave: &v}, nil

	case KindChatMessage:
		var v ChatMessage
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, malformed(err)
		}
		if v.RoomID == "" {
			return nil, violation(probe.Kind, "roomId is required")
		}
		if v.Text == "" {
			return nil, violation(probe.Kind, "text is required")
		}
		return &Envelope{Kind: probe.Kind, Chat: &v}, nil

	case KindMediaControl:
		var v MediaControl
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, malformed(err)
		}
		if v.RoomID == "" {
			return nil, violation(probe.Kind, "roomId is required")
		}
		if !mediaActions[v.Action] {
			return nil, violation(probe.Kind, "unknown action %q", v.Action)
		}
		return &Envelope{Kind: probe.Kind, Media: &v}, nil

	case KindScreenShareStart, KindScreenShareStop:
		var v ScreenShare
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, malformed(err)
		}
		if v.RoomID == "" {
			return nil, violation(probe.Kind, "roomId is required")
		}
		return &Envelope{Kind: probe.Kind, Share: &v}, nil

	case KindHeartbeat:
		var v Heartbeat
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, malformed(err)
		}
		return &Envelope{Kind: probe.Kind, Heartbeat: &v}, nil

	default:
		return nil, &DecodeError{Code: CodeUnknownMessageType, Kind: probe.Kind, Err: fmt.Errorf("unknown kind %q", probe.Kind)}
	}
}
