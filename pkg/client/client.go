// Package client is a reusable Go client for the SyncWave room protocol.
// It is used by the example programs and the server's integration tests.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	cidpkg "syncwave/internal/cid"
	"syncwave/pkg/protocol"
)

// Config controls how the client connects.
type Config struct {
	ServerURL string // ws:// or wss:// URL of the /ws endpoint
	UserAgent string
}

// EventHandler receives server-initiated envelopes. Implementations must not
// block; Listen calls them inline from the read loop.
type EventHandler interface {
	OnConnected()
	OnDisconnected()
	OnRoomState(state protocol.RoomState)
	OnUserJoined(ev protocol.UserJoined)
	OnUserLeft(ev protocol.UserLeft)
	OnChatMessage(msg protocol.ChatMessage)
	OnMediaControl(ev protocol.MediaControl)
	OnScreenShare(ev protocol.ScreenShare)
	OnHeartbeat(ev protocol.Heartbeat)
	OnError(code, message string)
}

// DefaultEventHandler logs every event; embed it to override selectively.
type DefaultEventHandler struct{}

func (DefaultEventHandler) OnConnected()    { log.Printf("connected") }
func (DefaultEventHandler) OnDisconnected() { log.Printf("disconnected") }
func (DefaultEventHandler) OnRoomState(state protocol.RoomState) {
	log.Printf("room %s has %d members", state.RoomID, len(state.Members))
}
func (DefaultEventHandler) OnUserJoined(ev protocol.UserJoined) {
	log.Printf("%s joined %s", ev.DisplayName, ev.RoomID)
}
func (DefaultEventHandler) OnUserLeft(ev protocol.UserLeft) {
	log.Printf("%s left %s", ev.DisplayName, ev.RoomID)
}
func (DefaultEventHandler) OnChatMessage(msg protocol.ChatMessage) {
	log.Printf("[%s] %s: %s", msg.RoomID, msg.SenderID, msg.Text)
}
func (DefaultEventHandler) OnMediaControl(ev protocol.MediaControl) {
	log.Printf("[%s] media %s from %s", ev.RoomID, ev.Action, ev.SenderID)
}
func (DefaultEventHandler) OnScreenShare(ev protocol.ScreenShare) {
	log.Printf("[%s] %s from %s", ev.RoomID, ev.Kind, ev.SenderID)
}
func (DefaultEventHandler) OnHeartbeat(protocol.Heartbeat) {}
func (DefaultEventHandler) OnError(code, message string) {
	log.Printf("server error [%s]: %s", code, message)
}

// Client is one connection to a SyncWave server. The connected flag is
// shared between the Listen goroutine and callers issuing writes.
type Client struct {
	conn      *websocket.Conn
	config    Config
	handler   EventHandler
	connected atomic.Bool
}

func New(config Config) *Client {
	if config.UserAgent == "" {
		config.UserAgent = "syncwave-client/1.0"
	}
	return &Client{config: config, handler: DefaultEventHandler{}}
}

// SetEventHandler replaces the default logging handler. Call before Listen.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

// Connect dials the server. A correlation id present on ctx is propagated
// on the dial request headers.
func (c *Client) Connect(ctx context.Context) error {
	headers := map[string][]string{"User-Agent": {c.config.UserAgent}}
	cidpkg.AddHeaderFromContext(headers, ctx)

	conn, _, err := websocket.Dial(ctx, c.config.ServerURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}
	c.conn = conn
	c.connected.Store(true)
	c.handler.OnConnected()
	return nil
}

// Close shuts the connection down cleanly.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	c.connected.Store(false)
	err := c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	c.handler.OnDisconnected()
	return err
}

// JoinRoom requests admission to a room with a bearer credential.
func (c *Client) JoinRoom(ctx context.Context, roomID, credential string) error {
	return c.write(ctx, protocol.JoinRoom{
		Kind:       protocol.KindJoinRoom,
		RoomID:     roomID,
		Credential: credential,
	})
}

// LeaveRoom leaves the named room.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	return c.write(ctx, protocol.LeaveRoom{
		Kind:   protocol.KindLeaveRoom,
		RoomID: roomID,
	})
}

// SendChat sends a chat line. The server assigns sender, id and timestamp.
func (c *Client) SendChat(ctx context.Context, roomID, text string) error {
	return c.write(ctx, protocol.ChatMessage{
		Kind:   protocol.KindChatMessage,
		RoomID: roomID,
		Text:   text,
	})
}

// SendMediaControl sends a playback command to the room.
func (c *Client) SendMediaControl(ctx context.Context, roomID, action string, payload map[string]any) error {
	return c.write(ctx, protocol.MediaControl{
		Kind:    protocol.KindMediaControl,
		RoomID:  roomID,
		Action:  action,
		Payload: payload,
	})
}

// StartScreenShare announces the start of a screen share.
func (c *Client) StartScreenShare(ctx context.Context, roomID string) error {
	return c.write(ctx, protocol.ScreenShare{
		Kind:   protocol.KindScreenShareStart,
		RoomID: roomID,
	})
}

// StopScreenShare announces the end of a screen share.
func (c *Client) StopScreenShare(ctx context.Context, roomID string) error {
	return c.write(ctx, protocol.ScreenShare{
		Kind:   protocol.KindScreenShareStop,
		RoomID: roomID,
	})
}

// Heartbeat sends an application-level liveness signal.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.write(ctx, protocol.Heartbeat{Kind: protocol.KindHeartbeat})
}

// Listen reads server envelopes and dispatches them to the event handler
// until ctx is canceled or the connection drops.
func (c *Client) Listen(ctx context.Context) error {
	for {
		typ, raw, err := c.conn.Read(ctx)
		if err != nil {
			c.connected.Store(false)
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	var probe struct {
		Kind protocol.Kind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		log.Printf("unparseable server frame: %v", err)
		return
	}

	switch probe.Kind {
	case protocol.KindRoomState:
		var v protocol.RoomState
		if json.Unmarshal(raw, &v) == nil {
			c.handler.OnRoomState(v)
		}
	case protocol.KindUserJoined:
		var v protocol.UserJoined
		if json.Unmarshal(raw, &v) == nil {
			c.handler.OnUserJoined(v)
		}
	case protocol.KindUserLeft:
		var v protocol.UserLeft
		if json.Unmarshal(raw, &v) == nil {
			c.handler.OnUserLeft(v)
		}
	case protocol.KindChatMessage:
		var v protocol.ChatMessage
		if json.Unmarshal(raw, &v) == nil {
			c.handler.OnChatMessage(v)
		}
	case protocol.KindMediaControl:
		var v protocol.MediaControl
		if json.Unmarshal(raw, &v) == nil {
			c.handler.OnMediaControl(v)
		}
	case protocol.KindScreenShareStart, protocol.KindScreenShareStop:
		var v protocol.ScreenShare
		if json.Unmarshal(raw, &v) == nil {
			c.handler.OnScreenShare(v)
		}
	case protocol.KindHeartbeat:
		var v protocol.Heartbeat
		if json.Unmarshal(raw, &v) == nil {
			c.handler.OnHeartbeat(v)
		}
	case protocol.KindError:
		var v protocol.ErrorEnvelope
		if json.Unmarshal(raw, &v) == nil {
			c.handler.OnError(v.Code, v.Message)
		}
	default:
		log.Printf("unhandled server envelope kind %q", probe.Kind)
	}
}

func (c *Client) write(ctx context.Context, env any) error {
	if !c.connected.Load() {
		return fmt.Errorf("client not connected")
	}
	return wsjson.Write(ctx, c.conn, env)
}
