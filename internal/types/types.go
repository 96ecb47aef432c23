// Package types holds the server-side representations shared across the
// state, session and transport layers.
package types

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// ErrSendBufferFull is returned by Enqueue when the outbound buffer has no
// room. The caller treats the connection as a slow consumer and routes it
// through disconnect cleanup instead of blocking.
var ErrSendBufferFull = errors.New("send buffer full")

// ErrClientClosing is returned by Enqueue once disconnect cleanup has begun.
var ErrClientClosing = errors.New("client closing")

// Client is one live connection. The transport handle is owned by the
// connection's read/write goroutines; identity and room are bound only after
// a successful join and read under the client's lock by other goroutines.
type Client struct {
	Conn   *websocket.Conn
	ConnID string

	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	alive   atomic.Bool
	dropped atomic.Int64

	mu          sync.Mutex
	userID      string
	displayName string
	room        string
}

// NewClient wraps an accepted transport connection. The send buffer bounds
// how far fanout may run ahead of a slow consumer.
func NewClient(ctx context.Context, conn *websocket.Conn, connID string, sendBuffer int) *Client {
	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		Conn:   conn,
		ConnID: connID,
		send:   make(chan []byte, sendBuffer),
		ctx:    cctx,
		cancel: cancel,
	}
	c.alive.Store(true)
	return c
}

// Context is canceled when disconnect cleanup begins; the read and write
// goroutines use it to unblock pending transport operations.
func (c *Client) Context() context.Context { return c.ctx }

// Outbound returns the channel drained by the write goroutine.
func (c *Client) Outbound() <-chan []byte { return c.send }

// Enqueue hands a frame to the write goroutine without blocking.
func (c *Client) Enqueue(frame []byte) error {
	if c.closing.Load() {
		return ErrClientClosing
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.dropped.Add(1)
		return ErrSendBufferFull
	}
}

// BeginClose flips the connection into the closing state and cancels its
// pending operations. It returns true exactly once; later calls are no-ops,
// which is what makes disconnect cleanup idempotent.
func (c *Client) BeginClose() bool {
	if !c.closing.CompareAndSwap(false, true) {
		return false
	}
	c.cancel()
	return true
}

// Closing reports whether disconnect cleanup has begun.
func (c *Client) Closing() bool { return c.closing.Load() }

// MarkAlive records evidence of liveness: a transport pong or an
// application-level heartbeat envelope.
func (c *Client) MarkAlive() { c.alive.Store(true) }

// ConsumeAlive clears the liveness flag and reports whether it was set.
// The monitor calls it once per probe cycle; a connection that produced no
// evidence since the previous cycle is treated as dead.
func (c *Client) ConsumeAlive() bool { return c.alive.Swap(false) }

// Dropped returns how many frames were discarded because the send buffer
// was full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// BindIdentity attaches the authenticated identity after a successful join.
func (c *Client) BindIdentity(userID, displayName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.displayName = displayName
}

// Identity returns the bound user id and display name; both are empty while
// the connection is unauthenticated.
func (c *Client) Identity() (userID, displayName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.displayName
}

// SetRoom records the room the connection is currently joined to; the empty
// string means none.
func (c *Client) SetRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = roomID
}

// Room returns the currently bound room, or the empty string.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// RoomInfo summarizes one room for the introspection API.
type RoomInfo struct {
	RoomID      string    `json:"roomId"`
	MemberCount int       `json:"memberCount"`
	OldestJoin  time.Time `json:"oldestJoin"`
}

// ServerStats is the payload of the /api/stats endpoint.
type ServerStats struct {
	Connections   int   `json:"connections"`
	JoinedUsers   int   `json:"joined_users"`
	Rooms         int   `json:"rooms"`
	RoomMembers   int   `json:"room_members"`
	DroppedFrames int64 `json:"dropped_frames"`
}
