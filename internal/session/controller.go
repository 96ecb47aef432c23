// Package session drives the lifecycle of every connection: admission into
// rooms, routing of decoded envelopes to their handlers, fanout to room
// members, liveness probing, and the single disconnect path shared by
// client-initiated close, transport errors, and liveness eviction.
package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"syncwave/internal/auth"
	"syncwave/internal/state"
	"syncwave/internal/types"
	"syncwave/pkg/protocol"
)

// Controller owns the per-connection state machine. A connection starts
// unauthenticated, becomes joined after a verified join_room, and ends
// closed; every path out of joined funnels through Disconnect.
type Controller struct {
	state    *state.Manager
	verifier auth.Verifier
	logger   *zap.Logger
	bcast    *Broadcaster

	writeTimeout time.Duration

	// mu serializes join/leave/disconnect transitions together with the
	// broadcasts derived from them, so no member ever observes a user_left
	// for a room it was never shown, or misses a user_joined that preceded
	// a snapshot it already received.
	mu sync.Mutex

	now          func() time.Time
	newMessageID func() string
}

func NewController(st *state.Manager, verifier auth.Verifier, logger *zap.Logger, writeTimeout time.Duration) *Controller {
	ctrl := &Controller{
		state:        st,
		verifier:     verifier,
		logger:       logger,
		writeTimeout: writeTimeout,
		now:          time.Now,
		newMessageID: func() string { return ksuid.New().String() },
	}
	ctrl.bcast = NewBroadcaster(st, logger, ctrl.scheduleDisconnect)
	return ctrl
}

// Broadcaster exposes the controller's fanout component.
func (ctrl *Controller) Broadcaster() *Broadcaster { return ctrl.bcast }

// Handle decodes one inbound frame and dispatches it. Decode failures are
// echoed back as error envelopes; the connection stays open.
func (ctrl *Controller) Handle(c *types.Client, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		var derr *protocol.DecodeError
		if errors.As(err, &derr) {
			ctrl.logger.Debug("rejected frame",
				zap.String("connId", c.ConnID),
				zap.String("code", derr.Code),
				zap.Error(derr))
			ctrl.sendError(c, derr.Code, derr.Error())
		}
		return
	}

	switch env.Kind {
	case protocol.KindJoinRoom:
		ctrl.handleJoin(c, env.Join)
	case protocol.KindLeaveRoom:
		ctrl.handleLeave(c, env.Leave)
	case protocol.KindChatMessage:
		ctrl.handleChat(c, env.Chat)
	case protocol.KindMediaControl:
		ctrl.handleMedia(c, env.Media)
	case protocol.KindScreenShareStart, protocol.KindScreenShareStop:
		ctrl.handleScreenShare(c, env.Kind, env.Share)
	case protocol.KindHeartbeat:
		ctrl.handleHeartbeat(c)
	}
}

func (ctrl *Controller) handleJoin(c *types.Client, join *protocol.JoinRoom) {
	identity, err := ctrl.verifier.Verify(c.Context(), join.Credential)
	if err != nil {
		ctrl.logger.Info("join rejected",
			zap.String("connId", c.ConnID),
			zap.String("roomId", join.RoomID))
		ctrl.sendError(c, protocol.CodeJoinRoomFailed, "credential rejected")
		return
	}

	ctrl.mu.Lock()
	// A connection re-authenticating as a different user sheds its previous
	// identity first; the old presence must not outlive its binding.
	if prevUserID, prevName := c.Identity(); prevUserID != "" && prevUserID != identity.UserID {
		ctrl.detachIdentityLocked(c, prevUserID, prevName)
		c.SetRoom("")
	}
	now := ctrl.now()
	member := protocol.Member{
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		JoinedAt:    now,
	}
	ctrl.state.Register(identity.UserID, c)
	c.BindIdentity(identity.UserID, identity.DisplayName)
	prevRoom := ctrl.state.Join(join.RoomID, member)
	c.SetRoom(join.RoomID)
	snapshot := ctrl.state.Members(join.RoomID)

	if prevRoom != "" {
		ctrl.bcast.ToRoom(prevRoom, &protocol.UserLeft{
			Kind:        protocol.KindUserLeft,
			RoomID:      prevRoom,
			UserID:      identity.UserID,
			DisplayName: identity.DisplayName,
			Timestamp:   now,
		}, identity.UserID)
	}
	ctrl.bcast.ToRoom(join.RoomID, &protocol.UserJoined{
		Kind:        protocol.KindUserJoined,
		RoomID:      join.RoomID,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Timestamp:   now,
	}, identity.UserID)
	ctrl.send(c, &protocol.RoomState{
		Kind:      protocol.KindRoomState,
		RoomID:    join.RoomID,
		Members:   snapshot,
		Timestamp: now,
	})
	ctrl.mu.Unlock()

	ctrl.logger.Info("user joined room",
		zap.String("userId", identity.UserID),
		zap.String("roomId", join.RoomID),
		zap.String("connId", c.ConnID))
}

func (ctrl *Controller) handleLeave(c *types.Client, leave *protocol.LeaveRoom) {
	userID, displayName := c.Identity()
	if userID == "" || c.Room() != leave.RoomID {
		ctrl.sendError(c, protocol.CodeNotInRoom, "not a member of room "+leave.RoomID)
		return
	}

	ctrl.mu.Lock()
	member, ok := ctrl.state.Leave(leave.RoomID, userID)
	if !ok {
		ctrl.mu.Unlock()
		ctrl.sendError(c, protocol.CodeNotInRoom, "not a member of room "+leave.RoomID)
		return
	}
	if member.DisplayName != "" {
		displayName = member.DisplayName
	}
	ctrl.state.Unregister(userID, c)
	c.SetRoom("")
	c.BindIdentity("", "")
	ctrl.bcast.ToRoom(leave.RoomID, &protocol.UserLeft{
		Kind:        protocol.KindUserLeft,
		RoomID:      leave.RoomID,
		UserID:      userID,
		DisplayName: displayName,
		Timestamp:   ctrl.now(),
	}, userID)
	ctrl.mu.Unlock()

	ctrl.logger.Info("user left room",
		zap.String("userId", userID),
		zap.String("roomId", leave.RoomID))
}

func (ctrl *Controller) handleChat(c *types.Client, chat *protocol.ChatMessage) {
	userID, ok := ctrl.requireRoom(c, chat.RoomID)
	if !ok {
		return
	}

	// Server-side stamps override anything the client supplied.
	chat.SenderID = userID
	chat.MessageID = ctrl.newMessageID()
	chat.Timestamp = ctrl.now()
	ctrl.bcast.ToRoom(chat.RoomID, chat, userID)
}

func (ctrl *Controller) handleMedia(c *types.Client, media *protocol.MediaControl) {
	userID, ok := ctrl.requireRoom(c, media.RoomID)
	if !ok {
		return
	}

	media.SenderID = userID
	media.Timestamp = ctrl.now()
	ctrl.bcast.ToRoom(media.RoomID, media, userID)
}

func (ctrl *Controller) handleScreenShare(c *types.Client, kind protocol.Kind, share *protocol.ScreenShare) {
	userID, ok := ctrl.requireRoom(c, share.RoomID)
	if !ok {
		return
	}

	share.Kind = kind
	share.SenderID = userID
	share.Timestamp = ctrl.now()
	ctrl.bcast.ToRoom(share.RoomID, share, userID)
}

func (ctrl *Controller) handleHeartbeat(c *types.Client) {
	c.MarkAlive()
	ctrl.send(c, &protocol.Heartbeat{
		Kind:      protocol.KindHeartbeat,
		Timestamp: ctrl.now(),
	})
}

// requireRoom checks that the connection is joined to the room it is acting
// on. Violations are authorization errors: reported to the sender, no state
// is mutated, nothing reaches the room.
func (ctrl *Controller) requireRoom(c *types.Client, roomID string) (string, bool) {
	userID, _ := c.Identity()
	if userID == "" || c.Room() != roomID {
		ctrl.sendError(c, protocol.CodeNotInRoom, "not a member of room "+roomID)
		return "", false
	}
	return userID, true
}

// detachIdentityLocked removes the identity's room membership and registry
// binding, announcing the departure to its room. Membership is only touched
// while the binding still points at this connection; a replaced connection
// must not tear down its successor's state. Caller holds ctrl.mu.
func (ctrl *Controller) detachIdentityLocked(c *types.Client, userID, displayName string) {
	if userID == "" {
		return
	}
	if cur, ok := ctrl.state.Lookup(userID); ok && cur == c {
		if roomID := c.Room(); roomID != "" {
			if member, ok := ctrl.state.Leave(roomID, userID); ok {
				if member.DisplayName != "" {
					displayName = member.DisplayName
				}
				ctrl.bcast.ToRoom(roomID, &protocol.UserLeft{
					Kind:        protocol.KindUserLeft,
					RoomID:      roomID,
					UserID:      userID,
					DisplayName: displayName,
					Timestamp:   ctrl.now(),
				}, userID)
			}
		}
	}
	ctrl.state.Unregister(userID, c)
}

// Disconnect is the single cleanup routine shared by client close, transport
// error, and liveness eviction. Calling it more than once for the same
// connection is a safe no-op.
func (ctrl *Controller) Disconnect(c *types.Client) {
	ctrl.disconnect(c, websocket.StatusNormalClosure, "")
}

// DisconnectGoingAway closes the connection with a going-away status; the
// server shutdown path uses it so clients can tell eviction from shutdown.
func (ctrl *Controller) DisconnectGoingAway(c *types.Client) {
	ctrl.disconnect(c, websocket.StatusGoingAway, "server shutting down")
}

func (ctrl *Controller) disconnect(c *types.Client, status websocket.StatusCode, reason string) {
	if !c.BeginClose() {
		return
	}

	ctrl.mu.Lock()
	userID, displayName := c.Identity()
	ctrl.detachIdentityLocked(c, userID, displayName)
	ctrl.state.RemoveClient(c)
	ctrl.mu.Unlock()

	if c.Conn != nil {
		_ = c.Conn.Close(status, reason)
	}

	ctrl.logger.Info("connection closed",
		zap.String("connId", c.ConnID),
		zap.String("userId", userID))
}

// scheduleDisconnect runs cleanup on its own goroutine; fanout reports
// failed recipients while the controller may already hold its lock.
func (ctrl *Controller) scheduleDisconnect(c *types.Client) {
	go ctrl.Disconnect(c)
}

func (ctrl *Controller) sendError(c *types.Client, code, message string) {
	ctrl.send(c, &protocol.ErrorEnvelope{
		Kind:      protocol.KindError,
		Code:      code,
		Message:   message,
		Timestamp: ctrl.now(),
	})
}

// send marshals an envelope and enqueues it for one connection only.
func (ctrl *Controller) send(c *types.Client, env any) {
	frame, err := json.Marshal(env)
	if err != nil {
		ctrl.logger.Error("marshal envelope", zap.Error(err))
		return
	}
	if err := c.Enqueue(frame); err != nil {
		ctrl.logger.Warn("direct send failed",
			zap.String("connId", c.ConnID),
			zap.Error(err))
		if errors.Is(err, types.ErrSendBufferFull) {
			ctrl.scheduleDisconnect(c)
		}
	}
}
