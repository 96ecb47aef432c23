package session

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"syncwave/internal/state"
	"syncwave/internal/types"
)

// Broadcaster fans one envelope out to every current member of a room.
// Each delivery is attempted independently: a recipient whose send buffer is
// full (or whose connection is already going away) is logged and handed to
// the disconnect path, and the remaining recipients still get the message.
type Broadcaster struct {
	state  *state.Manager
	logger *zap.Logger
	onDead func(*types.Client)
}

func NewBroadcaster(st *state.Manager, logger *zap.Logger, onDead func(*types.Client)) *Broadcaster {
	return &Broadcaster{state: st, logger: logger, onDead: onDead}
}

// ToRoom delivers env to every member of roomID except excludeUserID (pass
// the empty string to deliver to everyone). Delivery failures never
// propagate to the caller.
func (b *Broadcaster) ToRoom(roomID string, env any, excludeUserID string) {
	frame, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("marshal broadcast envelope",
			zap.String("roomId", roomID), zap.Error(err))
		return
	}

	for _, member := range b.state.Members(roomID) {
		if member.UserID == excludeUserID {
			continue
		}
		c, ok := b.state.Lookup(member.UserID)
		if !ok {
			continue
		}
		if err := c.Enqueue(frame); err != nil {
			b.logger.Warn("fanout delivery failed",
				zap.String("roomId", roomID),
				zap.String("userId", member.UserID),
				zap.Error(err))
			if errors.Is(err, types.ErrSendBufferFull) && b.onDead != nil {
				b.onDead(c)
			}
		}
	}
}
