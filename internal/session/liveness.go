package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"syncwave/internal/state"
	"syncwave/internal/types"
)

// Monitor sweeps every open connection on a fixed interval. Each cycle it
// first evicts connections that produced no liveness evidence since the
// previous cycle, then clears every survivor's flag and sends a transport
// ping whose pong sets it again. Application-level heartbeat envelopes set
// the same flag, so clients behind intermediaries that drop control frames
// are not falsely evicted. Dead-peer detection latency is one interval.
type Monitor struct {
	state       *state.Manager
	interval    time.Duration
	pongTimeout time.Duration
	onDead      func(*types.Client)
	logger      *zap.Logger
}

func NewMonitor(st *state.Manager, interval, pongTimeout time.Duration, onDead func(*types.Client), logger *zap.Logger) *Monitor {
	return &Monitor{
		state:       st,
		interval:    interval,
		pongTimeout: pongTimeout,
		onDead:      onDead,
		logger:      logger,
	}
}

// Run blocks until ctx is canceled. This is the only mechanism that
// reclaims connections whose transport-level close was never observed.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one probe cycle over every open connection.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, c := range m.state.Clients() {
		if c.Closing() {
			continue
		}
		if !c.ConsumeAlive() {
			m.logger.Info("liveness probe unanswered, evicting",
				zap.String("connId", c.ConnID))
			m.onDead(c)
			continue
		}
		go m.probe(ctx, c)
	}
}

func (m *Monitor) probe(ctx context.Context, c *types.Client) {
	if c.Conn == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, m.pongTimeout)
	defer cancel()
	if err := c.Conn.Ping(pctx); err == nil {
		c.MarkAlive()
	}
}
