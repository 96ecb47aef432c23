package session

import (
	"context"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"syncwave/internal/types"
	"syncwave/pkg/protocol"
)

// Serve runs the connection's inbound read loop until the transport errors
// or disconnect cleanup cancels it. It also starts the write pump. Serve
// returns only through Disconnect, so Registry and Membership Table are
// always cleaned up exactly once no matter how the connection dies.
func (ctrl *Controller) Serve(c *types.Client) {
	defer ctrl.Disconnect(c)
	go ctrl.writePump(c)

	for {
		typ, raw, err := c.Conn.Read(c.Context())
		if err != nil {
			ctrl.logger.Debug("read loop ended",
				zap.String("connId", c.ConnID),
				zap.Error(err))
			return
		}
		if typ != websocket.MessageText {
			ctrl.sendError(c, protocol.CodeMalformedEnvelope, "frames must be JSON text")
			continue
		}
		ctrl.Handle(c, raw)
	}
}

// writePump drains the connection's outbound buffer onto the transport.
// Every write is bounded so one unresponsive peer cannot hold the pump.
func (ctrl *Controller) writePump(c *types.Client) {
	for {
		select {
		case <-c.Context().Done():
			return
		case frame := <-c.Outbound():
			wctx, cancel := context.WithTimeout(c.Context(), ctrl.writeTimeout)
			err := c.Conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				ctrl.logger.Debug("write failed",
					zap.String("connId", c.ConnID),
					zap.Error(err))
				ctrl.scheduleDisconnect(c)
				return
			}
		}
	}
}
