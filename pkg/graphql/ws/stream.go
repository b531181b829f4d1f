package ws

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// writeMessage is the only path to the socket's writer. Writes are
// serialised so frames never interleave.
func (c *Connection) writeMessage(socket Socket, op *OperationMessage) error {
	data, err := encodeMessage(c.opts.codec, op)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.writeTimeout > 0 {
		if wd, ok := socket.(writeDeadliner); ok {
			if err := wd.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug("failed to set write deadline", zap.Error(err))
			}
		}
	}

	if err := socket.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrapf(err, "writing %s message", op.Type)
	}

	c.opts.metrics.messageSent(op.Type)
	c.logger.Debug("sent message", zap.Stringer("type", op.Type), zap.Stringer("id", op.MessageID()))

	return nil
}

type readResult struct {
	op  *OperationMessage
	err error
}

// readHandshake reads until something other than a keep alive turns up.
// The socket is closed if ctx is done first so the blocked read returns.
func (c *Connection) readHandshake(ctx context.Context, socket Socket) (*OperationMessage, error) {
	result := make(chan readResult, 1)

	go func() {
		for {
			_, data, err := socket.ReadMessage()
			if err != nil {
				result <- readResult{err: err}
				return
			}

			op, err := decodeMessage(c.opts.codec, data)
			if err != nil {
				c.dropped("malformed", err)
				continue
			}

			c.opts.metrics.messageReceived(op.Type)

			if op.Type == GQL_CONNECTION_KEEP_ALIVE {
				continue
			}

			result <- readResult{op: op}
			return
		}
	}()

	select {
	case <-ctx.Done():
		socket.Close()
		return nil, ctx.Err()
	case r := <-result:
		return r.op, r.err
	}
}

// readLoop is the single reader of an open socket. Any read error means the
// socket has failed.
func (c *Connection) readLoop(socket Socket, gen uint64) {
	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			c.lost(socket, gen, err)
			return
		}

		op, err := decodeMessage(c.opts.codec, data)
		if err != nil {
			c.dropped("malformed", err)
			continue
		}

		c.opts.metrics.messageReceived(op.Type)

		switch {
		case op.Type == GQL_CONNECTION_KEEP_ALIVE:
			continue
		case op.Type == GQL_CONNECTION_ERROR:
			c.dropped("connection_error", &ProtocolError{Reason: string(op.Payload)})
			continue
		case op.Type == GQL_START || op.Type == GQL_STOP || !op.Type.IsOperation():
			c.dropped("unexpected_type", &ProtocolError{Reason: "unexpected type " + op.Type.String()})
			continue
		case op.ID == nil:
			c.dropped("missing_id", &ProtocolError{Reason: op.Type.String() + " without an id"})
			continue
		}

		c.logger.Debug("received message", zap.Stringer("type", op.Type), zap.Stringer("id", op.MessageID()))

		if delivered := c.bus.Send(op); delivered == 0 {
			c.opts.metrics.messageDropped("unrouted")
			c.logger.Debug("no reader for id, dropping", zap.Stringer("id", op.MessageID()), zap.Stringer("type", op.Type))
		}
	}
}

func (c *Connection) dropped(reason string, err error) {
	c.opts.metrics.messageDropped(reason)
	c.logger.Warn("dropping inbound message", zap.String("reason", reason), zap.Error(err))
}
