package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/uswitch/gqlws/pkg/graphql"
)

// OnOperationFunc runs one operation for a server channel. Closing the
// returned channel completes the operation; ctx is cancelled when the
// client stops it.
type OnOperationFunc func(context.Context, graphql.Request) (<-chan *graphql.Response, error)

// OnConnectFunc vets the connection_init payload. An error is sent back as
// connection_error.
type OnConnectFunc func(context.Context, ConnectionParams) error

// ServerChannel is the server side of the protocol over one socket.
type ServerChannel struct {
	OnOperation OnOperationFunc
	OnConnect   OnConnectFunc
	KeepAlive   time.Duration
	Logger      *zap.Logger
	// Codec frames envelopes, JSONCodec when nil.
	Codec Codec

	ch      MessageReaderWriter
	writeMu sync.Mutex
}

func NewServerChannel(ch MessageReaderWriter, fn OnOperationFunc) *ServerChannel {
	return &ServerChannel{OnOperation: fn, Logger: zap.NewNop(), ch: ch}
}

func (s *ServerChannel) codec() Codec {
	if s.Codec == nil {
		return JSONCodec
	}

	return s.Codec
}

func (s *ServerChannel) write(op *OperationMessage) error {
	data, err := encodeMessage(s.codec(), op)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.ch.WriteMessage(websocket.TextMessage, data)
}

func (s *ServerChannel) read() (*OperationMessage, error) {
	for {
		_, data, err := s.ch.ReadMessage()
		if err != nil {
			return nil, err
		}

		op, err := decodeMessage(s.codec(), data)
		if err != nil {
			s.Logger.Warn("server dropping message", zap.Error(err))
			continue
		}

		return op, nil
	}
}

// Accept waits for connection_init and acknowledges it.
func (s *ServerChannel) Accept(ctx context.Context) error {
	op, err := s.read()
	if err != nil {
		return errors.Wrap(err, "receiving init message")
	}

	if op.Type != GQL_CONNECTION_INIT {
		return errors.Errorf("expecting %s, got %s", GQL_CONNECTION_INIT, op.Type)
	}

	if s.OnConnect != nil {
		var params ConnectionParams
		if len(op.Payload) > 0 {
			if err := json.Unmarshal(op.Payload, &params); err != nil {
				return errors.Wrap(err, "decoding connection params")
			}
		}

		if err := s.OnConnect(ctx, params); err != nil {
			payload, merr := json.Marshal(map[string]string{"message": err.Error()})
			if merr != nil {
				s.Logger.Debug("failed to encode connection error", zap.Error(merr))
			}

			if werr := s.write(newMessage(GQL_CONNECTION_ERROR, "", payload)); werr != nil {
				s.Logger.Debug("failed to send connection error", zap.Error(werr))
			}

			return errors.Wrap(err, "refusing connection")
		}
	}

	return errors.Wrap(s.write(newMessage(GQL_CONNECTION_ACK, "", nil)), "sending ack message")
}

// Listen serves operations until the client terminates, the socket fails
// or ctx is done.
func (s *ServerChannel) Listen(ctx context.Context) error {
	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	if s.KeepAlive > 0 {
		go s.keepAlive(ctx)
	}

	ops := make(chan *OperationMessage)
	readErr := make(chan error, 1)

	go func() {
		for {
			op, err := s.read()
			if err != nil {
				readErr <- err
				return
			}

			select {
			case ops <- op:
			case <-ctx.Done():
				return
			}
		}
	}()

	var mu sync.Mutex
	idToCancel := map[MessageID]context.CancelFunc{}

	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "server listen context done")
		case err := <-readErr:
			return errors.Wrap(err, "server read failed")
		case op := <-ops:
			switch op.Type {
			case GQL_CONNECTION_TERMINATE:
				return nil
			case GQL_START:
				if op.ID == nil {
					s.Logger.Warn("server received a start with no id, discarding")
					continue
				}

				id := *op.ID

				var req graphql.Request
				if err := json.Unmarshal(op.Payload, &req); err != nil {
					s.sendError(id, err)
					continue
				}

				streamCtx, cancel := context.WithCancel(ctx)

				results, err := s.OnOperation(streamCtx, req)
				if err != nil {
					cancel()
					s.sendError(id, err)
					continue
				}

				mu.Lock()
				idToCancel[id] = cancel
				mu.Unlock()

				go func() {
					s.streamResults(streamCtx, id, results)

					mu.Lock()
					delete(idToCancel, id)
					mu.Unlock()
					cancel()
				}()
			case GQL_STOP:
				mu.Lock()
				cancel, ok := idToCancel[op.MessageID()]
				mu.Unlock()

				if !ok {
					s.Logger.Debug("server received a stop for id with no cancel, discarding", zap.Stringer("id", op.MessageID()))
					continue
				}

				cancel()
			default:
				s.Logger.Warn("server got unknown operation type", zap.Stringer("type", op.Type))
			}
		}
	}
}

func (s *ServerChannel) sendError(id MessageID, err error) {
	payload, merr := json.Marshal(graphql.Errors{{Message: err.Error()}})
	if merr != nil {
		s.Logger.Debug("failed to encode error", zap.Stringer("id", id), zap.Error(merr))
	}

	if werr := s.write(newMessage(GQL_ERROR, id, payload)); werr != nil {
		s.Logger.Debug("failed to send error", zap.Error(werr))
	}
}

func (s *ServerChannel) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(s.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(newMessage(GQL_CONNECTION_KEEP_ALIVE, "", nil)); err != nil {
				s.Logger.Debug("failed to send keep alive", zap.Error(err))
				return
			}
		}
	}
}

func (s *ServerChannel) streamResults(ctx context.Context, id MessageID, ch <-chan *graphql.Response) {
	s.Logger.Debug("result streaming starting", zap.Stringer("id", id))
	defer s.Logger.Debug("result streaming done", zap.Stringer("id", id))

	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					if err := s.write(newMessage(GQL_COMPLETE, id, nil)); err != nil {
						s.Logger.Debug("failed to send complete", zap.Stringer("id", id), zap.Error(err))
					}
				}
				return
			}

			payload, err := json.Marshal(result)
			if err != nil {
				s.sendError(id, err)
				continue
			}

			if err := s.write(newMessage(GQL_DATA, id, payload)); err != nil {
				return
			}
		}
	}
}
