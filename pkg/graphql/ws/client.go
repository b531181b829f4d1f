package ws

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/uswitch/gqlws/pkg/graphql"
)

// Client runs queries, mutations and subscriptions over one Connection.
// Every operation gets its own correlation id; subscriptions for the same
// request share a single start/stop pair on the wire.
type Client struct {
	conn       *Connection
	serializer graphql.Serializer
	logger     *zap.Logger
	metrics    *Metrics

	mu     sync.Mutex
	shared map[string]*sharedSubscription
}

// New returns a client for the server at url. Nothing is dialled until the
// first operation.
func New(url string, opts ...Option) *Client {
	return NewClient(NewConnection(url, opts...), opts...)
}

func NewClient(conn *Connection, opts ...Option) *Client {
	o := buildOptions(opts)

	return &Client{
		conn:       conn,
		serializer: o.serializer,
		logger:     o.logger,
		metrics:    o.metrics,
		shared:     map[string]*sharedSubscription{},
	}
}

func (c *Client) Connection() *Connection { return c.conn }

func (c *Client) Query(ctx context.Context, req graphql.Request) (*graphql.Response, error) {
	return c.Execute(ctx, req)
}

func (c *Client) Mutate(ctx context.Context, req graphql.Request) (*graphql.Response, error) {
	return c.Execute(ctx, req)
}

// Execute runs a single result operation. It returns the first data or
// error payload for the operation, an empty response if the server
// completes it without one, or fails. It is never retried: a socket that
// dies after the start was sent yields a ConnectionLostError, since sending
// it again could repeat a mutation.
func (c *Client) Execute(ctx context.Context, req graphql.Request) (*graphql.Response, error) {
	payload, err := c.serializer.Serialize(req)
	if err != nil {
		return nil, err
	}

	id := NewMessageID()
	logger := c.logger.With(zap.Stringer("id", id))

	in := c.conn.Inbound(id)
	defer in.Close()

	gen, err := c.conn.EnsureOpen(ctx)
	if err != nil {
		return nil, err
	}

	c.conn.Bind(in, gen)

	if err := c.conn.send(ctx, gen, newMessage(GQL_START, id, payload)); err != nil {
		return nil, errors.Wrapf(err, "sending start for %s", id)
	}

	for {
		op, err := in.Next(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil, errors.Wrapf(ctx.Err(), "waiting for result of %s", id)
		case IsTransport(err):
			return nil, &ConnectionLostError{ID: id, Err: err}
		default:
			return nil, err
		}

		switch op.Type {
		case GQL_DATA:
			resp, err := c.serializer.DeserializeResponse(op.Payload)
			if err != nil {
				logger.Warn("dropping unparseable data payload", zap.Error(err))
				c.metrics.messageDropped("malformed_payload")
				continue
			}

			return resp, nil
		case GQL_ERROR:
			resp, err := c.serializer.DeserializeError(op.Payload)
			if err != nil {
				logger.Warn("dropping unparseable error payload", zap.Error(err))
				c.metrics.messageDropped("malformed_payload")
				continue
			}

			return resp, nil
		case GQL_COMPLETE:
			return &graphql.Response{}, nil
		default:
			logger.Warn("message of unknown type", zap.Stringer("type", op.Type))
		}
	}
}

// Close disposes of the underlying connection. Running subscriptions end
// with ErrClosed.
func (c *Client) Close() error {
	return c.conn.Close()
}
