package ws

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/uswitch/gqlws/pkg/graphql"
)

// ExceptionHandler is consulted when a subscription run fails. Returning
// nil starts the run again from scratch with a new id; returning an error
// ends the stream for every listener with that error.
type ExceptionHandler func(ctx context.Context, err error) error

type subscribeOptions struct {
	handler ExceptionHandler
}

type SubscribeOption func(*subscribeOptions)

// OnException installs the handler governing restarts. Without one,
// transport faults restart the run and everything else ends it.
func OnException(handler ExceptionHandler) SubscribeOption {
	return func(o *subscribeOptions) { o.handler = handler }
}

// Listener is one attachment to a shared subscription.
type Listener struct {
	sub *sharedSubscription
	c   *Client

	q *queue[*graphql.Response]

	done      chan struct{}
	closeOnce sync.Once

	watchMu   sync.Mutex
	stopWatch func() bool

	finished chan struct{}
	endOnce  sync.Once
	err      error
}

func (l *Listener) end(err error) {
	l.endOnce.Do(func() {
		l.err = err
		close(l.finished)
	})
}

// Next blocks for the next response. Once the stream has ended and every
// response delivered before that has been read it returns ErrCompleted, or
// the error that ended the stream.
func (l *Listener) Next(ctx context.Context) (*graphql.Response, error) {
	for {
		if resp, ok := l.q.pop(); ok {
			return resp, nil
		}

		select {
		case <-l.q.wait():
		case <-l.finished:
			if resp, ok := l.q.pop(); ok {
				return resp, nil
			}

			if l.err != nil {
				return nil, l.err
			}

			return nil, ErrCompleted
		case <-l.done:
			return nil, ErrDetached
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Done is closed when the stream has ended.
func (l *Listener) Done() <-chan struct{} { return l.finished }

// Err is the error that ended the stream, nil while it runs or after a
// normal completion.
func (l *Listener) Err() error {
	select {
	case <-l.finished:
		return l.err
	default:
		return nil
	}
}

// Close detaches the listener. When it was the last one the subscription
// is stopped on the server.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		close(l.done)

		l.watchMu.Lock()
		stop := l.stopWatch
		l.watchMu.Unlock()

		if stop != nil {
			stop()
		}

		l.c.detach(l)
	})
}

// sharedSubscription is one running recipe and the listeners that observe
// it. It lives from the first attach until the last detach or the end of
// the stream, whichever comes first.
type sharedSubscription struct {
	key     string
	req     graphql.Request
	payload []byte
	handler ExceptionHandler

	listeners map[*Listener]struct{}
	cancel    context.CancelFunc
	ended     bool
}

// Subscribe attaches a listener to the subscription for req, starting it
// if no listener is attached to an identical request yet. The listener is
// detached when ctx is done or Close is called.
//
// Options only take effect for the call that starts the subscription. A
// listener joining a running one gets the handler chosen by the first
// caller, and its own OnException is discarded.
func (c *Client) Subscribe(ctx context.Context, req graphql.Request, opts ...SubscribeOption) (*Listener, error) {
	o := subscribeOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	key, err := req.Key()
	if err != nil {
		return nil, err
	}

	payload, err := c.serializer.Serialize(req)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := &Listener{
		c:        c,
		q:        newQueue[*graphql.Response](c.conn.opts.bufferSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	c.mu.Lock()
	s, ok := c.shared[key]
	if !ok {
		runCtx, cancel := context.WithCancel(context.Background())
		s = &sharedSubscription{
			key:       key,
			req:       req,
			payload:   payload,
			handler:   o.handler,
			listeners: map[*Listener]struct{}{},
			cancel:    cancel,
		}
		c.shared[key] = s
		c.metrics.subscriptionActive(1)

		go c.run(runCtx, s)
	}
	l.sub = s
	s.listeners[l] = struct{}{}
	c.mu.Unlock()

	if ok && o.handler != nil {
		c.logger.Debug("joined running subscription, ignoring its exception handler", zap.Stringer("request", req))
	}

	stop := context.AfterFunc(ctx, l.Close)
	l.watchMu.Lock()
	l.stopWatch = stop
	l.watchMu.Unlock()

	return l, nil
}

func (c *Client) detach(l *Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := l.sub
	if _, ok := s.listeners[l]; !ok {
		return
	}

	delete(s.listeners, l)

	if len(s.listeners) == 0 && !s.ended {
		s.ended = true
		s.cancel()

		if c.shared[s.key] == s {
			delete(c.shared, s.key)
			c.metrics.subscriptionActive(-1)
		}
	}
}

// finish ends the stream for every attached listener.
func (c *Client) finish(s *sharedSubscription, err error) {
	c.mu.Lock()
	s.ended = true
	if c.shared[s.key] == s {
		delete(c.shared, s.key)
		c.metrics.subscriptionActive(-1)
	}

	listeners := make([]*Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	s.cancel()

	for _, l := range listeners {
		l.end(err)
	}
}

// broadcast queues resp for every attached listener. A listener that stops
// reading only grows its own queue.
func (c *Client) broadcast(s *sharedSubscription, resp *graphql.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for l := range s.listeners {
		l.q.push(resp)
	}
}

// run executes the recipe until it ends normally, is cancelled or the
// failure policy gives up.
func (c *Client) run(ctx context.Context, s *sharedSubscription) {
	logger := c.logger.With(zap.Stringer("request", s.req))

	for attempt := 1; ; attempt++ {
		err := c.runOnce(ctx, s, logger.With(zap.Int("attempt", attempt)))
		if err == nil || ctx.Err() != nil {
			c.finish(s, nil)
			return
		}

		if terminal := c.classify(ctx, s, err); terminal != nil {
			logger.Info("subscription failed", zap.Int("attempt", attempt), zap.Error(terminal))
			c.finish(s, terminal)
			return
		}

		c.metrics.subscriptionRestarted()
		logger.Info("restarting subscription", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// classify returns nil when the run should start again, otherwise the
// error that ends the stream.
func (c *Client) classify(ctx context.Context, s *sharedSubscription, err error) error {
	if errors.Is(err, ErrClosed) {
		return err
	}

	if s.handler != nil {
		return s.handler(ctx, err)
	}

	if IsTransport(err) {
		return nil
	}

	return err
}

// runOnce is a single execution of the recipe: connect, start, forward data
// until complete or error, stop.
func (c *Client) runOnce(ctx context.Context, s *sharedSubscription, logger *zap.Logger) error {
	id := NewMessageID()
	logger = logger.With(zap.Stringer("id", id))

	in := c.conn.Inbound(id)
	defer in.Close()

	gen, err := c.conn.EnsureOpen(ctx)
	if err != nil {
		return err
	}

	c.conn.Bind(in, gen)

	if err := c.conn.send(ctx, gen, newMessage(GQL_START, id, s.payload)); err != nil {
		return err
	}

	defer c.stop(gen, id, logger)

	logger.Debug("subscription started")

	for {
		op, err := in.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return err
		}

		switch op.Type {
		case GQL_DATA:
			resp, err := c.serializer.DeserializeResponse(op.Payload)
			if err != nil {
				logger.Warn("dropping unparseable data payload", zap.Error(err))
				c.metrics.messageDropped("malformed_payload")
				continue
			}

			c.broadcast(s, resp)
		case GQL_ERROR:
			resp, err := c.serializer.DeserializeError(op.Payload)
			if err != nil {
				logger.Warn("dropping unparseable error payload", zap.Error(err))
				c.metrics.messageDropped("malformed_payload")
			} else {
				c.broadcast(s, resp)
			}

			return nil
		case GQL_COMPLETE:
			logger.Debug("subscription completed")
			return nil
		default:
			logger.Warn("message of unknown type", zap.Stringer("type", op.Type))
		}
	}
}

// stop tells the server to stop id, if the socket its start went out on is
// still open. Failures are only logged.
func (c *Client) stop(gen uint64, id MessageID, logger *zap.Logger) {
	if !c.conn.IsOpen(gen) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := c.conn.send(ctx, gen, newMessage(GQL_STOP, id, nil)); err != nil {
		logger.Debug("failed to send stop", zap.Error(err))
	}
}
