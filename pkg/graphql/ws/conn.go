package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}

	return "unknown"
}

type connectAttempt struct {
	done chan struct{}
	gen  uint64
	err  error
}

// Connection owns one physical socket to a server at a time. It connects
// lazily on first use, coalesces concurrent connect attempts and resets to
// closed when the socket dies, so the next use reconnects.
type Connection struct {
	url    string
	opts   options
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	socket   Socket
	gen      uint64
	attempt  *connectAttempt
	disposed bool

	lifetime context.Context
	cancel   context.CancelFunc

	writeMu sync.Mutex
	bus     *broadcast
}

func NewConnection(url string, opts ...Option) *Connection {
	o := buildOptions(opts)
	lifetime, cancel := context.WithCancel(context.Background())

	c := &Connection{
		url:      url,
		opts:     o,
		logger:   o.logger.With(zap.String("url", url)),
		lifetime: lifetime,
		cancel:   cancel,
		bus:      newBroadcast(o.bufferSize),
	}

	o.metrics.setState(StateClosed)

	return c
}

func (c *Connection) URL() string { return c.url }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// must hold c.mu
func (c *Connection) setState(s State) {
	if c.state != s {
		c.logger.Debug("connection state", zap.Stringer("from", c.state), zap.Stringer("to", s))
	}

	c.state = s
	c.opts.metrics.setState(s)
}

// EnsureOpen returns once the connection is open, connecting if needed, and
// reports the generation of the socket that is open. Callers arriving while
// a connect is in flight wait for that attempt instead of starting their
// own. ctx only bounds the caller's wait; the attempt itself keeps going
// for the benefit of other waiters.
func (c *Connection) EnsureOpen(ctx context.Context) (uint64, error) {
	c.mu.Lock()

	if c.disposed {
		c.mu.Unlock()
		return 0, ErrClosed
	}

	switch c.state {
	case StateOpen:
		gen := c.gen
		c.mu.Unlock()
		return gen, nil
	case StateConnecting:
		attempt := c.attempt
		c.mu.Unlock()
		return c.wait(ctx, attempt)
	case StateClosing:
		c.mu.Unlock()
		return 0, ErrClosed
	}

	attempt := &connectAttempt{done: make(chan struct{})}
	c.attempt = attempt
	c.setState(StateConnecting)
	c.mu.Unlock()

	go c.connect(attempt)

	return c.wait(ctx, attempt)
}

func (c *Connection) wait(ctx context.Context, attempt *connectAttempt) (uint64, error) {
	select {
	case <-attempt.done:
		return attempt.gen, attempt.err
	case <-ctx.Done():
		return 0, errors.Wrap(ctx.Err(), "waiting for connection")
	}
}

func (c *Connection) connect(attempt *connectAttempt) {
	defer close(attempt.done)

	ctx, cancel := context.WithTimeout(c.lifetime, c.opts.handshakeTimeout)
	defer cancel()

	c.logger.Info("connecting")

	socket, err := c.handshake(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempt = nil

	if c.disposed {
		if socket != nil {
			socket.Close()
		}

		attempt.err = ErrClosed
		return
	}

	if err != nil {
		err = &HandshakeError{URL: c.url, Err: err}
		c.setState(StateClosed)

		attempt.err = err
		c.opts.metrics.connectAttempt("failure")
		c.logger.Warn("connect failed", zap.Error(err))
		return
	}

	c.gen++
	c.socket = socket
	attempt.gen = c.gen
	c.setState(StateOpen)
	c.opts.metrics.connectAttempt("success")
	c.logger.Info("connected", zap.Uint64("generation", c.gen))

	go c.readLoop(socket, c.gen)
}

func (c *Connection) handshake(ctx context.Context) (Socket, error) {
	socket, err := c.opts.dialer.DialContext(ctx, c.url, c.opts.header)
	if err != nil {
		return nil, err
	}

	var payload json.RawMessage
	if c.opts.params != nil {
		if payload, err = json.Marshal(c.opts.params); err != nil {
			socket.Close()
			return nil, errors.Wrap(err, "encoding connection params")
		}
	}

	if err := c.writeMessage(socket, newMessage(GQL_CONNECTION_INIT, "", payload)); err != nil {
		socket.Close()
		return nil, err
	}

	op, err := c.readHandshake(ctx, socket)
	if err != nil {
		socket.Close()
		return nil, errors.Wrap(err, "receiving ack message")
	}

	switch op.Type {
	case GQL_CONNECTION_ACK:
		return socket, nil
	case GQL_CONNECTION_ERROR:
		socket.Close()
		return nil, errors.Errorf("server refused connection: %s", op.Payload)
	default:
		socket.Close()
		return nil, errors.Errorf("expected %s, but got %s", GQL_CONNECTION_ACK, op.Type)
	}
}

// lost resets the connection after its socket failed and tells every
// registration bound to that socket.
func (c *Connection) lost(socket Socket, gen uint64, err error) {
	c.mu.Lock()
	current := c.socket == socket
	if current {
		c.socket = nil
		if !c.disposed {
			c.setState(StateClosed)
		}
	}
	disposed := c.disposed
	c.mu.Unlock()

	socket.Close()

	if current && !disposed {
		c.logger.Info("connection lost", zap.Uint64("generation", gen), zap.Error(err))
	}

	c.bus.Fail(gen, &TransportError{Err: errors.Wrap(err, "socket failed")})
}

// Send writes op on the currently open socket.
func (c *Connection) Send(ctx context.Context, op *OperationMessage) error {
	return c.send(ctx, 0, op)
}

// send writes op on the socket of generation gen, or on whichever socket is
// open when gen is zero.
func (c *Connection) send(ctx context.Context, gen uint64, op *OperationMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	socket := c.socket
	open := c.state == StateOpen && socket != nil && (gen == 0 || gen == c.gen)
	current := c.gen
	c.mu.Unlock()

	if !open {
		return &TransportError{Err: ErrNotOpen}
	}

	if err := c.writeMessage(socket, op); err != nil {
		c.lost(socket, current, err)
		return transportError(err)
	}

	return nil
}

// IsOpen reports whether the socket of generation gen is still the open
// one.
func (c *Connection) IsOpen(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state == StateOpen && c.gen == gen
}

// Inbound registers for every envelope carrying id from now on. The inbox
// must be closed by the caller.
func (c *Connection) Inbound(id MessageID) *Inbox {
	return c.bus.Register(id)
}

// Bind ties an inbox to the socket generation its start was sent on, so
// that losing that socket fails the inbox.
func (c *Connection) Bind(in *Inbox, gen uint64) {
	c.bus.bind(in, gen)
}

// Close disposes of the connection: registrations are failed with
// ErrClosed, connection_terminate is sent if a socket is open and any
// later use returns ErrClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}

	c.disposed = true
	socket := c.socket
	c.setState(StateClosing)
	c.mu.Unlock()

	c.bus.FailAll(ErrClosed)
	c.cancel()

	var err error
	if socket != nil {
		if werr := c.writeMessage(socket, newMessage(GQL_CONNECTION_TERMINATE, "", nil)); werr != nil {
			c.logger.Debug("failed to send terminate", zap.Error(werr))
		}

		err = socket.Close()
	}

	c.mu.Lock()
	c.socket = nil
	c.setState(StateClosed)
	c.mu.Unlock()

	c.logger.Info("connection closed")

	return err
}
