package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/uswitch/gqlws/pkg/graphql"
)

type Origin int

const (
	ServerOrigin = Origin(iota)
	ClientOrigin
)

type logged struct {
	origin Origin
	op     OperationMessage
}

// link is an in-memory socket pair. Closing either end fails both.
type link struct {
	closed chan struct{}
	once   sync.Once

	client *pipeEnd
	server *pipeEnd

	mu  sync.Mutex
	log []logged
}

type pipeEnd struct {
	l      *link
	origin Origin
	in     chan []byte
	out    chan []byte
}

func newLink(size int) *link {
	c2s := make(chan []byte, size)
	s2c := make(chan []byte, size)

	l := &link{closed: make(chan struct{})}
	l.client = &pipeEnd{l: l, origin: ClientOrigin, in: s2c, out: c2s}
	l.server = &pipeEnd{l: l, origin: ServerOrigin, in: c2s, out: s2c}

	return l
}

func (l *link) kill() {
	l.once.Do(func() { close(l.closed) })
}

func (l *link) record(origin Origin, data []byte) {
	var op OperationMessage
	if err := json.Unmarshal(data, &op); err != nil {
		return
	}

	l.mu.Lock()
	l.log = append(l.log, logged{origin, op})
	l.mu.Unlock()
}

func (l *link) sequence() []logged {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]logged(nil), l.log...)
}

// send writes an envelope from the server end.
func (l *link) send(typ MessageType, id MessageID, payload string) error {
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}

	data, err := encodeMessage(JSONCodec, newMessage(typ, id, raw))
	if err != nil {
		return err
	}

	return l.server.WriteMessage(websocket.TextMessage, data)
}

func (p *pipeEnd) ReadMessage() (int, []byte, error) {
	select {
	case data := <-p.in:
		return websocket.TextMessage, data, nil
	default:
	}

	select {
	case data := <-p.in:
		return websocket.TextMessage, data, nil
	case <-p.l.closed:
		return 0, nil, errors.New("link closed")
	}
}

func (p *pipeEnd) WriteMessage(typ int, data []byte) error {
	select {
	case <-p.l.closed:
		return errors.New("link closed")
	default:
	}

	p.l.record(p.origin, data)

	select {
	case p.out <- data:
		return nil
	case <-p.l.closed:
		return errors.New("link closed")
	}
}

func (p *pipeEnd) Close() error {
	p.l.kill()
	return nil
}

type started struct {
	link *link
	id   MessageID
	req  graphql.Request
}

// fakeServer scripts the server side of every socket dialled through it.
// Starts and stops are reported on channels; replies are up to the test.
type fakeServer struct {
	refuse  bool
	dialErr error
	gate    chan struct{}

	mu    sync.Mutex
	dials int
	links []*link

	starts     chan started
	stops      chan MessageID
	terminated chan *link
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		starts:     make(chan started, 32),
		stops:      make(chan MessageID, 32),
		terminated: make(chan *link, 8),
	}
}

func (s *fakeServer) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dials++

	if s.dialErr != nil {
		return nil, s.dialErr
	}

	l := newLink(32)
	s.links = append(s.links, l)

	go s.serve(l)

	return l.client, nil
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dials
}

func (s *fakeServer) serve(l *link) {
	for {
		_, data, err := l.server.ReadMessage()
		if err != nil {
			return
		}

		var op OperationMessage
		if err := json.Unmarshal(data, &op); err != nil {
			continue
		}

		switch op.Type {
		case GQL_CONNECTION_INIT:
			s.mu.Lock()
			refuse := s.refuse
			s.mu.Unlock()

			if refuse {
				l.send(GQL_CONNECTION_ERROR, "", `{"message":"not today"}`)
			} else {
				l.send(GQL_CONNECTION_ACK, "", "")
			}
		case GQL_START:
			var req graphql.Request
			json.Unmarshal(op.Payload, &req)
			s.starts <- started{link: l, id: op.MessageID(), req: req}
		case GQL_STOP:
			s.stops <- op.MessageID()
		case GQL_CONNECTION_TERMINATE:
			s.terminated <- l
		}
	}
}

func (s *fakeServer) nextStart(t *testing.T) started {
	t.Helper()

	select {
	case st := <-s.starts:
		return st
	case <-time.After(time.Second):
		require.FailNow(t, "no start message sent")
	}

	return started{}
}

func (s *fakeServer) noStart(t *testing.T, wait time.Duration) {
	t.Helper()

	select {
	case st := <-s.starts:
		require.FailNow(t, "unexpected start message", "id %s", st.id)
	case <-time.After(wait):
	}
}

func (s *fakeServer) nextStop(t *testing.T) MessageID {
	t.Helper()

	select {
	case id := <-s.stops:
		return id
	case <-time.After(time.Second):
		require.FailNow(t, "no stop message sent")
	}

	return ""
}

func (s *fakeServer) noStop(t *testing.T, wait time.Duration) {
	t.Helper()

	select {
	case id := <-s.stops:
		require.FailNow(t, "unexpected stop message", "id %s", id)
	case <-time.After(wait):
	}
}

func newTestClient(t *testing.T, s *fakeServer, opts ...Option) (*Client, *observer.ObservedLogs) {
	t.Helper()

	core, logs := observer.New(zap.DebugLevel)

	opts = append([]Option{
		WithDialer(DialerFunc(s.Dial)),
		WithLogger(zap.New(core)),
		WithHandshakeTimeout(time.Second),
	}, opts...)

	c := New("ws://fake/graphql", opts...)
	t.Cleanup(func() { c.Close() })

	return c, logs
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}
