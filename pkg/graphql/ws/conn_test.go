package ws

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEnsureOpenCoalescesConcurrentCallers(t *testing.T) {
	s := newFakeServer()
	s.gate = make(chan struct{})

	c, _ := newTestClient(t, s)
	ctx := testContext(t)

	const callers = 10

	var wg sync.WaitGroup
	gens := make([]uint64, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gens[i], errs[i] = c.Connection().EnsureOpen(ctx)
		}(i)
	}

	require.Eventually(t, func() bool {
		return c.Connection().State() == StateConnecting
	}, time.Second, time.Millisecond)

	close(s.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, uint64(1), gens[i])
	}

	assert.Equal(t, 1, s.dialCount())
	assert.Equal(t, StateOpen, c.Connection().State())
}

func TestEnsureOpenWaitIsBoundByCallerContext(t *testing.T) {
	s := newFakeServer()
	s.gate = make(chan struct{})

	c, _ := newTestClient(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Connection().EnsureOpen(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	close(s.gate)

	gen, err := c.Connection().EnsureOpen(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	assert.Equal(t, 1, s.dialCount())
}

func TestEnsureOpenRefusedHandshake(t *testing.T) {
	s := newFakeServer()
	s.refuse = true

	m := NewMetrics("test")
	c, _ := newTestClient(t, s, WithMetrics(m))

	_, err := c.Connection().EnsureOpen(testContext(t))
	require.Error(t, err)
	assert.True(t, IsHandshake(err))
	assert.False(t, IsTransport(err))
	assert.Contains(t, err.Error(), "not today")
	assert.Equal(t, StateClosed, c.Connection().State())

	_, err = c.Connection().EnsureOpen(testContext(t))
	require.Error(t, err)
	assert.Equal(t, 2, s.dialCount())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.connects.WithLabelValues("failure")))
}

func TestEnsureOpenDialFailure(t *testing.T) {
	s := newFakeServer()
	s.dialErr = errors.New("connection refused")

	c, _ := newTestClient(t, s)

	_, err := c.Connection().EnsureOpen(testContext(t))
	require.Error(t, err)
	assert.True(t, IsHandshake(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHandshakeSendsInitPayloadAndHeader(t *testing.T) {
	var gotHeader http.Header
	s := newFakeServer()

	dialer := DialerFunc(func(ctx context.Context, url string, header http.Header) (Socket, error) {
		gotHeader = header
		return s.Dial(ctx, url, header)
	})

	header := http.Header{}
	header.Set("Authorization", "Bearer abc")

	c, _ := newTestClient(t, s,
		WithDialer(dialer),
		WithHeader(header),
		WithInitPayload(ConnectionParams{"token": "abc"}),
	)

	_, err := c.Connection().EnsureOpen(testContext(t))
	require.NoError(t, err)

	assert.Equal(t, "Bearer abc", gotHeader.Get("Authorization"))

	seq := s.links[0].sequence()
	require.NotEmpty(t, seq)
	assert.Equal(t, GQL_CONNECTION_INIT, seq[0].op.Type)
	assert.JSONEq(t, `{"token":"abc"}`, string(seq[0].op.Payload))
}

func TestHandshakeSkipsKeepAlive(t *testing.T) {
	s := newFakeServer()

	dialer := DialerFunc(func(ctx context.Context, url string, header http.Header) (Socket, error) {
		l := newLink(8)
		go func() {
			l.server.ReadMessage()
			l.send(GQL_CONNECTION_KEEP_ALIVE, "", "")
			l.send(GQL_CONNECTION_ACK, "", "")
		}()

		return l.client, nil
	})

	c, _ := newTestClient(t, s, WithDialer(dialer))

	_, err := c.Connection().EnsureOpen(testContext(t))
	require.NoError(t, err)
}

func TestHandshakeTimeout(t *testing.T) {
	s := newFakeServer()

	dialer := DialerFunc(func(ctx context.Context, url string, header http.Header) (Socket, error) {
		return newLink(8).client, nil
	})

	c, _ := newTestClient(t, s, WithDialer(dialer), WithHandshakeTimeout(20*time.Millisecond))

	_, err := c.Connection().EnsureOpen(testContext(t))
	require.Error(t, err)
	assert.True(t, IsHandshake(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestReconnectAfterSocketLoss(t *testing.T) {
	s := newFakeServer()
	c, _ := newTestClient(t, s)
	ctx := testContext(t)

	gen, err := c.Connection().EnsureOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	s.links[0].kill()

	require.Eventually(t, func() bool {
		return c.Connection().State() == StateClosed
	}, time.Second, time.Millisecond)

	gen, err = c.Connection().EnsureOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen)
	assert.Equal(t, 2, s.dialCount())
}

func TestSendWhenNotOpen(t *testing.T) {
	s := newFakeServer()
	c, _ := newTestClient(t, s)

	err := c.Connection().Send(testContext(t), newMessage(GQL_STOP, "x", nil))
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.True(t, errors.Is(err, ErrNotOpen))
}

func TestCloseTerminatesAndDisposes(t *testing.T) {
	s := newFakeServer()
	c, _ := newTestClient(t, s)
	ctx := testContext(t)

	_, err := c.Connection().EnsureOpen(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Close())

	select {
	case l := <-s.terminated:
		assert.Equal(t, s.links[0], l)
	case <-time.After(time.Second):
		require.FailNow(t, "no terminate message sent")
	}

	assert.Equal(t, StateClosed, c.Connection().State())

	_, err = c.Connection().EnsureOpen(ctx)
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, 1, s.dialCount())

	require.NoError(t, c.Close())
}

func TestCloseFailsWaitingInboxes(t *testing.T) {
	s := newFakeServer()
	c, _ := newTestClient(t, s)

	in := c.Connection().Inbound("abc")
	defer in.Close()

	require.NoError(t, c.Close())

	_, err := in.Next(testContext(t))
	assert.Equal(t, ErrClosed, err)
}

func TestReadLoopDropsBadFrames(t *testing.T) {
	s := newFakeServer()
	m := NewMetrics("test")
	c, _ := newTestClient(t, s, WithMetrics(m))

	_, err := c.Connection().EnsureOpen(testContext(t))
	require.NoError(t, err)

	l := s.links[0]
	require.NoError(t, l.server.WriteMessage(1, []byte("not json")))
	require.NoError(t, l.server.WriteMessage(1, []byte(`{"id":"abc"}`)))
	require.NoError(t, l.send(GQL_START, "abc", ""))
	require.NoError(t, l.send(GQL_DATA, "", `{"data":null}`))
	require.NoError(t, l.send(GQL_DATA, "nobody", `{"data":null}`))
	require.NoError(t, l.send(GQL_CONNECTION_ERROR, "", `{"message":"late"}`))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.dropped.WithLabelValues("malformed")) == 2 &&
			testutil.ToFloat64(m.dropped.WithLabelValues("unexpected_type")) == 1 &&
			testutil.ToFloat64(m.dropped.WithLabelValues("missing_id")) == 1 &&
			testutil.ToFloat64(m.dropped.WithLabelValues("unrouted")) == 1 &&
			testutil.ToFloat64(m.dropped.WithLabelValues("connection_error")) == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, StateOpen, c.Connection().State())
}

func TestStateMetric(t *testing.T) {
	s := newFakeServer()
	m := NewMetrics("test")
	c, _ := newTestClient(t, s, WithMetrics(m))

	assert.Equal(t, float64(StateClosed), testutil.ToFloat64(m.state))

	_, err := c.Connection().EnsureOpen(testContext(t))
	require.NoError(t, err)

	assert.Equal(t, float64(StateOpen), testutil.ToFloat64(m.state))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connects.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sent.WithLabelValues("connection_init")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.received.WithLabelValues("connection_ack")))

	require.NoError(t, c.Close())
	assert.Equal(t, float64(StateClosed), testutil.ToFloat64(m.state))
}

func TestMetricsRegister(t *testing.T) {
	m := NewMetrics("test")

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(m))

	assert.Equal(t, 3, testutil.CollectAndCount(m))
}

// stuckDeadlineSocket refuses write deadlines but still writes.
type stuckDeadlineSocket struct {
	*pipeEnd
}

func (stuckDeadlineSocket) SetWriteDeadline(time.Time) error {
	return errors.New("deadline not supported")
}

func TestWriteDeadlineFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	c := NewConnection("ws://fake/graphql", WithLogger(zap.New(core)), WithWriteTimeout(time.Second))
	defer c.Close()

	l := newLink(4)
	require.NoError(t, c.writeMessage(stuckDeadlineSocket{l.client}, newMessage(GQL_CONNECTION_INIT, "", nil)))

	assert.Equal(t, 1, logs.FilterMessage("failed to set write deadline").Len())
	assert.Len(t, l.sequence(), 1)
}
