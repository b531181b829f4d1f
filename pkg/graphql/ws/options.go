package ws

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/uswitch/gqlws/pkg/graphql"
)

const (
	defaultBufferSize       = 16
	defaultHandshakeTimeout = 30 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	stopTimeout             = 5 * time.Second
)

type options struct {
	logger     *zap.Logger
	dialer     Dialer
	header     http.Header
	params     ConnectionParams
	metrics    *Metrics
	serializer graphql.Serializer
	codec      Codec

	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	bufferSize       int
}

func defaultOptions() options {
	return options{
		logger:           zap.NewNop(),
		dialer:           NewWebsocketDialer(),
		header:           http.Header{},
		serializer:       graphql.JSON,
		codec:            JSONCodec,
		handshakeTimeout: defaultHandshakeTimeout,
		writeTimeout:     defaultWriteTimeout,
		bufferSize:       defaultBufferSize,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// Option configures a Connection or a Client.
type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithDialer(dialer Dialer) Option {
	return func(o *options) {
		if dialer != nil {
			o.dialer = dialer
		}
	}
}

// WithHeader adds headers sent with the websocket upgrade request.
func WithHeader(header http.Header) Option {
	return func(o *options) {
		for k, vs := range header {
			for _, v := range vs {
				o.header.Add(k, v)
			}
		}
	}
}

// WithInitPayload sets the payload of connection_init.
func WithInitPayload(params ConnectionParams) Option {
	return func(o *options) { o.params = params }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithSerializer(s graphql.Serializer) Option {
	return func(o *options) {
		if s != nil {
			o.serializer = s
		}
	}
}

// WithCodec sets how envelopes are framed on the socket.
func WithCodec(codec Codec) Option {
	return func(o *options) {
		if codec != nil {
			o.codec = codec
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithWriteTimeout bounds each socket write; zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithBufferSize sets the starting capacity of each per-id and
// per-listener queue. Queues grow past it rather than make the socket
// reader wait.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}
