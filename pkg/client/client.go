// Package client sends GraphQL operations over HTTP or a graphql-ws socket,
// picking the channel per operation kind.
package client

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/uswitch/gqlws/pkg/audit"
	"github.com/uswitch/gqlws/pkg/graphql"
	"github.com/uswitch/gqlws/pkg/graphql/httptransport"
	"github.com/uswitch/gqlws/pkg/graphql/ws"
	"github.com/uswitch/gqlws/pkg/middleware"
)

const tracerName = "github.com/uswitch/gqlws/pkg/client"

var ErrNoSocket = errors.New("no websocket url configured")

type options struct {
	logger         *zap.Logger
	tracerProvider trace.TracerProvider
	audit          audit.Logger
	metrics        *ws.Metrics
	dialer         ws.Dialer
	httpClient     *http.Client
	middleware     []middleware.Middleware
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

func WithAuditLogger(l audit.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.audit = l
		}
	}
}

func WithMetrics(m *ws.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithDialer(d ws.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithMiddleware adds RoundTripper middleware after the configured headers.
// Headers they set are also sent with the websocket upgrade.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(o *options) { o.middleware = append(o.middleware, mw...) }
}

type Client struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	audit  audit.Logger

	http   *httptransport.Transport
	socket *ws.Client
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	cfg = cfg.withDefaults()

	o := options{
		logger:         zap.NewNop(),
		tracerProvider: otel.GetTracerProvider(),
		audit:          audit.Nop,
		httpClient:     &http.Client{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	mws := []middleware.Middleware{middleware.NewHeaderMiddleware(header)}
	if cfg.BearerToken != "" {
		mws = append(mws, middleware.NewBearerMiddleware(cfg.BearerToken))
	}
	mws = append(mws, o.middleware...)

	c := &Client{
		cfg:    cfg,
		logger: o.logger,
		tracer: o.tracerProvider.Tracer(tracerName),
		audit:  o.audit,
	}

	if cfg.HTTPURL != "" {
		c.http = httptransport.New(cfg.HTTPURL,
			httptransport.WithHTTPClient(o.httpClient),
			httptransport.WithMiddleware(append(mws, middleware.NewLoggingMiddleware(o.logger))...),
			httptransport.WithLogger(o.logger.Named("http")),
		)
	}

	if cfg.WebSocketURL != "" {
		wsOpts := []ws.Option{
			ws.WithLogger(o.logger.Named("ws")),
			ws.WithHeader(middleware.Headers(mws)),
			ws.WithInitPayload(cfg.InitPayload),
			ws.WithHandshakeTimeout(cfg.HandshakeTimeout),
			ws.WithMetrics(o.metrics),
			ws.WithDialer(o.dialer),
		}
		if cfg.WriteTimeout > 0 {
			wsOpts = append(wsOpts, ws.WithWriteTimeout(cfg.WriteTimeout))
		}

		c.socket = ws.New(cfg.WebSocketURL, wsOpts...)
	}

	return c, nil
}

func (c *Client) Query(ctx context.Context, req graphql.Request) (*graphql.Response, error) {
	return c.execute(ctx, graphql.KindQuery, c.cfg.QueryTransport, req)
}

func (c *Client) Mutate(ctx context.Context, req graphql.Request) (*graphql.Response, error) {
	return c.execute(ctx, graphql.KindMutation, c.cfg.MutationTransport, req)
}

// Do runs req as a query or mutation depending on the operation its
// document selects.
func (c *Client) Do(ctx context.Context, req graphql.Request) (*graphql.Response, error) {
	kind, err := req.Kind()
	if err != nil {
		return nil, err
	}

	switch kind {
	case graphql.KindQuery:
		return c.Query(ctx, req)
	case graphql.KindMutation:
		return c.Mutate(ctx, req)
	case graphql.KindSubscription:
		return nil, errors.New("subscriptions produce many results, use Subscribe")
	}

	return nil, errors.Errorf("unknown operation kind %q", kind)
}

// Subscribe starts or joins a subscription on the socket. The span covers
// attaching only; results arrive on the listener.
func (c *Client) Subscribe(ctx context.Context, req graphql.Request, opts ...ws.SubscribeOption) (*ws.Listener, error) {
	ctx, span := c.startSpan(ctx, graphql.KindSubscription, Socket, req)
	defer span.End()

	start := time.Now()

	if c.socket == nil {
		c.finish(ctx, span, graphql.KindSubscription, Socket, req, start, nil, ErrNoSocket)
		return nil, ErrNoSocket
	}

	l, err := c.socket.Subscribe(ctx, req, opts...)
	c.finish(ctx, span, graphql.KindSubscription, Socket, req, start, nil, err)

	return l, err
}

func (c *Client) Close() error {
	if c.socket == nil {
		return nil
	}

	return c.socket.Close()
}

// Socket is the websocket client, nil without a websocket url.
func (c *Client) Socket() *ws.Client { return c.socket }

func (c *Client) execute(ctx context.Context, kind graphql.OperationKind, transport TransportKind, req graphql.Request) (*graphql.Response, error) {
	ctx, span := c.startSpan(ctx, kind, transport, req)
	defer span.End()

	start := time.Now()

	var (
		resp *graphql.Response
		err  error
	)

	switch {
	case transport == Socket:
		resp, err = c.socket.Execute(ctx, req)
	case kind == graphql.KindQuery && c.cfg.UseGETForQueries:
		resp, err = c.http.Get(ctx, req)
	default:
		resp, err = c.http.Post(ctx, req)
	}

	c.finish(ctx, span, kind, transport, req, start, resp, err)

	return resp, err
}

func (c *Client) startSpan(ctx context.Context, kind graphql.OperationKind, transport TransportKind, req graphql.Request) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "graphql."+string(kind),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("graphql.operation.type", string(kind)),
			attribute.String("graphql.operation.name", req.OperationName),
			attribute.String("graphql.transport", string(transport)),
		),
	)
}

func (c *Client) finish(ctx context.Context, span trace.Span, kind graphql.OperationKind, transport TransportKind, req graphql.Request, start time.Time, resp *graphql.Response, err error) {
	outcome := "ok"

	switch {
	case err != nil:
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case resp.HasErrors():
		outcome = "errors"
		span.SetAttributes(attribute.Int("graphql.errors", len(resp.Errors)))
	}

	logger := c.logger.With(
		zap.String("kind", string(kind)),
		zap.String("transport", string(transport)),
		zap.Duration("duration", time.Since(start)),
	)
	if err != nil {
		logger.Debug("operation failed", zap.Error(err))
	} else {
		logger.Debug("operation finished", zap.String("outcome", outcome))
	}

	data := audit.AuditData{
		"kind":      string(kind),
		"transport": string(transport),
		"query":     req.Query,
		"outcome":   outcome,
	}
	if req.OperationName != "" {
		data["operation_name"] = req.OperationName
	}
	if len(req.Variables) > 0 {
		data["variables"] = req.Variables
	}
	if err != nil {
		data["error"] = err.Error()
	}

	c.audit.Log(ctx, data)
}
