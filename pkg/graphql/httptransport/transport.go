// Package httptransport sends GraphQL operations as plain HTTP requests.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/uswitch/gqlws/pkg/graphql"
	"github.com/uswitch/gqlws/pkg/middleware"
)

// maxBody bounds how much of a response body is read.
var maxBody int64 = 16 << 20

// StatusError is returned for a non 2xx response whose body is not a
// GraphQL response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

type Transport struct {
	url        string
	client     *http.Client
	serializer graphql.Serializer
	logger     *zap.Logger
	useGET     bool
}

type Option func(*Transport)

func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithMiddleware wraps the client's RoundTripper.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(t *Transport) {
		client := *t.client
		client.Transport = middleware.Wrap(mw, client.Transport)
		t.client = &client
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithSerializer(s graphql.Serializer) Option {
	return func(t *Transport) {
		if s != nil {
			t.serializer = s
		}
	}
}

// WithGET makes Execute send requests as GET with URL parameters.
func WithGET(useGET bool) Option {
	return func(t *Transport) { t.useGET = useGET }
}

func New(endpoint string, opts ...Option) *Transport {
	t := &Transport{
		url:        endpoint,
		client:     &http.Client{},
		serializer: graphql.JSON,
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Transport) URL() string { return t.url }

// Execute sends req with the configured method.
func (t *Transport) Execute(ctx context.Context, req graphql.Request) (*graphql.Response, error) {
	if t.useGET {
		return t.Get(ctx, req)
	}

	return t.Post(ctx, req)
}

// Post sends req as a JSON body.
func (t *Transport) Post(ctx context.Context, req graphql.Request) (*graphql.Response, error) {
	body, err := t.serializer.Serialize(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}

	httpReq.Header.Set("Content-Type", "application/json")

	return t.do(httpReq)
}

// Get sends req as query, operationName, variables and extensions URL
// parameters. It should only carry queries.
func (t *Transport) Get(ctx context.Context, req graphql.Request) (*graphql.Response, error) {
	if req.Query == "" {
		return nil, errors.New("request has an empty query")
	}

	u, err := url.Parse(t.url)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing url %s", t.url)
	}

	values := u.Query()
	values.Set("query", req.Query)

	if req.OperationName != "" {
		values.Set("operationName", req.OperationName)
	}

	for name, param := range map[string]map[string]interface{}{
		"variables":  req.Variables,
		"extensions": req.Extensions,
	} {
		if len(param) == 0 {
			continue
		}

		encoded, err := json.Marshal(param)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding %s", name)
		}

		values.Set(name, string(encoded))
	}

	u.RawQuery = values.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}

	return t.do(httpReq)
}

func (t *Transport) do(httpReq *http.Request) (*graphql.Response, error) {
	httpReq.Header.Set("Accept", "application/json")

	logger := t.logger.With(zap.String("method", httpReq.Method), zap.String("url", t.url))

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", httpReq.Method, t.url)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBody+1))
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}

	if int64(len(body)) > maxBody {
		return nil, errors.Errorf("response body exceeds %d bytes", maxBody)
	}

	logger.Debug("response", zap.Int("status", httpResp.StatusCode), zap.Int("bytes", len(body)))

	resp, decodeErr := t.serializer.DeserializeResponse(body)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		// a 4xx may still carry a GraphQL response
		if decodeErr == nil && (resp.HasErrors() || len(resp.Data) > 0) {
			return resp, nil
		}

		return nil, &StatusError{StatusCode: httpResp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	if decodeErr != nil {
		return nil, decodeErr
	}

	return resp, nil
}
