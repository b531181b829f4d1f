package middleware

import (
	"net/http"
)

// Middleware decorates the round trips made by an HTTP client.
type Middleware interface {
	Middleware(http.RoundTripper) http.RoundTripper
}

// Wrap applies middleware so that the first one sees a request first.
func Wrap(middleware []Middleware, rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}

	h := rt

	for i := len(middleware) - 1; i >= 0; i = i - 1 {
		h = middleware[i].Middleware(h)
	}

	return h
}

type MiddlewareFunc func(http.RoundTripper) http.RoundTripper

func (fn MiddlewareFunc) Middleware(rt http.RoundTripper) http.RoundTripper {
	return fn(rt)
}

var PassThru = MiddlewareFunc(func(rt http.RoundTripper) http.RoundTripper {
	return rt
})

type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (fn RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return fn(r)
}

// HeaderSetter is implemented by middleware that only adds headers. Those
// headers can then be sent on requests that don't go through a
// RoundTripper, like a websocket upgrade.
type HeaderSetter interface {
	SetHeaders(http.Header)
}

// Headers collects the headers every HeaderSetter in middleware would add.
func Headers(middleware []Middleware) http.Header {
	header := http.Header{}

	for _, m := range middleware {
		if setter, ok := m.(HeaderSetter); ok {
			setter.SetHeaders(header)
		}
	}

	return header
}
