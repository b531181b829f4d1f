package middleware

import (
	"net/http"
)

type headerMiddleware struct {
	header http.Header
}

// NewHeaderMiddleware sets header on every request, replacing any values
// already there.
func NewHeaderMiddleware(header http.Header) Middleware {
	return &headerMiddleware{header: header.Clone()}
}

// NewBearerMiddleware authenticates every request with token.
func NewBearerMiddleware(token string) Middleware {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	return &headerMiddleware{header: header}
}

func (m *headerMiddleware) SetHeaders(header http.Header) {
	for k, vs := range m.header {
		header.Del(k)
		for _, v := range vs {
			header.Add(k, v)
		}
	}
}

func (m *headerMiddleware) Middleware(next http.RoundTripper) http.RoundTripper {
	return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		// a RoundTripper must not modify the caller's request
		r = r.Clone(r.Context())
		m.SetHeaders(r.Header)

		return next.RoundTrip(r)
	})
}
