package client

import (
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/uswitch/gqlws/pkg/graphql/ws"
)

// TransportKind names the channel a query or mutation is sent on.
type TransportKind string

const (
	HTTP   TransportKind = "http"
	Socket TransportKind = "socket"
)

type Config struct {
	HTTPURL      string `json:"http_url" mapstructure:"http_url"`
	WebSocketURL string `json:"websocket_url" mapstructure:"websocket_url"`

	QueryTransport    TransportKind `json:"query_transport" mapstructure:"query_transport"`
	MutationTransport TransportKind `json:"mutation_transport" mapstructure:"mutation_transport"`
	UseGETForQueries  bool          `json:"use_get_for_queries" mapstructure:"use_get_for_queries"`

	Headers     map[string]string `json:"headers" mapstructure:"headers"`
	BearerToken string            `json:"bearer_token" mapstructure:"bearer_token"`

	HandshakeTimeout time.Duration       `json:"handshake_timeout" mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration       `json:"write_timeout" mapstructure:"write_timeout"`
	InitPayload      ws.ConnectionParams `json:"init_payload" mapstructure:"init_payload"`
}

// withDefaults picks HTTP for unset transports when there is an HTTP
// endpoint, the socket otherwise.
func (c Config) withDefaults() Config {
	fallback := Socket
	if c.HTTPURL != "" {
		fallback = HTTP
	}

	if c.QueryTransport == "" {
		c.QueryTransport = fallback
	}

	if c.MutationTransport == "" {
		c.MutationTransport = fallback
	}

	return c
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(err, "parsing %q", raw)
	}

	for _, scheme := range schemes {
		if u.Scheme == scheme {
			if u.Host == "" {
				return errors.Errorf("%q has no host", raw)
			}

			return nil
		}
	}

	return errors.Errorf("%q must use one of the schemes %v", raw, schemes)
}

func (c Config) Validate() error {
	c = c.withDefaults()

	if c.HTTPURL == "" && c.WebSocketURL == "" {
		return errors.New("at least one of http_url and websocket_url is required")
	}

	if c.HTTPURL != "" {
		if err := checkURL(c.HTTPURL, "http", "https"); err != nil {
			return errors.Wrap(err, "http_url")
		}
	}

	if c.WebSocketURL != "" {
		if err := checkURL(c.WebSocketURL, "ws", "wss"); err != nil {
			return errors.Wrap(err, "websocket_url")
		}
	}

	for name, kind := range map[string]TransportKind{
		"query_transport":    c.QueryTransport,
		"mutation_transport": c.MutationTransport,
	} {
		switch kind {
		case HTTP:
			if c.HTTPURL == "" {
				return errors.Errorf("%s is http but http_url is not set", name)
			}
		case Socket:
			if c.WebSocketURL == "" {
				return errors.Errorf("%s is socket but websocket_url is not set", name)
			}
		default:
			return errors.Errorf("%s has unknown transport %q", name, kind)
		}
	}

	if c.HandshakeTimeout < 0 || c.WriteTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}

	return nil
}
