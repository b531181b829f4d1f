package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:   "http only",
			config: Config{HTTPURL: "https://api.example.com/graphql"},
		},
		{
			name:   "socket only",
			config: Config{WebSocketURL: "wss://api.example.com/graphql"},
		},
		{
			name: "both with socket queries",
			config: Config{
				HTTPURL:        "http://localhost:8080/graphql",
				WebSocketURL:   "ws://localhost:8080/graphql",
				QueryTransport: Socket,
			},
		},
		{
			name:    "no endpoints",
			config:  Config{},
			wantErr: "at least one",
		},
		{
			name:    "websocket scheme on http url",
			config:  Config{HTTPURL: "ws://localhost/graphql"},
			wantErr: "http_url",
		},
		{
			name:    "http scheme on websocket url",
			config:  Config{WebSocketURL: "https://localhost/graphql"},
			wantErr: "websocket_url",
		},
		{
			name:    "missing host",
			config:  Config{HTTPURL: "http:///graphql"},
			wantErr: "no host",
		},
		{
			name:    "socket transport without websocket url",
			config:  Config{HTTPURL: "http://localhost/graphql", MutationTransport: Socket},
			wantErr: "mutation_transport is socket",
		},
		{
			name:    "http transport without http url",
			config:  Config{WebSocketURL: "ws://localhost/graphql", QueryTransport: HTTP},
			wantErr: "query_transport is http",
		},
		{
			name:    "unknown transport",
			config:  Config{HTTPURL: "http://localhost/graphql", QueryTransport: "carrier-pigeon"},
			wantErr: "unknown transport",
		},
		{
			name:    "negative timeout",
			config:  Config{WebSocketURL: "ws://localhost/graphql", HandshakeTimeout: -time.Second},
			wantErr: "negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()

			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	both := Config{HTTPURL: "http://localhost/graphql", WebSocketURL: "ws://localhost/graphql"}.withDefaults()
	assert.Equal(t, HTTP, both.QueryTransport)
	assert.Equal(t, HTTP, both.MutationTransport)

	socket := Config{WebSocketURL: "ws://localhost/graphql"}.withDefaults()
	assert.Equal(t, Socket, socket.QueryTransport)
	assert.Equal(t, Socket, socket.MutationTransport)

	explicit := Config{HTTPURL: "http://localhost/graphql", MutationTransport: Socket}.withDefaults()
	assert.Equal(t, HTTP, explicit.QueryTransport)
	assert.Equal(t, Socket, explicit.MutationTransport)
}
