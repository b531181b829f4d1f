// Package wstest runs an in-process GraphQL server speaking the graphql-ws
// protocol on a websocket and plain JSON over HTTP, for exercising clients.
package wstest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/graphql-go/graphql"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	gql "github.com/uswitch/gqlws/pkg/graphql"
	"github.com/uswitch/gqlws/pkg/graphql/ws"
)

const Path = "/graphql"

type Server struct {
	*httptest.Server

	logger   *zap.Logger
	schema   graphql.Schema
	hub      *hub
	counter  int64
	upgrader websocket.Upgrader
	handler  ws.OnOperationFunc

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu         sync.Mutex
	sockets    map[*websocket.Conn]struct{}
	connects   int
	lastHeader http.Header
	onConnect  ws.OnConnectFunc
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithConnect vets every connection_init.
func WithConnect(fn ws.OnConnectFunc) Option {
	return func(s *Server) { s.onConnect = fn }
}

func NewServer(opts ...Option) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		logger:  zap.NewNop(),
		hub:     newHub(),
		ctx:     ctx,
		cancel:  cancel,
		sockets: map[*websocket.Conn]struct{}{},
		upgrader: websocket.Upgrader{
			Subprotocols: []string{ws.Subprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	schema, err := NewSchema(&s.counter)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "building schema")
	}

	s.schema = schema
	s.handler = Handler(schema, map[string]StreamFunc{
		"ping":    s.hub.stream("ping"),
		"counter": s.hub.stream("counter"),
	}, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.serveGraphQL)

	s.Server = httptest.NewServer(mux)

	return s, nil
}

// URL of the websocket endpoint.
func (s *Server) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + Path
}

// URL of the HTTP endpoint.
func (s *Server) HTTPURL() string {
	return s.Server.URL + Path
}

// Publish sends value to every subscription on field and reports how many
// there were.
func (s *Server) Publish(field string, value interface{}) int {
	return s.hub.publish(field, value)
}

// Subscribers is the number of running subscriptions on field.
func (s *Server) Subscribers(field string) int {
	return s.hub.count(field)
}

// Connects is the number of websocket connections accepted so far.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connects
}

func (s *Server) Counter() int {
	return int(atomic.LoadInt64(&s.counter))
}

// LastHeader is the header of the most recent HTTP or upgrade request.
func (s *Server) LastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastHeader.Clone()
}

// DropConnections closes every open websocket without a close handshake.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.sockets {
		conn.Close()
	}
}

func (s *Server) Close() {
	s.cancel()
	s.DropConnections()
	s.Server.Close()

	if err := s.group.Wait(); err != nil {
		s.logger.Debug("connection ended with error", zap.Error(err))
	}
}

func (s *Server) serveGraphQL(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.lastHeader = r.Header.Clone()
	s.mu.Unlock()

	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r)
		return
	}

	var req gql.Request

	switch r.Method {
	case http.MethodGet:
		values := r.URL.Query()
		req.Query = values.Get("query")
		req.OperationName = values.Get("operationName")

		if vars := values.Get("variables"); vars != "" {
			if err := json.Unmarshal([]byte(vars), &req.Variables); err != nil {
				http.Error(w, "bad variables", http.StatusBadRequest)
				return
			}
		}
	case http.MethodPost:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	results, err := s.handler(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp, ok := <-results
	if !ok {
		resp = &gql.Response{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.sockets[conn] = struct{}{}
	s.connects++
	s.mu.Unlock()

	s.group.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.sockets, conn)
			s.mu.Unlock()

			conn.Close()
		}()

		channel := ws.NewServerChannel(conn, s.handler)
		channel.Logger = s.logger
		channel.OnConnect = s.onConnect

		if err := channel.Accept(s.ctx); err != nil {
			s.logger.Debug("connection refused", zap.Error(err))
			return nil
		}

		if err := channel.Listen(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Debug("connection ended", zap.Error(err))
		}

		return nil
	})
}
