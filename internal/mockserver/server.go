// Package mockserver is an in-memory document database that speaks the RPC
// and REST wire formats. It backs the end-to-end tests of both clients.
package mockserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/surrealnet/internal/logger"
)

// DefaultVersion is reported by the version method and route.
const DefaultVersion = "surrealdb-1.0.0"

// Options configures a Server.
type Options struct {
	// Users maps usernames to passwords. Defaults to root/root.
	Users   map[string]string
	Version string
	Logger  *slog.Logger
}

// liveQuery is a table subscription owned by one RPC connection.
type liveQuery struct {
	id     string
	scope  scope
	table  string
	client *client
}

// Server is the mock database. Serve its Handler with net/http or httptest.
type Server struct {
	store    *store
	version  string
	logger   *slog.Logger
	upgrader websocket.Upgrader
	handlers map[string]rpcHandler
	clients  sync.Map // map[string]*client

	mu   sync.RWMutex
	live map[string]*liveQuery
}

// New creates a server with an empty store.
func New(opts Options) *Server {
	if opts.Users == nil {
		opts.Users = map[string]string{"root": "root"}
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}

	s := &Server{
		store:   newStore(opts.Users),
		version: opts.Version,
		logger:  opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		live: make(map[string]*liveQuery),
	}
	s.handlers = s.rpcHandlers()
	return s
}

// Handler returns the HTTP handler serving /rpc and the REST routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleWebSocket)
	mux.HandleFunc("/key/", s.handleKey)
	mux.HandleFunc("/sql", s.handleSQL)
	mux.HandleFunc("/signin", s.handleSignin)
	mux.HandleFunc("/signup", s.handleSignup)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)
	return mux
}

// Push writes a raw frame to every connected RPC client.
func (s *Server) Push(frame []byte) {
	s.clients.Range(func(_, value any) bool {
		if c, ok := value.(*client); ok {
			c.write(frame)
		}
		return true
	})
}

// Clients returns the number of connected RPC clients.
func (s *Server) Clients() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// LiveQueries returns the number of registered live queries.
func (s *Server) LiveQueries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// DropClients closes every RPC connection without a close handshake.
func (s *Server) DropClients() {
	s.clients.Range(func(_, value any) bool {
		if c, ok := value.(*client); ok {
			c.ws.Close()
		}
		return true
	})
}

// Close closes every RPC connection with a normal close frame.
func (s *Server) Close(ctx context.Context) {
	s.clients.Range(func(_, value any) bool {
		if c, ok := value.(*client); ok {
			c.close(ctx)
		}
		return true
	})
}

func (s *Server) addLive(lq *liveQuery) {
	s.mu.Lock()
	s.live[lq.id] = lq
	s.mu.Unlock()
}

func (s *Server) killLive(id string, owner *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	lq, ok := s.live[id]
	if !ok || lq.client != owner {
		return false
	}
	delete(s.live, id)
	return true
}

func (s *Server) dropLive(owner *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, lq := range s.live {
		if lq.client == owner {
			delete(s.live, id)
		}
	}
}

// notify pushes each change to the live queries watching its table.
func (s *Server) notify(changes []change) {
	if len(changes) == 0 {
		return
	}

	s.mu.RLock()
	var targets []*liveQuery
	for _, lq := range s.live {
		targets = append(targets, lq)
	}
	s.mu.RUnlock()

	for _, ch := range changes {
		for _, lq := range targets {
			if lq.scope != ch.scope || lq.table != ch.table {
				continue
			}
			payload, err := marshal(map[string]any{
				"id":     lq.id,
				"action": ch.action,
				"result": ch.record,
			})
			if err != nil {
				continue
			}
			lq.client.send(frame{
				ID:     lq.id,
				Method: "notify",
				Params: []json.RawMessage{payload},
			})
		}
	}
}
