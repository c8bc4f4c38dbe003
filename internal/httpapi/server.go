// Package httpapi serves the Tavern JSON API, the chat websocket and the
// operational endpoints on a single [http.ServeMux].
//
// Routes:
//
//	GET    /api/chats                             persona list for chat UIs
//	GET    /api/npcs                              persona list
//	GET    /api/npcs/search?q=                    fuzzy persona search
//	POST   /api/npc                               create persona
//	GET    /api/npc/{id}                          read persona
//	PUT    /api/npc/{id}                          patch persona
//	DELETE /api/npc/{id}                          delete persona and its conversations
//	POST   /api/{persona_id}                      one chat turn
//	GET    /api/conversation/{persona_id}/history history of the pair's conversation
//	DELETE /api/conversation/{persona_id}         end the pair's conversation
//	GET    /api/user/{user_id}/conversations      a user's conversations
//	GET    /api/conversations/stats               conversation counters
//	GET    /api/stats                             persona and conversation counters
//	GET    /api/health                            liveness with persona count
//	GET    /ws/{persona_id}                       chat websocket
package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/tavern/internal/dialogue"
	"github.com/MrWong99/tavern/internal/health"
	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/internal/personamatch"
	"github.com/MrWong99/tavern/pkg/chatstore"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// defaultUserConversations is the page size of the per-user listing.
const defaultUserConversations = 20

// Deps are the collaborators a [Server] serves.
type Deps struct {
	Store    chatstore.Store
	Dialogue *dialogue.Service

	// Matcher ranks personas for search. Defaults to [personamatch.New].
	Matcher *personamatch.Matcher

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Health, when set, is mounted at /healthz and /readyz.
	Health *health.Handler

	// MetricsHandler, when set, is mounted at GET /metrics.
	MetricsHandler http.Handler

	// MCP, when set, is mounted at MCPPath.
	MCP     http.Handler
	MCPPath string
}

// Option configures a [Server].
type Option func(*Server)

// WithCORSOrigins allows browser calls from the given origins. "*" allows
// any origin.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.cors = newCORS(origins) }
}

// WithDefaultUser sets the user id assumed when a request names none.
func WithDefaultUser(user string) Option {
	return func(s *Server) { s.SetDefaultUser(user) }
}

// WithClock overrides the clock used for response timestamps.
func WithClock(now chatstore.Clock) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server is the HTTP front door. Create it with [New] and serve [Server.Handler].
type Server struct {
	deps Deps
	cors *cors
	now  chatstore.Clock

	mu          sync.RWMutex
	defaultUser string
}

// New creates a [Server].
func New(deps Deps, opts ...Option) *Server {
	if deps.Matcher == nil {
		deps.Matcher = personamatch.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	s := &Server{
		deps:        deps,
		cors:        newCORS(nil),
		now:         time.Now,
		defaultUser: "default_user",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetDefaultUser changes the fallback user id for subsequent requests.
func (s *Server) SetDefaultUser(user string) {
	if user == "" {
		return
	}
	s.mu.Lock()
	s.defaultUser = user
	s.mu.Unlock()
}

func (s *Server) userOr(user string) string {
	if user != "" {
		return user
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultUser
}

// Handler returns the routed handler wrapped in CORS and observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// ── Personas ──
	mux.HandleFunc("GET /api/chats", s.handleChats)
	mux.HandleFunc("GET /api/npcs", s.handleListPersonas)
	mux.HandleFunc("GET /api/npcs/search", s.handleSearchPersonas)
	mux.HandleFunc("POST /api/npc", s.handleCreatePersona)
	mux.HandleFunc("GET /api/npc/{id}", s.handleGetPersona)
	mux.HandleFunc("PUT /api/npc/{id}", s.handleUpdatePersona)
	mux.HandleFunc("DELETE /api/npc/{id}", s.handleDeletePersona)

	// ── Chat ──
	mux.HandleFunc("POST /api/{persona_id}", s.handleTurn)
	mux.HandleFunc("GET /ws/{persona_id}", s.handleWebsocket)

	// ── Conversations ──
	mux.HandleFunc("GET /api/conversation/{persona_id}/history", s.handleHistory)
	mux.HandleFunc("DELETE /api/conversation/{persona_id}", s.handleEndConversation)
	mux.HandleFunc("GET /api/user/{user_id}/conversations", s.handleUserConversations)
	mux.HandleFunc("GET /api/conversations/stats", s.handleConversationStats)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	// ── Operations ──
	if s.deps.Health != nil {
		s.deps.Health.Register(mux)
	}
	if s.deps.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.deps.MetricsHandler)
	}
	if s.deps.MCP != nil && s.deps.MCPPath != "" {
		mux.Handle(s.deps.MCPPath, s.deps.MCP)
	}

	return s.cors.wrap(observe.Middleware(s.deps.Metrics)(mux))
}
