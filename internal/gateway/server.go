// Package gateway implements the WebSocket request/response/notification
// protocol described in §4.7, dispatching client requests to the Engine
// Manager and broadcasting its events back to every authenticated
// connection. The connection registry is a mutex-guarded map modelled on the
// teacher's websocket.Hub (server/internal/websocket/hub.go), generalized
// from topic-scoped broadcast to the gateway's simpler "every connection
// gets every notification" model (§4.7 invariant).
package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/codegateio/gateway/internal/auth"
	"github.com/codegateio/gateway/internal/enginemanager"
	"github.com/codegateio/gateway/internal/metrics"
)

// TokenValidator verifies a bearer token presented at connection time.
// *auth.Validator satisfies this; tests can supply a stub.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// Config configures a Server.
type Config struct {
	// Path is the WebSocket handshake path. Defaults to "/ws".
	Path string
	// Validator is optional; nil means every connection auto-authenticates
	// (§4.7).
	Validator TokenValidator
	// Metrics is optional; nil disables the connected-clients gauge.
	Metrics *metrics.Registry
}

// Server is the gateway's WebSocket endpoint.
type Server struct {
	cfg     Config
	manager *enginemanager.Manager
	logger  *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	register   chan *client
	unregister chan *client
}

// New creates a Server. Call Run in its own goroutine, then mount Handler()
// on an http.Server.
func New(cfg Config, manager *enginemanager.Manager, logger *zap.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	return &Server{
		cfg:        cfg,
		manager:    manager,
		logger:     logger.Named("gateway"),
		clients:    make(map[*client]struct{}),
		register:   make(chan *client, 16),
		unregister: make(chan *client, 16),
	}
}

// Handler returns the HTTP handler to mount — a Chi router exposing only
// the WebSocket upgrade endpoint, plus request logging/recovery middleware
// in the teacher's style (server/internal/api/router.go).
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get(s.cfg.Path, s.handleWS)
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := newClient(s, w, r, s.logger)
	if err != nil {
		s.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}
	c.run(r.URL.Query().Get("token"))
}

func (s *Server) registerClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConnectedClients.Inc()
	}
}

func (s *Server) unregisterClient(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	if ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	if ok && s.cfg.Metrics != nil {
		s.cfg.Metrics.ConnectedClients.Dec()
	}
}

// broadcast sends frame to every currently connected client. Slow clients
// are disconnected rather than allowed to block delivery to the rest.
func (s *Server) broadcast(frame any) {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- frame:
		default:
			go s.unregisterClient(c)
		}
	}
}

// Run subscribes to the Engine Manager's fan-in eventbus and forwards every
// event as a Notification to all connections, until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	sub, unsubscribe := s.manager.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			n := len(s.clients)
			for c := range s.clients {
				close(c.send)
			}
			s.clients = make(map[*client]struct{})
			s.mu.Unlock()
			if s.cfg.Metrics != nil && n > 0 {
				s.cfg.Metrics.ConnectedClients.Sub(float64(n))
			}
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			s.broadcast(Notification{Type: evt.Topic, Payload: evt.Payload})
		}
	}
}

// ConnectedCount reports the number of open, registered connections.
// Intended for metrics and health endpoints.
func (s *Server) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
