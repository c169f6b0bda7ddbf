// Package dashboard fans out mirror change events over WebSocket.
//
// One connection identifies itself as the producer with the handshake
// {"who":"server","payload":"init"}. Every later message from the producer
// has its payload forwarded to all other connections, the subscribers.
// Subscribers only listen; anything they send is logged and dropped.
//
// The server also exposes /health, Prometheus /metrics and /value, a
// cached value that answers 503 while it is being refreshed.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/steveyegge/ofmlsync/internal/metrics"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. ":8765". Port 0 picks a free port.
	Addr string
	// WriteTimeout bounds every send to one connection (default: 5s).
	WriteTimeout time.Duration
	// Values backs /value. Nil disables the endpoint.
	Values ValueSource
	Logger *zap.Logger
}

// Server manages WebSocket connections and broadcasts producer messages.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	router   *chi.Mux
	listener net.Listener
	server   *http.Server

	// mu guards the subscriber set, the producer slot and every broadcast.
	mu          sync.Mutex
	subscribers map[*websocket.Conn]struct{}
	producer    *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a broadcaster. Call Start to listen.
func NewServer(cfg Config) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		router:      chi.NewRouter(),
		subscribers: make(map[*websocket.Conn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/ws", s.handleWebSocket)
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())
	s.router.Get("/value", s.handleValue)
}

// Handler returns the HTTP handler, for embedding or httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("broadcaster listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes every connection and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.subscribers)+1)
	for conn := range s.subscribers {
		conns = append(conns, conn)
	}
	if s.producer != nil {
		conns = append(conns, s.producer)
	}
	s.mu.Unlock()

	// Read loops take mu on their way out, so close outside the lock.
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	s.logger.Info("broadcaster stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// SubscriberCount returns the number of connected subscribers.
func (s *Server) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// HasProducer reports whether a producer is registered.
func (s *Server) HasProducer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.producer != nil
}

// Broadcast sends data to every subscriber and returns how many sends
// succeeded. A failed send is logged and skipped; the connection is
// removed by its own read loop.
func (s *Server) Broadcast(data []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sent := 0
	for conn := range s.subscribers {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			metrics.BroadcastMessages.WithLabelValues("failed").Inc()
			s.logger.Warn("failed to send to subscriber", zap.Error(err))
			continue
		}
		metrics.BroadcastMessages.WithLabelValues("ok").Inc()
		sent++
	}
	return sent
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.subscribers[conn] = struct{}{}
	n := len(s.subscribers)
	s.mu.Unlock()
	metrics.Subscribers.Set(float64(n))
	s.logger.Debug("connection opened", zap.String("remote", r.RemoteAddr), zap.Int("subscribers", n))

	s.readLoop(conn)
}

// readLoop handles one connection until it disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.remove(conn)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}

		env, err := parseEnvelope(data)
		if err != nil {
			s.logger.Warn("dropping message", zap.Error(err))
			continue
		}

		if env.IsInit() {
			if !s.register(conn) {
				s.logger.Warn("rejecting second producer")
				_ = conn.Close(websocket.StatusPolicyViolation, "producer already registered")
				return
			}
			continue
		}

		if !s.isProducer(conn) {
			s.logger.Debug("ignoring subscriber message", zap.String("who", env.Who))
			continue
		}
		n := s.Broadcast(env.Payload)
		s.logger.Debug("forwarded producer message", zap.Int("subscribers", n))
	}
}

// register promotes conn to producer. It fails if another connection holds
// the slot.
func (s *Server) register(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.producer != nil && s.producer != conn {
		return false
	}
	s.producer = conn
	delete(s.subscribers, conn)
	metrics.Subscribers.Set(float64(len(s.subscribers)))
	s.logger.Info("producer registered")
	return true
}

func (s *Server) isProducer(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.producer == conn
}

func (s *Server) remove(conn *websocket.Conn) {
	s.mu.Lock()
	if s.producer == conn {
		s.producer = nil
		s.logger.Info("producer disconnected")
	}
	delete(s.subscribers, conn)
	n := len(s.subscribers)
	s.mu.Unlock()

	metrics.Subscribers.Set(float64(n))
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	subscribers, producer := len(s.subscribers), s.producer != nil
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": subscribers,
		"producer":    producer,
	})
}

func (s *Server) handleValue(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Values == nil {
		http.NotFound(w, r)
		return
	}
	if s.cfg.Values.Updating() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "Server is updating..."})
		return
	}
	v, err := s.cfg.Values.Value(r.Context())
	if err != nil {
		s.logger.Error("value source failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": v})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
