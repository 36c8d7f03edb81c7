package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/louisbranch/classroom.chat/internal/platform/clock"
	platformgrpc "github.com/louisbranch/classroom.chat/internal/platform/grpc"
	"github.com/louisbranch/classroom.chat/internal/platform/timeouts"
	"github.com/louisbranch/classroom.chat/internal/services/chat/presence"
	"github.com/louisbranch/classroom.chat/internal/services/chat/storage"
	"github.com/louisbranch/classroom.chat/internal/services/chat/storage/sqlite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"
)

// HealthService is the gRPC health service name reported by the chat server.
const HealthService = "classroom.chat.ChatService"

// Config defines the inputs for the chat server.
type Config struct {
	HTTPAddr string
	// GRPCAddr enables the gRPC health server when set.
	GRPCAddr     string
	DatabasePath string
	// RedisURL enables the cross-process presence mirror when set.
	RedisURL       string
	JWTSecret      string
	AuthBaseURL    string
	ResourceSecret string
	AllowedOrigins []string

	PingInterval   time.Duration
	PongTimeout    time.Duration
	OutboxSize     int
	MaxConnections int
	FrameRate      float64
	FrameBurst     int
	TypingTTL      time.Duration

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	Logger zerolog.Logger
}

// serverDeps are the collaborators NewServer opens from Config. Tests inject
// them directly.
type serverDeps struct {
	store    storage.ConversationStore
	verifier identityVerifier
	clock    clock.Clock
	mirror   presence.Mirror
	health   *platformgrpc.HealthServer
	closers  []func() error
}

// Server hosts the chat HTTP and WebSocket surface.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	metrics  *metrics
	registry *registry
	api      *restAPI
	verifier identityVerifier
	upgrader websocket.Upgrader
	handler  http.Handler
	health   *platformgrpc.HealthServer
	closers  []func() error

	baseCtx    context.Context
	cancelBase context.CancelFunc
	conns      sync.WaitGroup
	closeOnce  sync.Once
}

// NewServer opens the store and optional mirrors described by config and
// builds a server around them.
func NewServer(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if strings.TrimSpace(config.HTTPAddr) == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.DatabasePath) == "" {
		return nil, errors.New("database path is required")
	}
	verifier := buildVerifier(config.JWTSecret, config.AuthBaseURL, config.ResourceSecret)
	if verifier == nil {
		return nil, errors.New("an identity verifier is required: set a JWT secret or an auth introspection URL")
	}

	deps := serverDeps{verifier: verifier}
	closeAll := func() {
		for i := len(deps.closers) - 1; i >= 0; i-- {
			_ = deps.closers[i]()
		}
	}

	store, err := sqlite.Open(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	deps.store = store
	deps.closers = append(deps.closers, store.Close)

	if url := strings.TrimSpace(config.RedisURL); url != "" {
		mirror, err := presence.NewRedisMirror(ctx, url)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open presence mirror: %w", err)
		}
		deps.mirror = mirror
		deps.closers = append(deps.closers, mirror.Close)
	}

	if addr := strings.TrimSpace(config.GRPCAddr); addr != "" {
		health, err := platformgrpc.ListenHealth(addr, HealthService)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("listen grpc health: %w", err)
		}
		deps.health = health
	}

	return newServer(config, deps), nil
}

func newServer(config Config, deps serverDeps) *Server {
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = timeouts.WebSocketPongWait
	}
	if config.OutboxSize <= 0 {
		config.OutboxSize = defaultOutboxSize
	}
	if deps.clock == nil {
		deps.clock = clock.Real()
	}
	log := config.Logger.With().Str("component", "chat").Logger()

	m := newMetrics()
	tracker := presence.NewTracker(presence.Options{
		Clock:     deps.clock,
		TypingTTL: config.TypingTTL,
		Mirror:    deps.mirror,
		Logger:    log,
	})
	reg := newRegistry(deps.store, tracker, deps.clock, m, log)
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:        config,
		log:        log,
		metrics:    m,
		registry:   reg,
		api:        &restAPI{registry: reg, store: deps.store, log: log},
		verifier:   deps.verifier,
		health:     deps.health,
		closers:    deps.closers,
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: timeouts.WebSocketHandshake,
		CheckOrigin:      s.checkOrigin,
	}
	s.handler = s.routes()
	return s
}

// Handler returns the HTTP handler serving the socket, REST, and ops routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(requestMetrics(s.metrics))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	r.Get("/ws", s.handleWebSocket)
	r.Route("/api", func(r chi.Router) {
		r.Use(requireIdentity(s.verifier))
		s.api.routes(r)
	})
	return r
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.AllowedOrigins
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	origins := s.allowedOrigins()
	return slices.Contains(origins, "*") || slices.Contains(origins, origin)
}

// handleWebSocket authenticates before upgrading; failures never reach the
// socket layer.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := authenticateRequest(r.Context(), s.verifier, r)
	if err != nil {
		s.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket authentication failed")
		writeError(w, err)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), identity, ws, connectionOptions{
		outboxSize:   s.cfg.OutboxSize,
		pingInterval: s.cfg.PingInterval,
		pongWait:     s.cfg.PongTimeout,
		frameRate:    rate.Limit(s.cfg.FrameRate),
		frameBurst:   s.cfg.FrameBurst,
	}, s.log)
	s.serveConnection(c)
}

// serveConnection runs c until it closes, then performs the single cleanup
// path for it.
func (s *Server) serveConnection(c *connection) {
	s.conns.Add(1)
	defer s.conns.Done()

	go c.writeLoop()
	s.registry.register(c)
	if s.baseCtx.Err() != nil {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	c.readLoop(func(data []byte) {
		s.registry.handleFrame(s.baseCtx, c, data)
	})
	s.registry.disconnect(c)
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(ctx, config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until the
// context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	listener, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.HTTPAddr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until the context ends. The number
// of concurrent connections is capped by MaxConnections when set.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if s.cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.cfg.MaxConnections)
	}
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	if s.health != nil {
		go func() {
			if err := s.health.Serve(ctx); err != nil {
				s.log.Error().Err(err).Msg("grpc health server stopped")
			}
		}()
		s.health.SetServing(true)
	}

	serveErr := make(chan error, 1)
	s.log.Info().Str("addr", listener.Addr().String()).Msg("chat server listening")
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		s.health.SetServing(false)
		s.registry.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		err := httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		s.health.SetServing(false)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close drops live connections and releases the store and mirrors.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.cancelBase()
		s.registry.closeAll()
		s.conns.Wait()
		s.health.Stop()
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](); err != nil {
				s.log.Warn().Err(err).Msg("close server resource")
			}
		}
	})
}
