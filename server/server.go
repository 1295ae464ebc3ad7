package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/logger"
	"github.com/teranos/polar/pulse/dispatch"
	"github.com/teranos/polar/pulse/schedule"
)

// DefaultOperationTimeout bounds each API request that reaches the service.
const DefaultOperationTimeout = 30 * time.Second

// ServerState tracks the lifecycle for /health and shutdown
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Server exposes the scheduler over HTTP and websocket
type Server struct {
	jobs     *schedule.Store
	service  *dispatch.Service
	ticker   *schedule.Ticker // nil when ticking is disabled
	hub      *Hub
	logger   *zap.SugaredLogger
	timeNow  func() time.Time
	startAt  time.Time
	state    atomic.Int32
	opMu     sync.RWMutex
	opTimeout time.Duration

	ctx        context.Context
	cancel     context.CancelFunc
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithTicker exposes the ticker through /api/scheduler/status and /tick.
func WithTicker(t *schedule.Ticker) Option {
	return func(s *Server) { s.ticker = t }
}

// WithHub shares a hub the dispatch service already notifies.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithLogger sets the server's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) { s.logger = l }
}

// WithOperationTimeout bounds each service call.
func WithOperationTimeout(d time.Duration) Option {
	return func(s *Server) { s.opTimeout = d }
}

// WithClock overrides the server's time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.timeNow = now }
}

// New creates a server for jobs and service.
func New(jobs *schedule.Store, service *dispatch.Service, opts ...Option) *Server {
	s := &Server{
		jobs:     jobs,
		service:  service,
		logger:   zap.NewNop().Sugar(),
		timeNow:  time.Now,
		opTimeout: DefaultOperationTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub(s.logger)
	}
	s.logger = logger.AddPulseSymbol(s.logger)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.startAt = s.timeNow()
	return s
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// SetOperationTimeout retunes the per-request timeout (config reload).
func (s *Server) SetOperationTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.opMu.Lock()
	s.opTimeout = d
	s.opMu.Unlock()
}

func (s *Server) operationTimeout() time.Duration {
	s.opMu.RLock()
	defer s.opMu.RUnlock()
	return s.opTimeout
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(state ServerState) {
	s.state.Store(int32(state))
	s.logger.Infow("Server state changed", "new_state", state.String())
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.setState(ServerStateRunning)
	s.logger.Infow("Polar API listening", "addr", ln.Addr().String())

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(ln)
}

// Shutdown drains HTTP requests, then disconnects websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.setState(ServerStateDraining)
	s.cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.hub.CloseAll()
	s.setState(ServerStateStopped)
	return errors.Wrap(err, "http server shutdown")
}
