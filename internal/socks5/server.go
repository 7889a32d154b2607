package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nabbar/socks5-acl-proxy/internal/acl"
	"github.com/nabbar/socks5-acl-proxy/internal/logging"
	"github.com/nabbar/socks5-acl-proxy/internal/metrics"
	"github.com/nabbar/socks5-acl-proxy/internal/qos"
	"github.com/nabbar/socks5-acl-proxy/internal/resolver"
	"github.com/nabbar/socks5-acl-proxy/internal/session"
	"github.com/nabbar/socks5-acl-proxy/internal/telemetry"
)

// ServerConfig holds server configuration and every collaborator the
// protocol engine dispatches to.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:1080").
	Address string

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration

	Authenticators []Authenticator

	ACL       *acl.Engine
	QoS       *qos.Engine
	Sessions  *session.Registry
	Resolver  *resolver.Resolver
	Pool      *resolver.Pool
	Telemetry *telemetry.History
	Metrics   *metrics.Metrics
	Log       *slog.Logger

	BindConfig BindConfig
	EnableUDP  bool
}

// DefaultServerConfig returns sensible defaults. Callers still need to
// supply the domain collaborators (ACL, QoS, Sessions, Resolver) before
// starting the server.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:          "127.0.0.1:1080",
		MaxConnections:   1000,
		HandshakeTimeout: 10 * time.Second,
		IdleTimeout:      5 * time.Minute,
		Authenticators:   []Authenticator{&NoAuthAuthenticator{}},
		EnableUDP:        true,
	}
}

// Server is a SOCKS5 proxy server.
type Server struct {
	cfg      ServerConfig
	handler  *Handler
	listener net.Listener

	tracker *connTracker[net.Conn]

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a new SOCKS5 server, wiring its handler from cfg's
// collaborators.
func NewServer(cfg ServerConfig) *Server {
	if len(cfg.Authenticators) == 0 {
		cfg.Authenticators = []Authenticator{&NoAuthAuthenticator{}}
	}
	if cfg.Log == nil {
		cfg.Log = logging.NopLogger()
	}

	handler := NewHandler(HandlerDeps{
		Authenticators:   cfg.Authenticators,
		ACL:              cfg.ACL,
		QoS:              cfg.QoS,
		Sessions:         cfg.Sessions,
		Resolver:         cfg.Resolver,
		Pool:             cfg.Pool,
		Telemetry:        cfg.Telemetry,
		Metrics:          cfg.Metrics,
		Log:              cfg.Log,
		HandshakeTimeout: cfg.HandshakeTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		BindConfig:       cfg.BindConfig,
		EnableUDP:        cfg.EnableUDP,
	})

	return &Server{
		cfg:     cfg,
		handler: handler,
		tracker: newConnTracker[net.Conn](),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the SOCKS5 server.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.tracker.closeAll()
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops with a timeout.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listening address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int64 {
	return s.tracker.count()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// acceptLoop accepts new connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.tracker.count() >= int64(s.cfg.MaxConnections) {
			conn.Close()
			continue
		}

		s.tracker.add(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn handles a single connection.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)
	defer conn.Close()

	if s.cfg.IdleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}

	if err := s.handler.Handle(conn); err != nil {
		s.cfg.Log.Debug("connection ended", logging.KeyError, err.Error(), logging.KeyRemoteAddr, conn.RemoteAddr().String())
	}
}

// WithAuthenticators returns a new server config with authenticators.
func (cfg ServerConfig) WithAuthenticators(auths ...Authenticator) ServerConfig {
	cfg.Authenticators = auths
	return cfg
}

// WithMaxConnections returns a new server config with max connections.
func (cfg ServerConfig) WithMaxConnections(max int) ServerConfig {
	cfg.MaxConnections = max
	return cfg
}
