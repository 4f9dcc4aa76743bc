package endpoint

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Options configure an endpoint.
type Options struct {
	Addr        string
	HealthAddr  string
	CertFile    string
	KeyFile     string
	IdleTimeout time.Duration
}

// Stats are cumulative since Start.
type Stats struct {
	Connections   int64 `json:"connections"`
	Failed        int64 `json:"failed"`
	BytesReceived int64 `json:"bytes_received"`
}

// Server is the TLS endpoint simulated connections terminate on. It reads
// one request per connection and acknowledges the received byte count.
// When HealthAddr is set it also serves the standard gRPC health service.
type Server struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	running  bool
	ln       net.Listener
	grpc     *grpc.Server
	health   *health.Server
	healthLn net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup

	connections atomic.Int64
	failed      atomic.Int64
	bytes       atomic.Int64
}

func New(opts Options, logger zerolog.Logger) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	return &Server{opts: opts, logger: logger}
}

// Start begins accepting connections. It returns once the listeners are
// bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("endpoint already running")
	}

	tlsConf, err := ServerTLSConfig(s.opts.CertFile, s.opts.KeyFile)
	if err != nil {
		return err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	if s.opts.HealthAddr != "" {
		hln, err := lc.Listen(ctx, "tcp", s.opts.HealthAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.opts.HealthAddr, err)
		}
		s.healthLn = hln
		s.health = health.NewServer()
		s.grpc = grpc.NewServer()
		grpc_health_v1.RegisterHealthServer(s.grpc, s.health)
		s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.grpc.Serve(hln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.logger.Error().Err(err).Msg("health server stopped")
			}
		}()
	}

	s.ln = tls.NewListener(ln, tlsConf)
	s.conns = make(map[net.Conn]struct{})
	s.connections.Store(0)
	s.failed.Store(0)
	s.bytes.Store(0)
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(s.ln)

	s.logger.Info().Str("addr", ln.Addr().String()).Str("health", s.opts.HealthAddr).Msg("endpoint started")
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	s.connections.Add(1)
	conn.SetDeadline(time.Now().Add(s.opts.IdleTimeout))

	n, err := ReadRequest(conn)
	s.bytes.Add(n)
	if err == nil {
		err = writeAck(conn, n)
	}
	if err != nil {
		s.failed.Add(1)
		s.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("connection failed")
	}
}

// Stop closes the listeners and open connections and waits for handlers
// to return. Stopping a server that is not running is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	err := s.ln.Close()
	for c := range s.conns {
		c.Close()
	}
	if s.grpc != nil {
		s.health.Shutdown()
		s.grpc.Stop()
		s.grpc, s.health, s.healthLn = nil, nil, nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Int64("connections", s.connections.Load()).Msg("endpoint stopped")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound TLS address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ""
	}
	return s.ln.Addr().String()
}

// HealthAddr returns the bound gRPC health address, or "" when disabled.
func (s *Server) HealthAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthLn == nil {
		return ""
	}
	return s.healthLn.Addr().String()
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections:   s.connections.Load(),
		Failed:        s.failed.Load(),
		BytesReceived: s.bytes.Load(),
	}
}
