package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"
)

// Server is the central campus relay server
type Server struct {
	config      ServerConfig
	auth        Authenticator
	registry    *SessionRegistry
	router      *Router
	broadcaster *Broadcaster
	heartbeat   *HeartbeatMonitor
	events      *EventLog
	metrics     *Metrics
	startTime   time.Time

	listener   net.Listener
	packetConn net.PacketConn
	httpServer *http.Server
	httpAddr   net.Addr

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Every open connection, authenticated or not, so shutdown can unblock its reader
	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort          int
	UDPPort          int
	HTTPPort         int           // 0 disables the HTTP side surface
	HandshakeTimeout time.Duration // 0 waits forever for the AUTH frame
	WriteTimeout     time.Duration // 0 lets a stalled destination block its relayer
	SweepInterval    time.Duration
	HeartbeatTimeout time.Duration
	EventOutput      io.Writer // operational event log sink, stdout when nil
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:          8080,
		UDPPort:          8081,
		HTTPPort:         0,
		HandshakeTimeout: 30 * time.Second,
		WriteTimeout:     0,
		SweepInterval:    15 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
	}
}

// NewServer creates a new server instance
func NewServer(config ServerConfig, auth Authenticator) *Server {
	out := config.EventOutput
	if out == nil {
		out = os.Stdout
	}

	metrics := NewMetrics()
	events := NewEventLog(out)
	events.SetMetrics(metrics)

	registry := NewSessionRegistry()
	registry.SetMetrics(metrics)

	return &Server{
		config:      config,
		auth:        auth,
		registry:    registry,
		router:      NewRouter(registry, events, metrics),
		broadcaster: NewBroadcaster(registry, events, metrics),
		heartbeat:   NewHeartbeatMonitor(registry, events, metrics, config.SweepInterval, config.HeartbeatTimeout),
		events:      events,
		metrics:     metrics,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Start binds the TCP, UDP and optional HTTP endpoints and starts every
// background loop. Cancelling ctx has the same effect as Stop minus the wait.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startTime = time.Now()

	// Use ListenConfig to enable SO_REUSEADDR
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = setSocketOptions(fd)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}

	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := lc.Listen(s.ctx, "tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(listener.Addr().String())

	udpAddr := fmt.Sprintf(":%d", s.config.UDPPort)
	packetConn, err := lc.ListenPacket(s.ctx, "udp", udpAddr)
	if err != nil {
		listener.Close()
		s.cancel()
		return fmt.Errorf("failed to listen on udp %s: %w", udpAddr, err)
	}
	s.packetConn = packetConn
	log.Printf("UDP heartbeat receiver listening on %s", packetConn.LocalAddr())

	if s.config.HTTPPort > 0 {
		if err := s.startHTTPServer(); err != nil {
			listener.Close()
			packetConn.Close()
			s.cancel()
			return err
		}
	}

	s.events.Logf("Central server started")

	// Closes every transport once the context is cancelled
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-s.ctx.Done()
		s.closeTransports()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeat.ServePackets(s.ctx, s.packetConn)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeat.RunSweep(s.ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorListenOverflows(s.ctx)
	}()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) startHTTPServer() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpAddr = ln.Addr()
	s.httpServer = &http.Server{
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("HTTP server listening on %s (/metrics, /health, /sessions, /broadcast, /ws)", ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully stops the server and waits for every goroutine it started
func (s *Server) Stop() error {
	if s.cancel == nil {
		return nil
	}

	s.events.Logf("Central server shutting down")
	s.cancel()
	s.wg.Wait()
	s.events.Close()
	return nil
}

// closeTransports unblocks every Accept, ReadFrom and Read the server owns
func (s *Server) closeTransports() {
	s.connsMu.Lock()
	s.closing = true
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connsMu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	if s.packetConn != nil {
		s.packetConn.Close()
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}

	s.registry.CloseAll()
	for _, conn := range conns {
		conn.Close()
	}
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}

		if !s.trackConn(conn) {
			conn.Close()
			return
		}

		// Handle connection in goroutine so a slow handshake never blocks Accept
		go s.handleConnection(conn, "tcp")
	}
}

// trackConn records conn and reserves a WaitGroup slot for its handler.
// Returns false once shutdown has begun.
func (s *Server) trackConn(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

// Broadcast sends text to every active campus
func (s *Server) Broadcast(text string) BroadcastResult {
	return s.broadcaster.Broadcast(text)
}

// Sessions returns a snapshot of every known session
func (s *Server) Sessions() []SessionInfo {
	return s.registry.Snapshot()
}

// Registry returns the session registry
func (s *Server) Registry() *SessionRegistry {
	return s.registry
}

// Metrics returns the server's metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the TCP listen address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// UDPAddr returns the heartbeat receiver address
func (s *Server) UDPAddr() net.Addr {
	if s.packetConn == nil {
		return nil
	}
	return s.packetConn.LocalAddr()
}

// HTTPAddr returns the HTTP listen address, or nil when disabled
func (s *Server) HTTPAddr() net.Addr {
	return s.httpAddr
}

// Done is closed when the server context is cancelled
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}
