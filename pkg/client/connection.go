package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/campusrelay/pkg/protocol"
)

const (
	defaultTCPPort = "8080"
	dialTimeout    = 10 * time.Second
	authTimeout    = 10 * time.Second
)

var (
	ErrAuthFailed       = errors.New("authentication failed")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrFileTooLarge     = fmt.Errorf("file exceeds %d bytes", protocol.MaxFilePayload)
	ErrClosed           = errors.New("connection closed")
)

// Connection is one campus's connection to the central relay
type Connection struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	mu            sync.RWMutex
	siteID        string
	authenticated bool
	closed        bool // Close was called
	disconnected  bool // receive loop ended
	readErr       error

	incoming chan protocol.Message

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// Dial connects to the relay. addr is host:port for TCP, or a ws:// or wss://
// URL for the WebSocket transport.
func Dial(ctx context.Context, addr string) (*Connection, error) {
	dc, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	conn, err := dc.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", dc.display, err)
	}

	return newConnection(dc.display, conn), nil
}

func newConnection(addr string, conn net.Conn) *Connection {
	c := &Connection{
		addr:     addr,
		conn:     conn,
		incoming: make(chan protocol.Message, 100),
		shutdown: make(chan struct{}),
	}
	c.reader = bufio.NewReader(&countingReader{r: conn, counter: &c.bytesReceived})
	return c
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Authenticate performs the handshake. The site ID is upper-cased before
// sending. On rejection the server closes the connection and ErrAuthFailed
// is returned. On success the receive loop starts feeding Incoming.
func (c *Connection) Authenticate(siteID, secret string) error {
	siteID = strings.ToUpper(strings.TrimSpace(siteID))

	c.mu.Lock()
	if c.authenticated {
		c.mu.Unlock()
		return errors.New("already authenticated")
	}
	c.mu.Unlock()

	if err := c.write(&protocol.AuthRequest{SiteID: siteID, Secret: secret}); err != nil {
		return err
	}

	c.conn.SetReadDeadline(time.Now().Add(authTimeout))
	reply, err := protocol.ReadMessage(c.reader)
	c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("failed to read auth reply: %w", err)
	}

	auth, ok := reply.(*protocol.AuthReply)
	if !ok {
		return fmt.Errorf("unexpected auth reply %q", reply.Encode())
	}
	if !auth.Success {
		c.logf("Authentication rejected for %s", siteID)
		c.Close()
		return ErrAuthFailed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.siteID = siteID
	c.authenticated = true
	c.wg.Add(1)
	c.mu.Unlock()

	c.logf("Authenticated as %s to %s", siteID, c.addr)

	go c.readLoop()
	return nil
}

// SendMessage relays body to the department dept at campus to
func (c *Connection) SendMessage(to, dept, body string) error {
	if !c.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	return c.write(&protocol.RouteMessage{
		To:   strings.ToUpper(strings.TrimSpace(to)),
		Dept: dept,
		Body: body,
	})
}

// SendFile relays data as a file named name to campus to
func (c *Connection) SendFile(to, name string, data []byte) error {
	if !c.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	if len(data) > protocol.MaxFilePayload {
		return ErrFileTooLarge
	}
	return c.write(protocol.NewFileTransfer(strings.ToUpper(strings.TrimSpace(to)), filepath.Base(name), data))
}

// RunHeartbeat sends a liveness ping to udpAddr immediately and then every
// interval until ctx is cancelled
func (c *Connection) RunHeartbeat(ctx context.Context, udpAddr string, interval time.Duration) error {
	siteID := c.SiteID()
	if siteID == "" {
		return ErrNotAuthenticated
	}

	var d net.Dialer
	pc, err := d.DialContext(ctx, "udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to open heartbeat socket: %w", err)
	}
	defer pc.Close()

	ping := []byte((&protocol.Heartbeat{SiteID: siteID}).Encode())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := pc.Write(ping); err != nil {
			// Datagram loss is expected; keep trying
			c.logf("Heartbeat send failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.shutdown:
			return nil
		case <-ticker.C:
		}
	}
}

// Incoming returns frames pushed by the relay. It is closed when the
// connection ends; Err then reports why.
func (c *Connection) Incoming() <-chan protocol.Message {
	return c.incoming
}

// Err returns the error that ended the receive loop, or nil after a clean close
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readErr
}

// SiteID returns the authenticated site ID, or "" before authentication
func (c *Connection) SiteID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.siteID
}

// IsAuthenticated reports whether the handshake succeeded and the connection is open
func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated && !c.closed && !c.disconnected
}

// GetAddress returns the server address
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetBytesSent returns the total bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Close shuts the connection down and waits for the receive loop to exit
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.authenticated
	c.mu.Unlock()

	close(c.shutdown)
	err := c.conn.Close()
	c.wg.Wait()

	// The receive loop owns incoming once started
	if !started {
		close(c.incoming)
	}
	return err
}

func (c *Connection) write(msg protocol.Message) error {
	c.mu.RLock()
	closed := c.closed || c.disconnected
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	w := &countingWriter{w: c.conn, counter: &c.bytesSent}
	if err := protocol.WriteMessage(w, msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Kind(), err)
	}
	return nil
}

// readLoop decodes frames until the connection ends
func (c *Connection) readLoop() {
	defer c.wg.Done()
	defer close(c.incoming)

	for {
		msg, err := protocol.ReadMessage(c.reader)
		if err != nil {
			c.mu.Lock()
			if !c.closed && !errors.Is(err, io.EOF) {
				c.readErr = err
			}
			c.disconnected = true
			c.mu.Unlock()

			if errors.Is(err, io.EOF) {
				c.logf("Connection closed by server (EOF)")
			} else {
				c.logf("Read error: %v", err)
			}
			return
		}

		if m, ok := msg.(*protocol.Malformed); ok {
			c.logf("Ignored malformed frame: %s", m.Reason)
			continue
		}

		select {
		case c.incoming <- msg:
		case <-c.shutdown:
			return
		}
	}
}

// SaveDelivery decodes a delivered file and writes it into dir as
// received_<name>. It returns the path written.
func SaveDelivery(dir string, d *protocol.FileDelivery) (string, error) {
	data, err := d.Payload()
	if err != nil {
		return "", err
	}

	name := filepath.Base(d.Name)
	if name == "." || name == string(filepath.Separator) {
		name = "file"
	}
	path := filepath.Join(dir, "received_"+name)

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", path, err)
	}
	return path, nil
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.counter != nil {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

type dialConfig struct {
	display string
	dial    func(ctx context.Context) (net.Conn, error)
}

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: address,
			dial: func(ctx context.Context) (net.Conn, error) {
				d := net.Dialer{Timeout: dialTimeout}
				return d.DialContext(ctx, "tcp", address)
			},
		}, nil

	case "ws", "wss":
		if hostPort == "" {
			return nil, errors.New("missing host in server address")
		}
		if path == "" {
			path = "/ws"
		}
		u := url.URL{Scheme: scheme, Host: hostPort, Path: path}
		return &dialConfig{
			display: u.String(),
			dial: func(ctx context.Context) (net.Conn, error) {
				return DialWebSocket(ctx, u.String())
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
