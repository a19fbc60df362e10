package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/campusrelay/pkg/protocol"
	"github.com/stretchr/testify/require"
)

// mockConn is an in-memory net.Conn that records writes and can be told to fail them
type mockConn struct {
	mu       sync.Mutex
	written  bytes.Buffer
	failNext bool
	closed   bool
	addr     string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{addr: addr}
}

func (m *mockConn) Read(b []byte) (int, error) { return 0, io.EOF }

func (m *mockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.failNext {
		return 0, errors.New("broken pipe")
	}
	return m.written.Write(b)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) LocalAddr() net.Addr  { return mockAddr("server") }
func (m *mockConn) RemoteAddr() net.Addr { return mockAddr(m.addr) }

func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func (m *mockConn) setFailing(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = fail
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// messages decodes every frame written so far
func (m *mockConn) messages(t *testing.T) []protocol.Message {
	t.Helper()
	m.mu.Lock()
	data := append([]byte(nil), m.written.Bytes()...)
	m.mu.Unlock()

	var msgs []protocol.Message
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		msg, err := protocol.ReadMessage(r)
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	return msgs
}

type mockAddr string

func (a mockAddr) Network() string { return "mock" }
func (a mockAddr) String() string  { return string(a) }

// syncBuffer is a goroutine-safe bytes.Buffer for capturing the event log
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newTestEventLog returns an event log that is closed when the test ends
func newTestEventLog(t *testing.T) (*EventLog, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	events := NewEventLog(buf)
	t.Cleanup(events.Close)
	return events, buf
}

func testCredentials() *CredentialStore {
	return NewCredentialStore(DefaultTOMLConfig().Credentials())
}

// errorLogSilenced discards server logging for the rest of the test
func errorLogSilenced(t *testing.T) {
	t.Helper()
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(io.Discard)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
}

// startTestServer starts a real server on random ports
func startTestServer(t *testing.T, mutate func(*ServerConfig)) (*Server, *syncBuffer) {
	t.Helper()

	errorLogSilenced(t)

	events := &syncBuffer{}
	config := DefaultConfig()
	config.TCPPort = 0
	config.UDPPort = 0
	config.HTTPPort = 0
	config.HandshakeTimeout = 5 * time.Second
	config.EventOutput = events
	if mutate != nil {
		mutate(&config)
	}

	srv := NewServer(config, testCredentials())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		srv.Stop()
	})

	return srv, events
}

// testCampus is a raw protocol client used to drive the server in tests
type testCampus struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialCampus(t *testing.T, srv *Server) *testCampus {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testCampus{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testCampus) send(msg protocol.Message) {
	c.t.Helper()
	require.NoError(c.t, protocol.WriteMessage(c.conn, msg))
}

func (c *testCampus) sendRaw(payload string) {
	c.t.Helper()
	require.NoError(c.t, protocol.EncodeFrame(c.conn, []byte(payload)))
}

func (c *testCampus) read(timeout time.Duration) (protocol.Message, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	return protocol.ReadMessage(c.reader)
}

func (c *testCampus) expect(timeout time.Duration) protocol.Message {
	c.t.Helper()
	msg, err := c.read(timeout)
	require.NoError(c.t, err)
	return msg
}

// expectNothing asserts no frame arrives within the window
func (c *testCampus) expectNothing(window time.Duration) {
	c.t.Helper()
	msg, err := c.read(window)
	require.Error(c.t, err, "unexpected frame: %v", msg)
	var netErr net.Error
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}

// login authenticates and waits until the server has registered the session
func login(t *testing.T, srv *Server, site, secret string) *testCampus {
	t.Helper()

	c := dialCampus(t, srv)
	c.send(&protocol.AuthRequest{SiteID: site, Secret: secret})
	reply, ok := c.expect(2 * time.Second).(*protocol.AuthReply)
	require.True(t, ok)
	require.True(t, reply.Success, "authentication failed for %s", site)

	require.Eventually(t, func() bool {
		_, ok := srv.Registry().Lookup(site)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return c
}
