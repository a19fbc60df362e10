package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/campusrelay/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegrationAuthSuccess(t *testing.T) {
	srv, events := startTestServer(t, nil)

	login(t, srv, "LAHORE", "NU-LHR-123")

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "LAHORE", sessions[0].SiteID)
	assert.True(t, sessions[0].Active)
	assert.Equal(t, "tcp", sessions[0].Transport)

	require.Eventually(t, func() bool {
		return strings.Contains(events.String(), "Campus LAHORE authenticated successfully")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIntegrationAuthFailedClosesConnection(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	c := dialCampus(t, srv)
	c.send(&protocol.AuthRequest{SiteID: "KARACHI", Secret: "WRONG"})

	reply, ok := c.expect(2 * time.Second).(*protocol.AuthReply)
	require.True(t, ok)
	assert.False(t, reply.Success)

	_, err := c.read(2 * time.Second)
	assert.ErrorIs(t, err, io.EOF)

	_, ok = srv.Registry().Lookup("KARACHI")
	assert.False(t, ok)
}

func TestIntegrationAuthTrimsWhitespace(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	c := dialCampus(t, srv)
	c.sendRaw("AUTH:Campus:LAHORE,Pass:NU-LHR-123\n")

	reply, ok := c.expect(2 * time.Second).(*protocol.AuthReply)
	require.True(t, ok)
	assert.True(t, reply.Success)
}

func TestIntegrationNonAuthFirstFrameClosesSilently(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	c := dialCampus(t, srv)
	c.send(&protocol.RouteMessage{To: "KARACHI", Dept: "IT", Body: "sneaky"})

	_, err := c.read(2 * time.Second)
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, srv.Sessions())
}

func TestIntegrationHandshakeTimeout(t *testing.T) {
	srv, _ := startTestServer(t, func(c *ServerConfig) {
		c.HandshakeTimeout = 100 * time.Millisecond
	})

	c := dialCampus(t, srv)

	// Say nothing; the server gives up
	_, err := c.read(2 * time.Second)
	assert.ErrorIs(t, err, io.EOF)
}

func TestIntegrationRouteMessage(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	lahore := login(t, srv, "LAHORE", "NU-LHR-123")
	karachi := login(t, srv, "KARACHI", "NU-KHI-123")

	lahore.sendRaw("TO:KARACHI|DEPT:IT|MSG:ping")

	msg := karachi.expect(2 * time.Second)
	assert.Equal(t, &protocol.RoutedMessage{From: "LAHORE", Dept: "IT", Body: "ping"}, msg)
	assert.Equal(t, "FROM:LAHORE|DEPT:IT|MSG:ping", msg.Encode())
}

func TestIntegrationRouteToDisconnectedTarget(t *testing.T) {
	srv, events := startTestServer(t, nil)

	lahore := login(t, srv, "LAHORE", "NU-LHR-123")
	lahore.sendRaw("TO:MULTAN|DEPT:IT|MSG:ping")

	require.Eventually(t, func() bool {
		return strings.Contains(events.String(), "Target campus MULTAN not connected")
	}, 2*time.Second, 10*time.Millisecond)

	// No error comes back to the sender, and its session stays usable
	lahore.expectNothing(200 * time.Millisecond)
	_, ok := srv.Registry().Lookup("LAHORE")
	assert.True(t, ok)
}

func TestIntegrationFileTransfer(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	lahore := login(t, srv, "LAHORE", "NU-LHR-123")
	karachi := login(t, srv, "KARACHI", "NU-KHI-123")

	data := []byte{0x00, 0x01, 0x7F, 0x80, 0xFF, 'h', 'e', 'l', 'l', 'o'}
	lahore.send(protocol.NewFileTransfer("KARACHI", "notes.bin", data))

	delivery, ok := karachi.expect(2 * time.Second).(*protocol.FileDelivery)
	require.True(t, ok)
	assert.Equal(t, "LAHORE", delivery.From)
	assert.Equal(t, "notes.bin", delivery.Name)
	assert.Equal(t, 10, delivery.Size)

	payload, err := delivery.Payload()
	require.NoError(t, err)
	assert.Equal(t, data, payload)
}

func TestIntegrationLargeFileTransfer(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	lahore := login(t, srv, "LAHORE", "NU-LHR-123")
	karachi := login(t, srv, "KARACHI", "NU-KHI-123")

	data := bytes.Repeat([]byte{0xAB, 0xCD, 0xEF}, protocol.MaxFilePayload/3)

	// The relay blocks on KARACHI's socket until it is read, so send concurrently
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- protocol.WriteMessage(lahore.conn, protocol.NewFileTransfer("KARACHI", "big.bin", data))
	}()

	delivery, ok := karachi.expect(5 * time.Second).(*protocol.FileDelivery)
	require.True(t, ok)
	payload, err := delivery.Payload()
	require.NoError(t, err)
	assert.Equal(t, data, payload)
	assert.NoError(t, <-sendErr)
}

func TestIntegrationSplitAndCoalescedFrames(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	lahore := login(t, srv, "LAHORE", "NU-LHR-123")
	karachi := login(t, srv, "KARACHI", "NU-KHI-123")

	var stream bytes.Buffer
	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, protocol.WriteMessage(&stream, &protocol.RouteMessage{To: "KARACHI", Dept: "IT", Body: body}))
	}

	// All three frames in one write, then dribbled a byte at a time
	_, err := lahore.conn.Write(stream.Bytes())
	require.NoError(t, err)
	for _, b := range stream.Bytes() {
		_, err := lahore.conn.Write([]byte{b})
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		for _, body := range []string{"one", "two", "three"} {
			msg, ok := karachi.expect(2 * time.Second).(*protocol.RoutedMessage)
			require.True(t, ok)
			assert.Equal(t, body, msg.Body)
		}
	}
}

func TestIntegrationMalformedFramesIgnored(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	lahore := login(t, srv, "LAHORE", "NU-LHR-123")
	karachi := login(t, srv, "KARACHI", "NU-KHI-123")

	lahore.sendRaw("garbage")
	lahore.sendRaw("TO:KARACHI|MSG:no dept")
	lahore.sendRaw("HEARTBEAT:LAHORE")
	lahore.sendRaw("TO:KARACHI|DEPT:IT|MSG:still here")

	msg, ok := karachi.expect(2 * time.Second).(*protocol.RoutedMessage)
	require.True(t, ok)
	assert.Equal(t, "still here", msg.Body)
}

func TestIntegrationEmptyFrameIgnored(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	lahore := login(t, srv, "LAHORE", "NU-LHR-123")
	karachi := login(t, srv, "KARACHI", "NU-KHI-123")

	_, err := lahore.conn.Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	lahore.send(&protocol.RouteMessage{To: "KARACHI", Dept: "IT", Body: "ping"})

	msg, ok := karachi.expect(2 * time.Second).(*protocol.RoutedMessage)
	require.True(t, ok)
	assert.Equal(t, "ping", msg.Body)

	_, active := srv.Registry().Lookup("LAHORE")
	assert.True(t, active)
}

func TestIntegrationConcurrentAuthentication(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	campuses := map[string]string{
		"LAHORE":   "NU-LHR-123",
		"KARACHI":  "NU-KHI-123",
		"PESHAWAR": "NU-PWR-123",
		"CFD":      "NU-CFD-123",
		"MULTAN":   "NU-MLN-123",
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		replies = make(map[string]protocol.Message)
		conns   []net.Conn
	)
	start := make(chan struct{})
	for site, secret := range campuses {
		site, secret := site, secret
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.Addr().String())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()

			<-start
			if !assert.NoError(t, protocol.WriteMessage(conn, &protocol.AuthRequest{SiteID: site, Secret: secret})) {
				return
			}
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			reply, err := protocol.ReadMessage(conn)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			replies[site] = reply
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()
	t.Cleanup(func() {
		for _, conn := range conns {
			conn.Close()
		}
	})

	require.Len(t, replies, len(campuses))
	for site, reply := range replies {
		assert.Equal(t, &protocol.AuthReply{Success: true}, reply, site)
		_, ok := srv.Registry().Lookup(site)
		assert.True(t, ok, site)
	}
	assert.Equal(t, len(campuses), srv.Registry().CountActive())
}

func TestIntegrationRegisteredBeforeAuthReply(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	karachi := login(t, srv, "KARACHI", "NU-KHI-123")

	for i := 0; i < 20; i++ {
		lahore := dialCampus(t, srv)
		lahore.send(&protocol.AuthRequest{SiteID: "LAHORE", Secret: "NU-LHR-123"})
		require.Equal(t, &protocol.AuthReply{Success: true}, lahore.expect(2*time.Second))

		// No waiting: the ack means the session is already routable
		current, ok := srv.Registry().Lookup("LAHORE")
		require.True(t, ok)
		require.Equal(t, lahore.conn.LocalAddr().String(), current.PeerAddr)

		karachi.send(&protocol.RouteMessage{To: "LAHORE", Dept: "IT", Body: "welcome"})
		msg, ok := lahore.expect(2 * time.Second).(*protocol.RoutedMessage)
		require.True(t, ok)
		assert.Equal(t, "welcome", msg.Body)
		lahore.conn.Close()
	}
}

func TestIntegrationOversizedFrameClosesConnection(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	lahore := login(t, srv, "LAHORE", "NU-LHR-123")

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], protocol.MaxFrameSize+1)
	_, err := lahore.conn.Write(header[:])
	require.NoError(t, err)

	_, err = lahore.read(2 * time.Second)
	assert.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		_, ok := srv.Registry().Lookup("LAHORE")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIntegrationDisconnectMarksInactive(t *testing.T) {
	srv, events := startTestServer(t, nil)

	lahore := login(t, srv, "LAHORE", "NU-LHR-123")
	lahore.conn.Close()

	require.Eventually(t, func() bool {
		_, ok := srv.Registry().Lookup("LAHORE")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return strings.Contains(events.String(), "Campus LAHORE disconnected")
	}, 2*time.Second, 10*time.Millisecond)

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Active)
}

func TestIntegrationReconnectReplacesSession(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	first := login(t, srv, "LAHORE", "NU-LHR-123")
	original, ok := srv.Registry().Lookup("LAHORE")
	require.True(t, ok)

	second := dialCampus(t, srv)
	second.send(&protocol.AuthRequest{SiteID: "LAHORE", Secret: "NU-LHR-123"})
	reply := second.expect(2 * time.Second).(*protocol.AuthReply)
	require.True(t, reply.Success)

	require.Eventually(t, func() bool {
		current, ok := srv.Registry().Lookup("LAHORE")
		return ok && current != original
	}, 2*time.Second, 10*time.Millisecond)
	replacement, _ := srv.Registry().Lookup("LAHORE")

	// The orphaned connection closing must not retire the replacement
	first.conn.Close()
	require.Eventually(t, func() bool {
		return !srv.Registry().IsActive(original)
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, srv.Registry().IsActive(replacement))

	karachi := login(t, srv, "KARACHI", "NU-KHI-123")
	karachi.send(&protocol.RouteMessage{To: "LAHORE", Dept: "IT", Body: "new socket"})

	msg, ok := second.expect(2 * time.Second).(*protocol.RoutedMessage)
	require.True(t, ok)
	assert.Equal(t, "new socket", msg.Body)
}

func TestIntegrationHeartbeat(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	login(t, srv, "LAHORE", "NU-LHR-123")
	before, ok := srv.Registry().LastHeartbeat("LAHORE")
	require.True(t, ok)

	udp, err := net.Dial("udp", srv.UDPAddr().String())
	require.NoError(t, err)
	defer udp.Close()

	time.Sleep(10 * time.Millisecond)
	_, err = udp.Write([]byte("HEARTBEAT:LAHORE"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		last, _ := srv.Registry().LastHeartbeat("LAHORE")
		return last.After(before)
	}, 2*time.Second, 10*time.Millisecond)

	// Unknown sites are ignored
	_, err = udp.Write([]byte("HEARTBEAT:ISLAMABAD"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, ok = srv.Registry().LastHeartbeat("ISLAMABAD")
	assert.False(t, ok)
}

func TestIntegrationStaleWarning(t *testing.T) {
	srv, events := startTestServer(t, func(c *ServerConfig) {
		c.SweepInterval = 20 * time.Millisecond
		c.HeartbeatTimeout = 50 * time.Millisecond
	})

	login(t, srv, "LAHORE", "NU-LHR-123")

	require.Eventually(t, func() bool {
		return strings.Contains(events.String(), "WARNING: No heartbeat from LAHORE")
	}, 3*time.Second, 20*time.Millisecond)

	// Still connected: warnings never disconnect
	_, ok := srv.Registry().Lookup("LAHORE")
	assert.True(t, ok)
}

func TestIntegrationBroadcast(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	campuses := []*testCampus{
		login(t, srv, "LAHORE", "NU-LHR-123"),
		login(t, srv, "KARACHI", "NU-KHI-123"),
		login(t, srv, "PESHAWAR", "NU-PWR-123"),
	}

	result := srv.Broadcast("Convocation on Friday")
	assert.Equal(t, BroadcastResult{Delivered: 3}, result)

	for _, c := range campuses {
		msg := c.expect(2 * time.Second)
		assert.Equal(t, "BROADCAST:Convocation on Friday", msg.Encode())
	}
}

func TestIntegrationConcurrentRelaysToOneDestination(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	karachi := login(t, srv, "KARACHI", "NU-KHI-123")
	senders := []*testCampus{
		login(t, srv, "LAHORE", "NU-LHR-123"),
		login(t, srv, "PESHAWAR", "NU-PWR-123"),
		login(t, srv, "CFD", "NU-CFD-123"),
	}

	const perSender = 50
	var wg sync.WaitGroup
	for _, s := range senders {
		wg.Add(1)
		go func(c *testCampus) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				msg := &protocol.RouteMessage{To: "KARACHI", Dept: "IT", Body: strings.Repeat("x", 512)}
				if err := protocol.WriteMessage(c.conn, msg); err != nil {
					return
				}
			}
		}(s)
	}
	wg.Wait()

	// Every frame arrives intact and in per-sender order
	counts := map[string]int{}
	for i := 0; i < perSender*len(senders); i++ {
		msg, ok := karachi.expect(5 * time.Second).(*protocol.RoutedMessage)
		require.True(t, ok)
		assert.Len(t, msg.Body, 512)
		counts[msg.From]++
	}
	assert.Equal(t, map[string]int{"LAHORE": perSender, "PESHAWAR": perSender, "CFD": perSender}, counts)
}

func TestIntegrationStopClosesEverything(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	lahore := login(t, srv, "LAHORE", "NU-LHR-123")
	pending := dialCampus(t, srv) // never authenticates

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	_, err := lahore.read(2 * time.Second)
	assert.Error(t, err)
	_, err = pending.read(2 * time.Second)
	assert.Error(t, err)

	_, err = net.DialTimeout("tcp", srv.Addr().String(), 500*time.Millisecond)
	assert.Error(t, err)

	// A second Stop is harmless
	assert.NoError(t, srv.Stop())
}

func TestIntegrationContextCancelStopsServer(t *testing.T) {
	errorLogSilenced(t)

	config := DefaultConfig()
	config.TCPPort = 0
	config.UDPPort = 0
	config.EventOutput = io.Discard

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(config, testCredentials())
	require.NoError(t, srv.Start(ctx))

	cancel()
	select {
	case <-srv.Done():
	case <-time.After(time.Second):
		t.Fatal("server context not cancelled")
	}

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", srv.Addr().String(), 100*time.Millisecond)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}, 2*time.Second, 20*time.Millisecond)

	assert.NoError(t, srv.Stop())
}

func TestIntegrationPortInUse(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	errorLogSilenced(t)

	config := DefaultConfig()
	config.TCPPort = srv.Addr().(*net.TCPAddr).Port
	config.UDPPort = 0
	config.EventOutput = io.Discard

	second := NewServer(config, testCredentials())
	err := second.Start(context.Background())
	if err == nil {
		// SO_REUSEADDR does not allow two active listeners on Linux, but be tolerant elsewhere
		second.Stop()
		t.Skip("platform allowed a second listener on the same port")
	}
	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr), "expected a listen error, got %v", err)
}
