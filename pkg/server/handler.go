package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"

	"github.com/aeolun/campusrelay/pkg/protocol"
)

// handleConnection runs one campus connection from handshake to disconnect.
// The caller must have reserved a WaitGroup slot via trackConn.
func (s *Server) handleConnection(conn net.Conn, transport string) {
	defer s.wg.Done()
	defer s.untrackConn(conn)
	defer conn.Close()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	peer := addrString(conn.RemoteAddr())
	debugLog.Printf("New %s connection from %s", transport, peer)

	reader := bufio.NewReader(conn)

	sess := s.handshake(conn, reader, transport)
	if sess == nil {
		return
	}

	s.messageLoop(sess, reader)
}

// handshake reads the AUTH frame and answers it. Returns the registered
// session, or nil if the connection should be closed.
func (s *Server) handshake(conn net.Conn, reader *bufio.Reader, transport string) *Session {
	peer := addrString(conn.RemoteAddr())

	if s.config.HandshakeTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	}

	msg, err := protocol.ReadMessage(reader)
	if err != nil {
		debugLog.Printf("Handshake read from %s failed: %v", peer, err)
		return nil
	}
	conn.SetReadDeadline(time.Time{})

	s.metrics.RecordFrameReceived(msg.Kind().String())

	auth, ok := msg.(*protocol.AuthRequest)
	if !ok {
		s.events.Logf("Connection from %s closed: expected AUTH, got %s", peer, msg.Kind())
		return nil
	}

	safe := NewSafeConn(conn, s.config.WriteTimeout)

	if !s.auth.Authenticate(auth.SiteID, auth.Secret) {
		s.metrics.RecordAuthAttempt(false)
		s.events.Logf("Authentication failed for campus %s from %s", auth.SiteID, peer)
		if err := safe.WriteMessage(&protocol.AuthReply{Success: false}); err != nil {
			debugLog.Printf("Failed to send AUTH:FAILED to %s: %v", peer, err)
		}
		return nil
	}
	s.metrics.RecordAuthAttempt(true)

	// Routable from the moment the peer sees AUTH:SUCCESS. Holding the write
	// lock across Register keeps relayed frames behind the ack.
	safe.writeMu.Lock()
	sess, replaced := s.registry.Register(auth.SiteID, safe, transport)
	err = safe.writeLocked(&protocol.AuthReply{Success: true})
	safe.writeMu.Unlock()
	if err != nil {
		s.registry.Deactivate(sess)
		s.events.Logf("Failed to acknowledge campus %s: %v", auth.SiteID, err)
		return nil
	}

	if replaced {
		s.events.Logf("Campus %s reconnected from %s, replacing previous session", auth.SiteID, peer)
	}
	s.events.Logf("Campus %s authenticated successfully", auth.SiteID)
	return sess
}

// messageLoop relays frames from an authenticated campus until its read fails
func (s *Server) messageLoop(sess *Session, reader *bufio.Reader) {
	for {
		payload, err := protocol.DecodeFrame(reader)
		if errors.Is(err, protocol.ErrEmptyFrame) {
			// Header consumed, stream still aligned
			s.metrics.RecordFrameReceived(protocol.KindMalformed.String())
			debugLog.Printf("Ignored empty frame from %s", sess.SiteID)
			continue
		}
		if err != nil {
			s.registry.Deactivate(sess)
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.events.Logf("Campus %s disconnected", sess.SiteID)
			} else {
				s.events.Logf("Campus %s disconnected: %v", sess.SiteID, err)
			}
			return
		}

		msg := protocol.Parse(string(payload))
		s.metrics.RecordFrameReceived(msg.Kind().String())

		switch m := msg.(type) {
		case *protocol.RouteMessage:
			s.events.Logf("Message received from %s: TO:%s DEPT:%s", sess.SiteID, m.To, m.Dept)
			s.router.Route(sess.SiteID, m)
		case *protocol.FileTransfer:
			s.events.Logf("File transfer received from %s: %s (%d bytes) for %s", sess.SiteID, m.Name, m.Size, m.To)
			s.router.Route(sess.SiteID, m)
		case *protocol.Malformed:
			debugLog.Printf("Ignored malformed frame from %s: %s", sess.SiteID, m.Reason)
		default:
			debugLog.Printf("Ignored %s frame from %s", msg.Kind(), sess.SiteID)
		}
	}
}
