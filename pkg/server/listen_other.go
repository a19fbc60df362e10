//go:build !linux

package server

import (
	"context"
	"log"
)

// logListenBacklog logs the listen address (non-Linux systems)
func logListenBacklog(addr string) {
	log.Printf("TCP relay listening on %s", addr)
}

// monitorListenOverflows has no counter to watch outside Linux; it just waits for shutdown
func (s *Server) monitorListenOverflows(ctx context.Context) {
	<-ctx.Done()
}
