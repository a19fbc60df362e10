//go:build linux

package server

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// logListenBacklog logs the kernel's listen backlog limit (Linux-specific)
func logListenBacklog(addr string) {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		fmt.Sscanf(string(data), "%d", &somaxconn)
	}

	log.Printf("TCP relay listening on %s (kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < 128 {
		log.Printf("WARNING: net.core.somaxconn=%d is below the usual default; campus reconnect storms may be refused", somaxconn)
	}
}

// monitorListenOverflows periodically checks for listen queue overflows (Linux-specific)
func (s *Server) monitorListenOverflows(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	lastOverflows := getListenOverflows()

	for {
		select {
		case <-ticker.C:
			overflows := getListenOverflows()
			if overflows > lastOverflows {
				s.events.Logf("WARNING: %d connection(s) rejected due to listen backlog overflow (total: %d)", overflows-lastOverflows, overflows)
			}
			lastOverflows = overflows

		case <-ctx.Done():
			return
		}
	}
}

// getListenOverflows reads the ListenOverflows counter from /proc/net/netstat
func getListenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var headers, values []string

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TcpExt:") {
			continue
		}
		fields := strings.Fields(line)[1:]
		if headers == nil {
			headers = fields
			continue
		}
		values = fields
		break
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			var overflows uint64
			fmt.Sscanf(values[i], "%d", &overflows)
			return overflows
		}
	}
	return 0
}
