package server

import (
	"context"
	"errors"
	"net"
	"sort"
	"time"

	"github.com/aeolun/campusrelay/pkg/protocol"
)

const maxDatagramSize = 4096

// HeartbeatMonitor tracks campus liveness. It records UDP pings into the
// registry and periodically warns about sessions that went quiet.
// It never disconnects anyone.
type HeartbeatMonitor struct {
	registry      *SessionRegistry
	events        *EventLog
	metrics       *Metrics
	sweepInterval time.Duration
	timeout       time.Duration
	now           func() time.Time
}

// NewHeartbeatMonitor creates a monitor with the given sweep interval and silence threshold
func NewHeartbeatMonitor(registry *SessionRegistry, events *EventLog, metrics *Metrics, sweepInterval, timeout time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		registry:      registry,
		events:        events,
		metrics:       metrics,
		sweepInterval: sweepInterval,
		timeout:       timeout,
		now:           time.Now,
	}
}

// ServePackets reads liveness pings from pc until ctx is cancelled or pc is closed
func (h *HeartbeatMonitor) ServePackets(ctx context.Context, pc net.PacketConn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Heartbeat read error: %v", err)
			continue
		}
		if n <= 0 {
			continue
		}

		if !h.HandlePing(buf[:n]) {
			debugLog.Printf("Ignored datagram from %s: %q", addr, buf[:n])
		}
	}
}

// HandlePing processes one datagram. It returns true if it was a heartbeat
// for a registered site and the timestamp was updated.
func (h *HeartbeatMonitor) HandlePing(datagram []byte) bool {
	hb, ok := protocol.Parse(string(datagram)).(*protocol.Heartbeat)
	if !ok {
		return false
	}

	known := h.registry.Touch(hb.SiteID, h.now())
	if h.metrics != nil {
		h.metrics.RecordHeartbeat(known)
	}
	return known
}

// RunSweep checks for silent sessions every sweep interval until ctx is cancelled
func (h *HeartbeatMonitor) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep logs a warning for every active session silent longer than the
// timeout and returns their site IDs, sorted
func (h *HeartbeatMonitor) Sweep() []string {
	now := h.now()
	stale := h.registry.StaleSince(now.Add(-h.timeout), now)

	sites := make([]string, 0, len(stale))
	for site := range stale {
		sites = append(sites, site)
	}
	sort.Strings(sites)

	for _, site := range sites {
		h.events.Logf("WARNING: No heartbeat from %s for %d seconds", site, int(stale[site].Seconds()))
		if h.metrics != nil {
			h.metrics.RecordStaleWarning()
		}
	}
	return sites
}
