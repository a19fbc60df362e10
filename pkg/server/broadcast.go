package server

import (
	"github.com/aeolun/campusrelay/pkg/protocol"
)

// BroadcastResult reports how a broadcast fanned out
type BroadcastResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Broadcaster sends one operator message to every active campus
type Broadcaster struct {
	registry *SessionRegistry
	events   *EventLog
	metrics  *Metrics
}

// NewBroadcaster creates a broadcaster over the given registry
func NewBroadcaster(registry *SessionRegistry, events *EventLog, metrics *Metrics) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		events:   events,
		metrics:  metrics,
	}
}

// Broadcast writes BROADCAST:<body> to each active session in turn.
// A failed write is logged and counted; the rest still get the message.
func (b *Broadcaster) Broadcast(body string) BroadcastResult {
	msg := &protocol.Broadcast{Text: body}

	var result BroadcastResult
	for _, sess := range b.registry.Active() {
		if err := sess.Send(msg); err != nil {
			result.Failed++
			b.events.Logf("Broadcast to %s failed: %v", sess.SiteID, err)
			continue
		}
		result.Delivered++
	}

	if b.metrics != nil {
		b.metrics.RecordBroadcast(result.Delivered, result.Failed)
	}
	b.events.Logf("Broadcast message sent to %d campuses (%d failed)", result.Delivered, result.Failed)
	return result
}
