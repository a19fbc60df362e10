package server

import (
	"github.com/aeolun/campusrelay/pkg/protocol"
)

// Outcome is the result of one routing decision
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeTargetNotConnected
	OutcomeWriteFailed
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeTargetNotConnected:
		return "target_not_connected"
	case OutcomeWriteFailed:
		return "write_failed"
	default:
		return "ignored"
	}
}

// Router relays routed messages and files to their destination session.
// Delivery is attempted once; undeliverable frames are dropped without
// telling the sender.
type Router struct {
	registry *SessionRegistry
	events   *EventLog
	metrics  *Metrics
}

// NewRouter creates a router over the given registry
func NewRouter(registry *SessionRegistry, events *EventLog, metrics *Metrics) *Router {
	return &Router{
		registry: registry,
		events:   events,
		metrics:  metrics,
	}
}

// Route delivers msg from sourceSiteID to the destination it names
func (r *Router) Route(sourceSiteID string, msg protocol.Message) Outcome {
	var (
		target   string
		outbound protocol.Message
		what     string
	)

	switch m := msg.(type) {
	case *protocol.RouteMessage:
		target = m.To
		outbound = &protocol.RoutedMessage{From: sourceSiteID, Dept: m.Dept, Body: m.Body}
		what = "Message"
	case *protocol.FileTransfer:
		target = m.To
		outbound = &protocol.FileDelivery{From: sourceSiteID, Name: m.Name, Size: m.Size, Data: m.Data}
		what = "File"
	default:
		return r.record(msg, OutcomeIgnored)
	}

	// Copy the handle out under the registry lock, write without it
	dest, ok := r.registry.Lookup(target)
	if !ok {
		if what == "File" {
			r.events.Logf("Target campus %s not connected for file transfer", target)
		} else {
			r.events.Logf("Target campus %s not connected", target)
		}
		return r.record(msg, OutcomeTargetNotConnected)
	}

	if err := dest.Send(outbound); err != nil {
		r.events.Logf("%s from %s to %s failed: %v", what, sourceSiteID, target, err)
		return r.record(msg, OutcomeWriteFailed)
	}

	if ft, ok := msg.(*protocol.FileTransfer); ok {
		r.events.Logf("File %s (%d bytes) routed from %s to %s", ft.Name, ft.Size, sourceSiteID, target)
		if r.metrics != nil {
			r.metrics.RecordFileRelayed(ft.Size)
		}
	} else {
		r.events.Logf("Message routed from %s to %s", sourceSiteID, target)
	}
	return r.record(msg, OutcomeDelivered)
}

func (r *Router) record(msg protocol.Message, outcome Outcome) Outcome {
	if r.metrics != nil {
		r.metrics.RecordRoutingOutcome(msg.Kind().String(), outcome)
	}
	return outcome
}
