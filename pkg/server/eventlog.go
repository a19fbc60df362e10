package server

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// EnableDebugLogging sends debug output to stderr
func EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	debugLog.Println("Debug logging enabled")
}

const eventLogBuffer = 1024

// EventLog is the operational event log. Logf enqueues and returns
// immediately; a single goroutine writes the lines, so a slow log sink
// can never stall routing. Lines are dropped when the buffer is full.
type EventLog struct {
	logger  *log.Logger
	events  chan string
	dropped atomic.Uint64
	metrics *Metrics
	now     func() time.Time

	mu     sync.RWMutex // guards closed against concurrent Close
	closed bool
	done   chan struct{}
}

// NewEventLog creates an event log writing to w and starts its writer goroutine
func NewEventLog(w io.Writer) *EventLog {
	l := &EventLog{
		logger: log.New(w, "", 0),
		events: make(chan string, eventLogBuffer),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// SetMetrics attaches metrics used to count dropped lines
func (l *EventLog) SetMetrics(metrics *Metrics) {
	l.metrics = metrics
}

// Logf records an event with the current timestamp. Never blocks.
func (l *EventLog) Logf(format string, args ...interface{}) {
	line := fmt.Sprintf("[%s] %s", l.now().Format("2006-01-02 15:04:05.000000"), fmt.Sprintf(format, args...))

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.events <- line:
	default:
		l.dropped.Add(1)
		if l.metrics != nil {
			l.metrics.RecordEventDropped()
		}
	}
}

// Dropped returns how many lines were discarded because the buffer was full
func (l *EventLog) Dropped() uint64 {
	return l.dropped.Load()
}

// Close flushes queued lines and stops the writer goroutine.
// Later Logf calls are ignored.
func (l *EventLog) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.events)
	l.mu.Unlock()

	<-l.done
}

func (l *EventLog) run() {
	defer close(l.done)
	for line := range l.events {
		l.logger.Println(line)
	}
}
