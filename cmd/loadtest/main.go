package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/campusrelay/pkg/client"
	"github.com/aeolun/campusrelay/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

const defaultCampuses = "LAHORE:NU-LHR-123,KARACHI:NU-KHI-123,PESHAWAR:NU-PWR-123,CFD:NU-CFD-123,MULTAN:NU-MLN-123"

var (
	loremWords  = strings.Fields(loremIpsum)
	departments = []string{"Admissions", "Academics", "IT", "Sports", "Finance"}
)

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	filesSent         atomic.Int64
	messagesFailed    atomic.Int64
	delivered         atomic.Int64
	totalLatency      atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	disconnections    atomic.Int64
	heartbeatsStarted atomic.Int64
}

func (s *Stats) recordSent(file bool) {
	if file {
		s.filesSent.Add(1)
		return
	}
	s.messagesSent.Add(1)
}

func (s *Stats) recordFailure() {
	s.messagesFailed.Add(1)
}

func (s *Stats) recordDelivery(latencyUs int64) {
	s.delivered.Add(1)
	s.totalLatency.Add(latencyUs)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (sent, failed, delivered, connErrors int64, avgLatencyUs float64) {
	sent = s.messagesSent.Load() + s.filesSent.Load()
	failed = s.messagesFailed.Load()
	delivered = s.delivered.Load()
	connErrors = s.connectionErrors.Load()

	if delivered > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(delivered)
	}

	return
}

type campusCredential struct {
	name   string
	secret string
}

func parseCampuses(list string) ([]campusCredential, error) {
	var creds []campusCredential
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, secret, ok := strings.Cut(entry, ":")
		if !ok || name == "" || secret == "" {
			return nil, fmt.Errorf("expected NAME:SECRET, got %q", entry)
		}
		creds = append(creds, campusCredential{name: strings.ToUpper(name), secret: secret})
	}
	if len(creds) < 2 {
		return nil, fmt.Errorf("at least two campuses are needed to relay traffic")
	}
	return creds, nil
}

// CampusBot plays one campus: it sends random traffic to the others and
// counts what the relay delivers to it
type CampusBot struct {
	id    int
	cred  campusCredential
	peers []string
	conn  *client.Connection
	stats *Stats
}

func NewCampusBot(id int, cred campusCredential, all []campusCredential, stats *Stats) *CampusBot {
	var peers []string
	for _, c := range all {
		if c.name != cred.name {
			peers = append(peers, c.name)
		}
	}
	return &CampusBot{id: id, cred: cred, peers: peers, stats: stats}
}

func (b *CampusBot) Connect(ctx context.Context, serverAddr string) error {
	conn, err := client.Dial(ctx, serverAddr)
	if err != nil {
		b.stats.recordConnectionError()
		return err
	}
	if err := conn.Authenticate(b.cred.name, b.cred.secret); err != nil {
		b.stats.recordConnectionError()
		conn.Close()
		return err
	}
	b.conn = conn
	return nil
}

// consume drains deliveries; routed bodies carry their send time as the first field
func (b *CampusBot) consume() {
	for msg := range b.conn.Incoming() {
		switch m := msg.(type) {
		case *protocol.RoutedMessage:
			stamp, _, _ := strings.Cut(m.Body, " ")
			if sentAt, err := strconv.ParseInt(stamp, 10, 64); err == nil {
				b.stats.recordDelivery(time.Since(time.UnixMicro(sentAt)).Microseconds())
			}
		case *protocol.FileDelivery:
			if _, err := m.Payload(); err == nil {
				b.stats.recordDelivery(0)
			}
		}
	}
	if b.conn.Err() != nil {
		b.stats.recordDisconnection()
	}
}

func (b *CampusBot) sendRandom(fileRatio float64) error {
	to := b.peers[rand.Intn(len(b.peers))]

	if rand.Float64() < fileRatio {
		data := make([]byte, 1+rand.Intn(64*1024))
		rand.Read(data)
		name := fmt.Sprintf("report-%d-%d.bin", b.id, time.Now().UnixNano())
		if err := b.conn.SendFile(to, name, data); err != nil {
			b.stats.recordFailure()
			return err
		}
		b.stats.recordSent(true)
		return nil
	}

	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount+1)
	words = append(words, strconv.FormatInt(time.Now().UnixMicro(), 10))
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}

	dept := departments[rand.Intn(len(departments))]
	if err := b.conn.SendMessage(to, dept, strings.Join(words, " ")); err != nil {
		b.stats.recordFailure()
		return err
	}
	b.stats.recordSent(false)
	return nil
}

func (b *CampusBot) Run(ctx context.Context, udpAddr string, heartbeat time.Duration, minDelay, maxDelay time.Duration, fileRatio float64) {
	defer b.conn.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.consume()
	}()

	if udpAddr != "" {
		b.stats.heartbeatsStarted.Add(1)
		go func() {
			if err := b.conn.RunHeartbeat(ctx, udpAddr, heartbeat); err != nil {
				log.Printf("[%s] heartbeat stopped: %v", b.cred.name, err)
			}
		}()
	}

	for ctx.Err() == nil {
		if err := b.sendRandom(fileRatio); err != nil && !b.conn.IsAuthenticated() {
			log.Printf("[%s] connection lost: %v", b.cred.name, err)
			break
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	// Let in-flight deliveries land before hanging up
	time.Sleep(500 * time.Millisecond)
	b.conn.Close()
	wg.Wait()
}

func main() {
	serverAddr := flag.String("server", "localhost:8080", "Relay address (host:port or ws:// URL)")
	udpAddr := flag.String("udp", "localhost:8081", "Heartbeat address (empty disables heartbeats)")
	campusList := flag.String("campuses", defaultCampuses, "Comma separated NAME:SECRET list")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between sends")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between sends")
	heartbeat := flag.Duration("heartbeat", 10*time.Second, "Heartbeat interval")
	fileRatio := flag.Float64("file-ratio", 0.1, "Fraction of sends that are file transfers")
	flag.Parse()

	creds, err := parseCampuses(*campusList)
	if err != nil {
		log.Fatalf("Invalid -campuses: %v", err)
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Campuses: %d", len(creds))
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("  File ratio: %.2f", *fileRatio)
	log.Printf("")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		lastSent := int64(0)
		for {
			select {
			case <-ticker.C:
				sent, failed, delivered, connErrors, avgLatency := stats.snapshot()
				rate := float64(sent-lastSent) / 5.0
				lastSent = sent
				log.Printf("[Stats] Sent: %d (%.1f/s) | Delivered: %d | Failed: %d | ConnErrors: %d | Avg latency: %.2fms",
					sent, rate, delivered, failed, connErrors, avgLatency/1000)
			case <-stopStats:
				return
			}
		}
	}()

	startTime := time.Now()
	for i, cred := range creds {
		bot := NewCampusBot(i, cred, creds, stats)
		if err := bot.Connect(ctx, *serverAddr); err != nil {
			log.Printf("[%s] Failed to connect: %v", cred.name, err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			bot.Run(ctx, *udpAddr, *heartbeat, *minDelay, *maxDelay, *fileRatio)
		}()
	}

	wg.Wait()
	close(stopStats)

	elapsed := time.Since(startTime)
	sent, failed, delivered, connErrors, avgLatency := stats.snapshot()

	log.Printf("")
	log.Printf("Load test complete:")
	log.Printf("  Duration: %v", elapsed.Round(time.Millisecond))
	log.Printf("  Messages sent: %d", stats.messagesSent.Load())
	log.Printf("  Files sent: %d", stats.filesSent.Load())
	log.Printf("  Delivered: %d", delivered)
	log.Printf("  Failed: %d", failed)
	log.Printf("  Connection errors: %d", connErrors)
	log.Printf("  Disconnections: %d", stats.disconnections.Load())
	log.Printf("  Heartbeat senders: %d", stats.heartbeatsStarted.Load())
	if elapsed > 0 {
		log.Printf("  Throughput: %.1f sends/s", float64(sent)/elapsed.Seconds())
	}
	log.Printf("  Avg delivery latency: %.2fms", avgLatency/1000)
}
