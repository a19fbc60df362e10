package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aeolun/campusrelay/pkg/client"
	"github.com/aeolun/campusrelay/pkg/protocol"
)

const usage = `Commands:
  send <CAMPUS> <DEPT> <message>   relay a message to a department at another campus
  file <CAMPUS> <path>             relay a file (up to 1,000,000 bytes)
  quit                             disconnect`

func main() {
	serverAddr := flag.String("server", "localhost:8080", "Relay address (host:port, or ws://host:port for WebSocket)")
	udpAddr := flag.String("udp", "", "Heartbeat address (default: relay host on port 8081)")
	campus := flag.String("campus", "", "Campus name")
	secret := flag.String("secret", "", "Campus secret")
	interval := flag.Duration("heartbeat", 10*time.Second, "Heartbeat interval")
	saveDir := flag.String("dir", ".", "Directory for received files")
	debug := flag.Bool("debug", false, "Log connection events to stderr")
	flag.Parse()

	if *campus == "" || *secret == "" {
		fmt.Fprintln(os.Stderr, "both -campus and -secret are required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := client.Dial(ctx, *serverAddr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	if *debug {
		conn.SetLogger(log.New(os.Stderr, "DEBUG: ", log.Ltime|log.Lmicroseconds))
	}

	if err := conn.Authenticate(*campus, *secret); err != nil {
		if errors.Is(err, client.ErrAuthFailed) {
			log.Fatalf("Authentication failed for campus %s", strings.ToUpper(*campus))
		}
		log.Fatalf("Handshake failed: %v", err)
	}
	fmt.Printf("Connected to %s as %s\n", conn.GetAddress(), conn.SiteID())

	hbAddr := *udpAddr
	if hbAddr == "" {
		hbAddr = defaultHeartbeatAddr(*serverAddr)
	}
	go func() {
		if err := conn.RunHeartbeat(ctx, hbAddr, *interval); err != nil {
			log.Printf("Heartbeat stopped: %v", err)
		}
	}()

	go printIncoming(conn, *saveDir, stop)

	fmt.Println(usage)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line := <-lines:
			if quit := handleCommand(conn, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func handleCommand(conn *client.Connection, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch strings.ToLower(fields[0]) {
	case "send":
		parts := strings.SplitN(line, " ", 4)
		if len(parts) < 4 {
			fmt.Println("usage: send <CAMPUS> <DEPT> <message>")
			return false
		}
		if err := conn.SendMessage(parts[1], parts[2], parts[3]); err != nil {
			fmt.Printf("Send failed: %v\n", err)
		}
	case "file":
		if len(fields) != 3 {
			fmt.Println("usage: file <CAMPUS> <path>")
			return false
		}
		data, err := os.ReadFile(fields[2])
		if err != nil {
			fmt.Printf("Cannot read %s: %v\n", fields[2], err)
			return false
		}
		if err := conn.SendFile(fields[1], fields[2], data); err != nil {
			fmt.Printf("File send failed: %v\n", err)
			return false
		}
		fmt.Printf("Sent %s (%d bytes) to %s\n", fields[2], len(data), strings.ToUpper(fields[1]))
	case "quit", "exit":
		return true
	default:
		fmt.Println(usage)
	}
	return false
}

func printIncoming(conn *client.Connection, saveDir string, stop func()) {
	for msg := range conn.Incoming() {
		switch m := msg.(type) {
		case *protocol.RoutedMessage:
			fmt.Printf("[%s/%s] %s\n", m.From, m.Dept, m.Body)
		case *protocol.FileDelivery:
			path, err := client.SaveDelivery(saveDir, m)
			if err != nil {
				fmt.Printf("File %s from %s could not be saved: %v\n", m.Name, m.From, err)
				continue
			}
			fmt.Printf("Received file %s (%d bytes) from %s, saved as %s\n", m.Name, m.Size, m.From, path)
		case *protocol.Broadcast:
			fmt.Printf("[BROADCAST] %s\n", m.Text)
		}
	}

	if err := conn.Err(); err != nil {
		fmt.Printf("Disconnected: %v\n", err)
	} else {
		fmt.Println("Disconnected by server")
	}
	stop()
}

// defaultHeartbeatAddr derives host:8081 from the relay address
func defaultHeartbeatAddr(serverAddr string) string {
	host := serverAddr
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	host, _, _ = strings.Cut(host, "/")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return net.JoinHostPort(host, "8081")
}
