package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/aeolun/campusrelay/pkg/database"
	"github.com/aeolun/campusrelay/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// Command line flags
	configPath := flag.String("config", "~/.campusrelay/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	udpPort := flag.Int("udp-port", 0, "UDP heartbeat port (overrides config)")
	httpPort := flag.Int("http-port", 0, "HTTP port for /metrics, /health and /ws (overrides config, 0 keeps config)")
	credentialsDB := flag.String("credentials-db", "", "Path to SQLite credentials database (overrides config)")
	addCampus := flag.String("add-campus", "", "Add or update a campus in the credentials database (NAME:SECRET) and exit")
	hash := flag.Bool("hash", false, "Store the -add-campus secret as a bcrypt hash")
	removeCampus := flag.String("remove-campus", "", "Delete a campus from the credentials database and exit")
	disableCampus := flag.String("disable-campus", "", "Disable a campus in the credentials database and exit")
	enableCampus := flag.String("enable-campus", "", "Re-enable a campus in the credentials database and exit")
	noConsole := flag.Bool("no-console", false, "Disable the interactive operator console")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Handle --version flag
	if *version {
		fmt.Printf("Campus Relay Server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command-line flags override config file
	if *port != 0 {
		config.Server.TCPPort = *port
	}
	if *udpPort != 0 {
		config.Server.UDPPort = *udpPort
	}
	if *httpPort != 0 {
		config.Server.HTTPPort = *httpPort
	}
	if *credentialsDB != "" {
		config.Server.CredentialsDB = *credentialsDB
	}

	dbPath, err := config.GetCredentialsDBPath()
	if err != nil {
		log.Fatalf("Failed to resolve credentials database path: %v", err)
	}

	if *addCampus != "" {
		if err := seedCampus(dbPath, *addCampus, *hash); err != nil {
			log.Fatalf("Failed to add campus: %v", err)
		}
		return
	}

	if *removeCampus != "" || *disableCampus != "" || *enableCampus != "" {
		if err := updateCampus(dbPath, *removeCampus, *disableCampus, *enableCampus); err != nil {
			log.Fatalf("Failed to update campus: %v", err)
		}
		return
	}

	if *debug {
		server.EnableDebugLogging()
	}

	// Config file credentials first, database entries override them
	creds := [][]server.Credential{config.Credentials()}
	if dbPath != "" {
		dbCreds, err := server.LoadCredentialsDB(dbPath)
		if err != nil {
			log.Fatalf("Failed to load credentials: %v", err)
		}
		log.Printf("Loaded %d campus credentials from %s", len(dbCreds), dbPath)
		creds = append(creds, dbCreds)
	}
	store := server.NewCredentialStore(creds...)
	if store.Len() == 0 {
		log.Fatalf("No campuses configured; add [[campuses]] to %s or use -add-campus", *configPath)
	}

	serverConfig := config.ToServerConfig()
	srv := server.NewServer(serverConfig, store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("Campus relay %s started successfully", Version)
	log.Printf("Config: %s", *configPath)
	log.Printf("Campuses (%d): %s", store.Len(), strings.Join(store.Sites(), ", "))
	log.Printf("  - Relay (TCP): port %d", serverConfig.TCPPort)
	log.Printf("  - Heartbeat (UDP): port %d", serverConfig.UDPPort)
	if serverConfig.HTTPPort > 0 {
		log.Printf("  - HTTP: port %d (ws://server:%d/ws)", serverConfig.HTTPPort, serverConfig.HTTPPort)
	}

	if !*noConsole {
		console := server.NewConsole(srv, store.Sites(), os.Stdin, os.Stdout, stop)
		go console.Run(ctx)
	}

	<-ctx.Done()

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}

// seedCampus writes one NAME:SECRET pair into the credentials database
func seedCampus(dbPath, entry string, hash bool) error {
	if dbPath == "" {
		return fmt.Errorf("no credentials database configured (use -credentials-db)")
	}

	name, secret, ok := strings.Cut(entry, ":")
	name = strings.ToUpper(strings.TrimSpace(name))
	if !ok || name == "" || secret == "" {
		return fmt.Errorf("expected NAME:SECRET, got %q", entry)
	}

	if hash {
		hashed, err := server.HashSecret(secret)
		if err != nil {
			return err
		}
		secret = hashed
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.UpsertCampus(name, secret); err != nil {
		return err
	}
	log.Printf("Campus %s stored in %s", name, dbPath)
	return nil
}

// updateCampus applies the -remove-campus, -disable-campus and -enable-campus flags
func updateCampus(dbPath, remove, disable, enable string) error {
	if dbPath == "" {
		return fmt.Errorf("no credentials database configured (use -credentials-db)")
	}

	db, err := database.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if remove != "" {
		name := strings.ToUpper(strings.TrimSpace(remove))
		if err := db.DeleteCampus(name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		log.Printf("Campus %s removed from %s", name, dbPath)
	}
	for name, enabled := range map[string]bool{disable: false, enable: true} {
		if name == "" {
			continue
		}
		name = strings.ToUpper(strings.TrimSpace(name))
		if err := db.SetCampusEnabled(name, enabled); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		campus, err := db.GetCampus(name)
		if err != nil {
			return err
		}
		log.Printf("Campus %s enabled=%t in %s", campus.Name, campus.Enabled, dbPath)
	}
	return nil
}
