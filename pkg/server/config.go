package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server    ServerSection    `toml:"server"`
	Heartbeat HeartbeatSection `toml:"heartbeat"`
	Campuses  []CampusEntry    `toml:"campuses"`
}

type ServerSection struct {
	TCPPort                 int    `toml:"tcp_port"`
	UDPPort                 int    `toml:"udp_port"`
	HTTPPort                int    `toml:"http_port"`
	CredentialsDB           string `toml:"credentials_db"`
	HandshakeTimeoutSeconds *int   `toml:"handshake_timeout_seconds"` // nil: default, 0: no deadline
	WriteTimeoutSeconds     int    `toml:"write_timeout_seconds"`
}

type HeartbeatSection struct {
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
	TimeoutSeconds       int `toml:"timeout_seconds"`
}

// CampusEntry is one site credential in the config file.
// Secret may be plaintext or a bcrypt hash.
type CampusEntry struct {
	Name   string `toml:"name"`
	Secret string `toml:"secret"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:                 8080,
			UDPPort:                 8081,
			HTTPPort:                0,
			HandshakeTimeoutSeconds: intPtr(30),
			WriteTimeoutSeconds:     0,
		},
		Heartbeat: HeartbeatSection{
			SweepIntervalSeconds: 15,
			TimeoutSeconds:       30,
		},
		Campuses: []CampusEntry{
			{Name: "LAHORE", Secret: "NU-LHR-123"},
			{Name: "KARACHI", Secret: "NU-KHI-123"},
			{Name: "PESHAWAR", Secret: "NU-PWR-123"},
			{Name: "CFD", Secret: "NU-CFD-123"},
			{Name: "MULTAN", Secret: "NU-MLN-123"},
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Still runnable on defaults, e.g. read-only home directory
			errorLog.Printf("Could not write default config to %s: %v", path, err)
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Secrets live in this file
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Campus Relay Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect
# http_port = 0 disables the metrics/health/websocket endpoint

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}

	if c.Server.UDPPort != 0 {
		cfg.UDPPort = c.Server.UDPPort
	}

	if c.Server.HTTPPort > 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}

	if c.Server.HandshakeTimeoutSeconds != nil && *c.Server.HandshakeTimeoutSeconds >= 0 {
		cfg.HandshakeTimeout = time.Duration(*c.Server.HandshakeTimeoutSeconds) * time.Second
	}

	if c.Server.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeout = time.Duration(c.Server.WriteTimeoutSeconds) * time.Second
	}

	if c.Heartbeat.SweepIntervalSeconds > 0 {
		cfg.SweepInterval = time.Duration(c.Heartbeat.SweepIntervalSeconds) * time.Second
	}

	if c.Heartbeat.TimeoutSeconds > 0 {
		cfg.HeartbeatTimeout = time.Duration(c.Heartbeat.TimeoutSeconds) * time.Second
	}

	return cfg
}

// Credentials returns the campus credentials declared in the config file
func (c TOMLConfig) Credentials() []Credential {
	creds := make([]Credential, 0, len(c.Campuses))
	for _, campus := range c.Campuses {
		name := strings.TrimSpace(campus.Name)
		if name == "" {
			continue
		}
		creds = append(creds, Credential{SiteID: name, Secret: campus.Secret})
	}
	return creds
}

// GetCredentialsDBPath returns the credentials database path with ~ expanded,
// or "" when no database is configured
func (c *TOMLConfig) GetCredentialsDBPath() (string, error) {
	if strings.TrimSpace(c.Server.CredentialsDB) == "" {
		return "", nil
	}
	return expandHome(c.Server.CredentialsDB)
}

func intPtr(v int) *int {
	return &v
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
