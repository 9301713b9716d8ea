package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/securechat/pkg/transport"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort     int
	HTTPPort    int // Public HTTP port for /ws (0 = disabled)
	MetricsPort int // Internal HTTP port for /metrics and /health (0 = disabled)
	Framing     transport.Framing

	MaxNameLength        int
	MaxChannelNameLength int
	MaxMessageLength     int
	WriteTimeout         time.Duration
	QueueSize            int

	PingInterval   time.Duration
	SessionTimeout time.Duration
	EvictStale     bool

	RequireEncryption bool
	PlaintextHosts    []string // Hosts allowed to skip encryption when RequireEncryption is set
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:     6465,
		HTTPPort:    8080,
		MetricsPort: 9090,
		Framing:     transport.FramingLength,

		MaxNameLength:        20,
		MaxChannelNameLength: 32,
		MaxMessageLength:     4096, // bytes
		WriteTimeout:         5 * time.Second,
		QueueSize:            1024,

		PingInterval:   30 * time.Second,
		SessionTimeout: 120 * time.Second, // 2 minutes
		EvictStale:     true,

		RequireEncryption: true,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server    ServerSection    `toml:"server"`
	Limits    LimitsSection    `toml:"limits"`
	Keepalive KeepaliveSection `toml:"keepalive"`
	Security  SecuritySection  `toml:"security"`
}

type ServerSection struct {
	TCPPort     int    `toml:"tcp_port"`
	HTTPPort    int    `toml:"http_port"`
	MetricsPort int    `toml:"metrics_port"`
	Framing     string `toml:"framing"`
}

type LimitsSection struct {
	MaxNameLength        int `toml:"max_name_length"`
	MaxChannelNameLength int `toml:"max_channel_name_length"`
	MaxMessageLength     int `toml:"max_message_length"`
	WriteTimeoutMs       int `toml:"write_timeout_ms"`
	QueueSize            int `toml:"queue_size"`
}

type KeepaliveSection struct {
	PingIntervalSeconds   int   `toml:"ping_interval_seconds"`
	SessionTimeoutSeconds int   `toml:"session_timeout_seconds"`
	EvictStale            *bool `toml:"evict_stale"`
}

type SecuritySection struct {
	RequireEncryption *bool    `toml:"require_encryption"`
	PlaintextHosts    []string `toml:"plaintext_hosts"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	evict := true
	require := true
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:     6465,
			HTTPPort:    8080,
			MetricsPort: 9090,
			Framing:     "length",
		},
		Limits: LimitsSection{
			MaxNameLength:        20,
			MaxChannelNameLength: 32,
			MaxMessageLength:     4096,
			WriteTimeoutMs:       5000,
			QueueSize:            1024,
		},
		Keepalive: KeepaliveSection{
			PingIntervalSeconds:   30,
			SessionTimeoutSeconds: 120,
			EvictStale:            &evict,
		},
		Security: SecuritySection{
			RequireEncryption: &require,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// Can't write (permissions?), but defaults still work
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
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

func envInt(key string, target *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*target = n
		}
	}
}

func envBool(key string, target **bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*target = &b
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: SECURECHAT_SECTION_KEY
// Example: SECURECHAT_SERVER_TCP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	envInt("SECURECHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("SECURECHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("SECURECHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	if val := os.Getenv("SECURECHAT_SERVER_FRAMING"); val != "" {
		config.Server.Framing = val
	}

	// Limits section
	envInt("SECURECHAT_LIMITS_MAX_NAME_LENGTH", &config.Limits.MaxNameLength)
	envInt("SECURECHAT_LIMITS_MAX_CHANNEL_NAME_LENGTH", &config.Limits.MaxChannelNameLength)
	envInt("SECURECHAT_LIMITS_MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength)
	envInt("SECURECHAT_LIMITS_WRITE_TIMEOUT_MS", &config.Limits.WriteTimeoutMs)
	envInt("SECURECHAT_LIMITS_QUEUE_SIZE", &config.Limits.QueueSize)

	// Keepalive section
	envInt("SECURECHAT_KEEPALIVE_PING_INTERVAL_SECONDS", &config.Keepalive.PingIntervalSeconds)
	envInt("SECURECHAT_KEEPALIVE_SESSION_TIMEOUT_SECONDS", &config.Keepalive.SessionTimeoutSeconds)
	envBool("SECURECHAT_KEEPALIVE_EVICT_STALE", &config.Keepalive.EvictStale)

	// Security section
	envBool("SECURECHAT_SECURITY_REQUIRE_ENCRYPTION", &config.Security.RequireEncryption)
	if val := os.Getenv("SECURECHAT_SECURITY_PLAINTEXT_HOSTS"); val != "" {
		hosts := strings.Split(val, ",")
		for i, host := range hosts {
			hosts[i] = strings.TrimSpace(host)
		}
		config.Security.PlaintextHosts = hosts
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# SecureChat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# SECURECHAT_SECTION_KEY (e.g., SECURECHAT_SERVER_TCP_PORT=8080)

[server]
# Port for TCP connections
tcp_port = 6465

# Port for the public HTTP server (/ws endpoint)
# Set to 0 to disable
http_port = 8080

# Port for the internal metrics server (/metrics, /health) - never expose publicly
# Set to 0 to disable
metrics_port = 9090

# Transport framing: "length" (2-byte length prefix) or "stream" (legacy, no prefix)
framing = "length"

[limits]
# Maximum user name length in characters
max_name_length = 20

# Maximum channel name length in characters
max_channel_name_length = 32

# Maximum chat message length in bytes
max_message_length = 4096

# A write to a peer that takes longer than this fails and closes that connection
write_timeout_ms = 5000

# Capacity of the shared outbound queue
# queue_size = 1024

[keepalive]
# How often every connection is pinged
ping_interval_seconds = 30

# Users silent for longer than this are stale
session_timeout_seconds = 120

# Close the connections of stale users (false = only log them)
evict_stale = true

[security]
# Refuse plaintext sessions
require_encryption = true

# Hosts that may connect without encryption even when it is required
# plaintext_hosts = ["127.0.0.1"]
`

	if _, err := f.WriteString(content); err != nil {
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
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}
	if strings.EqualFold(strings.TrimSpace(c.Server.Framing), "stream") {
		cfg.Framing = transport.FramingStream
	}

	if c.Limits.MaxNameLength != 0 {
		cfg.MaxNameLength = c.Limits.MaxNameLength
	}
	if c.Limits.MaxChannelNameLength != 0 {
		cfg.MaxChannelNameLength = c.Limits.MaxChannelNameLength
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.WriteTimeoutMs != 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutMs) * time.Millisecond
	}
	if c.Limits.QueueSize != 0 {
		cfg.QueueSize = c.Limits.QueueSize
	}

	if c.Keepalive.PingIntervalSeconds != 0 {
		cfg.PingInterval = time.Duration(c.Keepalive.PingIntervalSeconds) * time.Second
	}
	if c.Keepalive.SessionTimeoutSeconds != 0 {
		cfg.SessionTimeout = time.Duration(c.Keepalive.SessionTimeoutSeconds) * time.Second
	}
	if c.Keepalive.EvictStale != nil {
		cfg.EvictStale = *c.Keepalive.EvictStale
	}

	if c.Security.RequireEncryption != nil {
		cfg.RequireEncryption = *c.Security.RequireEncryption
	}
	if len(c.Security.PlaintextHosts) > 0 {
		cfg.PlaintextHosts = c.Security.PlaintextHosts
	}

	return cfg
}
