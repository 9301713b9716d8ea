package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/securechat/pkg/transport"
)

func TestLoadConfigWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig().Server, cfg.Server)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config file should be written")

	// The written file parses back to the same settings
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.ToServerConfig(), again.ToServerConfig())
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
tcp_port = 7000
framing = "stream"

[limits]
max_message_length = 100
write_timeout_ms = 250

[keepalive]
ping_interval_seconds = 5
evict_stale = false

[security]
require_encryption = false
plaintext_hosts = ["127.0.0.1"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	tomlCfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg := tomlCfg.ToServerConfig()

	assert.Equal(t, 7000, cfg.TCPPort)
	assert.Equal(t, transport.FramingStream, cfg.Framing)
	assert.Equal(t, 100, cfg.MaxMessageLength)
	assert.Equal(t, 250*time.Millisecond, cfg.WriteTimeout)
	assert.Equal(t, 5*time.Second, cfg.PingInterval)
	assert.False(t, cfg.EvictStale)
	assert.False(t, cfg.RequireEncryption)
	assert.Equal(t, []string{"127.0.0.1"}, cfg.PlaintextHosts)

	// Unset values keep their defaults
	defaults := DefaultConfig()
	assert.Equal(t, defaults.HTTPPort, cfg.HTTPPort)
	assert.Equal(t, defaults.MaxNameLength, cfg.MaxNameLength)
	assert.Equal(t, defaults.SessionTimeout, cfg.SessionTimeout)
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ntcp_port = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SECURECHAT_SERVER_TCP_PORT", "7100")
	t.Setenv("SECURECHAT_KEEPALIVE_EVICT_STALE", "false")
	t.Setenv("SECURECHAT_SECURITY_PLAINTEXT_HOSTS", "10.0.0.1, 10.0.0.2")
	t.Setenv("SECURECHAT_LIMITS_MAX_NAME_LENGTH", "not-a-number")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	server := cfg.ToServerConfig()

	assert.Equal(t, 7100, server.TCPPort)
	assert.False(t, server.EvictStale)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, server.PlaintextHosts)
	assert.Equal(t, DefaultConfig().MaxNameLength, server.MaxNameLength)
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	var cfg TOMLConfig
	assert.Equal(t, DefaultConfig(), cfg.ToServerConfig())
}
