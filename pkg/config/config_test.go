package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("non-existent-config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "/ws", cfg.Signal.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.False(t, cfg.TLSEnabled())
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ":9000"
  read_timeout: 10s
  write_timeout: 15s

signal:
  ping_interval: 5s
  pong_timeout: 10s

webrtc:
  ice_servers:
    - urls: ["stun:stun.example.com:3478"]
    - urls: ["turn:turn.example.com:3478"]
      username: "u"
      credential: "c"

session:
  token_idle_timeout: 1h
  participant_idle_timeout: 2m

storage:
  driver: file
  data_dir: /var/lib/duet

logging:
  level: "debug"
  format: "json"
`)

	t.Setenv("DUET_SERVER_ADDRESS", ":7000")
	t.Setenv("DUET_LOG_LEVEL", "warn")
	t.Setenv("DUET_SESSION_TIMEOUT", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	// YAML values
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 5*time.Second, cfg.Signal.PingInterval)
	assert.Equal(t, time.Hour, cfg.Session.TokenIdleTimeout)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, "/var/lib/duet", cfg.Storage.DataDir)
	require.Len(t, cfg.WebRTC.ICEServers, 2)
	assert.Equal(t, "u", cfg.WebRTC.ICEServers[1].Username)

	// Env overrides
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 90*time.Second, cfg.Session.ParticipantIdleTimeout)
}

func TestLoad_ICEServerEnvOverrides(t *testing.T) {
	t.Setenv("DUET_STUN_URLS", "stun:a.example.com:3478, stun:b.example.com:3478")
	t.Setenv("DUET_TURN_URLS", "turn:t.example.com:3478")
	t.Setenv("DUET_TURN_USERNAME", "alice")
	t.Setenv("DUET_TURN_CREDENTIAL", "pw")

	cfg, err := Load("missing.yaml")
	require.NoError(t, err)
	require.Len(t, cfg.WebRTC.ICEServers, 2)
	assert.Equal(t, []string{"stun:a.example.com:3478", "stun:b.example.com:3478"}, cfg.WebRTC.ICEServers[0].URLs)
	assert.Equal(t, "alice", cfg.WebRTC.ICEServers[1].Username)
	assert.Equal(t, "pw", cfg.WebRTC.ICEServers[1].Credential)
}

func TestLoad_TLSFromEnv(t *testing.T) {
	t.Setenv("DUET_TLS_CERT_FILE", "/etc/duet/cert.pem")
	t.Setenv("DUET_TLS_KEY_FILE", "/etc/duet/key.pem")

	cfg, err := Load("missing.yaml")
	require.NoError(t, err)
	assert.True(t, cfg.TLSEnabled())
}

func TestLoad_InvalidDurationEnv(t *testing.T) {
	t.Setenv("DUET_TOKEN_IDLE_TIMEOUT", "soon")

	_, err := Load("missing.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.Credentials.RequestsPerMinute = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty address", func(c *Config) { c.Server.Address = "" }},
		{"half tls", func(c *Config) { c.Server.TLS.CertFile = "cert.pem" }},
		{"relative signal path", func(c *Config) { c.Signal.Path = "ws" }},
		{"pong before ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"no message size", func(c *Config) { c.Signal.MaxMessageSizeBytes = 0 }},
		{"bad ice url", func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{URLs: []string{"http://x"}}} }},
		{"empty ice urls", func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{}} }},
		{"turn secret without ttl", func(c *Config) {
			c.WebRTC.TURNSecret = "s"
			c.WebRTC.TURNCredentialTTL = 0
		}},
		{"zero token idle", func(c *Config) { c.Session.TokenIdleTimeout = 0 }},
		{"zero sweep interval", func(c *Config) { c.Session.SweepInterval = 0 }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"file without dir", func(c *Config) {
			c.Storage.Driver = "file"
			c.Storage.DataDir = ""
		}},
		{"redis without address", func(c *Config) {
			c.Storage.Driver = "redis"
			c.Redis.Address = ""
		}},
		{"tracing bad sample rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"http rps", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http max concurrent", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"credentials rpm", func(c *Config) { c.RateLimiting.Credentials.RequestsPerMinute = 0 }},
		{"ws burst", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}
