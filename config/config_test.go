package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// clearEnv unsets every variable Load reads, restoring them after the test.
func clearEnv(t *testing.T) {
	for _, key := range []string{
		"CONFIG_FILE", "PORT", "ENVIRONMENT", "ALLOWED_ORIGINS", "JWT_SECRET",
		"REQUIRE_CONTROLLER_AUTH", "DEBUG",
		"REDIS_ENABLED", "REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "REDIS_DB",
		"SIGNALING_URL", "CLIENT_ID", "SIGNALING_TOKEN", "ICE_SERVERS",
		"CONNECT_TIMEOUT", "PEER_CONNECT_TIMEOUT", "PEER_MAX_RETRIES",
		"RECONNECT_MIN", "RECONNECT_MAX", "PING_INTERVAL", "METRICS_ADDR", "BANK_BACKEND",
		"TRANSITION_DURATION", "TRANSITION_STAGGER", "TRANSITION_SPREAD", "TRANSITION_GLISSANDO",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(defaults(), cfg); diff != "" {
		t.Errorf("defaults (-want, +got):\n%s", diff)
	}
}

func TestEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("ICE_SERVERS", "stun:one,turn:two")
	t.Setenv("PING_INTERVAL", "250ms")
	t.Setenv("TRANSITION_STAGGER", "0.2")
	t.Setenv("TRANSITION_GLISSANDO", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := defaults()
	want.Port = "9000"
	want.AllowedOrigins = []string{"https://a.example", "https://b.example"}
	want.Redis.Enabled = true
	want.Redis.DB = 2
	want.Client.ICEServers = []string{"stun:one", "turn:two"}
	want.Client.PingInterval = 250 * time.Millisecond
	want.Transition.Stagger = 0.2
	want.Transition.Glissando = false
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config (-want, +got):\n%s", diff)
	}
}

func TestConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "ensemble.yaml")
	const data = `port: "7000"
require_controller_auth: true
client:
  signaling_url: ws://relay.example/ws/signal
  peer_max_retries: 5
  reconnect_max: 1m
transition:
  duration: 2.5
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := defaults()
	want.Port = "7001" // environment wins
	want.RequireControllerAuth = true
	want.Client.SignalingURL = "ws://relay.example/ws/signal"
	want.Client.PeerMaxRetries = 5
	want.Client.ReconnectMax = time.Minute
	want.Transition.Duration = 2.5
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config (-want, +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"DEBUG", "sometimes"},
		{"REDIS_DB", "one"},
		{"CONNECT_TIMEOUT", "5"},
		{"TRANSITION_DURATION", "slow"},
		{"CONFIG_FILE", "/nonexistent/ensemble.yaml"},
	}
	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load with %s=%q: got nil error", tc.key, tc.value)
			}
		})
	}
}
