package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port                  string      `yaml:"port"`
	Environment           string      `yaml:"environment"`
	AllowedOrigins        []string    `yaml:"allowed_origins"`
	JWTSecret             string      `yaml:"jwt_secret"`
	RequireControllerAuth bool        `yaml:"require_controller_auth"`
	Debug                 bool        `yaml:"debug"`
	Redis                 RedisConfig `yaml:"redis"`

	Client     ClientConfig     `yaml:"client"`
	Transition TransitionConfig `yaml:"transition"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ClientConfig holds the settings shared by the controller and synth processes.
type ClientConfig struct {
	SignalingURL       string        `yaml:"signaling_url"`
	ClientID           string        `yaml:"client_id"`
	Token              string        `yaml:"token"`
	ICEServers         []string      `yaml:"ice_servers"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	PeerConnectTimeout time.Duration `yaml:"peer_connect_timeout"`
	PeerMaxRetries     int           `yaml:"peer_max_retries"`
	ReconnectMin       time.Duration `yaml:"reconnect_min"`
	ReconnectMax       time.Duration `yaml:"reconnect_max"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	MetricsAddr        string        `yaml:"metrics_addr"`
	BankBackend        string        `yaml:"bank_backend"`
}

// TransitionConfig carries the defaults applied to every program send.
type TransitionConfig struct {
	Duration       float64 `yaml:"duration"`
	Stagger        float64 `yaml:"stagger"`
	DurationSpread float64 `yaml:"duration_spread"`
	Glissando      bool    `yaml:"glissando"`
}

// Load builds the configuration from CONFIG_FILE (when set) and the
// environment. Environment variables win over file values.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvironment(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:           "8080",
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		JWTSecret:      "change-me-in-production",
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Client: ClientConfig{
			SignalingURL:       "ws://localhost:8080/ws/signal",
			ICEServers:         []string{"stun:stun.l.google.com:19302"},
			ConnectTimeout:     5 * time.Second,
			PeerConnectTimeout: 10 * time.Second,
			PeerMaxRetries:     3,
			ReconnectMin:       time.Second,
			ReconnectMax:       30 * time.Second,
			PingInterval:       5 * time.Second,
			BankBackend:        "memory",
		},
		Transition: TransitionConfig{
			Duration:  1.0,
			Glissando: true,
		},
	}
}

func applyEnvironment(cfg *Config) error {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)

	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnv("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)

	c := &cfg.Client
	c.SignalingURL = getEnv("SIGNALING_URL", c.SignalingURL)
	c.ClientID = getEnv("CLIENT_ID", c.ClientID)
	c.Token = getEnv("SIGNALING_TOKEN", c.Token)
	if servers := os.Getenv("ICE_SERVERS"); servers != "" {
		c.ICEServers = splitList(servers)
	}
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.BankBackend = getEnv("BANK_BACKEND", c.BankBackend)

	var err error
	set := func(e error) {
		if err == nil {
			err = e
		}
	}
	set(envBool("REDIS_ENABLED", &cfg.Redis.Enabled))
	set(envBool("REQUIRE_CONTROLLER_AUTH", &cfg.RequireControllerAuth))
	set(envBool("DEBUG", &cfg.Debug))
	set(envDuration("CONNECT_TIMEOUT", &c.ConnectTimeout))
	set(envDuration("PEER_CONNECT_TIMEOUT", &c.PeerConnectTimeout))
	set(envDuration("RECONNECT_MIN", &c.ReconnectMin))
	set(envDuration("RECONNECT_MAX", &c.ReconnectMax))
	set(envDuration("PING_INTERVAL", &c.PingInterval))
	set(envInt("PEER_MAX_RETRIES", &c.PeerMaxRetries))
	set(envInt("REDIS_DB", &cfg.Redis.DB))

	t := &cfg.Transition
	set(envFloat("TRANSITION_DURATION", &t.Duration))
	set(envFloat("TRANSITION_STAGGER", &t.Stagger))
	set(envFloat("TRANSITION_SPREAD", &t.DurationSpread))
	set(envBool("TRANSITION_GLISSANDO", &t.Glissando))
	return err
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envBool(key string, dst *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func envInt(key string, dst *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = f
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
