package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"

	"github.com/peterje/popper/internal/locator"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Sidecar  SidecarConfig
	Session  SessionConfig
	Shepherd ShepherdConfig
	Tunnel   TunnelConfig
	Gateway  GatewayConfig
	Logging  LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `envconfig:"POPPER_HOST" default:"127.0.0.1"`
	Port int    `envconfig:"POPPER_PORT" default:"8800"`
}

// SidecarConfig controls how the PTY program is located.
type SidecarConfig struct {
	Program      string `envconfig:"POPPER_PROGRAM" default:"popper"`
	ResourceDir  string `envconfig:"POPPER_RESOURCE_DIR"`
	DevRoot      string `envconfig:"POPPER_DEV_ROOT"`
	TargetTriple string `envconfig:"TAURI_ENV_TARGET_TRIPLE"`
}

// SessionConfig tunes PTY sessions.
type SessionConfig struct {
	ReadBufferSize int    `envconfig:"POPPER_READ_BUFFER" default:"4096"`
	EventBuffer    int    `envconfig:"POPPER_EVENT_BUFFER" default:"1024"`
	Term           string `envconfig:"POPPER_TERM" default:"xterm-256color"`
	// WorkDir is the sidecar's working directory; empty inherits ours.
	WorkDir        string `envconfig:"POPPER_SESSION_DIR"`
}

// ShepherdConfig holds the unix socket daemon paths. Empty values are
// filled in from the home directory.
type ShepherdConfig struct {
	SocketPath string `envconfig:"POPPER_SOCKET"`
	PIDPath    string `envconfig:"POPPER_PID_FILE"`
}

// TunnelConfig holds reverse tunnel settings. The tunnel is off when
// GatewayURL is empty.
type TunnelConfig struct {
	GatewayURL string `envconfig:"POPPER_GATEWAY_URL"`
	Secret     string `envconfig:"POPPER_GATEWAY_SECRET"`
}

// GatewayConfig configures the gateway subcommand. Empty TLS paths mean a
// cached self-signed certificate.
type GatewayConfig struct {
	Port    int    `envconfig:"POPPER_GATEWAY_PORT" default:"443"`
	TLSCert string `envconfig:"POPPER_GATEWAY_TLS_CERT"`
	TLSKey  string `envconfig:"POPPER_GATEWAY_TLS_KEY"`
	Token   string `envconfig:"POPPER_GATEWAY_TOKEN"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"POPPER_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"POPPER_LOG_DEV" default:"false"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.fill()
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8800,
		},
		Sidecar: SidecarConfig{
			Program: "popper",
		},
		Session: SessionConfig{
			ReadBufferSize: 4096,
			EventBuffer:    1024,
			Term:           "xterm-256color",
		},
		Gateway: GatewayConfig{
			Port: 443,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
	cfg.fill()
	return cfg
}

// fill derives values that have no static default.
func (c *Config) fill() {
	if c.Sidecar.TargetTriple == "" {
		c.Sidecar.TargetTriple = locator.TripleFromEnv()
	}
	if c.Session.ReadBufferSize <= 0 {
		c.Session.ReadBufferSize = 4096
	}
	if c.Session.EventBuffer <= 0 {
		c.Session.EventBuffer = 1024
	}

	dir := stateDir()
	if c.Shepherd.SocketPath == "" {
		c.Shepherd.SocketPath = filepath.Join(dir, "shepherd.sock")
	}
	if c.Shepherd.PIDPath == "" {
		c.Shepherd.PIDPath = filepath.Join(dir, "shepherd.pid")
	}
}

func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".popper")
	}
	return filepath.Join(home, ".popper")
}
