package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/liveview/lvsave/internal/journal"
)

// DefaultPort is the port the LiveView save server listens on.
const DefaultPort = 50000

// Config is the contents of lvsave.yaml. The logging section of the same file is
// read by the logger package.
type Config struct {
	Client  ClientConfig   `yaml:"client"`
	Server  ServerConfig   `yaml:"server"`
	Journal journal.Config `yaml:"journal"`
}

// ClientConfig holds the target server and the request the client sends.
type ClientConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ConnectTimeoutMS bounds the wait for the TCP connection.
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`

	// ReplyTimeoutMS bounds the wait for the server's reply to one request.
	ReplyTimeoutMS int `yaml:"reply_timeout_ms"`

	FileName  string `yaml:"file_name"`
	NumFrames int    `yaml:"num_frames"`
	NumAvgs   int    `yaml:"num_avgs"`

	// PollIntervalSeconds is the delay between requests in polling mode.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// ServerConfig holds settings for the reference save server.
type ServerConfig struct {
	Address          string            `yaml:"address"`
	WebSocketAddress string            `yaml:"websocket_address"` // empty disables WebSocket
	WebSocket        WebSocketConfig   `yaml:"websocket"`
	Connections      ConnectionsConfig `yaml:"connections"`
	RateLimit        RateLimitConfig   `yaml:"rate_limit"`
}

// RateLimitConfig holds the lockout applied to clients sending rejected requests.
type RateLimitConfig struct {
	// MaxRejects is the number of rejected requests before an IP is locked out.
	MaxRejects int `yaml:"max_rejects"`

	// LockoutSeconds is the first lockout; each further lockout doubles it.
	LockoutSeconds int `yaml:"lockout_seconds"`

	// MaxLockoutSeconds caps the lockout duration.
	MaxLockoutSeconds int `yaml:"max_lockout_seconds"`
}

// ConnectionsConfig holds connection limit settings.
type ConnectionsConfig struct {
	// MaxPerIP is the maximum concurrent connections allowed from a single IP address.
	// 0 means unlimited.
	MaxPerIP int `yaml:"max_per_ip"`

	// MaxTotal is the maximum total concurrent connections to the server.
	// 0 means unlimited.
	MaxTotal int `yaml:"max_total"`
}

// WebSocketConfig holds WebSocket-specific settings.
type WebSocketConfig struct {
	// AllowedOrigins is a list of origins allowed to connect via WebSocket.
	// Empty list enforces same-origin policy; "*" allows all origins.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxMessageSize is the maximum size of one compressed block in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`
}

// DefaultConfig returns the settings used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			Host:                "127.0.0.1",
			Port:                DefaultPort,
			ConnectTimeoutMS:    30000,
			ReplyTimeoutMS:      2000,
			FileName:            "./Hello.dat",
			NumFrames:           100,
			NumAvgs:             1,
			PollIntervalSeconds: 20,
		},
		Server: ServerConfig{
			Address: fmt.Sprintf(":%d", DefaultPort),
			WebSocket: WebSocketConfig{
				AllowedOrigins: []string{},
				MaxMessageSize: 1 << 20,
			},
			Connections: ConnectionsConfig{
				MaxPerIP: 5,
				MaxTotal: 50,
			},
			RateLimit: RateLimitConfig{
				MaxRejects:        5,
				LockoutSeconds:    30,
				MaxLockoutSeconds: 300,
			},
		},
		Journal: journal.DefaultConfig("data/lvsave.db"),
	}
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, returns the default config.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return DefaultConfig(), err
	}

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Validate reports the first setting that is out of range.
func (c *Config) Validate() error {
	cc := c.Client
	if cc.Port < 1 || cc.Port > 65535 {
		return fmt.Errorf("client.port %d out of range 1-65535", cc.Port)
	}
	if cc.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("client.connect_timeout_ms must be positive")
	}
	if cc.ReplyTimeoutMS <= 0 {
		return fmt.Errorf("client.reply_timeout_ms must be positive")
	}
	if cc.NumFrames <= 0 || cc.NumAvgs <= 0 {
		return fmt.Errorf("client.num_frames and client.num_avgs must be positive")
	}
	if cc.PollIntervalSeconds <= 0 {
		return fmt.Errorf("client.poll_interval_seconds must be positive")
	}
	if c.Server.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("server.websocket.max_message_size must be positive")
	}
	switch c.Journal.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("journal.driver %q must be sqlite or postgres", c.Journal.Driver)
	}
	return nil
}

// ConnectTimeout returns the connect timeout as a duration.
func (c ClientConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// ReplyTimeout returns the reply timeout as a duration.
func (c ClientConfig) ReplyTimeout() time.Duration {
	return time.Duration(c.ReplyTimeoutMS) * time.Millisecond
}

// PollInterval returns the polling interval as a duration.
func (c ClientConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// IsOriginAllowed checks if the given origin is allowed based on the config.
// Returns true if:
// - AllowedOrigins contains "*" (allow all)
// - AllowedOrigins contains the exact origin
// - AllowedOrigins is empty and origin matches the request host (same-origin)
func (c *WebSocketConfig) IsOriginAllowed(origin, requestHost string) bool {
	if len(c.AllowedOrigins) == 0 {
		return isSameOrigin(origin, requestHost)
	}

	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	return false
}

// isSameOrigin checks if the origin matches the request host.
func isSameOrigin(origin, requestHost string) bool {
	if origin == "" {
		return true // non-browser clients send no Origin header
	}

	originHost := origin
	if idx := strings.Index(origin, "://"); idx != -1 {
		originHost = origin[idx+3:]
	}
	originHost = strings.TrimSuffix(originHost, "/")

	return originHost == requestHost
}
