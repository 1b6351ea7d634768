package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	cc := cfg.Client
	if cc.Host != "127.0.0.1" || cc.Port != 50000 {
		t.Errorf("client target = %s:%d, want 127.0.0.1:50000", cc.Host, cc.Port)
	}
	if cc.ReplyTimeout() != 2*time.Second {
		t.Errorf("reply timeout = %v, want 2s", cc.ReplyTimeout())
	}
	if cc.ConnectTimeout() != 30*time.Second {
		t.Errorf("connect timeout = %v, want 30s", cc.ConnectTimeout())
	}
	if cc.PollInterval() != 20*time.Second {
		t.Errorf("poll interval = %v, want 20s", cc.PollInterval())
	}
	if cc.FileName != "./Hello.dat" || cc.NumFrames != 100 || cc.NumAvgs != 1 {
		t.Errorf("client request = %s/%d/%d, want ./Hello.dat/100/1", cc.FileName, cc.NumFrames, cc.NumAvgs)
	}

	if cfg.Server.Address != ":50000" {
		t.Errorf("server address = %q, want :50000", cfg.Server.Address)
	}
	if cfg.Server.WebSocketAddress != "" {
		t.Errorf("websocket address = %q, want disabled", cfg.Server.WebSocketAddress)
	}
	if len(cfg.Server.WebSocket.AllowedOrigins) != 0 {
		t.Errorf("expected empty allowed origins by default, got %v", cfg.Server.WebSocket.AllowedOrigins)
	}
	if cfg.Server.WebSocket.MaxMessageSize != 1<<20 {
		t.Errorf("max message size = %d, want %d", cfg.Server.WebSocket.MaxMessageSize, 1<<20)
	}
	if cfg.Server.RateLimit.MaxRejects != 5 {
		t.Errorf("max rejects = %d, want 5", cfg.Server.RateLimit.MaxRejects)
	}

	if cfg.Journal.Driver != "sqlite" || cfg.Journal.SQLitePath != "data/lvsave.db" {
		t.Errorf("journal = %s %s, want sqlite data/lvsave.db", cfg.Journal.Driver, cfg.Journal.SQLitePath)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config is invalid: %v", err)
	}
}

func TestLoadConfig_FileNotExists(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/lvsave.yaml")

	if err != nil {
		t.Errorf("expected no error for missing file, got %v", err)
	}
	if cfg == nil {
		t.Fatal("expected default config for missing file, got nil")
	}
	if cfg.Client.Port != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.Client.Port, DefaultPort)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "lvsave.yaml")

	content := `
logging:
  level: DEBUG
client:
  host: 192.168.10.20
  port: 50001
  reply_timeout_ms: 500
  file_name: /data/run1.dat
server:
  websocket_address: ":8080"
  websocket:
    allowed_origins:
      - "https://example.com"
      - "http://localhost:3000"
    max_message_size: 8192
journal:
  driver: postgres
  postgres:
    host: db.local
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Client.Host != "192.168.10.20" || cfg.Client.Port != 50001 {
		t.Errorf("client target = %s:%d", cfg.Client.Host, cfg.Client.Port)
	}
	if cfg.Client.ReplyTimeout() != 500*time.Millisecond {
		t.Errorf("reply timeout = %v, want 500ms", cfg.Client.ReplyTimeout())
	}
	if cfg.Client.FileName != "/data/run1.dat" {
		t.Errorf("file name = %q", cfg.Client.FileName)
	}
	// Unset keys keep their defaults.
	if cfg.Client.NumFrames != 100 {
		t.Errorf("num frames = %d, want default 100", cfg.Client.NumFrames)
	}

	if cfg.Server.WebSocketAddress != ":8080" {
		t.Errorf("websocket address = %q, want :8080", cfg.Server.WebSocketAddress)
	}
	if len(cfg.Server.WebSocket.AllowedOrigins) != 2 {
		t.Errorf("expected 2 allowed origins, got %d", len(cfg.Server.WebSocket.AllowedOrigins))
	}
	if cfg.Server.WebSocket.MaxMessageSize != 8192 {
		t.Errorf("expected max message size 8192, got %d", cfg.Server.WebSocket.MaxMessageSize)
	}

	if cfg.Journal.Driver != "postgres" {
		t.Errorf("journal driver = %q, want postgres", cfg.Journal.Driver)
	}
	if cfg.Journal.Postgres.Host != "db.local" || cfg.Journal.Postgres.Port != 5432 {
		t.Errorf("postgres = %s:%d, want db.local:5432", cfg.Journal.Postgres.Host, cfg.Journal.Postgres.Port)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "lvsave.yaml")
	if err := os.WriteFile(configPath, []byte("client: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
	if cfg == nil || cfg.Client.Port != DefaultPort {
		t.Error("expected defaults alongside the error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"port zero", func(c *Config) { c.Client.Port = 0 }, "client.port"},
		{"port too large", func(c *Config) { c.Client.Port = 65536 }, "client.port"},
		{"connect timeout", func(c *Config) { c.Client.ConnectTimeoutMS = 0 }, "connect_timeout_ms"},
		{"reply timeout", func(c *Config) { c.Client.ReplyTimeoutMS = -1 }, "reply_timeout_ms"},
		{"frames", func(c *Config) { c.Client.NumFrames = 0 }, "num_frames"},
		{"avgs", func(c *Config) { c.Client.NumAvgs = -3 }, "num_avgs"},
		{"interval", func(c *Config) { c.Client.PollIntervalSeconds = 0 }, "poll_interval_seconds"},
		{"message size", func(c *Config) { c.Server.WebSocket.MaxMessageSize = 0 }, "max_message_size"},
		{"driver", func(c *Config) { c.Journal.Driver = "mysql" }, "journal.driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error mentioning %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestIsOriginAllowed_EmptyList_SameOrigin(t *testing.T) {
	cfg := WebSocketConfig{
		AllowedOrigins: []string{},
	}

	if !cfg.IsOriginAllowed("", "localhost:8080") {
		t.Error("expected empty origin to be allowed (same-origin)")
	}
	if !cfg.IsOriginAllowed("http://localhost:8080", "localhost:8080") {
		t.Error("expected matching origin to be allowed (same-origin)")
	}
	if cfg.IsOriginAllowed("http://evil.com", "localhost:8080") {
		t.Error("expected different origin to be rejected (same-origin policy)")
	}
}

func TestIsOriginAllowed_Wildcard(t *testing.T) {
	cfg := WebSocketConfig{
		AllowedOrigins: []string{"*"},
	}

	if !cfg.IsOriginAllowed("http://anything.com", "localhost:8080") {
		t.Error("expected wildcard to allow any origin")
	}
	if !cfg.IsOriginAllowed("", "localhost:8080") {
		t.Error("expected wildcard to allow empty origin")
	}
}

func TestIsOriginAllowed_ExactMatch(t *testing.T) {
	cfg := WebSocketConfig{
		AllowedOrigins: []string{
			"https://example.com",
			"http://localhost:3000",
		},
	}

	if !cfg.IsOriginAllowed("https://example.com", "localhost:8080") {
		t.Error("expected exact match to be allowed")
	}
	if !cfg.IsOriginAllowed("http://localhost:3000", "localhost:8080") {
		t.Error("expected exact match to be allowed")
	}
	if cfg.IsOriginAllowed("http://evil.com", "localhost:8080") {
		t.Error("expected non-matching origin to be rejected")
	}
	if cfg.IsOriginAllowed("https://example.com:8443", "localhost:8080") {
		t.Error("expected partial match to be rejected")
	}
}

func TestIsSameOrigin(t *testing.T) {
	tests := []struct {
		origin      string
		requestHost string
		expected    bool
	}{
		{"", "localhost:8080", true},
		{"http://localhost:8080", "localhost:8080", true},
		{"https://localhost:8080", "localhost:8080", true},
		{"http://localhost:8080/", "localhost:8080", true},
		{"http://example.com", "localhost:8080", false},
		{"http://localhost:3000", "localhost:8080", false},
		{"ws://localhost:8080", "localhost:8080", true},
	}

	for _, tt := range tests {
		result := isSameOrigin(tt.origin, tt.requestHost)
		if result != tt.expected {
			t.Errorf("isSameOrigin(%q, %q) = %v, want %v",
				tt.origin, tt.requestHost, result, tt.expected)
		}
	}
}
