package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARNING", slog.LevelWarn},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseLogLevel(tt.input)
			if result != tt.expected {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("nonexistent.yaml")
	if err != nil {
		t.Fatalf("LoadConfig returned error for missing file: %v", err)
	}

	if config.Level != "INFO" {
		t.Errorf("Default level = %q, want %q", config.Level, "INFO")
	}
	if !config.ConsoleEnabled {
		t.Error("Default ConsoleEnabled = false, want true")
	}
	if config.ConsoleOutput != "stderr" {
		t.Errorf("Default ConsoleOutput = %q, want %q", config.ConsoleOutput, "stderr")
	}
	if config.FileEnabled {
		t.Error("Default FileEnabled = true, want false")
	}
	if config.FilePath != "logs/lvsave.log" {
		t.Errorf("Default FilePath = %q, want %q", config.FilePath, "logs/lvsave.log")
	}
}

func TestLoadConfigFromSharedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lvsave.yaml")
	yamlContent := `logging:
  level: DEBUG
  console_format: json
  file_enabled: true
  file_path: test.log
  file_max_size_mb: 20
client:
  host: 10.0.0.5
  port: 50000
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if config.Level != "DEBUG" {
		t.Errorf("Level = %q, want %q", config.Level, "DEBUG")
	}
	if config.ConsoleFormat != "json" {
		t.Errorf("ConsoleFormat = %q, want %q", config.ConsoleFormat, "json")
	}
	if !config.ConsoleEnabled {
		t.Error("ConsoleEnabled = false, want default true when not set")
	}
	if !config.FileEnabled {
		t.Error("FileEnabled = false, want true")
	}
	if config.FilePath != "test.log" {
		t.Errorf("FilePath = %q, want %q", config.FilePath, "test.log")
	}
	if config.FileMaxSizeMB != 20 {
		t.Errorf("FileMaxSizeMB = %d, want %d", config.FileMaxSizeMB, 20)
	}
	if config.FileMaxBackups != 5 {
		t.Errorf("FileMaxBackups = %d, want default %d", config.FileMaxBackups, 5)
	}
}

func TestLoadConfigWithoutLoggingSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lvsave.yaml")
	if err := os.WriteFile(path, []byte("client:\n  port: 4000\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if config != DefaultConfig() {
		t.Errorf("LoadConfig = %+v, want defaults", config)
	}
}

func TestEnvVarOverride(t *testing.T) {
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("LOG_CONSOLE_FORMAT", "json")
	t.Setenv("LOG_FILE_ENABLED", "true")
	t.Setenv("LOG_FILE_PATH", "/custom/path.log")

	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if config.Level != "ERROR" {
		t.Errorf("Level = %q, want %q (from env var)", config.Level, "ERROR")
	}
	if config.ConsoleFormat != "json" {
		t.Errorf("ConsoleFormat = %q, want %q (from env var)", config.ConsoleFormat, "json")
	}
	if !config.FileEnabled {
		t.Error("FileEnabled = false, want true (from env var)")
	}
	if config.FilePath != "/custom/path.log" {
		t.Errorf("FilePath = %q, want %q (from env var)", config.FilePath, "/custom/path.log")
	}
}

func TestInitializeFileHandler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "lvsave.log")
	config := DefaultConfig()
	config.ConsoleEnabled = false
	config.FileEnabled = true
	config.FilePath = path

	if err := Initialize(config); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	Info("Save request sent", "file", "Hello.dat")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "file=Hello.dat") {
		t.Errorf("log file missing record: %s", data)
	}
}

func TestInitializeFileWithoutPath(t *testing.T) {
	config := DefaultConfig()
	config.FileEnabled = true
	config.FilePath = ""
	if err := Initialize(config); err == nil {
		t.Error("Initialize succeeded without a file path, want error")
	}
}

func TestSetOutputJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "json", "INFO")

	Info("JSON test", "field1", "value1", "field2", 42)
	Debug("hidden")

	output := buf.String()
	if !strings.Contains(output, `"msg":"JSON test"`) {
		t.Errorf("Output missing JSON message field: %s", output)
	}
	if !strings.Contains(output, `"field2":42`) {
		t.Errorf("Output missing numeric JSON field: %s", output)
	}
	if strings.Contains(output, "hidden") {
		t.Errorf("Output contains DEBUG message when level is INFO: %s", output)
	}
}

func TestAlwaysBypassesLogLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "text", "ERROR")

	Info("Info message")
	Warning("Warning message")
	Error("Error message")
	Always("Always message")

	output := buf.String()
	if strings.Contains(output, "Info message") || strings.Contains(output, "Warning message") {
		t.Errorf("records below ERROR were written: %s", output)
	}
	if !strings.Contains(output, "Error message") {
		t.Error("ERROR message missing from output")
	}
	if !strings.Contains(output, "level=ALWAYS") {
		t.Errorf("ALWAYS level not formatted correctly: %s", output)
	}
}

func TestFormattedLogging(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "text", "DEBUG")

	Infof("Info: %s", "test")
	Errorf("Error: %v", "failed")

	output := buf.String()
	if !strings.Contains(output, "Info: test") {
		t.Error("Infof output incorrect")
	}
	if !strings.Contains(output, "Error: failed") {
		t.Error("Errorf output incorrect")
	}
}

func TestMultiHandler(t *testing.T) {
	var buf1, buf2 bytes.Buffer

	handler1 := slog.NewTextHandler(&buf1, &slog.HandlerOptions{Level: slog.LevelInfo})
	handler2 := slog.NewTextHandler(&buf2, &slog.HandlerOptions{Level: slog.LevelError})
	logger = slog.New(newMultiHandler(handler1, handler2))

	Info("Multi-handler test", "field", "value")

	if !strings.Contains(buf1.String(), "field=value") {
		t.Error("First handler did not receive message")
	}
	if buf2.Len() != 0 {
		t.Errorf("Second handler received a record below its level: %s", buf2.String())
	}
}

func TestNilLogger(t *testing.T) {
	logger = nil

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Logging with nil logger caused panic: %v", r)
		}
	}()

	Debug("debug")
	Info("info")
	Warning("warning")
	Error("error")
	Always("always")
}
