package logger

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds logging configuration
type Config struct {
	Level          string `yaml:"level"`
	ConsoleEnabled bool   `yaml:"console_enabled"`
	ConsoleFormat  string `yaml:"console_format"`
	ConsoleOutput  string `yaml:"console_output"` // "stderr" or "stdout"
	FileEnabled    bool   `yaml:"file_enabled"`
	FilePath       string `yaml:"file_path"`
	FileFormat     string `yaml:"file_format"`
	FileMaxSizeMB  int    `yaml:"file_max_size_mb"`
	FileMaxBackups int    `yaml:"file_max_backups"`
	FileMaxAgeDays int    `yaml:"file_max_age_days"`
	FileCompress   bool   `yaml:"file_compress"`
}

// fileConfig is the shape of the shared lvsave.yaml; only the logging section is read here.
type fileConfig struct {
	Logging *struct {
		Level          string `yaml:"level"`
		ConsoleEnabled *bool  `yaml:"console_enabled"`
		ConsoleFormat  string `yaml:"console_format"`
		ConsoleOutput  string `yaml:"console_output"`
		FileEnabled    *bool  `yaml:"file_enabled"`
		FilePath       string `yaml:"file_path"`
		FileFormat     string `yaml:"file_format"`
		FileMaxSizeMB  int    `yaml:"file_max_size_mb"`
		FileMaxBackups int    `yaml:"file_max_backups"`
		FileMaxAgeDays int    `yaml:"file_max_age_days"`
		FileCompress   *bool  `yaml:"file_compress"`
	} `yaml:"logging"`
}

// DefaultConfig logs INFO and above as text to stderr.
func DefaultConfig() Config {
	return Config{
		Level:          "INFO",
		ConsoleEnabled: true,
		ConsoleFormat:  "text",
		ConsoleOutput:  "stderr",
		FileEnabled:    false,
		FilePath:       "logs/lvsave.log",
		FileFormat:     "text",
		FileMaxSizeMB:  10,
		FileMaxBackups: 5,
		FileMaxAgeDays: 30,
	}
}

// LoadConfig reads the logging section of the YAML file at configPath and then
// applies LOG_* environment overrides. A missing or unreadable file yields the defaults.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return config, err
			}
			if fc.Logging != nil {
				merge(&config, fc)
			}
		}
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.Level = logLevel
	}
	if consoleFormat := os.Getenv("LOG_CONSOLE_FORMAT"); consoleFormat != "" {
		config.ConsoleFormat = consoleFormat
	}
	if fileEnabled := os.Getenv("LOG_FILE_ENABLED"); fileEnabled != "" {
		if enabled, err := strconv.ParseBool(fileEnabled); err == nil {
			config.FileEnabled = enabled
		}
	}
	if filePath := os.Getenv("LOG_FILE_PATH"); filePath != "" {
		config.FilePath = filePath
	}

	return config, nil
}

func merge(config *Config, fc fileConfig) {
	l := fc.Logging
	if l.Level != "" {
		config.Level = l.Level
	}
	if l.ConsoleEnabled != nil {
		config.ConsoleEnabled = *l.ConsoleEnabled
	}
	if l.ConsoleFormat != "" {
		config.ConsoleFormat = l.ConsoleFormat
	}
	if l.ConsoleOutput != "" {
		config.ConsoleOutput = l.ConsoleOutput
	}
	if l.FileEnabled != nil {
		config.FileEnabled = *l.FileEnabled
	}
	if l.FilePath != "" {
		config.FilePath = l.FilePath
	}
	if l.FileFormat != "" {
		config.FileFormat = l.FileFormat
	}
	if l.FileMaxSizeMB > 0 {
		config.FileMaxSizeMB = l.FileMaxSizeMB
	}
	if l.FileMaxBackups > 0 {
		config.FileMaxBackups = l.FileMaxBackups
	}
	if l.FileMaxAgeDays > 0 {
		config.FileMaxAgeDays = l.FileMaxAgeDays
	}
	if l.FileCompress != nil {
		config.FileCompress = *l.FileCompress
	}
}
