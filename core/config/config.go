package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dbridge-io/dbridge/core/logger"
)

// Environment variable pattern: {{ env.VARIABLE_NAME }}
var envVarPattern = regexp.MustCompile(`\{\{\s*env\.(\w+)\s*\}\}`)

// Config holds gateway-wide settings. All paths are created on load.
type Config struct {
	// DataDir holds the embedded metadata store.
	DataDir string `yaml:"data_dir" validate:"required"`
	// BackupDir receives backup artifacts.
	BackupDir string `yaml:"backup_dir" validate:"required"`
	// ExportDir receives bulk export artifacts.
	ExportDir string `yaml:"export_dir" validate:"required"`
	// LogLevel: 1=error 2=warn 3=info 4=debug.
	LogLevel int `yaml:"log_level" validate:"min=0,max=4"`
	// HistorySize bounds the per-connection query history ring.
	HistorySize int `yaml:"history_size" validate:"min=0,max=10000"`
	// DefaultBatchSize for bulk imports when the caller does not set one.
	DefaultBatchSize int `yaml:"default_batch_size" validate:"min=0,max=100000"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		DataDir:          ".dbridge",
		BackupDir:        filepath.Join(".dbridge", "backups"),
		ExportDir:        filepath.Join(".dbridge", "exports"),
		LogLevel:         logger.LogLevelInfo,
		HistorySize:      100,
		DefaultBatchSize: 500,
	}
}

// Load reads configuration from an optional YAML file, then applies
// DBRIDGE_* environment overrides. A .env file next to the working
// directory is honored when present.
func Load(path string) (*Config, error) {
	// Missing .env is fine
	if err := godotenv.Load(); err != nil {
		logger.New("config").Debugf("no .env loaded: %v", err)
	}

	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}

		substituted, err := substituteEnvVars(string(content))
		if err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}

		if err := yaml.Unmarshal([]byte(substituted), cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	for _, dir := range []string{cfg.DataDir, cfg.BackupDir, cfg.ExportDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory '%s': %w", dir, err)
		}
	}

	if cfg.LogLevel > 0 {
		logger.SetLogLevel(cfg.LogLevel)
	}

	return cfg, nil
}

// substituteEnvVars replaces {{ env.VARIABLE_NAME }} placeholders with
// environment variable values. Unset variables are an error.
func substituteEnvVars(value string) (string, error) {
	result := value
	matches := envVarPattern.FindAllStringSubmatch(value, -1)
	seen := make(map[string]bool)

	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		envVarName := match[1]
		placeholder := match[0]

		if seen[placeholder] {
			continue
		}
		seen[placeholder] = true

		envValue, exists := os.LookupEnv(envVarName)
		if !exists {
			return "", fmt.Errorf("environment variable '%s' not found", envVarName)
		}

		result = strings.ReplaceAll(result, placeholder, envValue)
	}

	return result, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DBRIDGE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DBRIDGE_BACKUP_DIR"); v != "" {
		cfg.BackupDir = v
	}
	if v := os.Getenv("DBRIDGE_EXPORT_DIR"); v != "" {
		cfg.ExportDir = v
	}
	if v := os.Getenv("DBRIDGE_LOG_LEVEL"); v != "" {
		if level, err := strconv.Atoi(v); err == nil {
			cfg.LogLevel = level
		}
	}
	if v := os.Getenv("DBRIDGE_HISTORY_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.HistorySize = size
		}
	}
	if v := os.Getenv("DBRIDGE_DEFAULT_BATCH_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.DefaultBatchSize = size
		}
	}
}
