package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for tripchat.
type Config struct {
	General    GeneralConfig    `json:"general" yaml:"general"`
	Server     ServerConfig     `json:"server" yaml:"server"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Memory     MemoryConfig     `json:"memory" yaml:"memory"`
	History    HistoryConfig    `json:"history" yaml:"history"`
	Generation GenerationConfig `json:"generation" yaml:"generation"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat" yaml:"logFormat"` // "text" | "json"
}

type ServerConfig struct {
	Host                string   `json:"host" yaml:"host"`
	Port                int      `json:"port" yaml:"port"`
	WSPath              string   `json:"wsPath" yaml:"wsPath"`
	AllowedOrigins      []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"` // empty allows all
	WriteTimeoutSeconds int      `json:"writeTimeoutSeconds" yaml:"writeTimeoutSeconds"`
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type AuthConfig struct {
	JWTSecret       string `json:"jwtSecret,omitempty" yaml:"jwtSecret,omitempty"`
	Issuer          string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	TokenTTLMinutes int    `json:"tokenTTLMinutes" yaml:"tokenTTLMinutes"` // lifetime of tokens minted by `tripchat token`
}

type MemoryConfig struct {
	DBPath           string `json:"dbPath" yaml:"dbPath"`
	TxTimeoutSeconds int    `json:"txTimeoutSeconds" yaml:"txTimeoutSeconds"`
}

type HistoryConfig struct {
	DefaultPageSize int `json:"defaultPageSize" yaml:"defaultPageSize"`
	MaxPageSize     int `json:"maxPageSize" yaml:"maxPageSize"`
}

type GenerationConfig struct {
	Mode          string  `json:"mode" yaml:"mode"` // "none" | "echo"
	Concurrency   int     `json:"concurrency" yaml:"concurrency"`
	RateBurst     int     `json:"rateBurst" yaml:"rateBurst"`
	RatePerMinute float64 `json:"ratePerMinute" yaml:"ratePerMinute"`
	EchoDelayMs   int     `json:"echoDelayMs,omitempty" yaml:"echoDelayMs,omitempty"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.tripchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tripchat"
	}
	return filepath.Join(home, ".tripchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.WSPath, "/") {
		errs = append(errs, "server.wsPath must start with /")
	}
	if cfg.Server.WriteTimeoutSeconds < 1 {
		errs = append(errs, "server.writeTimeoutSeconds must be >= 1")
	}

	if s := cfg.Auth.JWTSecret; s != "" && len(s) < 16 {
		errs = append(errs, "auth.jwtSecret must be at least 16 characters")
	}
	if cfg.Auth.TokenTTLMinutes < 1 {
		errs = append(errs, "auth.tokenTTLMinutes must be >= 1")
	}

	if cfg.Memory.DBPath == "" {
		errs = append(errs, "memory.dbPath is required")
	}
	if cfg.Memory.TxTimeoutSeconds < 1 {
		errs = append(errs, "memory.txTimeoutSeconds must be >= 1")
	}

	if cfg.History.MaxPageSize < 1 || cfg.History.MaxPageSize > 100 {
		errs = append(errs, "history.maxPageSize must be between 1 and 100")
	}
	if cfg.History.DefaultPageSize < 1 || cfg.History.DefaultPageSize > cfg.History.MaxPageSize {
		errs = append(errs, "history.defaultPageSize must be between 1 and history.maxPageSize")
	}

	switch cfg.Generation.Mode {
	case "none", "echo":
	default:
		errs = append(errs, "generation.mode must be one of: none, echo")
	}
	if cfg.Generation.Concurrency < 1 || cfg.Generation.Concurrency > 100 {
		errs = append(errs, "generation.concurrency must be between 1 and 100")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
