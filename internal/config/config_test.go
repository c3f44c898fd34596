package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.General.LogLevel = "loud" }, "general.logLevel"},
		{"log format", func(c *Config) { c.General.LogFormat = "xml" }, "general.logFormat"},
		{"negative port", func(c *Config) { c.Server.Port = -1 }, "server.port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"ws path", func(c *Config) { c.Server.WSPath = "ws" }, "server.wsPath"},
		{"write timeout", func(c *Config) { c.Server.WriteTimeoutSeconds = 0 }, "server.writeTimeoutSeconds"},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "auth.jwtSecret"},
		{"token ttl", func(c *Config) { c.Auth.TokenTTLMinutes = 0 }, "auth.tokenTTLMinutes"},
		{"db path", func(c *Config) { c.Memory.DBPath = "" }, "memory.dbPath"},
		{"tx timeout", func(c *Config) { c.Memory.TxTimeoutSeconds = 0 }, "memory.txTimeoutSeconds"},
		{"max page size", func(c *Config) { c.History.MaxPageSize = 101 }, "history.maxPageSize"},
		{"default above max", func(c *Config) { c.History.DefaultPageSize = 60; c.History.MaxPageSize = 50 }, "history.defaultPageSize"},
		{"generation mode", func(c *Config) { c.Generation.Mode = "gpt" }, "generation.mode"},
		{"generation concurrency", func(c *Config) { c.Generation.Concurrency = 0 }, "generation.concurrency"},
		{"metrics endpoint", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Endpoint = "metrics" }, "metrics.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_PageSizeBoundary(t *testing.T) {
	cfg := Defaults()
	cfg.History.DefaultPageSize = 100
	cfg.History.MaxPageSize = 100
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaultPageSize=maxPageSize=100 should be valid: %v", err)
	}
	cfg.History.DefaultPageSize = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaultPageSize=1 should be valid: %v", err)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			original := Defaults()
			original.Server.Port = 9443
			original.Server.AllowedOrigins = []string{"https://app.example"}
			original.Generation.Mode = "echo"

			if err := Save(path, original); err != nil {
				t.Fatalf("save: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loaded.Server.Port != 9443 || loaded.Generation.Mode != "echo" {
				t.Fatalf("round trip mismatch: %+v", loaded)
			}
			if len(loaded.Server.AllowedOrigins) != 1 || loaded.Server.AllowedOrigins[0] != "https://app.example" {
				t.Fatalf("allowedOrigins mismatch: %v", loaded.Server.AllowedOrigins)
			}
		})
	}
}

func TestLoad_YAMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tripchat.yml")
	content := "server:\n  port: 9000\ngeneration:\n  mode: echo\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Server.WSPath != "/ws" || cfg.History.DefaultPageSize != 50 {
		t.Fatalf("defaults should survive a partial file: %+v", cfg)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("server: [port"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"history": {"maxPageSize": 500}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for maxPageSize=500")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_TRIPCHAT_SECRET", "an-env-provided-signing-secret")
	t.Setenv("TEST_TRIPCHAT_DB", "/tmp/tripchat-test.db")

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"auth": {"jwtSecret": "${TEST_TRIPCHAT_SECRET}"},
		"memory": {"dbPath": "${TEST_TRIPCHAT_DB}", "txTimeoutSeconds": 5},
		"server": {"host": "${TEST_TRIPCHAT_HOST:-0.0.0.0}"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Auth.JWTSecret != "an-env-provided-signing-secret" {
		t.Fatalf("secret not substituted: %q", cfg.Auth.JWTSecret)
	}
	if cfg.Memory.DBPath != "/tmp/tripchat-test.db" {
		t.Fatalf("dbPath not substituted: %q", cfg.Memory.DBPath)
	}
	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Fatalf("expected default host, got %q", cfg.Server.Addr())
	}
}

func TestLoad_ExpandsHomeInDBPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"memory": {"dbPath": "~/chat.db", "txTimeoutSeconds": 5}}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Memory.DBPath != filepath.Join(home, "chat.db") {
		t.Fatalf("expected expanded path, got %q", cfg.Memory.DBPath)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "generation.mode")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "none" {
		t.Fatalf("expected 'none', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	if _, err := GetByPath(Defaults(), "nonexistent.path"); err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_StringValue(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "generation.mode", "echo"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Generation.Mode != "echo" {
		t.Fatalf("expected 'echo', got %q", cfg.Generation.Mode)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "metrics.enabled", "true"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if !cfg.Metrics.Enabled {
		t.Fatal("expected metrics.enabled=true")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "history.defaultPageSize", "20"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.History.DefaultPageSize != 20 {
		t.Fatalf("expected 20, got %d", cfg.History.DefaultPageSize)
	}
}

func TestSetByPath_FloatAndList(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "generation.ratePerMinute", "12.5"); err != nil {
		t.Fatalf("set float: %v", err)
	}
	if cfg.Generation.RatePerMinute != 12.5 {
		t.Fatalf("expected 12.5, got %v", cfg.Generation.RatePerMinute)
	}
	if err := SetByPath(cfg, "server.allowedOrigins", "https://a.example, https://b.example,"); err != nil {
		t.Fatalf("set list: %v", err)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.Server.AllowedOrigins)
	}
}

func TestSetByPath_Rejections(t *testing.T) {
	tests := map[string][2]string{
		"unknown key":     {"server.nope", "1"},
		"unknown section": {"nope.port", "1"},
		"section only":    {"server", "x"},
		"too deep":        {"server.port.x", "1"},
		"bad int":         {"server.port", "eighty"},
		"bad bool":        {"metrics.enabled", "maybe"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			if err := SetByPath(cfg, tc[0], tc[1]); err == nil {
				t.Fatalf("expected error setting %s=%s", tc[0], tc[1])
			}
			if cfg.Server.Port != Defaults().Server.Port {
				t.Fatal("failed set must not change the config")
			}
		})
	}
}

func TestGetByPath_Section(t *testing.T) {
	val, err := GetByPath(Defaults(), "history")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	h, ok := val.(HistoryConfig)
	if !ok || h.MaxPageSize != 100 {
		t.Fatalf("unexpected section value: %#v", val)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Auth.JWTSecret = "super-secret-signing-key"

	sanitized := Sanitize(cfg)
	if sanitized.Auth.JWTSecret == cfg.Auth.JWTSecret {
		t.Fatal("jwt secret should be masked")
	}
	if cfg.Auth.JWTSecret != "super-secret-signing-key" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Auth.JWTSecret = "short"
	if got := Sanitize(cfg).Auth.JWTSecret; got != "***" {
		t.Fatalf("short secret should be '***', got %q", got)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}
	for _, expected := range []string{
		"general.logLevel", "server.wsPath", "history.maxPageSize", "generation.mode",
		"auth.jwtSecret", "server.allowedOrigins", "generation.echoDelayMs",
	} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "abc123")
	result := ExpandEnvVars(`{"jwtSecret": "${TEST_JWT_SECRET}"}`)
	expected := `{"jwtSecret": "abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`)
	expected := `{"port": "9090"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_MultipleVars(t *testing.T) {
	t.Setenv("HOST", "localhost")
	t.Setenv("PORT", "3000")
	result := ExpandEnvVars(`"${HOST}:${PORT}"`)
	expected := `"localhost:3000"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	if result := ExpandEnvVars(input); result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.History.DefaultPageSize != 50 || cfg.History.MaxPageSize != 100 {
		t.Fatalf("unexpected page size defaults: %+v", cfg.History)
	}
	if cfg.Generation.Mode != "none" {
		t.Fatalf("generation should default to none, got %q", cfg.Generation.Mode)
	}
}
