package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("MNEMO_TEST_KEY", "sk-secret")
	path := writeConfig(t, `{
		"server": {"port": 8080, "log_level": "${MNEMO_TEST_LEVEL:info}"},
		"providers": [
			{"id": "claude", "type": "anthropic", "api_key": "${MNEMO_TEST_KEY}", "modes": ["tutor"]}
		],
		"database": {"redis": {"url": "${MNEMO_TEST_REDIS:redis://localhost:6379}"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("log level = %q, want default %q", cfg.Server.LogLevel, "info")
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].APIKey != "sk-secret" {
		t.Errorf("provider api key not substituted: %+v", cfg.Providers)
	}
	if cfg.Database.Redis.URL != "redis://localhost:6379" {
		t.Errorf("redis url = %q", cfg.Database.Redis.URL)
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("MNEMO_TEST_PORT_LEVEL", "debug")
	path := writeConfig(t, `{"server": {"log_level": "${MNEMO_TEST_PORT_LEVEL:info}"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("log level = %q, want env override %q", cfg.Server.LogLevel, "debug")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := writeConfig(t, `{"server": `)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Config{
		Session: SessionConfig{TTLMinutes: 30},
		Search:  SearchConfig{RealmTimeoutMS: 800, CacheTTLSeconds: 300},
	}
	if got := cfg.Session.TTL().Minutes(); got != 30 {
		t.Errorf("session TTL = %v minutes, want 30", got)
	}
	if got := cfg.Search.RealmTimeout().Milliseconds(); got != 800 {
		t.Errorf("realm timeout = %v ms, want 800", got)
	}
	if got := cfg.Search.CacheTTL().Seconds(); got != 300 {
		t.Errorf("cache TTL = %v s, want 300", got)
	}
}
