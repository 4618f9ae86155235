package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  dsn: "postgres://localhost/authgate"
oidc:
  client_id: cid
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Cache.Kind != "memory" {
		t.Fatalf("cache kind = %q", cfg.Cache.Kind)
	}
	if cfg.Auth.TokenTTL != "24h" || cfg.Auth.StateTTL != "15m" {
		t.Fatalf("ttls = %q %q", cfg.Auth.TokenTTL, cfg.Auth.StateTTL)
	}
	if cfg.Auth.Cookie.Name != "Authorization" || cfg.Auth.Cookie.SameSite != "Strict" {
		t.Fatalf("cookie = %+v", cfg.Auth.Cookie)
	}
	if cfg.Datasync.Retries != 3 {
		t.Fatalf("retries = %d", cfg.Datasync.Retries)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AUTHGATE_ADDR", ":9999")
	t.Setenv("AUTHGATE_PG_DSN", "postgres://override/db")
	t.Setenv("AUTHGATE_MIGRATE", "true")

	path := writeConfig(t, `
server:
  addr: ":8080"
storage:
  dsn: "postgres://file/db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Storage.DSN != "postgres://override/db" {
		t.Fatalf("dsn = %q", cfg.Storage.DSN)
	}
	if !cfg.Flags.Migrate {
		t.Fatal("migrate flag not overridden")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
auth:
  token_ttl: "un rato"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("want error for unparseable duration")
	}
}

func TestLoadRejectsUnknownCacheKind(t *testing.T) {
	path := writeConfig(t, `
cache:
  kind: memcached
`)
	if _, err := Load(path); err == nil {
		t.Fatal("want error for unknown cache kind")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("want error for missing file")
	}
}
