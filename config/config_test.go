package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/wisp-edge.toml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_MalformedTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wisp-edge.toml")
	os.WriteFile(path, []byte(`[[[invalid toml`), 0644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for malformed TOML")
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wisp-edge.toml")
	if err := os.WriteFile(path, []byte(`
[server]
base_host = "example.test"
port      = 8443

[database]
url = "/data/control.db"
`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.BaseHost != "example.test" {
		t.Errorf("base_host = %q, want %q", cfg.Server.BaseHost, "example.test")
	}
	if cfg.Server.Port != 8443 {
		t.Errorf("port = %d, want %d", cfg.Server.Port, 8443)
	}
	if cfg.Database.URL != "/data/control.db" {
		t.Errorf("database.url = %q, want %q", cfg.Database.URL, "/data/control.db")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wisp-edge.toml")
	if err := os.WriteFile(path, []byte("[server]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.BaseHost != "wisp.place" {
		t.Errorf("base_host = %q, want %q", cfg.Server.BaseHost, "wisp.place")
	}
	if cfg.Server.Port != 443 {
		t.Errorf("port = %d, want %d", cfg.Server.Port, 443)
	}
	if cfg.Cache.Dir != "./cache" {
		t.Errorf("cache.dir = %q, want %q", cfg.Cache.Dir, "./cache")
	}
	if cfg.Cache.FilesBudgetMB != 512 {
		t.Errorf("cache.files_budget_mb = %d, want %d", cfg.Cache.FilesBudgetMB, 512)
	}
	if cfg.DNS.VerifyIntervalS != 3600 {
		t.Errorf("dns.verify_interval_seconds = %d, want %d", cfg.DNS.VerifyIntervalS, 3600)
	}
	if cfg.Upstream.PLCDirectory != "https://plc.directory" {
		t.Errorf("upstream.plc_directory = %q, want default", cfg.Upstream.PLCDirectory)
	}
}

func TestLoad_BaseHostFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wisp-edge.toml")
	os.WriteFile(path, []byte("[server]\n"), 0644)

	t.Setenv("BASE_HOST", "fromenv.test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.BaseHost != "fromenv.test" {
		t.Errorf("base_host = %q, want %q", cfg.Server.BaseHost, "fromenv.test")
	}
}

func TestLoad_CacheOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wisp-edge.toml")
	os.WriteFile(path, []byte(`
[cache]
cache_only = true
`), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Cache.CacheOnly {
		t.Error("cache_only = false, want true")
	}
}

func TestLoad_CacheOnlyDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wisp-edge.toml")
	os.WriteFile(path, []byte("[server]\n"), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cache.CacheOnly {
		t.Error("cache_only should default to false")
	}
}

func TestLoad_BackfillOnStartupFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wisp-edge.toml")
	os.WriteFile(path, []byte("[server]\n"), 0644)

	t.Setenv("BACKFILL_ON_STARTUP", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Upstream.BackfillOnStartup {
		t.Error("backfill_on_startup = false, want true")
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wisp-edge.toml")
	os.WriteFile(path, []byte("[server]\n[cache]\n"), 0644)

	tests := []struct {
		envKey string
		envVal string
		check  func(*Config) error
	}{
		{"PORT", "9443", func(c *Config) error {
			if c.Server.Port != 9443 {
				return fmt.Errorf("port = %d, want %d", c.Server.Port, 9443)
			}
			return nil
		}},
		{"CACHE_DIR", "/tmp/cache", func(c *Config) error {
			if c.Cache.Dir != "/tmp/cache" {
				return fmt.Errorf("cache.dir = %q, want %q", c.Cache.Dir, "/tmp/cache")
			}
			return nil
		}},
		{"DATABASE_URL", "/tmp/control.db", func(c *Config) error {
			if c.Database.URL != "/tmp/control.db" {
				return fmt.Errorf("database.url = %q, want %q", c.Database.URL, "/tmp/control.db")
			}
			return nil
		}},
		{"UPSTREAM_STREAM", "wss://example.test/subscribe", func(c *Config) error {
			if c.Upstream.Stream != "wss://example.test/subscribe" {
				return fmt.Errorf("upstream.stream = %q, want %q", c.Upstream.Stream, "wss://example.test/subscribe")
			}
			return nil
		}},
		{"ADMIN_ADDR", "127.0.0.1:9090", func(c *Config) error {
			if c.Server.AdminAddr != "127.0.0.1:9090" {
				return fmt.Errorf("admin_addr = %q, want %q", c.Server.AdminAddr, "127.0.0.1:9090")
			}
			return nil
		}},
		{"DNS_VERIFY_INTERVAL", "120", func(c *Config) error {
			if c.DNS.VerifyIntervalS != 120 {
				return fmt.Errorf("dns.verify_interval_seconds = %d, want %d", c.DNS.VerifyIntervalS, 120)
			}
			return nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.envKey+"="+tt.envVal, func(t *testing.T) {
			t.Setenv(tt.envKey, tt.envVal)
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := tt.check(cfg); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestLoad_ConfigTakesPrecedenceOverEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wisp-edge.toml")
	os.WriteFile(path, []byte(`
[server]
base_host = "fromfile.test"
port      = 1234

[cache]
cache_only = true
`), 0644)

	t.Setenv("BASE_HOST", "fromenv.test")
	t.Setenv("PORT", "9999")
	t.Setenv("CACHE_ONLY", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.BaseHost != "fromfile.test" {
		t.Errorf("base_host = %q, want %q", cfg.Server.BaseHost, "fromfile.test")
	}
	if cfg.Server.Port != 1234 {
		t.Errorf("port = %d, want %d", cfg.Server.Port, 1234)
	}
	if !cfg.Cache.CacheOnly {
		t.Error("cache_only should remain true from the config file")
	}
}

func TestLoad_InvalidIntEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wisp-edge.toml")
	os.WriteFile(path, []byte("[server]\n[cache]\n"), 0644)

	for _, envKey := range []string{"PORT", "CACHE_FILES_BUDGET_MB", "DNS_VERIFY_INTERVAL"} {
		t.Run(envKey, func(t *testing.T) {
			t.Setenv(envKey, "notanumber")
			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected error for %s=notanumber", envKey)
			}
		})
	}
}

func TestLoad_NegativePort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wisp-edge.toml")
	os.WriteFile(path, []byte(`
[server]
port = -1
`), 0644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for negative port")
	}
}

func TestLoad_VerifyIntervalHelper(t *testing.T) {
	d := DNSConfig{VerifyIntervalS: 90}
	if got, want := d.VerifyInterval().Seconds(), 90.0; got != want {
		t.Errorf("VerifyInterval() = %v, want %v", got, want)
	}
	if got := (DNSConfig{}).VerifyInterval(); got != 0 {
		t.Errorf("VerifyInterval() with unset seconds = %v, want 0", got)
	}
}
