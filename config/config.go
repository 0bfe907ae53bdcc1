// Package config loads the process-wide configuration described in
// SPEC_FULL.md §6: TOML file with environment-variable fallback per field,
// following the teacher's BurntSushi/toml + strDefault/intDefault layering.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Cache    CacheConfig    `toml:"cache"`
	Database DatabaseConfig `toml:"database"`
	Upstream UpstreamConfig `toml:"upstream"`
	DNS      DNSConfig      `toml:"dns"`
}

type ServerConfig struct {
	BaseHost  string `toml:"base_host"`
	Port      int    `toml:"port"`
	AdminAddr string `toml:"admin_addr"`
	LogLevel  string `toml:"log_level"`
}

type CacheConfig struct {
	Dir               string `toml:"dir"`
	CacheOnly         bool   `toml:"cache_only"`
	FilesBudgetMB     int    `toml:"files_budget_mb"`
	MetaBudgetMB      int    `toml:"meta_budget_mb"`
	RewrittenBudgetMB int    `toml:"rewritten_budget_mb"`
}

type DatabaseConfig struct {
	URL string `toml:"url"`
}

type UpstreamConfig struct {
	Stream            string `toml:"stream"`
	PLCDirectory      string `toml:"plc_directory"`
	AppView           string `toml:"app_view"`
	BackfillOnStartup bool   `toml:"backfill_on_startup"`
}

type DNSConfig struct {
	Resolver        string `toml:"resolver"`
	VerifyIntervalS int    `toml:"verify_interval_seconds"`
}

// VerifyInterval converts the configured seconds into a time.Duration,
// falling back to the DNS verifier's own default when unset.
func (d DNSConfig) VerifyInterval() time.Duration {
	if d.VerifyIntervalS <= 0 {
		return 0
	}
	return time.Duration(d.VerifyIntervalS) * time.Second
}

func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Warn about unknown keys (likely typos).
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		slog.Warn("unknown keys in config file (check for typos)", "keys", strings.Join(keys, ", "))
	}

	// All fields follow TOML > env var > default precedence.
	strDefault(&cfg.Server.BaseHost, "BASE_HOST", "wisp.place")
	strDefault(&cfg.Server.AdminAddr, "ADMIN_ADDR", "")
	strDefault(&cfg.Server.LogLevel, "LOG_LEVEL", "info")
	strDefault(&cfg.Cache.Dir, "CACHE_DIR", "./cache")
	strDefault(&cfg.Database.URL, "DATABASE_URL", "./wisp-edge.db")
	strDefault(&cfg.Upstream.Stream, "UPSTREAM_STREAM", "")
	strDefault(&cfg.Upstream.PLCDirectory, "PLC_DIRECTORY", "https://plc.directory")
	strDefault(&cfg.Upstream.AppView, "APP_VIEW", "https://public.api.bsky.app")
	strDefault(&cfg.DNS.Resolver, "DNS_RESOLVER", "1.1.1.1:53")

	if err := intDefault(md, &cfg.Server.Port, "PORT", 443, "server", "port"); err != nil {
		return nil, err
	}
	if err := intDefault(md, &cfg.Cache.FilesBudgetMB, "CACHE_FILES_BUDGET_MB", 512, "cache", "files_budget_mb"); err != nil {
		return nil, err
	}
	if err := intDefault(md, &cfg.Cache.MetaBudgetMB, "CACHE_META_BUDGET_MB", 64, "cache", "meta_budget_mb"); err != nil {
		return nil, err
	}
	if err := intDefault(md, &cfg.Cache.RewrittenBudgetMB, "CACHE_REWRITTEN_BUDGET_MB", 128, "cache", "rewritten_budget_mb"); err != nil {
		return nil, err
	}
	if err := intDefault(md, &cfg.DNS.VerifyIntervalS, "DNS_VERIFY_INTERVAL", 3600, "dns", "verify_interval_seconds"); err != nil {
		return nil, err
	}

	boolDefault(md, &cfg.Cache.CacheOnly, "CACHE_ONLY", false, "cache", "cache_only")
	boolDefault(md, &cfg.Upstream.BackfillOnStartup, "BACKFILL_ON_STARTUP", false, "upstream", "backfill_on_startup")

	if cfg.Server.Port < 0 {
		return nil, fmt.Errorf("server.port must be non-negative, got %d", cfg.Server.Port)
	}
	if cfg.Cache.FilesBudgetMB < 0 || cfg.Cache.MetaBudgetMB < 0 || cfg.Cache.RewrittenBudgetMB < 0 {
		return nil, fmt.Errorf("cache budgets must be non-negative")
	}
	if cfg.DNS.VerifyIntervalS < 0 {
		return nil, fmt.Errorf("dns.verify_interval_seconds must be non-negative, got %d", cfg.DNS.VerifyIntervalS)
	}

	return &cfg, nil
}

// strDefault fills *dst from envKey if *dst is empty (not set in TOML),
// then falls back to def.
func strDefault(dst *string, envKey, def string) {
	if *dst == "" {
		*dst = os.Getenv(envKey)
	}
	if *dst == "" {
		*dst = def
	}
}

// intDefault fills *dst from envKey if the TOML key was not defined,
// then falls back to def.
func intDefault(md toml.MetaData, dst *int, envKey string, def int, tomlPath ...string) error {
	if md.IsDefined(tomlPath...) {
		return nil
	}
	if v := os.Getenv(envKey); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envKey, err)
		}
		*dst = n
		return nil
	}
	*dst = def
	return nil
}

// boolDefault fills *dst from envKey if the TOML key was not defined,
// then falls back to def. Accepts "true" and "1" as truthy values.
func boolDefault(md toml.MetaData, dst *bool, envKey string, def bool, tomlPath ...string) {
	if md.IsDefined(tomlPath...) {
		return
	}
	if v := os.Getenv(envKey); v != "" {
		*dst = v == "true" || v == "1"
		return
	}
	*dst = def
}
