package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/go-cmp/cmp"

	"github.com/gogpu/tilemap/loader"
	"github.com/gogpu/tilemap/store"
)

func parse(t *testing.T, vars map[string]string) (*Config, error) {
	t.Helper()
	return Parse(env.Options{Prefix: Prefix, Environment: vars})
}

func TestParseDefaults(t *testing.T) {
	cfg, err := parse(t, map[string]string{
		"TILEMAP_LOADER_URL": "https://{s}.tile.example.com/{z}/{x}/{y}.pbf",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.GPU.BudgetBytes != 256<<20 {
		t.Errorf("GPU.BudgetBytes = %d, want %d", cfg.GPU.BudgetBytes, 256<<20)
	}
	if cfg.Cache.Pattern != store.DefaultPattern {
		t.Errorf("Cache.Pattern = %q, want %q", cfg.Cache.Pattern, store.DefaultPattern)
	}
	if diff := cmp.Diff(loader.DefaultRetryPolicy(), cfg.RetryPolicy()); diff != "" {
		t.Errorf("RetryPolicy mismatch (-want +got):\n%s", diff)
	}
	if _, ok := mustFetcher(t, cfg).(*loader.HTTPFetcher); !ok {
		t.Error("expected an HTTP fetcher")
	}
}

func TestParseSections(t *testing.T) {
	cfg, err := parse(t, map[string]string{
		"TILEMAP_LOADER_ROOT":         "/srv/tiles",
		"TILEMAP_LOADER_SUBDOMAINS":   "a,b,c",
		"TILEMAP_LOADER_MAX_ATTEMPTS": "5",
		"TILEMAP_CACHE_STORE":         "redis",
		"TILEMAP_REDIS_ADDR":          "cache:6379",
		"TILEMAP_REDIS_TTL":           "1h",
		"TILEMAP_WORKERS":             "8",
		"TILEMAP_LOG_LEVEL":           "debug",
		"TILEMAP_TRACE_ENDPOINT":      "otel-collector:4317",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := store.Options{
		Kind:    store.KindRedis,
		Pattern: store.DefaultPattern,
		Redis:   store.RedisConfig{Addr: "cache:6379", TTL: time.Hour},
	}
	if diff := cmp.Diff(want, cfg.StoreOptions()); diff != "" {
		t.Errorf("StoreOptions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, cfg.Loader.Subdomains); diff != "" {
		t.Errorf("Subdomains mismatch (-want +got):\n%s", diff)
	}
	if cfg.TraceEndpoint != "otel-collector:4317" {
		t.Errorf("TraceEndpoint = %q", cfg.TraceEndpoint)
	}
	if cfg.Workers != 8 || cfg.RetryPolicy().MaxAttempts != 5 {
		t.Errorf("Workers = %d, MaxAttempts = %d", cfg.Workers, cfg.RetryPolicy().MaxAttempts)
	}
	if _, ok := mustFetcher(t, cfg).(*loader.FileFetcher); !ok {
		t.Error("expected a file fetcher")
	}
}

func TestParseInvalid(t *testing.T) {
	base := map[string]string{"TILEMAP_LOADER_URL": "http://x/{z}/{x}/{y}"}
	tests := []struct {
		name string
		vars map[string]string
	}{
		{"no source", map[string]string{}},
		{"bad level", map[string]string{"TILEMAP_LOG_LEVEL": "loud"}},
		{"bad store", map[string]string{"TILEMAP_CACHE_STORE": "s3"}},
		{"dir store without dir", map[string]string{"TILEMAP_CACHE_STORE": "dir"}},
		{"jitter above one", map[string]string{"TILEMAP_LOADER_JITTER": "1.5"}},
		{"max below initial", map[string]string{"TILEMAP_LOADER_MAX_INTERVAL": "10ms"}},
		{"bad pattern", map[string]string{"TILEMAP_CACHE_PATTERN": "tiles/{z}"}},
		{"unparsable duration", map[string]string{"TILEMAP_CACHE_RETRY_AFTER": "soon"}},
		{"trace endpoint without port", map[string]string{"TILEMAP_TRACE_ENDPOINT": "collector"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := map[string]string{}
			if tt.name != "no source" {
				for k, v := range base {
					vars[k] = v
				}
			}
			for k, v := range tt.vars {
				vars[k] = v
			}
			if _, err := parse(t, vars); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func mustFetcher(t *testing.T, cfg *Config) loader.Fetcher {
	t.Helper()
	f, err := cfg.Fetcher()
	if err != nil {
		t.Fatalf("Fetcher: %v", err)
	}
	return f
}
