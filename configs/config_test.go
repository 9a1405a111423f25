package configs

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/does-not-exist.env")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.BatchSize != 5 {
		t.Errorf("BatchSize = %d, want 5", cfg.BatchSize)
	}
	if cfg.PartitionCacheTTL != 5*time.Minute {
		t.Errorf("PartitionCacheTTL = %v, want 5m", cfg.PartitionCacheTTL)
	}
	if cfg.CacheTimeout != 5*time.Second {
		t.Errorf("CacheTimeout = %v, want 5s", cfg.CacheTimeout)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want 8080", cfg.ServerPort)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BATCH_SIZE", "3")
	t.Setenv("PARTITION_CACHE_TTL", "90s")
	t.Setenv("DATABASE_READ_URLS", "sqlite:a.db,sqlite:b.db")
	t.Setenv("LOG_JSON", "true")

	cfg, err := Load("testdata/does-not-exist.env")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.BatchSize != 3 {
		t.Errorf("BatchSize = %d, want 3", cfg.BatchSize)
	}
	if cfg.PartitionCacheTTL != 90*time.Second {
		t.Errorf("PartitionCacheTTL = %v, want 90s", cfg.PartitionCacheTTL)
	}
	if len(cfg.DatabaseReadURLs) != 2 || cfg.DatabaseReadURLs[1] != "sqlite:b.db" {
		t.Errorf("DatabaseReadURLs = %v", cfg.DatabaseReadURLs)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON should be true")
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"zero batch", "BATCH_SIZE", "0", "BATCH_SIZE"},
		{"negative ttl", "PARTITION_CACHE_TTL", "-1s", "PARTITION_CACHE_TTL"},
		{"zero cache timeout", "CACHE_TIMEOUT", "0s", "CACHE_TIMEOUT"},
		{"bad duration", "DATABASE_TIMEOUT", "soon", "parse env"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load("testdata/does-not-exist.env")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
