package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Save original env and restore after test
	originalEnv := os.Environ()
	defer func() {
		os.Clearenv()
		for _, env := range originalEnv {
			// Parse and restore each env var
			for i, c := range env {
				if c == '=' {
					os.Setenv(env[:i], env[i+1:])
					break
				}
			}
		}
	}()

	// Clear env to test defaults
	os.Clearenv()

	cfg := Load()

	tests := []struct {
		name     string
		got      interface{}
		expected interface{}
	}{
		{"Port", cfg.Port, 8080},
		{"LogLevel", cfg.LogLevel, "info"},
		{"StoreProvider", cfg.StoreProvider, "sqlite"},
		{"IndexProvider", cfg.IndexProvider, "sqlite"},
		{"CacheProvider", cfg.CacheProvider, "memory"},
		{"QueueProvider", cfg.QueueProvider, "memory"},
		{"LLMModel", cfg.LLMModel, "venice-xl"},
		{"EmbeddingModel", cfg.EmbeddingModel, "text-embedding-bge-m3"},
		{"EmbeddingDims", cfg.EmbeddingDims, 1024},
		{"CacheTTL", cfg.CacheTTL, time.Hour},
		{"QuotaCap", cfg.QuotaCap, 20},
		{"QuotaWindow", cfg.QuotaWindow, 60 * time.Second},
		{"QuotaMaxWait", cfg.QuotaMaxWait, 30 * time.Second},
		{"RetryMaxAttempts", cfg.RetryMaxAttempts, 5},
		{"SummaryConcurrency", cfg.SummaryConcurrency, 4},
		{"SelectionThreshold", cfg.SelectionThreshold, 0},
		{"TaskMaxAttempts", cfg.TaskMaxAttempts, 5},
		{"WatchdogTimeout", cfg.WatchdogTimeout, 2 * time.Minute},
		{"QueryTopK", cfg.QueryTopK, 5},
		{"PriceInputPerMTok", cfg.PriceInputPerMTok, 0.70},
		{"PriceOutputPerMTok", cfg.PriceOutputPerMTok, 2.80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("expected %s=%v, got %v", tt.name, tt.expected, tt.got)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	// Save and restore env
	originalPort := os.Getenv("PORT")
	originalQuota := os.Getenv("QUOTA_CAP")
	originalWindow := os.Getenv("QUOTA_WINDOW")
	defer func() {
		os.Setenv("PORT", originalPort)
		os.Setenv("QUOTA_CAP", originalQuota)
		os.Setenv("QUOTA_WINDOW", originalWindow)
	}()

	// Set test values
	os.Setenv("PORT", "9090")
	os.Setenv("QUOTA_CAP", "5")
	os.Setenv("QUOTA_WINDOW", "10s")

	cfg := Load()

	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.QuotaCap != 5 {
		t.Errorf("expected quota cap 5, got %d", cfg.QuotaCap)
	}
	if cfg.QuotaWindow != 10*time.Second {
		t.Errorf("expected quota window 10s, got %v", cfg.QuotaWindow)
	}
}

func TestSnapshotFile(t *testing.T) {
	cfg := Config{DataDir: "/var/lib/bookbot"}
	if got, want := cfg.SnapshotFile(), filepath.Join("/var/lib/bookbot", "vectors.snapshot.json"); got != want {
		t.Errorf("SnapshotFile() = %q, want %q", got, want)
	}

	cfg.SnapshotPath = "/tmp/vectors.json"
	if got := cfg.SnapshotFile(); got != "/tmp/vectors.json" {
		t.Errorf("SnapshotFile() = %q, want explicit override", got)
	}
}
