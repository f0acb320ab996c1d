package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Listen != "localhost:3005" {
		t.Fatalf("expected default listen address, got %q", cfg.Listen)
	}
	if cfg.Cache.Size != 50 || cfg.Cache.TTL != 300*time.Second {
		t.Fatalf("unexpected cache defaults: %+v", cfg.Cache)
	}
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Workers != 2 {
		t.Fatalf("expected 2 workers, got %d", cfg.Workers)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
listen: "0.0.0.0:4000"
log:
  level: debug
  format: json
reader:
  name: "SONY"
  poll_interval: 150ms
timeouts:
  zairyu: 2m
cache:
  size: 10
felica:
  relay_token: "abc"
  usb: false
`))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Listen != "0.0.0.0:4000" {
		t.Fatalf("listen: got %q", cfg.Listen)
	}
	if cfg.Reader.Name != "SONY" || cfg.Reader.PollInterval != 150*time.Millisecond {
		t.Fatalf("reader: got %+v", cfg.Reader)
	}
	if cfg.Timeouts.Zairyu != 2*time.Minute {
		t.Fatalf("zairyu timeout: got %v", cfg.Timeouts.Zairyu)
	}
	if cfg.Timeouts.MyNumber != 30*time.Second {
		t.Fatalf("mynumber timeout should keep its default, got %v", cfg.Timeouts.MyNumber)
	}
	if cfg.Cache.Size != 10 || cfg.Cache.TTL != 300*time.Second {
		t.Fatalf("cache: got %+v", cfg.Cache)
	}
	if cfg.FeliCa.RelayToken != "abc" || cfg.FeliCa.USB {
		t.Fatalf("felica: got %+v", cfg.FeliCa)
	}
	if cfg.FeliCa.RelayURL != "https://felica-auth.nyaa.ws" {
		t.Fatalf("relay url should keep its default, got %q", cfg.FeliCa.RelayURL)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "listen: \"localhost:3005\"\nworker: 3\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "parse config yaml") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"listen", func(c *Config) { c.Listen = "localhost" }, "config.listen"},
		{"log level", func(c *Config) { c.Log.Level = "trace" }, "config.log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "config.log.format"},
		{"poll interval", func(c *Config) { c.Reader.PollInterval = 0 }, "config.reader.poll_interval"},
		{"timeout", func(c *Config) { c.Timeouts.Detect = -time.Second }, "config.timeouts.detect"},
		{"workers", func(c *Config) { c.Workers = 0 }, "config.workers"},
		{"cache size", func(c *Config) { c.Cache.Size = 0 }, "config.cache.size"},
		{"cache ttl", func(c *Config) { c.Cache.TTL = 0 }, "config.cache.ttl"},
		{"relay url", func(c *Config) { c.FeliCa.RelayURL = "felica-auth" }, "config.felica.relay_url"},
		{"http timeout", func(c *Config) { c.FeliCa.HTTPTimeout = 0 }, "config.felica.http_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
