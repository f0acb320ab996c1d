// Package config loads the bridge configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen string `yaml:"listen"`

	// AllowedOrigins restricts the browser origins that may open the socket.
	// Empty accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	Log      LogConfig      `yaml:"log"`
	Reader   ReaderConfig   `yaml:"reader"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Workers  int            `yaml:"workers"`
	Cache    CacheConfig    `yaml:"cache"`
	FeliCa   FeliCaConfig   `yaml:"felica"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ReaderConfig struct {
	// Name selects the first reader whose name contains it. Empty selects the first reader.
	Name         string        `yaml:"name"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// TimeoutsConfig holds the per card type scan timeouts used when a request gives none.
type TimeoutsConfig struct {
	Default  time.Duration `yaml:"default"`
	MyNumber time.Duration `yaml:"mynumber"`
	Zairyu   time.Duration `yaml:"zairyu"`
	Detect   time.Duration `yaml:"detect"`
}

type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

type FeliCaConfig struct {
	RelayURL    string        `yaml:"relay_url"`
	RelayToken  string        `yaml:"relay_token"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	// USB enables the RC-S380 relay path.
	USB bool `yaml:"usb"`
}

func Default() *Config {
	return &Config{
		Listen: "localhost:3005",
		Log:    LogConfig{Level: "info", Format: "text"},
		Reader: ReaderConfig{PollInterval: 300 * time.Millisecond},
		Timeouts: TimeoutsConfig{
			Default:  30 * time.Second,
			MyNumber: 30 * time.Second,
			Zairyu:   90 * time.Second,
			Detect:   10 * time.Second,
		},
		Workers: 2,
		Cache:   CacheConfig{Size: 50, TTL: 300 * time.Second},
		FeliCa: FeliCaConfig{
			RelayURL:    "https://felica-auth.nyaa.ws",
			HTTPTimeout: 10 * time.Second,
			USB:         true,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("config.listen is invalid: %w", err)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	if c.Reader.PollInterval <= 0 {
		return fmt.Errorf("config.reader.poll_interval must be > 0")
	}

	timeouts := map[string]time.Duration{
		"default":  c.Timeouts.Default,
		"mynumber": c.Timeouts.MyNumber,
		"zairyu":   c.Timeouts.Zairyu,
		"detect":   c.Timeouts.Detect,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("config.timeouts.%s must be > 0", name)
		}
	}

	if c.Workers < 1 {
		return fmt.Errorf("config.workers must be >= 1")
	}
	if c.Cache.Size < 1 {
		return fmt.Errorf("config.cache.size must be >= 1")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("config.cache.ttl must be > 0")
	}

	u, err := url.Parse(c.FeliCa.RelayURL)
	if err != nil {
		return fmt.Errorf("config.felica.relay_url is invalid: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.felica.relay_url must be absolute (include scheme and host)")
	}
	if c.FeliCa.HTTPTimeout <= 0 {
		return fmt.Errorf("config.felica.http_timeout must be > 0")
	}
	return nil
}
