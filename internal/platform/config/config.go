package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeClient Mode = "client"
	ModeServer Mode = "server"
)

type LagPolicy string

const (
	LagDrop  LagPolicy = "drop"
	LagClose LagPolicy = "close"
)

const (
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

const DefaultFile = "subfield.yaml"

type Config struct {
	Keypair             string
	IdentityPath        string
	Mode                Mode
	BootstrapURLs       []string
	BootstrapMultiaddrs []string
	ListenAddresses     []string
	StorePath           string
	StoreBackend        string
	CacheSize           int
	StorageGrace        time.Duration
	RequestTimeout      time.Duration
	IdleTimeout         time.Duration
	ReplicationFactor   int
	SubscriptionBuffer  int
	LagPolicy           LagPolicy
	RateLimit           float64
	RateBurst           int
	PeerWait            time.Duration
	LogLevel            string
	LogJSON             bool
}

// fileConfig is the on-disk shape. Pointers distinguish unset from zero.
type fileConfig struct {
	Keypair             string   `yaml:"keypair"`
	IdentityPath        string   `yaml:"identity_path"`
	Mode                string   `yaml:"mode"`
	BootstrapURLs       []string `yaml:"bootstrap_urls"`
	BootstrapMultiaddrs []string `yaml:"bootstrap_multiaddrs"`
	ListenAddresses     []string `yaml:"listen_addresses"`
	StorePath           string   `yaml:"store_path"`
	StoreBackend        string   `yaml:"store_backend"`
	CacheSize           *int     `yaml:"cache_size"`
	StorageGrace        string   `yaml:"storage_grace"`
	RequestTimeout      string   `yaml:"request_timeout"`
	IdleTimeout         string   `yaml:"idle_timeout"`
	ReplicationFactor   *int     `yaml:"replication_factor"`
	SubscriptionBuffer  *int     `yaml:"subscription_buffer"`
	LagPolicy           string   `yaml:"lag_policy"`
	RateLimit           *float64 `yaml:"rate_limit"`
	RateBurst           *int     `yaml:"rate_burst"`
	PeerWait            string   `yaml:"peer_wait"`
	LogLevel            string   `yaml:"log_level"`
	LogJSON             *bool    `yaml:"log_json"`
}

func Default() Config {
	return Config{
		Mode:              ModeServer,
		ListenAddresses:   []string{"/ip4/0.0.0.0/tcp/0"},
		StorePath:         "_subfield_store",
		StoreBackend:      BackendSQLite,
		CacheSize:         4096,
		StorageGrace:      30 * time.Second,
		RequestTimeout:    30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReplicationFactor: 3,
		LagPolicy:         LagDrop,
		RateLimit:         50,
		RateBurst:         100,
		PeerWait:          5 * time.Second,
		LogLevel:          "info",
	}
}

// Load reads path over the defaults. A missing file is only an error when
// required is set.
func Load(path string, required bool) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw, cfg)
}

// Parse decodes YAML over base.
func Parse(raw []byte, base Config) (Config, error) {
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg := base
	if file.Keypair != "" {
		cfg.Keypair = file.Keypair
	}
	if file.IdentityPath != "" {
		cfg.IdentityPath = file.IdentityPath
	}
	if file.Mode != "" {
		cfg.Mode = Mode(strings.ToLower(file.Mode))
	}
	if file.BootstrapURLs != nil {
		cfg.BootstrapURLs = file.BootstrapURLs
	}
	if file.BootstrapMultiaddrs != nil {
		cfg.BootstrapMultiaddrs = file.BootstrapMultiaddrs
	}
	if file.ListenAddresses != nil {
		cfg.ListenAddresses = file.ListenAddresses
	}
	if file.StorePath != "" {
		cfg.StorePath = file.StorePath
	}
	if file.StoreBackend != "" {
		cfg.StoreBackend = file.StoreBackend
	}
	if file.CacheSize != nil {
		cfg.CacheSize = *file.CacheSize
	}
	if file.ReplicationFactor != nil {
		cfg.ReplicationFactor = *file.ReplicationFactor
	}
	if file.SubscriptionBuffer != nil {
		cfg.SubscriptionBuffer = *file.SubscriptionBuffer
	}
	if file.LagPolicy != "" {
		cfg.LagPolicy = LagPolicy(file.LagPolicy)
	}
	if file.RateLimit != nil {
		cfg.RateLimit = *file.RateLimit
	}
	if file.RateBurst != nil {
		cfg.RateBurst = *file.RateBurst
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	if file.LogJSON != nil {
		cfg.LogJSON = *file.LogJSON
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"storage_grace", file.StorageGrace, &cfg.StorageGrace},
		{"request_timeout", file.RequestTimeout, &cfg.RequestTimeout},
		{"idle_timeout", file.IdleTimeout, &cfg.IdleTimeout},
		{"peer_wait", file.PeerWait, &cfg.PeerWait},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeClient, ModeServer:
	default:
		return fmt.Errorf("mode: unknown mode %q", c.Mode)
	}
	switch c.StoreBackend {
	case BackendSQLite, BackendPebble:
	default:
		return fmt.Errorf("store_backend: unknown backend %q", c.StoreBackend)
	}
	switch c.LagPolicy {
	case LagDrop, LagClose:
	default:
		return fmt.Errorf("lag_policy: unknown policy %q", c.LagPolicy)
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache_size must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive")
	}
	if c.StorageGrace < 0 {
		return fmt.Errorf("storage_grace must not be negative")
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication_factor must be at least 1")
	}
	if c.SubscriptionBuffer < 0 {
		return fmt.Errorf("subscription_buffer must not be negative")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("rate_limit and rate_burst must be positive")
	}
	if c.Mode == ModeClient && len(c.ListenAddresses) > 0 && !sameStrings(c.ListenAddresses, Default().ListenAddresses) {
		return fmt.Errorf("listen_addresses: only server mode binds addresses")
	}
	return nil
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
