// Package config handles configuration parsing, validation, env overrides, and dumping for hivemind.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for hivemind.
type Config struct {
	Hostname    string          `toml:"hostname" json:"hostname" yaml:"hostname"`
	Interface   string          `toml:"interface" json:"interface" yaml:"interface"`
	Port        int             `toml:"port" json:"port" yaml:"port"`
	LogLevel    string          `toml:"log_level" json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFormat   string          `toml:"log_format" json:"log_format,omitempty" yaml:"log_format,omitempty"`
	ReplyFormat string          `toml:"reply_format" json:"reply_format,omitempty" yaml:"reply_format,omitempty"`
	DumpOnExit  bool            `toml:"dump_on_exit" json:"dump_on_exit,omitempty" yaml:"dump_on_exit,omitempty"`
	Subnets     []SubnetConfig  `toml:"subnets" json:"subnets" yaml:"subnets"`
	Store       StoreConfig     `toml:"store" json:"store" yaml:"store"`
	RateLimit   RateLimitConfig `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	Events      EventsConfig    `toml:"events" json:"events" yaml:"events"`
	API         APIConfig       `toml:"api" json:"api" yaml:"api"`
	Audit       AuditConfig     `toml:"audit" json:"audit" yaml:"audit"`
}

// SubnetConfig holds one configured subnet. Field names follow the legacy config.json.
type SubnetConfig struct {
	Subnet    string `toml:"subnet" json:"subnet" yaml:"subnet"`
	LeaseTime int    `toml:"leaseTime" json:"leaseTime" yaml:"leaseTime"`
}

// LeaseDuration returns LeaseTime, which is given in seconds, as a duration.
func (sc SubnetConfig) LeaseDuration() time.Duration {
	return time.Duration(sc.LeaseTime) * time.Second
}

// StoreConfig selects and configures the lease store backend.
type StoreConfig struct {
	Backend       string `toml:"backend" json:"backend" yaml:"backend"`
	Path          string `toml:"path" json:"path,omitempty" yaml:"path,omitempty"`
	RedisAddr     string `toml:"redis_addr" json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `toml:"redis_password" json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `toml:"redis_db" json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	KeyPrefix     string `toml:"key_prefix" json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
	GCInterval    string `toml:"gc_interval" json:"gc_interval,omitempty" yaml:"gc_interval,omitempty"`
}

// RateLimitConfig holds per-MAC DISCOVER limiting.
type RateLimitConfig struct {
	Enabled               bool `toml:"enabled" json:"enabled" yaml:"enabled"`
	MaxDiscoversPerSecond int  `toml:"max_discovers_per_second" json:"max_discovers_per_second,omitempty" yaml:"max_discovers_per_second,omitempty"`
	MaxPerMACPerSecond    int  `toml:"max_per_mac_per_second" json:"max_per_mac_per_second,omitempty" yaml:"max_per_mac_per_second,omitempty"`
}

// EventsConfig holds lease event bus settings.
type EventsConfig struct {
	BufferSize    int      `toml:"buffer_size" json:"buffer_size,omitempty" yaml:"buffer_size,omitempty"`
	NATSURL       string   `toml:"nats_url" json:"nats_url,omitempty" yaml:"nats_url,omitempty"`
	SubjectPrefix string   `toml:"subject_prefix" json:"subject_prefix,omitempty" yaml:"subject_prefix,omitempty"`
	Types         []string `toml:"types" json:"types,omitempty" yaml:"types,omitempty"` // e.g. "lease.*"; empty forwards all
}

// APIConfig holds the admin HTTP listener. Empty Listen disables it.
type APIConfig struct {
	Listen string `toml:"listen" json:"listen,omitempty" yaml:"listen,omitempty"`
}

// AuditConfig holds the lease audit trail. With the bolt backend and an empty
// Path the trail shares the lease database.
type AuditConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path    string `toml:"path" json:"path,omitempty" yaml:"path,omitempty"`
}

// Store backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

// Reply formats.
const (
	ReplyFormatJSON = "json"
	ReplyFormatText = "text"
)

// Load reads and parses a config file, applies env overrides and defaults, and validates.
// The decoder is chosen by file extension: .toml, .json or .yaml/.yml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch format(path) {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	case "yaml":
		return yaml.Unmarshal(data, cfg)
	default:
		_, err := toml.Decode(string(data), cfg)
		return err
	}
}

func format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}

// applyDefaults fills in default values for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Hostname == "" {
		cfg.Hostname = DefaultHostname
	}
	if cfg.Interface == "" {
		cfg.Interface = DefaultInterface
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = DefaultLogFormat
	}
	if cfg.ReplyFormat == "" {
		cfg.ReplyFormat = ReplyFormatJSON
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = DefaultStoreBackend
	}
	if cfg.Store.Backend == BackendBolt && cfg.Store.Path == "" {
		cfg.Store.Path = DefaultLeaseDB
	}
	if cfg.Store.Backend == BackendRedis && cfg.Store.RedisAddr == "" {
		cfg.Store.RedisAddr = DefaultRedisAddr
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Store.GCInterval == "" {
		cfg.Store.GCInterval = DefaultGCInterval.String()
	}

	if cfg.RateLimit.MaxDiscoversPerSecond == 0 {
		cfg.RateLimit.MaxDiscoversPerSecond = DefaultRateLimitDiscovers
	}
	if cfg.RateLimit.MaxPerMACPerSecond == 0 {
		cfg.RateLimit.MaxPerMACPerSecond = DefaultRateLimitPerMAC
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = DefaultEventBufferSize
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = DefaultSubjectPrefix
	}
}

// validate checks the configuration for errors.
func validate(cfg *Config) error {
	if ip := net.ParseIP(cfg.Interface); ip == nil || ip.To4() == nil {
		return fmt.Errorf("interface %q is not a valid IPv4 address", cfg.Interface)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.ReplyFormat != ReplyFormatJSON && cfg.ReplyFormat != ReplyFormatText {
		return fmt.Errorf("reply_format must be %q or %q, got %q", ReplyFormatJSON, ReplyFormatText, cfg.ReplyFormat)
	}

	if len(cfg.Subnets) == 0 {
		return fmt.Errorf("at least one subnet is required")
	}
	for i, sub := range cfg.Subnets {
		if sub.Subnet == "" {
			return fmt.Errorf("subnets[%d]: subnet is required", i)
		}
		_, network, err := net.ParseCIDR(sub.Subnet)
		if err != nil {
			return fmt.Errorf("subnets[%d]: invalid subnet %q: %w", i, sub.Subnet, err)
		}
		if network.IP.To4() == nil {
			return fmt.Errorf("subnets[%d]: subnet %s is not IPv4", i, sub.Subnet)
		}
		if sub.LeaseTime <= 0 {
			return fmt.Errorf("subnets[%d]: leaseTime must be positive, got %d", i, sub.LeaseTime)
		}
	}

	switch cfg.Store.Backend {
	case BackendMemory:
	case BackendBolt:
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for the bolt backend")
		}
	case BackendRedis:
		if cfg.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory, bolt, or redis, got %q", cfg.Store.Backend)
	}
	if _, err := time.ParseDuration(cfg.Store.GCInterval); err != nil {
		return fmt.Errorf("store.gc_interval: %w", err)
	}

	if cfg.Audit.Enabled && cfg.Audit.Path == "" && cfg.Store.Backend != BackendBolt {
		return fmt.Errorf("audit.path is required unless store.backend is bolt")
	}

	if cfg.API.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			return fmt.Errorf("api.listen: %w", err)
		}
	}

	return nil
}

// ListenAddress returns the host:port the protocol listener binds to.
func (cfg *Config) ListenAddress() string {
	return net.JoinHostPort(cfg.Interface, strconv.Itoa(cfg.Port))
}

// ServerIP returns the parsed interface address, which doubles as server_ip in replies.
func (cfg *Config) ServerIP() net.IP {
	return net.ParseIP(cfg.Interface).To4()
}

// GetGCInterval returns the store sweep interval, falling back to the default.
func (cfg *Config) GetGCInterval() time.Duration {
	d, err := time.ParseDuration(cfg.Store.GCInterval)
	if err != nil || d <= 0 {
		return DefaultGCInterval
	}
	return d
}
