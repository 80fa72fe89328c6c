/*
File: config.go
Version: 1.0.0
Description: YAML configuration structures, defaults and duration parsing for trackfilter.
             Duration strings are parsed once at load time into unexported fields.
*/

package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// --- Configuration Structures ---

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	MLGuard   MLGuardConfig   `yaml:"ml_guard"`
	Hashlist  HashlistConfig  `yaml:"hashlist"`
	Whitelist WhitelistConfig `yaml:"whitelist"`
	Tabs      TabsConfig      `yaml:"tabs"`
	Stats     StatsConfig     `yaml:"stats"`
	Storage   StorageConfig   `yaml:"storage"`
	Detector  DetectorConfig  `yaml:"detector"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Workers   WorkersConfig   `yaml:"workers"`
}

type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes"` // bodies above this are streamed through unhashed (0 = unlimited)
	Filter          *bool  `yaml:"filter"`         // global enable switch at startup
	SaveAllowed     *bool  `yaml:"save_allowed"`   // persist user exceptions

	parsedShutdownTimeout time.Duration
}

type LoggingConfig struct {
	Level   string   `yaml:"level"`
	Format  string   `yaml:"format"` // "text" (default) or "json"
	Outputs []string `yaml:"outputs"`

	File struct {
		Path        string `yaml:"path"`
		Permissions uint32 `yaml:"permissions"`
	} `yaml:"file"`
}

type BootstrapConfig struct {
	Servers   []string `yaml:"servers"`
	IPVersion string   `yaml:"ip_version"` // "ipv4" (default), "ipv6", "both"
}

type MLGuardConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ModelPath  string   `yaml:"model_path"` // tfjs layers model.json
	VocabPath  string   `yaml:"vocab_path"` // character dictionary (JSON object)
	Mode       string   `yaml:"mode"`       // "block", "drop" (default) or "log"
	Threshold  float64  `yaml:"threshold"`  // 0 = plain arg-max
	CacheSize  int      `yaml:"cache_size"` // verdict cache entries
	Timeout    string   `yaml:"timeout"`    // per classification
	WarmupURLs []string `yaml:"warmup_urls"`

	parsedTimeout time.Duration
}

type HashlistConfig struct {
	DigestURL       string `yaml:"digest_url"`
	ListURL         string `yaml:"list_url"`
	RefreshInterval string `yaml:"refresh_interval"` // "" or "0" = startup only
	Timeout         string `yaml:"timeout"`
	Insecure        bool   `yaml:"insecure"`

	parsedRefreshInterval time.Duration
	parsedTimeout         time.Duration
}

type WhitelistConfig struct {
	File     string        `yaml:"file"`     // JSON document with "whitelisted_matches"
	Matches  StringOrSlice `yaml:"matches"`  // inline host substrings
	Networks StringOrSlice `yaml:"networks"` // CIDRs applied to IP-literal hosts
	Watch    bool          `yaml:"watch"`    // reload the file when it changes
	Debounce string        `yaml:"debounce"`

	parsedNetworks []*net.IPNet
	parsedDebounce time.Duration
}

type TabsConfig struct {
	BaseDomain string `yaml:"base_domain"` // "labels" (default) or "etld1"
}

type StatsConfig struct {
	SubmitURL   string            `yaml:"submit_url"`
	Headers     map[string]string `yaml:"headers"`
	Timeout     string            `yaml:"timeout"`
	LateReports string            `yaml:"late_reports"` // "accept" (default) or "grace"
	GraceWindow string            `yaml:"grace_window"`

	parsedTimeout     time.Duration
	parsedGraceWindow time.Duration
}

type StorageConfig struct {
	Backend   string `yaml:"backend"` // "file" (default), "memory", "redis", "postgres"
	Path      string `yaml:"path"`    // file backend directory
	RedisAddr string `yaml:"redis_addr"`
	Prefix    string `yaml:"prefix"`
	DSN       string `yaml:"dsn"`
}

type DetectorConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	Channel   string `yaml:"channel"`
}

type RateLimitConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ClientQPS        int    `yaml:"client_qps"`
	ClientBurst      int    `yaml:"client_burst"`
	CleanupInterval  string `yaml:"cleanup_interval"`
	ClientExpiration string `yaml:"client_expiration"`

	parsedCleanupInterval  time.Duration
	parsedClientExpiration time.Duration
}

type WorkersConfig struct {
	MaxInflight int    `yaml:"max_inflight"`
	PendingTTL  string `yaml:"pending_ttl"` // how long a classified request waits for its body

	parsedPendingTTL time.Duration
}

type StringOrSlice []string

func (s *StringOrSlice) UnmarshalYAML(value *yaml.Node) error {
	var single string
	if err := value.Decode(&single); err == nil {
		*s = []string{single}
		return nil
	}
	var slice []string
	if err := value.Decode(&slice); err != nil {
		return err
	}
	*s = slice
	return nil
}

// --- Configuration Loading ---

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig is used when no config file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	_ = cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() error {
	if cfg.Server.ListenAddr == "" { cfg.Server.ListenAddr = "127.0.0.1:8844" }
	if cfg.Server.Filter == nil { cfg.Server.Filter = boolPtr(true) }
	if cfg.Server.SaveAllowed == nil { cfg.Server.SaveAllowed = boolPtr(true) }
	cfg.Server.parsedShutdownTimeout = parseDurationOr("server.shutdown_timeout", cfg.Server.ShutdownTimeout, 10*time.Second)

	if cfg.Logging.Level == "" { cfg.Logging.Level = "INFO" }
	if len(cfg.Logging.Outputs) == 0 { cfg.Logging.Outputs = []string{"console"} }

	if cfg.Bootstrap.IPVersion == "" { cfg.Bootstrap.IPVersion = "ipv4" }

	cfg.MLGuard.Mode = strings.ToLower(cfg.MLGuard.Mode)
	switch cfg.MLGuard.Mode {
	case "":
		cfg.MLGuard.Mode = MLModeDrop
	case MLModeBlock, MLModeDrop, MLModeLog:
	default:
		return fmt.Errorf("invalid ml_guard.mode %q (want block, drop or log)", cfg.MLGuard.Mode)
	}
	if cfg.MLGuard.Threshold < 0 || cfg.MLGuard.Threshold > 1 {
		return fmt.Errorf("ml_guard.threshold must be within [0,1], got %.2f", cfg.MLGuard.Threshold)
	}
	if cfg.MLGuard.CacheSize <= 0 { cfg.MLGuard.CacheSize = mlCacheSize }
	cfg.MLGuard.parsedTimeout = parseDurationOr("ml_guard.timeout", cfg.MLGuard.Timeout, 2*time.Second)

	cfg.Hashlist.parsedRefreshInterval = parseDurationOr("hashlist.refresh_interval", cfg.Hashlist.RefreshInterval, 0)
	cfg.Hashlist.parsedTimeout = parseDurationOr("hashlist.timeout", cfg.Hashlist.Timeout, 15*time.Second)

	for _, cidr := range cfg.Whitelist.Networks {
		_, ipnet, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			LogWarn("[CONFIG] Invalid whitelist network '%s', skipping", cidr)
			continue
		}
		cfg.Whitelist.parsedNetworks = append(cfg.Whitelist.parsedNetworks, ipnet)
	}

	cfg.Whitelist.parsedDebounce = parseDurationOr("whitelist.debounce", cfg.Whitelist.Debounce, 500*time.Millisecond)

	cfg.Tabs.BaseDomain = strings.ToLower(cfg.Tabs.BaseDomain)
	switch cfg.Tabs.BaseDomain {
	case "":
		cfg.Tabs.BaseDomain = BaseDomainLabels
	case BaseDomainLabels, BaseDomainETLD1:
	default:
		return fmt.Errorf("invalid tabs.base_domain %q (want labels or etld1)", cfg.Tabs.BaseDomain)
	}

	cfg.Stats.LateReports = strings.ToLower(cfg.Stats.LateReports)
	switch cfg.Stats.LateReports {
	case "":
		cfg.Stats.LateReports = string(LatePolicyAccept)
	case string(LatePolicyAccept), string(LatePolicyGrace):
	default:
		return fmt.Errorf("invalid stats.late_reports %q (want accept or grace)", cfg.Stats.LateReports)
	}
	cfg.Stats.parsedTimeout = parseDurationOr("stats.timeout", cfg.Stats.Timeout, 5*time.Second)
	cfg.Stats.parsedGraceWindow = parseDurationOr("stats.grace_window", cfg.Stats.GraceWindow, 5*time.Second)

	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	if cfg.Storage.Backend == "" { cfg.Storage.Backend = "file" }
	if cfg.Storage.Path == "" { cfg.Storage.Path = "data" }
	if cfg.Storage.Prefix == "" { cfg.Storage.Prefix = "trackfilter:" }

	if cfg.Detector.Channel == "" { cfg.Detector.Channel = "trackfilter_detector" }

	if cfg.RateLimit.ClientQPS <= 0 { cfg.RateLimit.ClientQPS = 200 }
	if cfg.RateLimit.ClientBurst <= 0 { cfg.RateLimit.ClientBurst = cfg.RateLimit.ClientQPS * 2 }
	cfg.RateLimit.parsedCleanupInterval = parseDurationOr("rate_limit.cleanup_interval", cfg.RateLimit.CleanupInterval, time.Minute)
	cfg.RateLimit.parsedClientExpiration = parseDurationOr("rate_limit.client_expiration", cfg.RateLimit.ClientExpiration, 5*time.Minute)

	if cfg.Workers.MaxInflight <= 0 { cfg.Workers.MaxInflight = 64 }
	cfg.Workers.parsedPendingTTL = parseDurationOr("workers.pending_ttl", cfg.Workers.PendingTTL, 2*time.Minute)

	return nil
}

// parseDurationOr parses a duration string, falling back to def on empty or invalid input.
func parseDurationOr(name, raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		LogWarn("[CONFIG] Invalid %s '%s', defaulting to %v", name, raw, def)
		return def
	}
	return d
}

func boolPtr(b bool) *bool { return &b }
