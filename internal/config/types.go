package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every server-level option plus the ordered caching rules once they are loaded.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	RuleSet RuleSetConfig `koanf:"ruleset"`

	// InlineRules preserves the rules declared directly in the server document so
	// the rules watcher can rebuild the bundle without re-reading that file.
	InlineRules []RuleConfig `koanf:"-"`

	// RuleSources records which files contributed rule definitions once the
	// loader resolves the configured sources.
	RuleSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid rules the loader
	// intentionally disabled so health checks can surface them without re-parsing.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle layer.
type ServerConfig struct {
	Listen   ListenConfig      `koanf:"listen"`
	Logging  LoggingConfig     `koanf:"logging"`
	Upstream UpstreamConfig    `koanf:"upstream"`
	Admin    AdminConfig       `koanf:"admin"`
	Rules    RulesConfig       `koanf:"rules"`
	Cache    ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// UpstreamConfig names the origin the proxy forwards to.
type UpstreamConfig struct {
	URL string `koanf:"url"`
	// Host overrides the Host header and TLS server name, for origins addressed by IP.
	Host string `koanf:"host"`
}

type AdminConfig struct {
	Enabled bool   `koanf:"enabled"`
	Prefix  string `koanf:"prefix"`
}

// RulesConfig announces how rule documents are sourced.
type RulesConfig struct {
	RulesFolder string `koanf:"rulesFolder"`
	RulesFile   string `koanf:"rulesFile"`
}

// ServerCacheConfig is the process-wide caching switchboard shared by every exchange.
type ServerCacheConfig struct {
	Enabled                     bool               `koanf:"enabled"`
	Backend                     string             `koanf:"backend"`
	Methods                     []string           `koanf:"methods"`
	DefaultTTLSeconds           int                `koanf:"defaultTTLSeconds"`
	MaxTTLSeconds               int                `koanf:"maxTTLSeconds"`
	MaxEntryBytes               int64              `koanf:"maxEntryBytes"`
	HousekeepingIntervalSeconds int                `koanf:"housekeepingIntervalSeconds"`
	CreatorTimeoutSeconds       int                `koanf:"creatorTimeoutSeconds"`
	SweepSchedule               string             `koanf:"sweepSchedule"`
	KeyPrefix                   string             `koanf:"keyPrefix"`
	Redis                       ServerRedisConfig  `koanf:"redis"`
	SQLite                      ServerSQLiteConfig `koanf:"sqlite"`
}

type ServerRedisConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type ServerSQLiteConfig struct {
	Path string `koanf:"path"`
}

// RuleSetConfig is the ordered list of caching rules plus the rule-set level switch.
type RuleSetConfig struct {
	Enabled *bool        `koanf:"enabled"` // nil = true
	Rules   []RuleConfig `koanf:"rules"`
}

// IsEnabled reports whether the rule set participates in caching. Defaults to true.
func (c RuleSetConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// DefinitionSkip describes a rule the loader intentionally ignored because it
// violated invariants (duplicate names, unparsable predicates, bad key
// templates). Runtime components surface these in health checks so operators
// know which definitions were quarantined.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// RuleConfig captures the declarative controls available to a single caching rule.
type RuleConfig struct {
	Name        string `koanf:"name"`
	Description string `koanf:"description"`
	Disabled    bool   `koanf:"disabled"`
	// Key is either a placeholder template (/p/:path) or a Go template ({{ .request.path }}).
	Key string `koanf:"key"`
	// Request is a CEL predicate evaluated at request time.
	Request string `koanf:"request"`
	// Response is a CEL predicate evaluated at response time.
	Response           string `koanf:"response"`
	Codes              []int  `koanf:"codes"`
	TTL                string `koanf:"ttl"`
	FollowCacheControl bool   `koanf:"followCacheControl"`
}

// TTLDuration parses the rule TTL. Empty or invalid values yield 0 so the
// server default applies.
func (c RuleConfig) TTLDuration() time.Duration {
	if strings.TrimSpace(c.TTL) == "" {
		return 0
	}
	d, err := time.ParseDuration(strings.TrimSpace(c.TTL))
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Rules.RulesFolder != "" && c.Server.Rules.RulesFile != "" {
		return errors.New("config: rulesFolder and rulesFile are mutually exclusive")
	}
	if raw := strings.TrimSpace(c.Server.Upstream.URL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("config: server.upstream.url invalid: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("config: server.upstream.url scheme unsupported: %q", u.Scheme)
		}
		if u.Host == "" {
			return errors.New("config: server.upstream.url host required")
		}
	}
	cache := c.Server.Cache
	if cache.DefaultTTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.defaultTTLSeconds invalid: %d", cache.DefaultTTLSeconds)
	}
	if cache.MaxTTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.maxTTLSeconds invalid: %d", cache.MaxTTLSeconds)
	}
	if cache.MaxEntryBytes < 0 {
		return fmt.Errorf("config: server.cache.maxEntryBytes invalid: %d", cache.MaxEntryBytes)
	}
	if cache.HousekeepingIntervalSeconds < 0 {
		return fmt.Errorf("config: server.cache.housekeepingIntervalSeconds invalid: %d", cache.HousekeepingIntervalSeconds)
	}
	if cache.CreatorTimeoutSeconds < 0 {
		return fmt.Errorf("config: server.cache.creatorTimeoutSeconds invalid: %d", cache.CreatorTimeoutSeconds)
	}
	for i, method := range cache.Methods {
		if strings.TrimSpace(method) == "" {
			return fmt.Errorf("config: server.cache.methods[%d] empty", i)
		}
	}
	backend := strings.TrimSpace(strings.ToLower(cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	case "sqlite":
		if strings.TrimSpace(cache.SQLite.Path) == "" {
			return errors.New("config: server.cache.sqlite.path required for sqlite backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", cache.Backend)
	}
	if c.Server.Admin.Enabled && !strings.HasPrefix(c.Server.Admin.Prefix, "/") {
		return fmt.Errorf("config: server.admin.prefix must start with '/': %q", c.Server.Admin.Prefix)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Admin: AdminConfig{
				Enabled: true,
				Prefix:  "/_streamcache",
			},
			Cache: ServerCacheConfig{
				Enabled:                     true,
				Backend:                     "memory",
				Methods:                     []string{"GET", "HEAD"},
				DefaultTTLSeconds:           60,
				MaxEntryBytes:               8 << 20,
				HousekeepingIntervalSeconds: 1,
				CreatorTimeoutSeconds:       30,
				SweepSchedule:               "@every 1m",
				KeyPrefix:                   "streamcache",
			},
		},
	}
}
