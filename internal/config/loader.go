package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot, then resolves the ordered rule list
// from the inline ruleset and any configured rules sources.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.rules.rulesfolder":                 "server.rules.rulesFolder",
			"server.rules.rulesfile":                   "server.rules.rulesFile",
			"server.logging.correlationheader":         "server.logging.correlationHeader",
			"server.cache.defaultttlseconds":           "server.cache.defaultTTLSeconds",
			"server.cache.maxttlseconds":               "server.cache.maxTTLSeconds",
			"server.cache.maxentrybytes":               "server.cache.maxEntryBytes",
			"server.cache.housekeepingintervalseconds": "server.cache.housekeepingIntervalSeconds",
			"server.cache.sweepschedule":               "server.cache.sweepSchedule",
			"server.cache.keyprefix":                   "server.cache.keyPrefix",
			"server.cache.redis.tls.cafile":            "server.cache.redis.tls.caFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineRules = cloneRules(cfg.RuleSet.Rules)

	bundle, err := buildRuleBundle(ctx, cfg.InlineRules, cfg.Server.Rules)
	if err != nil {
		return Config{}, err
	}
	cfg.RuleSet.Rules = bundle.Rules
	cfg.RuleSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"upstream": map[string]any{
				"url":  cfg.Server.Upstream.URL,
				"host": cfg.Server.Upstream.Host,
			},
			"admin": map[string]any{
				"enabled": cfg.Server.Admin.Enabled,
				"prefix":  cfg.Server.Admin.Prefix,
			},
			"rules": map[string]any{
				"rulesFolder": cfg.Server.Rules.RulesFolder,
				"rulesFile":   cfg.Server.Rules.RulesFile,
			},
			"cache": map[string]any{
				"enabled":                     cfg.Server.Cache.Enabled,
				"backend":                     cfg.Server.Cache.Backend,
				"methods":                     cfg.Server.Cache.Methods,
				"defaultTTLSeconds":           cfg.Server.Cache.DefaultTTLSeconds,
				"maxTTLSeconds":               cfg.Server.Cache.MaxTTLSeconds,
				"maxEntryBytes":               cfg.Server.Cache.MaxEntryBytes,
				"housekeepingIntervalSeconds": cfg.Server.Cache.HousekeepingIntervalSeconds,
				"creatorTimeoutSeconds":       cfg.Server.Cache.CreatorTimeoutSeconds,
				"sweepSchedule":               cfg.Server.Cache.SweepSchedule,
				"keyPrefix":                   cfg.Server.Cache.KeyPrefix,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
				"sqlite": map[string]any{
					"path": cfg.Server.Cache.SQLite.Path,
				},
			},
		},
	}
}
