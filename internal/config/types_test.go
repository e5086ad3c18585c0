package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	invalidPort := cfg
	invalidPort.Server.Listen.Port = -1
	require.Error(t, invalidPort.Validate())

	conflictingRules := cfg
	conflictingRules.Server.Rules.RulesFile = "rules.yaml"
	conflictingRules.Server.Rules.RulesFolder = "./rules"
	require.Error(t, conflictingRules.Validate())

	t.Run("upstream url", func(t *testing.T) {
		bad := DefaultConfig()
		bad.Server.Upstream.URL = "ftp://origin"
		require.Error(t, bad.Validate())

		noHost := DefaultConfig()
		noHost.Server.Upstream.URL = "http://"
		require.Error(t, noHost.Validate())

		good := DefaultConfig()
		good.Server.Upstream.URL = "http://origin:9000"
		require.NoError(t, good.Validate())
	})

	t.Run("cache knobs", func(t *testing.T) {
		negativeTTL := DefaultConfig()
		negativeTTL.Server.Cache.DefaultTTLSeconds = -1
		require.Error(t, negativeTTL.Validate())

		negativeSize := DefaultConfig()
		negativeSize.Server.Cache.MaxEntryBytes = -1
		require.Error(t, negativeSize.Validate())

		negativeTimeout := DefaultConfig()
		negativeTimeout.Server.Cache.CreatorTimeoutSeconds = -1
		require.Error(t, negativeTimeout.Validate())

		emptyMethod := DefaultConfig()
		emptyMethod.Server.Cache.Methods = []string{"GET", " "}
		require.Error(t, emptyMethod.Validate())
	})

	t.Run("backends", func(t *testing.T) {
		unknown := DefaultConfig()
		unknown.Server.Cache.Backend = "memcached"
		require.Error(t, unknown.Validate())

		redisNoAddr := DefaultConfig()
		redisNoAddr.Server.Cache.Backend = "redis"
		require.Error(t, redisNoAddr.Validate())

		redisOK := DefaultConfig()
		redisOK.Server.Cache.Backend = "redis"
		redisOK.Server.Cache.Redis.Address = "localhost:6379"
		require.NoError(t, redisOK.Validate())

		sqliteNoPath := DefaultConfig()
		sqliteNoPath.Server.Cache.Backend = "sqlite"
		require.Error(t, sqliteNoPath.Validate())
	})

	t.Run("admin prefix", func(t *testing.T) {
		bad := DefaultConfig()
		bad.Server.Admin.Prefix = "admin"
		require.Error(t, bad.Validate())
	})
}

func TestRuleConfigTTLDuration(t *testing.T) {
	require.Equal(t, time.Duration(0), RuleConfig{}.TTLDuration())
	require.Equal(t, 5*time.Minute, RuleConfig{TTL: "5m"}.TTLDuration())
	require.Equal(t, time.Duration(0), RuleConfig{TTL: "-1s"}.TTLDuration())
	require.Equal(t, time.Duration(0), RuleConfig{TTL: "soon"}.TTLDuration())
}

func TestRuleSetEnabledDefault(t *testing.T) {
	require.True(t, RuleSetConfig{}.IsEnabled())
	off := false
	require.False(t, RuleSetConfig{Enabled: &off}.IsEnabled())
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "0.0.0.0", cfg.Server.Listen.Address)
	require.Equal(t, 8080, cfg.Server.Listen.Port)
	require.Equal(t, "info", cfg.Server.Logging.Level)
	require.Equal(t, "memory", cfg.Server.Cache.Backend)
	require.Equal(t, []string{"GET", "HEAD"}, cfg.Server.Cache.Methods)
	require.Equal(t, 60, cfg.Server.Cache.DefaultTTLSeconds)
	require.Equal(t, "/_streamcache", cfg.Server.Admin.Prefix)
	require.Empty(t, cfg.Server.Rules.RulesFolder)
}
