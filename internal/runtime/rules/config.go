package rules

import (
	"github.com/l0p7/streamcache/internal/config"
	"github.com/l0p7/streamcache/internal/templates"
)

// SpecsFromConfig maps loaded rule configuration onto definition specs.
func SpecsFromConfig(in []config.RuleConfig) []DefinitionSpec {
	specs := make([]DefinitionSpec, 0, len(in))
	for _, cfg := range in {
		specs = append(specs, DefinitionSpec{
			Name:               cfg.Name,
			Description:        cfg.Description,
			Disabled:           cfg.Disabled,
			Key:                cfg.Key,
			Request:            cfg.Request,
			Response:           cfg.Response,
			Codes:              append([]int(nil), cfg.Codes...),
			TTL:                cfg.TTLDuration(),
			FollowCacheControl: cfg.FollowCacheControl,
		})
	}
	return specs
}

// FromConfig compiles the configured rule set.
func FromConfig(cfg config.RuleSetConfig, renderer *templates.Renderer) (*Set, error) {
	return Compile(SpecsFromConfig(cfg.Rules), cfg.IsEnabled(), renderer)
}
