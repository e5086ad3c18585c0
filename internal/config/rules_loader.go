package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/l0p7/streamcache/internal/expr"
	"github.com/l0p7/streamcache/internal/templates"
)

const inlineSourceName = "inline-config"

// RuleBundle captures the ordered rule list after loading every configured
// source. Runtime components use the metadata to explain what was loaded and
// why certain definitions were skipped.
type RuleBundle struct {
	Rules   []RuleConfig
	Sources []string
	Skipped []DefinitionSkip
}

type ruleDocument struct {
	Rules []RuleConfig `koanf:"rules"`
}

type sourcedRule struct {
	cfg    RuleConfig
	source string
}

// ruleAggregator keeps rules in declaration order: inline rules first, then
// each source file in lexical order, rules within a file as written.
type ruleAggregator struct {
	rules     []sourcedRule
	positions map[string]int
	ruleSkips map[string]*DefinitionSkip
	sources   map[string]struct{}
}

func newRuleAggregator() *ruleAggregator {
	return &ruleAggregator{
		positions: make(map[string]int),
		ruleSkips: make(map[string]*DefinitionSkip),
		sources:   make(map[string]struct{}),
	}
}

func (a *ruleAggregator) addDocument(doc ruleDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for idx, cfg := range doc.Rules {
		a.addRule(idx, cfg, source)
	}
}

func (a *ruleAggregator) addRule(idx int, cfg RuleConfig, source string) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		a.recordRuleSkip(fmt.Sprintf("rules[%d]", idx), "name required", source)
		return
	}
	if existing, ok := a.ruleSkips[cfg.Name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if pos, ok := a.positions[cfg.Name]; ok {
		prev := a.rules[pos].source
		a.recordRuleSkip(cfg.Name, "duplicate definition", prev, source)
		a.remove(cfg.Name)
		return
	}
	a.positions[cfg.Name] = len(a.rules)
	a.rules = append(a.rules, sourcedRule{cfg: cfg, source: source})
}

func (a *ruleAggregator) remove(name string) {
	pos, ok := a.positions[name]
	if !ok {
		return
	}
	a.rules = slices.Delete(a.rules, pos, pos+1)
	delete(a.positions, name)
	for i := pos; i < len(a.rules); i++ {
		a.positions[a.rules[i].cfg.Name] = i
	}
}

func (a *ruleAggregator) validateRules(requestEnv, responseEnv *expr.Environment, renderer *templates.Renderer) {
	for _, rule := range slices.Clone(a.rules) {
		if err := validateRule(rule.cfg, requestEnv, responseEnv, renderer); err != nil {
			a.recordRuleSkip(rule.cfg.Name, fmt.Sprintf("invalid rule: %v", err), rule.source)
			a.remove(rule.cfg.Name)
		}
	}
}

func (a *ruleAggregator) recordRuleSkip(name, reason string, sources ...string) {
	if skip, ok := a.ruleSkips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    "rule",
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.ruleSkips[name] = skip
}

func (a *ruleAggregator) bundle() RuleBundle {
	rules := make([]RuleConfig, 0, len(a.rules))
	for _, rule := range a.rules {
		rules = append(rules, rule.cfg)
	}
	skipped := make([]DefinitionSkip, 0, len(a.ruleSkips))
	for _, skip := range a.ruleSkips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool {
		return skipped[i].Name < skipped[j].Name
	})
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return RuleBundle{Rules: rules, Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildRuleBundle(ctx context.Context, inlineRules []RuleConfig, rulesCfg RulesConfig) (RuleBundle, error) {
	agg := newRuleAggregator()
	if len(inlineRules) > 0 {
		agg.addDocument(ruleDocument{Rules: inlineRules}, inlineSourceName)
	}

	files, err := collectRuleSources(ctx, rulesCfg)
	if err != nil {
		return RuleBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return RuleBundle{}, ctx.Err()
		default:
		}
		doc, err := loadRuleDocument(path)
		if err != nil {
			return RuleBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	requestEnv, err := expr.NewRequestEnvironment()
	if err != nil {
		return RuleBundle{}, err
	}
	responseEnv, err := expr.NewResponseEnvironment()
	if err != nil {
		return RuleBundle{}, err
	}
	agg.validateRules(requestEnv, responseEnv, templates.NewRenderer())
	return agg.bundle(), nil
}

func validateRule(cfg RuleConfig, requestEnv, responseEnv *expr.Environment, renderer *templates.Renderer) error {
	if trimmed := strings.TrimSpace(cfg.Request); trimmed != "" {
		if _, err := requestEnv.Compile(trimmed); err != nil {
			return fmt.Errorf("request: %w", err)
		}
	}
	if trimmed := strings.TrimSpace(cfg.Response); trimmed != "" {
		if _, err := responseEnv.Compile(trimmed); err != nil {
			return fmt.Errorf("response: %w", err)
		}
	}
	if _, err := templates.CompileKey(renderer, cfg.Key); err != nil {
		return fmt.Errorf("key: %w", err)
	}
	for idx, code := range cfg.Codes {
		if code < 100 || code > 599 {
			return fmt.Errorf("codes[%d]: invalid status %d", idx, code)
		}
	}
	if raw := strings.TrimSpace(cfg.TTL); raw != "" && cfg.TTLDuration() == 0 && raw != "0" && raw != "0s" {
		return fmt.Errorf("ttl: invalid duration %q", cfg.TTL)
	}
	return nil
}

func collectRuleSources(ctx context.Context, rulesCfg RulesConfig) ([]string, error) {
	if rulesCfg.RulesFile != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(rulesCfg.RulesFile); err != nil {
			return nil, err
		}
		return []string{rulesCfg.RulesFile}, nil
	}
	if rulesCfg.RulesFolder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(rulesCfg.RulesFolder)
	if err != nil {
		return nil, fmt.Errorf("config: rules folder %s: %w", rulesCfg.RulesFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: rules folder %s is not a directory", rulesCfg.RulesFolder)
	}
	var files []string
	err = filepath.WalkDir(rulesCfg.RulesFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedRulesFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk rules folder %s: %w", rulesCfg.RulesFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: rules file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: rules file %s: expected a file, found directory", path)
	}
	return nil
}

func loadRuleDocument(path string) (ruleDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return ruleDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return ruleDocument{}, fmt.Errorf("config: load rules from %s: %w", path, err)
	}
	var doc ruleDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return ruleDocument{}, fmt.Errorf("config: decode rules from %s: %w", path, err)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported rules file extension %s", ext)
	}
}

func isSupportedRulesFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneRules(in []RuleConfig) []RuleConfig {
	if len(in) == 0 {
		return nil
	}
	out := make([]RuleConfig, len(in))
	for i, rule := range in {
		rule.Codes = slices.Clone(rule.Codes)
		out[i] = rule
	}
	return out
}
