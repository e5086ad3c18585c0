package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func ruleNames(bundle RuleBundle) []string {
	names := make([]string, 0, len(bundle.Rules))
	for _, rule := range bundle.Rules {
		names = append(names, rule.Name)
	}
	return names
}

func TestWatchRulesFileReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(rulesFile, []byte("rules:\n  - name: file-rule\n    description: v1\n"), 0o600); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}

	serverCfg := filepath.Join(dir, "server.yaml")
	configContents := "server:\n  rules:\n    rulesFile: %s\nruleset:\n  rules:\n    - name: inline-rule\n      description: inline\n"
	if err := os.WriteFile(serverCfg, []byte(fmt.Sprintf(configContents, rulesFile)), 0o600); err != nil {
		t.Fatalf("failed to write server config: %v", err)
	}

	loader := NewLoader("STREAMCACHE", serverCfg)
	cfg, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("loader failed: %v", err)
	}

	changeCh := make(chan RuleBundle, 4)
	errCh := make(chan error, 1)

	watcher, err := loader.WatchRules(ctx, cfg, func(bundle RuleBundle) {
		changeCh <- bundle
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	select {
	case bundle := <-changeCh:
		if len(bundle.Rules) != 2 {
			t.Fatalf("expected inline and file rules on initial load: %v", ruleNames(bundle))
		}
		if bundle.Rules[1].Description != "v1" {
			t.Fatalf("expected file rule v1, got %v", bundle.Rules[1].Description)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial change event")
	}

	if err := os.WriteFile(rulesFile, []byte("rules:\n  - name: file-rule\n    description: v2\n"), 0o600); err != nil {
		t.Fatalf("failed to update rules file: %v", err)
	}

	select {
	case bundle := <-changeCh:
		if len(bundle.Rules) != 2 {
			t.Fatalf("unexpected rules after reload: %v", ruleNames(bundle))
		}
		if bundle.Rules[0].Name != "inline-rule" {
			t.Fatalf("inline rule missing after reload")
		}
		if bundle.Rules[1].Description != "v2" {
			t.Fatalf("expected updated description, got %v", bundle.Rules[1].Description)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload event")
	}
}

func TestWatchRulesFolderReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	rulesDir := filepath.Join(dir, "rules")
	if err := os.MkdirAll(rulesDir, 0o755); err != nil {
		t.Fatalf("failed to create rules folder: %v", err)
	}

	serverCfg := filepath.Join(dir, "server.yaml")
	configContents := "server:\n  rules:\n    rulesFolder: %s\nruleset:\n  rules:\n    - name: inline-rule\n"
	if err := os.WriteFile(serverCfg, []byte(fmt.Sprintf(configContents, rulesDir)), 0o600); err != nil {
		t.Fatalf("failed to write server config: %v", err)
	}

	loader := NewLoader("STREAMCACHE", serverCfg)
	cfg, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("loader failed: %v", err)
	}

	changeCh := make(chan RuleBundle, 4)
	errCh := make(chan error, 1)

	watcher, err := loader.WatchRules(ctx, cfg, func(bundle RuleBundle) {
		changeCh <- bundle
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	select {
	case bundle := <-changeCh:
		if len(bundle.Rules) != 1 {
			t.Fatalf("expected only inline rule initially, got %v", ruleNames(bundle))
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial event")
	}

	rulePath := filepath.Join(rulesDir, "file.yaml")
	if err := os.WriteFile(rulePath, []byte("rules:\n  - name: folder-rule\n"), 0o600); err != nil {
		t.Fatalf("failed to create rules document: %v", err)
	}

	select {
	case bundle := <-changeCh:
		names := ruleNames(bundle)
		if len(names) != 2 || names[0] != "inline-rule" || names[1] != "folder-rule" {
			t.Fatalf("expected inline then folder rule after reload: %v", names)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for folder reload event")
	}
}

func TestWatchRulesSkipsUnchangedBundle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "rules.yaml")
	contents := []byte("rules:\n  - name: static\n    key: \"/static/:path\"\n")
	if err := os.WriteFile(rulesFile, contents, 0o600); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Server.Rules.RulesFile = rulesFile

	changeCh := make(chan RuleBundle, 4)
	watcher, err := NewLoader("STREAMCACHE").WatchRules(ctx, cfg, func(bundle RuleBundle) {
		changeCh <- bundle
	}, nil)
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	select {
	case <-changeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial change event")
	}

	if err := os.WriteFile(rulesFile, contents, 0o600); err != nil {
		t.Fatalf("failed to rewrite rules file: %v", err)
	}
	select {
	case bundle := <-changeCh:
		t.Fatalf("identical rules must not be redelivered: %v", ruleNames(bundle))
	case <-time.After(300 * time.Millisecond):
	}

	if err := os.WriteFile(rulesFile, []byte("rules:\n  - name: static\n  - name: docs\n"), 0o600); err != nil {
		t.Fatalf("failed to update rules file: %v", err)
	}
	select {
	case bundle := <-changeCh:
		if names := ruleNames(bundle); len(names) != 2 || names[1] != "docs" {
			t.Fatalf("expected static then docs after reload: %v", names)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload event")
	}
}

func TestWatchRulesRequiresSource(t *testing.T) {
	loader := NewLoader("")
	_, err := loader.WatchRules(context.Background(), DefaultConfig(), func(RuleBundle) {}, nil)
	if err == nil {
		t.Fatal("expected error without a rules source")
	}
}
