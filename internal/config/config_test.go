package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"podline/internal/config"
	"podline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Persistence.Debounce != time.Second {
		t.Fatalf("expected 1s debounce, got %v", cfg.Persistence.Debounce)
	}
	if cfg.Defaults.BudgetMinutes != 60 {
		t.Fatalf("expected 60 minute budget, got %v", cfg.Defaults.BudgetMinutes)
	}
	if got := cfg.Family(domain.RoleBackend); len(got.Tools) == 0 || got.MemoryMB != 2048 {
		t.Fatalf("unexpected engineering family %+v", got)
	}
}

func TestFromYAMLOverridesAndKeepsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("defaults:\n  budget_minutes: 90\npods:\n  settle_delay: 0s\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Defaults.BudgetMinutes != 90 {
		t.Fatalf("override lost: %v", cfg.Defaults.BudgetMinutes)
	}
	if cfg.Pods.SettleDelay != 0 {
		t.Fatalf("settle delay override lost: %v", cfg.Pods.SettleDelay)
	}
	if cfg.Defaults.WarningThreshold != 0.8 {
		t.Fatalf("default threshold lost: %v", cfg.Defaults.WarningThreshold)
	}
	if len(cfg.Family(domain.RoleQA).Tools) == 0 {
		t.Fatalf("default families lost")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"thresholds": "defaults:\n  warning_threshold: 0.99\n  critical_threshold: 0.5\n",
		"attempts":   "persistence:\n  max_attempts: 0\n",
		"webhook":    "webhooks:\n  - events: [work_order.created]\n",
	}
	for name, raw := range cases {
		if _, err := config.FromYAML([]byte(raw)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("expected default config, got %v %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "podline.yml"), []byte("recovery:\n  resume_delay: 5s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Recovery.ResumeDelay != 5*time.Second {
		t.Fatalf("unexpected resume delay %v", cfg.Recovery.ResumeDelay)
	}
}
