package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.yaml"))
	if err == nil {
		t.Fatal("explicit missing config file should error")
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load with no file: %v", err)
	}
	if cfg.Work.Budget != 5*time.Hour+30*time.Minute {
		t.Errorf("default budget = %v", cfg.Work.Budget)
	}
	if cfg.Work.Grace != 30*time.Second {
		t.Errorf("default grace = %v", cfg.Work.Grace)
	}
	if cfg.Chain.MaxSteps != 20 {
		t.Errorf("default max steps = %d", cfg.Chain.MaxSteps)
	}
	if cfg.Dispatch.Ref != "main" {
		t.Errorf("default ref = %q", cfg.Dispatch.Ref)
	}
	if cfg.Storage.Bucket != "zuo-generated" {
		t.Errorf("default bucket = %q", cfg.Storage.Bucket)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
log:
  level: debug
  json: true
work:
  command: ./generate.sh
  budget: 10m
  grace: 5s
dispatch:
  endpoint: https://api.example.com/workflows/42/dispatches
  ref: release
chain:
  max_steps: 3
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.JSON {
		t.Errorf("log config not applied: %+v", cfg.Log)
	}
	if cfg.Work.Command != "./generate.sh" {
		t.Errorf("work command = %q", cfg.Work.Command)
	}
	if cfg.Work.Budget != 10*time.Minute || cfg.Work.Grace != 5*time.Second {
		t.Errorf("durations not parsed: %+v", cfg.Work)
	}
	if cfg.Dispatch.Endpoint != "https://api.example.com/workflows/42/dispatches" {
		t.Errorf("dispatch endpoint = %q", cfg.Dispatch.Endpoint)
	}
	if cfg.Chain.MaxSteps != 3 {
		t.Errorf("max steps = %d", cfg.Chain.MaxSteps)
	}
	// Untouched sections keep defaults
	if cfg.Ledger.LeaseTTL != 6*time.Hour {
		t.Errorf("lease ttl default lost: %v", cfg.Ledger.LeaseTTL)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TRELLISRUN_DISPATCH_REF", "hotfix")
	t.Setenv("TRELLISRUN_CHAIN_MAX_STEPS", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.Ref != "hotfix" {
		t.Errorf("env override ignored, ref = %q", cfg.Dispatch.Ref)
	}
	if cfg.Chain.MaxSteps != 7 {
		t.Errorf("env override ignored, max steps = %d", cfg.Chain.MaxSteps)
	}
}

func TestDefaultYAMLRoundTrip(t *testing.T) {
	data, err := DefaultYAML()
	if err != nil {
		t.Fatal(err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("default YAML does not parse: %v", err)
	}
	if cfg.Chain.MaxSteps != Default().Chain.MaxSteps {
		t.Errorf("round-trip lost chain.max_steps: %d", cfg.Chain.MaxSteps)
	}
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteDefault(path); err == nil {
		t.Fatal("second write should refuse to overwrite")
	}
}
