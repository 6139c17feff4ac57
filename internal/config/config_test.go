package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.ListenAddr != ":8470" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.StoreRoot != filepath.Join(cfg.DataDir, "store") {
		t.Fatalf("store root should derive from data dir, got %q", cfg.StoreRoot)
	}
	if cfg.Timeouts.Voting.Std() != 2*time.Hour {
		t.Fatalf("unexpected voting timeout %v", cfg.Timeouts.Voting)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dalcore.yaml")
	body := `
listen_addr: ":9000"
data_dir: ` + dir + `
governance_nodes:
  - http://node-a:8545
  - http://node-b:8545
ml_service_url: http://ml:5110
timeouts:
  training: 10m
  querying: 30s
  voting: 1h
  deploy: 5m
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DALCORE_LISTEN_ADDR", ":9001")
	t.Setenv("DALCORE_GOVERNANCE_NODES", "http://env-node:8545, http://env-node2:8545")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9001" {
		t.Fatalf("env should win over file, got %q", cfg.ListenAddr)
	}
	if len(cfg.GovernanceNodes) != 2 || cfg.GovernanceNodes[0] != "http://env-node:8545" {
		t.Fatalf("unexpected nodes %v", cfg.GovernanceNodes)
	}
	if cfg.Timeouts.Training.Std() != 10*time.Minute {
		t.Fatalf("unexpected training timeout %v", cfg.Timeouts.Training)
	}
}

func TestValidateRejectsEmptyNodeList(t *testing.T) {
	cfg := Default()
	cfg.GovernanceNodes = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty node list")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg", "dalcore.yaml")

	cfg := Default()
	cfg.MLServiceURL = "http://ml-host:5110"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.MLServiceURL != "http://ml-host:5110" {
		t.Fatalf("round trip lost ml url: %q", loaded.MLServiceURL)
	}
}
