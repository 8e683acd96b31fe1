package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "contract_monitor.db" {
		t.Errorf("DBPath = %q, want contract_monitor.db", cfg.DBPath)
	}
	if cfg.BlockCheckIntervalSeconds != 12 {
		t.Errorf("BlockCheckIntervalSeconds = %d, want 12", cfg.BlockCheckIntervalSeconds)
	}
	if cfg.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", cfg.BatchSize)
	}
	if len(cfg.RPCEndpoints["ethereum"]) == 0 {
		t.Errorf("RPCEndpoints[ethereum] is empty, want defaults")
	}
	if !cfg.POANetworks["bsc"] {
		t.Errorf("POANetworks[bsc] = false, want true")
	}
	if !cfg.NonEVMNetworks["solana"] {
		t.Errorf("NonEVMNetworks[solana] = false, want true")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/custom.db")
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("BLOCK_CHECK_INTERVAL", "7")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("ARKHAM_API_KEY", "env-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/custom.db" {
		t.Errorf("DBPath = %q, want /tmp/custom.db", cfg.DBPath)
	}
	if cfg.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want 25", cfg.BatchSize)
	}
	if cfg.BlockCheckIntervalSeconds != 7 {
		t.Errorf("BlockCheckIntervalSeconds = %d, want 7", cfg.BlockCheckIntervalSeconds)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %q, want DEBUG", cfg.LogLevel)
	}
	if cfg.ArkhamAPIKey != "env-key" {
		t.Errorf("ArkhamAPIKey = %q, want env-key", cfg.ArkhamAPIKey)
	}
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("BATCH_SIZE", "not-a-number")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want fallback 10 for an unparsable env value", cfg.BatchSize)
	}
}

func TestLoad_TOMLOverridesRPCEndpointsAndNetworks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "override.toml")
	contents := `
default_networks = ["ethereum", "base"]

[rpc_endpoints]
ethereum = ["https://custom.example/rpc"]
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.RPCEndpoints["ethereum"]; len(got) != 1 || got[0] != "https://custom.example/rpc" {
		t.Errorf("RPCEndpoints[ethereum] = %v, want single custom override", got)
	}
	if len(cfg.RPCEndpoints["arbitrum"]) == 0 {
		t.Errorf("RPCEndpoints[arbitrum] was wiped out by a partial TOML override, want defaults preserved")
	}
	if len(cfg.DefaultNetworks) != 2 || cfg.DefaultNetworks[0] != "ethereum" || cfg.DefaultNetworks[1] != "base" {
		t.Errorf("DefaultNetworks = %v, want [ethereum base]", cfg.DefaultNetworks)
	}
}

func TestLoad_MissingTOMLFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err == nil {
		t.Fatalf("Load with a missing config path should return an error")
	}
}

func TestEVMNetworksWithEndpoints_ExcludesNonEVMAndEmpty(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	names := cfg.EVMNetworksWithEndpoints()

	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	if set["bitcoin"] {
		t.Errorf("EVMNetworksWithEndpoints includes bitcoin, which has no endpoints configured")
	}
	if set["solana"] {
		t.Errorf("EVMNetworksWithEndpoints includes solana, a non-EVM network")
	}
	if !set["ethereum"] {
		t.Errorf("EVMNetworksWithEndpoints is missing ethereum")
	}
}
