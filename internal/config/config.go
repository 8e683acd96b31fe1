// Package config loads the indexer's configuration from environment
// variables, an optional TOML override file, and built-in defaults
// for the RPC endpoint table.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds every external-interface setting the indexer reads at
// startup: the attribution API key and URL, the per-chain RPC
// endpoint table, which chains to monitor, and the storage/logging
// knobs.
type Config struct {
	ArkhamAPIKey string
	ArkhamAPIURL string

	RPCEndpoints    map[string][]string
	DefaultNetworks []string
	NonEVMNetworks  map[string]bool
	POANetworks     map[string]bool

	DBPath   string
	LogFile  string
	LogLevel string

	BlockCheckIntervalSeconds int
	BatchSize                 int
}

// fileOverrides is the shape of the optional TOML config file. Only
// the RPC endpoint table and the default network list are realistic
// to override this way; everything else stays env-driven.
type fileOverrides struct {
	RPCEndpoints    map[string][]string `toml:"rpc_endpoints"`
	DefaultNetworks []string            `toml:"default_networks"`
}

// defaultRPCEndpoints lists public, fallback-ordered HTTPS endpoints
// per chain. Non-EVM chains keep entries here (some with endpoints);
// they are skipped through NonEVMNetworks regardless of this table.
func defaultRPCEndpoints() map[string][]string {
	return map[string][]string{
		"ethereum": {
			"https://eth.llamarpc.com",
			"https://rpc.ankr.com/eth",
			"https://ethereum.publicnode.com",
			"https://1rpc.io/eth",
			"https://eth.drpc.org",
		},
		"arbitrum": {
			"https://arbitrum.llamarpc.com",
			"https://rpc.ankr.com/arbitrum",
			"https://arbitrum.publicnode.com",
			"https://1rpc.io/arb",
			"https://arb1.arbitrum.io/rpc",
		},
		"base": {
			"https://base.llamarpc.com",
			"https://rpc.ankr.com/base",
			"https://base.publicnode.com",
			"https://1rpc.io/base",
			"https://mainnet.base.org",
		},
		"optimism": {
			"https://optimism.llamarpc.com",
			"https://rpc.ankr.com/optimism",
			"https://optimism.publicnode.com",
			"https://1rpc.io/op",
			"https://mainnet.optimism.io",
		},
		"polygon": {
			"https://polygon.llamarpc.com",
			"https://rpc.ankr.com/polygon",
			"https://polygon.publicnode.com",
			"https://1rpc.io/matic",
			"https://polygon-rpc.com",
		},
		"bsc": {
			"https://bsc.llamarpc.com",
			"https://rpc.ankr.com/bsc",
			"https://bsc.publicnode.com",
			"https://1rpc.io/bnb",
			"https://bsc-dataseed.binance.org",
		},
		"avalanche": {
			"https://avalanche.publicnode.com",
			"https://rpc.ankr.com/avalanche",
			"https://1rpc.io/avax/c",
			"https://api.avax.network/ext/bc/C/rpc",
		},
		"blast": {
			"https://rpc.ankr.com/blast",
			"https://blast.publicnode.com",
			"https://rpc.blast.io",
			"https://blast.din.dev/rpc",
		},
		"linea": {
			"https://rpc.linea.build",
			"https://linea.publicnode.com",
			"https://1rpc.io/linea",
			"https://rpc.ankr.com/linea",
		},
		"sonic": {
			"https://rpc.soniclabs.com",
			"https://rpc.ankr.com/sonic",
		},
		"flare": {
			"https://flare-api.flare.network/ext/C/rpc",
			"https://rpc.ankr.com/flare",
		},
		"bitcoin": {},
		"solana": {
			"https://api.mainnet-beta.solana.com",
			"https://rpc.ankr.com/solana",
		},
		"ton": {},
		"tron": {
			"https://api.trongrid.io",
		},
	}
}

func defaultNetworks() []string {
	return []string{
		"ethereum", "arbitrum", "base", "optimism",
		"polygon", "bsc", "avalanche", "blast", "linea",
	}
}

func nonEVMNetworks() map[string]bool {
	return map[string]bool{"bitcoin": true, "solana": true, "ton": true, "tron": true}
}

func poaNetworks() map[string]bool {
	return map[string]bool{"polygon": true, "bsc": true, "linea": true, "flare": true, "avalanche": true}
}

// Load builds a Config from environment variables, applying an
// optional TOML file (configPath, may be empty) as an override for
// the RPC endpoint table and default network list.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		ArkhamAPIKey:              getenv("ARKHAM_API_KEY", ""),
		ArkhamAPIURL:              getenv("ARKHAM_API_URL", "https://api.arkm.com"),
		RPCEndpoints:              defaultRPCEndpoints(),
		DefaultNetworks:           defaultNetworks(),
		NonEVMNetworks:            nonEVMNetworks(),
		POANetworks:               poaNetworks(),
		DBPath:                    getenv("DB_PATH", "contract_monitor.db"),
		LogFile:                   getenv("LOG_FILE", "contract_monitor.log"),
		LogLevel:                  getenv("LOG_LEVEL", "INFO"),
		BlockCheckIntervalSeconds: getenvInt("BLOCK_CHECK_INTERVAL", 12),
		BatchSize:                 getenvInt("BATCH_SIZE", 10),
	}

	if cfg.ArkhamAPIKey == "" {
		if b, err := os.ReadFile("../API-Key"); err == nil {
			cfg.ArkhamAPIKey = strings.TrimSpace(string(b))
		}
	}

	if configPath != "" {
		var override fileOverrides
		if _, err := toml.DecodeFile(configPath, &override); err != nil {
			return nil, fmt.Errorf("config: decoding %s: %w", configPath, err)
		}
		for chain, endpoints := range override.RPCEndpoints {
			cfg.RPCEndpoints[chain] = endpoints
		}
		if len(override.DefaultNetworks) > 0 {
			cfg.DefaultNetworks = override.DefaultNetworks
		}
	}

	return cfg, nil
}

// EVMNetworksWithEndpoints returns every configured chain name that
// is not a non-EVM network and has at least one RPC endpoint -- the
// set --all resolves to.
func (c *Config) EVMNetworksWithEndpoints() []string {
	var names []string
	for chain, endpoints := range c.RPCEndpoints {
		if c.NonEVMNetworks[chain] {
			continue
		}
		if len(endpoints) == 0 {
			continue
		}
		names = append(names, chain)
	}
	return names
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
