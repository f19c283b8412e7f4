package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Network is one EVM chain the service can index.
type Network struct {
	Name   string `yaml:"name"`
	RPCURL string `yaml:"rpc_url"`
}

var knownNetworks = map[string]string{
	"1":        "mainnet",
	"5":        "goerli",
	"137":      "polygon",
	"11155111": "sepolia",
}

// NetworkName returns the well-known name of a chain id, or the id itself.
func NetworkName(chainID string) string {
	if name, ok := knownNetworks[chainID]; ok {
		return name
	}
	return chainID
}

// Supported reports whether chainID has an RPC endpoint configured.
func (c *Config) Supported(chainID string) bool {
	n, ok := c.Networks[chainID]
	return ok && n.RPCURL != ""
}

// ChainIDs lists the configured chains in ascending order.
func (c *Config) ChainIDs() []string {
	ids := make([]string, 0, len(c.Networks))
	for id := range c.Networks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.ParseUint(ids[i], 10, 64)
		b, _ := strconv.ParseUint(ids[j], 10, 64)
		return a < b
	})
	return ids
}

// applyNetworkEnv reads ETH_RPC_URL for mainnet and RPC_URL_<chainId>
// for any other chain.
func applyNetworkEnv(cfg *Config) error {
	if cfg.Networks == nil {
		cfg.Networks = map[string]Network{}
	}
	if url := strings.TrimSpace(os.Getenv("ETH_RPC_URL")); url != "" {
		cfg.Networks["1"] = Network{Name: NetworkName("1"), RPCURL: url}
	}
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "RPC_URL_") {
			continue
		}
		id := strings.TrimPrefix(key, "RPC_URL_")
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return fmt.Errorf("%s: chain id must be decimal", key)
		}
		if val = strings.TrimSpace(val); val != "" {
			cfg.Networks[id] = Network{Name: NetworkName(id), RPCURL: val}
		}
	}
	for id, n := range cfg.Networks {
		if n.Name == "" {
			n.Name = NetworkName(id)
			cfg.Networks[id] = n
		}
	}
	return nil
}
