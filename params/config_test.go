package params

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Chains = []ChainConfig{
		{
			ID:             "alpha",
			RPC:            "ws://localhost:8546",
			Key:            "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
			HTLCContract:   common.HexToAddress("0x01"),
			BridgeContract: common.HexToAddress("0x02"),
		},
		{
			ID:             "beta",
			RPC:            "ws://localhost:9546",
			Key:            "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362319",
			HTLCContract:   common.HexToAddress("0x03"),
			BridgeContract: common.HexToAddress("0x04"),
		},
	}
	return cfg
}

func TestValidateAcceptsComplete(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	mutations := map[string]func(*Config){
		"no chains":        func(c *Config) { c.Chains = nil },
		"one chain":        func(c *Config) { c.Chains = c.Chains[:1] },
		"duplicate chain":  func(c *Config) { c.Chains[1].ID = c.Chains[0].ID },
		"missing rpc":      func(c *Config) { c.Chains[0].RPC = "" },
		"missing key":      func(c *Config) { c.Chains[1].Key = "" },
		"missing htlc":     func(c *Config) { c.Chains[0].HTLCContract = common.Address{} },
		"missing bridge":   func(c *Config) { c.Chains[0].BridgeContract = common.Address{} },
		"zero depth":       func(c *Config) { c.ConfirmationDepth = 0 },
		"oversized window": func(c *Config) { c.MaxBlocksPerQuery = MaxBlocksPerQuery + 1 },
		"timelock order":   func(c *Config) { c.MinTimelock = c.MaxTimelock * 2 },
		"zero skew":        func(c *Config) { c.TimelockSkew = 0 },
		"zero capacity":    func(c *Config) { c.MaxPendingOrders = 0 },
		"zero retries":     func(c *Config) { c.RetryAttempts = 0 },
		"zero inflight":    func(c *Config) { c.MaxInflightSubmissions = 0 },
	}
	for name, mutate := range mutations {
		cfg := validConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestChainLookup(t *testing.T) {
	cfg := validConfig()

	cc, ok := cfg.Chain("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", cc.ID)

	_, ok = cfg.Chain("gamma")
	assert.False(t, ok)

	assert.Equal(t, "beta", cfg.Counterpart("alpha"))
	assert.Equal(t, "alpha", cfg.Counterpart("beta"))
}
