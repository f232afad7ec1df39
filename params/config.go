// Package params holds the relayer configuration and protocol constants.
package params

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Protocol constants. These are fixed per deployment and are not
// configurable at runtime.
const (
	// SecretLength is the byte length of an HTLC preimage.
	SecretLength = 32

	// MaxBlocksPerQuery is the hard upper bound on the event query window.
	// The adapter clamps any wider request to this many blocks.
	MaxBlocksPerQuery = 100
)

var (
	errNoChains      = errors.New("exactly two chains must be configured")
	errSameChain     = errors.New("the two configured chains must have distinct ids")
	errTimelockOrder = errors.New("timelock bounds must satisfy min <= default <= max")
)

// ChainConfig carries the per-ledger settings: where to reach it, how to
// sign for it, and which contracts to watch.
type ChainConfig struct {
	// ID is the symbolic chain identifier used throughout the relayer.
	// Chain identity is data, not type; the same adapter implementation
	// serves both sides.
	ID string `toml:"id"`

	// RPC is the JSON-RPC endpoint of the ledger.
	RPC string `toml:"rpc"`

	// Key is the hex-encoded submission key. Orders cannot be fulfilled
	// or refunded without it, so startup fails if it is missing.
	Key string `toml:"key"`

	// HTLCContract and BridgeContract are the watched contract addresses.
	HTLCContract   common.Address `toml:"htlc-contract"`
	BridgeContract common.Address `toml:"bridge-contract"`

	// HasIncomingOrders reports whether this chain's bridge implements
	// processIncomingOrder. When false, swaps targeting this chain are
	// driven entirely through direct HTLC observation.
	HasIncomingOrders bool `toml:"has-incoming-orders"`

	// MinGasLimit floors the padded gas estimate on submission.
	MinGasLimit uint64 `toml:"min-gas-limit"`
}

// Config is the full relayer configuration. The zero value is not usable;
// start from Defaults() and overlay file and flag values.
type Config struct {
	// DataDir hosts the cursor database.
	DataDir string `toml:"datadir"`

	// Chains lists the two coordinated ledgers.
	Chains []ChainConfig `toml:"chain"`

	// ConfirmationDepth is K: blocks below the tip considered final.
	ConfirmationDepth uint64 `toml:"confirmation-depth"`

	// PollingInterval is the ingestor poll cadence per chain.
	PollingInterval time.Duration `toml:"polling-interval"`

	// MaxBlocksPerQuery is W, the event query window. Clamped to the
	// protocol maximum.
	MaxBlocksPerQuery uint64 `toml:"max-blocks-per-query"`

	// OrderTimeoutBuffer is how long before the source timelock the
	// resolver stops waiting for the target side to lock.
	OrderTimeoutBuffer time.Duration `toml:"order-timeout-buffer"`

	// MaxPendingOrders caps the order table. Inserts beyond the cap evict
	// terminal orders only; with none to evict the insert is rejected and
	// the chain is flagged as backpressured.
	MaxPendingOrders int `toml:"max-pending-orders"`

	// MinTimelock, MaxTimelock and DefaultTimelock bound the source-side
	// timelock accepted at order ingestion.
	MinTimelock     time.Duration `toml:"min-timelock"`
	MaxTimelock     time.Duration `toml:"max-timelock"`
	DefaultTimelock time.Duration `toml:"default-timelock"`

	// TimelockSkew is the required gap between the target and source
	// timelocks (target expires first).
	TimelockSkew time.Duration `toml:"timelock-skew"`

	// RetryAttempts and RetryBaseDelay drive the submission backoff
	// schedule: RetryBaseDelay * 2^n for n < RetryAttempts.
	RetryAttempts  int           `toml:"retry-attempts"`
	RetryBaseDelay time.Duration `toml:"retry-base-delay"`

	// FeeRefreshInterval is the fee quote refresh cadence per chain.
	FeeRefreshInterval time.Duration `toml:"fee-refresh-interval"`

	// SweepInterval is the timeout sweep cadence.
	SweepInterval time.Duration `toml:"sweep-interval"`

	// ReconcileInterval is the cross-chain reconciliation cadence.
	ReconcileInterval time.Duration `toml:"reconcile-interval"`

	// HealthInterval is the adapter health probe cadence.
	HealthInterval time.Duration `toml:"health-interval"`

	// RetentionHorizon is how long terminal orders are kept before
	// garbage collection.
	RetentionHorizon time.Duration `toml:"retention-horizon"`

	// MaxInflightSubmissions bounds concurrent submissions per chain.
	MaxInflightSubmissions int64 `toml:"max-inflight-submissions"`

	// QueryTimeout and ReceiptTimeout are the per-call deadlines on
	// adapter queries and receipt waits.
	QueryTimeout   time.Duration `toml:"query-timeout"`
	ReceiptTimeout time.Duration `toml:"receipt-timeout"`

	// ShutdownGrace is how long Stop waits for in-flight submissions.
	ShutdownGrace time.Duration `toml:"shutdown-grace"`

	// DryRun disables all chain submissions; the relayer observes and
	// logs the actions it would have taken.
	DryRun bool `toml:"dry-run"`

	// RPCListenAddr exposes the control API when non-empty.
	RPCListenAddr string `toml:"rpc-listen-addr"`
}

// Defaults returns the configuration defaults. Values mirror the deployed
// service: depth 3, 5s polling, 100 block windows, 1h refund buffer.
func Defaults() Config {
	return Config{
		DataDir:                "relayd-data",
		ConfirmationDepth:      3,
		PollingInterval:        5 * time.Second,
		MaxBlocksPerQuery:      MaxBlocksPerQuery,
		OrderTimeoutBuffer:     time.Hour,
		MaxPendingOrders:       1000,
		MinTimelock:            time.Hour,
		MaxTimelock:            7 * 24 * time.Hour,
		DefaultTimelock:        24 * time.Hour,
		TimelockSkew:           2 * time.Hour,
		RetryAttempts:          3,
		RetryBaseDelay:         5 * time.Second,
		FeeRefreshInterval:     5 * time.Minute,
		SweepInterval:          time.Minute,
		ReconcileInterval:      5 * time.Minute,
		HealthInterval:         30 * time.Second,
		RetentionHorizon:       24 * time.Hour,
		MaxInflightSubmissions: 16,
		QueryTimeout:           30 * time.Second,
		ReceiptTimeout:         2 * time.Minute,
		ShutdownGrace:          30 * time.Second,
	}
}

// Validate checks the configuration for errors that must abort startup
// before any event is handled.
func (c *Config) Validate() error {
	if len(c.Chains) != 2 {
		return errNoChains
	}
	if c.Chains[0].ID == c.Chains[1].ID {
		return errSameChain
	}
	for i := range c.Chains {
		cc := &c.Chains[i]
		if cc.ID == "" {
			return fmt.Errorf("chain %d: empty id", i)
		}
		if cc.RPC == "" {
			return fmt.Errorf("chain %s: missing rpc endpoint", cc.ID)
		}
		if cc.Key == "" {
			return fmt.Errorf("chain %s: missing submission key", cc.ID)
		}
		if cc.HTLCContract == (common.Address{}) {
			return fmt.Errorf("chain %s: missing htlc contract address", cc.ID)
		}
		if cc.BridgeContract == (common.Address{}) {
			return fmt.Errorf("chain %s: missing bridge contract address", cc.ID)
		}
	}
	if c.ConfirmationDepth == 0 {
		return errors.New("confirmation depth must be at least 1")
	}
	if c.MaxBlocksPerQuery == 0 || c.MaxBlocksPerQuery > MaxBlocksPerQuery {
		return fmt.Errorf("max blocks per query must be in [1, %d]", MaxBlocksPerQuery)
	}
	if c.PollingInterval <= 0 {
		return errors.New("polling interval must be positive")
	}
	if !(c.MinTimelock <= c.DefaultTimelock && c.DefaultTimelock <= c.MaxTimelock) {
		return errTimelockOrder
	}
	if c.TimelockSkew <= 0 {
		return errors.New("timelock skew must be positive")
	}
	if c.MaxPendingOrders <= 0 {
		return errors.New("max pending orders must be positive")
	}
	if c.RetryAttempts < 1 {
		return errors.New("retry attempts must be at least 1")
	}
	if c.MaxInflightSubmissions < 1 {
		return errors.New("max inflight submissions must be at least 1")
	}
	return nil
}

// Chain returns the configuration of the chain with the given id.
func (c *Config) Chain(id string) (*ChainConfig, bool) {
	for i := range c.Chains {
		if c.Chains[i].ID == id {
			return &c.Chains[i], true
		}
	}
	return nil, false
}

// Counterpart returns the id of the other configured chain.
func (c *Config) Counterpart(id string) string {
	if c.Chains[0].ID == id {
		return c.Chains[1].ID
	}
	return c.Chains[0].ID
}
