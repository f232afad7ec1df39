// Package chain defines the uniform capability set the relayer requires of a
// ledger. Chain identity is data: one adapter implementation serves any chain
// that exposes the HTLC and bridge contracts.
package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hashbridge/relayd/core/types"
)

// Receipt is the outcome of a submitted transaction.
type Receipt struct {
	TxHash common.Hash
	Status uint64
	Height uint64
	Logs   []*types.ChainEvent
}

// FeeQuote is a point-in-time fee reading. A stale quote is acceptable;
// refresh failures retain the prior value.
type FeeQuote struct {
	GasFeeCap *big.Int
	GasTipCap *big.Int

	// Legacy is the single gas price fallback for chains without
	// dynamic fees.
	Legacy *big.Int

	FetchedAt time.Time
}

// Adapter presents a ledger to the rest of the relayer: confirmed heights,
// event queries over bounded windows, transaction submission under the fee
// policy, and the view calls reconciliation relies on.
//
// All methods taking a context honor its deadline. Transient network
// failures are retried internally; errors that escape carry an Error kind.
type Adapter interface {
	// ChainID returns the symbolic identifier of the ledger.
	ChainID() string

	// Submitter returns the address this adapter signs and submits from,
	// used to decide which HTLCs the relayer owns a role in.
	Submitter() common.Address

	// TipHeight returns the current chain head height.
	TipHeight(ctx context.Context) (uint64, error)

	// ConfirmedHeight returns max(0, tip - confirmationDepth). Events at
	// or below this height are treated as final.
	ConfirmedHeight(ctx context.Context) (uint64, error)

	// QueryEvents returns the normalized events emitted by the watched
	// contracts in [from, to], ordered by (height, logIndex). The adapter
	// clamps the window to the configured maximum; a decode failure fails
	// the whole call so the caller never advances past the bad block.
	QueryEvents(ctx context.Context, from, to uint64) ([]*types.ChainEvent, error)

	// Submit signs and broadcasts the transaction for an action, retrying
	// transient failures with exponential backoff. Exhausted retries
	// surface ErrSubmitExhausted.
	Submit(ctx context.Context, action *Action) (common.Hash, error)

	// WaitForReceipt polls until the transaction is mined or the timeout
	// elapses.
	WaitForReceipt(ctx context.Context, tx common.Hash, timeout time.Duration) (*Receipt, error)

	// OrderView reads the bridge contract's authoritative order state.
	OrderView(ctx context.Context, orderHash common.Hash) (*types.OrderView, error)

	// HTLCView reads the HTLC contract's authoritative per-id state.
	HTLCView(ctx context.Context, htlcID common.Hash) (*types.HTLCView, error)

	// FeeQuote returns the last fetched quote. Reads never block on a
	// refresh.
	FeeQuote() *FeeQuote

	// RefreshFees fetches a new quote from the chain's fee oracle. On
	// failure the previous quote is retained.
	RefreshFees(ctx context.Context) error

	// Close releases the underlying RPC connection.
	Close()
}
