package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// HTLCPhase mirrors the lifecycle of an on-chain hash time-locked contract.
type HTLCPhase uint8

const (
	// HTLCEmpty means no contract exists under the id.
	HTLCEmpty HTLCPhase = iota

	// HTLCLocked means funds are escrowed and claimable with the preimage.
	HTLCLocked

	// HTLCClaimedPhase means the preimage was revealed and funds released.
	HTLCClaimedPhase

	// HTLCRefundedPhase means the escrow was returned after the timelock.
	HTLCRefundedPhase
)

func (p HTLCPhase) String() string {
	switch p {
	case HTLCEmpty:
		return "empty"
	case HTLCLocked:
		return "locked"
	case HTLCClaimedPhase:
		return "claimed"
	case HTLCRefundedPhase:
		return "refunded"
	default:
		return "unknown"
	}
}

// HTLCRecord is the relayer's mirror of one side's on-chain HTLC.
type HTLCRecord struct {
	HTLCID   common.Hash
	Chain    string
	Sender   common.Address
	Receiver common.Address
	Token    common.Address
	Amount   *big.Int
	Hashlock common.Hash
	Timelock uint64
	Phase    HTLCPhase
}

// HTLCView is the authoritative per-side state re-read from the chain during
// reconciliation.
type HTLCView struct {
	Exists bool
	Phase  HTLCPhase

	// Secret is non-zero when the chain exposes the revealed preimage of
	// a claimed HTLC.
	Secret common.Hash
}

// OrderView is the bridge contract's authoritative view of an order.
type OrderView struct {
	Exists   bool
	Locked   bool
	Claimed  bool
	Refunded bool
}
