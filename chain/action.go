package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ActionKind enumerates the chain submissions the resolver can request.
type ActionKind uint8

const (
	// ActCreateHTLC locks funds under a hashlock and timelock.
	ActCreateHTLC ActionKind = iota

	// ActClaim releases a locked HTLC by revealing the preimage.
	ActClaim

	// ActRefund returns an expired HTLC to its sender.
	ActRefund

	// ActProcessIncomingOrder mirrors a source-chain order on the target
	// bridge (relayer-authorized).
	ActProcessIncomingOrder

	// ActFulfillIncomingOrder locks target funds and records the secret
	// on the target bridge.
	ActFulfillIncomingOrder

	// ActRefundOrder refunds source funds through the bridge after the
	// timelock.
	ActRefundOrder
)

func (k ActionKind) String() string {
	switch k {
	case ActCreateHTLC:
		return "createHTLC"
	case ActClaim:
		return "claim"
	case ActRefund:
		return "refund"
	case ActProcessIncomingOrder:
		return "processIncomingOrder"
	case ActFulfillIncomingOrder:
		return "fulfillIncomingOrder"
	case ActRefundOrder:
		return "refundOrder"
	default:
		return "unknown"
	}
}

// Action is one requested chain submission. Fields are populated per kind;
// OrderHash always identifies the order the action serves so failures can be
// annotated back onto it.
type Action struct {
	Kind ActionKind

	// Chain routes the action to the adapter that must execute it.
	Chain string

	OrderHash common.Hash

	// Claim/Refund target.
	HTLCID common.Hash

	// Claim preimage; FulfillIncomingOrder secret.
	Secret [32]byte

	// CreateHTLC parameters.
	Receiver common.Address
	Token    common.Address
	Amount   *big.Int
	Hashlock common.Hash
	Timelock uint64
}

func (a *Action) String() string {
	return fmt.Sprintf("%s(chain=%s, order=%s)", a.Kind, a.Chain, a.OrderHash.TerminalString())
}
