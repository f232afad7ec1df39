package types

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind enumerates the normalized, chain-agnostic event types the
// ingestors deliver.
type EventKind uint8

const (
	EvOrderCreated EventKind = iota
	EvOrderFulfilled
	EvOrderRefunded
	EvHTLCCreated
	EvHTLCClaimed
	EvHTLCRefunded
)

func (k EventKind) String() string {
	switch k {
	case EvOrderCreated:
		return "orderCreated"
	case EvOrderFulfilled:
		return "orderFulfilled"
	case EvOrderRefunded:
		return "orderRefunded"
	case EvHTLCCreated:
		return "htlcCreated"
	case EvHTLCClaimed:
		return "htlcClaimed"
	case EvHTLCRefunded:
		return "htlcRefunded"
	default:
		return "unknown"
	}
}

// OrderInfo is the payload of bridge order events.
type OrderInfo struct {
	OrderHash   common.Hash
	TargetChain string
	Maker       common.Address
	Receiver    common.Address
	TokenIn     common.Address
	TokenOut    common.Address
	AmountIn    *big.Int
	AmountOut   *big.Int
	Hashlock    common.Hash
	Timelock    uint64
}

// HTLCInfo is the payload of HTLC Created events.
type HTLCInfo struct {
	HTLCID   common.Hash
	Sender   common.Address
	Receiver common.Address
	Token    common.Address
	Amount   *big.Int
	Hashlock common.Hash
	Timelock uint64
}

// ChainEvent is one normalized on-chain observation. The (Chain, TxHash,
// LogIndex) tuple is its stable identity; (Height, LogIndex) is its total
// order within a chain. Exactly one payload field is set, per Kind:
//
//	EvOrderCreated/Fulfilled/Refunded: Order (Secret also for fulfilled)
//	EvHTLCCreated:                     HTLC
//	EvHTLCClaimed:                     HTLCID + Secret
//	EvHTLCRefunded:                    HTLCID
type ChainEvent struct {
	Kind     EventKind
	Chain    string
	Height   uint64
	TxHash   common.Hash
	LogIndex uint

	Order  *OrderInfo
	HTLC   *HTLCInfo
	HTLCID common.Hash
	Secret common.Hash
}

// ID returns the stable dedup key of the event.
func (e *ChainEvent) ID() string {
	return fmt.Sprintf("%s/%s/%d", e.Chain, e.TxHash.Hex(), e.LogIndex)
}

// SortEvents orders events by (height, logIndex), the delivery order the
// ingestor guarantees per chain.
func SortEvents(evs []*ChainEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].Height != evs[j].Height {
			return evs[i].Height < evs[j].Height
		}
		return evs[i].LogIndex < evs[j].LogIndex
	})
}
