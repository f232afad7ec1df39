// Package types contains the data model of the cross-chain relayer: orders,
// HTLC mirrors and the normalized chain event stream.
package types

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// NativeToken is the sentinel token address denoting a chain's native asset.
var NativeToken = common.Address{}

// OrderState tracks an order through the atomic-swap protocol.
type OrderState uint8

const (
	// Pending is the initial state of a freshly ingested order.
	Pending OrderState = iota

	// SourceLocked means the maker's funds are locked on the source chain.
	SourceLocked

	// TargetLocked means the counter-HTLC is locked on the target chain.
	TargetLocked

	// Fulfilled means the secret was revealed and both sides claimed.
	Fulfilled

	// Refunded means the source-side funds were returned to the maker.
	Refunded

	// Failed marks an order that violated a protocol invariant. The order
	// is kept for audit; the only remaining action is the mandatory
	// source refund once the timelock elapses.
	Failed
)

func (s OrderState) String() string {
	switch s {
	case Pending:
		return "pending"
	case SourceLocked:
		return "sourceLocked"
	case TargetLocked:
		return "targetLocked"
	case Fulfilled:
		return "fulfilled"
	case Refunded:
		return "refunded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition out of s is permitted.
func (s OrderState) Terminal() bool {
	return s == Fulfilled || s == Refunded || s == Failed
}

// validTransitions is the order state machine. TargetLocked->SourceLocked is
// the reconciliation revert for a spurious target lock observation.
var validTransitions = map[OrderState][]OrderState{
	Pending:      {SourceLocked, Refunded, Failed},
	SourceLocked: {TargetLocked, Refunded, Failed},
	TargetLocked: {Fulfilled, Refunded, Failed, SourceLocked},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to OrderState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrBadSecretLength is returned when a submitted preimage is not 32 bytes.
var ErrBadSecretLength = errors.New("secret must be exactly 32 bytes")

// HashSecret computes the hashlock of a preimage. SHA-256 is used for
// cross-chain compatibility; both deployed contract families implement it.
func HashSecret(secret [32]byte) common.Hash {
	return sha256.Sum256(secret[:])
}

// VerifySecret reports whether the preimage hashes to the given hashlock.
func VerifySecret(secret [32]byte, hashlock common.Hash) bool {
	return HashSecret(secret) == hashlock
}

// CrossChainOrder is the relayer's representation of one swap intent. It is
// not the on-chain HTLC; the HTLCRecord mirrors track those per side.
type CrossChainOrder struct {
	OrderHash common.Hash

	SourceChain string
	TargetChain string

	TokenIn   common.Address
	TokenOut  common.Address
	AmountIn  *big.Int
	AmountOut *big.Int

	Maker    common.Address
	Receiver common.Address

	Hashlock common.Hash

	// Timelock is the source-side absolute deadline in unix seconds.
	// TargetTimelock is filled in once the target HTLC is observed and
	// must expire strictly before Timelock (skew invariant).
	Timelock       uint64
	TargetTimelock uint64

	State OrderState

	// NeedsAttention flags an order whose submission retries were
	// exhausted. Non-terminal: the timeout sweep still attempts refund.
	NeedsAttention bool

	// Backpressure note: the resolver rejects inserts when the table is
	// full and no terminal order can be evicted.

	SourceHTLCID common.Hash // zero until HTLCCreated observed on source
	TargetHTLCID common.Hash // zero until HTLCCreated observed on target

	// SourceHTLC and TargetHTLC mirror what the chains hold, filled in as
	// the Created events are observed.
	SourceHTLC *HTLCRecord
	TargetHTLC *HTLCRecord

	// Secret is nil until revealed by an on-chain claim.
	Secret *[32]byte

	SourceClaimed bool
	TargetClaimed bool

	// SourceRefunded records a confirmed return of the maker's escrow,
	// whether observed as an event or folded in from a refund receipt.
	SourceRefunded bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RefundOutstanding reports whether a Failed order still has escrow to
// recover: the maker's source funds or the relayer's own target-side lock.
// Failed is terminal for the state machine, not for the money.
func (o *CrossChainOrder) RefundOutstanding() bool {
	if o.State != Failed {
		return false
	}
	if !o.SourceClaimed && !o.SourceRefunded {
		return true
	}
	return o.TargetHTLC != nil && o.TargetHTLC.Phase == HTLCLocked && !o.TargetClaimed
}

// HasSourceHTLC reports whether the source-side HTLC has been observed.
func (o *CrossChainOrder) HasSourceHTLC() bool { return o.SourceHTLCID != (common.Hash{}) }

// HasTargetHTLC reports whether the target-side HTLC has been observed.
func (o *CrossChainOrder) HasTargetHTLC() bool { return o.TargetHTLCID != (common.Hash{}) }

// Copy returns a deep copy safe to hand outside the store's serialization.
func (o *CrossChainOrder) Copy() *CrossChainOrder {
	cpy := *o
	if o.AmountIn != nil {
		cpy.AmountIn = new(big.Int).Set(o.AmountIn)
	}
	if o.AmountOut != nil {
		cpy.AmountOut = new(big.Int).Set(o.AmountOut)
	}
	if o.Secret != nil {
		s := *o.Secret
		cpy.Secret = &s
	}
	if o.SourceHTLC != nil {
		rec := *o.SourceHTLC
		if rec.Amount != nil {
			rec.Amount = new(big.Int).Set(rec.Amount)
		}
		cpy.SourceHTLC = &rec
	}
	if o.TargetHTLC != nil {
		rec := *o.TargetHTLC
		if rec.Amount != nil {
			rec.Amount = new(big.Int).Set(rec.Amount)
		}
		cpy.TargetHTLC = &rec
	}
	return &cpy
}

// ComputeOrderHash derives the stable order identifier from the immutable
// order fields, matching the bridge contract's keccak256 of the packed
// creation arguments.
func ComputeOrderHash(sourceChain, targetChain string, maker, receiver, tokenIn, tokenOut common.Address, amountIn, amountOut *big.Int, hashlock common.Hash, timelock uint64) common.Hash {
	var buf []byte
	buf = append(buf, []byte(sourceChain)...)
	buf = append(buf, []byte(targetChain)...)
	buf = append(buf, maker.Bytes()...)
	buf = append(buf, receiver.Bytes()...)
	buf = append(buf, tokenIn.Bytes()...)
	buf = append(buf, tokenOut.Bytes()...)
	buf = append(buf, common.BigToHash(amountIn).Bytes()...)
	buf = append(buf, common.BigToHash(amountOut).Bytes()...)
	buf = append(buf, hashlock.Bytes()...)

	var tl [8]byte
	binary.BigEndian.PutUint64(tl[:], timelock)
	buf = append(buf, tl[:]...)

	return crypto.Keccak256Hash(buf)
}

// CheckTimelockSkew enforces the refund-race invariant: the target HTLC must
// expire at least skew before the source HTLC, so the receiver's claim can
// never race the maker's refund.
func CheckTimelockSkew(sourceTimelock, targetTimelock uint64, skew time.Duration) bool {
	gap := int64(sourceTimelock) - int64(targetTimelock)
	return gap >= int64(skew/time.Second)
}
