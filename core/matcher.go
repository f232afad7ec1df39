package core

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hashbridge/relayd/core/types"
)

// MatchOrders pairs complementary open orders: opposite chain direction,
// mirrored token legs and crossed amounts, with timelocks far enough apart
// for the later-expiring side to act as the effective source. Matches are
// advisory; they never change order state, only the pairing table the control
// surface exposes. Candidates are considered oldest first, so the earliest
// compatible pair wins. Returns the number of new pairs recorded.
func (r *Resolver) MatchOrders() int {
	candidates := r.store.NonTerminal()
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	r.matchMu.Lock()
	defer r.matchMu.Unlock()

	var paired int
	for i, a := range candidates {
		if a.State != types.SourceLocked {
			continue
		}
		if _, done := r.matches[a.OrderHash]; done {
			continue
		}
		for _, b := range candidates[i+1:] {
			if b.State != types.SourceLocked {
				continue
			}
			if _, done := r.matches[b.OrderHash]; done {
				continue
			}
			if !r.complementary(a, b) {
				continue
			}
			r.matches[a.OrderHash] = b.OrderHash
			r.matches[b.OrderHash] = a.OrderHash
			matchMeter.Mark(1)
			paired++
			r.log.Info("Complementary orders matched",
				"order", a.OrderHash.TerminalString(), "counter", b.OrderHash.TerminalString())
			break
		}
	}
	return paired
}

// complementary is the dual-fingerprint predicate: b must be the exact mirror
// image of a across the two chains, token legs swapped and amounts crossed.
func (r *Resolver) complementary(a, b *types.CrossChainOrder) bool {
	if a.SourceChain != b.TargetChain || a.TargetChain != b.SourceChain {
		return false
	}
	if a.TokenIn != b.TokenOut || a.TokenOut != b.TokenIn {
		return false
	}
	if a.AmountIn == nil || b.AmountOut == nil || a.AmountIn.Cmp(b.AmountOut) != 0 {
		return false
	}
	if a.AmountOut == nil || b.AmountIn == nil || a.AmountOut.Cmp(b.AmountIn) != 0 {
		return false
	}
	// The timelocks must be separable by at least the configured skew so one
	// order can play the target role of the other without a refund race.
	gap := int64(a.Timelock) - int64(b.Timelock)
	if gap < 0 {
		gap = -gap
	}
	return gap >= int64(r.cfg.TimelockSkew/time.Second)
}

// MatchOf returns the counter-order a given order was paired with.
func (r *Resolver) MatchOf(orderHash common.Hash) (common.Hash, bool) {
	r.matchMu.RLock()
	defer r.matchMu.RUnlock()
	counter, ok := r.matches[orderHash]
	return counter, ok
}
