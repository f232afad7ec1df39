package core

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hashbridge/relayd/core/types"
)

// Reconcile re-reads the authoritative chain state for every non-terminal
// order and repairs divergence between the relayer's view and the ledgers.
// The chains win every disagreement. The supervisor runs it periodically and
// once at startup, before the ingestors resume.
func (r *Resolver) Reconcile(ctx context.Context) {
	for _, order := range r.store.NonTerminal() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.reconcileOrder(ctx, order)
	}
}

func (r *Resolver) reconcileOrder(ctx context.Context, order *types.CrossChainOrder) {
	src, ok := r.adapters[order.SourceChain]
	if !ok {
		return
	}
	tgt, ok := r.adapters[order.TargetChain]
	if !ok {
		return
	}
	logger := r.log.New("order", order.OrderHash.TerminalString())

	srcView, err := src.OrderView(ctx, order.OrderHash)
	if err != nil {
		logger.Debug("Source view unavailable, skipping reconcile", "err", err)
		return
	}
	tgtView, err := tgt.OrderView(ctx, order.OrderHash)
	if err != nil {
		logger.Debug("Target view unavailable, skipping reconcile", "err", err)
		return
	}
	var (
		srcHTLC *types.HTLCView
		tgtHTLC *types.HTLCView
	)
	if order.HasSourceHTLC() {
		if srcHTLC, err = src.HTLCView(ctx, order.SourceHTLCID); err != nil {
			logger.Debug("Source HTLC view unavailable, skipping reconcile", "err", err)
			return
		}
	}
	if order.HasTargetHTLC() {
		if tgtHTLC, err = tgt.HTLCView(ctx, order.TargetHTLCID); err != nil {
			logger.Debug("Target HTLC view unavailable, skipping reconcile", "err", err)
			return
		}
	}
	sourceLocked := srcView.Locked || (srcHTLC != nil && srcHTLC.Phase == types.HTLCLocked)
	sourceClaimed := srcView.Claimed || (srcHTLC != nil && srcHTLC.Phase == types.HTLCClaimedPhase)
	sourceRefunded := srcView.Refunded || (srcHTLC != nil && srcHTLC.Phase == types.HTLCRefundedPhase)
	targetLocked := tgtHTLC != nil && tgtHTLC.Phase == types.HTLCLocked

	switch {
	// The order claims a source lock the chain does not show. The escrow
	// never existed or was rolled back; nothing can complete or refund.
	case order.State == types.SourceLocked && !sourceLocked && !sourceClaimed && !sourceRefunded:
		reconcileMeter.Mark(1)
		logger.Error("Source lock missing on chain, failing order")
		r.transition(order.OrderHash, types.Failed)

	// The target lock we recorded is gone while the source still holds.
	// Revert to SourceLocked and drop the stale attachment so a genuine
	// re-lock can associate cleanly.
	case order.State == types.TargetLocked && !targetLocked && order.HasTargetHTLC() &&
		(tgtHTLC == nil || tgtHTLC.Phase == types.HTLCEmpty) && sourceLocked:
		reconcileMeter.Mark(1)
		logger.Warn("Target lock vanished, reverting to source-locked", "htlc", order.TargetHTLCID.TerminalString())
		if r.transition(order.OrderHash, types.SourceLocked) {
			r.store.DetachHTLC(order.TargetChain, order.TargetHTLCID)
			r.store.Update(order.OrderHash, func(o *types.CrossChainOrder) error {
				o.TargetHTLCID = common.Hash{}
				o.TargetHTLC = nil
				o.TargetTimelock = 0
				return nil
			})
		}
	}

	// Source claimed while our lock on the target is still open: recover the
	// preimage and re-attempt the outstanding claim.
	if sourceClaimed && targetLocked {
		secret, have := r.store.Secret(order.OrderHash)
		if !have && srcHTLC != nil && srcHTLC.Secret != (common.Hash{}) {
			secret = [32]byte(srcHTLC.Secret)
			if types.VerifySecret(secret, order.Hashlock) {
				r.store.SetSecret(order.OrderHash, secret)
				have = true
			}
		}
		if have {
			reconcileMeter.Mark(1)
			logger.Warn("Source claimed with target still locked, re-propagating secret")
			r.propagateSecret(order, secret)
		} else {
			logger.Error("Source claimed but preimage unobservable", "state", order.State)
		}
	}

	// The target bridge fulfilled without any HTLC and the source claim is on
	// chain: both sides settled even though no target-side claim event will
	// ever arrive.
	if sourceClaimed && tgtView.Claimed && !order.HasTargetHTLC() && !order.State.Terminal() {
		reconcileMeter.Mark(1)
		logger.Warn("Bridge-fulfilled order settled on both chains, marking fulfilled")
		r.store.Update(order.OrderHash, func(o *types.CrossChainOrder) error {
			o.SourceClaimed = true
			o.TargetClaimed = true
			return nil
		})
		if order.State == types.SourceLocked {
			r.transition(order.OrderHash, types.TargetLocked)
		}
		r.transition(order.OrderHash, types.Fulfilled)
		return
	}

	// Source refunded while the target is still locked. If the relayer holds
	// the claim role on the target this is a skew breach that cost real
	// funds; there is nothing safe left to automate.
	if sourceRefunded && !order.State.Terminal() {
		if targetLocked {
			if ad, ok := r.adapters[order.TargetChain]; ok && order.TargetHTLC != nil && order.TargetHTLC.Receiver == ad.Submitter() {
				reconcileMeter.Mark(1)
				logger.Error("Source refunded with relayer funds locked on target, operator action required",
					"htlc", order.TargetHTLCID.TerminalString())
				r.flagAttention(order.OrderHash)
			} else if order.TargetHTLC != nil && order.TargetHTLC.Sender == r.submitterOn(order.TargetChain) {
				// Our own outbound lock; expiry refund recovers it.
				logger.Warn("Source refunded, awaiting target HTLC expiry", "timelock", order.TargetHTLC.Timelock)
			}
		}
		r.store.Update(order.OrderHash, func(o *types.CrossChainOrder) error {
			o.SourceRefunded = true
			return nil
		})
		r.transition(order.OrderHash, types.Refunded)
	}
}

func (r *Resolver) submitterOn(chainID string) common.Address {
	if ad, ok := r.adapters[chainID]; ok {
		return ad.Submitter()
	}
	return common.Address{}
}
