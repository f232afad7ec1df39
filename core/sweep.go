package core

import (
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/hashbridge/relayd/chain"
	"github.com/hashbridge/relayd/core/types"
)

// SweepExpired runs one timeout pass: it warns ahead of source timelocks that
// will not be met, refunds expired locks the relayer is responsible for,
// retries secret propagation and collects terminal orders past the retention
// horizon. Failed orders are swept too; a breach ends the protocol but the
// mandatory source refund still runs once the timelock elapses. The
// supervisor runs this on the sweep interval.
func (r *Resolver) SweepExpired() {
	now := r.now().Unix()
	buffer := int64(r.cfg.OrderTimeoutBuffer / time.Second)

	for _, order := range r.store.NonTerminal() {
		logger := r.log.New("order", order.OrderHash.TerminalString())

		// Give-up notice: inside the buffer window before the source
		// timelock, a swap that has not locked the target side anymore
		// realistically cannot complete.
		if order.State == types.SourceLocked && !order.NeedsAttention &&
			now >= int64(order.Timelock)-buffer && now < int64(order.Timelock) {
			logger.Warn("Order unlikely to complete before timelock",
				"state", order.State, "timelock", order.Timelock, "remaining", int64(order.Timelock)-now)
		}

		r.sweepRefunds(order, now, logger)

		// Re-attempt claims for any secret that has not landed yet.
		// Submission backoff handled the short term; this covers actions
		// dropped under queue pressure or lost to a restart.
		if secret, ok := r.store.Secret(order.OrderHash); ok {
			r.propagateSecret(order, secret)
		}
	}

	for _, order := range r.store.RefundPending() {
		logger := r.log.New("order", order.OrderHash.TerminalString())
		r.sweepRefunds(order, now, logger)
	}

	r.store.GC(r.cfg.RetentionHorizon)
}

// sweepRefunds enqueues the refunds an order is owed at the current time: the
// maker's source escrow past the order timelock, and the relayer's own
// expired target-side lock.
func (r *Resolver) sweepRefunds(order *types.CrossChainOrder, now int64, logger log.Logger) {
	if now >= int64(order.Timelock) && !order.SourceClaimed && !order.SourceRefunded {
		r.refundSource(order)
	}
	if rec := order.TargetHTLC; rec != nil && rec.Phase == types.HTLCLocked && !order.TargetClaimed {
		if ad, ok := r.adapters[rec.Chain]; ok && rec.Sender == ad.Submitter() && now >= int64(rec.Timelock) {
			logger.Info("Refunding expired target HTLC", "htlc", rec.HTLCID.TerminalString())
			r.enqueue(&chain.Action{
				Kind:      chain.ActRefund,
				Chain:     rec.Chain,
				OrderHash: order.OrderHash,
				HTLCID:    rec.HTLCID,
			})
		}
	}
}

// refundSource requests the source-side refund for an expired order, choosing
// the HTLC path when a lock id is attached and the bridge path otherwise.
func (r *Resolver) refundSource(order *types.CrossChainOrder) {
	if rec := order.SourceHTLC; rec != nil {
		if rec.Phase != types.HTLCLocked {
			return
		}
		r.enqueue(&chain.Action{
			Kind:      chain.ActRefund,
			Chain:     order.SourceChain,
			OrderHash: order.OrderHash,
			HTLCID:    rec.HTLCID,
		})
		return
	}
	r.enqueue(&chain.Action{
		Kind:      chain.ActRefundOrder,
		Chain:     order.SourceChain,
		OrderHash: order.OrderHash,
	})
}
