package core

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/hashbridge/relayd/chain"
	"github.com/hashbridge/relayd/core/types"
	"github.com/hashbridge/relayd/params"
)

const (
	// dedupCacheSize bounds the in-memory replay filter. The persisted
	// ingest seen-set covers restarts; this cache only has to absorb the
	// at-least-once redelivery window.
	dedupCacheSize = 65536

	// actionQueueSize bounds the pending action channel. A full queue
	// drops the action; the timeout sweep re-derives anything dropped.
	actionQueueSize = 1024
)

// OrderStateChange is posted on the resolver's event feed whenever an order
// moves between states.
type OrderStateChange struct {
	OrderHash common.Hash
	From      types.OrderState
	To        types.OrderState
}

// Resolver drives the atomic-swap protocol: it consumes the normalized event
// stream from the per-chain ingestors, advances the order state machine and
// requests chain submissions through the adapters.
//
// Event handling is serialized per order by the store; distinct orders
// progress concurrently. Handlers never block on the network; chain actions
// go through the worker pool.
type Resolver struct {
	cfg      *params.Config
	adapters map[string]chain.Adapter
	store    *OrderStore

	dedup    *lru.Cache[string, struct{}]
	inflight mapset.Set[string]
	orphans  *orphanPool

	actionCh chan *chain.Action

	matchMu sync.RWMutex
	matches map[common.Hash]common.Hash

	feed  event.Feed
	scope event.SubscriptionScope

	now func() time.Time
	log log.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewResolver wires a resolver over the given adapters and order store. A nil
// now defaults to wall-clock time; tests inject their own.
func NewResolver(cfg *params.Config, adapters map[string]chain.Adapter, store *OrderStore, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		cfg:      cfg,
		adapters: adapters,
		store:    store,
		dedup:    lru.NewCache[string, struct{}](dedupCacheSize),
		inflight: mapset.NewSet[string](),
		orphans:  newOrphanPool(maxOrphanEvents),
		actionCh: make(chan *chain.Action, actionQueueSize),
		matches:  make(map[common.Hash]common.Hash),
		now:      now,
		log:      log.New("module", "resolver"),
		quit:     make(chan struct{}),
	}
}

// Start launches the action worker pool.
func (r *Resolver) Start() {
	workers := 2 * runtime.GOMAXPROCS(0)
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.log.Info("Resolver started", "workers", workers, "dryrun", r.cfg.DryRun)
}

// Stop terminates the worker pool and closes all state-change subscriptions.
func (r *Resolver) Stop() {
	close(r.quit)
	r.wg.Wait()
	r.scope.Close()
	r.log.Info("Resolver stopped")
}

// SubscribeStateChanges registers a channel to receive order state change
// notifications. The subscription is valid until Stop.
func (r *Resolver) SubscribeStateChanges(ch chan<- OrderStateChange) event.Subscription {
	return r.scope.Track(r.feed.Subscribe(ch))
}

// Store exposes the order store for the control API and the supervisor.
func (r *Resolver) Store() *OrderStore { return r.store }

// HandleEvent is the ingestor sink. Events are deduplicated by identity and
// dispatched by kind; handlers absorb malformed or unknown events with a log
// line, and park events that precede the state they attach to. An error means
// the event was not consumed and must be redelivered, so the ingestion cursor
// holds.
func (r *Resolver) HandleEvent(ev *types.ChainEvent) error {
	eventInMeter.Mark(1)

	id := ev.ID()
	if _, dup := r.dedup.Get(id); dup {
		eventDupMeter.Mark(1)
		return nil
	}
	r.dedup.Add(id, struct{}{})

	var err error
	switch ev.Kind {
	case types.EvOrderCreated:
		err = r.onOrderCreated(ev)
	case types.EvHTLCCreated:
		r.onHTLCCreated(ev)
	case types.EvHTLCClaimed:
		r.onHTLCClaimed(ev)
	case types.EvHTLCRefunded:
		r.onHTLCRefunded(ev)
	case types.EvOrderFulfilled:
		r.onOrderFulfilled(ev)
	case types.EvOrderRefunded:
		r.onOrderRefunded(ev)
	default:
		eventDropMeter.Mark(1)
		r.log.Warn("Unknown event kind", "kind", ev.Kind, "chain", ev.Chain)
	}
	if err != nil {
		// Forget the identity so the redelivery is not dedup-dropped.
		r.dedup.Remove(id)
	}
	return err
}

// replayOrphans re-dispatches every event parked under key, in arrival order.
// Replays bypass HandleEvent: the events already passed the dedup filter.
func (r *Resolver) replayOrphans(key string) {
	for _, ev := range r.orphans.take(key) {
		orphanReplayMeter.Mark(1)
		switch ev.Kind {
		case types.EvHTLCCreated:
			r.onHTLCCreated(ev)
		case types.EvHTLCClaimed:
			r.onHTLCClaimed(ev)
		case types.EvHTLCRefunded:
			r.onHTLCRefunded(ev)
		}
	}
}

// transition moves an order through the state machine and posts the change on
// the feed. Illegal transitions are logged and reported as false.
func (r *Resolver) transition(hash common.Hash, to types.OrderState) bool {
	from, err := r.store.Transition(hash, to)
	if err != nil {
		if err == ErrOrderNotFound {
			r.log.Error("Order transition rejected", "order", hash.TerminalString(), "to", to, "err", err)
		} else {
			r.log.Error("Order transition rejected", "order", hash.TerminalString(), "from", from, "to", to, "err", err)
		}
		return false
	}
	if from == to {
		return true
	}
	switch to {
	case types.Fulfilled:
		fulfilledMeter.Mark(1)
	case types.Refunded:
		refundedMeter.Mark(1)
	case types.Failed:
		failedMeter.Mark(1)
	}
	r.log.Info("Order state changed", "order", hash.TerminalString(), "from", from, "to", to)
	r.feed.Send(OrderStateChange{OrderHash: hash, From: from, To: to})
	return true
}

// breach marks an order Failed after a protocol invariant violation. Failed
// orders are kept for audit; the timeout sweep still refunds the source side.
func (r *Resolver) breach(hash common.Hash, reason string, ctxargs ...interface{}) {
	breachMeter.Mark(1)
	args := append([]interface{}{"order", hash.TerminalString(), "reason", reason}, ctxargs...)
	r.log.Error("Protocol invariant violated", args...)
	r.transition(hash, types.Failed)
}

// onOrderCreated ingests a fresh bridge order, validates its terms and
// mirrors it onto the target bridge when that bridge accepts relayed orders.
// A capacity rejection is returned so the ingestion cursor holds and the
// order is redelivered once the table has room.
func (r *Resolver) onOrderCreated(ev *types.ChainEvent) error {
	info := ev.Order
	if info == nil {
		eventDropMeter.Mark(1)
		return nil
	}
	logger := r.log.New("order", info.OrderHash.TerminalString(), "chain", ev.Chain)

	if _, ok := r.cfg.Chain(info.TargetChain); !ok || info.TargetChain == ev.Chain {
		eventDropMeter.Mark(1)
		logger.Warn("Order targets unusable chain", "target", info.TargetChain)
		return nil
	}
	order := &types.CrossChainOrder{
		OrderHash:   info.OrderHash,
		SourceChain: ev.Chain,
		TargetChain: info.TargetChain,
		TokenIn:     info.TokenIn,
		TokenOut:    info.TokenOut,
		AmountIn:    info.AmountIn,
		AmountOut:   info.AmountOut,
		Maker:       info.Maker,
		Receiver:    info.Receiver,
		Hashlock:    info.Hashlock,
		Timelock:    info.Timelock,
		State:       types.Pending,
	}
	if err := r.store.Insert(order); err != nil {
		switch err {
		case ErrOrderExists:
			eventDupMeter.Mark(1)
			return nil
		case ErrCapacity:
			logger.Warn("Order table full, holding ingestion")
			return err
		default:
			logger.Error("Order insert failed", "err", err)
			return nil
		}
	}
	// HTLCs observed before their order are parked under the hashlock;
	// replay them once the handling here settled, whichever way it went.
	defer r.replayOrphans(hashlockOrphanKey(order.Hashlock))

	if err := r.validateOrder(order); err != nil {
		r.breach(order.OrderHash, err.Error())
		return nil
	}
	// The bridge only emits OrderCreated after escrowing the maker's funds,
	// so the source side is locked by construction.
	if !r.transition(order.OrderHash, types.SourceLocked) {
		return nil
	}
	skew := uint64(r.cfg.TimelockSkew / time.Second)
	if order.Timelock <= skew {
		r.breach(order.OrderHash, "timelock too close to mirror", "timelock", order.Timelock)
		return nil
	}
	// Mirror through the target bridge where it accepts relayed orders;
	// otherwise lock the counter-HTLC directly, the target side then runs
	// on plain HTLC observation.
	tgt, _ := r.cfg.Chain(order.TargetChain)
	kind := chain.ActCreateHTLC
	if tgt.HasIncomingOrders {
		kind = chain.ActProcessIncomingOrder
	}
	r.enqueue(&chain.Action{
		Kind:      kind,
		Chain:     order.TargetChain,
		OrderHash: order.OrderHash,
		Receiver:  order.Receiver,
		Token:     order.TokenOut,
		Amount:    order.AmountOut,
		Hashlock:  order.Hashlock,
		Timelock:  order.Timelock - skew,
	})
	return nil
}

// validateOrder checks the static terms of a new order.
func (r *Resolver) validateOrder(order *types.CrossChainOrder) error {
	if order.AmountIn == nil || order.AmountIn.Sign() <= 0 {
		return fmt.Errorf("non-positive input amount")
	}
	if order.AmountOut == nil || order.AmountOut.Sign() <= 0 {
		return fmt.Errorf("non-positive output amount")
	}
	if order.Hashlock == (common.Hash{}) {
		return fmt.Errorf("zero hashlock")
	}
	now := r.now().Unix()
	min := now + int64(r.cfg.MinTimelock/time.Second)
	max := now + int64(r.cfg.MaxTimelock/time.Second)
	if int64(order.Timelock) < min || int64(order.Timelock) > max {
		return fmt.Errorf("timelock %d outside [%d, %d]", order.Timelock, min, max)
	}
	return nil
}

// onHTLCCreated associates an observed HTLC with its order via the hashlock,
// verifies the lock terms against the order and advances the state machine
// when the target side locks.
func (r *Resolver) onHTLCCreated(ev *types.ChainEvent) {
	info := ev.HTLC
	if info == nil {
		eventDropMeter.Mark(1)
		return
	}
	orderHash, ok := r.store.ByHashlock(info.Hashlock)
	if !ok {
		// No cross-chain ordering: the lock may precede its order.
		orphanParkMeter.Mark(1)
		r.orphans.park(hashlockOrphanKey(info.Hashlock), ev)
		r.log.Debug("HTLC precedes its order, parked", "chain", ev.Chain, "htlc", info.HTLCID.TerminalString())
		return
	}
	order, ok := r.store.Get(orderHash)
	if !ok {
		return
	}
	logger := r.log.New("order", orderHash.TerminalString(), "chain", ev.Chain, "htlc", info.HTLCID.TerminalString())

	rec := &types.HTLCRecord{
		HTLCID:   info.HTLCID,
		Chain:    ev.Chain,
		Sender:   info.Sender,
		Receiver: info.Receiver,
		Token:    info.Token,
		Amount:   info.Amount,
		Hashlock: info.Hashlock,
		Timelock: info.Timelock,
		Phase:    types.HTLCLocked,
	}
	switch ev.Chain {
	case order.SourceChain:
		if order.HasSourceHTLC() {
			if order.SourceHTLCID != info.HTLCID {
				r.breach(orderHash, "second HTLC under one hashlock", "have", order.SourceHTLCID.TerminalString())
			}
			return
		}
		// Attach before verifying: a mismatched lock still needs to be
		// resolvable by id for the refund path.
		if err := r.store.Update(orderHash, func(o *types.CrossChainOrder) error {
			o.SourceHTLCID = info.HTLCID
			o.SourceHTLC = rec
			return nil
		}); err != nil {
			return
		}
		r.store.AttachHTLC(orderHash, ev.Chain, info.HTLCID)
		defer r.replayOrphans(htlcOrphanKey(ev.Chain, info.HTLCID))
		if info.Amount == nil || info.Amount.Cmp(order.AmountIn) != 0 {
			r.breach(orderHash, "source HTLC amount mismatch", "want", order.AmountIn, "have", info.Amount)
			return
		}
		if info.Token != order.TokenIn {
			r.breach(orderHash, "source HTLC token mismatch", "want", order.TokenIn, "have", info.Token)
			return
		}
		logger.Debug("Source HTLC attached")

	case order.TargetChain:
		if order.HasTargetHTLC() {
			if order.TargetHTLCID != info.HTLCID {
				r.breach(orderHash, "second HTLC under one hashlock", "have", order.TargetHTLCID.TerminalString())
			}
			return
		}
		if err := r.store.Update(orderHash, func(o *types.CrossChainOrder) error {
			o.TargetHTLCID = info.HTLCID
			o.TargetHTLC = rec
			o.TargetTimelock = info.Timelock
			return nil
		}); err != nil {
			return
		}
		r.store.AttachHTLC(orderHash, ev.Chain, info.HTLCID)
		defer r.replayOrphans(htlcOrphanKey(ev.Chain, info.HTLCID))

		if !types.CheckTimelockSkew(order.Timelock, info.Timelock, r.cfg.TimelockSkew) {
			r.breach(orderHash, "timelock skew violated", "source", order.Timelock, "target", info.Timelock)
			return
		}
		if info.Amount == nil || info.Amount.Cmp(order.AmountOut) != 0 {
			r.breach(orderHash, "target HTLC amount mismatch", "want", order.AmountOut, "have", info.Amount)
			return
		}
		if info.Token != order.TokenOut {
			r.breach(orderHash, "target HTLC token mismatch", "want", order.TokenOut, "have", info.Token)
			return
		}
		if info.Receiver != order.Receiver {
			r.breach(orderHash, "target HTLC receiver mismatch", "want", order.Receiver, "have", info.Receiver)
			return
		}
		if r.transition(orderHash, types.TargetLocked) {
			logger.Info("Target HTLC locked", "timelock", info.Timelock)
		}

	default:
		eventDropMeter.Mark(1)
		logger.Warn("HTLC on chain foreign to its order")
	}
}

// onHTLCClaimed captures a revealed preimage, records which side released and
// propagates the secret to any live HTLC the relayer can still claim.
func (r *Resolver) onHTLCClaimed(ev *types.ChainEvent) {
	orderHash, ok := r.store.ByHTLC(ev.Chain, ev.HTLCID)
	if !ok {
		orphanParkMeter.Mark(1)
		r.orphans.park(htlcOrphanKey(ev.Chain, ev.HTLCID), ev)
		r.log.Debug("Claim precedes its HTLC attachment, parked", "chain", ev.Chain, "htlc", ev.HTLCID.TerminalString())
		return
	}
	order, ok := r.store.Get(orderHash)
	if !ok {
		return
	}
	secret := [32]byte(ev.Secret)
	if !types.VerifySecret(secret, order.Hashlock) {
		// The contract verified the preimage before releasing, so a
		// mismatch here means the event decoded wrong. Do not fail the
		// order over it.
		r.log.Error("Claimed secret does not match hashlock", "order", orderHash.TerminalString(), "chain", ev.Chain)
		eventDropMeter.Mark(1)
		return
	}
	r.store.SetSecret(orderHash, secret)
	if err := r.store.Update(orderHash, func(o *types.CrossChainOrder) error {
		switch ev.Chain {
		case o.SourceChain:
			o.SourceClaimed = true
			if o.SourceHTLC != nil {
				o.SourceHTLC.Phase = types.HTLCClaimedPhase
			}
		case o.TargetChain:
			o.TargetClaimed = true
			if o.TargetHTLC != nil {
				o.TargetHTLC.Phase = types.HTLCClaimedPhase
			}
		}
		return nil
	}); err != nil {
		return
	}
	order, _ = r.store.Get(orderHash)
	r.log.Info("Secret revealed by claim", "order", orderHash.TerminalString(), "chain", ev.Chain)

	if order.SourceClaimed && order.TargetClaimed {
		r.transition(orderHash, types.Fulfilled)
		return
	}
	r.propagateSecret(order, secret)
}

// propagateSecret enqueues a claim for every live HTLC on the order whose
// receiver is the relayer's own submitter address. Claims past the HTLC's
// timelock are skipped; the counterparty may already be refunding.
func (r *Resolver) propagateSecret(order *types.CrossChainOrder, secret [32]byte) {
	now := r.now().Unix()
	for _, rec := range []*types.HTLCRecord{order.SourceHTLC, order.TargetHTLC} {
		if rec == nil || rec.Phase != types.HTLCLocked {
			continue
		}
		ad, ok := r.adapters[rec.Chain]
		if !ok || rec.Receiver != ad.Submitter() {
			continue
		}
		if now >= int64(rec.Timelock) {
			r.log.Warn("HTLC expired before claim", "order", order.OrderHash.TerminalString(), "chain", rec.Chain)
			continue
		}
		r.enqueue(&chain.Action{
			Kind:      chain.ActClaim,
			Chain:     rec.Chain,
			OrderHash: order.OrderHash,
			HTLCID:    rec.HTLCID,
			Secret:    secret,
		})
	}
}

// onHTLCRefunded records a refund. A source-side refund terminates the order;
// a target-side refund only closes the relayer's counter-lock.
func (r *Resolver) onHTLCRefunded(ev *types.ChainEvent) {
	orderHash, ok := r.store.ByHTLC(ev.Chain, ev.HTLCID)
	if !ok {
		orphanParkMeter.Mark(1)
		r.orphans.park(htlcOrphanKey(ev.Chain, ev.HTLCID), ev)
		r.log.Debug("Refund precedes its HTLC attachment, parked", "chain", ev.Chain, "htlc", ev.HTLCID.TerminalString())
		return
	}
	var (
		sourceSide bool
		state      types.OrderState
	)
	if err := r.store.Update(orderHash, func(o *types.CrossChainOrder) error {
		state = o.State
		switch ev.Chain {
		case o.SourceChain:
			sourceSide = true
			o.SourceRefunded = true
			if o.SourceHTLC != nil {
				o.SourceHTLC.Phase = types.HTLCRefundedPhase
			}
		case o.TargetChain:
			if o.TargetHTLC != nil {
				o.TargetHTLC.Phase = types.HTLCRefundedPhase
			}
		}
		return nil
	}); err != nil {
		return
	}
	switch {
	case sourceSide && state.Terminal():
		// Failed orders stay Failed; the refund just settles the escrow.
		r.log.Info("Source refund confirmed", "order", orderHash.TerminalString(), "state", state)
	case sourceSide:
		r.transition(orderHash, types.Refunded)
	default:
		r.log.Info("Target HTLC refunded", "order", orderHash.TerminalString(), "chain", ev.Chain)
	}
}

// onOrderFulfilled handles the bridge-level fulfillment event. The carried
// secret is captured when valid. On the target chain a verified fulfillment
// is the settlement itself when the bridge fulfilled without a target HTLC,
// so the claimed flag and the state machine advance from it; everywhere else
// convergence is left to the authoritative HTLC events and reconciliation.
func (r *Resolver) onOrderFulfilled(ev *types.ChainEvent) {
	if ev.Order == nil {
		eventDropMeter.Mark(1)
		return
	}
	orderHash := ev.Order.OrderHash
	order, ok := r.store.Get(orderHash)
	if !ok {
		eventDropMeter.Mark(1)
		return
	}
	if ev.Secret == (common.Hash{}) {
		return
	}
	secret := [32]byte(ev.Secret)
	if !types.VerifySecret(secret, order.Hashlock) {
		r.log.Warn("Fulfillment event carries bad secret", "order", orderHash.TerminalString(), "chain", ev.Chain)
		return
	}
	if _, have := r.store.Secret(orderHash); !have {
		r.store.SetSecret(orderHash, secret)
		r.log.Info("Secret captured from fulfillment event", "order", orderHash.TerminalString(), "chain", ev.Chain)
	}
	if ev.Chain == order.TargetChain && !order.State.Terminal() {
		r.store.Update(orderHash, func(o *types.CrossChainOrder) error {
			o.TargetClaimed = true
			return nil
		})
		// The bridge fulfill collapses the target lock and claim into one
		// observation, so the machine steps through TargetLocked.
		if order.State == types.SourceLocked {
			r.transition(orderHash, types.TargetLocked)
		}
		if order, ok = r.store.Get(orderHash); !ok {
			return
		}
		if order.SourceClaimed && order.TargetClaimed {
			r.transition(orderHash, types.Fulfilled)
			return
		}
	}
	r.propagateSecret(order, secret)
}

// onOrderRefunded handles the bridge-level refund event. On the source chain
// it is authoritative for the maker's funds and terminates the order.
func (r *Resolver) onOrderRefunded(ev *types.ChainEvent) {
	if ev.Order == nil {
		eventDropMeter.Mark(1)
		return
	}
	orderHash := ev.Order.OrderHash
	order, ok := r.store.Get(orderHash)
	if !ok {
		eventDropMeter.Mark(1)
		return
	}
	if ev.Chain != order.SourceChain {
		return
	}
	r.store.Update(orderHash, func(o *types.CrossChainOrder) error {
		o.SourceRefunded = true
		return nil
	})
	if !order.State.Terminal() {
		r.transition(orderHash, types.Refunded)
	}
}

// SubmitFulfill is the control-surface entry point: an operator or maker
// client hands over the preimage for an order, and the resolver locks the
// target funds through the bridge with the secret recorded on-chain.
func (r *Resolver) SubmitFulfill(orderHash common.Hash, secret [32]byte) error {
	order, ok := r.store.Get(orderHash)
	if !ok {
		return ErrOrderNotFound
	}
	if !types.VerifySecret(secret, order.Hashlock) {
		return ErrSecretMismatch
	}
	if order.State.Terminal() {
		return ErrBadTransition
	}
	r.store.SetSecret(orderHash, secret)

	tgt, ok := r.cfg.Chain(order.TargetChain)
	if ok && tgt.HasIncomingOrders && !order.HasTargetHTLC() {
		r.enqueue(&chain.Action{
			Kind:      chain.ActFulfillIncomingOrder,
			Chain:     order.TargetChain,
			OrderHash: orderHash,
			Secret:    secret,
			Token:     order.TokenOut,
			Amount:    order.AmountOut,
		})
		return nil
	}
	r.propagateSecret(order, secret)
	return nil
}

// actionKey is the inflight-dedup identity of an action: one submission per
// (kind, chain, order) at a time.
func actionKey(a *chain.Action) string {
	return fmt.Sprintf("%d/%s/%s", a.Kind, a.Chain, a.OrderHash.Hex())
}

// enqueue hands an action to the worker pool, deduplicating against actions
// already queued or executing. A full queue drops the action; the sweep and
// reconciliation passes re-derive dropped work.
func (r *Resolver) enqueue(a *chain.Action) {
	key := actionKey(a)
	if !r.inflight.Add(key) {
		return
	}
	select {
	case r.actionCh <- a:
		actionOutMeter.Mark(1)
	default:
		r.inflight.Remove(key)
		actionFailMeter.Mark(1)
		r.log.Warn("Action queue full, dropping", "action", a)
	}
}

func (r *Resolver) worker() {
	defer r.wg.Done()
	for {
		select {
		case a := <-r.actionCh:
			r.execute(a)
		case <-r.quit:
			return
		}
	}
}

// execute submits one action and waits for its receipt. Exhausted retries and
// reverts flag the order for attention instead of failing it; the authoritative
// outcome always arrives through the event stream.
func (r *Resolver) execute(a *chain.Action) {
	defer r.inflight.Remove(actionKey(a))

	logger := r.log.New("action", a.Kind, "chain", a.Chain, "order", a.OrderHash.TerminalString())
	if r.cfg.DryRun {
		logger.Info("Dry run, skipping submission")
		return
	}
	ad, ok := r.adapters[a.Chain]
	if !ok {
		logger.Error("No adapter for action chain")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.QueryTimeout+r.cfg.ReceiptTimeout)
	defer cancel()

	tx, err := ad.Submit(ctx, a)
	if err != nil {
		actionFailMeter.Mark(1)
		if chain.IsSubmitExhausted(err) {
			r.flagAttention(a.OrderHash)
			logger.Error("Submission retries exhausted", "err", err)
		} else {
			logger.Warn("Submission failed", "err", err)
		}
		return
	}
	logger.Debug("Action submitted", "tx", tx.TerminalString())

	rcpt, err := ad.WaitForReceipt(ctx, tx, r.cfg.ReceiptTimeout)
	if err != nil {
		// Inclusion is still possible; the event stream settles it.
		logger.Warn("Receipt wait failed", "tx", tx.TerminalString(), "err", err)
		return
	}
	if rcpt.Status == 0 {
		actionFailMeter.Mark(1)
		r.flagAttention(a.OrderHash)
		logger.Error("Action reverted on chain", "tx", tx.TerminalString(), "height", rcpt.Height)
		return
	}
	logger.Info("Action confirmed", "tx", tx.TerminalString(), "height", rcpt.Height)

	// Bridge refunds emit no HTLC event on chains without incoming-order
	// support, so fold the outcome in directly. Failed orders keep their
	// state; recording the refund stops the sweep from resubmitting.
	if a.Kind == chain.ActRefundOrder {
		if order, ok := r.store.Get(a.OrderHash); ok && a.Chain == order.SourceChain {
			r.store.Update(a.OrderHash, func(o *types.CrossChainOrder) error {
				o.SourceRefunded = true
				return nil
			})
			if !order.State.Terminal() {
				r.transition(a.OrderHash, types.Refunded)
			}
		}
	}
}

func (r *Resolver) flagAttention(orderHash common.Hash) {
	if orderHash == (common.Hash{}) {
		return
	}
	r.store.Update(orderHash, func(o *types.CrossChainOrder) error {
		o.NeedsAttention = true
		return nil
	})
}

// Stats is the control-surface snapshot of the engine.
type Stats struct {
	Orders        map[string]int `json:"orders"`
	Secrets       int            `json:"secrets"`
	Matches       int            `json:"matches"`
	Inflight      int            `json:"inflightActions"`
	Orphans       int            `json:"parkedEvents"`
	Backpressured []string       `json:"backpressured,omitempty"`
}

// Stats returns a point-in-time snapshot of order counts, held secrets and
// queue pressure.
func (r *Resolver) Stats() *Stats {
	r.matchMu.RLock()
	matched := len(r.matches) / 2
	r.matchMu.RUnlock()

	var backpressured []string
	for id := range r.adapters {
		if r.store.Backpressured(id) {
			backpressured = append(backpressured, id)
		}
	}
	return &Stats{
		Orders:        r.store.StateCounts(),
		Secrets:       r.store.SecretCount(),
		Matches:       matched,
		Inflight:      r.inflight.Cardinality(),
		Orphans:       r.orphans.len(),
		Backpressured: backpressured,
	}
}
