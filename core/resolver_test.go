package core

import (
	"bytes"
	"context"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashbridge/relayd/chain"
	"github.com/hashbridge/relayd/core/types"
	"github.com/hashbridge/relayd/params"
)

// fakeAdapter is an in-memory chain.Adapter recording submissions and serving
// canned views.
type fakeAdapter struct {
	mu        sync.Mutex
	id        string
	submitter common.Address
	submitted []*chain.Action
	submitErr error

	orderViews map[common.Hash]*types.OrderView
	htlcViews  map[common.Hash]*types.HTLCView

	tip uint64
}

func newFakeAdapter(id string, submitter common.Address) *fakeAdapter {
	return &fakeAdapter{
		id:         id,
		submitter:  submitter,
		orderViews: make(map[common.Hash]*types.OrderView),
		htlcViews:  make(map[common.Hash]*types.HTLCView),
		tip:        1000,
	}
}

func (f *fakeAdapter) ChainID() string           { return f.id }
func (f *fakeAdapter) Submitter() common.Address { return f.submitter }

func (f *fakeAdapter) TipHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

func (f *fakeAdapter) ConfirmedHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tip < 3 {
		return 0, nil
	}
	return f.tip - 3, nil
}

func (f *fakeAdapter) QueryEvents(ctx context.Context, from, to uint64) ([]*types.ChainEvent, error) {
	return nil, nil
}

func (f *fakeAdapter) Submit(ctx context.Context, action *chain.Action) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	f.submitted = append(f.submitted, action)
	return common.BytesToHash([]byte{byte(len(f.submitted))}), nil
}

func (f *fakeAdapter) WaitForReceipt(ctx context.Context, tx common.Hash, timeout time.Duration) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: tx, Status: 1, Height: 1001}, nil
}

func (f *fakeAdapter) OrderView(ctx context.Context, orderHash common.Hash) (*types.OrderView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.orderViews[orderHash]; ok {
		return v, nil
	}
	return &types.OrderView{}, nil
}

func (f *fakeAdapter) HTLCView(ctx context.Context, htlcID common.Hash) (*types.HTLCView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.htlcViews[htlcID]; ok {
		return v, nil
	}
	return &types.HTLCView{}, nil
}

func (f *fakeAdapter) FeeQuote() *chain.FeeQuote             { return &chain.FeeQuote{} }
func (f *fakeAdapter) RefreshFees(ctx context.Context) error { return nil }
func (f *fakeAdapter) Close()                                {}

func (f *fakeAdapter) actions() []*chain.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*chain.Action(nil), f.submitted...)
}

// Fixed identities used throughout the scenarios.
var (
	maker     = common.HexToAddress("0x1000000000000000000000000000000000000001")
	receiver  = common.HexToAddress("0x1000000000000000000000000000000000000002")
	relayerA  = common.HexToAddress("0x200000000000000000000000000000000000000a")
	relayerB  = common.HexToAddress("0x200000000000000000000000000000000000000b")
	baseTime  = time.Unix(1_700_000_000, 0)
	oneEther  = new(big.Int).Mul(big.NewInt(1), big.NewInt(1e18))
	outAmount = big.NewInt(980_000_000_000_000_000)
)

type testEnv struct {
	resolver *Resolver
	store    *OrderStore
	alpha    *fakeAdapter
	beta     *fakeAdapter
	now      *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := params.Defaults()
	cfg.Chains = []params.ChainConfig{
		{ID: "alpha"},
		{ID: "beta", HasIncomingOrders: true},
	}
	return newTestEnvWithConfig(t, cfg)
}

func newTestEnvWithConfig(t *testing.T, cfg params.Config) *testEnv {
	t.Helper()
	now := baseTime
	env := &testEnv{
		alpha: newFakeAdapter("alpha", relayerA),
		beta:  newFakeAdapter("beta", relayerB),
		now:   &now,
	}
	clock := func() time.Time { return *env.now }
	env.store = NewOrderStore(cfg.MaxPendingOrders, clock)
	env.resolver = NewResolver(&cfg, map[string]chain.Adapter{
		"alpha": env.alpha,
		"beta":  env.beta,
	}, env.store, clock)
	return env
}

// drainActions empties the queue without executing, returning what was
// enqueued. Inflight keys are released as if the actions ran.
func (env *testEnv) drainActions() []*chain.Action {
	var out []*chain.Action
	for {
		select {
		case a := <-env.resolver.actionCh:
			env.resolver.inflight.Remove(actionKey(a))
			out = append(out, a)
		default:
			return out
		}
	}
}

// runActions executes everything queued against the fake adapters.
func (env *testEnv) runActions() {
	for {
		select {
		case a := <-env.resolver.actionCh:
			env.resolver.execute(a)
		default:
			return
		}
	}
}

var secret = [32]byte{0x5e, 0xc2, 0xe7}

func testHashlock() common.Hash { return types.HashSecret(secret) }

func testOrderHash() common.Hash { return common.HexToHash("0xfeed") }

func orderCreatedEvent(tx byte) *types.ChainEvent {
	return &types.ChainEvent{
		Kind:   types.EvOrderCreated,
		Chain:  "alpha",
		Height: 100,
		TxHash: common.BytesToHash([]byte{tx}),
		Order: &types.OrderInfo{
			OrderHash:   testOrderHash(),
			TargetChain: "beta",
			Maker:       maker,
			Receiver:    receiver,
			TokenIn:     types.NativeToken,
			TokenOut:    types.NativeToken,
			AmountIn:    new(big.Int).Set(oneEther),
			AmountOut:   new(big.Int).Set(outAmount),
			Hashlock:    testHashlock(),
			Timelock:    uint64(baseTime.Unix()) + 86400,
		},
	}
}

func sourceHTLCEvent(tx byte) *types.ChainEvent {
	return &types.ChainEvent{
		Kind:   types.EvHTLCCreated,
		Chain:  "alpha",
		Height: 101,
		TxHash: common.BytesToHash([]byte{tx}),
		HTLC: &types.HTLCInfo{
			HTLCID:   common.HexToHash("0xa1"),
			Sender:   maker,
			Receiver: relayerA,
			Token:    types.NativeToken,
			Amount:   new(big.Int).Set(oneEther),
			Hashlock: testHashlock(),
			Timelock: uint64(baseTime.Unix()) + 86400,
		},
	}
}

func targetHTLCEvent(tx byte) *types.ChainEvent {
	return &types.ChainEvent{
		Kind:   types.EvHTLCCreated,
		Chain:  "beta",
		Height: 200,
		TxHash: common.BytesToHash([]byte{tx}),
		HTLC: &types.HTLCInfo{
			HTLCID:   common.HexToHash("0xb1"),
			Sender:   relayerB,
			Receiver: receiver,
			Token:    types.NativeToken,
			Amount:   new(big.Int).Set(outAmount),
			Hashlock: testHashlock(),
			Timelock: uint64(baseTime.Unix()) + 43200,
		},
	}
}

func claimEvent(chainID string, htlcID common.Hash, height uint64, tx byte) *types.ChainEvent {
	return &types.ChainEvent{
		Kind:   types.EvHTLCClaimed,
		Chain:  chainID,
		Height: height,
		TxHash: common.BytesToHash([]byte{tx}),
		HTLCID: htlcID,
		Secret: common.Hash(secret),
	}
}

func refundEvent(chainID string, htlcID common.Hash, height uint64, tx byte) *types.ChainEvent {
	return &types.ChainEvent{
		Kind:   types.EvHTLCRefunded,
		Chain:  chainID,
		Height: height,
		TxHash: common.BytesToHash([]byte{tx}),
		HTLCID: htlcID,
	}
}

func (env *testEnv) state(t *testing.T) types.OrderState {
	t.Helper()
	order, ok := env.store.Get(testOrderHash())
	require.True(t, ok)
	return order.State
}

// Scenario: maker locks native A, relayer mirrors and locks native B, the
// receiver claims B revealing the secret, the relayer claims A. Both sides
// claimed, order fulfilled.
func TestHappyPath(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	assert.Equal(t, types.SourceLocked, env.state(t))

	// The order targets a bridge with incoming-order support, so the mirror
	// action goes out on beta.
	actions := env.drainActions()
	require.Len(t, actions, 1)
	assert.Equal(t, chain.ActProcessIncomingOrder, actions[0].Kind)
	assert.Equal(t, "beta", actions[0].Chain)
	assert.Equal(t, uint64(baseTime.Unix())+86400-7200, actions[0].Timelock)

	require.NoError(t, r.HandleEvent(sourceHTLCEvent(2)))
	assert.Equal(t, types.SourceLocked, env.state(t))

	require.NoError(t, r.HandleEvent(targetHTLCEvent(3)))
	assert.Equal(t, types.TargetLocked, env.state(t))

	// Receiver claims on beta; the revealed secret must be claimed back on
	// alpha where the relayer holds the receiver role.
	require.NoError(t, r.HandleEvent(claimEvent("beta", common.HexToHash("0xb1"), 201, 4)))
	assert.Equal(t, types.TargetLocked, env.state(t))

	got, ok := env.store.Secret(testOrderHash())
	require.True(t, ok)
	assert.Equal(t, secret, got)

	env.runActions()
	alphaActs := env.alpha.actions()
	require.Len(t, alphaActs, 1)
	assert.Equal(t, chain.ActClaim, alphaActs[0].Kind)
	assert.Equal(t, secret, alphaActs[0].Secret)
	assert.Equal(t, common.HexToHash("0xa1"), alphaActs[0].HTLCID)

	require.NoError(t, r.HandleEvent(claimEvent("alpha", common.HexToHash("0xa1"), 102, 5)))
	assert.Equal(t, types.Fulfilled, env.state(t))
}

// Scenario: the receiver never claims. The relayer refunds its own target
// lock at the target timelock and the source refunds at the source timelock.
func TestTargetTimeoutRefund(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	env.drainActions()
	require.NoError(t, r.HandleEvent(sourceHTLCEvent(2)))
	require.NoError(t, r.HandleEvent(targetHTLCEvent(3)))
	require.Equal(t, types.TargetLocked, env.state(t))

	// Before any expiry the sweep does nothing.
	r.SweepExpired()
	assert.Empty(t, env.drainActions())

	// Past the target timelock only the relayer's own beta lock is refunded.
	*env.now = baseTime.Add(43200*time.Second + time.Second)
	r.SweepExpired()
	actions := env.drainActions()
	require.Len(t, actions, 1)
	assert.Equal(t, chain.ActRefund, actions[0].Kind)
	assert.Equal(t, "beta", actions[0].Chain)

	require.NoError(t, r.HandleEvent(refundEvent("beta", common.HexToHash("0xb1"), 300, 4)))
	assert.Equal(t, types.TargetLocked, env.state(t), "target refund alone does not terminate the order")

	// Past the source timelock the maker's escrow is refunded and the order
	// terminates once the chain confirms it.
	*env.now = baseTime.Add(86400*time.Second + time.Second)
	r.SweepExpired()
	actions = env.drainActions()
	require.Len(t, actions, 1)
	assert.Equal(t, chain.ActRefund, actions[0].Kind)
	assert.Equal(t, "alpha", actions[0].Chain)
	assert.Equal(t, common.HexToHash("0xa1"), actions[0].HTLCID)

	require.NoError(t, r.HandleEvent(refundEvent("alpha", common.HexToHash("0xa1"), 120, 5)))
	assert.Equal(t, types.Refunded, env.state(t))
}

// Scenario: without an attached source HTLC the expiry refund goes through
// the bridge contract instead.
func TestSourceRefundViaBridge(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	env.drainActions()

	*env.now = baseTime.Add(86400*time.Second + time.Second)
	r.SweepExpired()
	actions := env.drainActions()
	require.Len(t, actions, 1)
	assert.Equal(t, chain.ActRefundOrder, actions[0].Kind)
	assert.Equal(t, "alpha", actions[0].Chain)
	assert.Equal(t, testOrderHash(), actions[0].OrderHash)
}

// An order targeting a chain whose bridge takes no incoming orders gets its
// counter-lock as a direct HTLC instead of a mirrored order.
func TestDirectHTLCWithoutBridgeSupport(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	ev := &types.ChainEvent{
		Kind:   types.EvOrderCreated,
		Chain:  "beta",
		Height: 300,
		TxHash: common.BytesToHash([]byte{0x42}),
		Order: &types.OrderInfo{
			OrderHash:   common.HexToHash("0xdead"),
			TargetChain: "alpha",
			Maker:       maker,
			Receiver:    receiver,
			TokenIn:     types.NativeToken,
			TokenOut:    types.NativeToken,
			AmountIn:    big.NewInt(500),
			AmountOut:   big.NewInt(490),
			Hashlock:    common.HexToHash("0x77"),
			Timelock:    uint64(baseTime.Unix()) + 86400,
		},
	}
	require.NoError(t, r.HandleEvent(ev))

	actions := env.drainActions()
	require.Len(t, actions, 1)
	assert.Equal(t, chain.ActCreateHTLC, actions[0].Kind)
	assert.Equal(t, "alpha", actions[0].Chain)
	assert.Equal(t, receiver, actions[0].Receiver)
	assert.Equal(t, int64(490), actions[0].Amount.Int64())
	assert.Equal(t, uint64(baseTime.Unix())+86400-7200, actions[0].Timelock)
}

// Redelivering an event must not change state or double-submit.
func TestDuplicateEventIdempotence(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	first := len(env.drainActions())
	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	assert.Equal(t, types.SourceLocked, env.state(t))
	assert.Zero(t, len(env.drainActions()), "duplicate produced actions")
	assert.Equal(t, 1, first)

	require.NoError(t, r.HandleEvent(targetHTLCEvent(3)))
	require.NoError(t, r.HandleEvent(claimEvent("beta", common.HexToHash("0xb1"), 201, 4)))
	env.drainActions()
	require.NoError(t, r.HandleEvent(claimEvent("beta", common.HexToHash("0xb1"), 201, 4)))
	assert.Empty(t, env.drainActions(), "duplicate claim re-propagated the secret")
}

// A target lock violating the timelock skew fails the order.
func TestSkewViolationFailsOrder(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	env.drainActions()

	ev := targetHTLCEvent(3)
	// Expires one second too late for the configured 2h skew.
	ev.HTLC.Timelock = uint64(baseTime.Unix()) + 86400 - 7199
	require.NoError(t, r.HandleEvent(ev))
	assert.Equal(t, types.Failed, env.state(t))
}

// A source lock that does not cover the order amount fails the order.
func TestSourceAmountMismatchFailsOrder(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	env.drainActions()

	ev := sourceHTLCEvent(2)
	ev.HTLC.Amount = big.NewInt(1)
	require.NoError(t, r.HandleEvent(ev))
	assert.Equal(t, types.Failed, env.state(t))

	// The failed order still refunds at the timelock.
	*env.now = baseTime.Add(86400*time.Second + time.Second)
	r.SweepExpired()
	actions := env.drainActions()
	require.Len(t, actions, 1)
	assert.Equal(t, chain.ActRefund, actions[0].Kind)
	assert.Equal(t, "alpha", actions[0].Chain)

	// Once the chain confirms the refund the sweep stops resubmitting and
	// the order stays Failed for audit.
	require.NoError(t, r.HandleEvent(refundEvent("alpha", common.HexToHash("0xa1"), 130, 5)))
	r.SweepExpired()
	assert.Empty(t, env.drainActions())
	assert.Equal(t, types.Failed, env.state(t))
}

// A breached order with no source HTLC attached refunds the maker through
// the bridge once its timelock elapses, exactly once.
func TestFailedOrderBridgeRefundDelivered(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	ev := orderCreatedEvent(1)
	ev.Order.Timelock = uint64(baseTime.Unix()) + 60 // fails the bounds check
	require.NoError(t, r.HandleEvent(ev))
	require.Equal(t, types.Failed, env.state(t))

	*env.now = baseTime.Add(61 * time.Second)
	r.SweepExpired()
	env.runActions()

	acts := env.alpha.actions()
	require.Len(t, acts, 1)
	assert.Equal(t, chain.ActRefundOrder, acts[0].Kind)
	assert.Equal(t, testOrderHash(), acts[0].OrderHash)

	// The confirmed bridge refund is folded in; later sweeps do not resubmit.
	r.SweepExpired()
	env.runActions()
	assert.Len(t, env.alpha.actions(), 1)
	assert.Equal(t, types.Failed, env.state(t))
}

// A second HTLC appearing under the same hashlock is a breach.
func TestSecondHTLCUnderHashlockFailsOrder(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	env.drainActions()
	require.NoError(t, r.HandleEvent(targetHTLCEvent(3)))
	require.Equal(t, types.TargetLocked, env.state(t))

	dup := targetHTLCEvent(4)
	dup.HTLC.HTLCID = common.HexToHash("0xb2")
	require.NoError(t, r.HandleEvent(dup))
	assert.Equal(t, types.Failed, env.state(t))
}

// An order whose timelock is out of configured bounds never locks.
func TestTimelockBoundsEnforced(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	ev := orderCreatedEvent(1)
	ev.Order.Timelock = uint64(baseTime.Unix()) + 60 // below the 1h minimum
	require.NoError(t, r.HandleEvent(ev))
	assert.Equal(t, types.Failed, env.state(t))
	assert.Empty(t, env.drainActions())
}

// Claims are not propagated once the owned HTLC's timelock has elapsed.
func TestLateSecretNotPropagated(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	env.drainActions()
	require.NoError(t, r.HandleEvent(sourceHTLCEvent(2)))
	require.NoError(t, r.HandleEvent(targetHTLCEvent(3)))

	*env.now = baseTime.Add(86400*time.Second + time.Second)
	require.NoError(t, r.HandleEvent(claimEvent("beta", common.HexToHash("0xb1"), 201, 4)))

	for _, a := range env.drainActions() {
		assert.NotEqual(t, chain.ActClaim, a.Kind, "claim enqueued past the timelock")
	}
}

// Reconciliation reverts a target lock the chain no longer shows.
func TestReconcileRevertsVanishedTargetLock(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	env.drainActions()
	require.NoError(t, r.HandleEvent(targetHTLCEvent(3)))
	require.Equal(t, types.TargetLocked, env.state(t))

	env.alpha.mu.Lock()
	env.alpha.orderViews[testOrderHash()] = &types.OrderView{Exists: true, Locked: true}
	env.alpha.mu.Unlock()
	// beta serves the zero view: the HTLC does not exist.

	r.Reconcile(context.Background())
	assert.Equal(t, types.SourceLocked, env.state(t))

	order, _ := env.store.Get(testOrderHash())
	assert.False(t, order.HasTargetHTLC())

	// A genuine re-lock associates cleanly afterwards.
	relock := targetHTLCEvent(9)
	relock.HTLC.HTLCID = common.HexToHash("0xb9")
	require.NoError(t, r.HandleEvent(relock))
	assert.Equal(t, types.TargetLocked, env.state(t))
}

// Reconciliation fails an order whose source lock the chain denies.
func TestReconcileFailsMissingSourceLock(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	env.drainActions()
	require.Equal(t, types.SourceLocked, env.state(t))

	// alpha serves the zero view: no lock, no claim, no refund.
	r.Reconcile(context.Background())
	assert.Equal(t, types.Failed, env.state(t))
}

// Reconciliation re-propagates the secret when the source was claimed while
// our target-side role is still open.
func TestReconcileRecoversSecretFromChain(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	env.drainActions()
	require.NoError(t, r.HandleEvent(sourceHTLCEvent(2)))
	require.NoError(t, r.HandleEvent(targetHTLCEvent(3)))

	// The relayer holds the claim role on alpha here, so flip the roles:
	// pretend the source was claimed and alpha exposes the preimage, while
	// the relayer never saw the claim event.
	env.alpha.mu.Lock()
	env.alpha.orderViews[testOrderHash()] = &types.OrderView{Exists: true, Claimed: true}
	env.alpha.htlcViews[common.HexToHash("0xa1")] = &types.HTLCView{
		Exists: true,
		Phase:  types.HTLCClaimedPhase,
		Secret: common.Hash(secret),
	}
	env.alpha.mu.Unlock()
	env.beta.mu.Lock()
	env.beta.htlcViews[common.HexToHash("0xb1")] = &types.HTLCView{Exists: true, Phase: types.HTLCLocked}
	env.beta.mu.Unlock()

	r.Reconcile(context.Background())

	got, ok := env.store.Secret(testOrderHash())
	require.True(t, ok, "secret not recovered from the chain view")
	assert.Equal(t, secret, got)
}

// SubmitFulfill verifies the preimage and drives target-side fulfillment.
func TestSubmitFulfill(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	assert.ErrorIs(t, r.SubmitFulfill(testOrderHash(), secret), ErrOrderNotFound)

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	env.drainActions()

	var wrong [32]byte
	assert.ErrorIs(t, r.SubmitFulfill(testOrderHash(), wrong), ErrSecretMismatch)

	require.NoError(t, r.SubmitFulfill(testOrderHash(), secret))
	actions := env.drainActions()
	require.Len(t, actions, 1)
	assert.Equal(t, chain.ActFulfillIncomingOrder, actions[0].Kind)
	assert.Equal(t, "beta", actions[0].Chain)
	assert.Equal(t, secret, actions[0].Secret)
}

// The chains are polled independently, so target-side events can arrive
// before the order that explains them. They are parked and replayed, not lost.
func TestEarlyEventsParkedUntilOrder(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	// Beta's poller outruns alpha's: the target lock and its claim land
	// before the order exists.
	require.NoError(t, r.HandleEvent(targetHTLCEvent(3)))
	require.NoError(t, r.HandleEvent(claimEvent("beta", common.HexToHash("0xb1"), 201, 4)))
	_, ok := env.store.Get(testOrderHash())
	require.False(t, ok)

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	assert.Equal(t, types.TargetLocked, env.state(t))
	got, ok := env.store.Secret(testOrderHash())
	require.True(t, ok, "parked claim not replayed after the order arrived")
	assert.Equal(t, secret, got)
	env.drainActions()

	// The source lock arrives last; the retry pass claims it with the
	// already-known secret.
	require.NoError(t, r.HandleEvent(sourceHTLCEvent(2)))
	r.SweepExpired()
	var claims int
	for _, a := range env.drainActions() {
		if a.Kind == chain.ActClaim && a.Chain == "alpha" {
			claims++
		}
	}
	require.Equal(t, 1, claims, "secret not propagated to the late source lock")

	require.NoError(t, r.HandleEvent(claimEvent("alpha", common.HexToHash("0xa1"), 102, 5)))
	assert.Equal(t, types.Fulfilled, env.state(t))
}

// A capacity rejection surfaces as an error so the ingestion cursor holds,
// and the event identity is not sealed against redelivery.
func TestCapacityRejectionNotSealed(t *testing.T) {
	cfg := params.Defaults()
	cfg.Chains = []params.ChainConfig{
		{ID: "alpha"},
		{ID: "beta", HasIncomingOrders: true},
	}
	cfg.MaxPendingOrders = 1
	env := newTestEnvWithConfig(t, cfg)
	r := env.resolver

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	env.drainActions()

	second := orderCreatedEvent(9)
	second.Order.OrderHash = common.HexToHash("0xf00d")
	second.Order.Hashlock = types.HashSecret([32]byte{0x09})
	require.ErrorIs(t, r.HandleEvent(second), ErrCapacity)
	// The redelivery attempts the insert again instead of dedup-dropping.
	require.ErrorIs(t, r.HandleEvent(second), ErrCapacity)

	// Complete the first order so a slot frees up.
	require.NoError(t, r.HandleEvent(sourceHTLCEvent(2)))
	require.NoError(t, r.HandleEvent(targetHTLCEvent(3)))
	require.NoError(t, r.HandleEvent(claimEvent("beta", common.HexToHash("0xb1"), 201, 4)))
	env.drainActions()
	require.NoError(t, r.HandleEvent(claimEvent("alpha", common.HexToHash("0xa1"), 102, 5)))
	require.Equal(t, types.Fulfilled, env.state(t))

	require.NoError(t, r.HandleEvent(second))
	order, ok := env.store.Get(second.Order.OrderHash)
	require.True(t, ok, "redelivered order not inserted after capacity freed")
	assert.Equal(t, types.SourceLocked, order.State)
}

// An order mirrored through a bridge with incoming-order support completes
// without any target-side HTLC: the bridge fulfillment event settles the
// target side and the source claim finishes the swap.
func TestBridgeFulfillmentReachesFulfilled(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	env.drainActions()
	require.NoError(t, r.HandleEvent(sourceHTLCEvent(2)))

	require.NoError(t, r.SubmitFulfill(testOrderHash(), secret))
	env.runActions()
	betaActs := env.beta.actions()
	require.Len(t, betaActs, 1)
	require.Equal(t, chain.ActFulfillIncomingOrder, betaActs[0].Kind)

	fulfilled := &types.ChainEvent{
		Kind:   types.EvOrderFulfilled,
		Chain:  "beta",
		Height: 210,
		TxHash: common.BytesToHash([]byte{7}),
		Order:  &types.OrderInfo{OrderHash: testOrderHash()},
		Secret: common.Hash(secret),
	}
	require.NoError(t, r.HandleEvent(fulfilled))
	assert.Equal(t, types.TargetLocked, env.state(t))

	// The revealed secret claims the maker's source lock.
	env.runActions()
	alphaActs := env.alpha.actions()
	require.Len(t, alphaActs, 1)
	assert.Equal(t, chain.ActClaim, alphaActs[0].Kind)

	require.NoError(t, r.HandleEvent(claimEvent("alpha", common.HexToHash("0xa1"), 102, 5)))
	assert.Equal(t, types.Fulfilled, env.state(t))
}

// Reconciliation converges a bridge-fulfilled order whose settlement events
// were all missed: source claimed on chain, target bridge view claimed, no
// target HTLC ever created.
func TestReconcileFulfillsBridgeSettledOrder(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	env.drainActions()
	require.NoError(t, r.HandleEvent(sourceHTLCEvent(2)))

	env.alpha.mu.Lock()
	env.alpha.orderViews[testOrderHash()] = &types.OrderView{Exists: true, Claimed: true}
	env.alpha.htlcViews[common.HexToHash("0xa1")] = &types.HTLCView{Exists: true, Phase: types.HTLCClaimedPhase}
	env.alpha.mu.Unlock()
	env.beta.mu.Lock()
	env.beta.orderViews[testOrderHash()] = &types.OrderView{Exists: true, Claimed: true}
	env.beta.mu.Unlock()

	r.Reconcile(context.Background())
	assert.Equal(t, types.Fulfilled, env.state(t))
}

// The parking pool is bounded and evicts its oldest entry first.
func TestOrphanPoolBounded(t *testing.T) {
	p := newOrphanPool(2)
	first := &types.ChainEvent{TxHash: common.HexToHash("0x01")}
	second := &types.ChainEvent{TxHash: common.HexToHash("0x02")}
	third := &types.ChainEvent{TxHash: common.HexToHash("0x03")}

	p.park("a", first)
	p.park("a", second)
	p.park("b", third) // evicts first

	got := p.take("a")
	require.Len(t, got, 1)
	assert.Equal(t, second.TxHash, got[0].TxHash)
	require.Len(t, p.take("b"), 1)
	assert.Zero(t, p.len())
}

// A transition on an untracked order logs the failure without inventing a
// current state.
func TestTransitionLogOmitsUnknownFrom(t *testing.T) {
	env := newTestEnv(t)
	var buf bytes.Buffer
	env.resolver.log = log.NewLogger(log.JSONHandler(&buf))

	assert.False(t, env.resolver.transition(common.HexToHash("0x404"), types.Fulfilled))
	assert.Contains(t, buf.String(), "order not found")
	assert.NotContains(t, buf.String(), `"from"`)
}

// Exhausted submissions flag the order instead of failing it.
func TestSubmitExhaustionFlagsAttention(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	env.beta.submitErr = chain.NewError(chain.SubmitExhausted, "beta", "submit", context.DeadlineExceeded)
	env.runActions()

	order, _ := env.store.Get(testOrderHash())
	assert.True(t, order.NeedsAttention)
	assert.Equal(t, types.SourceLocked, order.State, "submission failure must not change protocol state")
}

// Dry run mode enqueues but never submits.
func TestDryRunSkipsSubmission(t *testing.T) {
	env := newTestEnv(t)
	env.resolver.cfg.DryRun = true
	r := env.resolver

	require.NoError(t, r.HandleEvent(orderCreatedEvent(1)))
	env.runActions()
	assert.Empty(t, env.beta.actions())
}

// Complementary orders pair up; incompatible ones do not.
func TestMatchOrders(t *testing.T) {
	env := newTestEnv(t)
	r := env.resolver

	mk := func(n byte, src, tgt string, in, out int64, timelock uint64) *types.CrossChainOrder {
		return &types.CrossChainOrder{
			OrderHash:   common.BytesToHash([]byte{n}),
			SourceChain: src,
			TargetChain: tgt,
			TokenIn:     types.NativeToken,
			TokenOut:    types.NativeToken,
			AmountIn:    big.NewInt(in),
			AmountOut:   big.NewInt(out),
			Hashlock:    common.BytesToHash([]byte{0xaa, n}),
			Timelock:    timelock,
			State:       types.SourceLocked,
		}
	}
	t0 := uint64(baseTime.Unix())
	a := mk(1, "alpha", "beta", 100, 99, t0+86400)
	b := mk(2, "beta", "alpha", 99, 100, t0+43200)
	c := mk(3, "beta", "alpha", 50, 100, t0+43200) // amounts not crossed

	require.NoError(t, env.store.Insert(a))
	require.NoError(t, env.store.Insert(b))
	require.NoError(t, env.store.Insert(c))
	// Insert bumps CreatedAt off the shared clock; distinct values are not
	// needed, stable iteration order is given by the sort being stable.

	assert.Equal(t, 1, r.MatchOrders())

	counter, ok := r.MatchOf(a.OrderHash)
	require.True(t, ok)
	assert.Equal(t, b.OrderHash, counter)
	_, ok = r.MatchOf(c.OrderHash)
	assert.False(t, ok)

	// A second pass finds nothing new.
	assert.Equal(t, 0, r.MatchOrders())
}

// Property: any causally possible interleaving of the happy-path events that
// preserves per-chain order, with arbitrary duplicates, ends Fulfilled.
//
// The causal edges come from who produces each transaction: the target HTLC
// only exists after the order did, and the relayer's source claim only
// happens after the target claim revealed the secret.
func TestEventInterleavings(t *testing.T) {
	type step struct {
		ev   func() *types.ChainEvent
		deps []int
	}
	steps := []step{
		0: {ev: func() *types.ChainEvent { return orderCreatedEvent(1) }},
		1: {ev: func() *types.ChainEvent { return sourceHTLCEvent(2) }, deps: []int{0}},
		2: {ev: func() *types.ChainEvent { return targetHTLCEvent(3) }, deps: []int{0}},
		3: {ev: func() *types.ChainEvent { return claimEvent("beta", common.HexToHash("0xb1"), 201, 4) }, deps: []int{2}},
		4: {ev: func() *types.ChainEvent { return claimEvent("alpha", common.HexToHash("0xa1"), 102, 5) }, deps: []int{1, 3}},
	}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		env := newTestEnv(t)
		r := env.resolver

		done := make(map[int]bool)
		var delivered []*types.ChainEvent
		for len(done) < len(steps) {
			var ready []int
			for i, s := range steps {
				if done[i] {
					continue
				}
				ok := true
				for _, d := range s.deps {
					if !done[d] {
						ok = false
					}
				}
				if ok {
					ready = append(ready, i)
				}
			}
			pick := ready[rng.Intn(len(ready))]
			done[pick] = true

			ev := steps[pick].ev()
			delivered = append(delivered, ev)
			require.NoError(t, r.HandleEvent(ev))
			// Occasionally replay an already-delivered event.
			if rng.Intn(3) == 0 {
				require.NoError(t, r.HandleEvent(delivered[rng.Intn(len(delivered))]))
			}
			env.drainActions()
		}
		require.Equal(t, types.Fulfilled, env.state(t), "round %d", round)
	}
}
