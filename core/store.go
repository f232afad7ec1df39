package core

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/hashbridge/relayd/core/types"
)

// orderLockStripes is the size of the per-order lock table. Locks are
// striped by order hash; two orders sharing a stripe serialize against each
// other, which is harmless.
const orderLockStripes = 128

// OrderStore owns every mutation of order state. All writes go through
// Update, which serializes handlers per order; reads hand out copies. The
// secret table lives here too and is cleared together with its order.
type OrderStore struct {
	mu         sync.RWMutex
	orders     map[common.Hash]*types.CrossChainOrder
	byHashlock map[common.Hash]common.Hash
	byHTLC     map[htlcKey]common.Hash
	secrets    map[common.Hash][32]byte

	// backpressured flags chains whose inserts were rejected at capacity.
	backpressured map[string]bool

	locks [orderLockStripes]sync.Mutex

	capacity int
	now      func() time.Time
	log      log.Logger
}

type htlcKey struct {
	chain string
	id    common.Hash
}

// NewOrderStore creates a store capped at capacity orders.
func NewOrderStore(capacity int, now func() time.Time) *OrderStore {
	if now == nil {
		now = time.Now
	}
	return &OrderStore{
		orders:        make(map[common.Hash]*types.CrossChainOrder),
		byHashlock:    make(map[common.Hash]common.Hash),
		byHTLC:        make(map[htlcKey]common.Hash),
		secrets:       make(map[common.Hash][32]byte),
		backpressured: make(map[string]bool),
		capacity:      capacity,
		now:           now,
		log:           log.New("module", "orderstore"),
	}
}

func (s *OrderStore) orderLock(hash common.Hash) *sync.Mutex {
	return &s.locks[hash[0]%orderLockStripes]
}

// Insert adds a new order. At capacity, the oldest terminal orders are
// evicted first; if none exist the insert is rejected and the order's source
// chain is flagged as backpressured.
func (s *OrderStore) Insert(order *types.CrossChainOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.OrderHash]; ok {
		return ErrOrderExists
	}
	if len(s.orders) >= s.capacity {
		if !s.evictTerminalLocked() {
			s.backpressured[order.SourceChain] = true
			capacityRejectMeter.Mark(1)
			return ErrCapacity
		}
	}
	now := s.now()
	order.CreatedAt = now
	order.UpdatedAt = now
	s.orders[order.OrderHash] = order
	s.byHashlock[order.Hashlock] = order.OrderHash
	delete(s.backpressured, order.SourceChain)
	orderGauge.Update(int64(len(s.orders)))
	return nil
}

// evictTerminalLocked removes the oldest terminal order, reporting whether
// one was found. Caller holds s.mu.
func (s *OrderStore) evictTerminalLocked() bool {
	var (
		victim common.Hash
		oldest time.Time
		found  bool
	)
	for hash, order := range s.orders {
		if !order.State.Terminal() {
			continue
		}
		if !found || order.CreatedAt.Before(oldest) {
			victim, oldest, found = hash, order.CreatedAt, true
		}
	}
	if found {
		s.dropLocked(victim)
		evictionMeter.Mark(1)
	}
	return found
}

// dropLocked removes an order and every index entry and secret attached to
// it. Caller holds s.mu.
func (s *OrderStore) dropLocked(hash common.Hash) {
	order, ok := s.orders[hash]
	if !ok {
		return
	}
	delete(s.orders, hash)
	delete(s.byHashlock, order.Hashlock)
	delete(s.secrets, hash)
	if order.HasSourceHTLC() {
		delete(s.byHTLC, htlcKey{order.SourceChain, order.SourceHTLCID})
	}
	if order.HasTargetHTLC() {
		delete(s.byHTLC, htlcKey{order.TargetChain, order.TargetHTLCID})
	}
	orderGauge.Update(int64(len(s.orders)))
}

// Update runs fn on the order under its serialization lock. The mutation
// itself happens under the table lock so concurrent readers never observe a
// half-applied change; fn must not call back into the store. Any error from
// fn is passed through and the update timestamp is only bumped on success.
func (s *OrderStore) Update(hash common.Hash, fn func(*types.CrossChainOrder) error) error {
	lock := s.orderLock(hash)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[hash]
	if !ok {
		return ErrOrderNotFound
	}
	if err := fn(order); err != nil {
		return err
	}
	order.UpdatedAt = s.now()
	return nil
}

// Transition moves an order to a new state, enforcing the state machine.
// The old state is returned so callers can emit change notifications.
func (s *OrderStore) Transition(hash common.Hash, to types.OrderState) (types.OrderState, error) {
	var from types.OrderState
	err := s.Update(hash, func(o *types.CrossChainOrder) error {
		from = o.State
		if o.State == to {
			return nil
		}
		if !types.CanTransition(o.State, to) {
			return ErrBadTransition
		}
		o.State = to
		return nil
	})
	return from, err
}

// AttachHTLC records an observed HTLC id for one side of an order and
// indexes it for claimed/refunded lookups.
func (s *OrderStore) AttachHTLC(orderHash common.Hash, chain string, htlcID common.Hash) {
	s.mu.Lock()
	s.byHTLC[htlcKey{chain, htlcID}] = orderHash
	s.mu.Unlock()
}

// DetachHTLC removes an HTLC index entry, used when reconciliation reverts a
// spurious target lock.
func (s *OrderStore) DetachHTLC(chain string, htlcID common.Hash) {
	s.mu.Lock()
	delete(s.byHTLC, htlcKey{chain, htlcID})
	s.mu.Unlock()
}

// Get returns a copy of the order.
func (s *OrderStore) Get(hash common.Hash) (*types.CrossChainOrder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[hash]
	if !ok {
		return nil, false
	}
	return order.Copy(), true
}

// ByHashlock resolves an order by its hashlock. Hashlocks are unique per
// order by the secret-uniqueness invariant.
func (s *OrderStore) ByHashlock(hashlock common.Hash) (common.Hash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.byHashlock[hashlock]
	return hash, ok
}

// ByHTLC resolves an order by a chain-scoped HTLC id.
func (s *OrderStore) ByHTLC(chain string, htlcID common.Hash) (common.Hash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.byHTLC[htlcKey{chain, htlcID}]
	return hash, ok
}

// SetSecret stores a verified preimage for an order.
func (s *OrderStore) SetSecret(hash common.Hash, secret [32]byte) {
	s.mu.Lock()
	s.secrets[hash] = secret
	s.mu.Unlock()
	secretGauge.Update(int64(s.SecretCount()))
}

// Secret returns the stored preimage, if revealed.
func (s *OrderStore) Secret(hash common.Hash) ([32]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[hash]
	return secret, ok
}

// SecretCount returns the number of preimages currently held.
func (s *OrderStore) SecretCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.secrets)
}

// NonTerminal returns copies of every order still in flight.
func (s *OrderStore) NonTerminal() []*types.CrossChainOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.CrossChainOrder
	for _, order := range s.orders {
		if !order.State.Terminal() {
			out = append(out, order.Copy())
		}
	}
	return out
}

// RefundPending returns copies of Failed orders with escrow still to recover.
// These fall outside NonTerminal but the timeout sweep must keep visiting
// them until the refunds confirm.
func (s *OrderStore) RefundPending() []*types.CrossChainOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.CrossChainOrder
	for _, order := range s.orders {
		if order.RefundOutstanding() {
			out = append(out, order.Copy())
		}
	}
	return out
}

// All returns copies of every tracked order.
func (s *OrderStore) All() []*types.CrossChainOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.CrossChainOrder, 0, len(s.orders))
	for _, order := range s.orders {
		out = append(out, order.Copy())
	}
	return out
}

// GC drops terminal orders older than the retention horizon, together with
// their secrets and indexes. Returns the number of orders collected.
func (s *OrderStore) GC(retention time.Duration) int {
	cutoff := s.now().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	var victims []common.Hash
	for hash, order := range s.orders {
		if !order.State.Terminal() || !order.UpdatedAt.Before(cutoff) {
			continue
		}
		// A breached order that still owes a refund stays until the
		// chain confirms it, or the sweep loses its last route to the
		// escrow.
		if order.RefundOutstanding() {
			continue
		}
		victims = append(victims, hash)
	}
	for _, hash := range victims {
		s.dropLocked(hash)
	}
	if len(victims) > 0 {
		s.log.Debug("Collected terminal orders", "count", len(victims))
	}
	return len(victims)
}

// Backpressured reports whether inserts from the chain were recently
// rejected at capacity.
func (s *OrderStore) Backpressured(chain string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backpressured[chain]
}

// StateCounts returns the number of orders per state.
func (s *OrderStore) StateCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, order := range s.orders {
		counts[order.State.String()]++
	}
	return counts
}
