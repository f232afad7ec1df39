package core

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hashbridge/relayd/core/types"
)

// maxOrphanEvents bounds the parked-event pool.
const maxOrphanEvents = 4096

// orphanPool parks events that arrive before the state they attach to. The
// chains are polled independently, so a target-side lock or claim can be
// observed before the order that explains it; parking keeps such events
// replayable instead of losing them to the delivery dedup. Bounded FIFO, the
// oldest parked event is evicted first.
type orphanPool struct {
	mu    sync.Mutex
	byKey map[string][]*types.ChainEvent
	fifo  []string
	count int
	limit int
}

func newOrphanPool(limit int) *orphanPool {
	return &orphanPool{
		byKey: make(map[string][]*types.ChainEvent),
		limit: limit,
	}
}

// park stores an event under key, evicting the oldest parked event when the
// pool is at its limit.
func (p *orphanPool) park(key string, ev *types.ChainEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.count >= p.limit && len(p.fifo) > 0 {
		old := p.fifo[0]
		p.fifo = p.fifo[1:]
		evs := p.byKey[old]
		if len(evs) == 0 {
			// Stale fifo entry left behind by take.
			continue
		}
		if len(evs) == 1 {
			delete(p.byKey, old)
		} else {
			p.byKey[old] = evs[1:]
		}
		p.count--
		break
	}
	p.byKey[key] = append(p.byKey[key], ev)
	p.fifo = append(p.fifo, key)
	p.count++
}

// take removes and returns every event parked under key, in arrival order.
func (p *orphanPool) take(key string) []*types.ChainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	evs := p.byKey[key]
	if len(evs) == 0 {
		return nil
	}
	delete(p.byKey, key)
	p.count -= len(evs)
	return evs
}

func (p *orphanPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// hashlockOrphanKey indexes HTLC creations awaiting their order.
func hashlockOrphanKey(hashlock common.Hash) string {
	return "hashlock/" + hashlock.Hex()
}

// htlcOrphanKey indexes claims and refunds awaiting their HTLC attachment.
func htlcOrphanKey(chain string, htlcID common.Hash) string {
	return "htlc/" + chain + "/" + htlcID.Hex()
}
