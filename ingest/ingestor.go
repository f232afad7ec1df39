package ingest

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/hashbridge/relayd/chain"
	"github.com/hashbridge/relayd/core/types"
)

// coldStartLookback bounds how far behind the confirmed height a fresh
// service starts scanning, so a first boot never replays deep history.
const coldStartLookback = 100

// seenRetentionWindows is how many query windows of seen-event keys are kept
// behind the cursor before pruning.
const seenRetentionWindows = 4

// Sink consumes normalized events in (height, logIndex) order. Delivery is
// at-least-once: the sink must deduplicate by event identity.
type Sink interface {
	HandleEvent(ev *types.ChainEvent) error
}

// Config tunes one ingestor.
type Config struct {
	PollInterval time.Duration
	Window       uint64
	QueryTimeout time.Duration
}

// Ingestor advances one chain's cursor through confirmed blocks, delivering
// the decoded events to the sink strictly in order. The cursor is committed
// only after every event in the window was dispatched, so a crash replays
// rather than skips.
type Ingestor struct {
	cfg     Config
	adapter chain.Adapter
	db      *DB
	sink    Sink
	clock   mclock.Clock
	log     log.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates an ingestor for the adapter's chain.
func New(cfg Config, adapter chain.Adapter, db *DB, sink Sink, clock mclock.Clock) *Ingestor {
	if clock == nil {
		clock = mclock.System{}
	}
	return &Ingestor{
		cfg:     cfg,
		adapter: adapter,
		db:      db,
		sink:    sink,
		clock:   clock,
		log:     log.New("chain", adapter.ChainID()),
		quit:    make(chan struct{}),
	}
}

// Start boots the polling loop.
func (in *Ingestor) Start() {
	in.wg.Add(1)
	go in.loop()
}

// Stop terminates the polling loop and waits for it to exit.
func (in *Ingestor) Stop() {
	close(in.quit)
	in.wg.Wait()
}

func (in *Ingestor) loop() {
	defer in.wg.Done()

	for {
		if err := in.Poll(); err != nil {
			in.log.Warn("Ingestion poll failed", "err", err)
			pollErrorMeter.Mark(1)
		}
		// Jitter the interval by ±10% to avoid synchronized bursts
		// across chains.
		interval := in.cfg.PollInterval
		interval += time.Duration((rand.Float64()*0.2 - 0.1) * float64(interval))
		select {
		case <-in.clock.After(interval):
		case <-in.quit:
			return
		}
	}
}

// Poll runs one ingestion round: read the confirmed height, fetch at most one
// window of events past the cursor, dispatch them in order, then commit the
// cursor. Any failure leaves the cursor untouched; the next round replays.
func (in *Ingestor) Poll() error {
	ctx, cancel := context.WithTimeout(context.Background(), in.cfg.QueryTimeout)
	defer cancel()

	chainID := in.adapter.ChainID()

	cur, ok, err := in.db.Cursor(chainID)
	if err != nil {
		return err
	}
	conf, err := in.adapter.ConfirmedHeight(ctx)
	if err != nil {
		return err
	}
	if !ok {
		// Cold start: begin a bounded distance behind the confirmed
		// height rather than rescanning history.
		cur = 0
		if conf > coldStartLookback {
			cur = conf - coldStartLookback
		}
		if err := in.db.SetCursor(chainID, cur); err != nil {
			return err
		}
		in.log.Info("Initialized ingestion cursor", "height", cur, "confirmed", conf)
	}
	if conf <= cur {
		return nil
	}
	from := cur + 1
	to := conf
	if to > cur+in.cfg.Window {
		to = cur + in.cfg.Window
	}
	events, err := in.adapter.QueryEvents(ctx, from, to)
	if err != nil {
		// On a decode failure the cursor must not advance past the
		// offending block; the operator alert is the error log here.
		if chain.IsDecode(err) {
			in.log.Error("Malformed chain data, cursor held", "from", from, "to", to, "err", err)
		}
		return err
	}
	for _, ev := range events {
		seen, err := in.db.Seen(ev.Chain, ev.Height, ev.ID())
		if err != nil {
			return err
		}
		if seen {
			replayFilteredMeter.Mark(1)
			continue
		}
		if err := in.sink.HandleEvent(ev); err != nil {
			// The sink did not consume the event, order-table
			// backpressure for instance. Hold the cursor so the
			// window replays once it can.
			return err
		}
		if err := in.db.MarkSeen(ev.Chain, ev.Height, ev.ID()); err != nil {
			return err
		}
		deliveredMeter.Mark(1)
	}
	if err := in.db.SetCursor(chainID, to); err != nil {
		return err
	}
	cursorGauge(chainID).Update(int64(to))

	// Opportunistic cleanup of seen keys the cursor has left far behind.
	if retain := in.cfg.Window * seenRetentionWindows; to > retain {
		if err := in.db.PruneSeen(chainID, to-retain); err != nil {
			in.log.Debug("Seen-set prune failed", "err", err)
		}
	}
	return nil
}
