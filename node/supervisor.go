// Package node assembles and supervises the relayer: it dials the chain
// adapters, opens the ingest database, wires the resolver and runs the
// periodic protocol passes until shutdown.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/hashbridge/relayd/chain"
	"github.com/hashbridge/relayd/chain/evm"
	"github.com/hashbridge/relayd/core"
	"github.com/hashbridge/relayd/ingest"
	"github.com/hashbridge/relayd/internal/relayapi"
	"github.com/hashbridge/relayd/params"
)

// Supervisor owns the lifecycle of every relayer component. Construction
// fails fast on invalid configuration or unreachable chains; nothing handles
// an event before both adapters are dialed and the startup reconciliation
// pass has run.
type Supervisor struct {
	cfg *params.Config
	log log.Logger

	adapters  map[string]chain.Adapter
	db        *ingest.DB
	store     *core.OrderStore
	resolver  *core.Resolver
	ingestors []*ingest.Ingestor

	httpSrv *http.Server
	rpcSrv  *rpc.Server

	startStop sync.Mutex
	started   bool

	quit chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a supervisor from validated configuration. Both chains are
// dialed here; a key or endpoint failure aborts before any event handling.
func New(cfg *params.Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := log.New("module", "node")

	db, err := ingest.Open(filepath.Join(cfg.DataDir, "ingest"))
	if err != nil {
		return nil, fmt.Errorf("open ingest database: %w", err)
	}
	adapters := make(map[string]chain.Adapter, len(cfg.Chains))
	dialCtx, cancel := context.WithTimeout(context.Background(), cfg.QueryTimeout)
	defer cancel()
	for _, cc := range cfg.Chains {
		ad, err := evm.Dial(dialCtx, evm.Config{
			Chain:             cc,
			ConfirmationDepth: cfg.ConfirmationDepth,
			MaxBlocksPerQuery: cfg.MaxBlocksPerQuery,
			RetryAttempts:     cfg.RetryAttempts,
			RetryBaseDelay:    cfg.RetryBaseDelay,
			MaxInflight:       cfg.MaxInflightSubmissions,
			QueryTimeout:      cfg.QueryTimeout,
		})
		if err != nil {
			for _, open := range adapters {
				open.Close()
			}
			db.Close()
			return nil, fmt.Errorf("dial chain %s: %w", cc.ID, err)
		}
		adapters[cc.ID] = ad
		logger.Info("Chain adapter ready", "chain", cc.ID, "submitter", ad.Submitter())
	}

	store := core.NewOrderStore(cfg.MaxPendingOrders, nil)
	resolver := core.NewResolver(cfg, adapters, store, nil)

	s := &Supervisor{
		cfg:      cfg,
		log:      logger,
		adapters: adapters,
		db:       db,
		store:    store,
		resolver: resolver,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, ad := range adapters {
		s.ingestors = append(s.ingestors, ingest.New(ingest.Config{
			PollInterval: cfg.PollingInterval,
			Window:       cfg.MaxBlocksPerQuery,
			QueryTimeout: cfg.QueryTimeout,
		}, ad, db, resolver, nil))
	}
	return s, nil
}

// Start brings the relayer up: initial fee quotes, one reconciliation pass to
// repair state the process missed while down, then the resolver, the
// ingestors, the periodic tasks and the optional control endpoint.
func (s *Supervisor) Start() error {
	s.startStop.Lock()
	defer s.startStop.Unlock()
	if s.started {
		return errors.New("supervisor already started")
	}
	s.started = true

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.QueryTimeout)
	for id, ad := range s.adapters {
		if err := ad.RefreshFees(ctx); err != nil {
			s.log.Warn("Initial fee refresh failed", "chain", id, "err", err)
		}
	}
	cancel()

	s.log.Info("Running startup reconciliation")
	recCtx, recCancel := context.WithTimeout(context.Background(), s.cfg.ReconcileInterval)
	s.resolver.Reconcile(recCtx)
	recCancel()

	s.resolver.Start()
	for _, in := range s.ingestors {
		in.Start()
	}

	s.periodic("feerefresh", s.cfg.FeeRefreshInterval, s.refreshFees)
	s.periodic("sweep", s.cfg.SweepInterval, func() {
		s.resolver.SweepExpired()
		s.resolver.MatchOrders()
	})
	s.periodic("reconcile", s.cfg.ReconcileInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReconcileInterval)
		defer cancel()
		s.resolver.Reconcile(ctx)
	})
	s.periodic("health", s.cfg.HealthInterval, s.logHealth)

	if s.cfg.RPCListenAddr != "" {
		if err := s.startRPC(); err != nil {
			s.log.Error("Control endpoint failed to start", "err", err)
			return err
		}
	}
	s.log.Info("Relayer started", "chains", len(s.adapters), "version", params.Version)
	return nil
}

// periodic runs fn on the given interval, jittered by ±10% so the tasks never
// align into bursts across chains.
func (s *Supervisor) periodic(name string, interval time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			jittered := interval + time.Duration((rand.Float64()*0.2-0.1)*float64(interval))
			select {
			case <-time.After(jittered):
				fn()
			case <-s.quit:
				return
			}
		}
	}()
	s.log.Debug("Periodic task scheduled", "task", name, "interval", interval)
}

func (s *Supervisor) refreshFees() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.QueryTimeout)
	defer cancel()
	for id, ad := range s.adapters {
		if err := ad.RefreshFees(ctx); err != nil {
			s.log.Warn("Fee refresh failed, retaining previous quote", "chain", id, "err", err)
		}
	}
}

// logHealth emits one structured line per chain plus the engine snapshot, the
// operator's steady-state signal that ingestion and resolution are moving.
func (s *Supervisor) logHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.QueryTimeout)
	defer cancel()
	for id, ad := range s.adapters {
		tip, err := ad.TipHeight(ctx)
		if err != nil {
			s.log.Warn("Health probe failed", "chain", id, "err", err)
			continue
		}
		s.log.Info("Chain health", "chain", id, "tip", tip, "backpressured", s.store.Backpressured(id))
	}
	stats := s.resolver.Stats()
	s.log.Info("Engine health", "orders", stats.Orders, "secrets", stats.Secrets,
		"matches", stats.Matches, "inflight", stats.Inflight)
}

func (s *Supervisor) startRPC() error {
	api := relayapi.New(s.resolver, s.adapters, s.cfg)
	srv := rpc.NewServer()
	if err := srv.RegisterName("relay", api); err != nil {
		return err
	}
	listener, err := net.Listen("tcp", s.cfg.RPCListenAddr)
	if err != nil {
		return err
	}
	s.rpcSrv = srv
	s.httpSrv = &http.Server{Handler: srv}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Control endpoint terminated", "err", err)
		}
	}()
	s.log.Info("Control endpoint listening", "addr", listener.Addr())
	return nil
}

// Close tears the relayer down in dependency order: stop ingesting, let the
// inflight actions drain within the shutdown grace, then close the resolver,
// the endpoint, the database and the RPC connections.
func (s *Supervisor) Close() {
	s.startStop.Lock()
	defer s.startStop.Unlock()

	select {
	case <-s.quit:
		return
	default:
	}
	s.log.Info("Shutting down", "grace", s.cfg.ShutdownGrace)

	for _, in := range s.ingestors {
		in.Stop()
	}
	close(s.quit)

	// Give periodic tasks and the endpoint the grace window to drain.
	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		s.httpSrv.Shutdown(ctx)
		cancel()
	}
	select {
	case <-drained:
	case <-time.After(s.cfg.ShutdownGrace):
		s.log.Warn("Shutdown grace elapsed, abandoning inflight work")
	}
	if s.rpcSrv != nil {
		s.rpcSrv.Stop()
	}
	s.resolver.Stop()
	for id, ad := range s.adapters {
		ad.Close()
		s.log.Debug("Chain adapter closed", "chain", id)
	}
	if err := s.db.Close(); err != nil {
		s.log.Warn("Ingest database close failed", "err", err)
	}
	close(s.done)
	s.log.Info("Shutdown complete")
}

// Wait blocks until Close finishes.
func (s *Supervisor) Wait() {
	<-s.done
}
