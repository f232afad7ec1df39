// Package relayapi exposes the relayer's control surface over JSON-RPC under
// the "relay" namespace: manual fulfillment, order inspection, engine
// statistics and a health probe.
package relayapi

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/hashbridge/relayd/chain"
	"github.com/hashbridge/relayd/core"
	"github.com/hashbridge/relayd/core/types"
	"github.com/hashbridge/relayd/params"
)

// API is the relay namespace handler.
type API struct {
	resolver *core.Resolver
	adapters map[string]chain.Adapter
	cfg      *params.Config
	started  time.Time
}

// New creates the relay namespace API.
func New(resolver *core.Resolver, adapters map[string]chain.Adapter, cfg *params.Config) *API {
	return &API{
		resolver: resolver,
		adapters: adapters,
		cfg:      cfg,
		started:  time.Now(),
	}
}

// SubmitFulfill hands the resolver the preimage for an order. The secret must
// be exactly 32 bytes and hash to the order's hashlock; the resolver then
// drives target-side fulfillment and claim propagation.
func (api *API) SubmitFulfill(orderHash common.Hash, secret hexutil.Bytes) error {
	if len(secret) != params.SecretLength {
		return types.ErrBadSecretLength
	}
	var s [32]byte
	copy(s[:], secret)
	return api.resolver.SubmitFulfill(orderHash, s)
}

// OrderResult is the external view of a tracked order. Secrets are never
// exposed, only whether one is held.
type OrderResult struct {
	OrderHash      common.Hash    `json:"orderHash"`
	SourceChain    string         `json:"sourceChain"`
	TargetChain    string         `json:"targetChain"`
	TokenIn        common.Address `json:"tokenIn"`
	TokenOut       common.Address `json:"tokenOut"`
	AmountIn       *hexutil.Big   `json:"amountIn"`
	AmountOut      *hexutil.Big   `json:"amountOut"`
	Maker          common.Address `json:"maker"`
	Receiver       common.Address `json:"receiver"`
	Hashlock       common.Hash    `json:"hashlock"`
	Timelock       uint64         `json:"timelock"`
	TargetTimelock uint64         `json:"targetTimelock,omitempty"`
	State          string         `json:"state"`
	NeedsAttention bool           `json:"needsAttention,omitempty"`
	SourceHTLCID   *common.Hash   `json:"sourceHtlcId,omitempty"`
	TargetHTLCID   *common.Hash   `json:"targetHtlcId,omitempty"`
	SecretKnown    bool           `json:"secretKnown"`
	MatchedWith    *common.Hash   `json:"matchedWith,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// GetOrder returns the relayer's view of one order.
func (api *API) GetOrder(orderHash common.Hash) (*OrderResult, error) {
	order, ok := api.resolver.Store().Get(orderHash)
	if !ok {
		return nil, core.ErrOrderNotFound
	}
	return api.format(order), nil
}

// ListOrders returns every tracked order, terminal ones included until the
// retention horizon collects them.
func (api *API) ListOrders() []*OrderResult {
	orders := api.resolver.Store().All()
	out := make([]*OrderResult, 0, len(orders))
	for _, order := range orders {
		out = append(out, api.format(order))
	}
	return out
}

func (api *API) format(order *types.CrossChainOrder) *OrderResult {
	res := &OrderResult{
		OrderHash:      order.OrderHash,
		SourceChain:    order.SourceChain,
		TargetChain:    order.TargetChain,
		TokenIn:        order.TokenIn,
		TokenOut:       order.TokenOut,
		AmountIn:       (*hexutil.Big)(order.AmountIn),
		AmountOut:      (*hexutil.Big)(order.AmountOut),
		Maker:          order.Maker,
		Receiver:       order.Receiver,
		Hashlock:       order.Hashlock,
		Timelock:       order.Timelock,
		TargetTimelock: order.TargetTimelock,
		State:          order.State.String(),
		NeedsAttention: order.NeedsAttention,
		CreatedAt:      order.CreatedAt,
		UpdatedAt:      order.UpdatedAt,
	}
	if order.HasSourceHTLC() {
		id := order.SourceHTLCID
		res.SourceHTLCID = &id
	}
	if order.HasTargetHTLC() {
		id := order.TargetHTLCID
		res.TargetHTLCID = &id
	}
	if _, ok := api.resolver.Store().Secret(order.OrderHash); ok {
		res.SecretKnown = true
	}
	if counter, ok := api.resolver.MatchOf(order.OrderHash); ok {
		res.MatchedWith = &counter
	}
	return res
}

// Stats returns the engine snapshot: order counts per state, held secrets,
// match pairs and submission queue pressure.
func (api *API) Stats() *core.Stats {
	return api.resolver.Stats()
}

// ChainHealth is one chain's probe result.
type ChainHealth struct {
	Tip           uint64 `json:"tip,omitempty"`
	Reachable     bool   `json:"reachable"`
	Backpressured bool   `json:"backpressured"`
	Error         string `json:"error,omitempty"`
}

// HealthResult is the liveness snapshot the probe endpoint serves.
type HealthResult struct {
	Version string                 `json:"version"`
	Uptime  string                 `json:"uptime"`
	Chains  map[string]ChainHealth `json:"chains"`
}

// Health probes both chains and reports reachability alongside process
// uptime. A chain probe failure degrades the result rather than erroring.
func (api *API) Health(ctx context.Context) *HealthResult {
	res := &HealthResult{
		Version: params.Version,
		Uptime:  time.Since(api.started).Round(time.Second).String(),
		Chains:  make(map[string]ChainHealth, len(api.adapters)),
	}
	for id, ad := range api.adapters {
		probeCtx, cancel := context.WithTimeout(ctx, api.cfg.QueryTimeout)
		tip, err := ad.TipHeight(probeCtx)
		cancel()
		health := ChainHealth{
			Backpressured: api.resolver.Store().Backpressured(id),
		}
		if err != nil {
			health.Error = err.Error()
		} else {
			health.Reachable = true
			health.Tip = tip
		}
		res.Chains[id] = health
	}
	return res
}
