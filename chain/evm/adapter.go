package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/hashbridge/relayd/chain"
	"github.com/hashbridge/relayd/core/types"
	"github.com/hashbridge/relayd/params"
)

const (
	// receiptPollInterval is the cadence of receipt polling after a
	// submission.
	receiptPollInterval = 2 * time.Second

	// gasPadNum/gasPadDen pad the gas estimate by 20%.
	gasPadNum = 12
	gasPadDen = 10

	// defaultMinGasLimit floors padded estimates when the chain config
	// does not set one.
	defaultMinGasLimit = 100_000
)

var errClosed = errors.New("adapter closed")

// Config carries the per-chain settings plus the shared relayer policy the
// adapter enforces.
type Config struct {
	Chain params.ChainConfig

	ConfirmationDepth uint64
	MaxBlocksPerQuery uint64
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	MaxInflight       int64
	QueryTimeout      time.Duration
}

// Adapter is the EVM realization of chain.Adapter. One instance serves one
// ledger; chain identity is carried as data in every event it emits.
type Adapter struct {
	cfg    Config
	client *ethclient.Client
	log    log.Logger

	key   *ecdsa.PrivateKey
	from  common.Address
	netID *big.Int

	feeMu sync.RWMutex
	fee   chain.FeeQuote

	// nonceMu serializes nonce acquisition and broadcast so concurrent
	// submissions cannot race the same nonce.
	nonceMu sync.Mutex

	// sem bounds in-flight submissions per chain.
	sem *semaphore.Weighted

	quit chan struct{}
}

// Dial connects the adapter, resolving the numeric network id and the
// submission key. Key and connection failures are fatal: the relayer must
// not start handling events without submission capability.
func Dial(ctx context.Context, cfg Config) (*Adapter, error) {
	key, err := crypto.HexToECDSA(cfg.Chain.Key)
	if err != nil {
		return nil, chain.NewError(chain.Fatal, cfg.Chain.ID, "loadKey", err)
	}
	client, err := ethclient.DialContext(ctx, cfg.Chain.RPC)
	if err != nil {
		return nil, chain.NewError(chain.Fatal, cfg.Chain.ID, "dial", err)
	}
	netID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, chain.NewError(chain.Fatal, cfg.Chain.ID, "chainId", err)
	}
	if cfg.Chain.MinGasLimit == 0 {
		cfg.Chain.MinGasLimit = defaultMinGasLimit
	}
	a := &Adapter{
		cfg:    cfg,
		client: client,
		log:    log.New("chain", cfg.Chain.ID),
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
		netID:  netID,
		sem:    semaphore.NewWeighted(cfg.MaxInflight),
		quit:   make(chan struct{}),
	}
	a.log.Info("Chain adapter connected", "rpc", cfg.Chain.RPC, "networkId", netID, "submitter", a.from)
	return a, nil
}

// ChainID returns the symbolic chain identifier.
func (a *Adapter) ChainID() string { return a.cfg.Chain.ID }

// Submitter returns the address transactions are sent from.
func (a *Adapter) Submitter() common.Address { return a.from }

// TipHeight returns the current head height.
func (a *Adapter) TipHeight(ctx context.Context) (uint64, error) {
	var tip uint64
	err := a.retryRead(ctx, "blockNumber", func(ctx context.Context) error {
		var err error
		tip, err = a.client.BlockNumber(ctx)
		return err
	})
	return tip, err
}

// ConfirmedHeight returns max(0, tip - K).
func (a *Adapter) ConfirmedHeight(ctx context.Context) (uint64, error) {
	tip, err := a.TipHeight(ctx)
	if err != nil {
		return 0, err
	}
	if tip < a.cfg.ConfirmationDepth {
		return 0, nil
	}
	return tip - a.cfg.ConfirmationDepth, nil
}

// QueryEvents fetches and normalizes contract logs in [from, to]. The window
// is clamped to the configured maximum; any log that fails structural decode
// fails the whole call so the caller never advances past it.
func (a *Adapter) QueryEvents(ctx context.Context, from, to uint64) ([]*types.ChainEvent, error) {
	if to < from {
		return nil, nil
	}
	if to-from+1 > a.cfg.MaxBlocksPerQuery {
		to = from + a.cfg.MaxBlocksPerQuery - 1
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{a.cfg.Chain.HTLCContract, a.cfg.Chain.BridgeContract},
	}
	var logs []ethtypes.Log
	err := a.retryRead(ctx, "filterLogs", func(ctx context.Context) error {
		var err error
		logs, err = a.client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}
	events := make([]*types.ChainEvent, 0, len(logs))
	for i := range logs {
		if logs[i].Removed {
			continue
		}
		ev, err := decodeLog(a.cfg.Chain.ID, &logs[i])
		if err != nil {
			queryDecodeErrorMeter.Mark(1)
			return nil, chain.NewError(chain.Decode, a.cfg.Chain.ID, "decodeLog", err)
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	types.SortEvents(events)
	queryEventMeter.Mark(int64(len(events)))
	return events, nil
}

// Submit signs and broadcasts the transaction for an action. Transient
// broadcast failures are retried on the exponential schedule; exhaustion
// surfaces a SubmitExhausted error.
func (a *Adapter) Submit(ctx context.Context, action *chain.Action) (common.Hash, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return common.Hash{}, chain.NewError(chain.Transient, a.cfg.Chain.ID, "submit", err)
	}
	defer a.sem.Release(1)

	to, data, value, err := a.buildCall(action)
	if err != nil {
		return common.Hash{}, chain.NewError(chain.Fatal, a.cfg.Chain.ID, "buildCall", err)
	}

	var lastErr error
	for attempt := 0; attempt < a.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := a.cfg.RetryBaseDelay << (attempt - 1)
			submitRetryMeter.Mark(1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return common.Hash{}, chain.NewError(chain.Transient, a.cfg.Chain.ID, "submit", ctx.Err())
			case <-a.quit:
				return common.Hash{}, chain.NewError(chain.Transient, a.cfg.Chain.ID, "submit", errClosed)
			}
		}
		txHash, err := a.submitOnce(ctx, to, data, value)
		if err == nil {
			a.log.Debug("Action submitted", "action", action, "tx", txHash)
			submitMeter.Mark(1)
			return txHash, nil
		}
		lastErr = err
		a.log.Warn("Submission attempt failed", "action", action, "attempt", attempt+1, "err", err)
	}
	submitExhaustedMeter.Mark(1)
	return common.Hash{}, chain.NewError(chain.SubmitExhausted, a.cfg.Chain.ID, "submit", lastErr)
}

func (a *Adapter) submitOnce(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	gas, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  a.from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	gas = gas * gasPadNum / gasPadDen
	if gas < a.cfg.Chain.MinGasLimit {
		gas = a.cfg.Chain.MinGasLimit
	}
	quote := a.FeeQuote()
	if quote.GasFeeCap == nil && quote.Legacy == nil {
		// First submission before any refresh ran.
		price, err := a.client.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("gas price: %w", err)
		}
		quote.Legacy = price
	}

	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()

	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	var tx *ethtypes.Transaction
	if quote.GasFeeCap != nil {
		tx = ethtypes.NewTx(&ethtypes.DynamicFeeTx{
			ChainID:   a.netID,
			Nonce:     nonce,
			GasTipCap: quote.GasTipCap,
			GasFeeCap: quote.GasFeeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      data,
		})
	} else {
		tx = ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: quote.Legacy,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     data,
		})
	}
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(a.netID), a.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send: %w", err)
	}
	return signed.Hash(), nil
}

// buildCall translates an action into (contract, calldata, value).
func (a *Adapter) buildCall(action *chain.Action) (common.Address, []byte, *big.Int, error) {
	value := new(big.Int)
	switch action.Kind {
	case chain.ActCreateHTLC:
		data, err := htlcABI.Pack("create", action.Receiver, [32]byte(action.Hashlock),
			new(big.Int).SetUint64(action.Timelock), action.Token, action.Amount)
		if err != nil {
			return common.Address{}, nil, nil, err
		}
		if action.Token == types.NativeToken {
			value = value.Set(action.Amount)
		}
		return a.cfg.Chain.HTLCContract, data, value, nil

	case chain.ActClaim:
		data, err := htlcABI.Pack("claim", [32]byte(action.HTLCID), action.Secret)
		if err != nil {
			return common.Address{}, nil, nil, err
		}
		return a.cfg.Chain.HTLCContract, data, value, nil

	case chain.ActRefund:
		data, err := htlcABI.Pack("refund", [32]byte(action.HTLCID))
		if err != nil {
			return common.Address{}, nil, nil, err
		}
		return a.cfg.Chain.HTLCContract, data, value, nil

	case chain.ActProcessIncomingOrder:
		data, err := bridgeABI.Pack("processIncomingOrder", [32]byte(action.OrderHash),
			action.Receiver, action.Token, action.Amount, [32]byte(action.Hashlock),
			new(big.Int).SetUint64(action.Timelock))
		if err != nil {
			return common.Address{}, nil, nil, err
		}
		return a.cfg.Chain.BridgeContract, data, value, nil

	case chain.ActFulfillIncomingOrder:
		data, err := bridgeABI.Pack("fulfillIncomingOrder", [32]byte(action.OrderHash), action.Secret)
		if err != nil {
			return common.Address{}, nil, nil, err
		}
		if action.Token == types.NativeToken && action.Amount != nil {
			value = value.Set(action.Amount)
		}
		return a.cfg.Chain.BridgeContract, data, value, nil

	case chain.ActRefundOrder:
		data, err := bridgeABI.Pack("refund", [32]byte(action.OrderHash))
		if err != nil {
			return common.Address{}, nil, nil, err
		}
		return a.cfg.Chain.BridgeContract, data, value, nil
	}
	return common.Address{}, nil, nil, fmt.Errorf("unknown action kind %d", action.Kind)
}

// WaitForReceipt polls until the transaction is mined or the timeout
// elapses. Receipt logs are normalized where they decode; foreign logs in
// the same transaction are ignored.
func (a *Adapter) WaitForReceipt(ctx context.Context, tx common.Hash, timeout time.Duration) (*chain.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.client.TransactionReceipt(ctx, tx)
		if err == nil && receipt != nil {
			out := &chain.Receipt{
				TxHash: tx,
				Status: receipt.Status,
				Height: receipt.BlockNumber.Uint64(),
			}
			for _, lg := range receipt.Logs {
				ev, err := decodeLog(a.cfg.Chain.ID, lg)
				if err == nil && ev != nil {
					out.Logs = append(out.Logs, ev)
				}
			}
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, chain.NewError(chain.Transient, a.cfg.Chain.ID, "waitReceipt", ctx.Err())
		case <-a.quit:
			return nil, chain.NewError(chain.Transient, a.cfg.Chain.ID, "waitReceipt", errClosed)
		case <-ticker.C:
		}
	}
}

// OrderView reads the bridge's authoritative order state.
func (a *Adapter) OrderView(ctx context.Context, orderHash common.Hash) (*types.OrderView, error) {
	data, err := bridgeABI.Pack("getOrder", [32]byte(orderHash))
	if err != nil {
		return nil, chain.NewError(chain.Fatal, a.cfg.Chain.ID, "getOrder", err)
	}
	out, err := a.call(ctx, a.cfg.Chain.BridgeContract, data)
	if err != nil {
		return nil, err
	}
	vals, err := bridgeABI.Unpack("getOrder", out)
	if err != nil || len(vals) != 4 {
		return nil, chain.NewError(chain.Decode, a.cfg.Chain.ID, "getOrder", err)
	}
	view := &types.OrderView{}
	var ok bool
	if view.Exists, ok = vals[0].(bool); !ok {
		return nil, chain.NewError(chain.Decode, a.cfg.Chain.ID, "getOrder", fmt.Errorf("exists has type %T", vals[0]))
	}
	view.Locked, _ = vals[1].(bool)
	view.Claimed, _ = vals[2].(bool)
	view.Refunded, _ = vals[3].(bool)
	return view, nil
}

// HTLCView reads the HTLC contract's authoritative state for an id.
func (a *Adapter) HTLCView(ctx context.Context, htlcID common.Hash) (*types.HTLCView, error) {
	data, err := htlcABI.Pack("getHTLC", [32]byte(htlcID))
	if err != nil {
		return nil, chain.NewError(chain.Fatal, a.cfg.Chain.ID, "getHTLC", err)
	}
	out, err := a.call(ctx, a.cfg.Chain.HTLCContract, data)
	if err != nil {
		return nil, err
	}
	vals, err := htlcABI.Unpack("getHTLC", out)
	if err != nil || len(vals) != 8 {
		return nil, chain.NewError(chain.Decode, a.cfg.Chain.ID, "getHTLC", err)
	}
	phase, ok := vals[6].(uint8)
	if !ok {
		return nil, chain.NewError(chain.Decode, a.cfg.Chain.ID, "getHTLC", fmt.Errorf("phase has type %T", vals[6]))
	}
	view := &types.HTLCView{
		Exists: phase != uint8(types.HTLCEmpty),
		Phase:  types.HTLCPhase(phase),
	}
	if secret, ok := vals[7].([32]byte); ok {
		view.Secret = common.Hash(secret)
	}
	return view, nil
}

func (a *Adapter) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := a.retryRead(ctx, "call", func(ctx context.Context) error {
		var err error
		out, err = a.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	return out, err
}

// FeeQuote returns the last fetched quote; the zero quote (nil caps) before
// the first refresh falls back to a fresh legacy suggestion at submit time.
func (a *Adapter) FeeQuote() *chain.FeeQuote {
	a.feeMu.RLock()
	defer a.feeMu.RUnlock()
	quote := a.fee
	return &quote
}

// RefreshFees fetches a new fee quote. Dynamic-fee chains get a tip cap plus
// a fee cap of twice the base fee; others fall back to the legacy gas price.
// On any failure the previous quote is retained.
func (a *Adapter) RefreshFees(ctx context.Context) error {
	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		feeRefreshFailMeter.Mark(1)
		return chain.NewError(chain.Transient, a.cfg.Chain.ID, "feeHead", err)
	}
	quote := chain.FeeQuote{FetchedAt: time.Now()}
	if head.BaseFee != nil {
		tip, err := a.client.SuggestGasTipCap(ctx)
		if err != nil {
			feeRefreshFailMeter.Mark(1)
			return chain.NewError(chain.Transient, a.cfg.Chain.ID, "feeTip", err)
		}
		quote.GasTipCap = tip
		quote.GasFeeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	} else {
		price, err := a.client.SuggestGasPrice(ctx)
		if err != nil {
			feeRefreshFailMeter.Mark(1)
			return chain.NewError(chain.Transient, a.cfg.Chain.ID, "feePrice", err)
		}
		quote.Legacy = price
	}
	a.feeMu.Lock()
	a.fee = quote
	a.feeMu.Unlock()
	feeRefreshMeter.Mark(1)
	return nil
}

// Close releases the RPC connection and aborts pending waits.
func (a *Adapter) Close() {
	close(a.quit)
	a.client.Close()
}

// retryRead runs a read call with short exponential backoff, bounded by the
// configured attempts and the caller's deadline.
func (a *Adapter) retryRead(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < a.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(a.cfg.RetryBaseDelay << (attempt - 1)):
			case <-ctx.Done():
				return chain.NewError(chain.Transient, a.cfg.Chain.ID, op, ctx.Err())
			case <-a.quit:
				return chain.NewError(chain.Transient, a.cfg.Chain.ID, op, errClosed)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return chain.NewError(chain.Transient, a.cfg.Chain.ID, op, lastErr)
}
