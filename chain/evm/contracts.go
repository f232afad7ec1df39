// Package evm implements the chain.Adapter capability set over an EVM ledger
// reached through JSON-RPC.
package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/hashbridge/relayd/core/types"
)

// Minimal ABI fragments for the two watched contracts. Declared inline so the
// adapter carries no external artifact dependency; only the events and
// methods the relayer uses are present.
const htlcABIJSON = `[
  {"type":"event","name":"HTLCCreated","anonymous":false,"inputs":[
    {"indexed":true,"name":"htlcId","type":"bytes32"},
    {"indexed":true,"name":"sender","type":"address"},
    {"indexed":true,"name":"receiver","type":"address"},
    {"indexed":false,"name":"token","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":false,"name":"hashlock","type":"bytes32"},
    {"indexed":false,"name":"timelock","type":"uint256"}]},
  {"type":"event","name":"HTLCClaimed","anonymous":false,"inputs":[
    {"indexed":true,"name":"htlcId","type":"bytes32"},
    {"indexed":false,"name":"secret","type":"bytes32"}]},
  {"type":"event","name":"HTLCRefunded","anonymous":false,"inputs":[
    {"indexed":true,"name":"htlcId","type":"bytes32"}]},
  {"type":"function","name":"create","stateMutability":"payable","inputs":[
    {"name":"receiver","type":"address"},
    {"name":"hashlock","type":"bytes32"},
    {"name":"timelock","type":"uint256"},
    {"name":"token","type":"address"},
    {"name":"amount","type":"uint256"}],
   "outputs":[{"name":"htlcId","type":"bytes32"}]},
  {"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[
    {"name":"htlcId","type":"bytes32"},
    {"name":"secret","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
    {"name":"htlcId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getHTLC","stateMutability":"view","inputs":[
    {"name":"htlcId","type":"bytes32"}],
   "outputs":[
    {"name":"sender","type":"address"},
    {"name":"receiver","type":"address"},
    {"name":"token","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"hashlock","type":"bytes32"},
    {"name":"timelock","type":"uint256"},
    {"name":"phase","type":"uint8"},
    {"name":"secret","type":"bytes32"}]}
]`

const bridgeABIJSON = `[
  {"type":"event","name":"OrderCreated","anonymous":false,"inputs":[
    {"indexed":true,"name":"orderHash","type":"bytes32"},
    {"indexed":true,"name":"maker","type":"address"},
    {"indexed":false,"name":"receiver","type":"address"},
    {"indexed":false,"name":"tokenIn","type":"address"},
    {"indexed":false,"name":"tokenOut","type":"address"},
    {"indexed":false,"name":"amountIn","type":"uint256"},
    {"indexed":false,"name":"amountOut","type":"uint256"},
    {"indexed":false,"name":"hashlock","type":"bytes32"},
    {"indexed":false,"name":"timelock","type":"uint256"},
    {"indexed":false,"name":"targetChain","type":"string"}]},
  {"type":"event","name":"OrderFulfilled","anonymous":false,"inputs":[
    {"indexed":true,"name":"orderHash","type":"bytes32"},
    {"indexed":false,"name":"secret","type":"bytes32"}]},
  {"type":"event","name":"OrderRefunded","anonymous":false,"inputs":[
    {"indexed":true,"name":"orderHash","type":"bytes32"}]},
  {"type":"function","name":"processIncomingOrder","stateMutability":"nonpayable","inputs":[
    {"name":"orderHash","type":"bytes32"},
    {"name":"receiver","type":"address"},
    {"name":"tokenOut","type":"address"},
    {"name":"amountOut","type":"uint256"},
    {"name":"hashlock","type":"bytes32"},
    {"name":"timelock","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"fulfillIncomingOrder","stateMutability":"payable","inputs":[
    {"name":"orderHash","type":"bytes32"},
    {"name":"secret","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
    {"name":"orderHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getOrder","stateMutability":"view","inputs":[
    {"name":"orderHash","type":"bytes32"}],
   "outputs":[
    {"name":"exists","type":"bool"},
    {"name":"locked","type":"bool"},
    {"name":"claimed","type":"bool"},
    {"name":"refunded","type":"bool"}]}
]`

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}

var (
	htlcABI   = mustParseABI(htlcABIJSON)
	bridgeABI = mustParseABI(bridgeABIJSON)

	evHTLCCreated    = htlcABI.Events["HTLCCreated"].ID
	evHTLCClaimed    = htlcABI.Events["HTLCClaimed"].ID
	evHTLCRefunded   = htlcABI.Events["HTLCRefunded"].ID
	evOrderCreated   = bridgeABI.Events["OrderCreated"].ID
	evOrderFulfilled = bridgeABI.Events["OrderFulfilled"].ID
	evOrderRefunded  = bridgeABI.Events["OrderRefunded"].ID
)

// decodeLog normalizes one contract log into a ChainEvent. Unknown topics
// return (nil, nil) and are skipped; structural failures return an error so
// the whole query fails and the cursor stays put.
func decodeLog(chainID string, lg *ethtypes.Log) (*types.ChainEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}
	ev := &types.ChainEvent{
		Chain:    chainID,
		Height:   lg.BlockNumber,
		TxHash:   lg.TxHash,
		LogIndex: lg.Index,
	}
	switch lg.Topics[0] {
	case evHTLCCreated:
		if len(lg.Topics) < 4 {
			return nil, fmt.Errorf("HTLCCreated: want 4 topics, got %d", len(lg.Topics))
		}
		vals, err := htlcABI.Unpack("HTLCCreated", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("HTLCCreated data: %w", err)
		}
		token, amount, hashlock, timelock, err := unpackHTLCTail(vals)
		if err != nil {
			return nil, fmt.Errorf("HTLCCreated data: %w", err)
		}
		ev.Kind = types.EvHTLCCreated
		ev.HTLC = &types.HTLCInfo{
			HTLCID:   lg.Topics[1],
			Sender:   common.BytesToAddress(lg.Topics[2].Bytes()),
			Receiver: common.BytesToAddress(lg.Topics[3].Bytes()),
			Token:    token,
			Amount:   amount,
			Hashlock: hashlock,
			Timelock: timelock,
		}

	case evHTLCClaimed:
		if len(lg.Topics) < 2 {
			return nil, fmt.Errorf("HTLCClaimed: want 2 topics, got %d", len(lg.Topics))
		}
		vals, err := htlcABI.Unpack("HTLCClaimed", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("HTLCClaimed data: %w", err)
		}
		secret, ok := vals[0].([32]byte)
		if !ok {
			return nil, fmt.Errorf("HTLCClaimed: secret has type %T", vals[0])
		}
		ev.Kind = types.EvHTLCClaimed
		ev.HTLCID = lg.Topics[1]
		ev.Secret = common.Hash(secret)

	case evHTLCRefunded:
		if len(lg.Topics) < 2 {
			return nil, fmt.Errorf("HTLCRefunded: want 2 topics, got %d", len(lg.Topics))
		}
		ev.Kind = types.EvHTLCRefunded
		ev.HTLCID = lg.Topics[1]

	case evOrderCreated:
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("OrderCreated: want 3 topics, got %d", len(lg.Topics))
		}
		vals, err := bridgeABI.Unpack("OrderCreated", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("OrderCreated data: %w", err)
		}
		info, err := unpackOrderCreated(vals)
		if err != nil {
			return nil, fmt.Errorf("OrderCreated data: %w", err)
		}
		info.OrderHash = lg.Topics[1]
		info.Maker = common.BytesToAddress(lg.Topics[2].Bytes())
		ev.Kind = types.EvOrderCreated
		ev.Order = info

	case evOrderFulfilled:
		if len(lg.Topics) < 2 {
			return nil, fmt.Errorf("OrderFulfilled: want 2 topics, got %d", len(lg.Topics))
		}
		vals, err := bridgeABI.Unpack("OrderFulfilled", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("OrderFulfilled data: %w", err)
		}
		secret, ok := vals[0].([32]byte)
		if !ok {
			return nil, fmt.Errorf("OrderFulfilled: secret has type %T", vals[0])
		}
		ev.Kind = types.EvOrderFulfilled
		ev.Order = &types.OrderInfo{OrderHash: lg.Topics[1]}
		ev.Secret = common.Hash(secret)

	case evOrderRefunded:
		if len(lg.Topics) < 2 {
			return nil, fmt.Errorf("OrderRefunded: want 2 topics, got %d", len(lg.Topics))
		}
		ev.Kind = types.EvOrderRefunded
		ev.Order = &types.OrderInfo{OrderHash: lg.Topics[1]}

	default:
		// Not one of ours.
		return nil, nil
	}
	return ev, nil
}

func unpackHTLCTail(vals []interface{}) (common.Address, *big.Int, common.Hash, uint64, error) {
	if len(vals) != 4 {
		return common.Address{}, nil, common.Hash{}, 0, fmt.Errorf("want 4 values, got %d", len(vals))
	}
	token, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, nil, common.Hash{}, 0, fmt.Errorf("token has type %T", vals[0])
	}
	amount, ok := vals[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, common.Hash{}, 0, fmt.Errorf("amount has type %T", vals[1])
	}
	hashlock, ok := vals[2].([32]byte)
	if !ok {
		return common.Address{}, nil, common.Hash{}, 0, fmt.Errorf("hashlock has type %T", vals[2])
	}
	timelock, ok := vals[3].(*big.Int)
	if !ok || !timelock.IsUint64() {
		return common.Address{}, nil, common.Hash{}, 0, fmt.Errorf("timelock has type %T", vals[3])
	}
	return token, amount, common.Hash(hashlock), timelock.Uint64(), nil
}

func unpackOrderCreated(vals []interface{}) (*types.OrderInfo, error) {
	if len(vals) != 8 {
		return nil, fmt.Errorf("want 8 values, got %d", len(vals))
	}
	receiver, ok := vals[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("receiver has type %T", vals[0])
	}
	tokenIn, ok := vals[1].(common.Address)
	if !ok {
		return nil, fmt.Errorf("tokenIn has type %T", vals[1])
	}
	tokenOut, ok := vals[2].(common.Address)
	if !ok {
		return nil, fmt.Errorf("tokenOut has type %T", vals[2])
	}
	amountIn, ok := vals[3].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("amountIn has type %T", vals[3])
	}
	amountOut, ok := vals[4].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("amountOut has type %T", vals[4])
	}
	hashlock, ok := vals[5].([32]byte)
	if !ok {
		return nil, fmt.Errorf("hashlock has type %T", vals[5])
	}
	timelock, ok := vals[6].(*big.Int)
	if !ok || !timelock.IsUint64() {
		return nil, fmt.Errorf("timelock has type %T", vals[6])
	}
	targetChain, ok := vals[7].(string)
	if !ok {
		return nil, fmt.Errorf("targetChain has type %T", vals[7])
	}
	return &types.OrderInfo{
		TargetChain: targetChain,
		Receiver:    receiver,
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		AmountIn:    amountIn,
		AmountOut:   amountOut,
		Hashlock:    common.Hash(hashlock),
		Timelock:    timelock.Uint64(),
	}, nil
}
