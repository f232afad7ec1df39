package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashbridge/relayd/core/types"
)

var (
	testHTLCID   = common.HexToHash("0x01")
	testSender   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testReceiver = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testToken    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testHashlock = common.HexToHash("0xbeef")
)

// addrTopic left-pads an address into the 32-byte topic slot.
func addrTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func TestDecodeHTLCCreated(t *testing.T) {
	data, err := htlcABI.Events["HTLCCreated"].Inputs.NonIndexed().Pack(
		testToken, big.NewInt(1000), [32]byte(testHashlock), big.NewInt(1_700_000_000),
	)
	require.NoError(t, err)

	lg := &ethtypes.Log{
		Topics:      []common.Hash{evHTLCCreated, testHTLCID, addrTopic(testSender), addrTopic(testReceiver)},
		Data:        data,
		BlockNumber: 42,
		TxHash:      common.HexToHash("0xaa"),
		Index:       3,
	}
	ev, err := decodeLog("alpha", lg)
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, types.EvHTLCCreated, ev.Kind)
	assert.Equal(t, "alpha", ev.Chain)
	assert.Equal(t, uint64(42), ev.Height)
	assert.Equal(t, uint(3), ev.LogIndex)

	require.NotNil(t, ev.HTLC)
	assert.Equal(t, testHTLCID, ev.HTLC.HTLCID)
	assert.Equal(t, testSender, ev.HTLC.Sender)
	assert.Equal(t, testReceiver, ev.HTLC.Receiver)
	assert.Equal(t, testToken, ev.HTLC.Token)
	assert.Equal(t, int64(1000), ev.HTLC.Amount.Int64())
	assert.Equal(t, testHashlock, ev.HTLC.Hashlock)
	assert.Equal(t, uint64(1_700_000_000), ev.HTLC.Timelock)
}

func TestDecodeHTLCClaimed(t *testing.T) {
	secret := [32]byte{0x5e, 0xc2}
	data, err := htlcABI.Events["HTLCClaimed"].Inputs.NonIndexed().Pack(secret)
	require.NoError(t, err)

	ev, err := decodeLog("alpha", &ethtypes.Log{
		Topics: []common.Hash{evHTLCClaimed, testHTLCID},
		Data:   data,
	})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, types.EvHTLCClaimed, ev.Kind)
	assert.Equal(t, testHTLCID, ev.HTLCID)
	assert.Equal(t, common.Hash(secret), ev.Secret)
}

func TestDecodeHTLCRefunded(t *testing.T) {
	ev, err := decodeLog("alpha", &ethtypes.Log{
		Topics: []common.Hash{evHTLCRefunded, testHTLCID},
	})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, types.EvHTLCRefunded, ev.Kind)
	assert.Equal(t, testHTLCID, ev.HTLCID)
}

func TestDecodeOrderCreated(t *testing.T) {
	data, err := bridgeABI.Events["OrderCreated"].Inputs.NonIndexed().Pack(
		testReceiver, testToken, common.Address{},
		big.NewInt(100), big.NewInt(99),
		[32]byte(testHashlock), big.NewInt(1_700_000_000),
		"beta",
	)
	require.NoError(t, err)

	orderHash := common.HexToHash("0xfeed")
	ev, err := decodeLog("alpha", &ethtypes.Log{
		Topics: []common.Hash{evOrderCreated, orderHash, addrTopic(testSender)},
		Data:   data,
	})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, types.EvOrderCreated, ev.Kind)

	require.NotNil(t, ev.Order)
	assert.Equal(t, orderHash, ev.Order.OrderHash)
	assert.Equal(t, "beta", ev.Order.TargetChain)
	assert.Equal(t, testSender, ev.Order.Maker)
	assert.Equal(t, testReceiver, ev.Order.Receiver)
	assert.Equal(t, testToken, ev.Order.TokenIn)
	assert.Equal(t, types.NativeToken, ev.Order.TokenOut)
	assert.Equal(t, int64(100), ev.Order.AmountIn.Int64())
	assert.Equal(t, int64(99), ev.Order.AmountOut.Int64())
	assert.Equal(t, uint64(1_700_000_000), ev.Order.Timelock)
}

func TestDecodeForeignLogSkipped(t *testing.T) {
	// Transfer-style log from an unrelated contract: skipped, not an error.
	ev, err := decodeLog("alpha", &ethtypes.Log{
		Topics: []common.Hash{common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")},
	})
	assert.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = decodeLog("alpha", &ethtypes.Log{})
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func TestDecodeMalformedDataFails(t *testing.T) {
	// Right topic, truncated payload: structural failure, must error so the
	// query fails and the cursor holds.
	_, err := decodeLog("alpha", &ethtypes.Log{
		Topics: []common.Hash{evHTLCCreated, testHTLCID, addrTopic(testSender), addrTopic(testReceiver)},
		Data:   []byte{0x01, 0x02},
	})
	assert.Error(t, err)

	// Right topic, missing indexed fields: same.
	_, err = decodeLog("alpha", &ethtypes.Log{
		Topics: []common.Hash{evHTLCCreated, testHTLCID},
	})
	assert.Error(t, err)

	_, err = decodeLog("alpha", &ethtypes.Log{
		Topics: []common.Hash{evHTLCClaimed},
	})
	assert.Error(t, err)
}
