package types

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests that the state machine admits exactly the documented transitions and
// nothing out of a terminal state.
func TestOrderStateTransitions(t *testing.T) {
	allowed := []struct{ from, to OrderState }{
		{Pending, SourceLocked},
		{Pending, Refunded},
		{Pending, Failed},
		{SourceLocked, TargetLocked},
		{SourceLocked, Refunded},
		{SourceLocked, Failed},
		{TargetLocked, Fulfilled},
		{TargetLocked, Refunded},
		{TargetLocked, Failed},
		{TargetLocked, SourceLocked},
	}
	states := []OrderState{Pending, SourceLocked, TargetLocked, Fulfilled, Refunded, Failed}
	for _, from := range states {
		for _, to := range states {
			want := false
			for _, a := range allowed {
				if a.from == from && a.to == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%v -> %v", from, to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []OrderState{Pending, SourceLocked, TargetLocked} {
		assert.False(t, s.Terminal(), "%v", s)
	}
	for _, s := range []OrderState{Fulfilled, Refunded, Failed} {
		assert.True(t, s.Terminal(), "%v", s)
	}
}

func TestSecretVerification(t *testing.T) {
	var secret [32]byte
	copy(secret[:], []byte("the quick brown fox jumps over"))

	hashlock := HashSecret(secret)
	assert.True(t, VerifySecret(secret, hashlock))

	var wrong [32]byte
	wrong[0] = secret[0] ^ 1
	assert.False(t, VerifySecret(wrong, hashlock))
	assert.False(t, VerifySecret(secret, common.Hash{}))
}

func TestComputeOrderHash(t *testing.T) {
	maker := common.HexToAddress("0x1111111111111111111111111111111111111111")
	recv := common.HexToAddress("0x2222222222222222222222222222222222222222")
	hashlock := common.HexToHash("0xabcdef")

	h1 := ComputeOrderHash("alpha", "beta", maker, recv, NativeToken, NativeToken, big.NewInt(100), big.NewInt(99), hashlock, 1000)
	h2 := ComputeOrderHash("alpha", "beta", maker, recv, NativeToken, NativeToken, big.NewInt(100), big.NewInt(99), hashlock, 1000)
	require.Equal(t, h1, h2)

	// Any field perturbation must change the hash.
	h3 := ComputeOrderHash("alpha", "beta", maker, recv, NativeToken, NativeToken, big.NewInt(100), big.NewInt(99), hashlock, 1001)
	assert.NotEqual(t, h1, h3)
	h4 := ComputeOrderHash("beta", "alpha", maker, recv, NativeToken, NativeToken, big.NewInt(100), big.NewInt(99), hashlock, 1000)
	assert.NotEqual(t, h1, h4)
	h5 := ComputeOrderHash("alpha", "beta", maker, recv, NativeToken, NativeToken, big.NewInt(101), big.NewInt(99), hashlock, 1000)
	assert.NotEqual(t, h1, h5)
}

func TestTimelockSkew(t *testing.T) {
	skew := 2 * time.Hour

	// Target expiring 2h before source satisfies the invariant exactly.
	assert.True(t, CheckTimelockSkew(10000+7200, 10000, skew))
	assert.True(t, CheckTimelockSkew(10000+7201, 10000, skew))

	// One second short, equal, or inverted all violate it.
	assert.False(t, CheckTimelockSkew(10000+7199, 10000, skew))
	assert.False(t, CheckTimelockSkew(10000, 10000, skew))
	assert.False(t, CheckTimelockSkew(10000, 10000+7200, skew))
}

func TestOrderCopyIsDeep(t *testing.T) {
	secret := [32]byte{1, 2, 3}
	order := &CrossChainOrder{
		OrderHash: common.HexToHash("0x01"),
		AmountIn:  big.NewInt(100),
		AmountOut: big.NewInt(99),
		Secret:    &secret,
		SourceHTLC: &HTLCRecord{
			HTLCID: common.HexToHash("0x02"),
			Amount: big.NewInt(100),
			Phase:  HTLCLocked,
		},
	}
	cpy := order.Copy()
	cpy.AmountIn.SetInt64(7)
	cpy.Secret[0] = 0xff
	cpy.SourceHTLC.Amount.SetInt64(7)
	cpy.SourceHTLC.Phase = HTLCClaimedPhase

	assert.Equal(t, int64(100), order.AmountIn.Int64())
	assert.Equal(t, byte(1), order.Secret[0])
	assert.Equal(t, int64(100), order.SourceHTLC.Amount.Int64())
	assert.Equal(t, HTLCLocked, order.SourceHTLC.Phase)
}
