package services

import (
	"context"
	"testing"

	"go-autopilot/internal/config"
	"go-autopilot/internal/dto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIOCPriceBuyTakesWorseOfMidAndTouch(t *testing.T) {
	// Tight book: mid-based price dominates.
	bid, ask := 64990.0, 65010.0
	px := IOCPrice(true, bid, ask, 0.01)
	assert.InDelta(t, 65000*1.01, px, 0.01)

	// Tiny slippage: the touch plus micro buffer dominates so the order
	// still crosses the book.
	px = IOCPrice(true, bid, ask, 0.0001)
	assert.InDelta(t, 65010*(1+microBuffer), px, 0.01)
	assert.Greater(t, px, ask)
}

func TestIOCPriceSellMirrorsBuy(t *testing.T) {
	bid, ask := 64990.0, 65010.0
	px := IOCPrice(false, bid, ask, 0.01)
	assert.InDelta(t, 65000*0.99, px, 0.01)
	assert.Less(t, px, bid)

	px = IOCPrice(false, bid, ask, 0.0001)
	assert.InDelta(t, 64990*(1-microBuffer), px, 0.01)
}

func TestAdaptiveSlippageWidensOnWideSpread(t *testing.T) {
	// Spread of ~1% widens a 0.1% base.
	slippage := AdaptiveSlippage(0.001, 99.5, 100.5, 0.001, 0.05)
	assert.Greater(t, slippage, 0.001)
	assert.LessOrEqual(t, slippage, 0.05)

	// Tight spread leaves the base untouched.
	slippage = AdaptiveSlippage(0.005, 99.99, 100.01, 0.001, 0.05)
	assert.Equal(t, 0.005, slippage)
}

func TestAdaptiveSlippageClamps(t *testing.T) {
	assert.Equal(t, 0.001, AdaptiveSlippage(0.0000001, 100, 100.0001, 0.001, 0.05))
	assert.Equal(t, 0.05, AdaptiveSlippage(0.2, 100, 100.01, 0.001, 0.05))
	// Huge spread still caps out.
	assert.Equal(t, 0.05, AdaptiveSlippage(0.001, 90, 110, 0.001, 0.05))
}

func TestRoundIOCPriceSignificantFigures(t *testing.T) {
	// 5 significant figures on a large price.
	assert.Equal(t, 65657.0, RoundIOCPrice(65656.7, 0))
	// Small price keeps decimals within 6 - szDecimals.
	assert.Equal(t, 1.2346, RoundIOCPrice(1.23456, 2))
	assert.Equal(t, 0.0, RoundIOCPrice(0, 2))
}

func TestLotsFromUSDFloors(t *testing.T) {
	// $1000 at 65000 and 4 size decimals: 0.0153846... BTC -> 153 lots.
	lots := LotsFromUSD(1000, 65000, 4)
	assert.Equal(t, int64(153), lots)

	// Never rounds up past the budget.
	assert.Equal(t, int64(0), LotsFromUSD(1, 65000, 2))
	assert.Equal(t, int64(0), LotsFromUSD(100, 0, 2))
}

func TestSplitLotsSumsExactly(t *testing.T) {
	cases := []struct {
		total int64
		n     int
	}{
		{1000, 3},
		{1001, 3},
		{7, 5},
		{153, 4},
		{5, 1},
	}
	for _, tc := range cases {
		chunks := SplitLots(tc.total, tc.n)
		var sum int64
		for _, c := range chunks {
			sum += c
			assert.Greater(t, c, int64(0))
		}
		assert.Equal(t, tc.total, sum, "total %d into %d chunks", tc.total, tc.n)
	}
}

func TestSplitLotsChunkSizesNearEqual(t *testing.T) {
	chunks := SplitLots(1001, 3)
	require.Len(t, chunks, 3)
	assert.Equal(t, []int64{334, 334, 333}, chunks)
}

func TestDesiredChunks(t *testing.T) {
	assert.Equal(t, 1, DesiredChunks(10000, 25000, 5))
	assert.Equal(t, 2, DesiredChunks(30000, 25000, 5))
	assert.Equal(t, 4, DesiredChunks(100000, 25000, 5))
	// Cap binds.
	assert.Equal(t, 5, DesiredChunks(1000000, 25000, 5))
	// No chunking configured.
	assert.Equal(t, 1, DesiredChunks(1000000, 0, 5))
}

func TestFormatLots(t *testing.T) {
	assert.Equal(t, "0.0153", FormatLots(153, 4))
	assert.Equal(t, "15", FormatLots(15, 0))
	assert.Equal(t, "1.50", FormatLots(150, 2))
}

func lockTestService() *HyperliquidService {
	return &HyperliquidService{
		cfg:   &config.HyperliquidConfig{},
		locks: make(map[string]bool),
	}
}

func TestTradeLockIsExclusivePerUserAndSymbol(t *testing.T) {
	svc := lockTestService()

	require.True(t, svc.tryLock("user-1/BTC"))
	assert.False(t, svc.tryLock("user-1/BTC"), "second trade on the same pair must not acquire")

	// Other users and other symbols are independent.
	assert.True(t, svc.tryLock("user-2/BTC"))
	assert.True(t, svc.tryLock("user-1/ETH"))

	svc.unlock("user-1/BTC")
	assert.True(t, svc.tryLock("user-1/BTC"), "unlock must release the pair")
}

func TestExecuteFailsFastOnHeldTradeLock(t *testing.T) {
	svc := lockTestService()
	require.True(t, svc.tryLock("user-1/BTC"))

	job := &dto.TransactionJobData{
		UserID: "user-1",
		Intent: dto.TransactionIntent{
			Type:   dto.IntentOpenPosition,
			Market: "btc",
			Side:   "long",
			Size:   "1000",
		},
	}
	_, err := svc.Execute(context.Background(), job, nil, nil)
	require.Error(t, err)
	assert.Equal(t, ClassRetryable, ClassOf(err))
	assert.Contains(t, err.Error(), "trade in progress")

	// The losing attempt must not have disturbed the holder's lock.
	assert.False(t, svc.tryLock("user-1/BTC"))
}
