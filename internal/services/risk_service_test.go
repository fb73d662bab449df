package services

import (
	"context"
	"testing"
	"time"

	"go-autopilot/internal/config"
	"go-autopilot/internal/dto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRiskConfig() *config.RiskConfig {
	return &config.RiskConfig{
		MaxTradesPerHour:             10,
		MaxTradesPerDay:              50,
		Tier1PortfolioUSD:            10000,
		Tier2PortfolioUSD:            100000,
		Tier1MaxLeverage:             10,
		Tier2MaxLeverage:             20,
		Tier3MaxLeverage:             30,
		AbsoluteMaxLeverage:          50,
		LiquidationLookbackHours:     24,
		MaxPositionPortfolioFraction: 0.5,
		MinSlippage:                  0.001,
		MaxSlippage:                  0.05,
	}
}

func TestLeverageCapTiers(t *testing.T) {
	cfg := testRiskConfig()
	assert.Equal(t, 10, LeverageCapForPortfolio(5000, false, cfg))
	assert.Equal(t, 10, LeverageCapForPortfolio(9999.99, false, cfg))
	assert.Equal(t, 20, LeverageCapForPortfolio(10000, false, cfg))
	assert.Equal(t, 20, LeverageCapForPortfolio(99999, false, cfg))
	assert.Equal(t, 30, LeverageCapForPortfolio(100000, false, cfg))
	assert.Equal(t, 30, LeverageCapForPortfolio(5000000, false, cfg))
}

func TestLeverageCapHalvedAfterLiquidation(t *testing.T) {
	cfg := testRiskConfig()
	assert.Equal(t, 5, LeverageCapForPortfolio(5000, true, cfg))
	assert.Equal(t, 10, LeverageCapForPortfolio(50000, true, cfg))
	assert.Equal(t, 15, LeverageCapForPortfolio(200000, true, cfg))
}

func TestLeverageCapAbsoluteClamp(t *testing.T) {
	cfg := testRiskConfig()
	cfg.Tier3MaxLeverage = 80
	assert.Equal(t, 50, LeverageCapForPortfolio(200000, false, cfg))
}

func TestLeverageCapFloorOfOne(t *testing.T) {
	cfg := testRiskConfig()
	cfg.Tier1MaxLeverage = 1
	assert.Equal(t, 1, LeverageCapForPortfolio(5000, true, cfg))
}

func TestClampSlippage(t *testing.T) {
	cfg := testRiskConfig()
	assert.Equal(t, 0.001, ClampSlippage(0, cfg))
	assert.Equal(t, 0.001, ClampSlippage(0.0001, cfg))
	assert.Equal(t, 0.02, ClampSlippage(0.02, cfg))
	assert.Equal(t, 0.05, ClampSlippage(0.9, cfg))
}

type fakePortfolio struct {
	totalUSD float64
	err      error
}

func (f *fakePortfolio) TotalValueUSD(ctx context.Context, userAddress string) (float64, error) {
	return f.totalUSD, f.err
}

type fakeHistory struct {
	hourly     int64
	daily      int64
	liquidated bool
}

func (f *fakeHistory) CountTradesSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	if time.Since(since) < 2*time.Hour {
		return f.hourly, nil
	}
	return f.daily, nil
}

func (f *fakeHistory) HadLiquidationSince(ctx context.Context, userID string, since time.Time) (bool, error) {
	return f.liquidated, nil
}

func openIntent(sizeUSD string, leverage int) *dto.TransactionIntent {
	return &dto.TransactionIntent{
		Type:     dto.IntentOpenPosition,
		Market:   "BTC",
		Side:     "long",
		Size:     sizeUSD,
		Leverage: leverage,
	}
}

func TestValidateTradeReducesLeverageWithWarning(t *testing.T) {
	svc := NewRiskService(testRiskConfig(), &fakePortfolio{totalUSD: 5000}, &fakeHistory{})

	verdict, err := svc.ValidateTrade(context.Background(), "user-1", "0xabc", openIntent("1000", 25))
	require.NoError(t, err)
	assert.Equal(t, 10, verdict.AdjustedLeverage)
	require.Len(t, verdict.Warnings, 1)
	assert.Contains(t, verdict.Warnings[0], "leverage reduced from 25x to 10x")
}

func TestValidateTradeKeepsCompliantLeverage(t *testing.T) {
	svc := NewRiskService(testRiskConfig(), &fakePortfolio{totalUSD: 200000}, &fakeHistory{})

	verdict, err := svc.ValidateTrade(context.Background(), "user-1", "0xabc", openIntent("1000", 25))
	require.NoError(t, err)
	assert.Equal(t, 25, verdict.AdjustedLeverage)
	assert.Empty(t, verdict.Warnings)
}

func TestValidateTradeClampsOversizedPosition(t *testing.T) {
	svc := NewRiskService(testRiskConfig(), &fakePortfolio{totalUSD: 10000}, &fakeHistory{})

	// Cap is 0.5 x 10000 x 1 = 5000; the request is clamped, not rejected.
	verdict, err := svc.ValidateTrade(context.Background(), "user-1", "0xabc", openIntent("6000", 1))
	require.NoError(t, err)
	assert.Equal(t, 5000.0, verdict.AdjustedSizeUSD)
	require.Len(t, verdict.Warnings, 1)
	assert.Contains(t, verdict.Warnings[0], "position size reduced")
}

func TestValidateTradeRejectsInsufficientMargin(t *testing.T) {
	svc := NewRiskService(testRiskConfig(), &fakePortfolio{totalUSD: 1000}, &fakeHistory{})

	// $3000 at 2x needs $1500 margin against a $1000 portfolio.
	_, err := svc.ValidateTrade(context.Background(), "user-1", "0xabc", openIntent("3000", 2))
	require.Error(t, err)
	assert.Equal(t, ClassPolicy, ClassOf(err))
	assert.Contains(t, err.Error(), "insufficient margin")
}

func TestValidateTradeRejectsFrequencyBreach(t *testing.T) {
	svc := NewRiskService(testRiskConfig(), &fakePortfolio{totalUSD: 50000}, &fakeHistory{hourly: 10})

	_, err := svc.ValidateTrade(context.Background(), "user-1", "0xabc", openIntent("100", 2))
	require.Error(t, err)
	assert.Equal(t, ClassPolicy, ClassOf(err))
	assert.Contains(t, err.Error(), "frequency limit")
}

func TestValidateTradeLiquidationHalvesCap(t *testing.T) {
	svc := NewRiskService(testRiskConfig(), &fakePortfolio{totalUSD: 50000}, &fakeHistory{liquidated: true})

	verdict, err := svc.ValidateTrade(context.Background(), "user-1", "0xabc", openIntent("1000", 20))
	require.NoError(t, err)
	assert.Equal(t, 10, verdict.AdjustedLeverage)
	require.Len(t, verdict.Warnings, 1)
	assert.Contains(t, verdict.Warnings[0], "recent liquidation")
}

func TestValidateTradeWarnsOnSlippageClamp(t *testing.T) {
	svc := NewRiskService(testRiskConfig(), &fakePortfolio{totalUSD: 50000}, &fakeHistory{})

	low := 0.0001
	intent := openIntent("1000", 2)
	intent.Slippage = &low
	verdict, err := svc.ValidateTrade(context.Background(), "user-1", "0xabc", intent)
	require.NoError(t, err)
	assert.Equal(t, 0.001, verdict.AdjustedSlippage)
	require.Len(t, verdict.Warnings, 1)
	assert.Contains(t, verdict.Warnings[0], "slippage increased")

	high := 0.9
	intent = openIntent("1000", 2)
	intent.Slippage = &high
	verdict, err = svc.ValidateTrade(context.Background(), "user-1", "0xabc", intent)
	require.NoError(t, err)
	assert.Equal(t, 0.05, verdict.AdjustedSlippage)
	require.Len(t, verdict.Warnings, 1)
	assert.Contains(t, verdict.Warnings[0], "slippage reduced")
}

func TestValidateTradeUnsetSlippageFloorsSilently(t *testing.T) {
	svc := NewRiskService(testRiskConfig(), &fakePortfolio{totalUSD: 50000}, &fakeHistory{})

	verdict, err := svc.ValidateTrade(context.Background(), "user-1", "0xabc", openIntent("1000", 2))
	require.NoError(t, err)
	assert.Equal(t, 0.001, verdict.AdjustedSlippage)
	assert.Empty(t, verdict.Warnings, "a caller who said nothing gets the floor without noise")
}

func TestValidateTradeDefaultsZeroLeverage(t *testing.T) {
	svc := NewRiskService(testRiskConfig(), &fakePortfolio{totalUSD: 50000}, &fakeHistory{})

	verdict, err := svc.ValidateTrade(context.Background(), "user-1", "0xabc", openIntent("1000", 0))
	require.NoError(t, err)
	assert.Equal(t, 1, verdict.AdjustedLeverage)
}
