package services

import (
	"context"
	"math/big"
	"testing"
	"time"

	"go-autopilot/internal/dto"
	"go-autopilot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usableKey(permissions models.SessionKeyPermissions) *models.SessionKey {
	return &models.SessionKey{
		ID:          "key-1",
		UserID:      "user-1",
		PublicKey:   "0xpub",
		Permissions: permissions,
		ExpiresAt:   time.Now().Add(time.Hour),
		IsActive:    true,
	}
}

func swapIntent() *dto.TransactionIntent {
	return &dto.TransactionIntent{
		Type:        dto.IntentSwap,
		FromChain:   "ethereum",
		ToChain:     "ethereum",
		FromToken:   "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		ToToken:     "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		FromAmount:  "1000000",
		UserAddress: "0x1111111111111111111111111111111111111111",
	}
}

func TestAuthorizeRejectsRevokedKey(t *testing.T) {
	svc := NewPolicyService(nil)
	key := usableKey(models.SessionKeyPermissions{Actions: []string{"swap"}, Chains: []string{"ethereum"}})
	key.IsActive = false

	err := svc.Authorize(context.Background(), key, swapIntent(), time.Now())
	require.Error(t, err)
	assert.Equal(t, ClassPolicy, ClassOf(err))
	assert.Contains(t, err.Error(), "revoked")
}

func TestAuthorizeRejectsExpiredKey(t *testing.T) {
	svc := NewPolicyService(nil)
	key := usableKey(models.SessionKeyPermissions{Actions: []string{"swap"}, Chains: []string{"ethereum"}})
	key.ExpiresAt = time.Now().Add(-time.Minute)

	err := svc.Authorize(context.Background(), key, swapIntent(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestAuthorizeRejectsUnpermittedAction(t *testing.T) {
	svc := NewPolicyService(nil)
	key := usableKey(models.SessionKeyPermissions{Actions: []string{"transfer"}, Chains: []string{"ethereum"}})

	err := svc.Authorize(context.Background(), key, swapIntent(), time.Now())
	require.Error(t, err)
	assert.Equal(t, ClassPolicy, ClassOf(err))
	assert.Contains(t, err.Error(), `action "swap"`)
}

func TestAuthorizeChecksBothBridgeLegs(t *testing.T) {
	svc := NewPolicyService(nil)
	key := usableKey(models.SessionKeyPermissions{Actions: []string{"bridge"}, Chains: []string{"ethereum"}})

	intent := swapIntent()
	intent.Type = dto.IntentBridge
	intent.ToChain = "base"
	intent.DestinationAddress = "0x2222222222222222222222222222222222222222"

	err := svc.Authorize(context.Background(), key, intent, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `chain "base"`)

	key.Permissions.Chains = []string{"ethereum", "base"}
	err = svc.Authorize(context.Background(), key, intent, time.Now())
	assert.NoError(t, err)
}

func TestAuthorizeTransferContractAllowlist(t *testing.T) {
	svc := NewPolicyService(nil)
	key := usableKey(models.SessionKeyPermissions{
		Actions:          []string{"transfer"},
		Chains:           []string{"ethereum"},
		AllowedContracts: []string{"0x3333333333333333333333333333333333333333"},
	})

	intent := &dto.TransactionIntent{
		Type:         dto.IntentTransfer,
		Chain:        "ethereum",
		TokenAddress: "native",
		FromAddress:  "0x1111111111111111111111111111111111111111",
		ToAddress:    "0x4444444444444444444444444444444444444444",
		Amount:       "1000",
	}
	err := svc.Authorize(context.Background(), key, intent, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target contract")

	intent.ToAddress = "0x3333333333333333333333333333333333333333"
	assert.NoError(t, svc.Authorize(context.Background(), key, intent, time.Now()))
}

func TestAuthorizeHyperliquidMarketAndSize(t *testing.T) {
	svc := NewPolicyService(nil)
	key := usableKey(models.SessionKeyPermissions{
		Actions:          []string{"open_position"},
		Chains:           []string{"hyperliquid"},
		HLAllowedMarkets: []string{"BTC", "ETH"},
		HLMaxUsdPerTrade: 5000,
	})

	intent := &dto.TransactionIntent{
		Type:   dto.IntentOpenPosition,
		Market: "SOL",
		Side:   "long",
		Size:   "1000",
	}
	err := svc.Authorize(context.Background(), key, intent, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `market "SOL"`)

	intent.Market = "BTC"
	assert.NoError(t, svc.Authorize(context.Background(), key, intent, time.Now()))

	intent.Size = "6000"
	err = svc.Authorize(context.Background(), key, intent, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds session key limit")
}

func TestAuthorizePerTransactionSpendLimit(t *testing.T) {
	svc := NewPolicyService(nil)
	key := usableKey(models.SessionKeyPermissions{
		Actions: []string{"swap"},
		Chains:  []string{"ethereum"},
		SpendLimits: []models.SpendLimit{
			{Token: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", MaxAmount: "500000"},
		},
	})

	err := svc.Authorize(context.Background(), key, swapIntent(), time.Now())
	require.Error(t, err)
	assert.Equal(t, ClassPolicy, ClassOf(err))
	assert.Contains(t, err.Error(), "per-transaction limit")
}

func TestCheckSpendWindow(t *testing.T) {
	max := big.NewInt(1000)

	assert.NoError(t, CheckSpendWindow(big.NewInt(0), big.NewInt(1000), max))
	assert.NoError(t, CheckSpendWindow(big.NewInt(400), big.NewInt(600), max))
	assert.Error(t, CheckSpendWindow(big.NewInt(400), big.NewInt(601), max))
	assert.Error(t, CheckSpendWindow(big.NewInt(1001), big.NewInt(0), max))
}

func TestCheckSpendWindowLargeAmounts(t *testing.T) {
	// Amounts beyond uint64 must not overflow.
	prior, _ := new(big.Int).SetString("99999999999999999999999999", 10)
	spend, _ := new(big.Int).SetString("1", 10)
	max, _ := new(big.Int).SetString("100000000000000000000000000", 10)
	assert.NoError(t, CheckSpendWindow(prior, spend, max))
	assert.Error(t, CheckSpendWindow(prior, big.NewInt(2), max))
}
