package dto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validSwap() *TransactionIntent {
	return &TransactionIntent{
		Type:        IntentSwap,
		FromChain:   "ethereum",
		ToChain:     "ethereum",
		FromToken:   "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		ToToken:     "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		FromAmount:  "1000000",
		UserAddress: "0x1111111111111111111111111111111111111111",
	}
}

func TestValidateSwap(t *testing.T) {
	assert.NoError(t, validSwap().Validate())

	missingAmount := validSwap()
	missingAmount.FromAmount = ""
	assert.Error(t, missingAmount.Validate())

	missingUser := validSwap()
	missingUser.UserAddress = ""
	assert.Error(t, missingUser.Validate())
}

func TestValidateBridgeRequiresDestination(t *testing.T) {
	intent := validSwap()
	intent.Type = IntentBridge
	intent.ToChain = "base"
	assert.Error(t, intent.Validate())

	intent.DestinationAddress = "0x2222222222222222222222222222222222222222"
	assert.NoError(t, intent.Validate())
}

func TestValidateTransfer(t *testing.T) {
	intent := &TransactionIntent{
		Type:         IntentTransfer,
		Chain:        "ethereum",
		TokenAddress: "native",
		FromAddress:  "0x1111111111111111111111111111111111111111",
		ToAddress:    "0x2222222222222222222222222222222222222222",
		Amount:       "1000",
	}
	assert.NoError(t, intent.Validate())

	intent.Amount = ""
	assert.Error(t, intent.Validate())
}

func TestValidateOpenPosition(t *testing.T) {
	intent := &TransactionIntent{Type: IntentOpenPosition, Market: "BTC", Side: "long", Size: "1000"}
	assert.NoError(t, intent.Validate())

	intent.Side = "sideways"
	assert.Error(t, intent.Validate())

	intent.Side = "short"
	intent.Size = ""
	assert.Error(t, intent.Validate())
}

func TestValidateUnknownType(t *testing.T) {
	intent := &TransactionIntent{Type: "teleport"}
	assert.Error(t, intent.Validate())
}

func TestTouchedChains(t *testing.T) {
	assert.Equal(t, []string{"ethereum"}, validSwap().TouchedChains())

	bridge := validSwap()
	bridge.Type = IntentBridge
	bridge.ToChain = "base"
	assert.Equal(t, []string{"ethereum", "base"}, bridge.TouchedChains())
	assert.Equal(t, "ethereum", bridge.PrimaryChain())

	position := &TransactionIntent{Type: IntentOpenPosition, Market: "BTC", Side: "long", Size: "100"}
	assert.Equal(t, []string{"hyperliquid"}, position.TouchedChains())
}

func TestSpentToken(t *testing.T) {
	token, amount := validSwap().SpentToken()
	assert.Equal(t, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", token)
	assert.Equal(t, "1000000", amount)

	position := &TransactionIntent{Type: IntentOpenPosition, Market: "BTC", Side: "long", Size: "100"}
	token, amount = position.SpentToken()
	assert.Empty(t, token)
	assert.Empty(t, amount)
}

func TestCanonicalKeyStable(t *testing.T) {
	assert.Equal(t, validSwap().CanonicalKey(), validSwap().CanonicalKey())

	// Address casing must not change the key.
	lowered := validSwap()
	lowered.FromToken = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	assert.Equal(t, validSwap().CanonicalKey(), lowered.CanonicalKey())
}

func TestCanonicalKeyDiscriminates(t *testing.T) {
	base := validSwap()

	amount := validSwap()
	amount.FromAmount = "2000000"
	assert.NotEqual(t, base.CanonicalKey(), amount.CanonicalKey())

	slip := 50
	withSlippage := validSwap()
	withSlippage.SlippageBps = &slip
	assert.NotEqual(t, base.CanonicalKey(), withSlippage.CanonicalKey())
}

func TestCanonicalKeyCustomParamsOrderIndependent(t *testing.T) {
	a := &TransactionIntent{
		Type: IntentCustom,
		Name: "rebalance",
		Parameters: map[string]any{
			"vault":  "0xabc",
			"target": 0.5,
		},
	}
	b := &TransactionIntent{
		Type: IntentCustom,
		Name: "rebalance",
		Parameters: map[string]any{
			"target": 0.5,
			"vault":  "0xabc",
		},
	}
	assert.Equal(t, a.CanonicalKey(), b.CanonicalKey())
}
