package services

import (
	"context"
	"testing"

	"go-autopilot/internal/dto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPercentage(t *testing.T) {
	cases := []struct {
		balance  string
		pct      float64
		expected string
	}{
		{"1000000", 50, "500000"},
		{"1000000", 100, "1000000"},
		{"3", 50, "1"},       // floors
		{"1", 25, "0"},       // floors to zero
		{"1000001", 50, "500000"},
		{"1000000000000000000", 33.33, "333300000000000000"},
	}
	for _, tc := range cases {
		got, err := ApplyPercentage(tc.balance, tc.pct)
		assert.NoError(t, err)
		assert.Equal(t, tc.expected, got, "%s at %.2f%%", tc.balance, tc.pct)
	}
}

func TestApplyPercentageRejectsMalformedBalance(t *testing.T) {
	_, err := ApplyPercentage("not-a-number", 50)
	assert.Error(t, err)
}

func TestDeriveQueueMsgIDStableForSameKey(t *testing.T) {
	first := DeriveQueueMsgID("user-1", "order-42", "job-a")
	second := DeriveQueueMsgID("user-1", "order-42", "job-b")
	assert.Equal(t, first, second, "same user and key must collide at the stream")
	assert.Len(t, first, 64)
}

func TestDeriveQueueMsgIDScopedPerUser(t *testing.T) {
	first := DeriveQueueMsgID("user-1", "order-42", "job-a")
	second := DeriveQueueMsgID("user-2", "order-42", "job-b")
	assert.NotEqual(t, first, second, "idempotency keys are per user")
}

func TestDeriveQueueMsgIDWithoutKeyFallsBackToJobID(t *testing.T) {
	assert.Equal(t, "job-a", DeriveQueueMsgID("user-1", "", "job-a"))
}

func TestNeedsProviderQuote(t *testing.T) {
	assert.True(t, needsProviderQuote(dto.IntentSwap, "evm"))
	assert.True(t, needsProviderQuote(dto.IntentSwap, "solana"))
	assert.True(t, needsProviderQuote(dto.IntentBridge, "evm"))

	// Transfers only route through the provider on chains whose payloads the
	// provider builds; EVM transfer calldata is assembled locally.
	assert.True(t, needsProviderQuote(dto.IntentTransfer, "solana"))
	assert.False(t, needsProviderQuote(dto.IntentTransfer, "evm"))

	assert.False(t, needsProviderQuote(dto.IntentOpenPosition, ""))
	assert.False(t, needsProviderQuote(dto.IntentCustom, "evm"))
}

func TestSanitizeIntentTokensRepairsKnownCasing(t *testing.T) {
	usdc := "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	tokens := map[string]map[string]string{
		"ethereum": {usdc: "USDC"},
	}
	tokensFor := func(chain string) map[string]string { return tokens[chain] }

	intent := dto.TransactionIntent{
		Type:      dto.IntentSwap,
		FromChain: "ethereum",
		ToChain:   "ethereum",
		// Mangled casing of a known token gets lowercased.
		FromToken: "0xA0B86991C6218B36C1D19D4A2E9EB0CE3606EB48",
		// Wrong-cased unknown token keeps the caller's casing.
		ToToken: "0x6B175474E89094C44DA98B954EEDEAC495271D0F",
	}
	SanitizeIntentTokens(&intent, tokensFor)
	assert.Equal(t, usdc, intent.FromToken)
	assert.Equal(t, "0x6B175474E89094C44DA98B954EEDEAC495271D0F", intent.ToToken)
}

func TestSanitizeIntentTokensTransferVariant(t *testing.T) {
	usdc := "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	tokensFor := func(chain string) map[string]string {
		return map[string]string{usdc: "USDC"}
	}

	intent := dto.TransactionIntent{
		Type:         dto.IntentTransfer,
		Chain:        "ethereum",
		TokenAddress: "0xA0B86991C6218B36C1D19D4A2E9EB0CE3606EB48",
	}
	SanitizeIntentTokens(&intent, tokensFor)
	assert.Equal(t, usdc, intent.TokenAddress)

	// Solana addresses pass through untouched.
	intent = dto.TransactionIntent{
		Type:         dto.IntentTransfer,
		Chain:        "solana",
		TokenAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	}
	SanitizeIntentTokens(&intent, func(string) map[string]string { return nil })
	assert.Equal(t, "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", intent.TokenAddress)
}

func TestResolveDuplicateReplaysWinnersResponse(t *testing.T) {
	svc := &AdmissionService{recentKeys: map[string]*SubmitResult{
		"user-1\x00order-42": {JobID: "job-a", LogID: "log-a"},
	}}

	result := svc.resolveDuplicate(context.Background(), "user-1", "order-42")
	require.NotNil(t, result)
	assert.True(t, result.Deduplicated)
	assert.Equal(t, "job-a", result.JobID)
	assert.Equal(t, "log-a", result.LogID)

	// The stored response itself stays unmarked for future replays.
	assert.False(t, svc.recentKeys["user-1\x00order-42"].Deduplicated)
}
