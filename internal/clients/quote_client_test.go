package clients

import (
	"testing"

	"go-autopilot/internal/dto"

	"github.com/stretchr/testify/assert"
)

func TestQuoteParamsTransferMapsToSameChainRoute(t *testing.T) {
	intent := &dto.TransactionIntent{
		Type:         dto.IntentTransfer,
		Chain:        "solana",
		TokenAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		FromAddress:  "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		ToAddress:    "7S3P4HxJpyyigGzodYwHtCxZyUQe9JiBMHyRWXArAaKv",
		Amount:       "1000000",
	}

	params := QuoteParams(intent)
	assert.Equal(t, "solana", params.Get("fromChain"))
	assert.Equal(t, "solana", params.Get("toChain"))
	assert.Equal(t, intent.TokenAddress, params.Get("fromToken"))
	assert.Equal(t, intent.TokenAddress, params.Get("toToken"))
	assert.Equal(t, "1000000", params.Get("fromAmount"))
	assert.Equal(t, intent.FromAddress, params.Get("fromAddress"))
	assert.Equal(t, intent.ToAddress, params.Get("toAddress"))
	assert.Empty(t, params.Get("slippage"))
}

func TestQuoteParamsSwapMapsRouteLegs(t *testing.T) {
	bps := 50
	intent := &dto.TransactionIntent{
		Type:        dto.IntentSwap,
		FromChain:   "ethereum",
		ToChain:     "arbitrum",
		FromToken:   "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		ToToken:     "0xaf88d065e77c8cc2239327c5edb3a432268e5831",
		FromAmount:  "250000000",
		UserAddress: "0x1111111111111111111111111111111111111111",
		SlippageBps: &bps,
	}

	params := QuoteParams(intent)
	assert.Equal(t, "ethereum", params.Get("fromChain"))
	assert.Equal(t, "arbitrum", params.Get("toChain"))
	assert.Equal(t, intent.UserAddress, params.Get("fromAddress"))
	assert.Empty(t, params.Get("toAddress"), "swaps settle back to the sender")
	assert.Equal(t, "0.005", params.Get("slippage"))
}

func TestQuoteParamsBridgeCarriesDestination(t *testing.T) {
	intent := &dto.TransactionIntent{
		Type:               dto.IntentBridge,
		FromChain:          "ethereum",
		ToChain:            "base",
		FromToken:          "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		ToToken:            "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		FromAmount:         "1000000",
		UserAddress:        "0x1111111111111111111111111111111111111111",
		DestinationAddress: "0x2222222222222222222222222222222222222222",
	}

	params := QuoteParams(intent)
	assert.Equal(t, intent.DestinationAddress, params.Get("toAddress"))
}
