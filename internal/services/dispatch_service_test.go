package services

import (
	"context"
	"testing"
	"time"

	"go-autopilot/internal/dto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshQuoteSwapWithoutQuoteIsFatal(t *testing.T) {
	s := &DispatchService{}
	job := &dto.TransactionJobData{Intent: dto.TransactionIntent{
		Type:      dto.IntentSwap,
		FromChain: "ethereum",
		ToChain:   "ethereum",
	}}

	err := s.refreshQuoteIfExpired(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, ClassFatal, ClassOf(err))
}

func TestRefreshQuoteTransferWithoutQuotePassesThrough(t *testing.T) {
	s := &DispatchService{}
	job := &dto.TransactionJobData{Intent: dto.TransactionIntent{
		Type:  dto.IntentTransfer,
		Chain: "ethereum",
	}}

	// EVM transfer calldata is assembled by the executor, so no quote is not
	// an error here.
	assert.NoError(t, s.refreshQuoteIfExpired(context.Background(), job))
}

func TestRefreshQuoteKeepsFreshTransferQuote(t *testing.T) {
	s := &DispatchService{}
	quote := &dto.Quote{
		SerializedTx: "AQID",
		ExpiresAt:    time.Now().Add(time.Minute),
	}
	job := &dto.TransactionJobData{
		Intent: dto.TransactionIntent{Type: dto.IntentTransfer, Chain: "solana"},
		Quote:  quote,
	}

	require.NoError(t, s.refreshQuoteIfExpired(context.Background(), job))
	assert.Same(t, quote, job.Quote, "a fresh quote must not be refetched")
}

func TestRefreshQuoteDerivativeIntentsSkip(t *testing.T) {
	s := &DispatchService{}
	job := &dto.TransactionJobData{Intent: dto.TransactionIntent{
		Type:   dto.IntentOpenPosition,
		Market: "BTC",
	}}
	assert.NoError(t, s.refreshQuoteIfExpired(context.Background(), job))
}
