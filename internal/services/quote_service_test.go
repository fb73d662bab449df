package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go-autopilot/internal/config"
	"go-autopilot/internal/dto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	calls int
}

func (f *countingFetcher) GetQuote(ctx context.Context, intent *dto.TransactionIntent) (*dto.Quote, error) {
	f.calls++
	return &dto.Quote{
		TransactionRequest: &dto.EvmTxRequest{To: "0x1", Data: "0x"},
		FromAmount:         intent.FromAmount,
		ToAmount:           "999",
		ExpiresAt:          time.Now().Add(time.Minute),
	}, nil
}

func cachedSwapIntent(amount string) *dto.TransactionIntent {
	return &dto.TransactionIntent{
		Type:        dto.IntentSwap,
		FromChain:   "ethereum",
		ToChain:     "ethereum",
		FromToken:   "0xaaa",
		ToToken:     "0xbbb",
		FromAmount:  amount,
		UserAddress: "0xccc",
	}
}

func TestQuoteServiceCachesByCanonicalKey(t *testing.T) {
	fetcher := &countingFetcher{}
	svc := NewQuoteService(fetcher, &config.QuoteConfig{TTLSeconds: 15, CacheMax: 100})

	first, err := svc.GetQuote(context.Background(), cachedSwapIntent("1000"))
	require.NoError(t, err)
	second, err := svc.GetQuote(context.Background(), cachedSwapIntent("1000"))
	require.NoError(t, err)

	assert.Equal(t, 1, fetcher.calls, "second identical request must hit the cache")
	assert.Same(t, first, second)
}

func TestQuoteServiceMissesOnDifferentIntent(t *testing.T) {
	fetcher := &countingFetcher{}
	svc := NewQuoteService(fetcher, &config.QuoteConfig{TTLSeconds: 15, CacheMax: 100})

	_, err := svc.GetQuote(context.Background(), cachedSwapIntent("1000"))
	require.NoError(t, err)
	_, err = svc.GetQuote(context.Background(), cachedSwapIntent("2000"))
	require.NoError(t, err)

	assert.Equal(t, 2, fetcher.calls)
}

func TestQuoteServiceHighWaterEviction(t *testing.T) {
	fetcher := &countingFetcher{}
	svc := NewQuoteService(fetcher, &config.QuoteConfig{TTLSeconds: 60, CacheMax: 5})

	for i := 0; i < 20; i++ {
		_, err := svc.GetQuote(context.Background(), cachedSwapIntent(fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, svc.Size(), 5, "cache must not exceed the high-water mark")
}

type failingFetcher struct{}

func (f *failingFetcher) GetQuote(ctx context.Context, intent *dto.TransactionIntent) (*dto.Quote, error) {
	return nil, fmt.Errorf("provider down")
}

func TestQuoteServicePropagatesFetchError(t *testing.T) {
	svc := NewQuoteService(&failingFetcher{}, &config.QuoteConfig{TTLSeconds: 15, CacheMax: 100})
	_, err := svc.GetQuote(context.Background(), cachedSwapIntent("1000"))
	assert.Error(t, err)
	assert.Equal(t, 0, svc.Size(), "failed fetches must not populate the cache")
}
