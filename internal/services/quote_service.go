package services

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"go-autopilot/internal/config"
	"go-autopilot/internal/dto"
	"go-autopilot/internal/metrics"
)

// QuoteFetcher is the outbound quote provider dependency.
type QuoteFetcher interface {
	GetQuote(ctx context.Context, intent *dto.TransactionIntent) (*dto.Quote, error)
}

type cachedQuote struct {
	quote    *dto.Quote
	cachedAt time.Time
}

// QuoteService caches provider quotes by canonical intent key. Quotes are
// short-lived, so the cache only absorbs rapid duplicate submissions, not
// stale routing.
type QuoteService struct {
	fetcher  QuoteFetcher
	ttl      time.Duration
	maxItems int

	mu    sync.Mutex
	cache map[string]cachedQuote
}

// NewQuoteService creates the quote cache.
func NewQuoteService(fetcher QuoteFetcher, cfg *config.QuoteConfig) *QuoteService {
	return &QuoteService{
		fetcher:  fetcher,
		ttl:      time.Duration(cfg.TTLSeconds) * time.Second,
		maxItems: cfg.CacheMax,
		cache:    make(map[string]cachedQuote),
	}
}

// GetQuote returns a cached quote when fresh, otherwise fetches a new one.
func (s *QuoteService) GetQuote(ctx context.Context, intent *dto.TransactionIntent) (*dto.Quote, error) {
	key := intent.CanonicalKey()
	now := time.Now()

	s.mu.Lock()
	if entry, ok := s.cache[key]; ok && now.Sub(entry.cachedAt) < s.ttl && now.Before(entry.quote.ExpiresAt) {
		s.mu.Unlock()
		metrics.QuoteCacheHits.Inc()
		return entry.quote, nil
	}
	s.mu.Unlock()

	metrics.QuoteCacheMisses.Inc()
	quote, err := s.fetcher.GetQuote(ctx, intent)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = cachedQuote{quote: quote, cachedAt: now}
	if len(s.cache) > s.maxItems {
		s.evictLocked(now)
	}
	s.mu.Unlock()

	return quote, nil
}

// evictLocked drops expired entries first; if the cache is still above the
// high-water mark, the oldest entries go next.
func (s *QuoteService) evictLocked(now time.Time) {
	for key, entry := range s.cache {
		if now.Sub(entry.cachedAt) >= s.ttl {
			delete(s.cache, key)
		}
	}
	if len(s.cache) <= s.maxItems {
		return
	}

	type aged struct {
		key      string
		cachedAt time.Time
	}
	entries := make([]aged, 0, len(s.cache))
	for key, entry := range s.cache {
		entries = append(entries, aged{key: key, cachedAt: entry.cachedAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].cachedAt.Before(entries[j].cachedAt)
	})
	excess := len(s.cache) - s.maxItems
	for i := 0; i < excess; i++ {
		delete(s.cache, entries[i].key)
	}
	log.Printf("[QuoteService] Evicted %d cache entries (size %d)", excess, len(s.cache))
}

// Size returns the current cache population.
func (s *QuoteService) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}
