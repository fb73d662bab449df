package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"go-autopilot/internal/clients"
	"go-autopilot/internal/config"
	"go-autopilot/internal/dto"
	"go-autopilot/internal/metrics"
	"go-autopilot/internal/models"

	"gorm.io/gorm"
)

// microBuffer nudges the IOC limit just past the touch so a one-tick move
// between book read and order placement does not starve the fill.
const microBuffer = 0.0005

// hlMaxSigFigs is the exchange's price precision rule: at most 5
// significant figures, and at most (6 - szDecimals) decimal places.
const hlMaxSigFigs = 5

// HyperliquidService is the derivative execution sub-engine: aggressive
// IOC limit orders sized in USD, chunked, with adaptive slippage taken from
// the live spread.
type HyperliquidService struct {
	cfg     *config.HyperliquidConfig
	riskCfg *config.RiskConfig
	client  *clients.HyperliquidClient
	signer  *clients.SignerClient
	risk    *RiskService
	db      *gorm.DB

	// meta cache
	metaMu   sync.RWMutex
	meta     map[string]clients.AssetMeta
	assetIdx map[string]int
	metaAt   time.Time

	// one trade per (user, symbol) at a time
	locksMu sync.Mutex
	locks   map[string]bool

	// rolling per-symbol stats
	statsMu sync.Mutex
	stats   map[string]*SymbolStats
}

// SymbolStats is the rolling order bookkeeping for one symbol.
type SymbolStats struct {
	Orders      int64   `json:"orders"`
	Fills       int64   `json:"fills"`
	Rejections  int64   `json:"rejections"`
	AvgSlippage float64 `json:"avgSlippage"` // fraction actually applied
}

// NewHyperliquidService creates the derivative engine.
func NewHyperliquidService(cfg *config.HyperliquidConfig, riskCfg *config.RiskConfig, client *clients.HyperliquidClient, signer *clients.SignerClient, risk *RiskService, db *gorm.DB) *HyperliquidService {
	return &HyperliquidService{
		cfg:      cfg,
		riskCfg:  riskCfg,
		client:   client,
		signer:   signer,
		risk:     risk,
		db:       db,
		meta:     make(map[string]clients.AssetMeta),
		assetIdx: make(map[string]int),
		locks:    make(map[string]bool),
		stats:    make(map[string]*SymbolStats),
	}
}

func (s *HyperliquidService) Name() string { return "hyperliquid" }

// Execute routes a position intent. Holds the (user, symbol) lock for the
// whole order sequence; a second trade on the same pair fails fast as
// retryable so redelivery lands after the first one settles.
func (s *HyperliquidService) Execute(ctx context.Context, job *dto.TransactionJobData, key *models.SessionKey, wallet *models.Wallet) (*DispatchResult, error) {
	symbol, err := s.resolveSymbol(job.Intent.Market)
	if err != nil {
		return nil, err
	}

	lockKey := job.UserID + "/" + symbol
	if !s.tryLock(lockKey) {
		metrics.HLLockContention.Inc()
		return nil, Retryablef("trade in progress for %s", symbol)
	}
	defer s.unlock(lockKey)

	switch job.Intent.Type {
	case dto.IntentOpenPosition:
		return s.openPosition(ctx, job, key, symbol)
	case dto.IntentClosePosition:
		return s.closePosition(ctx, job, key, symbol)
	default:
		return nil, Fatalf("intent %s cannot execute on hyperliquid", job.Intent.Type)
	}
}

func (s *HyperliquidService) tryLock(key string) bool {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if s.locks[key] {
		return false
	}
	s.locks[key] = true
	return true
}

func (s *HyperliquidService) unlock(key string) {
	s.locksMu.Lock()
	delete(s.locks, key)
	s.locksMu.Unlock()
}

// resolveSymbol maps an operator alias (or exchange symbol) to the exchange
// symbol.
func (s *HyperliquidService) resolveSymbol(market string) (string, error) {
	if market == "" {
		return "", Validationf("market is required")
	}
	if alias, ok := s.cfg.Aliases[strings.ToUpper(market)]; ok {
		return alias, nil
	}
	if alias, ok := s.cfg.Aliases[market]; ok {
		return alias, nil
	}
	return strings.ToUpper(market), nil
}

// assetMeta returns the symbol's trading metadata, refreshing the universe
// cache when stale.
func (s *HyperliquidService) assetMeta(ctx context.Context, symbol string) (clients.AssetMeta, int, error) {
	s.metaMu.RLock()
	fresh := time.Since(s.metaAt) < time.Duration(s.cfg.MetaTTLSeconds)*time.Second
	meta, ok := s.meta[symbol]
	idx := s.assetIdx[symbol]
	s.metaMu.RUnlock()
	if ok && fresh {
		return meta, idx, nil
	}

	universe, err := s.client.GetMeta(ctx)
	if err != nil {
		if ok {
			// Stale beats nothing: trading halts only if we never had meta.
			return meta, idx, nil
		}
		return clients.AssetMeta{}, 0, Retryablef("failed to fetch exchange meta: %w", err)
	}

	s.metaMu.Lock()
	s.meta = make(map[string]clients.AssetMeta, len(universe))
	s.assetIdx = make(map[string]int, len(universe))
	for i, asset := range universe {
		s.meta[asset.Name] = asset
		s.assetIdx[asset.Name] = i
	}
	s.metaAt = time.Now()
	meta, ok = s.meta[symbol]
	idx = s.assetIdx[symbol]
	s.metaMu.Unlock()

	if !ok {
		return clients.AssetMeta{}, 0, Validationf("unknown market %s", symbol)
	}
	return meta, idx, nil
}

func (s *HyperliquidService) openPosition(ctx context.Context, job *dto.TransactionJobData, key *models.SessionKey, symbol string) (*DispatchResult, error) {
	sizeUSD, err := strconv.ParseFloat(job.Intent.Size, 64)
	if err != nil || sizeUSD <= 0 {
		return nil, Validationf("invalid position size %q", job.Intent.Size)
	}
	isBuy := job.Intent.Side == "long"

	userAddress, err := s.userAddress(ctx, job)
	if err != nil {
		return nil, err
	}

	verdict, err := s.risk.ValidateTrade(ctx, job.UserID, userAddress, &job.Intent)
	if err != nil {
		return nil, err
	}
	if verdict.AdjustedSizeUSD > 0 {
		sizeUSD = verdict.AdjustedSizeUSD
	}

	meta, assetIdx, err := s.assetMeta(ctx, symbol)
	if err != nil {
		return nil, err
	}

	leverage := verdict.AdjustedLeverage
	if meta.MaxLeverage > 0 && leverage > meta.MaxLeverage {
		leverage = meta.MaxLeverage
	}
	if err := s.updateLeverage(ctx, job.SessionKeyID, assetIdx, leverage); err != nil {
		return nil, err
	}

	bid, ask, err := s.client.GetBookTop(ctx, symbol)
	if err != nil {
		return nil, Retryablef("failed to read book for %s: %w", symbol, err)
	}
	slippage := AdaptiveSlippage(verdict.AdjustedSlippage, bid, ask, s.riskCfg.MinSlippage, s.riskCfg.MaxSlippage)
	px := RoundIOCPrice(IOCPrice(isBuy, bid, ask, slippage), meta.SzDecimals)

	totalLots := LotsFromUSD(sizeUSD, px, meta.SzDecimals)
	if totalLots <= 0 {
		return nil, Validationf("position size $%.2f is below one lot of %s at %.6f", sizeUSD, symbol, px)
	}
	chunks := SplitLots(totalLots, DesiredChunks(sizeUSD, s.cfg.ChunkUSD, s.cfg.MaxChunks))

	filled, avgPx, err := s.placeChunks(ctx, job.SessionKeyID, symbol, assetIdx, isBuy, false, px, chunks, meta.SzDecimals, slippage)
	if err != nil {
		if filled > 0 {
			return nil, Fatalf("partial fill %s of %s lots then failure: %v",
				FormatLots(filled, meta.SzDecimals), FormatLots(totalLots, meta.SzDecimals), err)
		}
		return nil, err
	}

	return &DispatchResult{
		TxHash: fmt.Sprintf("hl:%s:%d", symbol, time.Now().UnixMilli()),
		Description: fmt.Sprintf("opened %s %s %s @ ~%s (%dx, slippage %.4f)",
			job.Intent.Side, FormatLots(filled, meta.SzDecimals), symbol, avgPx, leverage, slippage),
	}, nil
}

func (s *HyperliquidService) closePosition(ctx context.Context, job *dto.TransactionJobData, key *models.SessionKey, symbol string) (*DispatchResult, error) {
	userAddress, err := s.userAddress(ctx, job)
	if err != nil {
		return nil, err
	}

	position, err := s.client.GetPosition(ctx, userAddress, symbol)
	if err != nil {
		return nil, Retryablef("failed to read position for %s: %w", symbol, err)
	}
	if position == nil {
		// Closing a flat position is a no-op, not a failure: a redelivered
		// close whose first attempt succeeded must converge.
		return &DispatchResult{
			Description: fmt.Sprintf("no open %s position to close", symbol),
		}, nil
	}

	meta, assetIdx, err := s.assetMeta(ctx, symbol)
	if err != nil {
		return nil, err
	}

	// Closing a long sells; closing a short buys.
	isBuy := position.Szi < 0
	bid, ask, err := s.client.GetBookTop(ctx, symbol)
	if err != nil {
		return nil, Retryablef("failed to read book for %s: %w", symbol, err)
	}
	slippage := AdaptiveSlippage(s.riskCfg.MinSlippage, bid, ask, s.riskCfg.MinSlippage, s.riskCfg.MaxSlippage)
	px := RoundIOCPrice(IOCPrice(isBuy, bid, ask, slippage), meta.SzDecimals)

	totalLots := int64(math.Round(math.Abs(position.Szi) * math.Pow10(meta.SzDecimals)))
	if totalLots <= 0 {
		return &DispatchResult{Description: fmt.Sprintf("no open %s position to close", symbol)}, nil
	}
	positionUSD := math.Abs(position.Szi) * px
	chunks := SplitLots(totalLots, DesiredChunks(positionUSD, s.cfg.ChunkUSD, s.cfg.MaxChunks))

	filled, avgPx, err := s.placeChunks(ctx, job.SessionKeyID, symbol, assetIdx, isBuy, true, px, chunks, meta.SzDecimals, slippage)
	if err != nil {
		if filled > 0 {
			return nil, Fatalf("partially closed %s of %s lots then failure: %v",
				FormatLots(filled, meta.SzDecimals), FormatLots(totalLots, meta.SzDecimals), err)
		}
		return nil, err
	}

	return &DispatchResult{
		TxHash: fmt.Sprintf("hl:%s:%d", symbol, time.Now().UnixMilli()),
		Description: fmt.Sprintf("closed %s %s @ ~%s",
			FormatLots(filled, meta.SzDecimals), symbol, avgPx),
	}, nil
}

// placeChunks executes the chunk sequence in order, aborting on the first
// failed chunk. Returns filled lots and the last fill price seen.
func (s *HyperliquidService) placeChunks(ctx context.Context, sessionKeyID, symbol string, assetIdx int, isBuy, reduceOnly bool, px float64, chunks []int64, szDecimals int, slippage float64) (filledLots int64, avgPx string, err error) {
	for i, chunkLots := range chunks {
		sz := FormatLots(chunkLots, szDecimals)
		status, err := s.placeIOCOrder(ctx, sessionKeyID, symbol, assetIdx, isBuy, reduceOnly, px, sz, slippage)
		if err != nil {
			return filledLots, avgPx, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if status.Error != "" {
			s.recordStats(symbol, slippage, false)
			metrics.HLOrders.WithLabelValues(symbol, "rejected").Inc()
			return filledLots, avgPx, Fatalf("chunk %d/%d rejected by exchange: %s", i+1, len(chunks), status.Error)
		}
		if status.FilledSz == "" {
			// IOC that rested nothing and filled nothing: book moved past
			// our limit. Worth another delivery with a fresh book read.
			s.recordStats(symbol, slippage, false)
			metrics.HLOrders.WithLabelValues(symbol, "unfilled").Inc()
			return filledLots, avgPx, Retryablef("chunk %d/%d not filled at %.6f", i+1, len(chunks), px)
		}

		filledLots += chunkLots
		avgPx = status.AvgPx
		s.recordStats(symbol, slippage, true)
		metrics.HLOrders.WithLabelValues(symbol, "filled").Inc()
		log.Printf("[Hyperliquid] Chunk %d/%d filled: %s %s @ %s", i+1, len(chunks), sz, symbol, status.AvgPx)
	}
	return filledLots, avgPx, nil
}

// placeIOCOrder submits one signed IOC order with bounded retries on
// transport failures. Exchange-level rejections are never retried here.
func (s *HyperliquidService) placeIOCOrder(ctx context.Context, sessionKeyID, symbol string, assetIdx int, isBuy, reduceOnly bool, px float64, sz string, slippage float64) (*clients.OrderStatus, error) {
	action := map[string]any{
		"type": "order",
		"orders": []map[string]any{{
			"a": assetIdx,
			"b": isBuy,
			"p": strconv.FormatFloat(px, 'f', -1, 64),
			"s": sz,
			"r": reduceOnly,
			"t": map[string]any{"limit": map[string]any{"tif": "Ioc"}},
		}},
		"grouping": "na",
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(500*attempt)*time.Millisecond + time.Duration(rand.Intn(250))*time.Millisecond
			select {
			case <-ctx.Done():
				return nil, Retryablef("order interrupted: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		start := time.Now()
		statuses, err := s.postSignedAction(ctx, sessionKeyID, action)
		metrics.HLOrderLatency.WithLabelValues(symbol).Observe(time.Since(start).Seconds())
		if err != nil {
			lastErr = err
			continue
		}
		if len(statuses) == 0 {
			return nil, Retryablef("exchange returned no order status")
		}
		return &statuses[0], nil
	}
	return nil, Retryablef("order placement failed after retries: %w", lastErr)
}

func (s *HyperliquidService) updateLeverage(ctx context.Context, sessionKeyID string, assetIdx, leverage int) error {
	action := map[string]any{
		"type":     "updateLeverage",
		"asset":    assetIdx,
		"isCross":  true,
		"leverage": leverage,
	}
	if _, err := s.postSignedAction(ctx, sessionKeyID, action); err != nil {
		return Retryablef("failed to set leverage %dx: %w", leverage, err)
	}
	return nil
}

func (s *HyperliquidService) postSignedAction(ctx context.Context, sessionKeyID string, action map[string]any) ([]clients.OrderStatus, error) {
	nonce := time.Now().UnixMilli()
	envelope, err := json.Marshal(map[string]any{"action": action, "nonce": nonce})
	if err != nil {
		return nil, Fatalf("failed to encode exchange action: %w", err)
	}
	signature, err := s.signer.SignHyperliquidAction(ctx, sessionKeyID, string(envelope))
	if err != nil {
		return nil, Retryablef("signing failed: %w", err)
	}
	return s.client.PostExchange(ctx, action, nonce, signature)
}

// userAddress finds the account the position belongs to.
func (s *HyperliquidService) userAddress(ctx context.Context, job *dto.TransactionJobData) (string, error) {
	if job.Intent.UserAddress != "" {
		return job.Intent.UserAddress, nil
	}
	var wallet models.Wallet
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND chain = ?", job.UserID, "hyperliquid").
		First(&wallet).Error
	if err == gorm.ErrRecordNotFound {
		return "", Validationf("no hyperliquid wallet registered for user %s", job.UserID)
	}
	if err != nil {
		return "", Retryablef("failed to load wallet: %w", err)
	}
	return wallet.Address, nil
}

func (s *HyperliquidService) recordStats(symbol string, slippage float64, filled bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	stat := s.stats[symbol]
	if stat == nil {
		stat = &SymbolStats{}
		s.stats[symbol] = stat
	}
	stat.Orders++
	if filled {
		stat.Fills++
	} else {
		stat.Rejections++
	}
	// Exponentially-weighted running average; recent behaviour dominates.
	if stat.AvgSlippage == 0 {
		stat.AvgSlippage = slippage
	} else {
		stat.AvgSlippage = 0.8*stat.AvgSlippage + 0.2*slippage
	}
}

// Stats snapshots the per-symbol rolling counters.
func (s *HyperliquidService) Stats() map[string]SymbolStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := make(map[string]SymbolStats, len(s.stats))
	for symbol, stat := range s.stats {
		out[symbol] = *stat
	}
	return out
}

// AdaptiveSlippage widens the base slippage when the live spread is wider
// than it. A thin book needs more room than a tight one; the cap still
// binds.
func AdaptiveSlippage(base, bid, ask, min, max float64) float64 {
	slippage := base
	if bid > 0 && ask > bid {
		mid := (bid + ask) / 2
		spread := (ask - bid) / mid
		if widened := spread * 1.5; widened > slippage {
			slippage = widened
		}
	}
	if slippage < min {
		slippage = min
	}
	if slippage > max {
		slippage = max
	}
	return slippage
}

// IOCPrice is the aggressive limit for an immediate-or-cancel order: the
// worse (for us) of mid adjusted by slippage and the touch adjusted by the
// micro buffer, so the order crosses the book but never pays more than the
// slippage budget around mid allows.
func IOCPrice(isBuy bool, bid, ask, slippage float64) float64 {
	mid := (bid + ask) / 2
	if isBuy {
		fromMid := mid * (1 + slippage)
		fromTouch := ask * (1 + microBuffer)
		return math.Max(fromMid, fromTouch)
	}
	fromMid := mid * (1 - slippage)
	fromTouch := bid * (1 - microBuffer)
	return math.Min(fromMid, fromTouch)
}

// RoundIOCPrice rounds to the exchange's price grid: 5 significant figures
// and at most (6 - szDecimals) decimal places.
func RoundIOCPrice(px float64, szDecimals int) float64 {
	if px <= 0 {
		return px
	}
	digits := int(math.Floor(math.Log10(px))) + 1
	sigFactor := math.Pow10(hlMaxSigFigs - digits)
	rounded := math.Round(px*sigFactor) / sigFactor

	maxDecimals := 6 - szDecimals
	if maxDecimals < 0 {
		maxDecimals = 0
	}
	decFactor := math.Pow10(maxDecimals)
	return math.Round(rounded*decFactor) / decFactor
}

// LotsFromUSD converts a USD notional into integer lots of 10^-szDecimals
// base units, flooring so the order never exceeds the budget.
func LotsFromUSD(usd, px float64, szDecimals int) int64 {
	if px <= 0 {
		return 0
	}
	baseSize := usd / px
	return int64(math.Floor(baseSize * math.Pow10(szDecimals)))
}

// DesiredChunks picks how many chunks a notional splits into.
func DesiredChunks(usd, chunkUSD float64, maxChunks int) int {
	if chunkUSD <= 0 || usd <= chunkUSD {
		return 1
	}
	chunks := int(math.Ceil(usd / chunkUSD))
	if maxChunks > 0 && chunks > maxChunks {
		chunks = maxChunks
	}
	return chunks
}

// SplitLots divides totalLots into n integer parts whose sum is exactly
// totalLots. Earlier chunks carry the remainder.
func SplitLots(totalLots int64, n int) []int64 {
	if n <= 1 || totalLots <= int64(n) {
		return []int64{totalLots}
	}
	base := totalLots / int64(n)
	remainder := totalLots % int64(n)
	chunks := make([]int64, n)
	for i := range chunks {
		chunks[i] = base
		if int64(i) < remainder {
			chunks[i]++
		}
	}
	return chunks
}

// FormatLots renders an integer lot count as the exchange's decimal size
// string.
func FormatLots(lots int64, szDecimals int) string {
	size := float64(lots) / math.Pow10(szDecimals)
	return strconv.FormatFloat(size, 'f', szDecimals, 64)
}
