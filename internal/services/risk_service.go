package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go-autopilot/internal/config"
	"go-autopilot/internal/dto"
	"go-autopilot/internal/models"

	"gorm.io/gorm"
)

// PortfolioReader supplies the user's total portfolio value.
type PortfolioReader interface {
	TotalValueUSD(ctx context.Context, userAddress string) (float64, error)
}

// TradeHistory supplies recent trading activity for frequency and
// liquidation checks.
type TradeHistory interface {
	CountTradesSince(ctx context.Context, userID string, since time.Time) (int64, error)
	HadLiquidationSince(ctx context.Context, userID string, since time.Time) (bool, error)
}

// RiskService enforces portfolio-relative risk rules on derivative trades.
// It rejects or degrades; it never upgrades a request.
type RiskService struct {
	cfg       *config.RiskConfig
	portfolio PortfolioReader
	history   TradeHistory
}

// NewRiskService creates the risk manager.
func NewRiskService(cfg *config.RiskConfig, portfolio PortfolioReader, history TradeHistory) *RiskService {
	return &RiskService{cfg: cfg, portfolio: portfolio, history: history}
}

// RiskVerdict is the outcome of a risk evaluation. Adjusted values replace
// the requested ones; warnings travel with the job for audit.
type RiskVerdict struct {
	AdjustedLeverage int
	AdjustedSlippage float64
	AdjustedSizeUSD  float64
	MaxPositionUSD   float64
	Warnings         []string
}

// LeverageCapForPortfolio returns the leverage ceiling for a portfolio
// size. Larger portfolios earn higher caps; a recent liquidation halves the
// cap (rounding down, floor 1). The absolute ceiling applies last.
func LeverageCapForPortfolio(portfolioUSD float64, recentLiquidation bool, cfg *config.RiskConfig) int {
	var cap int
	switch {
	case portfolioUSD < cfg.Tier1PortfolioUSD:
		cap = cfg.Tier1MaxLeverage
	case portfolioUSD < cfg.Tier2PortfolioUSD:
		cap = cfg.Tier2MaxLeverage
	default:
		cap = cfg.Tier3MaxLeverage
	}
	if recentLiquidation {
		cap /= 2
		if cap < 1 {
			cap = 1
		}
	}
	if cap > cfg.AbsoluteMaxLeverage {
		cap = cfg.AbsoluteMaxLeverage
	}
	return cap
}

// ClampSlippage bounds a requested slippage fraction to the configured
// window. Zero means "not specified" and gets the minimum.
func ClampSlippage(requested float64, cfg *config.RiskConfig) float64 {
	if requested <= 0 {
		return cfg.MinSlippage
	}
	if requested < cfg.MinSlippage {
		return cfg.MinSlippage
	}
	if requested > cfg.MaxSlippage {
		return cfg.MaxSlippage
	}
	return requested
}

// ValidateTrade evaluates a derivative trade intent. Hard violations return
// a policy-class error; soft adjustments come back in the verdict with a
// warning each.
func (s *RiskService) ValidateTrade(ctx context.Context, userID, userAddress string, intent *dto.TransactionIntent) (*RiskVerdict, error) {
	now := time.Now()

	hourly, err := s.history.CountTradesSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return nil, Retryablef("failed to read trade history: %w", err)
	}
	if hourly >= int64(s.cfg.MaxTradesPerHour) {
		return nil, Policyf("trade frequency limit reached: %d trades in the last hour (max %d)", hourly, s.cfg.MaxTradesPerHour)
	}
	daily, err := s.history.CountTradesSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, Retryablef("failed to read trade history: %w", err)
	}
	if daily >= int64(s.cfg.MaxTradesPerDay) {
		return nil, Policyf("trade frequency limit reached: %d trades in the last 24h (max %d)", daily, s.cfg.MaxTradesPerDay)
	}

	portfolioUSD, err := s.portfolio.TotalValueUSD(ctx, userAddress)
	if err != nil {
		return nil, Retryablef("failed to read portfolio value: %w", err)
	}

	lookback := time.Duration(s.cfg.LiquidationLookbackHours) * time.Hour
	liquidated, err := s.history.HadLiquidationSince(ctx, userID, now.Add(-lookback))
	if err != nil {
		return nil, Retryablef("failed to read liquidation history: %w", err)
	}

	verdict := &RiskVerdict{}

	leverageCap := LeverageCapForPortfolio(portfolioUSD, liquidated, s.cfg)
	verdict.AdjustedLeverage = intent.Leverage
	if intent.Leverage <= 0 {
		verdict.AdjustedLeverage = 1
	} else if intent.Leverage > leverageCap {
		verdict.AdjustedLeverage = leverageCap
		reason := fmt.Sprintf("leverage reduced from %dx to %dx (portfolio $%.0f", intent.Leverage, leverageCap, portfolioUSD)
		if liquidated {
			reason += ", recent liquidation"
		}
		reason += ")"
		verdict.Warnings = append(verdict.Warnings, reason)
	}

	if intent.Size != "" {
		sizeUSD, err := strconv.ParseFloat(intent.Size, 64)
		if err != nil || sizeUSD <= 0 {
			return nil, Validationf("invalid position size %q", intent.Size)
		}

		// Margin insufficiency is a hard reject: the position cannot be
		// funded at any compliant size the caller asked for.
		requiredMargin := sizeUSD / float64(verdict.AdjustedLeverage)
		if requiredMargin > portfolioUSD {
			return nil, Policyf("insufficient margin: $%.2f at %dx requires $%.2f, portfolio is $%.2f",
				sizeUSD, verdict.AdjustedLeverage, requiredMargin, portfolioUSD)
		}

		verdict.MaxPositionUSD = portfolioUSD * s.cfg.MaxPositionPortfolioFraction * float64(verdict.AdjustedLeverage)
		verdict.AdjustedSizeUSD = sizeUSD
		if verdict.MaxPositionUSD > 0 && sizeUSD > verdict.MaxPositionUSD {
			verdict.AdjustedSizeUSD = verdict.MaxPositionUSD
			verdict.Warnings = append(verdict.Warnings,
				fmt.Sprintf("position size reduced from $%.2f to $%.2f (max %.0f%% of portfolio at %dx)",
					sizeUSD, verdict.AdjustedSizeUSD, s.cfg.MaxPositionPortfolioFraction*100, verdict.AdjustedLeverage))
		}
	}

	requestedSlippage := 0.0
	if intent.Slippage != nil {
		requestedSlippage = *intent.Slippage
	}
	verdict.AdjustedSlippage = ClampSlippage(requestedSlippage, s.cfg)
	if requestedSlippage > s.cfg.MaxSlippage {
		verdict.Warnings = append(verdict.Warnings,
			fmt.Sprintf("slippage reduced from %.4f to %.4f", requestedSlippage, verdict.AdjustedSlippage))
	} else if requestedSlippage > 0 && requestedSlippage < s.cfg.MinSlippage {
		verdict.Warnings = append(verdict.Warnings,
			fmt.Sprintf("slippage increased from %.4f to %.4f", requestedSlippage, verdict.AdjustedSlippage))
	}

	return verdict, nil
}

// GormTradeHistory reads trade activity from the transaction log.
type GormTradeHistory struct {
	db *gorm.DB
}

// NewGormTradeHistory creates the log-backed history reader.
func NewGormTradeHistory(db *gorm.DB) *GormTradeHistory {
	return &GormTradeHistory{db: db}
}

// CountTradesSince counts position trades the user opened since the cutoff.
// Pending rows count too: an in-flight trade occupies frequency budget.
func (h *GormTradeHistory) CountTradesSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var count int64
	err := h.db.WithContext(ctx).Model(&models.TransactionLog{}).
		Where("user_id = ? AND details->>'intentType' IN ? AND created_at >= ? AND status IN ?",
			userID,
			[]string{"open_position", "close_position"},
			since,
			[]models.TransactionLogStatus{models.TransactionLogStatusPending, models.TransactionLogStatusSuccess}).
		Count(&count).Error
	return count, err
}

// HadLiquidationSince reports whether a liquidation was recorded for the
// user since the cutoff.
func (h *GormTradeHistory) HadLiquidationSince(ctx context.Context, userID string, since time.Time) (bool, error) {
	var count int64
	err := h.db.WithContext(ctx).Model(&models.TransactionLog{}).
		Where("user_id = ? AND details->>'event' = ? AND created_at >= ?", userID, "liquidation", since).
		Count(&count).Error
	return count > 0, err
}
