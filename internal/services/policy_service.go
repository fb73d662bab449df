package services

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"go-autopilot/internal/dto"
	"go-autopilot/internal/metrics"
	"go-autopilot/internal/models"
	"go-autopilot/internal/utils"

	"gorm.io/gorm"
)

// PolicyService is the session-key policy engine. Every dispatch re-checks
// the full policy at execution time; admission-time checks are a fast-fail
// convenience, not the enforcement point.
type PolicyService struct {
	db *gorm.DB
}

// NewPolicyService creates the policy engine.
func NewPolicyService(db *gorm.DB) *PolicyService {
	return &PolicyService{db: db}
}

// GetSessionKey loads a session key owned by the user.
func (s *PolicyService) GetSessionKey(ctx context.Context, userID, sessionKeyID string) (*models.SessionKey, error) {
	var key models.SessionKey
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", sessionKeyID, userID).
		First(&key).Error
	if err == gorm.ErrRecordNotFound {
		return nil, Policyf("session key %s not found", sessionKeyID)
	}
	if err != nil {
		return nil, Retryablef("failed to load session key: %w", err)
	}
	return &key, nil
}

// Authorize checks an intent against a session key's full permission set.
// Policy failures are terminal; they are never retried.
func (s *PolicyService) Authorize(ctx context.Context, key *models.SessionKey, intent *dto.TransactionIntent, now time.Time) error {
	if !key.IsUsable(now) {
		metrics.PolicyRejections.WithLabelValues("key_unusable").Inc()
		if !key.IsActive {
			return Policyf("session key %s is revoked", key.ID)
		}
		return Policyf("session key %s expired at %s", key.ID, key.ExpiresAt.Format(time.RFC3339))
	}

	action := intent.Action()
	if !key.Permissions.AllowsAction(action) {
		metrics.PolicyRejections.WithLabelValues("action").Inc()
		return Policyf("session key %s does not permit action %q", key.ID, action)
	}

	for _, chain := range intent.TouchedChains() {
		if !key.Permissions.AllowsChain(chain) {
			metrics.PolicyRejections.WithLabelValues("chain").Inc()
			return Policyf("session key %s does not permit chain %q", key.ID, chain)
		}
	}

	switch intent.Type {
	case dto.IntentTransfer:
		if err := s.checkContractTarget(key, intent.ToAddress); err != nil {
			return err
		}
	case dto.IntentOpenPosition, dto.IntentClosePosition:
		if err := s.checkHyperliquid(key, intent); err != nil {
			return err
		}
	}

	if token, amount := intent.SpentToken(); token != "" {
		if err := s.checkSpendLimit(ctx, key, token, amount, now); err != nil {
			return err
		}
	}

	return nil
}

// AuthorizeContractTarget checks a quote-provided destination contract
// against the key's allowlist. Called at dispatch, once the actual target
// is known.
func (s *PolicyService) AuthorizeContractTarget(key *models.SessionKey, contractAddress string) error {
	return s.checkContractTarget(key, contractAddress)
}

func (s *PolicyService) checkContractTarget(key *models.SessionKey, target string) error {
	if len(key.Permissions.AllowedContracts) == 0 {
		return nil
	}
	for _, allowed := range key.Permissions.AllowedContracts {
		if utils.SameAddress(allowed, target) || strings.EqualFold(allowed, target) {
			return nil
		}
	}
	metrics.PolicyRejections.WithLabelValues("contract").Inc()
	return Policyf("session key %s does not permit target contract %s", key.ID, target)
}

func (s *PolicyService) checkHyperliquid(key *models.SessionKey, intent *dto.TransactionIntent) error {
	if len(key.Permissions.HLAllowedMarkets) > 0 {
		allowed := false
		for _, market := range key.Permissions.HLAllowedMarkets {
			if strings.EqualFold(market, intent.Market) {
				allowed = true
				break
			}
		}
		if !allowed {
			metrics.PolicyRejections.WithLabelValues("hl_market").Inc()
			return Policyf("session key %s does not permit market %q", key.ID, intent.Market)
		}
	}

	if intent.Type == dto.IntentOpenPosition && key.Permissions.HLMaxUsdPerTrade > 0 {
		sizeUSD, err := strconv.ParseFloat(intent.Size, 64)
		if err != nil {
			return Validationf("invalid position size %q", intent.Size)
		}
		if sizeUSD > key.Permissions.HLMaxUsdPerTrade {
			metrics.PolicyRejections.WithLabelValues("hl_size").Inc()
			return Policyf("position size $%.2f exceeds session key limit $%.2f",
				sizeUSD, key.Permissions.HLMaxUsdPerTrade)
		}
	}
	return nil
}

// checkSpendLimit replays settled spends from the transaction log and
// refuses the intent if it would push the rolling-window total past the
// key's cap. The replay reads committed rows only; two concurrent spends
// can each pass and overshoot slightly, which we accept in exchange for
// not serializing all spends behind a table lock.
func (s *PolicyService) checkSpendLimit(ctx context.Context, key *models.SessionKey, token, amount string, now time.Time) error {
	limit := key.Permissions.LimitFor(token)
	if limit == nil {
		return nil
	}

	maxAmount, ok := new(big.Int).SetString(limit.MaxAmount, 10)
	if !ok {
		return Fatalf("session key %s has malformed spend limit for %s", key.ID, token)
	}
	spend, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return Validationf("malformed spend amount %q", amount)
	}

	if limit.WindowSec <= 0 {
		if spend.Cmp(maxAmount) > 0 {
			metrics.PolicyRejections.WithLabelValues("spend_limit").Inc()
			return Policyf("spend %s of %s exceeds per-transaction limit %s", amount, token, limit.MaxAmount)
		}
		return nil
	}

	windowStart := now.Add(-time.Duration(limit.WindowSec) * time.Second)
	prior, err := s.spentInWindow(ctx, key.ID, token, windowStart)
	if err != nil {
		return Retryablef("failed to replay spend window: %w", err)
	}

	if err := CheckSpendWindow(prior, spend, maxAmount); err != nil {
		metrics.PolicyRejections.WithLabelValues("spend_limit").Inc()
		return Policyf("spend %s of %s rejected: %v (spent %s of %s in window)",
			amount, token, err, prior.String(), limit.MaxAmount)
	}
	return nil
}

// CheckSpendWindow is the pure window arithmetic: prior + spend must not
// exceed max.
func CheckSpendWindow(prior, spend, max *big.Int) error {
	total := new(big.Int).Add(prior, spend)
	if total.Cmp(max) > 0 {
		return fmt.Errorf("window limit exceeded")
	}
	return nil
}

// spentInWindow sums successful spends of one token by one session key
// since windowStart. Pending rows count too: a spend in flight is a spend.
func (s *PolicyService) spentInWindow(ctx context.Context, sessionKeyID, token string, windowStart time.Time) (*big.Int, error) {
	var rows []models.TransactionLog
	err := s.db.WithContext(ctx).
		Where("details->>'sessionKeyId' = ? AND lower(details->>'spentToken') = ? AND created_at >= ? AND status IN ?",
			sessionKeyID, strings.ToLower(token), windowStart,
			[]models.TransactionLogStatus{models.TransactionLogStatusPending, models.TransactionLogStatusSuccess}).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	total := new(big.Int)
	for _, row := range rows {
		details, err := row.ParsedDetails()
		if err != nil || details.SpentAmount == "" {
			continue
		}
		if amount, ok := new(big.Int).SetString(details.SpentAmount, 10); ok {
			total.Add(total, amount)
		}
	}
	return total, nil
}
