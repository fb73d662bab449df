package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"go-autopilot/internal/clients"
	"go-autopilot/internal/config"
	"go-autopilot/internal/dto"
	"go-autopilot/internal/metrics"
	"go-autopilot/internal/models"
	"go-autopilot/internal/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobQueue is the durable queue the admission controller hands jobs to.
// PublishJob reports whether the stream suppressed the message as a
// duplicate of an in-flight msg-id.
type JobQueue interface {
	PublishJob(msgID string, payload []byte) (duplicate bool, err error)
}

// BalanceReader resolves percentage amounts against live balances.
type BalanceReader interface {
	GetBalances(ctx context.Context, userAddress, chain string) ([]clients.PortfolioBalance, float64, error)
}

// AdmissionService is the single entry point for new transaction jobs. It
// validates, deduplicates, rate-limits, resolves percentage amounts,
// attaches a quote, opens the audit row and enqueues — in that order, so
// nothing reaches the queue that the worker could reject synchronously.
type AdmissionService struct {
	db       *gorm.DB
	cfg      *config.AdmissionConfig
	policy   *PolicyService
	quotes   *QuoteService
	balances BalanceReader
	queue    JobQueue

	// recentKeys is the fast path in front of the idempotency table; it only
	// absorbs double-clicks inside one process.
	mu         sync.Mutex
	recentKeys map[string]*SubmitResult
}

// NewAdmissionService creates the admission controller.
func NewAdmissionService(db *gorm.DB, cfg *config.AdmissionConfig, policy *PolicyService, quotes *QuoteService, balances BalanceReader, queue JobQueue) *AdmissionService {
	return &AdmissionService{
		db:         db,
		cfg:        cfg,
		policy:     policy,
		quotes:     quotes,
		balances:   balances,
		queue:      queue,
		recentKeys: make(map[string]*SubmitResult),
	}
}

// SubmitInput is one admission request.
type SubmitInput struct {
	UserID         string
	SessionKeyID   string
	StrategyID     *uint
	Source         string // api | internal | strategy
	IdempotencyKey string
	Intent         dto.TransactionIntent
}

// SubmitResult echoes what was enqueued. Deduplicated results replay the
// original submission's response unchanged.
type SubmitResult struct {
	JobID        string   `json:"jobId"`
	LogID        string   `json:"logId"`
	Deduplicated bool     `json:"deduplicated,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Submit admits one transaction intent into the execution pipeline.
func (s *AdmissionService) Submit(ctx context.Context, input *SubmitInput) (*SubmitResult, error) {
	if err := input.Intent.Validate(); err != nil {
		return nil, Validationf("%v", err)
	}
	SanitizeIntentTokens(&input.Intent, chainTokens)

	key, err := s.policy.GetSessionKey(ctx, input.UserID, input.SessionKeyID)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Authorize(ctx, key, &input.Intent, time.Now()); err != nil {
		return nil, err
	}

	// A generated key cannot dedup the caller's retries (they never see it),
	// but it keeps the audit metadata and queue msg-id derivation uniform.
	if input.IdempotencyKey == "" {
		input.IdempotencyKey = uuid.NewString()
	} else if result, replayed := s.replayIdempotent(ctx, input.UserID, input.IdempotencyKey); replayed {
		metrics.JobsDuplicate.Inc()
		return result, nil
	}

	if err := s.checkActiveCap(ctx, input.UserID); err != nil {
		return nil, err
	}

	warnings, err := s.resolvePercentageAmounts(ctx, &input.Intent)
	if err != nil {
		return nil, err
	}

	var quote *dto.Quote
	if needsProviderQuote(input.Intent.Type, chainType(input.Intent.PrimaryChain())) {
		quote, err = s.quotes.GetQuote(ctx, &input.Intent)
		if err != nil {
			return nil, Retryablef("failed to fetch quote: %w", err)
		}
	}

	jobID := uuid.NewString()
	logID, err := s.openAuditRow(ctx, input, jobID)
	if err != nil {
		return nil, err
	}

	job := dto.TransactionJobData{
		StrategyID:   input.StrategyID,
		UserID:       input.UserID,
		SessionKeyID: input.SessionKeyID,
		Intent:       input.Intent,
		Quote:        quote,
		Metadata: dto.JobMetadata{
			Source:         input.Source,
			EnqueuedAt:     time.Now(),
			IdempotencyKey: input.IdempotencyKey,
			RiskWarnings:   warnings,
			LogID:          logID,
		},
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, Fatalf("failed to marshal job: %w", err)
	}

	msgID := DeriveQueueMsgID(input.UserID, input.IdempotencyKey, jobID)
	duplicate, err := s.queue.PublishJob(msgID, payload)
	if err != nil {
		// The pending row must not outlive a failed enqueue.
		s.closeOrphanedRow(logID, err)
		return nil, Retryablef("failed to enqueue job: %w", err)
	}
	if duplicate {
		// A concurrent submission with the same key won the race to the
		// stream; this job's message was dropped and its pending row must
		// not linger against the active cap or the spend window.
		s.closeOrphanedRow(logID, fmt.Errorf("duplicate of an in-flight submission"))
		metrics.JobsDuplicate.Inc()
		return s.resolveDuplicate(ctx, input.UserID, input.IdempotencyKey), nil
	}

	result := &SubmitResult{JobID: jobID, LogID: logID, Warnings: warnings}
	s.storeIdempotent(ctx, input.UserID, input.IdempotencyKey, result)

	metrics.JobsEnqueued.WithLabelValues(input.Source, string(input.Intent.Type)).Inc()
	log.Printf("[Admission] Job %s enqueued for user %s (%s, source=%s)",
		jobID, input.UserID, input.Intent.Type, input.Source)
	return result, nil
}

// DeriveQueueMsgID builds the stream-level dedup id. With an idempotency
// key the id is stable across resubmissions; without one each job gets a
// unique id and the stream dedup window is a no-op.
func DeriveQueueMsgID(userID, idempotencyKey, jobID string) string {
	if idempotencyKey == "" {
		return jobID
	}
	sum := sha256.Sum256([]byte(userID + "\x00" + idempotencyKey))
	return hex.EncodeToString(sum[:])
}

func (s *AdmissionService) replayIdempotent(ctx context.Context, userID, idemKey string) (*SubmitResult, bool) {
	cacheKey := userID + "\x00" + idemKey

	s.mu.Lock()
	cached := s.recentKeys[cacheKey]
	s.mu.Unlock()
	if cached != nil {
		replay := *cached
		replay.Deduplicated = true
		return &replay, true
	}

	// Cold path: another replica may have admitted this key.
	var record models.IdempotencyRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND key = ? AND expires_at > ?", userID, idemKey, time.Now()).
		First(&record).Error
	if err != nil {
		return nil, false
	}
	var result SubmitResult
	if json.Unmarshal([]byte(record.Response), &result) != nil {
		return nil, false
	}
	result.Deduplicated = true
	return &result, true
}

func (s *AdmissionService) storeIdempotent(ctx context.Context, userID, idemKey string, result *SubmitResult) {
	response, err := json.Marshal(result)
	if err != nil {
		return
	}
	record := models.IdempotencyRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		Key:       idemKey,
		JobID:     result.JobID,
		Response:  string(response),
		ExpiresAt: time.Now().Add(time.Duration(s.cfg.IdempotencyTTLMinutes) * time.Minute),
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		// A lost race on the unique index means the other writer's response
		// wins; this submission already enqueued, which the msg-id dedup
		// absorbs at the stream.
		log.Printf("[Admission] Idempotency record write failed for user %s: %v", userID, err)
	}

	s.mu.Lock()
	if len(s.recentKeys) > 10000 {
		s.recentKeys = make(map[string]*SubmitResult)
	}
	s.recentKeys[userID+"\x00"+idemKey] = result
	s.mu.Unlock()
}

// checkActiveCap bounds the user's in-flight jobs. Pending audit rows are
// the in-flight set: one is opened per enqueue and closed at the terminal
// transition.
func (s *AdmissionService) checkActiveCap(ctx context.Context, userID string) error {
	var active int64
	err := s.db.WithContext(ctx).Model(&models.TransactionLog{}).
		Where("user_id = ? AND status = ?", userID, models.TransactionLogStatusPending).
		Count(&active).Error
	if err != nil {
		return Retryablef("failed to count active jobs: %w", err)
	}
	if active >= int64(s.cfg.MaxActiveJobsPerUser) {
		metrics.JobsRateLimited.Inc()
		return Policyf("too many active jobs: %d in flight (max %d)", active, s.cfg.MaxActiveJobsPerUser)
	}
	return nil
}

// resolvePercentageAmounts rewrites "N%" amounts into absolute base-unit
// amounts against the user's live balance. The intent is immutable after
// this point.
func (s *AdmissionService) resolvePercentageAmounts(ctx context.Context, intent *dto.TransactionIntent) ([]string, error) {
	var warnings []string
	switch intent.Type {
	case dto.IntentSwap, dto.IntentBridge:
		if !strings.HasSuffix(intent.FromAmount, "%") {
			return nil, nil
		}
		resolved, err := s.resolveOne(ctx, intent.UserAddress, intent.FromChain, intent.FromToken, intent.FromAmount)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, fmt.Sprintf("amount %s resolved to %s", intent.FromAmount, resolved))
		intent.FromAmount = resolved
	case dto.IntentTransfer:
		if !strings.HasSuffix(intent.Amount, "%") {
			return nil, nil
		}
		resolved, err := s.resolveOne(ctx, intent.FromAddress, intent.Chain, intent.TokenAddress, intent.Amount)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, fmt.Sprintf("amount %s resolved to %s", intent.Amount, resolved))
		intent.Amount = resolved
	}
	return warnings, nil
}

func (s *AdmissionService) resolveOne(ctx context.Context, userAddress, chain, token, pctAmount string) (string, error) {
	pct, err := strconv.ParseFloat(strings.TrimSuffix(pctAmount, "%"), 64)
	if err != nil || pct <= 0 || pct > 100 {
		return "", Validationf("invalid percentage amount %q", pctAmount)
	}

	balances, _, err := s.balances.GetBalances(ctx, userAddress, chain)
	if err != nil {
		return "", Retryablef("failed to read balances: %w", err)
	}
	assetID := fmt.Sprintf("%s:%s", chain, token)
	for _, balance := range balances {
		if !strings.EqualFold(balance.AssetID, assetID) {
			continue
		}
		resolved, err := ApplyPercentage(balance.Amount, pct)
		if err != nil {
			return "", Validationf("cannot resolve %s of balance %s: %v", pctAmount, balance.Amount, err)
		}
		if resolved == "0" {
			return "", Validationf("%s of %s balance is zero", pctAmount, token)
		}
		return resolved, nil
	}
	return "", Validationf("no %s balance on %s to resolve %s against", token, chain, pctAmount)
}

// ApplyPercentage computes floor(balance * pct / 100) in base units.
func ApplyPercentage(balance string, pct float64) (string, error) {
	amount, ok := new(big.Int).SetString(balance, 10)
	if !ok {
		return "", fmt.Errorf("malformed balance %q", balance)
	}
	// Scale the percentage to basis points to stay in integer arithmetic.
	bps := big.NewInt(int64(pct * 100))
	result := new(big.Int).Mul(amount, bps)
	result.Quo(result, big.NewInt(10000))
	return result.String(), nil
}

// openAuditRow creates the pending transaction log the worker will close.
func (s *AdmissionService) openAuditRow(ctx context.Context, input *SubmitInput, jobID string) (string, error) {
	token, amount := input.Intent.SpentToken()
	logRow := models.TransactionLog{
		ID:          jobID,
		UserID:      input.UserID,
		StrategyID:  input.StrategyID,
		Chain:       input.Intent.PrimaryChain(),
		Status:      models.TransactionLogStatusPending,
		Description: fmt.Sprintf("%s enqueued", input.Intent.Type),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := logRow.SetDetails(&models.TransactionLogDetails{
		IntentType:   string(input.Intent.Type),
		SpentToken:   strings.ToLower(token),
		SpentAmount:  amount,
		SessionKeyID: input.SessionKeyID,
	}); err != nil {
		return "", Fatalf("failed to encode log details: %w", err)
	}
	if err := s.db.WithContext(ctx).Create(&logRow).Error; err != nil {
		return "", Retryablef("failed to open transaction log: %w", err)
	}
	return logRow.ID, nil
}

// resolveDuplicate answers a submission whose enqueue the stream suppressed.
// The winner's stored response is preferred; when it has not been written
// yet the caller gets a bare dedup marker and can re-query.
func (s *AdmissionService) resolveDuplicate(ctx context.Context, userID, idemKey string) *SubmitResult {
	if result, replayed := s.replayIdempotent(ctx, userID, idemKey); replayed {
		return result
	}
	return &SubmitResult{Deduplicated: true}
}

// needsProviderQuote reports whether admission must attach a provider quote.
// Swaps and bridges always route through the provider; transfers only need
// one on chains whose transactions we cannot assemble locally.
func needsProviderQuote(intentType dto.IntentType, chainType string) bool {
	switch intentType {
	case dto.IntentSwap, dto.IntentBridge:
		return true
	case dto.IntentTransfer:
		return chainType == "solana"
	}
	return false
}

// SanitizeIntentTokens repairs token-address casing against per-chain token
// metadata before the intent is frozen. tokensFor returns the chain's known
// tokens (lowercase address -> symbol), or nil for unknown chains.
func SanitizeIntentTokens(intent *dto.TransactionIntent, tokensFor func(chain string) map[string]string) {
	switch intent.Type {
	case dto.IntentSwap, dto.IntentBridge:
		intent.FromToken = utils.SanitizeTokenAddress(intent.FromToken, tokensFor(intent.FromChain))
		intent.ToToken = utils.SanitizeTokenAddress(intent.ToToken, tokensFor(intent.ToChain))
	case dto.IntentTransfer:
		intent.TokenAddress = utils.SanitizeTokenAddress(intent.TokenAddress, tokensFor(intent.Chain))
	}
}

func chainTokens(chain string) map[string]string {
	chainCfg, err := config.GetChainConfig(chain)
	if err != nil {
		return nil
	}
	return chainCfg.Tokens
}

func chainType(chain string) string {
	chainCfg, err := config.GetChainConfig(chain)
	if err != nil {
		return ""
	}
	return chainCfg.Type
}

func (s *AdmissionService) closeOrphanedRow(logID string, cause error) {
	err := s.db.Model(&models.TransactionLog{}).
		Where("id = ? AND status = ?", logID, models.TransactionLogStatusPending).
		Updates(map[string]any{
			"status":      models.TransactionLogStatusFailed,
			"description": fmt.Sprintf("enqueue failed: %v", cause),
			"updated_at":  time.Now(),
		}).Error
	if err != nil {
		log.Printf("[Admission] Failed to close orphaned log %s: %v", logID, err)
	}
}
