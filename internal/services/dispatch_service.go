package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"go-autopilot/internal/clients"
	"go-autopilot/internal/config"
	"go-autopilot/internal/dto"
	"go-autopilot/internal/metrics"
	"go-autopilot/internal/models"
)

// DispatchResult is the outcome of one execution attempt.
type DispatchResult struct {
	TxHash       string
	ApprovalHash string
	// Pending marks a transaction that was accepted by the network but not
	// yet confirmed when we stopped waiting. The audit row still closes as
	// success: submission is the point of no return.
	Pending     bool
	Description string
}

// ChainExecutor executes one job variant on one kind of rail.
type ChainExecutor interface {
	Name() string
	Execute(ctx context.Context, job *dto.TransactionJobData, key *models.SessionKey, wallet *models.Wallet) (*DispatchResult, error)
}

// DispatchService routes an admitted job to the executor its chain and
// wallet demand. Every dispatch re-runs the full policy check; admission
// checks may be stale by the time a retry lands here.
type DispatchService struct {
	policy      *PolicyService
	quotes      *QuoteService
	wallets     *WalletService
	hyperliquid *HyperliquidService

	eoa          *EOAExecutor
	smartAccount *SmartAccountExecutor
	solana       *SolanaExecutor
}

// NewDispatchService wires the dispatcher.
func NewDispatchService(policy *PolicyService, quotes *QuoteService, wallets *WalletService, hyperliquid *HyperliquidService, signer *clients.SignerClient, evmClients map[string]*clients.EvmClient, solanaClients map[string]*clients.SolanaClient, bundlers map[string]*clients.BundlerClient) *DispatchService {
	return &DispatchService{
		policy:       policy,
		quotes:       quotes,
		wallets:      wallets,
		hyperliquid:  hyperliquid,
		eoa:          NewEOAExecutor(signer, evmClients, policy),
		smartAccount: NewSmartAccountExecutor(signer, bundlers, policy),
		solana:       NewSolanaExecutor(signer, solanaClients),
	}
}

// Dispatch executes one job end to end and returns the terminal result of
// this attempt.
func (s *DispatchService) Dispatch(ctx context.Context, job *dto.TransactionJobData) (*DispatchResult, error) {
	key, err := s.policy.GetSessionKey(ctx, job.UserID, job.SessionKeyID)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Authorize(ctx, key, &job.Intent, time.Now()); err != nil {
		return nil, err
	}

	// Derivative intents never touch an on-chain wallet here.
	if job.Intent.Type == dto.IntentOpenPosition || job.Intent.Type == dto.IntentClosePosition {
		return s.dispatchTo(ctx, s.hyperliquid, job, key, nil, "hyperliquid")
	}

	chain := job.Intent.PrimaryChain()
	chainCfg, err := config.GetChainConfig(chain)
	if err != nil {
		return nil, Fatalf("chain %s unavailable: %v", chain, err)
	}

	if err := s.refreshQuoteIfExpired(ctx, job); err != nil {
		return nil, err
	}

	if chainCfg.Type == "solana" {
		wallet, err := s.resolveWallet(ctx, job, chain)
		if err != nil {
			return nil, err
		}
		return s.dispatchTo(ctx, s.solana, job, key, wallet, chain)
	}

	wallet, err := s.resolveWallet(ctx, job, chain)
	if err != nil {
		return nil, err
	}
	if wallet.Type == models.WalletTypeSmartAccount && chainCfg.BundlerURL != "" {
		return s.dispatchTo(ctx, s.smartAccount, job, key, wallet, chain)
	}
	return s.dispatchTo(ctx, s.eoa, job, key, wallet, chain)
}

func (s *DispatchService) dispatchTo(ctx context.Context, executor ChainExecutor, job *dto.TransactionJobData, key *models.SessionKey, wallet *models.Wallet, chain string) (*DispatchResult, error) {
	start := time.Now()
	result, err := executor.Execute(ctx, job, key, wallet)
	metrics.DispatchDuration.WithLabelValues(chain, executor.Name()).Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = string(ClassOf(err))
	} else if result.Pending {
		status = "pending"
	}
	metrics.DispatchResults.WithLabelValues(chain, executor.Name(), status).Inc()

	if err != nil {
		return nil, err
	}
	log.Printf("[Dispatch] %s job on %s via %s: tx=%s pending=%v",
		job.Intent.Type, chain, executor.Name(), result.TxHash, result.Pending)
	return result, nil
}

func (s *DispatchService) resolveWallet(ctx context.Context, job *dto.TransactionJobData, chain string) (*models.Wallet, error) {
	userAddress := job.Intent.UserAddress
	if userAddress == "" {
		userAddress = job.Intent.FromAddress
	}
	if userAddress == "" {
		return nil, Validationf("intent carries no user address for wallet resolution")
	}
	return s.wallets.ResolveWallet(ctx, job.UserID, userAddress, chain)
}

// refreshQuoteIfExpired replaces a stale quote in place. A missing quote on
// a swap or bridge is a hard invariant violation, not a refetch case;
// transfers carry a quote only on chains whose payloads the provider builds,
// so a quote-less transfer passes through to local assembly.
func (s *DispatchService) refreshQuoteIfExpired(ctx context.Context, job *dto.TransactionJobData) error {
	switch job.Intent.Type {
	case dto.IntentSwap, dto.IntentBridge:
		if job.Quote == nil || !job.Quote.HasPayload() {
			return Fatalf("routed intent %s reached dispatch without an executable quote", job.Intent.Type)
		}
	case dto.IntentTransfer:
		if job.Quote == nil {
			return nil
		}
	default:
		return nil
	}
	if time.Now().Before(job.Quote.ExpiresAt) {
		return nil
	}

	fresh, err := s.quotes.GetQuote(ctx, &job.Intent)
	if err != nil {
		return Retryablef("quote expired and refetch failed: %w", err)
	}
	if !fresh.HasPayload() {
		return Fatalf("refetched quote has no executable payload")
	}
	log.Printf("[Dispatch] Refreshed expired quote for job (tool %s -> %s)", job.Quote.Tool, fresh.Tool)
	job.Quote = fresh
	return nil
}

// describeSubmitted is the shared wording for accepted-but-unconfirmed
// submissions.
func describeSubmitted(txHash string) string {
	return fmt.Sprintf("submitted; awaiting confirmation (tx %s)", txHash)
}
