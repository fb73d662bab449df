package services

import (
	"context"
	"time"

	"go-autopilot/internal/clients"
	"go-autopilot/internal/dto"
	"go-autopilot/internal/models"
)

// SolanaExecutor submits provider-serialized Solana transactions. We never
// assemble Solana instructions ourselves; the route provider serializes the
// transaction and the signer service signs it.
type SolanaExecutor struct {
	signer        *clients.SignerClient
	solanaClients map[string]*clients.SolanaClient
}

// NewSolanaExecutor creates the Solana execution branch.
func NewSolanaExecutor(signer *clients.SignerClient, solanaClients map[string]*clients.SolanaClient) *SolanaExecutor {
	return &SolanaExecutor{signer: signer, solanaClients: solanaClients}
}

func (e *SolanaExecutor) Name() string { return "solana" }

// Execute signs and sends the serialized transaction, then polls briefly
// for confirmation.
func (e *SolanaExecutor) Execute(ctx context.Context, job *dto.TransactionJobData, key *models.SessionKey, wallet *models.Wallet) (*DispatchResult, error) {
	chain := job.Intent.PrimaryChain()
	solanaClient, ok := e.solanaClients[chain]
	if !ok {
		return nil, Fatalf("no RPC client for chain %s", chain)
	}

	if job.Quote == nil || job.Quote.SerializedTx == "" {
		return nil, Fatalf("solana intent has no serialized transaction")
	}

	signedTx, err := e.signer.SignSolanaTransaction(ctx, job.SessionKeyID, job.Quote.SerializedTx)
	if err != nil {
		return nil, Retryablef("signing failed: %w", err)
	}

	signature, err := solanaClient.SendTransaction(ctx, signedTx)
	if err != nil {
		return nil, Retryablef("broadcast failed: %w", err)
	}

	result := &DispatchResult{TxHash: signature}
	confirmed, err := e.pollConfirmation(ctx, solanaClient, signature)
	if err != nil {
		// Mined and failed on-chain. A stale blockhash makes the same
		// serialized transaction unreplayable anyway.
		return nil, Fatalf("%v", err)
	}
	if confirmed {
		result.Description = "confirmed (signature " + signature + ")"
	} else {
		result.Pending = true
		result.Description = describeSubmitted(signature)
	}
	return result, nil
}

func (e *SolanaExecutor) pollConfirmation(ctx context.Context, solanaClient *clients.SolanaClient, signature string) (bool, error) {
	deadline := time.Now().Add(receiptWait)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		confirmed, found, err := solanaClient.GetSignatureStatus(ctx, signature)
		if err != nil && found {
			return false, err
		}
		if confirmed {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
		}
	}
	return false, nil
}
