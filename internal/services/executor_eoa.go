package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go-autopilot/internal/clients"
	"go-autopilot/internal/dto"
	"go-autopilot/internal/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// receiptWait bounds how long an executor blocks on confirmation before
// reporting the submission as pending.
const receiptWait = 90 * time.Second

// EOAExecutor signs and broadcasts plain transactions from a directly-held
// account. The signer service holds the key; we build the transaction and
// ship the unsigned JSON there.
type EOAExecutor struct {
	signer     *clients.SignerClient
	evmClients map[string]*clients.EvmClient
	policy     *PolicyService
}

// NewEOAExecutor creates the EOA execution branch.
func NewEOAExecutor(signer *clients.SignerClient, evmClients map[string]*clients.EvmClient, policy *PolicyService) *EOAExecutor {
	return &EOAExecutor{signer: signer, evmClients: evmClients, policy: policy}
}

func (e *EOAExecutor) Name() string { return "eoa" }

// Execute runs the job's transaction (approval first when present) and
// waits a bounded time for confirmation.
func (e *EOAExecutor) Execute(ctx context.Context, job *dto.TransactionJobData, key *models.SessionKey, wallet *models.Wallet) (*DispatchResult, error) {
	chain := job.Intent.PrimaryChain()
	evmClient, ok := e.evmClients[chain]
	if !ok {
		return nil, Fatalf("no RPC client for chain %s", chain)
	}

	mainTx, approvalTx, err := buildEvmPayload(job)
	if err != nil {
		return nil, err
	}
	if err := e.policy.AuthorizeContractTarget(key, mainTx.To); err != nil {
		return nil, err
	}

	result := &DispatchResult{}
	if approvalTx != nil {
		approvalHash, err := e.sendAndWait(ctx, evmClient, job.SessionKeyID, wallet.Address, approvalTx, true)
		if err != nil {
			return nil, fmt.Errorf("approval failed: %w", err)
		}
		result.ApprovalHash = approvalHash
		log.Printf("[EOA] Approval confirmed on %s: %s", chain, approvalHash)
	}

	txHash, err := e.sendAndWait(ctx, evmClient, job.SessionKeyID, wallet.Address, mainTx, false)
	if err != nil {
		return nil, err
	}
	result.TxHash = txHash

	confirmed, err := e.waitBounded(ctx, evmClient, txHash)
	if err != nil {
		return nil, err
	}
	if confirmed {
		result.Description = fmt.Sprintf("confirmed (tx %s)", txHash)
	} else {
		result.Pending = true
		result.Description = describeSubmitted(txHash)
	}
	return result, nil
}

// sendAndWait builds, signs and broadcasts one transaction. When
// waitConfirm is set it blocks until the transaction is mined (approvals
// must land before the main transaction may be sent).
func (e *EOAExecutor) sendAndWait(ctx context.Context, evmClient *clients.EvmClient, sessionKeyID, fromAddress string, txReq *dto.EvmTxRequest, waitConfirm bool) (string, error) {
	nonce, err := evmClient.PendingNonce(ctx, fromAddress)
	if err != nil {
		return "", Retryablef("failed to read nonce: %w", err)
	}
	gasPrice, err := evmClient.SuggestGasPrice(ctx)
	if err != nil {
		return "", Retryablef("failed to read gas price: %w", err)
	}

	value, err := ParseWeiAmount(txReq.Value)
	if err != nil {
		return "", Validationf("%v", err)
	}

	gasLimit := txReq.GasLimit
	if gasLimit == 0 {
		data, err := hexutil.Decode(padHexPrefix(txReq.Data))
		if err != nil {
			return "", Validationf("malformed calldata: %v", err)
		}
		estimated, err := evmClient.EstimateGas(ctx, fromAddress, txReq.To, value, data)
		if err != nil {
			return "", Retryablef("gas estimation failed: %w", err)
		}
		gasLimit = estimated + estimated/5
	}

	unsigned := map[string]any{
		"to":       txReq.To,
		"data":     padHexPrefix(txReq.Data),
		"value":    hexutil.EncodeBig(value),
		"nonce":    nonce,
		"gasLimit": gasLimit,
		"gasPrice": hexutil.EncodeBig(gasPrice),
		"chainId":  evmClient.ChainID().Int64(),
	}
	txJSON, err := json.Marshal(unsigned)
	if err != nil {
		return "", Fatalf("failed to encode transaction: %w", err)
	}

	signedTx, err := e.signer.SignEvmTransaction(ctx, sessionKeyID, evmClient.ChainID().Int64(), string(txJSON))
	if err != nil {
		return "", Retryablef("signing failed: %w", err)
	}

	txHash, err := evmClient.SendRawTransaction(ctx, signedTx)
	if err != nil {
		return "", Retryablef("broadcast failed: %w", err)
	}

	if waitConfirm {
		waitCtx, cancel := context.WithTimeout(ctx, receiptWait)
		defer cancel()
		if _, err := evmClient.WaitForReceipt(waitCtx, txHash); err != nil {
			return txHash, Retryablef("approval %s not confirmed: %w", txHash, err)
		}
	}
	return txHash, nil
}

// waitBounded waits for the main transaction's receipt up to receiptWait.
// Timing out is not a failure; the transaction is in flight.
func (e *EOAExecutor) waitBounded(ctx context.Context, evmClient *clients.EvmClient, txHash string) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, receiptWait)
	defer cancel()

	receipt, err := evmClient.WaitForReceipt(waitCtx, txHash)
	if err != nil {
		if receipt != nil {
			// Mined and reverted: retrying the same payload reverts again.
			return false, Fatalf("transaction reverted: %v", err)
		}
		return false, nil
	}
	return true, nil
}

// buildEvmPayload extracts the quote payload or synthesizes one for a
// transfer intent.
func buildEvmPayload(job *dto.TransactionJobData) (mainTx, approvalTx *dto.EvmTxRequest, err error) {
	switch job.Intent.Type {
	case dto.IntentSwap, dto.IntentBridge:
		if job.Quote == nil || job.Quote.TransactionRequest == nil {
			return nil, nil, Fatalf("routed intent has no EVM transaction request")
		}
		return job.Quote.TransactionRequest, job.Quote.ApprovalTx, nil

	case dto.IntentTransfer:
		amount, err := ParseWeiAmount(job.Intent.Amount)
		if err != nil {
			return nil, nil, Validationf("%v", err)
		}
		if IsNativeToken(job.Intent.TokenAddress) {
			return &dto.EvmTxRequest{
				To:    job.Intent.ToAddress,
				Data:  "0x",
				Value: amount.String(),
			}, nil, nil
		}
		calldata, err := EncodeERC20Transfer(job.Intent.ToAddress, amount)
		if err != nil {
			return nil, nil, Fatalf("%v", err)
		}
		return &dto.EvmTxRequest{
			To:    job.Intent.TokenAddress,
			Data:  hexutil.Encode(calldata),
			Value: "0",
		}, nil, nil

	default:
		return nil, nil, Fatalf("intent %s cannot execute on an EVM rail", job.Intent.Type)
	}
}

func padHexPrefix(data string) string {
	if data == "" {
		return "0x"
	}
	if len(data) >= 2 && data[:2] == "0x" {
		return data
	}
	return "0x" + data
}
