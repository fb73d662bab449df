package services

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"go-autopilot/internal/clients"
	"go-autopilot/internal/config"
	"go-autopilot/internal/dto"
	"go-autopilot/internal/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SmartAccountExecutor executes through an ERC-4337 bundler: wrap the call
// in a user operation, sponsor it when the chain allows, sign the operation
// hash and hand it to the bundler.
type SmartAccountExecutor struct {
	signer   *clients.SignerClient
	bundlers map[string]*clients.BundlerClient
	policy   *PolicyService
}

// NewSmartAccountExecutor creates the 4337 execution branch.
func NewSmartAccountExecutor(signer *clients.SignerClient, bundlers map[string]*clients.BundlerClient, policy *PolicyService) *SmartAccountExecutor {
	return &SmartAccountExecutor{signer: signer, bundlers: bundlers, policy: policy}
}

func (e *SmartAccountExecutor) Name() string { return "smart-account" }

// Execute wraps the job's transaction in a user operation. An approval
// travels as its own user operation before the main one; batching both into
// one executeBatch is a known improvement once the deployed accounts
// support it.
func (e *SmartAccountExecutor) Execute(ctx context.Context, job *dto.TransactionJobData, key *models.SessionKey, wallet *models.Wallet) (*DispatchResult, error) {
	chain := job.Intent.PrimaryChain()
	bundler, ok := e.bundlers[chain]
	if !ok {
		return nil, Fatalf("no bundler client for chain %s", chain)
	}
	chainCfg, err := config.GetChainConfig(chain)
	if err != nil {
		return nil, Fatalf("chain %s unavailable: %v", chain, err)
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
		approvalHash, err := e.submitUserOp(ctx, bundler, chainCfg, job.SessionKeyID, wallet.SmartAccountAddress, approvalTx, true)
		if err != nil {
			return nil, fmt.Errorf("approval failed: %w", err)
		}
		result.ApprovalHash = approvalHash
		log.Printf("[SmartAccount] Approval op confirmed on %s: %s", chain, approvalHash)
	}

	opHash, err := e.submitUserOp(ctx, bundler, chainCfg, job.SessionKeyID, wallet.SmartAccountAddress, mainTx, false)
	if err != nil {
		return nil, err
	}
	result.TxHash = opHash
	result.Pending = true
	result.Description = describeSubmitted(opHash)

	// Give the bundler a short window; most ops mine within a few blocks.
	if receipt := e.pollReceipt(ctx, bundler, opHash); receipt != nil {
		if !receipt.Success {
			return nil, Fatalf("user operation reverted: %s", receipt.Reason)
		}
		result.TxHash = receipt.Receipt.TransactionHash
		result.Pending = false
		result.Description = fmt.Sprintf("confirmed (tx %s)", result.TxHash)
	}
	return result, nil
}

func (e *SmartAccountExecutor) submitUserOp(ctx context.Context, bundler *clients.BundlerClient, chainCfg *config.ChainConfig, sessionKeyID, sender string, txReq *dto.EvmTxRequest, waitConfirm bool) (string, error) {
	value, err := ParseWeiAmount(txReq.Value)
	if err != nil {
		return "", Validationf("%v", err)
	}
	innerCalldata, err := hexutil.Decode(padHexPrefix(txReq.Data))
	if err != nil {
		return "", Validationf("malformed calldata: %v", err)
	}
	callData, err := EncodeAccountExecute(txReq.To, value, innerCalldata)
	if err != nil {
		return "", Fatalf("%v", err)
	}

	op := &clients.UserOperation{
		Sender:               sender,
		Nonce:                "0x0",
		InitCode:             "0x",
		CallData:             hexutil.Encode(callData),
		CallGasLimit:         "0x0",
		VerificationGasLimit: "0x0",
		PreVerificationGas:   "0x0",
		MaxFeePerGas:         "0x0",
		MaxPriorityFeePerGas: "0x0",
		PaymasterAndData:     "0x",
		Signature:            dummySignature,
	}

	estimate, err := bundler.EstimateUserOperationGas(ctx, op)
	if err != nil {
		return "", Retryablef("user operation gas estimation failed: %w", err)
	}
	op.CallGasLimit = estimate.CallGasLimit
	op.VerificationGasLimit = estimate.VerificationGasLimit
	op.PreVerificationGas = estimate.PreVerificationGas

	if chainCfg.SponsorGas && chainCfg.PaymasterURL != "" {
		sponsor, err := bundler.SponsorUserOperation(ctx, op)
		if err != nil {
			return "", Retryablef("gas sponsorship failed: %w", err)
		}
		op.PaymasterAndData = sponsor.PaymasterAndData
		if sponsor.CallGasLimit != "" {
			op.CallGasLimit = sponsor.CallGasLimit
		}
		if sponsor.VerificationGasLimit != "" {
			op.VerificationGasLimit = sponsor.VerificationGasLimit
		}
		if sponsor.PreVerificationGas != "" {
			op.PreVerificationGas = sponsor.PreVerificationGas
		}
	}

	opHash, err := hashUserOperation(op, chainCfg.EntryPoint, chainCfg.ChainID)
	if err != nil {
		return "", Fatalf("%v", err)
	}
	signature, err := e.signer.SignHash(ctx, sessionKeyID, chainCfg.ChainID, opHash)
	if err != nil {
		return "", Retryablef("signing failed: %w", err)
	}
	op.Signature = signature

	sentHash, err := bundler.SendUserOperation(ctx, op)
	if err != nil {
		return "", Retryablef("bundler rejected user operation: %w", err)
	}

	if waitConfirm {
		receipt := e.pollReceipt(ctx, bundler, sentHash)
		if receipt == nil {
			return sentHash, Retryablef("approval op %s not confirmed in time", sentHash)
		}
		if !receipt.Success {
			return sentHash, Fatalf("approval op reverted: %s", receipt.Reason)
		}
		return receipt.Receipt.TransactionHash, nil
	}
	return sentHash, nil
}

func (e *SmartAccountExecutor) pollReceipt(ctx context.Context, bundler *clients.BundlerClient, opHash string) *clients.UserOperationReceipt {
	deadline := time.Now().Add(receiptWait)
	ticker := time.NewTicker(4 * time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		receipt, err := bundler.GetUserOperationReceipt(ctx, opHash)
		if err == nil && receipt != nil {
			return receipt
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// dummySignature satisfies bundler signature-length validation during gas
// estimation.
const dummySignature = "0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaa43f5f8ddc8e1f639d59b55faa2ccfefd6762a7a80b7a2cf0e41a80ca0ff1c"

// hashUserOperation decodes the hex fields and computes the entry-point
// hash.
func hashUserOperation(op *clients.UserOperation, entryPoint string, chainID int64) (string, error) {
	decode := func(field, value string) (*big.Int, error) {
		if value == "" || value == "0x" {
			return big.NewInt(0), nil
		}
		decoded, err := hexutil.DecodeBig(value)
		if err != nil {
			return nil, fmt.Errorf("malformed %s %q: %w", field, value, err)
		}
		return decoded, nil
	}
	decodeBytes := func(field, value string) ([]byte, error) {
		if value == "" {
			return nil, nil
		}
		decoded, err := hexutil.Decode(value)
		if err != nil {
			return nil, fmt.Errorf("malformed %s %q: %w", field, value, err)
		}
		return decoded, nil
	}

	nonce, err := decode("nonce", op.Nonce)
	if err != nil {
		return "", err
	}
	callGas, err := decode("callGasLimit", op.CallGasLimit)
	if err != nil {
		return "", err
	}
	verificationGas, err := decode("verificationGasLimit", op.VerificationGasLimit)
	if err != nil {
		return "", err
	}
	preVerificationGas, err := decode("preVerificationGas", op.PreVerificationGas)
	if err != nil {
		return "", err
	}
	maxFee, err := decode("maxFeePerGas", op.MaxFeePerGas)
	if err != nil {
		return "", err
	}
	maxPriorityFee, err := decode("maxPriorityFeePerGas", op.MaxPriorityFeePerGas)
	if err != nil {
		return "", err
	}
	initCode, err := decodeBytes("initCode", op.InitCode)
	if err != nil {
		return "", err
	}
	callData, err := decodeBytes("callData", op.CallData)
	if err != nil {
		return "", err
	}
	paymasterAndData, err := decodeBytes("paymasterAndData", op.PaymasterAndData)
	if err != nil {
		return "", err
	}

	hash, err := UserOpHash(&userOpForHashing{
		Sender:               op.Sender,
		Nonce:                nonce,
		InitCode:             initCode,
		CallData:             callData,
		CallGasLimit:         callGas,
		VerificationGasLimit: verificationGas,
		PreVerificationGas:   preVerificationGas,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPriorityFee,
		PaymasterAndData:     paymasterAndData,
	}, entryPoint, chainID)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}
