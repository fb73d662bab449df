package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// UserOperation is an ERC-4337 v0.6 user operation.
type UserOperation struct {
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	InitCode             string `json:"initCode"`
	CallData             string `json:"callData"`
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string `json:"paymasterAndData"`
	Signature            string `json:"signature"`
}

// UserOperationReceipt is the bundler's receipt for a mined user operation.
type UserOperationReceipt struct {
	UserOpHash string `json:"userOpHash"`
	Success    bool   `json:"success"`
	Reason     string `json:"reason,omitempty"`
	Receipt    struct {
		TransactionHash string `json:"transactionHash"`
		BlockNumber     string `json:"blockNumber"`
	} `json:"receipt"`
}

// GasEstimate is the bundler's gas estimation for a user operation.
type GasEstimate struct {
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
}

// SponsorResult is the paymaster's sponsorship data.
type SponsorResult struct {
	PaymasterAndData     string `json:"paymasterAndData"`
	CallGasLimit         string `json:"callGasLimit,omitempty"`
	VerificationGasLimit string `json:"verificationGasLimit,omitempty"`
	PreVerificationGas   string `json:"preVerificationGas,omitempty"`
}

// BundlerClient talks to an ERC-4337 bundler and its paymaster for one
// chain.
type BundlerClient struct {
	bundlerURL   string
	paymasterURL string
	entryPoint   string
	httpClient   *http.Client
}

// NewBundlerClient creates a bundler client for one chain.
func NewBundlerClient(bundlerURL, paymasterURL, entryPoint string) *BundlerClient {
	return &BundlerClient{
		bundlerURL:   bundlerURL,
		paymasterURL: paymasterURL,
		entryPoint:   entryPoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// EstimateUserOperationGas asks the bundler for gas limits.
func (c *BundlerClient) EstimateUserOperationGas(ctx context.Context, op *UserOperation) (*GasEstimate, error) {
	result, err := JSONRPCCall(ctx, c.httpClient, c.bundlerURL, "eth_estimateUserOperationGas", op, c.entryPoint)
	if err != nil {
		return nil, fmt.Errorf("gas estimation failed: %w", err)
	}
	var estimate GasEstimate
	if err := json.Unmarshal(result, &estimate); err != nil {
		return nil, fmt.Errorf("failed to decode gas estimate: %w", err)
	}
	return &estimate, nil
}

// SponsorUserOperation asks the paymaster to sponsor the operation's gas.
func (c *BundlerClient) SponsorUserOperation(ctx context.Context, op *UserOperation) (*SponsorResult, error) {
	if c.paymasterURL == "" {
		return nil, fmt.Errorf("no paymaster configured")
	}
	result, err := JSONRPCCall(ctx, c.httpClient, c.paymasterURL, "pm_sponsorUserOperation", op, c.entryPoint)
	if err != nil {
		return nil, fmt.Errorf("sponsorship failed: %w", err)
	}
	var sponsor SponsorResult
	if err := json.Unmarshal(result, &sponsor); err != nil {
		return nil, fmt.Errorf("failed to decode sponsorship result: %w", err)
	}
	return &sponsor, nil
}

// SendUserOperation submits the signed operation and returns its hash.
func (c *BundlerClient) SendUserOperation(ctx context.Context, op *UserOperation) (string, error) {
	result, err := JSONRPCCall(ctx, c.httpClient, c.bundlerURL, "eth_sendUserOperation", op, c.entryPoint)
	if err != nil {
		return "", fmt.Errorf("failed to send user operation: %w", err)
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("failed to decode user operation hash: %w", err)
	}
	return hash, nil
}

// GetUserOperationReceipt polls for the receipt. Returns nil without error
// while the operation is still pending.
func (c *BundlerClient) GetUserOperationReceipt(ctx context.Context, userOpHash string) (*UserOperationReceipt, error) {
	result, err := JSONRPCCall(ctx, c.httpClient, c.bundlerURL, "eth_getUserOperationReceipt", userOpHash)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var receipt UserOperationReceipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("failed to decode user operation receipt: %w", err)
	}
	return &receipt, nil
}
