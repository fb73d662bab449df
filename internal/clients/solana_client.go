package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SolanaClient submits signed transactions over Solana JSON-RPC.
type SolanaClient struct {
	rpcURL     string
	httpClient *http.Client
}

// NewSolanaClient creates a Solana RPC client.
func NewSolanaClient(rpcURL string) *SolanaClient {
	return &SolanaClient{
		rpcURL: rpcURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SendTransaction submits a base64-encoded signed transaction and returns
// its signature. Preflight stays on: a failed simulation surfaces as an
// error here instead of a silently dropped transaction.
func (c *SolanaClient) SendTransaction(ctx context.Context, signedTxBase64 string) (string, error) {
	result, err := JSONRPCCall(ctx, c.httpClient, c.rpcURL, "sendTransaction", signedTxBase64, map[string]any{
		"encoding":            "base64",
		"preflightCommitment": "confirmed",
		"maxRetries":          3,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	var signature string
	if err := json.Unmarshal(result, &signature); err != nil {
		return "", fmt.Errorf("failed to decode transaction signature: %w", err)
	}
	return signature, nil
}

// GetSignatureStatus reports whether a transaction has been confirmed. The
// second return is false while the signature is unknown to the cluster.
func (c *SolanaClient) GetSignatureStatus(ctx context.Context, signature string) (confirmed bool, found bool, err error) {
	result, err := JSONRPCCall(ctx, c.httpClient, c.rpcURL, "getSignatureStatuses", []string{signature}, map[string]any{
		"searchTransactionHistory": true,
	})
	if err != nil {
		return false, false, err
	}

	var raw struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return false, false, fmt.Errorf("failed to decode signature status: %w", err)
	}
	if len(raw.Value) == 0 || raw.Value[0] == nil {
		return false, false, nil
	}
	status := raw.Value[0]
	if len(status.Err) > 0 && string(status.Err) != "null" {
		return false, true, fmt.Errorf("transaction failed on-chain: %s", string(status.Err))
	}
	confirmed = status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized"
	return confirmed, true, nil
}
