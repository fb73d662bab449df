package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go-autopilot/internal/config"
)

// SignerClient is the boundary to the external signing service. Session keys
// never leave that service; we send it what to sign and the session key id
// authorized to sign it.
type SignerClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewSignerClient creates a signing service client.
func NewSignerClient(cfg *config.SignerConfig) *SignerClient {
	return &SignerClient{
		baseURL:   cfg.ServiceURL,
		authToken: cfg.AuthToken,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

type signRequest struct {
	SessionKeyID string `json:"sessionKeyId"`
	ChainID      int64  `json:"chainId,omitempty"`
	Payload      string `json:"payload"`
}

type signResponse struct {
	Signature string `json:"signature"`
	SignedTx  string `json:"signedTx,omitempty"`
}

func (c *SignerClient) post(ctx context.Context, path string, req signRequest) (*signResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sign request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call signer service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("signer service error (status %d): %s", resp.StatusCode, string(body))
	}

	var signResp signResponse
	if err := json.NewDecoder(resp.Body).Decode(&signResp); err != nil {
		return nil, fmt.Errorf("failed to decode signer response: %w", err)
	}
	return &signResp, nil
}

// SignEvmTransaction has the signer build and sign a raw EVM transaction.
// payload is the RLP-encodable transaction JSON; the response is the signed
// raw transaction hex ready for eth_sendRawTransaction.
func (c *SignerClient) SignEvmTransaction(ctx context.Context, sessionKeyID string, chainID int64, txJSON string) (string, error) {
	resp, err := c.post(ctx, "/api/sign/evm-transaction", signRequest{
		SessionKeyID: sessionKeyID,
		ChainID:      chainID,
		Payload:      txJSON,
	})
	if err != nil {
		return "", err
	}
	if resp.SignedTx == "" {
		return "", fmt.Errorf("signer returned empty signed transaction")
	}
	return resp.SignedTx, nil
}

// SignHash signs a 32-byte hash (user operation hash) with the session key.
func (c *SignerClient) SignHash(ctx context.Context, sessionKeyID string, chainID int64, hashHex string) (string, error) {
	resp, err := c.post(ctx, "/api/sign/hash", signRequest{
		SessionKeyID: sessionKeyID,
		ChainID:      chainID,
		Payload:      hashHex,
	})
	if err != nil {
		return "", err
	}
	if resp.Signature == "" {
		return "", fmt.Errorf("signer returned empty signature")
	}
	return resp.Signature, nil
}

// SignSolanaTransaction signs a base64-serialized Solana transaction and
// returns the fully signed transaction, base64-encoded.
func (c *SignerClient) SignSolanaTransaction(ctx context.Context, sessionKeyID, serializedTx string) (string, error) {
	resp, err := c.post(ctx, "/api/sign/solana-transaction", signRequest{
		SessionKeyID: sessionKeyID,
		Payload:      serializedTx,
	})
	if err != nil {
		return "", err
	}
	if resp.SignedTx == "" {
		return "", fmt.Errorf("signer returned empty signed transaction")
	}
	return resp.SignedTx, nil
}

// SignHyperliquidAction signs a serialized exchange action envelope for the
// Hyperliquid API. The signer owns the action hashing scheme; we pass the
// exact action+nonce JSON the exchange will receive.
func (c *SignerClient) SignHyperliquidAction(ctx context.Context, sessionKeyID, actionJSON string) (string, error) {
	resp, err := c.post(ctx, "/api/sign/hyperliquid-action", signRequest{
		SessionKeyID: sessionKeyID,
		Payload:      actionJSON,
	})
	if err != nil {
		return "", err
	}
	if resp.Signature == "" {
		return "", fmt.Errorf("signer returned empty signature")
	}
	return resp.Signature, nil
}
