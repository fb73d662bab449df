package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go-autopilot/internal/config"
	"go-autopilot/internal/dto"
)

// QuoteClient talks to the external routing provider that builds swap and
// bridge transactions.
type QuoteClient struct {
	baseURL    string
	httpClient *http.Client
	ttl        time.Duration
}

// NewQuoteClient creates a quote provider client.
func NewQuoteClient(cfg *config.QuoteConfig) *QuoteClient {
	return &QuoteClient{
		baseURL: cfg.ProviderURL,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		ttl: time.Duration(cfg.TTLSeconds) * time.Second,
	}
}

// quoteResponse is the provider's wire format.
type quoteResponse struct {
	TransactionRequest *struct {
		To       string `json:"to"`
		Data     string `json:"data"`
		Value    string `json:"value"`
		GasLimit string `json:"gasLimit"`
	} `json:"transactionRequest"`
	ApprovalTx *struct {
		To    string `json:"to"`
		Data  string `json:"data"`
		Value string `json:"value"`
	} `json:"approvalTx"`
	SerializedTx string `json:"serializedTx"`
	Estimate     struct {
		FromAmount string `json:"fromAmount"`
		ToAmount   string `json:"toAmount"`
	} `json:"estimate"`
	Tool string `json:"tool"`
}

// QuoteParams maps an intent onto the provider's query parameters. Transfer
// intents are same-token, same-chain routes; the provider builds the
// serialized payload for chains we cannot assemble locally.
func QuoteParams(intent *dto.TransactionIntent) url.Values {
	params := url.Values{}
	if intent.Type == dto.IntentTransfer {
		params.Set("fromChain", intent.Chain)
		params.Set("toChain", intent.Chain)
		params.Set("fromToken", intent.TokenAddress)
		params.Set("toToken", intent.TokenAddress)
		params.Set("fromAmount", intent.Amount)
		params.Set("fromAddress", intent.FromAddress)
		params.Set("toAddress", intent.ToAddress)
		return params
	}

	params.Set("fromChain", intent.FromChain)
	params.Set("toChain", intent.ToChain)
	params.Set("fromToken", intent.FromToken)
	params.Set("toToken", intent.ToToken)
	params.Set("fromAmount", intent.FromAmount)
	params.Set("fromAddress", intent.UserAddress)
	if intent.DestinationAddress != "" {
		params.Set("toAddress", intent.DestinationAddress)
	}
	if intent.SlippageBps != nil && *intent.SlippageBps > 0 {
		params.Set("slippage", strconv.FormatFloat(float64(*intent.SlippageBps)/10000, 'f', -1, 64))
	}
	return params
}

// GetQuote fetches an executable route for a swap, bridge or transfer
// intent. The returned quote carries its own expiry; callers must not
// execute a quote past ExpiresAt.
func (c *QuoteClient) GetQuote(ctx context.Context, intent *dto.TransactionIntent) (*dto.Quote, error) {
	params := QuoteParams(intent)

	requestURL := fmt.Sprintf("%s/quote?%s", c.baseURL, params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("quote provider error (status %d): %s", resp.StatusCode, string(body))
	}

	var raw quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode quote response: %w", err)
	}

	quote := &dto.Quote{
		SerializedTx: raw.SerializedTx,
		FromAmount:   raw.Estimate.FromAmount,
		ToAmount:     raw.Estimate.ToAmount,
		Tool:         raw.Tool,
		ExpiresAt:    time.Now().Add(c.ttl),
	}
	if raw.TransactionRequest != nil {
		gasLimit := uint64(0)
		if raw.TransactionRequest.GasLimit != "" {
			gasLimit, _ = strconv.ParseUint(raw.TransactionRequest.GasLimit, 0, 64)
		}
		quote.TransactionRequest = &dto.EvmTxRequest{
			To:       raw.TransactionRequest.To,
			Data:     raw.TransactionRequest.Data,
			Value:    raw.TransactionRequest.Value,
			GasLimit: gasLimit,
		}
	}
	if raw.ApprovalTx != nil {
		quote.ApprovalTx = &dto.EvmTxRequest{
			To:    raw.ApprovalTx.To,
			Data:  raw.ApprovalTx.Data,
			Value: raw.ApprovalTx.Value,
		}
	}

	if !quote.HasPayload() {
		return nil, fmt.Errorf("quote provider returned no executable payload (tool=%s)", raw.Tool)
	}

	log.Printf("[QuoteClient] Quote fetched for %s: %s -> %s via %s (%.0fms)",
		intent.Type, quote.FromAmount, quote.ToAmount,
		raw.Tool, float64(time.Since(start).Milliseconds()))
	return quote, nil
}
