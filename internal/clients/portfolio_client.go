package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go-autopilot/internal/config"
)

// PortfolioBalance is one asset position as reported by the portfolio
// service.
type PortfolioBalance struct {
	AssetID   string  `json:"assetId"` // "<chain>:<tokenAddress>"
	Chain     string  `json:"chain"`
	Symbol    string  `json:"symbol"`
	Decimals  int     `json:"decimals"`
	Amount    string  `json:"amount"` // smallest units
	AmountUSD float64 `json:"amountUsd"`
}

// PortfolioClient reads user balances from the portfolio service. Balances
// back both percentage-amount resolution and the risk manager's portfolio
// tiers.
type PortfolioClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewPortfolioClient creates a portfolio service client.
func NewPortfolioClient(cfg *config.PortfolioConfig) *PortfolioClient {
	return &PortfolioClient{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

type balancesResponse struct {
	Balances []PortfolioBalance `json:"balances"`
	TotalUSD float64            `json:"totalUsd"`
}

// GetBalances returns the user's balances, optionally filtered by chain.
func (c *PortfolioClient) GetBalances(ctx context.Context, userAddress, chain string) ([]PortfolioBalance, float64, error) {
	params := url.Values{}
	params.Set("address", userAddress)
	if chain != "" {
		params.Set("chain", chain)
	}
	requestURL := fmt.Sprintf("%s/api/balances?%s", c.baseURL, params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch balances: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, 0, fmt.Errorf("portfolio service error (status %d): %s", resp.StatusCode, string(body))
	}

	var raw balancesResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, 0, fmt.Errorf("failed to decode balances response: %w", err)
	}
	return raw.Balances, raw.TotalUSD, nil
}

// GetTokenBalance returns a single token balance, or nil if the user holds
// none of it.
func (c *PortfolioClient) GetTokenBalance(ctx context.Context, userAddress, chain, tokenAddress string) (*PortfolioBalance, error) {
	balances, _, err := c.GetBalances(ctx, userAddress, chain)
	if err != nil {
		return nil, err
	}
	assetID := fmt.Sprintf("%s:%s", chain, tokenAddress)
	for i := range balances {
		if balances[i].AssetID == assetID {
			return &balances[i], nil
		}
	}
	return nil, nil
}
