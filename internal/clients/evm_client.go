package clients

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"go-autopilot/internal/config"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EvmClient wraps go-ethereum's RPC client for one chain, with failover
// across the configured endpoints.
type EvmClient struct {
	chainName string
	chainID   *big.Int
	clients   []*ethclient.Client
}

// NewEvmClient dials the chain's RPC endpoints. At least one endpoint must
// be reachable.
func NewEvmClient(chainName string, cfg *config.ChainConfig) (*EvmClient, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, fmt.Errorf("chain %s has no RPC endpoints configured", chainName)
	}

	var clients []*ethclient.Client
	for _, rpcURL := range cfg.RPCURLs {
		client, err := ethclient.Dial(strings.TrimSpace(rpcURL))
		if err != nil {
			log.Printf("[EvmClient] Failed to dial %s endpoint %s: %v", chainName, rpcURL, err)
			continue
		}
		clients = append(clients, client)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no reachable RPC endpoint for chain %s", chainName)
	}

	return &EvmClient{
		chainName: chainName,
		chainID:   big.NewInt(cfg.ChainID),
		clients:   clients,
	}, nil
}

// ChainID returns the configured chain id.
func (c *EvmClient) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// withFailover runs fn against each endpoint until one succeeds.
func (c *EvmClient) withFailover(fn func(*ethclient.Client) error) error {
	var lastErr error
	for i, client := range c.clients {
		if err := fn(client); err != nil {
			lastErr = err
			log.Printf("[EvmClient] %s endpoint %d failed: %v", c.chainName, i, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("all %s RPC endpoints failed: %w", c.chainName, lastErr)
}

// PendingNonce returns the account's next nonce including pending txs.
func (c *EvmClient) PendingNonce(ctx context.Context, address string) (uint64, error) {
	var nonce uint64
	err := c.withFailover(func(client *ethclient.Client) error {
		var err error
		nonce, err = client.PendingNonceAt(ctx, common.HexToAddress(address))
		return err
	})
	return nonce, err
}

// SuggestGasPrice returns the current gas price suggestion.
func (c *EvmClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := c.withFailover(func(client *ethclient.Client) error {
		var err error
		gasPrice, err = client.SuggestGasPrice(ctx)
		return err
	})
	return gasPrice, err
}

// EstimateGas estimates gas for a call.
func (c *EvmClient) EstimateGas(ctx context.Context, from, to string, value *big.Int, data []byte) (uint64, error) {
	toAddr := common.HexToAddress(to)
	msg := ethereum.CallMsg{
		From:  common.HexToAddress(from),
		To:    &toAddr,
		Value: value,
		Data:  data,
	}
	var gas uint64
	err := c.withFailover(func(client *ethclient.Client) error {
		var err error
		gas, err = client.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// SendRawTransaction broadcasts a signed raw transaction hex and returns
// its hash.
func (c *EvmClient) SendRawTransaction(ctx context.Context, signedTxHex string) (string, error) {
	rawTx, err := hex.DecodeString(strings.TrimPrefix(signedTxHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signed transaction hex: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(rawTx); err != nil {
		return "", fmt.Errorf("failed to decode signed transaction: %w", err)
	}

	err = c.withFailover(func(client *ethclient.Client) error {
		return client.SendTransaction(ctx, tx)
	})
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// WaitForReceipt polls until the transaction is mined or the context ends.
// A mined-but-reverted transaction returns the receipt and an error.
func (c *EvmClient) WaitForReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		var receipt *types.Receipt
		err := c.withFailover(func(client *ethclient.Client) error {
			var err error
			receipt, err = client.TransactionReceipt(ctx, hash)
			return err
		})
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("transaction %s reverted in block %d", txHash, receipt.BlockNumber.Uint64())
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for receipt of %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close closes all endpoint connections.
func (c *EvmClient) Close() {
	for _, client := range c.clients {
		client.Close()
	}
}
