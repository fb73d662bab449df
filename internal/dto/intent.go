package dto

import (
	"fmt"
	"sort"
	"strings"
)

// IntentType discriminates the transaction intent union.
type IntentType string

const (
	IntentSwap          IntentType = "swap"
	IntentBridge        IntentType = "bridge"
	IntentTransfer      IntentType = "transfer"
	IntentOpenPosition  IntentType = "open_position"
	IntentClosePosition IntentType = "close_position"
	IntentCustom        IntentType = "custom"
)

// TransactionIntent is the vetted value-transfer instruction. It is a tagged
// union over the JSON "type" field; only the fields of the active variant are
// populated. Immutable after enqueue except for server-side resolution of
// percentage-of-balance amounts into absolute amounts.
type TransactionIntent struct {
	Type IntentType `json:"type" binding:"required"`

	// swap / bridge
	FromChain   string `json:"fromChain,omitempty"`
	ToChain     string `json:"toChain,omitempty"`
	FromToken   string `json:"fromToken,omitempty"`
	ToToken     string `json:"toToken,omitempty"`
	FromAmount  string `json:"fromAmount,omitempty"`
	UserAddress string `json:"userAddress,omitempty"`
	SlippageBps *int   `json:"slippageBps,omitempty"`

	// bridge only
	DestinationAddress string `json:"destinationAddress,omitempty"`

	// transfer
	Chain        string `json:"chain,omitempty"`
	TokenAddress string `json:"tokenAddress,omitempty"`
	FromAddress  string `json:"fromAddress,omitempty"`
	ToAddress    string `json:"toAddress,omitempty"`
	Amount       string `json:"amount,omitempty"`

	// open_position / close_position (chain is "hyperliquid")
	Market   string   `json:"market,omitempty"`
	Side     string   `json:"side,omitempty"` // long | short
	Size     string   `json:"size,omitempty"` // USD notional
	Leverage int      `json:"leverage,omitempty"`
	Slippage *float64 `json:"slippage,omitempty"` // fraction, e.g. 0.01

	// custom
	Name       string         `json:"name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Validate rejects malformed intents synchronously, before anything is
// enqueued.
func (i *TransactionIntent) Validate() error {
	switch i.Type {
	case IntentSwap:
		if i.FromChain == "" || i.ToChain == "" || i.FromToken == "" || i.ToToken == "" {
			return fmt.Errorf("swap intent requires fromChain, toChain, fromToken and toToken")
		}
		if i.FromAmount == "" {
			return fmt.Errorf("swap intent requires fromAmount")
		}
		if i.UserAddress == "" {
			return fmt.Errorf("swap intent requires userAddress")
		}
	case IntentBridge:
		if i.FromChain == "" || i.ToChain == "" || i.FromToken == "" || i.ToToken == "" {
			return fmt.Errorf("bridge intent requires fromChain, toChain, fromToken and toToken")
		}
		if i.FromAmount == "" {
			return fmt.Errorf("bridge intent requires fromAmount")
		}
		if i.DestinationAddress == "" {
			return fmt.Errorf("bridge intent requires destinationAddress")
		}
	case IntentTransfer:
		if i.Chain == "" || i.TokenAddress == "" || i.FromAddress == "" || i.ToAddress == "" {
			return fmt.Errorf("transfer intent requires chain, tokenAddress, fromAddress and toAddress")
		}
		if i.Amount == "" {
			return fmt.Errorf("transfer intent requires amount")
		}
	case IntentOpenPosition:
		if i.Market == "" {
			return fmt.Errorf("open_position intent requires market")
		}
		if i.Side != "long" && i.Side != "short" {
			return fmt.Errorf("open_position side must be long or short, got %q", i.Side)
		}
		if i.Size == "" {
			return fmt.Errorf("open_position intent requires size")
		}
	case IntentClosePosition:
		if i.Market == "" {
			return fmt.Errorf("close_position intent requires market")
		}
	case IntentCustom:
		if i.Name == "" {
			return fmt.Errorf("custom intent requires name")
		}
	default:
		return fmt.Errorf("unknown intent type: %q", i.Type)
	}
	return nil
}

// Action maps the intent to the permission action name checked by the
// session-key policy engine.
func (i *TransactionIntent) Action() string {
	return string(i.Type)
}

// TouchedChains returns every chain the intent touches, both legs included.
func (i *TransactionIntent) TouchedChains() []string {
	switch i.Type {
	case IntentSwap, IntentBridge:
		if i.FromChain == i.ToChain {
			return []string{i.FromChain}
		}
		return []string{i.FromChain, i.ToChain}
	case IntentTransfer:
		return []string{i.Chain}
	case IntentOpenPosition, IntentClosePosition:
		chain := i.Chain
		if chain == "" {
			chain = "hyperliquid"
		}
		return []string{chain}
	default:
		if i.Chain != "" {
			return []string{i.Chain}
		}
		return nil
	}
}

// PrimaryChain is the chain the dispatcher executes on (the source leg for
// cross-chain intents).
func (i *TransactionIntent) PrimaryChain() string {
	chains := i.TouchedChains()
	if len(chains) == 0 {
		return ""
	}
	return chains[0]
}

// SpentToken returns the token flowing out of the caller's wallet, used for
// spend-limit accounting. Empty for derivative intents.
func (i *TransactionIntent) SpentToken() (token, amount string) {
	switch i.Type {
	case IntentSwap, IntentBridge:
		return i.FromToken, i.FromAmount
	case IntentTransfer:
		return i.TokenAddress, i.Amount
	}
	return "", ""
}

// CanonicalKey is a stable serialization of the intent used as the quote
// cache key. Field order is fixed so that semantically equal intents always
// collide.
func (i *TransactionIntent) CanonicalKey() string {
	var b strings.Builder
	b.WriteString(string(i.Type))
	switch i.Type {
	case IntentSwap, IntentBridge:
		fmt.Fprintf(&b, "|%s|%s|%s|%s|%s|%s|%s",
			i.FromChain, i.ToChain,
			strings.ToLower(i.FromToken), strings.ToLower(i.ToToken),
			i.FromAmount, strings.ToLower(i.UserAddress), strings.ToLower(i.DestinationAddress))
		if i.SlippageBps != nil {
			fmt.Fprintf(&b, "|%d", *i.SlippageBps)
		}
	case IntentTransfer:
		fmt.Fprintf(&b, "|%s|%s|%s|%s|%s",
			i.Chain, strings.ToLower(i.TokenAddress),
			strings.ToLower(i.FromAddress), strings.ToLower(i.ToAddress), i.Amount)
	case IntentOpenPosition:
		fmt.Fprintf(&b, "|%s|%s|%s|%d", i.Market, i.Side, i.Size, i.Leverage)
	case IntentClosePosition:
		fmt.Fprintf(&b, "|%s", i.Market)
	case IntentCustom:
		fmt.Fprintf(&b, "|%s", i.Name)
		keys := make([]string, 0, len(i.Parameters))
		for k := range i.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "|%s=%v", k, i.Parameters[k])
		}
	}
	return b.String()
}
