package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var solanaAddressPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// IsEvmAddress checks whether the string is a 20-byte hex address.
func IsEvmAddress(address string) bool {
	if address == "" {
		return false
	}
	if strings.HasPrefix(strings.ToLower(address), "0x") {
		return len(address) == 42 && common.IsHexAddress(address)
	}
	if len(address) == 40 {
		return common.IsHexAddress("0x" + address)
	}
	return false
}

// IsSolanaAddress checks whether the string looks like a base58 Solana
// public key.
func IsSolanaAddress(address string) bool {
	return solanaAddressPattern.MatchString(address)
}

// NormalizeEvmAddress lowercases an EVM address and guarantees a 0x prefix.
func NormalizeEvmAddress(address string) (string, error) {
	if !IsEvmAddress(address) {
		return "", fmt.Errorf("invalid EVM address format: %s", address)
	}
	lower := strings.ToLower(address)
	if !strings.HasPrefix(lower, "0x") {
		lower = "0x" + lower
	}
	return lower, nil
}

// ChecksumAddress returns the EIP-55 checksum form of an EVM address.
func ChecksumAddress(address string) (string, error) {
	if !IsEvmAddress(address) {
		return "", fmt.Errorf("invalid EVM address format: %s", address)
	}
	if !strings.HasPrefix(strings.ToLower(address), "0x") {
		address = "0x" + address
	}
	return common.HexToAddress(address).Hex(), nil
}

// SanitizeTokenAddress normalizes the casing of an ERC-20 token address
// against known token metadata. A correctly checksummed address passes
// through unchanged; a wrong-cased address is lowercased only when metadata
// is known for it, so unknown addresses keep the caller's casing and fail
// loudly downstream instead of silently resolving to a different token.
func SanitizeTokenAddress(address string, knownTokens map[string]string) string {
	if !IsEvmAddress(address) {
		return address
	}
	checksummed, err := ChecksumAddress(address)
	if err != nil {
		return address
	}
	if address == checksummed || address == strings.ToLower(checksummed) {
		return address
	}
	if _, known := knownTokens[strings.ToLower(address)]; known {
		return strings.ToLower(address)
	}
	return address
}

// SameAddress compares two EVM addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(strings.ToLower(a), "0x"),
		strings.TrimPrefix(strings.ToLower(b), "0x"))
}
