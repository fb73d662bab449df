package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usdcMainnet = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"

func TestIsEvmAddress(t *testing.T) {
	assert.True(t, IsEvmAddress(usdcMainnet))
	assert.True(t, IsEvmAddress(strings.ToLower(usdcMainnet)))
	assert.True(t, IsEvmAddress(strings.TrimPrefix(usdcMainnet, "0x")))
	assert.False(t, IsEvmAddress(""))
	assert.False(t, IsEvmAddress("0x123"))
	assert.False(t, IsEvmAddress("0xZZb86991c6218b36c1d19D4a2e9Eb0cE3606eB48"))
	assert.False(t, IsEvmAddress("So11111111111111111111111111111111111111112"))
}

func TestIsSolanaAddress(t *testing.T) {
	assert.True(t, IsSolanaAddress("So11111111111111111111111111111111111111112"))
	assert.True(t, IsSolanaAddress("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"))
	assert.False(t, IsSolanaAddress(usdcMainnet))
	// 0, O, I and l are outside the base58 alphabet.
	assert.False(t, IsSolanaAddress("0PjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"))
	assert.False(t, IsSolanaAddress("short"))
}

func TestNormalizeEvmAddress(t *testing.T) {
	normalized, err := NormalizeEvmAddress(usdcMainnet)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(usdcMainnet), normalized)

	normalized, err = NormalizeEvmAddress(strings.TrimPrefix(usdcMainnet, "0x"))
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(usdcMainnet), normalized)

	_, err = NormalizeEvmAddress("nonsense")
	assert.Error(t, err)
}

func TestChecksumAddress(t *testing.T) {
	checksummed, err := ChecksumAddress(strings.ToLower(usdcMainnet))
	require.NoError(t, err)
	assert.Equal(t, usdcMainnet, checksummed)

	checksummed, err = ChecksumAddress(strings.ToLower(strings.TrimPrefix(usdcMainnet, "0x")))
	require.NoError(t, err)
	assert.Equal(t, usdcMainnet, checksummed)
}

func TestSanitizeTokenAddress(t *testing.T) {
	known := map[string]string{strings.ToLower(usdcMainnet): "USDC"}

	// Correct checksum and all-lowercase pass through untouched.
	assert.Equal(t, usdcMainnet, SanitizeTokenAddress(usdcMainnet, known))
	lower := strings.ToLower(usdcMainnet)
	assert.Equal(t, lower, SanitizeTokenAddress(lower, known))

	// Wrong casing is only repaired for tokens we have metadata for.
	mangled := "0xa0B86991C6218B36C1D19D4A2E9EB0CE3606EB48"
	assert.Equal(t, lower, SanitizeTokenAddress(mangled, known))
	assert.Equal(t, mangled, SanitizeTokenAddress(mangled, nil))

	// Non-EVM strings are left alone.
	assert.Equal(t, "native", SanitizeTokenAddress("native", known))
}

func TestSameAddress(t *testing.T) {
	assert.True(t, SameAddress(usdcMainnet, strings.ToLower(usdcMainnet)))
	assert.True(t, SameAddress(strings.TrimPrefix(usdcMainnet, "0x"), usdcMainnet))
	assert.False(t, SameAddress(usdcMainnet, "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"))
}
