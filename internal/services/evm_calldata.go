package services

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("bad abi type %s: %v", t, err))
	}
	return typ
}

var (
	addressType = mustType("address")
	uint256Type = mustType("uint256")
	bytes32Type = mustType("bytes32")
	bytesType   = mustType("bytes")
)

var transferMethod = abi.NewMethod("transfer", "transfer", abi.Function, "", false, false,
	abi.Arguments{
		{Name: "to", Type: addressType},
		{Name: "amount", Type: uint256Type},
	},
	abi.Arguments{{Type: mustType("bool")}},
)

var executeMethod = abi.NewMethod("execute", "execute", abi.Function, "", false, false,
	abi.Arguments{
		{Name: "dest", Type: addressType},
		{Name: "value", Type: uint256Type},
		{Name: "func", Type: bytesType},
	},
	abi.Arguments{},
)

// NativeTokenSentinel marks a native-asset transfer in transfer intents.
const NativeTokenSentinel = "native"

// IsNativeToken reports whether a token address denotes the chain's native
// asset.
func IsNativeToken(tokenAddress string) bool {
	if strings.EqualFold(tokenAddress, NativeTokenSentinel) {
		return true
	}
	return tokenAddress == "0x0000000000000000000000000000000000000000"
}

// EncodeERC20Transfer builds transfer(to, amount) calldata.
func EncodeERC20Transfer(to string, amount *big.Int) ([]byte, error) {
	packed, err := transferMethod.Inputs.Pack(common.HexToAddress(to), amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer args: %w", err)
	}
	return append(transferMethod.ID, packed...), nil
}

// EncodeAccountExecute builds execute(dest, value, func) calldata for a
// 4337 account.
func EncodeAccountExecute(dest string, value *big.Int, innerCalldata []byte) ([]byte, error) {
	packed, err := executeMethod.Inputs.Pack(common.HexToAddress(dest), value, innerCalldata)
	if err != nil {
		return nil, fmt.Errorf("failed to pack execute args: %w", err)
	}
	return append(executeMethod.ID, packed...), nil
}

// ParseWeiAmount decodes a decimal or 0x-hex amount string into wei.
func ParseWeiAmount(amount string) (*big.Int, error) {
	if amount == "" {
		return big.NewInt(0), nil
	}
	if strings.HasPrefix(amount, "0x") {
		value, err := hexutil.DecodeBig(amount)
		if err != nil {
			return nil, fmt.Errorf("malformed hex amount %q: %w", amount, err)
		}
		return value, nil
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", amount)
	}
	return value, nil
}

var userOpPackArgs = abi.Arguments{
	{Type: addressType}, // sender
	{Type: uint256Type}, // nonce
	{Type: bytes32Type}, // keccak(initCode)
	{Type: bytes32Type}, // keccak(callData)
	{Type: uint256Type}, // callGasLimit
	{Type: uint256Type}, // verificationGasLimit
	{Type: uint256Type}, // preVerificationGas
	{Type: uint256Type}, // maxFeePerGas
	{Type: uint256Type}, // maxPriorityFeePerGas
	{Type: bytes32Type}, // keccak(paymasterAndData)
}

var userOpHashArgs = abi.Arguments{
	{Type: bytes32Type}, // keccak(packed op)
	{Type: addressType}, // entryPoint
	{Type: uint256Type}, // chainId
}

// UserOpHash computes the v0.6 entry-point hash the account owner signs.
func UserOpHash(op *userOpForHashing, entryPoint string, chainID int64) (common.Hash, error) {
	packed, err := userOpPackArgs.Pack(
		common.HexToAddress(op.Sender),
		op.Nonce,
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		op.CallGasLimit,
		op.VerificationGasLimit,
		op.PreVerificationGas,
		op.MaxFeePerGas,
		op.MaxPriorityFeePerGas,
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack user operation: %w", err)
	}

	outer, err := userOpHashArgs.Pack(
		crypto.Keccak256Hash(packed),
		common.HexToAddress(entryPoint),
		big.NewInt(chainID),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack user operation envelope: %w", err)
	}
	return crypto.Keccak256Hash(outer), nil
}

// userOpForHashing is the decoded numeric form of a user operation used for
// hashing.
type userOpForHashing struct {
	Sender               string
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
}
