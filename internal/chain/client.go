// Package chain is the provider boundary over one EVM JSON-RPC node.
package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"settlerails/internal/retry"
)

var (
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrReceiptTimeout  = errors.New("receipt not observed within poll budget")
)

// Client abstracts every chain interaction the settlement pipeline needs.
// Submit is the only write; implementations serialize it per signer.
type Client interface {
	ChainID() *big.Int
	Submit(ctx context.Context, call Call) (common.Hash, error)
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)
	TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error)
	Fees(ctx context.Context) (Fees, error)
}

// HealthChecker is implemented by clients that can ping their node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Call is one transaction sent from the relayer account. A non-empty AuthList
// turns it into an EIP-7702 set-code transaction.
type Call struct {
	To       common.Address
	Data     []byte
	AuthList []types.SetCodeAuthorization
	GasLimit uint64
}

type notBroadcastError struct{ err error }

func (e notBroadcastError) Error() string { return e.err.Error() }
func (e notBroadcastError) Unwrap() error { return e.err }

// NotBroadcast marks a Submit error raised before the transaction reached the
// network. Nothing can be mined from such a call.
func NotBroadcast(err error) error {
	if err == nil {
		return nil
	}
	return notBroadcastError{err: err}
}

// IsNotBroadcast reports whether err came from a Submit that never sent its
// transaction.
func IsNotBroadcast(err error) bool {
	var nb notBroadcastError
	return errors.As(err, &nb)
}

type Fees struct {
	BaseFee *big.Int
	TipCap  *big.Int
	FeeCap  *big.Int
}

var delegationPrefix = []byte{0xef, 0x01, 0x00}

// DelegationCode is the code an EIP-7702 account carries once delegated to target.
func DelegationCode(target common.Address) []byte {
	return append(append([]byte{}, delegationPrefix...), target.Bytes()...)
}

// ParseDelegation returns the delegate encoded in code, if any.
func ParseDelegation(code []byte) (common.Address, bool) {
	if len(code) != len(delegationPrefix)+common.AddressLength || !bytes.HasPrefix(code, delegationPrefix) {
		return common.Address{}, false
	}
	return common.BytesToAddress(code[len(delegationPrefix):]), true
}

// IsDelegatedTo reports whether code is the delegation marker for target.
func IsDelegatedTo(code []byte, target common.Address) bool {
	addr, ok := ParseDelegation(code)
	return ok && addr == target
}

// ToBaseUnits converts a token amount to its integer on-chain value.
// Digits below the token precision are truncated.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

func FromBaseUnits(value *big.Int, decimals int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -decimals)
}

// WaitForReceipt polls until the transaction is mined or the policy runs out.
func WaitForReceipt(ctx context.Context, c Client, hash common.Hash, policy retry.Policy) (*types.Receipt, error) {
	out := retry.Do(ctx, policy, func(ctx context.Context, _ int) (*types.Receipt, error) {
		receipt, err := c.Receipt(ctx, hash)
		if err != nil {
			if errors.Is(err, ErrReceiptNotFound) {
				return nil, err
			}
			return nil, retry.Permanent(err)
		}
		return receipt, nil
	})
	if out.Succeeded() {
		return out.Value, nil
	}
	if errors.Is(out.Err, ErrReceiptNotFound) {
		return nil, fmt.Errorf("%w: %s after %d attempts", ErrReceiptTimeout, hash.Hex(), out.Attempts)
	}
	if out.Cancelled() {
		return nil, fmt.Errorf("%w: %s: %v", ErrReceiptTimeout, hash.Hex(), out.Err)
	}
	return nil, out.Err
}
