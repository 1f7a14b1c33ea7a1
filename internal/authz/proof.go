// Package authz models the payer-signed authorizations behind a settlement and
// validates them before anything is submitted on-chain.
package authz

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Proof is one of TransferWithAuthorization, DelegatedCall or LegacyOperation.
// The set is closed; callers switch over it exhaustively.
type Proof interface {
	Signer() common.Address
	Kind() Kind
	sealed()
}

type Kind string

const (
	KindDirect    Kind = "direct_signature"
	KindDelegated Kind = "delegated_call"
	KindLegacy    Kind = "legacy_operation"
)

// TransferWithAuthorization is an EIP-3009 authorization executed by the
// token itself in a single call.
type TransferWithAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  uint64
	ValidBefore uint64
	Nonce       [32]byte
	ChainID     *big.Int
	Signature   []byte
}

func (p *TransferWithAuthorization) Signer() common.Address { return p.From }
func (p *TransferWithAuthorization) Kind() Kind { return KindDirect }
func (*TransferWithAuthorization) sealed() {}

// DelegatedCall routes the transfer through delegate code installed on the
// payer account with EIP-7702. Delegation is nil when the account is already
// delegated.
type DelegatedCall struct {
	Account    common.Address
	Delegation *types.SetCodeAuthorization
	Token      common.Address
	To         common.Address
	Amount     *big.Int
	Nonce      *big.Int
	Deadline   uint64
	ChainID    *big.Int
	Signature  []byte
}

func (p *DelegatedCall) Signer() common.Address { return p.Account }
func (p *DelegatedCall) Kind() Kind { return KindDelegated }
func (*DelegatedCall) sealed() {}

// LegacyOperation is the deprecated opaque operation format. It is parsed so
// callers get a precise rejection instead of a structural error.
type LegacyOperation struct {
	Sender    common.Address
	CallData  []byte
	Signature []byte
}

func (p *LegacyOperation) Signer() common.Address { return p.Sender }
func (p *LegacyOperation) Kind() Kind { return KindLegacy }
func (*LegacyOperation) sealed() {}

// SplitSignature returns v in {27,28} and r, s of a 65-byte signature.
func SplitSignature(sig []byte) (uint8, [32]byte, [32]byte, error) {
	var r, s [32]byte
	if len(sig) != 65 {
		return 0, r, s, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}
