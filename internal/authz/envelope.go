package authz

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
)

// Envelope types.
const (
	TypeTransferWithAuthorization = "transferWithAuthorization"
	TypeDelegatedCall             = "delegatedCall"
	TypeLegacyOperation           = "legacyOperation"
)

// Envelope is the JSON form of a Proof. Type names which of the bodies is set.
// Integers accept decimal or 0x-prefixed hex.
type Envelope struct {
	Type      string            `json:"type"`
	Direct    *DirectPayload    `json:"transferWithAuthorization,omitempty"`
	Delegated *DelegatedPayload `json:"delegatedCall,omitempty"`
	Legacy    *LegacyPayload    `json:"legacyOperation,omitempty"`
}

type DirectPayload struct {
	From        common.Address        `json:"from"`
	To          common.Address        `json:"to"`
	Value       *math.HexOrDecimal256 `json:"value"`
	ValidAfter  math.HexOrDecimal64   `json:"validAfter"`
	ValidBefore math.HexOrDecimal64   `json:"validBefore"`
	Nonce       common.Hash           `json:"nonce"`
	ChainID     *math.HexOrDecimal256 `json:"chainId,omitempty"`
	Signature   hexutil.Bytes         `json:"signature"`
}

type DelegatedPayload struct {
	Account    common.Address              `json:"account"`
	Token      common.Address              `json:"token"`
	To         common.Address              `json:"to"`
	Amount     *math.HexOrDecimal256       `json:"amount"`
	Nonce      *math.HexOrDecimal256       `json:"nonce"`
	Deadline   math.HexOrDecimal64         `json:"deadline"`
	ChainID    *math.HexOrDecimal256       `json:"chainId"`
	Signature  hexutil.Bytes               `json:"signature"`
	Delegation *types.SetCodeAuthorization `json:"delegation,omitempty"`
}

type LegacyPayload struct {
	Sender    common.Address `json:"sender"`
	CallData  hexutil.Bytes  `json:"callData"`
	Signature hexutil.Bytes  `json:"signature"`
}

var ErrEmptyEnvelope = errors.New("authorization envelope has no body")

// Proof decodes the envelope. A type whose body is missing is an error.
func (e Envelope) Proof() (Proof, error) {
	switch e.Type {
	case TypeTransferWithAuthorization:
		d := e.Direct
		if d == nil {
			return nil, fmt.Errorf("%w: %s", ErrEmptyEnvelope, e.Type)
		}
		return &TransferWithAuthorization{
			From:        d.From,
			To:          d.To,
			Value:       toBig(d.Value),
			ValidAfter:  uint64(d.ValidAfter),
			ValidBefore: uint64(d.ValidBefore),
			Nonce:       d.Nonce,
			ChainID:     toBig(d.ChainID),
			Signature:   d.Signature,
		}, nil
	case TypeDelegatedCall:
		d := e.Delegated
		if d == nil {
			return nil, fmt.Errorf("%w: %s", ErrEmptyEnvelope, e.Type)
		}
		return &DelegatedCall{
			Account:    d.Account,
			Delegation: d.Delegation,
			Token:      d.Token,
			To:         d.To,
			Amount:     toBig(d.Amount),
			Nonce:      toBig(d.Nonce),
			Deadline:   uint64(d.Deadline),
			ChainID:    toBig(d.ChainID),
			Signature:  d.Signature,
		}, nil
	case TypeLegacyOperation:
		l := e.Legacy
		if l == nil {
			return nil, fmt.Errorf("%w: %s", ErrEmptyEnvelope, e.Type)
		}
		return &LegacyOperation{Sender: l.Sender, CallData: l.CallData, Signature: l.Signature}, nil
	case "":
		return nil, errors.New("authorization type is required")
	default:
		return nil, fmt.Errorf("unknown authorization type %q", e.Type)
	}
}

// Wrap is the inverse of Envelope.Proof.
func Wrap(p Proof) Envelope {
	switch v := p.(type) {
	case *TransferWithAuthorization:
		return Envelope{Type: TypeTransferWithAuthorization, Direct: &DirectPayload{
			From:        v.From,
			To:          v.To,
			Value:       fromBig(v.Value),
			ValidAfter:  math.HexOrDecimal64(v.ValidAfter),
			ValidBefore: math.HexOrDecimal64(v.ValidBefore),
			Nonce:       v.Nonce,
			ChainID:     fromBig(v.ChainID),
			Signature:   v.Signature,
		}}
	case *DelegatedCall:
		return Envelope{Type: TypeDelegatedCall, Delegated: &DelegatedPayload{
			Account:    v.Account,
			Token:      v.Token,
			To:         v.To,
			Amount:     fromBig(v.Amount),
			Nonce:      fromBig(v.Nonce),
			Deadline:   math.HexOrDecimal64(v.Deadline),
			ChainID:    fromBig(v.ChainID),
			Signature:  v.Signature,
			Delegation: v.Delegation,
		}}
	case *LegacyOperation:
		return Envelope{Type: TypeLegacyOperation, Legacy: &LegacyPayload{
			Sender:    v.Sender,
			CallData:  v.CallData,
			Signature: v.Signature,
		}}
	}
	return Envelope{}
}

func toBig(v *math.HexOrDecimal256) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set((*big.Int)(v))
}

func fromBig(v *big.Int) *math.HexOrDecimal256 {
	if v == nil {
		return nil
	}
	return (*math.HexOrDecimal256)(new(big.Int).Set(v))
}
