package authz

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain is an EIP-712 signing domain.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

func (d Domain) typed() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(d.ChainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// TransferTypedData is the EIP-3009 TransferWithAuthorization message.
func TransferTypedData(domain Domain, p *TransferWithAuthorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain:      domain.typed(),
		Message: apitypes.TypedDataMessage{
			"from":        p.From.Hex(),
			"to":          p.To.Hex(),
			"value":       p.Value.String(),
			"validAfter":  new(big.Int).SetUint64(p.ValidAfter).String(),
			"validBefore": new(big.Int).SetUint64(p.ValidBefore).String(),
			"nonce":       hexutil.Encode(p.Nonce[:]),
		},
	}
}

// DelegatedTransferTypedData is the message the delegate contract checks
// before moving tokens out of the delegated account. Under EIP-7702 the
// delegate runs at the account address, so that is the verifying contract.
func DelegatedTransferTypedData(name, version string, p *DelegatedCall) apitypes.TypedData {
	domain := Domain{Name: name, Version: version, ChainID: p.ChainID, VerifyingContract: p.Account}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Transfer": {
				{Name: "token", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Transfer",
		Domain:      domain.typed(),
		Message: apitypes.TypedDataMessage{
			"token":    p.Token.Hex(),
			"to":       p.To.Hex(),
			"amount":   p.Amount.String(),
			"nonce":    p.Nonce.String(),
			"deadline": new(big.Int).SetUint64(p.Deadline).String(),
		},
	}
}

// HashTypedData returns the EIP-712 digest that gets signed.
func HashTypedData(td apitypes.TypedData) (common.Hash, error) {
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash typed data: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// RecoverSigner recovers the address behind a 65-byte signature over digest.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	normalized := append([]byte{}, sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, errors.New("invalid signature recovery id")
	}
	pub, err := crypto.SigToPub(digest[:], normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// PrepareRequest describes a transfer the payer is about to authorize.
type PrepareRequest struct {
	From     common.Address
	Value    *big.Int
	ValidFor time.Duration
	Nonce    *[32]byte
}

// PreparedTransfer is what the payer signs plus the values that must come back
// unchanged with the signature.
type PreparedTransfer struct {
	Authorization TransferWithAuthorization `json:"-"`
	TypedData     apitypes.TypedData        `json:"typedData"`
	Digest        common.Hash               `json:"digest"`
}

// NewNonce returns a random 32-byte authorization nonce.
func NewNonce() ([32]byte, error) {
	var n [32]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}
