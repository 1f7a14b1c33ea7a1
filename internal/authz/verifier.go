package authz

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"settlerails/internal/chain"
)

type Reason string

const (
	ReasonMalformed       Reason = "malformed"
	ReasonSignerMismatch  Reason = "signer_mismatch"
	ReasonBadSignature    Reason = "bad_signature"
	ReasonChainMismatch   Reason = "chain_mismatch"
	ReasonNotYetValid     Reason = "not_yet_valid"
	ReasonExpired         Reason = "expired"
	ReasonWrongRecipient  Reason = "wrong_recipient"
	ReasonWrongToken      Reason = "wrong_token"
	ReasonUnknownDelegate Reason = "unknown_delegate"
	ReasonDelegateNoCode  Reason = "delegate_without_code"
	ReasonUnsupported     Reason = "unsupported_format"
)

// Rejection is returned when a proof fails validation. It is terminal.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("authorization rejected: %s", r.Reason)
	}
	return fmt.Sprintf("authorization rejected: %s: %s", r.Reason, r.Detail)
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps a *Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// CodeReader is the single chain read the verifier performs.
type CodeReader interface {
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)
}

type VerifierConfig struct {
	Token           common.Address
	TokenName       string
	TokenVersion    string
	TokenDecimals   int32
	Treasury        common.Address
	Delegate        common.Address
	DelegateName    string
	DelegateVersion string
}

// Verifier checks signatures, chain binding, validity windows and the
// delegation target. Nonce freshness is left to the chain.
type Verifier struct {
	code CodeReader
	cfg  VerifierConfig
	Now  func() time.Time
}

func NewVerifier(code CodeReader, cfg VerifierConfig) *Verifier {
	return &Verifier{code: code, cfg: cfg, Now: time.Now}
}

// Verify returns nil when proof is acceptable, a *Rejection when it is not,
// and any other error when the chain read failed.
func (v *Verifier) Verify(ctx context.Context, proof Proof, expectedSigner common.Address, expectedChainID *big.Int) error {
	if expectedChainID == nil {
		return reject(ReasonMalformed, "expected chain id missing")
	}
	switch p := proof.(type) {
	case *TransferWithAuthorization:
		return v.verifyDirect(p, expectedSigner, expectedChainID)
	case *DelegatedCall:
		return v.verifyDelegated(ctx, p, expectedSigner, expectedChainID)
	case *LegacyOperation:
		return reject(ReasonUnsupported, "legacy operation format is no longer supported")
	case nil:
		return reject(ReasonMalformed, "no authorization present")
	default:
		return reject(ReasonMalformed, "unknown authorization type %T", proof)
	}
}

func (v *Verifier) domain(chainID *big.Int) Domain {
	return Domain{
		Name:              v.cfg.TokenName,
		Version:           v.cfg.TokenVersion,
		ChainID:           chainID,
		VerifyingContract: v.cfg.Token,
	}
}

func (v *Verifier) verifyDirect(p *TransferWithAuthorization, signer common.Address, chainID *big.Int) error {
	if p.Value == nil || p.Value.Sign() <= 0 {
		return reject(ReasonMalformed, "value must be positive")
	}
	if len(p.Signature) != 65 {
		return reject(ReasonMalformed, "signature must be 65 bytes")
	}
	if p.ChainID == nil {
		return reject(ReasonMalformed, "chain id missing")
	}
	if p.From != signer {
		return reject(ReasonSignerMismatch, "authorization from %s, payer is %s", p.From.Hex(), signer.Hex())
	}
	if p.ChainID.Cmp(chainID) != 0 {
		return reject(ReasonChainMismatch, "signed for chain %s, settling on %s", p.ChainID, chainID)
	}
	if p.To != v.cfg.Treasury {
		return reject(ReasonWrongRecipient, "authorization pays %s, treasury is %s", p.To.Hex(), v.cfg.Treasury.Hex())
	}
	if err := v.checkWindow(p.ValidAfter, p.ValidBefore); err != nil {
		return err
	}

	digest, err := HashTypedData(TransferTypedData(v.domain(chainID), p))
	if err != nil {
		return reject(ReasonMalformed, "%v", err)
	}
	recovered, err := RecoverSigner(digest, p.Signature)
	if err != nil {
		return reject(ReasonBadSignature, "%v", err)
	}
	if recovered != p.From {
		return reject(ReasonBadSignature, "signature recovers to %s", recovered.Hex())
	}
	return nil
}

func (v *Verifier) verifyDelegated(ctx context.Context, p *DelegatedCall, signer common.Address, chainID *big.Int) error {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return reject(ReasonMalformed, "amount must be positive")
	}
	if p.Nonce == nil {
		return reject(ReasonMalformed, "call nonce missing")
	}
	if len(p.Signature) != 65 {
		return reject(ReasonMalformed, "signature must be 65 bytes")
	}
	if p.ChainID == nil {
		return reject(ReasonMalformed, "chain id missing")
	}
	if p.Account != signer {
		return reject(ReasonSignerMismatch, "call signed for %s, payer is %s", p.Account.Hex(), signer.Hex())
	}
	if p.ChainID.Cmp(chainID) != 0 {
		return reject(ReasonChainMismatch, "signed for chain %s, settling on %s", p.ChainID, chainID)
	}
	if p.Token != v.cfg.Token {
		return reject(ReasonWrongToken, "call moves %s, settlement token is %s", p.Token.Hex(), v.cfg.Token.Hex())
	}
	if p.To != v.cfg.Treasury {
		return reject(ReasonWrongRecipient, "call pays %s, treasury is %s", p.To.Hex(), v.cfg.Treasury.Hex())
	}

	if auth := p.Delegation; auth != nil {
		// chain id 0 would make the authorization valid on every chain
		if auth.ChainID.ToBig().Cmp(chainID) != 0 {
			return reject(ReasonChainMismatch, "delegation signed for chain %s", auth.ChainID.ToBig())
		}
		if auth.Address != v.cfg.Delegate {
			return reject(ReasonUnknownDelegate, "delegation targets %s", auth.Address.Hex())
		}
		authority, err := auth.Authority()
		if err != nil {
			return reject(ReasonBadSignature, "delegation signature: %v", err)
		}
		if authority != p.Account {
			return reject(ReasonBadSignature, "delegation signed by %s", authority.Hex())
		}
	} else {
		current, err := v.code.CodeAt(ctx, p.Account)
		if err != nil {
			return fmt.Errorf("read account code: %w", err)
		}
		target, delegated := chain.ParseDelegation(current)
		if !delegated {
			return reject(ReasonMalformed, "account %s is not delegated and no delegation was supplied", p.Account.Hex())
		}
		if target != v.cfg.Delegate {
			return reject(ReasonUnknownDelegate, "account delegated to %s", target.Hex())
		}
	}

	delegateCode, err := v.code.CodeAt(ctx, v.cfg.Delegate)
	if err != nil {
		return fmt.Errorf("read delegate code: %w", err)
	}
	if len(delegateCode) == 0 {
		return reject(ReasonDelegateNoCode, "no contract deployed at %s", v.cfg.Delegate.Hex())
	}

	if err := v.checkWindow(0, p.Deadline); err != nil {
		return err
	}

	digest, err := HashTypedData(DelegatedTransferTypedData(v.cfg.DelegateName, v.cfg.DelegateVersion, p))
	if err != nil {
		return reject(ReasonMalformed, "%v", err)
	}
	recovered, err := RecoverSigner(digest, p.Signature)
	if err != nil {
		return reject(ReasonBadSignature, "%v", err)
	}
	if recovered != p.Account {
		return reject(ReasonBadSignature, "call signature recovers to %s", recovered.Hex())
	}
	return nil
}

func (v *Verifier) checkWindow(validAfter, validBefore uint64) error {
	now := uint64(v.Now().Unix())
	if now < validAfter {
		return reject(ReasonNotYetValid, "valid after %d, now %d", validAfter, now)
	}
	if now > validBefore {
		return reject(ReasonExpired, "valid before %d, now %d", validBefore, now)
	}
	return nil
}

// PrepareTransfer builds the EIP-3009 message a payer signs to pay the treasury.
func (v *Verifier) PrepareTransfer(chainID *big.Int, req PrepareRequest) (*PreparedTransfer, error) {
	if req.Value == nil || req.Value.Sign() <= 0 {
		return nil, reject(ReasonMalformed, "value must be positive")
	}
	validFor := req.ValidFor
	if validFor <= 0 {
		validFor = time.Hour
	}

	var nonce [32]byte
	if req.Nonce != nil {
		nonce = *req.Nonce
	} else {
		n, err := NewNonce()
		if err != nil {
			return nil, err
		}
		nonce = n
	}

	now := v.Now()
	auth := TransferWithAuthorization{
		From:        req.From,
		To:          v.cfg.Treasury,
		Value:       new(big.Int).Set(req.Value),
		ValidAfter:  uint64(now.Add(-time.Minute).Unix()),
		ValidBefore: uint64(now.Add(validFor).Unix()),
		Nonce:       nonce,
		ChainID:     new(big.Int).Set(chainID),
	}
	td := TransferTypedData(v.domain(chainID), &auth)
	digest, err := HashTypedData(td)
	if err != nil {
		return nil, err
	}
	return &PreparedTransfer{Authorization: auth, TypedData: td, Digest: digest}, nil
}
