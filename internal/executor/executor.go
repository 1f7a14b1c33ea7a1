// Package executor submits payer-authorized transfers through the relayer.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"settlerails/internal/authz"
	"settlerails/internal/chain"
	"settlerails/internal/contracts"
	"settlerails/internal/retry"
)

// Terminal execution errors. None of them is retried here.
var (
	ErrInsufficientBalance = errors.New("insufficient balance at source")
	ErrInvalidSignature    = errors.New("authorization signature invalid")
	ErrNonceUsed           = errors.New("authorization nonce already used")
	ErrAuthorizationWindow = errors.New("authorization outside its validity window")
	ErrReverted            = errors.New("call reverted")
	ErrDelegationInactive  = errors.New("delegation did not become active")
	ErrUnsupportedProof    = errors.New("unsupported authorization type")
)

type Config struct {
	Token          common.Address
	Delegate       common.Address
	DelegationPoll retry.Policy
}

type Executor struct {
	chain  chain.Client
	cfg    Config
	logger *slog.Logger
}

func New(c chain.Client, cfg Config, logger *slog.Logger) *Executor {
	if cfg.DelegationPoll.MaxAttempts <= 0 {
		cfg.DelegationPoll = retry.Fixed(20, 1500*time.Millisecond)
	}
	return &Executor{
		chain:  c,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "executor")),
	}
}

// Execute submits the transfer described by proof and returns its hash. from,
// to and amount must agree with what the proof authorizes.
func (e *Executor) Execute(ctx context.Context, proof authz.Proof, from, to common.Address, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("amount must be positive")
	}
	if err := e.checkBalance(ctx, from, amount); err != nil {
		return common.Hash{}, err
	}

	switch p := proof.(type) {
	case *authz.TransferWithAuthorization:
		if p.From != from || p.To != to || p.Value.Cmp(amount) != 0 {
			return common.Hash{}, fmt.Errorf("%w: authorization does not match transfer parameters", ErrInvalidSignature)
		}
		return e.executeDirect(ctx, p)
	case *authz.DelegatedCall:
		if p.Account != from || p.To != to || p.Amount.Cmp(amount) != 0 {
			return common.Hash{}, fmt.Errorf("%w: call does not match transfer parameters", ErrInvalidSignature)
		}
		return e.executeDelegated(ctx, p)
	default:
		return common.Hash{}, fmt.Errorf("%w: %T", ErrUnsupportedProof, proof)
	}
}

func (e *Executor) checkBalance(ctx context.Context, from common.Address, amount *big.Int) error {
	balance, err := e.chain.TokenBalance(ctx, e.cfg.Token, from)
	if err != nil {
		return fmt.Errorf("read source balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}
	return nil
}

func (e *Executor) executeDirect(ctx context.Context, p *authz.TransferWithAuthorization) (common.Hash, error) {
	v, r, s, err := authz.SplitSignature(p.Signature)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	data, err := contracts.Stablecoin.Pack("transferWithAuthorization",
		p.From, p.To, p.Value,
		new(big.Int).SetUint64(p.ValidAfter), new(big.Int).SetUint64(p.ValidBefore),
		p.Nonce, v, r, s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack transferWithAuthorization: %w", err)
	}

	hash, err := e.chain.Submit(ctx, chain.Call{To: e.cfg.Token, Data: data})
	if err != nil {
		return common.Hash{}, Classify(err)
	}
	e.logger.Info("direct transfer submitted",
		slog.String("tx", hash.Hex()),
		slog.String("from", p.From.Hex()),
		slog.String("value", p.Value.String()))
	return hash, nil
}

func (e *Executor) executeDelegated(ctx context.Context, p *authz.DelegatedCall) (common.Hash, error) {
	if err := e.ensureDelegation(ctx, p); err != nil {
		return common.Hash{}, err
	}

	data, err := contracts.Delegate.Pack("executeTransfer",
		p.Token, p.To, p.Amount, p.Nonce, new(big.Int).SetUint64(p.Deadline), p.Signature)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack executeTransfer: %w", err)
	}

	hash, err := e.chain.Submit(ctx, chain.Call{To: p.Account, Data: data})
	if err != nil {
		return common.Hash{}, Classify(err)
	}
	e.logger.Info("delegated transfer submitted",
		slog.String("tx", hash.Hex()),
		slog.String("account", p.Account.Hex()),
		slog.String("amount", p.Amount.String()))
	return hash, nil
}

func (e *Executor) ensureDelegation(ctx context.Context, p *authz.DelegatedCall) error {
	code, err := e.chain.CodeAt(ctx, p.Account)
	if err != nil {
		return fmt.Errorf("read account code: %w", err)
	}
	if chain.IsDelegatedTo(code, e.cfg.Delegate) {
		return nil
	}
	if p.Delegation == nil {
		return fmt.Errorf("%w: account %s not delegated and no authorization supplied", ErrDelegationInactive, p.Account.Hex())
	}

	hash, err := e.chain.Submit(ctx, chain.Call{
		To:       p.Account,
		AuthList: []types.SetCodeAuthorization{*p.Delegation},
	})
	if err != nil {
		return fmt.Errorf("submit delegation: %w", Classify(err))
	}
	e.logger.Info("delegation submitted", slog.String("tx", hash.Hex()), slog.String("account", p.Account.Hex()))

	out := retry.Do(ctx, e.cfg.DelegationPoll, func(ctx context.Context, attempt int) (struct{}, error) {
		code, err := e.chain.CodeAt(ctx, p.Account)
		if err != nil {
			return struct{}{}, err
		}
		if !chain.IsDelegatedTo(code, e.cfg.Delegate) {
			return struct{}{}, fmt.Errorf("code at %s not yet delegated (attempt %d)", p.Account.Hex(), attempt)
		}
		return struct{}{}, nil
	})
	if out.TimedOut() {
		e.logger.Error("delegation never became active",
			slog.String("account", p.Account.Hex()),
			slog.Int("attempts", out.Attempts),
			slog.Any("err", out.Err))
		return fmt.Errorf("%w after %d attempts: %v", ErrDelegationInactive, out.Attempts, out.Err)
	}
	return nil
}

// Classify maps node error strings onto the terminal execution errors.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authorization is used"),
		strings.Contains(msg, "nonce already used"):
		return fmt.Errorf("%w: %v", ErrNonceUsed, err)
	case strings.Contains(msg, "exceeds balance"),
		strings.Contains(msg, "insufficient balance"):
		return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	case strings.Contains(msg, "invalid signature"),
		strings.Contains(msg, "invalid authorization"):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case strings.Contains(msg, "not yet valid"),
		strings.Contains(msg, "expired"):
		return fmt.Errorf("%w: %v", ErrAuthorizationWindow, err)
	case strings.Contains(msg, "revert"):
		return fmt.Errorf("%w: %v", ErrReverted, err)
	}
	return err
}
