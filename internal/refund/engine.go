// Package refund returns the inbound value, minus the network fee, from the
// treasury to the payer when a payout cannot complete.
package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"settlerails/internal/chain"
	"settlerails/internal/contracts"
	"settlerails/internal/retry"
	"settlerails/internal/verify"
)

type Status string

const (
	StatusProposed        Status = "PROPOSED"
	StatusVerifiedInbound Status = "VERIFIED_INBOUND"
	StatusSolvencyChecked Status = "SOLVENCY_CHECKED"
	StatusSubmitted       Status = "SUBMITTED"
	StatusConfirmed       Status = "CONFIRMED"
	StatusFailed          Status = "FAILED"
)

var (
	ErrNothingToRefund      = errors.New("refund amount is zero after network fee")
	ErrInboundUnverified    = errors.New("inbound transfer could not be verified")
	ErrInsufficientTreasury = errors.New("treasury balance below refund amount")
	ErrDuplicateRefund      = errors.New("refund already reserved for inbound transfer")
	ErrRefundUnconfirmed    = errors.New("refund transfer not confirmed")
)

// Ledger guards against paying the same inbound transfer back twice.
// ReserveRefund returns ErrDuplicateRefund when inboundTx already has one.
// ReleaseRefund drops a reservation held by settlementID; it is only called
// when the refund transaction was never broadcast.
type Ledger interface {
	ReserveRefund(ctx context.Context, inboundTx common.Hash, settlementID string) error
	ReleaseRefund(ctx context.Context, inboundTx common.Hash, settlementID string) error
}

type Request struct {
	SettlementID  string
	Payer         common.Address
	Treasury      common.Address
	InboundTx     common.Hash
	InboundAmount decimal.Decimal
	NetworkFee    decimal.Decimal
}

// Outcome is the RefundRecord. Trail lists every state reached in order.
type Outcome struct {
	Status   Status
	Amount   decimal.Decimal
	TxHash   common.Hash
	Err      error
	Degraded []string
	Trail    []Status
}

func (o *Outcome) advance(s Status) {
	o.Status = s
	o.Trail = append(o.Trail, s)
}

func (o *Outcome) fail(err error) Outcome {
	o.advance(StatusFailed)
	o.Err = err
	return *o
}

type Config struct {
	Token    common.Address
	Decimals int32
	// InboundCheck bounds the re-verification of the inbound transfer.
	InboundCheck retry.Policy
	// RefundOnUnverifiedInbound lets a refund proceed when every inbound
	// re-verification attempt fails, whatever the outcome. When off, an
	// unverified inbound transfer stops the refund.
	RefundOnUnverifiedInbound bool
}

type Engine struct {
	chain    chain.Client
	verifier *verify.Verifier
	ledger   Ledger
	cfg      Config
	logger   *slog.Logger
}

func New(c chain.Client, v *verify.Verifier, ledger Ledger, cfg Config, logger *slog.Logger) *Engine {
	if cfg.InboundCheck.MaxAttempts <= 0 {
		cfg.InboundCheck = retry.Fixed(3, 2*time.Second)
	}
	return &Engine{
		chain:    c,
		verifier: v,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "refund")),
	}
}

// Amount is max(inbound - fee, 0).
func Amount(inbound, fee decimal.Decimal) decimal.Decimal {
	amt := inbound.Sub(fee)
	if amt.IsNegative() {
		return decimal.Zero
	}
	return amt
}

// Refund walks one refund through its lifecycle. A refund that reaches
// SUBMITTED is never submitted again, whatever its verification says.
func (e *Engine) Refund(ctx context.Context, req Request) Outcome {
	out := Outcome{Amount: Amount(req.InboundAmount, req.NetworkFee)}
	out.advance(StatusProposed)

	log := e.logger.With(
		slog.String("settlement_id", req.SettlementID),
		slog.String("payer", req.Payer.Hex()),
		slog.String("inbound_tx", req.InboundTx.Hex()))

	if !out.Amount.IsPositive() {
		log.Warn("nothing to refund",
			slog.String("inbound", req.InboundAmount.String()),
			slog.String("fee", req.NetworkFee.String()))
		return out.fail(ErrNothingToRefund)
	}

	if err := e.checkInbound(ctx, req, &out, log); err != nil {
		return out.fail(err)
	}
	out.advance(StatusVerifiedInbound)

	amount := chain.ToBaseUnits(out.Amount, e.cfg.Decimals)
	balance, err := e.chain.TokenBalance(ctx, e.cfg.Token, req.Treasury)
	if err != nil {
		return out.fail(fmt.Errorf("read treasury balance: %w", err))
	}
	if balance.Cmp(amount) < 0 {
		log.Error("treasury cannot cover refund",
			slog.String("balance", chain.FromBaseUnits(balance, e.cfg.Decimals).String()),
			slog.String("refund", out.Amount.String()))
		return out.fail(fmt.Errorf("%w: have %s, need %s", ErrInsufficientTreasury,
			chain.FromBaseUnits(balance, e.cfg.Decimals).String(), out.Amount.String()))
	}
	out.advance(StatusSolvencyChecked)

	if e.ledger != nil {
		if err := e.ledger.ReserveRefund(ctx, req.InboundTx, req.SettlementID); err != nil {
			if errors.Is(err, ErrDuplicateRefund) {
				return out.fail(err)
			}
			return out.fail(fmt.Errorf("reserve refund: %w", err))
		}
	}

	data, err := contracts.Stablecoin.Pack("transfer", req.Payer, amount)
	if err != nil {
		return out.fail(fmt.Errorf("pack refund transfer: %w", err))
	}
	hash, err := e.chain.Submit(ctx, chain.Call{To: e.cfg.Token, Data: data})
	if err != nil {
		if chain.IsNotBroadcast(err) && e.ledger != nil {
			if relErr := e.ledger.ReleaseRefund(ctx, req.InboundTx, req.SettlementID); relErr != nil {
				log.Error("release refund reservation", slog.Any("err", relErr))
			} else {
				log.Warn("refund not broadcast, reservation released", slog.Any("err", err))
			}
		}
		return out.fail(fmt.Errorf("submit refund: %w", err))
	}
	out.TxHash = hash
	out.advance(StatusSubmitted)
	log.Info("refund submitted", slog.String("tx", hash.Hex()), slog.String("amount", out.Amount.String()))

	res := e.verifier.VerifyTransfer(ctx, hash, req.Treasury, req.Payer, out.Amount)
	if !res.Verified {
		log.Error("refund not confirmed",
			slog.String("tx", hash.Hex()),
			slog.String("outcome", string(res.Outcome)),
			slog.Any("err", res.Err))
		return out.fail(fmt.Errorf("%w: %v", ErrRefundUnconfirmed, res.Err))
	}
	out.advance(StatusConfirmed)
	return out
}

func (e *Engine) checkInbound(ctx context.Context, req Request, out *Outcome, log *slog.Logger) error {
	var last verify.Result
	check := retry.Do(ctx, e.cfg.InboundCheck, func(ctx context.Context, attempt int) (verify.Result, error) {
		res := e.verifier.VerifyTransfer(ctx, req.InboundTx, req.Payer, req.Treasury, req.InboundAmount)
		last = res
		if res.Verified {
			return res, nil
		}
		log.Warn("inbound re-verification failed",
			slog.Int("attempt", attempt),
			slog.String("outcome", string(res.Outcome)),
			slog.Any("err", res.Err))
		return res, res.Err
	})
	if check.Succeeded() {
		return nil
	}
	if !e.cfg.RefundOnUnverifiedInbound {
		log.Error("inbound transfer not verified, refund stopped", slog.String("outcome", string(last.Outcome)), slog.Any("err", check.Err))
		return fmt.Errorf("%w after %d attempts (%s): %v", ErrInboundUnverified, check.Attempts, last.Outcome, check.Err)
	}
	note := fmt.Sprintf("refund proceeded without inbound verification after %d attempts (%s)", check.Attempts, last.Outcome)
	log.Warn(note, slog.Any("err", check.Err))
	out.Degraded = append(out.Degraded, note)
	return nil
}
