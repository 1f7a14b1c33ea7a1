// Package verify confirms from receipts and Transfer logs that value actually
// moved between the expected accounts. A successful transaction hash alone
// proves nothing: a delegated call can succeed while its inner transfer is
// skipped.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"settlerails/internal/chain"
	"settlerails/internal/contracts"
	"settlerails/internal/retry"
)

type Outcome string

const (
	OutcomeVerified             Outcome = "verified"
	OutcomeReverted             Outcome = "reverted"
	OutcomeNoTransferEvents     Outcome = "no_transfer_events"
	OutcomeCounterpartyMismatch Outcome = "counterparty_mismatch"
	OutcomeAmountMismatch       Outcome = "amount_mismatch"
	// OutcomeUnknown means the receipt could not be read in time. It is
	// neither success nor failure and must be escalated.
	OutcomeUnknown Outcome = "unknown"
)

var (
	ErrReverted             = errors.New("transaction reverted")
	ErrNoTransferEvents     = errors.New("no transfer events in receipt")
	ErrCounterpartyMismatch = errors.New("transfer events present but counterparties do not match")
	ErrAmountMismatch       = errors.New("transferred amount outside tolerance")
	ErrInconclusive         = errors.New("verification inconclusive")
)

// Result is the TransferRecord view of one verification.
type Result struct {
	Verified     bool
	Outcome      Outcome
	ActualAmount *decimal.Decimal
	TxHash       common.Hash
	BlockNumber  uint64
	Err          error
}

// Status maps the outcome onto pending/confirmed/failed.
func (r Result) Status() string {
	switch r.Outcome {
	case OutcomeVerified:
		return "confirmed"
	case OutcomeUnknown:
		return "pending"
	default:
		return "failed"
	}
}

type Config struct {
	Token       common.Address
	Decimals    int32
	Tolerance   decimal.Decimal
	ReceiptPoll retry.Policy
}

type Verifier struct {
	chain  chain.Client
	cfg    Config
	logger *slog.Logger
}

func New(c chain.Client, cfg Config, logger *slog.Logger) *Verifier {
	return &Verifier{
		chain:  c,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "verifier")),
	}
}

// VerifyTransfer waits for the receipt of txHash and checks that the token
// moved expectedAmount (within tolerance) from expectedFrom to expectedTo.
func (v *Verifier) VerifyTransfer(ctx context.Context, txHash common.Hash, expectedFrom, expectedTo common.Address, expectedAmount decimal.Decimal) Result {
	res := Result{TxHash: txHash, Outcome: OutcomeUnknown}

	receipt, err := chain.WaitForReceipt(ctx, v.chain, txHash, v.cfg.ReceiptPoll)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrInconclusive, err)
		v.logger.Warn("receipt unavailable",
			slog.String("tx", txHash.Hex()),
			slog.Any("err", err))
		return res
	}
	return v.Evaluate(receipt, expectedFrom, expectedTo, expectedAmount)
}

// Evaluate checks an already fetched receipt.
func (v *Verifier) Evaluate(receipt *types.Receipt, expectedFrom, expectedTo common.Address, expectedAmount decimal.Decimal) Result {
	res := Result{TxHash: receipt.TxHash}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		res.Outcome = OutcomeReverted
		res.Err = fmt.Errorf("%w: %s", ErrReverted, receipt.TxHash.Hex())
		return res
	}

	transfers := DecodeTransfers(receipt.Logs, v.cfg.Token)
	if len(transfers) == 0 {
		res.Outcome = OutcomeNoTransferEvents
		res.Err = fmt.Errorf("%w: %s", ErrNoTransferEvents, receipt.TxHash.Hex())
		return res
	}

	total := new(big.Int)
	matched := 0
	seen := make([]string, 0, len(transfers))
	for _, tr := range transfers {
		if tr.From == expectedFrom && tr.To == expectedTo {
			total.Add(total, tr.Value)
			matched++
			continue
		}
		seen = append(seen, tr.From.Hex()+"->"+tr.To.Hex())
	}
	if matched == 0 {
		res.Outcome = OutcomeCounterpartyMismatch
		res.Err = fmt.Errorf("%w: expected %s->%s, saw %s", ErrCounterpartyMismatch,
			expectedFrom.Hex(), expectedTo.Hex(), strings.Join(seen, ", "))
		return res
	}

	actual := chain.FromBaseUnits(total, v.cfg.Decimals)
	res.ActualAmount = &actual
	if expectedAmount.Sub(actual).Abs().GreaterThan(v.cfg.Tolerance) {
		res.Outcome = OutcomeAmountMismatch
		res.Err = fmt.Errorf("%w: expected %s, got %s (tolerance %s)", ErrAmountMismatch,
			expectedAmount.String(), actual.String(), v.cfg.Tolerance.String())
		return res
	}

	res.Outcome = OutcomeVerified
	res.Verified = true
	return res
}

// Transfer is one decoded ERC-20 Transfer event.
type Transfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

// DecodeTransfers returns the Transfer events emitted by token. Addresses are
// decoded into common.Address, so comparisons ignore checksum casing.
func DecodeTransfers(logs []*types.Log, token common.Address) []Transfer {
	var out []Transfer
	for _, l := range logs {
		if l == nil || l.Address != token || len(l.Topics) != 3 || l.Topics[0] != contracts.TransferEventID {
			continue
		}
		out = append(out, Transfer{
			From:  common.BytesToAddress(l.Topics[1].Bytes()),
			To:    common.BytesToAddress(l.Topics[2].Bytes()),
			Value: new(big.Int).SetBytes(l.Data),
		})
	}
	return out
}
