// Package settlement drives one payment from the payer's signed authorization
// to a fiat payout, or back to the payer as a refund.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"settlerails/internal/authz"
	"settlerails/internal/refund"
)

type State string

const (
	StateReceived                   State = "RECEIVED"
	StateTransferSubmitted          State = "TRANSFER_SUBMITTED"
	StateTransferVerified           State = "TRANSFER_VERIFIED"
	StatePayoutAttempted            State = "PAYOUT_ATTEMPTED"
	StateRefunding                  State = "REFUNDING"
	StateCompleted                  State = "COMPLETED"
	StateCompletedWithPayoutFailure State = "COMPLETED_WITH_PAYOUT_FAILURE"
	StateRefunded                   State = "REFUNDED"
	StateFailed                     State = "FAILED"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCompletedWithPayoutFailure, StateRefunded, StateFailed:
		return true
	}
	return false
}

// Class is the error taxonomy. Only the orchestrator assigns it.
type Class string

const (
	ClassNone                  Class = ""
	ClassStructural            Class = "structural"
	ClassAuthorization         Class = "authorization"
	ClassChainExecution        Class = "chain_execution"
	ClassVerificationAmbiguous Class = "verification_ambiguous"
	ClassPayoutProvider        Class = "payout_provider"
	ClassSolvency              Class = "solvency"
	ClassReconciliation        Class = "reconciliation_failure"
)

var (
	ErrNotFound      = errors.New("settlement not found")
	ErrExists        = errors.New("settlement already exists")
	ErrNotRefundable = errors.New("settlement is not eligible for a manual refund")
	// ErrPayoutUnresolved means the provider may hold the payout but its
	// status could not be read. Such settlements are never refunded automatically.
	ErrPayoutUnresolved = errors.New("payout outcome unknown")
)

// Repository is the persistence boundary. Create fails with ErrExists when
// the id is taken; Get fails with ErrNotFound.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
}

type Beneficiary struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
	Name   string `json:"name,omitempty"`
	// FiatAmount overrides the converted amount when set.
	FiatAmount decimal.Decimal `json:"fiatAmount"`
}

// PaymentIntent is immutable once accepted.
type PaymentIntent struct {
	Payer         common.Address
	Treasury      common.Address
	Amount        decimal.Decimal
	ChainID       *big.Int
	Beneficiary   Beneficiary
	NetworkFee    *decimal.Decimal
	Authorization authz.Proof
}

type TransferRecord struct {
	TxHash       common.Hash      `json:"txHash"`
	Status       string           `json:"status"`
	Outcome      string           `json:"outcome,omitempty"`
	ActualAmount *decimal.Decimal `json:"actualAmount,omitempty"`
	BlockNumber  uint64           `json:"blockNumber,omitempty"`
}

type PayoutAttempt struct {
	IdempotencyKey    string          `json:"idempotencyKey"`
	FiatAmount        decimal.Decimal `json:"fiatAmount"`
	BeneficiaryID     string          `json:"beneficiaryId"`
	Status            string          `json:"status"`
	ProviderReference string          `json:"providerReference,omitempty"`
	Message           string          `json:"message,omitempty"`
}

type RefundRecord struct {
	Status string          `json:"status"`
	Amount decimal.Decimal `json:"amount"`
	TxHash *common.Hash    `json:"txHash,omitempty"`
	Error  string          `json:"error,omitempty"`
	Trail  []string        `json:"trail"`
}

// Record is the persisted settlement aggregate.
type Record struct {
	ID                  string          `json:"id"`
	State               State           `json:"state"`
	Payer               common.Address  `json:"payer"`
	Treasury            common.Address  `json:"treasury"`
	Amount              decimal.Decimal `json:"amount"`
	ChainID             uint64          `json:"chainId"`
	AuthKind            authz.Kind      `json:"authKind,omitempty"`
	AuthNonce           string          `json:"authNonce,omitempty"`
	Beneficiary         Beneficiary     `json:"beneficiary"`
	NetworkFee          decimal.Decimal `json:"networkFee"`
	Transfer            *TransferRecord `json:"transfer,omitempty"`
	Payout              *PayoutAttempt  `json:"payout,omitempty"`
	Refund              *RefundRecord   `json:"refund,omitempty"`
	Error               string          `json:"error,omitempty"`
	Class               Class           `json:"class,omitempty"`
	Degraded            []string        `json:"degraded,omitempty"`
	NeedsReconciliation bool            `json:"needsReconciliation"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// Outcome is what Settle and ManualRefund hand back. Err carries the
// human-readable reason whenever the state is not COMPLETED.
type Outcome struct {
	Record   *Record
	Replayed bool
	Err      error
}

var (
	settlementNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:settlerails:settlement"))
	payoutNamespace     = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:settlerails:payout"))
)

// NonceKey identifies the single-use part of a proof.
func NonceKey(p authz.Proof) string {
	switch v := p.(type) {
	case *authz.TransferWithAuthorization:
		return hexutil.Encode(v.Nonce[:])
	case *authz.DelegatedCall:
		if v.Nonce == nil {
			return "delegated:"
		}
		return "delegated:" + v.Nonce.String()
	case *authz.LegacyOperation:
		return "legacy:" + crypto.Keccak256Hash(v.CallData, v.Signature).Hex()
	}
	return ""
}

// SettlementID is stable for a (chain, payer, nonce) triple, so resubmitting
// the same authorization lands on the same settlement.
func SettlementID(chainID *big.Int, payer common.Address, proof authz.Proof) string {
	name := fmt.Sprintf("%s|%s|%s", chainID.String(), strings.ToLower(payer.Hex()), NonceKey(proof))
	return uuid.NewSHA1(settlementNamespace, []byte(name)).String()
}

// PayoutKey is the provider idempotency key for a settlement.
func PayoutKey(settlementID string) string {
	return uuid.NewSHA1(payoutNamespace, []byte(settlementID)).String()
}

// FiatAmount converts an asset amount at a fixed rate, rounded to cents.
func FiatAmount(amount, fiatPerToken decimal.Decimal) decimal.Decimal {
	return amount.Mul(fiatPerToken).Round(2)
}

func refundRecord(out refund.Outcome) *RefundRecord {
	rec := &RefundRecord{Status: string(out.Status), Amount: out.Amount}
	if out.TxHash != (common.Hash{}) {
		h := out.TxHash
		rec.TxHash = &h
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}
	for _, s := range out.Trail {
		rec.Trail = append(rec.Trail, string(s))
	}
	return rec
}
