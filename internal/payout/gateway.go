// Package payout is the boundary to the fiat payout provider.
package payout

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusPending Status = "PENDING"
	StatusFailed  Status = "FAILED"
)

var (
	// ErrTransient marks provider errors worth retrying with the same key.
	// The transfer may or may not have been accepted.
	ErrTransient = errors.New("payout provider temporarily unavailable")
	// ErrNotFound means the provider holds no transfer for the key.
	ErrNotFound = errors.New("payout transfer not found")
)

// TransferRequest is one fiat transfer. IdempotencyKey is unique per attempt;
// a repeated key must never produce a second transfer.
type TransferRequest struct {
	IdempotencyKey    string          `json:"idempotencyKey"`
	Amount            decimal.Decimal `json:"amount"`
	BeneficiaryID     string          `json:"beneficiaryId"`
	BeneficiaryHandle string          `json:"beneficiaryHandle"`
	Remarks           string          `json:"remarks,omitempty"`
}

type TransferResult struct {
	Status            Status `json:"status"`
	ProviderReference string `json:"providerReference,omitempty"`
	Message           string `json:"message,omitempty"`
}

type Gateway interface {
	InitiateTransfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	GetTransferStatus(ctx context.Context, idempotencyKey string) (TransferResult, error)
}

// NormalizeStatus folds provider vocabularies into SUCCESS, PENDING or FAILED.
// Anything unrecognised counts as FAILED so it routes to the refund path.
func NormalizeStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESS", "SUCCESSFUL", "SUCCEEDED", "COMPLETED", "PROCESSED", "PAID":
		return StatusSuccess
	case "PENDING", "PROCESSING", "QUEUED", "INITIATED", "ACCEPTED", "IN_PROGRESS":
		return StatusPending
	default:
		return StatusFailed
	}
}
