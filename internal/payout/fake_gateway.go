package payout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// FakeGateway is an idempotent in-memory provider. Outcome decides how new
// keys resolve; a key seen before always returns its first result.
type FakeGateway struct {
	mu        sync.Mutex
	transfers map[string]TransferResult

	Outcome Status
	// PendingPolls is how many status reads stay PENDING before resolving to Outcome.
	PendingPolls int
	// Err fails InitiateTransfer with this error before anything is recorded.
	Err error
	// LoseAcks records each transfer and then answers ErrTransient, as when
	// the provider's response never arrives.
	LoseAcks bool
	// StatusErr fails every GetTransferStatus.
	StatusErr error

	polls          map[string]int
	InitiateCalls  int
	CompletedCount int
}

func NewFakeGateway(outcome Status) *FakeGateway {
	return &FakeGateway{
		transfers: make(map[string]TransferResult),
		polls:     make(map[string]int),
		Outcome:   outcome,
	}
}

func (f *FakeGateway) InitiateTransfer(_ context.Context, req TransferRequest) (TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.InitiateCalls++
	if f.Err != nil {
		return TransferResult{}, f.Err
	}
	if res, ok := f.transfers[req.IdempotencyKey]; ok {
		return f.ack(res)
	}

	sum := sha256.Sum256([]byte(req.IdempotencyKey))
	res := TransferResult{Status: f.Outcome, ProviderReference: "po_" + hex.EncodeToString(sum[:8])}
	if f.PendingPolls > 0 && f.Outcome != StatusPending {
		res.Status = StatusPending
	}
	if res.Status == StatusSuccess {
		f.CompletedCount++
	}
	if res.Status == StatusFailed {
		res.Message = fmt.Sprintf("beneficiary %s rejected", req.BeneficiaryHandle)
	}
	f.transfers[req.IdempotencyKey] = res
	return f.ack(res)
}

func (f *FakeGateway) ack(res TransferResult) (TransferResult, error) {
	if f.LoseAcks {
		return TransferResult{}, fmt.Errorf("%w: response lost", ErrTransient)
	}
	return res, nil
}

func (f *FakeGateway) GetTransferStatus(_ context.Context, key string) (TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StatusErr != nil {
		return TransferResult{}, f.StatusErr
	}
	res, ok := f.transfers[key]
	if !ok {
		return TransferResult{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if res.Status != StatusPending {
		return res, nil
	}
	f.polls[key]++
	if f.PendingPolls > 0 && f.polls[key] >= f.PendingPolls && f.Outcome != StatusPending {
		res.Status = f.Outcome
		if res.Status == StatusSuccess {
			f.CompletedCount++
		}
		f.transfers[key] = res
	}
	return res, nil
}
