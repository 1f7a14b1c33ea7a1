package settlement_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"settlerails/internal/authz"
	"settlerails/internal/chain"
	"settlerails/internal/executor"
	"settlerails/internal/metrics"
	"settlerails/internal/payout"
	"settlerails/internal/reconcile"
	"settlerails/internal/refund"
	"settlerails/internal/retry"
	"settlerails/internal/settlement"
	"settlerails/internal/store"
	"settlerails/internal/verify"
)

const testChainID = 421614

var (
	token    = common.HexToAddress("0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d")
	treasury = common.HexToAddress("0x1111111111111111111111111111111111111111")
	delegate = common.HexToAddress("0x63c0c19a282a1B52b07dD5a65b58948A07DAE32B")
)

type harness struct {
	fake    *chain.FakeClient
	gateway *payout.FakeGateway
	store   *store.MemoryStore
	queue   *reconcile.FileQueue
	authv   *authz.Verifier
	orch    *settlement.Orchestrator
}

func newHarness(t *testing.T, outcome payout.Status, tweak func(*settlement.Config, *settlement.Deps, *chain.FakeClient)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fake := chain.NewFakeClient(testChainID, token, treasury)
	fake.SetBalance(treasury, big.NewInt(89_500_000))
	fake.SetCode(delegate, []byte{0x60, 0x80, 0x60, 0x40})

	authv := authz.NewVerifier(fake, authz.VerifierConfig{
		Token:           token,
		TokenName:       "USDC",
		TokenVersion:    "2",
		TokenDecimals:   6,
		Treasury:        treasury,
		Delegate:        delegate,
		DelegateName:    "SettlementDelegate",
		DelegateVersion: "1",
	})
	exec := executor.New(fake, executor.Config{
		Token:          token,
		Delegate:       delegate,
		DelegationPoll: retry.Fixed(5, time.Millisecond),
	}, logger)
	verifier := verify.New(fake, verify.Config{
		Token:       token,
		Decimals:    6,
		Tolerance:   decimal.RequireFromString("0.000001"),
		ReceiptPoll: retry.Fixed(3, time.Millisecond),
	}, logger)
	mem := store.NewMemoryStore()
	refunds := refund.New(fake, verifier, mem, refund.Config{
		Token:                     token,
		Decimals:                  6,
		InboundCheck:              retry.Fixed(3, time.Millisecond),
		RefundOnUnverifiedInbound: true,
	}, logger)
	gateway := payout.NewFakeGateway(outcome)
	queue := reconcile.NewFileQueue(t.TempDir(), logger)

	cfg := settlement.Config{
		ChainID:      big.NewInt(testChainID),
		Token:        token,
		Decimals:     6,
		Treasury:     treasury,
		FiatPerToken: decimal.RequireFromString("150"),
		NetworkFee:   decimal.RequireFromString("0.05"),
		AutoRefund:   true,
		PayoutRetry:  retry.Fixed(3, time.Millisecond),
		PayoutPoll:   retry.Fixed(4, time.Millisecond),
	}
	deps := settlement.Deps{
		Authorizer: authv,
		Executor:   exec,
		Verifier:   verifier,
		Payouts:    gateway,
		Refunds:    refunds,
		Repo:       mem,
		Queue:      queue,
		Metrics:    metrics.New(),
		Logger:     logger,
	}
	if tweak != nil {
		tweak(&cfg, &deps, fake)
	}

	return &harness{
		fake:    fake,
		gateway: gateway,
		store:   mem,
		queue:   queue,
		authv:   authv,
		orch:    settlement.NewOrchestrator(cfg, deps),
	}
}

func newPayer(t *testing.T, h *harness) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	h.fake.SetBalance(addr, big.NewInt(50_000_000))
	return key, addr
}

func sign(t *testing.T, key *ecdsa.PrivateKey, digest common.Hash) []byte {
	t.Helper()
	sig, err := crypto.Sign(digest[:], key)
	require.NoError(t, err)
	sig[64] += 27
	return sig
}

func beneficiary() settlement.Beneficiary {
	return settlement.Beneficiary{ID: "merchant-7", Handle: "merchant@bank", Name: "Corner Shop"}
}

func (h *harness) directIntent(t *testing.T, key *ecdsa.PrivateKey, amount string) settlement.PaymentIntent {
	t.Helper()
	payer := crypto.PubkeyToAddress(key.PublicKey)
	amt := decimal.RequireFromString(amount)
	prepared, err := h.authv.PrepareTransfer(big.NewInt(testChainID), authz.PrepareRequest{
		From:     payer,
		Value:    chain.ToBaseUnits(amt, 6),
		ValidFor: 10 * time.Minute,
	})
	require.NoError(t, err)
	auth := prepared.Authorization
	auth.Signature = sign(t, key, prepared.Digest)
	return settlement.PaymentIntent{
		Payer:         payer,
		Treasury:      treasury,
		Amount:        amt,
		ChainID:       big.NewInt(testChainID),
		Beneficiary:   beneficiary(),
		Authorization: &auth,
	}
}

func delegatedIntent(t *testing.T, key *ecdsa.PrivateKey, amount string) settlement.PaymentIntent {
	t.Helper()
	payer := crypto.PubkeyToAddress(key.PublicKey)
	amt := decimal.RequireFromString(amount)
	call := &authz.DelegatedCall{
		Account:  payer,
		Token:    token,
		To:       treasury,
		Amount:   chain.ToBaseUnits(amt, 6),
		Nonce:    big.NewInt(1),
		Deadline: uint64(time.Now().Add(time.Hour).Unix()),
		ChainID:  big.NewInt(testChainID),
	}
	digest, err := authz.HashTypedData(authz.DelegatedTransferTypedData("SettlementDelegate", "1", call))
	require.NoError(t, err)
	call.Signature = sign(t, key, digest)

	delegation, err := types.SignSetCode(key, types.SetCodeAuthorization{
		ChainID: *uint256.NewInt(testChainID),
		Address: delegate,
	})
	require.NoError(t, err)
	call.Delegation = &delegation

	return settlement.PaymentIntent{
		Payer:         payer,
		Treasury:      treasury,
		Amount:        amt,
		ChainID:       big.NewInt(testChainID),
		Beneficiary:   beneficiary(),
		Authorization: call,
	}
}

func TestSettleDirectCompleted(t *testing.T) {
	h := newHarness(t, payout.StatusSuccess, nil)
	key, payer := newPayer(t, h)

	out := h.orch.Settle(context.Background(), h.directIntent(t, key, "10.5"))

	require.NoError(t, out.Err)
	rec := out.Record
	require.Equal(t, settlement.StateCompleted, rec.State)
	require.Equal(t, string(verify.OutcomeVerified), rec.Transfer.Outcome)
	require.True(t, rec.Transfer.ActualAmount.Equal(decimal.RequireFromString("10.5")))
	require.Equal(t, string(payout.StatusSuccess), rec.Payout.Status)
	require.Equal(t, settlement.PayoutKey(rec.ID), rec.Payout.IdempotencyKey)
	require.Equal(t, "1575.00", rec.Payout.FiatAmount.StringFixed(2))
	require.Nil(t, rec.Refund)
	require.Empty(t, rec.Degraded)

	require.Zero(t, big.NewInt(39_500_000).Cmp(h.fake.Balance(payer)))
	require.Zero(t, big.NewInt(100_000_000).Cmp(h.fake.Balance(treasury)))
	require.Equal(t, 1, h.gateway.CompletedCount)

	stored, err := h.orch.Status(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.StateCompleted, stored.State)
}

func TestSettleReplayHasNoSideEffects(t *testing.T) {
	h := newHarness(t, payout.StatusSuccess, nil)
	key, _ := newPayer(t, h)
	intent := h.directIntent(t, key, "10.5")

	first := h.orch.Settle(context.Background(), intent)
	require.NoError(t, first.Err)
	second := h.orch.Settle(context.Background(), intent)

	require.True(t, second.Replayed)
	require.Equal(t, first.Record.ID, second.Record.ID)
	require.Equal(t, settlement.StateCompleted, second.Record.State)
	require.Equal(t, 1, h.fake.SubmittedCount())
	require.Equal(t, 1, h.gateway.InitiateCalls)
}

func TestSettlePayoutFailedRefunded(t *testing.T) {
	h := newHarness(t, payout.StatusFailed, nil)
	key, payer := newPayer(t, h)

	out := h.orch.Settle(context.Background(), h.directIntent(t, key, "10.5"))

	rec := out.Record
	require.Equal(t, settlement.StateRefunded, rec.State)
	require.Error(t, out.Err)
	require.Equal(t, settlement.ClassPayoutProvider, rec.Class)
	require.NotNil(t, rec.Refund)
	require.Equal(t, string(refund.StatusConfirmed), rec.Refund.Status)
	require.Equal(t, "10.450000", rec.Refund.Amount.StringFixed(6))
	require.NotNil(t, rec.Refund.TxHash)
	require.False(t, rec.NeedsReconciliation)

	// 50 - 10.5 + 10.45
	require.Zero(t, big.NewInt(49_950_000).Cmp(h.fake.Balance(payer)))
	require.Equal(t, 2, h.fake.SubmittedCount())
}

// drainingGateway empties the treasury before answering, so a refund that
// follows meets an insolvent treasury.
type drainingGateway struct {
	*payout.FakeGateway
	fake *chain.FakeClient
}

func (d drainingGateway) InitiateTransfer(ctx context.Context, req payout.TransferRequest) (payout.TransferResult, error) {
	d.fake.SetBalance(treasury, big.NewInt(5_000_000))
	return d.FakeGateway.InitiateTransfer(ctx, req)
}

func TestSettleRefundInsufficientTreasury(t *testing.T) {
	h := newHarness(t, payout.StatusFailed, func(_ *settlement.Config, deps *settlement.Deps, fake *chain.FakeClient) {
		deps.Payouts = drainingGateway{FakeGateway: deps.Payouts.(*payout.FakeGateway), fake: fake}
	})
	key, _ := newPayer(t, h)

	out := h.orch.Settle(context.Background(), h.directIntent(t, key, "10.5"))

	rec := out.Record
	require.Equal(t, settlement.StateFailed, rec.State)
	require.Equal(t, settlement.ClassSolvency, rec.Class)
	require.True(t, errors.Is(out.Err, refund.ErrInsufficientTreasury))
	require.Contains(t, rec.Refund.Error, "treasury balance below refund amount")
	require.True(t, rec.NeedsReconciliation)
	require.Nil(t, rec.Refund.TxHash)
	require.Equal(t, 1, h.fake.SubmittedCount())
	require.Equal(t, 1, h.queue.Depth())
}

func TestSettleDelegatedUnverifiedTransferStillPaysOut(t *testing.T) {
	h := newHarness(t, payout.StatusSuccess, nil)
	h.fake.SkipDelegatedTransfer = true
	key, payer := newPayer(t, h)

	out := h.orch.Settle(context.Background(), delegatedIntent(t, key, "10.5"))

	rec := out.Record
	require.NoError(t, out.Err)
	require.Equal(t, settlement.StateCompleted, rec.State)
	require.Equal(t, string(verify.OutcomeNoTransferEvents), rec.Transfer.Outcome)
	require.Len(t, rec.Degraded, 1)
	require.True(t, strings.Contains(rec.Degraded[0], "not verified"))
	require.Equal(t, 1, h.gateway.CompletedCount)
	// funds never left the payer
	require.Zero(t, big.NewInt(50_000_000).Cmp(h.fake.Balance(payer)))
	// set-code transaction plus executeTransfer
	require.Equal(t, 2, h.fake.SubmittedCount())
}

func TestSettleDelegatedVerificationGated(t *testing.T) {
	h := newHarness(t, payout.StatusSuccess, func(cfg *settlement.Config, _ *settlement.Deps, _ *chain.FakeClient) {
		cfg.GateDelegatedVerification = true
	})
	h.fake.SkipDelegatedTransfer = true
	key, _ := newPayer(t, h)

	out := h.orch.Settle(context.Background(), delegatedIntent(t, key, "10.5"))

	require.Equal(t, settlement.StateFailed, out.Record.State)
	require.Equal(t, settlement.ClassVerificationAmbiguous, out.Record.Class)
	require.True(t, errors.Is(out.Err, verify.ErrNoTransferEvents))
	require.Equal(t, 0, h.gateway.InitiateCalls)
}

func TestSettleDelegatedCompleted(t *testing.T) {
	h := newHarness(t, payout.StatusSuccess, nil)
	h.fake.ActivationDelay = 2
	key, payer := newPayer(t, h)

	out := h.orch.Settle(context.Background(), delegatedIntent(t, key, "10.5"))

	require.NoError(t, out.Err)
	require.Equal(t, settlement.StateCompleted, out.Record.State)
	require.Equal(t, string(verify.OutcomeVerified), out.Record.Transfer.Outcome)
	require.Empty(t, out.Record.Degraded)
	require.Zero(t, big.NewInt(39_500_000).Cmp(h.fake.Balance(payer)))
}

func TestSettleDirectUnknownVerificationEscalates(t *testing.T) {
	h := newHarness(t, payout.StatusSuccess, nil)
	h.fake.ReceiptDelay = 100
	key, _ := newPayer(t, h)

	out := h.orch.Settle(context.Background(), h.directIntent(t, key, "10.5"))

	rec := out.Record
	require.Equal(t, settlement.StateFailed, rec.State)
	require.Equal(t, settlement.ClassVerificationAmbiguous, rec.Class)
	require.Equal(t, "pending", rec.Transfer.Status)
	require.True(t, rec.NeedsReconciliation)
	require.Equal(t, 1, h.queue.Depth())
	require.Equal(t, 0, h.gateway.InitiateCalls)
}

func TestSettleLegacyRejected(t *testing.T) {
	h := newHarness(t, payout.StatusSuccess, nil)
	_, payer := newPayer(t, h)

	out := h.orch.Settle(context.Background(), settlement.PaymentIntent{
		Payer:       payer,
		Amount:      decimal.RequireFromString("10.5"),
		Beneficiary: beneficiary(),
		Authorization: &authz.LegacyOperation{
			Sender:    payer,
			CallData:  []byte{0xde, 0xad},
			Signature: make([]byte, 65),
		},
	})

	require.Equal(t, settlement.StateFailed, out.Record.State)
	require.Equal(t, settlement.ClassAuthorization, out.Record.Class)
	require.Contains(t, out.Err.Error(), "no longer supported")
	require.Equal(t, 0, h.fake.SubmittedCount())
}

func TestSettleStructuralFailures(t *testing.T) {
	h := newHarness(t, payout.StatusSuccess, nil)
	key, payer := newPayer(t, h)

	missing := h.orch.Settle(context.Background(), settlement.PaymentIntent{
		Payer:       payer,
		Amount:      decimal.RequireFromString("10.5"),
		Beneficiary: beneficiary(),
	})
	require.Equal(t, settlement.StateFailed, missing.Record.State)
	require.Equal(t, settlement.ClassStructural, missing.Record.Class)

	mismatched := h.directIntent(t, key, "10.5")
	mismatched.Amount = decimal.RequireFromString("10")
	out := h.orch.Settle(context.Background(), mismatched)
	require.Equal(t, settlement.ClassStructural, out.Record.Class)
	require.Contains(t, out.Err.Error(), "does not match")

	wrongChain := h.directIntent(t, key, "10.5")
	wrongChain.ChainID = big.NewInt(1)
	out = h.orch.Settle(context.Background(), wrongChain)
	require.Equal(t, settlement.ClassStructural, out.Record.Class)

	require.Equal(t, 0, h.fake.SubmittedCount())
}

func TestSettleBadSignatureIsAuthorizationFailure(t *testing.T) {
	h := newHarness(t, payout.StatusSuccess, nil)
	key, _ := newPayer(t, h)
	other, _ := crypto.GenerateKey()

	intent := h.directIntent(t, key, "10.5")
	auth := intent.Authorization.(*authz.TransferWithAuthorization)
	digest, err := authz.HashTypedData(authz.TransferTypedData(authz.Domain{
		Name: "USDC", Version: "2", ChainID: big.NewInt(testChainID), VerifyingContract: token,
	}, auth))
	require.NoError(t, err)
	auth.Signature = sign(t, other, digest)

	out := h.orch.Settle(context.Background(), intent)

	require.Equal(t, settlement.StateFailed, out.Record.State)
	require.Equal(t, settlement.ClassAuthorization, out.Record.Class)
	rej, ok := authz.AsRejection(out.Err)
	require.True(t, ok)
	require.Equal(t, authz.ReasonBadSignature, rej.Reason)
	require.Equal(t, 0, h.fake.SubmittedCount())
}

func TestSettleInsufficientPayerBalance(t *testing.T) {
	h := newHarness(t, payout.StatusSuccess, nil)
	key, payer := newPayer(t, h)
	h.fake.SetBalance(payer, big.NewInt(1_000_000))

	out := h.orch.Settle(context.Background(), h.directIntent(t, key, "10.5"))

	require.Equal(t, settlement.StateFailed, out.Record.State)
	require.Equal(t, settlement.ClassChainExecution, out.Record.Class)
	require.True(t, errors.Is(out.Err, executor.ErrInsufficientBalance))
}

func TestSettlePendingPayoutResolves(t *testing.T) {
	h := newHarness(t, payout.StatusSuccess, nil)
	h.gateway.PendingPolls = 2
	key, _ := newPayer(t, h)

	out := h.orch.Settle(context.Background(), h.directIntent(t, key, "10.5"))

	require.NoError(t, out.Err)
	require.Equal(t, settlement.StateCompleted, out.Record.State)
}

func TestSettlePayoutStuckPendingRefunds(t *testing.T) {
	h := newHarness(t, payout.StatusPending, nil)
	key, _ := newPayer(t, h)

	out := h.orch.Settle(context.Background(), h.directIntent(t, key, "10.5"))

	require.Equal(t, settlement.StateRefunded, out.Record.State)
	require.Equal(t, string(payout.StatusPending), out.Record.Payout.Status)
}

func TestSettleTransientPayoutErrorsExhaustRetries(t *testing.T) {
	h := newHarness(t, payout.StatusSuccess, nil)
	h.gateway.Err = payout.ErrTransient
	key, _ := newPayer(t, h)

	out := h.orch.Settle(context.Background(), h.directIntent(t, key, "10.5"))

	require.Equal(t, settlement.StateRefunded, out.Record.State)
	require.Equal(t, 3, h.gateway.InitiateCalls)
	require.Contains(t, out.Record.Error, "temporarily unavailable")
	require.Contains(t, out.Record.Error, "provider has no transfer for key")
	require.Equal(t, 0, h.gateway.CompletedCount)
}

func TestManualRefundAfterPayoutFailure(t *testing.T) {
	h := newHarness(t, payout.StatusFailed, func(cfg *settlement.Config, _ *settlement.Deps, _ *chain.FakeClient) {
		cfg.AutoRefund = false
	})
	key, payer := newPayer(t, h)

	out := h.orch.Settle(context.Background(), h.directIntent(t, key, "10.5"))
	require.Equal(t, settlement.StateCompletedWithPayoutFailure, out.Record.State)
	require.Zero(t, big.NewInt(39_500_000).Cmp(h.fake.Balance(payer)))

	refunded := h.orch.ManualRefund(context.Background(), out.Record.ID)
	require.Equal(t, settlement.StateRefunded, refunded.Record.State)
	require.Equal(t, "10.450000", refunded.Record.Refund.Amount.StringFixed(6))

	again := h.orch.ManualRefund(context.Background(), out.Record.ID)
	require.True(t, errors.Is(again.Err, settlement.ErrNotRefundable))
	require.Equal(t, 2, h.fake.SubmittedCount())
}

func TestManualRefundRejectsCompleted(t *testing.T) {
	h := newHarness(t, payout.StatusSuccess, nil)
	key, _ := newPayer(t, h)

	out := h.orch.Settle(context.Background(), h.directIntent(t, key, "10.5"))
	require.Equal(t, settlement.StateCompleted, out.Record.State)

	res := h.orch.ManualRefund(context.Background(), out.Record.ID)
	require.True(t, errors.Is(res.Err, settlement.ErrNotRefundable))

	_, err := h.orch.Status(context.Background(), "does-not-exist")
	require.True(t, errors.Is(err, settlement.ErrNotFound))
}

func TestSettlementIDIsDeterministic(t *testing.T) {
	payer := common.HexToAddress("0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B")
	var nonce [32]byte
	nonce[31] = 7
	p := &authz.TransferWithAuthorization{From: payer, Nonce: nonce}

	a := settlement.SettlementID(big.NewInt(testChainID), payer, p)
	b := settlement.SettlementID(big.NewInt(testChainID), common.HexToAddress(strings.ToLower(payer.Hex())), p)
	require.Equal(t, a, b)
	require.NotEqual(t, a, settlement.SettlementID(big.NewInt(1), payer, p))
	require.NotEqual(t, settlement.PayoutKey(a), a)
	require.Equal(t, "1575.00", settlement.FiatAmount(decimal.RequireFromString("10.5"), decimal.RequireFromString("150")).StringFixed(2))
}

func TestSettleDelegatedRevertDoesNotPayOut(t *testing.T) {
	h := newHarness(t, payout.StatusSuccess, nil)
	h.fake.RevertDelegatedCalls = true
	key, payer := newPayer(t, h)

	out := h.orch.Settle(context.Background(), delegatedIntent(t, key, "10.5"))

	rec := out.Record
	require.Error(t, out.Err)
	require.True(t, errors.Is(out.Err, verify.ErrReverted))
	require.Equal(t, settlement.StateFailed, rec.State)
	require.Equal(t, settlement.ClassChainExecution, rec.Class)
	require.Equal(t, string(verify.OutcomeReverted), rec.Transfer.Outcome)
	require.Nil(t, rec.Payout)
	require.Empty(t, rec.Degraded)
	require.Equal(t, 0, h.gateway.InitiateCalls)
	require.Zero(t, big.NewInt(50_000_000).Cmp(h.fake.Balance(payer)))

	// nothing arrived, so there is nothing to hand back
	again := h.orch.ManualRefund(context.Background(), rec.ID)
	require.True(t, errors.Is(again.Err, settlement.ErrNotRefundable))
}

func TestSettleLostPayoutAckIsNotRefunded(t *testing.T) {
	h := newHarness(t, payout.StatusSuccess, nil)
	h.gateway.LoseAcks = true
	key, payer := newPayer(t, h)

	out := h.orch.Settle(context.Background(), h.directIntent(t, key, "10.5"))

	rec := out.Record
	require.NoError(t, out.Err)
	require.Equal(t, settlement.StateCompleted, rec.State)
	require.Equal(t, string(payout.StatusSuccess), rec.Payout.Status)
	require.Equal(t, 3, h.gateway.InitiateCalls)
	require.Equal(t, 1, h.gateway.CompletedCount)
	require.Nil(t, rec.Refund)
	require.Zero(t, big.NewInt(39_500_000).Cmp(h.fake.Balance(payer)))
	require.Equal(t, 1, h.fake.SubmittedCount())
}

func TestSettleUnreadablePayoutHeldForReconciliation(t *testing.T) {
	h := newHarness(t, payout.StatusSuccess, nil)
	h.gateway.LoseAcks = true
	h.gateway.StatusErr = payout.ErrTransient
	key, payer := newPayer(t, h)

	out := h.orch.Settle(context.Background(), h.directIntent(t, key, "10.5"))

	rec := out.Record
	require.True(t, errors.Is(out.Err, settlement.ErrPayoutUnresolved))
	require.Equal(t, settlement.StateFailed, rec.State)
	require.Equal(t, settlement.ClassPayoutProvider, rec.Class)
	require.True(t, rec.NeedsReconciliation)
	require.Nil(t, rec.Refund)
	require.Equal(t, 1, h.queue.Depth())
	require.Zero(t, big.NewInt(39_500_000).Cmp(h.fake.Balance(payer)))
	require.Equal(t, 1, h.fake.SubmittedCount())
}
