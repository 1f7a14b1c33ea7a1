package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"settlerails/internal/authz"
	"settlerails/internal/chain"
	"settlerails/internal/executor"
	"settlerails/internal/payout"
	"settlerails/internal/reconcile"
	"settlerails/internal/refund"
	"settlerails/internal/retry"
	"settlerails/internal/verify"
)

type Authorizer interface {
	Verify(ctx context.Context, proof authz.Proof, expectedSigner common.Address, expectedChainID *big.Int) error
}

type Executor interface {
	Execute(ctx context.Context, proof authz.Proof, from, to common.Address, amount *big.Int) (common.Hash, error)
}

type TransferVerifier interface {
	VerifyTransfer(ctx context.Context, txHash common.Hash, from, to common.Address, amount decimal.Decimal) verify.Result
}

type Refunder interface {
	Refund(ctx context.Context, req refund.Request) refund.Outcome
}

type ReconcileQueue interface {
	Push(e reconcile.Entry) error
}

// Metrics is the subset of the Prometheus registry the orchestrator feeds.
type Metrics interface {
	IncSettlement(state string)
	IncFailure(class string)
	ObserveStage(stage string, started time.Time)
	IncPayout(status string)
	IncRefund(status string)
	AddRetries(loop string, attempts int)
	SettlementStarted()
	SettlementFinished()
}

type Config struct {
	ChainID  *big.Int
	Token    common.Address
	Decimals int32
	Treasury common.Address
	// FiatPerToken is the fixed conversion rate for payouts.
	FiatPerToken decimal.Decimal
	// NetworkFee is deducted from refunds when the intent carries no hint.
	NetworkFee decimal.Decimal
	// GateDelegatedVerification fails delegated settlements whose transfer
	// does not verify instead of proceeding to payout.
	GateDelegatedVerification bool
	// AutoRefund refunds failed payouts. When off they end in
	// COMPLETED_WITH_PAYOUT_FAILURE and wait for ManualRefund.
	AutoRefund  bool
	PayoutRetry retry.Policy
	PayoutPoll  retry.Policy
}

type Deps struct {
	Authorizer Authorizer
	Executor   Executor
	Verifier   TransferVerifier
	Payouts    payout.Gateway
	Refunds    Refunder
	Repo       Repository
	Queue      ReconcileQueue
	Metrics    Metrics
	Logger     *slog.Logger
}

type Orchestrator struct {
	cfg     Config
	authz   Authorizer
	exec    Executor
	verify  TransferVerifier
	payouts payout.Gateway
	refunds Refunder
	repo    Repository
	queue   ReconcileQueue
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if cfg.PayoutRetry.MaxAttempts <= 0 {
		cfg.PayoutRetry = retry.Policy{MaxAttempts: 3, Backoff: time.Second, Multiplier: 2}
	}
	if cfg.PayoutPoll.MaxAttempts <= 0 {
		cfg.PayoutPoll = retry.Fixed(10, 3*time.Second)
	}
	m := deps.Metrics
	if m == nil {
		m = noopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		authz:   deps.Authorizer,
		exec:    deps.Executor,
		verify:  deps.Verifier,
		payouts: deps.Payouts,
		refunds: deps.Refunds,
		repo:    deps.Repo,
		queue:   deps.Queue,
		metrics: m,
		logger:  logger.With(slog.String("component", "orchestrator")),
		now:     time.Now,
	}
}

// Settle runs intent to a terminal state. An intent whose settlement id is
// already stored returns the stored record and does nothing else.
func (o *Orchestrator) Settle(ctx context.Context, intent PaymentIntent) Outcome {
	o.metrics.SettlementStarted()
	defer o.metrics.SettlementFinished()

	rec, err := o.accept(intent)
	if err != nil {
		rec.ID = uuid.NewString()
		o.finishFailed(ctx, rec, ClassStructural, err, false)
		return Outcome{Record: rec, Err: err}
	}

	if err := o.repo.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrExists) {
			stored, getErr := o.repo.Get(ctx, rec.ID)
			if getErr != nil {
				return Outcome{Record: rec, Err: fmt.Errorf("load existing settlement: %w", getErr)}
			}
			o.logger.Info("settlement replayed", slog.String("settlement_id", rec.ID), slog.String("state", string(stored.State)))
			return Outcome{Record: stored, Replayed: true, Err: recordErr(stored)}
		}
		return Outcome{Record: rec, Err: fmt.Errorf("persist settlement: %w", err)}
	}

	log := o.logger.With(slog.String("settlement_id", rec.ID), slog.String("payer", rec.Payer.Hex()))
	log.Info("settlement received",
		slog.String("amount", rec.Amount.String()),
		slog.String("auth", string(rec.AuthKind)))

	var delegated bool
	switch intent.Authorization.(type) {
	case *authz.TransferWithAuthorization:
	case *authz.DelegatedCall:
		delegated = true
	case *authz.LegacyOperation:
		err := errors.New("legacy operation format is no longer supported")
		o.finishFailed(ctx, rec, ClassAuthorization, err, true)
		return Outcome{Record: rec, Err: err}
	default:
		err := fmt.Errorf("unknown authorization type %T", intent.Authorization)
		o.finishFailed(ctx, rec, ClassStructural, err, true)
		return Outcome{Record: rec, Err: err}
	}

	if err := o.authz.Verify(ctx, intent.Authorization, intent.Payer, o.cfg.ChainID); err != nil {
		class := ClassAuthorization
		if _, ok := authz.AsRejection(err); !ok {
			class = ClassChainExecution
		}
		log.Warn("authorization rejected", slog.Any("err", err))
		o.finishFailed(ctx, rec, class, err, true)
		return Outcome{Record: rec, Err: err}
	}

	started := o.now()
	hash, err := o.exec.Execute(ctx, intent.Authorization, rec.Payer, rec.Treasury, chain.ToBaseUnits(rec.Amount, o.cfg.Decimals))
	o.metrics.ObserveStage("execute", started)
	if err != nil {
		log.Warn("transfer execution failed", slog.Any("err", err))
		o.finishFailed(ctx, rec, executionClass(err), err, true)
		return Outcome{Record: rec, Err: err}
	}

	// The transfer is on-chain from here on; only forward reconciliation remains.
	ctx = context.WithoutCancel(ctx)

	rec.Transfer = &TransferRecord{TxHash: hash, Status: "pending"}
	o.advance(ctx, rec, StateTransferSubmitted)

	started = o.now()
	res := o.verify.VerifyTransfer(ctx, hash, rec.Payer, rec.Treasury, rec.Amount)
	o.metrics.ObserveStage("verify", started)
	rec.Transfer.Status = res.Status()
	rec.Transfer.Outcome = string(res.Outcome)
	rec.Transfer.ActualAmount = res.ActualAmount
	rec.Transfer.BlockNumber = res.BlockNumber

	if !res.Verified {
		// a reverted transaction moved nothing on either pathway
		reverted := res.Outcome == verify.OutcomeReverted
		if reverted || !delegated || o.cfg.GateDelegatedVerification {
			class := ClassVerificationAmbiguous
			if reverted {
				class = ClassChainExecution
			}
			rec.NeedsReconciliation = res.Outcome == verify.OutcomeUnknown || res.Outcome == verify.OutcomeAmountMismatch
			log.Error("transfer verification failed",
				slog.String("tx", hash.Hex()),
				slog.String("outcome", string(res.Outcome)),
				slog.Any("err", res.Err))
			o.finishFailed(ctx, rec, class, res.Err, true)
			return Outcome{Record: rec, Err: res.Err}
		}
		note := fmt.Sprintf("delegated transfer %s not verified (%s); proceeding to payout on transaction hash", hash.Hex(), res.Outcome)
		log.Warn(note, slog.Any("err", res.Err))
		rec.Degraded = append(rec.Degraded, note)
	} else {
		o.advance(ctx, rec, StateTransferVerified)
	}

	return o.payoutOrRefund(ctx, rec, log)
}

// Validate runs the structural checks Settle starts with and returns the
// settlement id intent maps to.
func (o *Orchestrator) Validate(intent PaymentIntent) (string, error) {
	rec, err := o.accept(intent)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Status returns the stored record for id.
func (o *Orchestrator) Status(ctx context.Context, id string) (*Record, error) {
	return o.repo.Get(ctx, id)
}

// ManualRefund refunds a settlement whose payout failed and whose funds are
// still held in treasury.
func (o *Orchestrator) ManualRefund(ctx context.Context, id string) Outcome {
	rec, err := o.repo.Get(ctx, id)
	if err != nil {
		return Outcome{Err: err}
	}
	if !refundable(rec) {
		return Outcome{Record: rec, Err: fmt.Errorf("%w: state %s", ErrNotRefundable, rec.State)}
	}
	log := o.logger.With(slog.String("settlement_id", rec.ID), slog.String("payer", rec.Payer.Hex()))
	log.Info("manual refund requested", slog.String("state", string(rec.State)))
	return o.refund(context.WithoutCancel(ctx), rec, log)
}

func refundable(rec *Record) bool {
	if rec.Transfer == nil || rec.Transfer.TxHash == (common.Hash{}) {
		return false
	}
	if rec.Transfer.Outcome == string(verify.OutcomeReverted) {
		return false
	}
	if rec.Refund != nil && rec.Refund.TxHash != nil {
		return false
	}
	switch rec.State {
	case StateCompletedWithPayoutFailure:
		return true
	case StateFailed:
		return rec.Payout == nil || rec.Payout.Status != string(payout.StatusSuccess)
	}
	return false
}

func (o *Orchestrator) accept(intent PaymentIntent) (*Record, error) {
	now := o.now().UTC()
	rec := &Record{
		State:       StateReceived,
		Payer:       intent.Payer,
		Treasury:    intent.Treasury,
		Amount:      intent.Amount,
		Beneficiary: intent.Beneficiary,
		NetworkFee:  o.cfg.NetworkFee,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if o.cfg.ChainID != nil {
		rec.ChainID = o.cfg.ChainID.Uint64()
	}
	if intent.NetworkFee != nil {
		rec.NetworkFee = *intent.NetworkFee
	}
	if rec.Treasury == (common.Address{}) {
		rec.Treasury = o.cfg.Treasury
	}

	if missingProof(intent.Authorization) {
		return rec, errors.New("no authorization present")
	}
	rec.AuthKind = intent.Authorization.Kind()
	rec.AuthNonce = NonceKey(intent.Authorization)

	if intent.Payer == (common.Address{}) {
		return rec, errors.New("payer address is required")
	}
	if !intent.Amount.IsPositive() {
		return rec, errors.New("amount must be positive")
	}
	if !intent.Amount.Equal(intent.Amount.Truncate(o.cfg.Decimals)) {
		return rec, fmt.Errorf("amount %s has more than %d decimal places", intent.Amount, o.cfg.Decimals)
	}
	if rec.NetworkFee.IsNegative() {
		return rec, errors.New("network fee cannot be negative")
	}
	if intent.ChainID != nil && o.cfg.ChainID != nil && intent.ChainID.Cmp(o.cfg.ChainID) != 0 {
		return rec, fmt.Errorf("intent targets chain %s, service settles on %s", intent.ChainID, o.cfg.ChainID)
	}
	if rec.Treasury != o.cfg.Treasury {
		return rec, fmt.Errorf("treasury %s is not the configured treasury", rec.Treasury.Hex())
	}
	if intent.Beneficiary.ID == "" && intent.Beneficiary.Handle == "" {
		return rec, errors.New("beneficiary id or handle is required")
	}
	if intent.Beneficiary.FiatAmount.IsNegative() {
		return rec, errors.New("fiat amount cannot be negative")
	}

	want := chain.ToBaseUnits(intent.Amount, o.cfg.Decimals)
	var authorized *big.Int
	switch p := intent.Authorization.(type) {
	case *authz.TransferWithAuthorization:
		authorized = p.Value
	case *authz.DelegatedCall:
		authorized = p.Amount
	}
	if authorized != nil && authorized.Cmp(want) != 0 {
		return rec, fmt.Errorf("intent amount %s does not match authorized value %s", want, authorized)
	}

	chainID := o.cfg.ChainID
	if chainID == nil {
		chainID = intent.ChainID
	}
	if chainID == nil {
		return rec, errors.New("chain id is required")
	}
	rec.ID = SettlementID(chainID, intent.Payer, intent.Authorization)
	return rec, nil
}

func missingProof(p authz.Proof) bool {
	switch v := p.(type) {
	case nil:
		return true
	case *authz.TransferWithAuthorization:
		return v == nil
	case *authz.DelegatedCall:
		return v == nil
	case *authz.LegacyOperation:
		return v == nil
	}
	return false
}

func (o *Orchestrator) payoutOrRefund(ctx context.Context, rec *Record, log *slog.Logger) Outcome {
	fiat := rec.Beneficiary.FiatAmount
	if fiat.IsZero() {
		fiat = FiatAmount(rec.Amount, o.cfg.FiatPerToken)
	}
	beneficiaryID := rec.Beneficiary.ID
	if beneficiaryID == "" {
		beneficiaryID = rec.Beneficiary.Handle
	}
	req := payout.TransferRequest{
		IdempotencyKey:    PayoutKey(rec.ID),
		Amount:            fiat,
		BeneficiaryID:     beneficiaryID,
		BeneficiaryHandle: rec.Beneficiary.Handle,
		Remarks:           "settlement " + rec.ID,
	}
	rec.Payout = &PayoutAttempt{
		IdempotencyKey: req.IdempotencyKey,
		FiatAmount:     fiat,
		BeneficiaryID:  beneficiaryID,
		Status:         string(payout.StatusPending),
	}
	o.advance(ctx, rec, StatePayoutAttempted)

	started := o.now()
	result, err := o.runPayout(ctx, req, log)
	o.metrics.ObserveStage("payout", started)

	if err == nil {
		rec.Payout.Status = string(result.Status)
		rec.Payout.ProviderReference = result.ProviderReference
		rec.Payout.Message = result.Message
	}
	o.metrics.IncPayout(rec.Payout.Status)

	if err == nil && result.Status == payout.StatusSuccess {
		log.Info("payout completed", slog.String("reference", result.ProviderReference), slog.String("fiat", fiat.StringFixed(2)))
		rec.State = StateCompleted
		o.persist(ctx, rec)
		o.metrics.IncSettlement(string(rec.State))
		return Outcome{Record: rec}
	}

	if errors.Is(err, ErrPayoutUnresolved) {
		log.Error("payout outcome unknown, holding for reconciliation", slog.Any("err", err))
		rec.NeedsReconciliation = true
		o.finishFailed(ctx, rec, ClassPayoutProvider, err, true)
		return Outcome{Record: rec, Err: err}
	}

	payoutErr := err
	if payoutErr == nil {
		payoutErr = fmt.Errorf("payout %s", result.Status)
		if result.Message != "" {
			payoutErr = fmt.Errorf("payout %s: %s", result.Status, result.Message)
		}
	}
	rec.Error = payoutErr.Error()
	rec.Class = ClassPayoutProvider
	o.metrics.IncFailure(string(ClassPayoutProvider))
	log.Warn("payout did not complete", slog.String("status", rec.Payout.Status), slog.Any("err", payoutErr))

	if !o.cfg.AutoRefund {
		rec.State = StateCompletedWithPayoutFailure
		o.persist(ctx, rec)
		o.metrics.IncSettlement(string(rec.State))
		return Outcome{Record: rec, Err: payoutErr}
	}
	return o.refund(ctx, rec, log)
}

var errStillPending = errors.New("payout still pending")

// runPayout initiates the transfer, retrying transient provider errors with
// the same key, then polls while it stays PENDING. When initiation never got
// an answer the provider is asked for the key before anything is concluded.
func (o *Orchestrator) runPayout(ctx context.Context, req payout.TransferRequest, log *slog.Logger) (payout.TransferResult, error) {
	initiated := retry.Do(ctx, o.cfg.PayoutRetry, func(ctx context.Context, attempt int) (payout.TransferResult, error) {
		res, err := o.payouts.InitiateTransfer(ctx, req)
		if err != nil {
			if errors.Is(err, payout.ErrTransient) {
				log.Warn("payout initiate transient failure", slog.Int("attempt", attempt), slog.Any("err", err))
				return res, err
			}
			return res, retry.Permanent(err)
		}
		return res, nil
	})
	o.metrics.AddRetries("payout_initiate", initiated.Attempts)
	if !initiated.Succeeded() {
		if !errors.Is(initiated.Err, payout.ErrTransient) {
			return payout.TransferResult{}, fmt.Errorf("initiate payout: %w", initiated.Err)
		}
		log.Warn("payout initiation unacknowledged, reading status", slog.Any("err", initiated.Err))
		return o.pollPayout(ctx, req.IdempotencyKey, "", initiated.Err, log)
	}
	if initiated.Value.Status != payout.StatusPending {
		return initiated.Value, nil
	}
	return o.pollPayout(ctx, req.IdempotencyKey, initiated.Value.ProviderReference, nil, log)
}

// pollPayout reads the transfer under key until it leaves PENDING.
// initErr is set when the provider never acknowledged the transfer; a
// provider that then has no record of the key counts as a failed payout.
// PENDING past the poll budget is returned as PENDING; a status that could
// not be read at all is ErrPayoutUnresolved.
func (o *Orchestrator) pollPayout(ctx context.Context, key, reference string, initErr error, log *slog.Logger) (payout.TransferResult, error) {
	sawPending := false
	polled := retry.Do(ctx, o.cfg.PayoutPoll, func(ctx context.Context, attempt int) (payout.TransferResult, error) {
		res, err := o.payouts.GetTransferStatus(ctx, key)
		if err != nil {
			if errors.Is(err, payout.ErrNotFound) {
				return res, retry.Permanent(err)
			}
			return res, err
		}
		if res.Status == payout.StatusPending {
			sawPending = true
			if res.ProviderReference != "" {
				reference = res.ProviderReference
			}
			return res, errStillPending
		}
		return res, nil
	})
	o.metrics.AddRetries("payout_status", polled.Attempts)
	if polled.Succeeded() {
		return polled.Value, nil
	}

	if errors.Is(polled.Err, payout.ErrNotFound) && initErr != nil && !sawPending {
		return payout.TransferResult{
			Status:  payout.StatusFailed,
			Message: fmt.Sprintf("%v; provider has no transfer for key", initErr),
		}, nil
	}
	if sawPending {
		log.Warn("payout unresolved after polling", slog.Int("attempts", polled.Attempts), slog.Any("err", polled.Err))
		return payout.TransferResult{Status: payout.StatusPending, ProviderReference: reference}, nil
	}
	return payout.TransferResult{}, fmt.Errorf("%w: key %s after %d status reads: %v", ErrPayoutUnresolved, key, polled.Attempts, polled.Err)
}

func (o *Orchestrator) refund(ctx context.Context, rec *Record, log *slog.Logger) Outcome {
	o.advance(ctx, rec, StateRefunding)

	inbound := rec.Amount
	if rec.Transfer.ActualAmount != nil {
		inbound = *rec.Transfer.ActualAmount
	}

	started := o.now()
	out := o.refunds.Refund(ctx, refund.Request{
		SettlementID:  rec.ID,
		Payer:         rec.Payer,
		Treasury:      rec.Treasury,
		InboundTx:     rec.Transfer.TxHash,
		InboundAmount: inbound,
		NetworkFee:    rec.NetworkFee,
	})
	o.metrics.ObserveStage("refund", started)
	o.metrics.IncRefund(string(out.Status))

	rec.Refund = refundRecord(out)
	rec.Degraded = append(rec.Degraded, out.Degraded...)

	if out.Status == refund.StatusConfirmed {
		log.Info("refund confirmed", slog.String("amount", out.Amount.StringFixed(6)), slog.String("tx", out.TxHash.Hex()))
		rec.State = StateRefunded
		rec.NeedsReconciliation = false
		if rec.Error == "" {
			rec.Error = "refunded on operator request"
		}
		o.persist(ctx, rec)
		o.metrics.IncSettlement(string(rec.State))
		return Outcome{Record: rec, Err: errors.New(rec.Error)}
	}

	class := ClassReconciliation
	if errors.Is(out.Err, refund.ErrInsufficientTreasury) {
		class = ClassSolvency
	}
	err := fmt.Errorf("refund failed: %w", out.Err)
	if rec.Error != "" {
		err = fmt.Errorf("%s; refund failed: %w", rec.Error, out.Err)
	}
	log.Error("payout and refund both failed", slog.String("class", string(class)), slog.Any("err", err))
	rec.NeedsReconciliation = true
	o.finishFailed(ctx, rec, class, err, true)
	return Outcome{Record: rec, Err: err}
}

// finishFailed marks rec FAILED and queues it when it needs an operator.
func (o *Orchestrator) finishFailed(ctx context.Context, rec *Record, class Class, err error, persist bool) {
	rec.State = StateFailed
	rec.Class = class
	rec.Error = err.Error()
	rec.UpdatedAt = o.now().UTC()
	if persist {
		o.persist(ctx, rec)
	}
	o.metrics.IncSettlement(string(StateFailed))
	o.metrics.IncFailure(string(class))

	if rec.NeedsReconciliation && o.queue != nil {
		raw, _ := json.Marshal(rec)
		if qErr := o.queue.Push(reconcile.Entry{
			SettlementID: rec.ID,
			State:        string(rec.State),
			Class:        string(class),
			Error:        rec.Error,
			Record:       raw,
		}); qErr != nil {
			o.logger.Error("reconciliation queue push failed", slog.String("settlement_id", rec.ID), slog.Any("err", qErr))
		}
	}
}

func (o *Orchestrator) advance(ctx context.Context, rec *Record, state State) {
	rec.State = state
	o.persist(ctx, rec)
}

func (o *Orchestrator) persist(ctx context.Context, rec *Record) {
	rec.UpdatedAt = o.now().UTC()
	if err := o.repo.Update(ctx, rec); err != nil {
		o.logger.Error("persist settlement",
			slog.String("settlement_id", rec.ID),
			slog.String("state", string(rec.State)),
			slog.Any("err", err))
	}
}

func executionClass(err error) Class {
	switch {
	case errors.Is(err, executor.ErrNonceUsed),
		errors.Is(err, executor.ErrInvalidSignature),
		errors.Is(err, executor.ErrAuthorizationWindow),
		errors.Is(err, executor.ErrUnsupportedProof):
		return ClassAuthorization
	default:
		return ClassChainExecution
	}
}

func recordErr(rec *Record) error {
	if rec.State == StateCompleted || rec.Error == "" {
		return nil
	}
	return errors.New(rec.Error)
}

type noopMetrics struct{}

func (noopMetrics) IncSettlement(string) {}
func (noopMetrics) IncFailure(string) {}
func (noopMetrics) ObserveStage(string, time.Time) {}
func (noopMetrics) IncPayout(string) {}
func (noopMetrics) IncRefund(string) {}
func (noopMetrics) AddRetries(string, int) {}
func (noopMetrics) SettlementStarted() {}
func (noopMetrics) SettlementFinished() {}
