package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"settlerails/internal/contracts"
)

// Revert strings the simulator produces. They mirror what common EIP-3009
// tokens and delegate contracts return through eth_estimateGas.
const (
	RevertAuthorizationUsed   = "execution reverted: FiatTokenV2: authorization is used or canceled"
	RevertAuthorizationWindow = "execution reverted: FiatTokenV2: authorization is not yet valid or expired"
	RevertInsufficientBalance = "execution reverted: ERC20: transfer amount exceeds balance"
	RevertDelegateNonceUsed   = "execution reverted: delegate: nonce already used"
	RevertDelegateExpired     = "execution reverted: delegate: expired"
)

// FakeClient is an in-memory chain holding one EIP-3009 token. It is used in
// tests and when the service runs without a relayer key.
type FakeClient struct {
	mu sync.Mutex

	chainID *big.Int
	token   common.Address
	relayer common.Address

	balances       map[common.Address]*big.Int
	code           map[common.Address][]byte
	pending        map[common.Address]*pendingDelegation
	authNonces     map[common.Address]map[[32]byte]bool
	delegateNonces map[common.Address]map[string]bool
	receipts       map[common.Hash]*types.Receipt
	receiptPolls   map[common.Hash]int
	txCount        uint64

	Now func() time.Time

	// ActivationDelay is how many CodeAt reads a delegation stays invisible.
	ActivationDelay int
	// NeverActivate drops set-code authorizations without applying them.
	NeverActivate bool
	// SkipDelegatedTransfer makes executeTransfer succeed without moving funds.
	SkipDelegatedTransfer bool
	// DivertDelegatedTo sends delegated transfers to this address instead.
	DivertDelegatedTo common.Address
	// ReceiptDelay is how many Receipt reads return not-found before a receipt shows.
	ReceiptDelay int
	// SubmitErr fails every Submit before broadcast.
	SubmitErr error
	// RevertDelegatedCalls mines executeTransfer calls as reverted receipts
	// without running them.
	RevertDelegatedCalls bool
	// DefaultBalance seeds accounts that were never set. Nil means zero.
	DefaultBalance *big.Int

	Submitted []Call
}

type pendingDelegation struct {
	code  []byte
	reads int
}

func NewFakeClient(chainID int64, token, relayer common.Address) *FakeClient {
	return &FakeClient{
		chainID:        big.NewInt(chainID),
		token:          token,
		relayer:        relayer,
		balances:       make(map[common.Address]*big.Int),
		code:           make(map[common.Address][]byte),
		pending:        make(map[common.Address]*pendingDelegation),
		authNonces:     make(map[common.Address]map[[32]byte]bool),
		delegateNonces: make(map[common.Address]map[string]bool),
		receipts:       make(map[common.Hash]*types.Receipt),
		receiptPolls:   make(map[common.Hash]int),
		Now:            time.Now,
	}
}

func (f *FakeClient) ChainID() *big.Int { return new(big.Int).Set(f.chainID) }

// Address is the relayer/treasury account.
func (f *FakeClient) Address() common.Address { return f.relayer }

func (f *FakeClient) SetBalance(account common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account] = new(big.Int).Set(amount)
}

func (f *FakeClient) Balance(account common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceOf(account)
}

func (f *FakeClient) SetCode(account common.Address, code []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.code[account] = append([]byte{}, code...)
}

// SubmittedCount is the number of transactions accepted so far.
func (f *FakeClient) SubmittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Submitted)
}

func (f *FakeClient) balanceOf(account common.Address) *big.Int {
	if bal, ok := f.balances[account]; ok {
		return new(big.Int).Set(bal)
	}
	if f.DefaultBalance != nil {
		return new(big.Int).Set(f.DefaultBalance)
	}
	return big.NewInt(0)
}

func (f *FakeClient) Submit(_ context.Context, call Call) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SubmitErr != nil {
		return common.Hash{}, NotBroadcast(f.SubmitErr)
	}

	var logs []*types.Log
	var err error
	status := types.ReceiptStatusSuccessful
	switch {
	case len(call.AuthList) > 0:
		err = f.applyAuthorizations(call.AuthList)
	case call.To == f.token:
		logs, err = f.execToken(f.relayer, call.Data)
	case isDelegated(f.code[call.To]) && f.RevertDelegatedCalls:
		status = types.ReceiptStatusFailed
	case isDelegated(f.code[call.To]):
		logs, err = f.execDelegate(call.To, call.Data)
	default:
		err = errors.New("execution reverted")
	}
	// reverts surface through gas estimation, before anything is sent
	if err != nil {
		return common.Hash{}, NotBroadcast(err)
	}

	f.txCount++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], f.txCount)
	hash := crypto.Keccak256Hash(seq[:], call.To.Bytes(), call.Data)
	for _, l := range logs {
		l.TxHash = hash
		l.BlockNumber = f.txCount
	}
	f.receipts[hash] = &types.Receipt{
		Type:        types.DynamicFeeTxType,
		Status:      status,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(f.txCount),
		GasUsed:     50_000,
		Logs:        logs,
	}
	f.Submitted = append(f.Submitted, call)
	return hash, nil
}

func isDelegated(code []byte) bool {
	_, ok := ParseDelegation(code)
	return ok
}

func (f *FakeClient) applyAuthorizations(auths []types.SetCodeAuthorization) error {
	for _, auth := range auths {
		authority, err := auth.Authority()
		if err != nil {
			return fmt.Errorf("invalid set-code authorization: %w", err)
		}
		if f.NeverActivate {
			continue
		}
		f.pending[authority] = &pendingDelegation{code: DelegationCode(auth.Address)}
	}
	return nil
}

func (f *FakeClient) execToken(sender common.Address, data []byte) ([]*types.Log, error) {
	method, args, err := unpackCall(contracts.Stablecoin, data)
	if err != nil {
		return nil, err
	}

	switch method {
	case "transferWithAuthorization":
		from := args[0].(common.Address)
		to := args[1].(common.Address)
		value := args[2].(*big.Int)
		validAfter := args[3].(*big.Int)
		validBefore := args[4].(*big.Int)
		nonce := args[5].([32]byte)

		now := big.NewInt(f.Now().Unix())
		if now.Cmp(validAfter) <= 0 || now.Cmp(validBefore) >= 0 {
			return nil, errors.New(RevertAuthorizationWindow)
		}
		if f.authNonces[from][nonce] {
			return nil, errors.New(RevertAuthorizationUsed)
		}
		l, err := f.move(from, to, value)
		if err != nil {
			return nil, err
		}
		if f.authNonces[from] == nil {
			f.authNonces[from] = make(map[[32]byte]bool)
		}
		f.authNonces[from][nonce] = true
		return []*types.Log{l}, nil

	case "transfer":
		to := args[0].(common.Address)
		value := args[1].(*big.Int)
		l, err := f.move(sender, to, value)
		if err != nil {
			return nil, err
		}
		return []*types.Log{l}, nil
	}
	return nil, fmt.Errorf("execution reverted: unsupported method %s", method)
}

func (f *FakeClient) execDelegate(account common.Address, data []byte) ([]*types.Log, error) {
	method, args, err := unpackCall(contracts.Delegate, data)
	if err != nil {
		return nil, err
	}
	if method != "executeTransfer" {
		return nil, fmt.Errorf("execution reverted: unsupported method %s", method)
	}

	to := args[1].(common.Address)
	amount := args[2].(*big.Int)
	nonce := args[3].(*big.Int)
	deadline := args[4].(*big.Int)

	if big.NewInt(f.Now().Unix()).Cmp(deadline) > 0 {
		return nil, errors.New(RevertDelegateExpired)
	}
	if f.delegateNonces[account][nonce.String()] {
		return nil, errors.New(RevertDelegateNonceUsed)
	}
	if f.delegateNonces[account] == nil {
		f.delegateNonces[account] = make(map[string]bool)
	}
	f.delegateNonces[account][nonce.String()] = true

	if f.SkipDelegatedTransfer {
		return nil, nil
	}
	if f.DivertDelegatedTo != (common.Address{}) {
		to = f.DivertDelegatedTo
	}
	l, err := f.move(account, to, amount)
	if err != nil {
		return nil, err
	}
	return []*types.Log{l}, nil
}

func (f *FakeClient) move(from, to common.Address, value *big.Int) (*types.Log, error) {
	bal := f.balanceOf(from)
	if bal.Cmp(value) < 0 {
		return nil, errors.New(RevertInsufficientBalance)
	}
	f.balances[from] = bal.Sub(bal, value)
	f.balances[to] = new(big.Int).Add(f.balanceOf(to), value)
	return TransferLog(f.token, from, to, value), nil
}

// TransferLog builds the ERC-20 Transfer log a token emits for a move.
func TransferLog(token, from, to common.Address, value *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			contracts.TransferEventID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(value.Bytes(), 32),
	}
}

func unpackCall(parsed abi.ABI, data []byte) (string, []interface{}, error) {
	if len(data) < 4 {
		return "", nil, errors.New("execution reverted: missing selector")
	}
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return "", nil, fmt.Errorf("execution reverted: %w", err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, fmt.Errorf("execution reverted: decode %s: %w", method.Name, err)
	}
	return method.Name, args, nil
}

func (f *FakeClient) Receipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	if f.receiptPolls[hash] < f.ReceiptDelay {
		f.receiptPolls[hash]++
		return nil, ErrReceiptNotFound
	}
	return receipt, nil
}

// SetReceipt replaces the stored receipt for hash.
func (f *FakeClient) SetReceipt(hash common.Hash, receipt *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = receipt
}

func (f *FakeClient) CodeAt(_ context.Context, account common.Address) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.pending[account]; ok {
		if p.reads >= f.ActivationDelay {
			f.code[account] = p.code
			delete(f.pending, account)
		} else {
			p.reads++
		}
	}
	return append([]byte{}, f.code[account]...), nil
}

func (f *FakeClient) TokenBalance(_ context.Context, token, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token != f.token {
		return big.NewInt(0), nil
	}
	return f.balanceOf(account), nil
}

func (f *FakeClient) Fees(context.Context) (Fees, error) {
	return Fees{
		BaseFee: big.NewInt(1_000_000_000),
		TipCap:  big.NewInt(100_000_000),
		FeeCap:  big.NewInt(2_100_000_000),
	}, nil
}

func (f *FakeClient) Ping(context.Context) error { return nil }
