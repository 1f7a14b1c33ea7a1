package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	"settlerails/internal/contracts"
)

// EthClient talks to a JSON-RPC node and signs with the relayer key, which is
// also the treasury key.
type EthClient struct {
	rpc     *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	signer  types.Signer

	minTip       *big.Int
	setCodeGas   uint64
	gasBufferPct uint64
	rpcTimeout   time.Duration

	// one in-flight submission per signer keeps account nonces sequential
	mu sync.Mutex
}

type EthClientConfig struct {
	RPCURL          string
	PrivateKeyHex   string
	ExpectedChainID int64
	MinPriorityFee  *big.Int
	SetCodeGasLimit uint64
	RPCTimeout      time.Duration
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("relayer private key is required")
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if cfg.ExpectedChainID != 0 && chainID.Int64() != cfg.ExpectedChainID {
		cli.Close()
		return nil, fmt.Errorf("rpc serves chain %s, configured for %d", chainID, cfg.ExpectedChainID)
	}

	minTip := cfg.MinPriorityFee
	if minTip == nil {
		minTip = big.NewInt(0)
	}
	setCodeGas := cfg.SetCodeGasLimit
	if setCodeGas == 0 {
		setCodeGas = 100_000
	}

	return &EthClient{
		rpc:          cli,
		key:          pk,
		from:         crypto.PubkeyToAddress(pk.PublicKey),
		chainID:      chainID,
		signer:       types.LatestSignerForChainID(chainID),
		minTip:       minTip,
		setCodeGas:   setCodeGas,
		gasBufferPct: 20,
		rpcTimeout:   cfg.RPCTimeout,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Address is the relayer/treasury account.
func (c *EthClient) Address() common.Address { return c.from }

func (c *EthClient) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *EthClient) Close() { c.rpc.Close() }

func (c *EthClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.rpcTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.rpcTimeout)
}

func (c *EthClient) Submit(ctx context.Context, call Call) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	nonce, err := c.rpc.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, NotBroadcast(fmt.Errorf("pending nonce: %w", err))
	}

	fees, err := c.fees(ctx)
	if err != nil {
		return common.Hash{}, NotBroadcast(err)
	}

	gas := call.GasLimit
	if gas == 0 && len(call.AuthList) > 0 {
		gas = c.setCodeGas
	}
	if gas == 0 {
		to := call.To
		estimated, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{
			From:      c.from,
			To:        &to,
			GasFeeCap: fees.FeeCap,
			GasTipCap: fees.TipCap,
			Data:      call.Data,
		})
		if err != nil {
			return common.Hash{}, NotBroadcast(fmt.Errorf("estimate gas: %w", err))
		}
		gas = estimated + estimated*c.gasBufferPct/100
	}

	var txdata types.TxData
	if len(call.AuthList) > 0 {
		txdata = &types.SetCodeTx{
			ChainID:   uint256.MustFromBig(c.chainID),
			Nonce:     nonce,
			GasTipCap: uint256.MustFromBig(fees.TipCap),
			GasFeeCap: uint256.MustFromBig(fees.FeeCap),
			Gas:       gas,
			To:        call.To,
			Value:     new(uint256.Int),
			Data:      call.Data,
			AuthList:  call.AuthList,
		}
	} else {
		to := call.To
		txdata = &types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: fees.TipCap,
			GasFeeCap: fees.FeeCap,
			Gas:       gas,
			To:        &to,
			Value:     big.NewInt(0),
			Data:      call.Data,
		}
	}

	tx, err := types.SignNewTx(c.key, c.signer, txdata)
	if err != nil {
		return common.Hash{}, NotBroadcast(fmt.Errorf("sign tx: %w", err))
	}
	if err := c.rpc.SendTransaction(ctx, tx); err != nil {
		// a JSON-RPC error is the node refusing the tx; transport errors leave it unknown
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return common.Hash{}, NotBroadcast(fmt.Errorf("send tx: %w", err))
		}
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return tx.Hash(), nil
}

func (c *EthClient) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	receipt, err := c.rpc.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	return receipt, nil
}

func (c *EthClient) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rpc.CodeAt(ctx, account, nil)
}

func (c *EthClient) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	data, err := contracts.Stablecoin.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	raw, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	out, err := contracts.Stablecoin.Unpack("balanceOf", raw)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf output %T", out[0])
	}
	return balance, nil
}

func (c *EthClient) Fees(ctx context.Context) (Fees, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.fees(ctx)
}

func (c *EthClient) fees(ctx context.Context) (Fees, error) {
	tip, err := c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return Fees{}, fmt.Errorf("suggest tip: %w", err)
	}
	if tip.Cmp(c.minTip) < 0 {
		tip = new(big.Int).Set(c.minTip)
	}

	head, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return Fees{}, fmt.Errorf("latest header: %w", err)
	}
	base := big.NewInt(0)
	if head.BaseFee != nil {
		base = head.BaseFee
	}

	feeCap := new(big.Int).Mul(base, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return Fees{BaseFee: base, TipCap: tip, FeeCap: feeCap}, nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.rpc == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.rpc.BlockNumber(ctx)
	return err
}
