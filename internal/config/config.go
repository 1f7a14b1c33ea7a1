package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"settlerails/internal/retry"
)

// AppConfig is built once at startup and handed to every constructor.
type AppConfig struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Payout     PayoutConfig     `mapstructure:"payout"`
	Screening  ScreeningConfig  `mapstructure:"screening"`
	Database   DatabaseConfig   `mapstructure:"database"`
}

type ServiceConfig struct {
	HTTPPort          int           `mapstructure:"port"`
	HMACSecret        string        `mapstructure:"hmacSecret"`
	HMACClockSkew     time.Duration `mapstructure:"hmacClockSkew"`
	IdempotencyWindow time.Duration `mapstructure:"idempotencyWindow"`
	ReconcileDir      string        `mapstructure:"reconcileDir"`
	// SettlementTimeout bounds a settlement started from the HTTP front door.
	SettlementTimeout time.Duration `mapstructure:"settlementTimeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdownTimeout"`
}

type ChainConfig struct {
	RPCURL             string        `mapstructure:"rpcUrl"`
	RelayerKey         string        `mapstructure:"relayerKey"`
	ChainID            int64         `mapstructure:"chainId"`
	TokenAddress       string        `mapstructure:"token"`
	TokenName          string        `mapstructure:"tokenName"`
	TokenVersion       string        `mapstructure:"tokenVersion"`
	TokenDecimals      int32         `mapstructure:"tokenDecimals"`
	TreasuryAddress    string        `mapstructure:"treasury"`
	DelegateAddress    string        `mapstructure:"delegate"`
	DelegateName       string        `mapstructure:"delegateName"`
	DelegateVersion    string        `mapstructure:"delegateVersion"`
	MinPriorityFeeGwei string        `mapstructure:"minPriorityFeeGwei"`
	SetCodeGas         uint64        `mapstructure:"setCodeGas"`
	RPCTimeout         time.Duration `mapstructure:"rpcTimeout"`

	Token          common.Address `mapstructure:"-"`
	Treasury       common.Address `mapstructure:"-"`
	Delegate       common.Address `mapstructure:"-"`
	MinPriorityFee *big.Int       `mapstructure:"-"`
}

type SettlementConfig struct {
	FiatPerTokenRaw           string `mapstructure:"fiatPerToken"`
	NetworkFeeRaw             string `mapstructure:"networkFee"`
	ToleranceRaw              string `mapstructure:"tolerance"`
	GateDelegatedVerification bool   `mapstructure:"gateDelegatedVerification"`
	AutoRefund                bool   `mapstructure:"autoRefund"`
	RefundOnUnverifiedInbound bool   `mapstructure:"refundOnUnverifiedInbound"`

	FiatPerToken decimal.Decimal `mapstructure:"-"`
	NetworkFee   decimal.Decimal `mapstructure:"-"`
	Tolerance    decimal.Decimal `mapstructure:"-"`
}

// PolicyConfig mirrors retry.Policy so each loop can be tuned from config.
type PolicyConfig struct {
	MaxAttempts int           `mapstructure:"maxAttempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	Multiplier  int           `mapstructure:"multiplier"`
}

func (p PolicyConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: p.MaxAttempts,
		Backoff:     p.Backoff,
		MaxBackoff:  p.MaxBackoff,
		Multiplier:  p.Multiplier,
	}
}

type RetryConfig struct {
	Receipt      PolicyConfig `mapstructure:"receipt"`
	Delegation   PolicyConfig `mapstructure:"delegation"`
	Payout       PolicyConfig `mapstructure:"payout"`
	PayoutPoll   PolicyConfig `mapstructure:"payoutPoll"`
	InboundCheck PolicyConfig `mapstructure:"inboundCheck"`
}

type PayoutConfig struct {
	BaseURL string        `mapstructure:"baseUrl"`
	APIKey  string        `mapstructure:"apiKey"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ScreeningConfig struct {
	DenyListPath string `mapstructure:"denyListPath"`
}

type DatabaseConfig struct {
	PostgresDSN string `mapstructure:"postgresDsn"`
	FilePath    string `mapstructure:"filePath"`
}

const (
	envPrefix     = "SETTLE"
	configFileEnv = "SETTLE_CONFIG"
)

var defaults = map[string]any{
	"service.port":              3000,
	"service.hmacSecret":        "",
	"service.hmacClockSkew":     "60s",
	"service.idempotencyWindow": "24h",
	"service.reconcileDir":      filepath.Join(os.TempDir(), "settlerails-reconcile"),
	"service.settlementTimeout": "10m",
	"service.shutdownTimeout":   "30s",

	"chain.rpcUrl":             "http://127.0.0.1:8545",
	"chain.relayerKey":         "",
	"chain.chainId":            421614,
	"chain.token":              "0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d",
	"chain.tokenName":          "USDC",
	"chain.tokenVersion":       "2",
	"chain.tokenDecimals":      6,
	"chain.treasury":           "",
	"chain.delegate":           "",
	"chain.delegateName":       "SettlementDelegate",
	"chain.delegateVersion":    "1",
	"chain.minPriorityFeeGwei": "1",
	"chain.setCodeGas":         150000,
	"chain.rpcTimeout":         "15s",

	"settlement.fiatPerToken":              "1",
	"settlement.networkFee":                "0.05",
	"settlement.tolerance":                 "0.000001",
	"settlement.gateDelegatedVerification": false,
	"settlement.autoRefund":                true,
	"settlement.refundOnUnverifiedInbound": true,

	"retry.receipt.maxAttempts":      30,
	"retry.receipt.backoff":          "2s",
	"retry.receipt.maxBackoff":       "0s",
	"retry.receipt.multiplier":       0,
	"retry.delegation.maxAttempts":   20,
	"retry.delegation.backoff":       "1500ms",
	"retry.delegation.maxBackoff":    "0s",
	"retry.delegation.multiplier":    0,
	"retry.payout.maxAttempts":       3,
	"retry.payout.backoff":           "1s",
	"retry.payout.maxBackoff":        "10s",
	"retry.payout.multiplier":        2,
	"retry.payoutPoll.maxAttempts":   10,
	"retry.payoutPoll.backoff":       "3s",
	"retry.payoutPoll.maxBackoff":    "0s",
	"retry.payoutPoll.multiplier":    0,
	"retry.inboundCheck.maxAttempts": 3,
	"retry.inboundCheck.backoff":     "2s",
	"retry.inboundCheck.maxBackoff":  "0s",
	"retry.inboundCheck.multiplier":  0,

	"payout.baseUrl": "",
	"payout.apiKey":  "",
	"payout.secret":  "",
	"payout.timeout": "10s",

	"screening.denyListPath": "",

	"database.postgresDsn": "",
	"database.filePath":    "",
}

// Load reads the optional file named by SETTLE_CONFIG, applies SETTLE_*
// environment overrides (chain.rpcUrl becomes SETTLE_CHAIN_RPCURL) and
// fills everything else from defaults.
func Load() (*AppConfig, error) {
	return LoadFile(os.Getenv(configFileEnv))
}

// LoadFile is Load with an explicit config file. An empty path skips the file.
func LoadFile(path string) (*AppConfig, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) resolve() error {
	var err error
	if c.Chain.Token, err = address("chain.token", c.Chain.TokenAddress, true); err != nil {
		return err
	}
	if c.Chain.Treasury, err = address("chain.treasury", c.Chain.TreasuryAddress, false); err != nil {
		return err
	}
	if c.Chain.Delegate, err = address("chain.delegate", c.Chain.DelegateAddress, false); err != nil {
		return err
	}
	if c.Chain.TokenDecimals < 0 || c.Chain.TokenDecimals > 36 {
		return fmt.Errorf("chain.tokenDecimals %d out of range", c.Chain.TokenDecimals)
	}

	gwei, err := decimal.NewFromString(c.Chain.MinPriorityFeeGwei)
	if err != nil {
		return fmt.Errorf("chain.minPriorityFeeGwei: %w", err)
	}
	c.Chain.MinPriorityFee = gwei.Shift(9).BigInt()

	if c.Settlement.FiatPerToken, err = nonNegative("settlement.fiatPerToken", c.Settlement.FiatPerTokenRaw); err != nil {
		return err
	}
	if c.Settlement.NetworkFee, err = nonNegative("settlement.networkFee", c.Settlement.NetworkFeeRaw); err != nil {
		return err
	}
	if c.Settlement.Tolerance, err = nonNegative("settlement.tolerance", c.Settlement.ToleranceRaw); err != nil {
		return err
	}
	if !c.Settlement.FiatPerToken.IsPositive() {
		return errors.New("settlement.fiatPerToken must be positive")
	}
	return nil
}

func address(key, raw string, required bool) (common.Address, error) {
	if raw == "" {
		if required {
			return common.Address{}, fmt.Errorf("%s is required", key)
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s: %q is not an address", key, raw)
	}
	return common.HexToAddress(raw), nil
}

func nonNegative(key, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s cannot be negative", key)
	}
	return d, nil
}
