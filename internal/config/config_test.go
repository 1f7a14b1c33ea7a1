package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	require.Equal(t, 3000, cfg.Service.HTTPPort)
	require.Equal(t, 60*time.Second, cfg.Service.HMACClockSkew)
	require.Equal(t, int64(421614), cfg.Chain.ChainID)
	require.Equal(t, int32(6), cfg.Chain.TokenDecimals)
	require.Equal(t, common.HexToAddress("0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d"), cfg.Chain.Token)
	require.Equal(t, "1000000000", cfg.Chain.MinPriorityFee.String())
	require.Equal(t, "0.05", cfg.Settlement.NetworkFee.String())
	require.Equal(t, "0.000001", cfg.Settlement.Tolerance.String())
	require.True(t, cfg.Settlement.AutoRefund)
	require.True(t, cfg.Settlement.RefundOnUnverifiedInbound)
	require.False(t, cfg.Settlement.GateDelegatedVerification)

	p := cfg.Retry.Payout.Policy()
	require.Equal(t, 3, p.MaxAttempts)
	require.Equal(t, time.Second, p.Backoff)
	require.Equal(t, 2, p.Multiplier)
	require.Equal(t, 1500*time.Millisecond, cfg.Retry.Delegation.Backoff)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settle.yaml")
	body := `
service:
  port: 8088
  hmacSecret: file-secret
chain:
  treasury: "0x1111111111111111111111111111111111111111"
  delegate: "0x63c0c19a282a1B52b07dD5a65b58948A07DAE32B"
settlement:
  fiatPerToken: "150.25"
  gateDelegatedVerification: true
retry:
  payoutPoll:
    maxAttempts: 4
    backoff: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("SETTLE_SERVICE_HMACSECRET", "env-secret")
	t.Setenv("SETTLE_SETTLEMENT_AUTOREFUND", "false")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	require.Equal(t, 8088, cfg.Service.HTTPPort)
	require.Equal(t, "env-secret", cfg.Service.HMACSecret)
	require.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), cfg.Chain.Treasury)
	require.Equal(t, common.HexToAddress("0x63c0c19a282a1B52b07dD5a65b58948A07DAE32B"), cfg.Chain.Delegate)
	require.Equal(t, "150.25", cfg.Settlement.FiatPerToken.String())
	require.True(t, cfg.Settlement.GateDelegatedVerification)
	require.False(t, cfg.Settlement.AutoRefund)
	require.Equal(t, 4, cfg.Retry.PayoutPoll.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.PayoutPoll.Backoff)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("SETTLE_CHAIN_TREASURY", "not-an-address")
	_, err := LoadFile("")
	require.ErrorContains(t, err, "chain.treasury")

	t.Setenv("SETTLE_CHAIN_TREASURY", "")
	t.Setenv("SETTLE_SETTLEMENT_NETWORKFEE", "-1")
	_, err = LoadFile("")
	require.ErrorContains(t, err, "settlement.networkFee cannot be negative")

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
