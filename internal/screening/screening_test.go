package screening

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const sample = `
entries:
  - address: "0x8589427373d6d84e98730d7795d8f6f8731fda16"
    source: OFAC SDN
    note: mixer contract
  - address: "0x722122dF12D4e14e13Ac3b6895a86e84145b6967"
`

func TestDenyListFlagsListedAddressAnyCase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deny.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	list, err := LoadDenyList(path)
	require.NoError(t, err)
	require.Equal(t, 2, list.Len())

	res, err := list.CheckAddress(context.Background(), common.HexToAddress("0x8589427373D6D84E98730D7795D8f6f8731FDA16"))
	require.NoError(t, err)
	require.True(t, res.Sanctioned)
	require.Equal(t, "OFAC SDN: mixer contract", res.Evidence)

	res, err = list.CheckAddress(context.Background(), common.HexToAddress("0x722122dF12D4e14e13Ac3b6895a86e84145b6967"))
	require.NoError(t, err)
	require.Equal(t, "listed", res.Evidence)

	res, err = list.CheckAddress(context.Background(), common.HexToAddress("0x1111111111111111111111111111111111111111"))
	require.NoError(t, err)
	require.False(t, res.Sanctioned)
}

func TestParseDenyListRejectsBadAddress(t *testing.T) {
	_, err := ParseDenyList([]byte("entries:\n  - address: nope\n"))
	require.Error(t, err)
}

func TestEmptyPathIsEmptyList(t *testing.T) {
	list, err := LoadDenyList("")
	require.NoError(t, err)
	res, err := list.CheckAddress(context.Background(), common.Address{})
	require.NoError(t, err)
	require.False(t, res.Sanctioned)
}
