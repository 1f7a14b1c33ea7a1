// Package contracts holds the ABI fragments the service calls: the EIP-3009
// stablecoin and the EIP-7702 delegate the payer account is upgraded to.
package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const StablecoinABI = `[
  {"type":"function","name":"transferWithAuthorization","stateMutability":"nonpayable","inputs":[
    {"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},
    {"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},
    {"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[
    {"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"authorizationState","stateMutability":"view","inputs":[
    {"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}]}
]`

const DelegateABI = `[
  {"type":"function","name":"executeTransfer","stateMutability":"nonpayable","inputs":[
    {"name":"token","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"},
    {"name":"nonce","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]}
]`

var (
	Stablecoin = mustParse(StablecoinABI)
	Delegate   = mustParse(DelegateABI)
)

// TransferEventID is topic[0] of the ERC-20 Transfer event.
var TransferEventID = Stablecoin.Events["Transfer"].ID

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("contracts: parse abi: " + err.Error())
	}
	return parsed
}
