package contracts

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const vaultABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "uint256", "name": "nav", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "deployable", "type": "uint256"}
    ],
    "name": "ThresholdReached",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "caller", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "beneficiary", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "shares", "type": "uint256"}
    ],
    "name": "Deposited",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "holder", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "shares", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "payout", "type": "uint256"}
    ],
    "name": "Withdrawn",
    "type": "event"
  },
  {"inputs": [], "name": "version", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "state", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "nav", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "cap", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "totalShares", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "custody", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "placed", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "deployedAt", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "withdrawDelay", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "holder", "type": "address"}], "name": "sharesOf", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "amount", "type": "uint256"}], "name": "deposit", "outputs": [], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"name": "beneficiary", "type": "address"}, {"name": "amount", "type": "uint256"}], "name": "depositFor", "outputs": [], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"name": "shareAmount", "type": "uint256"}], "name": "withdraw", "outputs": [], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"name": "newValue", "type": "uint256"}], "name": "updateNAV", "outputs": [], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"name": "amount", "type": "uint256"}], "name": "releaseToCustody", "outputs": [], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"name": "amount", "type": "uint256"}], "name": "confirmPlacement", "outputs": [], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"name": "amount", "type": "uint256"}], "name": "withdrawForDeployment", "outputs": [], "stateMutability": "nonpayable", "type": "function"}
]`

const erc20ABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "from", "type": "address"},
      {"indexed": true, "name": "to", "type": "address"},
      {"indexed": false, "name": "value", "type": "uint256"}
    ],
    "name": "Transfer",
    "type": "event"
  },
  {"inputs": [], "name": "decimals", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "symbol", "outputs": [{"type": "string"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "owner", "type": "address"}], "name": "balanceOf", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "owner", "type": "address"}, {"name": "spender", "type": "address"}], "name": "allowance", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "spender", "type": "address"}, {"name": "value", "type": "uint256"}], "name": "approve", "outputs": [{"type": "bool"}], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"name": "to", "type": "address"}, {"name": "value", "type": "uint256"}], "name": "transfer", "outputs": [{"type": "bool"}], "stateMutability": "nonpayable", "type": "function"}
]`

const erc4626ABIJSON = `[
  {"inputs": [], "name": "asset", "outputs": [{"type": "address"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "owner", "type": "address"}], "name": "balanceOf", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "shares", "type": "uint256"}], "name": "convertToAssets", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "assets", "type": "uint256"}, {"name": "receiver", "type": "address"}], "name": "deposit", "outputs": [{"type": "uint256"}], "stateMutability": "nonpayable", "type": "function"}
]`

const gatewayMinterABIJSON = `[
  {"inputs": [{"name": "attestationPayload", "type": "bytes"}, {"name": "signature", "type": "bytes"}], "name": "gatewayMint", "outputs": [], "stateMutability": "nonpayable", "type": "function"}
]`

// Intent is the ABI tuple hashed and signed for a transfer intent.
const intentArgsJSON = `[
  {"inputs": [
    {"name": "sourceDomain", "type": "uint32"},
    {"name": "destinationDomain", "type": "uint32"},
    {"name": "amount", "type": "uint256"},
    {"name": "depositor", "type": "address"},
    {"name": "recipient", "type": "address"},
    {"name": "nonce", "type": "bytes32"}
  ], "name": "intent", "outputs": [], "stateMutability": "pure", "type": "function"}
]`

type lazyABI struct {
	raw    string
	once   sync.Once
	parsed abi.ABI
	err    error
}

func (l *lazyABI) get() (abi.ABI, error) {
	l.once.Do(func() {
		l.parsed, l.err = abi.JSON(strings.NewReader(l.raw))
	})
	return l.parsed, l.err
}

var (
	vaultABI         = &lazyABI{raw: vaultABIJSON}
	erc20ABI         = &lazyABI{raw: erc20ABIJSON}
	erc4626ABI       = &lazyABI{raw: erc4626ABIJSON}
	gatewayMinterABI = &lazyABI{raw: gatewayMinterABIJSON}
	intentABI        = &lazyABI{raw: intentArgsJSON}
)

// VaultABI returns the parsed vault ledger ABI.
func VaultABI() (abi.ABI, error) { return vaultABI.get() }

// ERC20ABI returns the parsed ERC-20 ABI.
func ERC20ABI() (abi.ABI, error) { return erc20ABI.get() }

// ERC4626ABI returns the parsed ERC-4626 vault ABI.
func ERC4626ABI() (abi.ABI, error) { return erc4626ABI.get() }

// GatewayMinterABI returns the parsed destination minter ABI.
func GatewayMinterABI() (abi.ABI, error) { return gatewayMinterABI.get() }

// IntentArguments returns the argument list a transfer intent is encoded with.
func IntentArguments() (abi.Arguments, error) {
	parsed, err := intentABI.get()
	if err != nil {
		return nil, err
	}
	return parsed.Methods["intent"].Inputs, nil
}
