package contract

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v4"
)

// ERC20ABI is the subset of the ERC-20 ABI used for payments.
const ERC20ABI = `[
	{
		"type": "function",
		"name": "approve",
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "transfer",
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "decimals",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint8"}],
		"stateMutability": "view"
	}
]`

// ERC20 is a binding for ERC-20 payment tokens. Decimals are cached per token address.
type ERC20 struct {
	abi      abi.ABI
	decimals *xsync.Map[common.Address, uint8]
}

// NewERC20 creates an ERC20 binding.
func NewERC20() (*ERC20, error) {
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, err
	}
	return &ERC20{abi: parsed, decimals: xsync.NewMap[common.Address, uint8]()}, nil
}

// PackApprove packs approve(spender, amount). amount is in token units.
func (c *ERC20) PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return c.abi.Pack("approve", spender, amount)
}

// PackTransfer packs transfer(to, amount). amount is in token units.
func (c *ERC20) PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return c.abi.Pack("transfer", to, amount)
}

// SetDecimals seeds the decimals cache, typically from configuration.
func (c *ERC20) SetDecimals(token common.Address, decimals uint8) {
	c.decimals.Store(token, decimals)
}

// Decimals returns the token precision, querying the chain on a cache miss.
func (c *ERC20) Decimals(ctx context.Context, caller Caller, token common.Address) (uint8, error) {
	if d, ok := c.decimals.Load(token); ok {
		return d, nil
	}
	out, err := call(ctx, caller, c.abi, token, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out.(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", out)
	}
	c.decimals.Store(token, d)
	return d, nil
}
