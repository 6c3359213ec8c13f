package contract

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/eidos-exchange/eidos-nft/internal/model"
)

// ERC721ABI is the subset of the ERC-721 ABI used by the marketplace.
const ERC721ABI = `[
	{
		"type": "function",
		"name": "ownerOf",
		"inputs": [{"name": "tokenId", "type": "uint256"}],
		"outputs": [{"name": "", "type": "address"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "tokenURI",
		"inputs": [{"name": "tokenId", "type": "uint256"}],
		"outputs": [{"name": "", "type": "string"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "approve",
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "tokenId", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "event",
		"name": "Transfer",
		"inputs": [
			{"name": "from", "type": "address", "indexed": true},
			{"name": "to", "type": "address", "indexed": true},
			{"name": "tokenId", "type": "uint256", "indexed": true}
		]
	}
]`

// ERC721 is a binding for an ERC-721 collection.
type ERC721 struct {
	address common.Address
	abi     abi.ABI
}

// NewERC721 creates an ERC721 binding at address.
func NewERC721(address common.Address) (*ERC721, error) {
	parsed, err := abi.JSON(strings.NewReader(ERC721ABI))
	if err != nil {
		return nil, err
	}
	return &ERC721{address: address, abi: parsed}, nil
}

// Address returns the collection address.
func (c *ERC721) Address() common.Address {
	return c.address
}

// PackApprove packs approve(to, tokenId).
func (c *ERC721) PackApprove(to common.Address, tokenID *big.Int) ([]byte, error) {
	return c.abi.Pack("approve", to, tokenID)
}

// OwnerOf returns the current on-chain owner of tokenID.
func (c *ERC721) OwnerOf(ctx context.Context, caller Caller, tokenID *big.Int) (common.Address, error) {
	out, err := call(ctx, caller, c.abi, c.address, "ownerOf", tokenID)
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := out.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected owner type %T", out)
	}
	return owner, nil
}

// TokenURI returns the metadata URI of tokenID.
func (c *ERC721) TokenURI(ctx context.Context, caller Caller, tokenID *big.Int) (string, error) {
	out, err := call(ctx, caller, c.abi, c.address, "tokenURI", tokenID)
	if err != nil {
		return "", err
	}
	uri, ok := out.(string)
	if !ok {
		return "", fmt.Errorf("unexpected uri type %T", out)
	}
	return uri, nil
}

// DecodeLog decodes a Transfer log. ERC-20 shaped Transfer logs and unknown logs yield nil.
func (c *ERC721) DecodeLog(lg types.Log) (*model.RawChainEvent, error) {
	return decodeEvent(c.abi, lg)
}

// TransferTopic returns topic0 of the Transfer event.
func (c *ERC721) TransferTopic() common.Hash {
	return c.abi.Events["Transfer"].ID
}
