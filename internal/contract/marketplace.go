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

// MarketplaceABI is the ABI of the NFT marketplace contract.
// This matches the Solidity contract interface:
//
//	function SellNFT(uint256 nftId, uint256 price, address erc20, address seller, address nftContract) external;
//	function BuyNFT(uint256 nftId, address nftContract, address seller, address buyer, uint256 amount) external;
//	function createAuction(uint256 nftId, uint256 basePrice, uint256 salePrice, address erc20, address auctioner, address nftContract) external;
//	function placeBid(uint256 nftId, uint256 price, address nftContract, address auctioner, address bidder) external;
//	function settleAuction(uint256 nftId, address nftContract, address auctioner) external;
//	function getMarketFeePercentage() external view returns (uint256);
const MarketplaceABI = `[
	{
		"type": "function",
		"name": "SellNFT",
		"inputs": [
			{"name": "nftId", "type": "uint256"},
			{"name": "price", "type": "uint256"},
			{"name": "erc20", "type": "address"},
			{"name": "seller", "type": "address"},
			{"name": "nftContract", "type": "address"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "BuyNFT",
		"inputs": [
			{"name": "nftId", "type": "uint256"},
			{"name": "nftContract", "type": "address"},
			{"name": "seller", "type": "address"},
			{"name": "buyer", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "createAuction",
		"inputs": [
			{"name": "nftId", "type": "uint256"},
			{"name": "basePrice", "type": "uint256"},
			{"name": "salePrice", "type": "uint256"},
			{"name": "erc20", "type": "address"},
			{"name": "auctioner", "type": "address"},
			{"name": "nftContract", "type": "address"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "placeBid",
		"inputs": [
			{"name": "nftId", "type": "uint256"},
			{"name": "price", "type": "uint256"},
			{"name": "nftContract", "type": "address"},
			{"name": "auctioner", "type": "address"},
			{"name": "bidder", "type": "address"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "settleAuction",
		"inputs": [
			{"name": "nftId", "type": "uint256"},
			{"name": "nftContract", "type": "address"},
			{"name": "auctioner", "type": "address"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "getMarketFeePercentage",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "event",
		"name": "NftListed",
		"inputs": [
			{"name": "tokenId", "type": "uint256", "indexed": true},
			{"name": "nftAddress", "type": "address", "indexed": true},
			{"name": "seller", "type": "address", "indexed": true},
			{"name": "price", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "NftSold",
		"inputs": [
			{"name": "tokenId", "type": "uint256", "indexed": true},
			{"name": "nftAddress", "type": "address", "indexed": true},
			{"name": "seller", "type": "address", "indexed": true},
			{"name": "price", "type": "uint256", "indexed": false},
			{"name": "buyer", "type": "address", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "AuctionCreated",
		"inputs": [
			{"name": "tokenId", "type": "uint256", "indexed": true},
			{"name": "nftAddress", "type": "address", "indexed": true},
			{"name": "auctioner", "type": "address", "indexed": true},
			{"name": "basePrice", "type": "uint256", "indexed": false},
			{"name": "salePrice", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "BidPlaced",
		"inputs": [
			{"name": "tokenId", "type": "uint256", "indexed": true},
			{"name": "tokenContract", "type": "address", "indexed": true},
			{"name": "auctioner", "type": "address", "indexed": true},
			{"name": "bidder", "type": "address", "indexed": false},
			{"name": "price", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "AuctionSettled",
		"inputs": [
			{"name": "tokenId", "type": "uint256", "indexed": true},
			{"name": "tokenContract", "type": "address", "indexed": true},
			{"name": "auctioner", "type": "address", "indexed": true},
			{"name": "winner", "type": "address", "indexed": false},
			{"name": "price", "type": "uint256", "indexed": false}
		]
	}
]`

// Marketplace provides call data encoding, view calls and event decoding for the
// marketplace contract.
type Marketplace struct {
	address common.Address
	abi     abi.ABI
}

// NewMarketplace creates a Marketplace binding at address.
func NewMarketplace(address common.Address) (*Marketplace, error) {
	parsed, err := abi.JSON(strings.NewReader(MarketplaceABI))
	if err != nil {
		return nil, err
	}
	return &Marketplace{address: address, abi: parsed}, nil
}

// Address returns the contract address.
func (m *Marketplace) Address() common.Address {
	return m.address
}

// ABI returns the contract ABI.
func (m *Marketplace) ABI() abi.ABI {
	return m.abi
}

// PackSellNFT packs the SellNFT call data. price is in token units.
func (m *Marketplace) PackSellNFT(tokenID, price *big.Int, erc20, seller, nft common.Address) ([]byte, error) {
	return m.abi.Pack("SellNFT", tokenID, price, erc20, seller, nft)
}

// PackBuyNFT packs the BuyNFT call data for a single unit.
func (m *Marketplace) PackBuyNFT(tokenID *big.Int, nft, seller, buyer common.Address) ([]byte, error) {
	return m.abi.Pack("BuyNFT", tokenID, nft, seller, buyer, big.NewInt(1))
}

// PackCreateAuction packs the createAuction call data. The base and sale price are both the
// reserve price in token units.
func (m *Marketplace) PackCreateAuction(tokenID, price *big.Int, erc20, auctioner, nft common.Address) ([]byte, error) {
	return m.abi.Pack("createAuction", tokenID, price, price, erc20, auctioner, nft)
}

// PackPlaceBid packs the placeBid call data. price is in token units.
func (m *Marketplace) PackPlaceBid(tokenID, price *big.Int, nft, auctioner, bidder common.Address) ([]byte, error) {
	return m.abi.Pack("placeBid", tokenID, price, nft, auctioner, bidder)
}

// PackSettleAuction packs the settleAuction call data.
func (m *Marketplace) PackSettleAuction(tokenID *big.Int, nft, auctioner common.Address) ([]byte, error) {
	return m.abi.Pack("settleAuction", tokenID, nft, auctioner)
}

// MarketFeePercentage queries the marketplace fee. The value is a percentage scaled by 100,
// so 250 means 2.5%.
func (m *Marketplace) MarketFeePercentage(ctx context.Context, caller Caller) (*big.Int, error) {
	out, err := call(ctx, caller, m.abi, m.address, "getMarketFeePercentage")
	if err != nil {
		return nil, err
	}
	fee, ok := out.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected fee type %T", out)
	}
	return fee, nil
}

// DecodeLog decodes a marketplace log. Unknown logs yield nil.
func (m *Marketplace) DecodeLog(lg types.Log) (*model.RawChainEvent, error) {
	return decodeEvent(m.abi, lg)
}

// EventTopic returns topic0 of the named event.
func (m *Marketplace) EventTopic(name string) common.Hash {
	return m.abi.Events[name].ID
}
