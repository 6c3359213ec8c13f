package model

import (
	"fmt"
	"math/big"
	"strings"
)

// 链上事件名
const (
	EventNftListed      = "NftListed"
	EventNftSold        = "NftSold"
	EventAuctionCreated = "AuctionCreated"
	EventBidPlaced      = "BidPlaced"
	EventAuctionSettled = "AuctionSettled"
	EventTransfer       = "Transfer"
)

// ZeroAddress 铸造时 Transfer 的 from
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// RawChainEvent 解码后的合约事件，不落库
type RawChainEvent struct {
	Event        string            `json:"event"`
	Address      string            `json:"address"`
	BlockNumber  uint64            `json:"block_number"`
	BlockTime    uint64            `json:"block_time"` // unix 秒
	TxHash       string            `json:"transaction_hash"`
	LogIndex     uint              `json:"log_index"`
	ReturnValues map[string]string `json:"return_values"`
}

// Value 读取字符串参数
func (e *RawChainEvent) Value(name string) (string, error) {
	v, ok := e.ReturnValues[name]
	if !ok {
		return "", fmt.Errorf("event %s at block %d missing field %q", e.Event, e.BlockNumber, name)
	}
	return v, nil
}

// AddressValue 读取地址参数并统一为小写
func (e *RawChainEvent) AddressValue(name string) (string, error) {
	v, err := e.Value(name)
	if err != nil {
		return "", err
	}
	return strings.ToLower(v), nil
}

// BigValue 读取整数参数
func (e *RawChainEvent) BigValue(name string) (*big.Int, error) {
	v, err := e.Value(name)
	if err != nil {
		return nil, err
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("event %s field %q is not an integer: %s", e.Event, name, v)
	}
	return n, nil
}

// BlockTimeMs 区块时间 (毫秒)
func (e *RawChainEvent) BlockTimeMs() int64 {
	return int64(e.BlockTime) * 1000
}
