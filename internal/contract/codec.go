// Package contract provides ABI bindings for the NFT marketplace, the ERC-721 collection
// and the ERC-20 payment token.
package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos-nft/internal/model"
)

// ErrEmptyResult is returned when a view call returns no data.
var ErrEmptyResult = errors.New("contract call returned no data")

// Caller performs read-only contract calls against the latest block.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

// decodeEvent decodes a log emitted by a contract described by parsed into a RawChainEvent.
// Logs whose topic0 is unknown, or whose topic count does not match the event signature,
// yield nil without error.
func decodeEvent(parsed abi.ABI, lg types.Log) (*model.RawChainEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}
	ev, err := parsed.EventByID(lg.Topics[0])
	if err != nil {
		return nil, nil
	}

	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(lg.Topics)-1 != len(indexed) {
		return nil, nil
	}

	values := make(map[string]interface{}, len(ev.Inputs))
	if err := abi.ParseTopicsIntoMap(values, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("decode %s topics: %w", ev.Name, err)
	}
	if err := ev.Inputs.UnpackIntoMap(values, lg.Data); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", ev.Name, err)
	}

	out := &model.RawChainEvent{
		Event:        ev.Name,
		Address:      lg.Address.Hex(),
		BlockNumber:  lg.BlockNumber,
		TxHash:       lg.TxHash.Hex(),
		LogIndex:     lg.Index,
		ReturnValues: make(map[string]string, len(values)),
	}
	for name, v := range values {
		out.ReturnValues[name] = stringify(v)
	}
	return out, nil
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case *big.Int:
		return x.String()
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case [32]byte:
		return hexutil.Encode(x[:])
	case []byte:
		return hexutil.Encode(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// call packs method, performs a view call on address and unpacks the single return value.
func call(ctx context.Context, caller Caller, parsed abi.ABI, address common.Address, method string, args ...interface{}) (interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	result, err := caller.CallContract(ctx, ethereum.CallMsg{To: &address, Data: data})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrEmptyResult
	}
	out, err := parsed.Unpack(method, result)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrEmptyResult
	}
	return out[0], nil
}

// ToTokenUnits scales a human amount to integer token units with the given decimals.
// Digits beyond the token precision are truncated.
func ToTokenUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).BigInt()
}

// FromTokenUnits converts integer token units back to a human amount.
func FromTokenUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// TokenID parses a decimal token id string.
func TokenID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(s, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid token id %q", s)
	}
	return id, nil
}
