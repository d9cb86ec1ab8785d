package testutil

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/Layr-Labs/car-trading-go/pkg/descriptor"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

// Deterministic ganache accounts 0 and 1.
const (
	OwnerPrivateKey = "0x4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"
	OwnerAddress    = "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1"
	BuyerAddress    = "0xFFcf8FDEE72ac11b5c542428B35EEF5769C409f0"

	CarContractAddress = "0x5b1869D9A4C187F2EAa108f3062412ecf0526b24"
	TestChainId        = 1337
)

// CarMarketplaceABI is the interface of the car marketplace contract.
const CarMarketplaceABI = `[
  {"type":"function","name":"listCar","stateMutability":"nonpayable",
   "inputs":[{"name":"make","type":"string"},{"name":"model","type":"string"},{"name":"price","type":"uint256"}],
   "outputs":[{"name":"carId","type":"uint256"}]},
  {"type":"function","name":"buyCar","stateMutability":"payable",
   "inputs":[{"name":"carId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"transferOwnership","stateMutability":"nonpayable",
   "inputs":[{"name":"carId","type":"uint256"},{"name":"newOwner","type":"address"}],"outputs":[]},
  {"type":"function","name":"delistCar","stateMutability":"nonpayable",
   "inputs":[{"name":"carId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getCar","stateMutability":"view",
   "inputs":[{"name":"carId","type":"uint256"}],
   "outputs":[{"name":"id","type":"uint256"},{"name":"make","type":"string"},{"name":"model","type":"string"},
              {"name":"owner","type":"address"},{"name":"price","type":"uint256"},{"name":"forSale","type":"bool"}]},
  {"type":"function","name":"getCarCount","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"CarListed","anonymous":false,
   "inputs":[{"name":"carId","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":true},
             {"name":"price","type":"uint256","indexed":false}]},
  {"type":"event","name":"CarSold","anonymous":false,
   "inputs":[{"name":"carId","type":"uint256","indexed":true},{"name":"seller","type":"address","indexed":true},
             {"name":"buyer","type":"address","indexed":true},{"name":"price","type":"uint256","indexed":false}]},
  {"type":"event","name":"OwnershipTransferred","anonymous":false,
   "inputs":[{"name":"carId","type":"uint256","indexed":true},{"name":"previousOwner","type":"address","indexed":true},
             {"name":"newOwner","type":"address","indexed":true}]},
  {"type":"event","name":"CarDelisted","anonymous":false,
   "inputs":[{"name":"carId","type":"uint256","indexed":true}]}
]`

// CarMarketplaceDescriptor returns a descriptor for the car contract at CarContractAddress.
func CarMarketplaceDescriptor() *descriptor.ContractDescriptor {
	return &descriptor.ContractDescriptor{
		Address:       CarContractAddress,
		JsonInterface: json.RawMessage(CarMarketplaceABI),
	}
}

func ParsedCarABI(t *testing.T) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(CarMarketplaceABI))
	require.NoError(t, err)
	return parsed
}

// EventLog builds a log emitted by address for the named event. Indexed values become
// topics in declaration order; the rest are ABI-encoded into data.
func EventLog(t *testing.T, contract abi.ABI, address common.Address, name string, values ...interface{}) *types.Log {
	event, ok := contract.Events[name]
	require.True(t, ok, "unknown event %s", name)
	require.Len(t, values, len(event.Inputs), "wrong number of values for %s", name)

	topics := []common.Hash{event.ID}
	var data []interface{}
	for i, input := range event.Inputs {
		if !input.Indexed {
			data = append(data, values[i])
			continue
		}
		topic, err := topicFor(values[i])
		require.NoError(t, err)
		topics = append(topics, topic)
	}

	packed, err := event.Inputs.NonIndexed().Pack(data...)
	require.NoError(t, err)

	return &types.Log{
		Address: address,
		Topics:  topics,
		Data:    packed,
	}
}

func topicFor(v interface{}) (common.Hash, error) {
	switch value := v.(type) {
	case *big.Int:
		return common.BigToHash(value), nil
	case common.Address:
		return common.BytesToHash(value.Bytes()), nil
	case common.Hash:
		return value, nil
	default:
		return common.Hash{}, fmt.Errorf("unsupported topic value %T", v)
	}
}

// PackCarOutputs encodes a getCar return value.
func PackCarOutputs(t *testing.T, contract abi.ABI, id int64, carMake, carModel string, owner common.Address, priceWei *big.Int, forSale bool) []byte {
	packed, err := contract.Methods["getCar"].Outputs.Pack(big.NewInt(id), carMake, carModel, owner, priceWei, forSale)
	require.NoError(t, err)
	return packed
}

// RevertData encodes reason the way Solidity's Error(string) does.
func RevertData(reason string) []byte {
	stringType, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: stringType}}.Pack(reason)
	return append(common.FromHex("0x08c379a0"), packed...)
}

// Ether returns n ether in wei.
func Ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}
