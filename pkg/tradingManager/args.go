package tradingManager

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// coerceArguments converts loosely typed request values into the Go types abi.Pack
// expects for inputs. Values that already have the right type pass through.
func coerceArguments(inputs abi.Arguments, args []interface{}) ([]interface{}, error) {
	if len(args) != len(inputs) {
		return nil, fmt.Errorf("expected %d arguments, got %d", len(inputs), len(args))
	}

	out := make([]interface{}, len(args))
	for i, input := range inputs {
		v, err := coerceValue(input.Type, args[i])
		if err != nil {
			name := input.Name
			if name == "" {
				name = strconv.Itoa(i)
			}
			return nil, fmt.Errorf("argument %s (%s): %w", name, input.Type.String(), err)
		}
		out[i] = v
	}
	return out, nil
}

func coerceValue(t abi.Type, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, fmt.Errorf("value is nil")
	}

	switch t.T {
	case abi.IntTy, abi.UintTy:
		return coerceInteger(t, v)
	case abi.BoolTy:
		return coerceBool(v)
	case abi.StringTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case abi.AddressTy:
		return coerceAddress(v)
	case abi.FixedBytesTy:
		return coerceFixedBytes(t, v)
	case abi.BytesTy:
		return coerceBytes(v)
	default:
		// composite values must already be shaped for the encoder
		return v, nil
	}
}

// float64 represents every integer up to 2^53 exactly
const maxSafeFloatInteger = 1 << 53

func toBigInt(v interface{}) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, fmt.Errorf("value is nil")
		}
		return new(big.Int).Set(n), nil
	case int:
		return big.NewInt(int64(n)), nil
	case int8:
		return big.NewInt(int64(n)), nil
	case int16:
		return big.NewInt(int64(n)), nil
	case int32:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return nil, fmt.Errorf("%v is not an integer", n)
		}
		if math.Abs(n) > maxSafeFloatInteger {
			return nil, fmt.Errorf("%v exceeds 2^53 and may have lost precision, pass it as a string", n)
		}
		return big.NewInt(int64(n)), nil
	case json.Number:
		return parseInteger(n.String())
	case string:
		return parseInteger(n)
	default:
		return nil, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func parseInteger(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty integer")
	}
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		digits = s[2:]
	}
	b, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, fmt.Errorf("%q is not an integer", s)
	}
	return b, nil
}

func coerceInteger(t abi.Type, v interface{}) (interface{}, error) {
	b, err := toBigInt(v)
	if err != nil {
		return nil, err
	}

	if t.T == abi.UintTy {
		if b.Sign() < 0 {
			return nil, fmt.Errorf("negative value %s for unsigned type", b.String())
		}
		if b.BitLen() > t.Size {
			return nil, fmt.Errorf("value %s overflows %s", b.String(), t.String())
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		minimum := new(big.Int).Neg(limit)
		if b.Cmp(minimum) < 0 || b.Cmp(limit) >= 0 {
			return nil, fmt.Errorf("value %s overflows %s", b.String(), t.String())
		}
	}

	goType := t.GetType()
	if goType == bigIntType {
		return b, nil
	}

	sized := reflect.New(goType).Elem()
	if t.T == abi.UintTy {
		sized.SetUint(b.Uint64())
	} else {
		sized.SetInt(b.Int64())
	}
	return sized.Interface(), nil
}

func coerceBool(v interface{}) (interface{}, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", b)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("expected bool, got %T", v)
	}
}

func coerceAddress(v interface{}) (interface{}, error) {
	switch a := v.(type) {
	case common.Address:
		return a, nil
	case string:
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("%q is not a hex address", a)
		}
		return common.HexToAddress(a), nil
	default:
		return nil, fmt.Errorf("expected address, got %T", v)
	}
}

func coerceBytes(v interface{}) (interface{}, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		decoded, err := hexutil.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("invalid hex bytes: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("expected bytes, got %T", v)
	}
}

func coerceFixedBytes(t abi.Type, v interface{}) (interface{}, error) {
	goType := t.GetType()
	if reflect.TypeOf(v) == goType {
		return v, nil
	}

	var raw []byte
	switch b := v.(type) {
	case []byte:
		raw = b
	case common.Hash:
		raw = b.Bytes()
	case string:
		decoded, err := hexutil.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("invalid hex bytes: %w", err)
		}
		raw = decoded
	default:
		return nil, fmt.Errorf("expected %s, got %T", t.String(), v)
	}
	if len(raw) != t.Size {
		return nil, fmt.Errorf("expected %d bytes, got %d", t.Size, len(raw))
	}

	fixed := reflect.New(goType).Elem()
	reflect.Copy(fixed, reflect.ValueOf(raw))
	return fixed.Interface(), nil
}
