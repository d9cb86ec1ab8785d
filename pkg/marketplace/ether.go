package marketplace

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const etherDecimals = 18

// ParseEther converts a decimal ether amount such as "1.5" to wei.
func ParseEther(amount string) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("ether amount is empty")
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid ether amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("ether amount %q is negative", amount)
	}
	if d.Exponent() < -etherDecimals {
		return nil, fmt.Errorf("ether amount %q has more than %d decimal places", amount, etherDecimals)
	}
	return d.Shift(etherDecimals).BigInt(), nil
}

// FormatEther renders wei as a decimal ether amount without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -etherDecimals).String()
}

func formatEtherString(wei string) string {
	b, ok := new(big.Int).SetString(wei, 10)
	if !ok {
		return "0"
	}
	return FormatEther(b)
}
