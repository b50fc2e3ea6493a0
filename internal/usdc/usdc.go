// Package usdc provides shared USDC parsing and formatting utilities.
//
// USDC uses 6 decimal places. All amounts are carried as big.Int in the
// smallest unit (1 USDC = 1,000,000 units) and rendered as decimal strings
// at the API and database boundaries.
package usdc

import (
	"fmt"
	"math/big"
	"strings"
)

const Decimals = 6

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000).
//
// Rules:
//   - Empty string parses as zero
//   - Negative amounts are rejected
//   - Fractional parts longer than 6 digits are rejected
func Parse(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("usdc: negative amount %q", s)
	}

	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") {
		return nil, fmt.Errorf("usdc: malformed amount %q", s)
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("usdc: too many decimal places in %q", s)
	}
	if whole == "" {
		whole = "0"
	}

	w, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("usdc: malformed amount %q", s)
	}
	result := w.Mul(w, unit)

	if frac != "" {
		f, ok := new(big.Int).SetString(frac+strings.Repeat("0", Decimals-len(frac)), 10)
		if !ok {
			return nil, fmt.Errorf("usdc: malformed amount %q", s)
		}
		result.Add(result, f)
	}

	return result, nil
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	q, r := new(big.Int).QuoRem(new(big.Int).Abs(amount), unit, new(big.Int))
	s := fmt.Sprintf("%s.%06d", q.String(), r.Uint64())
	if amount.Sign() < 0 {
		return "-" + s
	}
	return s
}
