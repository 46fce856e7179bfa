package fetch

import (
	"fmt"
	"math/big"
	"strings"
)

// parseDecimalString turns a plain decimal string (e.g. "1234.5678", as
// returned by most JSON price APIs to avoid float64 precision loss) into
// an integer mantissa and a decimals count, capped at maxDecimals.
// Fractional digits beyond maxDecimals are truncated, never rounded —
// callers needing rounding apply it explicitly downstream (predicate
// package's windowing).
func parseDecimalString(s string, maxDecimals uint8) (*big.Int, uint8, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, 0, fmt.Errorf("empty decimal string")
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	intPart, fracPart, hasFrac := strings.Cut(s, ".")
	if !hasFrac {
		fracPart = ""
	}
	if len(fracPart) > int(maxDecimals) {
		fracPart = fracPart[:maxDecimals]
	}
	decimals := uint8(len(fracPart))

	digits := intPart + fracPart
	if digits == "" {
		digits = "0"
	}

	amount, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, 0, fmt.Errorf("invalid decimal string %q", s)
	}
	if neg {
		amount.Neg(amount)
	}
	return amount, decimals, nil
}
