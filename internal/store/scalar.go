package store

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strings"
)

// ErrNotNumeric is returned when a scalar cannot be read as a number.
var ErrNotNumeric = errors.New("scalar is not numeric")

// Scalar is the raw value of the single column of the single row a query returned.
// A nil Scalar is SQL NULL (or no row at all).
type Scalar any

// ToInteger coerces a driver value to an integer. NULL becomes 0. Fractions are
// truncated toward zero.
func ToInteger(v Scalar) (*big.Int, error) {
	switch n := v.(type) {
	case nil:
		return new(big.Int), nil
	case int64:
		return big.NewInt(n), nil
	case int32:
		return big.NewInt(int64(n)), nil
	case int16:
		return big.NewInt(int64(n)), nil
	case int8:
		return big.NewInt(int64(n)), nil
	case int:
		return big.NewInt(int64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case uint32:
		return big.NewInt(int64(n)), nil
	case uint:
		return new(big.Int).SetUint64(uint64(n)), nil
	case bool:
		if n {
			return big.NewInt(1), nil
		}
		return new(big.Int), nil
	case float64:
		return floatToInteger(n)
	case float32:
		return floatToInteger(float64(n))
	case []byte:
		return textToInteger(string(n))
	case string:
		return textToInteger(n)
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotNumeric, v)
	}
}

func floatToInteger(f float64) (*big.Int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %v", ErrNotNumeric, f)
	}
	i, _ := big.NewFloat(math.Trunc(f)).Int(nil)
	return i, nil
}

var decimalRe = regexp.MustCompile(`^[+-]?(?:\d+(?:\.\d*)?|\.\d+)$`)

// textToInteger handles NUMERIC, which lib/pq hands back as its text form. Only
// plain decimal notation is accepted; ratios and exponent forms are rejected.
func textToInteger(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty text", ErrNotNumeric)
	}
	if !decimalRe.MatchString(s) {
		return nil, fmt.Errorf("%w: %q", ErrNotNumeric, s)
	}
	if i, ok := new(big.Int).SetString(s, 10); ok {
		return i, nil
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotNumeric, s)
	}
	// Quo truncates toward zero.
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}
