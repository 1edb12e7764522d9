// Package money provides fixed-point currency amount parsing and formatting.
//
// All amounts are carried as int64 minor units (1 unit = 1 cent). The engine
// runs with a single currency per deployment; the currency code travels on
// balances and transactions for audit, not for FX.
package money

import (
	"errors"
	"strings"
)

// Decimals is the number of decimal places in the display format.
const Decimals = 2

var (
	ErrInvalidFormat = errors.New("invalid amount format")
	ErrNegative      = errors.New("amount must not be negative")
	ErrOverflow      = errors.New("amount overflows int64")
)

// Parse converts a decimal string (e.g. "1250.00", "0.5") to minor units
// (125000, 50). Negative amounts and malformed strings are rejected.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidFormat
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegative
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidFormat
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, ErrInvalidFormat
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return 0, ErrInvalidFormat
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	var v int64
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, ErrInvalidFormat
		}
		d := int64(c - '0')
		if v > (1<<63-1-d)/10 {
			return 0, ErrOverflow
		}
		v = v*10 + d
	}
	return v, nil
}

// ParsePositive is Parse plus a zero check, for fields that must move money.
func ParsePositive(s string) (int64, error) {
	v, err := Parse(s)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, ErrInvalidFormat
	}
	return v, nil
}

// Format converts minor units to a decimal string with exactly two decimal
// places (e.g. 125000 -> "1250.00").
func Format(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	s := itoa(v)
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	cut := len(s) - Decimals
	out := s[:cut] + "." + s[cut:]
	if neg {
		out = "-" + out
	}
	return out
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
