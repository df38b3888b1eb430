// Package money represents currency amounts as integer minor units (two decimal places).
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is a signed amount in minor units, e.g. 500 == 5.00.
type Amount int64

const minorPerMajor = 100

var ErrInvalidAmount = errors.New("invalid amount")

// FromMajor builds an amount from whole currency units.
func FromMajor(units int64) Amount {
	return Amount(units * minorPerMajor)
}

// Parse reads a decimal string with at most two fraction digits ("5", "5.5", "-12.05").
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" && (!hasFrac || frac == "") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("%w: %q has more than two decimals", ErrInvalidAmount, s)
	}

	var units int64
	if whole != "" {
		n, err := strconv.ParseUint(whole, 10, 63)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		units = int64(n)
	}

	var minor int64
	if frac != "" {
		for len(frac) < 2 {
			frac += "0"
		}
		n, err := strconv.ParseUint(frac, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		minor = int64(n)
	}

	if units > (math.MaxInt64-minor)/minorPerMajor {
		return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidAmount, s)
	}
	a := Amount(units*minorPerMajor + minor)
	if neg {
		a = -a
	}
	return a, nil
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/minorPerMajor, v%minorPerMajor)
}

func (a Amount) Minor() int64 { return int64(a) }

func (a Amount) Add(b Amount) Amount { return a + b }

func (a Amount) Mul(n int64) Amount { return Amount(int64(a) * n) }

func (a Amount) IsPositive() bool { return a > 0 }

func (a Amount) IsZero() bool { return a == 0 }

// MarshalJSON writes the amount as a decimal number literal.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a number literal or a quoted decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		*a = 0
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Scan reads NUMERIC columns, which lib/pq delivers as []byte.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = 0
		return nil
	case int64:
		*a = Amount(v * minorPerMajor)
		return nil
	case []byte:
		return a.scanString(string(v))
	case string:
		return a.scanString(v)
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrInvalidAmount, src)
	}
}

func (a *Amount) scanString(s string) error {
	// NUMERIC(12,2) always renders two decimals, but tolerate trailing zeros beyond that.
	if whole, frac, ok := strings.Cut(s, "."); ok && len(frac) > 2 {
		frac = strings.TrimRight(frac, "0")
		s = whole + "." + frac
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value stores the amount as a decimal string so NUMERIC keeps exact cents.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}
