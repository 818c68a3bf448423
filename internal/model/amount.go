package model

import (
	"github.com/shopspring/decimal"
)

// Amount is a decimal that crosses the API boundary as a JSON number with
// exactly two fractional digits.
type Amount decimal.Decimal

// NewAmount wraps d for serialization.
func NewAmount(d decimal.Decimal) Amount { return Amount(d) }

// Decimal returns the underlying value.
func (a Amount) Decimal() decimal.Decimal { return decimal.Decimal(a) }

func (a Amount) String() string { return decimal.Decimal(a).StringFixed(2) }

// MarshalJSON renders the amount rounded half away from zero to cents.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts both quoted and bare decimal numbers.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*a = Amount(d)
	return nil
}

// Column bounds: prices are NUMERIC(10,2), every other amount NUMERIC(15,2).
// Both are exclusive and apply to the absolute value.
var (
	MaxPrice  = decimal.NewFromInt(100_000_000)
	MaxAmount = decimal.New(1, 13)
)

// WithinBound reports whether |d| < bound.
func WithinBound(d, bound decimal.Decimal) bool {
	return d.Abs().LessThan(bound)
}

// IsCents reports whether d has no more than two fractional digits.
func IsCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}
