package billing

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Integer cents, decimal at the edges
// =============================================================================

// Money is an amount in cents. All allocation and fine arithmetic happens on
// integers so balances never drift; decimal.Decimal is only used to parse and
// format values crossing the persistence and JSON boundaries.
type Money int64

// Cents builds a Money value from a count of cents.
func Cents(c int64) Money { return Money(c) }

// NewMoneyFromDecimal rounds d to the nearest cent.
func NewMoneyFromDecimal(d decimal.Decimal) Money {
	return Money(d.Round(2).Shift(2).IntPart())
}

// NewMoneyFromFloat rounds f to the nearest cent.
func NewMoneyFromFloat(f float64) Money {
	return NewMoneyFromDecimal(decimal.NewFromFloat(f))
}

// ParseMoney reads a decimal string such as "12.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid money amount %q: %w", s, err)
	}
	return NewMoneyFromDecimal(d), nil
}

// MustParseMoney is ParseMoney for literals. It panics on bad input.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Decimal() decimal.Decimal { return decimal.New(int64(m), -2) }
func (m Money) String() string           { return m.Decimal().StringFixed(2) }
func (m Money) Cents() int64             { return int64(m) }
func (m Money) IsZero() bool             { return m == 0 }
func (m Money) IsPositive() bool         { return m > 0 }
func (m Money) IsNegative() bool         { return m < 0 }

// Min returns the smaller of m and o.
func (m Money) Min(o Money) Money {
	if m < o {
		return m
	}
	return o
}

// MarshalJSON writes the amount as a fixed two-place decimal string.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts either a decimal string or a JSON number.
func (m *Money) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := ParseMoney(s)
		if err != nil {
			return err
		}
		*m = v
		return nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("invalid money amount %s: %w", data, err)
	}
	*m = NewMoneyFromDecimal(d)
	return nil
}

// SumMoney adds up a list of amounts.
func SumMoney(amounts ...Money) Money {
	var total Money
	for _, a := range amounts {
		total += a
	}
	return total
}
