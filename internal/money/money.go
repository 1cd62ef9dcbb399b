// Package money provides the decimal Money value used for every monetary
// field. Amounts are never routed through binary floating point.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when the platform omits a currency code
const DefaultCurrency = "USD"

// Scale is the number of fractional digits kept after division
const Scale = 2

// Money is an immutable amount in a single currency
type Money struct {
	amount   decimal.Decimal
	currency string
}

// Parse builds Money from a platform decimal string such as "129.90".
// An empty amount parses as zero.
func Parse(amount, currency string) (Money, error) {
	currency = normalizeCurrency(currency)
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return Zero(currency), nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return Money{amount: d, currency: currency}, nil
}

// MustParse is Parse for literals known to be valid
func MustParse(amount, currency string) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// FromDecimal wraps a decimal read back from storage
func FromDecimal(amount decimal.Decimal, currency string) Money {
	return Money{amount: amount, currency: normalizeCurrency(currency)}
}

// Zero returns a zero amount in currency
func Zero(currency string) Money {
	return Money{amount: decimal.Zero, currency: normalizeCurrency(currency)}
}

func normalizeCurrency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return DefaultCurrency
	}
	return c
}

// Currency returns the ISO currency code
func (m Money) Currency() string {
	if m.currency == "" {
		return DefaultCurrency
	}
	return m.currency
}

// Decimal returns the underlying amount
func (m Money) Decimal() decimal.Decimal {
	return m.amount
}

// IsZero reports whether the amount is zero
func (m Money) IsZero() bool {
	return m.amount.IsZero()
}

// Add returns m + other. Currencies must match.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency() != other.Currency() {
		return Money{}, fmt.Errorf("cannot add %s to %s", other.Currency(), m.Currency())
	}
	return Money{amount: m.amount.Add(other.amount), currency: m.Currency()}, nil
}

// DivideInt splits the amount into n parts rounded to Scale digits.
// Dividing by zero or a negative count yields zero.
func (m Money) DivideInt(n int64) Money {
	if n <= 0 {
		return Zero(m.Currency())
	}
	return Money{amount: m.amount.DivRound(decimal.NewFromInt(n), Scale), currency: m.Currency()}
}

// Cmp compares amounts, ignoring currency
func (m Money) Cmp(other Money) int {
	return m.amount.Cmp(other.amount)
}

// Equal reports equal amount and currency
func (m Money) Equal(other Money) bool {
	return m.Currency() == other.Currency() && m.amount.Equal(other.amount)
}

// Amount returns the amount as a plain decimal string for persistence
func (m Money) Amount() string {
	return m.amount.String()
}

// String renders "12.50 USD"
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.amount.StringFixed(Scale), m.Currency())
}

type moneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// MarshalJSON encodes the amount as a string to keep precision
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.amount.StringFixed(Scale), Currency: m.Currency()})
}

// UnmarshalJSON decodes {"amount": "...", "currency": "..."}
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Amount == "" && raw.Currency == "" {
		return errors.New("money: empty object")
	}
	parsed, err := Parse(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
