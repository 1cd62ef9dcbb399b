package money

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_KeepsExactDecimal(t *testing.T) {
	// 0.1 + 0.2 is the classic float64 trap.
	a := MustParse("0.1", "usd")
	b := MustParse("0.2", "USD")

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, "0.3", sum.Amount())
	assert.Equal(t, "USD", sum.Currency())
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("12,50", "EUR")
	assert.Error(t, err)

	m, err := Parse("", "")
	require.NoError(t, err)
	assert.True(t, m.IsZero())
	assert.Equal(t, DefaultCurrency, m.Currency())
}

func TestAdd_CurrencyMismatch(t *testing.T) {
	_, err := MustParse("1", "USD").Add(MustParse("1", "EUR"))
	assert.Error(t, err)
}

func TestDivideInt(t *testing.T) {
	total := MustParse("100.00", "USD")

	assert.Equal(t, "33.33", total.DivideInt(3).Amount())
	assert.True(t, total.DivideInt(0).IsZero())
	assert.True(t, total.DivideInt(-2).IsZero())
	assert.Equal(t, "USD", total.DivideInt(0).Currency())
}

func TestMoney_JSON(t *testing.T) {
	m := MustParse("1234.5", "cad")

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"1234.50","currency":"CAD"}`, string(data))

	var back Money
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, m.Equal(back))
}

func TestMoney_String(t *testing.T) {
	assert.Equal(t, "7.00 GBP", MustParse("7", "GBP").String())
}

func TestDivideInt_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("average times count stays within rounding of the total", prop.ForAll(
		func(cents int64, n int64) bool {
			total := Money{amount: decimal.New(cents, -2), currency: "USD"}
			avg := total.DivideInt(n)
			back := avg.Decimal().Mul(decimal.NewFromInt(n))
			diff := back.Sub(total.Decimal()).Abs()
			// Each part is off by at most half a cent.
			return diff.LessThanOrEqual(decimal.New(n, -2).Div(decimal.NewFromInt(2)))
		},
		gen.Int64Range(0, 10_000_000),
		gen.Int64Range(1, 500),
	))

	properties.Property("division by zero never panics and yields zero", prop.ForAll(
		func(cents int64) bool {
			return Money{amount: decimal.New(cents, -2), currency: "USD"}.DivideInt(0).IsZero()
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}
