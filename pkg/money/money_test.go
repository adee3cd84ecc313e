package money_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/fiscal-sri/pkg/money"
)

func TestFromString_RechazaPrecisionExcedida(t *testing.T) {
	_, err := money.FromString("1.005", 2)
	require.ErrorIs(t, err, money.ErrInvalidAmount)

	_, err = money.FromString("abc", 2)
	require.ErrorIs(t, err, money.ErrInvalidAmount)

	_, err = money.FromString("1", 7)
	require.ErrorIs(t, err, money.ErrInvalidAmount)

	m, err := money.FromString("3", 2)
	require.NoError(t, err)
	assert.Equal(t, "3.00", m.String())
}

func TestMulByRate_RedondeaHalfAwayFromZero(t *testing.T) {
	cases := []struct {
		amount, rate, want string
	}{
		{"12.99", "0.12", "1.56"}, // 1.5588
		{"7.77", "0.12", "0.93"},  // 0.9324
		{"0.125", "1", "0.13"},    // mitad exacta hacia arriba
		{"-0.125", "1", "-0.13"},  // mitad exacta lejos de cero
		{"10.00", "0", "0.00"},
	}
	for _, tc := range cases {
		a := money.MustParse(tc.amount, 3)
		r := money.MustParse(tc.rate, 6)
		got, err := a.MulByRate(r, 2)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got.String(), "%s × %s", tc.amount, tc.rate)
	}
}

func TestPercentToRate_DesplazaComa(t *testing.T) {
	rate := money.PercentToRate(money.MustParse("12.00", 2))
	assert.Equal(t, "0.1200", rate.String())
	assert.Equal(t, int32(4), rate.Scale())
}

func TestAddSub_AlineaEscalas(t *testing.T) {
	a := money.MustParse("1.5", 1)
	b := money.MustParse("0.25", 2)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, "1.75", sum.String())

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, "1.25", diff.String())

	assert.True(t, money.MustParse("1.50", 2).Equal(a), "igualdad tras alinear escalas")
	assert.Equal(t, 1, a.Cmp(b))
	assert.Equal(t, -1, b.Cmp(a))
	assert.Equal(t, "-1.5", a.Neg().String())
}

func TestOverflow_FallaRuidosamente(t *testing.T) {
	big := money.MustParse("92233720368547758.07", 2) // MaxInt64 escalado
	_, err := big.Add(money.MustParse("0.01", 2))
	require.ErrorIs(t, err, money.ErrArithmeticOverflow)

	_, err = big.MulByRate(money.MustParse("2", 0), 2)
	require.ErrorIs(t, err, money.ErrArithmeticOverflow)

	_, err = money.FromString("9"+strings.Repeat("0", 30), 0)
	require.ErrorIs(t, err, money.ErrArithmeticOverflow)
}

func TestStringScale_SinSeparadorDeMiles(t *testing.T) {
	m := money.MustParse("1234567.891", 3)
	assert.Equal(t, "1234567.89", m.StringScale(2))
	assert.Equal(t, "0.00", money.Zero(2).String())
}

func TestSum(t *testing.T) {
	total, err := money.Sum(2,
		money.MustParse("12.99", 2),
		money.MustParse("1.56", 2),
		money.MustParse("7.77", 2),
		money.MustParse("0.93", 2),
	)
	require.NoError(t, err)
	assert.Equal(t, "23.25", total.String())
}
