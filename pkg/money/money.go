// Package money implementa importes de punto fijo sobre shopspring/decimal.
//
// Un Money conserva su escala (dígitos fraccionarios): 2 para importes y
// hasta 6 para tasas. Toda la aritmética es exacta; el único redondeo ocurre
// en MulByRate y en String, siempre "half away from zero".
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const (
	// AmountScale escala de los importes monetarios (USD).
	AmountScale int32 = 2
	// MaxScale escala máxima admitida (tasas y cantidades).
	MaxScale int32 = 6
)

var (
	// ErrArithmeticOverflow el valor escalado no cabe en un entero de 64 bits.
	ErrArithmeticOverflow = errors.New("money: desbordamiento aritmético")
	// ErrInvalidAmount texto no numérico, escala fuera de rango o precisión perdida.
	ErrInvalidAmount = errors.New("money: importe inválido")
)

var maxUnscaled = decimal.NewFromInt(math.MaxInt64)

// Money valor con signo de punto fijo.
type Money struct {
	d     decimal.Decimal
	scale int32
}

// Zero devuelve el cero con la escala indicada.
func Zero(scale int32) Money {
	return Money{d: decimal.Zero, scale: clampScale(scale)}
}

// FromString interpreta s ("12.99", "-0.5") con la escala indicada.
// Falla si s tiene más dígitos fraccionarios que scale: nunca redondea en la entrada.
func FromString(s string, scale int32) (Money, error) {
	if scale < 0 || scale > MaxScale {
		return Money{}, fmt.Errorf("%w: escala %d fuera de [0,%d]", ErrInvalidAmount, scale, MaxScale)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.Round(scale).Equal(d) {
		return Money{}, fmt.Errorf("%w: %q excede %d decimales", ErrInvalidAmount, s, scale)
	}
	return checked(d, scale)
}

// MustParse como FromString pero entra en pánico; uso en tests y constantes.
func MustParse(s string, scale int32) Money {
	m, err := FromString(s, scale)
	if err != nil {
		panic(err)
	}
	return m
}

// FromDecimal adapta un decimal leído de la base de datos, redondeando a scale.
func FromDecimal(d decimal.Decimal, scale int32) (Money, error) {
	scale = clampScale(scale)
	return checked(d.Round(scale), scale)
}

// Amount atajo para un importe de escala 2 desde texto.
func Amount(s string) (Money, error) { return FromString(s, AmountScale) }

// Scale escala del valor.
func (m Money) Scale() int32 { return m.scale }

// Decimal devuelve el valor subyacente (persistencia NUMERIC).
func (m Money) Decimal() decimal.Decimal { return m.d }

// Add suma exacta; la escala del resultado es la mayor de ambas.
func (m Money) Add(o Money) (Money, error) {
	return checked(m.d.Add(o.d), max(m.scale, o.scale))
}

// Sub resta exacta.
func (m Money) Sub(o Money) (Money, error) {
	return checked(m.d.Sub(o.d), max(m.scale, o.scale))
}

// Neg cambia el signo.
func (m Money) Neg() Money {
	return Money{d: m.d.Neg(), scale: m.scale}
}

// MulByRate multiplica por rate y redondea una sola vez a resultScale.
func (m Money) MulByRate(rate Money, resultScale int32) (Money, error) {
	if resultScale < 0 || resultScale > MaxScale {
		return Money{}, fmt.Errorf("%w: escala %d fuera de [0,%d]", ErrInvalidAmount, resultScale, MaxScale)
	}
	return checked(m.d.Mul(rate.d).Round(resultScale), resultScale)
}

// PercentToRate normaliza un porcentaje (12.00) a fracción (0.1200).
// Es la única "división" permitida y se hace desplazando la coma.
func PercentToRate(percent Money) Money {
	return Money{d: percent.d.Shift(-2), scale: percent.scale + 2}
}

// Cmp compara alineando escalas: -1, 0 o 1.
func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }

// Equal igualdad de la representación escalada tras alinear escalas.
func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }

// IsZero indica si el valor es cero.
func (m Money) IsZero() bool { return m.d.IsZero() }

// IsNegative indica si el valor es menor que cero.
func (m Money) IsNegative() bool { return m.d.IsNegative() }

// IsPositive indica si el valor es mayor que cero.
func (m Money) IsPositive() bool { return m.d.IsPositive() }

// String representa el valor con su propia escala.
func (m Money) String() string { return m.d.StringFixed(m.scale) }

// StringScale representa el valor con scale decimales, punto como separador y
// sin separador de miles. Redondea "half away from zero".
func (m Money) StringScale(scale int32) string { return m.d.StringFixed(scale) }

// MarshalText serializa con la escala propia (JSON, logs).
func (m Money) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Sum suma una lista de valores partiendo de Zero(scale).
func Sum(scale int32, values ...Money) (Money, error) {
	total := Zero(scale)
	var err error
	for _, v := range values {
		if total, err = total.Add(v); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}

func checked(d decimal.Decimal, scale int32) (Money, error) {
	if d.Shift(scale).Abs().GreaterThan(maxUnscaled) {
		return Money{}, fmt.Errorf("%w: %s", ErrArithmeticOverflow, d.String())
	}
	return Money{d: d, scale: scale}, nil
}

func clampScale(scale int32) int32 {
	if scale < 0 {
		return 0
	}
	if scale > MaxScale {
		return MaxScale
	}
	return scale
}
