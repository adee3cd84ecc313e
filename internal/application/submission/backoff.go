package submission

import (
	"math/rand/v2"
	"time"
)

// Backoff calcula min(Max, Base·2^n) con jitter multiplicativo ±Jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand devuelve un valor en [0,1). nil usa math/rand/v2.
	Rand func() float64
}

// Delay espera para el intento n (n = intentos ya fallidos en la fase).
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := b.Max
	if n < 62 && b.Base <= b.Max>>uint(n) {
		d = b.Base << uint(n)
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	factor := 1 + (r()*2-1)*b.Jitter
	return time.Duration(float64(d) * factor)
}

// Extended espera para respuestas sin información: el doble, acotado a Max.
func (b Backoff) Extended(n int) time.Duration {
	d := 2 * b.Delay(n)
	if d > b.Max {
		return b.Max
	}
	return d
}
