package submission_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jhoicas/fiscal-sri/internal/application/submission"
)

func fixed(v float64) func() float64 { return func() float64 { return v } }

func TestBackoff_DuplicaHastaElTope(t *testing.T) {
	b := submission.Backoff{Base: 5 * time.Second, Max: 10 * time.Minute, Rand: fixed(0.5)}

	assert.Equal(t, 5*time.Second, b.Delay(0))
	assert.Equal(t, 10*time.Second, b.Delay(1))
	assert.Equal(t, 40*time.Second, b.Delay(3))
	assert.Equal(t, 320*time.Second, b.Delay(6))
	assert.Equal(t, 10*time.Minute, b.Delay(7))
	assert.Equal(t, 10*time.Minute, b.Delay(200))
	assert.Equal(t, 5*time.Second, b.Delay(-3))
}

func TestBackoff_JitterAcotado(t *testing.T) {
	base := submission.Backoff{Base: 10 * time.Second, Max: time.Hour, Jitter: 0.2}

	low := base
	low.Rand = fixed(0)
	high := base
	high.Rand = fixed(0.999999)

	assert.Equal(t, 8*time.Second, low.Delay(0))
	assert.InDelta(t, float64(12*time.Second), float64(high.Delay(0)), float64(time.Millisecond))

	for i := 0; i < 200; i++ {
		d := base.Delay(2)
		assert.GreaterOrEqual(t, d, 32*time.Second)
		assert.LessOrEqual(t, d, 48*time.Second)
	}
}

func TestBackoff_Extended(t *testing.T) {
	b := submission.Backoff{Base: 5 * time.Second, Max: time.Minute, Rand: fixed(0.5)}

	assert.Equal(t, 10*time.Second, b.Extended(0))
	assert.Equal(t, 40*time.Second, b.Extended(2))
	assert.Equal(t, time.Minute, b.Extended(3))
}
