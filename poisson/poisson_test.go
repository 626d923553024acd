package poisson

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDelaysLastHopZero(t *testing.T) {
	delays := Delays(10.0, 4)
	assert.Len(t, delays, 4)
	assert.Equal(t, float64(0), delays[3])
}

func TestFountProducesNonNegativeIntervals(t *testing.T) {
	f := New(5.0)
	for i := 0; i < 1000; i++ {
		assert.GreaterOrEqual(t, f.Next(), float64(0))
	}
}

func TestNewFromAverageDelayPositiveLambda(t *testing.T) {
	f := NewFromAverageDelay(0)
	assert.Greater(t, f.lambda, float64(0))
}
