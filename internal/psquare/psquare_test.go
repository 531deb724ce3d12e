package psquare

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shuffled(n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i + 1)
	}
	r := rand.New(rand.NewPCG(1, 2))
	r.Shuffle(len(values), func(i, j int) { values[i], values[j] = values[j], values[i] })
	return values
}

func TestEstimator_accuracy(t *testing.T) {
	t.Parallel()
	for _, tc := range [...]struct {
		p    float64
		want float64
	}{
		{0.5, 5000},
		{0.9, 9000},
		{0.99, 9900},
	} {
		e := NewEstimator(tc.p)
		for _, v := range shuffled(10000) {
			e.Observe(v)
		}
		assert.Equal(t, 10000, e.Count())
		assert.InDelta(t, tc.want, e.Value(), 10000*0.02, `p=%v`, tc.p)
	}
}

func TestEstimator_fewObservations(t *testing.T) {
	t.Parallel()
	e := NewEstimator(0.5)
	assert.Zero(t, e.Value())
	e.Observe(30)
	assert.Equal(t, 30.0, e.Value())
	e.Observe(10)
	e.Observe(20)
	assert.Equal(t, 20.0, e.Value())
}

func TestNewEstimator_clamps(t *testing.T) {
	assert.Equal(t, 0.0, NewEstimator(-1).P())
	assert.Equal(t, 1.0, NewEstimator(2).P())
}

func TestSummary(t *testing.T) {
	t.Parallel()
	s := NewSummary(0.5, 0.99)
	assert.Equal(t, []float64{0.5, 0.99}, s.Quantiles())
	assert.Zero(t, s.Mean())

	for _, v := range shuffled(1000) {
		s.Observe(time.Duration(v) * time.Microsecond)
	}

	assert.Equal(t, 1000, s.Count())
	assert.Equal(t, time.Microsecond, s.Min())
	assert.Equal(t, 1000*time.Microsecond, s.Max())
	assert.Equal(t, 500500*time.Microsecond, s.Sum())
	assert.Equal(t, 500500*time.Nanosecond, s.Mean())

	p50, ok := s.Quantile(0.5)
	require.True(t, ok)
	assert.InDelta(t, float64(500*time.Microsecond), float64(p50), float64(30*time.Microsecond))

	_, ok = s.Quantile(0.75)
	assert.False(t, ok)

	s.Reset()
	assert.Zero(t, s.Count())
	assert.Zero(t, s.Max())
	p50, ok = s.Quantile(0.5)
	assert.True(t, ok)
	assert.Zero(t, p50)
}
