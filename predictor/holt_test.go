package predictor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHoltConvergesOnSteadyRate(t *testing.T) {
	h := NewHolt()

	// Three consecutive 1000 B/s samples from uninitialized state.
	h.Observe(1000)
	assert.False(t, h.IsStable(), "stable after 1 sample")
	h.Observe(1000)
	assert.False(t, h.IsStable(), "stable after 2 samples")
	h.Observe(1000)
	assert.True(t, h.IsStable(), "not stable after 3 samples")

	assert.InDelta(t, 1000.0, h.Forecast(1), 1.0)
}

func TestHoltUninitializedForecastIsZero(t *testing.T) {
	h := NewHolt()
	assert.Equal(t, 0.0, h.Forecast(1))
	assert.False(t, h.IsStable())

	lo, hi := h.Bounds(1)
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 0.0, hi)
}

func TestHoltTracksTrend(t *testing.T) {
	h := NewHolt()
	for _, s := range []float64{1000, 2000, 3000, 4000, 5000} {
		h.Observe(s)
	}

	// A steadily rising rate should forecast above the last sample.
	assert.Greater(t, h.Forecast(1), 5000.0)
	// And further steps project further out.
	assert.Greater(t, h.Forecast(3), h.Forecast(1))
}

func TestHoltForecastFlooredAtZero(t *testing.T) {
	h := NewHolt()
	for _, s := range []float64{5000, 3000, 1000, 100, 0, 0} {
		h.Observe(s)
	}
	assert.GreaterOrEqual(t, h.Forecast(5), 0.0)
}

func TestHoltNegativeSampleClamped(t *testing.T) {
	h := NewHolt()
	h.Observe(-50)
	h.Observe(-50)
	assert.Equal(t, 0.0, h.Forecast(1))
}

func TestHoltBoundsWidenWithNoise(t *testing.T) {
	steady := NewHolt()
	noisy := NewHolt()

	for i := 0; i < 20; i++ {
		steady.Observe(1000)
		if i%2 == 0 {
			noisy.Observe(200)
		} else {
			noisy.Observe(1800)
		}
	}

	sLo, sHi := steady.Bounds(1)
	nLo, nHi := noisy.Bounds(1)
	assert.Less(t, sHi-sLo, nHi-nLo, "noisy samples should widen the bounds")
	assert.GreaterOrEqual(t, nLo, 0.0, "lower bound never negative")

	// Steady input keeps the interval tight around the forecast.
	f := steady.Forecast(1)
	assert.InDelta(t, f, sLo, 10.0)
	assert.InDelta(t, f, sHi, 10.0)
}

func TestHoltReset(t *testing.T) {
	h := NewHolt()
	for i := 0; i < 5; i++ {
		h.Observe(1000)
	}
	require.True(t, h.IsStable())

	h.Reset()
	assert.False(t, h.IsStable())
	assert.Equal(t, 0.0, h.Forecast(1))
	assert.Equal(t, 0, h.Samples())
}

func TestHoltConfigFallbacks(t *testing.T) {
	h := NewHoltWithConfig(Config{Alpha: -1, Beta: 2, WindowSize: 0, MinSamples: 0})
	h.Observe(500)
	h.Observe(500)
	h.Observe(500)
	assert.True(t, h.IsStable())
	assert.InDelta(t, 500.0, h.Forecast(1), 1.0)
}

type mockTimeProvider struct {
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time                  { return m.currentTime }
func (m *mockTimeProvider) Since(t time.Time) time.Duration { return m.currentTime.Sub(t) }
func (m *mockTimeProvider) advance(d time.Duration)         { m.currentTime = m.currentTime.Add(d) }

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestMeterFlushesOncePerInterval(t *testing.T) {
	tp := newMockTimeProvider()
	h := NewHolt()
	m := NewMeter(h, time.Second)
	m.SetTimeProvider(tp)

	// Three seconds of 1000 B/s in bursty arrivals.
	for i := 0; i < 3; i++ {
		m.Add(600)
		tp.advance(500 * time.Millisecond)
		m.Add(400)
		tp.advance(500 * time.Millisecond)
		m.Poll()
	}

	require.True(t, h.IsStable())
	assert.InDelta(t, 1000.0, m.Rate(), 50.0)
}

func TestMeterETA(t *testing.T) {
	tp := newMockTimeProvider()
	h := NewHolt()
	m := NewMeter(h, time.Second)
	m.SetTimeProvider(tp)

	for i := 0; i < 4; i++ {
		m.Add(1000)
		tp.advance(time.Second)
		m.Poll()
	}

	eta := m.ETA(10000)
	assert.InDelta(t, float64(10*time.Second), float64(eta), float64(time.Second))
}

func TestMeterETAUnstableIsZero(t *testing.T) {
	m := NewMeter(NewHolt(), time.Second)
	assert.Equal(t, time.Duration(0), m.ETA(1<<20))
}

func TestMeterSubIntervalArrivalsAccumulate(t *testing.T) {
	tp := newMockTimeProvider()
	h := NewHolt()
	m := NewMeter(h, time.Second)
	m.SetTimeProvider(tp)

	// Ten arrivals inside one interval must produce one sample, not ten.
	for i := 0; i < 10; i++ {
		m.Add(100)
		tp.advance(100 * time.Millisecond)
	}
	m.Poll()

	assert.Equal(t, 1, h.Samples())
	assert.InDelta(t, 1000.0, h.Forecast(1), 50.0)
}
