package predictor

import (
	"sync"
	"time"
)

// DefaultSampleInterval is how much time must elapse before the meter
// converts accumulated bytes into one throughput sample.
const DefaultSampleInterval = time.Second

// Meter turns raw byte arrivals into per-interval throughput samples
// for a Holt smoother. Arrivals within one interval are accumulated;
// once the interval has elapsed the accumulated count is flushed as a
// single bytes-per-second sample.
type Meter struct {
	mu sync.Mutex

	holt     *Holt
	interval time.Duration
	tp       TimeProvider

	accumulated uint64
	windowStart time.Time
	started     bool
}

// NewMeter creates a meter feeding the given smoother, flushing one
// sample per interval. A non-positive interval falls back to
// DefaultSampleInterval.
func NewMeter(h *Holt, interval time.Duration) *Meter {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Meter{
		holt:     h,
		interval: interval,
		tp:       DefaultTimeProvider{},
	}
}

// SetTimeProvider sets a custom time provider for deterministic
// testing. It also resets the current sampling window.
func (m *Meter) SetTimeProvider(tp TimeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tp = tp
	m.started = false
	m.accumulated = 0
}

// Add records n bytes arriving now. If the sampling interval has
// elapsed the window is flushed into the smoother first.
func (m *Meter) Add(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.tp.Now()
	if !m.started {
		m.windowStart = now
		m.started = true
	}
	m.flushLocked(now, false)
	m.accumulated += n
}

// Poll flushes the current window if the sampling interval has
// elapsed. Call it periodically so idle periods still produce samples
// (a stalled transfer decays the forecast instead of freezing it).
func (m *Meter) Poll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.flushLocked(m.tp.Now(), false)
}

// Flush forces the current window into the smoother regardless of how
// much of the interval has elapsed. Useful at transfer completion.
func (m *Meter) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.flushLocked(m.tp.Now(), true)
}

func (m *Meter) flushLocked(now time.Time, force bool) {
	elapsed := now.Sub(m.windowStart)
	if elapsed < m.interval && !force {
		return
	}
	if elapsed <= 0 {
		return
	}
	m.holt.Observe(float64(m.accumulated) / elapsed.Seconds())
	m.accumulated = 0
	m.windowStart = now
}

// Rate returns the one-step throughput forecast in bytes per second.
func (m *Meter) Rate() float64 {
	return m.holt.Forecast(1)
}

// ETA estimates the time to transfer the remaining bytes at the
// forecast rate. It returns 0 while the smoother is still warming up
// or when the forecast rate is not positive.
func (m *Meter) ETA(remainingBytes uint64) time.Duration {
	if !m.holt.IsStable() {
		return 0
	}
	rate := m.holt.Forecast(1)
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(remainingBytes) / rate * float64(time.Second))
}

// Smoother exposes the underlying Holt smoother, mainly so callers can
// query confidence bounds.
func (m *Meter) Smoother() *Holt {
	return m.holt
}
