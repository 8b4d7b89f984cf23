package client

import (
	"sync"
	"time"
)

const (
	DefaultSpeedAlpha     = 0.3
	DefaultSampleInterval = 500 * time.Millisecond
)

// SpeedMeter smooths the transfer rate with an exponentially weighted moving
// average of per-interval rates.
type SpeedMeter struct {
	mu       sync.Mutex
	alpha    float64
	interval time.Duration
	rate     float64
	primed   bool
	start    time.Time
	bytes    int64
}

func NewSpeedMeter(alpha float64, interval time.Duration) *SpeedMeter {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultSpeedAlpha
	}
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &SpeedMeter{alpha: alpha, interval: interval}
}

// Add records n bytes transferred at now. It reports whether the smoothed
// rate was updated.
func (m *SpeedMeter) Add(n int64, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.start.IsZero() {
		m.start = now
	}
	m.bytes += n
	elapsed := now.Sub(m.start)
	if elapsed < m.interval {
		return false
	}
	sample := float64(m.bytes) / elapsed.Seconds()
	if m.primed {
		m.rate = m.alpha*sample + (1-m.alpha)*m.rate
	} else {
		m.rate = sample
		m.primed = true
	}
	m.start = now
	m.bytes = 0
	return true
}

// Rate returns the smoothed rate in bytes per second.
func (m *SpeedMeter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

// ETA returns the time left for remaining bytes at rate, or 0 when the rate
// is unknown.
func ETA(remaining int64, rate float64) time.Duration {
	if rate <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / rate * float64(time.Second))
}
