package microhttp

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a point-in-time snapshot of event loop statistics, aggregated
// across shards. Enabled via WithMetrics.
type Metrics struct {
	// Connections accepted and registered with a shard.
	Accepted uint64
	// Connections closed, for any reason.
	Closed uint64
	// Requests fully parsed and dispatched to the handler.
	Requests uint64
	// Requests dispatched directly after a response, without polling.
	Pipelined uint64
	// Responses fully written.
	Responses   uint64
	Timeouts    uint64
	Oversized   uint64
	Malformed   uint64
	RateLimited uint64
	// Active is the number of live connections.
	Active int64

	// Latency measures from request dispatch until the response is written.
	Latency LatencyMetrics
}

// LatencyMetrics tracks latency distribution with percentiles.
type LatencyMetrics struct {
	sampleIdx   int
	sampleCount int
	samples     [sampleSize]time.Duration

	// Computed percentiles (cached after Sample() call)
	P50 time.Duration
	P90 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration

	// Statistics
	Mean time.Duration
	Sum  time.Duration
	mu   sync.RWMutex
}

// sampleSize is the maximum number of latency samples to retain.
const sampleSize = 1000

// Record records a latency sample.
func (l *LatencyMetrics) Record(duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// If buffer is full, subtract the old sample that we're replacing
	if l.sampleCount >= sampleSize {
		l.Sum -= l.samples[l.sampleIdx]
	}

	l.samples[l.sampleIdx] = duration
	l.Sum += duration
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

// Sample computes percentiles from collected samples, returning the number
// of samples used.
func (l *LatencyMetrics) Sample() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sampleLocked()
}

func (l *LatencyMetrics) sampleLocked() int {
	count := l.sampleCount
	if count == 0 {
		return 0
	}

	sorted := slices.Clone(l.samples[:count])
	slices.Sort(sorted)

	l.P50 = sorted[percentileIndex(count, 50)]
	l.P90 = sorted[percentileIndex(count, 90)]
	l.P95 = sorted[percentileIndex(count, 95)]
	l.P99 = sorted[percentileIndex(count, 99)]
	l.Max = sorted[count-1]
	l.Mean = l.Sum / time.Duration(count)

	return count
}

// merge adds every retained sample of other into l.
func (l *LatencyMetrics) merge(other *LatencyMetrics) {
	other.mu.RLock()
	samples := slices.Clone(other.samples[:other.sampleCount])
	other.mu.RUnlock()
	for _, d := range samples {
		l.Record(d)
	}
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

type metricKind int

const (
	metricAccepted metricKind = iota
	metricClosed
	metricRequests
	metricPipelined
	metricResponses
	metricTimeouts
	metricOversized
	metricMalformed
	metricRateLimited
	numMetricKinds
)

// shardMetrics is the per-shard collector. All methods are safe to call on
// a nil receiver, which records nothing.
type shardMetrics struct {
	latency  LatencyMetrics
	counters [numMetricKinds]atomic.Uint64
}

func (m *shardMetrics) inc(k metricKind) {
	if m != nil {
		m.counters[k].Add(1)
	}
}

func (m *shardMetrics) recordLatency(d time.Duration) {
	if m != nil {
		m.latency.Record(d)
	}
}

// addTo accumulates the counters of m into out.
func (m *shardMetrics) addTo(out *Metrics) {
	out.Accepted += m.counters[metricAccepted].Load()
	out.Closed += m.counters[metricClosed].Load()
	out.Requests += m.counters[metricRequests].Load()
	out.Pipelined += m.counters[metricPipelined].Load()
	out.Responses += m.counters[metricResponses].Load()
	out.Timeouts += m.counters[metricTimeouts].Load()
	out.Oversized += m.counters[metricOversized].Load()
	out.Malformed += m.counters[metricMalformed].Load()
	out.RateLimited += m.counters[metricRateLimited].Load()
	out.Latency.merge(&m.latency)
}
