// Package metrics tracks relay throughput and per-request timing marks.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	tokenWindow = 10 * time.Second
	maxSamples  = 1000
)

// Timing holds the observability marks of one chat request.
type Timing struct {
	Start        time.Time
	BackendStart time.Time
	FirstToken   time.Time
	End          time.Time
	Chunks       int64
}

// StartTiming opens a Timing at the current instant.
func StartTiming() *Timing {
	return &Timing{Start: time.Now()}
}

// MarkBackend records when the backend answered with a stream.
func (t *Timing) MarkBackend() {
	t.BackendStart = time.Now()
}

// MarkChunk records one forwarded chunk.
func (t *Timing) MarkChunk() {
	if t.Chunks == 0 {
		t.FirstToken = time.Now()
	}
	t.Chunks++
}

// Finish closes the Timing.
func (t *Timing) Finish() {
	t.End = time.Now()
}

// Elapsed is the full request duration, or the running duration if unfinished.
func (t *Timing) Elapsed() time.Duration {
	if t.End.IsZero() {
		return time.Since(t.Start)
	}
	return t.End.Sub(t.Start)
}

// TTFT is time from request start to the first forwarded chunk.
func (t *Timing) TTFT() time.Duration {
	if t.FirstToken.IsZero() {
		return 0
	}
	return t.FirstToken.Sub(t.Start)
}

// TPOT is the mean gap between chunks after the first.
func (t *Timing) TPOT() time.Duration {
	if t.Chunks < 2 || t.End.IsZero() {
		return 0
	}
	return t.End.Sub(t.FirstToken) / time.Duration(t.Chunks-1)
}

// Snapshot is a point-in-time view of gateway metrics.
type Snapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	ActiveRequests  int64   `json:"active_requests"`
	FailedRequests  int64   `json:"failed_requests"`
	ChunksForwarded int64   `json:"chunks_forwarded"`
	ChunksPerSecond float64 `json:"chunks_per_second"`
	AvgTTFT         float64 `json:"avg_ttft_ms"`
	AvgTPOT         float64 `json:"avg_tpot_ms"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// Collector is a thread-safe metrics store.
type Collector struct {
	startTime time.Time

	totalRequests  atomic.Int64
	activeRequests atomic.Int64
	failedRequests atomic.Int64
	chunksTotal    atomic.Int64

	mu          sync.Mutex
	chunkEvents []chunkEvent
	ttftSamples []float64
	tpotSamples []float64
}

type chunkEvent struct {
	at    time.Time
	count int64
}

// NewCollector creates a Collector.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// RequestStart counts a request and marks it active. Defer the returned func.
func (c *Collector) RequestStart() func() {
	c.totalRequests.Add(1)
	c.activeRequests.Add(1)
	return func() {
		c.activeRequests.Add(-1)
	}
}

// RecordFailure counts a request that ended in an error event.
func (c *Collector) RecordFailure() {
	c.failedRequests.Add(1)
}

// RecordStream folds a finished request's timing into the rolling stats.
func (c *Collector) RecordStream(t *Timing) {
	c.chunksTotal.Add(t.Chunks)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.chunkEvents = append(c.chunkEvents, chunkEvent{at: now, count: t.Chunks})
	if ttft := t.TTFT(); ttft > 0 {
		c.ttftSamples = appendCapped(c.ttftSamples, float64(ttft.Milliseconds()))
	}
	if tpot := t.TPOT(); tpot > 0 {
		c.tpotSamples = appendCapped(c.tpotSamples, float64(tpot.Microseconds())/1000)
	}
	c.pruneLocked(now)
}

// Snapshot returns current metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.pruneLocked(now)

	var windowChunks int64
	for _, ev := range c.chunkEvents {
		windowChunks += ev.count
	}
	rate := 0.0
	if len(c.chunkEvents) > 0 {
		rate = float64(windowChunks) / tokenWindow.Seconds()
	}

	return Snapshot{
		TotalRequests:   c.totalRequests.Load(),
		ActiveRequests:  c.activeRequests.Load(),
		FailedRequests:  c.failedRequests.Load(),
		ChunksForwarded: c.chunksTotal.Load(),
		ChunksPerSecond: rate,
		AvgTTFT:         average(c.ttftSamples),
		AvgTPOT:         average(c.tpotSamples),
		UptimeSeconds:   now.Sub(c.startTime).Seconds(),
	}
}

func (c *Collector) pruneLocked(now time.Time) {
	cutoff := now.Add(-tokenWindow)
	for len(c.chunkEvents) > 0 && c.chunkEvents[0].at.Before(cutoff) {
		c.chunkEvents = c.chunkEvents[1:]
	}
}

func appendCapped(samples []float64, v float64) []float64 {
	samples = append(samples, v)
	if len(samples) > maxSamples {
		samples = samples[len(samples)-maxSamples:]
	}
	return samples
}

func average(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
