// Package stats holds the shared run counters consumed by the dashboard.
// Counters are atomic; the throughput window sits behind a short mutex that
// snapshot readers copy out of, so readers never wait on in-flight workers.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWindow is the rolling span used for instantaneous throughput.
const DefaultWindow = 10 * time.Second

type sample struct {
	at    time.Time
	bytes int64
}

// Stats aggregates progress across one run. It is passed explicitly to the
// enumerator and every worker; there is no package-level instance.
type Stats struct {
	queued    atomic.Int64
	converted atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64

	start  time.Time
	window time.Duration

	mu      sync.Mutex
	samples []sample
}

// New builds a Stats with the given throughput window; zero means
// DefaultWindow.
func New(window time.Duration) *Stats {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Stats{start: time.Now(), window: window}
}

// AddQueued records n items entering the work queue.
func (s *Stats) AddQueued(n int64) { s.queued.Add(n) }

// MarkConverted records a successful conversion with its byte sizes.
func (s *Stats) MarkConverted(bytesIn, bytesOut int64) {
	s.converted.Add(1)
	s.bytesIn.Add(bytesIn)
	s.bytesOut.Add(bytesOut)
	s.record(bytesOut)
}

// MarkSkipped records an item excluded by the filter stage.
func (s *Stats) MarkSkipped() { s.skipped.Add(1) }

// MarkFailed records a terminally failed item.
func (s *Stats) MarkFailed() { s.failed.Add(1) }

func (s *Stats) record(bytes int64) {
	now := time.Now()
	s.mu.Lock()
	s.samples = append(s.samples, sample{at: now, bytes: bytes})
	s.trimLocked(now)
	s.mu.Unlock()
}

func (s *Stats) trimLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.samples) && s.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = append(s.samples[:0], s.samples[i:]...)
	}
}

// Snapshot is a consistent point-in-time view of the counters.
type Snapshot struct {
	Queued    int64
	Converted int64
	Skipped   int64
	Failed    int64
	BytesIn   int64
	BytesOut  int64
	Elapsed   time.Duration
	// Throughput is output bytes per second over the rolling window.
	Throughput float64
}

// Done returns the number of items that reached a non-failed terminal state.
func (v Snapshot) Done() int64 { return v.Converted + v.Skipped }

// Snapshot returns the current counter values and windowed throughput.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Queued:    s.queued.Load(),
		Converted: s.converted.Load(),
		Skipped:   s.skipped.Load(),
		Failed:    s.failed.Load(),
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
		Elapsed:   time.Since(s.start),
	}

	now := time.Now()
	s.mu.Lock()
	s.trimLocked(now)
	var windowBytes int64
	for _, smp := range s.samples {
		windowBytes += smp.bytes
	}
	s.mu.Unlock()

	if windowBytes > 0 {
		snap.Throughput = float64(windowBytes) / s.window.Seconds()
	}
	return snap
}
