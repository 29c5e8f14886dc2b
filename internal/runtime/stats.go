package runtime

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/fleetgate/internal/runtime/errors"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// DestinationStats summarises the calls routed to one destination.
type DestinationStats struct {
	mu sync.Mutex `json:"-"`

	Destination     string    `json:"destination"`
	Calls           uint64    `json:"calls"`
	Failures        uint64    `json:"failures"`
	TotalCallTimeNs int64     `json:"totalCallTimeNs"`
	LastCallAt      time.Time `json:"lastCallAt"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"averageNs"`
	P50Ns      int64 `json:"p50Ns"`
	P95Ns      int64 `json:"p95Ns"`
	P99Ns      int64 `json:"p99Ns"`
	LastNs     int64 `json:"lastNs"`
	SampleSize int   `json:"sampleSize"`
}

type ThroughputMetrics struct {
	CurrentRPS    float64 `json:"currentRps"`
	WindowSeconds float64 `json:"windowSeconds"`
	CallsInWindow uint64  `json:"callsInWindow"`
	TotalCalls    uint64  `json:"totalCalls"`
}

// ErrorBreakdown counts failed calls by error kind.
type ErrorBreakdown struct {
	Routing            uint64 `json:"routing"`
	CircuitOpen        uint64 `json:"circuitOpen"`
	ServiceUnavailable uint64 `json:"serviceUnavailable"`
	Timeout            uint64 `json:"timeout"`
	Service            uint64 `json:"service"`
	Transport          uint64 `json:"transport"`
	Other              uint64 `json:"other"`
	LastError          string `json:"lastError,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpuPercent"`
	MemoryBytes uint64  `json:"memoryBytes"`
	Goroutines  int     `json:"goroutines"`
}

func newDestinationStatsEntry(destination string) *DestinationStats {
	return &DestinationStats{
		Destination:      destination,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (d *DestinationStats) onCallFinish(duration time.Duration, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Calls++
	if err != nil {
		d.Failures++
	}
	d.TotalCallTimeNs += int64(duration)
	d.LastCallAt = time.Now().UTC()

	if d.latencyWindow != nil {
		d.latencyWindow.Add(duration)
		snapshot := d.latencyWindow.Snapshot()
		snapshot.LastNs = int64(duration)
		if d.Calls > 0 {
			snapshot.AverageNs = d.TotalCallTimeNs / int64(d.Calls)
		}
		d.Latency = snapshot
	}

	if d.throughputWindow != nil {
		snapshot := d.throughputWindow.AddAndSnapshot(time.Now())
		d.Throughput.CurrentRPS = snapshot.CurrentRPS
		d.Throughput.WindowSeconds = snapshot.WindowSeconds
		d.Throughput.CallsInWindow = uint64(snapshot.Count)
	}
	d.Throughput.TotalCalls = d.Calls

	d.Errors.Record(err)
}

func (d *DestinationStats) MarshalJSON() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	type Alias DestinationStats
	return json.Marshal((*Alias)(d))
}

// Record counts err under its kind. A nil error is ignored.
func (e *ErrorBreakdown) Record(err error) {
	if err == nil {
		return
	}
	switch errspkg.KindOf(err) {
	case errspkg.KindRouting:
		e.Routing++
	case errspkg.KindCircuitOpen:
		e.CircuitOpen++
	case errspkg.KindServiceUnavailable:
		e.ServiceUnavailable++
	case errspkg.KindTimeout:
		e.Timeout++
	case errspkg.KindService:
		e.Service++
	case errspkg.KindTransport:
		e.Transport++
	default:
		e.Other++
	}
	e.LastError = err.Error()
}

// destinationStats indexes DestinationStats by destination.
type destinationStats struct {
	mu      sync.RWMutex
	entries map[string]*DestinationStats
}

func newDestinationStats() *destinationStats {
	return &destinationStats{entries: make(map[string]*DestinationStats)}
}

func (s *destinationStats) get(destination string) *DestinationStats {
	s.mu.RLock()
	entry, ok := s.entries[destination]
	s.mu.RUnlock()
	if ok {
		return entry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok = s.entries[destination]; !ok {
		entry = newDestinationStatsEntry(destination)
		s.entries[destination] = entry
	}
	return entry
}

func (s *destinationStats) record(destination string, err error, duration time.Duration) {
	if destination == "" {
		return
	}
	s.get(destination).onCallFinish(duration, err)
}

// list returns the entries sorted by destination.
func (s *destinationStats) list() []*DestinationStats {
	s.mu.RLock()
	out := make([]*DestinationStats, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if tw == nil || len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if tw == nil || len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
