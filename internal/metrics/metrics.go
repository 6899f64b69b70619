// Package metrics keeps the in-process request statistics shown on the admin
// API and mirrors them into prometheus collectors.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	DefaultMaxHistory = 1000
	DefaultMaxErrors  = 100
)

// Entry is one recorded request
type Entry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Tool       string         `json:"tool"`
	DurationMs float64        `json:"duration_ms"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ErrorEntry is one failed request in the error log
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Tool      string    `json:"tool"`
	Error     string    `json:"error"`
}

// ToolStats aggregates the requests of one tool
type ToolStats struct {
	Total         int     `json:"total"`
	Errors        int     `json:"errors"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Summary is the snapshot served by the metrics endpoint
type Summary struct {
	UptimeSeconds      float64              `json:"uptime_seconds"`
	TotalRequests      int                  `json:"total_requests"`
	SuccessfulRequests int                  `json:"successful_requests"`
	FailedRequests     int                  `json:"failed_requests"`
	SuccessRate        float64              `json:"success_rate"`
	AvgResponseTimeMs  float64              `json:"avg_response_time_ms"`
	Tools              map[string]ToolStats `json:"tools"`
}

type toolAgg struct {
	count    int
	errors   int
	duration time.Duration
}

// Recorder tracks request counts, timings and bounded request and error logs
type Recorder struct {
	mu         sync.Mutex
	start      time.Time
	total      int
	succeeded  int
	failed     int
	duration   time.Duration
	tools      map[string]*toolAgg
	history    []Entry
	errors     []ErrorEntry
	maxHistory int
	maxErrors  int
	collectors *Collectors
	now        func() time.Time
}

// Option configures a Recorder
type Option func(*Recorder)

// WithLimits bounds the request history and error log
func WithLimits(history, errors int) Option {
	return func(r *Recorder) {
		if history > 0 {
			r.maxHistory = history
		}
		if errors > 0 {
			r.maxErrors = errors
		}
	}
}

// WithCollectors mirrors every recorded request into c
func WithCollectors(c *Collectors) Option {
	return func(r *Recorder) { r.collectors = c }
}

// NewRecorder creates an empty recorder
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		maxHistory: DefaultMaxHistory,
		maxErrors:  DefaultMaxErrors,
		tools:      map[string]*toolAgg{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.start = r.now()
	return r
}

// Record adds a completed request
func (r *Recorder) Record(tool string, d time.Duration, success bool, errMsg string, metadata map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	r.duration += d
	agg, ok := r.tools[tool]
	if !ok {
		agg = &toolAgg{}
		r.tools[tool] = agg
	}
	agg.count++
	agg.duration += d

	if success {
		r.succeeded++
	} else {
		r.failed++
		agg.errors++
	}

	ts := r.now().UTC()
	r.history = append(r.history, Entry{
		Timestamp:  ts,
		Tool:       tool,
		DurationMs: round(float64(d)/float64(time.Millisecond), 2),
		Success:    success,
		Error:      errMsg,
		Metadata:   metadata,
	})
	if len(r.history) > r.maxHistory {
		r.history = append([]Entry(nil), r.history[len(r.history)-r.maxHistory:]...)
	}

	if !success && errMsg != "" {
		r.errors = append(r.errors, ErrorEntry{Timestamp: ts, Tool: tool, Error: errMsg})
		if len(r.errors) > r.maxErrors {
			r.errors = append([]ErrorEntry(nil), r.errors[len(r.errors)-r.maxErrors:]...)
		}
	}

	if r.collectors != nil {
		r.collectors.observe(tool, d, success)
	}
}

// Collectors returns the prometheus collectors, nil when none are attached
func (r *Recorder) Collectors() *Collectors {
	return r.collectors
}

// Summary returns the current totals
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{
		UptimeSeconds:      round(r.now().Sub(r.start).Seconds(), 1),
		TotalRequests:      r.total,
		SuccessfulRequests: r.succeeded,
		FailedRequests:     r.failed,
		SuccessRate:        1.0,
		Tools:              make(map[string]ToolStats, len(r.tools)),
	}
	if r.total > 0 {
		s.SuccessRate = round(float64(r.succeeded)/float64(r.total), 4)
		s.AvgResponseTimeMs = round(avgMs(r.duration, r.total), 2)
	}
	for name, agg := range r.tools {
		s.Tools[name] = ToolStats{
			Total:         agg.count,
			Errors:        agg.errors,
			AvgDurationMs: round(avgMs(agg.duration, agg.count), 2),
		}
	}
	return s
}

// ToolNames lists the tools seen so far, sorted
func (r *Recorder) ToolNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RecentRequests returns up to limit of the newest entries, oldest first
func (r *Recorder) RecentRequests(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return tail(r.history, limit)
}

// RecentErrors returns up to limit of the newest errors, oldest first
func (r *Recorder) RecentErrors(limit int) []ErrorEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return tail(r.errors, limit)
}

// Reset clears every counter and log and restarts the uptime clock
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total, r.succeeded, r.failed = 0, 0, 0
	r.duration = 0
	r.tools = map[string]*toolAgg{}
	r.history = nil
	r.errors = nil
	r.start = r.now()
}

func tail[T any](items []T, limit int) []T {
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	out := make([]T, limit)
	copy(out, items[len(items)-limit:])
	return out
}

func avgMs(total time.Duration, n int) float64 {
	if n == 0 {
		return 0
	}
	return float64(total) / float64(n) / float64(time.Millisecond)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
