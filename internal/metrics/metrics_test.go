package metrics

import (
	"fmt"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestRecorder(opts ...Option) (*Recorder, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	r := NewRecorder(opts...)
	r.now = clock.now
	r.start = clock.t
	return r, clock
}

func TestEmptySummary(t *testing.T) {
	r, _ := newTestRecorder()
	s := r.Summary()
	assert.Equal(t, 0, s.TotalRequests)
	assert.Equal(t, 1.0, s.SuccessRate)
	assert.Equal(t, 0.0, s.AvgResponseTimeMs)
	assert.Empty(t, s.Tools)
}

func TestRecordAndSummary(t *testing.T) {
	r, clock := newTestRecorder()

	r.Record("query", 100*time.Millisecond, true, "", map[string]any{"pipeline": "llm"})
	r.Record("query", 300*time.Millisecond, false, "gateway down", nil)
	r.Record("schema", 50*time.Millisecond, true, "", nil)
	clock.t = clock.t.Add(90 * time.Second)

	s := r.Summary()
	assert.Equal(t, 90.0, s.UptimeSeconds)
	assert.Equal(t, 3, s.TotalRequests)
	assert.Equal(t, 2, s.SuccessfulRequests)
	assert.Equal(t, 1, s.FailedRequests)
	assert.Equal(t, 0.6667, s.SuccessRate)
	assert.Equal(t, 150.0, s.AvgResponseTimeMs)
	assert.Equal(t, ToolStats{Total: 2, Errors: 1, AvgDurationMs: 200}, s.Tools["query"])
	assert.Equal(t, ToolStats{Total: 1, Errors: 0, AvgDurationMs: 50}, s.Tools["schema"])
	assert.Equal(t, []string{"query", "schema"}, r.ToolNames())

	recent := r.RecentRequests(50)
	require.Len(t, recent, 3)
	assert.Equal(t, "llm", recent[0].Metadata["pipeline"])
	assert.Equal(t, 300.0, recent[1].DurationMs)

	errs := r.RecentErrors(20)
	require.Len(t, errs, 1)
	assert.Equal(t, "gateway down", errs[0].Error)
}

func TestFailureWithoutMessageSkipsErrorLog(t *testing.T) {
	r, _ := newTestRecorder()
	r.Record("query", time.Millisecond, false, "", nil)
	assert.Empty(t, r.RecentErrors(10))
	assert.Equal(t, 1, r.Summary().FailedRequests)
}

func TestHistoryIsBounded(t *testing.T) {
	r, _ := newTestRecorder(WithLimits(5, 2))
	for i := 0; i < 12; i++ {
		r.Record("query", time.Millisecond, false, fmt.Sprintf("err %d", i), nil)
	}

	recent := r.RecentRequests(0)
	require.Len(t, recent, 5)
	assert.Equal(t, "err 7", recent[0].Error)
	assert.Equal(t, "err 11", recent[4].Error)

	assert.Len(t, r.RecentRequests(2), 2)
	assert.Equal(t, "err 11", r.RecentRequests(2)[1].Error)

	errs := r.RecentErrors(50)
	require.Len(t, errs, 2)
	assert.Equal(t, "err 10", errs[0].Error)

	// totals keep counting past the log bound
	assert.Equal(t, 12, r.Summary().TotalRequests)
}

func TestReset(t *testing.T) {
	r, clock := newTestRecorder()
	r.Record("query", time.Second, false, "x", nil)
	clock.t = clock.t.Add(time.Hour)

	r.Reset()
	s := r.Summary()
	assert.Equal(t, 0, s.TotalRequests)
	assert.Equal(t, 0.0, s.UptimeSeconds)
	assert.Empty(t, r.RecentRequests(10))
	assert.Empty(t, r.RecentErrors(10))
}

func TestConcurrentRecord(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Record("query", time.Millisecond, j%2 == 0, "e", nil)
				_ = r.Summary()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, r.Summary().TotalRequests)
	assert.Len(t, r.RecentRequests(0), DefaultMaxHistory)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollectors(reg)
	require.NoError(t, err)

	r := NewRecorder(WithCollectors(c))
	r.Record("query", 10*time.Millisecond, true, "", nil)
	r.Record("query", 10*time.Millisecond, false, "boom", nil)
	r.Record("query", 10*time.Millisecond, true, "", nil)
	r.Collectors().Branch("rule_based")
	r.Collectors().RateLimited()

	assert.Equal(t, 2.0, counterValue(t, reg, "pgql_requests_total", map[string]string{"tool": "query", "status": "success"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "pgql_requests_total", map[string]string{"tool": "query", "status": "error"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "pgql_pipeline_branch_total", map[string]string{"branch": "rule_based"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "pgql_rate_limited_total", nil))

	_, err = NewCollectors(reg)
	assert.Error(t, err, "registering twice fails")

	// nil collectors are a no-op
	var none *Collectors
	none.Branch("llm")
	none.RateLimited()
}

func TestHandler(t *testing.T) {
	reg := NewRegistry()
	c, err := NewCollectors(reg)
	require.NoError(t, err)
	c.Branch("llm")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `pgql_pipeline_branch_total{branch="llm"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
