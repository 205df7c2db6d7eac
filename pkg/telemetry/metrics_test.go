package telemetry_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/gatelimit/gatelimit/pkg/telemetry"
)

func TestObserveDecision(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := telemetry.NewCollector(telemetry.WithRegistry(reg))

	c.ObserveDecision("token_bucket", true, 2*time.Millisecond)
	c.ObserveDecision("token_bucket", true, 3*time.Millisecond)
	c.ObserveDecision("token_bucket", false, time.Millisecond)
	c.ObserveDecision("fixed_window", false, time.Millisecond)

	assertCounter(t, reg, "gatelimit_decisions_total", map[string]string{
		"algorithm": "token_bucket", "decision": "allowed",
	}, 2)
	assertCounter(t, reg, "gatelimit_decisions_total", map[string]string{
		"algorithm": "token_bucket", "decision": "denied",
	}, 1)
	assertCounter(t, reg, "gatelimit_decisions_total", map[string]string{
		"algorithm": "fixed_window", "decision": "denied",
	}, 1)
	assertHistogramCount(t, reg, "gatelimit_check_duration_seconds", map[string]string{
		"algorithm": "token_bucket",
	}, 3)
}

func TestStoreAndBreakerSignals(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := telemetry.NewCollector(telemetry.WithRegistry(reg))

	c.StoreRetry("token_bucket")
	c.StoreRetry("token_bucket")
	c.StoreError("token_bucket")
	c.BreakerState("counter-store", 2)
	c.Fallback("fail_open")

	assertCounter(t, reg, "gatelimit_store_retries_total", map[string]string{
		"script": "token_bucket",
	}, 2)
	assertCounter(t, reg, "gatelimit_store_errors_total", map[string]string{
		"script": "token_bucket",
	}, 1)
	assertGauge(t, reg, "gatelimit_breaker_state", map[string]string{
		"name": "counter-store",
	}, 2)
	assertCounter(t, reg, "gatelimit_fallback_verdicts_total", map[string]string{
		"fail_mode": "fail_open",
	}, 1)
}

func TestPipelineSignals(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := telemetry.NewCollector(telemetry.WithRegistry(reg))

	c.Resolution("api_key")
	c.EventDropped("overflow")
	c.EventsWritten(42)
	c.QueueDepth(7)
	c.CacheHit("policy")
	c.CacheMiss("policy")
	c.CacheMiss("policy")
	c.AlertFired("CRITICAL")

	assertCounter(t, reg, "gatelimit_policy_resolutions_total", map[string]string{
		"source": "api_key",
	}, 1)
	assertCounter(t, reg, "gatelimit_events_dropped_total", map[string]string{
		"cause": "overflow",
	}, 1)
	assertCounter(t, reg, "gatelimit_events_written_total", nil, 42)
	assertGauge(t, reg, "gatelimit_event_queue_depth", nil, 7)
	assertCounter(t, reg, "gatelimit_cache_hits_total", map[string]string{
		"kind": "policy",
	}, 1)
	assertCounter(t, reg, "gatelimit_cache_misses_total", map[string]string{
		"kind": "policy",
	}, 2)
	assertCounter(t, reg, "gatelimit_alerts_fired_total", map[string]string{
		"severity": "CRITICAL",
	}, 1)
}

func TestCollectorOptions(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := telemetry.NewCollector(
		telemetry.WithRegistry(reg),
		telemetry.WithNamespace("myapp"),
		telemetry.WithBuckets([]float64{.001, .01, .1}),
	)

	c.ObserveDecision("sliding_log", true, time.Millisecond)

	assertCounter(t, reg, "myapp_decisions_total", map[string]string{
		"algorithm": "sliding_log", "decision": "allowed",
	}, 1)
	assertHistogramCount(t, reg, "myapp_check_duration_seconds", map[string]string{
		"algorithm": "sliding_log",
	}, 1)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func assertCounter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string, want float64) {
	t.Helper()
	val := gatherMetricValue(t, reg, name, labels, func(m *dto.Metric) float64 {
		return m.GetCounter().GetValue()
	})
	if val != want {
		t.Errorf("%s%v = %v, want %v", name, labels, val, want)
	}
}

func assertGauge(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string, want float64) {
	t.Helper()
	val := gatherMetricValue(t, reg, name, labels, func(m *dto.Metric) float64 {
		return m.GetGauge().GetValue()
	})
	if val != want {
		t.Errorf("%s%v = %v, want %v", name, labels, val, want)
	}
}

func assertHistogramCount(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string, want uint64) {
	t.Helper()
	val := gatherMetricValue(t, reg, name, labels, func(m *dto.Metric) float64 {
		return float64(m.GetHistogram().GetSampleCount())
	})
	if uint64(val) != want {
		t.Errorf("%s%v sample_count = %v, want %v", name, labels, uint64(val), want)
	}
}

func gatherMetricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string, extract func(*dto.Metric) float64) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return extract(m)
			}
		}
	}
	if len(labels) > 0 {
		return 0
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func matchLabels(m *dto.Metric, want map[string]string) bool {
	pairs := m.GetLabel()
	if len(pairs) < len(want) {
		return false
	}
	for _, lp := range pairs {
		if v, ok := want[lp.GetName()]; ok && v != lp.GetValue() {
			return false
		}
	}
	return true
}
