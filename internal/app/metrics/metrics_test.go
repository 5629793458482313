package metrics

import (
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestRecordExecutionMetrics(t *testing.T) {
	RecordExecution("finra.otc.ingest_week", "normal", "completed", 250*time.Millisecond)

	if !metricCounterGreaterOrEqual(t, "market_spine_dispatcher_executions_total", map[string]string{
		"pipeline": "finra.otc.ingest_week",
		"lane":     "normal",
		"status":   "completed",
	}, 1) {
		t.Fatalf("expected execution counter to increment")
	}

	if !metricHistogramCountGreaterOrEqual(t, "market_spine_dispatcher_execution_duration_seconds", map[string]string{
		"pipeline": "finra.otc.ingest_week",
		"lane":     "normal",
	}, 1) {
		t.Fatalf("expected execution duration histogram to record samples")
	}
}

func TestRecordQueueAndAlertMetrics(t *testing.T) {
	RecordWorkItemLease("finra.otc_transparency")
	RecordWorkItemSettled("finra.otc_transparency", "COMPLETED")
	RecordWorkItemsReclaimed(2)
	RecordScheduleRun("weekly-ingest", "completed")
	RecordAlertDelivery("ops-log", "delivered")
	RecordBackfillPartition("finra.otc_transparency", "completed")

	if !metricCounterGreaterOrEqual(t, "market_spine_workqueue_items_leased_total", map[string]string{
		"domain": "finra.otc_transparency",
	}, 1) {
		t.Fatalf("expected lease counter to increment")
	}
	if !metricCounterGreaterOrEqual(t, "market_spine_alerts_deliveries_total", map[string]string{
		"channel": "ops-log",
		"status":  "delivered",
	}, 1) {
		t.Fatalf("expected delivery counter to increment")
	}
}

func TestObservationHooksRegisterLazily(t *testing.T) {
	hooks := ObservationHooks("market_spine", "testsys", "ops")
	done := hooks.OnComplete
	hooks.OnStart(nil, map[string]string{"resource": "r1"})
	done(nil, map[string]string{"resource": "r1"}, nil, 10*time.Millisecond)

	// A second request for the same key must reuse the registered collector
	// rather than panic on duplicate registration.
	again := ObservationHooks("market_spine", "testsys", "ops")
	again.OnStart(nil, map[string]string{"resource": "r1"})
	again.OnComplete(nil, map[string]string{"resource": "r1"}, nil, 10*time.Millisecond)
}

func metricCounterGreaterOrEqual(t *testing.T, name string, labels map[string]string, min float64) bool {
	t.Helper()
	m := findMetric(t, name, labels)
	if m == nil || m.Counter == nil {
		return false
	}
	return m.Counter.GetValue() >= min
}

func metricHistogramCountGreaterOrEqual(t *testing.T, name string, labels map[string]string, min uint64) bool {
	t.Helper()
	m := findMetric(t, name, labels)
	if m == nil || m.Histogram == nil {
		return false
	}
	return m.Histogram.GetSampleCount() >= min
}

func findMetric(t *testing.T, name string, labels map[string]string) *io_prometheus_client.Metric {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			if matchLabels(m, labels) {
				return m
			}
		}
	}
	return nil
}

func matchLabels(m *io_prometheus_client.Metric, labels map[string]string) bool {
	have := map[string]string{}
	for _, pair := range m.GetLabel() {
		have[pair.GetName()] = pair.GetValue()
	}
	for k, v := range labels {
		if have[k] != v {
			return false
		}
	}
	return true
}
