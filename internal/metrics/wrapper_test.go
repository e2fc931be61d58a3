package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics() (*prometheus.Registry, *Metrics) {
	registry := prometheus.NewRegistry()
	return registry, NewWithRegistry(registry)
}

func TestNewWrapper(t *testing.T) {
	_, metrics := newTestMetrics()
	wrapper := NewWrapper(metrics)

	if wrapper == nil {
		t.Fatal("NewWrapper returned nil")
	}
	if wrapper.m != metrics {
		t.Error("Wrapper does not contain correct metrics instance")
	}
}

func TestMetricsWrapper_EngineMethods(t *testing.T) {
	registry, metrics := newTestMetrics()
	wrapper := NewWrapper(metrics)

	wrapper.EngineRequestsInc()
	wrapper.EngineRequestsInc()
	wrapper.EngineFailuresInc()
	wrapper.EngineLatencyObserve(0.2)

	if v := testutil.ToFloat64(metrics.EngineRequests); v != 2 {
		t.Errorf("Expected 2 engine requests, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.EngineFailures); v != 1 {
		t.Errorf("Expected 1 engine failure, got %f", v)
	}
	if n := testutil.CollectAndCount(metrics.EngineLatency); n != 1 {
		t.Errorf("Expected 1 latency series, got %d", n)
	}
	if rate := EngineFailureRate(registry); rate != 0.5 {
		t.Errorf("Expected failure rate 0.5, got %f", rate)
	}
}

func TestEngineFailureRate_NoRequests(t *testing.T) {
	registry, _ := newTestMetrics()
	if rate := EngineFailureRate(registry); rate != 0 {
		t.Errorf("Expected failure rate 0 without requests, got %f", rate)
	}
}

func TestMetricsWrapper_SessionMethods(t *testing.T) {
	_, metrics := newTestMetrics()
	wrapper := NewWrapper(metrics)

	wrapper.ModelsTrainedInc()
	if v := testutil.ToFloat64(metrics.ModelsTrained); v != 1 {
		t.Errorf("Expected 1 trained model, got %f", v)
	}

	wrapper.PredictionsInc()
	if v := testutil.ToFloat64(metrics.Predictions); v != 1 {
		t.Errorf("Expected 1 prediction, got %f", v)
	}

	wrapper.PreconditionFailuresInc()
	if v := testutil.ToFloat64(metrics.PreconditionFailures); v != 1 {
		t.Errorf("Expected 1 precondition failure, got %f", v)
	}

	wrapper.ExplanationsInc("shap_row")
	wrapper.ExplanationsInc("shap_row")
	wrapper.ExplanationsInc("partial_dependence")
	if v := testutil.ToFloat64(metrics.Explanations.WithLabelValues("shap_row")); v != 2 {
		t.Errorf("Expected 2 shap explanations, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.Explanations.WithLabelValues("partial_dependence")); v != 1 {
		t.Errorf("Expected 1 partial dependence explanation, got %f", v)
	}

	wrapper.ChurnRateObserve(43.21)
	wrapper.OperationLatencyObserve("predict", 1.5)
	wrapper.OperationLatencyObserve("build_model", 12)
	if n := testutil.CollectAndCount(metrics.OperationLatency); n != 2 {
		t.Errorf("Expected 2 operation latency series, got %d", n)
	}
}

func TestMetricsWrapper_StorageAndAPI(t *testing.T) {
	_, metrics := newTestMetrics()
	wrapper := NewWrapper(metrics)

	wrapper.ScoresStoredAdd(1000)
	if v := testutil.ToFloat64(metrics.ScoresStored); v != 1000 {
		t.Errorf("Expected 1000 stored scores, got %f", v)
	}

	wrapper.APIRequestsInc("/customers/:row/churn", 200)
	wrapper.APIRequestsInc("/customers/:row/churn", 404)
	wrapper.APIRequestsInc("/customers/:row/churn", 200)
	if v := testutil.ToFloat64(metrics.APIRequests.WithLabelValues("/customers/:row/churn", "200")); v != 2 {
		t.Errorf("Expected 2 successful requests, got %f", v)
	}
}

func TestMetricsWrapper_ConcurrentAccess(t *testing.T) {
	_, metrics := newTestMetrics()
	wrapper := NewWrapper(metrics)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				wrapper.EngineRequestsInc()
				wrapper.EngineLatencyObserve(0.01)
				wrapper.ExplanationsInc("shap_row")
			}
		}()
	}
	wg.Wait()

	expected := 1000.0 // 10 goroutines * 100 increments
	if v := testutil.ToFloat64(metrics.EngineRequests); v != expected {
		t.Errorf("Expected %f engine requests after concurrent access, got %f", expected, v)
	}
	if v := testutil.ToFloat64(metrics.Explanations.WithLabelValues("shap_row")); v != expected {
		t.Errorf("Expected %f explanations after concurrent access, got %f", expected, v)
	}
}

func TestMetricsWrapper_NilGuard(t *testing.T) {
	wrapper := &MetricsWrapper{m: nil}

	// NewWrapper never builds a wrapper without metrics
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic when accessing nil metrics")
		}
	}()

	wrapper.PredictionsInc()
}

func TestNewWithRegistry_DuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewWithRegistry(registry)

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic on duplicate registration")
		}
	}()
	NewWithRegistry(registry)
}

func BenchmarkMetricsWrapper_EngineLatencyObserve(b *testing.B) {
	_, metrics := newTestMetrics()
	wrapper := NewWrapper(metrics)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wrapper.EngineLatencyObserve(0.01)
	}
}
