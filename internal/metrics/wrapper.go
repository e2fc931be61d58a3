package metrics

import "strconv"

// MetricsWrapper adapts Metrics to the narrow interfaces the session, the
// engine client and the storage layer depend on, so those packages do not
// import Prometheus.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

// h2o.Observer

func (w *MetricsWrapper) EngineRequestsInc() {
	w.m.EngineRequests.Inc()
}

func (w *MetricsWrapper) EngineFailuresInc() {
	w.m.EngineFailures.Inc()
}

func (w *MetricsWrapper) EngineLatencyObserve(v float64) {
	w.m.EngineLatency.Observe(v)
}

// ml.MetricsInterface

func (w *MetricsWrapper) ModelsTrainedInc() {
	w.m.ModelsTrained.Inc()
}

func (w *MetricsWrapper) PredictionsInc() {
	w.m.Predictions.Inc()
}

func (w *MetricsWrapper) ChurnRateObserve(v float64) {
	w.m.ChurnRates.Observe(v)
}

func (w *MetricsWrapper) ExplanationsInc(kind string) {
	w.m.Explanations.WithLabelValues(kind).Inc()
}

func (w *MetricsWrapper) PreconditionFailuresInc() {
	w.m.PreconditionFailures.Inc()
}

func (w *MetricsWrapper) OperationLatencyObserve(op string, seconds float64) {
	w.m.OperationLatency.WithLabelValues(op).Observe(seconds)
}

// storage and API

func (w *MetricsWrapper) ScoresStoredAdd(n int) {
	w.m.ScoresStored.Add(float64(n))
}

func (w *MetricsWrapper) APIRequestsInc(route string, status int) {
	w.m.APIRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
