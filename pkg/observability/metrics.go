package observability

import (
	"sync"
	"time"
)

// MetricsClient defines the interface for metrics collection
type MetricsClient interface {
	// Core metrics recording methods
	RecordCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordLatency(operation string, duration time.Duration)

	// Operation-specific metrics
	RecordCacheOperation(operation string, success bool, durationSeconds float64)

	// Convenience methods
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)

	// Lifecycle management
	Close() error
}

// metricsClient is an in-memory metrics client. It aggregates counters and
// gauges for inspection; exporting to an external system is the caller's
// concern.
type metricsClient struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewMetricsClient creates a new in-memory metrics client
func NewMetricsClient() MetricsClient {
	return &metricsClient{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

// RecordCounter increments a counter metric by a given value
func (m *metricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[metricKey(name, labels)] += value
}

// RecordGauge sets a gauge metric to a given value
func (m *metricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[metricKey(name, labels)] = value
}

// RecordHistogram records a histogram observation
func (m *metricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	// Aggregated as a counter of observations plus a sum gauge
	m.RecordCounter(name+"_count", 1, labels)
	m.RecordCounter(name+"_sum", value, labels)
}

// RecordLatency records the latency of an operation
func (m *metricsClient) RecordLatency(operation string, duration time.Duration) {
	m.RecordHistogram("operation_latency_seconds", duration.Seconds(), map[string]string{
		"operation": operation,
	})
}

// RecordCacheOperation records a cache operation with its outcome
func (m *metricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.RecordCounter("cache_operation_total", 1, map[string]string{
		"operation": operation,
		"status":    status,
	})
	m.RecordHistogram("cache_operation_duration_seconds", durationSeconds, map[string]string{
		"operation": operation,
	})
}

// IncrementCounter increments a counter metric without labels
func (m *metricsClient) IncrementCounter(name string, value float64) {
	m.RecordCounter(name, value, nil)
}

// IncrementCounterWithLabels increments a counter metric with custom labels
func (m *metricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.RecordCounter(name, value, labels)
}

// Close releases any resources held by the client
func (m *metricsClient) Close() error {
	return nil
}

// CounterValue returns the current value of a counter, for tests and snapshots
func (m *metricsClient) CounterValue(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[metricKey(name, labels)]
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	key := name
	// Deterministic order matters for label sets used as map keys
	for _, k := range sortedLabelKeys(labels) {
		key += "|" + k + "=" + labels[k]
	}
	return key
}

func sortedLabelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
