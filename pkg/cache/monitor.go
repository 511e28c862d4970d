package cache

import (
	"context"
	"sync"
	"time"

	"github.com/tutor-mesh/tutor-mesh/pkg/observability"
	"github.com/tutor-mesh/tutor-mesh/pkg/resilience"
)

// MonitorConfig configures the performance monitor
type MonitorConfig struct {
	// Interval between snapshot collections
	Interval time.Duration `json:"interval"`

	// HitRateTargets are per-service targets; services below target raise
	// an advisory alert. DefaultHitRateTarget applies to services without
	// an explicit entry.
	HitRateTargets       map[ServiceType]float64 `json:"hit_rate_targets"`
	DefaultHitRateTarget float64                 `json:"default_hit_rate_target"`

	// MinRequestsForAlert suppresses hit-rate alerts for barely used
	// services
	MinRequestsForAlert int64 `json:"min_requests_for_alert"`

	// MemoryAlertBytes raises an alert once store memory crosses it
	MemoryAlertBytes int64 `json:"memory_alert_bytes"`

	// CostSpikeFactor raises an alert when the trailing hour's upstream
	// spend, extrapolated to a day, exceeds the trailing day's spend by
	// this factor
	CostSpikeFactor float64 `json:"cost_spike_factor"`
}

// DefaultMonitorConfig returns default monitor configuration
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:             5 * time.Minute,
		DefaultHitRateTarget: 0.4,
		MinRequestsForAlert:  20,
		MemoryAlertBytes:     512 * 1024 * 1024,
		CostSpikeFactor:      2.0,
	}
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	defaults := DefaultMonitorConfig()
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.DefaultHitRateTarget <= 0 {
		c.DefaultHitRateTarget = defaults.DefaultHitRateTarget
	}
	if c.MinRequestsForAlert <= 0 {
		c.MinRequestsForAlert = defaults.MinRequestsForAlert
	}
	if c.MemoryAlertBytes <= 0 {
		c.MemoryAlertBytes = defaults.MemoryAlertBytes
	}
	if c.CostSpikeFactor <= 0 {
		c.CostSpikeFactor = defaults.CostSpikeFactor
	}
	return c
}

// Alert severities
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is an advisory signal for operators. The monitor never acts on
// alerts itself.
type Alert struct {
	Severity  string      `json:"severity"`
	Kind      string      `json:"kind"`
	Service   ServiceType `json:"service,omitempty"`
	Message   string      `json:"message"`
	Value     float64     `json:"value"`
	Threshold float64     `json:"threshold"`
}

// CostSavings breaks estimated avoided upstream spend into trailing windows
type CostSavings struct {
	Hour  float64 `json:"hour"`
	Day   float64 `json:"day"`
	Week  float64 `json:"week"`
	Month float64 `json:"month"`
}

// Report is one collected performance snapshot
type Report struct {
	Timestamp        time.Time                    `json:"timestamp"`
	OverallHitRate   float64                      `json:"overall_hit_rate"`
	TotalRequests    int64                        `json:"total_requests"`
	ServiceStats     map[ServiceType]ServiceStats `json:"service_stats"`
	StoreKeys        int64                        `json:"store_keys"`
	StoreMemoryBytes int64                        `json:"store_memory_bytes"`
	Savings          CostSavings                  `json:"savings"`
	UpstreamSpend    CostSavings                  `json:"upstream_spend"`
	Alerts           []Alert                      `json:"alerts"`
}

// DashboardSnapshot is the compact read-only view for dashboards
type DashboardSnapshot struct {
	Timestamp      time.Time                   `json:"timestamp"`
	OverallHitRate float64                     `json:"overall_hit_rate"`
	TotalRequests  int64                       `json:"total_requests"`
	CostSavedDay   float64                     `json:"cost_saved_day"`
	StoreKeys      int64                       `json:"store_keys"`
	MemoryBytes    int64                       `json:"memory_bytes"`
	ActiveAlerts   int                         `json:"active_alerts"`
	Breakers       map[string]resilience.Stats `json:"breakers,omitempty"`
}

// DetailedMetrics joins the latest report with breaker state and the
// most-hit entries
type DetailedMetrics struct {
	Report     *Report                     `json:"report"`
	Breakers   map[string]resilience.Stats `json:"breakers,omitempty"`
	TopEntries []*CacheEntry               `json:"top_entries,omitempty"`
}

// PerformanceMonitor periodically joins StatsTracker snapshots, store
// introspection, and usage history into operator-facing reports with
// threshold-triggered advisory alerts. It never mutates cache or breaker
// state.
type PerformanceMonitor struct {
	cache    *ResponseCache
	history  UsageHistory
	breakers *resilience.BreakerGroup
	config   MonitorConfig
	logger   observability.Logger

	mu     sync.RWMutex
	latest *Report

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPerformanceMonitor creates a monitor over the cache and usage history.
// History may be nil; savings windows are then zero.
func NewPerformanceMonitor(
	cache *ResponseCache,
	history UsageHistory,
	config MonitorConfig,
	logger observability.Logger,
) *PerformanceMonitor {
	if logger == nil {
		logger = observability.NewLogger("cache.monitor")
	}

	return &PerformanceMonitor{
		cache:   cache,
		history: history,
		config:  config.withDefaults(),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// WithBreakers includes the group's breaker stats in snapshots
func (m *PerformanceMonitor) WithBreakers(group *resilience.BreakerGroup) *PerformanceMonitor {
	m.breakers = group
	return m
}

// Start begins periodic collection. The first collection runs immediately.
func (m *PerformanceMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.collectAndStore(ctx)

		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.collectAndStore(ctx)
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts periodic collection
func (m *PerformanceMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *PerformanceMonitor) collectAndStore(ctx context.Context) {
	report, err := m.Collect(ctx)
	if err != nil {
		m.logger.Warn("Performance collection failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	m.mu.Lock()
	m.latest = report
	m.mu.Unlock()

	for _, alert := range report.Alerts {
		m.logger.Warn("Performance alert", map[string]interface{}{
			"severity":  alert.Severity,
			"kind":      alert.Kind,
			"service":   string(alert.Service),
			"message":   alert.Message,
			"value":     alert.Value,
			"threshold": alert.Threshold,
		})
	}
}

// Collect gathers a snapshot now, without storing it
func (m *PerformanceMonitor) Collect(ctx context.Context) (*Report, error) {
	now := time.Now()

	report := &Report{
		Timestamp:    now,
		ServiceStats: m.cache.Stats().SnapshotAll(),
	}

	totals := m.cache.Stats().Totals()
	report.OverallHitRate = totals.HitRate
	report.TotalRequests = totals.Hits + totals.Misses

	info, err := m.cache.StoreInfo(ctx)
	if err != nil {
		m.logger.Warn("Store introspection failed", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		report.StoreKeys = info.Keys
		report.StoreMemoryBytes = info.MemoryBytes
	}

	if m.history != nil {
		savings, spend, err := m.trailingWindows(ctx, now)
		if err != nil {
			m.logger.Warn("Usage history query failed", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			report.Savings = savings
			report.UpstreamSpend = spend
		}
	}

	report.Alerts = m.evaluateAlerts(report)

	return report, nil
}

// trailingWindows sums recorded cost over the trailing hour/day/week/month,
// split into hits (avoided spend) and misses (actual upstream spend)
func (m *PerformanceMonitor) trailingWindows(ctx context.Context, now time.Time) (CostSavings, CostSavings, error) {
	records, err := m.history.UsageSince(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		return CostSavings{}, CostSavings{}, err
	}

	var savings, spend CostSavings
	for _, record := range records {
		age := now.Sub(record.CreatedAt)

		target := &spend
		if record.CacheHit {
			target = &savings
		}

		target.Month += record.Cost
		if age <= 7*24*time.Hour {
			target.Week += record.Cost
		}
		if age <= 24*time.Hour {
			target.Day += record.Cost
		}
		if age <= time.Hour {
			target.Hour += record.Cost
		}
	}

	return savings, spend, nil
}

func (m *PerformanceMonitor) evaluateAlerts(report *Report) []Alert {
	alerts := make([]Alert, 0)

	for service, stats := range report.ServiceStats {
		requests := stats.Hits + stats.Misses
		if requests < m.config.MinRequestsForAlert {
			continue
		}

		target := m.config.DefaultHitRateTarget
		if t, ok := m.config.HitRateTargets[service]; ok {
			target = t
		}

		if stats.HitRate < target {
			alerts = append(alerts, Alert{
				Severity:  SeverityWarning,
				Kind:      "low_hit_rate",
				Service:   service,
				Message:   "hit rate below target; consider warming or longer TTLs",
				Value:     stats.HitRate,
				Threshold: target,
			})
		}
	}

	if report.StoreMemoryBytes > m.config.MemoryAlertBytes {
		alerts = append(alerts, Alert{
			Severity:  SeverityCritical,
			Kind:      "high_memory",
			Message:   "store memory above limit; consider eviction or shorter TTLs",
			Value:     float64(report.StoreMemoryBytes),
			Threshold: float64(m.config.MemoryAlertBytes),
		})
	}

	if report.UpstreamSpend.Day > 0 {
		projected := report.UpstreamSpend.Hour * 24
		if projected > report.UpstreamSpend.Day*m.config.CostSpikeFactor {
			alerts = append(alerts, Alert{
				Severity:  SeverityWarning,
				Kind:      "cost_spike",
				Message:   "trailing-hour upstream spend is spiking versus the daily baseline",
				Value:     projected,
				Threshold: report.UpstreamSpend.Day * m.config.CostSpikeFactor,
			})
		}
	}

	return alerts
}

// LatestReport returns the most recently collected report, or nil before the
// first collection
func (m *PerformanceMonitor) LatestReport() *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// GetStats returns current per-service cache stats
func (m *PerformanceMonitor) GetStats() map[ServiceType]ServiceStats {
	return m.cache.Stats().SnapshotAll()
}

// GetDashboardSnapshot returns the compact dashboard view built from the
// latest report
func (m *PerformanceMonitor) GetDashboardSnapshot() DashboardSnapshot {
	snapshot := DashboardSnapshot{Timestamp: time.Now()}

	if report := m.LatestReport(); report != nil {
		snapshot.Timestamp = report.Timestamp
		snapshot.OverallHitRate = report.OverallHitRate
		snapshot.TotalRequests = report.TotalRequests
		snapshot.CostSavedDay = report.Savings.Day
		snapshot.StoreKeys = report.StoreKeys
		snapshot.MemoryBytes = report.StoreMemoryBytes
		snapshot.ActiveAlerts = len(report.Alerts)
	}
	if m.breakers != nil {
		snapshot.Breakers = m.breakers.AllStats()
	}

	return snapshot
}

// GetDetailedMetrics collects a fresh report joined with breaker stats and
// the most-hit entries
func (m *PerformanceMonitor) GetDetailedMetrics(ctx context.Context) (*DetailedMetrics, error) {
	report, err := m.Collect(ctx)
	if err != nil {
		return nil, err
	}

	metrics := &DetailedMetrics{Report: report}

	if m.breakers != nil {
		metrics.Breakers = m.breakers.AllStats()
	}

	top, err := m.cache.TopEntries(ctx, 10)
	if err != nil {
		m.logger.Warn("Top entries scan failed", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		metrics.TopEntries = top
	}

	return metrics, nil
}
