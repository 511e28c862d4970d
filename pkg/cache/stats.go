package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

type serviceCounters struct {
	hits        int64
	misses      int64
	tokensSaved int64
	costSaved   float64
}

// StatsTracker keeps per-service hit/miss counters and a rolling estimate of
// tokens and upstream cost saved by hits. Counters live for the process
// lifetime and are never persisted.
//
// StatsTracker is safe for concurrent use by multiple goroutines.
type StatsTracker struct {
	mu                    sync.RWMutex
	services              map[ServiceType]*serviceCounters
	costPerThousandTokens float64
}

// NewStatsTracker creates a tracker with zeroed counters for every known
// service
func NewStatsTracker(costPerThousandTokens float64) *StatsTracker {
	if costPerThousandTokens <= 0 {
		costPerThousandTokens = DefaultConfig().CostPerThousandTokens
	}

	services := make(map[ServiceType]*serviceCounters, len(KnownServices()))
	for _, service := range KnownServices() {
		services[service] = &serviceCounters{}
	}

	return &StatsTracker{
		services:              services,
		costPerThousandTokens: costPerThousandTokens,
	}
}

func (t *StatsTracker) countersFor(service ServiceType) *serviceCounters {
	if counters, ok := t.services[service]; ok {
		return counters
	}
	counters := &serviceCounters{}
	t.services[service] = counters
	return counters
}

// RecordHit accounts for one cache hit and the upstream usage it avoided
func (t *StatsTracker) RecordHit(service ServiceType, usage Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	counters := t.countersFor(service)
	counters.hits++
	tokens := int64(usage.TotalTokens())
	counters.tokensSaved += tokens
	counters.costSaved += float64(tokens) / 1000 * t.costPerThousandTokens
}

// RecordMiss accounts for one cache miss
func (t *StatsTracker) RecordMiss(service ServiceType) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.countersFor(service).misses++
}

// Snapshot returns the stats for one service. Hit rate is 0 when the service
// has seen no requests.
func (t *StatsTracker) Snapshot(service ServiceType) ServiceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counters, ok := t.services[service]
	if !ok {
		return ServiceStats{Service: service}
	}
	return snapshotCounters(service, counters)
}

// SnapshotAll returns stats for every tracked service
func (t *StatsTracker) SnapshotAll() map[ServiceType]ServiceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := make(map[ServiceType]ServiceStats, len(t.services))
	for service, counters := range t.services {
		stats[service] = snapshotCounters(service, counters)
	}
	return stats
}

// Totals aggregates counters across every service
func (t *StatsTracker) Totals() ServiceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	totals := ServiceStats{Service: "all"}
	for _, counters := range t.services {
		totals.Hits += counters.hits
		totals.Misses += counters.misses
		totals.TokensSaved += counters.tokensSaved
		totals.CostSaved += counters.costSaved
	}
	if requests := totals.Hits + totals.Misses; requests > 0 {
		totals.HitRate = float64(totals.Hits) / float64(requests)
	}
	return totals
}

// Reset zeroes every counter
func (t *StatsTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, counters := range t.services {
		*counters = serviceCounters{}
	}
}

func snapshotCounters(service ServiceType, counters *serviceCounters) ServiceStats {
	stats := ServiceStats{
		Service:     service,
		Hits:        counters.hits,
		Misses:      counters.misses,
		TokensSaved: counters.tokensSaved,
		CostSaved:   counters.costSaved,
	}
	if requests := stats.Hits + stats.Misses; requests > 0 {
		stats.HitRate = float64(stats.Hits) / float64(requests)
	}
	return stats
}

// Export renders the stats in the requested format ("json" or "prometheus")
func (t *StatsTracker) Export(format string) ([]byte, error) {
	all := t.SnapshotAll()

	switch format {
	case "json":
		return json.MarshalIndent(all, "", "  ")
	case "prometheus":
		return t.exportPrometheus(all), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func (t *StatsTracker) exportPrometheus(all map[ServiceType]ServiceStats) []byte {
	services := make([]string, 0, len(all))
	for service := range all {
		services = append(services, string(service))
	}
	sort.Strings(services)

	out := `# HELP response_cache_hits_total Total cache hits by service
# TYPE response_cache_hits_total counter
`
	for _, service := range services {
		out += fmt.Sprintf("response_cache_hits_total{service=%q} %d\n", service, all[ServiceType(service)].Hits)
	}

	out += `
# HELP response_cache_misses_total Total cache misses by service
# TYPE response_cache_misses_total counter
`
	for _, service := range services {
		out += fmt.Sprintf("response_cache_misses_total{service=%q} %d\n", service, all[ServiceType(service)].Misses)
	}

	out += `
# HELP response_cache_hit_rate Cache hit rate by service
# TYPE response_cache_hit_rate gauge
`
	for _, service := range services {
		out += fmt.Sprintf("response_cache_hit_rate{service=%q} %f\n", service, all[ServiceType(service)].HitRate)
	}

	out += `
# HELP response_cache_cost_saved_dollars Estimated upstream cost saved by service
# TYPE response_cache_cost_saved_dollars counter
`
	for _, service := range services {
		out += fmt.Sprintf("response_cache_cost_saved_dollars{service=%q} %f\n", service, all[ServiceType(service)].CostSaved)
	}

	return []byte(out)
}
