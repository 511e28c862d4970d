package cache

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/tutor-mesh/tutor-mesh/pkg/resilience"
)

// LoadConfigFromViper loads response cache configuration from viper
func LoadConfigFromViper() (*Config, error) {
	config := DefaultConfig()

	if !viper.GetBool("cache.response.enabled") {
		return nil, fmt.Errorf("response cache is disabled in configuration")
	}

	if namespace := viper.GetString("cache.response.redis.namespace"); namespace != "" {
		config.Namespace = namespace
	}

	if version := viper.GetString("cache.response.redis.schema_version"); version != "" {
		config.SchemaVersion = version
	}

	if maxLen := viper.GetInt("cache.response.redis.max_key_length"); maxLen > 0 {
		config.MaxKeyLength = maxLen
	}

	if batch := viper.GetInt("cache.response.redis.invalidation_batch_size"); batch > 0 {
		config.InvalidationBatchSize = batch
	}

	if cost := viper.GetFloat64("cache.response.cost_per_thousand_tokens"); cost > 0 {
		config.CostPerThousandTokens = cost
	}

	if viper.GetBool("monitoring.metrics.enabled") {
		config.EnableMetrics = true
	}

	return config, nil
}

// LoadWarmerConfigFromViper loads warming configuration from viper. Returns
// nil when warming is disabled.
func LoadWarmerConfigFromViper() (*WarmerConfig, error) {
	if !viper.GetBool("cache.response.warmup.enabled") {
		return nil, nil
	}

	config := DefaultWarmerConfig()

	if service := viper.GetString("cache.response.warmup.service"); service != "" {
		config.Service = ServiceType(service)
	}

	if interval := viper.GetDuration("cache.response.warmup.interval"); interval > 0 {
		config.Interval = interval
	}

	if window := viper.GetDuration("cache.response.warmup.window"); window > 0 {
		config.Window = window
	}

	if minAccess := viper.GetInt("cache.response.warmup.min_access_count"); minAccess > 0 {
		config.MinAccessCount = minAccess
	}

	if minUsers := viper.GetInt("cache.response.warmup.min_unique_users"); minUsers > 0 {
		config.MinUniqueUsers = minUsers
	}

	if batch := viper.GetInt("cache.response.warmup.batch_size"); batch > 0 {
		config.BatchSize = batch
	}

	if delay := viper.GetDuration("cache.response.warmup.batch_delay"); delay > 0 {
		config.BatchDelay = delay
	}

	if retries := viper.GetInt("cache.response.warmup.max_retries"); retries > 0 {
		config.MaxRetries = retries
	}

	if queue := viper.GetInt("cache.response.warmup.max_queue"); queue > 0 {
		config.MaxQueue = queue
	}

	return &config, nil
}

// LoadMonitorConfigFromViper loads performance monitor configuration from
// viper
func LoadMonitorConfigFromViper() (MonitorConfig, error) {
	config := DefaultMonitorConfig()

	if interval := viper.GetDuration("monitoring.cache.interval"); interval > 0 {
		config.Interval = interval
	}

	if target := viper.GetFloat64("monitoring.cache.hit_rate_target"); target > 0 {
		if target > 1 {
			return config, fmt.Errorf("hit rate target must be in (0, 1], got %f", target)
		}
		config.DefaultHitRateTarget = target
	}

	if targets := viper.GetStringMap("monitoring.cache.hit_rate_targets"); len(targets) > 0 {
		config.HitRateTargets = make(map[ServiceType]float64, len(targets))
		for service := range targets {
			target := viper.GetFloat64("monitoring.cache.hit_rate_targets." + service)
			if target <= 0 || target > 1 {
				return config, fmt.Errorf("hit rate target for %s must be in (0, 1], got %f", service, target)
			}
			config.HitRateTargets[ServiceType(service)] = target
		}
	}

	if minRequests := viper.GetInt64("monitoring.cache.min_requests_for_alert"); minRequests > 0 {
		config.MinRequestsForAlert = minRequests
	}

	if memBytes := viper.GetInt64("monitoring.cache.memory_alert_bytes"); memBytes > 0 {
		config.MemoryAlertBytes = memBytes
	}

	if factor := viper.GetFloat64("monitoring.cache.cost_spike_factor"); factor > 0 {
		config.CostSpikeFactor = factor
	}

	return config, nil
}

// LoadBreakerSettingsFromViper loads circuit breaker settings for the named
// upstream from viper
func LoadBreakerSettingsFromViper(name string) resilience.Settings {
	settings := resilience.DefaultSettings(name)
	prefix := "resilience.circuit_breaker." + name + "."

	if threshold := viper.GetFloat64(prefix + "failure_threshold_percent"); threshold > 0 {
		settings.FailureThresholdPercent = threshold
	}

	if period := viper.GetDuration(prefix + "monitoring_period"); period > 0 {
		settings.MonitoringPeriod = period
	}

	if minimum := viper.GetInt(prefix + "minimum_requests"); minimum > 0 {
		settings.MinimumRequests = minimum
	}

	if timeout := viper.GetDuration(prefix + "reset_timeout"); timeout > 0 {
		settings.ResetTimeout = timeout
	}

	if maxRequests := viper.GetInt(prefix + "half_open_max_requests"); maxRequests > 0 {
		settings.HalfOpenMaxRequests = maxRequests
	}

	return settings
}
