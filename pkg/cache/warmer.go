package cache

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tutor-mesh/tutor-mesh/pkg/observability"
)

// WarmPriority orders warm jobs within a cycle
type WarmPriority int

// Warm priorities, higher first
const (
	PriorityLow WarmPriority = iota
	PriorityMedium
	PriorityHigh
)

func (p WarmPriority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// WarmerConfig configures the cache warmer
type WarmerConfig struct {
	// Service is the content kind warmed entries are generated for
	Service ServiceType `json:"service"`

	// Interval between warm cycles
	Interval time.Duration `json:"interval"`

	// Window is how far back usage history is considered
	Window time.Duration `json:"window"`

	// MinAccessCount and MinUniqueUsers gate popularity; crossing either
	// threshold qualifies a content item
	MinAccessCount int `json:"min_access_count"`
	MinUniqueUsers int `json:"min_unique_users"`

	// BatchSize jobs are processed per batch, with BatchDelay between
	// batches so warming never saturates the store or upstream
	BatchSize  int           `json:"batch_size"`
	BatchDelay time.Duration `json:"batch_delay"`

	// MaxRetries per failed job before it is dropped
	MaxRetries int `json:"max_retries"`

	// MaxQueue bounds the jobs taken from one cycle's cross-product
	MaxQueue int `json:"max_queue"`
}

// DefaultWarmerConfig returns default warmer configuration
func DefaultWarmerConfig() WarmerConfig {
	return WarmerConfig{
		Service:        ServiceExplain,
		Interval:       15 * time.Minute,
		Window:         24 * time.Hour,
		MinAccessCount: 10,
		MinUniqueUsers: 3,
		BatchSize:      5,
		BatchDelay:     500 * time.Millisecond,
		MaxRetries:     2,
		MaxQueue:       200,
	}
}

func (c WarmerConfig) withDefaults() WarmerConfig {
	defaults := DefaultWarmerConfig()
	if c.Service == "" {
		c.Service = defaults.Service
	}
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.Window <= 0 {
		c.Window = defaults.Window
	}
	if c.MinAccessCount <= 0 {
		c.MinAccessCount = defaults.MinAccessCount
	}
	if c.MinUniqueUsers <= 0 {
		c.MinUniqueUsers = defaults.MinUniqueUsers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = defaults.BatchDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = defaults.MaxQueue
	}
	return c
}

type warmJob struct {
	id          string
	descriptor  *RequestDescriptor
	priority    WarmPriority
	accessCount int
	attempts    int
}

// CycleSummary reports the outcome of one warm cycle
type CycleSummary struct {
	PopularContent int           `json:"popular_content"`
	ActiveUsers    int           `json:"active_users"`
	Queued         int           `json:"queued"`
	Warmed         int           `json:"warmed"`
	AlreadyCached  int           `json:"already_cached"`
	Failed         int           `json:"failed"`
	Dropped        int           `json:"dropped"`
	Duration       time.Duration `json:"duration"`
}

// CacheWarmer proactively populates the cache for anticipated-popular
// (content, persona) combinations ahead of real request traffic. Warming is
// strictly additive and idempotent: a live entry is never overwritten.
type CacheWarmer struct {
	cache    *ResponseCache
	usage    UsageSource
	personas PersonaSource
	producer ContentProducer
	config   WarmerConfig
	logger   observability.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCacheWarmer creates a cache warmer. Producer is invoked for each
// combination not already cached.
func NewCacheWarmer(
	cache *ResponseCache,
	usage UsageSource,
	personas PersonaSource,
	producer ContentProducer,
	config WarmerConfig,
	logger observability.Logger,
) *CacheWarmer {
	if logger == nil {
		logger = observability.NewLogger("cache.warmer")
	}

	return &CacheWarmer{
		cache:    cache,
		usage:    usage,
		personas: personas,
		producer: producer,
		config:   config.withDefaults(),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins warm cycles on the configured interval. The first cycle runs
// immediately.
func (w *CacheWarmer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		w.runCycle(ctx)

		ticker := time.NewTicker(w.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.runCycle(ctx)
			case <-ctx.Done():
				w.logger.Info("Cache warmer stopped due to context cancellation", map[string]interface{}{})
				return
			case <-w.stopCh:
				w.logger.Info("Cache warmer stopped", map[string]interface{}{})
				return
			}
		}
	}()
}

// Stop halts warming and waits for the current cycle to finish
func (w *CacheWarmer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

// RunOnce executes a single warm cycle synchronously and returns its summary
func (w *CacheWarmer) RunOnce(ctx context.Context) CycleSummary {
	return w.runCycle(ctx)
}

func (w *CacheWarmer) runCycle(ctx context.Context) (summary CycleSummary) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Panic in warm cycle", map[string]interface{}{
				"panic": r,
				"stack": string(debug.Stack()),
			})
		}
	}()

	start := time.Now()

	jobs, popular, users := w.buildQueue(ctx)
	summary.PopularContent = popular
	summary.ActiveUsers = users
	summary.Queued = len(jobs)

	for len(jobs) > 0 {
		batch := jobs
		if len(batch) > w.config.BatchSize {
			batch = jobs[:w.config.BatchSize]
		}
		jobs = jobs[len(batch):]

		var retries []warmJob
		for _, job := range batch {
			switch w.warmOne(ctx, job) {
			case warmOutcomeWarmed:
				summary.Warmed++
			case warmOutcomeCached:
				summary.AlreadyCached++
			case warmOutcomeFailed:
				job.attempts++
				if job.attempts > w.config.MaxRetries {
					summary.Dropped++
					w.logger.Warn("Dropping warm job after retries", map[string]interface{}{
						"job_id":   job.id,
						"user_id":  job.descriptor.UserID,
						"attempts": job.attempts,
					})
				} else {
					summary.Failed++
					retries = append(retries, job)
				}
			}
		}
		jobs = append(jobs, retries...)

		if len(jobs) == 0 {
			break
		}

		// Cooperative pause between batches
		select {
		case <-time.After(w.config.BatchDelay):
		case <-ctx.Done():
			return summary
		case <-w.stopCh:
			return summary
		}
	}

	summary.Duration = time.Since(start)

	w.logger.Info("Warm cycle completed", map[string]interface{}{
		"popular_content":  summary.PopularContent,
		"active_users":     summary.ActiveUsers,
		"queued":           summary.Queued,
		"warmed":           summary.Warmed,
		"already_cached":   summary.AlreadyCached,
		"dropped":          summary.Dropped,
		"duration_seconds": summary.Duration.Seconds(),
	})

	return summary
}

// buildQueue assembles the prioritized cross-product of popular content and
// active users' personas, excluding combinations already cached
func (w *CacheWarmer) buildQueue(ctx context.Context) ([]warmJob, int, int) {
	popular, err := w.usage.PopularContent(ctx, w.config.Window)
	if err != nil {
		w.logger.Warn("Failed to query popular content", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, 0, 0
	}

	qualified := popular[:0]
	for _, content := range popular {
		if content.AccessCount >= w.config.MinAccessCount || content.UniqueUsers >= w.config.MinUniqueUsers {
			qualified = append(qualified, content)
		}
	}

	users, err := w.usage.ActiveUsers(ctx, w.config.Window)
	if err != nil {
		w.logger.Warn("Failed to query active users", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, len(qualified), 0
	}

	var jobs []warmJob
	for _, userID := range users {
		persona, err := w.personas.PersonaFor(ctx, userID)
		if err != nil {
			w.logger.Debug("Skipping user without persona", map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
			continue
		}

		for _, content := range qualified {
			descriptor := &RequestDescriptor{
				Service:            w.config.Service,
				UserID:             userID,
				ContentFingerprint: content.ContentID,
				Persona:            persona,
			}

			if w.cache.Contains(ctx, descriptor) {
				continue
			}

			jobs = append(jobs, warmJob{
				id:          uuid.NewString(),
				descriptor:  descriptor,
				priority:    w.priorityFor(content.AccessCount),
				accessCount: content.AccessCount,
			})
		}
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].priority != jobs[j].priority {
			return jobs[i].priority > jobs[j].priority
		}
		return jobs[i].accessCount > jobs[j].accessCount
	})

	if len(jobs) > w.config.MaxQueue {
		jobs = jobs[:w.config.MaxQueue]
	}

	return jobs, len(qualified), len(users)
}

func (w *CacheWarmer) priorityFor(accessCount int) WarmPriority {
	switch {
	case accessCount >= 3*w.config.MinAccessCount:
		return PriorityHigh
	case accessCount >= 2*w.config.MinAccessCount:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

type warmOutcome int

const (
	warmOutcomeWarmed warmOutcome = iota
	warmOutcomeCached
	warmOutcomeFailed
)

func (w *CacheWarmer) warmOne(ctx context.Context, job warmJob) warmOutcome {
	// Re-check at execution time: real traffic may have filled the key
	// since the queue was built
	if w.cache.Contains(ctx, job.descriptor) {
		return warmOutcomeCached
	}

	content, usage, err := w.producer(ctx, job.descriptor)
	if err != nil {
		w.logger.Warn("Warm producer failed", map[string]interface{}{
			"job_id":  job.id,
			"user_id": job.descriptor.UserID,
			"content": job.descriptor.ContentFingerprint,
			"error":   err.Error(),
		})
		return warmOutcomeFailed
	}

	w.cache.Set(ctx, job.descriptor, content, usage, &EntryMetadata{Service: job.descriptor.Service})
	return warmOutcomeWarmed
}
