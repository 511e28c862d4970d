package cache

import "time"

// TTL policy caps and multipliers
const (
	// streamingTTLCap bounds retention of streaming responses regardless of
	// the service base, since partial interactive content goes stale fast
	streamingTTLCap = 15 * time.Minute

	// personalizationTTLCap bounds retention once the personalization score
	// crosses the high-water mark; highly personalized output is unlikely
	// to be reused verbatim
	personalizationTTLCap = time.Hour

	// personalizationHighWater is the score above which the cap applies
	personalizationHighWater = 0.8

	// fallbackTTL covers unknown service kinds
	fallbackTTL = 4 * time.Hour

	stableMultiplier   = 1.5
	volatileMultiplier = 0.5
)

// baseTTLs maps each service kind to a default retention reflecting its
// expected content volatility
var baseTTLs = map[ServiceType]time.Duration{
	ServiceEmbedding:    30 * 24 * time.Hour,
	ServiceExplain:      7 * 24 * time.Hour,
	ServiceIntroduction: 7 * 24 * time.Hour,
	ServiceSummary:      3 * 24 * time.Hour,
	ServiceFlashcard:    12 * time.Hour,
	ServiceQuiz:         6 * time.Hour,
	ServicePractice:     6 * time.Hour,
	ServiceChat:         2 * time.Hour,
}

// TTLPolicy maps (service kind, content stability, streaming flag,
// personalization score) to an expiry duration
type TTLPolicy struct{}

// NewTTLPolicy creates the default TTL policy
func NewTTLPolicy() *TTLPolicy {
	return &TTLPolicy{}
}

// TTLFor returns the retention for one write. The result is the minimum of
// all applicable caps, floored to a whole positive number of seconds; it is
// never zero or negative.
func (p *TTLPolicy) TTLFor(service ServiceType, hints TTLHints) time.Duration {
	ttl, ok := baseTTLs[service]
	if !ok {
		ttl = fallbackTTL
	}

	switch hints.ContentStability {
	case StabilityStable:
		ttl = time.Duration(float64(ttl) * stableMultiplier)
	case StabilityVolatile:
		ttl = time.Duration(float64(ttl) * volatileMultiplier)
	}

	if hints.IsStreaming && ttl > streamingTTLCap {
		ttl = streamingTTLCap
	}

	if hints.PersonalizationScore > personalizationHighWater && ttl > personalizationTTLCap {
		ttl = personalizationTTLCap
	}

	ttl = ttl.Truncate(time.Second)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
