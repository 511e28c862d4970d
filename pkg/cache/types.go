// Package cache implements the personalized response cache for AI-generated
// learning content. It derives deterministic cache keys from multi-dimensional
// request context, applies volatility-aware TTLs, and accounts for hits,
// misses, and estimated cost savings.
package cache

import (
	"context"
	"time"
)

// ServiceType enumerates the kinds of generated content the cache holds
type ServiceType string

// Known service types
const (
	ServiceExplain      ServiceType = "explain"
	ServiceSummary      ServiceType = "summary"
	ServiceQuiz         ServiceType = "quiz"
	ServiceFlashcard    ServiceType = "flashcard"
	ServiceChat         ServiceType = "chat"
	ServiceEmbedding    ServiceType = "embedding"
	ServicePractice     ServiceType = "practice"
	ServiceIntroduction ServiceType = "introduction"
)

// KnownServices returns every service type the cache tracks stats for
func KnownServices() []ServiceType {
	return []ServiceType{
		ServiceExplain,
		ServiceSummary,
		ServiceQuiz,
		ServiceFlashcard,
		ServiceChat,
		ServiceEmbedding,
		ServicePractice,
		ServiceIntroduction,
	}
}

// ContentStability classifies how volatile the underlying content is
type ContentStability string

// Content stability levels
const (
	StabilityStable   ContentStability = "stable"
	StabilityModerate ContentStability = "moderate"
	StabilityVolatile ContentStability = "volatile"
)

// PersonaDescriptor is a snapshot of learner attributes. The cache never
// interprets these fields; it only folds their serialized identity into the
// cache key.
type PersonaDescriptor struct {
	TechnicalLevel    string   `json:"technical_level,omitempty"`
	LearningStyle     string   `json:"learning_style,omitempty"`
	CommunicationTone string   `json:"communication_tone,omitempty"`
	ContentDensity    string   `json:"content_density,omitempty"`
	Interests         []string `json:"interests,omitempty"`
	Goals             []string `json:"goals,omitempty"`
	Pacing            string   `json:"pacing,omitempty"`
}

// ContextDescriptor carries the instructional context of a request
type ContextDescriptor struct {
	Module     string `json:"module,omitempty"`
	Course     string `json:"course,omitempty"`
	Session    string `json:"session,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Format     string `json:"format,omitempty"`
}

// RequestDescriptor describes one generation request for key derivation.
// It is constructed per call and never persisted.
type RequestDescriptor struct {
	Service ServiceType
	UserID  string

	// ContentFingerprint is an externally supplied content hash
	ContentFingerprint string

	Persona *PersonaDescriptor
	Context *ContextDescriptor

	// Extra holds free-form additional parameters; the map is serialized
	// with canonical key ordering before hashing
	Extra map[string]string
}

// Usage holds the token counts of a generated response
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// TotalTokens returns the combined prompt and completion token count
func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// EntryMetadata carries caller annotations preserved alongside an entry.
// The TTL-relevant fields double as retention hints at write time.
type EntryMetadata struct {
	PersonalizationScore float64           `json:"personalization_score,omitempty"`
	ContentStability     ContentStability  `json:"content_stability,omitempty"`
	IsStreaming          bool              `json:"is_streaming,omitempty"`
	Service              ServiceType       `json:"service,omitempty"`
	Annotations          map[string]string `json:"annotations,omitempty"`
}

// TTLHints extracts the retention hints carried by the metadata
func (m *EntryMetadata) TTLHints() TTLHints {
	if m == nil {
		return TTLHints{}
	}
	return TTLHints{
		ContentStability:     m.ContentStability,
		IsStreaming:          m.IsStreaming,
		PersonalizationScore: m.PersonalizationScore,
	}
}

// CacheEntry is the stored payload for one cached response
type CacheEntry struct {
	Content        string         `json:"content"`
	StoredAt       int64          `json:"stored_at"` // epoch milliseconds
	TTLSeconds     int            `json:"ttl_seconds"`
	Usage          Usage          `json:"usage"`
	Metadata       *EntryMetadata `json:"metadata,omitempty"`
	HitCount       int            `json:"hit_count"`
	LastAccessedAt int64          `json:"last_accessed_at,omitempty"` // epoch milliseconds
}

// Expired reports whether the entry is stale at the given time. The store's
// native expiry should remove entries first; this is the reader's defense
// against clock skew and store bugs.
func (e *CacheEntry) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	age := now.UnixMilli() - e.StoredAt
	return age > int64(e.TTLSeconds)*1000
}

// Age returns how long ago the entry was stored
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-e.StoredAt) * time.Millisecond
}

// ServiceStats are process-lifetime counters for one service type
type ServiceStats struct {
	Service     ServiceType `json:"service"`
	Hits        int64       `json:"hits"`
	Misses      int64       `json:"misses"`
	TokensSaved int64       `json:"tokens_saved"`
	CostSaved   float64     `json:"cost_saved"`
	HitRate     float64     `json:"hit_rate"`
}

// TTLHints carry the optional retention modifiers for one write
type TTLHints struct {
	ContentStability     ContentStability
	IsStreaming          bool
	PersonalizationScore float64
}

// InvalidationCriteria selects entries for bulk removal. The narrowest glob
// pattern that is still a strict superset of all matching keys is derived
// from the populated fields.
type InvalidationCriteria struct {
	UserID  string
	Service ServiceType

	// PersonaChanged sweeps every entry for the user regardless of persona
	// fingerprint, since the old fingerprint is unknown to the caller
	PersonaChanged bool

	// ContentUpdated sweeps every entry for the service (or everything when
	// no service is given)
	ContentUpdated bool

	All bool
}

// UsageRecord is one row of request history from the usage/event source
type UsageRecord struct {
	RequestType    ServiceType `json:"request_type"`
	CacheHit       bool        `json:"cache_hit"`
	Cost           float64     `json:"cost"`
	ResponseTimeMs int         `json:"response_time_ms"`
	UserID         string      `json:"user_id"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ContentUsage summarizes recent access to one content item
type ContentUsage struct {
	ContentID   string `json:"content_id"`
	AccessCount int    `json:"access_count"`
	UniqueUsers int    `json:"unique_users"`
}

// UsageHistory is the usage/event history source consumed by the monitor
type UsageHistory interface {
	UsageSince(ctx context.Context, since time.Time) ([]UsageRecord, error)
}

// UsageSource feeds the warmer with popularity and activity signals
type UsageSource interface {
	PopularContent(ctx context.Context, window time.Duration) ([]ContentUsage, error)
	ActiveUsers(ctx context.Context, window time.Duration) ([]string, error)
}

// PersonaSource resolves the current persona for an active user
type PersonaSource interface {
	PersonaFor(ctx context.Context, userID string) (*PersonaDescriptor, error)
}

// ContentProducer generates content for a descriptor on a warm miss
type ContentProducer func(ctx context.Context, descriptor *RequestDescriptor) (string, Usage, error)

// Config configures the response cache
type Config struct {
	// Namespace is the key prefix shared by every entry
	Namespace string `json:"namespace"`

	// SchemaVersion is folded into every key so format changes never read
	// old payloads
	SchemaVersion string `json:"schema_version"`

	// MaxKeyLength bounds composed key length; longer keys collapse their
	// tail dimensions into a single digest
	MaxKeyLength int `json:"max_key_length"`

	// CostPerThousandTokens estimates upstream spend avoided per hit
	CostPerThousandTokens float64 `json:"cost_per_thousand_tokens"`

	// InvalidationBatchSize bounds the size of each DEL issued during a sweep
	InvalidationBatchSize int `json:"invalidation_batch_size"`

	// EnableMetrics enables counter emission to the metrics client
	EnableMetrics bool `json:"enable_metrics"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace:             "pcache",
		SchemaVersion:         "v1",
		MaxKeyLength:          250,
		CostPerThousandTokens: 0.002,
		InvalidationBatchSize: 500,
		EnableMetrics:         true,
	}
}

func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	out := *c
	if out.Namespace == "" {
		out.Namespace = "pcache"
	}
	if out.SchemaVersion == "" {
		out.SchemaVersion = "v1"
	}
	if out.MaxKeyLength <= 0 {
		out.MaxKeyLength = 250
	}
	if out.CostPerThousandTokens <= 0 {
		out.CostPerThousandTokens = 0.002
	}
	if out.InvalidationBatchSize <= 0 {
		out.InvalidationBatchSize = 500
	}
	return &out
}
