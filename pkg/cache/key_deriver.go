package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const (
	// fingerprintLen is the hex prefix kept from each dimension's digest.
	// 64 bits per dimension keeps composed keys short at negligible
	// collision probability for the cardinality involved.
	fingerprintLen = 16

	// maxInterests and maxGoals bound the list-valued persona fields folded
	// into the fingerprint, so appending low-priority entries does not
	// needlessly fragment the cache
	maxInterests = 5
	maxGoals     = 3

	// maxUserSegment is the longest raw user id embedded verbatim in a key
	maxUserSegment = 64
)

// KeyDeriver turns a request descriptor into a stable, bounded-length
// cache key. Derivation is pure and deterministic: field-wise equal
// descriptors always produce the same key, and any populated dimension
// changing changes the key.
type KeyDeriver struct {
	config *Config
}

// NewKeyDeriver creates a key deriver for the given cache configuration
func NewKeyDeriver(config *Config) *KeyDeriver {
	return &KeyDeriver{config: config.withDefaults()}
}

// DeriveKey composes the cache key for a descriptor. Absent optional
// dimensions are omitted from the composition; derivation never fails.
func (kd *KeyDeriver) DeriveKey(descriptor *RequestDescriptor) string {
	if descriptor == nil {
		descriptor = &RequestDescriptor{}
	}

	service := string(descriptor.Service)
	if service == "" {
		service = "unknown"
	}

	head := fmt.Sprintf("%s:%s:%s:u:%s",
		kd.config.Namespace,
		kd.config.SchemaVersion,
		sanitizeKeySegment(service),
		kd.userSegment(descriptor.UserID),
	)

	var tail []string
	if descriptor.Persona != nil {
		tail = append(tail, "p:"+fingerprint(canonicalPersona(descriptor.Persona)))
	}
	if descriptor.ContentFingerprint != "" {
		tail = append(tail, "c:"+truncateFingerprint(descriptor.ContentFingerprint))
	}
	if descriptor.Context != nil {
		tail = append(tail, "x:"+fingerprint(canonicalContext(descriptor.Context)))
	}
	if len(descriptor.Extra) > 0 {
		tail = append(tail, "e:"+fingerprint(canonicalMap(descriptor.Extra)))
	}

	// Keys always carry at least one segment past the user so the
	// user-scoped glob patterns match them
	if len(tail) == 0 {
		tail = append(tail, "base")
	}
	key := head + ":" + strings.Join(tail, ":")

	if len(key) <= kd.config.MaxKeyLength {
		return key
	}

	// Collapse the tail dimensions into a single digest, preserving the
	// namespace/version/service/user head for debuggability
	digest := sha256.Sum256([]byte(strings.Join(tail, ":")))
	return head + ":h:" + hex.EncodeToString(digest[:])[:32]
}

// userSegment normalizes the user dimension. Oversized ids are replaced by
// their digest so the key head stays bounded.
func (kd *KeyDeriver) userSegment(userID string) string {
	if userID == "" {
		return "-"
	}
	if len(userID) > maxUserSegment {
		return fingerprint(userID)
	}
	return sanitizeKeySegment(userID)
}

// Pattern builds the narrowest glob pattern that is still a strict superset
// of every key matching the criteria. An empty pattern means the criteria
// select nothing.
func (kd *KeyDeriver) Pattern(criteria InvalidationCriteria) string {
	prefix := kd.config.Namespace + ":" + kd.config.SchemaVersion

	if criteria.All {
		return prefix + ":*"
	}

	service := ""
	if criteria.Service != "" {
		service = sanitizeKeySegment(string(criteria.Service))
	}

	user := ""
	if criteria.UserID != "" {
		user = kd.userSegment(criteria.UserID)
	}

	switch {
	case service != "" && user != "":
		// A persona change still matches here: fingerprints live past the
		// user segment, so the trailing wildcard sweeps the old ones too
		return fmt.Sprintf("%s:%s:u:%s:*", prefix, service, user)
	case service != "":
		return fmt.Sprintf("%s:%s:*", prefix, service)
	case user != "":
		return fmt.Sprintf("%s:*:u:%s:*", prefix, user)
	case criteria.ContentUpdated || criteria.PersonaChanged:
		// Without a narrowing dimension the whole namespace is the only
		// strict superset
		return prefix + ":*"
	default:
		return ""
	}
}

// canonicalPersona serializes a persona with sorted keys and stable top-N
// subsets of its list-valued fields
func canonicalPersona(p *PersonaDescriptor) string {
	interests := topSorted(p.Interests, maxInterests)
	goals := topSorted(p.Goals, maxGoals)

	return strings.Join([]string{
		"density=" + p.ContentDensity,
		"goals=" + strings.Join(goals, ","),
		"interests=" + strings.Join(interests, ","),
		"level=" + p.TechnicalLevel,
		"pacing=" + p.Pacing,
		"style=" + p.LearningStyle,
		"tone=" + p.CommunicationTone,
	}, "|")
}

// canonicalContext serializes the instructional context with sorted keys
func canonicalContext(c *ContextDescriptor) string {
	return strings.Join([]string{
		"course=" + c.Course,
		"difficulty=" + c.Difficulty,
		"format=" + c.Format,
		"module=" + c.Module,
		"session=" + c.Session,
	}, "|")
}

// canonicalMap serializes free-form parameters with sorted keys
func canonicalMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, "|")
}

// topSorted returns the first n entries of the sorted, deduplicated list
func topSorted(values []string, n int) []string {
	if len(values) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(values))
	unique := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(strings.ToLower(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		unique = append(unique, v)
	}

	sort.Strings(unique)
	if len(unique) > n {
		unique = unique[:n]
	}
	return unique
}

// fingerprint hashes a canonical serialization down to a fixed hex prefix
func fingerprint(canonical string) string {
	digest := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(digest[:])[:fingerprintLen]
}

// truncateFingerprint bounds an externally supplied content hash
func truncateFingerprint(fp string) string {
	fp = sanitizeKeySegment(fp)
	if len(fp) > fingerprintLen {
		return fp[:fingerprintLen]
	}
	return fp
}

var keySegmentReplacer = strings.NewReplacer(
	":", "-",
	"*", "-",
	"?", "-",
	"[", "-",
	"]", "-",
	"{", "-",
	"}", "-",
	"\\", "-",
	" ", "-",
	"\n", "-",
	"\r", "-",
	"\t", "-",
	"\x00", "-",
)

// sanitizeKeySegment ensures a segment cannot break key structure or glob
// matching
func sanitizeKeySegment(segment string) string {
	sanitized := keySegmentReplacer.Replace(segment)
	if sanitized == "" {
		return "-"
	}
	return sanitized
}
