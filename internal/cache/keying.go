// Package cache provides prediction result caching: deterministic fingerprint
// keys and a Redis-backed adapter with per-family TTLs and best-effort pattern
// invalidation.
//
// Key format: "<family>:<sha256 hex of canonical inputs>:<modelVersion>".
// Embedding the model version in the key means a newly promoted model can
// never serve entries computed by its predecessor; invalidation after an
// active-swap is an optimization, not a correctness requirement.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/forgesight/forgesight/internal/mlmodel"
)

// Key produces the deterministic cache key for a prediction request.
//
// The inputs map is rendered in canonical form (keys sorted lexicographically,
// values in a stable JSON-like rendering) before hashing, so logically equal
// maps produce the same key regardless of insertion order.
func Key(family mlmodel.Family, inputs map[string]any, modelVersion string) string {
	sum := sha256.Sum256([]byte(Canonicalize(inputs)))

	return fmt.Sprintf("%s:%s:%s", family, hex.EncodeToString(sum[:]), modelVersion)
}

// Pattern names the deletion set of every cache entry for a family,
// regardless of inputs or model version.
func Pattern(family mlmodel.Family) string {
	return fmt.Sprintf("%s:*", family)
}

// VersionPattern names the deletion set of every cache entry for a family
// produced by one specific model version.
func VersionPattern(family mlmodel.Family, modelVersion string) string {
	return fmt.Sprintf("%s:*:%s", family, modelVersion)
}

// Canonicalize renders an inputs map in canonical form: keys sorted
// lexicographically, values rendered stably. Exposed for tests and for callers
// that pre-hash large binary inputs (the STL path stores the file hash as a
// regular string input).
func Canonicalize(inputs map[string]any) string {
	var b strings.Builder

	b.WriteByte('{')

	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}

		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		writeCanonicalValue(&b, inputs[k])
	}

	b.WriteByte('}')

	return b.String()
}

// writeCanonicalValue renders one value stably. Floats use the shortest
// round-trippable form ('g', -1) so 20 and 20.0 collide intentionally only
// when they are the same float64.
func writeCanonicalValue(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case string:
		b.WriteString(strconv.Quote(t))
	case int:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case float32:
		b.WriteString(strconv.FormatFloat(float64(t), 'g', -1, 32))
	case map[string]any:
		b.WriteString(Canonicalize(t))
	case []any:
		b.WriteByte('[')

		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}

			writeCanonicalValue(b, e)
		}

		b.WriteByte(']')
	case fmt.Stringer:
		b.WriteString(strconv.Quote(t.String()))
	default:
		// Fallback for unexpected types; %v is stable for the same value.
		b.WriteString(strconv.Quote(fmt.Sprintf("%v", t)))
	}
}

// FileFingerprint hashes raw uploaded bytes for use as a cache key input.
// The STL path fingerprints the file bytes directly instead of re-deriving
// geometry features, which keeps cache hits free of geometry parsing.
func FileFingerprint(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}
