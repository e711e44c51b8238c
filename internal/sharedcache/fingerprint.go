package sharedcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// fingerprintVersion salts the query fingerprint so a change to the
// normalization rules below invalidates every previously cached entry
// instead of silently reusing stale payloads under the old key shape.
const fingerprintVersion = "v1"

// BuildQueryFingerprint returns a stable SHA-256 hex digest for a remote
// query's parameter set, per spec §4.8: search_query/id_list are
// lowercased and whitespace-collapsed (id_list additionally sorted and
// comma-joined), other strings are whitespace-collapsed only, and
// numbers/bools/nil pass through unchanged.
func BuildQueryFingerprint(params map[string]any) string {
	normalized := make(map[string]any, len(params)+1)
	normalized["_v"] = fingerprintVersion

	for k, v := range params {
		switch k {
		case "search_query":
			if s, ok := v.(string); ok {
				normalized[k] = collapseWhitespace(strings.ToLower(s))
				continue
			}
		case "id_list":
			if ids, ok := v.([]string); ok {
				normalized[k] = normalizeIDList(ids)
				continue
			}
		}
		if s, ok := v.(string); ok {
			normalized[k] = collapseWhitespace(s)
			continue
		}
		normalized[k] = v
	}

	canonical, err := canonicalJSON(normalized)
	if err != nil {
		// Marshaling a map of primitives/strings never fails; a panic
		// here would indicate a caller passed an unsupported value type.
		panic(err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalizeIDList(ids []string) string {
	normalized := make([]string, 0, len(ids))
	for _, id := range ids {
		id = collapseWhitespace(strings.ToLower(id))
		if id != "" {
			normalized = append(normalized, id)
		}
	}
	sort.Strings(normalized)
	return strings.Join(normalized, ",")
}

func canonicalJSON(v map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []byte("{")
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(v[k])
		if err != nil {
			return nil, err
		}
		out = append(out, kb...)
		out = append(out, ':')
		out = append(out, vb...)
	}
	out = append(out, '}')
	return out, nil
}
