package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Separator joins key segments
const Separator = "_"

// Key builds a flat key such as bal_0xabc_native. Segments are lowercased so that
// checksummed and lowercase addresses map to the same entry.
func Key(domain string, parts ...string) string {
	var b strings.Builder
	b.WriteString(domain)
	for _, p := range parts {
		b.WriteString(Separator)
		b.WriteString(strings.ToLower(p))
	}
	return b.String()
}

// HashKey builds a key whose tail is a short hash of parts.
// Parts are normalized (lowercased, sorted, deduplicated) so the order of a token list does not matter.
func HashKey(domain string, parts ...string) string {
	normalized := normalizeParts(parts)
	hash := sha256.Sum256([]byte(strings.Join(normalized, ",")))
	return domain + Separator + hex.EncodeToString(hash[:8])
}

// HasSegment reports whether key contains seg as a whole segment
func HasSegment(key, seg string) bool {
	seg = strings.ToLower(seg)
	for _, s := range strings.Split(key, Separator) {
		if s == seg {
			return true
		}
	}
	return false
}

func normalizeParts(parts []string) []string {
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(p)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
