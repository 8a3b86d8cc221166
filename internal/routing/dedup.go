package routing

import "strings"

const dedupKeyMax = 128

// DedupKey normalizes a delivery seed into a cache-safe claim key. Bytes
// outside the allowed set collapse to '_', so distinct seeds can map to the
// same key; that trades occasional false suppression for a bounded keyspace,
// and both sides of a duplicate pair always normalize identically.
func DedupKey(seed string) string {
	var b strings.Builder
	b.Grow(len(seed))
	for i := 0; i < len(seed) && i < dedupKeyMax; i++ {
		c := seed[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '/', c == '=', c == ',', c == '_', c == '+', c == '.', c == '-', c == '~', c == '@':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
