package util

import (
	"encoding/binary"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// PackSet returns a canonical encoding of a set of handles: sorted ascending,
// duplicates removed, 8 bytes big-endian each. Equal sets pack to equal strings
// regardless of input order.
func PackSet(hs []uint64) string {
	if len(hs) == 0 {
		return ""
	}
	s := make([]uint64, len(hs))
	copy(s, hs)
	slices.Sort(s)
	s = slices.Compact(s)

	buf := make([]byte, 8*len(s))
	for i, h := range s {
		binary.BigEndian.PutUint64(buf[i*8:], h)
	}
	return string(buf)
}

// UnpackSet is the inverse of PackSet. Trailing partial words are ignored.
func UnpackSet(packed string) []uint64 {
	n := len(packed) / 8
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = binary.BigEndian.Uint64([]byte(packed[i*8 : i*8+8]))
	}
	return out
}

// CompositeKey joins parts into a single unambiguous key. Each part is length
// prefixed so ("ab","c") and ("a","bc") never collide.
func CompositeKey(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

// Hash64 is the hash used for shard selection.
func Hash64(s string) uint64 { return xxhash.Sum64String(s) }
