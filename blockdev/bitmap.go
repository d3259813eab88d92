package blockdev

import (
	"strings"

	gobitmap "github.com/boljen/go-bitmap"
)

// Bitmap is a bit-indexed view over an arbitrary byte region, typically the
// front of block 0 in the mapping. It carries no length information beyond
// the underlying slice; the caller is responsible for bounds above that.
// Negative indices are silently clamped: Get returns false and Set is a
// no-op.
type Bitmap []byte

func (b Bitmap) Get(i int) bool {
	if i < 0 {
		return false
	}
	return gobitmap.Bitmap(b).Get(i)
}

func (b Bitmap) Set(i int, value bool) {
	if i < 0 {
		return
	}
	gobitmap.Bitmap(b).Set(i, value)
}

// String renders the first `n` bits as a run of 0/1 characters, eight to a
// group. Debugging aid only.
func (b Bitmap) String(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 && i%8 == 0 {
			sb.WriteByte(' ')
		}
		if b.Get(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
