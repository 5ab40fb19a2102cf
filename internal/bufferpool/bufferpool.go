package bufferpool

import (
	"math/bits"
	"sync"
)

// Frame payloads vary from a few bytes to multi-megabyte sensor captures,
// so buffers are pooled in power-of-two size classes. A reader alternating
// between small and large frames reuses a buffer of the right class instead
// of thrashing the allocator.
const (
	minClassBits = 10 // 1 KiB
	maxClassBits = 22 // 4 MiB
)

var classes [maxClassBits - minClassBits + 1]sync.Pool

func classIndex(n int) int {
	if n <= 1<<minClassBits {
		return 0
	}
	return bits.Len(uint(n-1)) - minClassBits
}

// Get returns a payload buffer of length n. Contents are unspecified; the
// caller overwrites them before use. Requests beyond the largest class are
// allocated directly and not recycled.
func Get(n int) []byte {
	if n > 1<<maxClassBits {
		return make([]byte, n)
	}
	idx := classIndex(n)
	if v := classes[idx].Get(); v != nil {
		return v.([]byte)[:n]
	}
	return make([]byte, n, 1<<(idx+minClassBits))
}

// Put recycles a buffer previously returned by Get. Buffers whose capacity
// is not a pooled class are dropped.
func Put(p []byte) {
	c := cap(p)
	if c < 1<<minClassBits || c > 1<<maxClassBits || c&(c-1) != 0 {
		return
	}
	classes[bits.Len(uint(c))-1-minClassBits].Put(p[:c])
}
