// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Size-classed []byte pool implementing api.BytePool. Classes are powers
// of two from minClass up to maxClass; a request above maxClass allocates
// directly and Release discards it rather than growing the pool.

package pool

import (
	"sync"

	"github.com/isod-run/isod/api"
)

const (
	minClassShift = 8  // 256 B
	maxClassShift = 20 // 1 MiB
	numClasses    = maxClassShift - minClassShift + 1
)

// SlicePool is a thread-safe, size-classed byte-buffer pool.
type SlicePool struct {
	classes [numClasses]*sync.Pool
}

// NewSlicePool constructs a pool with one sync.Pool per size class.
func NewSlicePool() *SlicePool {
	p := &SlicePool{}
	for i := 0; i < numClasses; i++ {
		size := 1 << (minClassShift + i)
		p.classes[i] = &sync.Pool{New: func() any {
			return make([]byte, size)
		}}
	}
	return p
}

// classFor returns the index of the smallest class holding n bytes, or -1
// if n exceeds the largest class.
func classFor(n int) int {
	for i := 0; i < numClasses; i++ {
		if n <= 1<<(minClassShift+i) {
			return i
		}
	}
	return -1
}

// Acquire returns a slice of exactly n bytes backed by pooled storage of
// at least n capacity.
func (p *SlicePool) Acquire(n int) []byte {
	c := classFor(n)
	if c < 0 {
		return make([]byte, n)
	}
	buf := p.classes[c].Get().([]byte)
	return buf[:n]
}

// Release returns buf's backing storage to its size class. Oversized and
// undersized slices are discarded.
func (p *SlicePool) Release(buf []byte) {
	c := cap(buf)
	if c == 0 {
		return
	}
	for i := 0; i < numClasses; i++ {
		if c == 1<<(minClassShift+i) {
			p.classes[i].Put(buf[:c])
			return
		}
	}
}

var _ api.BytePool = (*SlicePool)(nil)

var (
	defaultOnce sync.Once
	defaultPool *SlicePool
)

// Default returns the process-wide SlicePool so components share one set
// of size classes instead of fragmenting allocations.
func Default() *SlicePool {
	defaultOnce.Do(func() {
		defaultPool = NewSlicePool()
	})
	return defaultPool
}
