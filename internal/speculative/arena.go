package speculative

import (
	"github.com/samcharles93/speculate/internal/compute"
	"github.com/samcharles93/speculate/internal/model"
)

// arena is the scratch memory of one round. Models may reuse the slices
// they return, so every distribution a round keeps is copied in here. It is
// released when the round ends and nothing it hands out may outlive it.
type arena struct {
	pool *compute.Pool
	buf  *compute.Buffer
	data []float64
	off  int
}

// newArena acquires room for n float64 values. A nil pool yields an arena
// that copies onto the heap.
func newArena(pool *compute.Pool, n int) (*arena, error) {
	a := &arena{pool: pool}
	if pool == nil || n <= 0 {
		return a, nil
	}
	buf, err := pool.Acquire(n * 8)
	if err != nil {
		return nil, err
	}
	a.buf = buf
	a.data = buf.Float64s()
	return a, nil
}

// alloc returns n zeroed values.
func (a *arena) alloc(n int) model.Distribution {
	if a == nil || a.off+n > len(a.data) {
		return make(model.Distribution, n)
	}
	d := a.data[a.off : a.off+n : a.off+n]
	a.off += n
	return d
}

func (a *arena) copy(d model.Distribution) model.Distribution {
	dst := a.alloc(len(d))
	copy(dst, d)
	return dst
}

func (a *arena) release() {
	if a == nil || a.buf == nil {
		return
	}
	a.pool.Release(a.buf)
	a.buf = nil
	a.data = nil
}
