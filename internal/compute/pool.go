package compute

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"
	"unsafe"
)

// ErrBufferAllocation is returned when the pool cannot satisfy an Acquire.
// Callers may retry after other rounds release their buffers.
var ErrBufferAllocation = errors.New("buffer allocation failure")

const minClassShift = 12 // 4 KiB

// AllocationError describes a failed Acquire. It unwraps to
// ErrBufferAllocation and, when present, the allocator error.
type AllocationError struct {
	Size     int
	InUse    int64
	Capacity int64
	Err      error
}

func (e *AllocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acquire %d bytes: %v", e.Size, e.Err)
	}
	return fmt.Sprintf("acquire %d bytes: %d of %d bytes in use", e.Size, e.InUse, e.Capacity)
}

func (e *AllocationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrBufferAllocation, e.Err}
	}
	return []error{ErrBufferAllocation}
}

// BufferMetrics is a read-only snapshot of pool state.
type BufferMetrics struct {
	// BufferCount is the number of blocks currently owned by the pool, free or in use.
	BufferCount int `json:"buffer_count"`
	// TotalMemoryUsed is the number of bytes handed out and not yet released.
	TotalMemoryUsed int64 `json:"total_memory_used"`
	// Reserved is the number of bytes held by all blocks.
	Reserved int64 `json:"reserved"`
	// Capacity is the configured byte limit, 0 when unlimited.
	Capacity int64 `json:"capacity"`
	// ReuseEfficiency is the fraction of acquisitions served from a free list.
	ReuseEfficiency float64 `json:"reuse_efficiency"`
	// AllocationTime is the cumulative time spent allocating new blocks.
	AllocationTime time.Duration `json:"allocation_time"`
	// Utilization is TotalMemoryUsed over Capacity (or over Reserved when unlimited).
	Utilization float64 `json:"utilization"`
	// ReleaseFailures counts blocks the platform failed to unmap.
	ReleaseFailures uint64 `json:"release_failures,omitempty"`
}

// Buffer is a pooled block. Bytes and Float64s view the requested size, not
// the size class backing it.
type Buffer struct {
	data     []byte
	size     int
	class    int
	released bool
}

func (b *Buffer) Bytes() []byte { return b.data[:b.size] }

func (b *Buffer) Len() int { return b.size }

// Float64s views the buffer as float64 values. Blocks are at least 8-byte
// aligned: mappings are page aligned and heap blocks are size-classed.
func (b *Buffer) Float64s() []float64 {
	n := b.size / 8
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b.data[0])), n)
}

// Options configures a Pool.
type Options struct {
	// Capacity caps the bytes reserved by the pool; 0 means unlimited.
	Capacity int64
	// MaxFreePerClass caps the free list length per size class. Defaults to 8.
	MaxFreePerClass int
}

// Pool hands out size-classed buffers and keeps released ones for reuse.
// Blocks are backed by anonymous memory mappings where the platform
// supports them.
type Pool struct {
	mu      sync.Mutex
	opts    Options
	free    map[int][][]byte
	blocks  int
	inUse   int64
	reserve int64

	acquires  uint64
	reuses    uint64
	allocTime time.Duration
	closed    bool

	releaseFailures uint64
	// releaseErr is the first unmap failure seen outside Close; Close
	// reports it.
	releaseErr error

	alloc   func(int) ([]byte, error)
	release func([]byte) error
}

func NewPool(opts Options) *Pool {
	if opts.MaxFreePerClass <= 0 {
		opts.MaxFreePerClass = 8
	}
	return &Pool{
		opts:    opts,
		free:    make(map[int][][]byte),
		alloc:   allocBlock,
		release: freeBlock,
	}
}

func classFor(size int) int {
	if size <= 1<<minClassShift {
		return minClassShift
	}
	return bits.Len(uint(size - 1))
}

// Acquire returns a zeroed buffer of at least size bytes.
func (p *Pool) Acquire(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, &AllocationError{Size: size, Err: fmt.Errorf("invalid size")}
	}
	class := classFor(size)
	classBytes := int64(1) << class

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, &AllocationError{Size: size, Err: fmt.Errorf("pool closed")}
	}
	p.acquires++

	if list := p.free[class]; len(list) > 0 {
		data := list[len(list)-1]
		p.free[class] = list[:len(list)-1]
		p.reuses++
		p.inUse += classBytes
		clear(data[:size])
		return &Buffer{data: data, size: size, class: class}, nil
	}

	if p.opts.Capacity > 0 && p.reserve+classBytes > p.opts.Capacity {
		p.evictLocked(p.reserve + classBytes - p.opts.Capacity)
		if p.reserve+classBytes > p.opts.Capacity {
			return nil, &AllocationError{Size: size, InUse: p.inUse, Capacity: p.opts.Capacity}
		}
	}

	start := time.Now()
	data, err := p.alloc(int(classBytes))
	p.allocTime += time.Since(start)
	if err != nil {
		return nil, &AllocationError{Size: size, Err: err}
	}
	p.blocks++
	p.reserve += classBytes
	p.inUse += classBytes
	return &Buffer{data: data, size: size, class: class}, nil
}

// Release returns b to the pool. Releasing a buffer twice is a no-op.
func (p *Pool) Release(b *Buffer) {
	if b == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.released {
		return
	}
	b.released = true
	classBytes := int64(1) << b.class
	p.inUse -= classBytes

	if p.closed || len(p.free[b.class]) >= p.opts.MaxFreePerClass {
		p.dropLocked(b.data, classBytes)
		return
	}
	p.free[b.class] = append(p.free[b.class], b.data)
}

// evictLocked frees idle blocks, largest classes first, until need bytes are
// reclaimed or nothing idle remains.
func (p *Pool) evictLocked(need int64) {
	for need > 0 {
		best := -1
		for class, list := range p.free {
			if len(list) > 0 && class > best {
				best = class
			}
		}
		if best < 0 {
			return
		}
		list := p.free[best]
		data := list[len(list)-1]
		p.free[best] = list[:len(list)-1]
		classBytes := int64(1) << best
		p.dropLocked(data, classBytes)
		need -= classBytes
	}
}

func (p *Pool) dropLocked(data []byte, classBytes int64) {
	if err := p.release(data); err != nil {
		p.releaseFailures++
		if p.releaseErr == nil {
			p.releaseErr = err
		}
	}
	p.blocks--
	p.reserve -= classBytes
}

// Metrics returns a snapshot of the pool state.
func (p *Pool) Metrics() BufferMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := BufferMetrics{
		BufferCount:     p.blocks,
		TotalMemoryUsed: p.inUse,
		Reserved:        p.reserve,
		Capacity:        p.opts.Capacity,
		AllocationTime:  p.allocTime,
		ReleaseFailures: p.releaseFailures,
	}
	if p.acquires > 0 {
		m.ReuseEfficiency = float64(p.reuses) / float64(p.acquires)
	}
	switch {
	case p.opts.Capacity > 0:
		m.Utilization = float64(p.inUse) / float64(p.opts.Capacity)
	case p.reserve > 0:
		m.Utilization = float64(p.inUse) / float64(p.reserve)
	}
	return m
}

// Close frees every idle block. Buffers still in use are freed on Release.
// The error includes the first unmap failure seen before Close.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	if p.releaseErr != nil {
		errs = append(errs, p.releaseErr)
	}
	for class, list := range p.free {
		for _, data := range list {
			if err := p.release(data); err != nil {
				p.releaseFailures++
				errs = append(errs, err)
			}
			p.blocks--
			p.reserve -= int64(1) << class
		}
		delete(p.free, class)
	}
	return errors.Join(errs...)
}
