package allocstats

import "sync/atomic"

// Allocator hands out byte buffers that are returned with Free.
type Allocator interface {
	Alloc(n int) []byte
	Free(b []byte)
}

type heapAllocator struct{}

func (heapAllocator) Alloc(n int) []byte { return make([]byte, n) }
func (heapAllocator) Free([]byte)        {}

// Heap is the default allocator. Freed buffers are left to the garbage
// collector.
var Heap Allocator = heapAllocator{}

// Counters hold the monotonically increasing allocation totals.
type Counters struct {
	bytes  atomic.Uint64
	allocs atomic.Uint64
	frees  atomic.Uint64
}

// Snapshot reads the counters. Reads are individually atomic; a concurrent
// allocation may land between them.
func (c *Counters) Snapshot(cp Checkpoint) Snapshot {
	return Snapshot{
		Checkpoint:     cp,
		BytesAllocated: c.bytes.Load(),
		Allocations:    c.allocs.Load(),
		Deallocations:  c.frees.Load(),
	}
}

type countingAllocator struct {
	next     Allocator
	counters *Counters
}

// NewCounting wraps next so every Alloc and Free is counted. Buffers come
// straight from next.
func NewCounting(counters *Counters, next Allocator) Allocator {
	if next == nil {
		next = Heap
	}
	return &countingAllocator{next: next, counters: counters}
}

func (a *countingAllocator) Alloc(n int) []byte {
	b := a.next.Alloc(n)
	a.counters.allocs.Add(1)
	a.counters.bytes.Add(uint64(cap(b)))
	return b
}

func (a *countingAllocator) Free(b []byte) {
	if b == nil {
		return
	}
	a.next.Free(b)
	a.counters.frees.Add(1)
}
