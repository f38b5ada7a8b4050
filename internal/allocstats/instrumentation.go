package allocstats

// Instrumentation is what the request path is handed to allocate buffers
// and read counters.
type Instrumentation interface {
	Enabled() bool
	Allocator() Allocator
	Snapshot(cp Checkpoint) Snapshot
}

// Noop is the disabled instrumentation. It allocates from the heap and
// reports zero counters.
type Noop struct{}

func (Noop) Enabled() bool                  { return false }
func (Noop) Allocator() Allocator           { return Heap }
func (Noop) Snapshot(cp Checkpoint) Snapshot { return Snapshot{Checkpoint: cp} }

type counting struct {
	counters  *Counters
	allocator Allocator
}

// New returns instrumentation that counts into counters. Production code
// gets the process-wide instance from Process; tests pass private counters.
func New(counters *Counters, next Allocator) Instrumentation {
	return &counting{
		counters:  counters,
		allocator: NewCounting(counters, next),
	}
}

func (c *counting) Enabled() bool        { return true }
func (c *counting) Allocator() Allocator { return c.allocator }

func (c *counting) Snapshot(cp Checkpoint) Snapshot {
	return c.counters.Snapshot(cp)
}
