package allocstats

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrOutOfOrder is returned when a checkpoint is recorded at or before the
// last recorded one.
var ErrOutOfOrder = errors.New("checkpoint out of order")

// Trace holds one request's snapshots. Checkpoints may be skipped but never
// revisited.
type Trace struct {
	snaps    [numCheckpoints]Snapshot
	seen     [numCheckpoints]bool
	last     Checkpoint
	recorded bool

	overlapped bool
}

// MarkOverlapped records that another request was live at some point
// between RequestStart and RequestEnd. Its allocations land in the same
// counters, so the leak delta can no longer be pinned on this request.
func (t *Trace) MarkOverlapped() { t.overlapped = true }

// Overlapped reports whether MarkOverlapped was called.
func (t *Trace) Overlapped() bool { return t.overlapped }

// Record stores s under its checkpoint.
func (t *Trace) Record(s Snapshot) error {
	if s.Checkpoint >= numCheckpoints {
		return fmt.Errorf("unknown %s", s.Checkpoint)
	}
	if t.recorded && s.Checkpoint <= t.last {
		return fmt.Errorf("%w: %s after %s", ErrOutOfOrder, s.Checkpoint, t.last)
	}
	t.snaps[s.Checkpoint] = s
	t.seen[s.Checkpoint] = true
	t.last = s.Checkpoint
	t.recorded = true
	return nil
}

// Get returns the snapshot recorded at cp.
func (t *Trace) Get(cp Checkpoint) (Snapshot, bool) {
	if cp >= numCheckpoints || !t.seen[cp] {
		return Snapshot{}, false
	}
	return t.snaps[cp], true
}

// Snapshots returns recorded snapshots in checkpoint order.
func (t *Trace) Snapshots() []Snapshot {
	var out []Snapshot
	for cp := Checkpoint(0); cp < numCheckpoints; cp++ {
		if t.seen[cp] {
			out = append(out, t.snaps[cp])
		}
	}
	return out
}

// Leak describes a non-zero leak delta.
type Leak struct {
	Delta int64
	Start Snapshot
	End   Snapshot
	// Overlapped leaks may belong to a concurrent request.
	Overlapped bool
}

// LeakDelta is the change in live allocations between RequestStart and
// RequestEnd. ok is false until both are recorded.
func (t *Trace) LeakDelta() (delta int64, ok bool) {
	start, ok1 := t.Get(RequestStart)
	end, ok2 := t.Get(RequestEnd)
	if !ok1 || !ok2 {
		return 0, false
	}
	return end.Live() - start.Live(), true
}

// ReportIfLeaking logs a warning when the request's leak delta is not zero.
// It is an observability signal only: the counters are shared, so an
// overlapped trace is logged at debug level instead.
func ReportIfLeaking(logger zerolog.Logger, contextID uint32, t *Trace) (Leak, bool) {
	if t == nil {
		return Leak{}, false
	}
	delta, ok := t.LeakDelta()
	if !ok || delta == 0 {
		return Leak{}, false
	}

	start, _ := t.Get(RequestStart)
	end, _ := t.Get(RequestEnd)
	leak := Leak{Delta: delta, Start: start, End: end, Overlapped: t.overlapped}

	ev := logger.Warn()
	if leak.Overlapped {
		ev = logger.Debug()
	}
	ev.Uint32("context_id", contextID).
		Bool("overlapped", leak.Overlapped).
		Int64("leak_delta", delta).
		Uint64("bytes_allocated", end.BytesAllocated-start.BytesAllocated).
		Msg("allocation leak suspected")

	return leak, true
}
