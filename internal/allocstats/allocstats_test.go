package allocstats

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountingAllocator(t *testing.T) {
	// Test plan:
	// - Alloc and Free bump the counters
	// - Buffers keep the requested size
	// - Freeing nil is not counted

	var c Counters
	a := NewCounting(&c, nil)

	b := a.Alloc(32)
	assert.Len(t, b, 32)
	a.Free(b)
	a.Free(nil)

	s := c.Snapshot(RequestEnd)
	assert.Equal(t, uint64(1), s.Allocations)
	assert.Equal(t, uint64(1), s.Deallocations)
	assert.Equal(t, uint64(32), s.BytesAllocated)
	assert.Equal(t, int64(0), s.Live())
}

func TestTrace_LeakDelta(t *testing.T) {
	// Test plan:
	// - N allocations and N frees between RequestStart and RequestEnd give zero
	// - Leaving M buffers unfreed gives exactly M
	// - Activity before RequestStart is not attributed to the request

	tests := []struct {
		name   string
		allocs int
		frees  int
		want   int64
	}{
		{name: "balanced", allocs: 5, frees: 5, want: 0},
		{name: "leaks three", allocs: 5, frees: 2, want: 3},
		{name: "nothing", allocs: 0, frees: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Counters
			instr := New(&c, Heap)
			alloc := instr.Allocator()

			// Unrelated live buffer allocated before the request.
			_ = alloc.Alloc(8)

			var trace Trace
			require.NoError(t, trace.Record(instr.Snapshot(RequestStart)))

			var bufs [][]byte
			for range tt.allocs {
				bufs = append(bufs, alloc.Alloc(16))
			}
			for i := range tt.frees {
				alloc.Free(bufs[i])
			}

			require.NoError(t, trace.Record(instr.Snapshot(RequestEnd)))

			delta, ok := trace.LeakDelta()
			require.True(t, ok)
			assert.Equal(t, tt.want, delta)

			var logs bytes.Buffer
			leak, leaking := ReportIfLeaking(zerolog.New(&logs), 7, &trace)
			assert.Equal(t, tt.want != 0, leaking)
			if leaking {
				assert.Equal(t, tt.want, leak.Delta)

				var entry map[string]any
				require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
				assert.Equal(t, "allocation leak suspected", entry["message"])
				assert.EqualValues(t, tt.want, entry["leak_delta"])
				assert.EqualValues(t, 7, entry["context_id"])
			} else {
				assert.Empty(t, logs.String())
			}
		})
	}
}

func TestReportIfLeaking_Overlapped(t *testing.T) {
	// Test plan:
	// - an overlapped trace still reports its delta
	// - the report is flagged and logged below warn level

	var trace Trace
	require.NoError(t, trace.Record(Snapshot{Checkpoint: RequestStart, Allocations: 2}))
	trace.MarkOverlapped()
	require.NoError(t, trace.Record(Snapshot{Checkpoint: RequestEnd, Allocations: 4}))

	var logs bytes.Buffer
	leak, leaking := ReportIfLeaking(zerolog.New(&logs).Level(zerolog.InfoLevel), 3, &trace)
	require.True(t, leaking)
	assert.True(t, leak.Overlapped)
	assert.Equal(t, int64(2), leak.Delta)
	assert.Empty(t, logs.String())

	logs.Reset()
	_, _ = ReportIfLeaking(zerolog.New(&logs), 3, &trace)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, true, entry["overlapped"])
}

func TestTrace_Ordering(t *testing.T) {
	// Test plan:
	// - Checkpoints may be skipped
	// - Recording an earlier or repeated checkpoint fails

	var trace Trace
	require.NoError(t, trace.Record(Snapshot{Checkpoint: RequestStart}))
	require.NoError(t, trace.Record(Snapshot{Checkpoint: AfterSerialize}))

	err := trace.Record(Snapshot{Checkpoint: AfterHeaderMarshal})
	assert.ErrorIs(t, err, ErrOutOfOrder)
	err = trace.Record(Snapshot{Checkpoint: AfterSerialize})
	assert.ErrorIs(t, err, ErrOutOfOrder)

	_, ok := trace.LeakDelta()
	assert.False(t, ok, "no RequestEnd yet")

	require.NoError(t, trace.Record(Snapshot{Checkpoint: RequestEnd}))
	var got []Checkpoint
	for _, s := range trace.Snapshots() {
		got = append(got, s.Checkpoint)
	}
	assert.Equal(t, []Checkpoint{RequestStart, AfterSerialize, RequestEnd}, got)
}

func TestCountersNeverReset(t *testing.T) {
	var c Counters
	a := NewCounting(&c, nil)
	for range 3 {
		a.Free(a.Alloc(1))
	}
	first := c.Snapshot(Init)
	a.Free(a.Alloc(1))
	second := c.Snapshot(Init)

	assert.Greater(t, second.Allocations, first.Allocations)
	assert.Greater(t, second.Deallocations, first.Deallocations)
}

func TestNoop(t *testing.T) {
	var instr Instrumentation = Noop{}
	assert.False(t, instr.Enabled())
	assert.Equal(t, Snapshot{Checkpoint: OnCallResponse}, instr.Snapshot(OnCallResponse))
	assert.Len(t, instr.Allocator().Alloc(4), 4)
}

func TestProcess(t *testing.T) {
	assert.Equal(t, Compiled, Process().Enabled())
}

func TestCheckpointString(t *testing.T) {
	assert.Equal(t, "request_start", RequestStart.String())
	assert.Equal(t, "checkpoint(42)", Checkpoint(42).String())

	out, err := json.Marshal(Snapshot{Checkpoint: AfterSerialize})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"checkpoint":"after_serialize"`)
}
