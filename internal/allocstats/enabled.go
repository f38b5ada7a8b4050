//go:build allocstats

package allocstats

// Compiled reports whether the process-wide instrumentation is built in.
const Compiled = true

var (
	processCounters        Counters
	processInstrumentation = New(&processCounters, Heap)
)

// Process returns the process-wide instrumentation.
func Process() Instrumentation {
	return processInstrumentation
}
