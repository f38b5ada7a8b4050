//go:build !allocstats

package allocstats

// Compiled reports whether the process-wide instrumentation is built in.
const Compiled = false

// Process returns Noop; build with -tags allocstats to count allocations.
func Process() Instrumentation {
	return Noop{}
}
