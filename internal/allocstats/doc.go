// Package allocstats counts buffer allocations made on the request path so
// per-request leaks can be spotted.
//
// Counters are process-wide and only ever increase. A request's leak delta
// is derived by subtracting the live count captured at RequestStart from the
// one captured at RequestEnd. Requests that run concurrently share the
// counters, so a delta is only a suspicion; traces that saw another request
// are marked overlapped and reported at debug level.
//
// The process-wide instrumentation is compiled in with the allocstats build
// tag:
//
//	go build -tags allocstats .
//
// Without it Process returns Noop and the request path uses the plain heap
// allocator.
package allocstats
