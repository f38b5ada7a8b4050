package filter

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http/httpguts"

	"github.com/okra-platform/authzfilter/internal/allocstats"
	"github.com/okra-platform/authzfilter/internal/decision"
	"github.com/okra-platform/authzfilter/internal/hostapi"
	"github.com/okra-platform/authzfilter/internal/wire"
)

// Stats are the per-filter counters exposed to the admin server.
type Stats struct {
	Dispatches   uint64 `json:"dispatches"`
	StaleReplies uint64 `json:"stale_replies"`
	Allowed      uint64 `json:"allowed"`
	Denied       uint64 `json:"denied"`
	Failed       uint64 `json:"failed"`
	FailedOpen   uint64 `json:"failed_open"`
	Leaks        uint64 `json:"leaks"`
	Panics       uint64 `json:"panics"`
	Active       int    `json:"active"`
	Tombstones   int    `json:"tombstones"`
}

// Option configures a Filter.
type Option func(*Filter)

// WithLogger sets the logger. The filter adds its own component field.
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Filter) {
		f.logger = logger.With().Str("component", "filter").Logger()
	}
}

// WithInstrumentation enables per-request allocation traces.
func WithInstrumentation(instr allocstats.Instrumentation) Option {
	return func(f *Filter) {
		if instr != nil {
			f.instr = instr
		}
	}
}

// Filter is one authorization filter instance. A host worker owns exactly one
// and drives it through the On* callbacks from a single goroutine; the filter
// never blocks and holds no locks.
type Filter struct {
	host   hostapi.Host
	cfg    Config
	logger zerolog.Logger
	instr  allocstats.Instrumentation
	init   allocstats.Snapshot

	contexts   map[hostapi.StreamID]*RequestContext
	pending    map[hostapi.Token]hostapi.StreamID
	tombstones map[hostapi.Token]time.Time

	stats Stats
}

// New creates a filter bound to host.
func New(host hostapi.Host, cfg Config, opts ...Option) (*Filter, error) {
	if host == nil {
		return nil, errors.New("host cannot be nil")
	}
	f := &Filter{
		host:       host,
		logger:     zerolog.Nop(),
		instr:      allocstats.Noop{},
		contexts:   make(map[hostapi.StreamID]*RequestContext),
		pending:    make(map[hostapi.Token]hostapi.StreamID),
		tombstones: make(map[hostapi.Token]time.Time),
	}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.OnConfigure(cfg); err != nil {
		return nil, err
	}
	f.init = f.instr.Snapshot(allocstats.Init)
	return f, nil
}

// Config returns the configuration applied to new requests.
func (f *Filter) Config() Config { return f.cfg }

// InitSnapshot returns the counters read when the filter was created.
func (f *Filter) InitSnapshot() allocstats.Snapshot { return f.init }

// Stats returns a copy of the counters.
func (f *Filter) Stats() Stats {
	s := f.stats
	s.Active = len(f.contexts)
	s.Tombstones = len(f.tombstones)
	return s
}

// Context returns the live context of a stream.
func (f *Filter) Context(id hostapi.StreamID) (*RequestContext, bool) {
	rc, ok := f.contexts[id]
	return rc, ok
}

// OnConfigure validates cfg and uses it for requests that start afterwards.
func (f *Filter) OnConfigure(cfg Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	f.cfg = cfg
	f.logger.Debug().
		Str("upstream", cfg.Upstream).
		Dur("timeout", cfg.Timeout).
		Stringer("failure_policy", cfg.FailurePolicy).
		Str("codec", cfg.Codec.Name()).
		Msg("filter configured")
	return nil
}

// OnRequestHeaders starts a request. It dispatches the authorization call
// unless the body has to be collected first.
func (f *Filter) OnRequestHeaders(id hostapi.StreamID, endOfStream bool) (action hostapi.Action) {
	defer func() {
		if r := recover(); r != nil {
			action = f.handlePanic("on_request_headers", id, true, r)
		}
	}()

	if rc, exists := f.contexts[id]; exists {
		f.logger.Warn().Uint32("context_id", uint32(id)).Stringer("state", rc.state).Msg("headers delivered twice")
		return actionFor(rc)
	}

	rc := newRequestContext(id, f.host.Now(), f.cfg)
	if f.instr.Enabled() {
		rc.trace = &allocstats.Trace{}
		f.markOverlap(rc)
	}
	f.contexts[id] = rc
	f.checkpoint(rc, allocstats.RequestStart)
	f.transition(rc, HeadersReceived)

	rc.inCallback = true
	defer func() { rc.inCallback = false }()

	if rc.cfg.ForwardBody && !endOfStream {
		rc.waitingBody = true
		return hostapi.ActionPause
	}
	f.dispatch(rc)
	return actionFor(rc)
}

// OnRequestBody buffers body chunks while the request waits for its body.
// The call is dispatched at end of stream or once MaxBodyBytes are held;
// anything past the limit is not forwarded.
func (f *Filter) OnRequestBody(id hostapi.StreamID, chunk []byte, endOfStream bool) (action hostapi.Action) {
	defer func() {
		if r := recover(); r != nil {
			action = f.handlePanic("on_request_body", id, true, r)
		}
	}()

	rc, ok := f.contexts[id]
	if !ok {
		return hostapi.ActionContinue
	}
	if !rc.waitingBody {
		return actionFor(rc)
	}

	rc.inCallback = true
	defer func() { rc.inCallback = false }()

	limit := rc.cfg.MaxBodyBytes
	if rc.body == nil && limit > 0 {
		rc.body = f.instr.Allocator().Alloc(limit)[:0]
	}
	if room := limit - len(rc.body); room > 0 {
		rc.body = append(rc.body, chunk[:min(room, len(chunk))]...)
	}

	if endOfStream || len(rc.body) >= limit {
		rc.waitingBody = false
		f.dispatch(rc)
	}
	return actionFor(rc)
}

// OnCallResponse delivers the reply for token. Replies that match no waiting
// request are ignored.
func (f *Filter) OnCallResponse(token hostapi.Token, result hostapi.CallResult) {
	var (
		id    hostapi.StreamID
		known bool
	)
	defer func() {
		if r := recover(); r != nil {
			f.handlePanic("on_call_response", id, known, r)
		}
	}()

	id, known = f.pending[token]
	if !known {
		f.staleReply(token)
		return
	}
	delete(f.pending, token)

	rc := f.contexts[id]
	if rc == nil || rc.state != AwaitingAuthorization || rc.token != token {
		known = false
		f.staleReply(token)
		return
	}
	f.checkpoint(rc, allocstats.OnCallResponse)

	switch result.Status {
	case hostapi.CallOK:
	case hostapi.CallTimeout:
		f.fail(rc, ErrTimeout)
		return
	default:
		f.fail(rc, fmt.Errorf("%w: %v", ErrTransport, result.Err))
		return
	}

	resp, err := wire.ParseResponse(rc.cfg.Codec, result.Body)
	if err != nil {
		f.fail(rc, err)
		return
	}

	out, err := decision.Apply(headerMutator{host: f.host, id: id}, resp, decision.Options{
		IdentityHeader: rc.cfg.IdentityHeader,
	})
	if err != nil {
		// A partially applied allow must never reach the upstream.
		f.rejectFailure(rc, err)
		return
	}

	switch out.Kind {
	case decision.Allow:
		f.stats.Allowed++
		f.logger.Debug().Uint32("context_id", uint32(id)).Str("user", resp.User).Int("headers", out.Applied).Msg("request allowed")
		f.echoMessage(rc, resp.Message)
		f.resume(rc)
	default:
		f.stats.Denied++
		f.logger.Debug().Uint32("context_id", uint32(id)).Str("message", resp.Message).Msg("request denied")
		f.reject(rc, out)
	}
}

// OnStreamDone is called when the host tears the stream down for any reason.
func (f *Filter) OnStreamDone(id hostapi.StreamID) {
	defer func() {
		if r := recover(); r != nil {
			f.handlePanic("on_stream_done", id, false, r)
		}
	}()

	rc, ok := f.contexts[id]
	if !ok {
		return
	}
	delete(f.contexts, id)

	if rc.state == AwaitingAuthorization {
		f.abandonCall(rc)
	}
	f.transition(rc, Closed)
	f.freeBody(rc)

	f.checkpoint(rc, allocstats.RequestEnd)
	if leak, leaking := allocstats.ReportIfLeaking(f.logger, uint32(id), rc.trace); leaking && !leak.Overlapped {
		f.stats.Leaks++
	}
}

// markOverlap flags rc and every live traced request when they share a
// lifetime. Requests on other filters sharing the counters go unnoticed.
func (f *Filter) markOverlap(rc *RequestContext) {
	for _, other := range f.contexts {
		if other.trace == nil {
			continue
		}
		other.trace.MarkOverlapped()
		rc.trace.MarkOverlapped()
	}
}

// OnTick fails requests whose call outlived its timeout and drops tombstones
// old enough that no reply can still arrive.
func (f *Filter) OnTick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			f.handlePanic("on_tick", 0, false, r)
		}
	}()

	for _, rc := range f.contexts {
		if rc.state != AwaitingAuthorization || now.Sub(rc.DispatchSentAt) < rc.cfg.Timeout {
			continue
		}
		f.abandonCall(rc)
		f.fail(rc, ErrTimeout)
	}

	horizon := 2 * f.cfg.Timeout
	for token, at := range f.tombstones {
		if now.Sub(at) >= horizon {
			delete(f.tombstones, token)
		}
	}
}

func (f *Filter) dispatch(rc *RequestContext) {
	if rc.Dispatched {
		f.logger.Error().Uint32("context_id", uint32(rc.ContextID)).Msg("second dispatch refused")
		return
	}
	rc.Dispatched = true

	headers, err := f.host.RequestHeaders(rc.ContextID)
	if err != nil {
		f.fail(rc, fmt.Errorf("%w: read headers: %w", ErrDispatch, err))
		return
	}
	attrs, err := f.host.RequestAttributes(rc.ContextID)
	if err != nil {
		f.fail(rc, fmt.Errorf("%w: read attributes: %w", ErrDispatch, err))
		return
	}

	var body []byte
	if rc.cfg.ForwardBody {
		body = rc.body
		if body == nil {
			body = []byte{}
		}
	}
	req := wire.BuildRequest(headers, attrs, body)
	f.freeBody(rc)
	f.checkpoint(rc, allocstats.AfterHeaderMarshal)

	alloc := f.instr.Allocator()
	payload, err := rc.cfg.Codec.EncodeRequest(req, alloc)
	if err != nil {
		// Without a payload there is nothing to ask; never let it through.
		f.rejectFailure(rc, err)
		return
	}
	f.checkpoint(rc, allocstats.AfterSerialize)

	token, err := f.host.DispatchCall(rc.cfg.Upstream, payload, rc.cfg.Timeout)
	alloc.Free(payload)
	if err != nil {
		f.fail(rc, fmt.Errorf("%w: %w", ErrDispatch, err))
		return
	}

	f.stats.Dispatches++
	rc.DispatchSentAt = f.host.Now()
	rc.token = token
	rc.pending = true
	f.pending[token] = rc.ContextID
	f.transition(rc, AwaitingAuthorization)

	f.logger.Debug().
		Uint32("context_id", uint32(rc.ContextID)).
		Uint32("token", uint32(token)).
		Str("upstream", rc.cfg.Upstream).
		Int("payload_bytes", len(payload)).
		Msg("authorization call dispatched")
}

// fail records cause and resolves the request by policy.
func (f *Filter) fail(rc *RequestContext, cause error) {
	if !f.transition(rc, Failed) {
		return
	}
	rc.failure = cause
	f.stats.Failed++

	f.logger.Warn().
		Err(cause).
		Uint32("context_id", uint32(rc.ContextID)).
		Stringer("failure_policy", rc.cfg.FailurePolicy).
		Msg("authorization failed")

	if rc.cfg.FailurePolicy == FailOpen {
		f.stats.FailedOpen++
		f.resume(rc)
		return
	}
	f.reject(rc, decision.Reject(rc.cfg.FailureStatus, rc.cfg.FailureMessage))
}

// rejectFailure rejects regardless of policy.
func (f *Filter) rejectFailure(rc *RequestContext, cause error) {
	rc.failure = cause
	f.stats.Failed++
	f.logger.Error().Err(cause).Uint32("context_id", uint32(rc.ContextID)).Msg("authorization failed, rejecting")
	f.reject(rc, decision.Reject(rc.cfg.FailureStatus, rc.cfg.FailureMessage))
}

// echoMessage copies the reply message onto the client response. The request
// is allowed either way.
func (f *Filter) echoMessage(rc *RequestContext, message string) {
	name := rc.cfg.MessageHeader
	if name == "" || message == "" {
		return
	}
	if !httpguts.ValidHeaderFieldValue(message) {
		f.logger.Debug().Uint32("context_id", uint32(rc.ContextID)).Msg("reply message is not a valid header value, not echoed")
		return
	}
	if err := f.host.SetResponseHeader(rc.ContextID, name, message); err != nil {
		f.logger.Warn().Err(err).Uint32("context_id", uint32(rc.ContextID)).Str("header", name).Msg("response header not set")
	}
}

func (f *Filter) resume(rc *RequestContext) {
	if !f.transition(rc, Resumed) {
		return
	}
	if rc.inCallback {
		return
	}
	if err := f.host.ResumeRequest(rc.ContextID); err != nil {
		f.logger.Error().Err(err).Uint32("context_id", uint32(rc.ContextID)).Msg("resume failed")
	}
}

func (f *Filter) reject(rc *RequestContext, out decision.Outcome) {
	if !f.transition(rc, Rejected) {
		return
	}
	if err := f.host.SendLocalResponse(rc.ContextID, out.Status, out.Headers, out.Body); err != nil {
		f.logger.Error().Err(err).Uint32("context_id", uint32(rc.ContextID)).Msg("local response failed")
	}
}

// transition moves rc to next when allowed. The correlation token is cleared
// whenever the request leaves AwaitingAuthorization.
func (f *Filter) transition(rc *RequestContext, next State) bool {
	if !rc.state.CanTransition(next) {
		f.logger.Error().
			Uint32("context_id", uint32(rc.ContextID)).
			Stringer("state", rc.state).
			Stringer("next", next).
			Msg("state transition refused")
		return false
	}
	if rc.state == AwaitingAuthorization {
		rc.token = 0
		rc.pending = false
	}
	rc.state = next
	rc.path = append(rc.path, next)
	return true
}

// abandonCall forgets the in-flight call. When the host cannot cancel it the
// token is tombstoned so the late reply is recognized.
func (f *Filter) abandonCall(rc *RequestContext) {
	token, ok := rc.PendingCallID()
	if !ok {
		return
	}
	delete(f.pending, token)
	if err := f.host.CancelCall(token); err != nil {
		f.tombstones[token] = f.host.Now()
		if !hostapi.IsCode(err, hostapi.ErrorCodeCancelUnsupported) {
			f.logger.Debug().Err(err).Uint32("token", uint32(token)).Msg("cancel failed")
		}
	}
}

func (f *Filter) staleReply(token hostapi.Token) {
	f.stats.StaleReplies++
	if _, closed := f.tombstones[token]; closed {
		delete(f.tombstones, token)
		f.logger.Debug().Uint32("token", uint32(token)).Msg("late reply for abandoned call discarded")
		return
	}
	f.logger.Warn().Err(ErrStaleReply).Uint32("token", uint32(token)).Msg("reply ignored")
}

func (f *Filter) freeBody(rc *RequestContext) {
	if rc.body != nil {
		f.instr.Allocator().Free(rc.body)
		rc.body = nil
	}
}

func (f *Filter) checkpoint(rc *RequestContext, cp allocstats.Checkpoint) {
	if rc.trace == nil {
		return
	}
	if err := rc.trace.Record(f.instr.Snapshot(cp)); err != nil {
		f.logger.Debug().Err(err).Uint32("context_id", uint32(rc.ContextID)).Msg("checkpoint skipped")
	}
}

// handlePanic rejects the affected request so the fault stays inside the
// filter. The rejection itself is guarded because the host may be the one
// panicking.
func (f *Filter) handlePanic(callback string, id hostapi.StreamID, known bool, r any) hostapi.Action {
	f.stats.Panics++
	f.logger.Error().
		Str("callback", callback).
		Uint32("context_id", uint32(id)).
		Interface("panic", r).
		Bytes("stack", debug.Stack()).
		Msg("filter callback panicked")

	if !known {
		return hostapi.ActionPause
	}
	rc, ok := f.contexts[id]
	if !ok {
		return hostapi.ActionPause
	}
	if rc.state.Resolved() {
		return actionFor(rc)
	}

	defer func() {
		if r := recover(); r != nil {
			f.logger.Error().Interface("panic", r).Uint32("context_id", uint32(id)).Msg("rejecting after panic failed")
		}
	}()
	rc.inCallback = false
	if rc.state == AwaitingAuthorization {
		f.abandonCall(rc)
	}
	f.rejectFailure(rc, fmt.Errorf("%w: %v", ErrPanic, r))
	return hostapi.ActionPause
}

func actionFor(rc *RequestContext) hostapi.Action {
	if rc != nil && rc.state == Resumed {
		return hostapi.ActionContinue
	}
	return hostapi.ActionPause
}

type headerMutator struct {
	host hostapi.Host
	id   hostapi.StreamID
}

func (m headerMutator) RequestHeader(name string) (string, bool) {
	return m.host.RequestHeader(m.id, name)
}

func (m headerMutator) SetRequestHeader(name, value string) error {
	return m.host.SetRequestHeader(m.id, name, value)
}

func (m headerMutator) RemoveRequestHeader(name string) error {
	return m.host.RemoveRequestHeader(m.id, name)
}
