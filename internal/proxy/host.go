package proxy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/okra-platform/authzfilter/internal/hostapi"
	"github.com/okra-platform/authzfilter/internal/upstream"
)

var _ hostapi.Host = (*Worker)(nil)

// The hostapi.Host methods below are only called by the filter, which runs
// on the worker goroutine.

func (w *Worker) RequestHeaders(id hostapi.StreamID) ([]hostapi.Header, error) {
	st, ok := w.streams[id]
	if !ok {
		return nil, w.unknownStream(id)
	}
	return cloneHeaders(st.headers), nil
}

func (w *Worker) RequestHeader(id hostapi.StreamID, name string) (string, bool) {
	st, ok := w.streams[id]
	if !ok {
		return "", false
	}
	for _, h := range st.headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func (w *Worker) RequestAttributes(id hostapi.StreamID) (hostapi.Attributes, error) {
	st, ok := w.streams[id]
	if !ok {
		return hostapi.Attributes{}, w.unknownStream(id)
	}
	return st.attrs, nil
}

// SetRequestHeader replaces every field named name with a single field.
func (w *Worker) SetRequestHeader(id hostapi.StreamID, name, value string) error {
	st, ok := w.streams[id]
	if !ok {
		return w.unknownStream(id)
	}
	if st.resolved {
		return resolvedError(id)
	}

	lower := strings.ToLower(name)
	next := make([]hostapi.Header, 0, len(st.headers)+1)
	replaced := false
	for _, h := range st.headers {
		if !strings.EqualFold(h.Name, name) {
			next = append(next, h)
			continue
		}
		if !replaced {
			next = append(next, hostapi.Header{Name: lower, Value: value})
			replaced = true
		}
	}
	if !replaced {
		next = append(next, hostapi.Header{Name: lower, Value: value})
	}

	if len(next) > w.limits.MaxRequestHeaders {
		return &hostapi.HostAPIError{
			Code:    hostapi.ErrorCodeHeaderLimitExceeded,
			Message: "too many request headers",
			Details: fmt.Sprintf("%d > %d", len(next), w.limits.MaxRequestHeaders),
		}
	}
	if n := headerBytes(next); n > w.limits.MaxHeaderBytes {
		return &hostapi.HostAPIError{
			Code:    hostapi.ErrorCodeHeaderLimitExceeded,
			Message: "request headers too large",
			Details: fmt.Sprintf("%d > %d bytes", n, w.limits.MaxHeaderBytes),
		}
	}

	st.headers = next
	return nil
}

func (w *Worker) RemoveRequestHeader(id hostapi.StreamID, name string) error {
	st, ok := w.streams[id]
	if !ok {
		return w.unknownStream(id)
	}
	if st.resolved {
		return resolvedError(id)
	}
	kept := st.headers[:0]
	for _, h := range st.headers {
		if !strings.EqualFold(h.Name, name) {
			kept = append(kept, h)
		}
	}
	st.headers = kept
	return nil
}

// SetResponseHeader records a header for the backend's response. It replaces
// an earlier value for the same name.
func (w *Worker) SetResponseHeader(id hostapi.StreamID, name, value string) error {
	st, ok := w.streams[id]
	if !ok {
		return w.unknownStream(id)
	}
	if st.resolved {
		return resolvedError(id)
	}
	for i := range st.respHeaders {
		if strings.EqualFold(st.respHeaders[i].Name, name) {
			st.respHeaders[i].Value = value
			return nil
		}
	}
	st.respHeaders = append(st.respHeaders, hostapi.Header{Name: strings.ToLower(name), Value: value})
	return nil
}

// DispatchCall starts the call on its own goroutine. The result comes back
// through the mailbox unless the call was cancelled first.
func (w *Worker) DispatchCall(name string, payload []byte, timeout time.Duration) (hostapi.Token, error) {
	if len(payload) > w.limits.MaxPayloadBytes {
		return 0, &hostapi.HostAPIError{
			Code:    hostapi.ErrorCodePayloadTooLarge,
			Message: "dispatch payload too large",
			Details: fmt.Sprintf("%d > %d bytes", len(payload), w.limits.MaxPayloadBytes),
		}
	}

	reg := w.upstreams()
	if reg == nil {
		return 0, &hostapi.HostAPIError{Code: hostapi.ErrorCodeUnknownUpstream, Message: "no upstreams configured"}
	}
	caller, err := reg.Get(name)
	if err != nil {
		return 0, &hostapi.HostAPIError{Code: hostapi.ErrorCodeUnknownUpstream, Message: "upstream not found", Details: name}
	}

	w.nextToken++
	if w.nextToken == 0 {
		w.nextToken++
	}
	token := w.nextToken

	ctx, cancel := context.WithTimeout(w.ctx, timeout)
	w.calls[token] = &call{upstream: name, cancel: cancel, started: w.now()}
	w.metrics.InflightCalls.Inc()

	buf := append([]byte(nil), payload...)
	go func() {
		out, err := caller.Call(ctx, buf)
		result := classify(ctx, out, err)
		// Posting uses a background context: the worker's done channel
		// already covers shutdown.
		_ = w.post(context.Background(), func() { w.deliver(token, result) })
	}()

	return token, nil
}

func (w *Worker) deliver(token hostapi.Token, result hostapi.CallResult) {
	c, ok := w.calls[token]
	if !ok {
		return
	}
	delete(w.calls, token)
	c.cancel()
	w.metrics.InflightCalls.Dec()
	w.metrics.CallDuration.WithLabelValues(c.upstream, result.Status.String()).Observe(w.now().Sub(c.started).Seconds())

	if result.Status != hostapi.CallOK {
		w.logger.Debug().Err(result.Err).Uint32("token", uint32(token)).Stringer("status", result.Status).Msg("call failed")
	}
	w.filter.OnCallResponse(token, result)
}

func classify(ctx context.Context, out []byte, err error) hostapi.CallResult {
	switch {
	case err == nil:
		return hostapi.CallResult{Status: hostapi.CallOK, Body: out}
	case ctx.Err() == context.DeadlineExceeded || upstream.IsTimeout(err):
		return hostapi.CallResult{Status: hostapi.CallTimeout, Err: err}
	default:
		return hostapi.CallResult{Status: hostapi.CallTransportError, Err: err}
	}
}

// CancelCall cancels the call context and drops its result. Cancelling an
// unknown token is not an error.
func (w *Worker) CancelCall(token hostapi.Token) error {
	c, ok := w.calls[token]
	if !ok {
		return nil
	}
	delete(w.calls, token)
	c.cancel()
	w.metrics.InflightCalls.Dec()
	return nil
}

func (w *Worker) ResumeRequest(id hostapi.StreamID) error {
	st, ok := w.streams[id]
	if !ok {
		return w.unknownStream(id)
	}
	if st.resolved {
		return resolvedError(id)
	}
	st.forward()
	return nil
}

func (w *Worker) SendLocalResponse(id hostapi.StreamID, status int, headers []hostapi.Header, body []byte) error {
	st, ok := w.streams[id]
	if !ok {
		return w.unknownStream(id)
	}
	if st.resolved {
		return resolvedError(id)
	}
	st.resolved = true
	st.verdict <- verdict{
		status:      status,
		respHeaders: cloneHeaders(headers),
		body:        append([]byte(nil), body...),
	}
	return nil
}

func (w *Worker) Now() time.Time { return w.now() }

func resolvedError(id hostapi.StreamID) error {
	return &hostapi.HostAPIError{
		Code:    hostapi.ErrorCodeStreamResolved,
		Message: "stream already resolved",
		Details: fmt.Sprintf("stream %d", id),
	}
}
