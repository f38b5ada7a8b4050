package filter

import (
	"strings"
	"time"

	"github.com/okra-platform/authzfilter/internal/hostapi"
)

type dispatchedCall struct {
	upstream string
	payload  []byte
	timeout  time.Duration
	token    hostapi.Token
}

type localResponse struct {
	status  int
	headers []hostapi.Header
	body    []byte
}

// fakeHost records everything the filter asks of it.
type fakeHost struct {
	now       time.Time
	headers   map[hostapi.StreamID][]hostapi.Header
	attrs     map[hostapi.StreamID]hostapi.Attributes
	nextToken hostapi.Token

	calls     []dispatchedCall
	cancelled []hostapi.Token
	resumed   []hostapi.StreamID
	local     map[hostapi.StreamID]localResponse
	respHdrs  map[hostapi.StreamID][]hostapi.Header

	dispatchErr error
	cancelErr   error
	maxHeaders  int
	panicOnRead bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		now:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		headers:   map[hostapi.StreamID][]hostapi.Header{},
		attrs:     map[hostapi.StreamID]hostapi.Attributes{},
		local:     map[hostapi.StreamID]localResponse{},
		respHdrs:  map[hostapi.StreamID][]hostapi.Header{},
		nextToken: 100,
	}
}

func (h *fakeHost) addStream(id hostapi.StreamID, kv ...string) {
	var hs []hostapi.Header
	for i := 0; i+1 < len(kv); i += 2 {
		hs = append(hs, hostapi.Header{Name: kv[i], Value: kv[i+1]})
	}
	h.headers[id] = hs
	h.attrs[id] = hostapi.Attributes{
		Method:   "GET",
		Path:     "/orders/42",
		Scheme:   "https",
		Host:     "shop.example",
		Protocol: "HTTP/1.1",
	}
}

func (h *fakeHost) header(id hostapi.StreamID, name string) string {
	v, _ := h.RequestHeader(id, name)
	return v
}

func (h *fakeHost) lastToken() hostapi.Token {
	return h.calls[len(h.calls)-1].token
}

func (h *fakeHost) RequestHeaders(id hostapi.StreamID) ([]hostapi.Header, error) {
	if h.panicOnRead {
		panic("header table corrupted")
	}
	hs, ok := h.headers[id]
	if !ok {
		return nil, &hostapi.HostAPIError{Code: hostapi.ErrorCodeUnknownStream, Message: "no such stream"}
	}
	return append([]hostapi.Header(nil), hs...), nil
}

func (h *fakeHost) RequestHeader(id hostapi.StreamID, name string) (string, bool) {
	for _, hdr := range h.headers[id] {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

func (h *fakeHost) RequestAttributes(id hostapi.StreamID) (hostapi.Attributes, error) {
	return h.attrs[id], nil
}

func (h *fakeHost) SetRequestHeader(id hostapi.StreamID, name, value string) error {
	hs := h.headers[id]
	for i := range hs {
		if strings.EqualFold(hs[i].Name, name) {
			hs[i].Value = value
			return nil
		}
	}
	if h.maxHeaders > 0 && len(hs) >= h.maxHeaders {
		return &hostapi.HostAPIError{Code: hostapi.ErrorCodeHeaderLimitExceeded, Message: "too many headers"}
	}
	h.headers[id] = append(hs, hostapi.Header{Name: name, Value: value})
	return nil
}

func (h *fakeHost) RemoveRequestHeader(id hostapi.StreamID, name string) error {
	hs := h.headers[id][:0]
	for _, hdr := range h.headers[id] {
		if !strings.EqualFold(hdr.Name, name) {
			hs = append(hs, hdr)
		}
	}
	h.headers[id] = hs
	return nil
}

func (h *fakeHost) DispatchCall(upstream string, payload []byte, timeout time.Duration) (hostapi.Token, error) {
	if h.dispatchErr != nil {
		return 0, h.dispatchErr
	}
	h.nextToken++
	h.calls = append(h.calls, dispatchedCall{
		upstream: upstream,
		payload:  append([]byte(nil), payload...),
		timeout:  timeout,
		token:    h.nextToken,
	})
	return h.nextToken, nil
}

func (h *fakeHost) CancelCall(token hostapi.Token) error {
	if h.cancelErr != nil {
		return h.cancelErr
	}
	h.cancelled = append(h.cancelled, token)
	return nil
}

func (h *fakeHost) ResumeRequest(id hostapi.StreamID) error {
	h.resumed = append(h.resumed, id)
	return nil
}

func (h *fakeHost) SendLocalResponse(id hostapi.StreamID, status int, headers []hostapi.Header, body []byte) error {
	h.local[id] = localResponse{status: status, headers: headers, body: body}
	return nil
}

func (h *fakeHost) SetResponseHeader(id hostapi.StreamID, name, value string) error {
	h.respHdrs[id] = append(h.respHdrs[id], hostapi.Header{Name: name, Value: value})
	return nil
}

func (h *fakeHost) Now() time.Time { return h.now }
