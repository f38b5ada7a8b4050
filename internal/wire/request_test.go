package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildRequest(t *testing.T) {
	// Test plan:
	// - Scalars come from the host attributes untouched
	// - Headers are copied verbatim in proxy order
	// - Repeated header names fold into one entry
	// - Nil body stays absent, the body is copied otherwise

	headers := []Header{
		{Name: ":authority", Value: "api.example.org"},
		{Name: "accept", Value: "text/html"},
		{Name: "X-Mixed-Case", Value: "Kept As Is"},
		{Name: "accept", Value: "application/json"},
	}
	attrs := Attributes{Method: "GET", Path: "/a?b=c", Scheme: "HTTPS", Host: "api.example.org", Protocol: "HTTP/2"}

	req := BuildRequest(headers, attrs, nil)

	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/a?b=c", req.Path)
	assert.Equal(t, "HTTPS", req.Scheme)
	assert.Equal(t, "api.example.org", req.Host)
	assert.Equal(t, "HTTP/2", req.Protocol)
	assert.Nil(t, req.Req)

	assert.Equal(t, []string{":authority", "accept", "X-Mixed-Case"}, req.Headers.Keys())
	v, ok := req.Headers.Get("accept")
	assert.True(t, ok)
	assert.Equal(t, "text/html, application/json", v)
	v, _ = req.Headers.Get("X-Mixed-Case")
	assert.Equal(t, "Kept As Is", v)

	body := []byte("payload")
	req = BuildRequest(nil, attrs, body)
	body[0] = 'X'
	assert.Equal(t, []byte("payload"), req.Req)
	assert.Equal(t, 0, req.Headers.Len())
}

func TestHeaderMap(t *testing.T) {
	m := HeaderMapOf("a", "1", "b", "2")
	m.Set("a", "3")
	assert.Equal(t, []string{"a", "b"}, m.Keys())
	assert.Equal(t, map[string]string{"a": "3", "b": "2"}, m.Map())

	var nilMap *HeaderMap
	assert.Equal(t, 0, nilMap.Len())
	_, ok := nilMap.Get("a")
	assert.False(t, ok)
	for range nilMap.All() {
		t.Fatal("nil map must not yield")
	}
}
