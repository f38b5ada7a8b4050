package decision

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okra-platform/authzfilter/internal/wire"
)

// fakeHeaders is a case-insensitive header store that can refuse writes
// once a limit is reached.
type fakeHeaders struct {
	values   map[string]string
	limit    int
	failName string
	writes   int
}

func newFakeHeaders(kv ...string) *fakeHeaders {
	f := &fakeHeaders{values: map[string]string{}, limit: -1}
	for i := 0; i+1 < len(kv); i += 2 {
		f.values[strings.ToLower(kv[i])] = kv[i+1]
	}
	return f
}

func (f *fakeHeaders) RequestHeader(name string) (string, bool) {
	v, ok := f.values[strings.ToLower(name)]
	return v, ok
}

func (f *fakeHeaders) SetRequestHeader(name, value string) error {
	key := strings.ToLower(name)
	if key == f.failName {
		return errors.New("header limit exceeded")
	}
	if _, exists := f.values[key]; !exists && f.limit >= 0 && len(f.values) >= f.limit {
		return errors.New("header limit exceeded")
	}
	f.writes++
	f.values[key] = value
	return nil
}

func (f *fakeHeaders) RemoveRequestHeader(name string) error {
	delete(f.values, strings.ToLower(name))
	return nil
}

func TestApply_Allow(t *testing.T) {
	// Test plan:
	// - Reply headers are merged into the request
	// - Existing headers are overwritten, unrelated ones survive
	// - User lands in the identity header

	h := newFakeHeaders("x-user", "mallory", "accept", "*/*")
	resp := wire.FilterResponse{
		Allow:   true,
		User:    "alice",
		Headers: wire.HeaderMapOf("x-user", "alice", "x-group", "admins"),
	}

	out, err := Apply(h, resp, Options{IdentityHeader: DefaultIdentityHeader})
	require.NoError(t, err)

	assert.Equal(t, Allow, out.Kind)
	assert.Equal(t, 3, out.Applied)
	assert.Equal(t, map[string]string{
		"x-user":       "alice",
		"x-group":      "admins",
		"accept":       "*/*",
		"x-authz-user": "alice",
	}, h.values)
}

func TestApply_AllowWithoutUserOrIdentityHeader(t *testing.T) {
	h := newFakeHeaders()

	out, err := Apply(h, wire.FilterResponse{Allow: true}, Options{IdentityHeader: DefaultIdentityHeader})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Applied)
	assert.Empty(t, h.values)

	out, err = Apply(h, wire.FilterResponse{Allow: true, User: "bob"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Applied)
	assert.Empty(t, h.values)
}

func TestApply_Deny(t *testing.T) {
	// Test plan:
	// - Deny carries the message as body with the unauthorized status
	// - Empty message gives no body at all
	// - Request headers are never touched

	h := newFakeHeaders("authorization", "Bearer nope")

	out, err := Apply(h, wire.FilterResponse{Message: "denied: no token", Headers: wire.HeaderMapOf("x-user", "x")}, Options{})
	require.NoError(t, err)
	assert.Equal(t, Deny, out.Kind)
	assert.Equal(t, DenyStatus, out.Status)
	assert.Contains(t, string(out.Body), "denied: no token")
	assert.Equal(t, map[string]string{"authorization": "Bearer nope"}, h.values)

	out, err = Apply(h, wire.FilterResponse{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, Deny, out.Kind)
	assert.Nil(t, out.Body)
	assert.Empty(t, out.Headers)
	assert.Equal(t, 0, h.writes)
}

func TestApply_RollbackOnHostFailure(t *testing.T) {
	// Test plan:
	// - Host refuses the third write
	// - Headers written before are restored or removed
	// - ErrMergeIncomplete is returned

	h := newFakeHeaders("x-user", "original")
	h.failName = "x-third"

	resp := wire.FilterResponse{
		Allow:   true,
		Headers: wire.HeaderMapOf("x-user", "alice", "x-new", "1", "x-third", "3"),
	}

	_, err := Apply(h, resp, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMergeIncomplete)
	assert.Equal(t, map[string]string{"x-user": "original"}, h.values)
}

func TestApply_RollbackOnLimit(t *testing.T) {
	h := newFakeHeaders("a", "1")
	h.limit = 2

	resp := wire.FilterResponse{Allow: true, User: "alice", Headers: wire.HeaderMapOf("b", "2")}
	_, err := Apply(h, resp, Options{IdentityHeader: "x-authz-user"})
	assert.ErrorIs(t, err, ErrMergeIncomplete)
	assert.Equal(t, map[string]string{"a": "1"}, h.values)
}

func TestApply_InvalidHeaders(t *testing.T) {
	// Test plan:
	// - Invalid names or values are rejected before any write

	cases := []wire.FilterResponse{
		{Allow: true, Headers: wire.HeaderMapOf("bad name", "v")},
		{Allow: true, Headers: wire.HeaderMapOf("x-ok", "line\nbreak")},
		{Allow: true, Headers: wire.HeaderMapOf("x-ok", "v"), User: "a\r\nb"},
	}
	for _, resp := range cases {
		h := newFakeHeaders()
		_, err := Apply(h, resp, Options{IdentityHeader: DefaultIdentityHeader})
		assert.ErrorIs(t, err, ErrMergeIncomplete)
		assert.Equal(t, 0, h.writes)
	}
}

func TestReject(t *testing.T) {
	out := Reject(403, "authorization unavailable")
	assert.Equal(t, Deny, out.Kind)
	assert.Equal(t, 403, out.Status)
	assert.Equal(t, []byte("authorization unavailable"), out.Body)

	out = Reject(0, "")
	assert.Equal(t, DenyStatus, out.Status)
	assert.Nil(t, out.Body)
}
