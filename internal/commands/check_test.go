package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okra-platform/authzfilter/internal/wire"
)

// Test plan for Check command:
// 1. A valid config prints a summary
// 2. --print renders the effective config
// 3. A probe builds the request the filter would send and reports the decision
// 4. Probe failures and malformed header flags are errors

func newAuthzServer(t *testing.T, decide func(wire.FilterRequest) wire.FilterResponse) *httptest.Server {
	t.Helper()
	codec := wire.NewProtoCodec(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req, err := codec.DecodeRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out, err := codec.EncodeResponse(decide(req), nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", codec.ContentType())
		w.Write(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func checkConfig(authzURL string) string {
	return fmt.Sprintf(`
backend: "http://127.0.0.1:9000"
authz:
  timeout: 2s
upstreams:
  - name: authz
    kind: http
    url: %s
`, authzURL)
}

func TestController_Check_Summary(t *testing.T) {
	var out bytes.Buffer
	ctrl := &Controller{
		Flags:  &Flags{ConfigPath: writeConfig(t, checkConfig("http://127.0.0.1:9/check"))},
		Logger: zerolog.Nop(),
		Out:    &out,
	}

	require.NoError(t, ctrl.Check(context.Background(), CheckOptions{Print: true}))
	assert.Contains(t, out.String(), "is valid")
	assert.Contains(t, out.String(), "fail-closed")
	assert.Contains(t, out.String(), "identity_header: x-authz-user")
}

func TestController_Check_Probe(t *testing.T) {
	seen := make(chan wire.FilterRequest, 1)
	srv := newAuthzServer(t, func(req wire.FilterRequest) wire.FilterResponse {
		seen <- req
		if v, _ := req.Headers.Get("authorization"); v == "Bearer good" {
			return wire.FilterResponse{Allow: true, User: "alice", Headers: wire.HeaderMapOf("x-tenant", "acme")}
		}
		return wire.FilterResponse{Message: "bad token"}
	})

	var out bytes.Buffer
	ctrl := &Controller{
		Flags:  &Flags{ConfigPath: writeConfig(t, checkConfig(srv.URL))},
		Logger: zerolog.Nop(),
		Out:    &out,
	}

	err := ctrl.Check(context.Background(), CheckOptions{
		Probe:   true,
		Method:  http.MethodPost,
		Path:    "/orders",
		Headers: []string{"Authorization: Bearer good"},
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), `probe POST /orders: allow (user "alice")`)
	assert.Contains(t, out.String(), "x-tenant: acme")

	req := <-seen
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/orders", req.Path)
	assert.Equal(t, "localhost", req.Host)
	assert.Nil(t, req.Req)

	out.Reset()
	require.NoError(t, ctrl.Check(context.Background(), CheckOptions{Probe: true}))
	assert.Contains(t, out.String(), `probe GET /: deny ("bad token")`)
}

func TestController_Check_ProbeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctrl := &Controller{
		Flags:  &Flags{ConfigPath: writeConfig(t, checkConfig(srv.URL))},
		Logger: zerolog.Nop(),
		Out:    io.Discard,
	}

	err := ctrl.Check(context.Background(), CheckOptions{Probe: true})
	assert.ErrorContains(t, err, "probe call to authz failed")

	err = ctrl.Check(context.Background(), CheckOptions{Probe: true, Headers: []string{"no-colon"}})
	assert.ErrorContains(t, err, "invalid header")
}

func TestParseHeaderFlags(t *testing.T) {
	got, err := parseHeaderFlags([]string{"X-Trace: abc", "Accept:  */*"})
	require.NoError(t, err)
	assert.Equal(t, "x-trace", got[0].Name)
	assert.Equal(t, "abc", got[0].Value)
	assert.Equal(t, "*/*", got[1].Value)

	_, err = parseHeaderFlags([]string{": value"})
	assert.Error(t, err)
}
