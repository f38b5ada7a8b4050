package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const checkProcedure = "/authz.v1.Authorization/Check"

func newConnectServer(t *testing.T) *httptest.Server {
	t.Helper()

	handler := connect.NewUnaryHandler(checkProcedure,
		func(ctx context.Context, req *connect.Request[[]byte]) (*connect.Response[[]byte], error) {
			switch string(*req.Msg) {
			case "fail":
				return nil, connect.NewError(connect.CodeUnavailable, errors.New("backend down"))
			case "slow":
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			out := append([]byte("ok:"), *req.Msg...)
			return connect.NewResponse(&out), nil
		},
		connect.WithCodec(rawCodec{name: "proto"}),
	)

	mux := http.NewServeMux()
	mux.Handle(checkProcedure, handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestConnectCaller_Protocols(t *testing.T) {
	// Test plan:
	// - Connect and gRPC-Web unary calls carry the raw payload both ways
	// - Handler errors surface as connect errors
	// - Deadlines are reported as timeouts

	server := newConnectServer(t)

	for _, protocol := range []string{ProtocolConnect, ProtocolGRPCWeb} {
		t.Run(protocol, func(t *testing.T) {
			c, err := NewConnectCaller(Spec{
				Name:     "authz",
				Kind:     KindConnect,
				URL:      server.URL + "/",
				Service:  "authz.v1.Authorization",
				Method:   "Check",
				Protocol: protocol,
			}, "proto", nil)
			require.NoError(t, err)
			defer c.Close(context.Background())

			ctx := context.Background()
			out, err := c.Call(ctx, []byte{0x08, 0x01})
			require.NoError(t, err)
			assert.Equal(t, append([]byte("ok:"), 0x08, 0x01), out)

			_, err = c.Call(ctx, []byte("fail"))
			assert.Equal(t, connect.CodeUnavailable, connect.CodeOf(err))
			assert.False(t, IsTimeout(err))

			timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
			defer cancel()
			_, err = c.Call(timeoutCtx, []byte("slow"))
			assert.True(t, IsTimeout(err))
		})
	}
}

func TestRawCodec(t *testing.T) {
	c := rawCodec{name: "json"}
	assert.Equal(t, "json", c.Name())

	in := []byte(`{"allow":true}`)
	out, err := c.Marshal(&in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	var dst []byte
	require.NoError(t, c.Unmarshal(out, &dst))
	assert.Equal(t, in, dst)
	out[0] = 'X'
	assert.Equal(t, byte('{'), dst[0])

	_, err = c.Marshal("not bytes")
	assert.Error(t, err)
}
