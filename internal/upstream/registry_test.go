package upstream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okra-platform/authzfilter/internal/wasm"
	"github.com/okra-platform/authzfilter/internal/wire"
)

type stubCaller struct {
	out    []byte
	err    error
	closed bool
}

func (s *stubCaller) Call(context.Context, []byte) ([]byte, error) { return s.out, s.err }
func (s *stubCaller) Close(context.Context) error                  { s.closed = true; return nil }

func TestRegistry(t *testing.T) {
	// Test plan:
	// - Register, look up and list callers
	// - Duplicate names are refused
	// - Unknown names return ErrUnknownUpstream
	// - Close closes everything and empties the registry

	reg := NewRegistry()
	a, b := &stubCaller{}, &stubCaller{}
	require.NoError(t, reg.Register("b", b))
	require.NoError(t, reg.Register("a", a))
	assert.Error(t, reg.Register("a", a))

	got, err := reg.Get("a")
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownUpstream)

	assert.Equal(t, []string{"a", "b"}, reg.Names())

	require.NoError(t, reg.Close(context.Background()))
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Empty(t, reg.Names())
}

func TestSpec_Validate(t *testing.T) {
	valid := []Spec{
		{Name: "h", URL: "http://127.0.0.1:9000/check"},
		{Name: "c", Kind: KindConnect, URL: "http://127.0.0.1:9001", Service: "authz.v1.Authorization", Method: "Check"},
		{Name: "g", Kind: KindConnect, URL: "http://127.0.0.1:9001", Service: "s", Method: "m", Protocol: ProtocolGRPC},
		{Name: "w", Kind: KindWASM, Module: "authz.wasm"},
	}
	for _, s := range valid {
		assert.NoError(t, s.WithDefaults().Validate(), s.Name)
	}

	invalid := []Spec{
		{},
		{Name: "h"},
		{Name: "c", Kind: KindConnect, URL: "http://x"},
		{Name: "c", Kind: KindConnect, URL: "http://x", Service: "s", Method: "m", Protocol: "soap"},
		{Name: "w", Kind: KindWASM},
		{Name: "w", Kind: KindWASM, Module: "m.wasm", MinWorkers: 5, MaxWorkers: 2},
		{Name: "x", Kind: "smtp"},
	}
	for _, s := range invalid {
		assert.Error(t, s.WithDefaults().Validate(), "%+v", s)
	}

	d := Spec{Name: "w", Kind: KindWASM, Module: "m.wasm"}.WithDefaults()
	assert.Equal(t, 1, d.MinWorkers)
	assert.Equal(t, 4, d.MaxWorkers)
	assert.Equal(t, DefaultMaxResponseBytes, d.MaxResponseBytes)
}

func TestBuild(t *testing.T) {
	// Test plan:
	// - Specs become traced callers registered by name
	// - An invalid spec fails the whole build
	// - A missing wasm module fails the build

	ctx := context.Background()
	reg, err := Build(ctx, []Spec{
		{Name: "http", URL: "http://127.0.0.1:1/check"},
		{Name: "connect", Kind: KindConnect, URL: "http://127.0.0.1:1", Service: "authz.v1.Authorization", Method: "Check"},
	}, BuildOptions{Codec: wire.NewJSONCodec(0)})
	require.NoError(t, err)
	defer reg.Close(ctx)
	assert.Equal(t, []string{"connect", "http"}, reg.Names())

	c, err := reg.Get("http")
	require.NoError(t, err)
	_, isTraced := c.(*tracedCaller)
	assert.True(t, isTraced)

	_, err = Build(ctx, []Spec{{Name: "bad", Kind: KindConnect}}, BuildOptions{})
	assert.Error(t, err)

	_, err = Build(ctx, []Spec{{Name: "w", Kind: KindWASM, Module: "does-not-exist.wasm"}}, BuildOptions{})
	assert.Error(t, err)
}

type stubPool struct {
	out   []byte
	err   error
	stats wasm.PoolStats
	down  bool
}

func (p *stubPool) Authorize(context.Context, []byte) ([]byte, error) { return p.out, p.err }
func (p *stubPool) Stats() wasm.PoolStats                            { return p.stats }
func (p *stubPool) Shutdown(context.Context) error                   { p.down = true; return nil }

func TestWASMCaller(t *testing.T) {
	// Test plan:
	// - Output of the pool is returned
	// - Oversized output is refused
	// - Pool stats are visible through the registry
	// - Close shuts the pool down

	ctx := context.Background()
	pool := &stubPool{out: []byte{0x08, 0x01}, stats: wasm.PoolStats{Workers: 2, Active: 1}}
	c := newWASMCaller(nil, pool, 4)

	out, err := c.Call(ctx, []byte("req"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x08, 0x01}, out)

	pool.out = make([]byte, 5)
	_, err = c.Call(ctx, []byte("req"))
	assert.ErrorIs(t, err, ErrResponseTooLarge)

	pool.err = errors.New("trap")
	_, err = c.Call(ctx, []byte("req"))
	assert.EqualError(t, err, "trap")

	reg := NewRegistry()
	require.NoError(t, reg.Register("guest", traced(Spec{Name: "guest", Kind: KindWASM}, c)))
	require.NoError(t, reg.Register("other", &stubCaller{}))
	assert.Equal(t, map[string]wasm.PoolStats{"guest": {Workers: 2, Active: 1}}, reg.PoolStats())

	require.NoError(t, reg.Close(ctx))
	assert.True(t, pool.down)
}
