package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okra-platform/authzfilter/internal/filter"
	"github.com/okra-platform/authzfilter/internal/hostapi"
	"github.com/okra-platform/authzfilter/internal/upstream"
	"github.com/okra-platform/authzfilter/internal/wire"
)

const sampleYAML = `
listen: ":9090"
backend: "http://127.0.0.1:9000"
workers: 2
tick_interval: 250ms
authz:
  upstream: authz
  timeout: 2s
  failure_policy: fail-open
  failure_message: unavailable
  forward_body: true
  max_body_bytes: 1024
  codec: json
  message_header: grpc-message
response_headers:
  Powered-By: authzfilter
upstreams:
  - name: authz
    kind: connect
    url: http://127.0.0.1:9001
    service: authz.v1.Authorization
    method: Check
    protocol: grpc
`

const sampleJSON = `{
  "listen": ":9090",
  "backend": "http://127.0.0.1:9000",
  "workers": 2,
  "tick_interval": "250ms",
  "authz": {
    "upstream": "authz",
    "timeout": 2000000000,
    "failure_policy": "fail-open",
    "failure_message": "unavailable",
    "forward_body": true,
    "max_body_bytes": 1024,
    "codec": "json",
    "message_header": "grpc-message"
  },
  "response_headers": {"Powered-By": "authzfilter"},
  "upstreams": [{
    "name": "authz",
    "kind": "connect",
    "url": "http://127.0.0.1:9001",
    "service": "authz.v1.Authorization",
    "method": "Check",
    "protocol": "grpc"
  }]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_YAMLAndJSONAgree(t *testing.T) {
	// Test plan:
	// - the same settings in YAML and JSON produce identical configs
	// - durations accept strings and integer nanoseconds
	// - unset fields receive defaults
	fromYAML, err := Load(writeFile(t, "authzfilter.yaml", sampleYAML))
	require.NoError(t, err)
	fromJSON, err := Load(writeFile(t, "authzfilter.json", sampleJSON))
	require.NoError(t, err)

	if diff := cmp.Diff(fromYAML, fromJSON); diff != "" {
		t.Fatalf("YAML and JSON configs differ (-yaml +json):\n%s", diff)
	}

	assert.Equal(t, ":9090", fromYAML.Listen)
	assert.Equal(t, ":8081", fromYAML.AdminListen)
	assert.Equal(t, Duration(250*time.Millisecond), fromYAML.TickInterval)
	assert.Equal(t, Duration(2*time.Second), fromYAML.Authz.Timeout)
	assert.Equal(t, filter.DefaultFailureStatus, fromYAML.Authz.FailureStatus)
	assert.Equal(t, "x-authz-user", fromYAML.Authz.IdentityHeader)
	assert.Equal(t, upstream.DefaultMaxResponseBytes, fromYAML.Upstreams[0].MaxResponseBytes)
}

func TestConfig_FilterConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML), "yaml")
	require.NoError(t, err)

	fc, err := cfg.FilterConfig()
	require.NoError(t, err)
	assert.Equal(t, "authz", fc.Upstream)
	assert.Equal(t, 2*time.Second, fc.Timeout)
	assert.Equal(t, filter.FailOpen, fc.FailurePolicy)
	assert.Equal(t, "unavailable", fc.FailureMessage)
	assert.True(t, fc.ForwardBody)
	assert.Equal(t, 1024, fc.MaxBodyBytes)
	assert.Equal(t, wire.JSONCodecName, fc.Codec.Name())
	assert.Equal(t, "grpc-message", fc.MessageHeader)
	require.NoError(t, fc.Validate())

	assert.Equal(t, []hostapi.Header{{Name: "powered-by", Value: "authzfilter"}}, cfg.ResponseHeaderList())
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "authz", cfg.Authz.Upstream)
	assert.Equal(t, "fail-closed", cfg.Authz.FailurePolicy)
	assert.Equal(t, wire.ProtoCodecName, cfg.Authz.Codec)
	assert.Equal(t, upstream.ProtocolConnect, cfg.Upstreams[0].Protocol)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		errContains string
	}{
		{
			name:        "relative backend",
			mutate:      func(c *Config) { c.Backend = "/just/a/path" },
			errContains: "backend",
		},
		{
			name:        "undeclared upstream",
			mutate:      func(c *Config) { c.Authz.Upstream = "missing" },
			errContains: "not declared",
		},
		{
			name:        "duplicate upstream",
			mutate:      func(c *Config) { c.Upstreams = append(c.Upstreams, c.Upstreams[0]) },
			errContains: "duplicate",
		},
		{
			name:        "bad failure policy",
			mutate:      func(c *Config) { c.Authz.FailurePolicy = "fail-sometimes" },
			errContains: "failure policy",
		},
		{
			name:        "bad codec",
			mutate:      func(c *Config) { c.Authz.Codec = "xml" },
			errContains: "xml",
		},
		{
			name:        "success failure status",
			mutate:      func(c *Config) { c.Authz.FailureStatus = 200 },
			errContains: "failure status",
		},
		{
			name:        "bad message header",
			mutate:      func(c *Config) { c.Authz.MessageHeader = "grpc message" },
			errContains: "message header",
		},
		{
			name:        "bad response header",
			mutate:      func(c *Config) { c.ResponseHeaders = map[string]string{"Powered By": "x"} },
			errContains: "response header",
		},
		{
			name:        "incomplete connect upstream",
			mutate:      func(c *Config) { c.Upstreams[0].Service = "" },
			errContains: "service",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeFile(t, "bad.json", "{"))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = Load(writeFile(t, "bad.yaml", "authz:\n  timeout: forever\n"))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = Parse([]byte("{}"), "toml")
	assert.ErrorContains(t, err, "unknown config format")
}

func TestMarshal_RoundTrip(t *testing.T) {
	cfg := Default()
	for _, name := range []string{"out.yaml", "out.json"} {
		t.Run(name, func(t *testing.T) {
			data, err := Marshal(cfg, name)
			require.NoError(t, err)
			back, err := Load(writeFile(t, name, string(data)))
			require.NoError(t, err)
			if diff := cmp.Diff(cfg, back); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	_, err := Find("", dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "authzfilter.json"), []byte("{}"), 0644))
	got, err := Find("", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "authzfilter.json"), got)

	got, err = Find("explicit.yaml", dir)
	require.NoError(t, err)
	assert.Equal(t, "explicit.yaml", got)
}
