package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
	"gopkg.in/yaml.v3"

	"github.com/okra-platform/authzfilter/internal/decision"
	"github.com/okra-platform/authzfilter/internal/filter"
	"github.com/okra-platform/authzfilter/internal/hostapi"
	"github.com/okra-platform/authzfilter/internal/upstream"
	"github.com/okra-platform/authzfilter/internal/wire"
)

// DefaultFileName is looked up when no --config flag is given.
const DefaultFileName = "authzfilter.yaml"

var ErrInvalid = errors.New("invalid configuration")

// Duration accepts "5s"-style strings or integer nanoseconds.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	case int:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// Config is the authzfilter configuration file.
type Config struct {
	Listen       string          `json:"listen" yaml:"listen"`
	AdminListen  string          `json:"admin_listen" yaml:"admin_listen"`
	Backend      string          `json:"backend" yaml:"backend"`
	Workers      int             `json:"workers" yaml:"workers"`
	TickInterval Duration        `json:"tick_interval" yaml:"tick_interval"`
	Authz        AuthzConfig     `json:"authz" yaml:"authz"`
	Upstreams    []upstream.Spec `json:"upstreams" yaml:"upstreams"`

	// ResponseHeaders are set on every response sent to clients.
	ResponseHeaders map[string]string `json:"response_headers,omitempty" yaml:"response_headers,omitempty"`
}

// AuthzConfig holds the filter settings.
type AuthzConfig struct {
	Upstream          string   `json:"upstream" yaml:"upstream"`
	Timeout           Duration `json:"timeout" yaml:"timeout"`
	FailurePolicy     string   `json:"failure_policy" yaml:"failure_policy"`
	FailureStatus     int      `json:"failure_status" yaml:"failure_status"`
	FailureMessage    string   `json:"failure_message" yaml:"failure_message"`
	IdentityHeader    string   `json:"identity_header" yaml:"identity_header"`
	MessageHeader     string   `json:"message_header,omitempty" yaml:"message_header,omitempty"`
	ForwardBody       bool     `json:"forward_body" yaml:"forward_body"`
	MaxBodyBytes      int      `json:"max_body_bytes" yaml:"max_body_bytes"`
	MaxPayloadBytes   int      `json:"max_payload_bytes" yaml:"max_payload_bytes"`
	MaxRequestHeaders int      `json:"max_request_headers" yaml:"max_request_headers"`
	MaxHeaderBytes    int      `json:"max_header_bytes" yaml:"max_header_bytes"`
	Codec             string   `json:"codec" yaml:"codec"`
	Instrumentation   bool     `json:"instrumentation" yaml:"instrumentation"`
}

// Default returns a config with every default applied and a single
// connect upstream named "authz".
func Default() *Config {
	cfg := &Config{
		Backend: "http://127.0.0.1:9000",
		Upstreams: []upstream.Spec{{
			Name:    "authz",
			Kind:    upstream.KindConnect,
			URL:     "http://127.0.0.1:9001",
			Service: "authz.v1.Authorization",
			Method:  "Check",
		}},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads a config file. The format follows the extension: .json is
// JSON, anything else is YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, formatOf(path))
}

// Parse decodes data as "json" or "yaml", applies defaults and validates.
func Parse(data []byte, format string) (*Config, error) {
	var cfg Config
	switch format {
	case "json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal encodes cfg in the format implied by path.
func Marshal(cfg *Config, path string) ([]byte, error) {
	if formatOf(path) == "json" {
		return json.MarshalIndent(cfg, "", "  ")
	}
	return yaml.Marshal(cfg)
}

func formatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "json"
	}
	return "yaml"
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.AdminListen == "" {
		c.AdminListen = ":8081"
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.TickInterval == 0 {
		c.TickInterval = Duration(time.Second)
	}

	a := &c.Authz
	if a.Timeout == 0 {
		a.Timeout = Duration(filter.DefaultTimeout)
	}
	if a.FailurePolicy == "" {
		a.FailurePolicy = filter.FailClosed.String()
	}
	if a.FailureStatus == 0 {
		a.FailureStatus = filter.DefaultFailureStatus
	}
	if a.IdentityHeader == "" {
		a.IdentityHeader = decision.DefaultIdentityHeader
	}
	if a.MaxBodyBytes == 0 {
		a.MaxBodyBytes = filter.DefaultMaxBodyBytes
	}
	if a.MaxPayloadBytes == 0 {
		a.MaxPayloadBytes = wire.DefaultMaxPayloadBytes
	}
	if a.MaxRequestHeaders == 0 {
		a.MaxRequestHeaders = hostapi.DefaultMaxRequestHeaders
	}
	if a.MaxHeaderBytes == 0 {
		a.MaxHeaderBytes = hostapi.DefaultMaxHeaderBytes
	}
	if a.Codec == "" {
		a.Codec = wire.ProtoCodecName
	}
	if a.Upstream == "" && len(c.Upstreams) == 1 {
		a.Upstream = c.Upstreams[0].Name
	}

	for i := range c.Upstreams {
		c.Upstreams[i] = c.Upstreams[i].WithDefaults()
	}
}

// Validate checks cross-field constraints. Errors wrap ErrInvalid.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: backend must be an absolute URL, got %q", ErrInvalid, c.Backend)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1", ErrInvalid)
	}
	if c.TickInterval < 0 {
		return fmt.Errorf("%w: tick_interval must not be negative", ErrInvalid)
	}
	if c.Authz.MaxRequestHeaders < 0 || c.Authz.MaxHeaderBytes < 0 {
		return fmt.Errorf("%w: header limits must not be negative", ErrInvalid)
	}

	for name, value := range c.ResponseHeaders {
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return fmt.Errorf("%w: invalid response header %q", ErrInvalid, name)
		}
	}

	names := make(map[string]bool, len(c.Upstreams))
	for _, spec := range c.Upstreams {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if names[spec.Name] {
			return fmt.Errorf("%w: duplicate upstream %q", ErrInvalid, spec.Name)
		}
		names[spec.Name] = true
	}
	if !names[c.Authz.Upstream] {
		return fmt.Errorf("%w: authz.upstream %q is not declared in upstreams", ErrInvalid, c.Authz.Upstream)
	}

	fc, err := c.FilterConfig()
	if err != nil {
		return err
	}
	if err := fc.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// FilterConfig converts the authz section to a filter configuration.
func (c *Config) FilterConfig() (filter.Config, error) {
	policy, err := filter.ParseFailurePolicy(c.Authz.FailurePolicy)
	if err != nil {
		return filter.Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	codec, err := wire.CodecByName(c.Authz.Codec, c.Authz.MaxPayloadBytes)
	if err != nil {
		return filter.Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return filter.Config{
		Upstream:        c.Authz.Upstream,
		Timeout:         time.Duration(c.Authz.Timeout),
		FailurePolicy:   policy,
		FailureStatus:   c.Authz.FailureStatus,
		FailureMessage:  c.Authz.FailureMessage,
		IdentityHeader:  c.Authz.IdentityHeader,
		MessageHeader:   c.Authz.MessageHeader,
		ForwardBody:     c.Authz.ForwardBody,
		MaxBodyBytes:    c.Authz.MaxBodyBytes,
		Codec:           codec,
		MaxPayloadBytes: c.Authz.MaxPayloadBytes,
	}.WithDefaults(), nil
}

// ResponseHeaderList returns ResponseHeaders sorted by name.
func (c *Config) ResponseHeaderList() []hostapi.Header {
	out := make([]hostapi.Header, 0, len(c.ResponseHeaders))
	for name, value := range c.ResponseHeaders {
		out = append(out, hostapi.Header{Name: strings.ToLower(name), Value: value})
	}
	slices.SortFunc(out, func(a, b hostapi.Header) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// BackendURL returns the parsed backend address.
func (c *Config) BackendURL() (*url.URL, error) {
	return url.Parse(c.Backend)
}

// Find returns path when set, otherwise the first default file name found in
// dir.
func Find(path, dir string) (string, error) {
	if path != "" {
		return path, nil
	}
	for _, name := range []string{DefaultFileName, "authzfilter.yml", "authzfilter.json"} {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no %s found in %s", DefaultFileName, dir)
}
