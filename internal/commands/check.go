package commands

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/okra-platform/authzfilter/internal/config"
	"github.com/okra-platform/authzfilter/internal/hostapi"
	"github.com/okra-platform/authzfilter/internal/upstream"
	"github.com/okra-platform/authzfilter/internal/wire"
)

// CheckOptions control the check command.
type CheckOptions struct {
	// Print writes the effective configuration with defaults applied.
	Print bool

	// Probe sends one authorization call for a synthetic request.
	Probe   bool
	Method  string
	Path    string
	Host    string
	Headers []string // "name: value"
}

// Check validates the config file and optionally probes the authorization
// upstream with a request built the same way the filter builds it.
func (c *Controller) Check(ctx context.Context, opts CheckOptions) error {
	cfg, path, err := c.loadConfig()
	if err != nil {
		return err
	}
	out := c.out()
	fmt.Fprintf(out, "config %s is valid\n", path)
	fmt.Fprintf(out, "  backend:   %s\n", cfg.Backend)
	fmt.Fprintf(out, "  upstream:  %s (%s, %s)\n", cfg.Authz.Upstream, cfg.Authz.FailurePolicy, cfg.Authz.Timeout)
	fmt.Fprintf(out, "  codec:     %s\n", cfg.Authz.Codec)

	if opts.Print {
		data, err := config.Marshal(cfg, path)
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Fprintf(out, "\n%s\n", data)
	}

	if !opts.Probe {
		return nil
	}
	return c.probe(ctx, cfg, upstreamBuilder(c.Logger), opts)
}

func (c *Controller) probe(ctx context.Context, cfg *config.Config, build func(context.Context, *config.Config) (*upstream.Registry, error), opts CheckOptions) error {
	fc, err := cfg.FilterConfig()
	if err != nil {
		return err
	}
	headers, err := parseHeaderFlags(opts.Headers)
	if err != nil {
		return err
	}
	attrs := hostapi.Attributes{
		Method:   opts.Method,
		Path:     opts.Path,
		Scheme:   "http",
		Host:     opts.Host,
		Protocol: "HTTP/1.1",
	}
	if attrs.Method == "" {
		attrs.Method = http.MethodGet
	}
	if attrs.Path == "" {
		attrs.Path = "/"
	}
	if attrs.Host == "" {
		attrs.Host = "localhost"
	}

	payload, err := fc.Codec.EncodeRequest(wire.BuildRequest(headers, attrs, nil), nil)
	if err != nil {
		return fmt.Errorf("failed to encode probe: %w", err)
	}

	reg, err := build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build upstreams: %w", err)
	}
	defer reg.Close(context.Background())

	caller, err := reg.Get(fc.Upstream)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, fc.Timeout)
	defer cancel()
	reply, err := caller.Call(callCtx, payload)
	if err != nil {
		return fmt.Errorf("probe call to %s failed: %w", fc.Upstream, err)
	}
	resp, err := wire.ParseResponse(fc.Codec, reply)
	if err != nil {
		return fmt.Errorf("probe reply: %w", err)
	}

	out := c.out()
	if resp.Allow {
		fmt.Fprintf(out, "probe %s %s: allow (user %q)\n", attrs.Method, attrs.Path, resp.User)
		for k, v := range resp.Headers.All() {
			fmt.Fprintf(out, "  %s: %s\n", k, v)
		}
		return nil
	}
	fmt.Fprintf(out, "probe %s %s: deny (%q)\n", attrs.Method, attrs.Path, resp.Message)
	return nil
}

func parseHeaderFlags(raw []string) ([]hostapi.Header, error) {
	out := make([]hostapi.Header, 0, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want \"name: value\"", h)
		}
		out = append(out, hostapi.Header{Name: strings.ToLower(name), Value: strings.TrimSpace(value)})
	}
	return out, nil
}
