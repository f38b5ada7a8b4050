package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"connectrpc.com/connect"
)

// rawCodec passes already encoded payloads through connect untouched. Its
// name is the wire codec name so the content type matches the payload.
type rawCodec struct {
	name string
}

func (c rawCodec) Name() string { return c.name }

func (c rawCodec) Marshal(msg any) ([]byte, error) {
	b, ok := msg.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec cannot marshal %T", msg)
	}
	return *b, nil
}

func (c rawCodec) Unmarshal(data []byte, msg any) error {
	b, ok := msg.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec cannot unmarshal into %T", msg)
	}
	// connect recycles data after Unmarshal returns.
	*b = append([]byte(nil), data...)
	return nil
}

// ConnectCaller makes a unary Connect, gRPC or gRPC-Web call to
// /<service>/<method>.
type ConnectCaller struct {
	client *connect.Client[[]byte, []byte]
	http   *http.Client
}

// NewConnectCaller creates a caller for spec. gRPC over plain http:// is
// spoken as HTTP/2 with prior knowledge.
func NewConnectCaller(spec Spec, codecName string, client *http.Client) (*ConnectCaller, error) {
	base, err := url.Parse(spec.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if client == nil {
		client = &http.Client{Transport: transportFor(spec.Protocol, base.Scheme)}
	}

	limit := spec.MaxResponseBytes
	if limit <= 0 {
		limit = DefaultMaxResponseBytes
	}
	opts := []connect.ClientOption{
		connect.WithCodec(rawCodec{name: codecName}),
		connect.WithReadMaxBytes(limit),
	}
	switch spec.Protocol {
	case ProtocolGRPC:
		opts = append(opts, connect.WithGRPC())
	case ProtocolGRPCWeb:
		opts = append(opts, connect.WithGRPCWeb())
	}

	procedure := strings.TrimRight(spec.URL, "/") + "/" + spec.Service + "/" + spec.Method
	return &ConnectCaller{
		client: connect.NewClient[[]byte, []byte](client, procedure, opts...),
		http:   client,
	}, nil
}

func transportFor(protocol, scheme string) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if protocol == ProtocolGRPC && scheme == "http" {
		p := new(http.Protocols)
		p.SetUnencryptedHTTP2(true)
		t.Protocols = p
	}
	return t
}

func (c *ConnectCaller) Call(ctx context.Context, payload []byte) ([]byte, error) {
	res, err := c.client.CallUnary(ctx, connect.NewRequest(&payload))
	if err != nil {
		return nil, err
	}
	return *res.Msg, nil
}

func (c *ConnectCaller) Close(context.Context) error {
	c.http.CloseIdleConnections()
	return nil
}
