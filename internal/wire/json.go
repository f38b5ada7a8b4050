package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// JSONCodecName selects the JSON codec.
const JSONCodecName = "json"

type jsonRequest struct {
	Headers  *HeaderMap `json:"headers"`
	Host     string     `json:"host"`
	Method   string     `json:"method"`
	Path     string     `json:"path"`
	Protocol string     `json:"protocol"`
	Scheme   string     `json:"scheme"`
	Req      *string    `json:"req,omitempty"`
}

type jsonResponse struct {
	Allow   bool       `json:"allow"`
	User    string     `json:"user"`
	Headers *HeaderMap `json:"headers"`
	Message string     `json:"message"`
}

type jsonCodec struct {
	maxPayload int
}

// NewJSONCodec returns a codec that speaks the wire schema as JSON objects.
// The body travels as a JSON string, so it must be valid UTF-8.
func NewJSONCodec(maxPayload int) Codec {
	return &jsonCodec{maxPayload: limitOrDefault(maxPayload)}
}

func (c *jsonCodec) Name() string        { return JSONCodecName }
func (c *jsonCodec) ContentType() string { return "application/json" }

// encoding/json would silently replace invalid UTF-8 with U+FFFD, so strings
// are checked up front like the protobuf codec does.
func (c *jsonCodec) EncodeRequest(req FilterRequest, alloc Allocator) ([]byte, error) {
	if err := validStrings(req.Host, req.Method, req.Path, req.Protocol, req.Scheme); err != nil {
		return nil, c.encodeError(err)
	}
	v := jsonRequest{
		Headers:  nonNil(req.Headers),
		Host:     req.Host,
		Method:   req.Method,
		Path:     req.Path,
		Protocol: req.Protocol,
		Scheme:   req.Scheme,
	}
	if req.Req != nil {
		if !utf8.Valid(req.Req) {
			return nil, c.encodeError(fmt.Errorf("body: %w", errInvalidUTF8))
		}
		body := string(req.Req)
		v.Req = &body
	}
	return c.encode(v, alloc)
}

func (c *jsonCodec) EncodeResponse(resp FilterResponse, alloc Allocator) ([]byte, error) {
	if err := validStrings(resp.User, resp.Message); err != nil {
		return nil, c.encodeError(err)
	}
	return c.encode(jsonResponse{
		Allow:   resp.Allow,
		User:    resp.User,
		Headers: nonNil(resp.Headers),
		Message: resp.Message,
	}, alloc)
}

func (c *jsonCodec) DecodeRequest(payload []byte) (FilterRequest, error) {
	var v jsonRequest
	if err := json.Unmarshal(payload, &v); err != nil {
		return FilterRequest{}, &DecodeError{Codec: JSONCodecName, Err: err}
	}
	req := FilterRequest{
		Headers:  nonNil(v.Headers),
		Host:     v.Host,
		Method:   v.Method,
		Path:     v.Path,
		Protocol: v.Protocol,
		Scheme:   v.Scheme,
	}
	if v.Req != nil {
		req.Req = append([]byte{}, *v.Req...)
	}
	return req, nil
}

func (c *jsonCodec) DecodeResponse(payload []byte) (FilterResponse, error) {
	var v jsonResponse
	if err := json.Unmarshal(payload, &v); err != nil {
		return FilterResponse{}, &DecodeError{Codec: JSONCodecName, Err: err}
	}
	return FilterResponse{
		Allow:   v.Allow,
		User:    v.User,
		Headers: nonNil(v.Headers),
		Message: v.Message,
	}, nil
}

func (c *jsonCodec) encode(v any, alloc Allocator) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, c.encodeError(err)
	}
	if len(out) > c.maxPayload {
		return nil, c.encodeError(fmt.Errorf("%w: %d > %d bytes", errPayloadTooLarge, len(out), c.maxPayload))
	}

	buf := allocatorOrHeap(alloc).Alloc(len(out))
	copy(buf, out)
	return buf, nil
}

func (c *jsonCodec) encodeError(err error) error {
	return &EncodingError{Codec: JSONCodecName, Err: err}
}

func nonNil(m *HeaderMap) *HeaderMap {
	if m == nil {
		return NewHeaderMap(0)
	}
	return m
}

// MarshalJSON writes the map as a JSON object in insertion order.
func (m *HeaderMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for k, v := range m.All() {
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return nil, fmt.Errorf("header %q: %w", k, errInvalidUTF8)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false

		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object of strings keeping key order.
func (m *HeaderMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = HeaderMap{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("headers: expected object, got %v", tok)
	}

	fresh := NewHeaderMap(0)
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("headers: expected string key, got %v", kt)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("headers[%q]: %w", key, err)
		}
		fresh.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*m = *fresh
	return nil
}
