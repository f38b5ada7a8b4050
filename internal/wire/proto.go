package wire

import (
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProtoCodecName selects the protobuf binary codec.
const ProtoCodecName = "proto"

// Field numbers of authz.v1.FilterRequest.
const (
	reqHeaders  protowire.Number = 1
	reqHost     protowire.Number = 2
	reqMethod   protowire.Number = 3
	reqPath     protowire.Number = 4
	reqProtocol protowire.Number = 5
	reqScheme   protowire.Number = 6
	reqBody     protowire.Number = 7
)

// Field numbers of authz.v1.FilterResponse.
const (
	respAllow   protowire.Number = 1
	respUser    protowire.Number = 2
	respHeaders protowire.Number = 3
	respMessage protowire.Number = 4
)

// Map entry field numbers.
const (
	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2
)

// skipField tells decodeFields to skip an unknown field.
const skipField = -1

type protoCodec struct {
	maxPayload int
}

// NewProtoCodec returns the protobuf binary codec. Map entries are written
// in insertion order and the body field is written only when present.
func NewProtoCodec(maxPayload int) Codec {
	return &protoCodec{maxPayload: limitOrDefault(maxPayload)}
}

func (c *protoCodec) Name() string        { return ProtoCodecName }
func (c *protoCodec) ContentType() string { return "application/proto" }

func (c *protoCodec) EncodeRequest(req FilterRequest, alloc Allocator) ([]byte, error) {
	if err := validStrings(req.Host, req.Method, req.Path, req.Protocol, req.Scheme); err != nil {
		return nil, c.encodeError(err)
	}
	if err := validHeaderMap(req.Headers); err != nil {
		return nil, c.encodeError(err)
	}

	size := mapSize(reqHeaders, req.Headers) +
		stringSize(reqHost, req.Host) +
		stringSize(reqMethod, req.Method) +
		stringSize(reqPath, req.Path) +
		stringSize(reqProtocol, req.Protocol) +
		stringSize(reqScheme, req.Scheme)
	if req.Req != nil {
		size += protowire.SizeTag(reqBody) + protowire.SizeBytes(len(req.Req))
	}

	return c.encode(size, alloc, func(b []byte) []byte {
		b = appendMap(b, reqHeaders, req.Headers)
		b = appendString(b, reqHost, req.Host)
		b = appendString(b, reqMethod, req.Method)
		b = appendString(b, reqPath, req.Path)
		b = appendString(b, reqProtocol, req.Protocol)
		b = appendString(b, reqScheme, req.Scheme)
		if req.Req != nil {
			b = protowire.AppendTag(b, reqBody, protowire.BytesType)
			b = protowire.AppendBytes(b, req.Req)
		}
		return b
	})
}

func (c *protoCodec) EncodeResponse(resp FilterResponse, alloc Allocator) ([]byte, error) {
	if err := validStrings(resp.User, resp.Message); err != nil {
		return nil, c.encodeError(err)
	}
	if err := validHeaderMap(resp.Headers); err != nil {
		return nil, c.encodeError(err)
	}

	size := stringSize(respUser, resp.User) +
		mapSize(respHeaders, resp.Headers) +
		stringSize(respMessage, resp.Message)
	if resp.Allow {
		size += protowire.SizeTag(respAllow) + protowire.SizeVarint(1)
	}

	return c.encode(size, alloc, func(b []byte) []byte {
		if resp.Allow {
			b = protowire.AppendTag(b, respAllow, protowire.VarintType)
			b = protowire.AppendVarint(b, protowire.EncodeBool(true))
		}
		b = appendString(b, respUser, resp.User)
		b = appendMap(b, respHeaders, resp.Headers)
		b = appendString(b, respMessage, resp.Message)
		return b
	})
}

func (c *protoCodec) DecodeRequest(payload []byte) (FilterRequest, error) {
	req := FilterRequest{Headers: NewHeaderMap(0)}
	err := decodeFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case reqHeaders:
			return consumeEntry(typ, b, req.Headers)
		case reqHost:
			return consumeString(typ, b, &req.Host)
		case reqMethod:
			return consumeString(typ, b, &req.Method)
		case reqPath:
			return consumeString(typ, b, &req.Path)
		case reqProtocol:
			return consumeString(typ, b, &req.Protocol)
		case reqScheme:
			return consumeString(typ, b, &req.Scheme)
		case reqBody:
			if typ != protowire.BytesType {
				return 0, wrongType(num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			req.Req = append(make([]byte, 0, len(v)), v...)
			return n, nil
		}
		return skipField, nil
	})
	if err != nil {
		return FilterRequest{}, &DecodeError{Codec: ProtoCodecName, Err: err}
	}
	return req, nil
}

func (c *protoCodec) DecodeResponse(payload []byte) (FilterResponse, error) {
	resp := FilterResponse{Headers: NewHeaderMap(0)}
	err := decodeFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case respAllow:
			if typ != protowire.VarintType {
				return 0, wrongType(num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			resp.Allow = protowire.DecodeBool(v)
			return n, nil
		case respUser:
			return consumeString(typ, b, &resp.User)
		case respHeaders:
			return consumeEntry(typ, b, resp.Headers)
		case respMessage:
			return consumeString(typ, b, &resp.Message)
		}
		return skipField, nil
	})
	if err != nil {
		return FilterResponse{}, &DecodeError{Codec: ProtoCodecName, Err: err}
	}
	return resp, nil
}

func (c *protoCodec) encode(size int, alloc Allocator, appendAll func([]byte) []byte) ([]byte, error) {
	if size > c.maxPayload {
		return nil, c.encodeError(fmt.Errorf("%w: %d > %d bytes", errPayloadTooLarge, size, c.maxPayload))
	}

	alloc = allocatorOrHeap(alloc)
	buf := alloc.Alloc(size)
	out := appendAll(buf[:0])
	if len(out) != size {
		alloc.Free(buf)
		return nil, c.encodeError(errSizeMismatch)
	}
	return out, nil
}

func (c *protoCodec) encodeError(err error) error {
	return &EncodingError{Codec: ProtoCodecName, Err: err}
}

func stringSize(num protowire.Number, s string) int {
	if s == "" {
		return 0
	}
	return protowire.SizeTag(num) + protowire.SizeBytes(len(s))
}

func entrySize(k, v string) int {
	return protowire.SizeTag(entryKey) + protowire.SizeBytes(len(k)) +
		protowire.SizeTag(entryValue) + protowire.SizeBytes(len(v))
}

func mapSize(num protowire.Number, m *HeaderMap) int {
	n := 0
	for k, v := range m.All() {
		n += protowire.SizeTag(num) + protowire.SizeBytes(entrySize(k, v))
	}
	return n
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMap(b []byte, num protowire.Number, m *HeaderMap) []byte {
	for k, v := range m.All() {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(entrySize(k, v)))
		b = protowire.AppendTag(b, entryKey, protowire.BytesType)
		b = protowire.AppendString(b, k)
		b = protowire.AppendTag(b, entryValue, protowire.BytesType)
		b = protowire.AppendString(b, v)
	}
	return b
}

// decodeFields walks a message. field returns the number of bytes it
// consumed, or skipField for fields it does not know.
func decodeFields(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := field(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m == skipField {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if !utf8.Valid(v) {
		return 0, errInvalidUTF8
	}
	*dst = string(v)
	return n, nil
}

func consumeEntry(typ protowire.Type, b []byte, m *HeaderMap) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	entry, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}

	var key, value string
	err := decodeFields(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case entryKey:
			return consumeString(typ, b, &key)
		case entryValue:
			return consumeString(typ, b, &value)
		}
		return skipField, nil
	})
	if err != nil {
		return 0, fmt.Errorf("map entry: %w", err)
	}
	m.Set(key, value)
	return n, nil
}

func wrongType(num protowire.Number, typ protowire.Type) error {
	return fmt.Errorf("unexpected wire type %d for field %d", typ, num)
}

func validStrings(ss ...string) error {
	for _, s := range ss {
		if !utf8.ValidString(s) {
			return errInvalidUTF8
		}
	}
	return nil
}

func validHeaderMap(m *HeaderMap) error {
	for k, v := range m.All() {
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return fmt.Errorf("header %q: %w", k, errInvalidUTF8)
		}
	}
	return nil
}
