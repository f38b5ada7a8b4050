package wire

import (
	"errors"
	"fmt"
)

// DefaultMaxPayloadBytes bounds encoded payloads when no limit is configured.
const DefaultMaxPayloadBytes = 1 << 20

var (
	errPayloadTooLarge = errors.New("payload exceeds size limit")
	errInvalidUTF8     = errors.New("string field contains invalid UTF-8")
	errSizeMismatch    = errors.New("encoded size does not match computed size")
)

// Allocator hands out payload buffers. Buffers returned by the Encode
// methods belong to the allocator and must be released with Free.
type Allocator interface {
	Alloc(n int) []byte
	Free(b []byte)
}

// Codec converts the wire schema to and from bytes.
type Codec interface {
	// Name identifies the codec in configuration and in Connect calls.
	Name() string

	// ContentType is the media type used on HTTP transports.
	ContentType() string

	EncodeRequest(req FilterRequest, alloc Allocator) ([]byte, error)
	DecodeRequest(payload []byte) (FilterRequest, error)
	EncodeResponse(resp FilterResponse, alloc Allocator) ([]byte, error)
	DecodeResponse(payload []byte) (FilterResponse, error)
}

// CodecByName returns the codec registered under name.
func CodecByName(name string, maxPayload int) (Codec, error) {
	switch name {
	case "", ProtoCodecName:
		return NewProtoCodec(maxPayload), nil
	case JSONCodecName:
		return NewJSONCodec(maxPayload), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return DefaultMaxPayloadBytes
	}
	return n
}

type heapAllocator struct{}

func (heapAllocator) Alloc(n int) []byte { return make([]byte, n) }
func (heapAllocator) Free([]byte)        {}

// HeapAllocator allocates from the Go heap and never reuses buffers.
var HeapAllocator Allocator = heapAllocator{}

func allocatorOrHeap(a Allocator) Allocator {
	if a == nil {
		return HeapAllocator
	}
	return a
}
