package wire

import "fmt"

// EncodingError reports that a FilterRequest or FilterResponse could not be
// serialized. The authorization call cannot be made when this happens.
type EncodingError struct {
	Codec string
	Err   error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("%s encode: %v", e.Codec, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// DecodeError reports a truncated or malformed payload.
type DecodeError struct {
	Codec string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s decode: %v", e.Codec, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
