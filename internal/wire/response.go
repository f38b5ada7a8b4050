package wire

// FilterResponse is the decision returned by the authorization service.
type FilterResponse struct {
	Allow   bool
	User    string
	Headers *HeaderMap
	Message string
}

// ParseResponse decodes a reply payload. Failures are always *DecodeError.
func ParseResponse(c Codec, payload []byte) (FilterResponse, error) {
	return c.DecodeResponse(payload)
}
