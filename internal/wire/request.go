package wire

// Attributes are the scalar request properties read from the host.
type Attributes struct {
	Method   string
	Path     string
	Scheme   string
	Host     string
	Protocol string
}

// FilterRequest is the payload of the authorization call.
type FilterRequest struct {
	Headers  *HeaderMap
	Host     string
	Method   string
	Path     string
	Protocol string
	Scheme   string
	// Req is the captured request body. Nil means no body is forwarded.
	Req []byte
}

// BuildRequest assembles a FilterRequest from what the host exposes.
//
// Headers are copied verbatim. Repeated field names are folded into a
// single entry joined with ", " because keys of the wire mapping are unique.
// A nil body leaves Req absent.
func BuildRequest(headers []Header, attrs Attributes, body []byte) FilterRequest {
	m := NewHeaderMap(len(headers))
	for _, h := range headers {
		if prev, ok := m.Get(h.Name); ok {
			m.Set(h.Name, prev+", "+h.Value)
			continue
		}
		m.Set(h.Name, h.Value)
	}

	req := FilterRequest{
		Headers:  m,
		Host:     attrs.Host,
		Method:   attrs.Method,
		Path:     attrs.Path,
		Protocol: attrs.Protocol,
		Scheme:   attrs.Scheme,
	}
	if body != nil {
		req.Req = make([]byte, len(body))
		copy(req.Req, body)
	}
	return req
}
