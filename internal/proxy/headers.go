package proxy

import (
	"net/http"
	"slices"
	"strings"

	"github.com/okra-platform/authzfilter/internal/hostapi"
)

// flattenHeaders turns an http.Header into lowercase fields, one per value,
// ordered by name.
func flattenHeaders(h http.Header) []hostapi.Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	slices.Sort(names)

	var out []hostapi.Header
	for _, name := range names {
		lower := strings.ToLower(name)
		for _, v := range h[name] {
			out = append(out, hostapi.Header{Name: lower, Value: v})
		}
	}
	return out
}

// buildHeader is the inverse of flattenHeaders.
func buildHeader(fields []hostapi.Header) http.Header {
	h := make(http.Header, len(fields))
	for _, f := range fields {
		h.Add(f.Name, f.Value)
	}
	return h
}

func headerBytes(fields []hostapi.Header) int {
	n := 0
	for _, f := range fields {
		n += len(f.Name) + len(f.Value)
	}
	return n
}
