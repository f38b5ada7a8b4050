package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// StatusError is returned when an HTTP upstream answers with a non-2xx
// status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("authorization service returned %d %s", e.Code, http.StatusText(e.Code))
}

// HTTPCaller POSTs the encoded FilterRequest to a URL and reads the encoded
// FilterResponse from the body.
type HTTPCaller struct {
	client      *http.Client
	url         string
	contentType string
	maxResponse int64
}

// NewHTTPCaller creates a caller for spec. A nil client uses
// http.DefaultClient; the call timeout comes from the context.
func NewHTTPCaller(spec Spec, contentType string, client *http.Client) *HTTPCaller {
	if client == nil {
		client = http.DefaultClient
	}
	limit := spec.MaxResponseBytes
	if limit <= 0 {
		limit = DefaultMaxResponseBytes
	}
	return &HTTPCaller{
		client:      client,
		url:         spec.URL,
		contentType: contentType,
		maxResponse: int64(limit),
	}
}

func (c *HTTPCaller) Call(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", c.contentType)
	req.Header.Set("Accept", c.contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponse+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > c.maxResponse {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.maxResponse)
	}
	return body, nil
}

func (c *HTTPCaller) Close(context.Context) error {
	c.client.CloseIdleConnections()
	return nil
}
