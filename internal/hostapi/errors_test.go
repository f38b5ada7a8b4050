package hostapi

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostAPIError(t *testing.T) {
	err := &HostAPIError{Code: ErrorCodeHeaderLimitExceeded, Message: "too many headers", Details: "101 > 100"}
	assert.Equal(t, "HEADER_LIMIT_EXCEEDED: too many headers - 101 > 100", err.Error())

	wrapped := fmt.Errorf("set x-user: %w", err)
	assert.True(t, IsCode(wrapped, ErrorCodeHeaderLimitExceeded))
	assert.False(t, IsCode(wrapped, ErrorCodeUnknownStream))
	assert.True(t, errors.Is(wrapped, &HostAPIError{Code: ErrorCodeHeaderLimitExceeded}))

	assert.Equal(t, "UNKNOWN_STREAM: gone", (&HostAPIError{Code: ErrorCodeUnknownStream, Message: "gone"}).Error())
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "pause", ActionPause.String())
	assert.Equal(t, "continue", ActionContinue.String())
	assert.Equal(t, "timeout", CallTimeout.String())
	assert.Equal(t, "ok", CallOK.String())
	assert.Equal(t, "transport_error", CallTransportError.String())
}
