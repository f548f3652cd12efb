package validate

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseScanPayload_Valid(t *testing.T) {
	raw := []byte(`{"user_input":"hello","external_chunks":["a","b"],"metadata":{"session":"abc"}}`)
	p, err := ParseScanPayload(raw, DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, "hello", p.UserInput)
	require.Len(t, p.ExternalChunks, 2)
}

func TestParseScanPayload_RejectsOversizePayload(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPayloadBytes = 8
	_, err := ParseScanPayload([]byte(`{"user_input":"hello world"}`), limits)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrValidationFailed))
}

func TestParseScanPayload_RejectsInvalidJSON(t *testing.T) {
	_, err := ParseScanPayload([]byte(`{not json`), DefaultLimits())
	require.Error(t, err)
}

func TestParseScanPayload_RejectsEmptyInput(t *testing.T) {
	_, err := ParseScanPayload([]byte(`{}`), DefaultLimits())
	require.Error(t, err)
	var fe FieldError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, "user_input", fe.Field)
}

func TestParseScanPayload_RejectsTooManyExternalChunks(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxExternalChunks = 2
	raw := []byte(`{"user_input":"x","external_chunks":["a","b","c"]}`)
	_, err := ParseScanPayload(raw, limits)
	require.Error(t, err)
}

func TestParseScanPayload_RejectsOversizeMetadataValue(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxMetadataValueLen = 4
	raw := []byte(`{"user_input":"x","metadata":{"k":"` + strings.Repeat("v", 20) + `"}}`)
	_, err := ParseScanPayload(raw, limits)
	require.Error(t, err)
}
