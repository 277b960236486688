package pairing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	expires := time.Date(2026, 8, 29, 12, 10, 0, 0, time.UTC)

	tests := []struct {
		name    string
		payload Payload
	}{
		{
			name: "all fields",
			payload: Payload{
				Version:         PayloadVersion,
				TokenID:         "sess-1",
				ValidationToken: "tok-abc",
				ShareURL:        "share://ref-1",
				ParentDeviceID:  "dev-parent",
				AccountID:       "acct-parent",
				FamilyID:        "fam-1",
				ExpiresAt:       expires.Format(time.RFC3339),
			},
		},
		{
			name: "no family",
			payload: Payload{
				Version:         PayloadVersion,
				TokenID:         "sess-2",
				ValidationToken: "tok-def",
				ShareURL:        "share://ref-2",
				ParentDeviceID:  "dev-parent",
				AccountID:       "acct-parent",
				ExpiresAt:       expires.Format(time.RFC3339),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodePayload(&tt.payload)
			require.NoError(t, err)

			decoded, err := DecodePayload(data)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, *decoded)
		})
	}
}

func TestDecodePayload_UnknownVersionFailsClosed(t *testing.T) {
	for _, version := range []int{0, 2, 99} {
		data, err := json.Marshal(map[string]any{
			"version":         version,
			"tokenId":         "sess-1",
			"validationToken": "tok",
			"shareURL":        "share://x",
			"parentDeviceID":  "dev-parent",
			"accountId":       "acct",
			"expiresAt":       "2026-08-29T12:10:00Z",
		})
		require.NoError(t, err)

		_, err = DecodePayload(data)
		assert.ErrorIs(t, err, ErrUnknownPayloadVersion, "version %d must be rejected", version)
	}
}

func TestDecodePayload_Malformed(t *testing.T) {
	_, err := DecodePayload([]byte(`not json`))
	assert.Error(t, err)

	// Known version but missing required fields.
	_, err = DecodePayload([]byte(`{"version":1}`))
	assert.Error(t, err)

	// Known version, fields present, garbage expiry.
	_, err = DecodePayload([]byte(`{"version":1,"tokenId":"a","validationToken":"b","shareURL":"c","parentDeviceID":"d","accountId":"e","expiresAt":"whenever"}`))
	assert.Error(t, err)
}

func TestEncodePayload_DefaultsVersion(t *testing.T) {
	p := Payload{
		TokenID:         "sess-1",
		ValidationToken: "tok",
		ShareURL:        "share://x",
		ParentDeviceID:  "dev-parent",
		AccountID:       "acct",
		ExpiresAt:       "2026-08-29T12:10:00Z",
	}
	data, err := EncodePayload(&p)
	require.NoError(t, err)

	decoded, err := DecodePayload(data)
	require.NoError(t, err)
	assert.Equal(t, PayloadVersion, decoded.Version)
}
