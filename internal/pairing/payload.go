package pairing

import (
	"encoding/json"
	"fmt"
	"time"
)

// PayloadVersion is the wire version this build emits and the only one
// it accepts. Bump when the payload shape changes.
const PayloadVersion = 1

// Payload is the versioned wire format a supervisor hands to the device
// being paired; the transport (QR code, link, or typed code) is up to
// the caller. Field names are frozen; consumers on other platforms parse
// this exact JSON.
type Payload struct {
	Version         int    `json:"version"`
	TokenID         string `json:"tokenId"`
	ValidationToken string `json:"validationToken"`
	ShareURL        string `json:"shareURL"`
	ParentDeviceID  string `json:"parentDeviceID"`
	AccountID       string `json:"accountId"`
	FamilyID        string `json:"familyId,omitempty"`
	ExpiresAt       string `json:"expiresAt"` // RFC 3339
}

// Expiry parses the ExpiresAt field.
func (p *Payload) Expiry() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, p.ExpiresAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse expiresAt: %w", err)
	}
	return t, nil
}

// EncodePayload serializes a payload for transport.
func EncodePayload(p *Payload) ([]byte, error) {
	if p.Version == 0 {
		p.Version = PayloadVersion
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses a payload, rejecting unknown or future versions
// before looking at any other field. A payload this build cannot fully
// understand is never guess-parsed.
func DecodePayload(data []byte) (*Payload, error) {
	// Probe the version alone first so a shape change in a future
	// version cannot confuse the full parse.
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if probe.Version != PayloadVersion {
		return nil, fmt.Errorf("%w: got %d, this build supports %d",
			ErrUnknownPayloadVersion, probe.Version, PayloadVersion)
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Payload) validate() error {
	if p.TokenID == "" {
		return fmt.Errorf("payload tokenId is required")
	}
	if p.ValidationToken == "" {
		return fmt.Errorf("payload validationToken is required")
	}
	if p.ShareURL == "" {
		return fmt.Errorf("payload shareURL is required")
	}
	if p.ParentDeviceID == "" {
		return fmt.Errorf("payload parentDeviceID is required")
	}
	if p.AccountID == "" {
		return fmt.Errorf("payload accountId is required")
	}
	if _, err := p.Expiry(); err != nil {
		return err
	}
	return nil
}
