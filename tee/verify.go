package tee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// VerifiedKey pairs an advertised key with the measurements its attestation
// carried.
type VerifiedKey struct {
	Info         KeyInfo
	Measurements Measurements
}

// KeyVerifier checks a pipeline instance's advertised decryption keys before
// a client seals a witness to one of them. It fetches the key advertisement
// endpoint and verifies each key's attestation against the allowed
// measurement sets.
type KeyVerifier struct {
	Source     MeasurementSource
	Provider   AttestationProvider
	HTTPClient *http.Client
}

// NewKeyVerifier creates a verifier for the given measurement source and
// attestation provider.
func NewKeyVerifier(source MeasurementSource, provider AttestationProvider) *KeyVerifier {
	return &KeyVerifier{
		Source:     source,
		Provider:   provider,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// VerifyAdvertisedKeys fetches baseURL's key advertisement and verifies every
// key. It returns only the keys whose attestation is genuine, bound to the
// advertised key material, and from an approved build; an empty result with a
// nil error means the instance advertised no keys at all.
func (v *KeyVerifier) VerifyAdvertisedKeys(ctx context.Context, baseURL string) ([]VerifiedKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/tee/keys", nil)
	if err != nil {
		return nil, fmt.Errorf("building key request: %w", err)
	}

	resp, err := v.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching advertised keys: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("key endpoint returned %d: %s", resp.StatusCode, body)
	}

	var advertised struct {
		Keys []KeyInfo `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&advertised); err != nil {
		return nil, fmt.Errorf("decoding advertised keys: %w", err)
	}

	var verified []VerifiedKey
	var failures []error
	for _, info := range advertised.Keys {
		measurements, err := VerifyKeyInfo(v.Source, v.Provider, info)
		if err != nil {
			failures = append(failures, fmt.Errorf("key %s: %w", info.KeyID, err))
			continue
		}
		verified = append(verified, VerifiedKey{Info: info, Measurements: measurements})
	}

	// Any unverifiable key is reported even when others pass: a boundary
	// advertising keys it cannot attest deserves a closer look.
	if len(failures) > 0 {
		return verified, errors.Join(failures...)
	}
	return verified, nil
}
