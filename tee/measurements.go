package tee

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Measurements maps register indices to measurement values extracted from an
// attestation quote.
type Measurements map[int][]byte

// PublishedMeasurements contains attestation measurements for released builds
// of the decryption boundary. Fetched from a public URL and used to decide
// whether a decryption key belongs to an approved build.
//
// The file is an array of MeasurementEntry objects; each entry represents an
// acceptable build. Keys in "measurements" are register indices. A key is
// accepted if its attestation matches any entry in the array.
type PublishedMeasurements []MeasurementEntry

// MeasurementEntry represents a single acceptable build configuration.
type MeasurementEntry struct {
	MeasurementID string                   `json:"measurement_id"`
	Measurements  map[int]MeasurementValue `json:"measurements"`
}

// MeasurementValue holds an expected measurement value.
type MeasurementValue struct {
	Expected string `json:"expected"`
}

// MeasurementSource provides expected measurements for attestation verification.
type MeasurementSource interface {
	// GetAllowedMeasurements returns all acceptable measurement sets.
	GetAllowedMeasurements() (PublishedMeasurements, error)
}

// StaticMeasurementSource provides measurements from a static configuration.
// Useful for testing and local deployments where measurements are known in
// advance or when using dummy attestation.
type StaticMeasurementSource struct {
	Measurements PublishedMeasurements
}

// NewStaticMeasurementSource creates a source with predefined measurements.
func NewStaticMeasurementSource(measurements PublishedMeasurements) *StaticMeasurementSource {
	return &StaticMeasurementSource{Measurements: measurements}
}

// GetAllowedMeasurements returns the static measurement sets.
func (s *StaticMeasurementSource) GetAllowedMeasurements() (PublishedMeasurements, error) {
	return s.Measurements, nil
}

// DemoMeasurementSource returns a MeasurementSource that accepts dummy
// attestations. The returned measurements match the values produced by
// DummyProvider. Only use in demo/testing environments.
func DemoMeasurementSource() *StaticMeasurementSource {
	return NewStaticMeasurementSource(PublishedMeasurements{
		{
			MeasurementID: "demo-dummy-attestation",
			Measurements: map[int]MeasurementValue{
				0: {Expected: "00"},
				1: {Expected: "01"},
				2: {Expected: "02"},
				3: {Expected: "03"},
				4: {Expected: "04"},
			},
		},
	})
}

// RemoteMeasurementSource fetches measurements from a URL, caching for an hour.
type RemoteMeasurementSource struct {
	URL        string
	HTTPClient *http.Client

	cacheTimeout time.Time
	cached       PublishedMeasurements
}

// NewRemoteMeasurementSource creates a source that fetches from a URL.
func NewRemoteMeasurementSource(url string) *RemoteMeasurementSource {
	return &RemoteMeasurementSource{
		URL:        url,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GetAllowedMeasurements fetches and returns all acceptable measurement sets.
func (r *RemoteMeasurementSource) GetAllowedMeasurements() (PublishedMeasurements, error) {
	if r.cached != nil && time.Now().Before(r.cacheTimeout) {
		return r.cached, nil
	}

	resp, err := r.HTTPClient.Get(r.URL)
	if err != nil {
		return nil, fmt.Errorf("fetching measurements: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("measurements returned %d: %s", resp.StatusCode, body)
	}

	var pub PublishedMeasurements
	if err := json.NewDecoder(resp.Body).Decode(&pub); err != nil {
		return nil, fmt.Errorf("decoding measurements: %w", err)
	}

	r.cached = pub
	r.cacheTimeout = time.Now().Add(time.Hour)
	return pub, nil
}

// VerifyKeyInfo verifies the attestation on an advertised decryption key and
// checks its measurements against the allowed set.
func VerifyKeyInfo(source MeasurementSource, provider AttestationProvider, info KeyInfo) (Measurements, error) {
	if provider == nil {
		return nil, nil
	}
	if len(info.Attestation) == 0 {
		return nil, errors.New("no attestation data")
	}

	exchangeKey, err := hex.DecodeString(info.ExchangeKey)
	if err != nil {
		return nil, fmt.Errorf("invalid exchange key: %w", err)
	}

	measurements, err := provider.VerifyKey(info.Attestation, info.KeyID, exchangeKey)
	if err != nil {
		return nil, fmt.Errorf("could not verify attestation: %w", err)
	}

	if source != nil {
		allowed, err := source.GetAllowedMeasurements()
		if err != nil {
			return nil, fmt.Errorf("could not fetch allowed measurements: %w", err)
		}
		if _, err := VerifyMeasurementsMatch(allowed, measurements); err != nil {
			return nil, fmt.Errorf("attestation is not allowed: %w", err)
		}
	}

	return measurements, nil
}

// VerifyMeasurementsMatch checks actual measurements against all allowed sets
// and returns the matching entry.
func VerifyMeasurementsMatch(allowed PublishedMeasurements, actual Measurements) (MeasurementEntry, error) {
	for _, entry := range allowed {
		matches := true
		for idx, expectedVal := range entry.Measurements {
			actualVal, ok := actual[idx]
			if !ok {
				matches = false
				break
			}
			if expectedVal.Expected != hex.EncodeToString(actualVal) {
				matches = false
				break
			}
		}
		if matches {
			return entry, nil
		}
	}

	return MeasurementEntry{}, errors.New("measurements do not match any allowed set")
}
