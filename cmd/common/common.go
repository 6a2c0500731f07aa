// Package common provides shared utilities for the service binaries:
//
//   - Key loading and generation for ECDH exchange keys and shared secrets
//   - Attestation provider selection from configuration flags
package common

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/communisaas/communique-core/tee"
)

// LoadOrGenerateExchangeKey loads an ECDH P-256 private key from a hex string,
// or generates a new key if hexKey is empty.
func LoadOrGenerateExchangeKey(hexKey string) (*ecdh.PrivateKey, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return ecdh.P256().NewPrivateKey(keyBytes)
	}
	return ecdh.P256().GenerateKey(rand.Reader)
}

// LoadOrGenerateSecret loads a shared secret from a hex string, or generates a
// random 32-byte secret if hexKey is empty. Generated secrets are suitable for
// single-instance runs only; deployments must pin them.
func LoadOrGenerateSecret(hexKey string) ([]byte, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return keyBytes, nil
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// NewAttestationProvider creates an attestation provider based on
// configuration flags. Returns TDXProvider or RemoteQuoteProvider when useTDX
// is true, otherwise DummyProvider for testing.
func NewAttestationProvider(useTDX bool, remoteTDXURL string) tee.AttestationProvider {
	if useTDX {
		if remoteTDXURL != "" {
			return &tee.RemoteQuoteProvider{URL: remoteTDXURL, Timeout: 30 * time.Second}
		}
		return &tee.TDXProvider{}
	}
	return &tee.DummyProvider{}
}
