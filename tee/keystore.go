package tee

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/communisaas/communique-core/crypto"
)

// Decrypter is the contract the delivery worker requires from the trusted
// decryption boundary.
type Decrypter interface {
	// Decrypt opens an AEAD-sealed witness using the key identified by keyID
	// and the sender's ephemeral public key and nonce. It fails closed: any
	// tag mismatch or unknown key returns an error and no plaintext.
	Decrypt(keyID string, ephemeralPubKey, nonce, ciphertext []byte) ([]byte, error)
}

// ErrUnknownKey indicates the referenced decryption key is not held here.
var ErrUnknownKey = errors.New("unknown decryption key")

// KeyInfo describes a decryption key the boundary advertises to clients.
type KeyInfo struct {
	KeyID       string `json:"key_id"`
	ExchangeKey string `json:"exchange_key"` // hex-encoded P-256 public key
	Attestation []byte `json:"attestation,omitempty"`
}

// KeyStore holds decryption keys in memory. In production it runs inside a
// TDX guest; key material never leaves the process.
type KeyStore struct {
	provider AttestationProvider

	mu   sync.RWMutex
	keys map[string]*ecdh.PrivateKey
	info map[string]KeyInfo
}

// NewKeyStore creates an empty key store. The attestation provider may be nil,
// in which case advertised keys carry no attestation.
func NewKeyStore(provider AttestationProvider) *KeyStore {
	return &KeyStore{
		provider: provider,
		keys:     make(map[string]*ecdh.PrivateKey),
		info:     make(map[string]KeyInfo),
	}
}

// GenerateKey creates a new P-256 exchange key, attests it, and returns the
// advertisable key info. The key id commits to the public key.
func (s *KeyStore) GenerateKey() (KeyInfo, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return KeyInfo{}, fmt.Errorf("generate exchange key: %w", err)
	}

	pubBytes := priv.PublicKey().Bytes()
	digest := sha256.Sum256(pubBytes)
	keyID := hex.EncodeToString(digest[:16])

	info := KeyInfo{
		KeyID:       keyID,
		ExchangeKey: hex.EncodeToString(pubBytes),
	}

	if s.provider != nil {
		attestation, err := s.provider.AttestKey(keyID, pubBytes)
		if err != nil {
			return KeyInfo{}, fmt.Errorf("attest key: %w", err)
		}
		info.Attestation = attestation
	}

	s.mu.Lock()
	s.keys[keyID] = priv
	s.info[keyID] = info
	s.mu.Unlock()

	return info, nil
}

// ImportKey stores an existing private key under a caller-chosen id.
// Used by tests and local runs with predefined keys.
func (s *KeyStore) ImportKey(keyID string, priv *ecdh.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[keyID] = priv
	s.info[keyID] = KeyInfo{
		KeyID:       keyID,
		ExchangeKey: hex.EncodeToString(priv.PublicKey().Bytes()),
	}
}

// HasKey reports whether the boundary holds the given key.
func (s *KeyStore) HasKey(keyID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[keyID]
	return ok
}

// Keys returns the advertisable info for all held keys.
func (s *KeyStore) Keys() []KeyInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]KeyInfo, 0, len(s.info))
	for _, info := range s.info {
		result = append(result, info)
	}
	return result
}

// Decrypt opens a sealed witness. Implements Decrypter.
func (s *KeyStore) Decrypt(keyID string, ephemeralPubKey, nonce, ciphertext []byte) ([]byte, error) {
	s.mu.RLock()
	priv, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}

	return crypto.OpenWitness(priv, &crypto.SealedWitness{
		EphemeralPubKey: ephemeralPubKey,
		Nonce:           nonce,
		Ciphertext:      ciphertext,
	})
}

// ParseExchangeKey parses a hex-encoded P-256 exchange public key.
func ParseExchangeKey(exchangeKey string) (*ecdh.PublicKey, error) {
	keyBytes, err := hex.DecodeString(exchangeKey)
	if err != nil {
		return nil, fmt.Errorf("invalid exchange key hex: %w", err)
	}
	return ecdh.P256().NewPublicKey(keyBytes)
}

// ReportDataForKey computes the attestation report data binding a decryption
// key to the boundary's code identity.
func ReportDataForKey(keyID string, exchangePubKey []byte) [64]byte {
	hash := sha256.New()
	hash.Write([]byte(keyID))
	hash.Write(exchangePubKey)

	var reportData [64]byte
	copy(reportData[:], hash.Sum(nil))
	return reportData
}
