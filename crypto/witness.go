package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// SealedWitness contains an ECIES-encrypted witness payload.
// Format: ephemeral pubkey (65 bytes) || nonce (12 bytes) || ciphertext+tag
type SealedWitness struct {
	EphemeralPubKey []byte // P-256 uncompressed public key
	Nonce           []byte // AES-GCM nonce
	Ciphertext      []byte // Encrypted data with auth tag
}

// ErrDecryptionFailed indicates an AEAD authentication failure. Decryption
// fails closed: no partial plaintext is ever returned.
var ErrDecryptionFailed = errors.New("witness decryption failed")

// SealWitness encrypts a witness payload to the decryption boundary's ECDH
// public key. Uses ephemeral ECDH key agreement and AES-256-GCM, with the
// ephemeral public key bound as additional data.
func SealWitness(recipientPubKey *ecdh.PublicKey, plaintext []byte) (*SealedWitness, error) {
	ephemeralPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	sharedSecret, err := ephemeralPriv.ECDH(recipientPubKey)
	if err != nil {
		return nil, fmt.Errorf("ECDH: %w", err)
	}

	gcm, err := witnessAEAD(sharedSecret)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, ephemeralPriv.PublicKey().Bytes())

	return &SealedWitness{
		EphemeralPubKey: ephemeralPriv.PublicKey().Bytes(),
		Nonce:           nonce,
		Ciphertext:      ciphertext,
	}, nil
}

// OpenWitness decrypts a sealed witness using the boundary's private key.
// Any authentication failure returns ErrDecryptionFailed.
func OpenWitness(recipientPrivKey *ecdh.PrivateKey, sealed *SealedWitness) ([]byte, error) {
	ephemeralPub, err := ecdh.P256().NewPublicKey(sealed.EphemeralPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ephemeral key: %v", ErrDecryptionFailed, err)
	}

	sharedSecret, err := recipientPrivKey.ECDH(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("%w: ECDH: %v", ErrDecryptionFailed, err)
	}

	gcm, err := witnessAEAD(sharedSecret)
	if err != nil {
		return nil, err
	}

	if len(sealed.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce size", ErrDecryptionFailed)
	}

	plaintext, err := gcm.Open(nil, sealed.Nonce, sealed.Ciphertext, sealed.EphemeralPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return plaintext, nil
}

// Bytes serializes a sealed witness.
func (s *SealedWitness) Bytes() []byte {
	result := make([]byte, 0, len(s.EphemeralPubKey)+len(s.Nonce)+len(s.Ciphertext))
	result = append(result, s.EphemeralPubKey...)
	result = append(result, s.Nonce...)
	result = append(result, s.Ciphertext...)
	return result
}

// ParseSealedWitness deserializes a sealed witness.
func ParseSealedWitness(data []byte) (*SealedWitness, error) {
	// P-256 uncompressed pubkey is 65 bytes, nonce is 12 bytes
	const pubKeyLen = 65
	const nonceLen = 12
	minLen := pubKeyLen + nonceLen + 16 // 16 is minimum ciphertext (just auth tag)

	if len(data) < minLen {
		return nil, errors.New("sealed witness too short")
	}

	return &SealedWitness{
		EphemeralPubKey: data[:pubKeyLen],
		Nonce:           data[pubKeyLen : pubKeyLen+nonceLen],
		Ciphertext:      data[pubKeyLen+nonceLen:],
	}, nil
}

func witnessAEAD(sharedSecret []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha3.New256, sharedSecret, nil, []byte("communique-witness-v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
