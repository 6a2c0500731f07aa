package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenWitnessRoundTrip(t *testing.T) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	plaintext := []byte(`{"address":"1600 Pennsylvania Ave","message":"hello"}`)
	sealed, err := SealWitness(priv.PublicKey(), plaintext)
	require.NoError(t, err)

	opened, err := OpenWitness(priv, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenWitnessFailsClosedOnTamper(t *testing.T) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	sealed, err := SealWitness(priv.PublicKey(), []byte("sensitive witness data"))
	require.NoError(t, err)

	// Flip one bit anywhere in the ciphertext
	for i := range sealed.Ciphertext {
		tampered := &SealedWitness{
			EphemeralPubKey: sealed.EphemeralPubKey,
			Nonce:           sealed.Nonce,
			Ciphertext:      append([]byte(nil), sealed.Ciphertext...),
		}
		tampered.Ciphertext[i] ^= 0x01

		plaintext, err := OpenWitness(priv, tampered)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
		assert.Nil(t, plaintext)
	}
}

func TestOpenWitnessWrongKey(t *testing.T) {
	privA, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	privB, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	sealed, err := SealWitness(privA.PublicKey(), []byte("for A only"))
	require.NoError(t, err)

	_, err = OpenWitness(privB, sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSealedWitnessSerialization(t *testing.T) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	sealed, err := SealWitness(priv.PublicKey(), []byte("payload"))
	require.NoError(t, err)

	parsed, err := ParseSealedWitness(sealed.Bytes())
	require.NoError(t, err)

	opened, err := OpenWitness(priv, parsed)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), opened)

	_, err = ParseSealedWitness([]byte("too short"))
	assert.Error(t, err)
}

func TestDerivePseudonymDeterministicAndKeyed(t *testing.T) {
	key := []byte("server-side-pseudonym-key")

	p1 := DerivePseudonym(key, "user-1")
	p2 := DerivePseudonym(key, "user-1")
	assert.Equal(t, p1, p2)

	assert.NotEqual(t, p1, DerivePseudonym(key, "user-2"))
	assert.NotEqual(t, p1, DerivePseudonym([]byte("other key"), "user-1"))
	assert.Len(t, p1, 64)
}
