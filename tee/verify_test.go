package tee

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveKeys(t *testing.T, keys []KeyInfo) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tee/keys", r.URL.Path)
		json.NewEncoder(w).Encode(struct {
			Keys []KeyInfo `json:"keys"`
		}{Keys: keys})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestKeyVerifierAcceptsAttestedKeys(t *testing.T) {
	provider := &DummyProvider{}
	store := NewKeyStore(provider)
	info, err := store.GenerateKey()
	require.NoError(t, err)

	srv := serveKeys(t, store.Keys())

	verifier := NewKeyVerifier(DemoMeasurementSource(), provider)
	verified, err := verifier.VerifyAdvertisedKeys(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, verified, 1)
	assert.Equal(t, info.KeyID, verified[0].Info.KeyID)
	assert.NotEmpty(t, verified[0].Measurements)
}

func TestKeyVerifierRejectsUnboundKey(t *testing.T) {
	provider := &DummyProvider{}
	store := NewKeyStore(provider)
	good, err := store.GenerateKey()
	require.NoError(t, err)

	// A second key advertised under a forged id: its attestation no longer
	// commits to the advertised key material.
	forged := store.Keys()[0]
	forged.KeyID = "forged-id"

	srv := serveKeys(t, []KeyInfo{good, forged})

	verifier := NewKeyVerifier(DemoMeasurementSource(), provider)
	verified, err := verifier.VerifyAdvertisedKeys(context.Background(), srv.URL)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "forged-id")

	// The genuine key still verifies.
	require.Len(t, verified, 1)
	assert.Equal(t, good.KeyID, verified[0].Info.KeyID)
}
