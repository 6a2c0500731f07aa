package registration

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communisaas/communique-core/atlas"
	"github.com/communisaas/communique-core/crypto"
	"github.com/communisaas/communique-core/store"
)

func newAtlasStub(t *testing.T, hits *int) *atlas.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		w.Write([]byte(`{"leafIndex":5,"merkleRoot":"0xroot","merklePath":["0xa","0xb","0xc"],"pathIndices":[1,0,1]}`))
	}))
	t.Cleanup(srv.Close)
	return atlas.NewClient(srv.URL)
}

func TestRegisterIdempotent(t *testing.T) {
	hits := 0
	svc := NewService(store.NewInMemoryStore(), newAtlasStub(t, &hits), 3, slog.Default())
	ctx := context.Background()

	first, err := svc.Register(ctx, "u1", "0xbeef")
	require.NoError(t, err)
	assert.False(t, first.AlreadyRegistered)
	assert.Equal(t, uint64(5), first.LeafIndex)
	assert.Equal(t, "0xroot", first.MerkleRoot)
	// 5 = 0b101
	assert.Equal(t, []int{1, 0, 1}, first.PathIndices)
	assert.Equal(t, 1, hits)

	second, err := svc.Register(ctx, "u1", "0xbeef")
	require.NoError(t, err)
	assert.True(t, second.AlreadyRegistered)
	assert.Equal(t, first.LeafIndex, second.LeafIndex)
	assert.Equal(t, first.MerkleRoot, second.MerkleRoot)
	assert.Equal(t, first.MerklePath, second.MerklePath)
	// No second call to the tree operator
	assert.Equal(t, 1, hits)
}

func TestRegisterRejectsInvalidLeafBeforeNetworkCall(t *testing.T) {
	hits := 0
	svc := NewService(store.NewInMemoryStore(), newAtlasStub(t, &hits), 3, slog.Default())

	for _, leaf := range []string{"", "0x0", "nothex", crypto.ScalarFieldOrder.Text(16)} {
		_, err := svc.Register(context.Background(), "u1", leaf)
		assert.ErrorIs(t, err, crypto.ErrNotFieldElement, "leaf %q", leaf)
	}
	assert.Equal(t, 0, hits)
}

func TestRegisterUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	svc := NewService(store.NewInMemoryStore(), atlas.NewClient(srv.URL), 3, slog.Default())
	_, err := svc.Register(context.Background(), "u1", "0xbeef")
	assert.ErrorIs(t, err, atlas.ErrUnavailable)

	// Nothing was persisted: tree state is never fabricated
	_, err = store.NewInMemoryStore().GetRegistration(context.Background(), "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegistrationValidityWindow(t *testing.T) {
	hits := 0
	st := store.NewInMemoryStore()
	svc := NewService(st, newAtlasStub(t, &hits), 3, slog.Default())

	result, err := svc.Register(context.Background(), "u1", "0xbeef")
	require.NoError(t, err)

	reg, err := st.GetRegistration(context.Background(), "u1")
	require.NoError(t, err)
	assert.WithinDuration(t, reg.RegisteredAt.Add(ValidityWindow), result.ExpiresAt, 0)
	assert.False(t, reg.Expired(reg.RegisteredAt.Add(ValidityWindow-1)))
	assert.True(t, reg.Expired(reg.RegisteredAt.Add(ValidityWindow+1)))
}
