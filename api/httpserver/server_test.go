package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communisaas/communique-core/tee"
)

func newTestServer(t *testing.T, registrars ...RouteRegistrar) *BaseServer {
	t.Helper()
	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      slog.Default(),
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, registrars...)
	require.NoError(t, err)
	return srv
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	assert.Equal(t, http.StatusOK, get(t, srv.srv.Handler, "/livez").Code)
	assert.Equal(t, http.StatusOK, get(t, srv.srv.Handler, "/readyz").Code)
}

func TestDrainUndrain(t *testing.T) {
	srv := newTestServer(t)

	assert.Equal(t, http.StatusOK, get(t, srv.srv.Handler, "/drain").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv.srv.Handler, "/readyz").Code)

	assert.Equal(t, http.StatusOK, get(t, srv.srv.Handler, "/undrain").Code)
	assert.Equal(t, http.StatusOK, get(t, srv.srv.Handler, "/readyz").Code)
}

func TestReadyzReflectsStoreHealth(t *testing.T) {
	storeErr := error(nil)
	srv, err := New(&HTTPServerConfig{
		ListenAddr: "127.0.0.1:0",
		Log:        slog.Default(),
		ReadyCheck: func(ctx context.Context) error { return storeErr },
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, get(t, srv.srv.Handler, "/readyz").Code)

	storeErr = errors.New("connection refused")
	w := get(t, srv.srv.Handler, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "storage unavailable")
}

func TestDrainRunsDrainHook(t *testing.T) {
	drained := make(chan struct{})
	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      slog.Default(),
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
		DrainHook:                func(ctx context.Context) { close(drained) },
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, get(t, srv.srv.Handler, "/drain").Code)
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain hook never ran")
	}

	// A second drain request does not rerun the hook.
	w := get(t, srv.srv.Handler, "/drain")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "already draining")
}

func TestKeysHandlerAdvertisesKeys(t *testing.T) {
	keys := tee.NewKeyStore(nil)
	info, err := keys.GenerateKey()
	require.NoError(t, err)

	srv := newTestServer(t, NewKeysHandler(keys))
	w := get(t, srv.srv.Handler, "/tee/keys")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), info.KeyID)
	assert.Contains(t, w.Body.String(), info.ExchangeKey)
}
