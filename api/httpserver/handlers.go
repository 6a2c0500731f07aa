package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/communisaas/communique-core/tee"
)

// KeysHandler advertises the decryption boundary's exchange keys so clients
// can seal witnesses to an attested key.
type KeysHandler struct {
	keys *tee.KeyStore
}

// NewKeysHandler creates the key advertisement handler.
func NewKeysHandler(keys *tee.KeyStore) *KeysHandler {
	return &KeysHandler{keys: keys}
}

// RegisterRoutes registers routes with the provided router.
func (h *KeysHandler) RegisterRoutes(r chi.Router) {
	r.Get("/tee/keys", h.handleKeys)
}

func (h *KeysHandler) handleKeys(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Keys []tee.KeyInfo `json:"keys"`
	}{Keys: h.keys.Keys()})
}
