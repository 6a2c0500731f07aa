package crypto

import (
	"crypto/hmac"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// DerivePseudonym maps an authenticated user id to a stable pseudonymous id
// using a keyed one-way function. Submission records carry only the pseudonym,
// so they cannot be joined back to the user table without the server-side key.
func DerivePseudonym(key []byte, userID string) string {
	mac := hmac.New(sha3.New256, key)
	mac.Write([]byte("communique-pseudonym-v1"))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}
