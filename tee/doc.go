// Package tee implements the trusted decryption boundary. Witness payloads
// are sealed by clients to an ECDH exchange key held inside the boundary;
// the key store decrypts them without exposing key material to callers and
// fails closed on any authentication failure.
//
// Attestation binds each decryption key to the code identity of the boundary:
// the quote's report data commits to the key id and exchange public key, so
// operators can verify a key belongs to an approved build before routing
// witnesses to it.
package tee
