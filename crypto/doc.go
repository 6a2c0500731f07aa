// Package crypto implements the cryptographic primitives of the submission
// pipeline: field-element validation for Merkle leaf commitments, Merkle path
// index derivation, keyed pseudonym derivation, and the ECIES construction
// used to seal witness payloads to the trusted decryption boundary.
package crypto
