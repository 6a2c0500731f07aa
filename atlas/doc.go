// Package atlas is the client for the Shadow Atlas, the external Merkle tree
// operator that assigns leaf indices to identity commitments. The client never
// fabricates tree state: when the operator is unreachable it surfaces
// ErrUnavailable and the caller returns a 503-equivalent.
package atlas
