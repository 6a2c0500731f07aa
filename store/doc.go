// Package store persists registrations, submissions, and per-recipient
// delivery outcomes. The PostgreSQL implementation is the production store;
// InMemoryStore mirrors its transactional semantics (idempotency replay,
// nullifier uniqueness, guarded state transitions) for tests and local runs.
package store
