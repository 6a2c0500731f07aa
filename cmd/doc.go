// Package cmd provides the service binaries.
//
// # Commands
//
// communique-core: Runs the full submission pipeline in one process: the
// registration and intake HTTP surface, the TEE key advertisement endpoint,
// and the detached delivery workers.
//
//	go run ./cmd/communique-core
//
// communique-verify: Verifies an instance's advertised decryption keys from
// the operator's side: fetches /tee/keys, checks each attestation, and
// matches the attested measurements against a published allow list.
//
//	go run ./cmd/communique-verify -url https://pipeline.example.org -tdx
//
// # Configuration
//
// Wiring comes from COMMUNIQUE_* environment variables; see the config
// package for the full list. PostgreSQL connection parameters use the
// standard PG* variables. The credential freshness table can be overridden
// with a yaml file:
//
//	congressional_delivery: 720h
//	local_delivery: 2160h
//	petition_sign: 4320h
//	template_draft: 8760h
//
// A pinned exchange key for the decryption boundary can be supplied with
// --exchange-key; otherwise a fresh key is generated and attested at startup.
package cmd
