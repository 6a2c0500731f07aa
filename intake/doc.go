// Package intake accepts anonymous submission requests, enforces the
// nullifier and idempotency invariants, and hands accepted submissions to the
// delivery workers. The intake response commits only to acceptance: delivery
// runs detached, and its outcome is observable on the submission record.
package intake
