// Package delivery runs detached from the intake request: it decrypts the
// witness inside the trusted boundary, resolves the legislative recipients,
// and delivers to each recipient independently. State transitions are guarded
// so a racing re-invocation of a stuck submission cannot double-deliver, and
// per-recipient outcomes are persisted so re-invocation skips recipients that
// already succeeded.
package delivery
