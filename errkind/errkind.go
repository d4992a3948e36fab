// Package errkind classifies the error kinds of spec.md §7 as sentinel
// errors so callers can use errors.Is instead of matching on string
// messages or Rust-style enum variants.
package errkind

import "errors"

// Sentinel errors, one per spec.md §7 error kind. Wrap these with
// fmt.Errorf("...: %w", ErrAuth) at the call site to retain context while
// keeping errors.Is(err, errkind.ErrAuth) working.
var (
	// ErrAuth: MAC verification failed. Drop the message, log at warn.
	ErrAuth = errors.New("errkind: MAC verification failed")

	// ErrProof: Merkle proof invalid (shard, commitment, or master root).
	// Drop; a correct node never sees this for honest senders.
	ErrProof = errors.New("errkind: merkle proof verification failed")

	// ErrDecode: erasure reconstruction failed (insufficient or
	// inconsistent shards). Drop; future shards may succeed.
	ErrDecode = errors.New("errkind: erasure reconstruction failed")

	// ErrDomain: secret share outside field, Shamir interpolation
	// singular, or commitment mismatch. Drop the offending share and
	// continue reconstructing from the others.
	ErrDomain = errors.New("errkind: domain validation failed")

	// ErrState: internal invariant violation. Fatal — terminate the
	// process with a diagnostic.
	ErrState = errors.New("errkind: internal invariant violated")

	// ErrTransport: peer channel closed. Remove the peer from the live
	// set; the protocol continues since n-f liveness is sufficient.
	ErrTransport = errors.New("errkind: transport channel closed")
)

// Fatal reports whether err represents a kind that must terminate the
// process (spec.md §7 propagation policy: only internal invariant
// violations are fatal).
func Fatal(err error) bool {
	return errors.Is(err, ErrState)
}
