// Package rcerrs defines the reconnect core's error taxonomy as
// wrapped sentinel values, the way go-ethereum's trie and core/txpool
// packages distinguish error kinds with errors.Is-compatible sentinels
// instead of bare strings or custom structs with no common ancestor.
package rcerrs

import "errors"

// Sentinel kinds. Every error the core returns wraps exactly one of these
// via fmt.Errorf("%w: ...", KindX) so callers can classify failures with
// errors.Is without string matching.
var (
	// Io marks an underlying stream read/write/close failure.
	Io = errors.New("io")

	// Timeout marks a T_poll or T_send deadline elapsing.
	Timeout = errors.New("timeout")

	// Protocol marks a peer sending something the wire contract
	// disallows: unknown class-id, unsupported version, inconsistent
	// child-count, wrong hash length.
	Protocol = errors.New("protocol violation")

	// Invariant marks a local bug: expected-lesson queue underflow,
	// lesson-kind mismatch against the queued expectation.
	Invariant = errors.New("invariant violation")

	// Interrupted marks cooperative cancellation (context.Context).
	Interrupted = errors.New("interrupted")

	// ViewReadyFailed marks a teacher view's wait-until-ready returning
	// an error.
	ViewReadyFailed = errors.New("view not ready")
)

// Is reports whether err (or anything it wraps) is the given kind.
func Is(err, kind error) bool { return errors.Is(err, kind) }
