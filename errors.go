// Package sharedtree lets replicas edit a shared tree of identified nodes and
// converge on the same content once edits are applied in one agreed order.
package sharedtree

import "errors"

// Verdict reasons and synchronous failures.
var (
	ErrMalformedEdit           = errors.New("sharedtree: malformed edit")
	ErrDuplicateNodeId         = errors.New("sharedtree: duplicate node id")
	ErrUnresolvableAnchor      = errors.New("sharedtree: unresolvable anchor")
	ErrUnknownDetachedSequence = errors.New("sharedtree: unknown detached sequence")
	ErrNodeNotFound            = errors.New("sharedtree: node not found")
	ErrSchemaViolation         = errors.New("sharedtree: schema violation")
	ErrDuplicateEdit           = errors.New("sharedtree: edit ordered twice")
)

// Summary errors.
var (
	ErrUnsupportedSummaryVersion = errors.New("sharedtree: unsupported summary version")
	ErrCorruptSummary            = errors.New("sharedtree: corrupt summary")
	ErrHistoryUnavailable        = errors.New("sharedtree: edit history unavailable")
)

// Engine errors.
var (
	ErrOutOfOrder        = errors.New("sharedtree: edit delivered out of order")
	ErrReentrant         = errors.New("sharedtree: re-entrant call from a listener")
	ErrLocalEditsPending = errors.New("sharedtree: local edits pending")
	ErrBadPacket         = errors.New("sharedtree: bad packet")
)
