package session

import "errors"

// State is the current phase of a transfer session.
type State uint8

const (
	// StateIdle is a freshly created session before any announcement.
	StateIdle State = iota
	// StateAwaitingAccept means metadata has been announced and the
	// receiving side has not yet accepted.
	StateAwaitingAccept
	// StateTransferring means chunks are flowing.
	StateTransferring
	// StatePaused means the transport is gone but all transfer state
	// is preserved for a resume.
	StatePaused
	// StateCompleted means every chunk is held. Terminal.
	StateCompleted
	// StateError is the terminal failure state; see the session's
	// Reason for why.
	StateError
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAccept:
		return "awaiting_accept"
	case StateTransferring:
		return "transferring"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// Reason classifies why a session ended in StateError. Callers never
// see raw low-level errors, only the state plus this code.
type Reason uint8

const (
	// ReasonNone means the session has not failed.
	ReasonNone Reason = iota
	// ReasonCancelled means the caller cancelled the transfer.
	ReasonCancelled
	// ReasonStoreFailure means the persistent store kept failing
	// after retries.
	ReasonStoreFailure
	// ReasonMetadataMismatch means the peer announced metadata that
	// disagrees with the persisted record for the same file identity.
	ReasonMetadataMismatch
	// ReasonPeerDegraded means a range stalled more times than the
	// retry cap allows.
	ReasonPeerDegraded
)

// String returns a human-readable reason name.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonCancelled:
		return "cancelled"
	case ReasonStoreFailure:
		return "store_failure"
	case ReasonMetadataMismatch:
		return "metadata_mismatch"
	case ReasonPeerDegraded:
		return "peer_degraded"
	default:
		return "unknown"
	}
}

// ErrInvalidState is returned when an operation is not legal in the
// session's current state.
var ErrInvalidState = errors.New("operation not valid in current session state")

// ErrSessionExists is returned when a second session is created for a
// (fileID, peerID) pair that already has an active one.
var ErrSessionExists = errors.New("session already exists for this file and peer")

// ErrSessionNotFound is returned when no session matches the given
// (fileID, peerID) pair.
var ErrSessionNotFound = errors.New("session not found")

// ErrNotCompleted is returned when assembly is attempted before every
// chunk is held.
var ErrNotCompleted = errors.New("transfer not completed")
