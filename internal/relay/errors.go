package relay

import (
	"errors"
)

// errIgnoreFrame marks frames that get no reply at all (e.g. a connect with
// missing fields); the channel stays open.
var errIgnoreFrame = errors.New("frame ignored")

// ProtocolError: malformed frame or unknown action. Reported to the sender,
// channel stays open.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return e.Msg }

// ValidationError: a recognized action with missing or invalid fields.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// IdentityResolutionError: a participant reference could not be mapped to a
// chat user.
type IdentityResolutionError struct {
	Msg string
}

func (e *IdentityResolutionError) Error() string { return e.Msg }

// UnresolvedPartyError: sender or receiver of a message could not be
// determined (unknown connection, sender not a member). Nothing is persisted.
type UnresolvedPartyError struct {
	Side string // "sender" or "receiver"
	Msg  string
}

func (e *UnresolvedPartyError) Error() string { return e.Msg }

// PersistenceError: the durable store rejected a write. The operation is
// aborted and no delivery is attempted.
type PersistenceError struct {
	Msg string
	Err error
}

func (e *PersistenceError) Error() string { return e.Msg }

func (e *PersistenceError) Unwrap() error { return e.Err }
