// Package dkg drives the distributed key generation rounds a section runs
// every time its elder set changes: on a split, on elder promotion, or on
// relocation. One Session tracks one round; Voter owns every round this
// node currently participates in (§4.5).
package dkg

import (
	"errors"
	"fmt"

	"github.com/sectionmesh/sectiond/common/xor"
)

// Phase is a session's place in the Init -> Contributing -> Complete/Failed
// progression named in §4.5.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseContributing
	PhaseComplete
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseContributing:
		return "contributing"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("dkg.Phase(%d)", int(p))
	}
}

// SessionID names one DKG round: the prefix whose elder set is changing,
// plus a generation counter that increases each time the same prefix
// starts a fresh round, so a superseded round can be told apart from the
// one currently in flight.
type SessionID struct {
	Prefix     xor.Prefix
	Generation uint64
}

func (id SessionID) String() string {
	return fmt.Sprintf("%s#%d", id.Prefix, id.Generation)
}

var (
	// ErrUnknownSession is returned for a message whose session this Voter
	// has neither started nor backlogged.
	ErrUnknownSession = errors.New("dkg: unknown session")
	// ErrSessionFailed is returned for any operation against a session
	// already in PhaseFailed.
	ErrSessionFailed = errors.New("dkg: session already failed")
	// ErrSuperseded is returned for a session whose generation is older
	// than the newest generation this Voter has seen for the same prefix.
	ErrSuperseded = errors.New("dkg: session superseded by a newer generation")
	// ErrNotParticipant is returned when Start is called for a round this
	// node was not listed as a candidate for.
	ErrNotParticipant = errors.New("dkg: this node is not a candidate in the session")
	// ErrAlreadyStarted is returned by Start when the session already exists.
	ErrAlreadyStarted = errors.New("dkg: session already started")
)
