// Package xerrors is sectiond's error-handling boundary: wrapping with
// stack context via github.com/pkg/errors, the teacher's exact choice
// (internal/dkg/store.go), plus the sentinel error taxonomy §7 names so
// callers can errors.Is against a stable contract instead of matching
// message text.
package xerrors

import (
	"github.com/pkg/errors"

	"github.com/sectionmesh/sectiond/common/wire"
)

// New, Errorf, Wrap, Wrapf and Cause are this module's wrapping surface,
// re-exported from github.com/pkg/errors so every component boundary wraps
// the same way without importing it directly.
var (
	New    = errors.New
	Errorf = errors.Errorf
	Wrap   = errors.Wrap
	Wrapf  = errors.Wrapf
	Cause  = errors.Cause
)

// Is reports whether err, or any error in its chain, matches target. It
// forwards to the standard library via pkg/errors' own compatible
// implementation, so callers need only import this package.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target's type.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Protocol and authentication sentinels, per §7's propagation policy: a
// handler on the inbound path never panics, it drops the message or bounces
// anti-entropy and returns one of these. common/wire already owns the
// lowest-level framing/signature errors; re-exported here so a caller
// outside the wire codec has one taxonomy to check against.
var (
	ErrMalformed      = wire.ErrMalformed
	ErrUnknownVersion = wire.ErrUnknownVersion
	ErrBadPayload     = wire.ErrBadPayload
	ErrBadSignature   = wire.ErrBadSignature
)

// The remaining sentinels §7 names, owned here since no lower-level package
// is the natural home for them.
var (
	// ErrUntrustedKey: a signature verified but the signing key isn't
	// chain-reachable from any section this node currently trusts.
	ErrUntrustedKey = errors.New("xerrors: signing key not trusted by any known section")
	// ErrWrongDestination: a message's declared destination section key or
	// prefix doesn't match this node's own, past what an AE bounce can fix.
	ErrWrongDestination = errors.New("xerrors: message addressed to a section this node does not belong to")
	// ErrJoinTimeout: the join handshake exhausted its retry budget
	// (constants.BootstrapRetryTime) without being admitted.
	ErrJoinTimeout = errors.New("xerrors: join handshake did not complete before the retry budget expired")
	// ErrChunkHashMismatch: a client-fetched chunk's content does not hash
	// to the address it was requested under.
	ErrChunkHashMismatch = errors.New("xerrors: chunk content does not hash to its requested address")
)
