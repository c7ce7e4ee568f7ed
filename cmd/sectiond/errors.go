package main

import (
	"errors"

	"github.com/sectionmesh/sectiond/internal/xerrors"
)

// configError wraps a command-line/config mistake so exitCodeFor can tell
// it apart from a permanently-refused join, per §6's exit code contract:
// 0 ok, 1 join permanently refused, 2 configuration error.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func newConfigError(err error) error { return &configError{err: err} }

// exitCodeFor maps a command's returned error to the process exit code §6
// names. Any other error (transport failure mid-run, a query that could not
// be answered) exits 1 as well, since this shell has no third bucket for it.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var ce *configError
	if errors.As(err, &ce) {
		return 2
	}
	if xerrors.Is(err, xerrors.ErrJoinTimeout) {
		return 1
	}
	return 1
}
