package sectionchain

import "errors"

// ErrUntrustedKey is returned when a chain insert or merge references a
// parent key not already present, or a signature that fails to verify (§4.3).
var ErrUntrustedKey = errors.New("sectionchain: untrusted key")
