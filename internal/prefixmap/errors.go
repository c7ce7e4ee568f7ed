package prefixmap

import "errors"

// ErrUntrustedSAP is returned when a candidate SAP's signing key cannot be
// proven reachable from genesis on any chain the map has merged.
var ErrUntrustedSAP = errors.New("prefixmap: untrusted SAP")
