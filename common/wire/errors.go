package wire

import "errors"

// Sentinel errors the codec and verifier return, per §7's protocol and
// authentication taxonomy. Callers should errors.Is against these rather
// than matching message text.
var (
	ErrMalformed      = errors.New("wire: malformed frame")
	ErrUnknownVersion = errors.New("wire: unknown version")
	ErrBadPayload     = errors.New("wire: payload decode failed")
	ErrBadSignature   = errors.New("wire: signature verification failed")
)
