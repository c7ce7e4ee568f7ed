package dkg

import (
	pedersen "github.com/drand/kyber/share/dkg"

	"github.com/sectionmesh/sectiond/common/xor"
)

// Broadcaster is how a Voter gets its DKG round traffic onto the wire. The
// node core supplies an implementation backed by internal/endpoint and
// common/wire; tests supply an in-memory one (§4.5, §5 send-to-candidates
// pattern mirrored from the teacher's echoBroadcast dispatcher).
type Broadcaster interface {
	SendDeal(to xor.Name, session SessionID, dealerIndex int, deal *pedersen.Deal) error
	SendResponse(to xor.Name, session SessionID, resp *pedersen.Response) error
	SendJustification(to xor.Name, session SessionID, just *pedersen.Justification) error
	SendFailure(to xor.Name, session SessionID, share FailureShare) error
}
