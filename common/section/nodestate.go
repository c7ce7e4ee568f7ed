package section

import (
	"fmt"

	"github.com/drand/kyber"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/xor"
)

// MembershipState is one of a node's three lifecycle states within a
// section (§3).
type MembershipState uint8

const (
	Joined MembershipState = iota
	Left
	Relocated
)

func (s MembershipState) String() string {
	switch s {
	case Joined:
		return "Joined"
	case Left:
		return "Left"
	case Relocated:
		return "Relocated"
	default:
		return "Unknown"
	}
}

// precedence orders states for "latest known" tie-breaking between records
// signed by the same chain key: Joined < Relocated < Left (§3).
func (s MembershipState) precedence() int {
	switch s {
	case Joined:
		return 0
	case Relocated:
		return 1
	case Left:
		return 2
	default:
		return -1
	}
}

// NodeState is a single peer's membership record.
type NodeState struct {
	Peer           xor.Name
	Addr           string
	Age            uint8
	State          MembershipState
	PreviousName   *xor.Name // set only after Relocated
	RelocatedTo    *xor.Name // destination name, set only when State == Relocated
}

// SectionAuth wraps any value with the section's signature, produced over a
// key on the SectionChain, the only form in which a NodeState (or a
// proposal outcome) carries authority (§3: "authoritative only when
// wrapped").
type SectionAuth[T any] struct {
	Value      T
	SigningKey kyber.Point // the section key on the chain that produced Signature
	Signature  []byte
}

// Verify checks the enclosed signature over a msgpack-style digest of Value
// against SigningKey using the given scheme. Callers are expected to have
// already confirmed SigningKey is reachable on a trusted SectionChain;
// Verify only checks the cryptographic binding, not chain membership.
func Verify[T any](scheme *bls.Scheme, digest []byte, auth SectionAuth[T]) error {
	if auth.SigningKey == nil {
		return fmt.Errorf("section: signed value missing signing key")
	}
	return scheme.VerifyRecovered(auth.SigningKey, digest, auth.Signature)
}

// SupersedesAtEqualKey reports whether candidate should replace current when
// both are signed by the same chain key: Joined < Relocated < Left (§3).
func SupersedesAtEqualKey(current, candidate MembershipState) bool {
	return candidate.precedence() > current.precedence()
}
