// Package section holds the data model every other component shares: the
// Section Authority Provider, node membership state, and the generic
// SectionAuth wrapper that turns a value into section-signed authority.
package section

import (
	"fmt"
	"sort"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/constants"
	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
)

// PublicKeySet is the public face of a section's distributed key: the
// public polynomial commitments produced by DKG, from which the group
// public key and any share's public counterpart can be derived.
type PublicKeySet struct {
	Group   kyber.Group
	Commits []kyber.Point
}

// NewPublicKeySet builds a PublicKeySet from DKG's output commitments.
func NewPublicKeySet(group kyber.Group, commits []kyber.Point) *PublicKeySet {
	return &PublicKeySet{Group: group, Commits: commits}
}

// Threshold is the number of valid shares required to recover a section
// signature: supermajority(n) - 1, per the SAP invariant in the data model.
func (s *PublicKeySet) Threshold() int {
	return len(s.Commits)
}

// PublicKey returns the section's group public key (the polynomial's
// constant term), the key every section-signed message verifies against.
func (s *PublicKeySet) PublicKey() kyber.Point {
	poly := share.NewPubPoly(s.Group, nil, s.Commits)
	return poly.Commit()
}

// Poly exposes the full public polynomial, needed to verify or recover
// partial signatures against individual share indices.
func (s *PublicKeySet) Poly() *share.PubPoly {
	return share.NewPubPoly(s.Group, nil, s.Commits)
}

// SAP is the public face of a section at one epoch (§3).
type SAP struct {
	Prefix       xor.Prefix
	Elders       map[xor.Name]string // elder XOR-name -> socket address
	PublicKeySet *PublicKeySet
}

// Validate enforces the structural invariants named in §3 and §8: a
// non-empty elder set bounded by ElderSize, and a threshold matching
// supermajority(n)-1.
func (s *SAP) Validate() error {
	n := len(s.Elders)
	if n == 0 {
		return fmt.Errorf("section: empty elder set")
	}
	if n > constants.ElderSize {
		return fmt.Errorf("section: %d elders exceeds ElderSize=%d", n, constants.ElderSize)
	}
	if s.PublicKeySet == nil {
		return fmt.Errorf("section: missing public key set")
	}
	want := constants.DKGThreshold(n)
	if got := s.PublicKeySet.Threshold(); got != want {
		return fmt.Errorf("section: threshold %d does not match supermajority(%d)-1=%d", got, n, want)
	}
	return nil
}

// SigningKey returns the section's current group public key, the key that
// signs this SAP's own NodeState entries and is chained in the SectionChain.
func (s *SAP) SigningKey() kyber.Point {
	return s.PublicKeySet.PublicKey()
}

// ElderNames returns the elder XOR-names in a stable, sorted order.
func (s *SAP) ElderNames() []xor.Name {
	names := make([]xor.Name, 0, len(s.Elders))
	for n := range s.Elders {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i].Cmp(names[j]) < 0 })
	return names
}

// ClosestElders returns the k elders closest to dst by XOR-distance, used
// by the client to pick a query's fan-out subset (§4.7).
func (s *SAP) ClosestElders(dst xor.Name, k int) []xor.Name {
	names := s.ElderNames()
	sort.Slice(names, func(i, j int) bool { return dst.Closer(names[i], names[j]) })
	if k > len(names) {
		k = len(names)
	}
	return names[:k]
}

// VerifySignature checks a signature over msg against this SAP's group key,
// using the given BLS scheme's threshold-recovered verification.
func (s *SAP) VerifySignature(scheme *bls.Scheme, msg, sig []byte) error {
	return scheme.VerifyRecovered(s.SigningKey(), msg, sig)
}

// Digest produces the signable/verifiable byte string for an SAP: its
// PublicKeySet carries kyber interface values msgpack cannot reflect into
// directly, so every signer and verifier flattens to the group key's
// marshaled bytes plus the prefix, exactly as internal/prefixmap does for
// its own insert-time verification.
func (s *SAP) Digest() ([]byte, error) {
	pkBytes, err := s.SigningKey().MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("section: marshal SAP signing key: %w", err)
	}
	return wire.EncodePayload(struct {
		Prefix string
		Key    []byte
	}{Prefix: s.Prefix.String(), Key: pkBytes})
}
