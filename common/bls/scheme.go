// Package bls wraps the kyber BLS12-381 pairing group and threshold-signing
// scheme used for every section-level authority: BLS public-key sets from
// DKG, section chain signatures, and proposal share aggregation.
package bls

import (
	"crypto/cipher"
	"crypto/sha256"
	"hash"

	"github.com/drand/kyber"
	kyberbls "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/share"
	"github.com/drand/kyber/sign"
	"github.com/drand/kyber/sign/bls"
	"github.com/drand/kyber/sign/schnorr"
	"github.com/drand/kyber/sign/tbls"
	"github.com/drand/kyber/util/random"
)

// schnorrSuite adapts a plain kyber.Group into schnorr.Suite, which also
// requires a RandomStream for nonce generation.
type schnorrSuite struct {
	kyber.Group
}

func (schnorrSuite) RandomStream() cipher.Stream { return random.New() }

// Scheme bundles the groups and signature schemes every component needs to
// create or verify section and node signatures, mirroring the role drand's
// crypto.Scheme plays for the beacon.
type Scheme struct {
	// SigGroup/KeyGroup follow the pairing-friendly convention: keys live in
	// one group, signatures in the paired group.
	SigGroup kyber.Group
	KeyGroup kyber.Group
	// Threshold is the BLS threshold signature scheme used for section
	// authority (shares produced by DKG, recovered via Lagrange interpolation).
	Threshold sign.ThresholdScheme
	// Recovered verifies/creates plain (non-threshold) BLS signatures over
	// the recovered section key, e.g. for the single-elder DKG special case.
	Recovered sign.AggregatableScheme

	identityHash func() hash.Hash
}

// NewDefaultScheme returns the scheme used network-wide: BLS12-381 G1
// signatures / G2 keys, SHA-256 identity hashing, matching the pairing
// choice drand's default scheme makes for new deployments.
func NewDefaultScheme() *Scheme {
	suite := kyberbls.NewBLS12381Suite()
	return &Scheme{
		SigGroup:     suite.G1(),
		KeyGroup:     suite.G2(),
		Threshold:    tbls.NewThresholdSchemeOnG1(suite),
		Recovered:    bls.NewSchemeOnG1(suite),
		identityHash: sha256.New,
	}
}

// IdentityHash returns the hash function used to derive signable digests
// from node identities (mirrors drand's Scheme.IdentityHash).
func (s *Scheme) IdentityHash() hash.Hash {
	return s.identityHash()
}

// NodeSuite returns the schnorr.Suite used to sign/verify node-level
// (non-threshold) identities and NodeAuth-kind wire messages.
func (s *Scheme) NodeSuite() schnorr.Suite {
	return schnorrSuite{s.KeyGroup}
}

// SignNode produces a schnorr signature by a node's own private scalar,
// used for NodeAuth-kind wire messages.
func (s *Scheme) SignNode(private kyber.Scalar, msg []byte) ([]byte, error) {
	return schnorr.Sign(s.NodeSuite(), private, msg)
}

// VerifyNode verifies a schnorr signature by a node's public point.
func (s *Scheme) VerifyNode(public kyber.Point, msg, sig []byte) error {
	return schnorr.Verify(s.NodeSuite(), public, msg, sig)
}

// VerifyRecovered verifies a full (combined) signature against a
// distributed public key, as used for section-signed messages and section
// chain links.
func (s *Scheme) VerifyRecovered(pub kyber.Point, msg, sig []byte) error {
	return s.Threshold.VerifyRecovered(pub, msg, sig)
}

// SignShare produces this node's partial signature over msg, using its
// private share of the section's distributed key.
func (s *Scheme) SignShare(priShare *share.PriShare, msg []byte) ([]byte, error) {
	return s.Threshold.Sign(priShare, msg)
}

// Recover combines t valid partial signatures into the full section
// signature, given the public polynomial commitment produced by DKG.
func (s *Scheme) Recover(pub *share.PubPoly, msg []byte, sigs [][]byte, t, n int) ([]byte, error) {
	return s.Threshold.Recover(pub, msg, sigs, t, n)
}

// SignSingle signs with a plain (non-shared) private scalar, used for the
// degenerate 0-of-1 DKG outcome where there is no real threshold.
func (s *Scheme) SignSingle(private kyber.Scalar, msg []byte) ([]byte, error) {
	return s.Recovered.Sign(private, msg)
}
