package dkg

import (
	"fmt"
	"sort"

	"github.com/drand/kyber"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/constants"
	"github.com/sectionmesh/sectiond/common/xor"
)

// FailureShare is one participant's signed claim that a session has
// failed, naming which candidates it holds responsible (non-responsive or
// misbehaving). A session only gives up once a supermajority of
// candidates submit matching failure shares, mirroring the DKG failure
// agreement named in §4.5.
type FailureShare struct {
	Session   SessionID
	NodeName  xor.Name
	NodeKey   kyber.Point
	Failed    map[xor.Name]bool
	Signature []byte
}

func digestFailure(session SessionID, failed map[xor.Name]bool) []byte {
	names := make([]xor.Name, 0, len(failed))
	for n := range failed {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i].Cmp(names[j]) < 0 })

	h := fmt.Sprintf("dkg-failure:%s", session)
	for _, n := range names {
		h += ":" + n.Short()
	}
	return []byte(h)
}

// SignFailure produces a node-signed FailureShare for session, blaming the
// peers in failed.
func SignFailure(scheme *bls.Scheme, private kyber.Scalar, self Candidate, session SessionID, failed map[xor.Name]bool) (FailureShare, error) {
	sig, err := scheme.SignNode(private, digestFailure(session, failed))
	if err != nil {
		return FailureShare{}, err
	}
	return FailureShare{Session: session, NodeName: self.Name, NodeKey: self.Key, Failed: failed, Signature: sig}, nil
}

// failureSet accumulates FailureShares for one session and reports once a
// supermajority of the round's candidates (by count) have submitted one.
type failureSet struct {
	total  int
	shares map[xor.Name]FailureShare
}

func newFailureSet(total int) *failureSet {
	return &failureSet{total: total, shares: make(map[xor.Name]FailureShare)}
}

// add verifies and records share, returning whether the set has now
// reached supermajority.
func (fs *failureSet) add(scheme *bls.Scheme, share FailureShare) (bool, error) {
	if err := scheme.VerifyNode(share.NodeKey, digestFailure(share.Session, share.Failed), share.Signature); err != nil {
		return false, fmt.Errorf("dkg: failure share signature invalid: %w", err)
	}
	fs.shares[share.NodeName] = share
	return len(fs.shares) >= constants.Supermajority(fs.total), nil
}
