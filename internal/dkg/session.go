package dkg

import (
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"
	pedersen "github.com/drand/kyber/share/dkg"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/constants"
	"github.com/sectionmesh/sectiond/common/section"
	"github.com/sectionmesh/sectiond/common/xor"
)

// session is one DKG round in progress. The single-candidate case (this
// node alone forming or re-forming a one-elder section) never builds a
// pedersen generator: there is nothing to deal, so the round completes
// immediately with a trivial 1-of-1 key, exactly as §4.5 describes.
type session struct {
	id         SessionID
	scheme     *bls.Scheme
	candidates []Candidate // canonically sorted, see SortCandidates
	selfIndex  int
	threshold  int
	phase      Phase

	gen *pedersen.DistKeyGenerator // nil in the single-candidate case

	failures *failureSet
	outcome  *Outcome
	failErr  error
}

// newSession builds the round's state and, for a resharing round,
// oldPublicCoeffs/oldThreshold describe the section's previous key so the
// new shares commit to the same secret rather than a fresh one.
func newSession(scheme *bls.Scheme, id SessionID, selfPrivate kyber.Scalar, candidates []Candidate, oldPublicCoeffs []kyber.Point, oldThreshold int) (*session, error) {
	sorted := SortCandidates(candidates)
	selfPub := scheme.KeyGroup.Point().Mul(selfPrivate, nil)

	selfIndex := -1
	for i, c := range sorted {
		if c.Key.Equal(selfPub) {
			selfIndex = i
			break
		}
	}
	if selfIndex < 0 {
		return nil, ErrNotParticipant
	}

	s := &session{
		id:         id,
		scheme:     scheme,
		candidates: sorted,
		selfIndex:  selfIndex,
		threshold:  constants.DKGThreshold(len(sorted)),
		phase:      PhaseInit,
		failures:   newFailureSet(len(sorted)),
	}

	if len(sorted) == 1 {
		s.phase = PhaseComplete
		s.outcome = &Outcome{
			Session:      id,
			Elders:       elderMap(sorted),
			PublicKeySet: section.NewPublicKeySet(scheme.KeyGroup, []kyber.Point{selfPub}),
			ShareIndex:   0,
			PrivateShare: &share.PriShare{I: 0, V: selfPrivate},
		}
		return s, nil
	}

	suite, ok := scheme.KeyGroup.(pedersen.Suite)
	if !ok {
		return nil, fmt.Errorf("dkg: key group %T does not satisfy dkg.Suite", scheme.KeyGroup)
	}

	newNodes := make([]pedersen.Node, len(sorted))
	for i, c := range sorted {
		newNodes[i] = pedersen.Node{Index: pedersen.Index(i), Public: c.Key}
	}

	config := &pedersen.Config{
		Suite:        suite,
		Longterm:     selfPrivate,
		NewNodes:     newNodes,
		PublicCoeffs: oldPublicCoeffs,
		Threshold:    s.threshold,
		OldThreshold: oldThreshold,
	}
	if oldPublicCoeffs != nil {
		// Resharing keeps the same candidate set for old and new nodes;
		// §4.5 never changes elder membership mid-round.
		config.OldNodes = newNodes
	}

	gen, err := pedersen.NewDistKeyHandler(config)
	if err != nil {
		return nil, fmt.Errorf("dkg: new generator: %w", err)
	}
	s.gen = gen
	return s, nil
}

// start transitions Init -> Contributing and returns the per-destination
// deals to send out, keyed by destination index into s.candidates. Returns
// nil for the single-candidate case, which has nothing to deal.
func (s *session) start() (map[int]*pedersen.Deal, error) {
	if s.gen == nil {
		return nil, nil
	}
	s.phase = PhaseContributing
	deals, err := s.gen.Deals()
	if err != nil {
		return nil, fmt.Errorf("dkg: deals: %w", err)
	}
	return deals, nil
}

func (s *session) processDeal(deal *pedersen.Deal) (*pedersen.Response, error) {
	if s.gen == nil {
		return nil, nil
	}
	resp, err := s.gen.ProcessDeal(deal)
	if err != nil {
		return nil, fmt.Errorf("dkg: process deal: %w", err)
	}
	return resp, nil
}

func (s *session) processResponse(resp *pedersen.Response) (*pedersen.Justification, error) {
	if s.gen == nil {
		return nil, nil
	}
	just, err := s.gen.ProcessResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("dkg: process response: %w", err)
	}
	if just == nil {
		s.tryFinalize()
	}
	return just, nil
}

func (s *session) processJustification(j *pedersen.Justification) error {
	if s.gen == nil {
		return nil
	}
	if err := s.gen.ProcessJustification(j); err != nil {
		return fmt.Errorf("dkg: process justification: %w", err)
	}
	s.tryFinalize()
	return nil
}

func (s *session) tryFinalize() {
	if s.gen == nil || s.phase != PhaseContributing {
		return
	}
	if !s.gen.ThresholdCertified() {
		return
	}
	dks, err := s.gen.DistKeyShare()
	if err != nil {
		return
	}
	s.phase = PhaseComplete
	s.outcome = &Outcome{
		Session:      s.id,
		Elders:       elderMap(s.candidates),
		PublicKeySet: section.NewPublicKeySet(s.scheme.KeyGroup, dks.Commits),
		ShareIndex:   s.selfIndex,
		PrivateShare: dks.Share,
	}
}

func (s *session) fail(err error) {
	if s.phase == PhaseComplete {
		return
	}
	s.phase = PhaseFailed
	s.failErr = err
}

func elderMap(candidates []Candidate) map[xor.Name]string {
	out := make(map[xor.Name]string, len(candidates))
	for _, c := range candidates {
		out[c.Name] = c.Addr
	}
	return out
}
