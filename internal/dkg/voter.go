package dkg

import (
	"fmt"
	"sync"

	"github.com/drand/kyber"
	pedersen "github.com/drand/kyber/share/dkg"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/xor"
)

type msgKind int

const (
	kindDeal msgKind = iota
	kindResponse
	kindJustification
	kindFailure
)

// backlogged is one message buffered because its session had not started
// locally yet when it arrived (§4.5).
type backlogged struct {
	kind msgKind
	deal *pedersen.Deal
	resp *pedersen.Response
	just *pedersen.Justification
	fail *FailureShare
}

// Voter runs every DKG round this node currently participates in,
// buffering traffic for rounds it hasn't started yet and retiring any
// round superseded by a newer generation of the same prefix (§4.5).
type Voter struct {
	mu      sync.Mutex
	scheme  *bls.Scheme
	self    Candidate
	private kyber.Scalar
	bc      Broadcaster

	sessions  map[SessionID]*session
	backlog   map[SessionID][]backlogged
	newestGen map[xor.Prefix]uint64
}

// NewVoter builds a Voter for one node's own identity.
func NewVoter(scheme *bls.Scheme, self Candidate, private kyber.Scalar, bc Broadcaster) *Voter {
	return &Voter{
		scheme:    scheme,
		self:      self,
		private:   private,
		bc:        bc,
		sessions:  make(map[SessionID]*session),
		backlog:   make(map[SessionID][]backlogged),
		newestGen: make(map[xor.Prefix]uint64),
	}
}

// Start begins a new round for id: builds the round's state, sends out
// this node's deals, and replays anything that had backlogged waiting for
// the round to exist.
func (v *Voter) Start(id SessionID, candidates []Candidate, oldPublicCoeffs []kyber.Point, oldThreshold int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkGeneration(id); err != nil {
		return err
	}
	if _, exists := v.sessions[id]; exists {
		return ErrAlreadyStarted
	}

	s, err := newSession(v.scheme, id, v.private, candidates, oldPublicCoeffs, oldThreshold)
	if err != nil {
		return err
	}
	v.sessions[id] = s
	v.bumpGeneration(id)

	deals, err := s.start()
	if err != nil {
		s.fail(err)
		return err
	}
	for destIdx, deal := range deals {
		dest := s.candidates[destIdx]
		if dest.Name.Equal(v.self.Name) {
			continue
		}
		if err := v.bc.SendDeal(dest.Name, id, s.selfIndex, deal); err != nil {
			return fmt.Errorf("dkg: send deal to %s: %w", dest.Name.Short(), err)
		}
	}

	v.replayBacklog(id)
	return nil
}

// ProcessDeal handles an incoming deal from another candidate.
func (v *Voter) ProcessDeal(id SessionID, deal *pedersen.Deal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkGeneration(id); err != nil {
		return err
	}
	s, ok := v.sessions[id]
	if !ok {
		v.backlog[id] = append(v.backlog[id], backlogged{kind: kindDeal, deal: deal})
		return nil
	}
	if s.phase == PhaseFailed {
		return ErrSessionFailed
	}
	resp, err := s.processDeal(deal)
	if err != nil {
		s.fail(err)
		return err
	}
	if resp == nil {
		return nil
	}
	return v.broadcastResponse(s, resp)
}

// ProcessResponse handles an incoming response to one of this round's deals.
func (v *Voter) ProcessResponse(id SessionID, resp *pedersen.Response) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkGeneration(id); err != nil {
		return err
	}
	s, ok := v.sessions[id]
	if !ok {
		v.backlog[id] = append(v.backlog[id], backlogged{kind: kindResponse, resp: resp})
		return nil
	}
	if s.phase == PhaseFailed {
		return ErrSessionFailed
	}
	just, err := s.processResponse(resp)
	if err != nil {
		s.fail(err)
		return err
	}
	if just == nil {
		return nil
	}
	return v.broadcastJustification(s, just)
}

// ProcessJustification handles a complaint justification for this round.
func (v *Voter) ProcessJustification(id SessionID, just *pedersen.Justification) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkGeneration(id); err != nil {
		return err
	}
	s, ok := v.sessions[id]
	if !ok {
		v.backlog[id] = append(v.backlog[id], backlogged{kind: kindJustification, just: just})
		return nil
	}
	if s.phase == PhaseFailed {
		return ErrSessionFailed
	}
	if err := s.processJustification(just); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// ProcessFailure records another candidate's failure claim, failing the
// round once a supermajority agree (§4.5).
func (v *Voter) ProcessFailure(id SessionID, share FailureShare) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkGeneration(id); err != nil {
		return err
	}
	s, ok := v.sessions[id]
	if !ok {
		v.backlog[id] = append(v.backlog[id], backlogged{kind: kindFailure, fail: &share})
		return nil
	}
	reached, err := s.failures.add(v.scheme, share)
	if err != nil {
		return err
	}
	if reached {
		s.fail(fmt.Errorf("dkg: supermajority declared session failed"))
	}
	return nil
}

// Timeout fails id if it has not already completed, called by the node
// core when a round's deadline elapses with no certified outcome.
func (v *Voter) Timeout(id SessionID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.sessions[id]; ok && s.phase != PhaseComplete {
		s.fail(fmt.Errorf("dkg: session timed out"))
	}
}

// Outcome returns id's current phase and, once PhaseComplete, its outcome.
func (v *Voter) Outcome(id SessionID) (*Outcome, Phase, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.sessions[id]
	if !ok {
		return nil, PhaseInit, ErrUnknownSession
	}
	return s.outcome, s.phase, s.failErr
}

func (v *Voter) broadcastResponse(s *session, resp *pedersen.Response) error {
	for _, c := range s.candidates {
		if c.Name.Equal(v.self.Name) {
			continue
		}
		if err := v.bc.SendResponse(c.Name, s.id, resp); err != nil {
			return fmt.Errorf("dkg: send response to %s: %w", c.Name.Short(), err)
		}
	}
	return nil
}

func (v *Voter) broadcastJustification(s *session, just *pedersen.Justification) error {
	for _, c := range s.candidates {
		if c.Name.Equal(v.self.Name) {
			continue
		}
		if err := v.bc.SendJustification(c.Name, s.id, just); err != nil {
			return fmt.Errorf("dkg: send justification to %s: %w", c.Name.Short(), err)
		}
	}
	return nil
}

// checkGeneration rejects anything for a generation older than the newest
// this Voter has already started for the same prefix (§4.5).
func (v *Voter) checkGeneration(id SessionID) error {
	if newest, ok := v.newestGen[id.Prefix]; ok && id.Generation < newest {
		return ErrSuperseded
	}
	return nil
}

// bumpGeneration records id as the newest generation seen for its prefix
// and retires any strictly older in-flight session for that prefix.
func (v *Voter) bumpGeneration(id SessionID) {
	newest, ok := v.newestGen[id.Prefix]
	if ok && id.Generation <= newest {
		return
	}
	v.newestGen[id.Prefix] = id.Generation
	for sid := range v.sessions {
		if sid.Prefix == id.Prefix && sid.Generation < id.Generation {
			delete(v.sessions, sid)
			delete(v.backlog, sid)
		}
	}
}

// replayBacklog feeds id's buffered messages through the just-started
// session, in arrival order. Must be called with v.mu held.
func (v *Voter) replayBacklog(id SessionID) {
	pending := v.backlog[id]
	delete(v.backlog, id)
	s := v.sessions[id]
	if s == nil {
		return
	}
	for _, b := range pending {
		switch b.kind {
		case kindDeal:
			if resp, err := s.processDeal(b.deal); err == nil && resp != nil {
				_ = v.broadcastResponse(s, resp)
			}
		case kindResponse:
			if just, err := s.processResponse(b.resp); err == nil && just != nil {
				_ = v.broadcastJustification(s, just)
			}
		case kindJustification:
			_ = s.processJustification(b.just)
		case kindFailure:
			if b.fail != nil {
				if reached, err := s.failures.add(v.scheme, *b.fail); err == nil && reached {
					s.fail(fmt.Errorf("dkg: supermajority declared session failed"))
				}
			}
		}
	}
}
