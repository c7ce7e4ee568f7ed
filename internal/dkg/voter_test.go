package dkg

import (
	"fmt"
	"testing"

	"github.com/drand/kyber"
	pedersen "github.com/drand/kyber/share/dkg"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/xor"
)

// testNetwork is an in-memory Broadcaster: Send* calls enqueue rather than
// dispatch immediately, so draining happens outside any Voter's own lock
// (mirrors calling into the teacher's dispatcher from a queue worker
// instead of inline from the DKG goroutine).
type testNetwork struct {
	queue []queuedMsg
}

type queuedMsg struct {
	to      xor.Name
	session SessionID
	kind    msgKind
	deal    *pedersen.Deal
	resp    *pedersen.Response
	just    *pedersen.Justification
	fail    FailureShare
}

func (n *testNetwork) SendDeal(to xor.Name, session SessionID, _ int, deal *pedersen.Deal) error {
	n.queue = append(n.queue, queuedMsg{to: to, session: session, kind: kindDeal, deal: deal})
	return nil
}

func (n *testNetwork) SendResponse(to xor.Name, session SessionID, resp *pedersen.Response) error {
	n.queue = append(n.queue, queuedMsg{to: to, session: session, kind: kindResponse, resp: resp})
	return nil
}

func (n *testNetwork) SendJustification(to xor.Name, session SessionID, just *pedersen.Justification) error {
	n.queue = append(n.queue, queuedMsg{to: to, session: session, kind: kindJustification, just: just})
	return nil
}

func (n *testNetwork) SendFailure(to xor.Name, session SessionID, share FailureShare) error {
	n.queue = append(n.queue, queuedMsg{to: to, session: session, kind: kindFailure, fail: share})
	return nil
}

func (n *testNetwork) drain(t *testing.T, voters map[xor.Name]*Voter) {
	t.Helper()
	for len(n.queue) > 0 {
		m := n.queue[0]
		n.queue = n.queue[1:]
		v := voters[m.to]
		var err error
		switch m.kind {
		case kindDeal:
			err = v.ProcessDeal(m.session, m.deal)
		case kindResponse:
			err = v.ProcessResponse(m.session, m.resp)
		case kindJustification:
			err = v.ProcessJustification(m.session, m.just)
		case kindFailure:
			err = v.ProcessFailure(m.session, m.fail)
		}
		require.NoError(t, err)
	}
}

func TestVoterCompletesSingleCandidateRoundImmediately(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	priv := scheme.KeyGroup.Scalar().Pick(random.New())
	pub := scheme.KeyGroup.Point().Mul(priv, nil)
	self := Candidate{Name: xor.Hash([]byte("solo")), Addr: "127.0.0.1:9000", Key: pub}

	v := NewVoter(scheme, self, priv, &testNetwork{})

	id := SessionID{Prefix: xor.EmptyPrefix(), Generation: 1}
	require.NoError(t, v.Start(id, []Candidate{self}, nil, 0))

	outcome, phase, ferr := v.Outcome(id)
	require.NoError(t, ferr)
	require.Equal(t, PhaseComplete, phase)
	require.NotNil(t, outcome)
	require.Equal(t, 0, outcome.ShareIndex)
}

func TestVoterThreeCandidateRoundCompletesAfterStaggeredStart(t *testing.T) {
	scheme := bls.NewDefaultScheme()

	names := []string{"alice", "bob", "carol"}
	privs := make(map[xor.Name]kyber.Scalar, len(names))
	candidates := make([]Candidate, len(names))
	for i, n := range names {
		priv := scheme.KeyGroup.Scalar().Pick(random.New())
		pub := scheme.KeyGroup.Point().Mul(priv, nil)
		c := Candidate{Name: xor.Hash([]byte(n)), Addr: fmt.Sprintf("127.0.0.1:900%d", i), Key: pub}
		candidates[i] = c
		privs[c.Name] = priv
	}

	net := &testNetwork{}
	voters := make(map[xor.Name]*Voter, len(candidates))
	for _, c := range candidates {
		voters[c.Name] = NewVoter(scheme, c, privs[c.Name], net)
	}

	id := SessionID{Prefix: xor.EmptyPrefix(), Generation: 1}

	// Staggered start: bob's deals to alice and carol land in their
	// backlogs before either has called Start.
	require.NoError(t, voters[candidates[1].Name].Start(id, candidates, nil, 0))
	net.drain(t, voters)
	require.NoError(t, voters[candidates[2].Name].Start(id, candidates, nil, 0))
	net.drain(t, voters)
	require.NoError(t, voters[candidates[0].Name].Start(id, candidates, nil, 0))
	net.drain(t, voters)

	for _, c := range candidates {
		outcome, phase, ferr := voters[c.Name].Outcome(id)
		require.NoError(t, ferr)
		require.Equal(t, PhaseComplete, phase)
		require.NotNil(t, outcome)
		require.Len(t, outcome.PublicKeySet.Commits, outcome.PublicKeySet.Threshold())
	}

	// every participant must agree on the same group public key.
	first, _, _ := voters[candidates[0].Name].Outcome(id)
	for _, c := range candidates[1:] {
		other, _, _ := voters[c.Name].Outcome(id)
		require.True(t, first.PublicKeySet.PublicKey().Equal(other.PublicKeySet.PublicKey()))
	}
}

func TestVoterRejectsSupersededGeneration(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	priv := scheme.KeyGroup.Scalar().Pick(random.New())
	pub := scheme.KeyGroup.Point().Mul(priv, nil)
	self := Candidate{Name: xor.Hash([]byte("solo")), Addr: "a", Key: pub}

	v := NewVoter(scheme, self, priv, &testNetwork{})

	newer := SessionID{Prefix: xor.EmptyPrefix(), Generation: 2}
	require.NoError(t, v.Start(newer, []Candidate{self}, nil, 0))

	older := SessionID{Prefix: xor.EmptyPrefix(), Generation: 1}
	err := v.Start(older, []Candidate{self}, nil, 0)
	require.ErrorIs(t, err, ErrSuperseded)
}

func TestVoterFailsOnTimeout(t *testing.T) {
	scheme := bls.NewDefaultScheme()

	names := []string{"alice", "bob"}
	candidates := make([]Candidate, len(names))
	for i, n := range names {
		priv := scheme.KeyGroup.Scalar().Pick(random.New())
		pub := scheme.KeyGroup.Point().Mul(priv, nil)
		candidates[i] = Candidate{Name: xor.Hash([]byte(n)), Addr: fmt.Sprintf("a%d", i), Key: pub}
	}

	// alice never hears from bob; her round must be failable on timeout
	// rather than hang forever.
	alicePriv := scheme.KeyGroup.Scalar().Pick(random.New())
	candidates[0].Key = scheme.KeyGroup.Point().Mul(alicePriv, nil)

	v := NewVoter(scheme, candidates[0], alicePriv, &testNetwork{})
	id := SessionID{Prefix: xor.EmptyPrefix(), Generation: 1}
	require.NoError(t, v.Start(id, candidates, nil, 0))

	v.Timeout(id)
	_, phase, ferr := v.Outcome(id)
	require.Equal(t, PhaseFailed, phase)
	require.Error(t, ferr)
}
