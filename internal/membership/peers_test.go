package membership

import (
	"testing"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/section"
	"github.com/sectionmesh/sectiond/common/xor"
	"github.com/sectionmesh/sectiond/internal/sectionchain"
)

func newGenesis(t *testing.T, scheme *bls.Scheme) (kyber.Scalar, kyber.Point, *sectionchain.Chain) {
	t.Helper()
	priv := scheme.KeyGroup.Scalar().Pick(random.New())
	pub := scheme.KeyGroup.Point().Mul(priv, nil)
	chain, err := sectionchain.New(scheme, pub)
	require.NoError(t, err)
	return priv, pub, chain
}

func signState(t *testing.T, scheme *bls.Scheme, priv kyber.Scalar, pub kyber.Point, ns section.NodeState) section.SectionAuth[section.NodeState] {
	t.Helper()
	digest, err := digestNodeState(ns)
	require.NoError(t, err)
	sig, err := scheme.SignSingle(priv, digest)
	require.NoError(t, err)
	return section.SectionAuth[section.NodeState]{Value: ns, SigningKey: pub, Signature: sig}
}

func TestUpdateAcceptsNewRecord(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	priv, pub, chain := newGenesis(t, scheme)
	peers := New(scheme)

	ns := section.NodeState{Peer: xor.Hash([]byte("peer-a")), Addr: "1.2.3.4:1", Age: 4, State: section.Joined}
	changed, err := peers.Update(chain, signState(t, scheme, priv, pub, ns))
	require.NoError(t, err)
	require.True(t, changed)
	require.Len(t, peers.Joined(), 1)
}

func TestUpdateSupersessionAtEqualKey(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	priv, pub, chain := newGenesis(t, scheme)
	peers := New(scheme)

	name := xor.Hash([]byte("peer-b"))
	joined := section.NodeState{Peer: name, Addr: "1.2.3.4:1", Age: 4, State: section.Joined}
	_, err := peers.Update(chain, signState(t, scheme, priv, pub, joined))
	require.NoError(t, err)

	left := joined
	left.State = section.Left
	changed, err := peers.Update(chain, signState(t, scheme, priv, pub, left))
	require.NoError(t, err)
	require.True(t, changed)
	require.Empty(t, peers.Joined())

	// Left does not get un-superseded by replaying the older Joined record.
	changed, err = peers.Update(chain, signState(t, scheme, priv, pub, joined))
	require.NoError(t, err)
	require.False(t, changed)
}

func TestUpdateRejectsUnreachableKey(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	_, _, chain := newGenesis(t, scheme)
	rogue := scheme.KeyGroup.Scalar().Pick(random.New())
	rogueKey := scheme.KeyGroup.Point().Mul(rogue, nil)
	peers := New(scheme)

	ns := section.NodeState{Peer: xor.Hash([]byte("peer-c")), Addr: "1.2.3.4:1", Age: 4, State: section.Joined}
	_, err := peers.Update(chain, signState(t, scheme, rogue, rogueKey, ns))
	require.Error(t, err)
}

func TestPruneNotMatching(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	priv, pub, chain := newGenesis(t, scheme)
	peers := New(scheme)

	var zeroName, oneName xor.Name
	oneName[0] = 0x80 // sole difference from zeroName is the leading bit

	for _, n := range []xor.Name{zeroName, oneName} {
		ns := section.NodeState{Peer: n, Addr: "1.2.3.4:1", Age: 4, State: section.Joined}
		_, err := peers.Update(chain, signState(t, scheme, priv, pub, ns))
		require.NoError(t, err)
	}
	require.Len(t, peers.All(), 2)

	peers.PruneNotMatching(xor.NewPrefix(zeroName, 1))
	remaining := peers.All()
	require.Len(t, remaining, 1)
	require.Equal(t, zeroName, remaining[0].Peer)
}

func TestElderCandidatesRanksByAgeThenDistance(t *testing.T) {
	prefix := xor.EmptyPrefix()
	members := []section.NodeState{
		{Peer: xor.Hash([]byte("low-age")), Age: 2, State: section.Joined},
		{Peer: xor.Hash([]byte("high-age-a")), Age: 8, State: section.Joined},
		{Peer: xor.Hash([]byte("high-age-b")), Age: 8, State: section.Joined},
	}

	got := ElderCandidates(members, 2, prefix, nil)
	require.Len(t, got, 2)
	// both selected must be from the higher-age cohort.
	ages := map[xor.Name]uint8{}
	for _, m := range members {
		ages[m.Peer] = m.Age
	}
	for _, name := range got {
		require.Equal(t, uint8(8), ages[name])
	}
	// within the equal-age cohort, the name closer to the prefix center comes first.
	require.Equal(t, -1, prefix.Center().CmpDistance(got[0], got[1]))
}

func TestElderCandidatesHonorsExcluded(t *testing.T) {
	prefix := xor.EmptyPrefix()
	a := xor.Hash([]byte("a"))
	b := xor.Hash([]byte("b"))
	members := []section.NodeState{
		{Peer: a, Age: 5, State: section.Joined},
		{Peer: b, Age: 5, State: section.Joined},
	}
	got := ElderCandidates(members, 2, prefix, map[xor.Name]bool{a: true})
	require.Equal(t, []xor.Name{b}, got)
}
