package node

import (
	"fmt"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/sectionmesh/sectiond/common/constants"
	"github.com/sectionmesh/sectiond/common/section"
	"github.com/sectionmesh/sectiond/common/xor"
)

// namesWithBit returns count distinct names whose high bit (index 0, the
// only bit the empty prefix's next split decides on) equals bit.
func namesWithBit(t *testing.T, bit bool, count int) []xor.Name {
	t.Helper()
	out := make([]xor.Name, 0, count)
	for i := 0; len(out) < count; i++ {
		name := xor.Hash([]byte(fmt.Sprintf("split-candidate-%t-%d", bit, i)))
		if name.Bit(0) == bit {
			out = append(out, name)
		}
	}
	return out
}

// addMatureMember admits name into n's membership table as a Joined record
// of the given age, signed the same way admitCandidate signs a real
// joiner: through proposeAndSign, so it lands on n's chain-anchored section
// signature rather than a hand-waved fixture signature.
func addMatureMember(t *testing.T, n *Node, name xor.Name, age uint8) {
	t.Helper()
	ns := section.NodeState{Peer: name, Addr: "127.0.0.1:0", Age: age, State: section.Joined}
	digest := mustDigestNodeState(ns)
	sig, err := n.proposeAndSign(digest)
	require.NoError(t, err)

	n.mu.Lock()
	signingKey := n.sap.Value.SigningKey()
	chain := n.chain
	n.mu.Unlock()

	signed := section.SectionAuth[section.NodeState]{Value: ns, SigningKey: signingKey, Signature: sig}
	_, err = n.members.Update(chain, signed)
	require.NoError(t, err)
}

// TestTrySplit_BalancedHighBitProducesTwoElderCandidates is spec scenario 3:
// grow the section to 20 mature members with a balanced high bit and expect
// try_split to return two ElderCandidates for prefixes "0" and "1".
func TestTrySplit_BalancedHighBitProducesTwoElderCandidates(t *testing.T) {
	n, _ := newGenesisTestNodeWithClock(t, clock.NewFakeClock())

	for _, name := range namesWithBit(t, false, constants.RecommendedSectionSize) {
		addMatureMember(t, n, name, constants.MatureAge)
	}
	for _, name := range namesWithBit(t, true, constants.RecommendedSectionSize) {
		addMatureMember(t, n, name, constants.MatureAge)
	}

	ours, other := n.trySplit(nil)
	require.NotNil(t, ours)
	require.NotNil(t, other)

	byPrefix := map[string]*elderCandidateSet{
		ours.Prefix.String():  ours,
		other.Prefix.String(): other,
	}
	require.Contains(t, byPrefix, "0")
	require.Contains(t, byPrefix, "1")

	zeroSet := byPrefix["0"]
	oneSet := byPrefix["1"]
	require.NotEmpty(t, zeroSet.Elders)
	require.NotEmpty(t, oneSet.Elders)
	require.LessOrEqual(t, len(zeroSet.Elders), constants.ElderSize)
	require.LessOrEqual(t, len(oneSet.Elders), constants.ElderSize)
	for _, name := range zeroSet.Elders {
		require.False(t, name.Bit(0), "prefix 0 elder candidate must have a zero high bit")
	}
	for _, name := range oneSet.Elders {
		require.True(t, name.Bit(0), "prefix 1 elder candidate must have a one high bit")
	}

	sets := n.promoteAndDemoteElders(nil)
	require.Len(t, sets, 2)
}

// TestPromoteAndDemoteElders_RefreshesWhenCandidateSetDiffers covers the
// non-split branch: too few mature members to split, but enough to differ
// from the current (genesis, single-elder) elder set.
func TestPromoteAndDemoteElders_RefreshesWhenCandidateSetDiffers(t *testing.T) {
	n, _ := newGenesisTestNodeWithClock(t, clock.NewFakeClock())

	for _, name := range namesWithBit(t, false, 3) {
		addMatureMember(t, n, name, constants.MatureAge)
	}

	sets := n.promoteAndDemoteElders(nil)
	require.Len(t, sets, 1)
	require.Equal(t, "", sets[0].Prefix.String())
	require.LessOrEqual(t, len(sets[0].Elders), constants.ElderSize)
}

// TestPromoteAndDemoteElders_RefusesToShrinkBelowSupermajority covers the
// safety gate: with no mature members besides the too-young genesis elder
// itself, the candidate elder set would be empty, which is below
// supermajority(1) = 1, so the refresh must be refused.
func TestPromoteAndDemoteElders_RefusesToShrinkBelowSupermajority(t *testing.T) {
	n, _ := newGenesisTestNodeWithClock(t, clock.NewFakeClock())

	sets := n.promoteAndDemoteElders(nil)
	require.Empty(t, sets)
}

// TestElderMaintenance_StopsWhenNoLongerElder exercises the clockwork-driven
// periodic loop directly: a fake clock lets the test force a tick without
// waiting out the real ElderMaintenanceInterval, then observes
// runElderMaintenance react to a demotion by stopping itself.
func TestElderMaintenance_StopsWhenNoLongerElder(t *testing.T) {
	clk := clock.NewFakeClock()
	n, _ := newGenesisTestNodeWithClock(t, clk)

	n.mu.Lock()
	n.stage = StageAdult
	n.mu.Unlock()

	clk.BlockUntil(1)
	clk.Advance(constants.ElderMaintenanceInterval)

	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.elderMaintStop == nil
	}, time.Second, 5*time.Millisecond)
}
