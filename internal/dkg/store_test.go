package dkg

import (
	"testing"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/section"
	"github.com/sectionmesh/sectiond/common/xor"
)

func TestBoltStoreRoundTrip(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	store, err := NewBoltStore(scheme, t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	priv := scheme.KeyGroup.Scalar().Pick(random.New())
	pub := scheme.KeyGroup.Point().Mul(priv, nil)
	id := SessionID{Prefix: xor.NewPrefix(xor.Hash([]byte("p")), 1), Generation: 3}
	outcome := &Outcome{
		Session:      id,
		Elders:       map[xor.Name]string{xor.Hash([]byte("elder")): "1.2.3.4:9000"},
		PublicKeySet: section.NewPublicKeySet(scheme.KeyGroup, []kyber.Point{pub}),
		ShareIndex:   0,
		PrivateShare: &share.PriShare{I: 0, V: priv},
	}

	require.NoError(t, store.Save(id, outcome))

	loaded, ok, err := store.Load(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, outcome.ShareIndex, loaded.ShareIndex)
	require.True(t, outcome.PublicKeySet.PublicKey().Equal(loaded.PublicKeySet.PublicKey()))
	require.True(t, outcome.PrivateShare.V.Equal(loaded.PrivateShare.V))

	_, ok, err = store.Load(SessionID{Prefix: xor.EmptyPrefix(), Generation: 99})
	require.NoError(t, err)
	require.False(t, ok)
}
