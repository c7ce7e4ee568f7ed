package prefixmap

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

// testSection bundles a single-elder (0-of-1) SAP plus the private scalar
// behind it, since a one-elder section's "threshold" signature is just a
// plain BLS signature (the DKG special case, §4.5).
type testSection struct {
	scheme  *bls.Scheme
	private kyber.Scalar
	sap     section.SAP
}

func newTestSection(t *testing.T, scheme *bls.Scheme, prefix xor.Prefix, elderName xor.Name) testSection {
	t.Helper()
	private := scheme.KeyGroup.Scalar().Pick(random.New())
	public := scheme.KeyGroup.Point().Mul(private, nil)
	pks := section.NewPublicKeySet(scheme.KeyGroup, []kyber.Point{public})
	sap := section.SAP{
		Prefix:       prefix,
		Elders:       map[xor.Name]string{elderName: "127.0.0.1:9000"},
		PublicKeySet: pks,
	}
	return testSection{scheme: scheme, private: private, sap: sap}
}

func (ts testSection) sign(t *testing.T) section.SectionAuth[section.SAP] {
	t.Helper()
	digest, err := digestSAP(ts.sap)
	require.NoError(t, err)
	sig, err := ts.scheme.SignSingle(ts.private, digest)
	require.NoError(t, err)
	return section.SectionAuth[section.SAP]{
		Value:      ts.sap,
		SigningKey: ts.sap.SigningKey(),
		Signature:  sig,
	}
}

// signOther produces parent's signature over child's group key, the link a
// proof chain carries between two section epochs.
func signOther(t *testing.T, scheme *bls.Scheme, parent testSection, childKey kyber.Point) []byte {
	t.Helper()
	keyBytes, err := childKey.MarshalBinary()
	require.NoError(t, err)
	sig, err := scheme.SignSingle(parent.private, keyBytes)
	require.NoError(t, err)
	return sig
}

func TestInsertGenesisSAP(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	root := newTestSection(t, scheme, xor.EmptyPrefix(), xor.Hash([]byte("elder-a")))

	m, err := New(scheme, root.sap.SigningKey())
	require.NoError(t, err)

	changed, err := m.Insert(root.sign(t), nil)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, m.KnownSectionsCount())
}

func TestInsertRejectsUntrustedKey(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	genesisSec := newTestSection(t, scheme, xor.EmptyPrefix(), xor.Hash([]byte("genesis")))
	other := newTestSection(t, scheme, xor.EmptyPrefix(), xor.Hash([]byte("rogue")))

	m, err := New(scheme, genesisSec.sap.SigningKey())
	require.NoError(t, err)

	_, err = m.Insert(other.sign(t), nil)
	require.ErrorIs(t, err, ErrUntrustedSAP)
}

func TestInsertChildPrefixReplacesParent(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	root := newTestSection(t, scheme, xor.EmptyPrefix(), xor.Hash([]byte("elder-root")))
	genesis := root.sap.SigningKey()

	m, err := New(scheme, genesis)
	require.NoError(t, err)
	_, err = m.Insert(root.sign(t), nil)
	require.NoError(t, err)

	childName := xor.Hash([]byte("elder-child-0"))
	childPrefix := xor.NewPrefix(childName, 1)
	child := newTestSection(t, scheme, childPrefix, childName)

	proof, err := sectionchain.New(scheme, genesis)
	require.NoError(t, err)
	childSig := signOther(t, scheme, root, child.sap.SigningKey())
	require.NoError(t, proof.Insert(genesis, child.sap.SigningKey(), childSig))

	childAuth := child.sign(t)
	changed, err := m.Insert(childAuth, proof)
	require.NoError(t, err)
	require.True(t, changed)

	// the root's broader prefix must have been evicted in favor of the
	// more specific child.
	_, rootStillPresent := m.Get(xor.EmptyPrefix())
	require.False(t, rootStillPresent)
	require.Equal(t, 1, m.KnownSectionsCount())
}

func TestInsertIgnoresStaleReplacement(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	root := newTestSection(t, scheme, xor.EmptyPrefix(), xor.Hash([]byte("elder-root")))
	genesis := root.sap.SigningKey()

	m, err := New(scheme, genesis)
	require.NoError(t, err)
	_, err = m.Insert(root.sign(t), nil)
	require.NoError(t, err)

	// re-inserting the same SAP is a no-op, not a replacement.
	changed, err := m.Insert(root.sign(t), nil)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 1, m.KnownSectionsCount())
}

func TestClosestOrOppositePrefersExactMatch(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	name := xor.Hash([]byte("zero-side"))
	prefix := xor.NewPrefix(name, 1)
	sec := newTestSection(t, scheme, prefix, name)

	m, err := New(scheme, sec.sap.SigningKey())
	require.NoError(t, err)
	_, err = m.Insert(sec.sign(t), nil)
	require.NoError(t, err)

	got, ok := m.ClosestOrOpposite(name)
	require.True(t, ok)
	require.True(t, got.Value.Prefix.Matches(name))
}
