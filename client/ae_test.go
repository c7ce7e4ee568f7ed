package client

import (
	"sync/atomic"
	"testing"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/section"
	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
	"github.com/sectionmesh/sectiond/internal/sectionchain"
)

// testSection mirrors internal/prefixmap's own test fixture: a single-elder
// (0-of-1) SAP plus the private scalar behind it, since a one-elder
// section's threshold signature is just a plain BLS signature.
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
	digest, err := ts.sap.Digest()
	require.NoError(t, err)
	sig, err := ts.scheme.SignSingle(ts.private, digest)
	require.NoError(t, err)
	return section.SectionAuth[section.SAP]{
		Value:      ts.sap,
		SigningKey: ts.sap.SigningKey(),
		Signature:  sig,
	}
}

func signOther(t *testing.T, scheme *bls.Scheme, parent testSection, childKey kyber.Point) []byte {
	t.Helper()
	keyBytes, err := childKey.MarshalBinary()
	require.NoError(t, err)
	sig, err := scheme.SignSingle(parent.private, keyBytes)
	require.NoError(t, err)
	return sig
}

// dtoFor flattens a testSection's SAP into the wire-shape a real AE bounce
// carries, the same projection internal/node's own encodeSAP performs.
func dtoFor(t *testing.T, ts testSection) sapDTO {
	t.Helper()
	names := ts.sap.ElderNames()
	dto := sapDTO{
		Prefix:     ts.sap.Prefix.String(),
		ElderNames: make([]string, len(names)),
		ElderAddrs: make([]string, len(names)),
		Commits:    make([][]byte, len(ts.sap.PublicKeySet.Commits)),
	}
	for i, n := range names {
		dto.ElderNames[i] = n.String()
		dto.ElderAddrs[i] = ts.sap.Elders[n]
	}
	for i, c := range ts.sap.PublicKeySet.Commits {
		b, err := c.MarshalBinary()
		require.NoError(t, err)
		dto.Commits[i] = b
	}
	return dto
}

// genesisProof builds the trivial (no-link) proof chain a bounce rooted
// directly at genesisKey carries, mirroring internal/node's own
// sendAEBounce/sendAEBounceEndUser (sectionchain.EncodeProof(n.chain)).
func genesisProof(t *testing.T, scheme *bls.Scheme, genesisKey kyber.Point) sectionchain.Proof {
	t.Helper()
	chain, err := sectionchain.New(scheme, genesisKey)
	require.NoError(t, err)
	proof, err := sectionchain.EncodeProof(chain)
	require.NoError(t, err)
	return proof
}

func aeMessage(t *testing.T, body aeBody) wire.Message {
	t.Helper()
	payload, err := wire.EncodePayload(body)
	require.NoError(t, err)
	return wire.Message{
		Header: wire.Header{
			Version: wire.Version,
			MsgID:   wire.NewMsgID(),
			Kind:    wire.MsgKind{Tag: wire.KindAntiEntropy},
			Dst:     wire.DstLocation{Tag: wire.LocationEndUser},
		},
		Payload: payload,
	}
}

func newTestClient(t *testing.T, scheme *bls.Scheme, genesisKey kyber.Point) *Client {
	t.Helper()
	c, err := New(genesisKey, WithScheme(scheme))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHandleMessage_InstallsGenesisAE(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	genesis := newTestSection(t, scheme, xor.EmptyPrefix(), xor.Hash([]byte("elder-a")))

	c := newTestClient(t, scheme, genesis.sap.SigningKey())
	require.Equal(t, uint64(0), atomic.LoadUint64(&c.netVersion))

	body := aeBody{
		Kind:         "update",
		SAP:          dtoFor(t, genesis),
		SAPSignature: genesis.sign(t).Signature,
		Proof:        genesisProof(t, scheme, genesis.sap.SigningKey()),
	}
	require.NoError(t, c.HandleMessage(aeMessage(t, body)))

	require.Equal(t, 1, c.network.KnownSectionsCount())
	require.Equal(t, uint64(1), atomic.LoadUint64(&c.netVersion))
}

func TestHandleMessage_InstallsChildSectionViaProof(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	root := newTestSection(t, scheme, xor.EmptyPrefix(), xor.Hash([]byte("elder-root")))
	genesis := root.sap.SigningKey()

	c := newTestClient(t, scheme, genesis)
	rootBody := aeBody{
		Kind:         "update",
		SAP:          dtoFor(t, root),
		SAPSignature: root.sign(t).Signature,
		Proof:        genesisProof(t, scheme, genesis),
	}
	require.NoError(t, c.HandleMessage(aeMessage(t, rootBody)))
	require.Equal(t, 1, c.network.KnownSectionsCount())

	childName := xor.Hash([]byte("elder-child-0"))
	childPrefix := xor.NewPrefix(childName, 1)
	child := newTestSection(t, scheme, childPrefix, childName)

	chain, err := sectionchain.New(scheme, genesis)
	require.NoError(t, err)
	childSig := signOther(t, scheme, root, child.sap.SigningKey())
	require.NoError(t, chain.Insert(genesis, child.sap.SigningKey(), childSig))
	proof, err := sectionchain.EncodeProof(chain)
	require.NoError(t, err)

	childBody := aeBody{
		Kind:         "update",
		SAP:          dtoFor(t, child),
		SAPSignature: child.sign(t).Signature,
		Proof:        proof,
	}
	require.NoError(t, c.HandleMessage(aeMessage(t, childBody)))

	require.Equal(t, 1, c.network.KnownSectionsCount())
	entry, ok := c.network.ClosestOrOpposite(childName)
	require.True(t, ok)
	require.Equal(t, childPrefix.String(), entry.Value.Prefix.String())
}

func TestHandleMessage_RejectsUntrustedSection(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	genesisSec := newTestSection(t, scheme, xor.EmptyPrefix(), xor.Hash([]byte("genesis")))
	rogue := newTestSection(t, scheme, xor.EmptyPrefix(), xor.Hash([]byte("rogue")))

	c := newTestClient(t, scheme, genesisSec.sap.SigningKey())

	body := aeBody{
		Kind:         "update",
		SAP:          dtoFor(t, rogue),
		SAPSignature: rogue.sign(t).Signature,
		Proof:        genesisProof(t, scheme, genesisSec.sap.SigningKey()),
	}
	// installAE swallows an untrusted/stale SAP as a non-protocol error,
	// matching internal/node's own handleAntiEntropy behavior.
	require.NoError(t, c.HandleMessage(aeMessage(t, body)))
	require.Equal(t, 0, c.network.KnownSectionsCount())
	require.Equal(t, uint64(0), atomic.LoadUint64(&c.netVersion))
}
