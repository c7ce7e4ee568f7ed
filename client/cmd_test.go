package client

import (
	"context"
	"testing"
	"time"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/section"
	"github.com/sectionmesh/sectiond/common/service"
	"github.com/sectionmesh/sectiond/common/xor"
)

// newTwoElderSection builds a 2-elder SAP whose threshold (DKGThreshold(2)
// == 1) still matches a single-commit PublicKeySet, so Validate passes
// without a real multi-party DKG round.
func newTwoElderSection(t *testing.T, scheme *bls.Scheme, prefix xor.Prefix, goodName, badName xor.Name, goodAddr, badAddr string) testSection {
	t.Helper()
	private := scheme.KeyGroup.Scalar().Pick(random.New())
	public := scheme.KeyGroup.Point().Mul(private, nil)
	pks := section.NewPublicKeySet(scheme.KeyGroup, []kyber.Point{public})
	sap := section.SAP{
		Prefix:       prefix,
		Elders:       map[xor.Name]string{goodName: goodAddr, badName: badAddr},
		PublicKeySet: pks,
	}
	return testSection{scheme: scheme, private: private, sap: sap}
}

func TestCmd_PartialFailureReportsUnreachableElder(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	goodName := xor.Hash([]byte("elder-good"))
	badName := xor.Hash([]byte("elder-bad"))
	sec := newTwoElderSection(t, scheme, xor.EmptyPrefix(), goodName, badName, "127.0.0.1:19992", "no-such-address")

	c := newTestClient(t, scheme, sec.sap.SigningKey())
	_, err := c.network.Insert(sec.sign(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := c.Cmd(ctx, xor.Hash([]byte("ping target")), service.CmdRequest{Kind: service.CmdPing})
	require.NoError(t, err)
	require.Equal(t, 1, result.Sent)
	require.Equal(t, []string{"no-such-address"}, result.Failed)
}

func TestCmd_WithoutSectionKnowledgeFails(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	genesis := newTestSection(t, scheme, xor.EmptyPrefix(), xor.Hash([]byte("elder-a")))
	c := newTestClient(t, scheme, genesis.sap.SigningKey())

	_, err := c.Cmd(context.Background(), xor.Hash([]byte("x")), service.CmdRequest{Kind: service.CmdPing})
	require.Error(t, err)
}
