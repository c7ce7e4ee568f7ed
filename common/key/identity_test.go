package key

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sectionmesh/sectiond/common/bls"
)

func TestSelfSignAndValidate(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	pair, err := NewKeyPair(scheme, "127.0.0.1:12000")
	require.NoError(t, err)

	require.NoError(t, ValidSignature(scheme, pair.Public))
}

func TestValidSignatureIgnoresChangedAddr(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	pair, err := NewKeyPair(scheme, "127.0.0.1:12000")
	require.NoError(t, err)

	tampered := *pair.Public
	tampered.Addr = "10.0.0.1:9999"
	// address isn't part of the signed digest, so this must still validate
	require.NoError(t, ValidSignature(scheme, &tampered))
}

func TestValidSignatureRejectsSignatureFromOtherKey(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	pairA, err := NewKeyPair(scheme, "127.0.0.1:12000")
	require.NoError(t, err)
	pairB, err := NewKeyPair(scheme, "127.0.0.1:12001")
	require.NoError(t, err)

	forged := *pairA.Public
	forged.Signature = pairB.Public.Signature

	require.Error(t, ValidSignature(scheme, &forged))
}
