package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sectionmesh/sectiond/common/xor"
)

func sampleMessage(t *testing.T) Message {
	t.Helper()
	payload, err := EncodePayload(map[string]string{"hello": "world"})
	require.NoError(t, err)

	return Message{
		Header: Header{
			Version: Version,
			MsgID:   NewMsgID(),
			Kind: MsgKind{
				Tag:      KindNodeAuth,
				NodeAuth: &NodeAuth{NodeKey: []byte{1, 2, 3}, Signature: []byte{4, 5, 6}},
			},
			Dst: DstLocation{
				Tag:       LocationNode,
				Name:      xor.Hash([]byte("dst")),
				SectionPK: []byte{9, 9, 9},
			},
			SrcSecPK: []byte{7, 8},
		},
		Payload: payload,
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	msg := sampleMessage(t)

	b, err := Serialize(msg)
	require.NoError(t, err)

	parsed, err := Parse(b)
	require.NoError(t, err)

	require.Equal(t, msg.Header.Version, parsed.Header.Version)
	require.Equal(t, msg.Header.MsgID, parsed.Header.MsgID)
	require.Equal(t, msg.Header.Kind.Tag, parsed.Header.Kind.Tag)
	require.Equal(t, msg.Header.Kind.NodeAuth.NodeKey, parsed.Header.Kind.NodeAuth.NodeKey)
	require.Equal(t, msg.Header.Dst.Name, parsed.Header.Dst.Name)
	require.Equal(t, msg.Header.SrcSecPK, parsed.Header.SrcSecPK)
	require.Equal(t, msg.Payload, parsed.Payload)
}

func TestParseRejectsShortFrame(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseRejectsUnknownVersion(t *testing.T) {
	msg := sampleMessage(t)
	msg.Header.Version = 99
	b, err := Serialize(msg)
	require.NoError(t, err)

	_, err = Parse(b)
	require.ErrorIs(t, err, ErrUnknownVersion)
}

func TestParseRejectsTruncatedHeader(t *testing.T) {
	msg := sampleMessage(t)
	b, err := Serialize(msg)
	require.NoError(t, err)

	_, err = Parse(b[:fixedPrefixLen+1])
	require.ErrorIs(t, err, ErrMalformed)
}
