package node

import (
	"sync"
	"testing"

	"github.com/drand/kyber/util/random"
	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/key"
	"github.com/sectionmesh/sectiond/common/log"
	"github.com/sectionmesh/sectiond/common/section"
	"github.com/sectionmesh/sectiond/common/service"
	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
)

// fakeSender records every outbound Send call instead of touching a real
// socket, the same role internal/prefixmap's test fixtures play for
// section-signing: a minimal stand-in just complete enough to exercise the
// code under test.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	addr string
	msg  wire.Message
}

func (f *fakeSender) Send(addr string, msg wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{addr: addr, msg: msg})
	return nil
}

func (f *fakeSender) last() (sentMsg, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentMsg{}, false
	}
	return f.sent[len(f.sent)-1], true
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newGenesisTestNode(t *testing.T) (*Node, *fakeSender) {
	t.Helper()
	return newGenesisTestNodeWithClock(t, nil)
}

// newGenesisTestNodeWithClock is newGenesisTestNode with an injectable
// clock, for tests that need to drive the elder-maintenance ticker
// (runElderMaintenance) without waiting on the real wall clock. A nil clk
// falls back to New's own default (clock.NewRealClock()).
func newGenesisTestNodeWithClock(t *testing.T, clk clock.Clock) (*Node, *fakeSender) {
	t.Helper()
	scheme := bls.NewDefaultScheme()
	sender := &fakeSender{}
	keys, err := key.NewKeyPair(scheme, "127.0.0.1:9001")
	require.NoError(t, err)

	n, err := New(Config{
		Log:    log.DefaultLogger(),
		Scheme: scheme,
		Keys:   keys,
		Sender: sender,
		First:  true,
		Clock:  clk,
	})
	require.NoError(t, err)
	t.Cleanup(n.stopElderMaintenance)
	return n, sender
}

func serviceEnvelope(t *testing.T, purpose service.Purpose, replyAddr string, body interface{}) wire.Authenticated {
	t.Helper()
	bodyBytes, err := wire.EncodePayload(body)
	require.NoError(t, err)
	env := service.Envelope{Purpose: purpose, ReplyAddr: replyAddr, Body: bodyBytes}
	payload, err := wire.EncodePayload(env)
	require.NoError(t, err)
	return wire.Authenticated{
		Header:  wire.Header{MsgID: wire.NewMsgID()},
		Payload: payload,
	}
}

func TestHandleServiceMsg_QueryAnswersNoSuchEntry(t *testing.T) {
	n, sender := newGenesisTestNode(t)

	ourKeyBytes, err := n.sap.SigningKey.MarshalBinary()
	require.NoError(t, err)

	auth := serviceEnvelope(t, service.PurposeQuery, "127.0.0.1:19993", service.QueryRequest{
		Kind: service.QueryGetChunk,
		Dst:  xor.Hash([]byte("some chunk")),
	})
	auth.Header.Dst = wire.DstLocation{Tag: wire.LocationSection, Name: n.Name(), SectionPK: ourKeyBytes}

	require.NoError(t, n.handleServiceMsg(auth))

	sent, ok := sender.last()
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:19993", sent.addr)
	require.Equal(t, wire.KindNodeAuth, sent.msg.Header.Kind.Tag)
	require.Equal(t, auth.Header.MsgID, sent.msg.Header.Dst.EndUserID)

	var env service.Envelope
	require.NoError(t, wire.DecodePayload(sent.msg.Payload, &env))
	var resp service.QueryResponse
	require.NoError(t, wire.DecodePayload(env.Body, &resp))
	require.Equal(t, service.ResultNoSuchEntry, resp.Result)
}

func TestHandleServiceMsg_CmdIsAcceptedWithoutReply(t *testing.T) {
	n, sender := newGenesisTestNode(t)

	ourKeyBytes, err := n.sap.SigningKey.MarshalBinary()
	require.NoError(t, err)

	auth := serviceEnvelope(t, service.PurposeCmd, "127.0.0.1:19994", service.CmdRequest{Kind: service.CmdPing})
	auth.Header.Dst = wire.DstLocation{Tag: wire.LocationSection, Name: n.Name(), SectionPK: ourKeyBytes}

	require.NoError(t, n.handleServiceMsg(auth))
	require.Equal(t, 0, sender.count())
}

func TestHandleServiceMsg_BootstrapClientWithNoSectionKeyGetsAEBounce(t *testing.T) {
	n, sender := newGenesisTestNode(t)

	// a bootstrapping client has no section key to declare yet, so
	// SectionPK is empty: this must still get bounced, not silently routed.
	auth := serviceEnvelope(t, service.PurposeQuery, "127.0.0.1:19995", service.QueryRequest{
		Kind: service.QueryGetChunk,
		Dst:  xor.Hash([]byte("anything")),
	})
	auth.Header.Dst = wire.DstLocation{Tag: wire.LocationSection, Name: n.Name()}

	require.NoError(t, n.handleServiceMsg(auth))

	sent, ok := sender.last()
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:19995", sent.addr)
	require.Equal(t, wire.KindAntiEntropy, sent.msg.Header.Kind.Tag)
	require.Equal(t, wire.LocationEndUser, sent.msg.Header.Dst.Tag)
	require.Equal(t, auth.Header.MsgID, sent.msg.Header.Dst.EndUserID)

	var body aeBody
	require.NoError(t, wire.DecodePayload(sent.msg.Payload, &body))
	require.Equal(t, aeRetry, body.Kind)
}

func TestServiceDestinationStale_RedirectsOutsidePrefix(t *testing.T) {
	scheme := bls.NewDefaultScheme()
	private := scheme.KeyGroup.Scalar().Pick(random.New())
	public := scheme.KeyGroup.Point().Mul(private, nil)

	zeroName := xor.Hash([]byte("zero-side-elder"))
	narrowPrefix := xor.NewPrefix(zeroName, 1)
	n := &Node{
		sap: section.SectionAuth[section.SAP]{
			Value:      section.SAP{Prefix: narrowPrefix},
			SigningKey: public,
		},
	}

	oppositeName := narrowPrefix.Sibling().Center()
	stale, kind := n.serviceDestinationStale(wire.DstLocation{Name: oppositeName})
	require.True(t, stale)
	require.Equal(t, aeRedirect, kind)
}

func TestServiceDestinationStale_FreshWhenSectionPKMatches(t *testing.T) {
	n, _ := newGenesisTestNode(t)
	ourKeyBytes, err := n.sap.SigningKey.MarshalBinary()
	require.NoError(t, err)

	stale, _ := n.serviceDestinationStale(wire.DstLocation{Name: n.Name(), SectionPK: ourKeyBytes})
	require.False(t, stale)
}
