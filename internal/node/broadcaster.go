package node

import (
	"fmt"

	pedersen "github.com/drand/kyber/share/dkg"

	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
	"github.com/sectionmesh/sectiond/internal/dkg"
)

// dkgBroadcaster adapts a Node's Sender into dkg.Broadcaster: every DKG
// protocol value is opaque to the wire format (it is kyber-internal
// state, not a type common/wire has any business describing), so it
// crosses the wire as its own MarshalBinary/UnmarshalBinary encoding
// wrapped in a thin, msgpack-friendly envelope.
type dkgBroadcaster struct {
	node *Node
}

type dkgEnvelope struct {
	Session dkg.SessionID `msgpack:"session"`
	Kind    string        `msgpack:"kind"`
	Raw     []byte        `msgpack:"raw"`
}

// failureShareDTO flattens dkg.FailureShare into msgpack-friendly fields,
// the same convention internal/dkg's own store uses for kyber values.
type failureShareDTO struct {
	NodeName  string          `msgpack:"node_name"`
	NodeKey   []byte          `msgpack:"node_key"`
	Failed    map[string]bool `msgpack:"failed"`
	Signature []byte          `msgpack:"signature"`
}

func (b *dkgBroadcaster) sendTo(to xor.Name, env dkgEnvelope) error {
	addr, ok := b.node.addrFor(to)
	if !ok {
		return fmt.Errorf("node: no known address for %s", to.Short())
	}
	body, err := wire.EncodePayload(env)
	if err != nil {
		return fmt.Errorf("node: encode dkg envelope: %w", err)
	}
	return b.node.sendNodeAuth(addr, to, PurposeDKG, body)
}

func (b *dkgBroadcaster) SendDeal(to xor.Name, session dkg.SessionID, _ int, deal *pedersen.Deal) error {
	raw, err := deal.MarshalBinary()
	if err != nil {
		return fmt.Errorf("node: marshal deal: %w", err)
	}
	return b.sendTo(to, dkgEnvelope{Session: session, Kind: "deal", Raw: raw})
}

func (b *dkgBroadcaster) SendResponse(to xor.Name, session dkg.SessionID, resp *pedersen.Response) error {
	raw, err := resp.MarshalBinary()
	if err != nil {
		return fmt.Errorf("node: marshal response: %w", err)
	}
	return b.sendTo(to, dkgEnvelope{Session: session, Kind: "response", Raw: raw})
}

func (b *dkgBroadcaster) SendJustification(to xor.Name, session dkg.SessionID, just *pedersen.Justification) error {
	raw, err := just.MarshalBinary()
	if err != nil {
		return fmt.Errorf("node: marshal justification: %w", err)
	}
	return b.sendTo(to, dkgEnvelope{Session: session, Kind: "justification", Raw: raw})
}

func (b *dkgBroadcaster) SendFailure(to xor.Name, session dkg.SessionID, share dkg.FailureShare) error {
	keyBytes, err := share.NodeKey.MarshalBinary()
	if err != nil {
		return fmt.Errorf("node: marshal failure share key: %w", err)
	}
	failed := make(map[string]bool, len(share.Failed))
	for name, v := range share.Failed {
		failed[name.String()] = v
	}
	dto := failureShareDTO{NodeName: share.NodeName.String(), NodeKey: keyBytes, Failed: failed, Signature: share.Signature}
	raw, err := wire.EncodePayload(dto)
	if err != nil {
		return fmt.Errorf("node: encode failure share: %w", err)
	}
	return b.sendTo(to, dkgEnvelope{Session: session, Kind: "failure", Raw: raw})
}
