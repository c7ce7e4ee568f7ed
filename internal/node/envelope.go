package node

import (
	"fmt"

	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
)

// Purpose discriminates the application payload carried inside a
// NodeAuth-kind wire message: the wire format itself only says "a node
// signed this", not what the node meant by it (§4.1, §4.6).
type Purpose string

const (
	PurposeJoinRequest       Purpose = "join_request"
	PurposeJoinRetry         Purpose = "join_retry"
	PurposeJoinRedirect      Purpose = "join_redirect"
	PurposeResourceChallenge Purpose = "resource_challenge"
	PurposeResourceProof     Purpose = "resource_proof"
	PurposeJoinApproved      Purpose = "join_approved"
	PurposeDKG               Purpose = "dkg"
	PurposeProposalRequest   Purpose = "proposal_request"
	PurposeProposalShare     Purpose = "proposal_share"
)

// envelope wraps a purpose-tagged body inside a single NodeAuth payload.
type envelope struct {
	Purpose Purpose `msgpack:"purpose"`
	Body    []byte  `msgpack:"body"`
}

// sendNodeAuth signs body under purpose and sends it to addr as a
// NodeAuth-kind wire message addressed to to.
func (n *Node) sendNodeAuth(addr string, to xor.Name, purpose Purpose, body []byte) error {
	env := envelope{Purpose: purpose, Body: body}
	payload, err := wire.EncodePayload(env)
	if err != nil {
		return fmt.Errorf("node: encode envelope: %w", err)
	}

	selfKey, err := n.keys.Public.Key.MarshalBinary()
	if err != nil {
		return fmt.Errorf("node: marshal own key: %w", err)
	}
	sig, err := n.scheme.SignNode(n.keys.Private, payload)
	if err != nil {
		return fmt.Errorf("node: sign envelope: %w", err)
	}

	msg := wire.Message{
		Header: wire.Header{
			Version: wire.Version,
			MsgID:   wire.NewMsgID(),
			Kind: wire.MsgKind{
				Tag:      wire.KindNodeAuth,
				NodeAuth: &wire.NodeAuth{NodeKey: selfKey, Signature: sig},
			},
			Dst: wire.DstLocation{Tag: wire.LocationNode, Name: to},
		},
		Payload: payload,
	}
	return n.sender.Send(addr, msg)
}

// addrFor resolves a known peer's socket address from current section
// knowledge: its own elder set first, then its broader membership table.
func (n *Node) addrFor(name xor.Name) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if addr, ok := n.sap.Value.Elders[name]; ok {
		return addr, true
	}
	for _, rec := range n.members.All() {
		if rec.Peer.Equal(name) {
			return rec.Addr, true
		}
	}
	return "", false
}
