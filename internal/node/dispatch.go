package node

import (
	"fmt"

	pedersen "github.com/drand/kyber/share/dkg"

	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
	"github.com/sectionmesh/sectiond/internal/dkg"
)

// HandleMessage is the entry point internal/endpoint calls for every
// parsed wire frame addressed to this node. It verifies the declared
// signature, then dispatches by the envelope's purpose (§4.1, §4.6).
func (n *Node) HandleMessage(msg wire.Message) error {
	var poly *wire.SharePublicPoly
	n.mu.Lock()
	if n.sap.Value.PublicKeySet != nil {
		p := n.sap.Value.PublicKeySet.Poly()
		poly = p
	}
	n.mu.Unlock()

	auth, err := wire.Verify(n.scheme, msg, poly)
	if err != nil {
		messagesRejected.WithLabelValues("auth").Inc()
		return fmt.Errorf("node: reject unauthenticated message: %w", err)
	}

	switch auth.Proof.Kind {
	case wire.KindNodeAuth:
		messagesHandled.WithLabelValues("node_auth").Inc()
		return n.handleNodeAuth(auth)
	case wire.KindServiceMsg:
		messagesHandled.WithLabelValues("service_msg").Inc()
		return n.handleServiceMsg(auth)
	case wire.KindAntiEntropy:
		messagesHandled.WithLabelValues("anti_entropy").Inc()
		return n.handleAntiEntropy(auth)
	default:
		n.log.Debugw("dropping message of unhandled kind", "kind", auth.Proof.Kind)
		return nil
	}
}

func (n *Node) handleNodeAuth(auth wire.Authenticated) error {
	var env envelope
	if err := wire.DecodePayload(auth.Payload, &env); err != nil {
		return fmt.Errorf("node: decode envelope: %w", err)
	}

	n.learnPeerKey(auth)
	n.checkDestinationFreshness(auth)

	switch env.Purpose {
	case PurposeJoinRequest:
		return n.handleJoinRequest(auth, env.Body)
	case PurposeJoinRetry, PurposeJoinRedirect, PurposeResourceChallenge, PurposeJoinApproved:
		return n.handleJoinResponse(env.Purpose, env.Body)
	case PurposeResourceProof:
		return n.handleResourceProof(auth, env.Body)
	case PurposeDKG:
		return n.handleDKGEnvelope(env.Body)
	case PurposeProposalRequest:
		return n.handleProposalRequest(auth, env.Body)
	case PurposeProposalShare:
		return n.handleProposalShare(env.Body)
	default:
		n.log.Debugw("dropping envelope of unknown purpose", "purpose", env.Purpose)
		return nil
	}
}

// learnPeerKey records the sender's public key against its derived name, so
// later DKG rounds (startElderDKG) can find a key for any candidate this
// node has ever heard a NodeAuth message from.
func (n *Node) learnPeerKey(auth wire.Authenticated) {
	if len(auth.Proof.NodeKey) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	pub := n.scheme.KeyGroup.Point()
	if err := pub.UnmarshalBinary(auth.Proof.NodeKey); err != nil {
		return
	}
	n.peerKeys[xor.Hash(auth.Proof.NodeKey)] = pub
}

func (n *Node) handleDKGEnvelope(body []byte) error {
	var env dkgEnvelope
	if err := wire.DecodePayload(body, &env); err != nil {
		return fmt.Errorf("node: decode dkg envelope: %w", err)
	}

	switch env.Kind {
	case "deal":
		deal := new(pedersen.Deal)
		if err := deal.UnmarshalBinary(env.Raw); err != nil {
			return fmt.Errorf("node: unmarshal deal: %w", err)
		}
		return n.voter.ProcessDeal(env.Session, deal)

	case "response":
		resp := new(pedersen.Response)
		if err := resp.UnmarshalBinary(env.Raw); err != nil {
			return fmt.Errorf("node: unmarshal response: %w", err)
		}
		return n.voter.ProcessResponse(env.Session, resp)

	case "justification":
		just := new(pedersen.Justification)
		if err := just.UnmarshalBinary(env.Raw); err != nil {
			return fmt.Errorf("node: unmarshal justification: %w", err)
		}
		return n.voter.ProcessJustification(env.Session, just)

	case "failure":
		var dto failureShareDTO
		if err := wire.DecodePayload(env.Raw, &dto); err != nil {
			return fmt.Errorf("node: decode failure share: %w", err)
		}
		share, err := decodeFailureShare(n, dto)
		if err != nil {
			return err
		}
		share.Session = env.Session
		return n.voter.ProcessFailure(env.Session, share)

	default:
		return fmt.Errorf("node: unknown dkg envelope kind %q", env.Kind)
	}
}

func decodeFailureShare(n *Node, dto failureShareDTO) (dkg.FailureShare, error) {
	name, err := xor.ParseName(dto.NodeName)
	if err != nil {
		return dkg.FailureShare{}, fmt.Errorf("node: decode failure share name: %w", err)
	}
	nodeKey := n.scheme.KeyGroup.Point()
	if err := nodeKey.UnmarshalBinary(dto.NodeKey); err != nil {
		return dkg.FailureShare{}, fmt.Errorf("node: unmarshal failure share key: %w", err)
	}
	failed := make(map[xor.Name]bool, len(dto.Failed))
	for s, v := range dto.Failed {
		fn, err := xor.ParseName(s)
		if err != nil {
			return dkg.FailureShare{}, fmt.Errorf("node: decode failure share entry: %w", err)
		}
		failed[fn] = v
	}
	return dkg.FailureShare{
		NodeName:  name,
		NodeKey:   nodeKey,
		Failed:    failed,
		Signature: dto.Signature,
	}, nil
}
