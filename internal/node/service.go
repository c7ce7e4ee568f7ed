package node

import (
	"fmt"

	"github.com/sectionmesh/sectiond/common/service"
	"github.com/sectionmesh/sectiond/common/wire"
)

// handleServiceMsg is the elder-side half of §4.7: a client's query or cmd
// arrives as a KindServiceMsg envelope. Chunk storage itself is an external
// collaborator's concern (§1 Non-goals), so this handler answers only the
// routing contract the protocol actually specifies — stale destinations get
// bounced the same way a peer node's would, fresh ones get a definite
// answer (query) or are merely accepted (cmd, §4.7's "best-effort" wording
// means no per-cmd ack is owed beyond AE).
func (n *Node) handleServiceMsg(auth wire.Authenticated) error {
	var env service.Envelope
	if err := wire.DecodePayload(auth.Payload, &env); err != nil {
		return fmt.Errorf("node: decode service envelope: %w", err)
	}

	if stale, kind := n.serviceDestinationStale(auth.Header.Dst); stale {
		return n.sendAEBounceEndUser(env.ReplyAddr, auth.Header.MsgID, kind)
	}

	switch env.Purpose {
	case service.PurposeQuery:
		return n.handleServiceQuery(auth, env)
	case service.PurposeCmd:
		return n.handleServiceCmd(env)
	default:
		n.log.Debugw("dropping service envelope of unknown purpose", "purpose", env.Purpose)
		return nil
	}
}

// serviceDestinationStale mirrors checkDestinationFreshness's verdict for a
// client-addressed message, whose sender has no membership record this node
// can look an address up from. Unlike the peer-to-peer check, a missing
// SectionPK counts as stale rather than being skipped: a bootstrapping
// client has no section key to declare yet, and the only way to learn one
// is to be bounced with an AE response (§4.7's bootstrap procedure).
func (n *Node) serviceDestinationStale(dst wire.DstLocation) (bool, aeKind) {
	n.mu.Lock()
	sap := n.sap.Value
	ourKey := n.sap.SigningKey
	n.mu.Unlock()
	if ourKey == nil {
		return false, ""
	}
	if len(dst.SectionPK) > 0 {
		ourKeyBytes, err := ourKey.MarshalBinary()
		if err == nil && string(ourKeyBytes) == string(dst.SectionPK) {
			return false, ""
		}
	}
	if !sap.Prefix.Matches(dst.Name) {
		return true, aeRedirect
	}
	return true, aeRetry
}

func (n *Node) handleServiceQuery(auth wire.Authenticated, env service.Envelope) error {
	var req service.QueryRequest
	if err := wire.DecodePayload(env.Body, &req); err != nil {
		return fmt.Errorf("node: decode query request: %w", err)
	}

	// Every query answers ResultNoSuchEntry: this node never stores chunk
	// content (§1 Non-goals), so the only thing it can truthfully tell a
	// client is that its own section has no such entry, keeping the wire
	// contract exercisable without faking data semantics.
	resp := service.QueryResponse{Kind: req.Kind, Result: service.ResultNoSuchEntry}
	body, err := wire.EncodePayload(resp)
	if err != nil {
		return fmt.Errorf("node: encode query response: %w", err)
	}
	return n.sendServiceReply(env.ReplyAddr, auth.Header.MsgID, service.PurposeQuery, body)
}

func (n *Node) handleServiceCmd(env service.Envelope) error {
	var req service.CmdRequest
	if err := wire.DecodePayload(env.Body, &req); err != nil {
		return fmt.Errorf("node: decode cmd request: %w", err)
	}
	n.log.Debugw("accepted cmd", "kind", req.Kind)
	return nil
}

// sendServiceReply signs body under purpose with this node's own (non-
// threshold) key and addresses it back to the client that sent endUserID,
// the same NodeAuth kind a node uses to talk to its peers (§4.1) rather
// than a new wire kind purely for this direction.
func (n *Node) sendServiceReply(addr string, endUserID wire.MsgID, purpose service.Purpose, body []byte) error {
	env := service.Envelope{Purpose: purpose, Body: body}
	payload, err := wire.EncodePayload(env)
	if err != nil {
		return fmt.Errorf("node: encode service reply: %w", err)
	}

	selfKey, err := n.keys.Public.Key.MarshalBinary()
	if err != nil {
		return fmt.Errorf("node: marshal own key: %w", err)
	}
	sig, err := n.scheme.SignNode(n.keys.Private, payload)
	if err != nil {
		return fmt.Errorf("node: sign service reply: %w", err)
	}

	msg := wire.Message{
		Header: wire.Header{
			Version: wire.Version,
			MsgID:   wire.NewMsgID(),
			Kind: wire.MsgKind{
				Tag:      wire.KindNodeAuth,
				NodeAuth: &wire.NodeAuth{NodeKey: selfKey, Signature: sig},
			},
			Dst: wire.DstLocation{Tag: wire.LocationEndUser, EndUserID: endUserID},
		},
		Payload: payload,
	}
	return n.sender.Send(addr, msg)
}
