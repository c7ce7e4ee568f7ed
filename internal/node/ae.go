package node

import (
	"fmt"

	"github.com/sectionmesh/sectiond/common/section"
	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
	"github.com/sectionmesh/sectiond/internal/sectionchain"
)

// aeKind tags the three anti-entropy outcomes §4.6 names: Retry asks the
// sender to resend once it has caught up, Redirect points it at a different
// section entirely, Update pushes new section knowledge unsolicited.
type aeKind string

const (
	aeRetry    aeKind = "retry"
	aeRedirect aeKind = "redirect"
	aeUpdate   aeKind = "update"
)

// aeBody is the payload of every KindAntiEntropy wire message: a signed SAP
// plus the proof chain tying it back to a key the receiver already trusts.
type aeBody struct {
	Kind         aeKind             `msgpack:"kind"`
	SAP          sapDTO             `msgpack:"sap"`
	SAPSignature []byte             `msgpack:"sap_signature"`
	Proof        sectionchain.Proof `msgpack:"proof"`
}

// sendAEBounce replies to addr with this node's current section knowledge,
// rate-limited per destination by aeCache so a single stale peer can't be
// answered more than once per DefaultAERetryPeriod.
func (n *Node) sendAEBounce(addr string, to xor.Name, kind aeKind) error {
	if !n.aeCache.allow(to) {
		return nil
	}
	aeBouncesSent.WithLabelValues(string(kind)).Inc()

	n.mu.Lock()
	sap := n.sap.Value
	sig := n.sap.Signature
	chain := n.chain
	n.mu.Unlock()

	dto, err := encodeSAP(sap)
	if err != nil {
		return fmt.Errorf("node: encode AE bounce SAP: %w", err)
	}
	proof, err := sectionchain.EncodeProof(chain)
	if err != nil {
		return fmt.Errorf("node: encode AE bounce proof: %w", err)
	}

	body := aeBody{Kind: kind, SAP: dto, SAPSignature: sig, Proof: proof}
	payload, err := wire.EncodePayload(body)
	if err != nil {
		return fmt.Errorf("node: encode AE bounce: %w", err)
	}

	msg := wire.Message{
		Header: wire.Header{
			Version: wire.Version,
			MsgID:   wire.NewMsgID(),
			Kind:    wire.MsgKind{Tag: wire.KindAntiEntropy},
			Dst:     wire.DstLocation{Tag: wire.LocationNode, Name: to},
		},
		Payload: payload,
	}
	return n.sender.Send(addr, msg)
}

// sendAEBounceEndUser replies to a client at addr the same way
// sendAEBounce replies to a peer node, except addressed by EndUserID (the
// originating message's own id, the only handle a client-facing reply has)
// rather than by a section member's XOR-name, and without aeCache's
// per-destination throttle.
func (n *Node) sendAEBounceEndUser(addr string, endUserID wire.MsgID, kind aeKind) error {
	aeBouncesSent.WithLabelValues(string(kind)).Inc()

	n.mu.Lock()
	sap := n.sap.Value
	sig := n.sap.Signature
	chain := n.chain
	n.mu.Unlock()

	dto, err := encodeSAP(sap)
	if err != nil {
		return fmt.Errorf("node: encode AE bounce SAP: %w", err)
	}
	proof, err := sectionchain.EncodeProof(chain)
	if err != nil {
		return fmt.Errorf("node: encode AE bounce proof: %w", err)
	}

	body := aeBody{Kind: kind, SAP: dto, SAPSignature: sig, Proof: proof}
	payload, err := wire.EncodePayload(body)
	if err != nil {
		return fmt.Errorf("node: encode AE bounce: %w", err)
	}

	msg := wire.Message{
		Header: wire.Header{
			Version: wire.Version,
			MsgID:   wire.NewMsgID(),
			Kind:    wire.MsgKind{Tag: wire.KindAntiEntropy},
			Dst:     wire.DstLocation{Tag: wire.LocationEndUser, EndUserID: endUserID},
		},
		Payload: payload,
	}
	return n.sender.Send(addr, msg)
}

// checkDestinationFreshness inspects an inbound NodeAuth message's declared
// destination section key against what this node currently believes, and
// bounces an AE Retry (stale key) or Redirect (wrong prefix entirely) back
// to the sender instead of letting a misrouted message fall through to its
// purpose handler (§4.6).
func (n *Node) checkDestinationFreshness(auth wire.Authenticated) {
	dst := auth.Header.Dst
	if dst.Tag != wire.LocationSection && dst.Tag != wire.LocationNode {
		return
	}
	if len(dst.SectionPK) == 0 {
		return
	}

	n.mu.Lock()
	sap := n.sap.Value
	ourKey := n.sap.SigningKey
	n.mu.Unlock()
	if ourKey == nil {
		return // not past bootstrapping yet; nothing authoritative to compare against
	}
	ourKeyBytes, err := ourKey.MarshalBinary()
	if err != nil || string(ourKeyBytes) == string(dst.SectionPK) {
		return
	}

	senderName := xor.Hash(auth.Proof.NodeKey)
	addr, ok := n.addrFor(senderName)
	if !ok {
		return
	}
	if !sap.Prefix.Matches(dst.Name) {
		_ = n.sendAEBounce(addr, senderName, aeRedirect)
		return
	}
	_ = n.sendAEBounce(addr, senderName, aeRetry)
}

// handleAntiEntropy installs whatever section knowledge an AE bounce or push
// carries, the same trust path a join approval uses: merge the proof chain,
// then insert the SAP if its signing key is now chain-reachable.
func (n *Node) handleAntiEntropy(auth wire.Authenticated) error {
	var body aeBody
	if err := wire.DecodePayload(auth.Payload, &body); err != nil {
		return fmt.Errorf("node: decode AE body: %w", err)
	}

	n.mu.Lock()
	group := n.scheme.KeyGroup
	n.mu.Unlock()

	sap, err := decodeSAP(group, body.SAP)
	if err != nil {
		return fmt.Errorf("node: decode AE SAP: %w", err)
	}
	if err := sap.Validate(); err != nil {
		return fmt.Errorf("node: AE SAP invalid: %w", err)
	}
	proofChain, err := sectionchain.DecodeProof(n.scheme, group, body.Proof)
	if err != nil {
		return fmt.Errorf("node: decode AE proof chain: %w", err)
	}
	signedSAP := section.SectionAuth[section.SAP]{Value: sap, SigningKey: sap.SigningKey(), Signature: body.SAPSignature}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.chain.Merge(proofChain); err != nil {
		return fmt.Errorf("node: merge AE proof chain: %w", err)
	}
	changed, err := n.network.Insert(signedSAP, proofChain)
	if err != nil {
		n.log.Debugw("AE SAP rejected", "kind", body.Kind, "err", err)
		return nil // an untrusted or stale bounce is not a protocol error
	}
	if changed {
		aeUpdatesApplied.Inc()
		n.log.Infow("AE updated section knowledge", "kind", body.Kind, "prefix", sap.Prefix.String())
	}
	return nil
}
