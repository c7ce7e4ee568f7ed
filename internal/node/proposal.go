package node

import (
	"fmt"
	"sync"

	"github.com/sectionmesh/sectiond/common/constants"
	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
)

// proposalAggregator accumulates this section's elders' signature shares
// over one digest until a supermajority is present, then recovers the
// combined section signature, the mechanism backing every "section decides
// X" moment named in §4.6: admitting a joiner, retiring a member, accepting
// a new SAP.
type proposalAggregator struct {
	mu       sync.Mutex
	node     *Node
	digest   []byte
	elders   int
	shares   map[int][]byte
	done     chan struct{}
	closed   bool
	combined []byte
	err      error
}

func newProposalAggregator(n *Node, digest []byte, elders int) *proposalAggregator {
	return &proposalAggregator{
		node:   n,
		digest: digest,
		elders: elders,
		shares: make(map[int][]byte),
		done:   make(chan struct{}),
	}
}

// addShare records one elder's partial signature, recovering the combined
// section signature once a supermajority is present. Safe to call more than
// once per index; later calls for an index already seen are ignored.
func (pa *proposalAggregator) addShare(index int, sig []byte) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if pa.closed {
		return
	}
	if _, ok := pa.shares[index]; ok {
		return
	}
	pa.shares[index] = sig

	if len(pa.shares) < constants.Supermajority(pa.elders) {
		return
	}
	threshold := constants.DKGThreshold(pa.elders)

	poly := pa.node.sap.Value.PublicKeySet.Poly()
	sigs := make([][]byte, 0, len(pa.shares))
	for idx, s := range pa.shares {
		sigs = append(sigs, prependIndex(idx, s))
	}
	combined, err := pa.node.scheme.Recover(poly, pa.digest, sigs, threshold, pa.elders)
	pa.combined = combined
	pa.err = err
	pa.closed = true
	close(pa.done)
}

// wait blocks until a supermajority of shares has been recovered.
func (pa *proposalAggregator) wait() ([]byte, error) {
	<-pa.done
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.combined, pa.err
}

type proposalShareRequestDTO struct {
	Digest []byte `msgpack:"digest"`
}

type proposalShareResponseDTO struct {
	Digest     []byte `msgpack:"digest"`
	ShareIndex int    `msgpack:"share_index"`
	Share      []byte `msgpack:"share"`
}

// proposeAndSign asks every other elder for a signature share over digest,
// combines them with this node's own share, and returns the recovered
// section signature. Blocks until a supermajority replies.
func (n *Node) proposeAndSign(digest []byte) ([]byte, error) {
	n.mu.Lock()
	sap := n.sap.Value
	elderShare := n.elderShare
	n.mu.Unlock()
	if elderShare == nil {
		return nil, fmt.Errorf("node: not an elder, cannot sign a section proposal")
	}

	agg := newProposalAggregator(n, digest, len(sap.Elders))
	key := string(digest)
	n.mu.Lock()
	n.proposals[key] = agg
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.proposals, key)
		n.mu.Unlock()
	}()

	selfSig, err := n.scheme.SignShare(elderShare, digest)
	if err != nil {
		return nil, fmt.Errorf("node: sign own proposal share: %w", err)
	}
	agg.addShare(elderShare.I, selfSig)

	req := proposalShareRequestDTO{Digest: digest}
	body, err := wire.EncodePayload(req)
	if err != nil {
		return nil, fmt.Errorf("node: encode proposal request: %w", err)
	}
	for name, addr := range sap.Elders {
		if name.Equal(n.Name()) {
			continue
		}
		if err := n.sendNodeAuth(addr, name, PurposeProposalRequest, body); err != nil {
			n.log.Debugw("proposal request send failed", "elder", name.Short(), "err", err)
		}
	}

	return agg.wait()
}

func (n *Node) handleProposalRequest(auth wire.Authenticated, body []byte) error {
	var req proposalShareRequestDTO
	if err := wire.DecodePayload(body, &req); err != nil {
		return fmt.Errorf("node: decode proposal request: %w", err)
	}
	n.mu.Lock()
	elderShare := n.elderShare
	n.mu.Unlock()
	if elderShare == nil {
		return nil // not (yet) an elder; nothing to sign
	}
	sig, err := n.scheme.SignShare(elderShare, req.Digest)
	if err != nil {
		return fmt.Errorf("node: sign proposal share: %w", err)
	}

	requesterKey := n.scheme.KeyGroup.Point()
	if err := requesterKey.UnmarshalBinary(auth.Proof.NodeKey); err != nil {
		return fmt.Errorf("node: decode proposal requester key: %w", err)
	}
	requesterName := xor.Hash(auth.Proof.NodeKey)
	requesterAddr, ok := n.addrFor(requesterName)
	if !ok {
		return fmt.Errorf("node: no known address for proposal requester %s", requesterName.Short())
	}

	resp := proposalShareResponseDTO{Digest: req.Digest, ShareIndex: elderShare.I, Share: sig}
	respBody, err := wire.EncodePayload(resp)
	if err != nil {
		return fmt.Errorf("node: encode proposal share: %w", err)
	}
	return n.sendNodeAuth(requesterAddr, requesterName, PurposeProposalShare, respBody)
}

func (n *Node) handleProposalShare(body []byte) error {
	var resp proposalShareResponseDTO
	if err := wire.DecodePayload(body, &resp); err != nil {
		return fmt.Errorf("node: decode proposal share: %w", err)
	}
	n.mu.Lock()
	agg, ok := n.proposals[string(resp.Digest)]
	n.mu.Unlock()
	if !ok {
		return nil // no in-flight proposal for this digest (late or foreign reply)
	}
	agg.addShare(resp.ShareIndex, resp.Share)
	return nil
}
