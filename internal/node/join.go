package node

import (
	"fmt"
	"sync"

	"github.com/drand/kyber"

	"github.com/sectionmesh/sectiond/common/constants"
	"github.com/sectionmesh/sectiond/common/section"
	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
	"github.com/sectionmesh/sectiond/internal/sectionchain"
	"github.com/sectionmesh/sectiond/internal/xerrors"
)

// joinResponseKind tags the four outcomes an elder can give a JoinRequest (§4.6).
type joinResponseKind string

const (
	joinRetry     joinResponseKind = "retry"
	joinRedirect  joinResponseKind = "redirect"
	joinChallenge joinResponseKind = "challenge"
	joinApproved  joinResponseKind = "approved"
)

type joinRequestDTO struct {
	CandidateName string `msgpack:"candidate_name"`
	CandidateAddr string `msgpack:"candidate_addr"`
	CandidateKey  []byte `msgpack:"candidate_key"`
	KnownKey      []byte `msgpack:"known_key,omitempty"` // marshaled group key candidate currently trusts, if any
}

type sapDTO struct {
	Prefix     string   `msgpack:"prefix"`
	ElderNames []string `msgpack:"elder_names"`
	ElderAddrs []string `msgpack:"elder_addrs"`
	Commits    [][]byte `msgpack:"commits"`
}

func encodeSAP(sap section.SAP) (sapDTO, error) {
	names := sap.ElderNames()
	dto := sapDTO{Prefix: sap.Prefix.String(), ElderNames: make([]string, len(names)), ElderAddrs: make([]string, len(names))}
	for i, name := range names {
		dto.ElderNames[i] = name.String()
		dto.ElderAddrs[i] = sap.Elders[name]
	}
	commits := make([][]byte, len(sap.PublicKeySet.Commits))
	for i, c := range sap.PublicKeySet.Commits {
		b, err := c.MarshalBinary()
		if err != nil {
			return sapDTO{}, fmt.Errorf("node: marshal SAP commit %d: %w", i, err)
		}
		commits[i] = b
	}
	dto.Commits = commits
	return dto, nil
}

func decodeSAP(group kyber.Group, dto sapDTO) (section.SAP, error) {
	prefix, err := xor.ParsePrefix(dto.Prefix)
	if err != nil {
		return section.SAP{}, fmt.Errorf("node: decode SAP prefix: %w", err)
	}
	elders := make(map[xor.Name]string, len(dto.ElderNames))
	for i, ns := range dto.ElderNames {
		name, err := xor.ParseName(ns)
		if err != nil {
			return section.SAP{}, fmt.Errorf("node: decode SAP elder name: %w", err)
		}
		elders[name] = dto.ElderAddrs[i]
	}
	commits := make([]kyber.Point, len(dto.Commits))
	for i, cb := range dto.Commits {
		p := group.Point()
		if err := p.UnmarshalBinary(cb); err != nil {
			return section.SAP{}, fmt.Errorf("node: decode SAP commit %d: %w", i, err)
		}
		commits[i] = p
	}
	return section.SAP{
		Prefix:       prefix,
		Elders:       elders,
		PublicKeySet: section.NewPublicKeySet(group, commits),
	}, nil
}

type joinResponseDTO struct {
	Kind joinResponseKind `msgpack:"kind"`

	// Retry / Redirect / Approved
	SAP *sapDTO `msgpack:"sap,omitempty"`

	// Approved: the elder set's existing section signature over SAP (the SAP
	// itself doesn't change on admission, so this travels as-is from the
	// admitting elder's own signed SAP rather than being freshly produced).
	SAPSignature []byte `msgpack:"sap_signature,omitempty"`

	// Approved: proof chain linking the joining node's known genesis to SAP's key.
	Proof *sectionchain.Proof `msgpack:"proof,omitempty"`

	// Challenge
	Challenge *resourceChallengeDTO `msgpack:"challenge,omitempty"`

	// Approved
	NodeState *nodeStateDTO `msgpack:"node_state,omitempty"`
}

type nodeStateDTO struct {
	Peer      string `msgpack:"peer"`
	Addr      string `msgpack:"addr"`
	Age       uint8  `msgpack:"age"`
	State     uint8  `msgpack:"state"`
	Signature []byte `msgpack:"signature"`
}

// joinController drives the outbound join handshake while the owning Node
// sits in StageBootstrapping/StageJoining: send requests to every known
// elder, retry on JOIN_TIMEOUT, and follow Retry/Redirect guidance, mirroring
// the retry-until-approved shape of a joining stage in the source material.
type joinController struct {
	mu sync.Mutex

	node     *Node
	contacts []string
	target   *section.SAP // best known SAP for the section we're joining, nil until first Retry/Redirect

	stop    chan struct{}
	lastErr error
}

// LastError reports why the join handshake stopped making progress, if it
// has: xerrors.ErrJoinTimeout once the bootstrap retry budget is exhausted,
// nil while still in flight or after a successful join.
func (jc *joinController) LastError() error {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.lastErr
}

func newJoinController(n *Node, bootstrapContacts []string) *joinController {
	jc := &joinController{
		node:     n,
		contacts: bootstrapContacts,
		stop:     make(chan struct{}),
	}
	go jc.run()
	return jc
}

func (jc *joinController) run() {
	jc.sendJoinRequests()
	ticker := jc.node.clock.NewTicker(constants.JoinTimeout)
	defer ticker.Stop()
	deadline := jc.node.clock.NewTimer(constants.BootstrapRetryTime)
	defer deadline.Stop()

	for {
		select {
		case <-jc.stop:
			return
		case <-ticker.Chan():
			jc.node.log.Debugw("join timed out without progress, retrying")
			jc.sendJoinRequests()
		case <-deadline.Chan():
			jc.mu.Lock()
			jc.lastErr = xerrors.ErrJoinTimeout
			jc.mu.Unlock()
			jc.node.log.Errorw("join permanently failed", "err", xerrors.ErrJoinTimeout)
			return
		}
	}
}

func (jc *joinController) sendJoinRequests() {
	jc.mu.Lock()
	targets := jc.currentTargets()
	jc.mu.Unlock()

	for _, addr := range targets {
		if err := jc.sendOne(addr); err != nil {
			jc.node.log.Debugw("join request send failed", "addr", addr, "err", err)
		}
	}
}

func (jc *joinController) currentTargets() []string {
	if jc.target != nil {
		out := make([]string, 0, len(jc.target.Elders))
		for _, addr := range jc.target.Elders {
			out = append(out, addr)
		}
		return out
	}
	return jc.contacts
}

func (jc *joinController) sendOne(addr string) error {
	n := jc.node
	keyBytes, err := n.keys.Public.Key.MarshalBinary()
	if err != nil {
		return err
	}
	req := joinRequestDTO{
		CandidateName: n.keys.Public.Name.String(),
		CandidateAddr: n.keys.Public.Addr,
		CandidateKey:  keyBytes,
	}
	jc.mu.Lock()
	if jc.target != nil {
		if gk, err := jc.target.SigningKey().MarshalBinary(); err == nil {
			req.KnownKey = gk
		}
	}
	jc.mu.Unlock()

	body, err := wire.EncodePayload(req)
	if err != nil {
		return fmt.Errorf("node: encode join request: %w", err)
	}
	return n.sendNodeAuth(addr, xor.Name{}, PurposeJoinRequest, body)
}

// handleJoinRequest is the elder-side half: a candidate is asking this
// section's elder set to admit it. Issues a resource-proof challenge on
// first contact, per §4.6 step 2-3.
func (n *Node) handleJoinRequest(auth wire.Authenticated, body []byte) error {
	var req joinRequestDTO
	if err := wire.DecodePayload(body, &req); err != nil {
		return fmt.Errorf("node: decode join request: %w", err)
	}
	candidateName, err := xor.ParseName(req.CandidateName)
	if err != nil {
		return fmt.Errorf("node: decode candidate name: %w", err)
	}

	n.mu.Lock()
	stage := n.stage
	sap := n.sap.Value
	n.mu.Unlock()
	if stage != StageElder {
		return nil // only elders admit candidates
	}
	if !sap.Prefix.Matches(candidateName) {
		return n.sendJoinRedirect(req, candidateName)
	}

	challenge := newResourceChallenge(req)
	n.resourceChallenges.store(candidateName, challenge)

	resp := joinResponseDTO{Kind: joinChallenge, Challenge: &challenge.dto}
	return n.replyJoin(req, resp)
}

func (n *Node) sendJoinRedirect(req joinRequestDTO, candidateName xor.Name) error {
	n.mu.Lock()
	entry, ok := n.network.ClosestOrOpposite(candidateName)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	dto, err := encodeSAP(entry.Value)
	if err != nil {
		return err
	}
	resp := joinResponseDTO{Kind: joinRedirect, SAP: &dto}
	return n.replyJoin(req, resp)
}

// admitCandidate is called once a candidate's resource proof has been
// accepted: it signs the candidate's NodeState via a section proposal and
// replies with the Approved response carrying the current SAP and proof
// chain (§4.6 step 4).
func (n *Node) admitCandidate(req joinRequestDTO, candidateName xor.Name, candidateKey kyber.Point) error {
	n.mu.Lock()
	sap := n.sap.Value
	sapSignature := n.sap.Signature
	chain := n.chain
	n.mu.Unlock()

	ns := section.NodeState{Peer: candidateName, Addr: req.CandidateAddr, Age: 1, State: section.Joined}
	digest, err := wire.EncodePayload(ns)
	if err != nil {
		return fmt.Errorf("node: digest candidate node state: %w", err)
	}
	sig, err := n.proposeAndSign(digest)
	if err != nil {
		return fmt.Errorf("node: admit candidate: %w", err)
	}
	signedNs := section.SectionAuth[section.NodeState]{Value: ns, SigningKey: sap.SigningKey(), Signature: sig}
	if _, err := n.members.Update(chain, signedNs); err != nil {
		return fmt.Errorf("node: record admitted candidate: %w", err)
	}

	sapDTOVal, err := encodeSAP(sap)
	if err != nil {
		return err
	}
	proof, err := sectionchain.EncodeProof(chain)
	if err != nil {
		return fmt.Errorf("node: encode proof chain: %w", err)
	}

	resp := joinResponseDTO{
		Kind:         joinApproved,
		SAP:          &sapDTOVal,
		SAPSignature: sapSignature,
		Proof:        &proof,
		NodeState: &nodeStateDTO{
			Peer:      ns.Peer.String(),
			Addr:      ns.Addr,
			Age:       ns.Age,
			State:     uint8(ns.State),
			Signature: sig,
		},
	}
	return n.replyJoin(req, resp)
}

func (n *Node) replyJoin(req joinRequestDTO, resp joinResponseDTO) error {
	candidateName, err := xor.ParseName(req.CandidateName)
	if err != nil {
		return err
	}
	body, err := wire.EncodePayload(resp)
	if err != nil {
		return fmt.Errorf("node: encode join response: %w", err)
	}
	purpose := PurposeJoinRetry
	switch resp.Kind {
	case joinRedirect:
		purpose = PurposeJoinRedirect
	case joinChallenge:
		purpose = PurposeResourceChallenge
	case joinApproved:
		purpose = PurposeJoinApproved
	}
	return n.sendNodeAuth(req.CandidateAddr, candidateName, purpose, body)
}

// handleJoinResponse is the joining-node side: react to whatever an elder
// sent back to our outstanding JoinRequest.
func (n *Node) handleJoinResponse(purpose Purpose, body []byte) error {
	n.mu.Lock()
	jc := n.joinCtrl
	n.mu.Unlock()
	if jc == nil {
		return nil // not joining; ignore stray responses
	}

	var resp joinResponseDTO
	if err := wire.DecodePayload(body, &resp); err != nil {
		return fmt.Errorf("node: decode join response: %w", err)
	}

	switch resp.Kind {
	case joinRetry, joinRedirect:
		return jc.applyNewTarget(resp.SAP)
	case joinChallenge:
		return n.solveResourceChallenge(resp.Challenge)
	case joinApproved:
		return n.installApproval(resp)
	default:
		return fmt.Errorf("node: unknown join response kind %q", resp.Kind)
	}
}

func (jc *joinController) applyNewTarget(dto *sapDTO) error {
	if dto == nil {
		return fmt.Errorf("node: join retry/redirect missing SAP")
	}
	sap, err := decodeSAP(jc.node.scheme.KeyGroup, *dto)
	if err != nil {
		return err
	}
	jc.mu.Lock()
	jc.target = &sap
	jc.mu.Unlock()
	jc.sendJoinRequests()
	return nil
}

// installApproval merges the elder's proof chain into our genesis-anchored
// chain (already in hand since New() anchors every joining node on the
// network's GenesisKey), inserts the new SAP, and records our own admitted
// NodeState.
func (n *Node) installApproval(resp joinResponseDTO) error {
	if resp.SAP == nil || resp.NodeState == nil || resp.Proof == nil {
		return fmt.Errorf("node: approval missing SAP, node state, or proof chain")
	}
	group := n.scheme.KeyGroup
	sap, err := decodeSAP(group, *resp.SAP)
	if err != nil {
		return err
	}
	if err := sap.Validate(); err != nil {
		return fmt.Errorf("node: approved SAP invalid: %w", err)
	}
	peerName, err := xor.ParseName(resp.NodeState.Peer)
	if err != nil {
		return err
	}
	ns := section.NodeState{
		Peer:  peerName,
		Addr:  resp.NodeState.Addr,
		Age:   resp.NodeState.Age,
		State: section.MembershipState(resp.NodeState.State),
	}
	signedNs := section.SectionAuth[section.NodeState]{Value: ns, SigningKey: sap.SigningKey(), Signature: resp.NodeState.Signature}

	proofChain, err := sectionchain.DecodeProof(n.scheme, group, *resp.Proof)
	if err != nil {
		return fmt.Errorf("node: decode proof chain: %w", err)
	}
	signedSAP := section.SectionAuth[section.SAP]{Value: sap, SigningKey: sap.SigningKey(), Signature: resp.SAPSignature}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.chain.Merge(proofChain); err != nil {
		return fmt.Errorf("node: merge approval proof chain: %w", err)
	}
	if !n.chain.Contains(sap.SigningKey()) {
		return fmt.Errorf("node: approved SAP key not reachable on merged chain")
	}
	if _, err := n.network.Insert(signedSAP, proofChain); err != nil {
		return fmt.Errorf("node: install approved SAP: %w", err)
	}

	if _, err := n.members.Update(n.chain, signedNs); err != nil {
		return fmt.Errorf("node: install own approved NodeState: %w", err)
	}

	becameElder := false
	if _, ok := sap.Elders[n.Name()]; ok {
		n.stage = StageElder
		becameElder = true
	} else {
		n.stage = StageAdult
	}
	if becameElder {
		go n.startElderMaintenance()
	}
	if n.joinCtrl != nil {
		close(n.joinCtrl.stop)
		n.joinCtrl = nil
	}
	n.log.Infow("join approved", "stage", n.stage.String(), "prefix", sap.Prefix.String())
	return nil
}
