package node

import (
	"fmt"

	"github.com/drand/kyber"

	"github.com/sectionmesh/sectiond/common/constants"
	"github.com/sectionmesh/sectiond/common/section"
	"github.com/sectionmesh/sectiond/common/xor"
	"github.com/sectionmesh/sectiond/internal/dkg"
	"github.com/sectionmesh/sectiond/internal/membership"
)

// elderCandidateSet is one prospective next elder set for a prefix, the
// shape promoteAndDemoteElders hands to a DKG round (§4.4, §4.6).
type elderCandidateSet struct {
	Prefix xor.Prefix
	Elders []xor.Name
}

// trySplit decides whether both halves of the next prefix bit have enough
// mature members to become their own section, mirroring the
// mature-member-count gate a split decision runs in the source material.
func (n *Node) trySplit(excluded map[xor.Name]bool) (ours, other *elderCandidateSet) {
	n.mu.Lock()
	sap := n.sap.Value
	n.mu.Unlock()

	nextBitIndex := sap.Prefix.BitCount()
	if nextBitIndex >= xor.NameLen*8 {
		return nil, nil // already maximally specific, cannot split further
	}
	nextBit := n.Name().Bit(nextBitIndex)

	mature := n.members.Mature()
	var ourMature, otherMature []section.NodeState
	for _, m := range mature {
		if excluded[m.Peer] {
			continue
		}
		if m.Peer.Bit(nextBitIndex) == nextBit {
			ourMature = append(ourMature, m)
		} else {
			otherMature = append(otherMature, m)
		}
	}
	if len(ourMature) < constants.RecommendedSectionSize || len(otherMature) < constants.RecommendedSectionSize {
		return nil, nil
	}

	ourPrefix := sap.Prefix.PushBit(nextBit)
	otherPrefix := sap.Prefix.PushBit(!nextBit)

	ourElders := membership.ElderCandidates(ourMature, constants.ElderSize, ourPrefix, excluded)
	otherElders := membership.ElderCandidates(otherMature, constants.ElderSize, otherPrefix, excluded)
	return &elderCandidateSet{Prefix: ourPrefix, Elders: ourElders}, &elderCandidateSet{Prefix: otherPrefix, Elders: otherElders}
}

// promoteAndDemoteElders computes the elder set this section should run
// next: a split if both halves qualify, otherwise a refreshed single-section
// elder set if it differs enough from the current one to be worth a new DKG
// round (§4.4, §4.6).
func (n *Node) promoteAndDemoteElders(excluded map[xor.Name]bool) []*elderCandidateSet {
	if ours, other := n.trySplit(excluded); ours != nil {
		return []*elderCandidateSet{ours, other}
	}

	n.mu.Lock()
	sap := n.sap.Value
	n.mu.Unlock()

	mature := n.members.Mature()
	expected := membership.ElderCandidates(mature, constants.ElderSize, sap.Prefix, excluded)
	expectedSet := make(map[xor.Name]bool, len(expected))
	for _, name := range expected {
		expectedSet[name] = true
	}
	current := sap.ElderNames()
	same := len(current) == len(expected)
	if same {
		for _, name := range current {
			if !expectedSet[name] {
				same = false
				break
			}
		}
	}
	if same {
		return nil
	}
	if len(expected) < constants.Supermajority(len(current)) {
		n.log.Debugw("ignoring elder refresh that would shrink the elder set below supermajority",
			"current", len(current), "expected", len(expected))
		return nil
	}

	return []*elderCandidateSet{{Prefix: sap.Prefix, Elders: expected}}
}

// startElderDKG kicks off a DKG round for a prospective elder set, using the
// current elder shares as the resharing basis so the new key stays linked to
// the section's existing distributed key (§4.5).
func (n *Node) startElderDKG(set *elderCandidateSet) (dkg.SessionID, error) {
	n.mu.Lock()
	sap := n.sap.Value
	voter := n.voter
	generation := n.nextGeneration(set.Prefix)
	n.mu.Unlock()
	if voter == nil {
		return dkg.SessionID{}, fmt.Errorf("node: not an elder, cannot start an elder DKG round")
	}

	candidates := make([]dkg.Candidate, 0, len(set.Elders))
	for _, name := range set.Elders {
		addr, ok := n.addrFor(name)
		if !ok {
			return dkg.SessionID{}, fmt.Errorf("node: no known address for elder candidate %s", name.Short())
		}
		key, ok := n.keyFor(name)
		if !ok {
			return dkg.SessionID{}, fmt.Errorf("node: no known key for elder candidate %s", name.Short())
		}
		candidates = append(candidates, dkg.Candidate{Name: name, Addr: addr, Key: key})
	}

	id := dkg.SessionID{Prefix: set.Prefix, Generation: generation}
	oldThreshold := sap.PublicKeySet.Threshold()
	if err := voter.Start(id, candidates, sap.PublicKeySet.Commits, oldThreshold); err != nil {
		return dkg.SessionID{}, err
	}
	return id, nil
}

// nextGeneration picks a DKG generation counter higher than any this node
// has already seen for prefix, so a retried round is distinguishable from a
// stale one (§4.5's supersession rule).
func (n *Node) nextGeneration(prefix xor.Prefix) uint64 {
	return uint64(n.chain.Len())
}

// keyFor resolves a known peer's public key, needed to seed a DKG session's
// candidate list. It is learned opportunistically from NodeAuth traffic
// (learnPeerKey), since NodeState itself carries an address but not a key;
// an elder candidate this section has never exchanged a message with
// cannot yet be a DKG participant.
func (n *Node) keyFor(name xor.Name) (kyber.Point, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key, ok := n.peerKeys[name]
	return key, ok
}

// commitElderChange finishes a completed elder DKG round: builds the new
// SAP, chain-links its key under the old section's signature, installs it,
// and (unless this node is no longer an elder) adopts the new share.
func (n *Node) commitElderChange(set *elderCandidateSet, outcome *dkg.Outcome) error {
	n.mu.Lock()
	oldSAP := n.sap.Value
	chain := n.chain
	n.mu.Unlock()

	elders := make(map[xor.Name]string, len(set.Elders))
	for _, name := range set.Elders {
		addr, ok := n.addrFor(name)
		if !ok {
			return fmt.Errorf("node: no known address for new elder %s", name.Short())
		}
		elders[name] = addr
	}
	newSAP := section.SAP{Prefix: set.Prefix, Elders: elders, PublicKeySet: outcome.PublicKeySet}
	if err := newSAP.Validate(); err != nil {
		return fmt.Errorf("node: new SAP invalid: %w", err)
	}
	newKey := newSAP.SigningKey()

	linkDigest, err := newKey.MarshalBinary()
	if err != nil {
		return fmt.Errorf("node: marshal new section key: %w", err)
	}
	linkSig, err := n.proposeAndSign(linkDigest)
	if err != nil {
		return fmt.Errorf("node: sign chain link to new section key: %w", err)
	}
	if err := chain.Insert(oldSAP.SigningKey(), newKey, linkSig); err != nil {
		return fmt.Errorf("node: extend chain to new section key: %w", err)
	}

	sapDigest, err := newSAP.Digest()
	if err != nil {
		return fmt.Errorf("node: digest new SAP: %w", err)
	}
	sapSig, err := n.proposeAndSign(sapDigest)
	if err != nil {
		return fmt.Errorf("node: sign new SAP: %w", err)
	}
	signedSAP := section.SectionAuth[section.SAP]{Value: newSAP, SigningKey: newKey, Signature: sapSig}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := n.network.Insert(signedSAP, chain); err != nil {
		return fmt.Errorf("node: install new SAP: %w", err)
	}
	n.sap = signedSAP
	n.members.PruneNotMatching(set.Prefix)

	becameElder := false
	if _, ok := elders[n.Name()]; ok {
		n.elderShare = outcome.PrivateShare
		n.stage = StageElder
		becameElder = true
	} else {
		n.elderShare = nil
		n.stage = StageAdult
	}
	delete(n.pendingElderDKG, set.Prefix.String())
	if becameElder {
		go n.startElderMaintenance()
	}

	n.log.Infow("elder set updated", "prefix", set.Prefix.String(), "elders", len(elders))
	return nil
}

// startElderMaintenance launches the periodic split/refresh evaluation loop
// for as long as this node keeps serving as an elder, idempotently: calling
// it twice while already running is a no-op.
func (n *Node) startElderMaintenance() {
	n.mu.Lock()
	if n.elderMaintStop != nil {
		n.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	n.elderMaintStop = stop
	n.mu.Unlock()

	go n.runElderMaintenance(stop)
}

// stopElderMaintenance halts the loop started by startElderMaintenance,
// called once this node is no longer an elder (demoted, or its section
// split it away).
func (n *Node) stopElderMaintenance() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.elderMaintStop != nil {
		close(n.elderMaintStop)
		n.elderMaintStop = nil
	}
}

// runElderMaintenance periodically checks whether the section should split
// or refresh its elder set, starts a DKG round for any decision not already
// in flight, and commits the result once that round completes (§4.4, §4.6).
func (n *Node) runElderMaintenance(stop chan struct{}) {
	ticker := n.clock.NewTicker(constants.ElderMaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			n.tickElderMaintenance()
		}
	}
}

func (n *Node) tickElderMaintenance() {
	n.mu.Lock()
	stage := n.stage
	n.mu.Unlock()
	if stage != StageElder {
		n.stopElderMaintenance()
		return
	}

	for _, set := range n.promoteAndDemoteElders(nil) {
		key := set.Prefix.String()

		n.mu.Lock()
		id, pending := n.pendingElderDKG[key]
		n.mu.Unlock()

		if !pending {
			startedID, err := n.startElderDKG(set)
			if err != nil {
				n.log.Debugw("elder DKG round did not start", "prefix", key, "err", err)
				continue
			}
			n.mu.Lock()
			n.pendingElderDKG[key] = startedID
			n.mu.Unlock()
			continue
		}

		outcome, phase, err := n.voter.Outcome(id)
		if err != nil {
			n.log.Debugw("elder DKG outcome lookup failed", "prefix", key, "err", err)
			continue
		}
		switch phase {
		case dkg.PhaseComplete:
			if err := n.commitElderChange(set, outcome); err != nil {
				n.log.Errorw("failed to commit elder change", "prefix", key, "err", err)
			}
			n.mu.Lock()
			delete(n.pendingElderDKG, key)
			n.mu.Unlock()
		case dkg.PhaseFailed:
			n.log.Debugw("elder DKG round failed, will retry", "prefix", key)
			n.mu.Lock()
			delete(n.pendingElderDKG, key)
			n.mu.Unlock()
		}
	}
}
