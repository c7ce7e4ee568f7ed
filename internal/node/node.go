// Package node implements a section member's own state machine: the
// bootstrap/join handshake, elder and adult duties once joined, elder
// promotion/demotion and section splitting, and the anti-entropy retry
// loop that keeps every peer's section knowledge converging (§4.6).
package node

import (
	"fmt"
	"sync"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"
	clock "github.com/jonboulle/clockwork"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/key"
	"github.com/sectionmesh/sectiond/common/log"
	"github.com/sectionmesh/sectiond/common/section"
	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
	"github.com/sectionmesh/sectiond/internal/dkg"
	"github.com/sectionmesh/sectiond/internal/membership"
	"github.com/sectionmesh/sectiond/internal/prefixmap"
	"github.com/sectionmesh/sectiond/internal/sectionchain"
)

// Stage is where this node sits in its own lifecycle (§4.6).
type Stage int

const (
	// StageBootstrapping: no section contact yet, dialing bootstrap contacts.
	StageBootstrapping Stage = iota
	// StageJoining: a join handshake is in flight with a target section.
	StageJoining
	// StageAdult: joined, not currently an elder.
	StageAdult
	// StageElder: joined and currently serving as one of the section's elders.
	StageElder
)

func (s Stage) String() string {
	switch s {
	case StageBootstrapping:
		return "bootstrapping"
	case StageJoining:
		return "joining"
	case StageAdult:
		return "adult"
	case StageElder:
		return "elder"
	default:
		return fmt.Sprintf("node.Stage(%d)", int(s))
	}
}

// Sender is the outbound half of the transport a Node is built on top of;
// internal/endpoint supplies the real implementation, tests supply an
// in-memory one.
type Sender interface {
	Send(addr string, msg wire.Message) error
}

// Node is one running section member.
type Node struct {
	mu sync.Mutex

	log    log.Logger
	scheme *bls.Scheme
	keys   *key.Pair
	sender Sender
	clock  clock.Clock

	stage Stage

	// Section state, valid once past StageJoining.
	chain   *sectionchain.Chain
	sap     section.SectionAuth[section.SAP]
	members *membership.Peers
	network *prefixmap.Map

	voter      *dkg.Voter
	elderShare *share.PriShare // this node's share of the section's current distributed key, set once it is an elder
	proposals  map[string]*proposalAggregator

	aeCache            *aeCache
	joinCtrl           *joinController
	resourceChallenges *resourceChallengeStore

	// peerKeys caches the long-term public key behind every name this node
	// has exchanged a NodeAuth message with, learned opportunistically
	// (handleNodeAuth) since NodeState carries an address but not a key.
	peerKeys map[xor.Name]kyber.Point

	// pendingElderDKG tracks the one elder-refresh/split DKG round this
	// node has in flight per resulting prefix, so runElderMaintenance
	// doesn't start a second round for a decision it already made.
	pendingElderDKG map[string]dkg.SessionID
	elderMaintStop  chan struct{}

	age uint8
}

// Config bundles everything New needs to construct a Node.
type Config struct {
	Log               log.Logger
	Scheme            *bls.Scheme
	Keys              *key.Pair
	Sender            Sender
	BootstrapContacts []string
	// GenesisKey is the network-wide root of trust, required unless First is
	// set (in which case this node mints it itself via a trivial 1-of-1 DKG).
	GenesisKey kyber.Point
	First      bool
	// Clock drives the elder-maintenance and join-retry loops; defaults to
	// the real wall clock. Tests inject a clockwork.FakeClock to make those
	// loops deterministic.
	Clock clock.Clock
}

// New constructs a Node in StageBootstrapping, or, if cfg.First is set,
// directly as the sole elder of a freshly genesis-keyed section.
func New(cfg Config) (*Node, error) {
	cfgClock := cfg.Clock
	if cfgClock == nil {
		cfgClock = clock.NewRealClock()
	}
	n := &Node{
		log:                cfg.Log,
		scheme:             cfg.Scheme,
		keys:               cfg.Keys,
		sender:             cfg.Sender,
		clock:              cfgClock,
		members:            membership.New(cfg.Scheme),
		proposals:          make(map[string]*proposalAggregator),
		aeCache:            newAECache(),
		resourceChallenges: newResourceChallengeStore(),
		peerKeys:           make(map[xor.Name]kyber.Point),
		pendingElderDKG:    make(map[string]dkg.SessionID),
		age:                1,
	}

	if !cfg.First {
		if cfg.GenesisKey == nil {
			return nil, fmt.Errorf("node: GenesisKey is required unless First is set")
		}
		chain, err := sectionchain.New(cfg.Scheme, cfg.GenesisKey)
		if err != nil {
			return nil, fmt.Errorf("node: genesis chain: %w", err)
		}
		network, err := prefixmap.New(cfg.Scheme, cfg.GenesisKey)
		if err != nil {
			return nil, fmt.Errorf("node: genesis prefix map: %w", err)
		}
		n.chain = chain
		n.network = network
		n.stage = StageBootstrapping
		n.joinCtrl = newJoinController(n, cfg.BootstrapContacts)
		return n, nil
	}

	self := dkg.Candidate{Name: cfg.Keys.Public.Name, Addr: cfg.Keys.Public.Addr, Key: cfg.Keys.Public.Key}
	n.voter = dkg.NewVoter(cfg.Scheme, self, cfg.Keys.Private, &dkgBroadcaster{node: n})

	id := dkg.SessionID{Prefix: xor.EmptyPrefix(), Generation: 0}
	if err := n.voter.Start(id, []dkg.Candidate{self}, nil, 0); err != nil {
		return nil, fmt.Errorf("node: genesis DKG: %w", err)
	}
	outcome, phase, err := n.voter.Outcome(id)
	if err != nil {
		return nil, fmt.Errorf("node: genesis DKG outcome: %w", err)
	}
	if phase != dkg.PhaseComplete {
		return nil, fmt.Errorf("node: genesis DKG did not complete as a single-candidate round")
	}
	n.elderShare = outcome.PrivateShare

	genesisKey := outcome.PublicKeySet.PublicKey()
	chain, err := sectionchain.New(cfg.Scheme, genesisKey)
	if err != nil {
		return nil, fmt.Errorf("node: genesis chain: %w", err)
	}
	network, err := prefixmap.New(cfg.Scheme, genesisKey)
	if err != nil {
		return nil, fmt.Errorf("node: genesis prefix map: %w", err)
	}
	n.chain = chain
	n.network = network
	n.stage = StageElder
	n.age = 1

	genesisSAP := section.SAP{
		Prefix:       xor.EmptyPrefix(),
		Elders:       map[xor.Name]string{self.Name: self.Addr},
		PublicKeySet: outcome.PublicKeySet,
	}
	if err := genesisSAP.Validate(); err != nil {
		return nil, fmt.Errorf("node: genesis SAP invalid: %w", err)
	}
	sapDigest := mustDigestSAP(genesisSAP)
	sapSig, err := cfg.Scheme.SignShare(n.elderShare, sapDigest)
	if err != nil {
		return nil, fmt.Errorf("node: self-sign genesis SAP: %w", err)
	}
	sapSigRecovered, err := cfg.Scheme.Recover(genesisSAP.PublicKeySet.Poly(), sapDigest, [][]byte{prependIndex(n.elderShare.I, sapSig)}, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("node: recover genesis SAP signature: %w", err)
	}
	n.sap = section.SectionAuth[section.SAP]{Value: genesisSAP, SigningKey: genesisKey, Signature: sapSigRecovered}
	if _, err := n.network.Insert(n.sap, nil); err != nil {
		return nil, fmt.Errorf("node: seed genesis prefix map: %w", err)
	}

	ns := section.NodeState{Peer: cfg.Keys.Public.Name, Addr: cfg.Keys.Public.Addr, Age: n.age, State: section.Joined}
	nsDigest := mustDigestNodeState(ns)
	nsSig, err := cfg.Scheme.SignShare(n.elderShare, nsDigest)
	if err != nil {
		return nil, fmt.Errorf("node: self-sign genesis NodeState: %w", err)
	}
	nsSigRecovered, err := cfg.Scheme.Recover(genesisSAP.PublicKeySet.Poly(), nsDigest, [][]byte{prependIndex(n.elderShare.I, nsSig)}, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("node: recover genesis NodeState signature: %w", err)
	}
	signedNs := section.SectionAuth[section.NodeState]{Value: ns, SigningKey: genesisKey, Signature: nsSigRecovered}
	if _, err := n.members.Update(chain, signedNs); err != nil {
		return nil, fmt.Errorf("node: seed genesis membership: %w", err)
	}

	n.startElderMaintenance()
	return n, nil
}

// prependIndex encodes a threshold share index ahead of its raw bytes, the
// layout github.com/drand/kyber/sign/tbls expects when recovering.
func prependIndex(index int, raw []byte) []byte {
	buf := make([]byte, 2+len(raw))
	buf[0] = byte(index >> 8)
	buf[1] = byte(index)
	copy(buf[2:], raw)
	return buf
}

// Stage reports this node's current lifecycle stage.
func (n *Node) Stage() Stage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stage
}

// Name returns this node's own XOR-name.
func (n *Node) Name() xor.Name {
	return n.keys.Public.Name
}

// GenesisKey returns the network's root-of-trust public key this node's
// section chain is anchored on, so a genesis node's shell can record it to
// the well-known contact file for clients and future joiners to read (§6).
func (n *Node) GenesisKey() kyber.Point {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.chain.Genesis()
}

// Snapshot is a point-in-time summary of a node's lifecycle state, for the
// control-plane status surface (internal/endpoint) rather than any internal
// decision path.
type Snapshot struct {
	Stage      Stage
	Prefix     string
	ElderCount int
	Age        uint8
	// JoinError is set once a bootstrap join handshake permanently fails
	// (xerrors.ErrJoinTimeout), nil otherwise.
	JoinError error
}

// Snapshot reports this node's current status.
func (n *Node) Snapshot() Snapshot {
	n.mu.Lock()
	jc := n.joinCtrl
	s := Snapshot{Stage: n.stage, Age: n.age}
	if n.sap.Value.PublicKeySet != nil {
		s.Prefix = n.sap.Value.Prefix.String()
		s.ElderCount = len(n.sap.Value.Elders)
	}
	n.mu.Unlock()

	if jc != nil {
		s.JoinError = jc.LastError()
	}
	return s
}

func mustDigestSAP(sap section.SAP) []byte {
	b, err := sap.Digest()
	if err != nil {
		panic(fmt.Sprintf("node: digest genesis SAP: %v", err))
	}
	return b
}

func mustDigestNodeState(ns section.NodeState) []byte {
	b, err := wire.EncodePayload(ns)
	if err != nil {
		panic(fmt.Sprintf("node: encode genesis NodeState: %v", err))
	}
	return b
}
