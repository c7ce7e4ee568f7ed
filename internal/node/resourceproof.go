package node

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/sectionmesh/sectiond/common/constants"
	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
)

// resourceChallengeDTO is the preimage-search puzzle an elder hands a join
// candidate before admitting it: find a nonce such that
// blake2b(seed || candidate-name || nonce) has at least Difficulty leading
// zero bits, a cheap deterrent against join-flood Sybil attacks (§4.6 step
// 2-3), using the same hash the teacher's identity hashing reaches for
// (common/key/group.go's blake2b.New256).
type resourceChallengeDTO struct {
	Candidate  string `msgpack:"candidate"`
	Seed       []byte `msgpack:"seed"`
	Difficulty uint8  `msgpack:"difficulty"`
}

// resourceProofDTO is the candidate's claimed solution.
type resourceProofDTO struct {
	Candidate string `msgpack:"candidate"`
	Seed      []byte `msgpack:"seed"`
	Nonce     uint64 `msgpack:"nonce"`
}

// resourceChallenge is what the elder side keeps around between issuing a
// challenge and receiving its answer: the challenge itself plus the join
// request it gates, since admission finishes the same handshake.
type resourceChallenge struct {
	dto      resourceChallengeDTO
	req      joinRequestDTO
	issuedAt time.Time
}

func newResourceChallenge(req joinRequestDTO) *resourceChallenge {
	seed := make([]byte, 16)
	_, _ = rand.Read(seed)
	return &resourceChallenge{
		dto: resourceChallengeDTO{
			Candidate:  req.CandidateName,
			Seed:       seed,
			Difficulty: constants.ResourceProofDifficulty,
		},
		req:      req,
		issuedAt: time.Now(),
	}
}

func hashProof(seed []byte, candidate string, nonce uint64) [32]byte {
	buf := make([]byte, 0, len(seed)+len(candidate)+8)
	buf = append(buf, seed...)
	buf = append(buf, candidate...)
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], nonce)
	buf = append(buf, nb[:]...)
	return blake2b.Sum256(buf)
}

func leadingZeroBits(digest [32]byte) int {
	count := 0
	for _, b := range digest {
		if b == 0 {
			count += 8
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<uint(bit)) != 0 {
				return count
			}
			count++
		}
	}
	return count
}

func verifyResourceProof(dto resourceChallengeDTO, proof resourceProofDTO) bool {
	if proof.Candidate != dto.Candidate {
		return false
	}
	digest := hashProof(dto.Seed, dto.Candidate, proof.Nonce)
	return leadingZeroBits(digest) >= int(dto.Difficulty)
}

// resourceChallengeStore tracks outstanding challenges by candidate name, so
// a later resource_proof reply can be matched to what was actually asked.
type resourceChallengeStore struct {
	mu    sync.Mutex
	byKey map[xor.Name]*resourceChallenge
}

func newResourceChallengeStore() *resourceChallengeStore {
	return &resourceChallengeStore{byKey: make(map[xor.Name]*resourceChallenge)}
}

func (s *resourceChallengeStore) store(name xor.Name, c *resourceChallenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[name] = c
}

func (s *resourceChallengeStore) take(name xor.Name) (*resourceChallenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byKey[name]
	if ok {
		delete(s.byKey, name)
	}
	return c, ok
}

// solveResourceChallenge is the candidate side: brute-force the puzzle and
// reply to whichever elder currently anchors our join attempt.
func (n *Node) solveResourceChallenge(dto *resourceChallengeDTO) error {
	if dto == nil {
		return fmt.Errorf("node: resource challenge missing")
	}
	const maxAttempts = 1 << 24
	var nonce uint64
	solved := false
	for nonce = 0; nonce < maxAttempts; nonce++ {
		digest := hashProof(dto.Seed, dto.Candidate, nonce)
		if leadingZeroBits(digest) >= int(dto.Difficulty) {
			solved = true
			break
		}
	}
	if !solved {
		return fmt.Errorf("node: exhausted resource proof search without a solution")
	}

	proof := resourceProofDTO{Candidate: dto.Candidate, Seed: dto.Seed, Nonce: nonce}
	body, err := wire.EncodePayload(proof)
	if err != nil {
		return fmt.Errorf("node: encode resource proof: %w", err)
	}

	n.mu.Lock()
	jc := n.joinCtrl
	n.mu.Unlock()
	if jc == nil {
		return fmt.Errorf("node: no active join controller to answer challenge on")
	}
	addr := jc.currentElderAddr()
	if addr == "" {
		return fmt.Errorf("node: no known elder address to send resource proof to")
	}
	return n.sendNodeAuth(addr, xor.Name{}, PurposeResourceProof, body)
}

func (jc *joinController) currentElderAddr() string {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	targets := jc.currentTargets()
	if len(targets) == 0 {
		return ""
	}
	return targets[0]
}

// handleResourceProof is the elder side: verify the candidate's solution and,
// if it holds, finish admitting it.
func (n *Node) handleResourceProof(auth wire.Authenticated, body []byte) error {
	var proof resourceProofDTO
	if err := wire.DecodePayload(body, &proof); err != nil {
		return fmt.Errorf("node: decode resource proof: %w", err)
	}
	candidateName, err := xor.ParseName(proof.Candidate)
	if err != nil {
		return fmt.Errorf("node: decode resource proof candidate: %w", err)
	}
	challenge, ok := n.resourceChallenges.take(candidateName)
	if !ok {
		return fmt.Errorf("node: no outstanding challenge for %s", candidateName.Short())
	}
	if !verifyResourceProof(challenge.dto, proof) {
		return fmt.Errorf("node: resource proof failed for %s", candidateName.Short())
	}

	candidateKey := n.scheme.KeyGroup.Point()
	if err := candidateKey.UnmarshalBinary(auth.Proof.NodeKey); err != nil {
		return fmt.Errorf("node: decode candidate key: %w", err)
	}
	return n.admitCandidate(challenge.req, candidateName, candidateKey)
}
