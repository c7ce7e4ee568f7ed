// Package membership tracks a section's view of its own peers: the
// Joined/Left/Relocated records that, once signed by a key on the
// section's chain, are authoritative (§3, §4.4).
package membership

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/constants"
	"github.com/sectionmesh/sectiond/common/section"
	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
	"github.com/sectionmesh/sectiond/internal/sectionchain"
)

// Peers is a section's membership table: one record per known name.
type Peers struct {
	mu      sync.RWMutex
	scheme  *bls.Scheme
	records map[xor.Name]section.SectionAuth[section.NodeState]
}

// New creates an empty membership table.
func New(scheme *bls.Scheme) *Peers {
	return &Peers{scheme: scheme, records: make(map[xor.Name]section.SectionAuth[section.NodeState])}
}

func digestNodeState(ns section.NodeState) ([]byte, error) {
	return wire.EncodePayload(ns)
}

// Update accepts signed if its signature verifies against a key reachable
// on chain, and either no record exists yet for the name or the new record
// strictly supersedes the old one under the precedence rule in §3. Returns
// whether the table actually changed.
func (p *Peers) Update(chain *sectionchain.Chain, signed section.SectionAuth[section.NodeState]) (bool, error) {
	if !chain.Contains(signed.SigningKey) {
		return false, fmt.Errorf("membership: signing key not on known chain")
	}
	digest, err := digestNodeState(signed.Value)
	if err != nil {
		return false, err
	}
	if err := section.Verify(p.scheme, digest, signed); err != nil {
		return false, fmt.Errorf("membership: signature does not verify: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	name := signed.Value.Peer
	current, ok := p.records[name]
	if !ok {
		p.records[name] = signed
		return true, nil
	}

	if current.SigningKey.Equal(signed.SigningKey) {
		if !section.SupersedesAtEqualKey(current.Value.State, signed.Value.State) {
			return false, nil
		}
		p.records[name] = signed
		return true, nil
	}

	// different signing keys: the record signed by the key further along
	// the chain wins.
	path, err := chain.PathFrom(signed.SigningKey)
	if err != nil {
		return false, nil //nolint:nilerr // candidate key isn't even on the chain we trust
	}
	newIsNewer := false
	for _, k := range path {
		if k.Equal(current.SigningKey) {
			newIsNewer = true
			break
		}
	}
	if !newIsNewer {
		return false, nil
	}
	p.records[name] = signed
	return true, nil
}

// PruneNotMatching drops every record whose name does not fall under
// prefix, used immediately after a split settles the new, narrower prefix.
func (p *Peers) PruneNotMatching(prefix xor.Prefix) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name := range p.records {
		if !prefix.Matches(name) {
			delete(p.records, name)
		}
	}
}

// Joined returns every record currently in the Joined state.
func (p *Peers) Joined() []section.NodeState {
	return p.filter(func(ns section.NodeState) bool { return ns.State == section.Joined })
}

// Mature returns every Joined record whose age is at least MatureAge.
func (p *Peers) Mature() []section.NodeState {
	return p.filter(func(ns section.NodeState) bool {
		return ns.State == section.Joined && ns.Age >= constants.MatureAge
	})
}

// All returns every record regardless of state.
func (p *Peers) All() []section.NodeState {
	return p.filter(func(section.NodeState) bool { return true })
}

func (p *Peers) filter(pred func(section.NodeState) bool) []section.NodeState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]section.NodeState, 0, len(p.records))
	for _, rec := range p.records {
		if pred(rec.Value) {
			out = append(out, rec.Value)
		}
	}
	return out
}

// ElderCandidates deterministically selects up to size peers from members to
// serve as the next elder set, ranked by age descending, then by XOR
// distance to prefix's center, then by name, skipping any name in excluded
// (§4.4).
func ElderCandidates(members []section.NodeState, size int, prefix xor.Prefix, excluded map[xor.Name]bool) []xor.Name {
	center := prefix.Center()

	candidates := make([]section.NodeState, 0, len(members))
	for _, m := range members {
		if excluded[m.Peer] {
			continue
		}
		candidates = append(candidates, m)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Age != b.Age {
			return a.Age > b.Age
		}
		if cmp := center.CmpDistance(a.Peer, b.Peer); cmp != 0 {
			return cmp < 0
		}
		return a.Peer.Cmp(b.Peer) < 0
	})

	if size > len(candidates) {
		size = len(candidates)
	}
	out := make([]xor.Name, size)
	for i := 0; i < size; i++ {
		out[i] = candidates[i].Peer
	}
	return out
}
