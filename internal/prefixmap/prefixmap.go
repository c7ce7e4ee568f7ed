// Package prefixmap implements the network-wide map from XOR-prefix to the
// signed Section Authority Provider that owns it (§3, §4.2): the structure
// every node and client consults to find "who owns this part of the
// address space, and what is their current key".
package prefixmap

import (
	"fmt"
	"sync"

	"github.com/drand/kyber"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/section"
	"github.com/sectionmesh/sectiond/common/xor"
	"github.com/sectionmesh/sectiond/internal/sectionchain"
)

// Map is a concurrency-safe store of one signed SAP per prefix. Reads take
// a read lock; writes are serialized under a write lock (§4.2, §5).
type Map struct {
	mu      sync.RWMutex
	scheme  *bls.Scheme
	genesis kyber.Point
	chain   *sectionchain.Chain // aggregate of every section key ever proven reachable
	entries map[string]section.SectionAuth[section.SAP]
}

// New creates an empty map anchored on the network's genesis key: the only
// key trusted without a chain proof.
func New(scheme *bls.Scheme, genesis kyber.Point) (*Map, error) {
	chain, err := sectionchain.New(scheme, genesis)
	if err != nil {
		return nil, err
	}
	return &Map{
		scheme:  scheme,
		genesis: genesis,
		chain:   chain,
		entries: make(map[string]section.SectionAuth[section.SAP]),
	}, nil
}

func digestSAP(sap section.SAP) ([]byte, error) {
	return sap.Digest()
}

// Insert validates and stores signedSAP, merging proof (the chain segment
// accompanying it, typically from an AE message) into the map's aggregate
// knowledge first. It rejects unless the SAP self-verifies and its signing
// key is reachable on a known chain, or is the genesis key on first insert
// (§4.2). Returns whether the map's contents actually changed.
func (m *Map) Insert(signedSAP section.SectionAuth[section.SAP], proof *sectionchain.Chain) (bool, error) {
	if err := signedSAP.Value.Validate(); err != nil {
		return false, fmt.Errorf("prefixmap: invalid SAP: %w", err)
	}

	digest, err := digestSAP(signedSAP.Value)
	if err != nil {
		return false, err
	}
	if err := section.Verify(m.scheme, digest, signedSAP); err != nil {
		return false, fmt.Errorf("prefixmap: SAP does not self-verify: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if proof != nil {
		if err := m.chain.Merge(proof); err != nil {
			return false, fmt.Errorf("prefixmap: cannot merge proof chain: %w", err)
		}
	}

	if !m.chain.Contains(signedSAP.SigningKey) {
		return false, fmt.Errorf("prefixmap: %w: signing key not reachable on any known chain", ErrUntrustedSAP)
	}

	prefixStr := signedSAP.Value.Prefix.String()

	// Reject (no-op) if any known prefix is a strict extension of the new
	// one: a more specific entry already known wins (§4.2 tiling invariant).
	for existingStr, existing := range m.entries {
		if existingStr == prefixStr {
			continue
		}
		if existing.Value.Prefix.IsExtensionOf(signedSAP.Value.Prefix) {
			return false, nil
		}
	}

	if existing, ok := m.entries[prefixStr]; ok {
		newer, err := m.isNewer(existing.SigningKey, signedSAP.SigningKey)
		if err != nil {
			return false, err
		}
		if !newer {
			// monotonicity: never replace with an older or equal entry.
			return false, nil
		}
	}

	m.entries[prefixStr] = signedSAP

	// Remove any prefix that is a strict ancestor of the new one.
	for existingStr, existing := range m.entries {
		if existingStr == prefixStr {
			continue
		}
		if signedSAP.Value.Prefix.IsExtensionOf(existing.Value.Prefix) {
			delete(m.entries, existingStr)
		}
	}

	return true, nil
}

// isNewer reports whether candidate is reachable strictly after current on
// the aggregate chain (i.e. candidate is a descendant of current), which is
// this map's definition of "newer" (§4.2).
func (m *Map) isNewer(current, candidate kyber.Point) (bool, error) {
	if current.Equal(candidate) {
		return false, nil
	}
	if !m.chain.Contains(current) {
		// we have no record of the old key at all; accept the candidate.
		return true, nil
	}
	path, err := m.chain.PathFrom(candidate)
	if err != nil {
		return false, nil //nolint:nilerr // candidate simply isn't reachable from current
	}
	for _, k := range path {
		if k.Equal(current) {
			return true, nil
		}
	}
	return false, nil
}

// ClosestOrOpposite returns the SAP whose prefix matches name, or, failing
// that, the SAP whose prefix is closest by XOR to name (§4.2). Ties are
// broken by lexicographically smaller prefix (§9 Open Question c).
func (m *Map) ClosestOrOpposite(name xor.Name) (section.SectionAuth[section.SAP], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best section.SectionAuth[section.SAP]
	var bestCenter xor.Name
	found := false

	for _, entry := range m.entries {
		if entry.Value.Prefix.Matches(name) {
			return entry, true
		}
		center := entry.Value.Prefix.Center()
		if !found {
			best, bestCenter, found = entry, center, true
			continue
		}
		switch name.CmpDistance(center, bestCenter) {
		case -1:
			best, bestCenter = entry, center
		case 0:
			if entry.Value.Prefix.String() < best.Value.Prefix.String() {
				best, bestCenter = entry, center
			}
		}
	}
	return best, found
}

// Get returns the exact entry for prefix, if any.
func (m *Map) Get(p xor.Prefix) (section.SectionAuth[section.SAP], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[p.String()]
	return entry, ok
}

// KnownSectionsCount returns the number of distinct sections known.
func (m *Map) KnownSectionsCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// AllEntries returns a snapshot of every known SAP.
func (m *Map) AllEntries() []section.SectionAuth[section.SAP] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]section.SectionAuth[section.SAP], 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// Chain exposes the map's aggregate chain, e.g. so a node can produce a
// minimized proof when answering another peer's AE request.
func (m *Map) Chain() *sectionchain.Chain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chain
}
