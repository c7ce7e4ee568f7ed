package dkg

import (
	"sort"

	"github.com/drand/kyber"

	"github.com/sectionmesh/sectiond/common/xor"
)

// Candidate is one participant in a DKG round: its identity and the
// long-term node key it signs round traffic with. A round's candidate
// list is sorted once, by name, so every participant assigns the same
// share index (0-based position in the sorted list) to the same peer.
type Candidate struct {
	Name xor.Name
	Addr string
	Key  kyber.Point
}

// SortCandidates returns candidates sorted into the canonical order every
// participant in a round must agree on before assigning share indices.
func SortCandidates(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.Slice(out, func(i, j int) bool { return out[i].Name.Cmp(out[j].Name) < 0 })
	return out
}

// IndexOf returns the position of name in the canonically sorted
// candidate list, or -1 if name is not a candidate.
func IndexOf(sorted []Candidate, name xor.Name) int {
	for i, c := range sorted {
		if c.Name.Equal(name) {
			return i
		}
	}
	return -1
}
