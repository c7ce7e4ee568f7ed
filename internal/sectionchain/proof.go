package sectionchain

import (
	"fmt"

	"github.com/drand/kyber"

	"github.com/sectionmesh/sectiond/common/bls"
)

// ProofLink is one wire-friendly chain entry: a child key together with the
// signature its parent produced over it.
type ProofLink struct {
	ParentKey []byte `msgpack:"parent_key"`
	ChildKey  []byte `msgpack:"child_key"`
	Signature []byte `msgpack:"signature"`
}

// Proof is a wire-friendly rendering of a Chain (or a minimized slice of
// one), exchanged in AE messages and join approvals (§4.3, §4.6).
type Proof struct {
	Genesis []byte      `msgpack:"genesis"`
	Links   []ProofLink `msgpack:"links"`
}

// EncodeProof flattens c's genesis key and every link's kyber points into
// their marshaled bytes.
func EncodeProof(c *Chain) (Proof, error) {
	genBytes, err := c.genKey.MarshalBinary()
	if err != nil {
		return Proof{}, fmt.Errorf("sectionchain: marshal genesis key: %w", err)
	}
	proof := Proof{Genesis: genBytes, Links: make([]ProofLink, 0, len(c.links))}
	for _, l := range c.links {
		parent, ok := c.lookup(l.parentID)
		if !ok {
			return Proof{}, fmt.Errorf("sectionchain: broken link while encoding proof")
		}
		parentBytes, err := parent.MarshalBinary()
		if err != nil {
			return Proof{}, err
		}
		childBytes, err := l.key.MarshalBinary()
		if err != nil {
			return Proof{}, err
		}
		proof.Links = append(proof.Links, ProofLink{ParentKey: parentBytes, ChildKey: childBytes, Signature: l.signature})
	}
	return proof, nil
}

// DecodeProof rebuilds a Chain from proof, topologically inserting links so
// every parent is known before its child is verified.
func DecodeProof(scheme *bls.Scheme, group kyber.Group, proof Proof) (*Chain, error) {
	genesis := group.Point()
	if err := genesis.UnmarshalBinary(proof.Genesis); err != nil {
		return nil, fmt.Errorf("sectionchain: decode proof genesis: %w", err)
	}
	c, err := New(scheme, genesis)
	if err != nil {
		return nil, err
	}

	pending := proof.Links
	for len(pending) > 0 {
		progressed := false
		next := pending[:0]
		for _, l := range pending {
			parent := group.Point()
			if err := parent.UnmarshalBinary(l.ParentKey); err != nil {
				return nil, fmt.Errorf("sectionchain: decode proof parent key: %w", err)
			}
			if !c.Contains(parent) {
				next = append(next, l)
				continue
			}
			child := group.Point()
			if err := child.UnmarshalBinary(l.ChildKey); err != nil {
				return nil, fmt.Errorf("sectionchain: decode proof child key: %w", err)
			}
			if err := c.Insert(parent, child, l.Signature); err != nil {
				return nil, fmt.Errorf("sectionchain: insert proof link: %w", err)
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("sectionchain: proof has unreachable links (broken parent chain)")
		}
		pending = next
	}
	return c, nil
}
