// Package sectionchain implements the append-only, verifiable history of a
// section's BLS public keys (§3, §4.3): a DAG rooted at the genesis key
// where every non-root key carries its parent's signature over it.
package sectionchain

import (
	"fmt"

	"github.com/drand/kyber"

	"github.com/sectionmesh/sectiond/common/bls"
)

// link is one non-root entry: a key together with the signature its parent
// produced over it.
type link struct {
	key       kyber.Point
	keyID     string
	parentID  string
	signature []byte
}

// Chain is a section's key history. The zero value is not usable; use New.
type Chain struct {
	scheme *bls.Scheme
	genID  string
	genKey kyber.Point
	links  map[string]*link // keyID -> link, excludes the genesis entry
}

// New creates a chain rooted at genesis. genesis has no parent and no
// signature: it is trusted axiomatically, the way every section's
// well-known genesis key is.
func New(scheme *bls.Scheme, genesis kyber.Point) (*Chain, error) {
	id, err := keyID(genesis)
	if err != nil {
		return nil, err
	}
	return &Chain{
		scheme: scheme,
		genID:  id,
		genKey: genesis,
		links:  make(map[string]*link),
	}, nil
}

func keyID(p kyber.Point) (string, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("sectionchain: marshal key: %w", err)
	}
	return string(b), nil
}

// Genesis returns the chain's root key.
func (c *Chain) Genesis() kyber.Point { return c.genKey }

// Contains reports whether key is present anywhere in the chain.
func (c *Chain) Contains(key kyber.Point) bool {
	id, err := keyID(key)
	if err != nil {
		return false
	}
	return c.contains(id)
}

func (c *Chain) contains(id string) bool {
	if id == c.genID {
		return true
	}
	_, ok := c.links[id]
	return ok
}

// Insert appends newKey with the signature parentKey produced over it.
// Fails with ErrUntrustedKey unless parentKey is already present and the
// signature verifies (§4.3).
func (c *Chain) Insert(parentKey, newKey kyber.Point, signature []byte) error {
	parentID, err := keyID(parentKey)
	if err != nil {
		return err
	}
	if !c.contains(parentID) {
		return fmt.Errorf("%w: parent key not present in chain", ErrUntrustedKey)
	}

	newID, err := keyID(newKey)
	if err != nil {
		return err
	}
	if c.contains(newID) {
		// idempotent: inserting the same key twice is a no-op, not an error.
		return nil
	}

	newKeyBytes, err := newKey.MarshalBinary()
	if err != nil {
		return fmt.Errorf("sectionchain: marshal new key: %w", err)
	}
	if err := c.scheme.VerifyRecovered(parentKey, newKeyBytes, signature); err != nil {
		return fmt.Errorf("%w: parent signature does not verify: %v", ErrUntrustedKey, err)
	}

	c.links[newID] = &link{key: newKey, keyID: newID, parentID: parentID, signature: signature}
	return nil
}

// Merge unions other into c. Both chains must share the same root; any
// signature that fails to verify aborts the merge before any mutation,
// preserving invariants (a)-(c) of §3.
func (c *Chain) Merge(other *Chain) error {
	if c.genID != other.genID {
		return fmt.Errorf("sectionchain: cannot merge chains with different roots")
	}

	// merge into a staged copy so a failure leaves c untouched
	staged := &Chain{scheme: c.scheme, genID: c.genID, genKey: c.genKey, links: make(map[string]*link, len(c.links)+len(other.links))}
	for id, l := range c.links {
		staged.links[id] = l
	}

	// topologically resolve other's links so parents are inserted before children
	pending := make(map[string]*link, len(other.links))
	for id, l := range other.links {
		pending[id] = l
	}
	for len(pending) > 0 {
		progressed := false
		for id, l := range pending {
			if !staged.contains(l.parentID) {
				continue
			}
			if err := staged.insertLink(l); err != nil {
				return err
			}
			delete(pending, id)
			progressed = true
		}
		if !progressed {
			return fmt.Errorf("sectionchain: merge has unreachable entries (broken parent chain)")
		}
	}
	c.links = staged.links
	return nil
}

func (c *Chain) insertLink(l *link) error {
	if c.contains(l.keyID) {
		return nil
	}
	keyBytes, err := l.key.MarshalBinary()
	if err != nil {
		return err
	}
	parent, ok := c.lookup(l.parentID)
	if !ok {
		return fmt.Errorf("%w: parent key not present in chain", ErrUntrustedKey)
	}
	if err := c.scheme.VerifyRecovered(parent, keyBytes, l.signature); err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedKey, err)
	}
	c.links[l.keyID] = &link{key: l.key, keyID: l.keyID, parentID: l.parentID, signature: l.signature}
	return nil
}

func (c *Chain) lookup(id string) (kyber.Point, bool) {
	if id == c.genID {
		return c.genKey, true
	}
	l, ok := c.links[id]
	if !ok {
		return nil, false
	}
	return l.key, true
}

// AllKeys returns every key in the chain, genesis first, in no particular
// order thereafter (callers needing a path use PathFrom).
func (c *Chain) AllKeys() []kyber.Point {
	keys := make([]kyber.Point, 0, len(c.links)+1)
	keys = append(keys, c.genKey)
	for _, l := range c.links {
		keys = append(keys, l.key)
	}
	return keys
}

// Len is the number of keys in the chain (including genesis).
func (c *Chain) Len() int { return len(c.links) + 1 }

// PathFrom returns the chain of keys from genesis down to target,
// inclusive, or an error if target is not in the chain.
func (c *Chain) PathFrom(target kyber.Point) ([]kyber.Point, error) {
	id, err := keyID(target)
	if err != nil {
		return nil, err
	}
	if !c.contains(id) {
		return nil, fmt.Errorf("sectionchain: key not found")
	}
	var path []kyber.Point
	for id != c.genID {
		l, ok := c.links[id]
		if !ok {
			return nil, fmt.Errorf("sectionchain: broken path")
		}
		path = append([]kyber.Point{l.key}, path...)
		id = l.parentID
	}
	path = append([]kyber.Point{c.genKey}, path...)
	return path, nil
}

// Verify reports whether sig over payload was produced by a key reachable
// from some key in trusted, per §4.3.
func (c *Chain) Verify(payload, sig []byte, trusted []kyber.Point) bool {
	for _, t := range trusted {
		tid, err := keyID(t)
		if err != nil {
			continue
		}
		if !c.contains(tid) {
			continue
		}
		for _, k := range c.descendantsOrSelf(tid) {
			if c.scheme.VerifyRecovered(k, payload, sig) == nil {
				return true
			}
		}
	}
	return false
}

func (c *Chain) descendantsOrSelf(id string) []kyber.Point {
	key, ok := c.lookup(id)
	if !ok {
		return nil
	}
	out := []kyber.Point{key}
	for _, l := range c.links {
		if l.parentID == id {
			out = append(out, c.descendantsOrSelf(l.keyID)...)
		}
	}
	return out
}

// Minimize returns the sub-chain from fromKey to the latest key known to
// descend from it, used to truncate AE proofs (§4.3).
func (c *Chain) Minimize(fromKey kyber.Point) (*Chain, error) {
	id, err := keyID(fromKey)
	if err != nil {
		return nil, err
	}
	if !c.contains(id) {
		return nil, fmt.Errorf("sectionchain: key not found")
	}

	sub := &Chain{scheme: c.scheme, genID: id, genKey: fromKey, links: make(map[string]*link)}
	c.collectDescendants(id, sub)
	return sub, nil
}

func (c *Chain) collectDescendants(id string, into *Chain) {
	for linkID, l := range c.links {
		if l.parentID == id {
			into.links[linkID] = l
			c.collectDescendants(linkID, into)
		}
	}
}

// LatestDescendant returns the last key on any path extending from start,
// preferring the longest path (the "latest" key an AE update would use).
func (c *Chain) LatestDescendant(start kyber.Point) (kyber.Point, error) {
	id, err := keyID(start)
	if err != nil {
		return nil, err
	}
	if !c.contains(id) {
		return nil, fmt.Errorf("sectionchain: key not found")
	}
	best := start
	bestDepth := 0
	var walk func(id string, key kyber.Point, depth int)
	walk = func(id string, key kyber.Point, depth int) {
		if depth > bestDepth {
			best = key
			bestDepth = depth
		}
		for linkID, l := range c.links {
			if l.parentID == id {
				walk(linkID, l.key, depth+1)
			}
		}
	}
	walk(id, start, 0)
	return best, nil
}
