// Package key holds per-node (not section) identity: a keypair each peer
// generates for itself, used to self-sign its own NodeState and to
// authenticate NodeAuth-kind wire messages, as distinct from the section's
// BLS threshold key established by DKG.
package key

import (
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/xor"
)

// Identity is the public half of a node's own keypair plus the socket
// address it is reachable at.
type Identity struct {
	Name      xor.Name
	Key       kyber.Point
	Addr      string
	Signature []byte
}

// Pair is a node's private scalar plus its public Identity.
type Pair struct {
	Scheme  *bls.Scheme
	Private kyber.Scalar
	Public  *Identity
}

// NewKeyPair generates a fresh node keypair bound to addr, with Name derived
// by hashing the public key (so identities can't be forged to claim an
// arbitrary XOR-name without also producing the matching key).
func NewKeyPair(scheme *bls.Scheme, addr string) (*Pair, error) {
	private := scheme.KeyGroup.Scalar().Pick(random.New())
	public := scheme.KeyGroup.Point().Mul(private, nil)

	keyBytes, err := public.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("key: marshal public point: %w", err)
	}

	id := &Identity{
		Name: xor.Hash(keyBytes),
		Key:  public,
		Addr: addr,
	}
	pair := &Pair{Scheme: scheme, Private: private, Public: id}
	if err := pair.SelfSign(); err != nil {
		return nil, err
	}
	return pair, nil
}

// digestIdentity is the message an identity signs: its own name and key,
// never the address (addresses may legitimately change on rejoin).
func digestIdentity(id *Identity, scheme *bls.Scheme) ([]byte, error) {
	keyBytes, err := id.Key.MarshalBinary()
	if err != nil {
		return nil, err
	}
	h := scheme.IdentityHash()
	_, _ = h.Write(id.Name[:])
	_, _ = h.Write(keyBytes)
	return h.Sum(nil), nil
}

// SelfSign signs this pair's own Identity with its private key.
func (p *Pair) SelfSign() error {
	digest, err := digestIdentity(p.Public, p.Scheme)
	if err != nil {
		return err
	}
	sig, err := p.Scheme.SignNode(p.Private, digest)
	if err != nil {
		return err
	}
	p.Public.Signature = sig
	return nil
}

// ValidSignature reports whether id's self-signature verifies.
func ValidSignature(scheme *bls.Scheme, id *Identity) error {
	digest, err := digestIdentity(id, scheme)
	if err != nil {
		return err
	}
	return scheme.VerifyNode(id.Key, digest, id.Signature)
}

// Equal reports whether two identities name the same peer at the same address.
func (i *Identity) Equal(o *Identity) bool {
	if i.Addr != o.Addr || !i.Name.Equal(o.Name) {
		return false
	}
	return i.Key.Equal(o.Key)
}

func (i *Identity) String() string {
	return fmt.Sprintf("{%s @ %s}", i.Name.Short(), i.Addr)
}
