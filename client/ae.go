package client

import (
	"fmt"
	"sync/atomic"

	"github.com/drand/kyber"

	"github.com/sectionmesh/sectiond/common/section"
	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
	"github.com/sectionmesh/sectiond/internal/sectionchain"
)

// sapDTO and aeBody mirror internal/node's own (unexported) wire shapes for
// a KindAntiEntropy payload field for field: the format is the wire
// contract (§6's self-describing, named-field payload encoding), not a Go
// type either side imports from the other.
type sapDTO struct {
	Prefix     string   `msgpack:"prefix"`
	ElderNames []string `msgpack:"elder_names"`
	ElderAddrs []string `msgpack:"elder_addrs"`
	Commits    [][]byte `msgpack:"commits"`
}

type aeBody struct {
	Kind         string             `msgpack:"kind"`
	SAP          sapDTO             `msgpack:"sap"`
	SAPSignature []byte             `msgpack:"sap_signature"`
	Proof        sectionchain.Proof `msgpack:"proof"`
}

func decodeSAP(group kyber.Group, dto sapDTO) (section.SAP, error) {
	prefix, err := xor.ParsePrefix(dto.Prefix)
	if err != nil {
		return section.SAP{}, fmt.Errorf("client: decode SAP prefix: %w", err)
	}
	elders := make(map[xor.Name]string, len(dto.ElderNames))
	for i, ns := range dto.ElderNames {
		name, err := xor.ParseName(ns)
		if err != nil {
			return section.SAP{}, fmt.Errorf("client: decode SAP elder name: %w", err)
		}
		elders[name] = dto.ElderAddrs[i]
	}
	commits := make([]kyber.Point, len(dto.Commits))
	for i, cb := range dto.Commits {
		p := group.Point()
		if err := p.UnmarshalBinary(cb); err != nil {
			return section.SAP{}, fmt.Errorf("client: decode SAP commit %d: %w", i, err)
		}
		commits[i] = p
	}
	return section.SAP{
		Prefix:       prefix,
		Elders:       elders,
		PublicKeySet: section.NewPublicKeySet(group, commits),
	}, nil
}

// installAE merges an anti-entropy message's proof chain and SAP into this
// session's Prefix Map, the same trust path a node uses for its own AE
// handling (§4.7's "updates its Prefix Map").
func (c *Client) installAE(auth wire.Authenticated) error {
	var body aeBody
	if err := wire.DecodePayload(auth.Payload, &body); err != nil {
		return fmt.Errorf("client: decode AE body: %w", err)
	}

	sap, err := decodeSAP(c.scheme.KeyGroup, body.SAP)
	if err != nil {
		return err
	}
	if err := sap.Validate(); err != nil {
		return fmt.Errorf("client: AE SAP invalid: %w", err)
	}
	proofChain, err := sectionchain.DecodeProof(c.scheme, c.scheme.KeyGroup, body.Proof)
	if err != nil {
		return fmt.Errorf("client: decode AE proof chain: %w", err)
	}
	signedSAP := section.SectionAuth[section.SAP]{Value: sap, SigningKey: sap.SigningKey(), Signature: body.SAPSignature}

	changed, err := c.network.Insert(signedSAP, proofChain)
	if err != nil {
		c.log.Debugw("client: AE SAP rejected", "err", err)
		return nil // an untrusted or stale bounce is not a protocol error
	}
	if changed {
		atomic.AddUint64(&c.netVersion, 1)
		c.log.Infow("client: AE updated section knowledge", "prefix", sap.Prefix.String())
	}
	return nil
}
