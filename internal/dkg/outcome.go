package dkg

import (
	"github.com/drand/kyber/share"

	"github.com/sectionmesh/sectiond/common/section"
	"github.com/sectionmesh/sectiond/common/xor"
)

// Outcome is what a session hands the node core on success: everything
// needed to assemble the new SAP and to sign with this node's share of it
// (§3, §4.5).
type Outcome struct {
	Session      SessionID
	Elders       map[xor.Name]string
	PublicKeySet *section.PublicKeySet
	ShareIndex   int
	PrivateShare *share.PriShare
}
