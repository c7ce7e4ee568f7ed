// Package wire implements the length-framed, self-describing wire format
// every node and client speaks (§4.1, §6): a fixed-shape header followed by
// a MessagePack-encoded payload, with signature verification wired in so
// downstream code never re-checks an authority proof.
package wire

import (
	"github.com/google/uuid"

	"github.com/sectionmesh/sectiond/common/xor"
)

// Version is the only wire version this build understands; parse rejects
// anything else with ErrUnknownVersion.
const Version uint16 = 1

// MsgID is a 128-bit message identifier. AE-induced resends of the same
// logical message reuse the originating MsgID, which is what lets a
// receiver treat a retry as idempotent (§5 ordering guarantee ii).
type MsgID [16]byte

// NewMsgID returns a fresh random message id.
func NewMsgID() MsgID {
	u := uuid.New()
	var id MsgID
	copy(id[:], u[:])
	return id
}

// MsgKindTag discriminates the header's msg_kind union (§3).
type MsgKindTag uint8

const (
	KindServiceMsg MsgKindTag = iota
	KindNodeAuth
	KindNodeBlsShareAuth
	KindSectionAuth
	KindAntiEntropy
)

// MsgKind carries the per-kind authentication material alongside the tag.
// Exactly one of the pointer fields is populated, matching the tag.
type MsgKind struct {
	Tag MsgKindTag

	// ServiceMsg: client's own signature over the payload.
	ServiceAuth *ServiceAuth
	// NodeAuth: the sending node's own (schnorr) signature.
	NodeAuth *NodeAuth
	// NodeBlsShareAuth: a BLS share signature from one elder, pending aggregation.
	NodeBlsShareAuth *ShareAuth
	// SectionAuth: a full section (threshold-recovered) signature.
	SectionAuth *SectionAuthTag
	// AntiEntropy messages carry no envelope-level auth; their payload holds
	// a section-signed SAP and proof chain, which the AE handler verifies.
}

// ServiceAuth is a client's signature over the service message payload.
type ServiceAuth struct {
	ClientKey []byte // marshaled client public key
	Signature []byte
}

// NodeAuth is a node's own (non-threshold) signature over the payload.
type NodeAuth struct {
	NodeKey   []byte // marshaled node public key
	Signature []byte
}

// ShareAuth is one elder's BLS share signature over the payload, identified
// by its share index so shares from the same epoch can be aggregated.
type ShareAuth struct {
	ShareIndex int
	PublicKey  []byte // marshaled section group public key, for context
	Signature  []byte
}

// SectionAuthTag is a full, already-recovered section signature over the payload.
type SectionAuthTag struct {
	PublicKey []byte // marshaled section group public key
	Signature []byte
}

// LocationTag discriminates DstLocation (§3).
type LocationTag uint8

const (
	LocationNode LocationTag = iota
	LocationSection
	LocationEndUser
)

// DstLocation addresses a wire message to a node, a section, or an external client.
type DstLocation struct {
	Tag LocationTag
	// Name is the target XOR-name: a node's own name for LocationNode, or
	// any name inside the destination section for LocationSection.
	Name xor.Name
	// SectionPK is the destination's last-known section public key
	// (marshaled), used by the AE dispatch pipeline to detect staleness.
	SectionPK []byte
	// EndUserID identifies a client session for LocationEndUser.
	EndUserID MsgID
}

// Header is the fixed-shape envelope carried ahead of every payload (§4.1, §6).
type Header struct {
	Version   uint16
	MsgID     MsgID
	Kind      MsgKind
	Dst       DstLocation
	SrcSecPK  []byte // marshaled source section public key, when the kind carries one
}

// Message is a parsed, not-yet-authenticated wire message: header plus the
// raw payload bytes. Only Authenticated values may be handed to application
// handlers (see verify.go).
type Message struct {
	Header  Header
	Payload []byte
}
