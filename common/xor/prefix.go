package xor

import (
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Prefix is a bit-string of 0-256 bits matching the set of names sharing
// that prefix. Prefixes form a binary tree rooted at the empty prefix, which
// matches every name.
type Prefix struct {
	bitCount uint
	name     Name // only the first bitCount bits are meaningful
}

// EmptyPrefix is the root of the prefix tree; it matches every name.
func EmptyPrefix() Prefix {
	return Prefix{}
}

// NewPrefix builds a prefix of bitCount bits taken from name.
func NewPrefix(name Name, bitCount uint) Prefix {
	if bitCount > NameLen*8 {
		bitCount = NameLen * 8
	}
	return Prefix{bitCount: bitCount, name: maskName(name, bitCount)}
}

func maskName(name Name, bitCount uint) Name {
	var out Name
	full := bitCount / 8
	copy(out[:full], name[:full])
	if rem := bitCount % 8; rem > 0 && full < NameLen {
		mask := byte(0xFF << (8 - rem))
		out[full] = name[full] & mask
	}
	return out
}

// BitCount returns the number of significant bits in the prefix.
func (p Prefix) BitCount() uint { return p.bitCount }

// IsEmpty reports whether this is the root (matches everything).
func (p Prefix) IsEmpty() bool { return p.bitCount == 0 }

// Matches reports whether name shares this prefix.
func (p Prefix) Matches(name Name) bool {
	return maskName(name, p.bitCount) == maskName(p.name, p.bitCount)
}

// Bit returns the bit value at the given index within the prefix's own bits.
func (p Prefix) Bit(index uint) bool {
	if index >= p.bitCount {
		return false
	}
	return p.name.Bit(index)
}

// PushBit extends the prefix by one bit, returning the child prefix.
func (p Prefix) PushBit(bit bool) Prefix {
	child := p
	child.bitCount = p.bitCount + 1
	if bit {
		byteIdx := p.bitCount / 8
		bitIdx := 7 - (p.bitCount % 8)
		if byteIdx < NameLen {
			child.name[byteIdx] |= 1 << bitIdx
		}
	}
	return maskedPrefix(child)
}

func maskedPrefix(p Prefix) Prefix {
	p.name = maskName(p.name, p.bitCount)
	return p
}

// Sibling returns the other child of this prefix's parent.
func (p Prefix) Sibling() Prefix {
	if p.bitCount == 0 {
		return p
	}
	parent := p.Parent()
	return parent.PushBit(!p.Bit(p.bitCount - 1))
}

// Parent returns the prefix one bit shorter, or the empty prefix if already empty.
func (p Prefix) Parent() Prefix {
	if p.bitCount == 0 {
		return p
	}
	return NewPrefix(p.name, p.bitCount-1)
}

// IsExtensionOf reports whether p is a strict extension of other, i.e. other
// is an ancestor of p in the prefix tree.
func (p Prefix) IsExtensionOf(other Prefix) bool {
	if p.bitCount <= other.bitCount {
		return false
	}
	return other.Matches(p.name)
}

// IsAncestorOrSelf reports whether other is equal to or extends from p.
func (p Prefix) IsAncestorOrSelf(other Prefix) bool {
	return p.Equal(other) || other.IsExtensionOf(p)
}

// Equal reports structural equality of two prefixes.
func (p Prefix) Equal(o Prefix) bool {
	return p.bitCount == o.bitCount && p.name == o.name
}

// Center returns the name that sits at the arithmetic midpoint of the range
// this prefix covers: all prefix bits as given, then a single 1 bit, then
// zeroes — used to rank candidates by distance to the section's center.
func (p Prefix) Center() Name {
	center := maskName(p.name, p.bitCount)
	if p.bitCount < NameLen*8 {
		byteIdx := p.bitCount / 8
		bitIdx := 7 - (p.bitCount % 8)
		center[byteIdx] |= 1 << bitIdx
	}
	return center
}

// ParsePrefix is the inverse of String: it rebuilds a Prefix from its
// '0'/'1' bit-string rendering, the form prefixes take crossing the wire
// (SAP digests, DKG session IDs, join/AE DTOs) since Prefix's own fields
// aren't exported for msgpack to reflect into directly.
func ParsePrefix(s string) (Prefix, error) {
	if len(s) > NameLen*8 {
		return Prefix{}, fmt.Errorf("xor: prefix string too long: %d bits", len(s))
	}
	p := EmptyPrefix()
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '0':
			p = p.PushBit(false)
		case '1':
			p = p.PushBit(true)
		default:
			return Prefix{}, fmt.Errorf("xor: invalid prefix character %q at index %d", s[i], i)
		}
	}
	return p, nil
}

// String renders the prefix as a string of '0'/'1' characters.
func (p Prefix) String() string {
	var b strings.Builder
	for i := uint(0); i < p.bitCount; i++ {
		if p.Bit(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// EncodeMsgpack and DecodeMsgpack round-trip a Prefix through its bit-string
// form: bitCount/name are unexported, so the default struct codec would
// otherwise see nothing to encode.
func (p Prefix) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeString(p.String())
}

func (p *Prefix) DecodeMsgpack(dec *msgpack.Decoder) error {
	s, err := dec.DecodeString()
	if err != nil {
		return err
	}
	parsed, err := ParsePrefix(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
