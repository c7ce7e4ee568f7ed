package xor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrefixMatches(t *testing.T) {
	var name Name
	name[0] = 0b10110000

	p := NewPrefix(name, 4)
	require.True(t, p.Matches(name))

	var other Name
	other[0] = 0b10111111
	require.True(t, p.Matches(other))

	other[0] = 0b10010000
	require.False(t, p.Matches(other))
}

func TestPrefixPushBitAndParent(t *testing.T) {
	root := EmptyPrefix()
	require.True(t, root.IsEmpty())

	zero := root.PushBit(false)
	one := root.PushBit(true)
	require.Equal(t, uint(1), zero.BitCount())
	require.True(t, zero.Parent().Equal(root))
	require.True(t, one.Sibling().Equal(zero))
}

func TestPrefixIsExtensionOf(t *testing.T) {
	root := EmptyPrefix()
	child := root.PushBit(true)
	grandchild := child.PushBit(false)

	require.True(t, child.IsExtensionOf(root))
	require.True(t, grandchild.IsExtensionOf(root))
	require.False(t, root.IsExtensionOf(child))
	require.True(t, root.IsAncestorOrSelf(grandchild))
}

func TestNameDistanceOrdering(t *testing.T) {
	var ref, a, b Name
	ref[0] = 0x00
	a[0] = 0x01
	b[0] = 0xF0

	require.True(t, ref.Closer(a, b))
}
