package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoip/nanoip/internal/netaddr"
	"github.com/nanoip/nanoip/internal/status"
)

func TestSearchPrefersLongestPrefix(t *testing.T) {
	tbl := NewTable(4)
	require.Equal(t, status.OK, tbl.Add(
		netaddr.MustParseIPv4("192.168.0.0"), netaddr.MustParseIPv4("255.255.255.0"), netaddr.Zero, 1))
	require.Equal(t, status.OK, tbl.Add(
		netaddr.Zero, netaddr.Zero, netaddr.MustParseIPv4("192.168.0.1"), 1))

	e, ok := tbl.Search(netaddr.MustParseIPv4("192.168.0.70"))
	require.True(t, ok)
	assert.Equal(t, netaddr.Zero, e.Gateway, "directly connected route should win over the default gateway")

	e, ok = tbl.Search(netaddr.MustParseIPv4("10.0.0.5"))
	require.True(t, ok)
	assert.Equal(t, netaddr.MustParseIPv4("192.168.0.1"), e.Gateway, "falls back to the default route")
}

func TestSearchNoMatch(t *testing.T) {
	tbl := NewTable(2)
	_, ok := tbl.Search(netaddr.MustParseIPv4("8.8.8.8"))
	assert.False(t, ok)
}

func TestAddFailsWhenFull(t *testing.T) {
	tbl := NewTable(1)
	require.Equal(t, status.OK, tbl.Add(netaddr.Zero, netaddr.Zero, netaddr.Zero, 1))
	assert.Equal(t, status.ResourceExhausted, tbl.Add(netaddr.Zero, netaddr.Zero, netaddr.Zero, 2))
}

func TestRemove(t *testing.T) {
	tbl := NewTable(2)
	dest := netaddr.MustParseIPv4("10.0.0.0")
	mask := netaddr.MustParseIPv4("255.0.0.0")
	require.Equal(t, status.OK, tbl.Add(dest, mask, netaddr.Zero, 1))
	assert.Equal(t, status.OK, tbl.Remove(dest, mask, 1))
	_, ok := tbl.Search(netaddr.MustParseIPv4("10.1.1.1"))
	assert.False(t, ok)
}
