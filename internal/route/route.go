// Package route implements the longest-prefix-match route table.
package route

import (
	"github.com/nanoip/nanoip/internal/netaddr"
	"github.com/nanoip/nanoip/internal/status"
)

// Entry is one route: a destination prefix, its netmask, an optional
// gateway (zero means directly connected), and the owning interface id.
type Entry struct {
	Dest      netaddr.IPv4
	Netmask   netaddr.IPv4
	Gateway   netaddr.IPv4
	Interface int
	inUse     bool
}

// Table is a small fixed-capacity route table searched by longest prefix.
type Table struct {
	entries []Entry
}

// NewTable constructs a table with room for capacity routes. Callers size
// this as at least 2*maxInterfaces+2 to hold each interface's connected
// route, a default gateway, and headroom for static routes.
func NewTable(capacity int) *Table {
	return &Table{entries: make([]Entry, 0, capacity)}
}

// Add installs a static route. Returns ResourceExhausted if the table is
// full.
func (t *Table) Add(dest, netmask, gateway netaddr.IPv4, iface int) status.Status {
	e := Entry{Dest: dest, Netmask: netmask, Gateway: gateway, Interface: iface, inUse: true}
	for i := range t.entries {
		if !t.entries[i].inUse {
			t.entries[i] = e
			return status.OK
		}
	}
	if len(t.entries) == cap(t.entries) {
		return status.ResourceExhausted
	}
	t.entries = append(t.entries, e)
	return status.OK
}

// Remove deletes the route matching dest/netmask/iface exactly.
func (t *Table) Remove(dest, netmask netaddr.IPv4, iface int) status.Status {
	for i := range t.entries {
		e := &t.entries[i]
		if e.inUse && e.Dest == dest && e.Netmask == netmask && e.Interface == iface {
			*e = Entry{}
			return status.OK
		}
	}
	return status.PacketNotFound
}

// Search returns the longest-matching route for addr, or found=false if
// none matches (callers typically fall back to a 0.0.0.0/0 default route
// added separately via Add).
func (t *Table) Search(addr netaddr.IPv4) (Entry, bool) {
	best := -1
	bestLen := -1
	for i := range t.entries {
		e := &t.entries[i]
		if !e.inUse {
			continue
		}
		if addr.Mask(e.Netmask) != e.Dest.Mask(e.Netmask) {
			continue
		}
		l := e.Netmask.PrefixLen()
		if l > bestLen {
			bestLen = l
			best = i
		}
	}
	if best == -1 {
		return Entry{}, false
	}
	return t.entries[best], true
}
