// Package netaddr defines the numeric IPv4 address type shared by every
// protocol layer above Ethernet.
package netaddr

import (
	"fmt"
	"net"

	"github.com/nanoip/nanoip/internal/packet"
)

// IPv4 is a 32-bit IPv4 address stored in host byte order for arithmetic
// (masking, comparison); wire encoding is always big-endian.
type IPv4 uint32

// Zero is 0.0.0.0.
const Zero IPv4 = 0

// Broadcast is 255.255.255.255.
const Broadcast IPv4 = 0xffffffff

// ParseIPv4 parses a dotted-quad string.
func ParseIPv4(s string) (IPv4, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("netaddr: invalid IPv4 address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("netaddr: %q is not an IPv4 address", s)
	}
	return IPv4(uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])), nil
}

// MustParseIPv4 panics if s does not parse; used for static configuration.
func MustParseIPv4(s string) IPv4 {
	v, err := ParseIPv4(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (a IPv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

// Mask applies netmask m to a.
func (a IPv4) Mask(m IPv4) IPv4 { return a & m }

// PrefixLen returns the number of leading one bits in m, or -1 if m is not a
// contiguous mask.
func (m IPv4) PrefixLen() int {
	n := 0
	seenZero := false
	for i := 31; i >= 0; i-- {
		bit := (uint32(m) >> uint(i)) & 1
		if bit == 1 {
			if seenZero {
				return -1
			}
			n++
		} else {
			seenZero = true
		}
	}
	return n
}

// ReadIPv4 reads 4 big-endian bytes from the buffer's cursor.
func ReadIPv4(b *packet.Buffer) IPv4 {
	return IPv4(b.ReadU32())
}

// WriteIPv4 writes a at the buffer's cursor in big-endian order.
func WriteIPv4(b *packet.Buffer, a IPv4) {
	b.WriteU32(uint32(a))
}
