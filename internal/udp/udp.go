// Package udp implements the UDP bind table, checksum, and Rx/Tx
// dispatch on top of the IPv4 send sequencer.
package udp

import (
	"log/slog"

	"github.com/nanoip/nanoip/internal/inetchecksum"
	"github.com/nanoip/nanoip/internal/ipv4"
	"github.com/nanoip/nanoip/internal/metrics"
	"github.com/nanoip/nanoip/internal/netaddr"
	"github.com/nanoip/nanoip/internal/packet"
	"github.com/nanoip/nanoip/internal/status"
)

const headerLen = 8

// Disposition is a received-packet callback's verdict on buffer
// ownership, replacing a boolean "release?" return.
type Disposition uint8

const (
	Release Disposition = iota
	Keep
)

// Callback receives a datagram delivered to a bound handle.
type Callback func(srcIP netaddr.IPv4, srcPort uint16, b *packet.Buffer) Disposition

// Handle is one bound (or not-yet-bound) UDP endpoint.
type Handle struct {
	mod       *Module
	ipv4      *ipv4.Handle
	boundIP   netaddr.IPv4
	boundPort uint16
	isBound   bool
	cb        Callback
	onSent    func(status.Status)
}

// Module is the per-interface UDP layer: the bind table and checksum
// policy.
type Module struct {
	log          *slog.Logger
	ipv4Mod      *ipv4.Module
	alloc        packet.Allocator
	ifIPv4       netaddr.IPv4
	checksumOnTx bool
	handles      []*Handle
	label        string
}

// SetLabel attaches the owning interface's name as the "iface" label on
// every metric this module emits.
func (m *Module) SetLabel(name string) { m.label = name }

// New constructs the UDP layer. checksumOnTx controls whether outgoing
// datagrams carry a computed checksum; Rx checksum validation is always
// performed when the segment carries a nonzero checksum field.
func New(log *slog.Logger, alloc packet.Allocator, ipv4Mod *ipv4.Module, ifIPv4 netaddr.IPv4, checksumOnTx bool) *Module {
	m := &Module{log: log, ipv4Mod: ipv4Mod, alloc: alloc, ifIPv4: ifIPv4, checksumOnTx: checksumOnTx}
	ipv4Mod.Register(ipv4.ProtoUDP, m)
	return m
}

// NewHandle allocates an unbound handle backed by its own IPv4 send
// channel. Asynchronous send failures (an ARP timeout after Send returned
// InProgress) complete the pending send's callback with the failure
// status.
func (m *Module) NewHandle(cb Callback) *Handle {
	h := &Handle{mod: m, cb: cb}
	h.ipv4 = m.ipv4Mod.NewHandle(h.completeSend)
	m.handles = append(m.handles, h)
	return h
}

// completeSend fires the in-flight send's completion callback exactly
// once, whether the IPv4 layer reports success or an asynchronous failure.
func (h *Handle) completeSend(st status.Status) {
	done := h.onSent
	h.onSent = nil
	if done != nil {
		done(st)
	}
}

// Bind assigns (ip, port) to h. Fails with AddressInUse if another handle
// already holds the pair.
func (m *Module) Bind(h *Handle, ip netaddr.IPv4, port uint16) status.Status {
	for _, other := range m.handles {
		if other != h && other.isBound && other.boundIP == ip && other.boundPort == port {
			return status.AddressInUse
		}
	}
	h.boundIP = ip
	h.boundPort = port
	h.isBound = true
	return status.OK
}

// Unbind releases h's bound pair; h may be rebound afterward.
func (m *Module) Unbind(h *Handle) status.Status {
	h.isBound = false
	h.boundIP, h.boundPort = netaddr.Zero, 0
	return status.OK
}

// Release removes h from the module entirely, abandoning any send still
// waiting on ARP resolution.
func (m *Module) Release(h *Handle) {
	h.ipv4.CancelSend()
	for i, other := range m.handles {
		if other == h {
			m.handles = append(m.handles[:i], m.handles[i+1:]...)
			return
		}
	}
}

// RxIPv4 implements ipv4.ProtocolHandler.
func (m *Module) RxIPv4(srcIP, dstIP netaddr.IPv4, proto uint8, b *packet.Buffer) status.Status {
	if b.Count() < headerLen {
		return status.PacketTooShort
	}
	start := b.Cursor()
	segLen := b.Count()
	srcPort := b.ReadU16()
	dstPort := b.ReadU16()
	length := b.ReadU16()
	checksum := b.ReadU16()

	if checksum != 0 {
		sum := udpChecksum(srcIP, dstIP, b.Data()[start:start+segLen])
		if sum != 0 {
			return status.InvalidChecksum
		}
	}
	_ = length

	for _, h := range m.handles {
		if !h.isBound || h.boundPort != dstPort {
			continue
		}
		if h.boundIP != netaddr.Zero && h.boundIP != dstIP {
			continue
		}
		if m.label != "" {
			metrics.UDPDatagramsRx.WithLabelValues(m.label).Inc()
		}
		if h.cb == nil {
			return status.OK
		}
		if h.cb(srcIP, srcPort, b) == Keep {
			b.Keep()
		}
		return status.OK
	}
	return status.IgnorePacket
}

// Send transmits payload from h to (dstIP, dstPort). b must already carry
// payload written past the reserved UDP+IPv4+Ethernet header space
// (see AllocatePacket).
func (h *Handle) Send(dstIP netaddr.IPv4, dstPort uint16, b *packet.Buffer, onSent func(status.Status)) status.Status {
	if h.ipv4.Busy() {
		return status.Busy
	}
	h.onSent = onSent
	payloadEnd := b.Cursor()
	headerStart := ipv4.PayloadOffset
	length := uint16(payloadEnd - headerStart)

	b.SetCursor(headerStart)
	b.WriteU16(h.boundPort)
	b.WriteU16(dstPort)
	b.WriteU16(length)
	csOff := b.Cursor()
	b.WriteU16(0)
	b.SetCursor(payloadEnd)

	if h.mod.checksumOnTx {
		srcIP := h.boundIP
		if srcIP == netaddr.Zero {
			srcIP = h.mod.ifIPv4 // IPv4 layer fills the same address when the handle is bound to ANY
		}
		sum := udpChecksum(srcIP, dstIP, b.Data()[headerStart:payloadEnd])
		if sum == 0 {
			sum = 0xffff
		}
		save := b.Cursor()
		b.SetCursor(csOff)
		b.WriteU16(sum)
		b.SetCursor(save)
	}

	return h.ipv4.Send(dstIP, ipv4.ProtoUDP, b, h.completeSend)
}

// AllocatePacket reserves Ethernet, IPv4, and UDP header space for a
// payload of payloadBytes.
func AllocatePacket(alloc packet.Allocator, payloadBytes int) *packet.Buffer {
	b := ipv4.AllocatePacket(alloc, headerLen+payloadBytes)
	if b == nil {
		return nil
	}
	b.Skip(headerLen)
	return b
}

func udpChecksum(srcIP, dstIP netaddr.IPv4, segment []byte) uint16 {
	var pseudo [12]byte
	pseudo[0], pseudo[1], pseudo[2], pseudo[3] = byte(srcIP>>24), byte(srcIP>>16), byte(srcIP>>8), byte(srcIP)
	pseudo[4], pseudo[5], pseudo[6], pseudo[7] = byte(dstIP>>24), byte(dstIP>>16), byte(dstIP>>8), byte(dstIP)
	pseudo[9] = ipv4.ProtoUDP
	pseudo[10] = byte(len(segment) >> 8)
	pseudo[11] = byte(len(segment))

	sum := inetchecksum.Accumulate(0, pseudo[:])
	sum = inetchecksum.Accumulate(sum, segment)
	return inetchecksum.Finish(sum)
}
