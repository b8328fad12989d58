// Package icmp implements ICMP echo request/reply and an optional ping
// client that issues outgoing echo requests with a retry/backoff
// schedule.
package icmp

import (
	"log/slog"

	"github.com/nanoip/nanoip/internal/inetchecksum"
	"github.com/nanoip/nanoip/internal/ipv4"
	"github.com/nanoip/nanoip/internal/netaddr"
	"github.com/nanoip/nanoip/internal/packet"
	"github.com/nanoip/nanoip/internal/status"
)

const (
	headerLen = 8

	TypeEchoReply   = 0
	TypeEchoRequest = 8
)

// Module answers incoming echo requests and, when enabled, drives an
// outgoing ping client.
type Module struct {
	log    *slog.Logger
	alloc  packet.Allocator
	handle *ipv4.Handle

	pingEnabled bool
	pending     map[uint32]*pingWait
	nextSeq     uint16
}

// New constructs the ICMP module bound to an IPv4 send handle used both
// for echo replies and (if pingEnabled) outgoing echo requests.
func New(log *slog.Logger, alloc packet.Allocator, ipv4Mod *ipv4.Module, pingEnabled bool) *Module {
	m := &Module{log: log, alloc: alloc, pingEnabled: pingEnabled, pending: make(map[uint32]*pingWait)}
	m.handle = ipv4Mod.NewHandle(func(status.Status) {})
	ipv4Mod.Register(ipv4.ProtoICMP, m)
	return m
}

// RxIPv4 implements ipv4.ProtocolHandler.
func (m *Module) RxIPv4(src, dst netaddr.IPv4, proto uint8, b *packet.Buffer) status.Status {
	if b.Count() < headerLen {
		return status.PacketTooShort
	}
	start := b.Cursor()
	full := b.Data()[start : start+b.Count()]
	if inetchecksum.Compute(full) != 0 {
		return status.InvalidChecksum
	}

	typ := b.ReadU8()
	code := b.ReadU8()
	b.ReadU16() // checksum, already validated
	id := b.ReadU16()
	seq := b.ReadU16()
	payload := b.ReadBytes(b.Count())

	switch typ {
	case TypeEchoRequest:
		if code != 0 {
			return status.IgnorePacket
		}
		return m.sendEcho(TypeEchoReply, id, seq, payload, src)
	case TypeEchoReply:
		m.deliverPingReply(src, id, seq)
		return status.OK
	default:
		return status.IgnorePacket
	}
}

func (m *Module) sendEcho(typ uint8, id, seq uint16, payload []byte, dst netaddr.IPv4) status.Status {
	b := ipv4.AllocatePacket(m.alloc, headerLen+len(payload))
	if b == nil {
		return status.ResourceExhausted
	}
	start := b.Cursor()
	b.WriteU8(typ)
	b.WriteU8(0)
	csOff := b.Cursor()
	b.WriteU16(0)
	b.WriteU16(id)
	b.WriteU16(seq)
	b.WriteBytes(payload)

	sum := inetchecksum.Compute(b.Data()[start:b.Cursor()])
	b.SetCursor(csOff)
	b.WriteU16(sum)
	b.SetCursor(start + headerLen + len(payload))

	return m.handle.Send(dst, ipv4.ProtoICMP, b, func(status.Status) {})
}

// pingWait tracks one outstanding ping request awaiting a reply.
type pingWait struct {
	dst    netaddr.IPv4
	onDone func(ok bool)
}

func pingKey(dst netaddr.IPv4, seq uint16) uint32 {
	return uint32(dst)<<16 | uint32(seq)
}

// Ping sends a single echo request identified by id, and invokes onDone
// once a matching reply arrives. Retry/backoff scheduling across multiple
// attempts is the caller's responsibility (see PingClient).
func (m *Module) Ping(dst netaddr.IPv4, id uint16, payload []byte, onDone func(ok bool)) status.Status {
	if !m.pingEnabled {
		return status.InvalidPingRequest
	}
	seq := m.nextSeq
	m.nextSeq++
	m.pending[pingKey(dst, seq)] = &pingWait{dst: dst, onDone: onDone}
	return m.sendEcho(TypeEchoRequest, id, seq, payload, dst)
}

// CancelPing abandons every outstanding echo request toward dst, invoking
// each callback with ok=false. Returns the number of requests cancelled.
func (m *Module) CancelPing(dst netaddr.IPv4) int {
	n := 0
	for key, w := range m.pending {
		if w.dst == dst {
			delete(m.pending, key)
			w.onDone(false)
			n++
		}
	}
	return n
}

func (m *Module) deliverPingReply(src netaddr.IPv4, id, seq uint16) {
	key := pingKey(src, seq)
	w, ok := m.pending[key]
	if !ok {
		return
	}
	delete(m.pending, key)
	w.onDone(true)
}
