// Package ipv4 implements header encode/decode, checksum validation,
// protocol dispatch, and the outgoing send sequencer that chains route
// lookup, ARP resolution, and Ethernet framing.
package ipv4

import (
	"log/slog"

	"github.com/nanoip/nanoip/internal/arp"
	"github.com/nanoip/nanoip/internal/ethernet"
	"github.com/nanoip/nanoip/internal/inetchecksum"
	"github.com/nanoip/nanoip/internal/netaddr"
	"github.com/nanoip/nanoip/internal/packet"
	"github.com/nanoip/nanoip/internal/route"
	"github.com/nanoip/nanoip/internal/status"
)

const (
	minHeaderLen = 20
	defaultTTL   = 0x80
	verIHL       = 0x45

	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// PayloadOffset is the fixed offset of the IPv4 payload within a Tx buffer
// built by AllocatePacket: the Ethernet header followed by the 20-byte
// IPv4 header (options are never emitted on Tx).
const PayloadOffset = ethernet.HeaderLen + minHeaderLen

// Capability bits an underlying driver declares for the IPv4 layer; this
// is a distinct bitset from ethernet.Capability.
type Capability uint8

const (
	CapChecksumCheck Capability = 1 << iota
	CapAddressCheck
)

// CapsProvider exposes a driver's IPv4-layer capability bits.
type CapsProvider interface {
	IPv4Capabilities() Capability
}

// ProtocolHandler receives fully-validated IPv4 payloads for its
// registered protocol number.
type ProtocolHandler interface {
	RxIPv4(srcIP, dstIP netaddr.IPv4, proto uint8, b *packet.Buffer) status.Status
}

type registration struct {
	proto   uint8
	handler ProtocolHandler
}

type tickReg struct {
	fn func(nowMs int64)
}

// Module is the per-interface IPv4 layer.
type Module struct {
	log    *slog.Logger
	demux  *ethernet.Demux
	arp    *arp.Module
	routes *route.Table
	caps   CapsProvider
	ifMAC  ethernet.Addr
	ifIPv4 netaddr.IPv4

	handlers []registration
	ticks    []tickReg
}

// New constructs the IPv4 layer bound to one interface.
func New(log *slog.Logger, demux *ethernet.Demux, arpMod *arp.Module, routes *route.Table, caps CapsProvider, ifMAC ethernet.Addr, ifIPv4 netaddr.IPv4) *Module {
	return &Module{log: log, demux: demux, arp: arpMod, routes: routes, caps: caps, ifMAC: ifMAC, ifIPv4: ifIPv4}
}

// Register adds a protocol handler keyed by IP protocol number.
func (m *Module) Register(proto uint8, h ProtocolHandler) {
	m.handlers = append(m.handlers, registration{proto: proto, handler: h})
}

// RegisterTick adds a periodic callback invoked on every interface tick.
func (m *Module) RegisterTick(fn func(nowMs int64)) {
	m.ticks = append(m.ticks, tickReg{fn: fn})
}

// Tick invokes every registered periodic callback.
func (m *Module) Tick(nowMs int64) {
	for _, t := range m.ticks {
		t.fn(nowMs)
	}
}

// RxFrame implements ethernet.Handler for EtherTypeIPv4.
func (m *Module) RxFrame(ifaceID int, etherType uint16, b *packet.Buffer) status.Status {
	base := b.Cursor()
	data := b.Data()
	if b.Count() < minHeaderLen {
		return status.IgnorePacket
	}

	verIHLByte := b.ReadU8()
	ihl := int(verIHLByte & 0x0f)
	if ihl < 5 {
		return status.IgnorePacket
	}
	headerLen := ihl * 4

	b.ReadU8() // TOS
	totalLen := b.ReadU16()
	b.ReadU16() // identification
	flagsFrag := b.ReadU16()
	if flagsFrag&0x2000 != 0 || flagsFrag&0x1fff != 0 {
		// MF set, or nonzero fragment offset: fragmentation is unsupported.
		return status.IgnorePacket
	}
	b.ReadU8() // TTL
	proto := b.ReadU8()
	checksum := b.ReadU16()
	srcIP := netaddr.ReadIPv4(b)
	dstIP := netaddr.ReadIPv4(b)

	caps := m.caps.IPv4Capabilities()
	if caps&CapChecksumCheck == 0 {
		if checksum != 0 && inetchecksum.Compute(data[base:base+headerLen]) != 0 {
			return status.InvalidChecksum
		}
	}
	if caps&CapAddressCheck == 0 {
		if dstIP != m.ifIPv4 {
			return status.IgnorePacket
		}
	}

	if optionsLen := headerLen - minHeaderLen; optionsLen > 0 {
		if optionsLen > b.Count() {
			return status.IgnorePacket
		}
		b.Consume(optionsLen)
	}

	// Clip off any Ethernet padding or FCS trailing the declared IPv4
	// total length before handing the buffer to the protocol handler.
	payloadLen := int(totalLen) - headerLen
	if payloadLen < 0 || payloadLen > b.Count() {
		return status.IgnorePacket
	}
	b.SetCount(payloadLen)

	for _, r := range m.handlers {
		if r.proto == proto {
			return r.handler.RxIPv4(srcIP, dstIP, proto, b)
		}
	}
	return status.ProtocolNotFound
}

// Handle owns the single-outstanding-send state for one IPv4 sender
// (a socket's or protocol module's outgoing channel).
type Handle struct {
	mod   *Module
	busy  bool
	errCB func(status.Status)

	pendingBuf   *packet.Buffer
	pendingProto uint8
	pendingDst   netaddr.IPv4
	onSent       func(status.Status)
	arpReq       *arp.Handle
}

// NewHandle constructs a send handle. errCB is invoked asynchronously on
// ARP resolution failure for an in-flight send.
func (m *Module) NewHandle(errCB func(status.Status)) *Handle {
	return &Handle{mod: m, errCB: errCB}
}

// Busy reports whether a previous Send is still awaiting ARP resolution.
func (h *Handle) Busy() bool { return h.busy }

// Send fills b's reserved IPv4 header and routes it toward dstIP. b's
// cursor must be positioned just past the payload (header space already
// reserved via AllocatePacket). Once the next hop resolves, onSent is
// invoked with the Ethernet send status after the frame is handed to the
// driver. When Send returns a status other than OK or InProgress, onSent
// is not invoked; an ARP resolution that fails after Send returned
// InProgress is reported through the handle's errCB, not onSent.
func (h *Handle) Send(dstIP netaddr.IPv4, proto uint8, b *packet.Buffer, onSent func(status.Status)) status.Status {
	if h.busy {
		return status.Busy
	}

	rt, ok := h.mod.routes.Search(dstIP)
	if !ok {
		return status.Failure
	}
	nextHop := dstIP
	if rt.Gateway != netaddr.Zero {
		nextHop = rt.Gateway
	}

	h.pendingBuf, h.pendingProto, h.pendingDst, h.onSent = b, proto, dstIP, onSent

	arpReq, st := h.mod.arp.Request(nextHop, func(arpSt status.Status, mac ethernet.Addr) {
		h.onARPResolved(arpSt, mac)
	})
	switch st {
	case status.OK:
		// Request already invoked the callback synchronously and cleared
		// pending state inside onARPResolved.
		return status.OK
	case status.InProgress:
		h.busy = true
		h.arpReq = arpReq
		return status.InProgress
	default:
		h.clearPending()
		return st
	}
}

// CancelSend abandons a send still waiting on ARP resolution. Cancelling
// the underlying ARP request runs the same failure path as an ARP
// timeout: the pending packet is released and errCB fires with
// status.ARPFailure.
func (h *Handle) CancelSend() {
	if !h.busy {
		return
	}
	if h.arpReq != nil {
		h.mod.arp.Cancel(h.arpReq)
	}
}

func (h *Handle) onARPResolved(st status.Status, mac ethernet.Addr) {
	b, proto, dstIP, onSent := h.pendingBuf, h.pendingProto, h.pendingDst, h.onSent
	h.busy = false
	h.clearPending()

	if !st.Ok() {
		if b != nil {
			b.Release()
		}
		if h.errCB != nil {
			h.errCB(status.ARPFailure)
		}
		return
	}

	sendSt := h.mod.encodeAndSend(b, h.mod.ifIPv4, dstIP, proto, mac)
	if onSent != nil {
		onSent(sendSt)
	}
}

func (h *Handle) clearPending() {
	h.pendingBuf = nil
	h.onSent = nil
}

// encodeAndSend fills the reserved IPv4 header in place and hands the
// frame to Ethernet.
func (m *Module) encodeAndSend(b *packet.Buffer, srcIP, dstIP netaddr.IPv4, proto uint8, dstMAC ethernet.Addr) status.Status {
	payloadEnd := b.Cursor()
	headerStart := ethernet.HeaderLen
	totalLen := uint16(payloadEnd - headerStart)

	if srcIP == netaddr.Zero {
		srcIP = m.ifIPv4
	}

	b.SetCursor(headerStart)
	b.WriteU8(verIHL)
	b.WriteU8(0) // TOS
	b.WriteU16(totalLen)
	b.WriteU16(0) // identification
	b.WriteU16(0) // flags/fragment offset
	b.WriteU8(defaultTTL)
	b.WriteU8(proto)
	checksumOffset := b.Cursor()
	b.WriteU16(0) // checksum placeholder
	netaddr.WriteIPv4(b, srcIP)
	netaddr.WriteIPv4(b, dstIP)

	sum := inetchecksum.Compute(b.Data()[headerStart : headerStart+minHeaderLen])
	b.SetCursor(checksumOffset)
	b.WriteU16(sum)
	b.SetCursor(payloadEnd)

	return m.demux.SendPacket(ethernet.SendHeader{Src: m.ifMAC, Dst: dstMAC, EtherType: ethernet.EtherTypeIPv4}, b)
}

// AllocatePacket reserves Ethernet and IPv4 header space for a payload of
// payloadBytes.
func AllocatePacket(alloc packet.Allocator, payloadBytes int) *packet.Buffer {
	b := ethernet.AllocatePacket(alloc, minHeaderLen+payloadBytes)
	if b == nil {
		return nil
	}
	b.Skip(minHeaderLen)
	return b
}
