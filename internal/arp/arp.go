// Package arp implements the IPv4-over-Ethernet ARP translation table,
// request/response handling, and the pending-request timeout list.
package arp

import (
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/nanoip/nanoip/internal/ethernet"
	"github.com/nanoip/nanoip/internal/metrics"
	"github.com/nanoip/nanoip/internal/netaddr"
	"github.com/nanoip/nanoip/internal/oal"
	"github.com/nanoip/nanoip/internal/packet"
	"github.com/nanoip/nanoip/internal/status"
)

const (
	wireLen    = 28
	hwTypeEth  = 1
	opRequest  = 1
	opResponse = 2
)

// Kind classifies a translation table entry.
type Kind uint8

const (
	Unused Kind = iota
	Static
	Dynamic
)

// Entry is one translation table row.
type Entry struct {
	Kind        Kind
	MAC         ethernet.Addr
	IPv4        netaddr.IPv4
	TimestampMs int64
}

// Callback is invoked exactly once per Request call: on synchronous or
// asynchronous resolution with status.OK and the resolved MAC, or on
// timeout/cancel with a failure status and the zero MAC.
type Callback func(st status.Status, mac ethernet.Addr)

type pendingReq struct {
	ipv4       netaddr.IPv4
	deadlineMs int64
	cb         Callback
	live       bool
}

// Handle references a still-pending request, returned by Request when
// resolution could not complete synchronously.
type Handle struct {
	req *pendingReq
}

// Module is one interface's ARP table, pending-request list, and wire
// codec.
type Module struct {
	log    *slog.Logger
	demux  *ethernet.Demux
	alloc  packet.Allocator
	clock  oal.Clock
	ifMAC  ethernet.Addr
	ifIPv4 netaddr.IPv4

	capacity    int
	validityMs  int64
	requestToMs int64
	entries     []Entry
	pending     []*pendingReq
	inflight    singleflight.Group
	label       string
}

// SetLabel attaches the owning interface's name as the "iface" label on
// every metric this module emits.
func (m *Module) SetLabel(name string) { m.label = name }

func (m *Module) observeTableSize() {
	if m.label != "" {
		metrics.ARPTableEntries.WithLabelValues(m.label).Set(float64(len(m.entries)))
	}
}

// New constructs an ARP module for one interface. Broadcast is
// pre-populated as a static entry so it always short-circuits lookup.
func New(log *slog.Logger, demux *ethernet.Demux, alloc packet.Allocator, clock oal.Clock, ifMAC ethernet.Addr, ifIPv4 netaddr.IPv4, capacity int, validityMs, requestTimeoutMs int64) *Module {
	m := &Module{
		log:         log,
		demux:       demux,
		alloc:       alloc,
		clock:       clock,
		ifMAC:       ifMAC,
		ifIPv4:      ifIPv4,
		capacity:    capacity,
		validityMs:  validityMs,
		requestToMs: requestTimeoutMs,
		entries:     make([]Entry, 0, capacity),
	}
	m.entries = append(m.entries, Entry{Kind: Static, MAC: ethernet.Broadcast, IPv4: netaddr.Broadcast})
	return m
}

func (m *Module) find(ip netaddr.IPv4) int {
	for i := range m.entries {
		if m.entries[i].Kind != Unused && m.entries[i].IPv4 == ip {
			return i
		}
	}
	return -1
}

func (m *Module) validEntry(e *Entry, nowMs int64) bool {
	if e.Kind == Static {
		return true
	}
	if e.Kind == Dynamic {
		return nowMs-e.TimestampMs <= m.validityMs
	}
	return false
}

// upsert adds or refreshes a dynamic entry for ip, following the
// replacement policy: matching entry first, then a free slot, then the
// oldest dynamic entry.
func (m *Module) upsert(ip netaddr.IPv4, mac ethernet.Addr, nowMs int64) {
	if i := m.find(ip); i >= 0 {
		if m.entries[i].Kind == Static {
			return
		}
		m.entries[i].MAC = mac
		m.entries[i].TimestampMs = nowMs
		return
	}
	if len(m.entries) < m.capacity {
		m.entries = append(m.entries, Entry{Kind: Dynamic, MAC: mac, IPv4: ip, TimestampMs: nowMs})
		m.observeTableSize()
		return
	}
	oldest := -1
	for i := range m.entries {
		if m.entries[i].Kind != Dynamic {
			continue
		}
		if oldest == -1 || m.entries[i].TimestampMs < m.entries[oldest].TimestampMs {
			oldest = i
		}
	}
	if oldest >= 0 {
		m.entries[oldest] = Entry{Kind: Dynamic, MAC: mac, IPv4: ip, TimestampMs: nowMs}
	}
}

// Request resolves ip to a MAC address. A valid table entry resolves
// synchronously (the returned Handle is nil); otherwise a wire request is
// sent (collapsed via singleflight.Group if another caller is already
// resolving the same ip), cb fires later from Tick or RxFrame, and the
// returned Handle may be passed to Cancel to abandon it early.
func (m *Module) Request(ip netaddr.IPv4, cb Callback) (*Handle, status.Status) {
	nowMs := m.clock.GetMsCounter()
	if i := m.find(ip); i >= 0 && m.validEntry(&m.entries[i], nowMs) {
		cb(status.OK, m.entries[i].MAC)
		return nil, status.OK
	}

	alreadyPending := false
	for _, p := range m.pending {
		if p.ipv4 == ip {
			alreadyPending = true
			break
		}
	}

	req := &pendingReq{ipv4: ip, deadlineMs: nowMs + m.requestToMs, cb: cb, live: true}
	m.pending = append(m.pending, req)

	if !alreadyPending {
		// singleflight still collapses the rare case of two goroutines
		// racing into Request for the same unresolved ip before either
		// observes the other's pending entry.
		key := ip.String()
		_, _, _ = m.inflight.Do(key, func() (any, error) {
			m.sendRequest(ip)
			return nil, nil
		})
	}
	return &Handle{req: req}, status.InProgress
}

// Cancel removes a still-pending request and invokes its callback with
// failure. A no-op if the request already completed.
func (m *Module) Cancel(h *Handle) {
	if h == nil || h.req == nil || !h.req.live {
		return
	}
	m.removePending(h.req)
	h.req.cb(status.Failure, ethernet.Addr{})
}

func (m *Module) removePending(req *pendingReq) {
	req.live = false
	for i, p := range m.pending {
		if p == req {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

func (m *Module) sendRequest(ip netaddr.IPv4) {
	b := ethernet.AllocatePacket(m.alloc, wireLen)
	if b == nil {
		m.log.Info("arp: out of buffers sending request", "ip", ip)
		return
	}
	encodeWire(b, opRequest, m.ifMAC, m.ifIPv4, ethernet.Addr{}, ip)
	m.demux.SendPacket(ethernet.SendHeader{Src: m.ifMAC, Dst: ethernet.Broadcast, EtherType: ethernet.EtherTypeARP}, b)
	if m.label != "" {
		metrics.ARPRequestsSent.WithLabelValues(m.label).Inc()
	}
}

// Tick expires pending requests past their deadline.
func (m *Module) Tick(nowMs int64) {
	var expired []*pendingReq
	remaining := m.pending[:0]
	for _, p := range m.pending {
		if p.deadlineMs < nowMs {
			expired = append(expired, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	m.pending = remaining
	for _, p := range expired {
		p.live = false
		if m.label != "" {
			metrics.ARPRequestsFailed.WithLabelValues(m.label).Inc()
		}
		p.cb(status.Timeout, ethernet.Addr{})
	}
}

// RxFrame implements ethernet.Handler for EtherTypeARP.
func (m *Module) RxFrame(ifaceID int, etherType uint16, b *packet.Buffer) status.Status {
	if b.Remaining() < wireLen {
		return status.IgnorePacket
	}
	hwType := b.ReadU16()
	protoType := b.ReadU16()
	hwLen := b.ReadU8()
	protoLen := b.ReadU8()
	op := b.ReadU16()
	var senderMAC ethernet.Addr
	copy(senderMAC[:], b.ReadBytes(6))
	senderIP := netaddr.ReadIPv4(b)
	var targetMAC ethernet.Addr
	copy(targetMAC[:], b.ReadBytes(6))
	targetIP := netaddr.ReadIPv4(b)

	if hwType != hwTypeEth || protoType != ethernet.EtherTypeIPv4 || hwLen != ethernet.AddrLen || protoLen != 4 {
		return status.InvalidARPFrame
	}

	nowMs := m.clock.GetMsCounter()

	switch op {
	case opRequest:
		if targetIP != m.ifIPv4 {
			return status.IgnorePacket
		}
		m.upsert(senderIP, senderMAC, nowMs)
		reply := ethernet.AllocatePacket(m.alloc, wireLen)
		if reply == nil {
			return status.ResourceExhausted
		}
		encodeWire(reply, opResponse, m.ifMAC, m.ifIPv4, senderMAC, senderIP)
		m.demux.SendPacket(ethernet.SendHeader{Src: m.ifMAC, Dst: senderMAC, EtherType: ethernet.EtherTypeARP}, reply)
		return status.OK
	case opResponse:
		m.upsert(senderIP, senderMAC, nowMs)
		var matched []*pendingReq
		remaining := m.pending[:0]
		for _, p := range m.pending {
			if p.ipv4 == senderIP {
				matched = append(matched, p)
			} else {
				remaining = append(remaining, p)
			}
		}
		m.pending = remaining
		for _, p := range matched {
			p.live = false
			p.cb(status.OK, senderMAC)
		}
		return status.OK
	default:
		return status.InvalidARPFrame
	}
}

func encodeWire(b *packet.Buffer, op uint16, srcMAC ethernet.Addr, srcIP netaddr.IPv4, dstMAC ethernet.Addr, dstIP netaddr.IPv4) {
	b.WriteU16(hwTypeEth)
	b.WriteU16(ethernet.EtherTypeIPv4)
	b.WriteU8(ethernet.AddrLen)
	b.WriteU8(4)
	b.WriteU16(op)
	b.WriteBytes(srcMAC[:])
	netaddr.WriteIPv4(b, srcIP)
	b.WriteBytes(dstMAC[:])
	netaddr.WriteIPv4(b, dstIP)
}
