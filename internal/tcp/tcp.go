// Package tcp implements the per-connection TCP state machine: segment
// encode/decode, the accept/connect/close transitions, one outstanding
// data segment per connection, and retransmission on the periodic tick.
package tcp

import (
	"log/slog"

	"github.com/nanoip/nanoip/internal/inetchecksum"
	"github.com/nanoip/nanoip/internal/ipv4"
	"github.com/nanoip/nanoip/internal/metrics"
	"github.com/nanoip/nanoip/internal/netaddr"
	"github.com/nanoip/nanoip/internal/oal"
	"github.com/nanoip/nanoip/internal/packet"
	"github.com/nanoip/nanoip/internal/status"
)

const (
	headerLen = 20

	flagFIN uint8 = 1 << 0
	flagSYN uint8 = 1 << 1
	flagRST uint8 = 1 << 2
	flagPSH uint8 = 1 << 3
	flagACK uint8 = 1 << 4
	flagURG uint8 = 1 << 5

	ephemeralStart uint32 = 10000
	ephemeralEnd   uint32 = 65535
)

// State is a connection's position in the TCP state machine.
type State uint8

const (
	Closed State = iota
	Idle
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Idle:
		return "idle"
	case Listen:
		return "listen"
	case SynSent:
		return "syn_sent"
	case SynReceived:
		return "syn_received"
	case Established:
		return "established"
	case FinWait1:
		return "fin_wait_1"
	case FinWait2:
		return "fin_wait_2"
	case CloseWait:
		return "close_wait"
	case Closing:
		return "closing"
	case LastAck:
		return "last_ack"
	case TimeWait:
		return "time_wait"
	}
	return "unknown"
}

// Event is delivered to a handle's Callback as the connection progresses.
type Event uint8

const (
	EventConnected Event = iota
	EventAccepted
	EventRX
	EventTX
	EventTxFailed
	EventClosed
	EventConnectTimeout
	EventAcceptFailed
)

// Disposition is a received-segment callback's verdict on buffer ownership.
type Disposition uint8

const (
	Release Disposition = iota
	Keep
)

// Callback receives connection lifecycle events. b is non-nil only for
// EventRX, carrying the received payload.
type Callback func(h *Handle, ev Event, st status.Status, b *packet.Buffer) Disposition

// AcceptFunc is invoked when a SYN arrives on a listening handle. It must
// return a fresh handle in Idle state to become the accepted connection, or
// nil to refuse (e.g. accept queue full).
type AcceptFunc func() *Handle

// Capability bits a driver declares for the TCP layer.
type Capability uint8

const (
	CapChecksumCheck Capability = 1 << iota
)

// CapsProvider exposes a driver's TCP-layer capability bits.
type CapsProvider interface {
	TCPCapabilities() Capability
}

// Handle is one TCP connection or listener.
type Handle struct {
	mod *Module

	localIP   netaddr.IPv4
	localPort uint16
	peerIP    netaddr.IPv4
	peerPort  uint16

	state        State
	stateTracked bool
	sndSeq       uint32
	rcvAck       uint32

	ipv4 *ipv4.Handle

	lastTxPacket *packet.Buffer
	lastTxCursor int // buffer cursor (payload end) at time of original send
	lastTxSeq    uint32
	lastTxFlags  uint8
	retries      int

	deadlineMs int64

	accept AcceptFunc
	cb     Callback
}

// State returns the handle's current state.
func (h *Handle) State() State { return h.state }

// LocalAddr returns the handle's bound local (ip, port).
func (h *Handle) LocalAddr() (netaddr.IPv4, uint16) { return h.localIP, h.localPort }

// PeerAddr returns the handle's connected peer (ip, port); zero when not
// connected.
func (h *Handle) PeerAddr() (netaddr.IPv4, uint16) { return h.peerIP, h.peerPort }

// Module is the per-interface TCP layer: the handle pool, ephemeral port
// allocator, and segment codec.
type Module struct {
	log     *slog.Logger
	ipv4Mod *ipv4.Module
	alloc   packet.Allocator
	clock   oal.Clock
	caps    CapsProvider
	ifIPv4  netaddr.IPv4

	window         uint16
	maxRetries     int
	stateTimeoutMs int64

	ephemeralNext uint32
	handles       []*Handle
	label         string
}

// SetLabel attaches the owning interface's name as the "iface" label on
// every metric this module emits.
func (m *Module) SetLabel(name string) { m.label = name }

// setState records a handle's state transition and keeps
// metrics.TCPConnections in step: the previous state's gauge is
// decremented (once it has actually been counted) and the new one
// incremented.
func (m *Module) setState(h *Handle, s State) {
	if h.state == s {
		return
	}
	if m.label != "" {
		if h.stateTracked {
			metrics.TCPConnections.WithLabelValues(m.label, h.state.String()).Dec()
		}
		metrics.TCPConnections.WithLabelValues(m.label, s.String()).Inc()
		h.stateTracked = true
	}
	h.state = s
}

// New constructs the TCP layer bound to one interface.
func New(log *slog.Logger, alloc packet.Allocator, ipv4Mod *ipv4.Module, clock oal.Clock, caps CapsProvider, ifIPv4 netaddr.IPv4, window uint16, maxRetries int, stateTimeoutMs int64) *Module {
	m := &Module{
		log:            log,
		ipv4Mod:        ipv4Mod,
		alloc:          alloc,
		clock:          clock,
		caps:           caps,
		ifIPv4:         ifIPv4,
		window:         window,
		maxRetries:     maxRetries,
		stateTimeoutMs: stateTimeoutMs,
		ephemeralNext:  ephemeralStart,
	}
	ipv4Mod.Register(ipv4.ProtoTCP, m)
	return m
}

func (m *Module) allocEphemeral() uint16 {
	now := m.clock.GetMsCounter()
	offset := uint32(now%7) + 1
	port := m.ephemeralNext
	m.ephemeralNext += offset
	if m.ephemeralNext > ephemeralEnd {
		m.ephemeralNext = ephemeralStart
	}
	return uint16(port)
}

func (m *Module) addrInUse(exclude *Handle, ip netaddr.IPv4, port uint16) bool {
	for _, h := range m.handles {
		if h == exclude || h.state == Closed {
			continue
		}
		if h.localPort == port && (h.localIP == ip || h.localIP == netaddr.Zero || ip == netaddr.Zero) {
			return true
		}
	}
	return false
}

// Open allocates a handle in Idle state, binding localPort (ephemeral when
// 0) to localIP.
func (m *Module) Open(localIP netaddr.IPv4, localPort uint16, cb Callback) (*Handle, status.Status) {
	if localPort == 0 {
		localPort = m.allocEphemeral()
	} else if m.addrInUse(nil, localIP, localPort) {
		return nil, status.AddressInUse
	}
	h := &Handle{mod: m, localIP: localIP, localPort: localPort, cb: cb}
	m.setState(h, Idle)
	h.ipv4 = m.ipv4Mod.NewHandle(func(status.Status) {})
	m.handles = append(m.handles, h)
	return h, status.OK
}

// Bind rebinds h's local (ip, port) while it is still Idle.
func (m *Module) Bind(h *Handle, ip netaddr.IPv4, port uint16) status.Status {
	if h.state != Idle {
		return status.InvalidTCPState
	}
	if port == 0 {
		port = m.allocEphemeral()
	} else if m.addrInUse(h, ip, port) {
		return status.AddressInUse
	}
	h.localIP = ip
	h.localPort = port
	return status.OK
}

// Listen transitions h to Listen. accept is invoked for every inbound SYN
// to obtain the child handle that will carry the new connection.
func (m *Module) Listen(h *Handle, accept AcceptFunc) status.Status {
	if h.state != Idle {
		return status.InvalidTCPState
	}
	h.accept = accept
	m.setState(h, Listen)
	return status.OK
}

// Connect requires Idle, sends SYN, and transitions to SynSent with a
// 500ms-class deadline.
func (m *Module) Connect(h *Handle, peerIP netaddr.IPv4, peerPort uint16) status.Status {
	if h.state != Idle {
		return status.InvalidTCPState
	}
	h.peerIP = peerIP
	h.peerPort = peerPort
	h.sndSeq = uint32(m.clock.GetMsCounter())
	m.setState(h, SynSent)
	h.deadlineMs = m.clock.GetMsCounter() + m.stateTimeoutMs

	seq := h.sndSeq
	h.sndSeq++
	return m.sendControl(h, flagSYN, seq, 0)
}

// Close is a forced close: from Established it sends FIN|ACK and then
// forces CLOSED at once, without awaiting the peer's half of the
// teardown; from any other non-Idle state it forces CLOSED immediately. Unacknowledged data is not drained first — a deliberate
// divergence from RFC 793's graceful shutdown.
func (m *Module) Close(h *Handle) status.Status {
	switch h.state {
	case Closed:
		return status.OK
	case Idle, Listen:
		m.setState(h, Closed)
		return status.OK
	case Established:
		seq := h.sndSeq
		h.sndSeq++
		m.sendControl(h, flagFIN|flagACK, seq, h.rcvAck)
		m.forceClose(h, status.OK)
		return status.OK
	default:
		m.forceClose(h, status.OK)
		return status.OK
	}
}

// SendPacket transmits b (payload already written past the reserved
// header) as a PSH|ACK segment. Only one segment may be outstanding at a
// time.
func (m *Module) SendPacket(h *Handle, b *packet.Buffer, onSent func(status.Status)) status.Status {
	if h.lastTxPacket != nil {
		return status.Busy
	}
	if h.state != Established {
		return status.InvalidTCPState
	}

	payloadEnd := b.Cursor()
	dataLen := payloadEnd - ipv4.PayloadOffset - headerLen
	if dataLen < 0 {
		dataLen = 0
	}

	seq := h.sndSeq
	b.SetFlag(packet.FlagKeep)
	h.lastTxPacket = b
	h.lastTxCursor = payloadEnd
	h.lastTxSeq = seq
	h.lastTxFlags = flagPSH | flagACK

	st := m.transmit(h, b, flagPSH|flagACK, seq, h.rcvAck, payloadEnd, onSent)
	switch st {
	case status.OK, status.InProgress:
		h.sndSeq += uint32(dataLen)
		h.retries = 0
		h.deadlineMs = m.clock.GetMsCounter() + m.stateTimeoutMs
	default:
		h.lastTxPacket = nil
		b.ClearFlag(packet.FlagKeep)
	}
	return st
}

// sendControl transmits a zero-payload control segment (SYN, SYN|ACK, ACK,
// FIN|ACK, RST...) with explicit seq/ack fields.
func (m *Module) sendControl(h *Handle, flags uint8, seq, ack uint32) status.Status {
	b := AllocatePacket(m.alloc, 0)
	if b == nil {
		return status.ResourceExhausted
	}
	return m.transmit(h, b, flags, seq, ack, b.Cursor(), func(status.Status) {})
}

func (m *Module) transmit(h *Handle, b *packet.Buffer, flags uint8, seq, ack uint32, payloadEnd int, onSent func(status.Status)) status.Status {
	headerStart := ipv4.PayloadOffset

	b.SetCursor(headerStart)
	b.WriteU16(h.localPort)
	b.WriteU16(h.peerPort)
	b.WriteU32(seq)
	b.WriteU32(ack)
	b.WriteU8(5 << 4) // data offset = 5 words, no options
	b.WriteU8(flags)
	b.WriteU16(m.window)
	csOff := b.Cursor()
	b.WriteU16(0) // checksum placeholder
	b.WriteU16(0) // urgent pointer

	sum := m.checksum(h.localIP, h.peerIP, b.Data()[headerStart:payloadEnd])
	b.SetCursor(csOff)
	b.WriteU16(sum)
	b.SetCursor(payloadEnd)

	return h.ipv4.Send(h.peerIP, ipv4.ProtoTCP, b, onSent)
}

func (m *Module) checksum(srcIP, dstIP netaddr.IPv4, segment []byte) uint16 {
	var pseudo [12]byte
	pseudo[0], pseudo[1], pseudo[2], pseudo[3] = byte(srcIP>>24), byte(srcIP>>16), byte(srcIP>>8), byte(srcIP)
	pseudo[4], pseudo[5], pseudo[6], pseudo[7] = byte(dstIP>>24), byte(dstIP>>16), byte(dstIP>>8), byte(dstIP)
	pseudo[9] = ipv4.ProtoTCP
	pseudo[10] = byte(len(segment) >> 8)
	pseudo[11] = byte(len(segment))

	sum := inetchecksum.Accumulate(0, pseudo[:])
	sum = inetchecksum.Accumulate(sum, segment)
	return inetchecksum.Finish(sum)
}

// AllocatePacket reserves Ethernet, IPv4, and TCP header space for a
// payload of payloadBytes.
func AllocatePacket(alloc packet.Allocator, payloadBytes int) *packet.Buffer {
	b := ipv4.AllocatePacket(alloc, headerLen+payloadBytes)
	if b == nil {
		return nil
	}
	b.Skip(headerLen)
	return b
}

func (m *Module) emit(h *Handle, ev Event, st status.Status, b *packet.Buffer) Disposition {
	if h.cb == nil {
		return Release
	}
	return h.cb(h, ev, st, b)
}

func (m *Module) forceClose(h *Handle, st status.Status) {
	m.setState(h, Closed)
	if h.lastTxPacket != nil {
		h.lastTxPacket.Release()
		h.lastTxPacket = nil
	}
	h.ipv4.CancelSend()
	m.emit(h, EventClosed, st, nil)
}

func (m *Module) sendRST(h *Handle) {
	m.sendControl(h, flagRST|flagACK, h.sndSeq, h.rcvAck)
}

// seqGT reports a > b using RFC 793 modular sequence-space comparison,
// correct across 32-bit wraparound.
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }

// seqLE is the complement of seqGT.
func seqLE(a, b uint32) bool { return !seqGT(a, b) }

// RxIPv4 implements ipv4.ProtocolHandler.
func (m *Module) RxIPv4(srcIP, dstIP netaddr.IPv4, proto uint8, b *packet.Buffer) status.Status {
	if b.Count() < headerLen {
		return status.PacketTooShort
	}
	base := b.Cursor()
	segLen := b.Count()
	srcPort := b.ReadU16()
	dstPort := b.ReadU16()
	seq := b.ReadU32()
	ack := b.ReadU32()
	offsetReserved := b.ReadU8()
	flags := b.ReadU8()
	b.ReadU16() // window (receiver-side flow control not implemented)
	checksum := b.ReadU16()
	b.ReadU16() // urgent pointer

	dataOffset := int(offsetReserved>>4) * 4
	if dataOffset < headerLen || dataOffset > segLen {
		return status.IgnorePacket
	}

	caps := m.caps.TCPCapabilities()
	if caps&CapChecksumCheck == 0 {
		if checksum != 0 {
			segment := b.Data()[base : base+segLen]
			if m.checksum(srcIP, dstIP, segment) != 0 {
				return status.InvalidChecksum
			}
		}
	}
	if optionsLen := dataOffset - headerLen; optionsLen > 0 {
		b.Consume(optionsLen)
	}

	h := m.match(dstIP, dstPort, srcIP, srcPort)
	if h == nil {
		return status.IgnorePacket
	}

	if flags&flagRST != 0 && h.state != Listen && h.state != Idle {
		m.forceClose(h, status.ConnectionReset)
		return status.OK
	}

	if h.state != Listen && h.state != Idle {
		if ack != h.sndSeq {
			if seqGT(ack, h.sndSeq) {
				m.sendRST(h)
				m.forceClose(h, status.Failure)
				return status.OK
			}
			return status.IgnorePacket
		}
	}

	m.dispatch(h, srcIP, srcPort, dstIP, dstPort, seq, ack, flags, b)
	return status.OK
}

// match implements the two-pass lookup: a full 4-tuple match (an accepted
// or connected handle) takes priority over a local-port-only match against
// a listener.
func (m *Module) match(localIP netaddr.IPv4, localPort uint16, peerIP netaddr.IPv4, peerPort uint16) *Handle {
	for _, h := range m.handles {
		if h.state == Closed || h.state == Idle || h.state == Listen {
			continue
		}
		if h.localPort == localPort && h.peerPort == peerPort && h.localIP == localIP && h.peerIP == peerIP {
			return h
		}
	}
	for _, h := range m.handles {
		if h.state != Listen {
			continue
		}
		if h.localPort == localPort && (h.localIP == localIP || h.localIP == netaddr.Zero) {
			return h
		}
	}
	return nil
}

func (m *Module) dispatch(h *Handle, srcIP netaddr.IPv4, srcPort uint16, dstIP netaddr.IPv4, dstPort uint16, seq, ack uint32, flags uint8, b *packet.Buffer) {
	nowMs := m.clock.GetMsCounter()

	switch h.state {
	case Listen:
		if flags&flagSYN == 0 {
			return
		}
		child := h.accept()
		if child == nil {
			return
		}
		child.localIP, child.localPort = dstIP, dstPort
		child.peerIP, child.peerPort = srcIP, srcPort
		child.sndSeq = uint32(nowMs)
		child.rcvAck = seq + 1
		synAckSeq := child.sndSeq
		child.sndSeq++
		m.setState(child, SynReceived)
		child.deadlineMs = nowMs + m.stateTimeoutMs
		buf := AllocatePacket(m.alloc, 0)
		if buf == nil {
			m.setState(child, Closed)
			return
		}
		m.transmit(child, buf, flagSYN|flagACK, synAckSeq, child.rcvAck, buf.Cursor(), func(status.Status) {})

	case SynSent:
		if flags&flagSYN != 0 && flags&flagACK != 0 {
			h.rcvAck = seq + 1
			m.sendControl(h, flagACK, h.sndSeq, h.rcvAck)
			m.setState(h, Established)
			h.deadlineMs = 0
			m.emit(h, EventConnected, status.OK, nil)
		}

	case SynReceived:
		if flags&flagACK != 0 {
			m.setState(h, Established)
			h.deadlineMs = 0
			m.emit(h, EventAccepted, status.OK, nil)
		}

	case Established:
		payloadLen := b.Count()
		switch {
		case flags&flagPSH != 0 && flags&flagACK != 0 && payloadLen > 0:
			if seq != h.rcvAck {
				return
			}
			h.rcvAck += uint32(payloadLen)
			m.sendControl(h, flagACK, h.sndSeq, h.rcvAck)
			if m.emit(h, EventRX, status.OK, b) == Keep {
				b.Keep()
			}
		case flags&flagACK != 0 && flags&(flagFIN|flagSYN|flagPSH) == 0 && payloadLen == 0 && h.lastTxPacket != nil:
			buf := h.lastTxPacket
			h.lastTxPacket = nil
			buf.Release()
			m.emit(h, EventTX, status.OK, nil)
		case flags&flagFIN != 0 && flags&flagACK != 0:
			h.rcvAck = seq + 1
			m.sendControl(h, flagFIN|flagACK, h.sndSeq, h.rcvAck)
			h.sndSeq++
			m.setState(h, CloseWait)
			h.deadlineMs = nowMs + m.stateTimeoutMs
		}
		// Anything else (a duplicate or keep-alive ACK with nothing
		// outstanding, stray flag combinations) is ignored.

	case CloseWait:
		if flags&flagACK != 0 {
			m.forceClose(h, status.OK)
		}

	case FinWait1:
		switch {
		case flags&flagFIN != 0 && flags&flagACK != 0:
			h.rcvAck = seq + 1
			m.sendControl(h, flagACK, h.sndSeq, h.rcvAck)
			m.setState(h, TimeWait)
			h.deadlineMs = nowMs + m.stateTimeoutMs
		case flags&flagACK != 0:
			m.setState(h, FinWait2)
			h.deadlineMs = nowMs + m.stateTimeoutMs
		}
		// Anything else is ignored; the state deadline covers a stalled
		// teardown.

	case FinWait2:
		if flags&flagFIN != 0 && flags&flagACK != 0 {
			h.rcvAck = seq + 1
			m.sendControl(h, flagACK, h.sndSeq, h.rcvAck)
			m.setState(h, TimeWait)
			h.deadlineMs = nowMs + m.stateTimeoutMs
		}

	default:
		// Closing, LastAck, TimeWait: no transitions are implemented for
		// them, so a segment arriving for one resets the connection.
		m.sendRST(h)
		m.forceClose(h, status.Failure)
	}
}

// Tick drives connect/accept/close timeouts and data retransmission.
func (m *Module) Tick(nowMs int64) {
	for _, h := range m.handles {
		switch h.state {
		case SynSent:
			if h.deadlineMs != 0 && nowMs >= h.deadlineMs {
				m.emitConnectTimeout(h)
			}
		case SynReceived:
			if h.deadlineMs != 0 && nowMs >= h.deadlineMs {
				m.emitAcceptFailed(h, status.Timeout)
			}
		case Established:
			if h.lastTxPacket != nil && h.deadlineMs != 0 && nowMs >= h.deadlineMs {
				h.retries++
				if h.retries >= m.maxRetries {
					buf := h.lastTxPacket
					h.lastTxPacket = nil
					buf.Release()
					if m.label != "" {
						metrics.TCPSegmentsFailed.WithLabelValues(m.label).Inc()
					}
					m.emit(h, EventTxFailed, status.Timeout, nil)
					m.forceClose(h, status.Timeout)
				} else {
					b := h.lastTxPacket
					m.transmit(h, b, h.lastTxFlags, h.lastTxSeq, h.rcvAck, h.lastTxCursor, func(status.Status) {})
					h.deadlineMs = nowMs + m.stateTimeoutMs
					if m.label != "" {
						metrics.TCPRetransmits.WithLabelValues(m.label).Inc()
					}
				}
			}
		case CloseWait, FinWait1, FinWait2, TimeWait:
			if h.deadlineMs != 0 && nowMs >= h.deadlineMs {
				if h.state == CloseWait {
					m.forceClose(h, status.OK)
				} else {
					m.forceClose(h, status.Timeout)
				}
			}
		}
	}
}

func (m *Module) emitAcceptFailed(h *Handle, st status.Status) {
	m.setState(h, Closed)
	m.emit(h, EventAcceptFailed, st, nil)
}

func (m *Module) emitConnectTimeout(h *Handle) {
	m.setState(h, Closed)
	h.ipv4.CancelSend()
	m.emit(h, EventConnectTimeout, status.Timeout, nil)
}
