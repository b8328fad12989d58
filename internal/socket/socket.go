// Package socket maps the event-driven UDP/TCP core onto a
// blocking/non-blocking/poll surface: a fixed pool of sockets wrapping a
// UDP or TCP handle, each with an event flag set a translator callback
// raises on RX/TX/ERR, plus a small pool of poll records for multiplexed
// waits.
package socket

import (
	"strconv"
	"time"

	"github.com/nanoip/nanoip/internal/config"
	"github.com/nanoip/nanoip/internal/metrics"
	"github.com/nanoip/nanoip/internal/netaddr"
	"github.com/nanoip/nanoip/internal/oal"
	"github.com/nanoip/nanoip/internal/packet"
	"github.com/nanoip/nanoip/internal/status"
	"github.com/nanoip/nanoip/internal/tcp"
	"github.com/nanoip/nanoip/internal/udp"
)

// Event bits a socket's flag set carries.
const (
	EvRX uint32 = 1 << iota
	EvTX
	EvErr
)

// Kind distinguishes a socket's underlying handle type.
type Kind uint8

const (
	KindUDP Kind = iota
	KindTCP
)

// Endpoint is an (ipv4, port) pair, the socket-layer analog of a sockaddr.
type Endpoint struct {
	IP   netaddr.IPv4
	Port uint16
}

type datagram struct {
	from Endpoint
	data []byte
}

type segment struct {
	data []byte
	off  int
}

// Socket is a pooled wrapper around one UDP or TCP handle.
type Socket struct {
	mgr         *Manager
	id          int
	kind        Kind
	inUse       bool
	nonBlocking bool
	released    bool
	flags       *oal.Flags

	udpMod    *udp.Module
	udpHandle *udp.Handle

	tcpMod    *tcp.Module
	tcpHandle *tcp.Handle

	rxDatagrams []datagram
	rxSegments  []*segment

	poll *PollRecord

	parent        *Socket
	acceptPending []*Socket
	accepted      []*Socket
	maxChildren   int
	childCount    int
}

// ID returns the socket's pool index.
func (skt *Socket) ID() int { return skt.id }

// Kind returns whether the socket wraps a UDP or TCP handle.
func (skt *Socket) Kind() Kind { return skt.kind }

// TCPState returns the underlying TCP handle's state; only meaningful for
// KindTCP sockets.
func (skt *Socket) TCPState() tcp.State {
	if skt.tcpHandle == nil {
		return tcp.Closed
	}
	return skt.tcpHandle.State()
}

func (skt *Socket) observeQueueDepth() {
	metrics.SocketRxQueueDepth.WithLabelValues(strconv.Itoa(skt.id)).Set(float64(len(skt.rxDatagrams) + len(skt.rxSegments)))
}

func (skt *Socket) signal(bit uint32) {
	skt.flags.Set(bit)
	if skt.poll != nil {
		skt.poll.flags.Set(bit)
	}
}

// PollRecord is one claimed slot in the poll pool: the set of sockets
// currently bound to it signal its own flag set on any event, so a single
// Wait call can multiplex across many sockets.
type PollRecord struct {
	id    int
	inUse bool
	flags *oal.Flags
}

// PollRequest pairs a socket with the events the caller is interested in.
type PollRequest struct {
	Socket *Socket
	Events uint32
}

// PollResult reports which of a PollRequest's events were actually ready.
type PollResult struct {
	Socket *Socket
	Events uint32
}

// Manager owns the fixed-capacity socket and poll-record pools, and the
// stack mutex every socket operation serializes against.
type Manager struct {
	alloc packet.Allocator
	mu    *oal.Mutex

	sockets     []*Socket
	pollRecords []*PollRecord
}

// NewManager constructs a socket layer over alloc, sized per cfg, sharing
// mu with the rest of the stack (interface tasks, driver callbacks) so
// every external entry point and callback is strictly serialized.
func NewManager(cfg *config.Config, alloc packet.Allocator, mu *oal.Mutex) *Manager {
	m := &Manager{alloc: alloc, mu: mu}
	m.sockets = make([]*Socket, cfg.MaxSockets)
	for i := range m.sockets {
		m.sockets[i] = &Socket{mgr: m, id: i}
	}
	m.pollRecords = make([]*PollRecord, cfg.MaxPollRecords)
	for i := range m.pollRecords {
		m.pollRecords[i] = &PollRecord{id: i, flags: oal.NewFlags()}
	}
	return m
}

// wait releases the stack mutex for the duration of a flag wait and
// reacquires it before returning, the suspension-point contract every
// blocking socket operation follows.
func (m *Manager) wait(tok oal.Token, flags *oal.Flags, mask uint32, timeout time.Duration) uint32 {
	m.mu.Unlock(tok)
	bits := flags.Wait(mask, timeout)
	m.mu.Lock(tok)
	return bits
}

func (m *Manager) allocSocket(kind Kind, nonBlocking bool) (*Socket, status.Status) {
	for _, s := range m.sockets {
		if s.inUse {
			continue
		}
		s.inUse = true
		s.released = false
		s.kind = kind
		s.nonBlocking = nonBlocking
		s.flags = oal.NewFlags()
		s.udpMod, s.udpHandle = nil, nil
		s.tcpMod, s.tcpHandle = nil, nil
		s.rxDatagrams = nil
		s.rxSegments = nil
		s.poll = nil
		s.parent = nil
		s.acceptPending = nil
		s.accepted = nil
		s.maxChildren = 0
		s.childCount = 0
		return s, status.OK
	}
	return nil, status.ResourceExhausted
}

// NewUDPSocket allocates a socket over a fresh UDP handle on udpMod.
func (m *Manager) NewUDPSocket(udpMod *udp.Module, nonBlocking bool) (*Socket, status.Status) {
	tok := m.mu.NewToken()
	m.mu.Lock(tok)
	defer m.mu.Unlock(tok)

	skt, st := m.allocSocket(KindUDP, nonBlocking)
	if !st.Ok() {
		return nil, st
	}
	skt.udpMod = udpMod
	skt.udpHandle = udpMod.NewHandle(func(srcIP netaddr.IPv4, srcPort uint16, b *packet.Buffer) udp.Disposition {
		return skt.onUDPRx(srcIP, srcPort, b)
	})
	return skt, status.OK
}

func (skt *Socket) onUDPRx(srcIP netaddr.IPv4, srcPort uint16, b *packet.Buffer) udp.Disposition {
	payload := append([]byte(nil), b.Data()[b.Cursor():b.Cursor()+b.Count()]...)
	skt.rxDatagrams = append(skt.rxDatagrams, datagram{from: Endpoint{IP: srcIP, Port: srcPort}, data: payload})
	skt.observeQueueDepth()
	skt.signal(EvRX)
	return udp.Release
}

// NewTCPSocket allocates a socket over a fresh TCP handle on tcpMod,
// bound to (localIP, localPort) (ephemeral port when 0).
func (m *Manager) NewTCPSocket(tcpMod *tcp.Module, localIP netaddr.IPv4, localPort uint16, nonBlocking bool) (*Socket, status.Status) {
	tok := m.mu.NewToken()
	m.mu.Lock(tok)
	defer m.mu.Unlock(tok)
	return m.newTCPSocketLocked(tcpMod, localIP, localPort, nonBlocking)
}

func (m *Manager) newTCPSocketLocked(tcpMod *tcp.Module, localIP netaddr.IPv4, localPort uint16, nonBlocking bool) (*Socket, status.Status) {
	skt, st := m.allocSocket(KindTCP, nonBlocking)
	if !st.Ok() {
		return nil, st
	}
	skt.tcpMod = tcpMod
	h, st := tcpMod.Open(localIP, localPort, func(h *tcp.Handle, ev tcp.Event, evSt status.Status, b *packet.Buffer) tcp.Disposition {
		return skt.onTCPEvent(ev, evSt, b)
	})
	if !st.Ok() {
		skt.inUse = false
		return nil, st
	}
	skt.tcpHandle = h
	return skt, status.OK
}

func (skt *Socket) onTCPEvent(ev tcp.Event, st status.Status, b *packet.Buffer) tcp.Disposition {
	switch ev {
	case tcp.EventAccepted:
		if skt.parent != nil {
			skt.parent.moveToAccepted(skt)
		}
		skt.signal(EvTX)
	case tcp.EventConnected, tcp.EventTX:
		skt.signal(EvTX)
	case tcp.EventRX:
		payload := append([]byte(nil), b.Data()[b.Cursor():b.Cursor()+b.Count()]...)
		skt.rxSegments = append(skt.rxSegments, &segment{data: payload})
		skt.observeQueueDepth()
		skt.signal(EvRX)
	case tcp.EventAcceptFailed:
		if skt.parent != nil {
			skt.parent.dropChild(skt)
		}
		skt.signal(EvErr)
	case tcp.EventTxFailed, tcp.EventClosed, tcp.EventConnectTimeout:
		skt.signal(EvErr)
	}
	return tcp.Release
}

// acceptChild implements tcp.AcceptFunc for a listening socket: it refuses
// (returns nil) once the configured child limit is reached, otherwise
// allocates a child socket/handle pair and links it onto the
// accept-pending list.
func (parent *Socket) acceptChild() *tcp.Handle {
	if parent.childCount >= parent.maxChildren {
		return nil
	}
	child, st := parent.mgr.newTCPSocketLocked(parent.tcpMod, netaddr.Zero, 0, parent.nonBlocking)
	if !st.Ok() {
		return nil
	}
	child.parent = parent
	parent.acceptPending = append(parent.acceptPending, child)
	parent.childCount++
	return child.tcpHandle
}

func (parent *Socket) moveToAccepted(child *Socket) {
	parent.removePending(child)
	parent.accepted = append(parent.accepted, child)
	parent.signal(EvRX)
}

func (parent *Socket) dropChild(child *Socket) {
	parent.removePending(child)
	parent.childCount--
	child.releaseLocked()
}

func (parent *Socket) removePending(child *Socket) {
	for i, c := range parent.acceptPending {
		if c == child {
			parent.acceptPending = append(parent.acceptPending[:i], parent.acceptPending[i+1:]...)
			return
		}
	}
}

// Bind assigns (ip, port) to the socket's underlying handle.
func (skt *Socket) Bind(ip netaddr.IPv4, port uint16) status.Status {
	m := skt.mgr
	tok := m.mu.NewToken()
	m.mu.Lock(tok)
	defer m.mu.Unlock(tok)

	switch skt.kind {
	case KindUDP:
		return skt.udpMod.Bind(skt.udpHandle, ip, port)
	case KindTCP:
		return skt.tcpMod.Bind(skt.tcpHandle, ip, port)
	default:
		return status.InvalidArg
	}
}

// Listen transitions a TCP socket to LISTEN with a limit of maxChildren
// child sockets. The count drops when a pending child's accept fails; an
// accepted child that is later closed keeps its place in the count.
func (skt *Socket) Listen(maxChildren int) status.Status {
	if skt.kind != KindTCP {
		return status.InvalidArg
	}
	m := skt.mgr
	tok := m.mu.NewToken()
	m.mu.Lock(tok)
	defer m.mu.Unlock(tok)

	skt.maxChildren = maxChildren
	return skt.tcpMod.Listen(skt.tcpHandle, skt.acceptChild)
}

// Accept pops one connection off the listener's accepted queue, blocking
// or returning InProgress per the socket's blocking mode.
func (skt *Socket) Accept() (*Socket, status.Status) {
	m := skt.mgr
	tok := m.mu.NewToken()
	m.mu.Lock(tok)
	defer m.mu.Unlock(tok)

	for {
		if len(skt.accepted) > 0 {
			child := skt.accepted[0]
			skt.accepted = skt.accepted[1:]
			return child, status.OK
		}
		if skt.nonBlocking {
			return nil, status.InProgress
		}
		skt.flags.Clear(EvRX)
		m.wait(tok, skt.flags, EvRX|EvErr, 0)
		if skt.released {
			return nil, status.Failure
		}
	}
}

// Connect drives the underlying TCP handle's connect sequence, blocking
// until ESTABLISHED or failure unless the socket is non-blocking.
func (skt *Socket) Connect(peerIP netaddr.IPv4, peerPort uint16) status.Status {
	if skt.kind != KindTCP {
		return status.InvalidArg
	}
	m := skt.mgr
	tok := m.mu.NewToken()
	m.mu.Lock(tok)
	defer m.mu.Unlock(tok)

	st := skt.tcpMod.Connect(skt.tcpHandle, peerIP, peerPort)
	if !st.Ok() {
		return st
	}
	if skt.nonBlocking {
		return status.InProgress
	}
	skt.flags.Clear(EvTX | EvErr)
	m.wait(tok, skt.flags, EvTX|EvErr, 0)
	if skt.tcpHandle.State() == tcp.Established {
		return status.OK
	}
	return status.Failure
}

// SendTo transmits payload as a single UDP datagram to dst.
func (skt *Socket) SendTo(dst Endpoint, payload []byte) status.Status {
	if skt.kind != KindUDP {
		return status.InvalidArg
	}
	m := skt.mgr
	tok := m.mu.NewToken()
	m.mu.Lock(tok)
	defer m.mu.Unlock(tok)

	for {
		b := udp.AllocatePacket(m.alloc, len(payload))
		if b == nil {
			return status.ResourceExhausted
		}
		b.WriteBytes(payload)

		sendResult := status.OK
		st := skt.udpHandle.Send(dst.IP, dst.Port, b, func(st status.Status) {
			sendResult = st
			skt.signal(EvTX)
		})
		switch st {
		case status.OK:
			return status.OK
		case status.InProgress:
			if skt.nonBlocking {
				return status.InProgress
			}
			skt.flags.Clear(EvTX)
			m.wait(tok, skt.flags, EvTX|EvErr, 0)
			if skt.released {
				return status.Failure
			}
			if !sendResult.Ok() && sendResult != status.InProgress {
				return sendResult
			}
			return status.OK
		case status.Busy:
			b.Release()
			if skt.nonBlocking {
				return status.Busy
			}
			skt.flags.Clear(EvTX)
			m.wait(tok, skt.flags, EvTX|EvErr, 0)
			if skt.released {
				return status.Failure
			}
			continue
		default:
			b.Release()
			return st
		}
	}
}

// Send transmits payload as a single TCP data segment, retrying (blocking
// mode) or failing with Busy (non-blocking) while a previous segment is
// still unacknowledged.
func (skt *Socket) Send(payload []byte) status.Status {
	if skt.kind != KindTCP {
		return status.InvalidArg
	}
	m := skt.mgr
	tok := m.mu.NewToken()
	m.mu.Lock(tok)
	defer m.mu.Unlock(tok)

	for {
		b := tcp.AllocatePacket(m.alloc, len(payload))
		if b == nil {
			return status.ResourceExhausted
		}
		b.WriteBytes(payload)

		st := skt.tcpMod.SendPacket(skt.tcpHandle, b, func(status.Status) { skt.signal(EvTX) })
		switch st {
		case status.OK, status.InProgress:
			return status.OK
		case status.Busy:
			b.Release()
			if skt.nonBlocking {
				return status.Busy
			}
			skt.flags.Clear(EvTX)
			m.wait(tok, skt.flags, EvTX|EvErr, 0)
			if skt.released {
				return status.Failure
			}
			continue
		default:
			b.Release()
			return st
		}
	}
}

// ReceiveFrom consumes exactly one queued datagram into buf. If buf is
// shorter than the queued datagram, the datagram remains queued and
// BufferTooSmall is returned.
func (skt *Socket) ReceiveFrom(buf []byte) (n int, from Endpoint, st status.Status) {
	if skt.kind != KindUDP {
		return 0, Endpoint{}, status.InvalidArg
	}
	m := skt.mgr
	tok := m.mu.NewToken()
	m.mu.Lock(tok)
	defer m.mu.Unlock(tok)

	for {
		if len(skt.rxDatagrams) > 0 {
			dg := skt.rxDatagrams[0]
			if len(buf) < len(dg.data) {
				return 0, Endpoint{}, status.BufferTooSmall
			}
			skt.rxDatagrams = skt.rxDatagrams[1:]
			skt.observeQueueDepth()
			if len(skt.rxDatagrams) == 0 {
				skt.flags.Clear(EvRX)
			}
			n = copy(buf, dg.data)
			return n, dg.from, status.OK
		}
		if skt.nonBlocking {
			return 0, Endpoint{}, status.InProgress
		}
		skt.flags.Clear(EvRX)
		m.wait(tok, skt.flags, EvRX|EvErr, 0)
		if skt.released {
			return 0, Endpoint{}, status.Failure
		}
	}
}

// Receive consumes bytes across queued segments, filling buf or draining
// the queue, whichever comes first. Requires ESTABLISHED.
func (skt *Socket) Receive(buf []byte) (n int, st status.Status) {
	if skt.kind != KindTCP {
		return 0, status.InvalidArg
	}
	m := skt.mgr
	tok := m.mu.NewToken()
	m.mu.Lock(tok)
	defer m.mu.Unlock(tok)

	for {
		for len(skt.rxSegments) > 0 && n < len(buf) {
			seg := skt.rxSegments[0]
			take := copy(buf[n:], seg.data[seg.off:])
			n += take
			seg.off += take
			if seg.off >= len(seg.data) {
				skt.rxSegments = skt.rxSegments[1:]
			}
		}
		if n > 0 {
			skt.observeQueueDepth()
			if len(skt.rxSegments) == 0 {
				skt.flags.Clear(EvRX)
			}
			return n, status.OK
		}
		if skt.tcpHandle.State() != tcp.Established {
			return 0, status.InvalidTCPState
		}
		if skt.nonBlocking {
			return 0, status.InProgress
		}
		skt.flags.Clear(EvRX)
		m.wait(tok, skt.flags, EvRX|EvErr, 0)
		if skt.released {
			return 0, status.Failure
		}
	}
}

// Close releases the socket's underlying handle and returns it to the
// pool. Any concurrent waiter on this socket wakes with Failure.
func (skt *Socket) Close() status.Status {
	m := skt.mgr
	tok := m.mu.NewToken()
	m.mu.Lock(tok)
	defer m.mu.Unlock(tok)

	switch skt.kind {
	case KindUDP:
		if skt.udpHandle != nil {
			skt.udpMod.Unbind(skt.udpHandle)
			skt.udpMod.Release(skt.udpHandle)
		}
	case KindTCP:
		if skt.tcpHandle != nil {
			skt.tcpMod.Close(skt.tcpHandle)
		}
	}
	skt.releaseLocked()
	return status.OK
}

func (skt *Socket) releaseLocked() {
	skt.released = true
	skt.inUse = false
	if skt.poll != nil {
		skt.poll = nil
	}
	skt.flags.Set(EvErr)
}

func readyBits(skt *Socket) uint32 {
	var bits uint32
	switch skt.kind {
	case KindUDP:
		if len(skt.rxDatagrams) > 0 {
			bits |= EvRX
		}
	case KindTCP:
		if len(skt.rxSegments) > 0 || len(skt.accepted) > 0 {
			bits |= EvRX
		}
	}
	return bits | skt.flags.Peek()
}

func evaluatePoll(reqs []PollRequest) ([]PollResult, int) {
	out := make([]PollResult, len(reqs))
	ready := 0
	for i, req := range reqs {
		ret := readyBits(req.Socket) & req.Events
		out[i] = PollResult{Socket: req.Socket, Events: ret}
		if ret != 0 {
			ready++
		}
	}
	return out, ready
}

// Poll claims a poll record, binds it to every socket in reqs for the
// duration of the call, and waits up to timeout (0 means forever) for any
// requested event to become ready. Every socket's poll binding is cleared
// before Poll returns.
func (m *Manager) Poll(reqs []PollRequest, timeout time.Duration) ([]PollResult, status.Status) {
	if len(reqs) == 0 {
		return nil, status.InvalidArg
	}
	tok := m.mu.NewToken()
	m.mu.Lock(tok)
	defer m.mu.Unlock(tok)

	var rec *PollRecord
	for _, r := range m.pollRecords {
		if !r.inUse {
			rec = r
			break
		}
	}
	if rec == nil {
		return nil, status.ResourceExhausted
	}
	rec.inUse = true
	rec.flags.Clear(EvRX | EvTX | EvErr)
	for _, req := range reqs {
		req.Socket.poll = rec
	}
	defer func() {
		for _, req := range reqs {
			if req.Socket.poll == rec {
				req.Socket.poll = nil
			}
		}
		rec.inUse = false
	}()

	out, ready := evaluatePoll(reqs)
	if ready > 0 {
		return out, status.OK
	}

	m.wait(tok, rec.flags, EvRX|EvTX|EvErr, timeout)
	out, _ = evaluatePoll(reqs)
	return out, status.OK
}
