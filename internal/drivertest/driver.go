// Package drivertest provides an in-memory loopback driver fulfilling the
// full driver vtable contract, so higher layers and end-to-end scenarios
// can be exercised without a real NIC. It declares no hardware
// capabilities, so every software validation path in the Ethernet/IPv4/TCP
// layers runs exactly as it would against real hardware that does none of
// the work itself.
package drivertest

import (
	"sync"

	"github.com/nanoip/nanoip/internal/ethernet"
	"github.com/nanoip/nanoip/internal/ipv4"
	"github.com/nanoip/nanoip/internal/oal"
	"github.com/nanoip/nanoip/internal/packet"
	"github.com/nanoip/nanoip/internal/phy"
	"github.com/nanoip/nanoip/internal/status"
	"github.com/nanoip/nanoip/internal/tcp"
)

// Driver is a loopback network interface driver: Inject delivers a raw
// frame as if received from the wire, and SendPacket records frames the
// stack transmits for test assertions (or for wiring two Drivers
// back-to-back to form a point-to-point link).
type Driver struct {
	mu sync.Mutex

	alloc packet.Allocator

	signalFlags *oal.Flags
	signalBit   uint32

	started bool

	rxFree  packet.Queue
	rxReady packet.Queue
	txReady packet.Queue
	sent    [][]byte

	onSend func(frame []byte) // optional: wire Inject of a peer Driver
}

// New constructs a loopback driver backed by alloc. Attach must be called
// before Inject/SendPacket will wake a waiting consumer.
func New(alloc packet.Allocator) *Driver {
	return &Driver{alloc: alloc}
}

// Attach wires the driver's completion signal to bit within flags, the
// same flag set the owning interface manager's task waits on — the
// driver-chooses-the-channel, consumer-chooses-the-bit split keeps this
// package from hardcoding a consumer's flag numbering.
func (d *Driver) Attach(flags *oal.Flags, bit uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signalFlags = flags
	d.signalBit = bit
}

func (d *Driver) signal() {
	d.mu.Lock()
	flags, bit := d.signalFlags, d.signalBit
	d.mu.Unlock()
	if flags != nil {
		flags.Set(bit)
	}
}

// Start brings the loopback link up.
func (d *Driver) Start() status.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return status.OK
}

// Stop takes the loopback link down; injected frames are refused until the
// next Start.
func (d *Driver) Stop() status.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return status.OK
}

// GetLinkState reports the loopback link: full-duplex wire speed while
// started, down otherwise.
func (d *Driver) GetLinkState() (phy.LinkState, status.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return phy.LinkDown, status.OK
	}
	return phy.LinkUp1000FD, status.OK
}

// Capabilities implements ethernet.Driver: no hardware capability is
// declared, so the Ethernet layer performs every check itself.
func (d *Driver) Capabilities() ethernet.Capability { return 0 }

// IPv4Capabilities implements ipv4.CapsProvider.
func (d *Driver) IPv4Capabilities() ipv4.Capability { return 0 }

// TCPCapabilities implements tcp.CapsProvider.
func (d *Driver) TCPCapabilities() tcp.Capability { return 0 }

// SendPacket implements ethernet.Driver: the frame is moved onto the
// transmitted-completion queue (as if the hardware had sent it
// immediately) and, if OnSend is wired, forwarded to a peer driver's
// Inject.
func (d *Driver) SendPacket(b *packet.Buffer) status.Status {
	d.mu.Lock()
	d.txReady.Push(b)
	onSend := d.onSend
	frame := append([]byte(nil), b.Data()[:b.Count()]...)
	d.sent = append(d.sent, frame)
	d.mu.Unlock()

	d.signal()
	if onSend != nil {
		onSend(frame)
	}
	return status.OK
}

// AddRxPacket implements ethernet.Driver: b is returned to the free list
// Inject draws from.
func (d *Driver) AddRxPacket(b *packet.Buffer) status.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rxFree.Push(b)
	return status.OK
}

// NextRxPacket implements the driver vtable's next_rx_packet: dequeues one
// completed Rx buffer, or PacketNotFound when none is ready.
func (d *Driver) NextRxPacket() (*packet.Buffer, status.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.rxReady.Pop()
	if b == nil {
		return nil, status.PacketNotFound
	}
	return b, status.OK
}

// NextTxPacket implements the driver vtable's next_tx_packet: dequeues one
// completed Tx buffer, or PacketNotFound when none is ready.
func (d *Driver) NextTxPacket() (*packet.Buffer, status.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.txReady.Pop()
	if b == nil {
		return nil, status.PacketNotFound
	}
	return b, status.OK
}

// ConnectTo wires d's transmitted frames to arrive as l's injected frames,
// forming a point-to-point loopback link between two interfaces.
func (d *Driver) ConnectTo(l *Driver) {
	d.mu.Lock()
	d.onSend = func(frame []byte) { l.Inject(frame) }
	d.mu.Unlock()
}

// Inject delivers frame as a received packet: it claims a free Rx buffer
// primed earlier via AddRxPacket, copies frame into it, and queues it for
// NextRxPacket. Returns ResourceExhausted if the Rx ring has no free
// buffer (the same condition a real NIC would hit dropping the frame).
func (d *Driver) Inject(frame []byte) status.Status {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return status.Failure
	}
	b := d.rxFree.Pop()
	d.mu.Unlock()
	if b == nil {
		return status.ResourceExhausted
	}

	b.SetCursor(0)
	b.SetCount(0)
	b.WriteBytes(frame)
	b.SetCursor(0)

	d.mu.Lock()
	d.rxReady.Push(b)
	d.mu.Unlock()

	d.signal()
	return status.OK
}

// SentFrames returns a copy of every frame handed to SendPacket so far,
// oldest first, independent of the Tx-completion queue that
// NextTxPacket/Manager drains.
func (d *Driver) SentFrames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.sent))
	for i, f := range d.sent {
		out[i] = append([]byte(nil), f...)
	}
	return out
}
