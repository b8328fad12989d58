// Package ethernet implements the Ethernet II demultiplexer: frame
// validation, destination-MAC filtering, ethertype dispatch, and the Tx
// framing/padding/CRC path.
package ethernet

import (
	"hash/crc32"
	"log/slog"

	"github.com/nanoip/nanoip/internal/metrics"
	"github.com/nanoip/nanoip/internal/packet"
	"github.com/nanoip/nanoip/internal/status"
)

const (
	AddrLen      = 6
	HeaderLen    = 14
	MinFrameSize = 60
	FCSLen       = 4

	// goodFCSResidue is what crc32.ChecksumIEEE yields over a frame whose
	// FCS trailer (transmitted least-significant byte first) is included:
	// the classic Ethernet register residue 0xC704DD7B after hash/crc32's
	// reflection and final inversion.
	goodFCSResidue = 0x2144DF1C

	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
)

// Addr is a 6-byte MAC address.
type Addr [AddrLen]byte

var (
	Broadcast = Addr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	Zero      Addr
)

// Capability bits a driver declares to tell the demux which validations or
// framing steps the hardware already performs.
type Capability uint16

const (
	CapMinFrameSize Capability = 1 << iota
	CapCSComputation
	CapCSCheck
	CapFramePadding
	CapDestMACCheck
)

// Driver is the subset of the driver vtable the Ethernet layer calls
// directly: non-blocking send, with capability flags describing what
// validation/framing it performs in hardware.
type Driver interface {
	SendPacket(b *packet.Buffer) status.Status
	AddRxPacket(b *packet.Buffer) status.Status
	Capabilities() Capability
}

// Handler is a registered upper-layer protocol consumer, dispatched by a
// linear ethertype-keyed list.
type Handler interface {
	RxFrame(ifaceID int, etherType uint16, b *packet.Buffer) status.Status
}

type registration struct {
	etherType uint16
	handler   Handler
}

// Demux is one interface's Ethernet demultiplexer instance.
type Demux struct {
	log      *slog.Logger
	iface    int
	mac      Addr
	driver   Driver
	handlers []registration
	ticks    []tickReg
	label    string
}

// SetLabel attaches the owning interface's name as the "iface" label on
// every metric this demux emits.
func (d *Demux) SetLabel(name string) { d.label = name }

func (d *Demux) drop(reason string) status.Status {
	if d.label != "" {
		metrics.FramesDropped.WithLabelValues(d.label, "ethernet", reason).Inc()
	}
	return status.IgnorePacket
}

type tickReg struct {
	fn   func(nowMs int64)
	user any
}

// New constructs a Demux bound to one interface's MAC and driver.
func New(log *slog.Logger, ifaceID int, mac Addr, driver Driver) *Demux {
	return &Demux{log: log, iface: ifaceID, mac: mac, driver: driver}
}

// Register adds a protocol handler keyed by ethertype (linear list).
func (d *Demux) Register(etherType uint16, h Handler) {
	d.handlers = append(d.handlers, registration{etherType: etherType, handler: h})
}

// RegisterTick adds a periodic callback invoked on every interface tick.
func (d *Demux) RegisterTick(fn func(nowMs int64)) {
	d.ticks = append(d.ticks, tickReg{fn: fn})
}

// Tick invokes every registered periodic callback with the current
// millisecond timestamp.
func (d *Demux) Tick(nowMs int64) {
	for _, t := range d.ticks {
		t.fn(nowMs)
	}
}

// AllocatePacket returns a buffer with the Ethernet header area reserved,
// ready for an upper layer to write its own header and payload. The
// request is never smaller than a minimum-size padded frame plus FCS, so
// SendPacket always has room to pad.
func AllocatePacket(alloc packet.Allocator, payloadBytes int) *packet.Buffer {
	size := HeaderLen + payloadBytes + FCSLen
	if size < MinFrameSize+FCSLen {
		size = MinFrameSize + FCSLen
	}
	b := alloc.Allocate(size)
	if b == nil {
		return nil
	}
	b.Skip(HeaderLen)
	return b
}

// RxFrame validates and dispatches one received L2 frame. The buffer's
// cursor must be at 0 and Count() the number of bytes the driver
// delivered, FCS included if present on the wire.
func (d *Demux) RxFrame(b *packet.Buffer) status.Status {
	caps := d.driver.Capabilities()
	data := b.Data()[:b.Count()]

	if caps&CapMinFrameSize == 0 && len(data) < MinFrameSize {
		return d.drop("min_frame_size")
	}
	if caps&CapCSCheck == 0 {
		if len(data) < FCSLen {
			return d.drop("short_frame")
		}
		if crc32.ChecksumIEEE(data) != goodFCSResidue {
			d.log.Info("ethernet: dropping frame with bad FCS", "iface", d.iface)
			return d.drop("bad_fcs")
		}
		// The trailer has been verified; it carries no payload for any
		// upper layer, so drop it from the logical region handed onward.
		b.SetCount(b.Count() - FCSLen)
		data = data[:len(data)-FCSLen]
	}
	if len(data) < HeaderLen {
		return d.drop("short_header")
	}

	var dst, src Addr
	copy(dst[:], data[0:6])
	copy(src[:], data[6:12])
	if caps&CapDestMACCheck == 0 {
		if dst != d.mac && dst != Broadcast {
			return d.drop("dest_mac")
		}
	}

	etherType := uint16(data[12])<<8 | uint16(data[13])

	for _, r := range d.handlers {
		if r.etherType == etherType {
			b.Consume(HeaderLen)
			if d.label != "" {
				metrics.FramesRx.WithLabelValues(d.label).Inc()
			}
			return r.handler.RxFrame(d.iface, etherType, b)
		}
	}
	d.log.Info("ethernet: no handler for ethertype", "iface", d.iface, "ethertype", etherType)
	return d.drop("no_handler")
}

// SendHeader is the caller-supplied {src, dst, ethertype} triple for a Tx
// frame.
type SendHeader struct {
	Src, Dst  Addr
	EtherType uint16
}

// SendPacket finalizes a Tx buffer built by an upper layer (cursor
// positioned just past the payload) into a complete Ethernet frame and
// hands it to the driver.
func (d *Demux) SendPacket(hdr SendHeader, b *packet.Buffer) status.Status {
	caps := d.driver.Capabilities()
	payloadEnd := b.Cursor()

	// Pad the frame to the minimum size before the FCS is appended.
	if caps&CapFramePadding == 0 {
		for payloadEnd < MinFrameSize {
			b.WriteU8(0)
			payloadEnd = b.Cursor()
		}
	}

	b.SetCursor(0)
	b.WriteBytes(hdr.Dst[:])
	b.WriteBytes(hdr.Src[:])
	b.WriteU16(hdr.EtherType)
	b.SetCursor(payloadEnd)

	frameLen := payloadEnd
	if caps&CapCSComputation == 0 {
		crc := crc32.ChecksumIEEE(b.Data()[:frameLen])
		// FCS goes on the wire least-significant byte first.
		b.WriteBytes([]byte{byte(crc), byte(crc >> 8), byte(crc >> 16), byte(crc >> 24)})
		frameLen += FCSLen
	}
	b.SetCount(frameLen)
	b.SetFlag(packet.FlagTX)
	return d.driver.SendPacket(b)
}

// ReleasePacket applies the layer's release policy to a buffer the driver
// has finished with: buffers flagged Keep are left to their new owner, Tx
// buffers go back to the allocator, and Rx buffers are requeued to the
// driver's receive ring.
func (d *Demux) ReleasePacket(b *packet.Buffer) status.Status {
	if b.HasFlag(packet.FlagKeep) {
		return status.OK
	}
	if b.HasFlag(packet.FlagTX) {
		b.Release()
		return status.OK
	}
	return d.driver.AddRxPacket(b)
}
