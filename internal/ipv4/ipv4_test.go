package ipv4

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoip/nanoip/internal/arp"
	"github.com/nanoip/nanoip/internal/ethernet"
	"github.com/nanoip/nanoip/internal/inetchecksum"
	"github.com/nanoip/nanoip/internal/netaddr"
	"github.com/nanoip/nanoip/internal/oal"
	"github.com/nanoip/nanoip/internal/packet"
	"github.com/nanoip/nanoip/internal/route"
	"github.com/nanoip/nanoip/internal/status"
)

type fakeDriver struct{ sent []*packet.Buffer }

func (f *fakeDriver) SendPacket(b *packet.Buffer) status.Status {
	f.sent = append(f.sent, b)
	return status.OK
}
func (f *fakeDriver) AddRxPacket(b *packet.Buffer) status.Status { return status.OK }
func (f *fakeDriver) Capabilities() ethernet.Capability          { return 0 }
func (f *fakeDriver) IPv4Capabilities() Capability               { return 0 }

type recordingProto struct {
	called  bool
	src     netaddr.IPv4
	payload []byte
}

func (r *recordingProto) RxIPv4(src, dst netaddr.IPv4, proto uint8, b *packet.Buffer) status.Status {
	r.called = true
	r.src = src
	r.payload = append([]byte(nil), b.Data()[b.Cursor():b.Cursor()+b.Count()]...)
	return status.OK
}

func setup(t *testing.T) (*Module, *fakeDriver, netaddr.IPv4) {
	t.Helper()
	mac := ethernet.Addr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	ifIP := netaddr.MustParseIPv4("192.168.0.70")
	drv := &fakeDriver{}
	demux := ethernet.New(slog.Default(), 1, mac, drv)
	alloc := packet.NewPoolAllocator(256, 8, 2048, 4)
	clock := oal.NewFakeClock(0)
	arpMod := arp.New(slog.Default(), demux, alloc, clock, mac, ifIP, 8, 60_000, 500)
	routes := route.NewTable(4)
	require.Equal(t, status.OK, routes.Add(
		netaddr.MustParseIPv4("192.168.0.0"), netaddr.MustParseIPv4("255.255.255.0"), netaddr.Zero, 1))
	require.Equal(t, status.OK, routes.Add(netaddr.Zero, netaddr.Zero, netaddr.Zero, 1))

	mod := New(slog.Default(), demux, arpMod, routes, drv, mac, ifIP)
	return mod, drv, ifIP
}

func buildIPv4Frame(t *testing.T, src, dst netaddr.IPv4, proto uint8, payload []byte) []byte {
	t.Helper()
	alloc := packet.NewPoolAllocator(256, 1, 0, 0)
	b := alloc.Allocate(64)
	totalLen := uint16(minHeaderLen + len(payload))
	b.WriteU8(verIHL)
	b.WriteU8(0)
	b.WriteU16(totalLen)
	b.WriteU16(0)
	b.WriteU16(0)
	b.WriteU8(64)
	b.WriteU8(proto)
	csOff := b.Cursor()
	b.WriteU16(0)
	netaddr.WriteIPv4(b, src)
	netaddr.WriteIPv4(b, dst)
	b.WriteBytes(payload)
	sum := inetchecksum.Compute(b.Data()[0:minHeaderLen])
	b.SetCursor(csOff)
	b.WriteU16(sum)
	return b.Data()[:int(totalLen)]
}

func TestRxFrameValidatesChecksumAndDispatches(t *testing.T) {
	mod, _, ifIP := setup(t)
	proto := &recordingProto{}
	mod.Register(17, proto)

	frame := buildIPv4Frame(t, netaddr.MustParseIPv4("192.168.0.1"), ifIP, 17, []byte("payload"))
	alloc := packet.NewPoolAllocator(256, 1, 0, 0)
	b := alloc.Allocate(128)
	b.WriteBytes(frame)
	b.SetCursor(0)

	got := mod.RxFrame(1, ethernet.EtherTypeIPv4, b)
	assert.Equal(t, status.OK, got)
	assert.True(t, proto.called)
	assert.Equal(t, []byte("payload"), proto.payload)
}

func TestRxFrameDropsBadChecksum(t *testing.T) {
	mod, _, ifIP := setup(t)
	mod.Register(17, &recordingProto{})

	frame := buildIPv4Frame(t, netaddr.MustParseIPv4("192.168.0.1"), ifIP, 17, []byte("x"))
	frame[10] ^= 0xff // perturb checksum byte
	alloc := packet.NewPoolAllocator(256, 1, 0, 0)
	b := alloc.Allocate(128)
	b.WriteBytes(frame)
	b.SetCursor(0)

	assert.Equal(t, status.InvalidChecksum, mod.RxFrame(1, ethernet.EtherTypeIPv4, b))
}

func TestRxFrameDropsFragmented(t *testing.T) {
	mod, _, ifIP := setup(t)
	mod.Register(17, &recordingProto{})
	alloc := packet.NewPoolAllocator(256, 1, 0, 0)
	b := alloc.Allocate(64)
	b.WriteU8(verIHL)
	b.WriteU8(0)
	b.WriteU16(minHeaderLen)
	b.WriteU16(0)
	b.WriteU16(0x2000) // MF set
	b.WriteU8(64)
	b.WriteU8(17)
	b.WriteU16(0)
	netaddr.WriteIPv4(b, netaddr.MustParseIPv4("192.168.0.1"))
	netaddr.WriteIPv4(b, ifIP)
	b.SetCursor(0)

	assert.Equal(t, status.IgnorePacket, mod.RxFrame(1, ethernet.EtherTypeIPv4, b))
}

func TestHandleSendResolvesSynchronouslyForBroadcast(t *testing.T) {
	mod, drv, _ := setup(t)
	h := mod.NewHandle(func(status.Status) { t.Fatal("unexpected error callback") })

	b := AllocatePacket(packet.NewPoolAllocator(256, 1, 0, 0), 4)
	require.NotNil(t, b)
	b.WriteBytes([]byte{1, 2, 3, 4})

	var sentSt status.Status
	got := h.Send(netaddr.Broadcast, 17, b, func(st status.Status) { sentSt = st })
	assert.Equal(t, status.OK, got)
	assert.Equal(t, status.OK, sentSt)
	assert.False(t, h.Busy())
	require.Len(t, drv.sent, 1)
}

func TestHandleSendBusyWhileWaitingOnARP(t *testing.T) {
	mod, _, _ := setup(t)
	h := mod.NewHandle(func(status.Status) {})

	alloc := packet.NewPoolAllocator(256, 2, 0, 0)
	b1 := AllocatePacket(alloc, 4)
	b1.WriteBytes([]byte{1, 2, 3, 4})
	got := h.Send(netaddr.MustParseIPv4("192.168.0.200"), 17, b1, func(status.Status) {})
	assert.Equal(t, status.InProgress, got)
	assert.True(t, h.Busy())

	b2 := AllocatePacket(alloc, 4)
	b2.WriteBytes([]byte{5, 6, 7, 8})
	assert.Equal(t, status.Busy, h.Send(netaddr.MustParseIPv4("192.168.0.201"), 17, b2, func(status.Status) {}))
}
