package icmp

import (
	"encoding/binary"
	"hash/crc32"
	"log/slog"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoip/nanoip/internal/arp"
	"github.com/nanoip/nanoip/internal/ethernet"
	"github.com/nanoip/nanoip/internal/ipv4"
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
func (f *fakeDriver) IPv4Capabilities() ipv4.Capability          { return 0 }

func buildStack(t *testing.T) (*ethernet.Demux, *ipv4.Module, *Module, *fakeDriver, netaddr.IPv4, packet.Allocator) {
	demux, ipv4Mod, icmpMod, drv, ifIP, alloc, _ := buildStackWithARP(t)
	return demux, ipv4Mod, icmpMod, drv, ifIP, alloc
}

func buildStackWithARP(t *testing.T) (*ethernet.Demux, *ipv4.Module, *Module, *fakeDriver, netaddr.IPv4, packet.Allocator, *arp.Module) {
	t.Helper()
	mac := ethernet.Addr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	ifIP := netaddr.MustParseIPv4("192.168.0.70")
	drv := &fakeDriver{}
	demux := ethernet.New(slog.Default(), 1, mac, drv)
	alloc := packet.NewPoolAllocator(256, 16, 2048, 8)
	clock := oal.NewFakeClock(0)
	arpMod := arp.New(slog.Default(), demux, alloc, clock, mac, ifIP, 8, 60_000, 500)
	routes := route.NewTable(4)
	require.Equal(t, status.OK, routes.Add(netaddr.Zero, netaddr.Zero, netaddr.Zero, 1))
	ipv4Mod := ipv4.New(slog.Default(), demux, arpMod, routes, drv, mac, ifIP)
	demux.Register(ethernet.EtherTypeIPv4, ipv4Mod)

	icmpMod := New(slog.Default(), alloc, ipv4Mod, true)
	return demux, ipv4Mod, icmpMod, drv, ifIP, alloc, arpMod
}

// seedARP resolves peerIP to peerMAC up front by feeding the ARP module a
// reply directly, mirroring a real reply frame arriving through the demux,
// so a test can assert an outbound frame lands synchronously.
func seedARP(t *testing.T, arpMod *arp.Module, alloc packet.Allocator, ifIP netaddr.IPv4, ifMAC ethernet.Addr, peerIP netaddr.IPv4, peerMAC ethernet.Addr) {
	t.Helper()
	b := alloc.Allocate(64)
	require.NotNil(t, b)
	b.WriteU16(1)      // hardware type: Ethernet
	b.WriteU16(0x0800) // protocol type: IPv4
	b.WriteU8(ethernet.AddrLen)
	b.WriteU8(4)
	b.WriteU16(2) // opcode: reply
	b.WriteBytes(peerMAC[:])
	netaddr.WriteIPv4(b, peerIP)
	b.WriteBytes(ifMAC[:])
	netaddr.WriteIPv4(b, ifIP)
	b.SetCursor(0)
	require.Equal(t, status.OK, arpMod.RxFrame(1, ethernet.EtherTypeARP, b))
}

func crc32ForTest(frame []byte) []byte {
	sum := crc32.ChecksumIEEE(frame)
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, sum)
	return out
}

func buildEthernetEchoRequest(t *testing.T, dstMAC, srcMAC ethernet.Addr, srcIP, dstIP netaddr.IPv4, id, seq uint16, payload []byte) *packet.Buffer {
	t.Helper()
	eth := &layers.Ethernet{DstMAC: dstMAC[:], SrcMAC: srcMAC[:], EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolICMPv4,
		SrcIP: []byte{byte(srcIP >> 24), byte(srcIP >> 16), byte(srcIP >> 8), byte(srcIP)},
		DstIP: []byte{byte(dstIP >> 24), byte(dstIP >> 16), byte(dstIP >> 8), byte(dstIP)},
	}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: id, Seq: seq}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, icmp, gopacket.Payload(payload)))
	frame := buf.Bytes()
	frame = append(frame, crc32ForTest(frame)...)

	alloc := packet.NewPoolAllocator(256, 1, 0, 0)
	b := alloc.Allocate(len(frame))
	b.WriteBytes(frame)
	b.SetCursor(0)
	return b
}

func TestEchoRequestProducesEchoReplyWithSamePayload(t *testing.T) {
	demux, _, _, drv, ifIP, alloc, arpMod := buildStackWithARP(t)
	mac := ethernet.Addr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	peerMAC := ethernet.Addr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	peerIP := netaddr.MustParseIPv4("192.168.0.1")
	seedARP(t, arpMod, alloc, ifIP, mac, peerIP, peerMAC)
	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i)
	}

	b := buildEthernetEchoRequest(t, mac, peerMAC, peerIP, ifIP, 0x1234, 0x5678, payload)
	got := demux.RxFrame(b)
	assert.Equal(t, status.OK, got)

	require.Len(t, drv.sent, 1)
	reply := drv.sent[0]
	parsed := gopacket.NewPacket(reply.Data()[:reply.Count()-ethernet.FCSLen], layers.LayerTypeEthernet, gopacket.Default)
	icmpLayer := parsed.Layer(layers.LayerTypeICMPv4)
	require.NotNil(t, icmpLayer)
	icmp := icmpLayer.(*layers.ICMPv4)
	assert.Equal(t, uint8(layers.ICMPv4TypeEchoReply), icmp.TypeCode.Type())
	assert.Equal(t, uint16(0x1234), icmp.Id)
	assert.Equal(t, uint16(0x5678), icmp.Seq)
	assert.Equal(t, payload, icmpLayer.LayerPayload())
}

func TestPingDeliversReplyToCallback(t *testing.T) {
	_, _, icmpMod, _, ifIP, alloc, arpMod := buildStackWithARP(t)
	dst := netaddr.MustParseIPv4("192.168.0.1")
	mac := ethernet.Addr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	seedARP(t, arpMod, alloc, ifIP, mac, dst, ethernet.Addr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06})

	var done bool
	st := icmpMod.Ping(dst, 1, []byte("ping"), func(ok bool) { done = ok })
	assert.Equal(t, status.OK, st)

	icmpMod.deliverPingReply(dst, 1, 0)
	assert.True(t, done)
}

func TestCancelPingFailsOutstandingRequestOnce(t *testing.T) {
	_, _, icmpMod, _, ifIP, alloc, arpMod := buildStackWithARP(t)
	dst := netaddr.MustParseIPv4("192.168.0.1")
	mac := ethernet.Addr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	seedARP(t, arpMod, alloc, ifIP, mac, dst, ethernet.Addr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06})

	var calls int
	var lastOK bool
	st := icmpMod.Ping(dst, 7, nil, func(ok bool) { calls++; lastOK = ok })
	require.Equal(t, status.OK, st)

	assert.Equal(t, 1, icmpMod.CancelPing(dst))
	assert.Equal(t, 1, calls)
	assert.False(t, lastOK)

	// A late reply for the cancelled request must not fire the callback again.
	icmpMod.deliverPingReply(dst, 7, 0)
	assert.Equal(t, 1, calls)
}

func TestPingRejectedWhenDisabled(t *testing.T) {
	_, _, icmpMod, _, _, _ := buildStack(t)
	icmpMod.pingEnabled = false
	st := icmpMod.Ping(netaddr.MustParseIPv4("10.0.0.1"), 1, nil, func(bool) {})
	assert.Equal(t, status.InvalidPingRequest, st)
}
