package arp

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoip/nanoip/internal/ethernet"
	"github.com/nanoip/nanoip/internal/netaddr"
	"github.com/nanoip/nanoip/internal/oal"
	"github.com/nanoip/nanoip/internal/packet"
	"github.com/nanoip/nanoip/internal/status"
)

type spyDriver struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *spyDriver) SendPacket(b *packet.Buffer) status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), b.Data()[:b.Count()]...))
	return status.OK
}
func (s *spyDriver) AddRxPacket(b *packet.Buffer) status.Status { return status.OK }
func (s *spyDriver) Capabilities() ethernet.Capability          { return 0 }

func newModule(t *testing.T) (*Module, *spyDriver, *oal.FakeClock) {
	t.Helper()
	mac := ethernet.Addr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	ip := netaddr.MustParseIPv4("192.168.0.70")
	drv := &spyDriver{}
	demux := ethernet.New(slog.Default(), 1, mac, drv)
	alloc := packet.NewPoolAllocator(128, 8, 1500, 4)
	clock := oal.NewFakeClock(1000)
	m := New(slog.Default(), demux, alloc, clock, mac, ip, 8, 60_000, 500)
	return m, drv, clock
}

func buildARPReply(t *testing.T, senderMAC ethernet.Addr, senderIP netaddr.IPv4, targetMAC ethernet.Addr, targetIP netaddr.IPv4) *packet.Buffer {
	t.Helper()
	arpLayer := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   senderMAC[:],
		SourceProtAddress: []byte{byte(senderIP >> 24), byte(senderIP >> 16), byte(senderIP >> 8), byte(senderIP)},
		DstHwAddress:      targetMAC[:],
		DstProtAddress:    []byte{byte(targetIP >> 24), byte(targetIP >> 16), byte(targetIP >> 8), byte(targetIP)},
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, arpLayer))

	alloc := packet.NewPoolAllocator(128, 1, 1500, 0)
	b := alloc.Allocate(64)
	b.WriteBytes(buf.Bytes())
	b.SetCursor(0)
	return b
}

func TestRequestResolvesFromStaticBroadcastEntry(t *testing.T) {
	m, _, _ := newModule(t)
	var got ethernet.Addr
	h, st := m.Request(netaddr.Broadcast, func(s status.Status, mac ethernet.Addr) {
		got = mac
		assert.Equal(t, status.OK, s)
	})
	assert.Equal(t, status.OK, st)
	assert.Nil(t, h)
	assert.Equal(t, ethernet.Broadcast, got)
}

func TestRequestSendsWireRequestAndResolvesOnResponse(t *testing.T) {
	m, drv, _ := newModule(t)
	target := netaddr.MustParseIPv4("192.168.0.1")

	var called int32
	var resolvedMAC ethernet.Addr
	_, st := m.Request(target, func(s status.Status, mac ethernet.Addr) {
		atomic.AddInt32(&called, 1)
		resolvedMAC = mac
		assert.Equal(t, status.OK, s)
	})
	assert.Equal(t, status.InProgress, st)
	require.Len(t, drv.sent, 1)

	senderMAC := ethernet.Addr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	reply := buildARPReply(t, senderMAC, target, m.ifMAC, m.ifIPv4)
	got := m.RxFrame(1, ethernet.EtherTypeARP, reply)
	assert.Equal(t, status.OK, got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&called))
	assert.Equal(t, senderMAC, resolvedMAC)
}

func TestDuplicateRequestsForSameIPShareOneWireRequest(t *testing.T) {
	m, drv, _ := newModule(t)
	target := netaddr.MustParseIPv4("192.168.0.2")

	var calls int32
	for i := 0; i < 3; i++ {
		_, _ = m.Request(target, func(s status.Status, mac ethernet.Addr) {
			atomic.AddInt32(&calls, 1)
		})
	}
	assert.Len(t, drv.sent, 1, "only the first unresolved request for an ip sends a wire ARP request")
	assert.Len(t, m.pending, 3, "every caller still gets its own pending waiter")

	senderMAC := ethernet.Addr{0x09, 0x09, 0x09, 0x09, 0x09, 0x09}
	reply := buildARPReply(t, senderMAC, target, m.ifMAC, m.ifIPv4)
	m.RxFrame(1, ethernet.EtherTypeARP, reply)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "every waiter's callback fires exactly once")
}

func TestTickExpiresPendingRequestWithTimeout(t *testing.T) {
	m, _, clock := newModule(t)
	target := netaddr.MustParseIPv4("192.168.0.99")

	var gotStatus status.Status
	_, _ = m.Request(target, func(s status.Status, mac ethernet.Addr) {
		gotStatus = s
	})

	clock.Advance(501)
	m.Tick(clock.GetMsCounter())
	assert.Equal(t, status.Timeout, gotStatus)
	assert.Empty(t, m.pending)
}

func TestCancelRemovesPendingRequestAndFiresFailureOnce(t *testing.T) {
	m, _, _ := newModule(t)
	target := netaddr.MustParseIPv4("192.168.0.123")

	var calls int32
	var gotStatus status.Status
	h, st := m.Request(target, func(s status.Status, mac ethernet.Addr) {
		atomic.AddInt32(&calls, 1)
		gotStatus = s
	})
	require.Equal(t, status.InProgress, st)
	require.NotNil(t, h)
	require.Len(t, m.pending, 1)

	m.Cancel(h)
	assert.Equal(t, status.Failure, gotStatus)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, m.pending)

	// A second Cancel on the same (now-completed) handle is a no-op.
	m.Cancel(h)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// A late wire response for the cancelled target must not resurrect it.
	reply := buildARPReply(t, ethernet.Addr{0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a}, target, m.ifMAC, m.ifIPv4)
	m.RxFrame(1, ethernet.EtherTypeARP, reply)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "cancelled request's callback does not fire again")
}
