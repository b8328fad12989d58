package iface

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoip/nanoip/internal/config"
	"github.com/nanoip/nanoip/internal/drivertest"
	"github.com/nanoip/nanoip/internal/ethernet"
	"github.com/nanoip/nanoip/internal/netaddr"
	"github.com/nanoip/nanoip/internal/oal"
	"github.com/nanoip/nanoip/internal/packet"
	"github.com/nanoip/nanoip/internal/route"
	"github.com/nanoip/nanoip/internal/status"
	"github.com/nanoip/nanoip/internal/tcp"
	"github.com/nanoip/nanoip/internal/udp"
)

// linkedPair builds one Manager hosting two interfaces wired back-to-back
// through a pair of drivertest.Drivers, each running its own task — the
// same shape cmd/nanoipd wires a single interface up with, doubled so a
// send on one side has somewhere real to arrive.
type linkedPair struct {
	mgr   *Manager
	mu    *oal.Mutex
	a, b  *Interface
	drvA  *drivertest.Driver
	drvB  *drivertest.Driver
	alloc packet.Allocator
}

func buildLinkedPair(t *testing.T) *linkedPair {
	t.Helper()
	cfg := config.Default()
	alloc := packet.NewPoolAllocator(256, 64, 2048, 48)
	clock := oal.SystemClock{}
	routes := route.NewTable(cfg.MaxRoutes)
	mgr := NewManager(slog.Default(), cfg, alloc, clock, routes)

	drvA := drivertest.New(alloc)
	drvB := drivertest.New(alloc)
	drvA.ConnectTo(drvB)
	drvB.ConnectTo(drvA)

	macA := ethernet.Addr{0x02, 0, 0, 0, 0, 1}
	macB := ethernet.Addr{0x02, 0, 0, 0, 0, 2}
	ipA := netaddr.MustParseIPv4("10.0.0.1")
	ipB := netaddr.MustParseIPv4("10.0.0.2")
	mask := netaddr.MustParseIPv4("255.255.255.0")

	ifA, st := mgr.AddInterface(AddInterfaceParams{
		Name: "a", MAC: macA, Driver: drvA, IPv4: ipA, Netmask: mask,
		RxPacketCount: 16, RxPacketSize: 1600,
	})
	require.Equal(t, status.OK, st)
	ifB, st := mgr.AddInterface(AddInterfaceParams{
		Name: "b", MAC: macB, Driver: drvB, IPv4: ipB, Netmask: mask,
		RxPacketCount: 16, RxPacketSize: 1600,
	})
	require.Equal(t, status.OK, st)

	mu := oal.NewMutex()
	ifA.Start(mu)
	ifB.Start(mu)
	t.Cleanup(func() {
		ifA.Stop()
		ifB.Stop()
	})

	return &linkedPair{mgr: mgr, mu: mu, a: ifA, b: ifB, drvA: drvA, drvB: drvB, alloc: alloc}
}

func TestUDPEchoAcrossLinkedInterfaces(t *testing.T) {
	lp := buildLinkedPair(t)

	var gotFrom netaddr.IPv4
	var gotPort uint16
	var gotPayload []byte
	rxDone := make(chan struct{}, 1)

	rxHandle := lp.b.UDP().NewHandle(func(srcIP netaddr.IPv4, srcPort uint16, b *packet.Buffer) udp.Disposition {
		gotFrom, gotPort = srcIP, srcPort
		gotPayload = append([]byte(nil), b.Data()[b.Cursor():b.Cursor()+b.Count()]...)
		rxDone <- struct{}{}
		return udp.Release
	})

	tok := lp.mu.NewToken()
	lp.mu.Lock(tok)
	require.Equal(t, status.OK, lp.b.UDP().Bind(rxHandle, lp.b.IPv4Addr(), 9000))
	lp.mu.Unlock(tok)

	sendHandle := lp.a.UDP().NewHandle(nil)
	payload := []byte("hello-b")

	lp.mu.Lock(tok)
	require.Equal(t, status.OK, lp.a.UDP().Bind(sendHandle, lp.a.IPv4Addr(), 9001))
	b := udp.AllocatePacket(lp.alloc, len(payload))
	require.NotNil(t, b)
	b.WriteBytes(payload)
	sendSt := sendHandle.Send(lp.b.IPv4Addr(), 9000, b, func(status.Status) {})
	lp.mu.Unlock(tok)
	require.True(t, sendSt == status.OK || sendSt == status.InProgress)

	select {
	case <-rxDone:
	case <-time.After(2 * time.Second):
		t.Fatal("udp datagram never arrived across the link")
	}
	assert.Equal(t, lp.a.IPv4Addr(), gotFrom)
	assert.Equal(t, uint16(9001), gotPort)
	assert.Equal(t, payload, gotPayload)
}

func TestTCPConnectAndCloseAcrossLinkedInterfaces(t *testing.T) {
	lp := buildLinkedPair(t)

	events := make(chan string, 8)
	var child *tcp.Handle

	listener, st := lp.b.TCP().Open(lp.b.IPv4Addr(), 8080, func(h *tcp.Handle, ev tcp.Event, s status.Status, b *packet.Buffer) tcp.Disposition {
		return tcp.Release
	})
	require.Equal(t, status.OK, st)
	require.Equal(t, status.OK, lp.b.TCP().Listen(listener, func() *tcp.Handle {
		h, st := lp.b.TCP().Open(netaddr.Zero, 0, func(h *tcp.Handle, ev tcp.Event, s status.Status, b *packet.Buffer) tcp.Disposition {
			events <- eventName(ev)
			return tcp.Release
		})
		require.Equal(t, status.OK, st)
		child = h
		return h
	}))

	connHandle, st := lp.a.TCP().Open(lp.a.IPv4Addr(), 0, func(h *tcp.Handle, ev tcp.Event, s status.Status, b *packet.Buffer) tcp.Disposition {
		events <- eventName(ev)
		return tcp.Release
	})
	require.Equal(t, status.OK, st)

	tok := lp.mu.NewToken()
	lp.mu.Lock(tok)
	connectSt := lp.a.TCP().Connect(connHandle, lp.b.IPv4Addr(), 8080)
	lp.mu.Unlock(tok)
	require.True(t, connectSt == status.OK || connectSt == status.InProgress)

	waitForEvents(t, events, "connected", "accepted")
	assert.Equal(t, tcp.Established, connHandle.State())
	require.NotNil(t, child)
	assert.Equal(t, tcp.Established, child.State())

	lp.mu.Lock(tok)
	require.Equal(t, status.OK, lp.a.TCP().Close(connHandle))
	lp.mu.Unlock(tok)

	waitForEvents(t, events, "closed")
}

func eventName(ev tcp.Event) string {
	switch ev {
	case tcp.EventConnected:
		return "connected"
	case tcp.EventAccepted:
		return "accepted"
	case tcp.EventRX:
		return "rx"
	case tcp.EventTX:
		return "tx"
	case tcp.EventClosed:
		return "closed"
	case tcp.EventConnectTimeout:
		return "connect_timeout"
	case tcp.EventTxFailed:
		return "tx_failed"
	case tcp.EventAcceptFailed:
		return "accept_failed"
	default:
		return "unknown"
	}
}

// waitForEvents blocks until every want has been observed on events at
// least once, in any order and any interleaving with other events.
func waitForEvents(t *testing.T, events chan string, want ...string) {
	t.Helper()
	remaining := make(map[string]bool, len(want))
	for _, w := range want {
		remaining[w] = true
	}
	deadline := time.After(3 * time.Second)
	for len(remaining) > 0 {
		select {
		case got := <-events:
			delete(remaining, got)
		case <-deadline:
			t.Fatalf("timed out waiting for events %v (still missing %v)", want, remaining)
		}
	}
}
