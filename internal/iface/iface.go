// Package iface implements the per-interface task: waiting on a driver's
// completion signal, draining transmitted and received packets through the
// Ethernet demultiplexer, and driving the periodic millisecond tick that
// ARP, IPv4, and TCP register timeouts and retransmission against.
package iface

import (
	"log/slog"
	"time"

	"github.com/nanoip/nanoip/internal/arp"
	"github.com/nanoip/nanoip/internal/config"
	"github.com/nanoip/nanoip/internal/ethernet"
	"github.com/nanoip/nanoip/internal/icmp"
	"github.com/nanoip/nanoip/internal/ipv4"
	"github.com/nanoip/nanoip/internal/metrics"
	"github.com/nanoip/nanoip/internal/netaddr"
	"github.com/nanoip/nanoip/internal/oal"
	"github.com/nanoip/nanoip/internal/packet"
	"github.com/nanoip/nanoip/internal/phy"
	"github.com/nanoip/nanoip/internal/route"
	"github.com/nanoip/nanoip/internal/status"
	"github.com/nanoip/nanoip/internal/tcp"
	"github.com/nanoip/nanoip/internal/udp"
)

// Driver is the driver vtable an interface programs against, beyond what
// the protocol layers already require. Attach stands in for the vtable's
// init/callback installation: instead of two from-ISR callbacks the driver
// signals one bit of the interface task's flag set.
type Driver interface {
	ethernet.Driver
	ipv4.CapsProvider
	tcp.CapsProvider
	Start() status.Status
	Stop() status.Status
	NextRxPacket() (*packet.Buffer, status.Status)
	NextTxPacket() (*packet.Buffer, status.Status)
	GetLinkState() (phy.LinkState, status.Status)
	Attach(flags *oal.Flags, bit uint32)
}

// MACConfigurer is implemented by drivers whose hardware can be programmed
// with the interface's MAC address.
type MACConfigurer interface {
	SetMAC(mac ethernet.Addr) status.Status
}

// AddrConfigurer is implemented by drivers whose hardware performs IPv4
// address filtering or checksum offload keyed by the interface address.
type AddrConfigurer interface {
	SetIPv4(addr, netmask, gateway netaddr.IPv4) status.Status
}

const (
	workBit uint32 = 1 << iota
	stopBit
)

// Interface is one network interface: its identity, its driver, and the
// protocol module stack bound to it.
type Interface struct {
	id      int
	name    string
	mac     ethernet.Addr
	ipv4    netaddr.IPv4
	netmask netaddr.IPv4
	gateway netaddr.IPv4

	driver  Driver
	demux   *ethernet.Demux
	arpMod  *arp.Module
	ipv4Mod *ipv4.Module
	icmpMod *icmp.Module
	udpMod  *udp.Module
	tcpMod  *tcp.Module

	log        *slog.Logger
	clock      oal.Clock
	alloc      packet.Allocator
	flags      *oal.Flags
	lastTickMs int64
}

// ID returns the interface's stable small integer identifier.
func (ifc *Interface) ID() int { return ifc.id }

// Name returns the interface's configured name.
func (ifc *Interface) Name() string { return ifc.name }

// MAC returns the interface's link-layer address.
func (ifc *Interface) MAC() ethernet.Addr { return ifc.mac }

// IPv4Addr returns the interface's configured IPv4 address.
func (ifc *Interface) IPv4Addr() netaddr.IPv4 { return ifc.ipv4 }

// Demux returns the interface's Ethernet demultiplexer.
func (ifc *Interface) Demux() *ethernet.Demux { return ifc.demux }

// ARP returns the interface's ARP module.
func (ifc *Interface) ARP() *arp.Module { return ifc.arpMod }

// IPv4Module returns the interface's IPv4 module.
func (ifc *Interface) IPv4Module() *ipv4.Module { return ifc.ipv4Mod }

// ICMP returns the interface's ICMP module, or nil if disabled.
func (ifc *Interface) ICMP() *icmp.Module { return ifc.icmpMod }

// UDP returns the interface's UDP module, or nil if disabled.
func (ifc *Interface) UDP() *udp.Module { return ifc.udpMod }

// TCP returns the interface's TCP module, or nil if disabled.
func (ifc *Interface) TCP() *tcp.Module { return ifc.tcpMod }

// Tick invokes every layer's periodic sweep in dispatch order.
func (ifc *Interface) Tick(nowMs int64) {
	ifc.demux.Tick(nowMs)
	ifc.arpMod.Tick(nowMs)
	ifc.ipv4Mod.Tick(nowMs)
	if ifc.tcpMod != nil {
		ifc.tcpMod.Tick(nowMs)
	}
	if ifc.alloc != nil {
		stats := ifc.alloc.Stats()
		metrics.ObserveAllocator(ifc.name, stats.Free, stats.HighWater)
	}
}

// pumpOnce drains every completed Tx buffer back to the allocator and
// feeds every completed Rx buffer through the demux. The tick is driven
// separately by the owning Manager/caller so it can be gated on elapsed
// time.
func (ifc *Interface) pumpOnce() {
	for {
		b, st := ifc.driver.NextTxPacket()
		if st != status.OK {
			break
		}
		ifc.demux.ReleasePacket(b)
	}
	for {
		b, st := ifc.driver.NextRxPacket()
		if st != status.OK {
			break
		}
		if rst := ifc.demux.RxFrame(b); rst != status.OK && rst != status.IgnorePacket {
			ifc.log.Info("iface: rx_frame returned error", "iface", ifc.name, "status", rst)
		}
		ifc.demux.ReleasePacket(b)
	}
}

// tickPollInterval bounds how long run's Wait blocks when the driver has
// signaled no work: the periodic tick (ARP/TCP timeouts, retransmission)
// must advance at ms granularity even on an otherwise idle interface, so
// the wait can never be allowed to block forever waiting on traffic alone.
const tickPollInterval = time.Millisecond

// run is the interface's task body: wait for the driver's completion
// signal (or the tick poll interval, whichever comes first), process
// under the caller-supplied stack mutex, repeat until Stop. It never
// returns while holding mu.
func (ifc *Interface) run(mu *oal.Mutex, tok oal.Token) {
	for {
		bits := ifc.flags.Wait(workBit|stopBit, tickPollInterval)
		if bits&stopBit != 0 {
			return
		}
		ifc.flags.Clear(workBit)

		mu.Lock(tok)
		ifc.pumpOnce()
		nowMs := ifc.clock.GetMsCounter()
		if nowMs-ifc.lastTickMs >= 1 {
			ifc.Tick(nowMs)
			ifc.lastTickMs = nowMs
		}
		mu.Unlock(tok)
	}
}

// Start spawns the interface's task as an OAL task, serialized against mu
// like every other external entry point.
func (ifc *Interface) Start(mu *oal.Mutex) {
	tok := mu.NewToken()
	oal.Task(func() { ifc.run(mu, tok) })
}

// Stop halts the driver and signals the task to exit after its current
// (or next) wake.
func (ifc *Interface) Stop() {
	ifc.driver.Stop()
	ifc.flags.Set(stopBit)
}

// LinkState reports the driver's current link state.
func (ifc *Interface) LinkState() (phy.LinkState, status.Status) {
	return ifc.driver.GetLinkState()
}

// Manager owns the interface table and route table shared across them.
type Manager struct {
	log    *slog.Logger
	cfg    *config.Config
	alloc  packet.Allocator
	clock  oal.Clock
	routes *route.Table

	nextID int
	ifaces []*Interface
}

// NewManager constructs an interface manager. routes is shared by every
// interface's IPv4 module, matching the single process-wide route table
// in the data model.
func NewManager(log *slog.Logger, cfg *config.Config, alloc packet.Allocator, clock oal.Clock, routes *route.Table) *Manager {
	return &Manager{log: log, cfg: cfg, alloc: alloc, clock: clock, routes: routes}
}

// Interfaces returns every interface added so far.
func (m *Manager) Interfaces() []*Interface { return m.ifaces }

// Routes returns the shared route table.
func (m *Manager) Routes() *route.Table { return m.routes }

// AddInterfaceParams configures one interface's construction.
type AddInterfaceParams struct {
	Name          string
	MAC           ethernet.Addr
	Driver        Driver
	IPv4          netaddr.IPv4
	Netmask       netaddr.IPv4
	Gateway       netaddr.IPv4
	RxPacketCount int
	RxPacketSize  int
}

// AddInterface allocates an id, builds the interface's protocol module
// stack per the config's feature gates, primes the driver's Rx ring, and
// installs the interface's connected route (and default gateway route, if
// any).
func (m *Manager) AddInterface(p AddInterfaceParams) (*Interface, status.Status) {
	if len(m.ifaces) >= m.cfg.MaxInterfaces {
		return nil, status.ResourceExhausted
	}
	id := m.nextID
	m.nextID++

	flags := oal.NewFlags()
	p.Driver.Attach(flags, workBit)
	if mc, ok := p.Driver.(MACConfigurer); ok {
		mc.SetMAC(p.MAC)
	}
	if ac, ok := p.Driver.(AddrConfigurer); ok {
		ac.SetIPv4(p.IPv4, p.Netmask, p.Gateway)
	}

	demux := ethernet.New(m.log, id, p.MAC, p.Driver)
	demux.SetLabel(p.Name)

	arpMod := arp.New(m.log, demux, m.alloc, m.clock, p.MAC, p.IPv4, m.cfg.MaxARPEntries, m.cfg.ARPValidityMs, m.cfg.ARPRequestTimeoutMs)
	arpMod.SetLabel(p.Name)
	demux.Register(ethernet.EtherTypeARP, arpMod)

	ipv4Mod := ipv4.New(m.log, demux, arpMod, m.routes, p.Driver, p.MAC, p.IPv4)
	demux.Register(ethernet.EtherTypeIPv4, ipv4Mod)

	var icmpMod *icmp.Module
	if m.cfg.EnableICMP {
		icmpMod = icmp.New(m.log, m.alloc, ipv4Mod, m.cfg.EnableICMPPing)
	}
	var udpMod *udp.Module
	if m.cfg.EnableUDP {
		udpMod = udp.New(m.log, m.alloc, ipv4Mod, p.IPv4, m.cfg.EnableUDPChecksum)
		udpMod.SetLabel(p.Name)
	}
	var tcpMod *tcp.Module
	if m.cfg.EnableTCP {
		tcpMod = tcp.New(m.log, m.alloc, ipv4Mod, m.clock, p.Driver, p.IPv4, m.cfg.TCPWindow, m.cfg.TCPMaxRetries, m.cfg.TCPStateTimeoutMs)
		tcpMod.SetLabel(p.Name)
	}

	for i := 0; i < p.RxPacketCount; i++ {
		b := m.alloc.Allocate(p.RxPacketSize)
		if b == nil {
			m.log.Info("iface: allocator exhausted priming rx ring", "iface", p.Name, "primed", i)
			break
		}
		p.Driver.AddRxPacket(b)
	}

	if p.IPv4 != netaddr.Zero {
		m.routes.Add(p.IPv4.Mask(p.Netmask), p.Netmask, netaddr.Zero, id)
		if p.Gateway != netaddr.Zero {
			m.routes.Add(netaddr.Zero, netaddr.Zero, p.Gateway, id)
		}
	}

	if st := p.Driver.Start(); !st.Ok() {
		return nil, st
	}

	ifc := &Interface{
		id: id, name: p.Name, mac: p.MAC, ipv4: p.IPv4, netmask: p.Netmask, gateway: p.Gateway,
		driver: p.Driver, demux: demux, arpMod: arpMod, ipv4Mod: ipv4Mod, icmpMod: icmpMod, udpMod: udpMod, tcpMod: tcpMod,
		log: m.log, clock: m.clock, alloc: m.alloc, flags: flags,
	}
	m.ifaces = append(m.ifaces, ifc)
	return ifc, status.OK
}

// Tick drives every interface's periodic sweep; used by a cooperative
// OS-less build in place of each interface's own task loop.
func (m *Manager) Tick(nowMs int64) {
	for _, ifc := range m.ifaces {
		ifc.Tick(nowMs)
	}
}
