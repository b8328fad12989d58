// Package phy defines the PHY-facing contracts of the driver boundary: the
// link state a driver reports upward, the 2-op MDIO bus a PHY driver is
// written against, and a generic IEEE 802.3 clause-22 device usable with
// any PHY that implements the standard BMCR/BMSR/ANAR/ANLPAR registers.
package phy

import "github.com/nanoip/nanoip/internal/status"

// LinkState is the negotiated state of a link as a driver reports it.
type LinkState uint8

const (
	LinkDown LinkState = iota
	LinkAutoNego
	LinkUp
	LinkUp10HD
	LinkUp10FD
	LinkUp100HD
	LinkUp100FD
	LinkUp1000FD
)

func (s LinkState) String() string {
	switch s {
	case LinkDown:
		return "down"
	case LinkAutoNego:
		return "auto_negotiating"
	case LinkUp:
		return "up"
	case LinkUp10HD:
		return "up_10_half"
	case LinkUp10FD:
		return "up_10_full"
	case LinkUp100HD:
		return "up_100_half"
	case LinkUp100FD:
		return "up_100_full"
	case LinkUp1000FD:
		return "up_1000_full"
	}
	return "unknown"
}

// Up reports whether s carries traffic.
func (s LinkState) Up() bool { return s >= LinkUp }

// Speed is a requested link speed in Mbit/s.
type Speed uint16

const (
	Speed10   Speed = 10
	Speed100  Speed = 100
	Speed1000 Speed = 1000
)

// Duplex selects half or full duplex operation.
type Duplex uint8

const (
	HalfDuplex Duplex = iota
	FullDuplex
)

// MDIO is the 2-op management bus a PHY driver is written against. Both
// operations are short register transactions, callable under the stack
// mutex.
type MDIO interface {
	Read(phyAddr, reg uint8) (uint16, status.Status)
	Write(phyAddr, reg uint8, v uint16) status.Status
}

// Device is the PHY vtable: reset, fixed or auto-negotiated
// configuration, and link state retrieval.
type Device interface {
	Reset() status.Status
	Configure(speed Speed, duplex Duplex) status.Status
	GetLinkState() (LinkState, status.Status)
}

// Clause-22 standard register numbers and bits.
const (
	regBMCR   = 0
	regBMSR   = 1
	regANAR   = 4
	regANLPAR = 5

	bmcrReset      = 1 << 15
	bmcrSpeed100   = 1 << 13
	bmcrANEnable   = 1 << 12
	bmcrANRestart  = 1 << 9
	bmcrFullDuplex = 1 << 8

	bmsrANComplete = 1 << 5
	bmsrLinkUp     = 1 << 2

	anlpar100FD = 1 << 8
	anlpar100HD = 1 << 7
	anlpar10FD  = 1 << 6
	anlpar10HD  = 1 << 5

	anarDefault = anlpar100FD | anlpar100HD | anlpar10FD | anlpar10HD | 0x0001
)

// Generic drives any clause-22 PHY through an MDIO bus.
type Generic struct {
	bus  MDIO
	addr uint8
}

// NewGeneric constructs a Generic device for the PHY at addr on bus.
func NewGeneric(bus MDIO, addr uint8) *Generic {
	return &Generic{bus: bus, addr: addr}
}

// Reset issues a software reset and waits for the PHY to clear the bit.
func (g *Generic) Reset() status.Status {
	if st := g.bus.Write(g.addr, regBMCR, bmcrReset); !st.Ok() {
		return st
	}
	for i := 0; i < 1000; i++ {
		v, st := g.bus.Read(g.addr, regBMCR)
		if !st.Ok() {
			return st
		}
		if v&bmcrReset == 0 {
			return status.OK
		}
	}
	return status.Timeout
}

// Configure programs a fixed speed/duplex, or restarts auto-negotiation
// when speed is 0.
func (g *Generic) Configure(speed Speed, duplex Duplex) status.Status {
	if speed == 0 {
		if st := g.bus.Write(g.addr, regANAR, anarDefault); !st.Ok() {
			return st
		}
		return g.bus.Write(g.addr, regBMCR, bmcrANEnable|bmcrANRestart)
	}
	var v uint16
	if speed == Speed100 {
		v |= bmcrSpeed100
	}
	if duplex == FullDuplex {
		v |= bmcrFullDuplex
	}
	return g.bus.Write(g.addr, regBMCR, v)
}

// GetLinkState reads BMSR twice (the link-down bit is latched low) and
// derives the negotiated mode from the link partner ability register.
func (g *Generic) GetLinkState() (LinkState, status.Status) {
	if _, st := g.bus.Read(g.addr, regBMSR); !st.Ok() {
		return LinkDown, st
	}
	bmsr, st := g.bus.Read(g.addr, regBMSR)
	if !st.Ok() {
		return LinkDown, st
	}
	if bmsr&bmsrLinkUp == 0 {
		return LinkDown, status.OK
	}
	if bmsr&bmsrANComplete == 0 {
		return LinkAutoNego, status.OK
	}
	anlpar, st := g.bus.Read(g.addr, regANLPAR)
	if !st.Ok() {
		return LinkUp, st
	}
	switch {
	case anlpar&anlpar100FD != 0:
		return LinkUp100FD, status.OK
	case anlpar&anlpar100HD != 0:
		return LinkUp100HD, status.OK
	case anlpar&anlpar10FD != 0:
		return LinkUp10FD, status.OK
	case anlpar&anlpar10HD != 0:
		return LinkUp10HD, status.OK
	}
	return LinkUp, status.OK
}
