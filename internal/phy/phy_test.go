package phy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoip/nanoip/internal/status"
)

// fakeMDIO is an in-memory register file standing in for a real management
// bus. Reset self-clears after one read, the way a real PHY's reset bit
// behaves.
type fakeMDIO struct {
	regs map[uint8]uint16
}

func newFakeMDIO() *fakeMDIO { return &fakeMDIO{regs: map[uint8]uint16{}} }

func (f *fakeMDIO) Read(phyAddr, reg uint8) (uint16, status.Status) {
	v := f.regs[reg]
	if reg == regBMCR && v&bmcrReset != 0 {
		f.regs[reg] = v &^ bmcrReset
	}
	return v, status.OK
}

func (f *fakeMDIO) Write(phyAddr, reg uint8, v uint16) status.Status {
	f.regs[reg] = v
	return status.OK
}

func TestResetWaitsForSelfClear(t *testing.T) {
	bus := newFakeMDIO()
	dev := NewGeneric(bus, 1)
	assert.Equal(t, status.OK, dev.Reset())
	assert.Zero(t, bus.regs[regBMCR]&bmcrReset)
}

func TestConfigureAutoNegotiation(t *testing.T) {
	bus := newFakeMDIO()
	dev := NewGeneric(bus, 1)
	require.Equal(t, status.OK, dev.Configure(0, FullDuplex))
	assert.NotZero(t, bus.regs[regBMCR]&bmcrANEnable)
	assert.NotZero(t, bus.regs[regBMCR]&bmcrANRestart)
	assert.Equal(t, uint16(anarDefault), bus.regs[regANAR])
}

func TestConfigureFixed100Full(t *testing.T) {
	bus := newFakeMDIO()
	dev := NewGeneric(bus, 1)
	require.Equal(t, status.OK, dev.Configure(Speed100, FullDuplex))
	assert.NotZero(t, bus.regs[regBMCR]&bmcrSpeed100)
	assert.NotZero(t, bus.regs[regBMCR]&bmcrFullDuplex)
	assert.Zero(t, bus.regs[regBMCR]&bmcrANEnable)
}

func TestGetLinkStateDerivesNegotiatedMode(t *testing.T) {
	bus := newFakeMDIO()
	dev := NewGeneric(bus, 1)

	ls, st := dev.GetLinkState()
	require.Equal(t, status.OK, st)
	assert.Equal(t, LinkDown, ls)

	bus.regs[regBMSR] = bmsrLinkUp
	ls, _ = dev.GetLinkState()
	assert.Equal(t, LinkAutoNego, ls)

	bus.regs[regBMSR] = bmsrLinkUp | bmsrANComplete
	bus.regs[regANLPAR] = anlpar100FD | anlpar10HD
	ls, _ = dev.GetLinkState()
	assert.Equal(t, LinkUp100FD, ls)
	assert.True(t, ls.Up())

	bus.regs[regANLPAR] = anlpar10HD
	ls, _ = dev.GetLinkState()
	assert.Equal(t, LinkUp10HD, ls)
}
