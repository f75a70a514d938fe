package lan8720_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ethctl/internal/chip/lan8720"
	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/device"
	"firestige.xyz/ethctl/internal/mii"
	"firestige.xyz/ethctl/internal/regio"
	"firestige.xyz/ethctl/internal/sim"
)

func bringUp(t *testing.T) (*lan8720.PHY, *sim.PHY) {
	t.Helper()
	model := sim.NewPHY(1)
	phy := lan8720.New(model, 1, "phy")
	in := device.Initializer{Name: "phy", Poll: regio.Poller{Retries: 5}}
	require.NoError(t, in.Run(phy))
	return phy, model
}

func TestConfigure(t *testing.T) {
	_, model := bringUp(t)

	assert.Equal(t, uint16(mii.ANARAll), model.Reg(mii.RegANAR))
	assert.NotZero(t, model.Reg(mii.RegBMCR)&uint16(mii.BMCRANEnable))
	assert.Equal(t, lan8720.IntANComplete|lan8720.IntLinkDown, model.Reg(lan8720.RegIMR))
}

func TestWrongAddressNeverReady(t *testing.T) {
	phy := lan8720.New(sim.NewPHY(1), 2, "")
	in := device.Initializer{Name: "phy", Poll: regio.Poller{Retries: 3}}

	assert.ErrorIs(t, in.Run(phy), core.ErrTimeout)
	assert.Equal(t, device.StateFailed, in.State())
}

func TestLinkStateDecode(t *testing.T) {
	phy, model := bringUp(t)
	assert.False(t, phy.LinkState(1).Up)

	cases := []core.LinkState{
		{Up: true, Speed: core.Speed100, Duplex: core.DuplexFull},
		{Up: true, Speed: core.Speed100, Duplex: core.DuplexHalf},
		{Up: true, Speed: core.Speed10, Duplex: core.DuplexFull},
		{Up: true, Speed: core.Speed10, Duplex: core.DuplexHalf},
	}
	for _, want := range cases {
		model.SetLink(want)
		assert.Equal(t, want, phy.LinkState(1), want.String())
		assert.Equal(t, want, phy.HostLink())
	}
	assert.Equal(t, core.LinkState{}, phy.LinkState(2))
}

func TestLatchedLinkLoss(t *testing.T) {
	phy, model := bringUp(t)
	up := core.LinkState{Up: true, Speed: core.Speed100, Duplex: core.DuplexFull}
	model.SetLink(up)
	model.SetLink(core.LinkState{})
	model.SetLink(up)

	// the first BMSR read returns the latched failure, the second the live link
	assert.Equal(t, up, phy.LinkState(1))
}

func TestInterruptSources(t *testing.T) {
	phy, model := bringUp(t)
	assert.False(t, model.Asserted())

	model.SetLink(core.LinkState{Up: true, Speed: core.Speed10, Duplex: core.DuplexHalf})
	assert.True(t, model.Asserted())
	isr, err := phy.Interrupts()
	require.NoError(t, err)
	assert.Equal(t, lan8720.IntANComplete, isr)
	assert.False(t, model.Asserted())

	model.SetLink(core.LinkState{})
	isr, err = phy.Interrupts()
	require.NoError(t, err)
	assert.Equal(t, lan8720.IntLinkDown, isr)
}

var _ device.Link = (*lan8720.PHY)(nil)
