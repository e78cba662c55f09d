package hci

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/hcicore"
	"github.com/rigado/hcicore/linux/hci/cmd"
	"github.com/stretchr/testify/require"
)

func TestInitStages(t *testing.T) {
	f := newFakeCtrl()
	d, _ := openTestDevice(t, f)

	ops := f.sent()
	require.True(t, len(ops) > 4)
	require.Equal(t, []uint16{
		cmd.OpReset,
		cmd.OpReadLocalFeatures,
		cmd.OpReadLocalVersion,
		cmd.OpReadBDAddr,
	}, ops[:4])
	for _, op := range []uint16{
		cmd.OpReadBufferSize,
		cmd.OpLEReadBufferSize,
		cmd.OpReadLocalCommands,
		cmd.OpSetEventMask,
		cmd.OpLESetEventMask,
		cmd.OpWriteLEHostSupported,
	} {
		require.Equal(t, 1, f.count(op), cmd.Name(op))
	}
	// nothing the controller does not list
	require.Zero(t, f.count(cmd.OpDeleteStoredLinkKey))
	require.Zero(t, f.count(cmd.OpSetEventMaskPage2))

	i := d.Info()
	require.Equal(t, uint8(9), i.HCIVersion)
	require.Equal(t, uint16(0x000f), i.Manufacturer)
	require.Equal(t, testAddr, i.BDAddr)
	require.Equal(t, uint16(64), i.ACLMTU)
	require.Equal(t, uint16(8), i.ACLPkts)
	require.True(t, i.LECapable())
	require.True(t, i.hostLECapable())
	require.Equal(t, invalidTxPower, i.AdvTxPower)

	require.True(t, d.flags.test(FlagLEEnabled))
	require.True(t, d.flags.test(FlagBREDREnabled))
	require.False(t, d.flags.test(FlagInit))

	d.sched.mu.Lock()
	require.Equal(t, 8, d.sched.aclCnt)
	require.True(t, d.sched.leShared())
	d.sched.mu.Unlock()
}

func TestInitEventMask(t *testing.T) {
	f := newFakeCtrl()
	openTestDevice(t, f)

	require.Equal(t, []byte{0xff, 0xff, 0xfb, 0xff, 0x01, 0x00, 0x00, 0x20}, f.params(cmd.OpSetEventMask))
	require.Equal(t, []byte{0x01, 0x00}, f.params(cmd.OpWriteLEHostSupported))
}

func TestInitLEOnly(t *testing.T) {
	f := newFakeCtrl()
	// LE supported, BR/EDR not supported
	f.setReply(cmd.OpReadLocalFeatures, 0x00, 0x00, 0x00, 0x00, 0x00, 0x60, 0x00, 0x00, 0x00)
	cfg := testConfig()
	cfg.LE = false
	d, _ := openTestDevice(t, f, hcicore.OptConfig(cfg))

	require.Zero(t, f.count(cmd.OpReadBufferSize))
	require.Zero(t, f.count(cmd.OpWriteLEHostSupported))
	require.Equal(t, 1, f.count(cmd.OpLEReadBufferSize))
	require.False(t, d.flags.test(FlagBREDREnabled))
	require.True(t, d.flags.test(FlagLEEnabled))
	require.Equal(t, []byte{0x00, 0xe0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x20}, f.params(cmd.OpSetEventMask))
}

func TestInitStoredLinkKeys(t *testing.T) {
	f := newFakeCtrl()
	commands := make([]byte, 65)
	commands[1+6] = 0x20 | 0x80 // Read and Delete Stored Link Key
	f.setReply(cmd.OpReadLocalCommands, commands...)
	openTestDevice(t, f)

	require.Equal(t, 1, f.count(cmd.OpReadStoredLinkKey))
	require.Equal(t, 1, f.count(cmd.OpDeleteStoredLinkKey))
	require.Equal(t, byte(0x01), f.params(cmd.OpDeleteStoredLinkKey)[6])
}

func TestInitBrokenStoredLinkKey(t *testing.T) {
	f := newFakeCtrl()
	commands := make([]byte, 65)
	commands[1+6] = 0x20 | 0x80
	f.setReply(cmd.OpReadLocalCommands, commands...)
	openTestDevice(t, f, OptQuirks(QuirkBrokenStoredLinkKey))

	require.Zero(t, f.count(cmd.OpReadStoredLinkKey))
	require.Zero(t, f.count(cmd.OpDeleteStoredLinkKey))
}

func TestInitAMP(t *testing.T) {
	f := newFakeCtrl()
	d, _ := openTestDevice(t, f, OptAMP())

	require.Equal(t, []uint16{
		cmd.OpReset,
		cmd.OpReadLocalVersion,
		cmd.OpReadLocalCommands,
		cmd.OpReadLocalAMPInfo,
		cmd.OpReadDataBlockSize,
		cmd.OpReadFlowControlMode,
		cmd.OpReadLocationData,
	}, f.sent())

	i := d.Info()
	require.Equal(t, uint8(FlowCtlBlockBased), i.FlowCtlMode)
	require.Equal(t, uint16(0x20), i.BlockMTU)
	require.Equal(t, uint16(4), i.NumBlocks)

	d.sched.mu.Lock()
	defer d.sched.mu.Unlock()
	require.True(t, d.sched.blockMode())
	require.Equal(t, 4, d.sched.blockCnt)
	require.Equal(t, 0x10, d.sched.blockLen)
}

func TestInitResetOnCloseQuirk(t *testing.T) {
	f := newFakeCtrl()
	d, _ := openTestDevice(t, f, OptQuirks(QuirkResetOnClose))
	require.Zero(t, f.count(cmd.OpReset))

	require.NoError(t, d.Close())
	require.Equal(t, 1, f.count(cmd.OpReset))
}

func TestInitStageTimeout(t *testing.T) {
	f := newFakeCtrl()
	f.setSilent(cmd.OpReadLocalFeatures)
	cfg := testConfig()
	cfg.CmdTimeout = 50 * time.Millisecond
	cfg.InitTimeout = 200 * time.Millisecond
	d := newTestDevice(t, f, hcicore.OptConfig(cfg))
	d.flags.set(FlagSetup)

	err := d.Open()
	require.Equal(t, ErrCommandTimeout, errors.Cause(err))
	require.False(t, d.IsUp())
	require.Zero(t, d.Flags()&openFlags)
	require.Equal(t, 1, f.openCount())
	require.Equal(t, 1, f.closeCount())
	require.True(t, d.work.idle())
	require.Zero(t, d.inFlight())

	// the transport can be opened again
	f.mu.Lock()
	delete(f.silent, cmd.OpReadLocalFeatures)
	f.mu.Unlock()
	require.NoError(t, d.Open())
	require.True(t, d.IsUp())
	require.NoError(t, d.Close())
}

func TestInitUnconfiguredTimeout(t *testing.T) {
	f := newFakeCtrl()
	f.setSilent(cmd.OpReadLocalVersion)
	cfg := testConfig()
	cfg.CmdTimeout = 50 * time.Millisecond
	cfg.InitTimeout = 200 * time.Millisecond
	d := newTestDevice(t, f, hcicore.OptConfig(cfg), OptQuirks(QuirkInvalidBDAddr))
	d.flags.set(FlagSetup)

	err := d.Open()
	require.Equal(t, ErrCommandTimeout, errors.Cause(err))
	require.Equal(t, FlagUnconfigured, d.Flags()&(openFlags|FlagUnconfigured))
}

func TestInitDriverOpenFails(t *testing.T) {
	f := newFakeCtrl()
	f.openErr = errors.New("no such file")
	d := newTestDevice(t, f)
	d.flags.set(FlagSetup)

	require.Error(t, d.Open())
	require.Zero(t, d.Flags()&openFlags)
	require.True(t, d.work.idle())
}
