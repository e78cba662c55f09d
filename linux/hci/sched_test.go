package hci

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/rigado/hcicore"
	"github.com/rigado/hcicore/linux/hci/cmd"
	"github.com/stretchr/testify/require"
)

var (
	addrA = hcicore.BDAddr{0xa0, 0xa1, 0xa2, 0xa3, 0xa4, 0xa5}
	addrB = hcicore.BDAddr{0xb0, 0xb1, 0xb2, 0xb3, 0xb4, 0xb5}
)

// newSchedDevice returns a device with 10 octet ACL buffers whose scheduler
// is driven by calling txWork directly.
func newSchedDevice(t *testing.T, opts ...hcicore.Option) (*Device, *fakeCtrl) {
	f := newFakeCtrl()
	d := newTestDevice(t, f, opts...)
	d.updateInfo(func(i *Info) {
		i.ACLMTU = 10
		i.BlockMTU = 32
	})
	return d, f
}

func addTestConn(t *testing.T, d *Device, handle uint16, lt LinkType, a hcicore.BDAddr) *Conn {
	c, err := d.connAdd(handle, lt, a, RoleMaster)
	require.NoError(t, err)
	return c
}

func setSent(d *Device, c *Conn, n int) {
	d.sched.mu.Lock()
	c.sent = n
	d.sched.mu.Unlock()
}

// sentHandles lists the connection handle of every data frame sent.
func sentHandles(f *fakeCtrl) []uint16 {
	var hh []uint16
	for _, b := range f.data() {
		hh = append(hh, binary.LittleEndian.Uint16(b[1:])&0x0fff)
	}
	return hh
}

func TestQuota(t *testing.T) {
	require.Equal(t, 5, quota(10, 2))
	require.Equal(t, 3, quota(10, 3))
	require.Equal(t, 1, quota(1, 3))
	require.Equal(t, 1, quota(0, 2))
}

func TestSchedLeastSentFirst(t *testing.T) {
	d, f := newSchedDevice(t)
	d.sched.setPacketCredits(10, 0)
	a := addTestConn(t, d, 0x01, ACLLink, addrA)
	b := addTestConn(t, d, 0x02, ACLLink, addrB)
	setSent(d, b, 50)

	require.NoError(t, a.Chan().Send(make([]byte, 200), PrioDefault))
	require.NoError(t, b.Chan().Send(make([]byte, 200), PrioDefault))

	d.txWork()
	handles := sentHandles(f)
	require.Len(t, handles, 10)
	for _, h := range handles {
		require.Equal(t, uint16(0x01), h)
	}
	require.Zero(t, d.sched.aclCnt)
}

func TestSchedAlternates(t *testing.T) {
	d, f := newSchedDevice(t)
	d.sched.setPacketCredits(10, 0)
	a := addTestConn(t, d, 0x01, ACLLink, addrA)
	b := addTestConn(t, d, 0x02, ACLLink, addrB)
	setSent(d, b, 4)

	require.NoError(t, a.Chan().Send(make([]byte, 200), PrioDefault))
	require.NoError(t, b.Chan().Send(make([]byte, 200), PrioDefault))

	d.txWork()
	require.Equal(t, []uint16{1, 1, 1, 1, 1, 2, 2, 1, 1, 2}, sentHandles(f))
}

func TestSchedFragments(t *testing.T) {
	d, f := newSchedDevice(t)
	d.sched.setPacketCredits(8, 0)
	a := addTestConn(t, d, 0x01, ACLLink, addrA)

	pdu := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	require.NoError(t, a.Chan().Send(pdu, PrioDefault))
	d.txWork()

	frames := f.data()
	require.Len(t, frames, 2)
	require.Equal(t, []byte{PktTypeACLData, 0x01, 0x20, 0x0a, 0x00, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, frames[0])
	require.Equal(t, []byte{PktTypeACLData, 0x01, 0x10, 0x02, 0x00, 11, 12}, frames[1])
}

func TestSchedCompletedPackets(t *testing.T) {
	d, f := newSchedDevice(t)
	d.sched.setPacketCredits(4, 0)
	a := addTestConn(t, d, 0x01, ACLLink, addrA)

	require.NoError(t, a.Chan().Send(make([]byte, 60), PrioDefault))
	d.txWork()
	require.Len(t, f.data(), 4)
	require.Zero(t, d.sched.aclCnt)

	// handle 0x0001, 3 packets
	require.NoError(t, d.handleNumberOfCompletedPackets([]byte{0x01, 0x01, 0x00, 0x03, 0x00}))
	require.Equal(t, 3, d.sched.aclCnt)
	require.Equal(t, 1, a.sent)

	d.txWork()
	require.Len(t, f.data(), 6)

	// never above what the controller has
	require.NoError(t, d.handleNumberOfCompletedPackets([]byte{0x01, 0x01, 0x00, 0x20, 0x00}))
	require.Equal(t, 4, d.sched.aclCnt)
	require.Zero(t, a.sent)
}

func TestSchedConnRemovalReturnsCredits(t *testing.T) {
	d, f := newSchedDevice(t)
	d.sched.setPacketCredits(4, 0)
	a := addTestConn(t, d, 0x01, ACLLink, addrA)

	var reason uint8
	d.h.disconn = func(c *Conn, r uint8) { reason = r }

	require.NoError(t, a.Chan().Send(make([]byte, 100), PrioDefault))
	d.txWork()
	require.Len(t, f.data(), 4)
	require.Zero(t, d.sched.aclCnt)

	d.connDel(a, reasonRemoteUserTerm)
	require.Equal(t, uint8(reasonRemoteUserTerm), reason)
	require.Equal(t, 4, d.sched.aclCnt)
	require.Nil(t, a.chans[0].q)
	require.Equal(t, ErrDisconnected, a.Chan().Send([]byte{1}, PrioDefault))

	// late completions for the removed link change nothing
	d.sched.packetsDone(a, 2)
	require.Equal(t, 4, d.sched.aclCnt)
}

func TestSchedPriority(t *testing.T) {
	d, f := newSchedDevice(t)
	d.sched.setPacketCredits(2, 0)
	a := addTestConn(t, d, 0x01, ACLLink, addrA)
	b := addTestConn(t, d, 0x02, ACLLink, addrB)

	require.NoError(t, b.Chan().Send(make([]byte, 20), PrioDefault))
	require.NoError(t, a.Chan().Send(make([]byte, 20), 3))

	d.txWork()
	require.Equal(t, []uint16{1, 1}, sentHandles(f))

	// passed over, so promoted
	require.Equal(t, uint8(1), b.chans[0].q[0].prio)
}

func TestSchedPromotionCapped(t *testing.T) {
	d, _ := newSchedDevice(t)
	a := addTestConn(t, d, 0x01, ACLLink, addrA)
	require.NoError(t, a.Chan().Send([]byte{1}, PrioMax+3))

	d.sched.mu.Lock()
	defer d.sched.mu.Unlock()
	u := a.chans[0].q[0]
	require.Equal(t, PrioMax-1, u.prio)
	d.sched.prioRecalculate(&txPass{conns: d.Conns()}, ACLLink)
	require.Equal(t, PrioMax-1, u.prio)
}

func TestSchedChannels(t *testing.T) {
	d, f := newSchedDevice(t)
	d.sched.setPacketCredits(4, 0)
	a := addTestConn(t, d, 0x01, ACLLink, addrA)
	ch, err := a.NewChan()
	require.NoError(t, err)
	require.Same(t, a, ch.Conn())

	require.NoError(t, a.Chan().Send(make([]byte, 20), PrioDefault))
	require.NoError(t, ch.Send(make([]byte, 20), PrioDefault))
	d.txWork()
	require.Len(t, f.data(), 4)

	sco := addTestConn(t, d, 0x02, SCOLink, addrB)
	_, err = sco.NewChan()
	require.Error(t, err)
	require.Nil(t, sco.Chan())
}

func TestSchedWatchdog(t *testing.T) {
	d, f := newSchedDevice(t)
	d.sched.setPacketCredits(1, 0)
	a := addTestConn(t, d, 0x01, ACLLink, addrA)

	require.NoError(t, a.Chan().Send(make([]byte, 20), PrioDefault))
	d.txWork()
	require.Len(t, f.data(), 1)

	d.sched.mu.Lock()
	defer d.sched.mu.Unlock()
	require.NotNil(t, d.sched.watch)
	require.False(t, a.killed)
	d.sched.watch.Stop()
}

func TestSchedKillsStalledConn(t *testing.T) {
	d, f := newSchedDevice(t)
	runEngine(t, d)
	d.sched.setPacketCredits(1, 0)
	a := addTestConn(t, d, 0x01, ACLLink, addrA)

	require.NoError(t, a.Chan().Send(make([]byte, 20), PrioDefault))
	require.Eventually(t, func() bool { return len(f.data()) == 1 }, waitFor, tick)

	// no credits back for longer than the link may stay silent
	d.sched.mu.Lock()
	d.sched.aclLastTx = time.Now().Add(-time.Hour)
	d.sched.mu.Unlock()
	d.kickTx()

	require.Eventually(t, func() bool { return f.count(cmd.OpDisconnect) == 1 }, waitFor, tick)
	require.Equal(t, []byte{0x01, 0x00, reasonRemoteUserTerm}, f.params(cmd.OpDisconnect))
	d.sched.mu.Lock()
	require.True(t, a.killed)
	d.sched.mu.Unlock()
}

func TestSchedLEBuffers(t *testing.T) {
	d, f := newSchedDevice(t)
	d.updateInfo(func(i *Info) { i.LEMTU = 27 })
	d.sched.setPacketCredits(4, 0)
	d.sched.setLECredits(27, 1)
	le := addTestConn(t, d, 0x03, LELink, addrA)

	require.NoError(t, le.Chan().Send(make([]byte, 40), PrioDefault))
	d.txWork()

	frames := f.data()
	require.Len(t, frames, 1)
	// LE starts are non-flushable
	require.Equal(t, byte(0x00), frames[0][2]&0x30)
	require.Equal(t, 27, int(binary.LittleEndian.Uint16(frames[0][3:])))
	require.Zero(t, d.sched.leCnt)
	require.Equal(t, 4, d.sched.aclCnt)
}

func TestSchedLESharesACL(t *testing.T) {
	d, f := newSchedDevice(t)
	d.sched.setPacketCredits(2, 0)
	le := addTestConn(t, d, 0x03, LELink, addrA)

	require.NoError(t, le.Chan().Send(make([]byte, 30), PrioDefault))
	d.txWork()
	require.Len(t, f.data(), 2)
	require.Zero(t, d.sched.aclCnt)
}

func TestSchedSCO(t *testing.T) {
	d, f := newSchedDevice(t)
	d.sched.setPacketCredits(4, 2)
	sco := addTestConn(t, d, 0x05, SCOLink, addrA)

	for i := 0; i < 3; i++ {
		require.NoError(t, sco.SendSCO([]byte{byte(i), 0xff}))
	}
	d.txWork()

	// without SCO flow control the buffers are not counted
	frames := f.data()
	require.Len(t, frames, 3)
	require.Equal(t, []byte{PktTypeSCOData, 0x05, 0x00, 0x02, 0x00, 0xff}, frames[0])
	require.Equal(t, 2, d.sched.scoCnt)

	require.Error(t, sco.SendSCO(make([]byte, maxHciPayload+1)))
	acl := addTestConn(t, d, 0x06, ACLLink, addrB)
	require.Error(t, acl.SendSCO([]byte{1}))
}

func TestSchedSCOFlowControl(t *testing.T) {
	cfg := testConfig()
	cfg.SCOFlowControl = true
	d, f := newSchedDevice(t, hcicore.OptConfig(cfg))
	d.sched.setPacketCredits(4, 2)
	sco := addTestConn(t, d, 0x05, ESCOLink, addrA)

	for i := 0; i < 3; i++ {
		require.NoError(t, sco.SendSCO([]byte{byte(i)}))
	}
	d.txWork()
	require.Len(t, f.data(), 2)
	require.Zero(t, d.sched.scoCnt)

	d.sched.packetsDone(sco, 1)
	d.txWork()
	require.Len(t, f.data(), 3)
}

func TestSchedBlocks(t *testing.T) {
	d, f := newSchedDevice(t, OptAMP())
	d.sched.setFlowMode(FlowCtlBlockBased)
	d.sched.setBlockCredits(4, 10)
	c := addTestConn(t, d, 0x10, AMPLink, addrA)

	// 25 octets take 3 blocks
	require.NoError(t, c.Chan().Send(make([]byte, 25), PrioDefault))
	require.NoError(t, c.Chan().Send(make([]byte, 25), PrioDefault))
	d.txWork()
	require.Len(t, f.data(), 1)
	require.Equal(t, 1, d.sched.blockCnt)
	require.Len(t, c.chans[0].q, 1)

	// packet based completions do not apply
	require.NoError(t, d.handleNumberOfCompletedPackets([]byte{0x01, 0x10, 0x00, 0x01, 0x00}))
	require.Equal(t, 1, d.sched.blockCnt)

	// handle 0x0010, 1 packet, 3 blocks
	require.NoError(t, d.handleNumberOfCompletedDataBlocks([]byte{0x04, 0x00, 0x01, 0x10, 0x00, 0x01, 0x00, 0x03, 0x00}))
	require.Equal(t, 4, d.sched.blockCnt)

	d.txWork()
	require.Len(t, f.data(), 2)
}

func TestSchedOversizeBlockUnitWaits(t *testing.T) {
	d, f := newSchedDevice(t, OptAMP())
	d.sched.setFlowMode(FlowCtlBlockBased)
	d.sched.setBlockCredits(2, 10)
	c := addTestConn(t, d, 0x10, AMPLink, addrA)

	require.NoError(t, c.Chan().Send(make([]byte, 25), PrioDefault))
	d.txWork()
	require.Empty(t, f.data())
	require.Len(t, c.chans[0].q, 1)
	require.Equal(t, 2, d.sched.blockCnt)
}

func TestSchedSuspended(t *testing.T) {
	d, f := newSchedDevice(t)
	d.sched.setPacketCredits(4, 0)
	a := addTestConn(t, d, 0x01, ACLLink, addrA)
	require.NoError(t, a.Chan().Send([]byte{1}, PrioDefault))

	d.flags.set(FlagSuspended)
	d.txWork()
	require.Empty(t, f.data())

	d.flags.clear(FlagSuspended)
	d.txWork()
	require.Len(t, f.data(), 1)
}

func TestSendRaw(t *testing.T) {
	d, f := newSchedDevice(t)
	d.sched.setPacketCredits(4, 0)
	a := addTestConn(t, d, 0x01, ACLLink, addrA)
	require.NoError(t, a.Chan().Send([]byte{1}, PrioDefault))

	require.Error(t, d.SendRaw([]byte{PktTypeACLData}))

	d.flags.set(FlagUserChannel | FlagRunning)
	require.Equal(t, ErrInvalidFrame, d.SendRaw(nil))
	raw := []byte{PktTypeACLData, 0x07, 0x00, 0x01, 0x00, 0xee}
	require.NoError(t, d.SendRaw(raw))
	d.txWork()

	// exclusive access bypasses the scheduler
	require.Equal(t, [][]byte{raw}, f.data())
}
