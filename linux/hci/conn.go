package hci

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/hcicore"
	"github.com/rigado/hcicore/linux/hci/cmd"
)

// Conn is a logical link to a remote device.
type Conn struct {
	d *Device

	Handle uint16
	Type   LinkType
	Addr   hcicore.BDAddr
	Role   uint8

	// Guarded by the scheduler lock.
	sent    int
	chans   []*Chan
	dataQ   [][]byte
	removed bool
	killed  bool
}

// Chan is an outbound queue of a connection. Units leave a channel in order.
type Chan struct {
	conn *Conn
	sent int
	q    []*Unit
}

// Unit is one frame waiting for a controller buffer.
type Unit struct {
	prio  uint8
	frame []byte
}

// connHash indexes the live connections of a device by handle. list keeps
// them in creation order, which is the order the scheduler walks them.
type connHash struct {
	sync.RWMutex
	m    map[uint16]*Conn
	list []*Conn
	num  map[LinkType]int
}

func (h *connHash) init() {
	h.m = make(map[uint16]*Conn)
	h.num = make(map[LinkType]int)
}

func (h *connHash) count(t LinkType) int {
	h.RLock()
	defer h.RUnlock()
	return h.num[t]
}

// Conn returns the connection with handle, or nil.
func (d *Device) Conn(handle uint16) *Conn {
	d.conns.RLock()
	defer d.conns.RUnlock()
	return d.conns.m[handle]
}

// Conns returns the live connections in creation order.
func (d *Device) Conns() []*Conn {
	d.conns.RLock()
	defer d.conns.RUnlock()
	cc := make([]*Conn, len(d.conns.list))
	copy(cc, d.conns.list)
	return cc
}

// ConnByAddr returns the connection of type t to a, or nil.
func (d *Device) ConnByAddr(t LinkType, a hcicore.BDAddr) *Conn {
	d.conns.RLock()
	defer d.conns.RUnlock()
	for _, c := range d.conns.list {
		if c.Type == t && c.Addr == a {
			return c
		}
	}
	return nil
}

// connAdd registers a connection the controller reported as established.
func (d *Device) connAdd(handle uint16, t LinkType, a hcicore.BDAddr, role uint8) (*Conn, error) {
	c := &Conn{
		d:      d,
		Handle: handle & 0x0fff,
		Type:   t,
		Addr:   a,
		Role:   role,
	}
	if t != SCOLink && t != ESCOLink {
		c.chans = []*Chan{{conn: c}}
	}

	d.conns.Lock()
	defer d.conns.Unlock()
	if _, ok := d.conns.m[c.Handle]; ok {
		return nil, errors.Errorf("connection handle 0x%03X already in use", c.Handle)
	}
	d.conns.m[c.Handle] = c
	d.conns.list = append(d.conns.list, c)
	d.conns.num[t]++
	return c, nil
}

// connDel removes c, drops whatever it still had queued, and hands back the
// credits its unacknowledged frames held.
func (d *Device) connDel(c *Conn, reason uint8) {
	d.conns.Lock()
	if d.conns.m[c.Handle] != c {
		d.conns.Unlock()
		return
	}
	delete(d.conns.m, c.Handle)
	for i, p := range d.conns.list {
		if p == c {
			d.conns.list = append(d.conns.list[:i], d.conns.list[i+1:]...)
			break
		}
	}
	d.conns.num[c.Type]--
	d.conns.Unlock()

	d.sched.release(c)
	d.failConnRequests(c.Handle)

	if d.h.disconn != nil {
		d.h.disconn(c, reason)
	}
	d.kickTx()
}

// connHashFlush removes every connection, as after a close or a reset.
func (d *Device) connHashFlush() {
	for _, c := range d.Conns() {
		d.connDel(c, uint8(ErrLocalHost))
	}
}

// Chan returns the default channel of an ACL, LE or AMP link.
func (c *Conn) Chan() *Chan {
	c.d.sched.mu.Lock()
	defer c.d.sched.mu.Unlock()
	if len(c.chans) == 0 {
		return nil
	}
	return c.chans[0]
}

// NewChan adds a channel to an ACL, LE or AMP link.
func (c *Conn) NewChan() (*Chan, error) {
	if c.Type == SCOLink || c.Type == ESCOLink {
		return nil, errors.Wrapf(ErrNotSupported, "channel on %s link", c.Type)
	}
	c.d.sched.mu.Lock()
	defer c.d.sched.mu.Unlock()
	if c.removed {
		return nil, ErrDisconnected
	}
	ch := &Chan{conn: c}
	c.chans = append(c.chans, ch)
	return ch, nil
}

// Conn returns the connection the channel belongs to.
func (ch *Chan) Conn() *Conn { return ch.conn }

// mtu returns the controller buffer size for data sent on c.
func (c *Conn) mtu() int {
	i := c.d.Info()
	switch {
	case c.Type == AMPLink || i.FlowCtlMode == FlowCtlBlockBased && c.d.typ == DevAMP:
		return int(i.BlockMTU)
	case c.Type == LELink && i.LEMTU != 0:
		return int(i.LEMTU)
	}
	return int(i.ACLMTU)
}

// Send queues an upper layer PDU, split into fragments that fit the
// controller's buffers [Vol 3, Part A, 7.2.1]. All fragments carry prio.
func (ch *Chan) Send(pdu []byte, prio uint8) error {
	c := ch.conn
	mtu := c.mtu()
	if mtu == 0 {
		return errors.Wrap(ErrNotUp, "no data buffers")
	}
	if prio >= PrioMax {
		prio = PrioMax - 1
	}

	// ACL boundary flags
	flags := uint16(PbfFlushableStart << 4)
	if c.Type == LELink {
		flags = PbfHostToControllerStart << 4
	}

	var units []*Unit
	for len(pdu) > 0 {
		n := len(pdu)
		if n > mtu {
			n = mtu
		}
		b := make([]byte, 1+aclHdrSize+n)
		b[0] = PktTypeACLData
		binary.LittleEndian.PutUint16(b[1:], c.Handle|(flags<<8))
		binary.LittleEndian.PutUint16(b[3:], uint16(n))
		copy(b[5:], pdu[:n])
		units = append(units, &Unit{prio: prio, frame: b})

		// Set "continuing" in the boundary flags for the rest of fragments, if any.
		flags = PbfContinuing << 4
		pdu = pdu[n:]
	}

	d := c.d
	d.sched.mu.Lock()
	if c.removed {
		d.sched.mu.Unlock()
		return ErrDisconnected
	}
	ch.q = append(ch.q, units...)
	d.sched.mu.Unlock()

	d.kickTx()
	return nil
}

// SendSCO queues one synchronous data packet [Vol 2, Part E, 5.4.3].
func (c *Conn) SendSCO(data []byte) error {
	if c.Type != SCOLink && c.Type != ESCOLink {
		return errors.Wrapf(ErrNotSupported, "sco data on %s link", c.Type)
	}
	if len(data) > maxHciPayload {
		return errors.Errorf("sco data too long (%d)", len(data))
	}

	b := make([]byte, 1+scoHdrSize+len(data))
	b[0] = PktTypeSCOData
	binary.LittleEndian.PutUint16(b[1:], c.Handle)
	b[3] = byte(len(data))
	copy(b[4:], data)

	d := c.d
	d.sched.mu.Lock()
	if c.removed {
		d.sched.mu.Unlock()
		return ErrDisconnected
	}
	c.dataQ = append(c.dataQ, b)
	d.sched.mu.Unlock()

	d.kickTx()
	return nil
}

// Disconnect asks the controller to terminate the link. The connection goes
// away when the Disconnection Complete event arrives.
func (c *Conn) Disconnect(reason uint8) error {
	b, err := marshalCmd(&cmd.Disconnect{ConnectionHandle: c.Handle, Reason: reason})
	if err != nil {
		return err
	}
	return c.d.Submit(cmd.OpDisconnect, b, 0, Completion{})
}
