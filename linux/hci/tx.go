package hci

import (
	"time"

	"github.com/pkg/errors"
)

// txPass is the outcome of one scheduling pass: the frames to send, in order,
// and the connections found stalled.
type txPass struct {
	now     time.Time
	conns   []*Conn
	out     [][]byte
	stalled []*Conn
}

func (p *txPass) send(b []byte) { p.out = append(p.out, b) }

func (p *txPass) count(t LinkType) int {
	n := 0
	for _, c := range p.conns {
		if c.Type == t && !c.removed {
			n++
		}
	}
	return n
}

// waiting reports whether some connection of type t waits for credits.
func (p *txPass) waiting(t LinkType) bool {
	for _, c := range p.conns {
		if c.Type == t && !c.removed && !c.killed && c.sent > 0 {
			return true
		}
	}
	return false
}

func (ch *Chan) pop() *Unit {
	u := ch.q[0]
	ch.q[0] = nil
	ch.q = ch.q[1:]
	return u
}

// txWork schedules queued data under the controller's credit limits and
// hands the chosen frames to the driver.
func (d *Device) txWork() {
	if d.flags.test(FlagSuspended) {
		return
	}

	s := &d.sched
	p := &txPass{now: time.Now()}

	s.mu.Lock()
	if !d.flags.test(FlagUserChannel) {
		p.conns = d.Conns()
		s.schedSync(p, SCOLink)
		s.schedSync(p, ESCOLink)
		s.schedACL(p)
		s.schedLE(p)
		s.watchdog(p)
	}
	s.mu.Unlock()

	d.rawMu.Lock()
	raw := d.rawQ
	d.rawQ = nil
	d.rawMu.Unlock()

	for _, b := range p.out {
		d.sendData(b)
	}
	// Send queued raw (unknown type) packets.
	for _, b := range raw {
		d.sendData(b)
	}

	for _, c := range p.stalled {
		d.logger.Errorf("killing stalled connection %s (handle 0x%03X)", c.Addr, c.Handle)
		if err := c.Disconnect(reasonRemoteUserTerm); err != nil {
			d.logger.Warnf("can't disconnect stalled connection: %v", err)
		}
	}
}

func (d *Device) sendData(b []byte) {
	if err := d.drv.Send(b); err != nil {
		d.stats.errTx.Add(1)
		d.logger.Errorf("can't send frame: %v", err)
		return
	}
	switch b[0] {
	case PktTypeACLData:
		d.stats.aclTx.Add(1)
	case PktTypeSCOData:
		d.stats.scoTx.Add(1)
	}
	d.stats.byteTx.Add(uint64(len(b)))
}

// SendRaw queues a frame for exclusive access devices, which bypass the
// scheduler.
func (d *Device) SendRaw(frame []byte) error {
	if !d.flags.test(FlagUserChannel) {
		return errors.Wrap(ErrNotSupported, "raw frames need exclusive access")
	}
	if !d.flags.test(FlagRunning) {
		return ErrNotRunning
	}
	if len(frame) == 0 {
		return ErrInvalidFrame
	}
	b := make([]byte, len(frame))
	copy(b, frame)

	d.rawMu.Lock()
	d.rawQ = append(d.rawQ, b)
	d.rawMu.Unlock()
	d.kickTx()
	return nil
}

// Callers of the sched functions hold the scheduler lock.

func (s *scheduler) schedSync(p *txPass, t LinkType) {
	if p.count(t) == 0 {
		return
	}
	for *s.credits(t) > 0 {
		c, quote := s.lowSent(p, t)
		if c == nil {
			return
		}
		for ; quote > 0 && len(c.dataQ) > 0; quote-- {
			b := c.dataQ[0]
			c.dataQ[0] = nil
			c.dataQ = c.dataQ[1:]
			p.send(b)
			c.sent++
			if s.d.cfg.SCOFlowControl {
				s.scoCnt--
			}
		}
	}
}

func (s *scheduler) schedACL(p *txPass) {
	t := s.aclType()
	if p.count(t) == 0 {
		return
	}
	if s.blockMode() {
		s.schedACLBlocks(p, t)
		return
	}
	s.schedPackets(p, t)
}

func (s *scheduler) schedLE(p *txPass) {
	if p.count(LELink) == 0 {
		return
	}
	s.schedPackets(p, LELink)
}

func (s *scheduler) schedPackets(p *txPass, t LinkType) {
	cnt := s.credits(t)
	last, _ := s.lastTx(t)
	start := *cnt

	s.checkTimeout(p, *cnt, t)

	for *cnt > 0 {
		ch, quote := s.chanSent(p, t)
		if ch == nil {
			break
		}
		prio := ch.q[0].prio
		for ; quote > 0 && len(ch.q) > 0; quote-- {
			// stop the burst once lower priority data shows up
			if ch.q[0].prio < prio {
				break
			}
			u := ch.pop()
			p.send(u.frame)
			*last = p.now
			*cnt--
			ch.sent++
			ch.conn.sent++

			// Send pending SCO packets right away
			s.schedSync(p, SCOLink)
			s.schedSync(p, ESCOLink)
		}
	}

	if *cnt != start {
		s.prioRecalculate(p, t)
	}
}

func (s *scheduler) schedACLBlocks(p *txPass, t LinkType) {
	start := s.blockCnt

	s.checkTimeout(p, s.blockCnt, t)

	for s.blockCnt > 0 {
		ch, quote := s.chanSent(p, t)
		if ch == nil {
			break
		}
		prio := ch.q[0].prio
		for quote > 0 && len(ch.q) > 0 {
			if ch.q[0].prio < prio {
				break
			}
			n := s.blocks(ch.q[0].frame)
			if n > s.blockCnt {
				// wait for more blocks; the unit stays at the head
				return
			}
			u := ch.pop()
			p.send(u.frame)
			s.aclLastTx = p.now
			s.blockCnt -= n
			quote -= n
			ch.sent += n
			ch.conn.sent += n
		}
	}

	if s.blockCnt != start {
		s.prioRecalculate(p, t)
	}
}
