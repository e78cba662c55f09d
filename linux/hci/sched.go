package hci

import (
	"sync"
	"time"
)

// scheduler holds the Host to Controller data flow control state
// [Vol 2, Part E, 4.1]. mu is held for a whole transmit pass and whenever
// credits come back.
type scheduler struct {
	d  *Device
	mu sync.Mutex

	mode uint8

	aclCnt, aclMax     int
	scoCnt, scoMax     int
	leCnt, leMax       int
	leMTU              int
	blockCnt, blockMax int
	blockLen           int

	aclLastTx time.Time
	leLastTx  time.Time

	watch *time.Timer
}

func (s *scheduler) setPacketCredits(acl, sco int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aclCnt, s.aclMax = acl, acl
	s.scoCnt, s.scoMax = sco, sco
}

func (s *scheduler) setBlockCredits(blocks, blockLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockCnt, s.blockMax = blocks, blocks
	s.blockLen = blockLen
}

// setLECredits records the LE buffers. A zero size or count means LE data
// shares the ACL buffers.
func (s *scheduler) setLECredits(mtu, pkts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leMTU = mtu
	s.leCnt, s.leMax = pkts, pkts
}

func (s *scheduler) setFlowMode(m uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// restore gives back every buffer, as after the controller was reset.
func (s *scheduler) restore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aclCnt = s.aclMax
	s.scoCnt = s.scoMax
	s.leCnt = s.leMax
	s.blockCnt = s.blockMax
}

// reset forgets the buffers until initialization reads them again.
func (s *scheduler) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = FlowCtlPacketBased
	s.aclCnt, s.aclMax = 0, 0
	s.scoCnt, s.scoMax = 0, 0
	s.leCnt, s.leMax, s.leMTU = 0, 0, 0
	s.blockCnt, s.blockMax, s.blockLen = 0, 0, 0
	s.aclLastTx = time.Time{}
	s.leLastTx = time.Time{}
	if s.watch != nil {
		s.watch.Stop()
	}
}

func (s *scheduler) flowMode() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *scheduler) leShared() bool { return s.leMTU == 0 || s.leMax == 0 }

func (s *scheduler) blockMode() bool { return s.mode == FlowCtlBlockBased }

// aclType is the link type whose data uses the ACL buffers of this device.
func (s *scheduler) aclType() LinkType {
	if s.d.typ == DevAMP {
		return AMPLink
	}
	return ACLLink
}

// credits returns the counter frames of type t draw from. Callers hold mu.
func (s *scheduler) credits(t LinkType) *int {
	switch t {
	case SCOLink, ESCOLink:
		return &s.scoCnt
	case LELink:
		if s.leShared() {
			return &s.aclCnt
		}
		return &s.leCnt
	}
	if s.blockMode() {
		return &s.blockCnt
	}
	return &s.aclCnt
}

// giveBack returns n credits to the counter of type t, never above what the
// controller announced. Callers hold mu.
func (s *scheduler) giveBack(t LinkType, n int) {
	cnt, limit := s.credits(t), s.aclMax
	switch {
	case t == SCOLink || t == ESCOLink:
		if !s.d.cfg.SCOFlowControl {
			return
		}
		limit = s.scoMax
	case t == LELink && !s.leShared():
		limit = s.leMax
	case s.blockMode():
		limit = s.blockMax
	}
	*cnt += n
	if *cnt > limit {
		*cnt = limit
	}
}

// packetsDone applies a Number Of Completed Packets or Blocks entry.
func (s *scheduler) packetsDone(c *Conn, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.removed {
		return
	}
	c.sent -= n
	if c.sent < 0 {
		c.sent = 0
	}
	s.giveBack(c.Type, n)
}

// release drops what c still has queued and returns the credits its
// unacknowledged frames held.
func (s *scheduler) release(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.removed {
		return
	}
	c.removed = true
	if c.sent > 0 && c.Type != SCOLink && c.Type != ESCOLink {
		s.giveBack(c.Type, c.sent)
	}
	c.sent = 0
	c.dataQ = nil
	for _, ch := range c.chans {
		ch.q = nil
	}
}

// blocks returns the number of data blocks frame occupies.
func (s *scheduler) blocks(frame []byte) int {
	n := len(frame) - 1 - aclHdrSize
	if s.blockLen <= 0 {
		return 1
	}
	return (n + s.blockLen - 1) / s.blockLen
}

// lowSent picks the synchronous connection of type t that has sent the least
// and with data queued, and its quota.
func (s *scheduler) lowSent(p *txPass, t LinkType) (*Conn, int) {
	var conn *Conn
	num := 0
	for _, c := range p.conns {
		if c.Type != t || c.removed || len(c.dataQ) == 0 {
			continue
		}
		num++
		if conn == nil || c.sent < conn.sent {
			conn = c
		}
	}
	if conn == nil {
		return nil, 0
	}
	return conn, quota(*s.credits(t), num)
}

// chanSent picks, among the channels of type t whose head has the highest
// priority, the one on the connection that has sent the least, and its quota.
func (s *scheduler) chanSent(p *txPass, t LinkType) (*Chan, int) {
	var ch *Chan
	num := 0
	curPrio := -1
	for _, c := range p.conns {
		if c.Type != t || c.removed {
			continue
		}
		for _, tmp := range c.chans {
			if len(tmp.q) == 0 {
				continue
			}
			prio := int(tmp.q[0].prio)
			if prio < curPrio {
				continue
			}
			if prio > curPrio {
				num = 0
				ch = nil
				curPrio = prio
			}
			num++
			if ch == nil || c.sent < ch.conn.sent {
				ch = tmp
			}
		}
	}
	if ch == nil {
		return nil, 0
	}
	return ch, quota(*s.credits(t), num)
}

// quota splits cnt credits over num contenders, at least one each.
func quota(cnt, num int) int {
	if q := cnt / num; q > 0 {
		return q
	}
	return 1
}

// prioRecalculate runs after a pass that used credits of type t. Channels
// that sent start counting again; channels that were passed over move their
// head up one priority level.
func (s *scheduler) prioRecalculate(p *txPass, t LinkType) {
	for _, c := range p.conns {
		if c.Type != t || c.removed {
			continue
		}
		for _, ch := range c.chans {
			if ch.sent > 0 {
				ch.sent = 0
				continue
			}
			if len(ch.q) == 0 {
				continue
			}
			if u := ch.q[0]; u.prio < PrioMax-1 {
				u.prio++
			}
		}
	}
}

// lastTx returns the time of the last send of the class of t and its stall
// timeout.
func (s *scheduler) lastTx(t LinkType) (*time.Time, time.Duration) {
	if t == LELink {
		return &s.leLastTx, s.d.cfg.LETxTimeout
	}
	return &s.aclLastTx, s.d.cfg.ACLTxTimeout
}

// checkTimeout collects the connections of type t that hold credits the
// controller has not returned for too long.
func (s *scheduler) checkTimeout(p *txPass, cnt int, t LinkType) {
	if cnt != 0 || s.d.flags.test(FlagUnconfigured) {
		return
	}
	last, timeout := s.lastTx(t)
	if p.now.Sub(*last) <= timeout {
		return
	}
	for _, c := range p.conns {
		if c.Type == t && c.sent > 0 && !c.removed && !c.killed {
			c.killed = true
			p.stalled = append(p.stalled, c)
		}
	}
}

// watchdog arms a timer so a stalled class is looked at again even if
// nothing else wakes the transmit worker. Callers hold mu.
func (s *scheduler) watchdog(p *txPass) {
	var next time.Duration
	for _, t := range []LinkType{s.aclType(), LELink} {
		if *s.credits(t) != 0 || !p.waiting(t) {
			continue
		}
		last, timeout := s.lastTx(t)
		wait := last.Add(timeout).Sub(p.now) + time.Millisecond
		if wait <= 0 {
			continue
		}
		if next == 0 || wait < next {
			next = wait
		}
	}
	if next == 0 {
		return
	}
	if s.watch == nil {
		s.watch = time.AfterFunc(next, s.d.kickTx)
		return
	}
	s.watch.Reset(next)
}
