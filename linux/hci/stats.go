package hci

import "sync/atomic"

// Stats counts the traffic of a device since it was created or last reset.
type Stats struct {
	ErrRx  uint64
	ErrTx  uint64
	CmdTx  uint64
	EvtRx  uint64
	ACLTx  uint64
	ACLRx  uint64
	SCOTx  uint64
	SCORx  uint64
	ByteRx uint64
	ByteTx uint64
}

type stats struct {
	errRx  atomic.Uint64
	errTx  atomic.Uint64
	cmdTx  atomic.Uint64
	evtRx  atomic.Uint64
	aclTx  atomic.Uint64
	aclRx  atomic.Uint64
	scoTx  atomic.Uint64
	scoRx  atomic.Uint64
	byteRx atomic.Uint64
	byteTx atomic.Uint64
}

func (d *Device) Stats() Stats {
	s := &d.stats
	return Stats{
		ErrRx:  s.errRx.Load(),
		ErrTx:  s.errTx.Load(),
		CmdTx:  s.cmdTx.Load(),
		EvtRx:  s.evtRx.Load(),
		ACLTx:  s.aclTx.Load(),
		ACLRx:  s.aclRx.Load(),
		SCOTx:  s.scoTx.Load(),
		SCORx:  s.scoRx.Load(),
		ByteRx: s.byteRx.Load(),
		ByteTx: s.byteTx.Load(),
	}
}

func (d *Device) ResetStats() {
	s := &d.stats
	for _, c := range []*atomic.Uint64{
		&s.errRx, &s.errTx, &s.cmdTx, &s.evtRx, &s.aclTx,
		&s.aclRx, &s.scoTx, &s.scoRx, &s.byteRx, &s.byteTx,
	} {
		c.Store(0)
	}
}
