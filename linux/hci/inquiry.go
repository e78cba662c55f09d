package hci

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/hcicore"
	"github.com/rigado/hcicore/linux/hci/cmd"
)

// Results older than this are not worth returning without a new inquiry.
const inquiryCacheAgeMax = 30 * time.Second

// NameState tracks remote name resolution of an inquiry entry.
type NameState uint8

const (
	NameNotKnown NameState = iota
	NameNeeded
	NamePending
	NameKnown
)

func (s NameState) String() string {
	switch s {
	case NameNotKnown:
		return "not known"
	case NameNeeded:
		return "needed"
	case NamePending:
		return "pending"
	case NameKnown:
		return "known"
	}
	return "unknown state"
}

// InquiryData is what an inquiry result tells about a remote device.
type InquiryData struct {
	Addr            hcicore.BDAddr
	PscanRepMode    uint8
	PscanPeriodMode uint8
	PscanMode       uint8
	Class           [3]byte
	ClockOffset     uint16
	RSSI            int8
	SSPMode         uint8
}

// InquiryEntry is a snapshot of one inquiry cache entry.
type InquiryEntry struct {
	InquiryData
	NameState NameState
	Timestamp time.Time
}

// FoundFlags accompany a cache update.
type FoundFlags uint8

const (
	// FoundConfirmName asks the upper layer whether the name is needed.
	FoundConfirmName FoundFlags = 1 << iota
	// FoundLegacyPairing marks a device without Secure Simple Pairing.
	FoundLegacyPairing
)

type inqList uint8

const (
	onNone inqList = iota
	onUnknown
	onResolve
)

type inqEntry struct {
	data      InquiryData
	nameState NameState
	timestamp time.Time
	on        inqList
}

func (e *inqEntry) snapshot() InquiryEntry {
	return InquiryEntry{InquiryData: e.data, NameState: e.nameState, Timestamp: e.timestamp}
}

// InquiryCache holds the devices found by inquiries. Every entry is on the
// all list, newest first. Entries whose name is not known are also on the
// unknown list; entries queued for name resolution are on the resolve list,
// in-flight resolutions first and then by ascending |RSSI|.
type InquiryCache struct {
	mu        sync.RWMutex
	all       []*inqEntry
	unknown   []*inqEntry
	resolve   []*inqEntry
	timestamp time.Time
}

func NewInquiryCache() *InquiryCache {
	return &InquiryCache{}
}

func removeEntry(l []*inqEntry, e *inqEntry) []*inqEntry {
	for i, p := range l {
		if p == e {
			copy(l[i:], l[i+1:])
			l[len(l)-1] = nil
			return l[:len(l)-1]
		}
	}
	return l
}

// unlink takes e off the unknown or resolve list. Callers hold mu.
func (c *InquiryCache) unlink(e *inqEntry) {
	switch e.on {
	case onUnknown:
		c.unknown = removeEntry(c.unknown, e)
	case onResolve:
		c.resolve = removeEntry(c.resolve, e)
	}
	e.on = onNone
}

func (c *InquiryCache) lookup(a hcicore.BDAddr) *inqEntry {
	for _, e := range c.all {
		if e.data.Addr == a {
			return e
		}
	}
	return nil
}

func (c *InquiryCache) lookupResolve(a hcicore.BDAddr, state NameState) *inqEntry {
	for _, e := range c.resolve {
		if a.IsZero() && e.nameState == state {
			return e
		}
		if e.data.Addr == a {
			return e
		}
	}
	return nil
}

func abs8(v int8) int {
	if v < 0 {
		return -int(v)
	}
	return int(v)
}

// updateResolve moves e to its place on the resolve list. Callers hold mu.
func (c *InquiryCache) updateResolve(e *inqEntry) {
	c.unlink(e)
	i := 0
	for ; i < len(c.resolve); i++ {
		p := c.resolve[i]
		if p.nameState != NamePending && abs8(p.data.RSSI) >= abs8(e.data.RSSI) {
			break
		}
	}
	c.resolve = append(c.resolve, nil)
	copy(c.resolve[i+1:], c.resolve[i:])
	c.resolve[i] = e
	e.on = onResolve
}

// Update records an inquiry result. nameKnown says the result carried the
// complete remote name.
func (c *InquiryCache) Update(data InquiryData, nameKnown bool) FoundFlags {
	c.mu.Lock()
	defer c.mu.Unlock()

	var flags FoundFlags
	if data.SSPMode == 0 {
		flags |= FoundLegacyPairing
	}

	e := c.lookup(data.Addr)
	if e != nil {
		if e.data.SSPMode == 0 {
			flags |= FoundLegacyPairing
		}
		if e.nameState == NameNeeded && data.RSSI != e.data.RSSI {
			e.data.RSSI = data.RSSI
			c.updateResolve(e)
		}
	} else {
		e = &inqEntry{}
		c.all = append([]*inqEntry{e}, c.all...)
		if nameKnown {
			e.nameState = NameKnown
		} else {
			e.nameState = NameNotKnown
			c.unknown = append([]*inqEntry{e}, c.unknown...)
			e.on = onUnknown
		}
	}

	if nameKnown && e.nameState != NameKnown && e.nameState != NamePending {
		e.nameState = NameKnown
		c.unlink(e)
	}

	e.data = data
	e.timestamp = time.Now()
	c.timestamp = e.timestamp

	if e.nameState == NameNotKnown {
		flags |= FoundConfirmName
	}
	return flags
}

// UpdateResolve repositions the entry of a on the resolve list after its
// RSSI changed. It reports whether the entry was on the list.
func (c *InquiryCache) UpdateResolve(a hcicore.BDAddr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookup(a)
	if e == nil || e.on != onResolve {
		return false
	}
	c.updateResolve(e)
	return true
}

func (c *InquiryCache) Lookup(a hcicore.BDAddr) (InquiryEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e := c.lookup(a); e != nil {
		return e.snapshot(), true
	}
	return InquiryEntry{}, false
}

func (c *InquiryCache) LookupUnknown(a hcicore.BDAddr) (InquiryEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.unknown {
		if e.data.Addr == a {
			return e.snapshot(), true
		}
	}
	return InquiryEntry{}, false
}

// LookupResolve searches the resolve list for a, or, when a is the zero
// address, for the first entry in state.
func (c *InquiryCache) LookupResolve(a hcicore.BDAddr, state NameState) (InquiryEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e := c.lookupResolve(a, state); e != nil {
		return e.snapshot(), true
	}
	return InquiryEntry{}, false
}

// ConfirmName is the upper layer's answer to FoundConfirmName: either the
// name is known already, or it should be resolved.
func (c *InquiryCache) ConfirmName(a hcicore.BDAddr, known bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookup(a)
	if e == nil {
		return errors.Errorf("%s not in inquiry cache", a)
	}
	if known {
		e.nameState = NameKnown
		c.unlink(e)
		return nil
	}
	e.nameState = NameNeeded
	c.updateResolve(e)
	return nil
}

// setPending marks the entry of a as being resolved.
func (c *InquiryCache) setPending(a hcicore.BDAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.lookupResolve(a, NamePending); e != nil {
		e.nameState = NamePending
	}
}

// nameResolved concludes the pending resolution of a. It reports whether
// one was pending.
func (c *InquiryCache) nameResolved(a hcicore.BDAddr, ok bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookupResolve(a, NamePending)
	if e == nil || e.nameState != NamePending {
		return false
	}
	c.unlink(e)
	if ok {
		e.nameState = NameKnown
	} else {
		e.nameState = NameNotKnown
	}
	return true
}

func (c *InquiryCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = nil
	c.unknown = nil
	c.resolve = nil
}

// Dump returns up to n entries, newest first.
func (c *InquiryCache) Dump(n int) []InquiryData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var dd []InquiryData
	for _, e := range c.all {
		if len(dd) >= n {
			break
		}
		dd = append(dd, e.data)
	}
	return dd
}

func (c *InquiryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.all)
}

// Age returns the time since the last update.
func (c *InquiryCache) Age() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.timestamp)
}

// InquiryParams configure Device.Inquiry.
type InquiryParams struct {
	// LAP defaults to the General Inquiry Access Code.
	LAP [3]byte
	// Length in units of 1.28 s, 0x01 to 0x30.
	Length uint8
	// NumRsp bounds both the inquiry and the result, 0 for no limit.
	NumRsp uint8
	// Flush discards cached results even when they are recent.
	Flush bool
}

// Inquiry discovers nearby BR/EDR devices. Recent cached results are
// returned without a new inquiry unless p.Flush is set.
func (d *Device) Inquiry(ctx context.Context, p InquiryParams) ([]InquiryData, error) {
	if d.typ != DevPrimary || !d.flags.test(FlagBREDREnabled) {
		return nil, errors.Wrap(ErrNotSupported, "inquiry")
	}
	if d.flags.test(FlagUserChannel) {
		return nil, ErrBusy
	}
	if d.flags.test(FlagUnconfigured) {
		return nil, errors.Wrap(ErrNotSupported, "inquiry on unconfigured device")
	}
	if p.Length == 0 || p.Length > 0x30 {
		return nil, errors.Errorf("invalid inquiry length 0x%02X", p.Length)
	}

	if p.Flush || d.inq.Len() == 0 || d.inq.Age() > inquiryCacheAgeMax {
		d.inq.Flush()
		if err := d.doInquiry(ctx, p); err != nil {
			return nil, err
		}
	}

	n := int(p.NumRsp)
	if n == 0 {
		n = 255
	}
	return d.inq.Dump(n), nil
}

func (d *Device) doInquiry(ctx context.Context, p InquiryParams) error {
	lap := p.LAP
	if lap == [3]byte{} {
		lap = cmd.GIAC
	}
	b, err := marshalCmd(&cmd.Inquiry{LAP: lap, InquiryLength: p.Length, NumResponses: p.NumRsp})
	if err != nil {
		return err
	}

	done := make(chan struct{})
	d.inqMu.Lock()
	if d.inqDone != nil {
		d.inqMu.Unlock()
		return ErrBusy
	}
	d.inqDone = done
	d.inqMu.Unlock()
	defer func() {
		d.inqMu.Lock()
		if d.inqDone == done {
			d.inqDone = nil
		}
		d.inqMu.Unlock()
	}()

	if _, err := d.SubmitSync(ctx, cmd.OpInquiry, b, 0); err != nil {
		return errors.Wrap(err, "can't start inquiry")
	}

	t := time.NewTimer(time.Duration(p.Length) * 2 * time.Second)
	defer t.Stop()

	select {
	case <-done:
		if !d.flags.test(FlagUp) {
			return ErrDeviceDown
		}
		return nil
	case <-t.C:
		err = ErrCommandTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	if e := d.Submit(cmd.OpInquiryCancel, nil, 0, Completion{}); e != nil {
		d.logger.Debugf("can't cancel inquiry: %v", e)
	}
	return errors.Wrap(err, "inquiry")
}

// inquiryComplete runs on the Inquiry Complete event.
func (d *Device) inquiryComplete() {
	d.inquiryStop()
	d.ResolveNextName()
}

// inquiryStop clears the inquiry state and wakes a waiting Inquiry.
func (d *Device) inquiryStop() {
	d.flags.clear(FlagInquiry)

	d.inqMu.Lock()
	if d.inqDone != nil {
		close(d.inqDone)
		d.inqDone = nil
	}
	d.inqMu.Unlock()
}

// ResolveNextName starts a Remote Name Request for the best placed entry
// waiting for its name. It reports whether one was started.
func (d *Device) ResolveNextName() bool {
	e, ok := d.inq.LookupResolve(hcicore.BDAddrAny, NameNeeded)
	if !ok || e.NameState != NameNeeded {
		return false
	}

	b, err := marshalCmd(&cmd.RemoteNameRequest{
		BDADDR:                 e.Addr,
		PageScanRepetitionMode: e.PscanRepMode,
		ClockOffset:            e.ClockOffset | 0x8000,
	})
	if err != nil {
		return false
	}
	if err := d.Submit(cmd.OpRemoteNameReq, b, 0, Completion{}); err != nil {
		d.logger.Debugf("can't resolve name of %s: %v", e.Addr, err)
		return false
	}
	d.inq.setPending(e.Addr)
	return true
}

// remoteName runs on the Remote Name Request Complete event.
func (d *Device) remoteName(a hcicore.BDAddr, name string, ok bool) {
	if ok && d.h.name != nil {
		d.h.name(a, name)
	}
	if d.inq.nameResolved(a, ok) {
		d.ResolveNextName()
	}
}
