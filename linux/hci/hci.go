package hci

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/hcicore"
)

// Command ...
type Command interface {
	OpCode() int
	Len() int
	Marshal([]byte) error
}

// CommandRP ...
type CommandRP interface {
	Unmarshal(b []byte) error
}

// MaxPages is the number of LMP feature pages tracked per device.
const MaxPages = 3

// Info is what the initialization stages learn about the controller.
type Info struct {
	HCIVersion   uint8
	HCIRevision  uint16
	LMPVersion   uint8
	LMPSubver    uint16
	Manufacturer uint16

	Features   [MaxPages][8]byte
	MaxPage    uint8
	Commands   [64]byte
	LEFeatures [8]byte
	LEStates   [8]byte

	BDAddr       hcicore.BDAddr
	Class        [3]byte
	Name         string
	VoiceSetting uint16
	NumIAC       uint8

	// Packet based flow control.
	ACLMTU  uint16
	ACLPkts uint16
	SCOMTU  uint8
	SCOPkts uint16
	LEMTU   uint16
	LEPkts  uint8

	// Block based flow control (AMP).
	FlowCtlMode uint8
	BlockMTU    uint16
	BlockLen    uint16
	NumBlocks   uint16
	AMPStatus   uint8
	AMPType     uint8
	AMPTotalBW  uint32
	AMPMaxPDU   uint32

	InqTxPower     int8
	AdvTxPower     int8
	LEMinTxPower   int8
	LEMaxTxPower   int8
	AcceptListSize uint8
	ResolvListSize uint8
	NumAdvSets     uint8

	LEMaxTxLen  uint16
	LEMaxTxTime uint16
	LEMaxRxLen  uint16
	LEMaxRxTime uint16
	LEDefTxLen  uint16
	LEDefTxTime uint16

	PageScanInterval uint16
	PageScanWindow   uint16
	PageScanType     uint8
	ErrDataReporting uint8

	StoredMaxKeys uint16
	StoredNumKeys uint16
}

// LMP feature bits [Vol 2, Part C, 3.3].
func (i *Info) lmp(page, octet int, bit byte) bool { return i.Features[page][octet]&bit != 0 }

func (i *Info) LECapable() bool    { return i.lmp(0, 4, 0x40) }
func (i *Info) BREDRCapable() bool { return !i.lmp(0, 4, 0x20) }
func (i *Info) SSPCapable() bool   { return i.lmp(0, 6, 0x08) }
func (i *Info) SCCapable() bool    { return i.lmp(2, 1, 0x01) }

func (i *Info) rswitchCapable() bool   { return i.lmp(0, 0, 0x20) }
func (i *Info) holdCapable() bool      { return i.lmp(0, 0, 0x40) }
func (i *Info) sniffCapable() bool     { return i.lmp(0, 0, 0x80) }
func (i *Info) parkCapable() bool      { return i.lmp(0, 1, 0x01) }
func (i *Info) inqRSSICapable() bool   { return i.lmp(0, 3, 0x40) }
func (i *Info) escoCapable() bool      { return i.lmp(0, 3, 0x80) }
func (i *Info) sniffSubrCapable() bool { return i.lmp(0, 5, 0x02) }
func (i *Info) pauseEncCapable() bool  { return i.lmp(0, 5, 0x04) }
func (i *Info) extInqCapable() bool    { return i.lmp(0, 6, 0x01) }
func (i *Info) noFlushCapable() bool   { return i.lmp(0, 6, 0x40) }
func (i *Info) lstoCapable() bool      { return i.lmp(0, 7, 0x01) }
func (i *Info) inqTxPwrCapable() bool  { return i.lmp(0, 7, 0x02) }
func (i *Info) extFeatCapable() bool   { return i.lmp(0, 7, 0x80) }
func (i *Info) hostLECapable() bool    { return i.lmp(1, 0, 0x02) }
func (i *Info) csbMasterCapable() bool { return i.lmp(2, 0, 0x01) }
func (i *Info) csbSlaveCapable() bool  { return i.lmp(2, 0, 0x02) }
func (i *Info) syncTrainCapable() bool { return i.lmp(2, 0, 0x04) }
func (i *Info) pingCapable() bool      { return i.lmp(2, 1, 0x02) }

// LE feature bits [Vol 6, Part B, 4.6].
const (
	leEncryption    = 0x01
	leConnParamReq  = 0x02
	lePing          = 0x10
	leDataLenExt    = 0x20
	leLLPrivacy     = 0x40
	leExtScanPolicy = 0x80
	leExtAdv        = 0x10 // octet 1
	leChanSelAlg2   = 0x40 // octet 1
)

func (i *Info) leFeature(octet int, bit byte) bool { return i.LEFeatures[octet]&bit != 0 }

func (i *Info) extAdvCapable() bool { return i.leFeature(1, leExtAdv) }

// HasCommand reports whether the controller lists the command at the given
// octet and bit of its Supported Commands [Vol 2, Part E, 6.27].
func (i *Info) HasCommand(octet int, bit byte) bool {
	return octet >= 0 && octet < len(i.Commands) && i.Commands[octet]&bit != 0
}

func (i *Info) useExtScan() bool {
	return i.HasCommand(37, 0x20) && i.HasCommand(37, 0x40)
}

type handlers struct {
	conn    func(*Conn)
	disconn func(*Conn, uint8)
	acl     func(*Conn, []byte)
	sco     func(*Conn, []byte)
	diag    func([]byte)
	err     func(error)
	name    func(hcicore.BDAddr, string)
	found   func(InquiryEntry, FoundFlags)
	raw     func([]byte)
}

// Device is one controller and the host-side engine driving it.
type Device struct {
	id     int
	name   string
	typ    DevType
	drv    Driver
	cfg    hcicore.Config
	quirks Quirks
	masks  *EventMasks
	keys   KeyStore
	logger hcicore.Logger

	flags flagSet

	infoMu sync.RWMutex
	info   Info

	// reqLock serializes synchronous command sequences and lifecycle transitions.
	reqLock sync.Mutex

	// Host to Controller command flow control [Vol 2, Part E, 4.4]
	cmdMu     sync.Mutex
	cmdQ      []*cmdFrame
	inflight  []*cmdFrame
	cmdCnt    int
	ncmdTimer *time.Timer

	waitMu  sync.Mutex
	waiters map[*Request]struct{}

	rxMu sync.Mutex
	rxQ  [][]byte

	rawMu sync.Mutex
	rawQ  [][]byte

	sched scheduler
	conns connHash
	inq   *InquiryCache

	inqMu   sync.Mutex
	inqDone chan struct{}

	work workers

	autoOffMu sync.Mutex
	autoOff   *time.Timer

	// powerOn is held while the registration power-on sequence runs.
	powerOn sync.WaitGroup

	// publicAddr is programmed through AddrSetter during setup or config.
	// Guarded by reqLock.
	publicAddr hcicore.BDAddr

	errResetting atomic.Bool

	stats stats

	evth map[int]handlerFn
	subh map[int]handlerFn
	h    handlers
}

// NewDevice returns an unregistered device. A driver must be supplied
// through one of the transport options or OptDriver.
func NewDevice(opts ...hcicore.Option) (*Device, error) {
	d := &Device{
		id:      -1,
		cfg:     hcicore.DefaultConfig(),
		waiters: make(map[*Request]struct{}),
		cmdCnt:  1,
		inq:     NewInquiryCache(),
		logger:  hcicore.GetLogger(),
	}
	d.conns.init()
	d.work.init()
	d.sched.d = d
	d.initHandlers()

	if err := d.Option(opts...); err != nil {
		return nil, errors.Wrap(err, "can't set options")
	}
	if err := d.cfg.Validate(); err != nil {
		return nil, err
	}
	if d.drv == nil {
		return nil, fmt.Errorf("no valid transport found")
	}
	if b, ok := d.drv.(Binder); ok {
		b.Bind(d)
	}

	q, err := ParseQuirks(d.cfg.Quirks)
	if err != nil {
		return nil, err
	}
	d.quirks |= q

	if d.masks == nil {
		if d.masks, err = LoadEventMasksFile(d.cfg.EventMaskFile); err != nil {
			return nil, err
		}
	}

	if d.cfg.LE {
		d.flags.set(FlagLEEnabled)
	}
	if d.cfg.SSP {
		d.flags.set(FlagSSPEnabled)
	}
	if d.cfg.LinkSecurity {
		d.flags.set(FlagLinkSecurity)
	}
	d.flags.set(FlagBREDREnabled)

	return d, nil
}

// Option sets the options specified.
func (d *Device) Option(opts ...hcicore.Option) error {
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) ID() int                     { return d.id }
func (d *Device) Name() string                { return d.name }
func (d *Device) Type() DevType               { return d.typ }
func (d *Device) Quirks() Quirks              { return d.quirks }
func (d *Device) Flags() Flag                 { return d.flags.get() }
func (d *Device) IsUp() bool                  { return d.flags.test(FlagUp) }
func (d *Device) Driver() Driver              { return d.drv }
func (d *Device) InquiryCache() *InquiryCache { return d.inq }

// Info returns a snapshot of the controller information.
func (d *Device) Info() Info {
	d.infoMu.RLock()
	defer d.infoMu.RUnlock()
	return d.info
}

func (d *Device) updateInfo(fn func(*Info)) {
	d.infoMu.Lock()
	fn(&d.info)
	d.infoMu.Unlock()
}

// SetRFKilled models the hardware kill switch. Blocking an up device closes it.
func (d *Device) SetRFKilled(blocked bool) {
	if !blocked {
		d.flags.clear(FlagRFKilled)
		return
	}
	d.flags.set(FlagRFKilled)
	if !d.flags.test(FlagSetup) && !d.flags.test(FlagConfig) {
		_ = d.Close()
	}
}

// setName is called by the registry once the id is known.
func (d *Device) setName(id int) {
	d.id = id
	d.name = fmt.Sprintf("hci%d", id)
	d.logger = hcicore.GetLogger().ChildLogger(map[string]interface{}{"hci": d.name})
}

func (d *Device) dispatchError(e error) {
	if e == nil {
		return
	}
	switch {
	case d.h.err == nil:
		d.logger.Error(e)
	case !d.flags.test(FlagRunning):
		d.logger.Debug("closing: ", e)
	default:
		d.h.err(e)
	}
}
