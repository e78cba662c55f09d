package h4

import (
	"fmt"
	"time"

	"github.com/rigado/hcicore"
)

// H4 packet indicators.
const (
	commandPacket = 0x01
	aclPacket     = 0x02
	scoPacket     = 0x03
	eventPacket   = 0x04
	isoPacket     = 0x05
)

// Header lengths including the indicator octet.
const (
	cmdHeaderLength = 4
	aclHeaderLength = 5
	scoHeaderLength = 4
	evtHeaderLength = 3
	isoHeaderLength = 5
)

// A partial frame older than this is discarded.
const frameTimeout = 500 * time.Millisecond

type frame struct {
	b       []byte
	timeout time.Time
	out     func([]byte)
	pktType byte
	logger  hcicore.Logger
}

func newFrame(out func([]byte), logger hcicore.Logger) *frame {
	fr := &frame{
		b:      make([]byte, 0, 256),
		out:    out,
		logger: logger,
	}

	return fr
}

// Assemble appends b to the frame being built and emits every frame it
// completes.
func (f *frame) Assemble(b []byte) {
	for len(b) > 0 {
		if !f.timeout.IsZero() && time.Now().After(f.timeout) {
			f.logger.Warnf("partial frame timed out, dropped % X", f.b)
			f.reset()
		}

		if len(f.b) == 0 {
			i, err := f.waitStart(b)
			if err != nil {
				f.logger.Debugf("%v, dropped % X", err, b)
				return
			}
			b = b[i:]
		}

		f.b = append(f.b, b...)
		b = nil

		tl, err := f.length()
		if err != nil || len(f.b) < tl {
			// wait for more
			return
		}

		out := make([]byte, tl)
		copy(out, f.b)
		if len(f.b) > tl {
			b = append([]byte(nil), f.b[tl:]...)
		}
		f.reset()
		f.out(out)
	}
}

func (f *frame) reset() {
	f.b = f.b[:0]
	f.timeout = time.Time{}
}

// waitStart finds the first packet indicator in b.
func (f *frame) waitStart(b []byte) (int, error) {
	for i, v := range b {
		switch v {
		case aclPacket, scoPacket, eventPacket, isoPacket:
			f.pktType = v
			f.timeout = time.Now().Add(frameTimeout)
			return i, nil
		}
	}
	return 0, fmt.Errorf("couldnt find start byte")
}

// length returns the total length of the frame being built, once its header
// is complete.
func (f *frame) length() (int, error) {
	need := map[byte]int{
		commandPacket: cmdHeaderLength,
		aclPacket:     aclHeaderLength,
		scoPacket:     scoHeaderLength,
		eventPacket:   evtHeaderLength,
		isoPacket:     isoHeaderLength,
	}[f.pktType]
	if need == 0 {
		return 0, fmt.Errorf("invalid packet type %v", f.pktType)
	}
	if len(f.b) < need {
		return 0, fmt.Errorf("not enough bytes")
	}

	switch f.pktType {
	case eventPacket:
		return int(f.b[2]) + evtHeaderLength, nil
	case aclPacket:
		return (int(f.b[3]) | int(f.b[4])<<8) + aclHeaderLength, nil
	case isoPacket:
		return (int(f.b[3]) | int(f.b[4]&0x3f)<<8) + isoHeaderLength, nil
	default:
		// command and sco carry an 8 bit length in the same place
		return int(f.b[3]) + need, nil
	}
}
