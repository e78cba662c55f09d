package hci

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rigado/hcicore/linux/hci/cmd"
)

// CustomCommand is a vendor command whose parameters are the little endian
// encoding of Payload.
type CustomCommand struct {
	Payload interface{}
	opCode  int
	length  int
}

// NewCustomCommand sizes a vendor specific command for payload, which must
// be fixed size in the encoding/binary sense.
func NewCustomCommand(ocf uint16, payload interface{}) (*CustomCommand, error) {
	n := 0
	if payload != nil {
		if n = binary.Size(payload); n < 0 {
			return nil, fmt.Errorf("payload %T has no fixed size", payload)
		}
	}
	if n > maxHciPayload {
		return nil, fmt.Errorf("invalid length %v; max hci payload length is %v", n, maxHciPayload)
	}

	return &CustomCommand{
		opCode:  int(cmd.Op(cmd.OGFVendorSpecific, ocf)),
		length:  n,
		Payload: payload,
	}, nil
}

func (c *CustomCommand) OpCode() int {
	return c.opCode
}

func (c *CustomCommand) Len() int {
	return c.length
}

func (c *CustomCommand) Marshal(b []byte) error {
	if c.Payload == nil {
		return nil
	}

	buf := bytes.NewBuffer(b)
	buf.Reset()
	if buf.Cap() < c.Len() {
		return io.ErrShortBuffer
	}

	return binary.Write(buf, binary.LittleEndian, c.Payload)
}

func (c *CustomCommand) String() string {
	ogf := (c.opCode & 0xFC00) >> 10
	ocf := c.opCode & 0x3FF

	return fmt.Sprintf("Custom Command (0x%02x|0x%04x); Payload (%02x)", ogf, ocf, c.Payload)
}

// SendVendorCommand issues a vendor specific command and waits for it.
func (d *Device) SendVendorCommand(ctx context.Context, ocf uint16, v interface{}) (Result, error) {
	c, err := NewCustomCommand(ocf, v)
	if err != nil {
		return Result{}, err
	}

	b, err := marshalCmd(c)
	if err != nil {
		return Result{}, err
	}
	return d.SubmitSync(ctx, uint16(c.OpCode()), b, 0)
}
