package waveshare

import (
	"errors"
	"fmt"
	"io"

	"github.com/Archie3d/waveshare-lora-gateway/pkg/types"
)

/*
Frames exchanged with the dongle:

	START type lenLo lenHi payload... crcLo crcHi

Everything after START is escaped so that START never appears inside a
frame. The CRC covers type, length and payload.
*/
const (
	frameStart   = 0xAA
	frameEscape  = 0x7D
	escapedStart = 0x8A
	escapedEsc   = 0x5D
)

var (
	ErrCrcMismatch    = errors.New("frame CRC mismatch")
	ErrInvalidEscape  = errors.New("invalid escape sequence")
	ErrFrameInterrupt = errors.New("frame interrupted by start marker")
)

type Frame struct {
	Type    byte
	Payload []byte
}

func crc16(crc uint16, data ...byte) uint16 {
	for _, b := range data {
		a := (crc >> 8) ^ uint16(b)
		crc = (a << 2) ^ (a << 1) ^ a ^ (crc << 8)
	}
	return crc
}

func appendEscaped(dst []byte, data ...byte) []byte {
	for _, b := range data {
		switch b {
		case frameStart:
			dst = append(dst, frameEscape, escapedStart)
		case frameEscape:
			dst = append(dst, frameEscape, escapedEsc)
		default:
			dst = append(dst, b)
		}
	}
	return dst
}

// Encode returns the escaped wire representation of the frame.
func (f *Frame) Encode() []byte {
	n := uint16(len(f.Payload))

	crc := crc16(0, f.Type, byte(n), byte(n>>8))
	crc = crc16(crc, f.Payload...)

	out := make([]byte, 0, 2*len(f.Payload)+12)
	out = append(out, frameStart)
	out = appendEscaped(out, f.Type, byte(n), byte(n>>8))
	out = appendEscaped(out, f.Payload...)
	out = appendEscaped(out, byte(crc), byte(crc>>8))

	return out
}

//------------------------------------------------------------------------------

// frameReader pulls frames out of a byte stream one byte at a time. A read
// that returns no data, as a serial port does when its read timeout
// expires, is reported as *types.TimeoutError.
type frameReader struct {
	r   io.Reader
	buf [1]byte

	// Start marker already consumed by an interrupted frame
	started bool
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r}
}

func (fr *frameReader) readRaw() (byte, error) {
	n, err := fr.r.Read(fr.buf[:])
	if n == 1 {
		return fr.buf[0], nil
	}

	if err != nil {
		return 0, err
	}

	return 0, &types.TimeoutError{Op: "read"}
}

// readByte returns the next unescaped byte. isStart is set when an
// unescaped start marker is read.
func (fr *frameReader) readByte() (b byte, isStart bool, err error) {
	b, err = fr.readRaw()
	if err != nil {
		return 0, false, err
	}

	switch b {
	case frameStart:
		return b, true, nil
	case frameEscape:
	default:
		return b, false, nil
	}

	b, err = fr.readRaw()
	if err != nil {
		return 0, false, err
	}

	switch b {
	case escapedStart:
		return frameStart, false, nil
	case escapedEsc:
		return frameEscape, false, nil
	}

	return 0, false, ErrInvalidEscape
}

// body reads the next byte of a frame that has already started.
func (fr *frameReader) body() (byte, error) {
	b, isStart, err := fr.readByte()
	if err != nil {
		return 0, err
	}

	if isStart {
		fr.started = true
		return 0, ErrFrameInterrupt
	}

	return b, nil
}

// ReadFrame skips everything up to the next start marker and reads one
// complete frame.
func (fr *frameReader) ReadFrame() (*Frame, error) {
	for !fr.started {
		_, isStart, err := fr.readByte()
		if err != nil && !errors.Is(err, ErrInvalidEscape) {
			return nil, err
		}

		fr.started = isStart
	}

	fr.started = false

	var header [3]byte
	for i := range header {
		b, err := fr.body()
		if err != nil {
			return nil, err
		}
		header[i] = b
	}

	n := int(header[1]) | int(header[2])<<8
	payload := make([]byte, n)

	for i := range payload {
		b, err := fr.body()
		if err != nil {
			return nil, err
		}
		payload[i] = b
	}

	lo, err := fr.body()
	if err != nil {
		return nil, err
	}

	hi, err := fr.body()
	if err != nil {
		return nil, err
	}

	crc := crc16(0, header[:]...)
	crc = crc16(crc, payload...)

	if received := uint16(lo) | uint16(hi)<<8; received != crc {
		return nil, fmt.Errorf("%w: type 0x%02X, expected 0x%04X, received 0x%04X", ErrCrcMismatch, header[0], crc, received)
	}

	return &Frame{Type: header[0], Payload: payload}, nil
}
