package gateway

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/SpringsFern/TG-FileStream/internal/remote"
)

// Frames are a 4-byte big-endian length followed by the payload. A request
// payload is an op byte and its body; a response payload is a status byte and
// its body.
const maxFrameSize = 4 << 20

const (
	opLogin byte = iota + 1
	opAuthorize
	opGetConfig
	opExportAuth
	opImportAuth
	opGetFile
	opForward
	opMessageLocation
	opDeleteMessage
)

const (
	statusOK byte = iota
	statusFailed
	statusDCIDInvalid
	statusFileReferenceExpired
)

var errFrameTooLarge = errors.New("gateway: frame too large")

// RemoteError is an error reported by the gateway.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "gateway: " + e.Message
}

func statusError(status byte, msg string) error {
	switch status {
	case statusDCIDInvalid:
		return remote.ErrDCIDInvalid
	case statusFileReferenceExpired:
		return remote.ErrLocationExpired
	default:
		return &RemoteError{Message: msg}
	}
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return errFrameTooLarge
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, errFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v byte) *encoder {
	e.buf = append(e.buf, v)
	return e
}

func (e *encoder) u32(v uint32) *encoder {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
	return e
}

func (e *encoder) i64(v int64) *encoder {
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
	return e
}

func (e *encoder) bytes(v []byte) *encoder {
	e.u32(uint32(len(v)))
	e.buf = append(e.buf, v...)
	return e
}

func (e *encoder) str(v string) *encoder {
	return e.bytes([]byte(v))
}

func (e *encoder) location(loc remote.Location) *encoder {
	return e.i64(loc.ID).i64(loc.AccessHash).bytes(loc.FileReference).str(loc.ThumbSize)
}

// decoder reads fields in order and remembers the first short read.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = fmt.Errorf("gateway: short payload, need %d bytes, have %d", n, len(d.buf))
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) i64() int64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (d *decoder) bytes() []byte {
	n := d.u32()
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (d *decoder) str() string {
	return string(d.bytes())
}

func (d *decoder) location() remote.Location {
	return remote.Location{
		ID:            d.i64(),
		AccessHash:    d.i64(),
		FileReference: d.bytes(),
		ThumbSize:     d.str(),
	}
}
