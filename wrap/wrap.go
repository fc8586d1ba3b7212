// Package wrap encodes and decodes the 32-byte payload wrapper that prefixes
// every file stored in the data file.
package wrap

import (
	"bytes"
	"io"

	"arcd/utils/convert"
	"arcd/utils/errs"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
)

const (
	// HeaderSize is the fixed wrapper length preceding the payload bytes.
	HeaderSize = 32

	// TypeDeflate marks a deflate-compressed payload.
	TypeDeflate = uint32(1)

	// timeSentinel is the fixed Windows 100ns-tick value stored in all three
	// timestamp fields. The game client has never been observed to reject it.
	timeSentinel = uint64(0x01CA8B14A4E00000)
)

// Header is the decoded wrapper prefix.
//
// +------+----------+-------+-------+-------+
// | type | raw size |  ts1  |  ts2  |  ts3  |
// +------+----------+-------+-------+-------+
//    4        4         8       8       8
type Header struct {
	Type    uint32
	RawSize uint32
	Times   [3]uint64
}

// Encode serializes the header into a 32-byte prefix.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], convert.U32ToBytes(h.Type))
	copy(buf[4:8], convert.U32ToBytes(h.RawSize))
	for i, t := range h.Times {
		copy(buf[8+i*8:], convert.U64ToBytes(t))
	}
	return buf
}

// ParseHeader decodes the wrapper prefix of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.Wrapf(errs.ErrCorruptWrapper, "wrapper truncated at %d bytes", len(buf))
	}
	h := Header{
		Type:    convert.BytesToU32(buf[0:4]),
		RawSize: convert.BytesToU32(buf[4:8]),
	}
	for i := range h.Times {
		h.Times[i] = convert.BytesToU64(buf[8+i*8:])
	}
	return h, nil
}

// Encode wraps raw as header || deflate(raw, level). Pure; no I/O.
func Encode(raw []byte, level int) ([]byte, error) {
	h := Header{
		Type:    TypeDeflate,
		RawSize: uint32(len(raw)),
		Times:   [3]uint64{timeSentinel, timeSentinel, timeSentinel},
	}
	var out bytes.Buffer
	out.Write(h.Encode())
	fw, err := flate.NewWriter(&out, level)
	if err != nil {
		return nil, errors.Wrapf(err, "deflate level %d", level)
	}
	if _, err := fw.Write(raw); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Decode unwraps a buffer produced by Encode (or read back from an archive).
// Type 1 payloads are inflated and length-checked against the declared raw
// size; a declared size of zero skips the check. Any other type is returned
// verbatim when its length matches the declared size.
func Decode(buf []byte) ([]byte, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	body := buf[HeaderSize:]
	if h.Type != TypeDeflate {
		if uint32(len(body)) != h.RawSize {
			return nil, errors.Wrapf(errs.ErrCorruptWrapper,
				"stored type %d: body %d bytes, declared %d", h.Type, len(body), h.RawSize)
		}
		return body, nil
	}
	fr := flate.NewReader(bytes.NewReader(body))
	raw, err := io.ReadAll(fr)
	if err != nil {
		return nil, errors.Wrap(errs.ErrCorruptWrapper, err.Error())
	}
	_ = fr.Close()
	if h.RawSize != 0 && uint32(len(raw)) != h.RawSize {
		return nil, errors.Wrapf(errs.ErrCorruptWrapper,
			"inflated %d bytes, declared %d", len(raw), h.RawSize)
	}
	return raw, nil
}
