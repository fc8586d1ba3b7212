// Package layout maps the index file's four logical channels onto its
// striped physical page grid.
package layout

import (
	"os"

	"arcd/file"
	"arcd/utils/convert"
	"arcd/utils/errs"

	"github.com/pkg/errors"
)

const (
	// NumChannels is fixed by the format.
	NumChannels = 4

	// DefaultPageSize is what the writer emits. Readers infer the real page
	// size from the file, see Open.
	DefaultPageSize = 4096

	// HeaderBytes is the used prefix of the header page.
	HeaderBytes = 8 + NumChannels*8
)

// Channel roles, in on-disk order.
const (
	ChannelTrie = iota
	ChannelStrings
	ChannelMeta
	ChannelFAT
)

// Magic opens every index file.
var Magic = [4]byte{'A', 'B', 'C', 'D'}

// DefaultPagesPerStripe is the page allotment vector the writer emits.
var DefaultPagesPerStripe = [NumChannels]uint32{4, 8, 1, 4}

// candidate page sizes tried during inference
var pageSizeCandidates = []int{512, 1024, 2048, 4096, 8192, 16384, 32768}

// ChannelInfo is one header pair.
type ChannelInfo struct {
	PagesPerStripe uint32
	SizeBytes      uint32
}

// Header is the decoded index-file header.
//
// +-------+-------+-----------------------------------+
// | magic | count | (pages_per_stripe, size_bytes) x4 |
// +-------+-------+-----------------------------------+
//     4       4                  8 x4
type Header struct {
	Channels [NumChannels]ChannelInfo
}

// ParseHeader decodes the header prefix of the first page.
func ParseHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderBytes {
		return h, errors.Wrapf(errs.ErrUnrecognizedLayout, "header truncated at %d bytes", len(buf))
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return h, errors.Wrapf(errs.ErrUnrecognizedLayout, "bad magic % x", buf[:4])
	}
	if n := convert.BytesToU32(buf[4:8]); n != NumChannels {
		return h, errors.Wrapf(errs.ErrUnrecognizedLayout, "channel count %d", n)
	}
	for c := 0; c < NumChannels; c++ {
		h.Channels[c].PagesPerStripe = convert.BytesToU32(buf[8+c*8:])
		h.Channels[c].SizeBytes = convert.BytesToU32(buf[12+c*8:])
	}
	return h, nil
}

// Encode serializes the header prefix.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderBytes)
	copy(buf, Magic[:])
	copy(buf[4:8], convert.U32ToBytes(NumChannels))
	for c := 0; c < NumChannels; c++ {
		copy(buf[8+c*8:], convert.U32ToBytes(h.Channels[c].PagesPerStripe))
		copy(buf[12+c*8:], convert.U32ToBytes(h.Channels[c].SizeBytes))
	}
	return buf
}

// SizeFieldOffset returns the file offset of channel c's size_bytes header
// word. The patch pipeline rewrites the FAT word in place.
func SizeFieldOffset(c int) int64 {
	return int64(12 + c*8)
}

// Layout is a read-only view of an opened index file.
type Layout struct {
	Header
	f        *file.MmapFile
	PageSize int
	Stripes  int

	totalPPS int
	prefix   [NumChannels]int
}

// Open maps the index file and infers its page size: of the candidate sizes,
// keep those that divide the file length, leave at least two pages, make the
// data pages a whole number of stripes, and give every channel enough
// capacity; prefer 4096, else the smallest survivor.
func Open(path string) (*Layout, error) {
	mf, err := file.OpenMmapFile(path, false)
	if err != nil {
		return nil, err
	}
	l, err := fromMapped(mf)
	if err != nil {
		_ = mf.Close()
		return nil, err
	}
	return l, nil
}

func fromMapped(mf *file.MmapFile) (*Layout, error) {
	h, err := ParseHeader(mf.Data)
	if err != nil {
		return nil, err
	}
	l := &Layout{Header: h, f: mf}
	for c := 0; c < NumChannels; c++ {
		l.prefix[c] = l.totalPPS
		l.totalPPS += int(h.Channels[c].PagesPerStripe)
	}
	if l.totalPPS == 0 {
		return nil, errors.Wrap(errs.ErrUnrecognizedLayout, "zero pages per stripe")
	}

	fileLen := len(mf.Data)
	best := 0
	for _, ps := range pageSizeCandidates {
		if fileLen%ps != 0 {
			continue
		}
		totalPages := fileLen / ps
		if totalPages < 2 {
			continue
		}
		if (totalPages-1)%l.totalPPS != 0 {
			continue
		}
		stripes := (totalPages - 1) / l.totalPPS
		fits := true
		for c := 0; c < NumChannels; c++ {
			pages := ceilDiv(int(h.Channels[c].SizeBytes), ps)
			if pages > stripes*int(h.Channels[c].PagesPerStripe) {
				fits = false
				break
			}
		}
		if !fits {
			continue
		}
		if best == 0 || ps == DefaultPageSize || (best != DefaultPageSize && ps < best) {
			best = ps
		}
	}
	if best == 0 {
		return nil, errors.Wrapf(errs.ErrUnrecognizedLayout, "no page size fits file of %d bytes", fileLen)
	}
	l.PageSize = best
	l.Stripes = (fileLen/best - 1) / l.totalPPS
	return l, nil
}

// Close unmaps the index file.
func (l *Layout) Close() error {
	return l.f.Close()
}

// FileLen returns the mapped index length in bytes.
func (l *Layout) FileLen() int {
	return len(l.f.Data)
}

// ChannelSize returns channel c's declared logical length.
func (l *Layout) ChannelSize(c int) uint32 {
	return l.Channels[c].SizeBytes
}

// ChannelCapacity returns the byte capacity allocated to channel c by the
// current stripe count.
func (l *Layout) ChannelCapacity(c int) uint32 {
	return uint32(l.Stripes) * l.Channels[c].PagesPerStripe * uint32(l.PageSize)
}

// FileOffset maps a logical byte offset within channel c to its physical
// offset in the index file. Pure.
func (l *Layout) FileOffset(c int, off uint32) int64 {
	pps := int(l.Channels[c].PagesPerStripe)
	page := int(off) / l.PageSize
	stripe := page / pps
	within := page % pps
	physPage := 1 + stripe*l.totalPPS + l.prefix[c] + within
	return int64(physPage)*int64(l.PageSize) + int64(int(off)%l.PageSize)
}

// ReadChannel materializes channel c's logical view by gathering its pages
// in order.
func (l *Layout) ReadChannel(c int) ([]byte, error) {
	size := int(l.Channels[c].SizeBytes)
	out := make([]byte, size)
	for off := 0; off < size; off += l.PageSize {
		n := l.PageSize
		if off+n > size {
			n = size - off
		}
		src, err := l.f.Bytes(int(l.FileOffset(c, uint32(off))), n)
		if err != nil {
			return nil, errors.Wrapf(err, "channel %d page at %d", c, off)
		}
		copy(out[off:], src)
	}
	return out, nil
}

// Segment is one page-bounded piece of a channel write.
type Segment struct {
	FileOff int64
	Data    []byte
}

// Segments splits a channel write into pieces that never cross a logical
// page boundary.
func (l *Layout) Segments(c int, off uint32, data []byte) []Segment {
	var segs []Segment
	for len(data) > 0 {
		n := l.PageSize - int(off)%l.PageSize
		if n > len(data) {
			n = len(data)
		}
		segs = append(segs, Segment{FileOff: l.FileOffset(c, off), Data: data[:n]})
		off += uint32(n)
		data = data[n:]
	}
	return segs
}

// WriteChannelBytes scatter-writes data at channel c's logical offset off
// through fd. Used only by the patch pipeline; the caller owns durability.
func (l *Layout) WriteChannelBytes(fd *os.File, c int, off uint32, data []byte) error {
	if uint64(off)+uint64(len(data)) > uint64(l.ChannelCapacity(c)) {
		return errors.Wrapf(errs.ErrCapacityExceeded,
			"channel %d write [%d, %d) beyond capacity %d", c, off, int(off)+len(data), l.ChannelCapacity(c))
	}
	for _, seg := range l.Segments(c, off, data) {
		if _, err := fd.WriteAt(seg.Data, seg.FileOff); err != nil {
			return errors.Wrapf(err, "channel %d write at %d", c, seg.FileOff)
		}
	}
	return nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
