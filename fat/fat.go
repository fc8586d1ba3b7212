// Package fat implements the 512-byte block store of the data file and its
// file allocation table (channel 3).
package fat

import (
	"io"

	"arcd/utils/convert"
	"arcd/utils/errs"

	"github.com/pkg/errors"
)

const (
	// BlockSize is the fixed data-file block length.
	BlockSize = 512

	// EndOfChain terminates a block chain.
	EndOfChain = uint32(0xFFFF_FFFF)
)

// Table is a decoded FAT: entry b holds block b's successor.
type Table struct {
	entries []uint32
}

// NewTable decodes a channel-3 buffer.
func NewTable(data []byte) *Table {
	return &Table{entries: convert.BytesToU32Slice(data)}
}

// Count returns the number of FAT entries (== data-file block count).
func (t *Table) Count() uint32 {
	return uint32(len(t.entries))
}

// Next returns block b's successor.
func (t *Table) Next(b uint32) (uint32, error) {
	if b >= t.Count() {
		return 0, errors.Wrapf(errs.ErrUnexpectedEndOfChain, "block %d beyond FAT of %d", b, t.Count())
	}
	return t.entries[b], nil
}

// Chain returns the ceil(size/512) blocks holding a payload of size bytes
// starting at start, verifying the chain terminates exactly there.
func (t *Table) Chain(start, size uint32) ([]uint32, error) {
	if size == 0 {
		return nil, nil
	}
	if start == 0 || start >= t.Count() {
		return nil, errors.Wrapf(errs.ErrInvalidStartBlock, "start %d, FAT holds %d", start, t.Count())
	}
	n := int((size + BlockSize - 1) / BlockSize)
	chain := make([]uint32, 0, n)
	b := start
	for i := 0; i < n; i++ {
		if b == EndOfChain {
			return nil, errors.Wrapf(errs.ErrUnexpectedEndOfChain,
				"chain from %d ends after %d of %d blocks", start, i, n)
		}
		if b >= t.Count() {
			return nil, errors.Wrapf(errs.ErrUnexpectedEndOfChain,
				"chain from %d leaves the FAT at block %d", start, b)
		}
		chain = append(chain, b)
		next, err := t.Next(b)
		if err != nil {
			return nil, err
		}
		b = next
	}
	if b != EndOfChain {
		return nil, errors.Wrapf(errs.ErrUnexpectedEndOfChain,
			"chain from %d does not terminate after %d blocks", start, n)
	}
	return chain, nil
}

// ReadPayload gathers a size-byte payload from dat by following the chain.
func ReadPayload(dat io.ReaderAt, t *Table, start, size uint32) ([]byte, error) {
	chain, err := t.Chain(start, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	remaining := int(size)
	for i, b := range chain {
		n := BlockSize
		if n > remaining {
			n = remaining
		}
		off := int64(b) * BlockSize
		if _, err := io.ReadFull(io.NewSectionReader(dat, off, int64(n)), out[int(size)-remaining:int(size)-remaining+n]); err != nil {
			return nil, errors.Wrapf(errs.ErrShortRead, "block %d (%d of chain): %v", b, i, err)
		}
		remaining -= n
	}
	return out, nil
}
