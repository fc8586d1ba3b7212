package fat

import (
	"os"

	"arcd/utils/convert"

	"github.com/pkg/errors"
)

// flushThreshold coalesces pending block writes into one system call.
const flushThreshold = 8 << 20

// Writer appends whole payloads to a fresh data file, reserving consecutive
// blocks and growing the FAT as it goes. Block 0 is written zero-filled on
// creation.
type Writer struct {
	fd        *os.File
	buf       []byte
	nextBlock uint32
	entries   []uint32
}

// NewWriter wraps a freshly created data file.
func NewWriter(fd *os.File) *Writer {
	w := &Writer{fd: fd, nextBlock: 1, entries: []uint32{0}}
	w.buf = append(w.buf, make([]byte, BlockSize)...)
	return w
}

// Append reserves consecutive blocks for wrapped, zero-pads the tail of the
// last block, and extends the FAT chain. Returns the start block.
func (w *Writer) Append(wrapped []byte) (uint32, error) {
	if len(wrapped) == 0 {
		return 0, errors.New("empty payload")
	}
	nblocks := (len(wrapped) + BlockSize - 1) / BlockSize
	start := w.nextBlock

	w.buf = append(w.buf, wrapped...)
	if pad := nblocks*BlockSize - len(wrapped); pad > 0 {
		w.buf = append(w.buf, make([]byte, pad)...)
	}
	for i := 0; i < nblocks-1; i++ {
		w.entries = append(w.entries, w.nextBlock+uint32(i)+1)
	}
	w.entries = append(w.entries, EndOfChain)
	w.nextBlock += uint32(nblocks)

	if len(w.buf) >= flushThreshold {
		if err := w.flush(); err != nil {
			return 0, err
		}
	}
	return start, nil
}

func (w *Writer) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	if _, err := w.fd.Write(w.buf); err != nil {
		return errors.Wrap(err, "data file write")
	}
	w.buf = w.buf[:0]
	return nil
}

// BlockCount returns the blocks emitted so far, reserved block 0 included.
func (w *Writer) BlockCount() uint32 {
	return w.nextBlock
}

// TableBytes serializes the FAT accumulated so far.
func (w *Writer) TableBytes() []byte {
	return convert.U32SliceToBytes(w.entries)
}

// Finish flushes pending blocks and syncs the file. The descriptor stays
// open; the caller owns it.
func (w *Writer) Finish() error {
	if err := w.flush(); err != nil {
		return err
	}
	return w.fd.Sync()
}
