package file

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// MmapFile represents a memory-mapped file and holds both the mapped buffer
// and the file descriptor.
type MmapFile struct {
	Data []byte
	Fd   *os.File
}

// OpenMmapFile maps the whole of filename. A writable mapping carries writes
// through to the file; the index reader only ever asks for a read-only view.
func OpenMmapFile(filename string, writable bool) (*MmapFile, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	fd, err := os.OpenFile(filename, flag, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", filename)
	}
	fi, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "stat %s", filename)
	}
	if fi.Size() == 0 {
		_ = fd.Close()
		return nil, errors.Errorf("mmap %s: empty file", filename)
	}
	data, err := mmap(fd, writable, fi.Size())
	if err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "mmap %s with size %d", filename, fi.Size())
	}
	return &MmapFile{Data: data, Fd: fd}, nil
}

// Bytes returns the mapped slice [off, off+sz).
func (m *MmapFile) Bytes(off, sz int) ([]byte, error) {
	if off < 0 || sz < 0 || off+sz > len(m.Data) {
		return nil, errors.Errorf("mmap %s: slice [%d, %d) out of bounds (len %d)",
			m.Fd.Name(), off, off+sz, len(m.Data))
	}
	return m.Data[off : off+sz], nil
}

type mmapReader struct {
	data   []byte
	offset int
}

func (mr *mmapReader) Read(buf []byte) (int, error) {
	if mr.offset >= len(mr.data) {
		return 0, io.EOF
	}
	n := copy(buf, mr.data[mr.offset:])
	mr.offset += n
	return n, nil
}

// NewReader reads the mapped data starting at offset.
func (m *MmapFile) NewReader(offset int) io.Reader {
	return &mmapReader{data: m.Data, offset: offset}
}

// Sync flushes mapped writes to disk.
func (m *MmapFile) Sync() error {
	if m == nil {
		return nil
	}
	return msync(m.Data)
}

// Close unmaps and closes the descriptor. Safe to call once.
func (m *MmapFile) Close() error {
	if m == nil || m.Fd == nil {
		return nil
	}
	if err := munmap(m.Data); err != nil {
		_ = m.Fd.Close()
		return err
	}
	m.Data = nil
	return m.Fd.Close()
}
