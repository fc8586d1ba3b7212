// Package strtab reads and builds the 64-byte chained string records of
// channel 1.
package strtab

import (
	"bytes"

	"arcd/utils/convert"
	"arcd/utils/errs"

	"github.com/pkg/errors"
)

const (
	// RecordSize is the fixed record length.
	RecordSize = 64

	// PayloadSize is the string capacity of one record.
	PayloadSize = RecordSize - 4

	// inUseFlag is the top bit of the record header; always set on
	// allocated records. The low 31 bits chain to the next record.
	inUseFlag = uint32(0x8000_0000)

	nextMask = uint32(0x7FFF_FFFF)
)

// Reader walks record chains out of a channel-1 buffer. Decoded strings are
// cached per starting index.
type Reader struct {
	data  []byte
	cache map[uint32][]byte
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data, cache: make(map[uint32][]byte)}
}

// Count returns the number of whole records in the buffer.
func (r *Reader) Count() uint32 {
	return uint32(len(r.data) / RecordSize)
}

// Get reconstructs the string starting at record i by walking next pointers
// and concatenating payload chunks. A NUL inside a chunk ends the string.
func (r *Reader) Get(i uint32) ([]byte, error) {
	if s, ok := r.cache[i]; ok {
		return s, nil
	}
	s, _, err := r.walk(i)
	if err != nil {
		return nil, err
	}
	r.cache[i] = s
	return s, nil
}

// Chain returns the record indices visited while decoding the string at i.
func (r *Reader) Chain(i uint32) ([]uint32, error) {
	_, visited, err := r.walk(i)
	return visited, err
}

func (r *Reader) walk(start uint32) ([]byte, []uint32, error) {
	var out []byte
	var visited []uint32
	seen := make(map[uint32]bool)
	i := start
	for {
		if seen[i] {
			return nil, nil, errors.Wrapf(errs.ErrCycleInStringChain, "record %d revisits %d", start, i)
		}
		seen[i] = true
		off := int(i) * RecordSize
		if off+RecordSize > len(r.data) {
			return nil, nil, errors.Errorf("string record %d out of range (table holds %d)", i, r.Count())
		}
		header := convert.BytesToU32(r.data[off:])
		if header&inUseFlag == 0 {
			return nil, nil, errors.Errorf("string record %d not in use", i)
		}
		visited = append(visited, i)
		payload := r.data[off+4 : off+RecordSize]
		if nul := bytes.IndexByte(payload, 0); nul >= 0 {
			out = append(out, payload[:nul]...)
			return out, visited, nil
		}
		out = append(out, payload...)
		next := header & nextMask
		if next == 0 {
			return out, visited, nil
		}
		i = next
	}
}

// Builder emits records back to back after the sentinel at index 0.
type Builder struct {
	buf   []byte
	count uint32
	cache map[string]uint32
}

func NewBuilder() *Builder {
	b := &Builder{cache: make(map[string]uint32)}
	// record 0: a single dot, chain terminated
	sentinel := make([]byte, RecordSize)
	copy(sentinel, convert.U32ToBytes(inUseFlag))
	sentinel[4] = '.'
	b.buf = append(b.buf, sentinel...)
	b.count = 1
	return b
}

// Add appends key as a chain of records and returns the first record index.
// Re-adding a key returns the existing index.
func (b *Builder) Add(key []byte) uint32 {
	if i, ok := b.cache[string(key)]; ok {
		return i
	}
	first := b.count
	rest := key
	for {
		chunk := rest
		if len(chunk) > PayloadSize {
			chunk = chunk[:PayloadSize]
		}
		rest = rest[len(chunk):]

		header := inUseFlag
		if len(rest) > 0 {
			header |= (b.count + 1) & nextMask
		}
		rec := make([]byte, RecordSize)
		copy(rec, convert.U32ToBytes(header))
		copy(rec[4:], chunk)
		b.buf = append(b.buf, rec...)
		b.count++
		if len(rest) == 0 {
			break
		}
	}
	b.cache[string(key)] = first
	return first
}

// Count returns the number of emitted records, sentinel included.
func (b *Builder) Count() uint32 {
	return b.count
}

// Bytes returns the channel-1 image.
func (b *Builder) Bytes() []byte {
	return b.buf
}
