// Package archive is the read-only facade over an opened idx/dat pair.
package archive

import (
	"bytes"
	"os"

	"arcd/dt"
	"arcd/fat"
	"arcd/layout"
	"arcd/strtab"
	"arcd/wrap"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const payloadCacheSize = 64

// Archive owns the index channel buffers and a lazily opened data-file
// descriptor. Close exactly once.
type Archive struct {
	idxPath string
	datPath string

	lay  *layout.Layout
	strs *strtab.Reader
	trie *dt.Reader
	tbl  *fat.Table

	metaBuf []byte

	dat      *os.File
	payloads *lru.Cache[uint32, []byte]
}

// Open maps the index file and loads all four channels. datPath may be empty
// for index-only operations; payload reads then fail.
func Open(idxPath, datPath string) (*Archive, error) {
	lay, err := layout.Open(idxPath)
	if err != nil {
		return nil, err
	}
	var bufs [layout.NumChannels][]byte
	for c := 0; c < layout.NumChannels; c++ {
		if bufs[c], err = lay.ReadChannel(c); err != nil {
			_ = lay.Close()
			return nil, err
		}
	}

	a := &Archive{idxPath: idxPath, datPath: datPath, lay: lay}
	a.strs = strtab.NewReader(bufs[layout.ChannelStrings])
	a.trie = dt.NewReader(bufs[layout.ChannelTrie], a.strs)
	a.metaBuf = bufs[layout.ChannelMeta]
	a.tbl = fat.NewTable(bufs[layout.ChannelFAT])
	a.payloads, _ = lru.New[uint32, []byte](payloadCacheSize)
	return a, nil
}

// Layout exposes the page mapping, for the patch pipeline.
func (a *Archive) Layout() *layout.Layout { return a.lay }

// Strings exposes the string reader.
func (a *Archive) Strings() *strtab.Reader { return a.strs }

// Trie exposes the directory trie reader.
func (a *Archive) Trie() *dt.Reader { return a.trie }

// Fat exposes the block table.
func (a *Archive) Fat() *fat.Table { return a.tbl }

// IdxPath returns the opened index path.
func (a *Archive) IdxPath() string { return a.idxPath }

// DatPath returns the data-file path, possibly empty.
func (a *Archive) DatPath() string { return a.datPath }

// MetaCount returns the number of meta records in channel 2.
func (a *Archive) MetaCount() uint32 {
	return uint32(len(a.metaBuf) / MetaSize)
}

// Meta decodes meta record i.
func (a *Archive) Meta(i uint32) (MetaRecord, error) {
	off := int(i) * MetaSize
	if off+MetaSize > len(a.metaBuf) {
		return MetaRecord{}, errors.Errorf("meta index %d out of range (table holds %d)", i, a.MetaCount())
	}
	return DecodeMeta(a.metaBuf[off:])
}

// NodeCount returns the trie node count, sentinel included.
func (a *Archive) NodeCount() uint32 {
	return a.trie.Count()
}

// IterEntries calls fn for every node index >= 1 regardless of reachability.
// Callers filter by meta bounds and size.
func (a *Archive) IterEntries(fn func(idx uint32, n dt.Node, path []byte) error) error {
	for i := uint32(1); i < a.trie.Count(); i++ {
		n, err := a.trie.Node(i)
		if err != nil {
			return err
		}
		path, err := a.strs.Get(n.StringIndex())
		if err != nil {
			return errors.Wrapf(err, "node %d", i)
		}
		if err := fn(i, n, path); err != nil {
			return err
		}
	}
	return nil
}

// FindMeta resolves key to its meta index: exact compare first, lowercase
// fallback second (repack lowercases on intake, so patched originals hit the
// fallback).
func (a *Archive) FindMeta(key []byte) (uint32, dt.Node, bool, error) {
	_, n, ok, err := a.trie.Lookup(key)
	if err != nil || ok {
		return n.Meta, n, ok, err
	}
	lower := bytes.ToLower(key)
	_, n, ok, err = a.trie.Lookup(lower)
	return n.Meta, n, ok, err
}

// ReadWrapped returns the raw wrapped payload of meta record i.
func (a *Archive) ReadWrapped(i uint32) ([]byte, error) {
	m, err := a.Meta(i)
	if err != nil {
		return nil, err
	}
	if m.Size == 0 {
		return nil, errors.Errorf("meta index %d has no payload", i)
	}
	dat, err := a.datFile()
	if err != nil {
		return nil, err
	}
	return fat.ReadPayload(dat, a.tbl, m.StartBlock, m.Size)
}

// ReadFileBytes returns the decoded payload of meta record i.
func (a *Archive) ReadFileBytes(i uint32) ([]byte, error) {
	if raw, ok := a.payloads.Get(i); ok {
		return raw, nil
	}
	wrapped, err := a.ReadWrapped(i)
	if err != nil {
		return nil, err
	}
	raw, err := wrap.Decode(wrapped)
	if err != nil {
		return nil, errors.Wrapf(err, "meta index %d", i)
	}
	a.payloads.Add(i, raw)
	return raw, nil
}

// DatSize stats the data file.
func (a *Archive) DatSize() (int64, error) {
	dat, err := a.datFile()
	if err != nil {
		return 0, err
	}
	fi, err := dat.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (a *Archive) datFile() (*os.File, error) {
	if a.dat != nil {
		return a.dat, nil
	}
	if a.datPath == "" {
		return nil, errors.New("archive opened without a data file")
	}
	fd, err := os.Open(a.datPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", a.datPath)
	}
	a.dat = fd
	return fd, nil
}

// Close releases the mapping, caches, and the data descriptor.
func (a *Archive) Close() error {
	a.payloads.Purge()
	var first error
	if a.dat != nil {
		first = a.dat.Close()
		a.dat = nil
	}
	if err := a.lay.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
