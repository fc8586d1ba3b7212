// Package extract holds the traversal-level consumers of an opened archive:
// listings, comparisons, and payload extraction.
package extract

import (
	"os"
	"path/filepath"
	"strings"

	"arcd/archive"
	"arcd/dt"
	"arcd/fat"
	"arcd/layout"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Entry is one listed archive member.
type Entry struct {
	NodeIndex  uint32
	MetaIndex  uint32
	Path       string
	Flags      uint32
	Size       uint32
	StartBlock uint32
}

// Info summarizes an archive's shape.
type Info struct {
	PageSize     int
	Stripes      int
	ChannelSizes [layout.NumChannels]uint32
	Nodes        uint32
	Strings      uint32
	MetaRecords  uint32
	FatEntries   uint32
}

// Describe collects the Info summary.
func Describe(arc *archive.Archive) Info {
	lay := arc.Layout()
	info := Info{
		PageSize:    lay.PageSize,
		Stripes:     lay.Stripes,
		Nodes:       arc.NodeCount(),
		Strings:     arc.Strings().Count(),
		MetaRecords: arc.MetaCount(),
		FatEntries:  arc.Fat().Count(),
	}
	for c := 0; c < layout.NumChannels; c++ {
		info.ChannelSizes[c] = lay.ChannelSize(c)
	}
	return info
}

// ListDT walks every trie node. With onlyFiles, nodes without a payload
// (placeholder meta or out-of-range meta index) are dropped.
func ListDT(arc *archive.Archive, onlyFiles bool) ([]Entry, error) {
	var out []Entry
	err := arc.IterEntries(func(idx uint32, n dt.Node, path []byte) error {
		e := Entry{NodeIndex: idx, MetaIndex: n.Meta, Path: string(path)}
		if n.Meta < arc.MetaCount() {
			m, err := arc.Meta(n.Meta)
			if err != nil {
				return err
			}
			e.Flags, e.Size, e.StartBlock = m.Flags, m.Size, m.StartBlock
		}
		if onlyFiles && (n.Meta >= arc.MetaCount() || e.Size == 0) {
			return nil
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// Orphan is a string record chain no trie node points at.
type Orphan struct {
	Record uint32
	Value  string
}

// ListOrphans reports string records unreachable from any node's name chain.
// Historical archives carry them; the writer never emits any.
func ListOrphans(arc *archive.Archive) ([]Orphan, error) {
	referenced := make(map[uint32]bool)
	referenced[0] = true
	err := arc.IterEntries(func(_ uint32, n dt.Node, _ []byte) error {
		chain, err := arc.Strings().Chain(n.StringIndex())
		if err != nil {
			return err
		}
		for _, rec := range chain {
			referenced[rec] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []Orphan
	for i := uint32(1); i < arc.Strings().Count(); i++ {
		if referenced[i] {
			continue
		}
		chain, err := arc.Strings().Chain(i)
		if err != nil {
			// corrupt tail records still get reported, without a value
			referenced[i] = true
			out = append(out, Orphan{Record: i})
			continue
		}
		val, err := arc.Strings().Get(i)
		if err != nil {
			return nil, err
		}
		for _, rec := range chain {
			referenced[rec] = true
		}
		out = append(out, Orphan{Record: i, Value: string(val)})
	}
	return out, nil
}

// CompareRow classifies one path for the compare report.
type CompareRow struct {
	Status string // ok, orphan, absent, dt_only
	Path   string
}

// Compare matches the archive's directory against an authoritative path
// list: ok when present in both, absent when listed but missing from the
// trie, dt_only when stored but unlisted. Orphan string chains are appended
// last.
func Compare(arc *archive.Archive, fullList []string) ([]CompareRow, error) {
	listed := make(map[string]bool, len(fullList))
	var rows []CompareRow
	for _, p := range fullList {
		key := strings.ToLower(strings.ReplaceAll(p, "/", `\`))
		listed[key] = true
	}

	stored := make(map[string]bool)
	entries, err := ListDT(arc, true)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		stored[strings.ToLower(e.Path)] = true
	}

	for _, p := range fullList {
		key := strings.ToLower(strings.ReplaceAll(p, "/", `\`))
		if stored[key] {
			rows = append(rows, CompareRow{Status: "ok", Path: p})
		} else {
			rows = append(rows, CompareRow{Status: "absent", Path: p})
		}
	}
	for _, e := range entries {
		if !listed[strings.ToLower(e.Path)] {
			rows = append(rows, CompareRow{Status: "dt_only", Path: e.Path})
		}
	}
	orphans, err := ListOrphans(arc)
	if err != nil {
		return nil, err
	}
	for _, o := range orphans {
		rows = append(rows, CompareRow{Status: "orphan", Path: o.Value})
	}
	return rows, nil
}

// ExtractOptions tune payload extraction.
type ExtractOptions struct {
	OutDir       string
	KeepGoing    bool
	SkipExisting bool
}

// ExtractStats tallies one extraction run.
type ExtractStats struct {
	Written int
	Skipped int
	Missing int
	Failed  int
}

// ExtractAll writes every stored payload under OutDir, archive separators
// mapped to the local separator.
func ExtractAll(arc *archive.Archive, opt ExtractOptions, report *Report, log *logrus.Logger) (ExtractStats, error) {
	entries, err := ListDT(arc, true)
	if err != nil {
		return ExtractStats{}, err
	}
	var stats ExtractStats
	for _, e := range entries {
		if err := extractOne(arc, e.MetaIndex, e.Path, opt, &stats, report, log); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// ExtractList writes only the listed keys. Keys missing from the archive
// are tallied and reported, not fatal.
func ExtractList(arc *archive.Archive, keys []string, opt ExtractOptions, report *Report, log *logrus.Logger) (ExtractStats, error) {
	var stats ExtractStats
	for _, key := range keys {
		norm := strings.ReplaceAll(key, "/", `\`)
		metaIdx, _, ok, err := arc.FindMeta([]byte(norm))
		if err != nil {
			return stats, err
		}
		if !ok {
			stats.Missing++
			log.WithField("path", key).Warn("not in archive")
			if report != nil {
				report.Add("missing", key)
			}
			continue
		}
		if err := extractOne(arc, metaIdx, norm, opt, &stats, report, log); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func extractOne(arc *archive.Archive, metaIdx uint32, key string, opt ExtractOptions,
	stats *ExtractStats, report *Report, log *logrus.Logger) error {

	local := filepath.Join(opt.OutDir, filepath.FromSlash(strings.ReplaceAll(key, `\`, "/")))
	if opt.SkipExisting {
		if _, err := os.Stat(local); err == nil {
			stats.Skipped++
			return nil
		}
	}
	raw, err := arc.ReadFileBytes(metaIdx)
	if err == nil {
		if err = os.MkdirAll(filepath.Dir(local), 0o755); err == nil {
			err = os.WriteFile(local, raw, 0o644)
		}
	}
	if err != nil {
		stats.Failed++
		log.WithError(err).WithField("path", key).Error("extract failed")
		if report != nil {
			report.Add("failed\t"+errors.Cause(err).Error(), key)
		}
		if !opt.KeepGoing {
			return errors.Wrapf(err, "extract %s", key)
		}
		return nil
	}
	stats.Written++
	return nil
}

// BlockAligned reports whether the data file agrees with the FAT on size.
func BlockAligned(arc *archive.Archive) (bool, error) {
	size, err := arc.DatSize()
	if err != nil {
		return false, err
	}
	return size%fat.BlockSize == 0 && size/fat.BlockSize == int64(arc.Fat().Count()), nil
}
