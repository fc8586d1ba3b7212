// Package patch appends replacement payloads to an existing archive and
// rewires its FAT and meta records transactionally.
package patch

import (
	"bytes"
	"crypto/sha1"
	"os"
	"runtime"
	"strings"

	"arcd/archive"
	"arcd/fat"
	"arcd/layout"
	"arcd/pool"
	"arcd/utils/convert"
	"arcd/utils/errs"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// State tracks the forward-only progress of one run.
type State int

const (
	StateResolved State = iota
	StatePrepared
	StateDatAppended
	StateIdxUpdated
	StateVerified
	StateRolledBack
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolved:
		return "resolved"
	case StatePrepared:
		return "prepared"
	case StateDatAppended:
		return "dat-appended"
	case StateIdxUpdated:
		return "idx-updated"
	case StateVerified:
		return "verified"
	case StateRolledBack:
		return "rolled-back"
	default:
		return "failed"
	}
}

// Request maps an archive key to the local file replacing it.
type Request struct {
	Key       string
	LocalPath string
}

// Options drive one patch run.
type Options struct {
	IdxPath string
	DatPath string
	Level   int // 1..9, default 6
	Jobs    int // default: logical CPU count
	DryRun  bool
}

// Result summarizes the run.
type Result struct {
	Patched    int
	Skipped    []string
	RolledBack bool
	State      State
}

// Pipeline is the single coordinator; it is the only writer to both files.
type Pipeline struct {
	opt Options
	log *logrus.Logger

	// test seam: runs between commit and verify
	tamper func()
}

func New(opt Options, log *logrus.Logger) *Pipeline {
	if opt.Level == 0 {
		opt.Level = 6
	}
	if opt.Jobs <= 0 {
		opt.Jobs = runtime.NumCPU()
	}
	if log == nil {
		log = logrus.New()
	}
	return &Pipeline{opt: opt, log: log}
}

type target struct {
	key       string
	local     string
	metaIndex uint32

	wrapped  []byte
	rawSize  int
	rawSum   [sha1.Size]byte
	newStart uint32

	oldMeta []byte
	newMeta []byte
}

// Run resolves the requests, prepares replacement payloads, commits them,
// and verifies the result, rolling back on any post-write failure.
func (p *Pipeline) Run(reqs []Request) (*Result, error) {
	res := &Result{State: StateResolved}

	arc, err := archive.Open(p.opt.IdxPath, p.opt.DatPath)
	if err != nil {
		return nil, err
	}
	defer arc.Close()

	// phase 1: resolution; unresolved and duplicate targets skip, not fail
	var targets []*target
	claimed := make(map[uint32]string)
	for _, req := range reqs {
		key := strings.ReplaceAll(req.Key, "/", `\`)
		metaIdx, _, ok, err := arc.FindMeta([]byte(key))
		if err != nil {
			return nil, err
		}
		if !ok {
			p.log.WithField("path", req.Key).Warn("key not in archive, skipping")
			res.Skipped = append(res.Skipped, req.Key)
			continue
		}
		if prev, dup := claimed[metaIdx]; dup {
			p.log.WithFields(logrus.Fields{"path": req.Key, "kept": prev}).Warn("duplicate target, skipping")
			res.Skipped = append(res.Skipped, req.Key)
			continue
		}
		claimed[metaIdx] = req.Key
		targets = append(targets, &target{key: key, local: req.LocalPath, metaIndex: metaIdx})
	}

	if p.opt.DryRun {
		for _, tg := range targets {
			p.log.WithFields(logrus.Fields{"path": tg.key, "metaIndex": tg.metaIndex, "local": tg.local}).Info("would patch")
		}
		p.log.WithField("targets", len(targets)).Info("dry run, no writes")
		return res, nil
	}
	if len(targets) == 0 {
		p.log.Info("nothing to patch")
		return res, nil
	}

	// preflight: DAT/FAT/IDX agreement before any write
	datSize, err := arc.DatSize()
	if err != nil {
		return nil, err
	}
	fatCount := int64(arc.Fat().Count())
	if datSize%fat.BlockSize != 0 {
		return nil, errors.Wrapf(errs.ErrInconsistentArchive, "data file size %d not block aligned", datSize)
	}
	if datSize/fat.BlockSize != fatCount {
		return nil, errors.Wrapf(errs.ErrInconsistentArchive,
			"data file holds %d blocks, FAT holds %d", datSize/fat.BlockSize, fatCount)
	}
	if int64(arc.Layout().ChannelSize(layout.ChannelFAT)) != fatCount*4 {
		return nil, errors.Wrapf(errs.ErrInconsistentArchive,
			"FAT channel declares %d bytes for %d entries", arc.Layout().ChannelSize(layout.ChannelFAT), fatCount)
	}

	// phase 2: prepare payloads and the old/new record pairs
	if err := p.prepare(arc, targets); err != nil {
		return nil, err
	}
	res.State = StatePrepared

	origBlocks := uint32(fatCount)
	origFatSize := uint32(fatCount * 4)
	nextBlock := origBlocks
	var newFatEntries []uint32
	for _, tg := range targets {
		tg.newStart = nextBlock
		n := uint32((len(tg.wrapped) + fat.BlockSize - 1) / fat.BlockSize)
		for i := uint32(0); i < n-1; i++ {
			newFatEntries = append(newFatEntries, nextBlock+i+1)
		}
		newFatEntries = append(newFatEntries, fat.EndOfChain)
		nextBlock += n

		old, err := arc.Meta(tg.metaIndex)
		if err != nil {
			return nil, err
		}
		tg.oldMeta = old.Encode()
		tg.newMeta = archive.MetaRecord{
			Flags:      old.Flags | archive.FlagCompressed,
			Size:       uint32(len(tg.wrapped)),
			StartBlock: tg.newStart,
			Extra:      old.Extra,
		}.Encode()
	}
	newFatSize := nextBlock * 4
	if newFatSize > arc.Layout().ChannelCapacity(layout.ChannelFAT) {
		return nil, errors.Wrapf(errs.ErrCapacityExceeded,
			"FAT would need %d bytes of %d", newFatSize, arc.Layout().ChannelCapacity(layout.ChannelFAT))
	}
	for _, tg := range targets {
		if (tg.metaIndex+1)*archive.MetaSize > arc.Layout().ChannelCapacity(layout.ChannelMeta) {
			return nil, errors.Wrapf(errs.ErrCapacityExceeded, "meta index %d beyond channel capacity", tg.metaIndex)
		}
	}

	// phase 3: commit, data file first
	commit := &commitState{
		pipeline:    p,
		targets:     targets,
		origDatSize: datSize,
		origFatSize: origFatSize,
		newFatSize:  newFatSize,
		fatEntries:  newFatEntries,
		lay:         arc.Layout(),
	}
	if err := commit.run(); err != nil {
		res.State = StateFailed
		if commit.wrote {
			if rbErr := commit.rollback(); rbErr != nil {
				p.log.WithError(rbErr).Error("rollback failed")
			} else {
				res.State = StateRolledBack
				res.RolledBack = true
			}
		}
		return res, err
	}
	res.State = StateIdxUpdated

	if p.tamper != nil {
		p.tamper()
	}

	// phase 4: read back and compare against the recorded raw digests
	if err := p.verify(targets); err != nil {
		res.State = StateFailed
		if rbErr := commit.rollback(); rbErr != nil {
			p.log.WithError(rbErr).Error("rollback failed")
		} else {
			res.State = StateRolledBack
			res.RolledBack = true
		}
		return res, err
	}
	res.State = StateVerified
	res.Patched = len(targets)
	p.log.WithField("patched", res.Patched).Info("patch verified")
	return res, nil
}

// prepare compresses every target in parallel, recording raw size and SHA-1.
func (p *Pipeline) prepare(arc *archive.Archive, targets []*target) error {
	tasks := make([]pool.Task, len(targets))
	for i, tg := range targets {
		tasks[i] = pool.Task{Index: i, Path: tg.local}
	}
	comp := &pool.Compressor{Jobs: p.opt.Jobs, Level: p.opt.Level, WithSum: true}
	return comp.Run(tasks, func(r pool.Result) error {
		tg := targets[r.Index]
		tg.wrapped = r.Wrapped
		tg.rawSize = r.RawSize
		tg.rawSum = r.Sum
		return nil
	})
}

// verify re-opens the archive and compares each patched payload's length and
// SHA-1 to the recorded raw.
func (p *Pipeline) verify(targets []*target) error {
	arc, err := archive.Open(p.opt.IdxPath, p.opt.DatPath)
	if err != nil {
		return errors.Wrap(errs.ErrVerificationFailed, err.Error())
	}
	defer arc.Close()
	for _, tg := range targets {
		raw, err := arc.ReadFileBytes(tg.metaIndex)
		if err != nil {
			return errors.Wrapf(errs.ErrVerificationFailed, "%s: %v", tg.key, err)
		}
		if len(raw) != tg.rawSize || sha1.Sum(raw) != tg.rawSum {
			return errors.Wrapf(errs.ErrVerificationFailed, "%s: read-back mismatch", tg.key)
		}
	}
	return nil
}

// commitState carries everything needed to apply or undo the writes.
type commitState struct {
	pipeline    *Pipeline
	targets     []*target
	origDatSize int64
	origFatSize uint32
	newFatSize  uint32
	fatEntries  []uint32
	lay         *layout.Layout

	wrote bool
}

// flushThreshold matches the repack writer's coalescing batch.
const flushThreshold = 8 << 20

func (c *commitState) run() error {
	// grow the data file
	dat, err := os.OpenFile(c.pipeline.opt.DatPath, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", c.pipeline.opt.DatPath)
	}
	defer dat.Close()

	var buf bytes.Buffer
	off := c.origDatSize
	flush := func() error {
		if buf.Len() == 0 {
			return nil
		}
		c.wrote = true
		if _, err := dat.WriteAt(buf.Bytes(), off); err != nil {
			return errors.Wrap(err, "data file append")
		}
		off += int64(buf.Len())
		buf.Reset()
		return nil
	}
	for _, tg := range c.targets {
		buf.Write(tg.wrapped)
		if pad := (fat.BlockSize - len(tg.wrapped)%fat.BlockSize) % fat.BlockSize; pad > 0 {
			buf.Write(make([]byte, pad))
		}
		if buf.Len() >= flushThreshold {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if err := dat.Sync(); err != nil {
		return errors.Wrap(err, "data file sync")
	}

	// then the index: FAT tail, FAT size word, meta slots
	idx, err := os.OpenFile(c.pipeline.opt.IdxPath, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", c.pipeline.opt.IdxPath)
	}
	defer idx.Close()

	c.wrote = true
	if err := c.lay.WriteChannelBytes(idx, layout.ChannelFAT, c.origFatSize, convert.U32SliceToBytes(c.fatEntries)); err != nil {
		return err
	}
	if _, err := idx.WriteAt(convert.U32ToBytes(c.newFatSize), layout.SizeFieldOffset(layout.ChannelFAT)); err != nil {
		return errors.Wrap(err, "FAT size header")
	}
	for _, tg := range c.targets {
		if err := c.lay.WriteChannelBytes(idx, layout.ChannelMeta, tg.metaIndex*archive.MetaSize, tg.newMeta); err != nil {
			return err
		}
	}
	if err := idx.Sync(); err != nil {
		return errors.Wrap(err, "index sync")
	}
	return nil
}

// rollback restores the pre-patch state: truncate the data file, put back
// every touched meta slot, and restore the FAT size header word. FAT entries
// past the original size stay in the unreachable page tail; the header word
// is the authoritative length.
func (c *commitState) rollback() error {
	dat, err := os.OpenFile(c.pipeline.opt.DatPath, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", c.pipeline.opt.DatPath)
	}
	if err := dat.Truncate(c.origDatSize); err != nil {
		_ = dat.Close()
		return errors.Wrap(err, "truncate data file")
	}
	if err := dat.Sync(); err != nil {
		_ = dat.Close()
		return err
	}
	if err := dat.Close(); err != nil {
		return err
	}

	idx, err := os.OpenFile(c.pipeline.opt.IdxPath, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", c.pipeline.opt.IdxPath)
	}
	defer idx.Close()
	for _, tg := range c.targets {
		if tg.oldMeta == nil {
			continue
		}
		if err := c.lay.WriteChannelBytes(idx, layout.ChannelMeta, tg.metaIndex*archive.MetaSize, tg.oldMeta); err != nil {
			return err
		}
	}
	if _, err := idx.WriteAt(convert.U32ToBytes(c.origFatSize), layout.SizeFieldOffset(layout.ChannelFAT)); err != nil {
		return errors.Wrap(err, "FAT size header")
	}
	if err := idx.Sync(); err != nil {
		return err
	}
	c.pipeline.log.Warn("patch rolled back")
	return nil
}
