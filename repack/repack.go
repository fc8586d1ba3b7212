// Package repack builds a fresh archive pair from a set of local files.
package repack

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"arcd/archive"
	"arcd/dt"
	"arcd/fat"
	"arcd/layout"
	"arcd/pool"
	"arcd/strtab"

	metro "github.com/dgryski/go-metro"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Entry pairs an archive key with the local file backing it.
type Entry struct {
	Key       string
	LocalPath string
}

// Options drive one repack run.
type Options struct {
	OutIdx       string
	OutDat       string
	Level        int // 1..9, default 6
	Jobs         int // default: logical CPU count
	AutoTuneJobs bool
	SizeSchedule bool
	Verify       bool
}

// Result summarizes a committed repack.
type Result struct {
	Files           int
	Deduped         int
	RawBytes        int64
	CompressedBytes int64
	Jobs            int
	VerifyFailures  int
}

// Pipeline is the single-coordinator driver. It owns the only writer to
// both output files.
type Pipeline struct {
	opt          Options
	log          *logrus.Logger
	warnedInline bool
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

// NormalizeKey converts separators to backslashes and folds to lowercase.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.ReplaceAll(key, "/", `\`))
}

type accepted struct {
	key      []byte
	local    string
	strIndex uint32
}

// Run executes all phases and returns the committed totals. A failure after
// partial data-file writes aborts without cleanup; repack targets fresh
// files and is idempotent per run.
func (p *Pipeline) Run(entries []Entry) (*Result, error) {
	res := &Result{}

	// phase 1: keys and strings, first occurrence wins
	strs := strtab.NewBuilder()
	seen := make(map[string]bool)
	var acc []accepted
	for _, e := range entries {
		key := NormalizeKey(e.Key)
		if seen[key] {
			p.log.WithField("path", e.Key).Warn("duplicate key after case fold, skipping")
			res.Deduped++
			continue
		}
		seen[key] = true
		acc = append(acc, accepted{key: []byte(key), local: e.LocalPath, strIndex: strs.Add([]byte(key))})
	}
	res.Files = len(acc)

	// phase 2: trie, in acceptance order
	trie := dt.NewBuilder()
	for i, a := range acc {
		if err := trie.Insert(a.key, a.strIndex, uint32(i)); err != nil {
			return nil, err
		}
	}

	jobs := p.opt.Jobs
	if p.opt.AutoTuneJobs {
		jobs = p.autoTune(acc)
	}
	res.Jobs = jobs
	if jobs <= 1 && !p.warnedInline {
		p.warnedInline = true
		p.log.Info("no worker pool, compressing inline")
	}

	// phase 3: compression + DAT
	datFd, err := os.OpenFile(p.opt.OutDat, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", p.opt.OutDat)
	}
	defer datFd.Close()
	w := fat.NewWriter(datFd)

	tasks := p.schedule(acc)
	startBlock := make([]uint32, len(acc))
	wrappedSize := make([]uint32, len(acc))
	rawHash := make([]uint64, len(acc))
	comp := &pool.Compressor{Jobs: jobs, Level: p.opt.Level}
	err = comp.Run(tasks, func(r pool.Result) error {
		start, err := w.Append(r.Wrapped)
		if err != nil {
			return err
		}
		startBlock[r.Index] = start
		wrappedSize[r.Index] = uint32(len(r.Wrapped))
		rawHash[r.Index] = r.Hash64
		res.RawBytes += int64(r.RawSize)
		res.CompressedBytes += int64(len(r.Wrapped))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := w.Finish(); err != nil {
		return nil, err
	}
	if err := datFd.Close(); err != nil {
		return nil, err
	}

	// phase 4: meta + FAT buffers
	metaBuf := make([]byte, 0, len(acc)*archive.MetaSize)
	for i := range acc {
		m := archive.MetaRecord{Flags: archive.FlagCompressed, Size: wrappedSize[i], StartBlock: startBlock[i]}
		metaBuf = append(metaBuf, m.Encode()...)
	}

	// phase 5: index file
	var channels [layout.NumChannels][]byte
	channels[layout.ChannelTrie] = trie.Bytes()
	channels[layout.ChannelStrings] = strs.Bytes()
	channels[layout.ChannelMeta] = metaBuf
	channels[layout.ChannelFAT] = w.TableBytes()
	if err := layout.WriteIndex(p.opt.OutIdx, channels); err != nil {
		return nil, err
	}

	p.log.WithFields(logrus.Fields{
		"files":  res.Files,
		"raw":    res.RawBytes,
		"packed": res.CompressedBytes,
		"jobs":   jobs,
	}).Info("repack committed")

	// phase 6: verify; the primary result stays committed regardless
	if p.opt.Verify {
		res.VerifyFailures = p.verify(acc, rawHash)
	}
	return res, nil
}

// schedule builds the dispatch order: input order, or descending file size
// when size scheduling is on. Task indexes always address original slots.
func (p *Pipeline) schedule(acc []accepted) []pool.Task {
	tasks := make([]pool.Task, len(acc))
	for i, a := range acc {
		tasks[i] = pool.Task{Index: i, Path: a.local}
	}
	if !p.opt.SizeSchedule {
		return tasks
	}
	sizes := make([]int64, len(acc))
	for i, a := range acc {
		if fi, err := os.Stat(a.local); err == nil {
			sizes[i] = fi.Size()
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		si, sj := sizes[tasks[i].Index], sizes[tasks[j].Index]
		if si != sj {
			return si > sj
		}
		return tasks[i].Index < tasks[j].Index
	})
	return tasks
}

// autoTune samples compression at candidate worker counts and keeps the
// fastest. Runs only on large inputs; otherwise the requested count stands.
func (p *Pipeline) autoTune(acc []accepted) int {
	if len(acc) < 256 {
		return p.opt.Jobs
	}
	sample := make([]pool.Task, 0, 128)
	for i := 0; i < len(acc) && len(sample) < 128; i++ {
		sample = append(sample, pool.Task{Index: i, Path: acc[i].local})
	}
	cores := runtime.NumCPU()
	candidates := []int{1, cores / 2, cores, 2 * cores, p.opt.Jobs}

	best, bestTime := p.opt.Jobs, time.Duration(0)
	tried := make(map[int]bool)
	for _, n := range candidates {
		if n < 1 || tried[n] {
			continue
		}
		tried[n] = true
		comp := &pool.Compressor{Jobs: n, Level: p.opt.Level}
		startedAt := time.Now()
		if err := comp.Run(sample, func(pool.Result) error { return nil }); err != nil {
			continue
		}
		elapsed := time.Since(startedAt)
		if bestTime == 0 || elapsed < bestTime {
			best, bestTime = n, elapsed
		}
	}
	p.log.WithFields(logrus.Fields{"jobs": best, "sample": len(sample)}).Info("auto-tuned worker count")
	return best
}

// verify re-opens the committed archive and checks every payload against
// the content fingerprint recorded at compression time, so source files are
// not read twice.
func (p *Pipeline) verify(acc []accepted, rawHash []uint64) int {
	arc, err := archive.Open(p.opt.OutIdx, p.opt.OutDat)
	if err != nil {
		p.log.WithError(err).Error("verify: reopen failed")
		return len(acc)
	}
	defer arc.Close()

	failures := 0
	for i, a := range acc {
		metaIdx, _, ok, err := arc.FindMeta(a.key)
		if err != nil || !ok {
			p.log.WithField("path", string(a.key)).Error("verify: key missing")
			failures++
			continue
		}
		got, err := arc.ReadFileBytes(metaIdx)
		if err != nil {
			p.log.WithError(err).WithField("path", string(a.key)).Error("verify: read failed")
			failures++
			continue
		}
		if metro.Hash64(got, 0) != rawHash[i] {
			p.log.WithField("path", string(a.key)).Error("verify: payload mismatch")
			failures++
		}
	}
	return failures
}

// EntriesFromDir walks root pre-order, children in case-sensitive name
// order, and derives archive keys from the relative paths.
func EntriesFromDir(root string) ([]Entry, error) {
	var out []Entry
	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		ents, err := os.ReadDir(dir)
		if err != nil {
			return errors.Wrapf(err, "read dir %s", dir)
		}
		// os.ReadDir sorts by name already; keep the byte order explicit
		sort.Slice(ents, func(i, j int) bool { return ents[i].Name() < ents[j].Name() })
		for _, e := range ents {
			childRel := e.Name()
			if rel != "" {
				childRel = rel + `\` + e.Name()
			}
			if e.IsDir() {
				if err := walk(filepath.Join(dir, e.Name()), childRel); err != nil {
					return err
				}
				continue
			}
			out = append(out, Entry{Key: childRel, LocalPath: filepath.Join(dir, e.Name())})
		}
		return nil
	}
	if err := walk(root, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// EntriesFromList turns an explicit archive-path list into entries rooted at
// baseDir. List order wins over collation.
func EntriesFromList(keys []string, baseDir string) []Entry {
	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		rel := filepath.FromSlash(strings.ReplaceAll(key, `\`, "/"))
		out = append(out, Entry{Key: key, LocalPath: filepath.Join(baseDir, rel)})
	}
	return out
}
