package patch

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"arcd/archive"
	"arcd/fat"
	"arcd/layout"
	"arcd/repack"
	"arcd/utils/errs"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// buildFixture repacks a small archive and returns its paths.
func buildFixture(t *testing.T, files map[string][]byte) (string, string) {
	t.Helper()
	dir := t.TempDir()
	var entries []repack.Entry
	for key, data := range files {
		local := filepath.Join(dir, "src_"+filepath.Base(key))
		require.NoError(t, os.WriteFile(local, data, 0o644))
		entries = append(entries, repack.Entry{Key: key, LocalPath: local})
	}
	idxPath := filepath.Join(dir, "arc.idx")
	datPath := filepath.Join(dir, "arc.dat")
	_, err := repack.New(repack.Options{OutIdx: idxPath, OutDat: datPath, Jobs: 1}, quietLog()).Run(entries)
	require.NoError(t, err)
	return idxPath, datPath
}

func readChannels(t *testing.T, idxPath string) [][]byte {
	t.Helper()
	l, err := layout.Open(idxPath)
	require.NoError(t, err)
	defer l.Close()
	out := make([][]byte, layout.NumChannels)
	for c := 0; c < layout.NumChannels; c++ {
		out[c], err = l.ReadChannel(c)
		require.NoError(t, err)
	}
	return out
}

func snapshot(t *testing.T, paths ...string) [][]byte {
	t.Helper()
	out := make([][]byte, len(paths))
	for i, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		out[i] = data
	}
	return out
}

// S4: successful patch advances the start block and extends the FAT
func TestPatchSuccess(t *testing.T) {
	idxPath, datPath := buildFixture(t, map[string][]byte{
		`texture\a.dds`: bytes.Repeat([]byte{0x11}, 1500),
		`texture\b.dds`: []byte("keep me"),
	})

	arc, err := archive.Open(idxPath, datPath)
	require.NoError(t, err)
	aIdx, _, ok, err := arc.FindMeta([]byte(`texture\a.dds`))
	require.NoError(t, err)
	require.True(t, ok)
	oldMeta, err := arc.Meta(aIdx)
	require.NoError(t, err)
	origBlocks := arc.Fat().Count()
	require.NoError(t, arc.Close())

	newContent := make([]byte, 700)
	local := filepath.Join(t.TempDir(), "new.dds")
	require.NoError(t, os.WriteFile(local, newContent, 0o644))

	res, err := New(Options{IdxPath: idxPath, DatPath: datPath, Jobs: 1}, quietLog()).
		Run([]Request{{Key: `texture\a.dds`, LocalPath: local}})
	require.NoError(t, err)
	assert.False(t, res.RolledBack)
	assert.Equal(t, 1, res.Patched)
	assert.Equal(t, StateVerified, res.State)

	arc, err = archive.Open(idxPath, datPath)
	require.NoError(t, err)
	defer arc.Close()

	m, err := arc.Meta(aIdx)
	require.NoError(t, err)
	assert.Equal(t, origBlocks, m.StartBlock) // first appended block
	assert.Greater(t, m.StartBlock, oldMeta.StartBlock)
	assert.Equal(t, oldMeta.Extra, m.Extra)
	assert.Greater(t, arc.Fat().Count(), origBlocks)

	got, err := arc.ReadFileBytes(aIdx)
	require.NoError(t, err)
	assert.Equal(t, newContent, got)

	// untouched entry still intact
	bIdx, _, ok, err := arc.FindMeta([]byte(`texture\b.dds`))
	require.NoError(t, err)
	require.True(t, ok)
	got, err = arc.ReadFileBytes(bIdx)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep me"), got)

	size, err := arc.DatSize()
	require.NoError(t, err)
	assert.Equal(t, int64(0), size%fat.BlockSize)
	assert.Equal(t, size/fat.BlockSize, int64(arc.Fat().Count()))
}

// S5: a verify failure rolls both files back
func TestPatchRollback(t *testing.T) {
	idxPath, datPath := buildFixture(t, map[string][]byte{
		`texture\a.dds`: bytes.Repeat([]byte{0x22}, 900),
	})
	before := snapshot(t, idxPath, datPath)
	beforeChannels := readChannels(t, idxPath)

	local := filepath.Join(t.TempDir(), "new.bin")
	require.NoError(t, os.WriteFile(local, bytes.Repeat([]byte{0x33}, 600), 0o644))

	p := New(Options{IdxPath: idxPath, DatPath: datPath, Jobs: 1}, quietLog())
	p.tamper = func() {
		// corrupt the appended payload between commit and verify
		fd, err := os.OpenFile(datPath, os.O_RDWR, 0)
		require.NoError(t, err)
		defer fd.Close()
		fi, err := fd.Stat()
		require.NoError(t, err)
		// clobber the appended wrapper's declared raw size
		_, err = fd.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF}, fi.Size()-fat.BlockSize+4)
		require.NoError(t, err)
	}
	res, err := p.Run([]Request{{Key: `texture\a.dds`, LocalPath: local}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrVerificationFailed))
	assert.True(t, res.RolledBack)
	assert.Equal(t, StateRolledBack, res.State)

	after := snapshot(t, idxPath, datPath)
	assert.Equal(t, before[1], after[1], "data file restored")
	// the index matches modulo the unreachable FAT page tail: the header size
	// word is authoritative, so logical channel views must be identical
	assert.Equal(t, len(before[0]), len(after[0]))
	assert.Equal(t, readChannels(t, idxPath), beforeChannels)

	arc, err := archive.Open(idxPath, datPath)
	require.NoError(t, err)
	defer arc.Close()
	aIdx, _, ok, err := arc.FindMeta([]byte(`texture\a.dds`))
	require.NoError(t, err)
	require.True(t, ok)
	got, err := arc.ReadFileBytes(aIdx)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x22}, 900), got)
}

// property 5: patching nothing writes nothing
func TestPatchEmptyIdempotent(t *testing.T) {
	idxPath, datPath := buildFixture(t, map[string][]byte{`a\b.bin`: []byte("stable")})
	before := snapshot(t, idxPath, datPath)

	res, err := New(Options{IdxPath: idxPath, DatPath: datPath, Jobs: 1}, quietLog()).Run(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Patched)

	after := snapshot(t, idxPath, datPath)
	assert.Equal(t, before, after)
}

func TestPatchUnresolvedAndDuplicate(t *testing.T) {
	idxPath, datPath := buildFixture(t, map[string][]byte{`a\b.bin`: []byte("orig")})

	local := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(local, []byte("new!"), 0o644))

	res, err := New(Options{IdxPath: idxPath, DatPath: datPath, Jobs: 1}, quietLog()).
		Run([]Request{
			{Key: `missing\key.bin`, LocalPath: local},
			{Key: `a\b.bin`, LocalPath: local},
			{Key: `A\B.BIN`, LocalPath: local}, // lowercase fallback hits the same slot
		})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Patched)
	assert.ElementsMatch(t, []string{`missing\key.bin`, `A\B.BIN`}, res.Skipped)
}

func TestPatchDryRun(t *testing.T) {
	idxPath, datPath := buildFixture(t, map[string][]byte{`a\b.bin`: []byte("orig")})
	before := snapshot(t, idxPath, datPath)

	local := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(local, []byte("new!"), 0o644))

	res, err := New(Options{IdxPath: idxPath, DatPath: datPath, DryRun: true, Jobs: 1}, quietLog()).
		Run([]Request{{Key: `a\b.bin`, LocalPath: local}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Patched)
	assert.Equal(t, before, snapshot(t, idxPath, datPath))
}
