package repack

import (
	"os"
	"path/filepath"
	"testing"

	"arcd/archive"
	"arcd/dt"
	"arcd/fat"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func runRepack(t *testing.T, entries []Entry, mod func(*Options)) (*Result, string, string) {
	t.Helper()
	dir := t.TempDir()
	opt := Options{
		OutIdx: filepath.Join(dir, "out.idx"),
		OutDat: filepath.Join(dir, "out.dat"),
		Level:  6,
		Jobs:   1,
	}
	if mod != nil {
		mod(&opt)
	}
	res, err := New(opt, quietLog()).Run(entries)
	require.NoError(t, err)
	return res, opt.OutIdx, opt.OutDat
}

func writeLocal(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// S1: single tiny file
func TestRepackSingleFile(t *testing.T) {
	local := writeLocal(t, "a.dds", []byte{0x41, 0x42, 0x43})
	res, idxPath, datPath := runRepack(t, []Entry{{Key: `texture\a.dds`, LocalPath: local}}, nil)
	assert.Equal(t, 1, res.Files)
	assert.Equal(t, int64(3), res.RawBytes)

	raw, err := os.ReadFile(idxPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCD"), raw[:4])

	arc, err := archive.Open(idxPath, datPath)
	require.NoError(t, err)
	defer arc.Close()

	require.Equal(t, uint32(1), arc.MetaCount())
	m, err := arc.Meta(0)
	require.NoError(t, err)
	assert.Equal(t, archive.FlagCompressed, m.Flags)
	assert.Equal(t, uint32(1), m.StartBlock)
	assert.Equal(t, uint32(0), m.Extra)
	assert.Equal(t, res.CompressedBytes, int64(m.Size))

	// the wrapped payload fits one block
	chain, err := arc.Fat().Chain(m.StartBlock, m.Size)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, chain)
	assert.Equal(t, uint32(2), arc.Fat().Count())

	got, err := arc.ReadFileBytes(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x41, 0x42, 0x43}, got)
}

// S2: a payload spanning several blocks
func TestRepackMultiBlock(t *testing.T) {
	// xorshift noise so deflate cannot squeeze it into one block
	data := make([]byte, 1500)
	s := uint32(0x9E3779B9)
	for i := range data {
		s ^= s << 13
		s ^= s >> 17
		s ^= s << 5
		data[i] = byte(s)
	}
	local := writeLocal(t, "noise.bin", data)
	_, idxPath, datPath := runRepack(t, []Entry{{Key: `data\noise.bin`, LocalPath: local}}, nil)

	arc, err := archive.Open(idxPath, datPath)
	require.NoError(t, err)
	defer arc.Close()

	m, err := arc.Meta(0)
	require.NoError(t, err)
	nblocks := int((m.Size + fat.BlockSize - 1) / fat.BlockSize)
	assert.GreaterOrEqual(t, nblocks, 3)

	chain, err := arc.Fat().Chain(m.StartBlock, m.Size)
	require.NoError(t, err)
	require.Len(t, chain, nblocks)
	for i, b := range chain {
		assert.Equal(t, uint32(1+i), b) // consecutive from block 1
	}
	size, err := arc.DatSize()
	require.NoError(t, err)
	assert.Equal(t, int64(0), size%fat.BlockSize)
	assert.Equal(t, size/fat.BlockSize, int64(arc.Fat().Count()))

	got, err := arc.ReadFileBytes(0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// S3: case-collision dedupe, first wins
func TestRepackCaseCollision(t *testing.T) {
	first := writeLocal(t, "one.txt", []byte("first"))
	second := writeLocal(t, "two.txt", []byte("second"))
	res, idxPath, datPath := runRepack(t, []Entry{
		{Key: `A\B.TXT`, LocalPath: first},
		{Key: `a\b.txt`, LocalPath: second},
	}, nil)
	assert.Equal(t, 1, res.Files)
	assert.Equal(t, 1, res.Deduped)

	arc, err := archive.Open(idxPath, datPath)
	require.NoError(t, err)
	defer arc.Close()
	assert.Equal(t, uint32(1), arc.MetaCount())

	idx, _, ok, err := arc.FindMeta([]byte(`a\b.txt`))
	require.NoError(t, err)
	require.True(t, ok)
	got, err := arc.ReadFileBytes(idx)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

// S6: listing yields exactly the stored entries
func TestRepackListing(t *testing.T) {
	local := writeLocal(t, "a.dds", []byte("abc"))
	_, idxPath, datPath := runRepack(t, []Entry{{Key: `texture\a.dds`, LocalPath: local}}, nil)

	arc, err := archive.Open(idxPath, datPath)
	require.NoError(t, err)
	defer arc.Close()

	type row struct {
		idx  uint32
		path string
	}
	var rows []row
	require.NoError(t, arc.IterEntries(func(idx uint32, _ dt.Node, path []byte) error {
		rows = append(rows, row{idx, string(path)})
		return nil
	}))
	require.Len(t, rows, 1)
	assert.Equal(t, uint32(1), rows[0].idx)
	assert.Equal(t, `texture\a.dds`, rows[0].path)
}

func TestRepackVerify(t *testing.T) {
	a := writeLocal(t, "a.bin", []byte("alpha"))
	b := writeLocal(t, "b.bin", []byte("beta beta"))
	res, _, _ := runRepack(t, []Entry{
		{Key: `x\a.bin`, LocalPath: a},
		{Key: `x\b.bin`, LocalPath: b},
	}, func(o *Options) { o.Verify = true; o.Jobs = 2 })
	assert.Equal(t, 0, res.VerifyFailures)
}

func TestRepackParallelManyFiles(t *testing.T) {
	dir := t.TempDir()
	var entries []Entry
	want := map[string][]byte{}
	for i := 0; i < 40; i++ {
		name := filepath.Join(dir, "f"+string(rune('a'+i%26))+string(rune('0'+i/26)))
		data := []byte{byte(i), byte(i * 3), byte(i * 7), byte(i)}
		require.NoError(t, os.WriteFile(name, data, 0o644))
		key := NormalizeKey(filepath.Base(name))
		entries = append(entries, Entry{Key: key, LocalPath: name})
		want[key] = data
	}
	_, idxPath, datPath := runRepack(t, entries, func(o *Options) { o.Jobs = 4; o.SizeSchedule = true })

	arc, err := archive.Open(idxPath, datPath)
	require.NoError(t, err)
	defer arc.Close()
	require.Equal(t, uint32(len(entries)), arc.MetaCount())
	for key, data := range want {
		idx, _, ok, err := arc.FindMeta([]byte(key))
		require.NoError(t, err)
		require.True(t, ok, "key %q", key)
		got, err := arc.ReadFileBytes(idx)
		require.NoError(t, err)
		assert.Equal(t, data, got, "key %q", key)
	}
}

func TestEntriesFromDirOrder(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "sub"), 0o755))
	for _, p := range []string{"top.txt", "b/two.txt", "a/one.txt", "a/sub/deep.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, filepath.FromSlash(p)), []byte(p), 0o644))
	}
	entries, err := EntriesFromDir(root)
	require.NoError(t, err)
	var keys []string
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{`a\one.txt`, `a\sub\deep.txt`, `b\two.txt`, `top.txt`}, keys)
}
