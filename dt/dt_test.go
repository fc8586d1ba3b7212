package dt

import (
	"fmt"
	"testing"

	"arcd/strtab"
	"arcd/utils/errs"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTrie inserts keys in order and returns a reader over the serialized
// nodes plus the matching string table.
func buildTrie(t *testing.T, keys [][]byte) *Reader {
	t.Helper()
	sb := strtab.NewBuilder()
	tb := NewBuilder()
	for i, k := range keys {
		require.NoError(t, tb.Insert(k, sb.Add(k), uint32(i)))
	}
	return NewReader(tb.Bytes(), strtab.NewReader(sb.Bytes()))
}

func TestNodeRoundTrip(t *testing.T) {
	n := Node{Meta: 3, Bit: -1, Name: 0x8000_0007, Left: 1, Right: 9}
	got, err := DecodeNode(n.Encode())
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestFirstDifferingBit(t *testing.T) {
	assert.Equal(t, int32(1), firstDifferingBit([]byte("a"), []byte("c")))
	assert.Equal(t, int32(9), firstDifferingBit([]byte("ab"), []byte("a"))) // 'b' = 0x62, lowest set bit 1
	assert.Equal(t, int32(8), firstDifferingBit([]byte("a"), []byte("a")))
	assert.Equal(t, int32(0), firstDifferingBit([]byte("a"), nil))
}

func TestSingleKey(t *testing.T) {
	key := []byte(`texture\a.dds`)
	r := buildTrie(t, [][]byte{key})

	idx, n, ok, err := r.Lookup(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1), idx)
	assert.Equal(t, uint32(0), n.Meta)

	root, err := r.Node(0)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), root.Bit)
	assert.Equal(t, SentinelMeta, root.Meta)
	assert.Equal(t, uint32(1), root.Right)

	_, _, ok, err = r.Lookup([]byte(`texture\b.dds`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManyKeys(t *testing.T) {
	var keys [][]byte
	for i := 0; i < 200; i++ {
		keys = append(keys, []byte(fmt.Sprintf(`dir%d\file%03d.bin`, i%7, i)))
	}
	r := buildTrie(t, keys)
	assert.Equal(t, uint32(len(keys)+1), r.Count())

	for i, k := range keys {
		idx, n, ok, err := r.Lookup(k)
		require.NoError(t, err)
		require.True(t, ok, "key %q", k)
		assert.Equal(t, uint32(i), n.Meta)
		got, err := r.Key(idx)
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, _, ok, err := r.Lookup([]byte(`dir0\missing.bin`))
	require.NoError(t, err)
	assert.False(t, ok)
	// the compare at the leaf is case-sensitive
	_, _, ok, err = r.Lookup([]byte(`DIR0\FILE000.BIN`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDuplicateKey(t *testing.T) {
	sb := strtab.NewBuilder()
	tb := NewBuilder()
	key := []byte(`a\b.txt`)
	require.NoError(t, tb.Insert(key, sb.Add(key), 0))
	err := tb.Insert(key, sb.Add(key), 1)
	assert.True(t, errors.Is(err, errs.ErrDuplicateKey))
}

func TestDeterministicBytes(t *testing.T) {
	keys := [][]byte{
		[]byte(`a\1.bin`), []byte(`a\2.bin`), []byte(`b\1.bin`),
		[]byte(`c`), []byte(`cc\deep\path\x.dds`),
	}
	build := func() []byte {
		sb := strtab.NewBuilder()
		tb := NewBuilder()
		for i, k := range keys {
			require.NoError(t, tb.Insert(k, sb.Add(k), uint32(i)))
		}
		return tb.Bytes()
	}
	assert.Equal(t, build(), build())
}

// every node's name must resolve to the key that looking that key up reaches
func TestReachabilityMatchesNames(t *testing.T) {
	keys := [][]byte{
		[]byte(`data\a`), []byte(`data\b`), []byte(`data\ab`),
		[]byte(`x`), []byte(`y\z\w`),
	}
	r := buildTrie(t, keys)
	for i := uint32(1); i < r.Count(); i++ {
		k, err := r.Key(i)
		require.NoError(t, err)
		idx, _, ok, err := r.Lookup(k)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, idx)
	}
}

// walking any key's lookup path, bit indexes strictly increase until the
// terminating back-edge
func TestBitIndexIncreasesDownward(t *testing.T) {
	keys := [][]byte{
		[]byte(`aa`), []byte(`ab`), []byte(`ba`), []byte(`bb`), []byte(`abc`),
	}
	r := buildTrie(t, keys)
	for _, k := range keys {
		parent, err := r.Node(0)
		require.NoError(t, err)
		node, err := r.Node(parent.Right)
		require.NoError(t, err)
		steps := 0
		for parent.Bit < node.Bit {
			require.Less(t, steps, int(r.Count())+1, "walk does not terminate")
			parent = node
			next := node.Left
			if keyBit(k, node.Bit) == 1 {
				next = node.Right
			}
			node, err = r.Node(next)
			require.NoError(t, err)
			steps++
		}
	}
}
