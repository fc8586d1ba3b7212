package strtab

import (
	"bytes"
	"testing"

	"arcd/utils/convert"
	"arcd/utils/errs"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderSentinel(t *testing.T) {
	b := NewBuilder()
	r := NewReader(b.Bytes())
	s, err := r.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("."), s)
}

func TestAddAndGet(t *testing.T) {
	b := NewBuilder()
	short := []byte(`texture\a.dds`)
	long := bytes.Repeat([]byte("x"), PayloadSize+10) // spans two records
	exact := bytes.Repeat([]byte("y"), PayloadSize)   // exactly one full payload

	iShort := b.Add(short)
	iLong := b.Add(long)
	iExact := b.Add(exact)
	assert.Equal(t, uint32(1), iShort)
	assert.Equal(t, uint32(2), iLong)
	assert.Equal(t, uint32(4), iExact)
	assert.Equal(t, uint32(5), b.Count())

	r := NewReader(b.Bytes())
	for _, tc := range []struct {
		idx  uint32
		want []byte
	}{{iShort, short}, {iLong, long}, {iExact, exact}} {
		got, err := r.Get(tc.idx)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	chain, err := r.Chain(iLong)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 3}, chain)
}

func TestAddCached(t *testing.T) {
	b := NewBuilder()
	key := []byte(`data\file.bin`)
	first := b.Add(key)
	again := b.Add(key)
	assert.Equal(t, first, again)
	assert.Equal(t, uint32(2), b.Count())
}

func TestCycleGuard(t *testing.T) {
	b := NewBuilder()
	b.Add(bytes.Repeat([]byte("z"), PayloadSize*2)) // records 1 and 2
	data := b.Bytes()
	// point record 2 back at record 1
	copy(data[2*RecordSize:], convert.U32ToBytes(0x8000_0000|1))
	r := NewReader(data)
	_, err := r.Get(1)
	assert.True(t, errors.Is(err, errs.ErrCycleInStringChain))
}

func TestDanglingNext(t *testing.T) {
	b := NewBuilder()
	b.Add(bytes.Repeat([]byte("a"), PayloadSize))
	data := b.Bytes()
	copy(data[RecordSize:], convert.U32ToBytes(0x8000_0000|99))
	r := NewReader(data)
	_, err := r.Get(1)
	assert.Error(t, err)
}
