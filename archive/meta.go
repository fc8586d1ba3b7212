package archive

import (
	"arcd/utils/convert"

	"github.com/pkg/errors"
)

const (
	// MetaSize is the fixed meta-record length.
	MetaSize = 16

	// FlagCompressed marks a deflate-wrapped payload.
	FlagCompressed = uint32(1)
)

// MetaRecord locates one file's payload in the data file. Size counts the
// wrapped bytes; zero means a directory node or placeholder. Extra is
// reserved and preserved verbatim.
type MetaRecord struct {
	Flags      uint32
	Size       uint32
	StartBlock uint32
	Extra      uint32
}

// Encode serializes the record.
func (m MetaRecord) Encode() []byte {
	buf := make([]byte, MetaSize)
	copy(buf[0:], convert.U32ToBytes(m.Flags))
	copy(buf[4:], convert.U32ToBytes(m.Size))
	copy(buf[8:], convert.U32ToBytes(m.StartBlock))
	copy(buf[12:], convert.U32ToBytes(m.Extra))
	return buf
}

// DecodeMeta deserializes one record.
func DecodeMeta(buf []byte) (MetaRecord, error) {
	if len(buf) < MetaSize {
		return MetaRecord{}, errors.Errorf("meta record truncated at %d bytes", len(buf))
	}
	return MetaRecord{
		Flags:      convert.BytesToU32(buf[0:]),
		Size:       convert.BytesToU32(buf[4:]),
		StartBlock: convert.BytesToU32(buf[8:]),
		Extra:      convert.BytesToU32(buf[12:]),
	}, nil
}
