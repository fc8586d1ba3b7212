package convert

import "encoding/binary"

// U16ToBytes converts uint16 to bytes in little endian
func U16ToBytes(v uint16) []byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return buf[:]
}

// U32ToBytes converts uint32 to bytes in little endian
func U32ToBytes(v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return buf[:]
}

// U64ToBytes converts uint64 to bytes in little endian
func U64ToBytes(v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return buf[:]
}

func BytesToU16(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

func BytesToU32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

func BytesToU64(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// I32ToBytes converts int32 to bytes, two's complement in little endian
func I32ToBytes(v int32) []byte {
	return U32ToBytes(uint32(v))
}

func BytesToI32(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf))
}

// U32SliceToBytes flattens a slice of uint32 into little endian bytes
func U32SliceToBytes(vs []uint32) []byte {
	buf := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

// BytesToU32Slice splits little endian bytes into a slice of uint32
func BytesToU32Slice(buf []byte) []uint32 {
	vs := make([]uint32, len(buf)/4)
	for i := range vs {
		vs[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return vs
}
