// Package dt implements the directory trie of channel 0: a Patricia tree
// over raw path bytes, bit-indexed least significant bit first.
package dt

import (
	"arcd/strtab"
	"arcd/utils/convert"
	"arcd/utils/errs"

	"github.com/pkg/errors"
)

const (
	// NodeSize is the fixed on-disk node length.
	NodeSize = 20

	// nameFlag is the always-set top bit of the name field; the low 31 bits
	// index the string table.
	nameFlag = uint32(0x8000_0000)

	// NameMask extracts the string index from a name field.
	NameMask = uint32(0x7FFF_FFFF)

	// SentinelMeta marks the root node, which addresses no meta record.
	SentinelMeta = uint32(0xFFFF_FFFF)
)

// Node is one decoded trie node.
type Node struct {
	Meta  uint32
	Bit   int32
	Name  uint32
	Left  uint32
	Right uint32
}

// StringIndex returns the string-table record the node's name points at.
func (n Node) StringIndex() uint32 {
	return n.Name & NameMask
}

// Encode serializes the node.
func (n Node) Encode() []byte {
	buf := make([]byte, NodeSize)
	copy(buf[0:], convert.U32ToBytes(n.Meta))
	copy(buf[4:], convert.I32ToBytes(n.Bit))
	copy(buf[8:], convert.U32ToBytes(n.Name))
	copy(buf[12:], convert.U32ToBytes(n.Left))
	copy(buf[16:], convert.U32ToBytes(n.Right))
	return buf
}

// DecodeNode deserializes one node.
func DecodeNode(buf []byte) (Node, error) {
	if len(buf) < NodeSize {
		return Node{}, errors.Errorf("trie node truncated at %d bytes", len(buf))
	}
	return Node{
		Meta:  convert.BytesToU32(buf[0:]),
		Bit:   convert.BytesToI32(buf[4:]),
		Name:  convert.BytesToU32(buf[8:]),
		Left:  convert.BytesToU32(buf[12:]),
		Right: convert.BytesToU32(buf[16:]),
	}, nil
}

// Bit b of key k, lsb first within each byte. Bits past the end read 0.
func keyBit(k []byte, b int32) uint32 {
	i := int(b) / 8
	if i >= len(k) {
		return 0
	}
	return uint32(k[i]>>(uint(b)%8)) & 1
}

// firstDifferingBit scans a and b byte by byte, short side zero-extended,
// and returns the lowest differing bit. Identical keys return
// max(len(a), len(b)) * 8.
func firstDifferingBit(a, b []byte) int32 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var av, bv byte
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		x := av ^ bv
		if x == 0 {
			continue
		}
		bit := int32(i * 8)
		for x&1 == 0 {
			x >>= 1
			bit++
		}
		return bit
	}
	return int32(n * 8)
}

// Reader walks a channel-0 buffer.
type Reader struct {
	data []byte
	strs *strtab.Reader
}

func NewReader(data []byte, strs *strtab.Reader) *Reader {
	return &Reader{data: data, strs: strs}
}

// Count returns the number of whole nodes, sentinel included.
func (r *Reader) Count() uint32 {
	return uint32(len(r.data) / NodeSize)
}

// Node decodes node i.
func (r *Reader) Node(i uint32) (Node, error) {
	off := int(i) * NodeSize
	if off+NodeSize > len(r.data) {
		return Node{}, errors.Errorf("trie node %d out of range (table holds %d)", i, r.Count())
	}
	return DecodeNode(r.data[off:])
}

// Key returns the path bytes node i's name points at.
func (r *Reader) Key(i uint32) ([]byte, error) {
	n, err := r.Node(i)
	if err != nil {
		return nil, err
	}
	return r.strs.Get(n.StringIndex())
}

// Lookup descends from the root until the first back-edge, then compares the
// reached leaf's stored key to the query. The compare is case-sensitive.
func (r *Reader) Lookup(key []byte) (uint32, Node, bool, error) {
	root, err := r.Node(0)
	if err != nil {
		return 0, Node{}, false, err
	}
	parent := root
	idx := root.Right
	node, err := r.Node(idx)
	if err != nil {
		return 0, Node{}, false, err
	}
	for parent.Bit < node.Bit {
		parent = node
		if keyBit(key, node.Bit) == 1 {
			idx = node.Right
		} else {
			idx = node.Left
		}
		if node, err = r.Node(idx); err != nil {
			return 0, Node{}, false, err
		}
	}
	leafKey, err := r.strs.Get(node.StringIndex())
	if err != nil {
		return 0, Node{}, false, err
	}
	if string(leafKey) != string(key) {
		return 0, Node{}, false, nil
	}
	return idx, node, true, nil
}

// Builder grows a trie in insertion order. Node 0 is the sentinel root over
// the string table's dot record; for bit comparisons during insertion it
// stands for the empty key, the same key the first real node is split from.
type Builder struct {
	nodes []Node
	keys  [][]byte
}

func NewBuilder() *Builder {
	return &Builder{
		nodes: []Node{{Meta: SentinelMeta, Bit: -1, Name: nameFlag, Left: 0, Right: 0}},
		keys:  [][]byte{nil},
	}
}

// Count returns the node count, sentinel included.
func (b *Builder) Count() uint32 {
	return uint32(len(b.nodes))
}

// Insert adds key pointing at strIndex/metaIndex. Keys must be unique;
// inserting an existing key fails with ErrDuplicateKey. Tie-breaks are fully
// determined by insertion order.
func (b *Builder) Insert(key []byte, strIndex, metaIndex uint32) error {
	if len(key) == 0 {
		return errors.New("empty key")
	}
	idx := uint32(len(b.nodes))
	node := Node{Meta: metaIndex, Bit: 0, Name: nameFlag | (strIndex & NameMask)}

	if len(b.nodes) == 1 {
		node.Bit = firstDifferingBit(key, nil)
		if keyBit(key, node.Bit) == 1 {
			node.Right, node.Left = idx, 0
		} else {
			node.Left, node.Right = idx, 0
		}
		b.nodes = append(b.nodes, node)
		b.keys = append(b.keys, append([]byte(nil), key...))
		b.nodes[0].Right = idx
		return nil
	}

	leafKey := b.closestLeaf(key)
	diffBit := firstDifferingBit(key, leafKey)
	if int(diffBit) >= maxLen(key, leafKey)*8 {
		return errors.Wrapf(errs.ErrDuplicateKey, "key %q", key)
	}

	// re-walk to the edge where diffBit fits
	parent := uint32(0)
	next := b.nodes[0].Right
	for b.nodes[parent].Bit < b.nodes[next].Bit && b.nodes[next].Bit < diffBit {
		parent = next
		if keyBit(key, b.nodes[next].Bit) == 1 {
			next = b.nodes[next].Right
		} else {
			next = b.nodes[next].Left
		}
	}

	node.Bit = diffBit
	if keyBit(key, diffBit) == 1 {
		node.Right, node.Left = idx, next
	} else {
		node.Left, node.Right = idx, next
	}
	b.nodes = append(b.nodes, node)
	b.keys = append(b.keys, append([]byte(nil), key...))

	if b.nodes[parent].Bit < 0 {
		b.nodes[parent].Right = idx
	} else if keyBit(key, b.nodes[parent].Bit) == 1 {
		b.nodes[parent].Right = idx
	} else {
		b.nodes[parent].Left = idx
	}
	return nil
}

// closestLeaf runs the lookup walk against the in-memory nodes and returns
// the stored key of the leaf it terminates on.
func (b *Builder) closestLeaf(key []byte) []byte {
	parent := b.nodes[0]
	idx := b.nodes[0].Right
	node := b.nodes[idx]
	for parent.Bit < node.Bit {
		parent = node
		if keyBit(key, node.Bit) == 1 {
			idx = node.Right
		} else {
			idx = node.Left
		}
		node = b.nodes[idx]
	}
	return b.keys[idx]
}

// Bytes serializes all nodes in index order.
func (b *Builder) Bytes() []byte {
	buf := make([]byte, 0, len(b.nodes)*NodeSize)
	for _, n := range b.nodes {
		buf = append(buf, n.Encode()...)
	}
	return buf
}

func maxLen(a, b []byte) int {
	if len(a) > len(b) {
		return len(a)
	}
	return len(b)
}
