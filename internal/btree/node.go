package btree

import (
	"encoding/binary"

	"github.com/ehrlich-b/dmsnapd/internal/types"
)

const (
	nodeHeaderSize = 8  // count(4) + unused(4)
	indexEntrySize = 16 // key(8) + sector(8)
)

// Node is a typed view over one interior B-tree block: a directory of
// {key, sector} entries. entries[0].key is never inspected — child 0
// covers every chunk below entries[1].key.
type Node struct {
	buf []byte
}

func NewNode(buf []byte) *Node { return &Node{buf: buf} }

// InitNode formats buf as an empty interior node.
func InitNode(buf []byte) *Node {
	n := &Node{buf: buf}
	binary.LittleEndian.PutUint32(buf[0:4], 0)
	return n
}

func (n *Node) Bytes() []byte { return n.buf }

func (n *Node) Count() uint32 { return binary.LittleEndian.Uint32(n.buf[0:4]) }
func (n *Node) SetCount(c uint32) {
	binary.LittleEndian.PutUint32(n.buf[0:4], c)
}

func entryByteOffset(i uint32) int { return nodeHeaderSize + int(i)*indexEntrySize }

func (n *Node) Key(i uint32) types.ChunkT {
	o := entryByteOffset(i)
	return types.ChunkT(binary.LittleEndian.Uint64(n.buf[o : o+8]))
}
func (n *Node) SetKey(i uint32, key types.ChunkT) {
	o := entryByteOffset(i)
	binary.LittleEndian.PutUint64(n.buf[o:o+8], uint64(key))
}
func (n *Node) Sector(i uint32) types.SectorT {
	o := entryByteOffset(i)
	return types.SectorT(binary.LittleEndian.Uint64(n.buf[o+8 : o+16]))
}
func (n *Node) SetSector(i uint32, s types.SectorT) {
	o := entryByteOffset(i)
	binary.LittleEndian.PutUint64(n.buf[o+8:o+16], uint64(s))
}

// AllocPerNode returns how many entries fit in a node of this block size.
func AllocPerNode(blockSize int) uint32 {
	return uint32((blockSize - nodeHeaderSize) / indexEntrySize)
}

// InsertChild shifts entries[p..count) right by one and installs a new
// {child, childkey} pair at index p.
func (n *Node) InsertChild(p uint32, child types.SectorT, childkey types.ChunkT) {
	count := n.Count()
	srcStart := entryByteOffset(p)
	srcEnd := entryByteOffset(count)
	dstStart := entryByteOffset(p + 1)
	copy(n.buf[dstStart:dstStart+(srcEnd-srcStart)], n.buf[srcStart:srcEnd])
	n.SetKey(p, childkey)
	n.SetSector(p, child)
	n.SetCount(count + 1)
}

// RemoveAt shifts entries[p+1..count) left by one, dropping entry p.
func (n *Node) RemoveAt(p uint32) {
	count := n.Count()
	srcStart := entryByteOffset(p + 1)
	srcEnd := entryByteOffset(count)
	dstStart := entryByteOffset(p)
	copy(n.buf[dstStart:dstStart+(srcEnd-srcStart)], n.buf[srcStart:srcEnd])
	n.SetCount(count - 1)
}

// SplitNode divides node approximately in half, moving the upper half of
// its entries into node2, and returns the key under which node2 must be
// installed in the parent.
func SplitNode(node, node2 *Node) types.ChunkT {
	count := node.Count()
	nhead := (count + 1) / 2
	ntail := count - nhead

	srcStart := entryByteOffset(nhead)
	srcEnd := entryByteOffset(count)
	copy(node2.buf[0:srcEnd-srcStart], node.buf[srcStart:srcEnd])
	node2.SetCount(ntail)
	node.SetCount(nhead)

	return node2.Key(0)
}

// MergeNodes appends node2's entries onto node.
func MergeNodes(node, node2 *Node) {
	count := node.Count()
	count2 := node2.Count()
	dstStart := entryByteOffset(count)
	srcEnd := entryByteOffset(count2)
	copy(node.buf[dstStart:dstStart+srcEnd], node2.buf[0:srcEnd])
	node.SetCount(count + count2)
}
