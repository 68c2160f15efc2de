package btree

import (
	"encoding/binary"
	"math"

	"github.com/ehrlich-b/dmsnapd/internal/types"
)

// BlockIO is the block storage dependency the tree needs: read an
// existing block by sector, allocate a fresh zeroed one, and mark a
// sector dirty or free it. Implementations live in internal/store,
// layered over internal/cache and internal/alloc; the tree package
// never touches either directly so it stays free of cycles.
type BlockIO interface {
	ReadBlock(sector types.SectorT) ([]byte, error)
	NewBlock() (types.SectorT, []byte, error)
	Dirty(sector types.SectorT)
	Free(sector types.SectorT)
}

// Tree is the exception B-tree rooted at a single block. Root is a leaf
// directly when Levels == 1; otherwise it is an interior node whose
// children are themselves trees of Levels-1.
type Tree struct {
	IO        BlockIO
	Root      types.SectorT
	Levels    int
	BlockSize int
}

// PathEntry records one interior node visited on the way down to a leaf,
// so splits and deletes can walk back up and patch parents.
type PathEntry struct {
	Sector types.SectorT
	Node   *Node
	Index  uint32
}

// Probe walks from the root to the leaf that would hold chunk, returning
// the leaf's sector, its block, and the path of interior nodes visited.
func (t *Tree) Probe(chunk types.ChunkT) (types.SectorT, *Leaf, []PathEntry, error) {
	sector := t.Root
	buf, err := t.IO.ReadBlock(sector)
	if err != nil {
		return 0, nil, nil, err
	}
	path := make([]PathEntry, 0, t.Levels-1)
	for level := 0; level < t.Levels-1; level++ {
		node := NewNode(buf)
		count := node.Count()
		var i uint32
		for i = 1; i < count; i++ {
			if node.Key(i) > chunk {
				break
			}
		}
		i--
		path = append(path, PathEntry{Sector: sector, Node: node, Index: i})
		sector = node.Sector(i)
		buf, err = t.IO.ReadBlock(sector)
		if err != nil {
			return 0, nil, nil, err
		}
	}
	return sector, NewLeaf(buf), path, nil
}

// AddExceptionToTree installs chunk -> exceptionChunk for snapnum,
// splitting the leaf (and, if necessary, interior nodes up to and
// including the root) when it does not fit.
func (t *Tree) AddExceptionToTree(chunk, exceptionChunk types.ChunkT, snapnum int, active uint64) (orphaned bool, orphanChunk types.ChunkT, err error) {
	leafSector, leaf, path, err := t.Probe(chunk)
	if err != nil {
		return false, 0, err
	}

	orphaned, orphanChunk, err = leaf.AddException(chunk, exceptionChunk, snapnum, active)
	if err == ErrFull {
		if err = t.splitLeafAndInsert(leafSector, leaf, path); err != nil {
			return false, 0, err
		}
		// Re-probe: the split may have moved chunk's entry into the
		// new right-hand leaf.
		leafSector, leaf, _, err = t.Probe(chunk)
		if err != nil {
			return false, 0, err
		}
		orphaned, orphanChunk, err = leaf.AddException(chunk, exceptionChunk, snapnum, active)
	}
	if err != nil {
		return false, 0, err
	}
	t.IO.Dirty(leafSector)
	return orphaned, orphanChunk, nil
}

// splitLeafAndInsert splits leaf in two and threads the new right-hand
// sibling into the parent chain, splitting interior nodes (and growing
// the root) as needed.
func (t *Tree) splitLeafAndInsert(leafSector types.SectorT, leaf *Leaf, path []PathEntry) error {
	newSector, newBuf, err := t.IO.NewBlock()
	if err != nil {
		return err
	}
	leaf2 := InitLeaf(newBuf)
	splitPoint := SplitLeaf(leaf, leaf2)
	t.IO.Dirty(leafSector)
	t.IO.Dirty(newSector)
	return t.insertIntoParent(path, newSector, splitPoint)
}

// insertIntoParent installs {childSector, childKey} as a new sibling
// immediately after the last path entry's child, splitting that node
// (recursively, up to the root) if it is full.
func (t *Tree) insertIntoParent(path []PathEntry, childSector types.SectorT, childKey types.ChunkT) error {
	if len(path) == 0 {
		return t.growRoot(childSector, childKey)
	}

	parent := path[len(path)-1]
	node := parent.Node
	if node.Count() < AllocPerNode(t.BlockSize) {
		node.InsertChild(parent.Index+1, childSector, childKey)
		t.IO.Dirty(parent.Sector)
		return nil
	}

	newSector, newBuf, err := t.IO.NewBlock()
	if err != nil {
		return err
	}
	newNode := InitNode(newBuf)
	splitKey := SplitNode(node, newNode)

	if childKey < splitKey {
		node.InsertChild(parent.Index+1, childSector, childKey)
	} else {
		newNode.InsertChild(parent.Index+1-node.Count(), childSector, childKey)
	}
	t.IO.Dirty(parent.Sector)
	t.IO.Dirty(newSector)

	return t.insertIntoParent(path[:len(path)-1], newSector, splitKey)
}

// growRoot is called when the current root itself needed to split: it
// allocates a fresh root node with two children (the old root and its
// new sibling) and increments Levels.
func (t *Tree) growRoot(siblingSector types.SectorT, siblingKey types.ChunkT) error {
	newRootSector, newRootBuf, err := t.IO.NewBlock()
	if err != nil {
		return err
	}
	newRoot := InitNode(newRootBuf)
	newRoot.SetCount(1)
	newRoot.SetKey(0, 0)
	newRoot.SetSector(0, t.Root)
	newRoot.InsertChild(1, siblingSector, siblingKey)

	t.Root = newRootSector
	t.Levels++
	t.IO.Dirty(newRootSector)
	return nil
}

// maxChunk is the sentinel upper bound used when walking the rightmost
// edge of the tree, where the next sibling's key is unknown.
const maxChunk = types.ChunkT(math.MaxUint64)

// RangeVisitor is called once per leaf overlapping a traversed range.
type RangeVisitor func(sector types.SectorT, leaf *Leaf) error

// TraverseTreeRange calls visit for every leaf whose chunk range
// overlaps [start, end).
func (t *Tree) TraverseTreeRange(start, end types.ChunkT, visit RangeVisitor) error {
	return t.traverseRange(t.Root, t.Levels, start, end, visit)
}

func (t *Tree) traverseRange(sector types.SectorT, levels int, start, end types.ChunkT, visit RangeVisitor) error {
	buf, err := t.IO.ReadBlock(sector)
	if err != nil {
		return err
	}
	if levels == 1 {
		return visit(sector, NewLeaf(buf))
	}
	node := NewNode(buf)
	count := node.Count()
	for i := uint32(0); i < count; i++ {
		lo := types.ChunkT(0)
		if i > 0 {
			lo = node.Key(i)
		}
		hi := maxChunk
		if i+1 < count {
			hi = node.Key(i + 1)
		}
		if hi <= start || lo >= end {
			continue
		}
		if err := t.traverseRange(node.Sector(i), levels-1, start, end, visit); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTreeRange clears every exception in [start, end) that belongs to
// any snapshot named in snapmask. release is called with the
// snapshot-store chunk of each exception that becomes wholly unshared as
// a result, so the caller can free it. Leaves that end up empty are
// removed from the tree and their blocks freed.
func (t *Tree) DeleteTreeRange(start, end types.ChunkT, snapmask uint64, release func(types.ChunkT)) error {
	return t.deleteRange(t.Root, t.Levels, nil, start, end, snapmask, release)
}

func (t *Tree) deleteRange(sector types.SectorT, levels int, path []PathEntry, start, end types.ChunkT, snapmask uint64, release func(types.ChunkT)) error {
	buf, err := t.IO.ReadBlock(sector)
	if err != nil {
		return err
	}
	if levels == 1 {
		leaf := NewLeaf(buf)
		empty := compactLeaf(leaf, snapmask, release)
		if empty {
			return t.removeChild(path, sector)
		}
		t.IO.Dirty(sector)
		return nil
	}

	node := NewNode(buf)
	count := node.Count()
	for i := uint32(0); i < count; i++ {
		lo := types.ChunkT(0)
		if i > 0 {
			lo = node.Key(i)
		}
		hi := maxChunk
		if i+1 < count {
			hi = node.Key(i + 1)
		}
		if hi <= start || lo >= end {
			continue
		}
		childPath := append(append([]PathEntry{}, path...), PathEntry{Sector: sector, Node: node, Index: i})
		if err := t.deleteRange(node.Sector(i), levels-1, childPath, start, end, snapmask, release); err != nil {
			return err
		}
		if node.Count() < count {
			// The child was removed and the later entries shifted down
			// into slot i; visit slot i again.
			count = node.Count()
			i--
		}
	}
	return nil
}

// removeChild drops an emptied leaf (sector) from its parent's
// directory, freeing the block, and collapses the parent chain upward
// if a parent becomes empty in turn.
func (t *Tree) removeChild(path []PathEntry, sector types.SectorT) error {
	if len(path) == 0 {
		// sector was the root leaf itself; leave it as an empty leaf
		// rather than destroying the tree's only block.
		t.IO.Dirty(sector)
		return nil
	}
	t.IO.Free(sector)
	parent := path[len(path)-1]
	node := parent.Node
	node.RemoveAt(parent.Index)
	t.IO.Dirty(parent.Sector)
	if node.Count() == 0 && len(path) > 1 {
		return t.removeChild(path[:len(path)-1], parent.Sector)
	}
	return nil
}

// compactLeaf clears snapmask bits from every exception in leaf,
// reporting wholly-unshared exceptions to release and rebuilding the
// leaf's directory/exception region without the now-empty entries. It
// reports whether the leaf ended up with zero directory entries.
func compactLeaf(leaf *Leaf, snapmask uint64, release func(types.ChunkT)) bool {
	type entry struct {
		rchunk uint32
		shares []uint64
		chunks []types.ChunkT
	}
	count := leaf.Count()
	entries := make([]entry, 0, count)
	for i := uint32(0); i < count; i++ {
		e := entry{rchunk: leaf.mapRChunk(i)}
		for addr := leaf.mapOffset(i); addr < leaf.mapOffset(i+1); addr += exceptionSize {
			share, chunk := leaf.exceptionAt(addr)
			share &^= snapmask
			if share == 0 {
				release(chunk)
				continue
			}
			e.shares = append(e.shares, share)
			e.chunks = append(e.chunks, chunk)
		}
		if len(e.shares) > 0 {
			entries = append(entries, e)
		}
	}

	buf := leaf.buf
	magic := leaf.Magic()
	version := leaf.Version()
	base := leaf.BaseChunk()
	using := leaf.UsingMask()
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint16(buf[0:2], magic)
	binary.LittleEndian.PutUint16(buf[2:4], version)
	leaf.setCount(0)
	leaf.SetBaseChunk(base)
	leaf.SetUsingMask(using)
	top := uint32(len(buf))
	leaf.setMapOffset(0, top)

	for i, e := range entries {
		for j := range e.shares {
			top -= exceptionSize
			leaf.setExceptionAt(top, e.shares[j], e.chunks[j])
		}
		leaf.setMapOffset(uint32(i), top)
		leaf.setMapRChunk(uint32(i), e.rchunk)
	}
	leaf.setMapOffset(uint32(len(entries)), top)
	leaf.setCount(uint32(len(entries)))

	return len(entries) == 0
}
