package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/dmsnapd/internal/types"
)

// memBlockIO is an in-memory BlockIO for exercising Tree without a real
// cache/allocator underneath it.
type memBlockIO struct {
	blocks    map[types.SectorT][]byte
	next      types.SectorT
	freed     map[types.SectorT]bool
	blockSize int
}

func newMemBlockIO(blockSize int) *memBlockIO {
	return &memBlockIO{
		blocks:    make(map[types.SectorT][]byte),
		freed:     make(map[types.SectorT]bool),
		blockSize: blockSize,
	}
}

func (m *memBlockIO) ReadBlock(s types.SectorT) ([]byte, error) {
	b, ok := m.blocks[s]
	if !ok {
		return nil, fmt.Errorf("memBlockIO: no block at sector %d", s)
	}
	return b, nil
}

func (m *memBlockIO) NewBlock() (types.SectorT, []byte, error) {
	m.next++
	buf := make([]byte, m.blockSize)
	m.blocks[m.next] = buf
	return m.next, buf, nil
}

func (m *memBlockIO) Dirty(types.SectorT) {}

func (m *memBlockIO) Free(s types.SectorT) {
	delete(m.blocks, s)
	m.freed[s] = true
}

func newTestTree(t *testing.T) (*Tree, *memBlockIO) {
	t.Helper()
	io := newMemBlockIO(testBlockSize)
	rootSector, rootBuf, err := io.NewBlock()
	require.NoError(t, err)
	InitLeaf(rootBuf)
	return &Tree{IO: io, Root: rootSector, Levels: 1, BlockSize: testBlockSize}, io
}

func TestTree_AddAndProbe_SingleLeaf(t *testing.T) {
	tree, _ := newTestTree(t)

	_, _, err := tree.AddExceptionToTree(10, 1001, types.OriginSnapNum, 0b11)
	require.NoError(t, err)
	_, _, err = tree.AddExceptionToTree(20, 1002, 1, 0)
	require.NoError(t, err)

	_, leaf, _, err := tree.Probe(10)
	require.NoError(t, err)

	exChunk, _, found := leaf.SnapshotChunkUnique(20, 1)
	require.True(t, found)
	assert.Equal(t, types.ChunkT(1002), exChunk)
}

func TestTree_SplitGrowsLevels(t *testing.T) {
	tree, io := newTestTree(t)

	const n = 400
	for i := types.ChunkT(0); i < n; i++ {
		_, _, err := tree.AddExceptionToTree(i, i+10000, types.OriginSnapNum, 1)
		require.NoError(t, err, "chunk %d", i)
	}

	assert.GreaterOrEqual(t, tree.Levels, 2, "expected the tree to grow past a single leaf after %d inserts", n)
	assert.Greater(t, len(io.blocks), 1)

	for i := types.ChunkT(0); i < n; i++ {
		_, leaf, _, err := tree.Probe(i)
		require.NoError(t, err, "chunk %d", i)
		assert.True(t, leaf.OriginChunkUnique(i, 1), "chunk %d", i)
	}
}

func TestTree_TraverseTreeRange_VisitsAllLeaves(t *testing.T) {
	tree, _ := newTestTree(t)

	const n = 300
	for i := types.ChunkT(0); i < n; i++ {
		_, _, err := tree.AddExceptionToTree(i, i+5000, types.OriginSnapNum, 1)
		require.NoError(t, err, "chunk %d", i)
	}
	require.GreaterOrEqual(t, tree.Levels, 2)

	seen := make(map[types.SectorT]bool)
	err := tree.TraverseTreeRange(0, n, func(sector types.SectorT, leaf *Leaf) error {
		seen[sector] = true
		return nil
	})
	require.NoError(t, err)
	assert.Greater(t, len(seen), 1, "expected traversal to visit multiple leaves")
}

func TestTree_DeleteTreeRange_ReleasesOrphans(t *testing.T) {
	tree, _ := newTestTree(t)

	const n = 8
	for i := types.ChunkT(0); i < n; i++ {
		_, _, err := tree.AddExceptionToTree(i, i+7000, 0, 0b1)
		require.NoError(t, err, "chunk %d", i)
	}

	released := make(map[types.ChunkT]bool)
	err := tree.DeleteTreeRange(0, n, 0b1, func(c types.ChunkT) {
		released[c] = true
	})
	require.NoError(t, err)
	assert.Len(t, released, n)
	for i := types.ChunkT(0); i < n; i++ {
		assert.True(t, released[i+7000], "expected exception chunk %d to be released", i+7000)
	}

	_, leaf, _, err := tree.Probe(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), leaf.Count(), "expected leaf to be empty after deleting every exception")
	assert.Equal(t, LeafMagic, leaf.Magic(), "compaction must not clobber the leaf header magic")
	assert.Equal(t, uint16(0), leaf.Version())
}
