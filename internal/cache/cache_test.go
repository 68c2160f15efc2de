package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/dmsnapd/internal/device"
	"github.com/ehrlich-b/dmsnapd/internal/types"
)

func newTestCache(t *testing.T, blockSize int) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(blockSize*16)))
	require.NoError(t, f.Close())

	d, err := device.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	return New(&device.Set{Origin: d, SnapStore: d, Meta: d}, blockSize)
}

func TestCache_GetIsIdempotentAndPins(t *testing.T) {
	c := newTestCache(t, 512)

	b1 := c.Get(device.Meta, 2)
	b2 := c.Get(device.Meta, 2)
	require.Same(t, b1, b2, "Get on the same (dev, sector) must return the same Buffer")
	require.False(t, c.Evict(b1), "a buffer held by Get must not be evictable")
}

func TestCache_ReleaseDirty_QueuesForFlush(t *testing.T) {
	c := newTestCache(t, 512)

	b := c.Get(device.Meta, 1)
	copy(b.Data, []byte("hello"))
	c.ReleaseDirty(b)

	require.True(t, b.Dirty())
	require.Len(t, c.DirtyBuffers(), 1)

	require.NoError(t, c.FlushAll())
	require.False(t, b.Dirty())
	require.Empty(t, c.DirtyBuffers())

	b2, err := c.Read(device.Meta, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), b2.Data[:5])
}

func TestCache_Evict_RefusesPinnedOrDirty(t *testing.T) {
	c := newTestCache(t, 512)

	b := c.Get(device.Meta, 5)
	require.False(t, c.Evict(b), "must not evict a pinned buffer")

	c.Release(b)
	require.True(t, c.Evict(b))

	b2 := c.Get(device.Meta, 5)
	require.NotSame(t, b, b2, "evicted buffer must be replaced by a fresh one")
	c.Release(b2)
}

func TestCache_Read_FillsFromDevice(t *testing.T) {
	c := newTestCache(t, 512)

	d := c.devices.Get(device.Meta)
	require.NoError(t, d.WriteSector(types.SectorT(7), append([]byte("on-disk-"), make([]byte, 504)...)))

	b, err := c.Read(device.Meta, 7)
	require.NoError(t, err)
	require.Equal(t, "on-disk-", string(b.Data[:8]))
}
