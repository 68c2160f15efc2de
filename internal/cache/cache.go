// Package cache implements dmsnapd's buffer cache: a fixed-size block
// cache keyed by (device, sector), with refcounted buffers and a dirty
// list flushed by the journal and by superblock save. Grounded on
// spec.md §4.1 and the teacher's size-bucketed sync.Pool idiom
// (internal/queue/pool.go), generalized here from size buckets feeding
// an I/O hot path to a keyed cache feeding the metadata layer.
package cache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/ehrlich-b/dmsnapd/internal/constants"
	"github.com/ehrlich-b/dmsnapd/internal/device"
	"github.com/ehrlich-b/dmsnapd/internal/types"
)

const sectorSize = constants.SectorSize

// Buffer is one cached block: a pooled byte slice plus cache bookkeeping.
// The server loop is single-threaded (spec.md §5), so Buffer fields are
// read and mutated only from that loop; refs exists to let a buffer
// be referenced from more than one in-flight operation at a time (e.g.
// both a leaf's probe path and a pending copy-out) without being evicted
// out from under either.
type Buffer struct {
	Dev    device.ID
	Sector types.SectorT
	Data   []byte

	refs  int
	dirty bool
	elem  *list.Element // this buffer's node in Cache.dirty, nil when clean
}

// Dirty reports whether the buffer has unflushed writes.
func (b *Buffer) Dirty() bool { return b.dirty }

type key struct {
	dev    device.ID
	sector types.SectorT
}

// Cache is a buffer cache over one device.Set. It never evicts pinned
// (refs > 0) or dirty buffers on its own; callers decide when to
// Evict a buffer they've fully released.
type Cache struct {
	mu        sync.Mutex
	devices   *device.Set
	blockSize int
	buffers   map[key]*Buffer
	dirty     *list.List
}

// New creates a cache backed by devices, caching blockSize-byte blocks.
func New(devices *device.Set, blockSize int) *Cache {
	return &Cache{
		devices:   devices,
		blockSize: blockSize,
		buffers:   make(map[key]*Buffer),
		dirty:     list.New(),
	}
}

// Get returns the buffer for (dev, sector), creating a zeroed one if it
// is not already cached, and increments its refcount. It does not touch
// the underlying device; use Read when the on-disk contents matter.
func (c *Cache) Get(dev device.ID, sector types.SectorT) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{dev, sector}
	if b, ok := c.buffers[k]; ok {
		b.refs++
		return b
	}
	data := getBlockBuffer(c.blockSize)
	clear(data) // pooled buffers may hold an evicted block's contents
	b := &Buffer{Dev: dev, Sector: sector, Data: data}
	b.refs = 1
	c.buffers[k] = b
	return b
}

// Read is Get, but fills the buffer from the device on a first touch.
func (c *Cache) Read(dev device.ID, sector types.SectorT) (*Buffer, error) {
	c.mu.Lock()
	k := key{dev, sector}
	if b, ok := c.buffers[k]; ok {
		b.refs++
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	d := c.devices.Get(dev)
	if d == nil {
		return nil, fmt.Errorf("cache: no device registered for %s", dev)
	}
	data, err := d.ReadBlock(sector, c.blockSize)
	if err != nil {
		return nil, fmt.Errorf("cache: read %s sector %d: %w", dev, sector, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buffers[k]; ok {
		// Lost a race with another Read/Get between the unlock above and
		// here; keep the winner and drop our fetch.
		b.refs++
		return b, nil
	}
	b := &Buffer{Dev: dev, Sector: sector, Data: data, refs: 1}
	c.buffers[k] = b
	return b, nil
}

// Release drops one reference to b. A clean buffer at refcount zero
// remains cached (it may be read again soon) until explicitly Evicted.
func (c *Cache) Release(b *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.refs > 0 {
		b.refs--
	}
}

// ReleaseDirty marks b dirty (queuing it for the next FlushAll) and
// releases one reference.
func (c *Cache) ReleaseDirty(b *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !b.dirty {
		b.dirty = true
		b.elem = c.dirty.PushBack(b)
	}
	if b.refs > 0 {
		b.refs--
	}
}

// Evict drops b from the cache and returns its buffer to the block
// pool. It refuses to evict a pinned or dirty buffer.
func (c *Cache) Evict(b *Buffer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.refs > 0 || b.dirty {
		return false
	}
	delete(c.buffers, key{b.Dev, b.Sector})
	putBlockBuffer(b.Data)
	b.Data = nil
	return true
}

// DirtyBuffers returns every currently-dirty buffer, in the order they
// were first marked dirty.
func (c *Cache) DirtyBuffers() []*Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Buffer, 0, c.dirty.Len())
	for e := c.dirty.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Buffer))
	}
	return out
}

// FlushAll writes every dirty buffer to its device and clears the dirty
// list. Used by save_state-equivalent lifecycle operations and by the
// journal once a transaction has committed.
func (c *Cache) FlushAll() error {
	for _, b := range c.DirtyBuffers() {
		d := c.devices.Get(b.Dev)
		if d == nil {
			return fmt.Errorf("cache: no device registered for %s", b.Dev)
		}
		if err := d.WriteBlock(b.Sector, b.Data); err != nil {
			return fmt.Errorf("cache: flush %s sector %d: %w", b.Dev, b.Sector, err)
		}
		c.mu.Lock()
		b.dirty = false
		if b.elem != nil {
			c.dirty.Remove(b.elem)
			b.elem = nil
		}
		c.mu.Unlock()
	}
	return nil
}
