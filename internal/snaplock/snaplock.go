// Package snaplock implements the per-chunk read-lock table that lets a
// snapshot read which is still reading a chunk from the origin hold that
// chunk against a concurrent origin write, and lets the write defer its
// reply until every such read releases the chunk. Grounded directly on
// ddsnapd.c's readlock_chunk/waitfor_chunk/release_chunk/snaplock_hash.
package snaplock

import (
	"github.com/ehrlich-b/dmsnapd/internal/constants"
	"github.com/ehrlich-b/dmsnapd/internal/types"
)

const buckets = 1 << constants.SnaplockHashBits

// Client identifies a connected client for lock ownership purposes; the
// server package allocates one per connection and passes the same
// pointer to every call concerning that connection.
type Client struct {
	ID uint64
}

type hold struct {
	client *Client
	next   *hold
}

type waiter struct {
	pending *Pending
	next    *waiter
}

type lock struct {
	chunk    types.ChunkT
	holdList *hold
	waitList *waiter
	next     *lock
}

// Table is the full hash-bucketed set of currently-held chunk locks.
type Table struct {
	buckets [buckets]*lock
}

// New creates an empty lock table.
func New() *Table { return &Table{} }

// hash reproduces ddsnapd.c's snaplock_hash exactly (including its
// multiplier and truncate-then-shift order) so bucket distribution is
// unaffected by the port.
func hash(chunk types.ChunkT) uint32 {
	product := uint32(uint64(chunk) * uint64(constants.SnaplockHashMultiplier))
	return product >> (32 - constants.SnaplockHashBits)
}

func (t *Table) find(chunk types.ChunkT) *lock {
	for l := t.buckets[hash(chunk)]; l != nil; l = l.next {
		if l.chunk == chunk {
			return l
		}
	}
	return nil
}

// ReadLock records that client holds chunk, creating the lock record if
// this is the first holder. Called when a snapshot read is directed to
// read chunk from the origin, so a concurrent origin write of the same
// chunk can detect the hold and wait.
func (t *Table) ReadLock(chunk types.ChunkT, client *Client) {
	b := hash(chunk)
	l := t.find(chunk)
	if l == nil {
		l = &lock{chunk: chunk, next: t.buckets[b]}
		t.buckets[b] = l
	}
	l.holdList = &hold{client: client, next: l.holdList}
}

// Pending accumulates the chunks one in-flight request is waiting on
// before it may reply. It starts with an implicit hold of 1 representing
// "the request is still registering waits"; call Done once every chunk
// the request touches has been checked with WaitFor.
type Pending struct {
	holdCount int
	onRelease func()
}

// NewPending creates a Pending whose onRelease fires once every chunk it
// was told to WaitFor releases and Done has been called.
func NewPending(onRelease func()) *Pending {
	return &Pending{holdCount: 1, onRelease: onRelease}
}

// WaitFor reports whether chunk is currently locked and, if so, queues p
// to be notified when it is released. Call once per chunk a request
// needs to check.
func (t *Table) WaitFor(chunk types.ChunkT, p *Pending) bool {
	l := t.find(chunk)
	if l == nil {
		return false
	}
	p.holdCount++
	l.waitList = &waiter{pending: p, next: l.waitList}
	return true
}

// Done balances the hold NewPending took out for "still registering
// waits", firing onRelease immediately if every chunk the request waited
// on has already released.
func (p *Pending) Done() {
	p.holdCount--
	if p.holdCount == 0 {
		p.onRelease()
	}
}

func fireIfDrained(p *Pending) {
	p.holdCount--
	if p.holdCount == 0 {
		p.onRelease()
	}
}

// Release removes client's hold on chunk. If client was the last holder,
// every queued waiter is notified (firing its Pending's onRelease once
// that Pending's own holdcount reaches zero) and the lock record is
// deleted.
func (t *Table) Release(chunk types.ChunkT, client *Client) {
	b := hash(chunk)
	bucket := &t.buckets[b]
	l := *bucket
	for l != nil && l.chunk != chunk {
		bucket = &l.next
		l = l.next
	}
	if l == nil {
		return
	}

	holdp := &l.holdList
	for *holdp != nil && (*holdp).client != client {
		holdp = &(*holdp).next
	}
	if *holdp == nil {
		return
	}
	*holdp = (*holdp).next

	if l.holdList != nil {
		return
	}

	for w := l.waitList; w != nil; w = w.next {
		fireIfDrained(w.pending)
	}
	*bucket = l.next
}
