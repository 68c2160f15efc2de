// Package server implements dmsnapd's request dispatcher: the
// single-threaded reactor that reads wire-protocol frames off client
// sockets, drives internal/store and internal/snaplock, and writes
// replies. Grounded on spec.md §4.9/§5 and on the teacher's
// internal/queue.Runner (ehrlich-b-go-ublk), whose single pinned
// goroutine driving one readiness loop generalizes directly from
// io_uring completion queues to epoll-readable client sockets.
package server

import (
	"net"
	"os"

	"github.com/ehrlich-b/dmsnapd/internal/snaplock"
	"github.com/ehrlich-b/dmsnapd/internal/types"
)

// client is the per-connection state the dispatcher keeps: which
// snapshot (or the origin) the connection is bound to via IDENTIFY, its
// snaplock identity, and the fields needed to unwind its holds and
// usecount on disconnect.
type client struct {
	id   uint64
	conn net.Conn
	fd   int
	file *os.File // dup'd by (*net.TCPConn).File; owns fd's epoll registration

	lockClient *snaplock.Client

	identified bool
	tag        uint32
	snapnum    int

	// heldChunks tracks every chunk this client currently read-locks via
	// QUERY_SNAPSHOT_READ, so a disconnect can release them all (spec.md
	// §5: "Client disconnects release all of the client's holds").
	heldChunks map[types.ChunkT]struct{}
}

func newClient(id uint64, conn net.Conn, fd int) *client {
	return &client{
		id:         id,
		conn:       conn,
		fd:         fd,
		lockClient: &snaplock.Client{ID: id},
		snapnum:    types.OriginSnapNum,
		heldChunks: make(map[types.ChunkT]struct{}),
	}
}

func (c *client) hold(chunk types.ChunkT) {
	c.heldChunks[chunk] = struct{}{}
}

func (c *client) unhold(chunk types.ChunkT) {
	delete(c.heldChunks, chunk)
}
