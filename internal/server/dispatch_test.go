package server

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/dmsnapd/internal/device"
	"github.com/ehrlich-b/dmsnapd/internal/store"
	"github.com/ehrlich-b/dmsnapd/internal/types"
	"github.com/ehrlich-b/dmsnapd/internal/wire"
)

const testChunkBits = 12 // 4 KiB chunks

func newTestFile(t *testing.T, dir, name string, size int64) *device.Device {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	d, err := device.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// newTestServer builds a freshly initialized Store over temp-file devices
// and a dispatcher atop it, paired with a client hooked to one end of an
// in-process net.Pipe (the other end is the test's "wire").
func newTestServer(t *testing.T) (*Server, *client, net.Conn) {
	t.Helper()
	dir := t.TempDir()
	origin := newTestFile(t, dir, "origin.img", 256*1024)
	snap := newTestFile(t, dir, "snap.img", 2<<20)
	devices := &device.Set{Origin: origin, SnapStore: snap, Meta: snap}

	st, err := store.Initialize(devices, 16384, testChunkBits, testChunkBits)
	require.NoError(t, err)

	s := New(st)
	serverConn, testConn := net.Pipe()
	c := newClient(1, serverConn, 0)
	return s, c, testConn
}

func TestHandleIdentify_BindsOriginByDefault(t *testing.T) {
	s, c, conn := newTestServer(t)
	defer conn.Close()

	req := wire.IdentifyRequest{Tag: 0, Offset: 0, Length: 4096}
	go func() {
		err := s.handleIdentify(c, req.Marshal())
		require.NoError(t, err)
	}()

	code, body, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.IdentifyOK, code)
	reply, err := wire.UnmarshalIdentifyOK(body)
	require.NoError(t, err)
	require.Equal(t, uint32(testChunkBits), reply.ChunkSizeBits)
	require.Equal(t, types.OriginSnapNum, c.snapnum)
}

func TestHandleIdentify_RejectsRangeBeyondOrigin(t *testing.T) {
	s, c, conn := newTestServer(t)
	defer conn.Close()

	req := wire.IdentifyRequest{Tag: 0, Offset: 0, Length: 1 << 30}
	go func() {
		err := s.handleIdentify(c, req.Marshal())
		require.NoError(t, err)
	}()

	code, body, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.IdentifyError, code)
	errBody, err := wire.UnmarshalErrorBody(body)
	require.NoError(t, err)
	require.Equal(t, wire.ErrSizeMismatch, errBody.Code)
}

func TestHandleIdentify_UnknownTagIsError(t *testing.T) {
	s, c, conn := newTestServer(t)
	defer conn.Close()

	req := wire.IdentifyRequest{Tag: 99, Offset: 0, Length: 4096}
	go func() {
		err := s.handleIdentify(c, req.Marshal())
		require.NoError(t, err)
	}()

	code, body, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.IdentifyError, code)
	errBody, err := wire.UnmarshalErrorBody(body)
	require.NoError(t, err)
	require.Equal(t, wire.ErrInvalidSnapshot, errBody.Code)
}

func TestHandleQueryWrite_OriginBoundReplyIsDeferredThenSent(t *testing.T) {
	s, c, conn := newTestServer(t)
	defer conn.Close()
	c.snapnum = types.OriginSnapNum

	req := wire.RangeRequest{Ranges: []wire.ChunkRange{{Chunk: 3, Chunks: 2}}}
	done := make(chan error, 1)
	go func() { done <- s.handleQueryWrite(c, req.Marshal()) }()

	code, _, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.OriginWriteOK, code)
	require.NoError(t, <-done)
}

func TestHandleQueryWrite_SnapshotBoundReturnsExceptionMap(t *testing.T) {
	s, c, conn := newTestServer(t)
	defer conn.Close()

	require.NoError(t, s.Store.CreateSnapshot(7))
	snapnum, err := s.Store.SnapnumForTag(7)
	require.NoError(t, err)
	c.snapnum = snapnum

	req := wire.RangeRequest{Ranges: []wire.ChunkRange{{Chunk: 1, Chunks: 1}}}
	done := make(chan error, 1)
	go func() { done <- s.handleQueryWrite(c, req.Marshal()) }()

	code, body, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.SnapshotWriteOK, code)
	reply, err := wire.UnmarshalChunkMapReply(body)
	require.NoError(t, err)
	require.Len(t, reply.Pairs, 1)
	require.Equal(t, types.ChunkT(1), reply.Pairs[0].Chunk)
	require.NoError(t, <-done)
}

func TestHandleQuerySnapshotRead_UnwrittenChunkGoesToOrigin(t *testing.T) {
	s, c, conn := newTestServer(t)
	defer conn.Close()

	require.NoError(t, s.Store.CreateSnapshot(7))
	snapnum, err := s.Store.SnapnumForTag(7)
	require.NoError(t, err)
	c.snapnum = snapnum

	req := wire.RangeRequest{Ranges: []wire.ChunkRange{{Chunk: 2, Chunks: 1}}}
	done := make(chan error, 1)
	go func() { done <- s.handleQuerySnapshotRead(c, req.Marshal()) }()

	code, body, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.SnapshotReadOriginOK, code)
	origins, err := wire.UnmarshalRangeRequest(body)
	require.NoError(t, err)
	require.Len(t, origins.Ranges, 1)
	require.Equal(t, types.ChunkT(2), origins.Ranges[0].Chunk)

	code, body, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.SnapshotReadOK, code)
	snapReply, err := wire.UnmarshalChunkMapReply(body)
	require.NoError(t, err)
	require.Empty(t, snapReply.Pairs)
	require.NoError(t, <-done)

	require.Contains(t, c.heldChunks, types.ChunkT(2))
}

func TestHandleFinishSnapshotRead_ReleasesHolds(t *testing.T) {
	s, c, conn := newTestServer(t)
	defer conn.Close()

	s.Locks.ReadLock(types.ChunkT(5), c.lockClient)
	c.hold(types.ChunkT(5))

	req := wire.RangeRequest{Ranges: []wire.ChunkRange{{Chunk: 5, Chunks: 1}}}
	require.NoError(t, s.handleFinishSnapshotRead(c, req.Marshal()))
	require.NotContains(t, c.heldChunks, types.ChunkT(5))
}

func TestHandleCreateAndDeleteSnapshot(t *testing.T) {
	s, c, conn := newTestServer(t)
	defer conn.Close()

	done := make(chan error, 1)
	go func() { done <- s.handleCreateSnapshot(c, wire.TagRequest{Tag: 3}.Marshal()) }()
	code, _, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.CreateSnapshotOK, code)
	require.NoError(t, <-done)
	require.Len(t, s.Store.SB.Snapshots, 1)

	go func() { done <- s.handleDeleteSnapshot(c, wire.TagRequest{Tag: 3}.Marshal()) }()
	code, _, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.DeleteSnapshotOK, code)
	require.NoError(t, <-done)
	require.Empty(t, s.Store.SB.Snapshots)
}

func TestHandleUseCount_RejectsOutOfRangeDelta(t *testing.T) {
	s, c, conn := newTestServer(t)
	defer conn.Close()
	require.NoError(t, s.Store.CreateSnapshot(9))

	req := wire.UseCountRequest{Tag: 9, Delta: 1 << 20}
	done := make(chan error, 1)
	go func() { done <- s.handleUseCount(c, req.Marshal()) }()

	code, body, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.UseCountError, code)
	errBody, err := wire.UnmarshalErrorBody(body)
	require.NoError(t, err)
	require.Equal(t, wire.ErrUseCount, errBody.Code)
	require.NoError(t, <-done)
}

func TestHandleListSnapshots_ReturnsEveryEntry(t *testing.T) {
	s, c, conn := newTestServer(t)
	defer conn.Close()
	require.NoError(t, s.Store.CreateSnapshot(1))
	require.NoError(t, s.Store.CreateSnapshot(2))

	done := make(chan error, 1)
	go func() { done <- s.handleListSnapshots(c) }()

	code, body, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.SnapshotList, code)
	reply, err := wire.UnmarshalSnapshotListReply(body)
	require.NoError(t, err)
	require.Len(t, reply.Snapshots, 2)
	require.NoError(t, <-done)
}

func TestHandleStatus_ReportsFreeChunkCounts(t *testing.T) {
	s, c, conn := newTestServer(t)
	defer conn.Close()

	done := make(chan error, 1)
	go func() { done <- s.handleStatus(c, nil) }()

	code, body, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, code)
	reply, err := wire.UnmarshalStatusOK(body)
	require.NoError(t, err)
	require.Equal(t, s.Store.MetaFreeChunks(), reply.MetaFree)
	require.Equal(t, s.Store.SnapFreeChunks(), reply.StoreFree)
	require.NoError(t, <-done)
}

func TestHandleFrame_UnknownCodeIsProtocolError(t *testing.T) {
	s, c, conn := newTestServer(t)
	defer conn.Close()

	done := make(chan error, 1)
	go func() { done <- s.handleFrame(c, wire.Code(9999), nil) }()

	code, body, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.ProtocolError, code)
	errBody, err := wire.UnmarshalProtocolErrorBody(body)
	require.NoError(t, err)
	require.Equal(t, wire.ErrUnknownMessage, errBody.Code)
	require.NoError(t, <-done)
}

func TestDisconnect_ReleasesHoldsAndDecrementsUseCount(t *testing.T) {
	s, c, conn := newTestServer(t)
	conn.Close()

	require.NoError(t, s.Store.CreateSnapshot(5))
	c.identified = true
	c.tag = 5
	_, err := s.Store.SetUseCount(5, 1)
	require.NoError(t, err)

	s.Locks.ReadLock(types.ChunkT(1), c.lockClient)
	c.hold(types.ChunkT(1))

	s.disconnect(c)

	idx := -1
	for i, snap := range s.Store.SB.Snapshots {
		if snap.Tag == 5 {
			idx = i
		}
	}
	require.GreaterOrEqual(t, idx, 0)
	require.Equal(t, uint32(0), s.Store.SB.Snapshots[idx].UseCnt)
}
