package server

import (
	"errors"
	"fmt"
	"io"

	"github.com/ehrlich-b/dmsnapd/internal/btree"
	"github.com/ehrlich-b/dmsnapd/internal/constants"
	"github.com/ehrlich-b/dmsnapd/internal/logging"
	"github.com/ehrlich-b/dmsnapd/internal/snaplock"
	"github.com/ehrlich-b/dmsnapd/internal/store"
	"github.com/ehrlich-b/dmsnapd/internal/types"
	"github.com/ehrlich-b/dmsnapd/internal/wire"
)

// maxChunk bounds every whole-keyspace tree traversal (DELETE_SNAPSHOT's
// range-delete, STATUS's and STREAM_CHANGELIST's full scans).
const maxChunk = types.ChunkT(1<<64 - 1)

// Server owns the snapshot store, the snaplock table, and every
// connected client; it is not safe for concurrent use; handleFrame and
// everything it calls runs on the single reactor goroutine started by
// Serve (loop.go).
type Server struct {
	Store *store.Store
	Locks *snaplock.Table
	Log   *logging.Logger
}

// New creates a dispatcher over an already-loaded store.
func New(st *store.Store) *Server {
	log := st.Log
	if log == nil {
		log = logging.NewLogger(nil)
	}
	return &Server{Store: st, Locks: snaplock.New(), Log: log}
}

func writeErr(c *client, code wire.Code, errCode wire.ErrorCode, msg string) error {
	return wire.WriteFrame(c.conn, code, wire.ErrorBody{Code: errCode, Msg: msg}.Marshal())
}

// handleFrame decodes and executes one request against c, writing its
// reply (or replies — QUERY_SNAPSHOT_READ sends two) directly to c.conn.
// It returns an error only for I/O failures on c.conn; application-level
// failures are reported to the client as *_ERROR/PROTOCOL_ERROR frames.
func (s *Server) handleFrame(c *client, code wire.Code, body []byte) error {
	switch code {
	case wire.QueryWrite:
		return s.handleQueryWrite(c, body)
	case wire.QuerySnapshotRead:
		return s.handleQuerySnapshotRead(c, body)
	case wire.FinishSnapshotRead:
		return s.handleFinishSnapshotRead(c, body)
	case wire.Identify:
		return s.handleIdentify(c, body)
	case wire.CreateSnapshot:
		return s.handleCreateSnapshot(c, body)
	case wire.DeleteSnapshot:
		return s.handleDeleteSnapshot(c, body)
	case wire.Priority:
		return s.handlePriority(c, body)
	case wire.UseCount:
		return s.handleUseCount(c, body)
	case wire.StreamChangelist:
		return s.handleStreamChangelist(c, body)
	case wire.Status:
		return s.handleStatus(c, body)
	case wire.ListSnapshots:
		return s.handleListSnapshots(c)
	case wire.RequestOriginSectors:
		return s.handleOriginSectors(c)
	case wire.ShutdownServer:
		return s.handleShutdown(c)
	case wire.UploadLock, wire.FinishUploadLock:
		return nil
	default:
		return wire.WriteFrame(c.conn, wire.ProtocolError, wire.ProtocolErrorBody{
			Code:    wire.ErrUnknownMessage,
			BadCode: code,
			Msg:     fmt.Sprintf("unhandled message code %s", code),
		}.Marshal())
	}
}

func forEachChunk(req wire.RangeRequest, fn func(types.ChunkT)) {
	for _, r := range req.Ranges {
		for i := uint32(0); i < r.Chunks; i++ {
			fn(r.Chunk + types.ChunkT(i))
		}
	}
}

// handleQueryWrite implements QUERY_WRITE for both origin-bound and
// snapshot-bound clients (spec.md §4.9's first two table rows).
func (s *Server) handleQueryWrite(c *client, body []byte) error {
	req, err := wire.UnmarshalRangeRequest(body)
	if err != nil {
		return wire.WriteFrame(c.conn, wire.ProtocolError, wire.ProtocolErrorBody{
			Code: wire.ErrUnknownMessage, BadCode: wire.QueryWrite, Msg: err.Error(),
		}.Marshal())
	}

	if c.snapnum == types.OriginSnapNum {
		return s.handleOriginWrite(c, req)
	}
	return s.handleSnapshotWrite(c, req)
}

// handleOriginWrite copies out every contended chunk, waits on any chunk
// a concurrent snapshot read currently holds, and replies once every
// wait has cleared (spec.md §4.9, §4.6, scenario 4).
func (s *Server) handleOriginWrite(c *client, req wire.RangeRequest) error {
	var failed error
	var chunks []types.ChunkT
	forEachChunk(req, func(chunk types.ChunkT) { chunks = append(chunks, chunk) })

	pending := snaplock.NewPending(func() {
		_ = wire.WriteFrame(c.conn, wire.OriginWriteOK, nil)
	})

	for _, chunk := range chunks {
		_, needCopyout, err := s.Store.MakeUnique(chunk, types.OriginSnapNum)
		if err != nil {
			failed = err
			break
		}
		if needCopyout {
			s.Locks.WaitFor(chunk, pending)
		}
	}

	if err := s.Store.FlushCopyouts(); err != nil && failed == nil {
		failed = err
	}
	if err := s.Store.CommitTransaction(); err != nil && failed == nil {
		failed = err
	}

	if failed != nil {
		return writeErr(c, wire.OriginWriteError, wire.ErrInvalidSnapshot, failed.Error())
	}
	pending.Done()
	return nil
}

// handleSnapshotWrite makes every requested chunk private to c's bound
// snapshot and returns the snapshot-store chunk to write in its place.
func (s *Server) handleSnapshotWrite(c *client, req wire.RangeRequest) error {
	var pairs []wire.ChunkExceptionPair
	var failed error

	forEachChunk(req, func(chunk types.ChunkT) {
		if failed != nil {
			return
		}
		exChunk, _, err := s.Store.MakeUnique(chunk, c.snapnum)
		if err != nil {
			failed = err
			return
		}
		pairs = append(pairs, wire.ChunkExceptionPair{Chunk: chunk, Exception: exChunk})
	})

	if failed == nil {
		failed = s.Store.FlushCopyouts()
	}
	if failed == nil {
		failed = s.Store.CommitTransaction()
	}
	if failed != nil {
		return writeErr(c, wire.SnapshotWriteError, wire.ErrInvalidSnapshot, failed.Error())
	}
	return wire.WriteFrame(c.conn, wire.SnapshotWriteOK, wire.ChunkMapReply{Pairs: pairs}.Marshal())
}

// handleQuerySnapshotRead splits the requested chunks into those with an
// existing snapshot-store exception (read directly, no lock needed) and
// those that must be read from the origin (read-locked against a
// concurrent origin write), replying with both lists in order.
func (s *Server) handleQuerySnapshotRead(c *client, body []byte) error {
	req, err := wire.UnmarshalRangeRequest(body)
	if err != nil {
		return wire.WriteFrame(c.conn, wire.ProtocolError, wire.ProtocolErrorBody{
			Code: wire.ErrUnknownMessage, BadCode: wire.QuerySnapshotRead, Msg: err.Error(),
		}.Marshal())
	}

	var originRanges []wire.ChunkRange
	var snapPairs []wire.ChunkExceptionPair

	forEachChunk(req, func(chunk types.ChunkT) {
		exChunk, found, err := s.Store.TestException(chunk, c.snapnum)
		if err != nil || !found {
			originRanges = append(originRanges, wire.ChunkRange{Chunk: chunk, Chunks: 1})
			s.Locks.ReadLock(chunk, c.lockClient)
			c.hold(chunk)
			return
		}
		snapPairs = append(snapPairs, wire.ChunkExceptionPair{Chunk: chunk, Exception: exChunk})
	})

	if err := wire.WriteFrame(c.conn, wire.SnapshotReadOriginOK, wire.RangeRequest{Ranges: originRanges}.Marshal()); err != nil {
		return err
	}
	return wire.WriteFrame(c.conn, wire.SnapshotReadOK, wire.ChunkMapReply{Pairs: snapPairs}.Marshal())
}

// handleFinishSnapshotRead releases the read-locks a prior
// QUERY_SNAPSHOT_READ took on the origin-range chunks, which may
// release queued ORIGIN_WRITE replies waiting on the same chunks.
func (s *Server) handleFinishSnapshotRead(c *client, body []byte) error {
	req, err := wire.UnmarshalRangeRequest(body)
	if err != nil {
		return nil
	}
	forEachChunk(req, func(chunk types.ChunkT) {
		s.Locks.Release(chunk, c.lockClient)
		c.unhold(chunk)
	})
	return nil
}

// handleIdentify binds c to the origin (tag 0) or a live snapshot,
// validating the requested byte range against the origin's extent.
func (s *Server) handleIdentify(c *client, body []byte) error {
	req, err := wire.UnmarshalIdentifyRequest(body)
	if err != nil {
		return writeErr(c, wire.IdentifyError, wire.ErrUnknownMessage, err.Error())
	}

	snapnum := types.OriginSnapNum
	if req.Tag != 0 {
		snapnum, err = s.Store.SnapnumForTag(req.Tag)
		if err != nil {
			return writeErr(c, wire.IdentifyError, wire.ErrInvalidSnapshot, err.Error())
		}
	}

	orgBytes := s.Store.SB.OrgSectors * constants.SectorSize
	if req.Offset < s.Store.SB.OrgOffset {
		return writeErr(c, wire.IdentifyError, wire.ErrOffsetMismatch, "offset precedes origin start")
	}
	if req.Offset+req.Length > s.Store.SB.OrgOffset+orgBytes {
		return writeErr(c, wire.IdentifyError, wire.ErrSizeMismatch, "range exceeds origin extent")
	}

	c.identified = true
	c.tag = req.Tag
	c.snapnum = snapnum
	if req.Tag != 0 {
		if _, err := s.Store.AdjustUseCountClamped(req.Tag, 1); err != nil {
			return writeErr(c, wire.IdentifyError, wire.ErrInvalidSnapshot, err.Error())
		}
	}

	return wire.WriteFrame(c.conn, wire.IdentifyOK, wire.IdentifyOK{
		ChunkSizeBits: s.Store.SB.SnapChunkSizeBits,
	}.Marshal())
}

func (s *Server) handleCreateSnapshot(c *client, body []byte) error {
	req, err := wire.UnmarshalTagRequest(body)
	if err != nil {
		return writeErr(c, wire.CreateSnapshotError, wire.ErrUnknownMessage, err.Error())
	}
	if err := s.Store.CreateSnapshot(req.Tag); err != nil {
		return writeErr(c, wire.CreateSnapshotError, wire.ErrInvalidSnapshot, err.Error())
	}
	if err := s.Store.Save(); err != nil {
		return writeErr(c, wire.CreateSnapshotError, wire.ErrInvalidSnapshot, err.Error())
	}
	return wire.WriteFrame(c.conn, wire.CreateSnapshotOK, nil)
}

func (s *Server) handleDeleteSnapshot(c *client, body []byte) error {
	req, err := wire.UnmarshalTagRequest(body)
	if err != nil {
		return writeErr(c, wire.DeleteSnapshotError, wire.ErrUnknownMessage, err.Error())
	}
	if err := s.Store.DeleteSnapshot(req.Tag); err != nil {
		return writeErr(c, wire.DeleteSnapshotError, wire.ErrInvalidSnapshot, err.Error())
	}
	if err := s.Store.CommitTransaction(); err != nil {
		return writeErr(c, wire.DeleteSnapshotError, wire.ErrInvalidSnapshot, err.Error())
	}
	if err := s.Store.Save(); err != nil {
		return writeErr(c, wire.DeleteSnapshotError, wire.ErrInvalidSnapshot, err.Error())
	}
	return wire.WriteFrame(c.conn, wire.DeleteSnapshotOK, nil)
}

func (s *Server) handlePriority(c *client, body []byte) error {
	req, err := wire.UnmarshalPriorityRequest(body)
	if err != nil {
		return writeErr(c, wire.PriorityError, wire.ErrUnknownMessage, err.Error())
	}
	if req.Tag == 0 {
		return writeErr(c, wire.PriorityError, wire.ErrInvalidSnapshot, "priority does not apply to the origin")
	}
	if err := s.Store.SetPriority(req.Tag, req.Prio); err != nil {
		return writeErr(c, wire.PriorityError, wire.ErrInvalidSnapshot, err.Error())
	}
	if err := s.Store.Save(); err != nil {
		return writeErr(c, wire.PriorityError, wire.ErrInvalidSnapshot, err.Error())
	}
	return wire.WriteFrame(c.conn, wire.PriorityOK, nil)
}

// handleUseCount implements USECOUNT (spec.md §4.9: "Validate; signed
// delta; reject overflow/underflow beyond 16-bit range"). SetUseCount
// itself validates the resulting count before mutating anything, so a
// rejected delta never leaves a partially-applied use-count behind
// (ddsnapd.c:2844-2857 never writes snap_info->usecnt on the error path
// either).
func (s *Server) handleUseCount(c *client, body []byte) error {
	req, err := wire.UnmarshalUseCountRequest(body)
	if err != nil {
		return writeErr(c, wire.UseCountError, wire.ErrUnknownMessage, err.Error())
	}
	uc, err := s.Store.SetUseCount(req.Tag, req.Delta)
	if err != nil {
		if errors.Is(err, store.ErrUseCountRange) {
			return writeErr(c, wire.UseCountError, wire.ErrUseCount, err.Error())
		}
		return writeErr(c, wire.UseCountError, wire.ErrInvalidSnapshot, err.Error())
	}
	if err := s.Store.Save(); err != nil {
		return writeErr(c, wire.UseCountError, wire.ErrInvalidSnapshot, err.Error())
	}
	return wire.WriteFrame(c.conn, wire.UseCountOK, wire.UseCountOK{UseCnt: uc}.Marshal())
}

func (s *Server) handleStreamChangelist(c *client, body []byte) error {
	req, err := wire.UnmarshalStreamChangelistRequest(body)
	if err != nil {
		return writeErr(c, wire.StreamChangelistError, wire.ErrUnknownMessage, err.Error())
	}

	var chunks []types.ChunkT
	visit := func(_ types.SectorT, leaf *btree.Leaf) error {
		for _, e := range leaf.Exceptions() {
			present1 := e.Share&req.Mask1 == req.Mask1
			present2 := e.Share&req.Mask2 == req.Mask2
			if present1 != present2 {
				chunks = append(chunks, e.Chunk)
			}
		}
		return nil
	}
	if err := s.Store.Tree.TraverseTreeRange(0, maxChunk, visit); err != nil {
		return writeErr(c, wire.StreamChangelistError, wire.ErrInvalidSnapshot, err.Error())
	}

	return wire.WriteFrame(c.conn, wire.StreamChangelistOK, wire.StreamChangelistOK{
		ChunkSizeBits: s.Store.SB.SnapChunkSizeBits,
		Chunks:        chunks,
	}.Marshal())
}

func (s *Server) handleStatus(c *client, _ []byte) error {
	histogram := make(map[int8][]uint32)
	visit := func(_ types.SectorT, leaf *btree.Leaf) error {
		for _, e := range leaf.Exceptions() {
			column := popcount64(e.Share) - 1
			for bit := 0; bit < constants.MaxSnapshots; bit++ {
				if e.Share&(1<<uint(bit)) == 0 {
					continue
				}
				row := histogram[int8(bit)]
				if row == nil {
					row = make([]uint32, constants.MaxSnapshots)
					histogram[int8(bit)] = row
				}
				row[column]++
			}
		}
		return nil
	}
	if err := s.Store.Tree.TraverseTreeRange(0, maxChunk, visit); err != nil {
		return writeErr(c, wire.StatusError, wire.ErrInvalidSnapshot, err.Error())
	}

	var rows []wire.HistogramRow
	for _, snap := range s.Store.SB.Snapshots {
		columns := histogram[snap.Bit]
		if columns == nil {
			columns = make([]uint32, constants.MaxSnapshots)
		}
		rows = append(rows, wire.HistogramRow{Bit: snap.Bit, Columns: columns})
	}

	reply := wire.StatusOK{
		Ctime:     s.Store.SB.CreateTime,
		MetaBits:  s.Store.SB.MetaChunkSizeBits,
		MetaUsed:  s.Store.SB.MetaChunksUsed,
		MetaFree:  s.Store.MetaFreeChunks(),
		StoreBits: s.Store.SB.SnapChunkSizeBits,
		StoreUsed: s.Store.SB.SnapChunksUsed,
		StoreFree: s.Store.SnapFreeChunks(),
		Columns:   constants.MaxSnapshots,
		Rows:      rows,
	}
	return wire.WriteFrame(c.conn, wire.StatusOK, reply.Marshal())
}

func popcount64(v uint64) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}

func (s *Server) handleListSnapshots(c *client) error {
	return wire.WriteFrame(c.conn, wire.SnapshotList, wire.SnapshotListReply{
		Snapshots: s.Store.SB.Snapshots,
	}.Marshal())
}

func (s *Server) handleOriginSectors(c *client) error {
	return wire.WriteFrame(c.conn, wire.OriginSectors, wire.OriginSectorsReply{
		Sectors: s.Store.SB.OrgSectors,
	}.Marshal())
}

// handleShutdown persists a clean shutdown marker and signals the
// reactor to stop serving (spec.md §4.9: "Cleanup, then exit polling
// loop").
func (s *Server) handleShutdown(c *client) error {
	if err := s.Store.Shutdown(); err != nil {
		s.Log.Errorf("shutdown: %v", err)
	}
	return io.EOF
}

// disconnect releases every hold c still owns and, if c was bound to a
// snapshot, decrements its usecount (spec.md §5: "Client disconnects
// release all of the client's holds... usecnt is decremented").
func (s *Server) disconnect(c *client) {
	for chunk := range c.heldChunks {
		s.Locks.Release(chunk, c.lockClient)
	}
	if c.identified && c.tag != 0 {
		if _, err := s.Store.AdjustUseCountClamped(c.tag, -1); err != nil {
			s.Log.Warnf("disconnect: usecount decrement for tag %d: %v", c.tag, err)
		}
	}
	_ = c.conn.Close()
}
