package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ehrlich-b/dmsnapd/internal/types"
)

// ErrShortBody is returned by every Unmarshal* function when data is too
// short for the body shape it claims to hold.
var ErrShortBody = errors.New("wire: body shorter than its fixed shape")

// This file hand-marshals every message body named in spec.md §4.9/§6,
// following the teacher's manual per-field binary.LittleEndian style
// (ehrlich-b-go-ublk/internal/uapi/marshal.go) rather than reflection or
// encoding/gob: message bodies here are small, fixed-shape-per-code, and
// cross a real wire, so explicit byte layout is worth the repetition.

func putCString(dst []byte, s string) int {
	n := copy(dst, s)
	dst[n] = 0
	return n + 1
}

func cStringLen(s string) int { return len(s) + 1 }

func takeCString(data []byte) (string, []byte, error) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("wire: unterminated string in body")
}

// ChunkRange names a run of Chunks consecutive chunks starting at Chunk.
type ChunkRange struct {
	Chunk  types.ChunkT
	Chunks uint32
}

const chunkRangeSize = 8 + 4

func marshalChunkRange(buf []byte, r ChunkRange) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.Chunk))
	binary.LittleEndian.PutUint32(buf[8:12], r.Chunks)
}

func unmarshalChunkRange(data []byte) ChunkRange {
	return ChunkRange{
		Chunk:  types.ChunkT(binary.LittleEndian.Uint64(data[0:8])),
		Chunks: binary.LittleEndian.Uint32(data[8:12]),
	}
}

// RangeRequest is the body of QUERY_WRITE, QUERY_SNAPSHOT_READ,
// FINISH_SNAPSHOT_READ, and the origin-range half of a snapshot-read
// reply: a u32 count followed by that many ChunkRanges.
type RangeRequest struct {
	Ranges []ChunkRange
}

func (r RangeRequest) Marshal() []byte {
	buf := make([]byte, 4+len(r.Ranges)*chunkRangeSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(r.Ranges)))
	off := 4
	for _, rg := range r.Ranges {
		marshalChunkRange(buf[off:off+chunkRangeSize], rg)
		off += chunkRangeSize
	}
	return buf
}

func UnmarshalRangeRequest(data []byte) (RangeRequest, error) {
	if len(data) < 4 {
		return RangeRequest{}, fmt.Errorf("wire: range request: %w", ErrShortBody)
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	want := 4 + int(count)*chunkRangeSize
	if len(data) < want {
		return RangeRequest{}, fmt.Errorf("wire: range request: %w", ErrShortBody)
	}
	ranges := make([]ChunkRange, count)
	off := 4
	for i := range ranges {
		ranges[i] = unmarshalChunkRange(data[off : off+chunkRangeSize])
		off += chunkRangeSize
	}
	return RangeRequest{Ranges: ranges}, nil
}

// ChunkExceptionPair maps one origin chunk to the snapshot-store chunk a
// client should read or write in its place.
type ChunkExceptionPair struct {
	Chunk     types.ChunkT
	Exception types.ChunkT
}

const chunkExceptionPairSize = 8 + 8

// ChunkMapReply is the body of SNAPSHOT_WRITE_OK and SNAPSHOT_READ_OK: a
// u32 count followed by that many ChunkExceptionPairs.
type ChunkMapReply struct {
	Pairs []ChunkExceptionPair
}

func (r ChunkMapReply) Marshal() []byte {
	buf := make([]byte, 4+len(r.Pairs)*chunkExceptionPairSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(r.Pairs)))
	off := 4
	for _, p := range r.Pairs {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(p.Chunk))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(p.Exception))
		off += chunkExceptionPairSize
	}
	return buf
}

func UnmarshalChunkMapReply(data []byte) (ChunkMapReply, error) {
	if len(data) < 4 {
		return ChunkMapReply{}, fmt.Errorf("wire: chunk map reply: %w", ErrShortBody)
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	want := 4 + int(count)*chunkExceptionPairSize
	if len(data) < want {
		return ChunkMapReply{}, fmt.Errorf("wire: chunk map reply: %w", ErrShortBody)
	}
	pairs := make([]ChunkExceptionPair, count)
	off := 4
	for i := range pairs {
		pairs[i] = ChunkExceptionPair{
			Chunk:     types.ChunkT(binary.LittleEndian.Uint64(data[off : off+8])),
			Exception: types.ChunkT(binary.LittleEndian.Uint64(data[off+8 : off+16])),
		}
		off += chunkExceptionPairSize
	}
	return ChunkMapReply{Pairs: pairs}, nil
}

// ErrorBody is the body of every *_ERROR/PROTOCOL_ERROR reply: a u32
// diagnostic code and a null-terminated message (spec.md §7).
type ErrorBody struct {
	Code ErrorCode
	Msg  string
}

func (e ErrorBody) Marshal() []byte {
	buf := make([]byte, 4+cStringLen(e.Msg))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.Code))
	putCString(buf[4:], e.Msg)
	return buf
}

func UnmarshalErrorBody(data []byte) (ErrorBody, error) {
	if len(data) < 4 {
		return ErrorBody{}, fmt.Errorf("wire: error body: %w", ErrShortBody)
	}
	code := ErrorCode(binary.LittleEndian.Uint32(data[0:4]))
	msg, _, err := takeCString(data[4:])
	if err != nil {
		return ErrorBody{}, err
	}
	return ErrorBody{Code: code, Msg: msg}, nil
}

// ProtocolErrorBody is PROTOCOL_ERROR's body: the generic error code
// (always ErrUnknownMessage today), the offending request code, and a
// diagnostic message.
type ProtocolErrorBody struct {
	Code    ErrorCode
	BadCode Code
	Msg     string
}

func (e ProtocolErrorBody) Marshal() []byte {
	buf := make([]byte, 8+cStringLen(e.Msg))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.Code))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.BadCode))
	putCString(buf[8:], e.Msg)
	return buf
}

func UnmarshalProtocolErrorBody(data []byte) (ProtocolErrorBody, error) {
	if len(data) < 8 {
		return ProtocolErrorBody{}, fmt.Errorf("wire: protocol error body: %w", ErrShortBody)
	}
	code := ErrorCode(binary.LittleEndian.Uint32(data[0:4]))
	bad := Code(binary.LittleEndian.Uint32(data[4:8]))
	msg, _, err := takeCString(data[8:])
	if err != nil {
		return ProtocolErrorBody{}, err
	}
	return ProtocolErrorBody{Code: code, BadCode: bad, Msg: msg}, nil
}

// IdentifyRequest is IDENTIFY's body. Tag 0 binds the client to the
// origin (snapnum -1); any other tag binds to that snapshot.
type IdentifyRequest struct {
	Tag    uint32
	Offset uint64
	Length uint64
}

const identifyRequestSize = 4 + 8 + 8

func (r IdentifyRequest) Marshal() []byte {
	buf := make([]byte, identifyRequestSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Tag)
	binary.LittleEndian.PutUint64(buf[4:12], r.Offset)
	binary.LittleEndian.PutUint64(buf[12:20], r.Length)
	return buf
}

func UnmarshalIdentifyRequest(data []byte) (IdentifyRequest, error) {
	if len(data) < identifyRequestSize {
		return IdentifyRequest{}, fmt.Errorf("wire: identify request: %w", ErrShortBody)
	}
	return IdentifyRequest{
		Tag:    binary.LittleEndian.Uint32(data[0:4]),
		Offset: binary.LittleEndian.Uint64(data[4:12]),
		Length: binary.LittleEndian.Uint64(data[12:20]),
	}, nil
}

// IdentifyOK is IDENTIFY_OK's body.
type IdentifyOK struct {
	ChunkSizeBits uint32
}

func (r IdentifyOK) Marshal() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf[0:4], r.ChunkSizeBits)
	return buf
}

func UnmarshalIdentifyOK(data []byte) (IdentifyOK, error) {
	if len(data) < 4 {
		return IdentifyOK{}, fmt.Errorf("wire: identify ok: %w", ErrShortBody)
	}
	return IdentifyOK{ChunkSizeBits: binary.LittleEndian.Uint32(data[0:4])}, nil
}

// TagRequest is the body of CREATE_SNAPSHOT and DELETE_SNAPSHOT.
type TagRequest struct {
	Tag uint32
}

func (r TagRequest) Marshal() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf[0:4], r.Tag)
	return buf
}

func UnmarshalTagRequest(data []byte) (TagRequest, error) {
	if len(data) < 4 {
		return TagRequest{}, fmt.Errorf("wire: tag request: %w", ErrShortBody)
	}
	return TagRequest{Tag: binary.LittleEndian.Uint32(data[0:4])}, nil
}

// PriorityRequest is PRIORITY's body.
type PriorityRequest struct {
	Tag  uint32
	Prio int8
}

func (r PriorityRequest) Marshal() []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf[0:4], r.Tag)
	buf[4] = byte(r.Prio)
	return buf
}

func UnmarshalPriorityRequest(data []byte) (PriorityRequest, error) {
	if len(data) < 5 {
		return PriorityRequest{}, fmt.Errorf("wire: priority request: %w", ErrShortBody)
	}
	return PriorityRequest{
		Tag:  binary.LittleEndian.Uint32(data[0:4]),
		Prio: int8(data[4]),
	}, nil
}

// UseCountRequest is USECOUNT's body.
type UseCountRequest struct {
	Tag   uint32
	Delta int32
}

func (r UseCountRequest) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], r.Tag)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Delta))
	return buf
}

func UnmarshalUseCountRequest(data []byte) (UseCountRequest, error) {
	if len(data) < 8 {
		return UseCountRequest{}, fmt.Errorf("wire: usecount request: %w", ErrShortBody)
	}
	return UseCountRequest{
		Tag:   binary.LittleEndian.Uint32(data[0:4]),
		Delta: int32(binary.LittleEndian.Uint32(data[4:8])),
	}, nil
}

// UseCountOK is USECOUNT_OK's body: the resulting use count, so a client
// can observe it without a follow-up round trip.
type UseCountOK struct {
	UseCnt int32
}

func (r UseCountOK) Marshal() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.UseCnt))
	return buf
}

func UnmarshalUseCountOK(data []byte) (UseCountOK, error) {
	if len(data) < 4 {
		return UseCountOK{}, fmt.Errorf("wire: usecount ok: %w", ErrShortBody)
	}
	return UseCountOK{UseCnt: int32(binary.LittleEndian.Uint32(data[0:4]))}, nil
}

// StreamChangelistRequest is STREAM_CHANGELIST's body: the two snapshot
// bitmasks being diffed.
type StreamChangelistRequest struct {
	Mask1 uint64
	Mask2 uint64
}

func (r StreamChangelistRequest) Marshal() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], r.Mask1)
	binary.LittleEndian.PutUint64(buf[8:16], r.Mask2)
	return buf
}

func UnmarshalStreamChangelistRequest(data []byte) (StreamChangelistRequest, error) {
	if len(data) < 16 {
		return StreamChangelistRequest{}, fmt.Errorf("wire: stream changelist request: %w", ErrShortBody)
	}
	return StreamChangelistRequest{
		Mask1: binary.LittleEndian.Uint64(data[0:8]),
		Mask2: binary.LittleEndian.Uint64(data[8:16]),
	}, nil
}

// StreamChangelistOK is STREAM_CHANGELIST_OK's body: a count, the chunk
// size in bits, then that many changed chunk addresses.
type StreamChangelistOK struct {
	ChunkSizeBits uint32
	Chunks        []types.ChunkT
}

func (r StreamChangelistOK) Marshal() []byte {
	buf := make([]byte, 8+len(r.Chunks)*8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(r.Chunks)))
	binary.LittleEndian.PutUint32(buf[4:8], r.ChunkSizeBits)
	off := 8
	for _, c := range r.Chunks {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(c))
		off += 8
	}
	return buf
}

func UnmarshalStreamChangelistOK(data []byte) (StreamChangelistOK, error) {
	if len(data) < 8 {
		return StreamChangelistOK{}, fmt.Errorf("wire: stream changelist ok: %w", ErrShortBody)
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	bits := binary.LittleEndian.Uint32(data[4:8])
	want := 8 + int(count)*8
	if len(data) < want {
		return StreamChangelistOK{}, fmt.Errorf("wire: stream changelist ok: %w", ErrShortBody)
	}
	chunks := make([]types.ChunkT, count)
	off := 8
	for i := range chunks {
		chunks[i] = types.ChunkT(binary.LittleEndian.Uint64(data[off : off+8]))
		off += 8
	}
	return StreamChangelistOK{ChunkSizeBits: bits, Chunks: chunks}, nil
}

// HistogramRow is one snapshot bit's per-share-count exception counts
// (STATUS_OK's "rows" x "columns" table, spec.md §4.9).
type HistogramRow struct {
	Bit     int8
	Columns []uint32
}

// StatusOK is STATUS_OK's body.
type StatusOK struct {
	Ctime     uint64
	MetaBits  uint32
	MetaUsed  uint64
	MetaFree  uint64
	StoreBits uint32
	StoreUsed uint64
	StoreFree uint64
	Columns   uint32
	Rows      []HistogramRow
}

func (r StatusOK) Marshal() []byte {
	head := 8 + 4 + 8 + 8 + 4 + 8 + 8 + 4 + 4 // fixed fields + row count
	size := head
	for _, row := range r.Rows {
		size += 1 + len(row.Columns)*4
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:off+8], r.Ctime)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], r.MetaBits)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:off+8], r.MetaUsed)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], r.MetaFree)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], r.StoreBits)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:off+8], r.StoreUsed)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], r.StoreFree)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], r.Columns)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(r.Rows)))
	off += 4
	for _, row := range r.Rows {
		buf[off] = byte(row.Bit)
		off++
		for _, v := range row.Columns {
			binary.LittleEndian.PutUint32(buf[off:off+4], v)
			off += 4
		}
	}
	return buf
}

func UnmarshalStatusOK(data []byte) (StatusOK, error) {
	const head = 8 + 4 + 8 + 8 + 4 + 8 + 8 + 4 + 4
	if len(data) < head {
		return StatusOK{}, fmt.Errorf("wire: status ok: %w", ErrShortBody)
	}
	var r StatusOK
	off := 0
	r.Ctime = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	r.MetaBits = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	r.MetaUsed = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	r.MetaFree = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	r.StoreBits = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	r.StoreUsed = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	r.StoreFree = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	r.Columns = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	rowCount := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	r.Rows = make([]HistogramRow, rowCount)
	for i := range r.Rows {
		if off+1+int(r.Columns)*4 > len(data) {
			return StatusOK{}, fmt.Errorf("wire: status ok: %w", ErrShortBody)
		}
		bit := int8(data[off])
		off++
		cols := make([]uint32, r.Columns)
		for c := range cols {
			cols[c] = binary.LittleEndian.Uint32(data[off : off+4])
			off += 4
		}
		r.Rows[i] = HistogramRow{Bit: bit, Columns: cols}
	}
	return r, nil
}

const snapshotEntrySize = 4 + 1 + 8 + 1 + 4

// SnapshotListReply is SNAPSHOT_LIST's body.
type SnapshotListReply struct {
	Snapshots []types.Snapshot
}

func (r SnapshotListReply) Marshal() []byte {
	buf := make([]byte, 4+len(r.Snapshots)*snapshotEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(r.Snapshots)))
	off := 4
	for _, s := range r.Snapshots {
		binary.LittleEndian.PutUint32(buf[off:off+4], s.Tag)
		buf[off+4] = byte(s.Bit)
		binary.LittleEndian.PutUint64(buf[off+5:off+13], s.Ctime)
		buf[off+13] = byte(s.Prio)
		binary.LittleEndian.PutUint32(buf[off+14:off+18], s.UseCnt)
		off += snapshotEntrySize
	}
	return buf
}

func UnmarshalSnapshotListReply(data []byte) (SnapshotListReply, error) {
	if len(data) < 4 {
		return SnapshotListReply{}, fmt.Errorf("wire: snapshot list: %w", ErrShortBody)
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	want := 4 + int(count)*snapshotEntrySize
	if len(data) < want {
		return SnapshotListReply{}, fmt.Errorf("wire: snapshot list: %w", ErrShortBody)
	}
	snaps := make([]types.Snapshot, count)
	off := 4
	for i := range snaps {
		snaps[i] = types.Snapshot{
			Tag:    binary.LittleEndian.Uint32(data[off : off+4]),
			Bit:    int8(data[off+4]),
			Ctime:  binary.LittleEndian.Uint64(data[off+5 : off+13]),
			Prio:   int8(data[off+13]),
			UseCnt: binary.LittleEndian.Uint32(data[off+14 : off+18]),
		}
		off += snapshotEntrySize
	}
	return SnapshotListReply{Snapshots: snaps}, nil
}

// OriginSectorsReply is ORIGIN_SECTORS's body.
type OriginSectorsReply struct {
	Sectors uint64
}

func (r OriginSectorsReply) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf[0:8], r.Sectors)
	return buf
}

func UnmarshalOriginSectorsReply(data []byte) (OriginSectorsReply, error) {
	if len(data) < 8 {
		return OriginSectorsReply{}, fmt.Errorf("wire: origin sectors: %w", ErrShortBody)
	}
	return OriginSectorsReply{Sectors: binary.LittleEndian.Uint64(data[0:8])}, nil
}
