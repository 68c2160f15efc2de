package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/dmsnapd/internal/types"
)

func TestRangeRequest_RoundTrip(t *testing.T) {
	want := RangeRequest{Ranges: []ChunkRange{
		{Chunk: 10, Chunks: 3},
		{Chunk: 20, Chunks: 1},
	}}
	got, err := UnmarshalRangeRequest(want.Marshal())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestRangeRequest_Empty(t *testing.T) {
	want := RangeRequest{}
	got, err := UnmarshalRangeRequest(want.Marshal())
	require.NoError(t, err)
	require.Empty(t, got.Ranges)
}

func TestChunkMapReply_RoundTrip(t *testing.T) {
	want := ChunkMapReply{Pairs: []ChunkExceptionPair{
		{Chunk: 1, Exception: 100},
		{Chunk: 2, Exception: 101},
	}}
	got, err := UnmarshalChunkMapReply(want.Marshal())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestErrorBody_RoundTrip(t *testing.T) {
	want := ErrorBody{Code: ErrInvalidSnapshot, Msg: "no such snapshot"}
	got, err := UnmarshalErrorBody(want.Marshal())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestProtocolErrorBody_RoundTrip(t *testing.T) {
	want := ProtocolErrorBody{Code: ErrUnknownMessage, BadCode: Code(9999), Msg: "bad code"}
	got, err := UnmarshalProtocolErrorBody(want.Marshal())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestIdentifyRequestAndOK_RoundTrip(t *testing.T) {
	req := IdentifyRequest{Tag: 7, Offset: 0, Length: 1 << 30}
	gotReq, err := UnmarshalIdentifyRequest(req.Marshal())
	require.NoError(t, err)
	require.Equal(t, req, gotReq)

	ok := IdentifyOK{ChunkSizeBits: 16}
	gotOK, err := UnmarshalIdentifyOK(ok.Marshal())
	require.NoError(t, err)
	require.Equal(t, ok, gotOK)
}

func TestTagRequest_RoundTrip(t *testing.T) {
	want := TagRequest{Tag: 42}
	got, err := UnmarshalTagRequest(want.Marshal())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestPriorityRequest_RoundTrip(t *testing.T) {
	want := PriorityRequest{Tag: 3, Prio: -5}
	got, err := UnmarshalPriorityRequest(want.Marshal())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestUseCountRequestAndOK_RoundTrip(t *testing.T) {
	req := UseCountRequest{Tag: 3, Delta: -2}
	gotReq, err := UnmarshalUseCountRequest(req.Marshal())
	require.NoError(t, err)
	require.Equal(t, req, gotReq)

	ok := UseCountOK{UseCnt: 0}
	gotOK, err := UnmarshalUseCountOK(ok.Marshal())
	require.NoError(t, err)
	require.Equal(t, ok, gotOK)
}

func TestStreamChangelist_RoundTrip(t *testing.T) {
	req := StreamChangelistRequest{Mask1: 0b1, Mask2: 0b10}
	gotReq, err := UnmarshalStreamChangelistRequest(req.Marshal())
	require.NoError(t, err)
	require.Equal(t, req, gotReq)

	ok := StreamChangelistOK{ChunkSizeBits: 16, Chunks: []types.ChunkT{1, 2, 3}}
	gotOK, err := UnmarshalStreamChangelistOK(ok.Marshal())
	require.NoError(t, err)
	require.Equal(t, ok, gotOK)
}

func TestStatusOK_RoundTrip(t *testing.T) {
	want := StatusOK{
		Ctime:     1234,
		MetaBits:  12,
		MetaUsed:  10,
		MetaFree:  90,
		StoreBits: 12,
		StoreUsed: 5,
		StoreFree: 95,
		Columns:   2,
		Rows: []HistogramRow{
			{Bit: 0, Columns: []uint32{3, 1}},
			{Bit: 1, Columns: []uint32{0, 2}},
		},
	}
	got, err := UnmarshalStatusOK(want.Marshal())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSnapshotListReply_RoundTrip(t *testing.T) {
	want := SnapshotListReply{Snapshots: []types.Snapshot{
		{Tag: 1, Bit: 0, Ctime: 111, Prio: 2, UseCnt: 0},
		{Tag: 2, Bit: 1, Ctime: 222, Prio: -3, UseCnt: 4},
	}}
	got, err := UnmarshalSnapshotListReply(want.Marshal())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestOriginSectorsReply_RoundTrip(t *testing.T) {
	want := OriginSectorsReply{Sectors: 1 << 40}
	got, err := UnmarshalOriginSectorsReply(want.Marshal())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestUnmarshal_RejectsShortBody(t *testing.T) {
	_, err := UnmarshalIdentifyRequest([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortBody)

	_, err = UnmarshalRangeRequest([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortBody)
}

func TestCode_String(t *testing.T) {
	require.Equal(t, "IDENTIFY", Identify.String())
	require.Equal(t, "UNKNOWN_CODE", Code(99999).String())
}
