package dmsnapd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/dmsnapd/internal/types"
)

func TestStructuredError(t *testing.T) {
	err := NewError("CREATE_SNAPSHOT", ErrCodeInvalidSnapshot, "duplicate tag")

	assert.Equal(t, "CREATE_SNAPSHOT", err.Op)
	assert.Equal(t, ErrCodeInvalidSnapshot, err.Code)
	assert.Equal(t, "dmsnapd: duplicate tag (op=CREATE_SNAPSHOT)", err.Error())
}

func TestChunkError(t *testing.T) {
	err := NewChunkError("QUERY_WRITE", types.ChunkT(0x100), ErrCodeFull, "no free chunks")

	require.True(t, err.HasChunk)
	assert.EqualValues(t, 0x100, err.Chunk)
	assert.Equal(t, "dmsnapd: no free chunks (op=QUERY_WRITE)", err.Error())
}

func TestSnapshotError(t *testing.T) {
	err := NewSnapshotError("DELETE_SNAPSHOT", 7, ErrCodeInvalidSnapshot, "no such tag")

	require.True(t, err.HasTag)
	assert.EqualValues(t, 7, err.SnapTag)
}

func TestWrapError(t *testing.T) {
	inner := errors.New("disk read failed")
	err := WrapError("COPYOUT", inner)

	assert.Equal(t, ErrCodeIO, err.Code)
	assert.ErrorIs(t, err, inner)
}

func TestWrapErrorPreservesCode(t *testing.T) {
	inner := NewChunkError("MAKE_UNIQUE", types.ChunkT(5), ErrCodeFull, "full")
	wrapped := WrapError("QUERY_WRITE", inner)

	assert.Equal(t, ErrCodeFull, wrapped.Code)
	assert.True(t, wrapped.HasChunk)
	assert.EqualValues(t, 5, wrapped.Chunk)
}

func TestWrapErrorNil(t *testing.T) {
	assert.Nil(t, WrapError("X", nil))
}

func TestIsCode(t *testing.T) {
	err := NewError("STATUS", ErrCodeProtocol, "bad code")

	assert.True(t, IsCode(err, ErrCodeProtocol))
	assert.False(t, IsCode(err, ErrCodeFull))
	assert.False(t, IsCode(nil, ErrCodeProtocol))
}

func TestErrorIsMatchesCodeOnly(t *testing.T) {
	a := &Error{Code: ErrCodeFull, Msg: "first"}
	b := &Error{Code: ErrCodeFull, Msg: "second"}
	c := &Error{Code: ErrCodeIO, Msg: "first"}

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}
