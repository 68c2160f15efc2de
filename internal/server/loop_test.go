package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/dmsnapd/internal/device"
	"github.com/ehrlich-b/dmsnapd/internal/store"
	"github.com/ehrlich-b/dmsnapd/internal/wire"
)

// TestServe_IdentifyRoundTrip exercises the real epoll reactor end to end:
// a TCP client connects, sends IDENTIFY, and reads IDENTIFY_OK back,
// exactly as cmd/dmsnapd's "server" subcommand would serve it.
func TestServe_IdentifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	origin := newTestFile(t, dir, "origin.img", 256*1024)
	snap := newTestFile(t, dir, "snap.img", 2<<20)
	devices := &device.Set{Origin: origin, SnapStore: snap, Meta: snap}

	st, err := store.Initialize(devices, 16384, testChunkBits, testChunkBits)
	require.NoError(t, err)

	disp := New(st)
	ln := NewListener(disp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- ln.Serve(ctx, "127.0.0.1:0") }()

	// Serve binds asynchronously; poll briefly for the listener to appear.
	var addr net.Addr
	require.Eventually(t, func() bool {
		if ln.listener == nil {
			return false
		}
		addr = ln.listener.Addr()
		return addr != nil
	}, time.Second, 5*time.Millisecond)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	req := wire.IdentifyRequest{Tag: 0, Offset: 0, Length: 4096}
	require.NoError(t, wire.WriteFrame(conn, wire.Identify, req.Marshal()))

	code, body, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.IdentifyOK, code)
	reply, err := wire.UnmarshalIdentifyOK(body)
	require.NoError(t, err)
	require.Equal(t, uint32(testChunkBits), reply.ChunkSizeBits)

	cancel()
	select {
	case err := <-serveErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}
