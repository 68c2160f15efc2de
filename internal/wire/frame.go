package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ehrlich-b/dmsnapd/internal/constants"
)

// MaxBody is the largest body a frame may carry; a header claiming more
// is a fatal framing error (spec.md §6: "Bodies larger are a fatal
// framing error: the server logs and drops the client").
const MaxBody = constants.MaxBody

// ErrFrameTooLarge is returned by ReadFrame when a header's length field
// exceeds MaxBody.
var ErrFrameTooLarge = errors.New("wire: frame body exceeds MaxBody")

const headerSize = 8

// ReadFrame reads one {code, length} header followed by length bytes of
// body from r. It never reads past the frame.
func ReadFrame(r io.Reader) (Code, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("wire: read header: %w", err)
	}
	code := Code(binary.LittleEndian.Uint32(hdr[0:4]))
	length := binary.LittleEndian.Uint32(hdr[4:8])
	if length > MaxBody {
		return code, nil, ErrFrameTooLarge
	}
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return code, nil, fmt.Errorf("wire: read body: %w", err)
		}
	}
	return code, body, nil
}

// WriteFrame writes one {code, length} header followed by body to w.
func WriteFrame(w io.Writer, code Code, body []byte) error {
	if len(body) > MaxBody {
		return ErrFrameTooLarge
	}
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(code))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("wire: write body: %w", err)
		}
	}
	return nil
}
