package transport

import (
	"fmt"
	"io"

	"github.com/dbehnke/collar-nexus/pkg/protocol"
)

// maxStreamPayload bounds the payload size accepted from a byte stream. A
// larger declared size means the stream has lost packet alignment.
const maxStreamPayload = 64 * 1024

// frameReader cuts a byte stream into whole packets.
type frameReader struct {
	r   io.Reader
	hdr [protocol.HeaderSize]byte
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r}
}

// next reads one packet into buf and returns its length. When the payload
// does not fit, the excess is consumed and dropped so the following packet
// stays aligned; the caller sees a header declaring more than it got.
func (f *frameReader) next(buf []byte) (int, error) {
	if len(buf) < protocol.HeaderSize {
		return 0, fmt.Errorf("read buffer of %d bytes cannot hold a header", len(buf))
	}
	if _, err := io.ReadFull(f.r, f.hdr[:]); err != nil {
		return 0, err
	}
	h, _ := protocol.ParseHeader(f.hdr[:])
	if h.PayloadSize > maxStreamPayload {
		return 0, fmt.Errorf("%w: declared payload %d exceeds %d, stream out of sync",
			ErrIO, h.PayloadSize, maxStreamPayload)
	}

	copy(buf, f.hdr[:])
	size := int(h.PayloadSize)
	fit := len(buf) - protocol.HeaderSize
	if fit > size {
		fit = size
	}
	if _, err := io.ReadFull(f.r, buf[protocol.HeaderSize:protocol.HeaderSize+fit]); err != nil {
		return 0, err
	}
	if rest := size - fit; rest > 0 {
		if _, err := io.CopyN(io.Discard, f.r, int64(rest)); err != nil {
			return 0, err
		}
	}
	return protocol.HeaderSize + fit, nil
}
