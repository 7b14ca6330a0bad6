package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// ChunkSize is the inflate buffer size used by the binary side-channel.
const ChunkSize = 16 * 1024

// ErrPayloadTooLarge is returned when inflated data exceeds the limit.
var ErrPayloadTooLarge = errors.New("codec: inflated payload exceeds limit")

// Deflate compresses data in zlib format.
func Deflate(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("create deflater: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	return buf.Bytes(), nil
}

// Inflate decompresses zlib data, reading chunkSize bytes at a time. A
// limit <= 0 disables the size check. Malformed or truncated input is an
// error.
func Inflate(data []byte, chunkSize int, limit int64) ([]byte, error) {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to inflate data: %w", err)
	}
	defer zr.Close()

	var out bytes.Buffer
	out.Grow(len(data))
	buf := make([]byte, chunkSize)
	for {
		n, err := zr.Read(buf)
		out.Write(buf[:n])
		if limit > 0 && int64(out.Len()) > limit {
			return nil, ErrPayloadTooLarge
		}
		if errors.Is(err, io.EOF) {
			return out.Bytes(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to inflate data: %w", err)
		}
	}
}
