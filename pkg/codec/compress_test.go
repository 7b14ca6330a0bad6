package codec

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeflateInflate(t *testing.T) {
	input := bytes.Repeat([]byte("<edit offset='12' text='x'/>"), 4096)

	packed, err := Deflate(input, zlib.BestSpeed)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(input))

	out, err := Inflate(packed, ChunkSize, 0)
	require.NoError(t, err)
	assert.Equal(t, input, out)

	out, err = Inflate(packed, 7, 0)
	require.NoError(t, err, "small chunks still read the whole stream")
	assert.Equal(t, input, out)
}

func TestInflateRejectsCorruptInput(t *testing.T) {
	packed, err := Deflate([]byte("hello hello hello hello"), zlib.DefaultCompression)
	require.NoError(t, err)

	_, err = Inflate([]byte("definitely not zlib"), ChunkSize, 0)
	assert.Error(t, err)

	_, err = Inflate(packed[:len(packed)/2], ChunkSize, 0)
	assert.Error(t, err, "truncated stream")

	corrupt := append([]byte(nil), packed...)
	corrupt[len(corrupt)-1] ^= 0xff
	_, err = Inflate(corrupt, ChunkSize, 0)
	assert.Error(t, err, "checksum mismatch")
}

func TestInflateLimit(t *testing.T) {
	packed, err := Deflate(make([]byte, 1<<20), zlib.BestCompression)
	require.NoError(t, err)

	_, err = Inflate(packed, ChunkSize, 1024)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
