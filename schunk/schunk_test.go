package schunk_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TuSKan/go-carray/schunk"
)

func newTestStore(t *testing.T, chunkSize, blockSize int) *schunk.Store {
	t.Helper()
	s, err := schunk.New(schunk.Options{ChunkSize: chunkSize, BlockSize: blockSize})
	require.NoError(t, err)
	return s
}

func patternChunk(size int, seed byte) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = seed + byte(i%17)
	}
	return buf
}

func TestStore_AppendDecompress(t *testing.T) {
	s := newTestStore(t, 64, 16)
	require.Equal(t, 4, s.BlocksPerChunk())

	c0 := patternChunk(64, 1)
	c1 := patternChunk(64, 101)

	idx, err := s.Append(c0)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
	idx, err = s.Append(c1)
	require.NoError(t, err)
	require.Equal(t, 1, idx)
	require.Equal(t, 2, s.ChunkCount())

	dst := make([]byte, 64)
	require.NoError(t, s.Decompress(0, dst))
	require.Equal(t, c0, dst)
	require.NoError(t, s.Decompress(1, dst))
	require.Equal(t, c1, dst)
}

func TestStore_DecompressMasked(t *testing.T) {
	s := newTestStore(t, 64, 16)
	chunk := patternChunk(64, 7)
	_, err := s.Append(chunk)
	require.NoError(t, err)

	// Sentinel bytes reveal which regions were written.
	dst := bytes.Repeat([]byte{0xEE}, 64)
	mask := []bool{false, true, false, true}
	require.NoError(t, s.DecompressMasked(0, dst, mask))

	require.Equal(t, bytes.Repeat([]byte{0xEE}, 16), dst[0:16])
	require.Equal(t, chunk[16:32], dst[16:32])
	require.Equal(t, bytes.Repeat([]byte{0xEE}, 16), dst[32:48])
	require.Equal(t, chunk[48:64], dst[48:64])
}

func TestStore_ShortLastBlock(t *testing.T) {
	// 50 bytes with 16-byte blocks leaves a 2-byte final block.
	s := newTestStore(t, 50, 16)
	require.Equal(t, 4, s.BlocksPerChunk())

	chunk := patternChunk(50, 3)
	_, err := s.Append(chunk)
	require.NoError(t, err)

	dst := make([]byte, 50)
	require.NoError(t, s.Decompress(0, dst))
	require.Equal(t, chunk, dst)
}

func TestStore_Errors(t *testing.T) {
	s := newTestStore(t, 64, 16)

	_, err := s.Append(make([]byte, 63))
	require.ErrorIs(t, err, schunk.ErrChunkSize)

	_, err = s.Append(make([]byte, 64))
	require.NoError(t, err)

	err = s.Decompress(1, make([]byte, 64))
	require.ErrorIs(t, err, schunk.ErrChunkIndex)
	err = s.Decompress(-1, make([]byte, 64))
	require.ErrorIs(t, err, schunk.ErrChunkIndex)
	err = s.Decompress(0, make([]byte, 32))
	require.ErrorIs(t, err, schunk.ErrChunkSize)
	err = s.DecompressMasked(0, make([]byte, 64), []bool{true})
	require.ErrorIs(t, err, schunk.ErrMaskSize)

	_, err = schunk.New(schunk.Options{ChunkSize: 0, BlockSize: 1})
	require.Error(t, err)
	_, err = schunk.New(schunk.Options{ChunkSize: 16, BlockSize: 32})
	require.Error(t, err)
}

func TestStore_Meta(t *testing.T) {
	s := newTestStore(t, 16, 16)

	require.False(t, s.HasMeta("dims"))
	_, err := s.GetMeta("dims")
	require.ErrorIs(t, err, schunk.ErrMetaNotFound)

	require.NoError(t, s.SetMeta("dims", []byte{1, 2, 3}))
	require.True(t, s.HasMeta("dims"))
	got, err := s.GetMeta("dims")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)

	// Replacing keeps a single layer.
	require.NoError(t, s.SetMeta("dims", []byte{9}))
	got, err = s.GetMeta("dims")
	require.NoError(t, err)
	require.Equal(t, []byte{9}, got)
}

func TestStore_Clone(t *testing.T) {
	s := newTestStore(t, 32, 8)
	chunk := patternChunk(32, 11)
	_, err := s.Append(chunk)
	require.NoError(t, err)
	require.NoError(t, s.SetMeta("dims", []byte{4, 2}))

	c, err := s.Clone()
	require.NoError(t, err)
	require.Equal(t, 1, c.ChunkCount())
	got, err := c.GetMeta("dims")
	require.NoError(t, err)
	require.Equal(t, []byte{4, 2}, got)

	dst := make([]byte, 32)
	require.NoError(t, c.Decompress(0, dst))
	require.Equal(t, chunk, dst)

	// Mutating the clone leaves the original untouched.
	_, err = c.Append(patternChunk(32, 13))
	require.NoError(t, err)
	require.Equal(t, 1, s.ChunkCount())
	require.Equal(t, 2, c.ChunkCount())
}
