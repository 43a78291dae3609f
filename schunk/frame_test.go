package schunk_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/TuSKan/go-carray/schunk"
)

func TestFrame_RoundTrip(t *testing.T) {
	s := newTestStore(t, 64, 16)
	c0 := patternChunk(64, 21)
	c1 := patternChunk(64, 91)
	_, err := s.Append(c0)
	require.NoError(t, err)
	_, err = s.Append(c1)
	require.NoError(t, err)
	require.NoError(t, s.SetMeta("dims", []byte{8, 8}))
	require.NoError(t, s.SetMeta("note", []byte("roundtrip")))

	var buf bytes.Buffer
	n, err := s.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)

	got, err := schunk.Read(&buf, schunk.Options{})
	require.NoError(t, err)
	require.Equal(t, 64, got.ChunkSize())
	require.Equal(t, 16, got.BlockSize())
	require.Equal(t, 2, got.ChunkCount())

	dst := make([]byte, 64)
	require.NoError(t, got.Decompress(0, dst))
	require.Equal(t, c0, dst)
	require.NoError(t, got.Decompress(1, dst))
	require.Equal(t, c1, dst)

	dims, err := got.GetMeta("dims")
	require.NoError(t, err)
	require.Equal(t, []byte{8, 8}, dims)
	note, err := got.GetMeta("note")
	require.NoError(t, err)
	require.Equal(t, []byte("roundtrip"), note)
}

func TestFrame_Corruption(t *testing.T) {
	s := newTestStore(t, 32, 8)
	_, err := s.Append(patternChunk(32, 5))
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = s.WriteTo(&buf)
	require.NoError(t, err)
	frame := buf.Bytes()

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), frame...)
		bad[0] = 'X'
		_, err := schunk.Read(bytes.NewReader(bad), schunk.Options{})
		require.ErrorIs(t, err, schunk.ErrFrameCorrupt)
	})

	t.Run("future version", func(t *testing.T) {
		bad := append([]byte(nil), frame...)
		bad[4] = 0xFF
		_, err := schunk.Read(bytes.NewReader(bad), schunk.Options{})
		require.ErrorIs(t, err, schunk.ErrFrameCorrupt)
	})

	t.Run("body bit flip", func(t *testing.T) {
		bad := append([]byte(nil), frame...)
		bad[len(bad)-1] ^= 0x01
		_, err := schunk.Read(bytes.NewReader(bad), schunk.Options{})
		require.ErrorIs(t, err, schunk.ErrFrameCorrupt)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := schunk.Read(bytes.NewReader(frame[:len(frame)-4]), schunk.Options{})
		require.ErrorIs(t, err, schunk.ErrFrameCorrupt)
	})
}

func TestFrame_SaveOpen(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	bucket, err := blob.OpenBucket(ctx, "file://"+tmpDir)
	require.NoError(t, err)
	defer bucket.Close()

	s := newTestStore(t, 64, 16)
	chunk := patternChunk(64, 33)
	_, err = s.Append(chunk)
	require.NoError(t, err)
	require.NoError(t, s.SetMeta("dims", []byte{1}))

	require.NoError(t, s.Save(ctx, bucket, "array.ndf"))

	got, err := schunk.Open(ctx, bucket, "array.ndf", schunk.Options{})
	require.NoError(t, err)
	require.Equal(t, 1, got.ChunkCount())
	dst := make([]byte, 64)
	require.NoError(t, got.Decompress(0, dst))
	require.Equal(t, chunk, dst)

	_, err = schunk.Open(ctx, bucket, "missing.ndf", schunk.Options{})
	require.Error(t, err)
}
