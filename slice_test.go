package carray

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// patternBuffer fills n*itemSize bytes with a per-item pattern so that every
// element is distinguishable in round-trip comparisons.
func patternBuffer(n, itemSize int) []byte {
	buf := make([]byte, n*itemSize)
	for i := 0; i < n; i++ {
		for j := 0; j < itemSize; j++ {
			buf[i*itemSize+j] = byte((i*itemSize + j) % 251)
		}
	}
	return buf
}

func TestSliceInt32Window(t *testing.T) {
	src := make([]byte, 10*4)
	for i := int32(0); i < 10; i++ {
		binary.LittleEndian.PutUint32(src[i*4:], uint32(i))
	}
	a, err := FromBuffer(Params{ItemSize: 4, Shape: []int64{10}},
		Storage{ChunkShape: []int32{4}, BlockShape: []int32{4}}, src)
	if err != nil {
		t.Fatalf("FromBuffer failed: %v", err)
	}
	if a.ExtShape()[0] != 12 || a.ExtChunkShape()[0] != 4 {
		t.Fatalf("derived geometry ext=%v extChunk=%v", a.ExtShape(), a.ExtChunkShape())
	}

	dst := make([]byte, 5*4)
	if err := a.Slice([]int64{2}, []int64{7}, dst); err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	for i, want := range []int32{2, 3, 4, 5, 6} {
		got := int32(binary.LittleEndian.Uint32(dst[i*4:]))
		if got != want {
			t.Errorf("element %d = %d, want %d", i, got, want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		itemSize   int
		shape      []int64
		chunkShape []int32
		blockShape []int32
	}{
		{"1d non-aligned", 4, []int64{10}, []int32{4}, []int32{3}},
		{"2d truncated boundary", 1, []int64{5, 5}, []int32{3, 3}, []int32{2, 2}},
		{"2d wide items", 8, []int64{7, 11}, []int32{4, 5}, []int32{3, 2}},
		{"4d non-aligned", 2, []int64{3, 5, 2, 7}, []int32{2, 3, 2, 4}, []int32{2, 2, 1, 3}},
		{"single chunk", 4, []int64{3}, []int32{8}, []int32{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nitems := 1
			for _, s := range tt.shape {
				nitems *= int(s)
			}
			src := patternBuffer(nitems, tt.itemSize)
			a, err := FromBuffer(Params{ItemSize: tt.itemSize, Shape: tt.shape},
				Storage{ChunkShape: tt.chunkShape, BlockShape: tt.blockShape}, src)
			if err != nil {
				t.Fatalf("FromBuffer failed: %v", err)
			}
			got, err := a.Bytes()
			if err != nil {
				t.Fatalf("Bytes failed: %v", err)
			}
			if !bytes.Equal(got, src) {
				t.Errorf("full-range read does not match source")
			}
		})
	}
}

func TestSliceIdempotence(t *testing.T) {
	src := patternBuffer(5*5, 1)
	a, err := FromBuffer(Params{ItemSize: 1, Shape: []int64{5, 5}},
		Storage{ChunkShape: []int32{3, 3}, BlockShape: []int32{2, 2}}, src)
	if err != nil {
		t.Fatalf("FromBuffer failed: %v", err)
	}

	start, stop := []int64{1, 1}, []int64{4, 4}
	cold := make([]byte, 9)
	if err := a.Slice(start, stop, cold); err != nil {
		t.Fatalf("cold Slice failed: %v", err)
	}
	// The cache now holds blocks from the last chunk touched; a repeat must
	// return the same bytes with part of the work served from the cache.
	warm := make([]byte, 9)
	if err := a.Slice(start, stop, warm); err != nil {
		t.Fatalf("warm Slice failed: %v", err)
	}
	if !bytes.Equal(cold, warm) {
		t.Errorf("cold read %v != warm read %v", cold, warm)
	}
	for i := 0; i < 9; i++ {
		want := src[(int(start[0])+i/3)*5+int(start[1])+i%3]
		if cold[i] != want {
			t.Errorf("element %d = %d, want %d", i, cold[i], want)
		}
	}
}

func TestSliceStraddlingAllDimensions(t *testing.T) {
	src := patternBuffer(6*6, 2)
	a, err := FromBuffer(Params{ItemSize: 2, Shape: []int64{6, 6}},
		Storage{ChunkShape: []int32{3, 3}, BlockShape: []int32{2, 2}}, src)
	if err != nil {
		t.Fatalf("FromBuffer failed: %v", err)
	}

	// [2,4) x [2,4): straddles two chunks and two blocks along each axis.
	dst := make([]byte, 4*2)
	if err := a.Slice([]int64{2, 2}, []int64{4, 4}, dst); err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	for r := 0; r < 2; r++ {
		for c := 0; c < 2; c++ {
			srcOff := ((2+r)*6 + 2 + c) * 2
			dstOff := (r*2 + c) * 2
			if !bytes.Equal(dst[dstOff:dstOff+2], src[srcOff:srcOff+2]) {
				t.Errorf("element (%d,%d) mismatch", r, c)
			}
		}
	}
}

func TestSliceFastPathEquivalence(t *testing.T) {
	src := patternBuffer(16, 4)
	a, err := FromBuffer(Params{ItemSize: 4, Shape: []int64{16}},
		Storage{ChunkShape: []int32{4}, BlockShape: []int32{4}}, src)
	if err != nil {
		t.Fatalf("FromBuffer failed: %v", err)
	}

	// [4,8) is chunk aligned with chunkShape == blockShape, so it decompresses
	// straight into the destination without touching the cache.
	fast := make([]byte, 4*4)
	if err := a.Slice([]int64{4}, []int64{8}, fast); err != nil {
		t.Fatalf("fast-path Slice failed: %v", err)
	}
	if a.cache != nil {
		t.Error("fast path should not create the partition cache")
	}

	// [3,8) misses the alignment condition and runs the general path.
	general := make([]byte, 5*4)
	if err := a.Slice([]int64{3}, []int64{8}, general); err != nil {
		t.Fatalf("general-path Slice failed: %v", err)
	}
	if a.cache == nil {
		t.Error("general path should create the partition cache")
	}
	if !bytes.Equal(fast, general[4:]) {
		t.Errorf("fast path %v != general path %v", fast, general[4:])
	}
	if !bytes.Equal(fast, src[4*4:8*4]) {
		t.Errorf("fast path does not match source")
	}
}

func TestSliceErrors(t *testing.T) {
	a, err := FromBuffer(Params{ItemSize: 1, Shape: []int64{4, 4}},
		Storage{ChunkShape: []int32{2, 2}, BlockShape: []int32{2, 2}},
		patternBuffer(16, 1))
	if err != nil {
		t.Fatalf("FromBuffer failed: %v", err)
	}

	dst := make([]byte, 4)
	if err := a.Slice([]int64{0}, []int64{2}, dst); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("dimensionality mismatch: got %v", err)
	}
	if err := a.Slice([]int64{0, 0}, []int64{0, 2}, dst); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("empty range: got %v", err)
	}
	if err := a.Slice([]int64{0, 0}, []int64{2, 5}, dst); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("stop past shape: got %v", err)
	}
	if err := a.Slice([]int64{-1, 0}, []int64{2, 2}, dst); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("negative start: got %v", err)
	}
	if err := a.Slice([]int64{0, 0}, []int64{2, 2}, dst[:3]); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("short destination: got %v", err)
	}
}

func TestAppendChunkByChunk(t *testing.T) {
	// Building the array one chunk at a time must match the one-shot ingest.
	src := patternBuffer(5*5, 1)
	want, err := FromBuffer(Params{ItemSize: 1, Shape: []int64{5, 5}},
		Storage{ChunkShape: []int32{3, 3}, BlockShape: []int32{2, 2}}, src)
	if err != nil {
		t.Fatalf("FromBuffer failed: %v", err)
	}

	a, err := New(Params{ItemSize: 1, Shape: []int64{5, 5}},
		Storage{ChunkShape: []int32{3, 3}, BlockShape: []int32{2, 2}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	// Chunk grid is 2x2; walk it in row-major order slicing the source by
	// hand at each position.
	for r := int64(0); r < 5; r += 3 {
		for c := int64(0); c < 5; c += 3 {
			next := a.NextChunkShape()
			chunk := make([]byte, 0, int(next[0])*int(next[1]))
			for i := r; i < r+int64(next[0]); i++ {
				chunk = append(chunk, src[i*5+c:i*5+c+int64(next[1])]...)
			}
			if err := a.Append(chunk); err != nil {
				t.Fatalf("append at (%d,%d) failed: %v", r, c, err)
			}
		}
	}
	if !a.Filled() {
		t.Fatal("array not filled after appending every chunk")
	}

	got, err := a.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	wantBytes, err := want.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if !bytes.Equal(got, wantBytes) {
		t.Errorf("chunked ingest differs from one-shot ingest")
	}
}

func TestAppendErrors(t *testing.T) {
	a, err := New(Params{ItemSize: 1, Shape: []int64{6}},
		Storage{ChunkShape: []int32{3}, BlockShape: []int32{2}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := a.Append(make([]byte, 5)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("wrong chunk size: got %v", err)
	}
}

func TestSliceArray(t *testing.T) {
	src := patternBuffer(6*8, 2)
	a, err := FromBuffer(Params{ItemSize: 2, Shape: []int64{6, 8}},
		Storage{ChunkShape: []int32{3, 3}, BlockShape: []int32{2, 2}}, src)
	if err != nil {
		t.Fatalf("FromBuffer failed: %v", err)
	}

	// Extract [1,5) x [2,7) into an array with a different partitioning.
	b, err := a.SliceArray([]int64{1, 2}, []int64{5, 7},
		Storage{ChunkShape: []int32{2, 2}, BlockShape: []int32{2, 1}})
	if err != nil {
		t.Fatalf("SliceArray failed: %v", err)
	}
	if b.Shape()[0] != 4 || b.Shape()[1] != 5 {
		t.Fatalf("window shape = %v", b.Shape())
	}
	if !b.Filled() {
		t.Error("window array not filled")
	}

	got, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	for r := 0; r < 4; r++ {
		srcOff := ((1+r)*8 + 2) * 2
		dstOff := r * 5 * 2
		if !bytes.Equal(got[dstOff:dstOff+5*2], src[srcOff:srcOff+5*2]) {
			t.Errorf("row %d mismatch", r)
		}
	}
}

func TestCopy(t *testing.T) {
	src := patternBuffer(5*5, 1)
	a, err := FromBuffer(Params{ItemSize: 1, Shape: []int64{5, 5}},
		Storage{ChunkShape: []int32{3, 3}, BlockShape: []int32{2, 2}}, src)
	if err != nil {
		t.Fatalf("FromBuffer failed: %v", err)
	}

	t.Run("same partitioning clones the frame", func(t *testing.T) {
		b, err := a.Copy(Storage{ChunkShape: []int32{3, 3}, BlockShape: []int32{2, 2}})
		if err != nil {
			t.Fatalf("Copy failed: %v", err)
		}
		if b.Store() == a.Store() {
			t.Fatal("copy shares the source store")
		}
		got, err := b.Bytes()
		if err != nil {
			t.Fatalf("Bytes failed: %v", err)
		}
		if !bytes.Equal(got, src) {
			t.Error("cloned copy does not match source")
		}
	})

	t.Run("different partitioning re-chunks", func(t *testing.T) {
		b, err := a.Copy(Storage{ChunkShape: []int32{4, 2}, BlockShape: []int32{2, 2}})
		if err != nil {
			t.Fatalf("Copy failed: %v", err)
		}
		if b.ChunkShape()[0] != 4 || b.ChunkShape()[1] != 2 {
			t.Fatalf("copy chunk shape = %v", b.ChunkShape())
		}
		got, err := b.Bytes()
		if err != nil {
			t.Fatalf("Bytes failed: %v", err)
		}
		if !bytes.Equal(got, src) {
			t.Error("re-chunked copy does not match source")
		}
	})
}
