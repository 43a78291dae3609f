// Package schunk implements an append-only store of equally sized chunks,
// compressed block by block so that a reader can decompress only the blocks
// it needs. Chunks are addressed by their append sequence number. The store
// also carries named metadata layers (small byte records attached to the
// store as a whole) and can be persisted as a single binary frame.
package schunk

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

var (
	// ErrChunkSize is returned when an appended buffer or a destination
	// buffer does not match the store's chunk size.
	ErrChunkSize = errors.New("schunk: buffer size does not match chunk size")

	// ErrChunkIndex is returned for chunk indices outside [0, ChunkCount).
	ErrChunkIndex = errors.New("schunk: chunk index out of range")

	// ErrMaskSize is returned when a block mask does not have one entry per
	// block in the chunk.
	ErrMaskSize = errors.New("schunk: block mask size does not match block count")

	// ErrMetaNotFound is returned by GetMeta for unknown layer names.
	ErrMetaNotFound = errors.New("schunk: metadata layer not found")
)

// Options configures a new Store.
type Options struct {
	// ChunkSize is the uncompressed size in bytes of every chunk. All
	// appended buffers must have exactly this length.
	ChunkSize int

	// BlockSize is the compression granularity in bytes. Each chunk is cut
	// into ceil(ChunkSize/BlockSize) blocks and every block is compressed
	// independently. Must be in (0, ChunkSize].
	BlockSize int

	// Level selects the zstd encoder level. Zero means zstd.SpeedDefault.
	Level zstd.EncoderLevel

	// Logger receives debug events. A zero Logger disables logging.
	Logger zerolog.Logger
}

// Store is an append-only sequence of compressed chunks.
//
// A Store is not safe for concurrent use; callers that share one across
// goroutines must synchronize externally.
type Store struct {
	chunkSize int
	blockSize int
	nblocks   int

	enc *zstd.Encoder
	dec *zstd.Decoder

	chunks [][][]byte // per chunk, per block, compressed payload

	meta      map[string][]byte
	metaOrder []string

	log zerolog.Logger
}

// New creates an empty Store.
func New(opts Options) (*Store, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("schunk: invalid chunk size %d", opts.ChunkSize)
	}
	if opts.BlockSize <= 0 || opts.BlockSize > opts.ChunkSize {
		return nil, fmt.Errorf("schunk: invalid block size %d for chunk size %d",
			opts.BlockSize, opts.ChunkSize)
	}
	level := opts.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("schunk: failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("schunk: failed to create zstd decoder: %w", err)
	}
	return &Store{
		chunkSize: opts.ChunkSize,
		blockSize: opts.BlockSize,
		nblocks:   (opts.ChunkSize + opts.BlockSize - 1) / opts.BlockSize,
		enc:       enc,
		dec:       dec,
		meta:      make(map[string][]byte),
		log:       opts.Logger,
	}, nil
}

// ChunkSize returns the uncompressed size in bytes of one chunk.
func (s *Store) ChunkSize() int { return s.chunkSize }

// BlockSize returns the compression granularity in bytes.
func (s *Store) BlockSize() int { return s.blockSize }

// BlocksPerChunk returns the number of blocks each chunk is cut into.
func (s *Store) BlocksPerChunk() int { return s.nblocks }

// ChunkCount returns the number of chunks appended so far.
func (s *Store) ChunkCount() int { return len(s.chunks) }

// blockBounds returns the byte range [off, end) covered by block b.
func (s *Store) blockBounds(b int) (off, end int) {
	off = b * s.blockSize
	end = off + s.blockSize
	if end > s.chunkSize {
		end = s.chunkSize
	}
	return off, end
}

// Append compresses buf block by block and appends it as the next chunk,
// returning its sequence index.
func (s *Store) Append(buf []byte) (int, error) {
	if len(buf) != s.chunkSize {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrChunkSize, len(buf), s.chunkSize)
	}
	blocks := make([][]byte, s.nblocks)
	compressed := 0
	for b := 0; b < s.nblocks; b++ {
		off, end := s.blockBounds(b)
		blocks[b] = s.enc.EncodeAll(buf[off:end], nil)
		compressed += len(blocks[b])
	}
	s.chunks = append(s.chunks, blocks)
	nchunk := len(s.chunks) - 1
	s.log.Debug().
		Int("chunk", nchunk).
		Int("uncompressed", s.chunkSize).
		Int("compressed", compressed).
		Msg("appended chunk")
	return nchunk, nil
}

// Decompress inflates chunk nchunk in full into dst, which must be exactly
// ChunkSize bytes long.
func (s *Store) Decompress(nchunk int, dst []byte) error {
	mask := make([]bool, s.nblocks)
	for i := range mask {
		mask[i] = true
	}
	return s.DecompressMasked(nchunk, dst, mask)
}

// DecompressMasked inflates only the blocks of chunk nchunk flagged true in
// needed. Regions of dst corresponding to unflagged blocks are left
// untouched; callers must not rely on their contents.
func (s *Store) DecompressMasked(nchunk int, dst []byte, needed []bool) error {
	if nchunk < 0 || nchunk >= len(s.chunks) {
		return fmt.Errorf("%w: %d of %d", ErrChunkIndex, nchunk, len(s.chunks))
	}
	if len(dst) != s.chunkSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrChunkSize, len(dst), s.chunkSize)
	}
	if len(needed) != s.nblocks {
		return fmt.Errorf("%w: got %d entries, want %d", ErrMaskSize, len(needed), s.nblocks)
	}
	blocks := s.chunks[nchunk]
	ndone := 0
	for b, want := range needed {
		if !want {
			continue
		}
		off, end := s.blockBounds(b)
		// DecodeAll appends to the destination slice; capping the capacity
		// at the block length makes it inflate in place.
		out, err := s.dec.DecodeAll(blocks[b], dst[off:off:end])
		if err != nil {
			return fmt.Errorf("schunk: failed to decompress chunk %d block %d: %w", nchunk, b, err)
		}
		if len(out) != end-off {
			return fmt.Errorf("schunk: chunk %d block %d inflated to %d bytes, want %d",
				nchunk, b, len(out), end-off)
		}
		ndone++
	}
	s.log.Debug().
		Int("chunk", nchunk).
		Int("blocks", ndone).
		Int("of", s.nblocks).
		Msg("decompressed chunk")
	return nil
}

// SetMeta attaches (or replaces) the named metadata layer.
func (s *Store) SetMeta(name string, data []byte) error {
	if name == "" {
		return errors.New("schunk: empty metadata layer name")
	}
	if _, ok := s.meta[name]; !ok {
		s.metaOrder = append(s.metaOrder, name)
	}
	s.meta[name] = append([]byte(nil), data...)
	return nil
}

// GetMeta returns a copy of the named metadata layer, or ErrMetaNotFound.
func (s *Store) GetMeta(name string) ([]byte, error) {
	data, ok := s.meta[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMetaNotFound, name)
	}
	return append([]byte(nil), data...), nil
}

// HasMeta reports whether the named metadata layer exists.
func (s *Store) HasMeta(name string) bool {
	_, ok := s.meta[name]
	return ok
}

// CompressedSize returns the total size in bytes of all compressed blocks.
func (s *Store) CompressedSize() int64 {
	var n int64
	for _, blocks := range s.chunks {
		for _, b := range blocks {
			n += int64(len(b))
		}
	}
	return n
}

// UncompressedSize returns ChunkCount * ChunkSize.
func (s *Store) UncompressedSize() int64 {
	return int64(len(s.chunks)) * int64(s.chunkSize)
}

// Clone returns a deep copy of the store, sharing no mutable state with the
// receiver. The compressed payloads themselves are copied as well since
// chunks are immutable only by convention.
func (s *Store) Clone() (*Store, error) {
	c, err := New(Options{
		ChunkSize: s.chunkSize,
		BlockSize: s.blockSize,
		Logger:    s.log,
	})
	if err != nil {
		return nil, err
	}
	c.chunks = make([][][]byte, len(s.chunks))
	for i, blocks := range s.chunks {
		cb := make([][]byte, len(blocks))
		for j, b := range blocks {
			cb[j] = append([]byte(nil), b...)
		}
		c.chunks[i] = cb
	}
	for _, name := range s.metaOrder {
		c.metaOrder = append(c.metaOrder, name)
		c.meta[name] = append([]byte(nil), s.meta[name]...)
	}
	return c, nil
}
