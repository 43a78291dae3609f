// Package carray stores N-dimensional arrays on top of an append-only store
// of compressed chunks. An array has three independent geometries: its
// logical shape, the chunk shape (the unit of compression and storage) and
// the block shape (the unit of selective decompression inside a chunk).
// Shapes need not divide evenly; boundary chunks and blocks are zero padded
// internally and the padding is never surfaced to callers.
package carray

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gocloud.dev/blob"

	"github.com/TuSKan/go-carray/schunk"
)

// Params declares the logical array: element width in bytes and extent per
// dimension. Dimensionality is len(Shape), at most MaxDim.
type Params struct {
	ItemSize int
	Shape    []int64
}

// Storage declares how the array is partitioned and compressed. ChunkShape
// and BlockShape must have the same length as Params.Shape; every extent must
// be at least 1. ChunkShape may exceed the shape; it need not be a multiple
// of BlockShape.
type Storage struct {
	ChunkShape []int32
	BlockShape []int32

	// Logger receives chunk store debug events. Optional.
	Logger zerolog.Logger
}

// Array is an N-dimensional array backed by a chunk store. It is not safe
// for concurrent use; callers sharing one across goroutines must synchronize
// externally.
type Array struct {
	store *schunk.Store

	ndim     int
	itemSize int

	shape          [MaxDim]int64
	chunkShape     [MaxDim]int32
	blockShape     [MaxDim]int32
	extShape       [MaxDim]int64
	extChunkShape  [MaxDim]int64
	nextChunkShape [MaxDim]int32

	nitems          int64
	extNitems       int64
	chunkNitems     int64
	extChunkNitems  int64
	blockNitems     int64
	nextChunkNitems int64

	nchunks int64
	filled  bool
	empty   bool

	// Single-slot cache of the most recently decompressed chunk, created
	// lazily by the slice engine. valid records which blocks of data hold
	// real bytes; the rest are undefined.
	cache *chunkCache
}

type chunkCache struct {
	nchunk int64
	data   []byte
	valid  []bool
}

func validateGeometry(params Params, storage Storage) error {
	ndim := len(params.Shape)
	if ndim < 1 || ndim > MaxDim {
		return fmt.Errorf("%w: dimensionality %d outside [1, %d]", ErrInvalidArgument, ndim, MaxDim)
	}
	if params.ItemSize <= 0 {
		return fmt.Errorf("%w: item size %d", ErrInvalidArgument, params.ItemSize)
	}
	if len(storage.ChunkShape) != ndim || len(storage.BlockShape) != ndim {
		return fmt.Errorf("%w: chunk shape has %d dimensions and block shape %d, want %d",
			ErrInvalidArgument, len(storage.ChunkShape), len(storage.BlockShape), ndim)
	}
	for i := 0; i < ndim; i++ {
		if params.Shape[i] < 0 {
			return fmt.Errorf("%w: negative extent %d at dimension %d", ErrInvalidArgument, params.Shape[i], i)
		}
		if storage.ChunkShape[i] < 1 {
			return fmt.Errorf("%w: chunk extent %d at dimension %d", ErrInvalidArgument, storage.ChunkShape[i], i)
		}
		if storage.BlockShape[i] < 1 {
			return fmt.Errorf("%w: block extent %d at dimension %d", ErrInvalidArgument, storage.BlockShape[i], i)
		}
	}
	return nil
}

// New creates an empty array: geometry is fixed and the metadata layer is
// attached, but no chunks exist yet. Data arrives through Append or via
// FromBuffer.
func New(params Params, storage Storage) (*Array, error) {
	if err := validateGeometry(params, storage); err != nil {
		return nil, err
	}
	a := &Array{itemSize: params.ItemSize, empty: true}

	ndim := len(params.Shape)
	var shape [MaxDim]int64
	var chunkShape, blockShape [MaxDim]int32
	for i := 0; i < MaxDim; i++ {
		shape[i], chunkShape[i], blockShape[i] = 1, 1, 1
	}
	copy(shape[:], params.Shape)
	copy(chunkShape[:], storage.ChunkShape)
	copy(blockShape[:], storage.BlockShape)
	a.deriveShapes(ndim, &shape, &chunkShape, &blockShape)

	store, err := schunk.New(schunk.Options{
		ChunkSize: int(a.extChunkNitems) * a.itemSize,
		BlockSize: int(a.blockNitems) * a.itemSize,
		Logger:    storage.Logger,
	})
	if err != nil {
		return nil, err
	}
	a.store = store
	if err := a.writeMeta(); err != nil {
		return nil, err
	}

	if a.nitems == 0 {
		a.filled = true
		a.empty = false
	}
	a.updateNextChunkShape()
	return a, nil
}

// FromStore reconstructs an array from a chunk store carrying a dimensional
// metadata layer, as produced by New or read back through schunk.Open.
func FromStore(store *schunk.Store) (*Array, error) {
	smeta, err := store.GetMeta(MetaLayer)
	if err != nil {
		return nil, fmt.Errorf("carray: missing dimensional metadata: %w", err)
	}
	ndim, shape, chunkShape, blockShape, err := deserializeMeta(smeta)
	if err != nil {
		return nil, err
	}

	a := &Array{store: store}
	a.deriveShapes(ndim, &shape, &chunkShape, &blockShape)

	// The store does not record the element width directly; it falls out of
	// the block granularity.
	if a.blockNitems == 0 || store.BlockSize()%int(a.blockNitems) != 0 {
		return nil, fmt.Errorf("%w: block size %d not a multiple of %d items",
			ErrMetaCorrupt, store.BlockSize(), a.blockNitems)
	}
	a.itemSize = store.BlockSize() / int(a.blockNitems)
	if int(a.extChunkNitems)*a.itemSize != store.ChunkSize() {
		return nil, fmt.Errorf("%w: chunk size %d disagrees with geometry (%d items x %d bytes)",
			ErrMetaCorrupt, store.ChunkSize(), a.extChunkNitems, a.itemSize)
	}

	a.nchunks = int64(store.ChunkCount())
	if a.nitems == 0 {
		a.filled = true
	} else {
		a.filled = a.nchunks == a.extNitems/a.chunkNitems
		a.empty = a.nchunks == 0
	}
	a.updateNextChunkShape()
	return a, nil
}

// Open reads a persisted frame from key in bucket and reconstructs the array.
func Open(ctx context.Context, bucket *blob.Bucket, key string, logger zerolog.Logger) (*Array, error) {
	store, err := schunk.Open(ctx, bucket, key, schunk.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	return FromStore(store)
}

// Save persists the array's frame to key in bucket.
func (a *Array) Save(ctx context.Context, bucket *blob.Bucket, key string) error {
	return a.store.Save(ctx, bucket, key)
}

// deriveShapes installs a new geometry and recomputes every extended shape
// and item count in one pass. Nothing else may touch these fields: partial
// application would leave the descriptor inconsistent.
func (a *Array) deriveShapes(ndim int, shape *[MaxDim]int64, chunkShape, blockShape *[MaxDim]int32) {
	a.ndim = ndim
	a.nitems = 1
	a.extNitems = 1
	a.chunkNitems = 1
	a.extChunkNitems = 1
	a.blockNitems = 1
	for i := 0; i < MaxDim; i++ {
		if i < ndim {
			a.shape[i] = shape[i]
			a.chunkShape[i] = chunkShape[i]
			a.blockShape[i] = blockShape[i]
			switch {
			case shape[i] == 0:
				a.extShape[i] = 0
			case shape[i]%int64(chunkShape[i]) == 0:
				a.extShape[i] = shape[i]
			default:
				a.extShape[i] = shape[i] + int64(chunkShape[i]) - shape[i]%int64(chunkShape[i])
			}
			if chunkShape[i]%blockShape[i] == 0 {
				a.extChunkShape[i] = int64(chunkShape[i])
			} else {
				a.extChunkShape[i] = int64(chunkShape[i] + blockShape[i] - chunkShape[i]%blockShape[i])
			}
		} else {
			a.shape[i] = 1
			a.chunkShape[i] = 1
			a.blockShape[i] = 1
			a.extShape[i] = 1
			a.extChunkShape[i] = 1
		}
		a.nitems *= a.shape[i]
		a.extNitems *= a.extShape[i]
		a.chunkNitems *= int64(a.chunkShape[i])
		a.extChunkNitems *= a.extChunkShape[i]
		a.blockNitems *= int64(a.blockShape[i])
	}
}

// writeMeta re-serializes the dimensional metadata into the store's layer.
func (a *Array) writeMeta() error {
	smeta := serializeMeta(a.ndim, &a.shape, &a.chunkShape, &a.blockShape)
	if err := a.store.SetMeta(MetaLayer, smeta); err != nil {
		return fmt.Errorf("carray: failed to attach dimensional metadata: %w", err)
	}
	return nil
}

// updateNextChunkShape recomputes the un-padded extent of the chunk at
// append position nchunks, so callers of Append always know the size of the
// next expected input.
func (a *Array) updateNextChunkShape() {
	if a.nitems == 0 {
		a.nextChunkShape = a.chunkShape
		a.nextChunkNitems = a.chunkNitems
		return
	}
	var cShape, cEShape, cPShape [MaxDim]int64
	alignTrailing64(&cShape, a.ndim, &a.shape)
	alignTrailing64(&cEShape, a.ndim, &a.extShape)
	alignTrailing32(&cPShape, a.ndim, &a.chunkShape)

	// Mixed-radix position of the next chunk in the chunk grid.
	var aux, posChunk [MaxDim]int64
	aux[MaxDim-1] = cEShape[MaxDim-1] / cPShape[MaxDim-1]
	for i := MaxDim - 2; i >= 0; i-- {
		aux[i] = cEShape[i] / cPShape[i] * aux[i+1]
	}
	posChunk[MaxDim-1] = a.nchunks % aux[MaxDim-1]
	for i := MaxDim - 2; i >= 0; i-- {
		posChunk[i] = (a.nchunks % aux[i]) / aux[i+1]
	}

	a.nextChunkNitems = 1
	var nPShape [MaxDim]int64
	for i := 0; i < MaxDim; i++ {
		nPShape[i] = cPShape[i]
		if posChunk[i] >= cEShape[i]/cPShape[i]-1 && cEShape[i] > cShape[i] {
			nPShape[i] -= cEShape[i] - cShape[i]
		}
		a.nextChunkNitems *= nPShape[i]
	}
	for i := 0; i < MaxDim; i++ {
		a.nextChunkShape[i] = int32(nPShape[(MaxDim-a.ndim+i)%MaxDim])
	}
}

// updateShape rederives the geometry and refreshes the metadata layer.
func (a *Array) updateShape(ndim int, shape *[MaxDim]int64, chunkShape, blockShape *[MaxDim]int32) error {
	a.deriveShapes(ndim, shape, chunkShape, blockShape)
	a.updateNextChunkShape()
	a.cache = nil
	return a.writeMeta()
}

// SqueezeAxes removes the dimensions flagged in axes, which must have
// extent 1. At least one dimension must survive.
func (a *Array) SqueezeAxes(axes []bool) error {
	if len(axes) != a.ndim {
		return fmt.Errorf("%w: axes mask has %d entries, want %d", ErrInvalidArgument, len(axes), a.ndim)
	}
	var newShape [MaxDim]int64
	var newChunkShape, newBlockShape [MaxDim]int32
	for i := 0; i < MaxDim; i++ {
		newShape[i], newChunkShape[i], newBlockShape[i] = 1, 1, 1
	}
	kept := 0
	for i := 0; i < a.ndim; i++ {
		if axes[i] {
			if a.shape[i] != 1 {
				return fmt.Errorf("%w: cannot squeeze dimension %d of extent %d",
					ErrInvalidArgument, i, a.shape[i])
			}
			continue
		}
		newShape[kept] = a.shape[i]
		newChunkShape[kept] = a.chunkShape[i]
		newBlockShape[kept] = a.blockShape[i]
		kept++
	}
	if kept == 0 {
		return fmt.Errorf("%w: squeezing every dimension is not supported", ErrInvalidArgument)
	}
	return a.updateShape(kept, &newShape, &newChunkShape, &newBlockShape)
}

// Squeeze removes every dimension of extent 1, keeping at least one.
func (a *Array) Squeeze() error {
	axes := make([]bool, a.ndim)
	units := 0
	for i := 0; i < a.ndim; i++ {
		if a.shape[i] == 1 {
			axes[i] = true
			units++
		}
	}
	if units == a.ndim {
		// Fully unit-shaped: retain the last dimension as the terminal 1-D
		// form instead of collapsing to zero dimensions.
		axes[a.ndim-1] = false
	}
	return a.SqueezeAxes(axes)
}

// NDim returns the number of active dimensions.
func (a *Array) NDim() int { return a.ndim }

// ItemSize returns the element width in bytes.
func (a *Array) ItemSize() int { return a.itemSize }

// Shape returns the logical extent per dimension.
func (a *Array) Shape() []int64 {
	return append([]int64(nil), a.shape[:a.ndim]...)
}

// ChunkShape returns the chunk extent per dimension.
func (a *Array) ChunkShape() []int32 {
	return append([]int32(nil), a.chunkShape[:a.ndim]...)
}

// BlockShape returns the block extent per dimension.
func (a *Array) BlockShape() []int32 {
	return append([]int32(nil), a.blockShape[:a.ndim]...)
}

// ExtShape returns the shape rounded up to whole chunks per dimension.
func (a *Array) ExtShape() []int64 {
	return append([]int64(nil), a.extShape[:a.ndim]...)
}

// ExtChunkShape returns the chunk shape rounded up to whole blocks per
// dimension.
func (a *Array) ExtChunkShape() []int64 {
	return append([]int64(nil), a.extChunkShape[:a.ndim]...)
}

// NextChunkShape returns the un-padded extent of the chunk expected by the
// next Append.
func (a *Array) NextChunkShape() []int32 {
	return append([]int32(nil), a.nextChunkShape[:a.ndim]...)
}

// NItems returns the number of logical elements.
func (a *Array) NItems() int64 { return a.nitems }

// NChunks returns the number of chunks appended so far.
func (a *Array) NChunks() int64 { return a.nchunks }

// Filled reports whether every chunk of the extended shape has been appended.
func (a *Array) Filled() bool { return a.filled }

// Empty reports whether no chunk has been appended yet.
func (a *Array) Empty() bool { return a.empty }

// Store exposes the underlying chunk store, e.g. for persistence.
func (a *Array) Store() *schunk.Store { return a.store }
