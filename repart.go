package carray

import "fmt"

// repartitionChunk reorders one row-major chunk into the block-major, zero
// padded layout handed to the chunk store. dst must be extChunkNitems and
// src chunkNitems elements long. This runs once per chunk on every append:
// for each block of the extended chunk grid it locates the block's origin in
// row-major space, truncates the block extent where it overlaps the chunk
// boundary, and copies one contiguous run per row.
func (a *Array) repartitionChunk(dst, src []byte) error {
	if len(dst) != int(a.extChunkNitems)*a.itemSize {
		return fmt.Errorf("%w: repartition destination is %d bytes, want %d",
			ErrInvalidArgument, len(dst), int(a.extChunkNitems)*a.itemSize)
	}
	if len(src) != int(a.chunkNitems)*a.itemSize {
		return fmt.Errorf("%w: repartition source is %d bytes, want %d",
			ErrInvalidArgument, len(src), int(a.chunkNitems)*a.itemSize)
	}
	clear(dst)

	var pShape, epShape, spShape [MaxDim]int64
	alignTrailing32(&pShape, a.ndim, &a.chunkShape)
	alignTrailing64(&epShape, a.ndim, &a.extChunkShape)
	alignTrailing32(&spShape, a.ndim, &a.blockShape)

	var aux [MaxDim]int64
	aux[MaxDim-1] = epShape[MaxDim-1] / spShape[MaxDim-1]
	for i := MaxDim - 2; i >= 0; i-- {
		aux[i] = epShape[i] / spShape[i] * aux[i+1]
	}

	itemSize := int64(a.itemSize)
	var orig, actual, ii [MaxDim]int64
	nblocks := a.extChunkNitems / a.blockNitems
	for sci := int64(0); sci < nblocks; sci++ {
		// Row-major coordinates of the block's first element.
		orig[MaxDim-1] = sci % (epShape[MaxDim-1] / spShape[MaxDim-1]) * spShape[MaxDim-1]
		for i := MaxDim - 2; i >= 0; i-- {
			orig[i] = sci % aux[i] / aux[i+1] * spShape[i]
		}
		// Truncate where the block sticks out into the padding region.
		for i := MaxDim - 1; i >= 0; i-- {
			if orig[i]+spShape[i] > pShape[i] {
				actual[i] = pShape[i] - orig[i]
			} else {
				actual[i] = spShape[i]
			}
		}
		seqCopyLen := actual[MaxDim-1] * itemSize

		ncopies := int64(1)
		for i := 0; i < MaxDim-1; i++ {
			ncopies *= actual[i]
		}
		for ncopy := int64(0); ncopy < ncopies; ncopy++ {
			unravelIndex(MaxDim-1, &actual, ncopy, &ii)

			dCoord := sci * a.blockNitems
			dA := spShape[MaxDim-1]
			for i := MaxDim - 2; i >= 0; i-- {
				dCoord += ii[i] * dA
				dA *= spShape[i]
			}
			sCoord := orig[MaxDim-1]
			sA := pShape[MaxDim-1]
			for i := MaxDim - 2; i >= 0; i-- {
				sCoord += (orig[i] + ii[i]) * sA
				sA *= pShape[i]
			}
			copy(dst[dCoord*itemSize:dCoord*itemSize+seqCopyLen], src[sCoord*itemSize:])
		}
	}
	return nil
}

// Append adds the next chunk in row-major chunk order. The buffer must hold
// either a full chunk (chunkNitems elements) or, at the end of the array
// along any dimension, exactly the extent reported by NextChunkShape; short
// chunks are zero padded in place before repartitioning.
func (a *Array) Append(chunk []byte) error {
	if a.filled {
		return ErrFilled
	}
	fullSize := int(a.chunkNitems) * a.itemSize
	nextSize := int(a.nextChunkNitems) * a.itemSize
	if len(chunk) != fullSize && len(chunk) != nextSize {
		return fmt.Errorf("%w: appended chunk is %d bytes, want %d (or %d unpadded)",
			ErrInvalidArgument, len(chunk), fullSize, nextSize)
	}

	rchunk := make([]byte, int(a.extChunkNitems)*a.itemSize)
	if len(chunk) != fullSize {
		padded, err := a.padChunk(chunk)
		if err != nil {
			return err
		}
		if err := a.repartitionChunk(rchunk, padded); err != nil {
			return err
		}
	} else {
		if err := a.repartitionChunk(rchunk, chunk); err != nil {
			return err
		}
	}
	if _, err := a.store.Append(rchunk); err != nil {
		return fmt.Errorf("carray: failed to append chunk %d: %w", a.nchunks, err)
	}

	a.empty = false
	a.nchunks++
	if a.nchunks == a.extNitems/a.chunkNitems {
		a.filled = true
	}
	a.updateNextChunkShape()
	return nil
}

// padChunk expands a boundary chunk of nextChunkShape extent to the nominal
// chunk shape, zero filling the grown region row by row.
func (a *Array) padChunk(chunk []byte) ([]byte, error) {
	padded := make([]byte, int(a.chunkNitems)*a.itemSize)

	var nextPShape, cPShape [MaxDim]int64
	alignTrailing32(&nextPShape, a.ndim, &a.nextChunkShape)
	alignTrailing32(&cPShape, a.ndim, &a.chunkShape)

	itemSize := int64(a.itemSize)
	seqCopyLen := nextPShape[MaxDim-1] * itemSize
	var ii [MaxDim]int64
	indSrc, indDest := int64(0), int64(0)
	ncopies := int64(1)
	for i := 0; i < MaxDim-1; i++ {
		ncopies *= cPShape[i]
	}
	for ncopy := int64(0); ncopy < ncopies; ncopy++ {
		unravelIndex(MaxDim-1, &cPShape, ncopy, &ii)

		// Rows past the real extent in any slow dimension stay zero.
		blank := false
		for i := 0; i < MaxDim-1; i++ {
			if ii[i] >= nextPShape[i] {
				blank = true
				break
			}
		}
		if !blank {
			copy(padded[indDest*itemSize:indDest*itemSize+seqCopyLen], chunk[indSrc*itemSize:])
			indSrc += nextPShape[MaxDim-1]
		}
		indDest += cPShape[MaxDim-1]
	}
	return padded, nil
}

// FromBuffer creates an array and fills it from a complete row-major buffer
// matching the declared shape, producing one compressed chunk per position
// of the padded chunk grid in row-major chunk order.
func FromBuffer(params Params, storage Storage, buf []byte) (*Array, error) {
	a, err := New(params, storage)
	if err != nil {
		return nil, err
	}
	if len(buf) != int(a.nitems)*a.itemSize {
		return nil, fmt.Errorf("%w: source buffer is %d bytes, want %d",
			ErrInvalidArgument, len(buf), int(a.nitems)*a.itemSize)
	}
	if a.nitems == 0 {
		return a, nil
	}

	var dShape, dEShape, dPShape [MaxDim]int64
	alignTrailing64(&dShape, a.ndim, &a.shape)
	alignTrailing64(&dEShape, a.ndim, &a.extShape)
	alignTrailing32(&dPShape, a.ndim, &a.chunkShape)

	chunk := make([]byte, int(a.chunkNitems)*a.itemSize)
	rchunk := make([]byte, int(a.extChunkNitems)*a.itemSize)

	var aux [MaxDim]int64
	aux[MaxDim-1] = dEShape[MaxDim-1] / dPShape[MaxDim-1]
	for i := MaxDim - 2; i >= 0; i-- {
		aux[i] = dEShape[i] / dPShape[i] * aux[i+1]
	}

	itemSize := int64(a.itemSize)
	var desp, actual, ii [MaxDim]int64
	totalChunks := a.extNitems / a.chunkNitems
	for ci := int64(0); ci < totalChunks; ci++ {
		clear(chunk)

		// Row-major coordinates of the chunk's first element.
		desp[MaxDim-1] = ci % (dEShape[MaxDim-1] / dPShape[MaxDim-1]) * dPShape[MaxDim-1]
		for i := MaxDim - 2; i >= 0; i-- {
			desp[i] = ci % aux[i] / aux[i+1] * dPShape[i]
		}
		// Truncate boundary chunks to the real shape.
		for i := MaxDim - 1; i >= 0; i-- {
			if desp[i]+dPShape[i] > dShape[i] {
				actual[i] = dShape[i] - desp[i]
			} else {
				actual[i] = dPShape[i]
			}
		}
		seqCopyLen := actual[MaxDim-1] * itemSize

		ncopies := int64(1)
		for i := 0; i < MaxDim-1; i++ {
			ncopies *= actual[i]
		}
		for ncopy := int64(0); ncopy < ncopies; ncopy++ {
			unravelIndex(MaxDim-1, &actual, ncopy, &ii)

			dCoord := int64(0)
			dA := dPShape[MaxDim-1]
			for i := MaxDim - 2; i >= 0; i-- {
				dCoord += ii[i] * dA
				dA *= dPShape[i]
			}
			sCoord := desp[MaxDim-1]
			sA := dShape[MaxDim-1]
			for i := MaxDim - 2; i >= 0; i-- {
				sCoord += (desp[i] + ii[i]) * sA
				sA *= dShape[i]
			}
			copy(chunk[dCoord*itemSize:dCoord*itemSize+seqCopyLen], buf[sCoord*itemSize:])
		}

		if err := a.repartitionChunk(rchunk, chunk); err != nil {
			return nil, err
		}
		if _, err := a.store.Append(rchunk); err != nil {
			return nil, fmt.Errorf("carray: failed to append chunk %d: %w", ci, err)
		}
		a.empty = false
		a.nchunks++
	}
	a.filled = true
	a.updateNextChunkShape()
	return a, nil
}
