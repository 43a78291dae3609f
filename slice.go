package carray

import "fmt"

// Slice copies the half-open hyperrectangle [start, stop) into dst, which
// must hold product(stop-start) elements in row-major order. Only the chunks
// intersecting the range are touched, and within each chunk only the
// intersecting blocks are decompressed.
func (a *Array) Slice(start, stop []int64, dst []byte) error {
	if err := a.checkRange(start, stop); err != nil {
		return err
	}
	sliceItems := int64(1)
	for i := 0; i < a.ndim; i++ {
		sliceItems *= stop[i] - start[i]
	}
	if len(dst) != int(sliceItems)*a.itemSize {
		return fmt.Errorf("%w: destination is %d bytes, want %d",
			ErrInvalidArgument, len(dst), int(sliceItems)*a.itemSize)
	}

	// Aligned 1-D reads of exactly one chunk, with blocks the size of the
	// chunk, decompress straight into the destination.
	if a.ndim == 1 &&
		int64(a.chunkShape[0]) == stop[0]-start[0] &&
		a.chunkShape[0] == a.blockShape[0] &&
		start[0]%int64(a.chunkShape[0]) == 0 &&
		stop[0]%int64(a.chunkShape[0]) == 0 {
		nchunk := int(start[0] / int64(a.chunkShape[0]))
		if err := a.store.Decompress(nchunk, dst); err != nil {
			return fmt.Errorf("carray: failed to decompress chunk %d: %w", nchunk, err)
		}
		return nil
	}

	// Working vectors, right-aligned, with singleton extents in the unused
	// leading positions.
	var st, sp, dShape [MaxDim]int64
	var sEShape, sPShape, sEPShape, sSPShape [MaxDim]int64
	for i := 0; i < MaxDim; i++ {
		st[i], sp[i], dShape[i] = 0, 1, 1
		sEShape[i], sPShape[i], sEPShape[i], sSPShape[i] = 1, 1, 1, 1
	}
	for i := 0; i < a.ndim; i++ {
		j := (MaxDim - a.ndim + i) % MaxDim
		st[j] = start[i]
		sp[j] = stop[i]
		dShape[j] = stop[i] - start[i]
		sEShape[j] = a.extShape[i]
		sPShape[j] = int64(a.chunkShape[i])
		sEPShape[j] = a.extChunkShape[i]
		sSPShape[j] = int64(a.blockShape[i])
	}

	nblocks := int(a.extChunkNitems / a.blockNitems)
	if a.cache == nil {
		a.cache = &chunkCache{
			nchunk: -1,
			data:   make([]byte, int(a.extChunkNitems)*a.itemSize),
			valid:  make([]bool, nblocks),
		}
	}
	cache := a.cache
	chunkBuf := cache.data

	// Inclusive chunk index range per dimension.
	var iStart, iStop, iShape [MaxDim]int64
	for i := 0; i < MaxDim; i++ {
		iStart[i] = st[i] / sPShape[i]
		iStop[i] = (sp[i] - 1) / sPShape[i]
		iShape[i] = iStop[i] - iStart[i] + 1
	}

	needed := make([]bool, nblocks)
	missing := make([]bool, nblocks)
	itemSize := int64(a.itemSize)

	var ii, jj, kk [MaxDim]int64
	var jStart, jStop, jShape [MaxDim]int64
	var bStart, bStop, bShape [MaxDim]int64

	nchunksIter := int64(1)
	for i := 0; i < MaxDim; i++ {
		nchunksIter *= iShape[i]
	}
	for chunkInd := int64(0); chunkInd < nchunksIter; chunkInd++ {
		unravelIndex(MaxDim, &iShape, chunkInd, &ii)
		for i := 0; i < MaxDim; i++ {
			ii[i] += iStart[i]
		}

		// Flattened index of chunk ii in append order.
		nchunk := int64(0)
		inc := int64(1)
		for i := MaxDim - 1; i >= 0; i-- {
			nchunk += ii[i] * inc
			inc *= sEShape[i] / sPShape[i]
		}

		// Inclusive block index range inside this chunk.
		for i := 0; i < MaxDim; i++ {
			if ii[i] == iStart[i] {
				jStart[i] = (st[i] % sPShape[i]) / sSPShape[i]
			} else {
				jStart[i] = 0
			}
			if ii[i] == iStop[i] {
				jStop[i] = ((sp[i] - 1) % sPShape[i]) / sSPShape[i]
			} else {
				jStop[i] = sEPShape[i]/sSPShape[i] - 1
			}
			jShape[i] = jStop[i] - jStart[i] + 1
		}

		numBlocks := int64(1)
		for i := 0; i < MaxDim; i++ {
			numBlocks *= jShape[i]
		}
		clear(needed)
		for blockInd := int64(0); blockInd < numBlocks; blockInd++ {
			unravelIndex(MaxDim, &jShape, blockInd, &jj)
			sinc := int64(1)
			nblock := int64(0)
			for i := MaxDim - 1; i >= 0; i-- {
				nblock += (jj[i] + jStart[i]) * sinc
				sinc *= sEPShape[i] / sSPShape[i]
			}
			needed[nblock] = true
		}

		// Decompress only the needed blocks the cache does not already
		// hold. A fresh chunk invalidates the whole slot.
		if cache.nchunk != nchunk {
			cache.nchunk = nchunk
			clear(cache.valid)
		}
		clear(missing)
		anyMissing := false
		for b := range needed {
			if needed[b] && !cache.valid[b] {
				missing[b] = true
				anyMissing = true
			}
		}
		if anyMissing {
			if err := a.store.DecompressMasked(int(nchunk), chunkBuf, missing); err != nil {
				return fmt.Errorf("carray: failed to decompress chunk %d: %w", nchunk, err)
			}
			for b := range missing {
				if missing[b] {
					cache.valid[b] = true
				}
			}
		}

		// Copy every needed block's clipped sub-range, one contiguous run
		// per row of the fastest dimension.
		for blockInd := int64(0); blockInd < numBlocks; blockInd++ {
			unravelIndex(MaxDim, &jShape, blockInd, &jj)
			for i := 0; i < MaxDim; i++ {
				jj[i] += jStart[i]
			}
			sinc := int64(1)
			nblock := int64(0)
			for i := MaxDim - 1; i >= 0; i-- {
				nblock += jj[i] * sinc
				sinc *= sEPShape[i] / sSPShape[i]
			}
			blockOff := nblock * a.blockNitems

			for i := 0; i < MaxDim; i++ {
				if jj[i] == jStart[i] && ii[i] == iStart[i] {
					bStart[i] = (st[i] % sPShape[i]) % sSPShape[i]
				} else {
					bStart[i] = 0
				}
				if jj[i] == jStop[i] && ii[i] == iStop[i] {
					bStop[i] = ((sp[i]-1)%sPShape[i])%sSPShape[i] + 1
				} else {
					bStop[i] = sSPShape[i]
				}
				if (jj[i]+1)*sSPShape[i] > sPShape[i] {
					// Block straddles the chunk padding region.
					lastN := sPShape[i] % sSPShape[i]
					if lastN < bStop[i] {
						bStop[i] = lastN
					}
				}
				bShape[i] = bStop[i] - bStart[i]
			}

			ncopies := int64(1)
			for i := 0; i < MaxDim-1; i++ {
				ncopies *= bShape[i]
			}
			seqCopyLen := (bStop[MaxDim-1] - bStart[MaxDim-1]) * itemSize
			kk[MaxDim-1] = bStart[MaxDim-1]
			for ncopy := int64(0); ncopy < ncopies; ncopy++ {
				unravelIndex(MaxDim-1, &bShape, ncopy, &kk)
				for i := 0; i < MaxDim-1; i++ {
					kk[i] += bStart[i]
				}
				kk[MaxDim-1] = bStart[MaxDim-1]

				// Offset of the row inside the block.
				spPointer := int64(0)
				spInc := int64(1)
				for i := MaxDim - 1; i >= 0; i-- {
					spPointer += kk[i] * spInc
					spInc *= sSPShape[i]
				}
				// Offset of the row in the destination buffer.
				bufPointer := int64(0)
				bufInc := int64(1)
				for i := MaxDim - 1; i >= 0; i-- {
					bufPointer += (kk[i] + sSPShape[i]*jj[i] + sPShape[i]*ii[i] - st[i]) * bufInc
					bufInc *= dShape[i]
				}
				copy(dst[bufPointer*itemSize:bufPointer*itemSize+seqCopyLen],
					chunkBuf[(blockOff+spPointer)*itemSize:])
			}
		}
	}
	return nil
}

// checkRange validates a half-open range against the array's shape.
func (a *Array) checkRange(start, stop []int64) error {
	if len(start) != a.ndim || len(stop) != a.ndim {
		return fmt.Errorf("%w: range has %d/%d dimensions, want %d",
			ErrInvalidArgument, len(start), len(stop), a.ndim)
	}
	for i := 0; i < a.ndim; i++ {
		if start[i] < 0 || start[i] >= stop[i] || stop[i] > a.shape[i] {
			return fmt.Errorf("%w: [%d, %d) at dimension %d of extent %d",
				ErrOutOfBounds, start[i], stop[i], i, a.shape[i])
		}
	}
	return nil
}

// ToBuffer copies the whole array into dst in row-major order.
func (a *Array) ToBuffer(dst []byte) error {
	start := make([]int64, a.ndim)
	stop := make([]int64, a.ndim)
	for i := 0; i < a.ndim; i++ {
		stop[i] = a.shape[i]
	}
	return a.Slice(start, stop, dst)
}

// Bytes returns the whole array as a freshly allocated row-major buffer.
func (a *Array) Bytes() ([]byte, error) {
	dst := make([]byte, int(a.nitems)*a.itemSize)
	if a.nitems == 0 {
		return dst, nil
	}
	if err := a.ToBuffer(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// SliceArray builds a new array, partitioned per storage, from the window
// [start, stop) of the receiver. The destination is produced chunk by chunk:
// each of its chunk positions is extracted from the source through the slice
// engine and appended, so the two arrays may partition the data differently.
func (a *Array) SliceArray(start, stop []int64, storage Storage) (*Array, error) {
	if err := a.checkRange(start, stop); err != nil {
		return nil, err
	}
	shape := make([]int64, a.ndim)
	for i := 0; i < a.ndim; i++ {
		shape[i] = stop[i] - start[i]
	}
	dest, err := New(Params{ItemSize: a.itemSize, Shape: shape}, storage)
	if err != nil {
		return nil, err
	}
	if dest.nitems == 0 {
		return dest, nil
	}

	var dStart, dStop, dPShape, dNextPShape [MaxDim]int64
	for i := 0; i < MaxDim; i++ {
		dStart[i], dStop[i], dPShape[i], dNextPShape[i] = 0, 1, 1, 1
	}
	for i := 0; i < a.ndim; i++ {
		j := (MaxDim - a.ndim + i) % MaxDim
		dStart[j] = start[i]
		dStop[j] = stop[i]
		dPShape[j] = int64(dest.chunkShape[i])
		dNextPShape[j] = int64(dest.nextChunkShape[i])
	}

	// Chunk grid of the destination, walked in its append order.
	var gridShape [MaxDim]int64
	for i := 0; i < MaxDim; i++ {
		gridShape[i] = (dStop[i] - dStart[i] + dPShape[i] - 1) / dPShape[i]
	}
	totalChunks := int64(1)
	for i := 0; i < MaxDim; i++ {
		totalChunks *= gridShape[i]
	}

	chunk := make([]byte, int(dest.chunkNitems)*a.itemSize)
	sliceStart := make([]int64, a.ndim)
	sliceStop := make([]int64, a.ndim)
	var ii, jj [MaxDim]int64
	for chunkInd := int64(0); chunkInd < totalChunks; chunkInd++ {
		unravelIndex(MaxDim, &gridShape, chunkInd, &ii)
		for i := 0; i < MaxDim; i++ {
			ii[i] = ii[i]*dPShape[i] + dStart[i]
			if ii[i]+dNextPShape[i] > dStop[i] {
				jj[i] = dStop[i]
			} else {
				jj[i] = ii[i] + dNextPShape[i]
			}
		}
		for i := 0; i < a.ndim; i++ {
			j := (MaxDim - a.ndim + i) % MaxDim
			sliceStart[i] = ii[j]
			sliceStop[i] = jj[j]
		}
		need := int(dest.nextChunkNitems) * a.itemSize
		if err := a.Slice(sliceStart, sliceStop, chunk[:need]); err != nil {
			return nil, err
		}
		if err := dest.Append(chunk[:need]); err != nil {
			return nil, err
		}
		for i := 0; i < a.ndim; i++ {
			dNextPShape[(MaxDim-a.ndim+i)%MaxDim] = int64(dest.nextChunkShape[i])
		}
	}
	return dest, nil
}

// Copy duplicates the array under a new partitioning. When the chunk and
// block shapes are unchanged the compressed frame is cloned wholesale;
// otherwise the data is re-chunked through SliceArray.
func (a *Array) Copy(storage Storage) (*Array, error) {
	equal := len(storage.ChunkShape) == a.ndim && len(storage.BlockShape) == a.ndim
	if equal {
		for i := 0; i < a.ndim; i++ {
			if storage.ChunkShape[i] != a.chunkShape[i] || storage.BlockShape[i] != a.blockShape[i] {
				equal = false
				break
			}
		}
	}
	if equal {
		store, err := a.store.Clone()
		if err != nil {
			return nil, err
		}
		return FromStore(store)
	}
	start := make([]int64, a.ndim)
	stop := make([]int64, a.ndim)
	for i := 0; i < a.ndim; i++ {
		stop[i] = a.shape[i]
	}
	return a.SliceArray(start, stop, storage)
}
