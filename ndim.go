package carray

// MaxDim is the maximum number of dimensions an array can have. Coordinate
// vectors are fixed-size arrays of this length; dimensions past the active
// count are pinned to 1 so the projection arithmetic never has to branch on
// dimensionality.
const MaxDim = 8

// unravelIndex converts the linear index i into coordinates over the first
// ndim entries of extents, last dimension fastest (row-major). Callers
// guarantee i < product(extents[:ndim]); no bounds checking is done.
func unravelIndex(ndim int, extents *[MaxDim]int64, i int64, coords *[MaxDim]int64) {
	var strides [MaxDim]int64
	strides[ndim-1] = 1
	for j := ndim - 2; j >= 0; j-- {
		strides[j] = extents[j+1] * strides[j+1]
	}
	coords[0] = i / strides[0]
	for j := 1; j < ndim; j++ {
		coords[j] = (i % strides[j-1]) / strides[j]
	}
}

// alignTrailing64 spreads the array's dimension vector over a full MaxDim
// working vector with the active dimensions right-aligned, so the fastest
// varying dimension always sits at index MaxDim-1. Entries past ndim wrap to
// the front of dst.
func alignTrailing64(dst *[MaxDim]int64, ndim int, src *[MaxDim]int64) {
	for i := 0; i < MaxDim; i++ {
		dst[(MaxDim-ndim+i)%MaxDim] = src[i]
	}
}

// alignTrailing32 is alignTrailing64 for int32-valued vectors, widening as it
// copies.
func alignTrailing32(dst *[MaxDim]int64, ndim int, src *[MaxDim]int32) {
	for i := 0; i < MaxDim; i++ {
		dst[(MaxDim-ndim+i)%MaxDim] = int64(src[i])
	}
}
