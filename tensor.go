package carray

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Tensor materializes the whole array as a tensor. dtype uses numpy-style
// names: "<f4" (float32), "<f8" (float64), "<i4" (int32) or "<i8" (int64);
// the element width must match the array's item size.
func (a *Array) Tensor(dtype string) (*tensors.Tensor, error) {
	start := make([]int64, a.ndim)
	stop := make([]int64, a.ndim)
	for i := 0; i < a.ndim; i++ {
		stop[i] = a.shape[i]
	}
	return a.SliceTensor(start, stop, dtype)
}

// SliceTensor materializes the window [start, stop) as a tensor.
func (a *Array) SliceTensor(start, stop []int64, dtype string) (*tensors.Tensor, error) {
	width, err := dtypeWidth(dtype)
	if err != nil {
		return nil, err
	}
	if width != a.itemSize {
		return nil, fmt.Errorf("%w: dtype %s is %d bytes per element, array holds %d",
			ErrInvalidArgument, dtype, width, a.itemSize)
	}
	if err := a.checkRange(start, stop); err != nil {
		return nil, err
	}

	dims := make([]int, a.ndim)
	total := 1
	for i := 0; i < a.ndim; i++ {
		dims[i] = int(stop[i] - start[i])
		total *= dims[i]
	}
	raw := make([]byte, total*a.itemSize)
	if err := a.Slice(start, stop, raw); err != nil {
		return nil, err
	}

	switch dtype {
	case "<f4":
		data := make([]float32, total)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case "<f8":
		data := make([]float64, total)
		for i := range data {
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case "<i4":
		data := make([]int32, total)
		for i := range data {
			data[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case "<i8":
		data := make([]int64, total)
		for i := range data {
			data[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	default:
		return nil, fmt.Errorf("%w: unsupported dtype %q", ErrInvalidArgument, dtype)
	}
}

func dtypeWidth(dtype string) (int, error) {
	switch dtype {
	case "<f4", "<i4":
		return 4, nil
	case "<f8", "<i8":
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: unsupported dtype %q", ErrInvalidArgument, dtype)
	}
}
