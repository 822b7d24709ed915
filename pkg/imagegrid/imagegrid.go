// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagegrid tiles a batch of images into a single grid image and saves it, used to export
// real and generated samples during training.
package imagegrid

import (
	"image"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Options of the grid layout.
type Options struct {
	// NRow is the number of images displayed in each row of the grid.
	NRow int

	// Padding is the number of pixels between images and around the grid. Padding pixels are black.
	Padding int

	// Normalize shifts the values of the whole batch so its minimum maps to 0 and its maximum to 1.
	// Otherwise, values are expected in [0, 1] and clipped.
	Normalize bool
}

// Grid tiles images shaped `[batch, height, width, channels]` (channels being 1 or 3) into one
// image with `min(NRow, batch)` images per row.
//
// Single channel images are rendered as gray. Pixel values are `round(255*v)` after clipping to [0, 1].
//
// It panics if the tensor has an unsupported shape, in the same way images.ToImage does.
func Grid(batch *tensors.Tensor, opts Options) image.Image {
	if batch.Rank() != 4 {
		Panicf("imagegrid.Grid requires images shaped [batch, height, width, channels], got %s", batch.Shape())
	}
	dims := batch.Shape().Dimensions
	numImages, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if channels != 1 && channels != 3 {
		Panicf("imagegrid.Grid only supports 1 or 3 channels, got shape %s", batch.Shape())
	}
	if opts.NRow <= 0 {
		Panicf("imagegrid.Grid requires NRow > 0, got %d", opts.NRow)
	}
	values := flatFloat32(batch)
	if opts.Normalize {
		normalizeRange(values)
	}

	xMaps := min(opts.NRow, numImages)
	yMaps := (numImages + xMaps - 1) / xMaps
	cellHeight, cellWidth := height+opts.Padding, width+opts.Padding
	gridHeight, gridWidth := yMaps*cellHeight+opts.Padding, xMaps*cellWidth+opts.Padding
	grid := make([]float32, gridHeight*gridWidth*3)
	imageSize := height * width * channels
	for idx := range numImages {
		top := (idx/xMaps)*cellHeight + opts.Padding
		left := (idx%xMaps)*cellWidth + opts.Padding
		src := values[idx*imageSize : (idx+1)*imageSize]
		for y := range height {
			for x := range width {
				pixel := src[(y*width+x)*channels:]
				dst := grid[((top+y)*gridWidth+left+x)*3:]
				for c := range 3 {
					v := pixel[0]
					if channels == 3 {
						v = pixel[c]
					}
					dst[c] = min(max(v, 0), 1)
				}
			}
		}
	}
	return images.ToImage().Single(tensors.FromFlatDataAndDimensions(grid, gridHeight, gridWidth, 3))
}

// Denorm maps values from [-1, 1] to [0, 1], clipping the result.
func Denorm(batch *tensors.Tensor) *tensors.Tensor {
	values := flatFloat32(batch)
	for ii, v := range values {
		values[ii] = min(max((v+1)/2, 0), 1)
	}
	return tensors.FromFlatDataAndDimensions(values, batch.Shape().Dimensions...)
}

// Save the grid of the batch to filePath, creating its directory if needed.
// The format is given by the extension, e.g.: ".png" or ".jpg".
func Save(batch *tensors.Tensor, filePath string, opts Options) error {
	var img image.Image
	err := TryCatch[error](func() { img = Grid(batch, opts) })
	if err != nil {
		return errors.WithMessagef(err, "building image grid for %q", filePath)
	}
	if err = os.MkdirAll(filepath.Dir(filePath), 0777); err != nil {
		return errors.Wrapf(err, "creating directory for %q", filePath)
	}
	if err = imaging.Save(img, filePath); err != nil {
		return errors.Wrapf(err, "saving image grid to %q", filePath)
	}
	return nil
}

// ConcatWidth concatenates batches of images `[batch, height, width_i, channels]` along the width axis.
// It is used to place the translations of each image side by side.
func ConcatWidth(batches ...*tensors.Tensor) (*tensors.Tensor, error) {
	if len(batches) == 0 {
		return nil, errors.New("imagegrid.ConcatWidth requires at least one batch")
	}
	first := batches[0].Shape()
	if first.Rank() != 4 {
		return nil, errors.Errorf("imagegrid.ConcatWidth requires images shaped [batch, height, width, channels], got %s", first)
	}
	numImages, height, channels := first.Dimensions[0], first.Dimensions[1], first.Dimensions[3]
	totalWidth := 0
	flats := make([][]float32, len(batches))
	for ii, b := range batches {
		s := b.Shape()
		if s.Rank() != 4 || s.Dimensions[0] != numImages || s.Dimensions[1] != height || s.Dimensions[3] != channels {
			return nil, errors.Errorf("imagegrid.ConcatWidth batch #%d has shape %s, incompatible with %s", ii, s, first)
		}
		totalWidth += s.Dimensions[2]
		flats[ii] = flatFloat32(b)
	}
	out := make([]float32, numImages*height*totalWidth*channels)
	pos := 0
	for idx := range numImages {
		for y := range height {
			for ii, b := range batches {
				rowSize := b.Shape().Dimensions[2] * channels
				start := (idx*height + y) * rowSize
				pos += copy(out[pos:], flats[ii][start:start+rowSize])
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(out, numImages, height, totalWidth, channels), nil
}

// flatFloat32 returns a copy of the tensor values as float32.
func flatFloat32(t *tensors.Tensor) []float32 {
	if t.DType() == dtypes.Float32 {
		return tensors.MustCopyFlatData[float32](t)
	}
	values := make([]float32, t.Shape().Size())
	t.MustConstFlatData(func(flat any) {
		for ii := range values {
			values[ii] = shapes.ConvertTo[float32](indexAny(flat, ii))
		}
	})
	return values
}

func indexAny(flat any, ii int) any {
	switch f := flat.(type) {
	case []float64:
		return f[ii]
	case []uint8:
		return f[ii]
	case []int32:
		return f[ii]
	case []int64:
		return f[ii]
	}
	Panicf("imagegrid: unsupported flat data type %T", flat)
	return nil
}

// normalizeRange shifts and scales values in place so they span [0, 1].
func normalizeRange(values []float32) {
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range values {
		lo, hi = min(lo, v), max(hi, v)
	}
	scale := max(hi-lo, 1e-5)
	for ii, v := range values {
		values[ii] = (v - lo) / scale
	}
}
