// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagegrid

import (
	"image"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrid(t *testing.T) {
	// 5 gray images of 2x3 pixels, image i filled with i/4.
	const numImages, height, width = 5, 2, 3
	values := make([]float32, numImages*height*width)
	for ii := range values {
		values[ii] = float32(ii/(height*width)) / 4
	}
	batch := tensors.FromFlatDataAndDimensions(values, numImages, height, width, 1)

	img := Grid(batch, Options{NRow: 2, Padding: 2})
	// 2 images per row, 3 rows: width = 2*(3+2)+2, height = 3*(2+2)+2.
	assert.Equal(t, image.Rect(0, 0, 12, 14), img.Bounds())

	nrgba := img.(*image.NRGBA)
	// Padding is black.
	assert.Equal(t, uint8(0), nrgba.NRGBAAt(0, 0).R)
	// Image #1 starts at (x=7, y=2), with value 0.25.
	c := nrgba.NRGBAAt(7, 2)
	assert.Equal(t, uint8(64), c.R)
	assert.Equal(t, c.R, c.G)
	assert.Equal(t, c.R, c.B)
	assert.Equal(t, uint8(255), c.A)
	// Image #4 is at the start of the 3rd row, (x=2, y=10) with value 1.
	assert.Equal(t, uint8(255), nrgba.NRGBAAt(2, 10).R)
	// The last cell of the 3rd row stays empty.
	assert.Equal(t, uint8(0), nrgba.NRGBAAt(7, 10).R)
}

func TestGridNormalize(t *testing.T) {
	batch := tensors.FromValue([][][][]float32{{{{-3}, {1}}}})
	img := Grid(batch, Options{NRow: 10, Normalize: true}).(*image.NRGBA)
	assert.Equal(t, image.Rect(0, 0, 2, 1), img.Bounds())
	assert.Equal(t, uint8(0), img.NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(255), img.NRGBAAt(1, 0).R)

	// Without normalization values are clipped.
	img = Grid(batch, Options{NRow: 10}).(*image.NRGBA)
	assert.Equal(t, uint8(0), img.NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(255), img.NRGBAAt(1, 0).R)
}

func TestGridRGB(t *testing.T) {
	batch := tensors.FromValue([][][][]float32{{{{1, 0, 0.5}}}})
	img := Grid(batch, Options{NRow: 1}).(*image.NRGBA)
	assert.Equal(t, [4]uint8{255, 0, 128, 255}, [4]uint8(img.Pix[0:4]))
}

func TestGridPanics(t *testing.T) {
	require.Panics(t, func() { Grid(tensors.FromValue([][]float32{{1}}), Options{NRow: 1}) })
	require.Panics(t, func() { Grid(tensors.FromValue([][][][]float32{{{{1, 1}}}}), Options{NRow: 1}) })
}

func TestDenorm(t *testing.T) {
	got := Denorm(tensors.FromValue([]float32{-1, 0, 1, 3}))
	assert.Equal(t, []float32{0, 0.5, 1, 1}, got.Value())
}

func TestConcatWidth(t *testing.T) {
	a := tensors.FromValue([][][][]float32{{{{1}}, {{2}}}})
	b := tensors.FromValue([][][][]float32{{{{3}}, {{4}}}})
	got, err := ConcatWidth(a, b)
	require.NoError(t, err)
	assert.Equal(t, [][][][]float32{{{{1}}, {{2}}}}, a.Value())
	assert.Equal(t, []int{1, 2, 2, 1}, got.Shape().Dimensions)
	assert.Equal(t, [][][][]float32{{{{1}, {3}}, {{2}, {4}}}}, got.Value())

	_, err = ConcatWidth(a, tensors.FromValue([][][][]float32{{{{3}}}}))
	require.Error(t, err)
}

func TestSave(t *testing.T) {
	batch := tensors.FromValue([][][][]float32{{{{0.5}, {1}}}})
	filePath := filepath.Join(t.TempDir(), "samples", "grid.png")
	require.NoError(t, Save(batch, filePath, Options{NRow: 1}))
	img, err := imaging.Open(filePath)
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dx())

	require.Error(t, Save(tensors.FromValue([]float32{1}), filePath, Options{NRow: 1}))
}
