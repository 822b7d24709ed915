// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package faces

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// saveImage writes a width x height image filled with the given gray level.
func saveImage(t *testing.T, filePath string, width, height int, gray uint8) {
	require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0777))
	img := imaging.New(width, height, color.NRGBA{R: gray, G: gray, B: gray, A: 255})
	require.NoError(t, imaging.Save(img, filePath))
}

const attrFile = `3
5_o_Clock_Shadow Black_Hair Blond_Hair Male Young
000001.png -1  1 -1  1  1
000002.png  1 -1  1 -1 -1
000003.png -1 -1 -1  1 -1
`

func TestParseCelebAAttributes(t *testing.T) {
	examples, err := ParseCelebAAttributes(strings.NewReader(attrFile), []string{"Blond_Hair", "Male"})
	require.NoError(t, err)
	require.Len(t, examples, 3)
	assert.Equal(t, "000001.png", examples[0].Path)
	assert.Equal(t, []float32{0, 1}, examples[0].Attributes)
	assert.Equal(t, []float32{1, 0}, examples[1].Attributes)
	assert.Equal(t, []float32{0, 1}, examples[2].Attributes)

	_, err = ParseCelebAAttributes(strings.NewReader(attrFile), []string{"Gray_Hair"})
	require.Error(t, err)
	_, err = ParseCelebAAttributes(strings.NewReader("2\nA B\nx.jpg 1 1\n"), []string{"A"})
	require.Error(t, err, "header count mismatch")
	_, err = ParseCelebAAttributes(strings.NewReader("1\nA B\nx.jpg 1\n"), []string{"A"})
	require.Error(t, err, "missing values")
}

func TestSplitExamples(t *testing.T) {
	examples := make([]Example, 10)
	for ii := range examples {
		examples[ii].Path = fmt.Sprintf("%d.jpg", ii)
	}
	train, test := SplitExamples(examples, 3, 1234)
	assert.Len(t, train, 7)
	assert.Len(t, test, 3)
	seen := make(map[string]bool)
	for _, e := range append(train, test...) {
		seen[e.Path] = true
	}
	assert.Len(t, seen, 10)

	train2, test2 := SplitExamples(examples, 3, 1234)
	assert.Equal(t, train, train2)
	assert.Equal(t, test, test2)
}

func TestTransform(t *testing.T) {
	img := imaging.New(178, 218, color.NRGBA{A: 255})
	// Mark the left column: after a flip it is on the right.
	for y := range 218 {
		img.SetNRGBA(0, y, color.NRGBA{R: 255, A: 255})
	}
	out := Transform(img, false, 178, 16)
	assert.Equal(t, image.Rect(0, 0, 16, 16), out.Bounds())
	r, _, _, _ := out.At(0, 8).RGBA()
	assert.Greater(t, r, uint32(0))

	flipped := Transform(img, true, 178, 16)
	r, _, _, _ = flipped.At(0, 8).RGBA()
	assert.Equal(t, uint32(0), r)
	r, _, _, _ = flipped.At(15, 8).RGBA()
	assert.Greater(t, r, uint32(0))

	// Crop larger than the image is limited to the image.
	assert.Equal(t, image.Rect(0, 0, 8, 8), Transform(imaging.New(10, 20, color.Black), false, 256, 8).Bounds())
}

func TestImagesToTensor(t *testing.T) {
	black := imaging.New(2, 2, color.NRGBA{A: 255})
	white := imaging.New(2, 2, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	got := ImagesToTensor([]image.Image{black, white})
	require.NoError(t, got.Shape().Check(got.DType(), 2, 2, 2, 3))
	values := got.Value().([][][][]float32)
	assert.InDelta(t, -1.0, values[0][1][1][2], 1e-6)
	assert.InDelta(t, 1.0, values[1][0][0][0], 1e-6)
}

func createCelebA(t *testing.T, numImages int) (imageDir, attrPath string) {
	dir := t.TempDir()
	imageDir = filepath.Join(dir, "images")
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d\nBlack_Hair Blond_Hair Male\n", numImages)
	for ii := range numImages {
		name := fmt.Sprintf("%06d.png", ii+1)
		saveImage(t, filepath.Join(imageDir, name), 20, 24, uint8(ii))
		male := "-1"
		if ii%2 == 0 {
			male = "1"
		}
		fmt.Fprintf(&sb, "%s 1 -1 %s\n", name, male)
	}
	attrPath = filepath.Join(dir, "list_attr_celeba.txt")
	require.NoError(t, os.WriteFile(attrPath, []byte(sb.String()), 0644))
	return
}

func TestCelebA(t *testing.T) {
	imageDir, attrPath := createCelebA(t, 5)
	opts := Options{BatchSize: 2, CropSize: 16, ImageSize: 8, Seed: 1}
	// All 5 images go to the test split, so the train split is empty.
	_, err := NewCelebA(imageDir, attrPath, []string{"Black_Hair", "Male"}, Train, opts)
	require.Error(t, err)

	ds, err := NewCelebA(imageDir, attrPath, []string{"Black_Hair", "Male"}, Test, opts)
	require.NoError(t, err)
	assert.Equal(t, CelebA, ds.Kind())
	assert.Equal(t, 2, ds.NumLabels())
	assert.Equal(t, 5, ds.NumExamples())

	// Test split keeps the last incomplete batch: 2 + 2 + 1.
	var sizes []int
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NoError(t, inputs[0].Shape().Check(inputs[0].DType(), inputs[0].Shape().Dimensions[0], 8, 8, 3))
		batchSize := labels[0].Shape().Dimensions[0]
		sizes = append(sizes, batchSize)
		for _, attrs := range labels[0].Value().([][]float32) {
			assert.Equal(t, float32(1), attrs[0])
		}
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)

	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}

func createRaFD(t *testing.T) string {
	dir := t.TempDir()
	for classIdx, class := range []string{"sad", "angry", "happy"} {
		for ii := range 3 {
			saveImage(t, filepath.Join(dir, class, fmt.Sprintf("img%d.png", ii)), 12, 12, uint8(40*classIdx))
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("not a class"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "happy", "notes.txt"), []byte("not an image"), 0644))
	return dir
}

func TestRaFD(t *testing.T) {
	dir := createRaFD(t)
	classes, examples, err := ScanImageFolder(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"angry", "happy", "sad"}, classes)
	require.Len(t, examples, 9)
	assert.Equal(t, 0, examples[0].Class)
	assert.Equal(t, 2, examples[8].Class)

	ds, classes, err := NewRaFD(dir, Train, Options{BatchSize: 4, ImageSize: 8, Seed: 3})
	require.NoError(t, err)
	assert.Len(t, classes, 3)
	assert.Equal(t, RaFD, ds.Kind())

	// Train split drops the incomplete batch: 9 examples yield 2 batches of 4.
	seen := make(map[int32]int)
	for range 2 {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		require.NoError(t, inputs[0].Shape().Check(inputs[0].DType(), 4, 8, 8, 3))
		for _, class := range labels[0].Value().([]int32) {
			seen[class]++
		}
	}
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)
	total := 0
	for _, count := range seen {
		total += count
	}
	assert.Equal(t, 8, total)

	_, _, err = NewRaFD(t.TempDir(), Train, Options{BatchSize: 1, ImageSize: 8})
	require.Error(t, err)
}

func TestPrefetch(t *testing.T) {
	dir := createRaFD(t)
	ds, _, err := NewRaFD(dir, Train, Options{BatchSize: 2, ImageSize: 8, Seed: 3})
	require.NoError(t, err)
	prefetched := Prefetch(ds, 2, 2)
	for epoch := range 2 {
		numBatches := 0
		for {
			_, inputs, _, err := prefetched.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			assert.Equal(t, 2, inputs[0].Shape().Dimensions[0])
			numBatches++
		}
		assert.Equal(t, 4, numBatches, "epoch %d", epoch)
		prefetched.Reset()
	}
}
