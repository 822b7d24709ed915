// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeIDX writes a gzip'ed IDX file with the given big-endian header and data.
func writeIDX(t *testing.T, filePath string, header any, data []byte) {
	f, err := os.Create(filePath)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	require.NoError(t, binary.Write(gz, binary.BigEndian, header))
	_, err = gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
}

// createFakeMNIST creates a train split with numImages images, image i filled with the value i and
// labeled i%10.
func createFakeMNIST(t *testing.T, numImages int) string {
	dir := t.TempDir()
	pixels := make([]byte, numImages*Width*Height)
	labels := make([]byte, numImages)
	for ii := range numImages {
		for jj := range Width * Height {
			pixels[ii*Width*Height+jj] = byte(ii)
		}
		labels[ii] = byte(ii % 10)
	}
	writeIDX(t, filepath.Join(dir, TrainImagesFilename),
		imageFileHeader{Magic: imageMagic, NumImages: int32(numImages), Height: Height, Width: Width}, pixels)
	writeIDX(t, filepath.Join(dir, TrainLabelsFilename),
		labelFileHeader{Magic: labelMagic, NumLabels: int32(numImages)}, labels)
	return dir
}

func TestLoadFiles(t *testing.T) {
	dir := createFakeMNIST(t, 3)
	pixels, numImages, err := LoadImages(filepath.Join(dir, TrainImagesFilename))
	require.NoError(t, err)
	assert.Equal(t, 3, numImages)
	assert.Len(t, pixels, 3*Width*Height)
	assert.Equal(t, byte(2), pixels[2*Width*Height])

	labels, err := LoadLabels(filepath.Join(dir, TrainLabelsFilename))
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 1, 2}, labels)

	// Labels file parsed as images.
	_, _, err = LoadImages(filepath.Join(dir, TrainLabelsFilename))
	require.Error(t, err)

	// Truncated file.
	truncated := filepath.Join(dir, "truncated.gz")
	writeIDX(t, truncated, labelFileHeader{Magic: labelMagic, NumLabels: 10}, []byte{1, 2})
	_, err = LoadLabels(truncated)
	require.Error(t, err)
}

func TestDataset(t *testing.T) {
	dir := createFakeMNIST(t, 25)
	ds, err := NewDataset(dir, Train, 10, 9102)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.BatchesPerEpoch())
	assert.Equal(t, 25, ds.NumExamples())

	seen := make(map[int32]bool)
	for range ds.BatchesPerEpoch() {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		require.NoError(t, inputs[0].Shape().Check(inputs[0].DType(), 10, Height, Width, 1))
		images := inputs[0].Value().([][][][]float32)
		for ii, label := range labels[0].Value().([]int32) {
			// Image i is filled with value i: normalized as i/127.5-1, with label i%10.
			value := images[ii][0][0][0]
			imageIdx := int32((value+1)*127.5 + 0.5)
			assert.Equal(t, imageIdx%10, label)
			assert.Equal(t, value, images[ii][Height-1][Width-1][0])
			assert.False(t, seen[imageIdx], "image %d yielded twice in the same epoch", imageIdx)
			seen[imageIdx] = true
		}
	}
	// The last 5 examples are dropped.
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)
	assert.Len(t, seen, 20)

	assert.Equal(t, 0, ds.Epoch())
	ds.Reset()
	assert.Equal(t, 1, ds.Epoch())
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, 10, inputs[0].Shape().Dimensions[0])
}

func TestDatasetIsSeeded(t *testing.T) {
	dir := createFakeMNIST(t, 20)
	firstLabels := func() []int32 {
		ds, err := NewDataset(dir, Train, 20, 1)
		require.NoError(t, err)
		_, _, labels, err := ds.Yield()
		require.NoError(t, err)
		return labels[0].Value().([]int32)
	}
	assert.Equal(t, firstLabels(), firstLabels())
}

func TestNewDatasetErrors(t *testing.T) {
	dir := createFakeMNIST(t, 5)
	_, err := NewDataset(dir, "validation", 2, 0)
	require.Error(t, err)
	_, err = NewDataset(dir, Test, 2, 0)
	require.Error(t, err)
	_, err = NewDataset(dir, Train, 6, 0)
	require.Error(t, err)
	_, err = NewDatasetFromData("bad", make([]byte, 10), []uint8{1}, 1, 0)
	require.Error(t, err)
}

func TestSelect(t *testing.T) {
	assert.Equal(t, []string{"c", "a"}, Select([]string{"a", "b", "c"}, []int8{2, 0, 5, -1}))
}
