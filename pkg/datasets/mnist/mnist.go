// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist loads the MNIST database of handwritten digits, for training generative models.
//
// Images are yielded normalized to [-1, 1], the range of a tanh output.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gomlx/gan/pkg/datasets/downloader"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

const (
	DownloadURL         = "https://storage.googleapis.com/cvdf-datasets/mnist"
	TrainImagesFilename = "train-images-idx3-ubyte.gz"
	TrainLabelsFilename = "train-labels-idx1-ubyte.gz"
	TestImagesFilename  = "t10k-images-idx3-ubyte.gz"
	TestLabelsFilename  = "t10k-labels-idx1-ubyte.gz"

	Width      = 28
	Height     = 28
	NumClasses = 10

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Mode selects the split of the dataset.
type Mode string

const (
	Train Mode = "train"
	Test  Mode = "test"
)

var mnistFiles = map[Mode][2]string{
	Train: {TrainImagesFilename, TrainLabelsFilename},
	Test:  {TestImagesFilename, TestLabelsFilename},
}

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// Download the MNIST files into baseDir, skipping those already there.
func Download(baseDir string) error {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return err
	}
	for _, files := range mnistFiles {
		for _, file := range files {
			fileURL, err := url.JoinPath(DownloadURL, file)
			if err != nil {
				return errors.Wrapf(err, "invalid MNIST URL for %q", file)
			}
			if err = downloader.DownloadIfMissing(fileURL, filepath.Join(baseDir, file)); err != nil {
				return errors.WithMessage(err, "downloading MNIST")
			}
		}
	}
	return nil
}

// openIDX opens an IDX file, decompressing it if its name ends in ".gz".
func openIDX(filePath string) (io.ReadCloser, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	if !strings.HasSuffix(filePath, ".gz") {
		return f, nil
	}
	reader, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to un-gzip %q", filePath)
	}
	return struct {
		io.Reader
		io.Closer
	}{reader, f}, nil
}

// LoadImages parses an IDX images file, returning the pixels of all images, each `Height*Width` bytes,
// with 0 for the background and 255 for the digit.
func LoadImages(filePath string) (pixels []byte, numImages int, err error) {
	reader, err := openIDX(filePath)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = reader.Close() }()
	var header imageFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, 0, errors.Wrapf(err, "reading images header of %q", filePath)
	}
	if header.Magic != imageMagic || header.Width != Width || header.Height != Height || header.NumImages < 0 {
		return nil, 0, errors.Errorf("mnist: invalid images file %q: magic=0x%08x, %dx%d pixels",
			filePath, header.Magic, header.Height, header.Width)
	}
	numImages = int(header.NumImages)
	pixels = make([]byte, numImages*Width*Height)
	if _, err = io.ReadFull(reader, pixels); err != nil {
		return nil, 0, errors.Wrapf(err, "reading %d images from %q", numImages, filePath)
	}
	return pixels, numImages, nil
}

// LoadLabels parses an IDX labels file.
func LoadLabels(filePath string) ([]uint8, error) {
	reader, err := openIDX(filePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	var header labelFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "reading labels header of %q", filePath)
	}
	if header.Magic != labelMagic || header.NumLabels < 0 {
		return nil, errors.Errorf("mnist: invalid labels file %q: magic=0x%08x", filePath, header.Magic)
	}
	labels := make([]uint8, header.NumLabels)
	if _, err = io.ReadFull(reader, labels); err != nil {
		return nil, errors.Wrapf(err, "reading %d labels from %q", header.NumLabels, filePath)
	}
	return labels, nil
}

// Dataset implements train.Dataset, yielding batches of MNIST images and labels.
//
// Each epoch visits the examples in a new random order, and ends with io.EOF. The last incomplete batch of
// each epoch is dropped, so all batches have the same shape.
//
// It is safe for concurrent use.
type Dataset struct {
	name      string
	batchSize int

	pixels []byte
	labels []uint8

	mu       sync.Mutex
	rng      *rand.Rand
	indices  []int
	position int
	epoch    int
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset loads the given split from baseDir, as downloaded by Download.
// The order of the examples is shuffled with a random number generator seeded with seed.
func NewDataset(baseDir string, mode Mode, batchSize int, seed int64) (*Dataset, error) {
	files, found := mnistFiles[mode]
	if !found {
		return nil, errors.Errorf("mnist: unknown mode %q, valid values are %q and %q", mode, Train, Test)
	}
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return nil, err
	}
	pixels, numImages, err := LoadImages(filepath.Join(baseDir, files[0]))
	if err != nil {
		return nil, err
	}
	labels, err := LoadLabels(filepath.Join(baseDir, files[1]))
	if err != nil {
		return nil, err
	}
	if len(labels) != numImages {
		return nil, errors.Errorf("mnist: %d images but %d labels in %q", numImages, len(labels), baseDir)
	}
	return NewDatasetFromData("mnist-"+string(mode), pixels, labels, batchSize, seed)
}

// NewDatasetFromData creates a Dataset from images already in memory: pixels holds `Height*Width` bytes per
// image, one image per label.
func NewDatasetFromData(name string, pixels []byte, labels []uint8, batchSize int, seed int64) (*Dataset, error) {
	if len(pixels) != len(labels)*Width*Height {
		return nil, errors.Errorf("mnist: %d bytes of pixels don't match %d images of %dx%d",
			len(pixels), len(labels), Height, Width)
	}
	if batchSize <= 0 || batchSize > len(labels) {
		return nil, errors.Errorf("mnist: invalid batch size %d for %d examples", batchSize, len(labels))
	}
	ds := &Dataset{
		name:      name,
		batchSize: batchSize,
		pixels:    pixels,
		labels:    labels,
		rng:       rand.New(rand.NewSource(seed)),
	}
	ds.indices = ds.rng.Perm(len(labels))
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumExamples in the dataset.
func (ds *Dataset) NumExamples() int { return len(ds.labels) }

// BatchSize of the yielded batches.
func (ds *Dataset) BatchSize() int { return ds.batchSize }

// BatchesPerEpoch is the number of batches yielded before io.EOF.
func (ds *Dataset) BatchesPerEpoch() int { return len(ds.labels) / ds.batchSize }

// Epoch returns the number of completed epochs, that is, the number of calls to Reset.
func (ds *Dataset) Epoch() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.epoch
}

// Reset implements train.Dataset: it starts a new epoch with a new random order.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.indices = ds.rng.Perm(len(ds.labels))
	ds.position = 0
	ds.epoch++
}

// Yield implements train.Dataset. It returns the images shaped `[batch_size, 28, 28, 1]` (float32 in [-1, 1])
// as the only input, and the digits shaped `[batch_size]` (int32) as the only label.
//
// It returns io.EOF at the end of an epoch.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	if ds.position+ds.batchSize > len(ds.indices) {
		ds.mu.Unlock()
		return nil, nil, nil, io.EOF
	}
	batchIndices := ds.indices[ds.position : ds.position+ds.batchSize]
	ds.position += ds.batchSize
	ds.mu.Unlock()

	const imageSize = Width * Height
	images := make([]float32, len(batchIndices)*imageSize)
	for ii, idx := range batchIndices {
		src := ds.pixels[idx*imageSize : (idx+1)*imageSize]
		dst := images[ii*imageSize : (ii+1)*imageSize]
		for jj, v := range src {
			dst[jj] = float32(v)/127.5 - 1
		}
	}
	digits := make([]int32, len(batchIndices))
	for ii, label := range Select(ds.labels, batchIndices) {
		digits[ii] = int32(label)
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(images, len(batchIndices), Height, Width, 1)}
	labels = []*tensors.Tensor{tensors.FromValue(digits)}
	return ds, inputs, labels, nil
}

// Select returns the items at the given indices. Out-of-range indices are skipped.
func Select[T any, I constraints.Integer](items []T, indices []I) []T {
	selected := make([]T, 0, len(indices))
	for _, i := range indices {
		if i >= 0 && int(i) < len(items) {
			selected = append(selected, items[i])
		}
	}
	return selected
}
