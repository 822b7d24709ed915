// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package faces loads the face datasets used for multi-domain image translation: CelebA, with binary
// attributes per image, and RaFD, with one expression class per image.
//
// Images are center cropped, resized to a square and normalized to [-1, 1]. Training splits are shuffled
// every epoch and randomly flipped horizontally.
package faces

import (
	"image"
	"io"
	"math/rand"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Kind of dataset, which defines the type of its labels.
type Kind string

const (
	// CelebA labels are multi-hot vectors of the selected attributes, shaped `[batch_size, num_attributes]`
	// (float32).
	CelebA Kind = "CelebA"

	// RaFD labels are class indices, shaped `[batch_size]` (int32).
	RaFD Kind = "RaFD"
)

// Split of the dataset.
type Split string

const (
	Train Split = "train"
	Test  Split = "test"
)

// Example is one image file and its label.
type Example struct {
	Path string

	// Attributes holds 1 or 0 for each selected attribute, for CelebA.
	Attributes []float32

	// Class index, for RaFD.
	Class int
}

// Options for the image transformation and batching.
type Options struct {
	// BatchSize of the yielded batches.
	BatchSize int

	// CropSize of the square center crop taken before resizing: 178 for CelebA and 256 for RaFD.
	CropSize int

	// ImageSize of the square yielded images.
	ImageSize int

	// Seed for the shuffling, the random flips and (for CelebA) the test split.
	Seed int64
}

// Dataset implements train.Dataset for a list of image examples.
//
// Each Yield returns one input, the images shaped `[batch_size, image_size, image_size, 3]` (float32 in [-1, 1]),
// and one label, whose shape depends on the Kind. It returns io.EOF at the end of each epoch.
//
// The training split drops the last incomplete batch of each epoch, so batches have a fixed shape. The test
// split keeps it.
//
// It is safe for concurrent use, see Prefetch.
type Dataset struct {
	name      string
	kind      Kind
	split     Split
	examples  []Example
	numLabels int
	opts      Options

	mu       sync.Mutex
	rng      *rand.Rand
	order    []int
	position int
}

var _ train.Dataset = (*Dataset)(nil)

func newDataset(name string, kind Kind, split Split, examples []Example, numLabels int, opts Options) (*Dataset, error) {
	if len(examples) == 0 {
		return nil, errors.Errorf("dataset %q has no examples", name)
	}
	if opts.BatchSize <= 0 || opts.ImageSize <= 0 || opts.CropSize <= 0 {
		return nil, errors.Errorf("dataset %q has invalid options %+v: batch, crop and image sizes must be > 0", name, opts)
	}
	if split == Train && opts.BatchSize > len(examples) {
		return nil, errors.Errorf("dataset %q has %d examples, fewer than the batch size %d", name, len(examples), opts.BatchSize)
	}
	ds := &Dataset{
		name:      name,
		kind:      kind,
		split:     split,
		examples:  examples,
		numLabels: numLabels,
		opts:      opts,
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}
	ds.resetLocked()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Kind of the dataset.
func (ds *Dataset) Kind() Kind { return ds.kind }

// NumExamples in the dataset.
func (ds *Dataset) NumExamples() int { return len(ds.examples) }

// NumLabels is the number of attributes (CelebA) or classes (RaFD).
func (ds *Dataset) NumLabels() int { return ds.numLabels }

// Examples returns the examples of the dataset, in their original order.
func (ds *Dataset) Examples() []Example { return ds.examples }

// Reset implements train.Dataset. It starts a new epoch, reshuffled for the training split.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.resetLocked()
}

func (ds *Dataset) resetLocked() {
	ds.position = 0
	if ds.split == Train {
		ds.order = ds.rng.Perm(len(ds.examples))
		return
	}
	ds.order = make([]int, len(ds.examples))
	for ii := range ds.order {
		ds.order[ii] = ii
	}
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	remaining := len(ds.order) - ds.position
	if remaining <= 0 || (ds.split == Train && remaining < ds.opts.BatchSize) {
		ds.mu.Unlock()
		return nil, nil, nil, io.EOF
	}
	batchSize := min(ds.opts.BatchSize, remaining)
	batch := make([]Example, batchSize)
	flips := make([]bool, batchSize)
	for ii := range batch {
		batch[ii] = ds.examples[ds.order[ds.position+ii]]
		flips[ii] = ds.split == Train && ds.rng.Float64() < 0.5
	}
	ds.position += batchSize
	ds.mu.Unlock()

	imgs := make([]image.Image, batchSize)
	for ii, example := range batch {
		imgs[ii], err = LoadImage(example.Path, flips[ii], ds.opts.CropSize, ds.opts.ImageSize)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	var imagesT *tensors.Tensor
	err = exceptions.TryCatch[error](func() { imagesT = ImagesToTensor(imgs) })
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "converting images of dataset %q", ds.name)
	}
	return ds, []*tensors.Tensor{imagesT}, []*tensors.Tensor{ds.labelsTensor(batch)}, nil
}

func (ds *Dataset) labelsTensor(batch []Example) *tensors.Tensor {
	if ds.kind == RaFD {
		classes := make([]int32, len(batch))
		for ii, example := range batch {
			classes[ii] = int32(example.Class)
		}
		return tensors.FromValue(classes)
	}
	attributes := make([]float32, 0, len(batch)*ds.numLabels)
	for _, example := range batch {
		attributes = append(attributes, example.Attributes...)
	}
	return tensors.FromFlatDataAndDimensions(attributes, len(batch), ds.numLabels)
}

// LoadImage reads an image file and transforms it: optional horizontal flip, center crop of cropSize
// and bilinear resize to imageSize.
func LoadImage(filePath string, flip bool, cropSize, imageSize int) (image.Image, error) {
	img, err := imaging.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %q", filePath)
	}
	return Transform(img, flip, cropSize, imageSize), nil
}

// Transform optionally flips the image horizontally, center crops it to `cropSize x cropSize` (or the
// image size if smaller) and resizes it to `imageSize x imageSize`.
func Transform(img image.Image, flip bool, cropSize, imageSize int) image.Image {
	var out image.Image = img
	if flip {
		out = imaging.FlipH(out)
	}
	bounds := out.Bounds()
	out = imaging.CropCenter(out, min(cropSize, bounds.Dx()), min(cropSize, bounds.Dy()))
	return imaging.Resize(out, imageSize, imageSize, imaging.Linear)
}

// ImagesToTensor converts images of the same size to a tensor shaped `[batch_size, height, width, 3]`,
// with values normalized to [-1, 1].
//
// It panics if the images have different sizes.
func ImagesToTensor(imgs []image.Image) *tensors.Tensor {
	t := images.ToTensor(dtypes.Float32).MaxValue(2).Batch(imgs)
	t.MustMutableFlatData(func(flatAny any) {
		flat := flatAny.([]float32)
		for ii := range flat {
			flat[ii] -= 1
		}
	})
	return t
}

// Prefetch yields the batches of ds from parallel goroutines, keeping up to buffer batches ready.
// The order of the batches is not preserved.
func Prefetch(ds train.Dataset, parallelism, buffer int) *datasets.ParallelDataset {
	return datasets.CustomParallel(ds).Parallelism(parallelism).Buffer(buffer).Start()
}
