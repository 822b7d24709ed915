// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stargan

import (
	"math/rand"
	"slices"

	"github.com/gomlx/gan/pkg/datasets/faces"
	"github.com/gomlx/gan/pkg/gan"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// LabelToOneHot converts class indices to one-hot vectors of size dim.
func LabelToOneHot(labels []int32, dim int) [][]float32 {
	oneHot := make([][]float32, len(labels))
	for ii, label := range labels {
		oneHot[ii] = make([]float32, dim)
		oneHot[ii][label] = 1
	}
	return oneHot
}

// HairColorIndices returns the positions of the hair color attributes in selectedAttrs.
func HairColorIndices(selectedAttrs []string) []int {
	var indices []int
	for ii, attr := range selectedAttrs {
		if slices.Contains(faces.HairColorAttributes, attr) {
			indices = append(indices, ii)
		}
	}
	return indices
}

// CreateLabels returns, for each of the numDomains domains, the target domain vectors of a batch with the
// original labels org, used to translate the batch to every domain.
//
// For CelebA, org is shaped `[batch, numDomains]`: translating to a hair color sets it and unsets the
// other hair colors, and translating to any other attribute flips it. For RaFD, org holds class indices
// and the targets are one-hot vectors of each class.
func CreateLabels(org *tensors.Tensor, kind faces.Kind, selectedAttrs []string, numDomains int) ([]*tensors.Tensor, error) {
	batchSize := org.Shape().Dimensions[0]
	targets := make([]*tensors.Tensor, 0, numDomains)
	switch kind {
	case faces.CelebA:
		if err := org.Shape().Check(dtypes.Float32, batchSize, numDomains); err != nil {
			return nil, errors.WithMessage(err, "CelebA labels")
		}
		if len(selectedAttrs) != numDomains {
			return nil, errors.Errorf("%d selected attributes for %d domains", len(selectedAttrs), numDomains)
		}
		hairColors := HairColorIndices(selectedAttrs)
		orgValues := org.Value().([][]float32)
		for domain := range numDomains {
			target := make([][]float32, batchSize)
			for ii, values := range orgValues {
				target[ii] = slices.Clone(values)
				if !slices.Contains(hairColors, domain) {
					target[ii][domain] = 1 - target[ii][domain]
					continue
				}
				for _, hairColor := range hairColors {
					target[ii][hairColor] = 0
				}
				target[ii][domain] = 1
			}
			targets = append(targets, tensors.FromValue(target))
		}

	case faces.RaFD:
		if err := org.Shape().Check(dtypes.Int32, batchSize); err != nil {
			return nil, errors.WithMessage(err, "RaFD labels")
		}
		for domain := range numDomains {
			labels := make([]int32, batchSize)
			for ii := range labels {
				labels[ii] = int32(domain)
			}
			targets = append(targets, tensors.FromValue(LabelToOneHot(labels, numDomains)))
		}

	default:
		return nil, errors.Errorf("unknown dataset %q", kind)
	}
	return targets, nil
}

// PermuteRows returns a copy of t with the rows (the first axis) in the order given by perm.
// t must be float32 or int32.
func PermuteRows(t *tensors.Tensor, perm []int) (*tensors.Tensor, error) {
	switch t.DType() {
	case dtypes.Float32:
		return permuteRows[float32](t, perm)
	case dtypes.Int32:
		return permuteRows[int32](t, perm)
	default:
		return nil, errors.Errorf("PermuteRows: unsupported dtype %s", t.DType())
	}
}

func permuteRows[T float32 | int32](t *tensors.Tensor, perm []int) (*tensors.Tensor, error) {
	dims := t.Shape().Dimensions
	if len(dims) == 0 || dims[0] != len(perm) {
		return nil, errors.Errorf("PermuteRows: permutation of %d rows for shape %s", len(perm), t.Shape())
	}
	flat := tensors.MustCopyFlatData[T](t)
	rowSize := len(flat) / len(perm)
	permuted := make([]T, 0, len(flat))
	for _, from := range perm {
		permuted = append(permuted, flat[from*rowSize:(from+1)*rowSize]...)
	}
	return tensors.FromFlatDataAndDimensions(permuted, dims...), nil
}

// WithTargetLabels returns the batches of next, (images, labels), extended with the target labels: the
// labels of the batch in a random order, so each image is translated to the domain of another image.
func WithTargetLabels(next gan.BatchFn, rng *rand.Rand) gan.BatchFn {
	return func() ([]*tensors.Tensor, error) {
		inputs, err := next()
		if err != nil {
			return nil, err
		}
		if len(inputs) != 2 {
			return nil, errors.Errorf("expected batches with images and labels, got %d tensors", len(inputs))
		}
		target, err := PermuteRows(inputs[1], rng.Perm(inputs[1].Shape().Dimensions[0]))
		if err != nil {
			return nil, err
		}
		return append(inputs, target), nil
	}
}
