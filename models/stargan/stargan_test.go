// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stargan

import (
	"fmt"
	"image/color"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gan/pkg/datasets/faces"
	"github.com/gomlx/gan/pkg/gan"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelToOneHot(t *testing.T) {
	assert.Equal(t, [][]float32{{0, 1, 0}, {0, 0, 1}, {1, 0, 0}}, LabelToOneHot([]int32{1, 2, 0}, 3))
}

func TestCreateLabelsCelebA(t *testing.T) {
	attrs := []string{"Black_Hair", "Blond_Hair", "Brown_Hair", "Male", "Young"}
	assert.Equal(t, []int{0, 1, 2}, HairColorIndices(attrs))
	org := tensors.FromValue([][]float32{
		{1, 0, 0, 1, 0},
		{0, 0, 1, 0, 1},
	})
	targets, err := CreateLabels(org, faces.CelebA, attrs, 5)
	require.NoError(t, err)
	require.Len(t, targets, 5)

	// Hair colors are exclusive.
	assert.Equal(t, [][]float32{{0, 1, 0, 1, 0}, {0, 1, 0, 0, 1}}, targets[1].Value())
	// Other attributes are flipped.
	assert.Equal(t, [][]float32{{1, 0, 0, 0, 0}, {0, 0, 1, 1, 1}}, targets[3].Value())
	assert.Equal(t, [][]float32{{1, 0, 0, 1, 1}, {0, 0, 1, 0, 0}}, targets[4].Value())
	// The original labels are not changed.
	assert.Equal(t, [][]float32{{1, 0, 0, 1, 0}, {0, 0, 1, 0, 1}}, org.Value())

	_, err = CreateLabels(org, faces.CelebA, attrs[:3], 5)
	require.Error(t, err)
	_, err = CreateLabels(tensors.FromValue([]int32{1, 2}), faces.CelebA, attrs, 5)
	require.Error(t, err)
}

func TestCreateLabelsRaFD(t *testing.T) {
	targets, err := CreateLabels(tensors.FromValue([]int32{2, 0}), faces.RaFD, nil, 3)
	require.NoError(t, err)
	require.Len(t, targets, 3)
	for domain, target := range targets {
		want := make([][]float32, 2)
		for ii := range want {
			want[ii] = make([]float32, 3)
			want[ii][domain] = 1
		}
		assert.Equal(t, want, target.Value())
	}
}

func TestPermuteRows(t *testing.T) {
	permuted, err := PermuteRows(tensors.FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}}), []int{2, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{5, 6}, {1, 2}, {3, 4}}, permuted.Value())

	permuted, err = PermuteRows(tensors.FromValue([]int32{7, 8}), []int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, []int32{8, 7}, permuted.Value())

	_, err = PermuteRows(tensors.FromValue([]int32{7, 8}), []int{0})
	require.Error(t, err)
	_, err = PermuteRows(tensors.FromValue([]float64{1}), []int{0})
	require.Error(t, err)

	// Target labels are a permutation of the original labels.
	next := func() ([]*tensors.Tensor, error) {
		return []*tensors.Tensor{tensors.FromValue([]float32{0}), tensors.FromValue([]int32{0, 1, 2, 3})}, nil
	}
	batch, err := WithTargetLabels(next, rand.New(rand.NewSource(1)))()
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.ElementsMatch(t, []int32{0, 1, 2, 3}, batch[2].Value())
}

// smallContext returns the default hyperparameters with networks small enough for tests.
func smallContext(kind faces.Kind) *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamDataset:   string(kind),
		ParamCDim:      3,
		ParamC2Dim:     3,
		ParamImageSize: 16,
		ParamGConvDim:  2,
		ParamDConvDim:  2,
		ParamRepeatNum: 2,
	})
	return ctx
}

func TestModelShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext(faces.CelebA)
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := Ones(g, shapes.Make(DType, 2, 16, 16, 3))
		c := Ones(g, shapes.Make(DType, 2, 3))
		fake := Generator(ctx, x, c)
		src, cls := Discriminator(ctx, fake)
		return []*Node{fake, src, cls}
	})
	require.NoError(t, outputs[0].Shape().Check(dtypes.Float32, 2, 16, 16, 3))
	require.NoError(t, outputs[1].Shape().Check(dtypes.Float32, 2, 4, 4, 1))
	require.NoError(t, outputs[2].Shape().Check(dtypes.Float32, 2, 3))

	// The image size must be divisible by 2^repeat_num.
	ctx = smallContext(faces.CelebA)
	ctx.SetParam(ParamImageSize, 12)
	ctx.SetParam(ParamRepeatNum, 3)
	require.Panics(t, func() {
		_ = context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			src, cls := Discriminator(ctx, Ones(g, shapes.Make(DType, 1, 12, 12, 3)))
			return []*Node{src, cls}
		})
	})
}

func TestSteps(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, kind := range []faces.Kind{faces.CelebA, faces.RaFD} {
		t.Run(string(kind), func(t *testing.T) {
			ctx := smallContext(kind)
			var labelOrg, labelTrg *tensors.Tensor
			if kind == faces.CelebA {
				labelOrg = tensors.FromValue([][]float32{{1, 0, 1}, {0, 1, 0}})
				labelTrg = tensors.FromValue([][]float32{{0, 1, 0}, {1, 0, 1}})
			} else {
				labelOrg = tensors.FromValue([]int32{0, 2})
				labelTrg = tensors.FromValue([]int32{2, 0})
			}
			x := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 16, 16, 3))
			outputs := context.MustExecOnceN(backend, ctx.Checked(false),
				func(ctx *context.Context, x, labelOrg, labelTrg *Node) []*Node {
					inputs := []*Node{x, labelOrg, labelTrg}
					dLoss, dReports := DiscriminatorStep(ctx, inputs)
					gLoss, gReports := GeneratorStep(ctx, inputs)
					require.Len(t, dReports, 4)
					require.Len(t, gReports, 3)
					return append(append([]*Node{dLoss, gLoss}, dReports...), gReports...)
				}, x, labelOrg, labelTrg)
			for ii, output := range outputs {
				require.True(t, output.Shape().IsScalar())
				value := shapes.ConvertTo[float64](output.Value())
				assert.False(t, math.IsNaN(value) || math.IsInf(value, 0), "output #%d is %f", ii, value)
			}
			// Classification losses and gradient penalty are not negative.
			for _, ii := range []int{4, 5, 8} {
				assert.GreaterOrEqual(t, shapes.ConvertTo[float64](outputs[ii].Value()), 0.0)
			}
		})
	}
}

// createRaFD creates 3 expression classes with 4 images each.
func createRaFD(t *testing.T) string {
	dir := t.TempDir()
	for classIdx, class := range []string{"angry", "happy", "sad"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, class), 0777))
		for ii := range 4 {
			gray := uint8(60*classIdx + 10*ii)
			img := imaging.New(20, 20, color.NRGBA{R: gray, G: gray, B: 255 - gray, A: 255})
			require.NoError(t, imaging.Save(img, filepath.Join(dir, class, fmt.Sprintf("%d.png", ii))))
		}
	}
	return dir
}

func TestTrainAndTest(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rafdDir := createRaFD(t)
	baseDir := t.TempDir()
	newConfig := func(params map[string]any) *Config {
		ctx := smallContext(faces.RaFD)
		ctx.SetParams(map[string]any{
			ParamBatchSize:     4,
			ParamRaFDCropSize:  16,
			ParamNumIters:      4,
			ParamNumItersDecay: 2,
			ParamNCritic:       2,
			ParamLogStep:       1,
			ParamSampleStep:    2,
			ParamModelSaveStep: 2,
			ParamLRUpdateStep:  1,
			ParamNumWorkers:    2,
			ParamPlotStep:      1,
		})
		var paramsSet []string
		for key, value := range params {
			ctx.SetParam(key, value)
			paramsSet = append(paramsSet, key)
		}
		return &Config{
			Backend:      backend,
			Context:      ctx,
			ParamsSet:    paramsSet,
			RaFDImageDir: rafdDir,
			ModelSaveDir: filepath.Join(baseDir, "models"),
			SampleDir:    filepath.Join(baseDir, "samples"),
			ResultDir:    filepath.Join(baseDir, "results"),
		}
	}

	config := newConfig(nil)
	require.NoError(t, Train(config))
	ctx := config.Context
	assert.Equal(t, int64(4), optimizers.GetGlobalStep(ctx))
	assert.Equal(t, int64(2), gan.NewAdam("g", 0, 0, 0).Step(ctx))
	for _, name := range []string{"2-images.jpg", "4-images.jpg", LossPlotFile} {
		assert.FileExists(t, filepath.Join(config.SampleDir, name))
	}
	// Learning rates decayed linearly to 0 over the last 2 iterations.
	for _, name := range []string{"g", "d"} {
		lr, err := gan.NewAdam(name, 0, 0, 0).LearningRate(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 0.0, lr, 1e-9, "learning rate of %q", name)
	}

	// Training again in the same directory requires resuming.
	require.Error(t, Train(newConfig(nil)))
	config = newConfig(map[string]any{ParamNumIters: 6})
	config.Resume = true
	require.NoError(t, Train(config))
	assert.Equal(t, int64(6), optimizers.GetGlobalStep(config.Context))

	// Test translates the 12 images in 3 batches, each image to the 3 domains.
	config = newConfig(nil)
	require.NoError(t, Test(config))
	for batch := range 3 {
		img, err := imaging.Open(filepath.Join(config.ResultDir, fmt.Sprintf(SamplesFilePattern, batch+1)))
		require.NoError(t, err)
		assert.Equal(t, 4*16, img.Bounds().Dx())
		assert.Equal(t, 4*16, img.Bounds().Dy())
	}
}
