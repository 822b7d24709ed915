// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wgangp

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gan/pkg/datasets/mnist"
	"github.com/gomlx/gan/pkg/gan"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallContext returns the default hyperparameters with networks small enough for tests.
func smallContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamDim:       2,
		ParamNoiseDim:  8,
		ParamBatchSize: 4,
	})
	return ctx
}

func TestShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext()
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		fake := Generator(ctx, Noise(ctx, g, 3))
		return []*Node{fake, Critic(ctx, fake)}
	})
	require.NoError(t, outputs[0].Shape().Check(dtypes.Float32, 3, ImageSize, ImageSize, 1))
	require.NoError(t, outputs[1].Shape().Check(dtypes.Float32, 3))

	// tanh output is in [-1, 1].
	for _, row := range outputs[0].Value().([][][][]float32) {
		for _, col := range row {
			for _, pixel := range col {
				assert.LessOrEqual(t, pixel[0], float32(1))
				assert.GreaterOrEqual(t, pixel[0], float32(-1))
			}
		}
	}

	// Variables are under the generator and critic scopes only.
	for v := range ctx.IterVariables() {
		if !v.Trainable {
			continue
		}
		scope := v.Scope()
		assert.Truef(t, strings.HasPrefix(scope, "/"+GeneratorScope) || strings.HasPrefix(scope, "/"+CriticScope),
			"unexpected variable %s", v.ScopeAndName())
	}
	for _, scope := range []string{"/generator/preprocess/dense", "/critic/output/dense"} {
		for _, name := range []string{"weights", "biases"} {
			assert.NotNilf(t, ctx.GetVariableByScopeAndName(scope, name), "missing %s/%s", scope, name)
		}
	}
}

func TestSigmoidOutput(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext()
	ctx.SetParam(ParamOutputActivation, "sigmoid")
	fake := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return ReduceAllMin(Generator(ctx, Noise(ctx, g, 2)))
	})
	assert.GreaterOrEqual(t, fake.Value().(float32), float32(0))

	ctx = smallContext()
	ctx.SetParam(ParamOutputActivation, "relu")
	require.Panics(t, func() {
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return Generator(ctx, Noise(ctx, g, 2))
		})
	})
}

func TestSteps(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext()
	outputs := context.MustExecOnceN(backend, ctx.Checked(false), func(ctx *context.Context, g *Graph) []*Node {
		real := Ones(g, shapes.Make(DType, 4, ImageSize, ImageSize, 1))
		criticLoss, reports := CriticStep(ctx, []*Node{real})
		generatorLoss, generatorReports := GeneratorStep(ctx, []*Node{real})
		require.Empty(t, generatorReports)
		// Loss_D = -Wasserstein_D + 10 * GP.
		consistency := Sub(criticLoss, Sub(MulScalar(reports[1], 10.0), reports[0]))
		return []*Node{criticLoss, generatorLoss, reports[1], consistency}
	})
	for _, output := range outputs {
		require.True(t, output.Shape().IsScalar())
	}
	assert.GreaterOrEqual(t, outputs[2].Value().(float32), float32(0))
	assert.InDelta(t, 0.0, outputs[3].Value().(float32), 1e-3)
}

// writeFakeMNIST writes all the MNIST files in dir, so nothing is downloaded. The train split has
// numImages images.
func writeFakeMNIST(t *testing.T, dir string, numImages int) {
	writeIDX := func(name string, header any, data []byte) {
		f, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		gz := gzip.NewWriter(f)
		require.NoError(t, binary.Write(gz, binary.BigEndian, header))
		_, err = gz.Write(data)
		require.NoError(t, err)
		require.NoError(t, gz.Close())
		require.NoError(t, f.Close())
	}
	pixels := make([]byte, numImages*mnist.Width*mnist.Height)
	for ii := range pixels {
		pixels[ii] = byte(ii % 251)
	}
	labels := make([]byte, numImages)
	for _, names := range [][2]string{
		{mnist.TrainImagesFilename, mnist.TrainLabelsFilename},
		{mnist.TestImagesFilename, mnist.TestLabelsFilename},
	} {
		writeIDX(names[0], [4]int32{0x803, int32(numImages), mnist.Height, mnist.Width}, pixels)
		writeIDX(names[1], [2]int32{0x801, int32(numImages)}, labels)
	}
}

func TestTrainModel(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	baseDir := t.TempDir()
	dataDir := filepath.Join(baseDir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0777))
	writeFakeMNIST(t, dataDir, 10)

	newConfig := func(params map[string]any) *Config {
		ctx := smallContext()
		ctx.SetParams(map[string]any{
			ParamCriticIters:    1,
			ParamNumEpochs:      2,
			ParamLogStep:        1,
			ParamSampleStep:     1,
			ParamCheckpointStep: 3,
			ParamPlotStep:       1,
		})
		var paramsSet []string
		for key, value := range params {
			ctx.SetParam(key, value)
			paramsSet = append(paramsSet, key)
		}
		return &Config{
			Backend:       backend,
			Context:       ctx,
			ParamsSet:     paramsSet,
			DataDir:       dataDir,
			OutputDir:     filepath.Join(baseDir, "samples"),
			CheckpointDir: filepath.Join(baseDir, "checkpoints"),
		}
	}

	// 10 images in batches of 4: 2 iterations per epoch, 2 epochs.
	config := newConfig(nil)
	require.NoError(t, TrainModel(config))
	assert.Equal(t, int64(4), optimizers.GetGlobalStep(config.Context))
	for _, name := range []string{RealSamplesFile, LossPlotFile,
		fmt.Sprintf(FakeSamplesFilePattern, 0), fmt.Sprintf(FakeSamplesFilePattern, 1)} {
		assert.FileExists(t, filepath.Join(config.OutputDir, name))
	}
	// With critic_iters=1 the generator is updated at the second iteration of each epoch.
	assert.Equal(t, int64(2), gan.NewAdam("generator", 0, 0, 0).Step(config.Context))

	// Resuming continues from the saved global step.
	config = newConfig(map[string]any{ParamTrainSteps: 6})
	require.NoError(t, TrainModel(config))
	assert.Equal(t, int64(6), optimizers.GetGlobalStep(config.Context))
	assert.Equal(t, int64(6), gan.NewAdam("critic", 0, 0, 0).Step(config.Context))
}
