// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package wgangp implements a Wasserstein GAN with gradient penalty (WGAN-GP) that generates MNIST digits.
//
// The generator maps a noise vector to a 28x28 image, and the critic scores images. The critic is trained
// to separate real from generated images under a 1-Lipschitz constraint, enforced by penalizing its gradient
// norm on random interpolations of real and fake images. The generator is trained to raise the critic score
// of its images.
package wgangp

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gan/pkg/gan"
	"github.com/gomlx/gan/pkg/layers"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	mllayers "github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// GeneratorScope and CriticScope are the scopes (under the root) of the variables of each network.
	GeneratorScope = "generator"
	CriticScope    = "critic"

	// ParamDim is the base number of channels of both networks.
	ParamDim = "dim"

	// ParamNoiseDim is the size of the noise vector fed to the generator.
	ParamNoiseDim = "noise_dim"

	// ParamOutputActivation is the generator output activation: "tanh" (default, matches the data in [-1, 1])
	// or "sigmoid".
	ParamOutputActivation = "output_activation"

	// ParamCriticIters is the number of critic updates per generator update.
	ParamCriticIters = "critic_iters"

	// ParamLambdaGP is the weight of the gradient penalty in the critic loss.
	ParamLambdaGP = "lambda_gp"

	ParamBatchSize    = "batch_size"
	ParamLearningRate = "learning_rate"
	ParamAdamBeta1    = "adam_beta1"
	ParamAdamBeta2    = "adam_beta2"
	ParamSeed         = "seed"

	// ParamNumEpochs is the number of passes over the training data. Ignored if ParamTrainSteps > 0.
	ParamNumEpochs = "num_epochs"

	// ParamTrainSteps, if > 0, is the number of iterations to train, instead of ParamNumEpochs.
	ParamTrainSteps = "train_steps"

	ParamLogStep        = "log_step"
	ParamSampleStep     = "sample_step"
	ParamCheckpointStep = "checkpoint_step"
	ParamNumCheckpoints = "num_checkpoints"

	// ParamPlotStep is the number of iterations between points of the loss plot, saved at the end of
	// training. 0 disables the plot.
	ParamPlotStep = "plot_step"
)

// ImageSize is the height and width of the generated images.
const ImageSize = 28

// CreateDefaultContext sets the context with the default hyperparameters.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamDim:              64,
		ParamNoiseDim:         128,
		ParamOutputActivation: "tanh",
		ParamCriticIters:      5,
		ParamLambdaGP:         10.0,

		ParamBatchSize:    50,
		ParamLearningRate: 1e-4,
		ParamAdamBeta1:    0.5,
		ParamAdamBeta2:    0.9,
		ParamSeed:         9102,

		ParamNumEpochs:  200000,
		ParamTrainSteps: 0,

		ParamLogStep:        50,
		ParamSampleStep:     100,
		ParamCheckpointStep: 1000,
		ParamNumCheckpoints: 3,
		ParamPlotStep:       0,
	})
	return ctx
}

// Generator builds the generator under the "generator" scope of ctx: noise shaped `[batch, noise_dim]`
// becomes images shaped `[batch, 28, 28, 1]`.
func Generator(ctx *context.Context, noise *Node) *Node {
	ctx = ctx.In(GeneratorScope)
	dim := context.GetParamOr(ctx, ParamDim, 64)
	batchSize := noise.Shape().Dimensions[0]

	x := mllayers.DenseWithBias(ctx.In("preprocess"), noise, 4*4*4*dim)
	x = activations.Relu(x)
	x = Reshape(x, batchSize, 4, 4, 4*dim)
	x = layers.ConvTranspose(ctx.In("block1"), x).Channels(2 * dim).KernelSize(5).Done()
	x = activations.Relu(x)
	x.AssertDims(batchSize, 8, 8, 2*dim)
	x = layers.CropTopLeft(x, 7, 7)
	x = layers.ConvTranspose(ctx.In("block2"), x).Channels(dim).KernelSize(5).Done()
	x = activations.Relu(x)
	x.AssertDims(batchSize, 11, 11, dim)
	x = layers.ConvTranspose(ctx.In("deconv_out"), x).Channels(1).KernelSize(8).Stride(2).Done()
	x.AssertDims(batchSize, ImageSize, ImageSize, 1)

	switch activation := context.GetParamOr(ctx, ParamOutputActivation, "tanh"); activation {
	case "tanh":
		return Tanh(x)
	case "sigmoid":
		return Sigmoid(x)
	default:
		Panicf("unknown %q=%q, valid values are \"tanh\" and \"sigmoid\"", ParamOutputActivation, activation)
	}
	return nil
}

// Critic builds the critic under the "critic" scope of ctx: images shaped `[batch, 28, 28, 1]` get one
// score each, shaped `[batch]`.
func Critic(ctx *context.Context, images *Node) *Node {
	ctx = ctx.In(CriticScope)
	dim := context.GetParamOr(ctx, ParamDim, 64)
	batchSize := images.Shape().Dimensions[0]
	images.AssertDims(batchSize, ImageSize, ImageSize, 1)

	x := images
	for ii, channels := range []int{dim, 2 * dim, 4 * dim} {
		x = layers.Conv(ctx.Inf("%d", ii), x).Channels(channels).KernelSize(5).Stride(2).Padding(2).Done()
		x = activations.Relu(x)
	}
	x.AssertDims(batchSize, 4, 4, 4*dim)
	x = Reshape(x, batchSize, 4*4*4*dim)
	x = mllayers.DenseWithBias(ctx.In("output"), x, 1)
	return Reshape(x, batchSize)
}

// Noise samples the generator input for batchSize images.
func Noise(ctx *context.Context, g *Graph, batchSize int) *Node {
	noiseDim := context.GetParamOr(ctx, ParamNoiseDim, 128)
	return ctx.RandomNormal(g, shapes.Make(DType, batchSize, noiseDim))
}

// CriticStep is the critic loss for a batch of real images:
// `mean(D(fake)) - mean(D(real)) + lambda_gp * GP`.
//
// It reports the Wasserstein distance estimate `mean(D(real)) - mean(D(fake))` and the gradient penalty.
func CriticStep(ctx *context.Context, inputs []*Node) (loss *Node, reports []*Node) {
	real := inputs[0]
	batchSize := real.Shape().Dimensions[0]
	fake := StopGradient(Generator(ctx, Noise(ctx, real.Graph(), batchSize)))

	critic := func(x *Node) *Node { return Critic(ctx, x) }
	realScore := ReduceAllMean(critic(real))
	fakeScore := ReduceAllMean(critic(fake))
	gp := gan.GradientPenalty(critic, gan.InterpolateSamples(ctx, real, fake))
	lambdaGP := context.GetParamOr(ctx, ParamLambdaGP, 10.0)
	loss = Add(Sub(fakeScore, realScore), MulScalar(gp, lambdaGP))
	return loss, []*Node{Sub(realScore, fakeScore), gp}
}

// GeneratorStep is the generator loss `-mean(D(G(z)))`.
func GeneratorStep(ctx *context.Context, inputs []*Node) (loss *Node, reports []*Node) {
	batchSize := inputs[0].Shape().Dimensions[0]
	fake := Generator(ctx, Noise(ctx, inputs[0].Graph(), batchSize))
	return gan.WassersteinGeneratorLoss(Critic(ctx, fake)), nil
}

// DType of the images and variables.
var DType = dtypes.Float32
