// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stargan implements StarGAN, a multi-domain image-to-image translation model: a single generator
// translates a face image to any target domain (e.g.: hair color, gender, age or facial expression), given
// as a label vector.
//
// The discriminator both scores how real an image looks (per patch) and classifies its domain. Training
// combines a Wasserstein adversarial loss with gradient penalty, a domain classification loss and a
// cycle reconstruction loss.
//
// It supports the CelebA (multi-label attributes) and RaFD (single-label expressions) datasets.
package stargan

import (
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gan/pkg/datasets/faces"
	"github.com/gomlx/gan/pkg/gan"
	"github.com/gomlx/gan/pkg/layers"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	GeneratorScope     = "generator"
	DiscriminatorScope = "discriminator"

	// ParamDataset is the dataset trained on: "CelebA" or "RaFD".
	ParamDataset = "dataset"

	// ParamCDim is the number of CelebA domains, that is, of selected attributes.
	ParamCDim = "c_dim"

	// ParamC2Dim is the number of RaFD domains, that is, of expression classes.
	ParamC2Dim = "c2_dim"

	// ParamSelectedAttrs is the comma separated list of CelebA attributes used as domains.
	ParamSelectedAttrs = "selected_attrs"

	ParamImageSize      = "image_size"
	ParamCelebACropSize = "celeba_crop_size"
	ParamRaFDCropSize   = "rafd_crop_size"

	// ParamGConvDim and ParamDConvDim are the number of channels of the first layer of the generator
	// and of the discriminator.
	ParamGConvDim = "g_conv_dim"
	ParamDConvDim = "d_conv_dim"

	// ParamRepeatNum is the number of residual blocks of the generator and of down-sampling layers of the
	// discriminator.
	ParamRepeatNum = "repeat_num"

	ParamLambdaCls = "lambda_cls"
	ParamLambdaRec = "lambda_rec"
	ParamLambdaGP  = "lambda_gp"

	ParamBatchSize     = "batch_size"
	ParamNumIters      = "num_iters"
	ParamNumItersDecay = "num_iters_decay"
	ParamGLR           = "g_lr"
	ParamDLR           = "d_lr"

	// ParamNCritic is the number of discriminator updates per generator update.
	ParamNCritic = "n_critic"

	ParamBeta1 = "beta1"
	ParamBeta2 = "beta2"
	ParamSeed  = "seed"

	// ParamNumWorkers is the number of goroutines loading images. 0 loads them synchronously.
	ParamNumWorkers = "num_workers"

	ParamLogStep       = "log_step"
	ParamSampleStep    = "sample_step"
	ParamModelSaveStep = "model_save_step"
	ParamLRUpdateStep  = "lr_update_step"

	// ParamNumCheckpoints is the number of checkpoints kept.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamPlotStep is the number of iterations between points of the loss plot, saved at the end of
	// training. 0 disables the plot.
	ParamPlotStep = "plot_step"
)

// CreateDefaultContext sets the context with the default hyperparameters.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamDataset:        string(faces.CelebA),
		ParamCDim:           5,
		ParamC2Dim:          8,
		ParamSelectedAttrs:  strings.Join(faces.DefaultCelebAAttributes, ","),
		ParamImageSize:      128,
		ParamCelebACropSize: faces.CelebACropSize,
		ParamRaFDCropSize:   faces.RaFDCropSize,

		ParamGConvDim:  64,
		ParamDConvDim:  64,
		ParamRepeatNum: 6,
		ParamLambdaCls: 1.0,
		ParamLambdaRec: 10.0,
		ParamLambdaGP:  10.0,

		ParamBatchSize:     16,
		ParamNumIters:      200000,
		ParamNumItersDecay: 100000,
		ParamGLR:           1e-4,
		ParamDLR:           1e-4,
		ParamNCritic:       5,
		ParamBeta1:         0.5,
		ParamBeta2:         0.999,
		ParamSeed:          1234,
		ParamNumWorkers:    1,

		ParamLogStep:        10,
		ParamSampleStep:     1000,
		ParamModelSaveStep:  10000,
		ParamLRUpdateStep:   1000,
		ParamNumCheckpoints: 3,
		ParamPlotStep:       0,
	})
	return ctx
}

// DatasetKind returns the dataset configured in the context.
func DatasetKind(ctx *context.Context) faces.Kind {
	kind := faces.Kind(context.GetParamOr(ctx, ParamDataset, string(faces.CelebA)))
	if kind != faces.CelebA && kind != faces.RaFD {
		Panicf("invalid %q=%q: valid values are %q and %q", ParamDataset, kind, faces.CelebA, faces.RaFD)
	}
	return kind
}

// NumDomains returns the size of the domain labels of the configured dataset.
func NumDomains(ctx *context.Context) int {
	if DatasetKind(ctx) == faces.RaFD {
		return context.GetParamOr(ctx, ParamC2Dim, 8)
	}
	return context.GetParamOr(ctx, ParamCDim, 5)
}

// SelectedAttributes returns the CelebA attributes configured in the context.
func SelectedAttributes(ctx *context.Context) []string {
	var attrs []string
	for _, attr := range strings.Split(context.GetParamOr(ctx, ParamSelectedAttrs, ""), ",") {
		if attr = strings.TrimSpace(attr); attr != "" {
			attrs = append(attrs, attr)
		}
	}
	return attrs
}

// DType of the images and variables.
var DType = dtypes.Float32

// Generator translates images shaped `[batch, height, width, 3]` to the target domains c, shaped
// `[batch, numDomains]`. Its variables are under the "generator" scope of ctx.
func Generator(ctx *context.Context, x, c *Node) *Node {
	ctx = ctx.In(GeneratorScope)
	convDim := context.GetParamOr(ctx, ParamGConvDim, 64)
	repeatNum := context.GetParamOr(ctx, ParamRepeatNum, 6)
	x.AssertRank(4)
	c.AssertRank(2)
	dims := x.Shape().Dimensions
	batchSize, height, width := dims[0], dims[1], dims[2]

	// Domain labels are replicated spatially and concatenated as extra channels.
	cMap := BroadcastToDims(InsertAxes(c, 1, 1), batchSize, height, width, c.Shape().Dimensions[1])
	x = Concatenate([]*Node{x, cMap}, -1)

	channels := convDim
	x = layers.Conv(ctx.In("input"), x).Channels(channels).KernelSize(7).Padding(3).UseBias(false).Done()
	x = activations.Relu(layers.InstanceNorm(ctx.In("input"), x, true))
	for ii := range 2 {
		channels *= 2
		ctxDown := ctx.Inf("down_%d", ii)
		x = layers.Conv(ctxDown, x).Channels(channels).KernelSize(4).Stride(2).Padding(1).UseBias(false).Done()
		x = activations.Relu(layers.InstanceNorm(ctxDown, x, true))
	}
	for ii := range repeatNum {
		x = layers.ResidualBlock(ctx.Inf("residual_%d", ii), x)
	}
	for ii := range 2 {
		channels /= 2
		ctxUp := ctx.Inf("up_%d", ii)
		x = layers.ConvTranspose(ctxUp, x).Channels(channels).KernelSize(4).Stride(2).Padding(1).UseBias(false).Done()
		x = activations.Relu(layers.InstanceNorm(ctxUp, x, true))
	}
	x = layers.Conv(ctx.In("output"), x).Channels(3).KernelSize(7).Padding(3).UseBias(false).Done()
	x.AssertDims(batchSize, height, width, 3)
	return Tanh(x)
}

// Discriminator returns, for images shaped `[batch, image_size, image_size, 3]`, the realness score of
// each patch, shaped `[batch, image_size/2^repeat_num, image_size/2^repeat_num, 1]`, and the domain
// logits, shaped `[batch, numDomains]`. Its variables are under the "discriminator" scope of ctx.
func Discriminator(ctx *context.Context, x *Node) (src, cls *Node) {
	ctx = ctx.In(DiscriminatorScope)
	convDim := context.GetParamOr(ctx, ParamDConvDim, 64)
	repeatNum := context.GetParamOr(ctx, ParamRepeatNum, 6)
	imageSize := context.GetParamOr(ctx, ParamImageSize, 128)
	numDomains := NumDomains(ctx)
	batchSize := x.Shape().Dimensions[0]
	x.AssertDims(batchSize, imageSize, imageSize, 3)
	kernelSize := imageSize >> repeatNum
	if kernelSize < 1 || kernelSize<<repeatNum != imageSize {
		Panicf("%q=%d must be a multiple of 2^%q (2^%d)", ParamImageSize, imageSize, ParamRepeatNum, repeatNum)
	}

	channels := convDim
	for ii := range repeatNum {
		if ii > 0 {
			channels *= 2
		}
		x = layers.Conv(ctx.Inf("%d", ii), x).Channels(channels).KernelSize(4).Stride(2).Padding(1).Done()
		x = activations.LeakyReluWithAlpha(x, 0.01)
	}
	src = layers.Conv(ctx.In("out_src"), x).Channels(1).KernelSize(3).Padding(1).UseBias(false).Done()
	cls = layers.Conv(ctx.In("out_cls"), x).Channels(numDomains).KernelSize(kernelSize).UseBias(false).Done()
	cls = Reshape(cls, batchSize, numDomains)
	return src, cls
}

// DomainCodes converts the labels of a batch to the domain vectors fed to the generator: CelebA labels
// are already multi-hot, RaFD class indices are converted to one-hot.
func DomainCodes(ctx *context.Context, labels *Node) *Node {
	if DatasetKind(ctx) == faces.RaFD {
		return OneHot(labels, NumDomains(ctx), DType)
	}
	return labels
}

// ClassificationLoss of the discriminator domain logits: binary cross-entropy summed over the attributes
// for CelebA, and softmax cross-entropy for RaFD.
func ClassificationLoss(ctx *context.Context, logits, labels *Node) *Node {
	if DatasetKind(ctx) == faces.RaFD {
		return gan.SoftmaxCrossEntropy(logits, labels)
	}
	return gan.SigmoidCrossEntropySum(logits, labels)
}

// DiscriminatorStep is the discriminator loss for inputs (images, original labels, target labels):
//
//	-mean(D_src(x)) + mean(D_src(G(x, c_trg))) + lambda_cls * cls(D_cls(x), c_org) + lambda_gp * GP
//
// It reports the four terms (before weighting) as D/loss_real, D/loss_fake, D/loss_cls and D/loss_gp.
func DiscriminatorStep(ctx *context.Context, inputs []*Node) (loss *Node, reports []*Node) {
	x, labelOrg, labelTrg := inputs[0], inputs[1], inputs[2]
	srcReal, clsReal := Discriminator(ctx, x)
	lossReal := Neg(ReduceAllMean(srcReal))
	lossCls := ClassificationLoss(ctx, clsReal, labelOrg)

	fake := StopGradient(Generator(ctx, x, DomainCodes(ctx, labelTrg)))
	srcFake, _ := Discriminator(ctx, fake)
	lossFake := ReduceAllMean(srcFake)

	critic := func(xHat *Node) *Node {
		src, _ := Discriminator(ctx, xHat)
		return src
	}
	lossGP := gan.GradientPenalty(critic, gan.InterpolateSamples(ctx, x, fake))

	lambdaCls := context.GetParamOr(ctx, ParamLambdaCls, 1.0)
	lambdaGP := context.GetParamOr(ctx, ParamLambdaGP, 10.0)
	loss = Add(Add(lossReal, lossFake), Add(MulScalar(lossCls, lambdaCls), MulScalar(lossGP, lambdaGP)))
	return loss, []*Node{lossReal, lossFake, lossCls, lossGP}
}

// GeneratorStep is the generator loss for inputs (images, original labels, target labels):
//
//	-mean(D_src(G(x, c_trg))) + lambda_rec * |G(G(x, c_trg), c_org) - x| + lambda_cls * cls(D_cls(G(x, c_trg)), c_trg)
//
// It reports the three terms (before weighting) as G/loss_fake, G/loss_rec and G/loss_cls.
func GeneratorStep(ctx *context.Context, inputs []*Node) (loss *Node, reports []*Node) {
	x, labelOrg, labelTrg := inputs[0], inputs[1], inputs[2]
	fake := Generator(ctx, x, DomainCodes(ctx, labelTrg))
	srcFake, clsFake := Discriminator(ctx, fake)
	lossFake := gan.WassersteinGeneratorLoss(srcFake)
	lossCls := ClassificationLoss(ctx, clsFake, labelTrg)

	reconstructed := Generator(ctx, fake, DomainCodes(ctx, labelOrg))
	lossRec := gan.L1Loss(reconstructed, x)

	lambdaCls := context.GetParamOr(ctx, ParamLambdaCls, 1.0)
	lambdaRec := context.GetParamOr(ctx, ParamLambdaRec, 10.0)
	loss = Add(lossFake, Add(MulScalar(lossRec, lambdaRec), MulScalar(lossCls, lambdaCls)))
	return loss, []*Node{lossFake, lossRec, lossCls}
}
