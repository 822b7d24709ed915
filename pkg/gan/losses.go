// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// gradientNormEpsilon keeps the gradient of the norm finite when the critic gradient is exactly zero.
const gradientNormEpsilon = 1e-12

// CriticFn scores a batch of samples: it takes `[batch, ...]` and returns one score per example,
// shaped `[batch]`, `[batch, 1]` or a patch of scores `[batch, ...]`.
type CriticFn func(x *Node) *Node

// InterpolateSamples returns `alpha*real + (1-alpha)*fake`, with one `alpha ~ U[0, 1)` drawn per example and
// broadcast over the other axes.
//
// Gradients don't flow back to real or fake: the result is used as the point where the critic
// gradient is measured.
func InterpolateSamples(ctx *context.Context, real, fake *Node) *Node {
	if !real.Shape().Equal(fake.Shape()) {
		Panicf("gan.InterpolateSamples requires real and fake with the same shape, got real=%s, fake=%s",
			real.Shape(), fake.Shape())
	}
	g := real.Graph()
	alphaDims := make([]int, real.Rank())
	for ii := range alphaDims {
		alphaDims[ii] = 1
	}
	alphaDims[0] = real.Shape().Dimensions[0]
	alpha := ctx.RandomUniform(g, shapes.Make(real.DType(), alphaDims...))
	real, fake = StopGradient(real), StopGradient(fake)
	return Add(Mul(alpha, real), Mul(OneMinus(alpha), fake))
}

// GradientPenalty returns `mean((‖∇D(xHat)‖₂ - 1)²)`, the norm taken per example over all
// its non-batch axes.
//
// The gradient of each score with respect to its own example is the gradient of the sum of the scores,
// since examples don't interact in the critic.
// The result can be differentiated again with respect to the critic variables.
func GradientPenalty(critic CriticFn, xHat *Node) *Node {
	scores := critic(xHat)
	grad := Gradient(ReduceAllSum(scores), xHat)[0]
	batchSize := grad.Shape().Dimensions[0]
	grad = Reshape(grad, batchSize, -1)
	norm := Sqrt(AddScalar(ReduceSum(Square(grad), 1), gradientNormEpsilon))
	return ReduceAllMean(Square(AddScalar(norm, -1)))
}

// WassersteinCriticLoss is the critic loss `mean(D(fake)) - mean(D(real))`: the negative of the
// Wasserstein distance estimate.
func WassersteinCriticLoss(realScores, fakeScores *Node) *Node {
	return Sub(ReduceAllMean(fakeScores), ReduceAllMean(realScores))
}

// WassersteinGeneratorLoss is the generator loss `-mean(D(fake))`.
func WassersteinGeneratorLoss(fakeScores *Node) *Node {
	return Neg(ReduceAllMean(fakeScores))
}

// SigmoidCrossEntropySum is the binary cross-entropy of logits against labels in {0, 1}, summed over all
// elements and divided by the batch size. Used for multi-label domain classification.
//
// It uses the numerically stable form `max(x, 0) - x*z + log(1 + exp(-|x|))`.
func SigmoidCrossEntropySum(logits, labels *Node) *Node {
	if !logits.Shape().Equal(labels.Shape()) {
		Panicf("gan.SigmoidCrossEntropySum requires logits and labels with the same shape, got logits=%s, labels=%s",
			logits.Shape(), labels.Shape())
	}
	batchSize := logits.Shape().Dimensions[0]
	losses := Add(
		Sub(Max(logits, ZerosLike(logits)), Mul(logits, labels)),
		Log1p(Exp(Neg(Abs(logits)))))
	return DivScalar(ReduceAllSum(losses), float64(batchSize))
}

// SoftmaxCrossEntropy is the mean over the batch of the categorical cross-entropy of logits
// `[batch, numClasses]` against the integer class labels `[batch]`.
func SoftmaxCrossEntropy(logits, labels *Node) *Node {
	if logits.Rank() != 2 || labels.Rank() != 1 || labels.Shape().Dimensions[0] != logits.Shape().Dimensions[0] {
		Panicf("gan.SoftmaxCrossEntropy requires logits [batch, numClasses] and labels [batch], got logits=%s, labels=%s",
			logits.Shape(), labels.Shape())
	}
	numClasses := logits.Shape().Dimensions[1]
	oneHot := OneHot(labels, numClasses, logits.DType())
	return Neg(ReduceAllMean(ReduceSum(Mul(oneHot, LogSoftmax(logits, 1)), 1)))
}

// L1Loss is the mean absolute difference between a and b.
func L1Loss(a, b *Node) *Node {
	return ReduceAllMean(Abs(Sub(a, b)))
}
