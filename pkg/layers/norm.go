// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

const (
	// InstanceNormEpsilon is added to the variance before taking the square root.
	InstanceNormEpsilon = 1e-5

	// ScaleVarName is the name of the learned gain of InstanceNorm.
	ScaleVarName = "scale"

	// OffsetVarName is the name of the learned offset of InstanceNorm.
	OffsetVarName = "offset"
)

// InstanceNorm normalizes each example and channel of x, shaped `[batch, height, width, channels]`,
// over its spatial axes to mean 0 and variance 1. If affine is true a learned per-channel scale
// (initialized to 1) and offset (initialized to 0) are applied.
//
// Variables are created under the "instance_norm" sub-scope of ctx.
//
// There is no running statistics: training and inference normalize the same way.
func InstanceNorm(ctx *context.Context, x *Node, affine bool) *Node {
	if x.Rank() != 4 {
		Panicf("layers.InstanceNorm requires x shaped [batch, height, width, channels], got %s", x.Shape())
	}
	g := x.Graph()
	dtype := x.DType()
	channels := x.Shape().Dimensions[3]

	mean := ReduceAndKeep(x, ReduceMean, 1, 2)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, 1, 2)
	normalized := Div(centered, Sqrt(AddScalar(variance, InstanceNormEpsilon)))
	if !affine {
		return normalized
	}

	ctxInScope := ctx.In("instance_norm")
	scaleVar := ctxInScope.WithInitializer(func(g *Graph, shape shapes.Shape) *Node { return Ones(g, shape) }).
		VariableWithShape(ScaleVarName, shapes.Make(dtype, channels))
	offsetVar := ctxInScope.WithInitializer(func(g *Graph, shape shapes.Shape) *Node { return Zeros(g, shape) }).
		VariableWithShape(OffsetVarName, shapes.Make(dtype, channels))
	scale := Reshape(scaleVar.ValueGraph(g), 1, 1, 1, channels)
	offset := Reshape(offsetVar.ValueGraph(g), 1, 1, 1, channels)
	return Add(Mul(normalized, scale), offset)
}

// ResidualBlock returns `x + IN(conv3x3(ReLU(IN(conv3x3(x)))))`, keeping the shape of x.
// The convolutions have no bias, since the instance normalization that follows removes it.
func ResidualBlock(ctx *context.Context, x *Node) *Node {
	channels := x.Shape().Dimensions[3]
	residual := Conv(ctx.In("0"), x).Channels(channels).KernelSize(3).Padding(1).UseBias(false).Done()
	residual = InstanceNorm(ctx.In("0"), residual, true)
	residual = activations.Relu(residual)
	residual = Conv(ctx.In("1"), residual).Channels(channels).KernelSize(3).Padding(1).UseBias(false).Done()
	residual = InstanceNorm(ctx.In("1"), residual, true)
	return Add(x, residual)
}
