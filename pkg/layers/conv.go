// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers holds the image layers shared by the GAN models.
//
// Every layer here can be differentiated twice, on every backend: the gradient penalty
// back-propagates through the gradient of the critic. The gradient of a strided convolution
// (an input-dilated convolution) can't be differentiated again, and the gradients of Slice and
// Pad are not available on all backends. So strided convolutions are a stride-1 convolution
// followed by Subsample, and transposed convolutions Dilate the input and pad it with
// concatenated zeros before a stride-1 convolution.
//
// All images are "channels last": `[batch, height, width, channels]`.
package layers

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

const (
	// WeightsVarName is the name of the kernel variable of convolutions.
	WeightsVarName = "weights"

	// BiasesVarName is the name of the bias variable of convolutions.
	BiasesVarName = "biases"
)

// ConvBuilder configures a 2D convolution (or transposed convolution). Create it with Conv or
// ConvTranspose, set the parameters and call Done.
type ConvBuilder struct {
	ctx        *context.Context
	x          *Node
	channels   int
	kernelSize int
	stride     int
	padding    int
	bias       bool
	transposed bool
}

// Conv prepares a 2D convolution of x, shaped `[batch, height, width, channels]`.
//
// Defaults: stride 1, no padding and a learned bias. Channels and KernelSize must be set.
// The variables are created under the "conv" sub-scope of ctx.
//
// The output spatial size is `floor((H + 2*padding - kernelSize)/stride) + 1`, the same as a
// strided convolution.
func Conv(ctx *context.Context, x *Node) *ConvBuilder {
	return &ConvBuilder{ctx: ctx, x: x, stride: 1, bias: true}
}

// ConvTranspose prepares a 2D transposed convolution (sometimes called "deconvolution") of x,
// shaped `[batch, height, width, channels]`.
//
// Defaults: stride 1, no padding and a learned bias. Channels and KernelSize must be set.
// The variables are created under the "conv_transpose" sub-scope of ctx.
//
// The output spatial size is `(H-1)*stride + kernelSize - 2*padding`.
func ConvTranspose(ctx *context.Context, x *Node) *ConvBuilder {
	return &ConvBuilder{ctx: ctx, x: x, stride: 1, bias: true, transposed: true}
}

// Channels sets the number of output channels. There is no default.
func (conv *ConvBuilder) Channels(channels int) *ConvBuilder {
	conv.channels = channels
	return conv
}

// KernelSize sets the size of the square kernel. There is no default.
func (conv *ConvBuilder) KernelSize(size int) *ConvBuilder {
	conv.kernelSize = size
	return conv
}

// Stride sets the stride on both spatial axes. Default is 1.
func (conv *ConvBuilder) Stride(stride int) *ConvBuilder {
	conv.stride = stride
	return conv
}

// Padding sets the symmetric zero padding on both spatial axes. Default is 0.
//
// For transposed convolutions it is the padding of the equivalent forward convolution, that is,
// it crops the output.
func (conv *ConvBuilder) Padding(padding int) *ConvBuilder {
	conv.padding = padding
	return conv
}

// UseBias sets whether to add a learned bias per output channel. Default is true.
func (conv *ConvBuilder) UseBias(useBias bool) *ConvBuilder {
	conv.bias = useBias
	return conv
}

// Done creates the variables and returns the convolved x.
func (conv *ConvBuilder) Done() *Node {
	x := conv.x
	if x.Rank() != 4 {
		Panicf("layers.Conv requires x shaped [batch, height, width, channels], got %s", x.Shape())
	}
	if conv.channels <= 0 || conv.kernelSize <= 0 {
		Panicf("layers.Conv requires Channels and KernelSize to be set, got channels=%d, kernelSize=%d",
			conv.channels, conv.kernelSize)
	}
	if conv.stride < 1 || conv.padding < 0 {
		Panicf("layers.Conv invalid stride=%d or padding=%d", conv.stride, conv.padding)
	}
	scopeName := "conv"
	if conv.transposed {
		scopeName = "conv_transpose"
		if conv.padding > conv.kernelSize-1 {
			Panicf("layers.ConvTranspose padding (%d) must be smaller than kernelSize (%d)",
				conv.padding, conv.kernelSize)
		}
	}
	ctxInScope := conv.ctx.In(scopeName)
	g := x.Graph()
	dtype := x.DType()
	inputChannels := x.Shape().Dimensions[3]
	k := conv.kernelSize
	kernelVar := ctxInScope.VariableWithShape(WeightsVarName, shapes.Make(dtype, k, k, inputChannels, conv.channels))
	kernel := kernelVar.ValueGraph(g)

	var output *Node
	if conv.transposed {
		edge := k - 1 - conv.padding
		x = Dilate(x, conv.stride)
		// The dilated input already ends with `stride-1` zeros.
		trailing := edge - (conv.stride - 1)
		if trailing < 0 {
			Panicf("layers.ConvTranspose padding (%d) too large for kernelSize=%d and stride=%d",
				conv.padding, k, conv.stride)
		}
		x = zeroPad(x, 1, edge, trailing)
		x = zeroPad(x, 2, edge, trailing)
		output = Convolve(x, kernel).StridePerAxis(1, 1).NoPadding().Done()
	} else {
		p := conv.padding
		s := conv.stride
		// Extra end padding makes the stride-1 output a multiple of the stride.
		var extra [2]int
		for axis := range 2 {
			size := x.Shape().Dimensions[1+axis] + 2*p - k + 1
			if size <= 0 {
				Panicf("layers.Conv kernelSize=%d too large for input %s with padding=%d", k, x.Shape(), p)
			}
			extra[axis] = ((size-1)/s+1)*s - size
		}
		output = Convolve(x, kernel).StridePerAxis(1, 1).
			PaddingPerDim([][2]int{{p, p + extra[0]}, {p, p + extra[1]}}).Done()
		output = Subsample(output, s)
	}

	if conv.bias {
		biasVar := ctxInScope.VariableWithShape(BiasesVarName, shapes.Make(dtype, conv.channels))
		bias := Reshape(biasVar.ValueGraph(g), 1, 1, 1, conv.channels)
		output = Add(output, bias)
	}
	return output
}

// strideMask returns a mask shaped `[1, 1, stride, 1, stride, 1]`, 1 at the first pixel of each
// stride x stride cell and 0 elsewhere.
func strideMask(x *Node, stride int) *Node {
	values := make([]float64, stride*stride)
	values[0] = 1
	return Reshape(ConstAs(x, values), 1, 1, stride, 1, stride, 1)
}

// Subsample keeps every stride-th pixel of x, shaped `[batch, height, width, channels]`, on both
// spatial axes. Height and width must be multiples of stride.
//
// It is built from a reshape and a masked sum, so it can be differentiated any number of times on
// every backend.
func Subsample(x *Node, stride int) *Node {
	if stride == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if height%stride != 0 || width%stride != 0 {
		Panicf("layers.Subsample requires spatial dimensions multiple of stride=%d, got %s", stride, x.Shape())
	}
	h, w := height/stride, width/stride
	cells := Reshape(x, batch, h, stride, w, stride, channels)
	mask := BroadcastToDims(strideMask(x, stride), batch, h, stride, w, stride, channels)
	return ReduceSum(Mul(cells, mask), 2, 4)
}

// Dilate inserts `stride-1` zeros after each pixel of x, shaped `[batch, height, width, channels]`,
// on both spatial axes. The output is shaped `[batch, height*stride, width*stride, channels]`.
func Dilate(x *Node, stride int) *Node {
	if stride == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	cellDims := []int{batch, height, stride, width, stride, channels}
	cells := BroadcastToDims(Reshape(x, batch, height, 1, width, 1, channels), cellDims...)
	cells = Mul(cells, BroadcastToDims(strideMask(x, stride), cellDims...))
	return Reshape(cells, batch, height*stride, width*stride, channels)
}

// zeroPad adds `before` and `after` zeros to x along the given axis.
func zeroPad(x *Node, axis, before, after int) *Node {
	parts := make([]*Node, 0, 3)
	if before > 0 {
		dims := x.Shape().Clone().Dimensions
		dims[axis] = before
		parts = append(parts, Zeros(x.Graph(), shapes.Make(x.DType(), dims...)))
	}
	parts = append(parts, x)
	if after > 0 {
		dims := x.Shape().Clone().Dimensions
		dims[axis] = after
		parts = append(parts, Zeros(x.Graph(), shapes.Make(x.DType(), dims...)))
	}
	if len(parts) == 1 {
		return x
	}
	return Concatenate(parts, axis)
}

// CropTopLeft keeps the top-left `height x width` pixels of x, shaped `[batch, height, width, channels]`.
//
// It multiplies by 0/1 selection matrices instead of slicing, so it can be differentiated on
// every backend.
func CropTopLeft(x *Node, height, width int) *Node {
	dims := x.Shape().Dimensions
	if height > dims[1] || width > dims[2] {
		Panicf("layers.CropTopLeft(%d, %d) larger than input %s", height, width, x.Shape())
	}
	x = Einsum("bhwc,hi->biwc", x, selection(x, dims[1], height))
	return Einsum("bhwc,wj->bhjc", x, selection(x, dims[2], width))
}

// selection returns a `[from, to]` matrix that is 1 on the diagonal.
func selection(x *Node, from, to int) *Node {
	values := make([][]float64, from)
	for ii := range values {
		values[ii] = make([]float64, to)
		if ii < to {
			values[ii][ii] = 1
		}
	}
	return ConstAs(x, values)
}
