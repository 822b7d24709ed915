// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// OptimizersScope is the absolute scope under which the optimizer state of each network is stored.
	OptimizersScope = "/optimizers"

	// LearningRateVarName is the name of the learning rate variable of each network's optimizer.
	LearningRateVarName = "learning_rate"

	// AdamDefaultEpsilon is the epsilon added to the denominator of the Adam update.
	AdamDefaultEpsilon = 1e-8
)

// Adam optimizes only the trainable variables of one network, with its own learning rate, moments and
// step counter.
//
// Adversarial training alternates the update of two networks whose graphs use each other's variables,
// so the optimizer can't simply update every variable used by the graph.
//
// The optimizer state is stored under `/optimizers/<name>`, so it is saved with the checkpoints.
type Adam struct {
	name                  string
	learningRate          float64
	beta1, beta2, epsilon float64
}

// NewAdam creates an Adam optimizer for the network identified by name (e.g.: "generator").
func NewAdam(name string, learningRate, beta1, beta2 float64) *Adam {
	return &Adam{
		name:         name,
		learningRate: learningRate,
		beta1:        beta1,
		beta2:        beta2,
		epsilon:      AdamDefaultEpsilon,
	}
}

// Name of the network this optimizer updates.
func (opt *Adam) Name() string { return opt.name }

// WithEpsilon sets the epsilon added to the denominator. Default is AdamDefaultEpsilon.
func (opt *Adam) WithEpsilon(epsilon float64) *Adam {
	opt.epsilon = epsilon
	return opt
}

// scope returns the context where the optimizer state is stored.
func (opt *Adam) scope(ctx *context.Context) *context.Context {
	return ctx.InAbsPath(fmt.Sprintf("%s/%s", OptimizersScope, opt.name)).Checked(false)
}

// LearningRateVar returns the learning rate variable, creating it with the initial learning rate if it
// doesn't exist yet.
func (opt *Adam) LearningRateVar(ctx *context.Context, dtype dtypes.DType) *context.Variable {
	return opt.scope(ctx).
		VariableWithValue(LearningRateVarName, shapes.CastAsDType(opt.learningRate, dtype)).
		SetTrainable(false)
}

// SetLearningRate changes the current learning rate, used by the following updates.
// If the variable was not created yet, value becomes the learning rate it is created with.
func (opt *Adam) SetLearningRate(ctx *context.Context, value float64) error {
	lrVar := ctx.GetVariableByScopeAndName(opt.scope(ctx).Scope(), LearningRateVarName)
	if lrVar == nil {
		opt.learningRate = value
		return nil
	}
	return lrVar.SetValue(tensors.FromAnyValue(shapes.CastAsDType(value, lrVar.DType())))
}

// LearningRate returns the current learning rate, or the initial learning rate if the
// variable was not created yet.
func (opt *Adam) LearningRate(ctx *context.Context) (float64, error) {
	lrVar := ctx.GetVariableByScopeAndName(opt.scope(ctx).Scope(), LearningRateVarName)
	if lrVar == nil {
		return opt.learningRate, nil
	}
	value, err := lrVar.Value()
	if err != nil {
		return 0, errors.WithMessagef(err, "reading learning rate of optimizer %q", opt.name)
	}
	return shapes.ConvertTo[float64](value.Value()), nil
}

// Step returns the number of updates taken by the optimizer so far.
func (opt *Adam) Step(ctx *context.Context) int64 {
	return optimizers.GetGlobalStep(opt.scope(ctx))
}

// UpdateGraph builds the graph that takes one Adam step minimizing loss, changing only vars.
//
// Variables in vars that the loss doesn't depend on get a zero gradient.
func (opt *Adam) UpdateGraph(ctx *context.Context, loss *Node, vars []*context.Variable) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer %q requires a scalar loss to optimize, got loss.shape=%s instead", opt.name, loss.Shape())
	}
	if len(vars) == 0 {
		Panicf("optimizer %q has no variables to optimize", opt.name)
	}
	g := loss.Graph()
	dtype := loss.DType()
	values := make([]*Node, len(vars))
	for ii, v := range vars {
		values[ii] = v.ValueGraph(g)
	}
	grads := Gradient(loss, values...)

	ctxOpt := opt.scope(ctx)
	learningRate := opt.LearningRateVar(ctx, dtype).ValueGraph(g)
	adamStep := optimizers.IncrementGlobalStepGraph(ctxOpt, g, dtype)
	beta1 := Const(g, shapes.CastAsDType(opt.beta1, dtype))
	debiasTermBeta1 := Reciprocal(OneMinus(Pow(beta1, adamStep)))
	beta2 := Const(g, shapes.CastAsDType(opt.beta2, dtype))
	debiasTermBeta2 := Reciprocal(OneMinus(Pow(beta2, adamStep)))
	epsilon := Const(g, shapes.CastAsDType(opt.epsilon, dtype))

	for ii, v := range vars {
		grad := grads[ii]
		if grad.DType() != dtype {
			grad = ConvertDType(grad, dtype)
		}
		m1Var, m2Var := opt.momentVariables(ctx, v, dtype)
		moment1 := Add(Mul(beta1, m1Var.ValueGraph(g)), Mul(OneMinus(beta1), grad))
		m1Var.SetValueGraph(moment1)
		moment2 := Add(Mul(beta2, m2Var.ValueGraph(g)), Mul(OneMinus(beta2), Square(grad)))
		m2Var.SetValueGraph(moment2)

		stepDirection := Mul(learningRate, Mul(moment1, debiasTermBeta1))
		stepDirection = Div(stepDirection, Add(Sqrt(Mul(moment2, debiasTermBeta2)), epsilon))
		value := values[ii]
		if value.DType() != dtype {
			value = ConvertDType(value, dtype)
		}
		updated := Sub(value, stepDirection)
		if updated.DType() != v.DType() {
			updated = ConvertDType(updated, v.DType())
		}
		v.SetValueGraph(updated)
	}
}

// momentVariables returns the 1st and 2nd moment variables of the trainable variable v, created with zeros
// if they don't exist yet.
func (opt *Adam) momentVariables(ctx *context.Context, v *context.Variable, dtype dtypes.DType) (m1, m2 *context.Variable) {
	ctxMoments := ctx.InAbsPath(fmt.Sprintf("%s/%s%s", OptimizersScope, opt.name, v.Scope())).
		Checked(false).
		WithInitializer(zeroInitializer)
	shape := v.Shape().Clone()
	shape.DType = dtype
	m1 = ctxMoments.VariableWithShape(v.Name()+"_1st_moment", shape).SetTrainable(false)
	m2 = ctxMoments.VariableWithShape(v.Name()+"_2nd_moment", shape).SetTrainable(false)
	return
}

func zeroInitializer(g *Graph, shape shapes.Shape) *Node {
	return Zeros(g, shape)
}

// Clear deletes the optimizer state: moments, step counter and learning rate.
func (opt *Adam) Clear(ctx *context.Context) error {
	return opt.scope(ctx).DeleteVariablesInScope()
}

// TrainableVariables returns the trainable variables under the given absolute scope, for instance all
// variables of the "/generator" network.
func TrainableVariables(ctx *context.Context, scope string) []*context.Variable {
	var vars []*context.Variable
	for v := range ctx.InAbsPath(scope).IterVariablesInScope() {
		if v.Trainable {
			vars = append(vars, v)
		}
	}
	return vars
}
