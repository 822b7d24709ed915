// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gan implements the adversarial training machinery shared by the GAN models: alternating
// critic and generator updates with separate optimizers, gradient penalty, Wasserstein and
// auxiliary losses, learning-rate decay and a training loop with hooks for logging, sampling and
// checkpointing.
package gan

import (
	"io"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StepGraphFn builds the loss of one network for a batch of inputs. It returns the loss to minimize
// followed by the reported losses, in the order of the Network's LossNames.
//
// It is called with a context with checking disabled, so the networks can be built more than once
// in the same graph and in both step graphs.
type StepGraphFn func(ctx *context.Context, inputs []*Node) (loss *Node, reports []*Node)

// Network configures the update of one of the two adversaries.
type Network struct {
	// Scope is the absolute scope of the network variables, e.g.: "/generator".
	// Only trainable variables under it are updated.
	Scope string

	// Optimizer for the variables under Scope.
	Optimizer *Adam

	// StepGraph builds the loss of the network.
	StepGraph StepGraphFn

	// LossNames are the names of the loss (first) and each of the reports returned by StepGraph.
	LossNames []string
}

// BatchFn returns the inputs of the next iteration. Both step graphs receive the same inputs.
type BatchFn func() ([]*tensors.Tensor, error)

// Trainer runs adversarial training iterations: the critic is updated at every iteration and the
// generator whenever the Schedule says so.
//
// The global step, the iteration count saved with checkpoints, is incremented by the critic update.
type Trainer struct {
	backend             backends.Backend
	ctx                 *context.Context
	critic, generator   Network
	schedule            Schedule
	nextBatch           BatchFn
	criticExec          *context.Exec
	generatorExec       *context.Exec
	lastGeneratorLosses Losses
}

// NewTrainer creates the step executors of the critic and the generator. Graphs are only built (and
// variables created) on the first iteration.
func NewTrainer(backend backends.Backend, ctx *context.Context, critic, generator Network,
	schedule Schedule, nextBatch BatchFn) (*Trainer, error) {
	t := &Trainer{
		backend:   backend,
		ctx:       ctx,
		critic:    critic,
		generator: generator,
		schedule:  schedule,
		nextBatch: nextBatch,
	}
	var err error
	t.criticExec, err = context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return t.stepGraph(ctx, inputs, t.critic, true)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating critic train step")
	}
	t.generatorExec, err = context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return t.stepGraph(ctx, inputs, t.generator, false)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating generator train step")
	}
	return t, nil
}

// Context used by the trainer.
func (t *Trainer) Context() *context.Context { return t.ctx }

// Backend used by the trainer.
func (t *Trainer) Backend() backends.Backend { return t.backend }

// Critic returns the critic network configuration.
func (t *Trainer) Critic() Network { return t.critic }

// Generator returns the generator network configuration.
func (t *Trainer) Generator() Network { return t.generator }

// GlobalStep returns the number of completed iterations stored in the context.
func (t *Trainer) GlobalStep() (step int, err error) {
	err = exceptions.TryCatch[error](func() {
		step = int(optimizers.GetGlobalStep(t.ctx))
	})
	return
}

// stepGraph builds the loss of the network and its optimizer update.
func (t *Trainer) stepGraph(ctx *context.Context, inputs []*Node, net Network, incrementGlobalStep bool) []*Node {
	g := inputs[0].Graph()
	ctx = ctx.Checked(false)
	ctx.SetTraining(g, true)
	loss, reports := net.StepGraph(ctx, inputs)
	if len(reports)+1 != len(net.LossNames) {
		exceptions.Panicf("network %q step returned %d values, but it has %d loss names",
			net.Scope, len(reports)+1, len(net.LossNames))
	}
	vars := TrainableVariables(ctx, net.Scope)
	if len(vars) == 0 {
		exceptions.Panicf("no trainable variables under scope %q", net.Scope)
	}
	net.Optimizer.UpdateGraph(ctx, loss, vars)
	if incrementGlobalStep {
		_ = optimizers.IncrementGlobalStepGraph(ctx.InAbsPath(context.RootScope), g, dtypes.Int64)
	}
	return append([]*Node{loss}, reports...)
}

// TrainStep implements StepTrainer: it updates the critic and, if scheduled, the generator.
//
// The losses of the generator are from its last update, and are absent before its first update.
func (t *Trainer) TrainStep(i int) (Losses, error) {
	inputs, err := t.nextBatch()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading batch for iteration %d", i)
	}
	defer func() {
		for _, input := range inputs {
			input.FinalizeAll()
		}
	}()
	args := make([]any, len(inputs))
	for ii, input := range inputs {
		args[ii] = input
	}

	losses, err := runStep(t.criticExec, t.critic, args)
	if err != nil {
		return nil, errors.WithMessagef(err, "critic update at iteration %d", i)
	}
	if t.schedule.UpdateGenerator(i) {
		t.lastGeneratorLosses, err = runStep(t.generatorExec, t.generator, args)
		if err != nil {
			return nil, errors.WithMessagef(err, "generator update at iteration %d", i)
		}
		klog.V(2).Infof("iteration %d: generator updated", i)
	}
	return append(losses, t.lastGeneratorLosses...), nil
}

// runStep executes one network update and converts its outputs to named losses.
func runStep(exec *context.Exec, net Network, args []any) (Losses, error) {
	outputs, err := exec.Exec(args...)
	if err != nil {
		return nil, err
	}
	losses := make(Losses, len(outputs))
	for ii, output := range outputs {
		losses[ii] = Loss{Name: net.LossNames[ii], Value: shapes.ConvertTo[float64](output.Value())}
		output.FinalizeAll()
	}
	return losses, nil
}

// DatasetBatches returns a BatchFn that yields the inputs followed by the labels of ds. At the end of the
// dataset (io.EOF) it resets ds and starts over, so training runs for any number of iterations.
func DatasetBatches(ds train.Dataset) BatchFn {
	return func() ([]*tensors.Tensor, error) {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			klog.V(1).Infof("dataset %q exhausted, restarting", ds.Name())
			ds.Reset()
			_, inputs, labels, err = ds.Yield()
			if err == io.EOF {
				return nil, errors.Errorf("dataset %q is empty", ds.Name())
			}
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "reading from dataset %q", ds.Name())
		}
		if len(inputs)+len(labels) == 0 {
			return nil, errors.Errorf("dataset %q yielded no tensors", ds.Name())
		}
		return append(inputs, labels...), nil
	}
}
