// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wgangp

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/gan/pkg/datasets/mnist"
	"github.com/gomlx/gan/pkg/gan"
	"github.com/gomlx/gan/pkg/imagegrid"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	RealSamplesFile        = "real_samples.png"
	FakeSamplesFilePattern = "fake_samples_epoch_%03d.png"
	LossPlotFile           = "losses.png"
)

var (
	// FakeSamplesGrid is the layout of the generated samples.
	FakeSamplesGrid = imagegrid.Options{NRow: 10, Padding: 2, Normalize: true}

	// RealSamplesGrid is the layout of the real samples.
	RealSamplesGrid = imagegrid.Options{NRow: 8, Padding: 2, Normalize: true}
)

// excludeParams are never loaded from a checkpoint: they control the run, not the model.
var excludeParams = []string{ParamTrainSteps, ParamNumEpochs, ParamNumCheckpoints, ParamPlotStep}

// Config of a training run. The hyperparameters are in Context.
type Config struct {
	Backend backends.Backend
	Context *context.Context

	// ParamsSet are the hyperparameters set by the user, which are not overwritten when loading a checkpoint.
	ParamsSet []string

	// DataDir holds the MNIST files, downloaded if missing.
	DataDir string

	// OutputDir receives the samples and the loss plot.
	OutputDir string

	// CheckpointDir is where training is saved to and resumed from. If empty, no checkpoints are used.
	CheckpointDir string

	// ProgressBar enables the terminal progress bar.
	ProgressBar bool
}

// Sampler generates a batch of images from fresh noise.
type Sampler struct {
	exec *context.Exec
}

// NewSampler creates a sampler of batchSize images. The generator variables are created if they don't
// exist yet.
func NewSampler(backend backends.Backend, ctx *context.Context, batchSize int) (*Sampler, error) {
	exec, err := context.NewExec(backend, ctx.Checked(false), func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, false)
		return Generator(ctx, Noise(ctx, g, batchSize))
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating sampler")
	}
	return &Sampler{exec: exec}, nil
}

// Sample returns images shaped `[batchSize, 28, 28, 1]`.
func (s *Sampler) Sample() (*tensors.Tensor, error) {
	images, err := s.exec.Exec1()
	if err != nil {
		return nil, errors.WithMessage(err, "sampling generator")
	}
	return images, nil
}

// Save generates a batch and saves it as FakeSamplesFilePattern for the given id.
func (s *Sampler) Save(outputDir string, id int) error {
	images, err := s.Sample()
	if err != nil {
		return err
	}
	defer images.FinalizeAll()
	filePath := filepath.Join(outputDir, fmt.Sprintf(FakeSamplesFilePattern, id))
	if err = imagegrid.Save(images, filePath, FakeSamplesGrid); err != nil {
		return err
	}
	klog.V(1).Infof("Saved samples into %s", filePath)
	return nil
}

// realSamplesTap passes the batches through, keeping a copy of the images of the iterations where
// samples are saved.
type realSamplesTap struct {
	next      gan.BatchFn
	iteration int
	keep      func(iteration int) bool
	images    *tensors.Tensor
}

func (tap *realSamplesTap) nextBatch() ([]*tensors.Tensor, error) {
	inputs, err := tap.next()
	if err != nil {
		return nil, err
	}
	if tap.keep(tap.iteration) {
		if tap.images != nil {
			tap.images.FinalizeAll()
		}
		tap.images, err = inputs[0].LocalClone()
		if err != nil {
			return nil, errors.WithMessage(err, "copying real samples")
		}
	}
	tap.iteration++
	return inputs, nil
}

// TrainModel trains the WGAN-GP on the MNIST train split.
//
// Iterations are organized in epochs over the data: the generator schedule, the logging and the sample
// export all count iterations from the start of the current epoch.
func TrainModel(config *Config) error {
	ctx := config.Context
	backend := config.Backend
	dataDir, err := fsutil.ReplaceTildeInDir(config.DataDir)
	if err != nil {
		return err
	}
	outputDir, err := fsutil.ReplaceTildeInDir(config.OutputDir)
	if err != nil {
		return err
	}
	for _, dir := range []string{dataDir, outputDir} {
		if err = os.MkdirAll(dir, 0777); err != nil {
			return errors.Wrapf(err, "creating directory %q", dir)
		}
	}
	if err = mnist.Download(dataDir); err != nil {
		return err
	}

	// Checkpoint: loading it restores the hyperparameters, so it comes before reading them.
	var checkpoint *checkpoints.Handler
	resuming := false
	if config.CheckpointDir != "" {
		checkpointDir, err := fsutil.ReplaceTildeInDir(config.CheckpointDir)
		if err != nil {
			return err
		}
		numCheckpoints := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint, err = gan.LoadCheckpoint(ctx, checkpointDir, numCheckpoints,
			slices.Concat(excludeParams, config.ParamsSet)...)
		if err != nil {
			return err
		}
		if resuming, err = checkpoint.HasCheckpoints(); err != nil {
			return errors.WithMessage(err, "listing checkpoints")
		}
		klog.Infof("Checkpointing model to %q", checkpoint.Dir())
	}
	seed := int64(context.GetParamOr(ctx, ParamSeed, 9102))
	if !resuming {
		if err := ctx.SetRNGStateFromSeed(seed); err != nil {
			return errors.WithMessage(err, "seeding the random number generator")
		}
	}

	batchSize := context.GetParamOr(ctx, ParamBatchSize, 50)
	ds, err := mnist.NewDataset(dataDir, mnist.Train, batchSize, seed)
	if err != nil {
		return err
	}
	stepsPerEpoch := ds.BatchesPerEpoch()
	numEpochs := context.GetParamOr(ctx, ParamNumEpochs, 200000)
	numIters := numEpochs * stepsPerEpoch
	if trainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0); trainSteps > 0 {
		numIters = trainSteps
	}
	sampleStep := context.GetParamOr(ctx, ParamSampleStep, 100)
	isSampleIteration := func(iteration int) bool {
		return sampleStep > 0 && (iteration%stepsPerEpoch+1)%sampleStep == 0
	}

	sampler, err := NewSampler(backend, ctx, batchSize)
	if err != nil {
		return err
	}
	if !resuming {
		if err = sampler.Save(outputDir, 0); err != nil {
			return err
		}
	}

	lr := context.GetParamOr(ctx, ParamLearningRate, 1e-4)
	beta1 := context.GetParamOr(ctx, ParamAdamBeta1, 0.5)
	beta2 := context.GetParamOr(ctx, ParamAdamBeta2, 0.9)
	critic := gan.Network{
		Scope:     context.RootScope + CriticScope,
		Optimizer: gan.NewAdam("critic", lr, beta1, beta2),
		StepGraph: CriticStep,
		LossNames: []string{"Loss_D", "Wasserstein_D", "GP"},
	}
	generator := gan.Network{
		Scope:     context.RootScope + GeneratorScope,
		Optimizer: gan.NewAdam("generator", lr, beta1, beta2),
		StepGraph: GeneratorStep,
		LossNames: []string{"Loss_G"},
	}
	schedule := gan.PerEpoch{
		Schedule:      gan.CriticFirst(context.GetParamOr(ctx, ParamCriticIters, 5)),
		StepsPerEpoch: stepsPerEpoch,
	}
	tap := &realSamplesTap{next: gan.DatasetBatches(ds), keep: isSampleIteration}
	trainer, err := gan.NewTrainer(backend, ctx, critic, generator, schedule, tap.nextBatch)
	if err != nil {
		return err
	}
	globalStep, err := trainer.GlobalStep()
	if err != nil {
		return err
	}
	tap.iteration = globalStep
	klog.Infof("WGAN-GP: %d iterations per epoch, %s", stepsPerEpoch, schedule)

	loop := gan.NewLoop(trainer, globalStep)
	if config.ProgressBar {
		gan.AttachProgressBar(loop)
	}
	logStep := context.GetParamOr(ctx, ParamLogStep, 50)
	loop.OnStep("wgangp.Log", 20, func(loop *gan.Loop, losses gan.Losses) error {
		epoch, i := loop.Iteration/stepsPerEpoch, loop.Iteration%stepsPerEpoch
		if logStep > 0 && (i+1)%logStep == 0 {
			klog.Infof("[%d/%d][%d/%d] %s", epoch, numEpochs, i, stepsPerEpoch, losses)
		}
		return nil
	})
	loop.OnStep("wgangp.Samples", 25, func(loop *gan.Loop, _ gan.Losses) error {
		if !isSampleIteration(loop.Iteration) {
			return nil
		}
		if err := imagegrid.Save(tap.images, filepath.Join(outputDir, RealSamplesFile), RealSamplesGrid); err != nil {
			return err
		}
		return sampler.Save(outputDir, loop.Iteration/stepsPerEpoch)
	})
	if checkpoint != nil {
		gan.SaveCheckpoints(loop, checkpoint, context.GetParamOr(ctx, ParamCheckpointStep, 1000))
	}
	var history *gan.LossHistory
	if plotStep := context.GetParamOr(ctx, ParamPlotStep, 0); plotStep > 0 {
		history = gan.NewLossHistory(loop, plotStep)
	}

	if globalStep >= numIters {
		klog.Infof("Target of %d iterations already reached, nothing to train.", numIters)
		return nil
	}
	if _, err = loop.RunTo(numIters); err != nil {
		return err
	}
	klog.Infof("Trained %d iterations in %s, median iteration time %s",
		loop.Iteration-loop.StartIteration, gan.FormatElapsed(loop.Elapsed()), loop.MedianStepDuration())
	if history != nil {
		if err = history.Plot("WGAN-GP MNIST", filepath.Join(outputDir, LossPlotFile)); err != nil {
			return err
		}
	}
	return nil
}
