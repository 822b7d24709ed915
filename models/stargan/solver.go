// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stargan

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/gan/pkg/datasets/faces"
	"github.com/gomlx/gan/pkg/gan"
	"github.com/gomlx/gan/pkg/imagegrid"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// SamplesFilePattern is the name of the translation grids, for the number of completed iterations in
	// training, or for the batch number in test.
	SamplesFilePattern = "%d-images.jpg"

	LossPlotFile = "losses.png"
)

// excludeParams are never loaded from a checkpoint: they control the run, not the model.
var excludeParams = []string{ParamNumCheckpoints, ParamNumWorkers, ParamPlotStep, ParamLogStep, ParamSampleStep}

// SamplesGrid is the layout of the translation grids: one row per image, with the input followed by its
// translation to every domain.
var SamplesGrid = imagegrid.Options{NRow: 1, Padding: 0}

// Config of a StarGAN run. The hyperparameters are in Context.
type Config struct {
	Backend backends.Backend
	Context *context.Context

	// ParamsSet are the hyperparameters set by the user, which are not overwritten when loading a checkpoint.
	ParamsSet []string

	// CelebAImageDir and CelebAAttrPath locate the CelebA images and the attributes file.
	CelebAImageDir, CelebAAttrPath string

	// RaFDImageDir holds one sub-directory per expression.
	RaFDImageDir string

	// ModelSaveDir is the checkpoint directory.
	ModelSaveDir string

	// SampleDir receives the samples generated during training, and ResultDir the translations of the
	// test split.
	SampleDir, ResultDir string

	// Resume training from the latest checkpoint in ModelSaveDir. If false ModelSaveDir must not have
	// checkpoints yet.
	Resume bool

	// ProgressBar enables the terminal progress bar.
	ProgressBar bool
}

// NewDataset creates the dataset configured in the context for the split.
func NewDataset(config *Config, split faces.Split) (*faces.Dataset, error) {
	ctx := config.Context
	kind := DatasetKind(ctx)
	opts := faces.Options{
		BatchSize: context.GetParamOr(ctx, ParamBatchSize, 16),
		ImageSize: context.GetParamOr(ctx, ParamImageSize, 128),
		Seed:      int64(context.GetParamOr(ctx, ParamSeed, 1234)),
	}
	numDomains := NumDomains(ctx)
	if kind == faces.RaFD {
		opts.CropSize = context.GetParamOr(ctx, ParamRaFDCropSize, faces.RaFDCropSize)
		imageDir, err := fsutil.ReplaceTildeInDir(config.RaFDImageDir)
		if err != nil {
			return nil, err
		}
		ds, classes, err := faces.NewRaFD(imageDir, split, opts)
		if err != nil {
			return nil, err
		}
		if len(classes) != numDomains {
			return nil, errors.Errorf("RaFD in %q has %d classes %q, but %q=%d", imageDir, len(classes), classes,
				ParamC2Dim, numDomains)
		}
		return ds, nil
	}

	opts.CropSize = context.GetParamOr(ctx, ParamCelebACropSize, faces.CelebACropSize)
	selectedAttrs := SelectedAttributes(ctx)
	if len(selectedAttrs) != numDomains {
		return nil, errors.Errorf("%q has %d attributes, but %q=%d", ParamSelectedAttrs, len(selectedAttrs),
			ParamCDim, numDomains)
	}
	imageDir, err := fsutil.ReplaceTildeInDir(config.CelebAImageDir)
	if err != nil {
		return nil, err
	}
	attrPath, err := fsutil.ReplaceTildeInDir(config.CelebAAttrPath)
	if err != nil {
		return nil, err
	}
	return faces.NewCelebA(imageDir, attrPath, selectedAttrs, split, opts)
}

// loadCheckpoint attaches the checkpoints in ModelSaveDir to the context, loading the latest if there
// is one. It returns whether a checkpoint was loaded.
func loadCheckpoint(config *Config) (*checkpoints.Handler, bool, error) {
	ctx := config.Context
	dir, err := fsutil.ReplaceTildeInDir(config.ModelSaveDir)
	if err != nil {
		return nil, false, err
	}
	handler, err := gan.LoadCheckpoint(ctx, dir, context.GetParamOr(ctx, ParamNumCheckpoints, 3),
		slices.Concat(excludeParams, config.ParamsSet)...)
	if err != nil {
		return nil, false, err
	}
	loaded, err := handler.HasCheckpoints()
	if err != nil {
		return nil, false, errors.WithMessagef(err, "listing checkpoints in %q", dir)
	}
	return handler, loaded, nil
}

// Translator runs the generator on a batch for a list of target domains.
type Translator struct {
	exec *context.Exec
}

// NewTranslator creates the generator executor. Variables are created if they don't exist yet.
func NewTranslator(backend backends.Backend, ctx *context.Context) (*Translator, error) {
	exec, err := context.NewExec(backend, ctx.Checked(false), func(ctx *context.Context, x, c *Node) *Node {
		ctx.SetTraining(x.Graph(), false)
		return Generator(ctx, x, c)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating translator")
	}
	return &Translator{exec: exec}, nil
}

// Grid returns the images of x, shaped `[batch, height, width, 3]`, followed by their translation to each of
// the targets, concatenated along the width and mapped to [0, 1].
func (tr *Translator) Grid(x *tensors.Tensor, targets []*tensors.Tensor) (*tensors.Tensor, error) {
	columns := []*tensors.Tensor{x}
	defer func() {
		for _, column := range columns[1:] {
			column.FinalizeAll()
		}
	}()
	for _, target := range targets {
		fake, err := tr.exec.Exec1(x, target)
		if err != nil {
			return nil, errors.WithMessage(err, "translating images")
		}
		columns = append(columns, fake)
	}
	concat, err := imagegrid.ConcatWidth(columns...)
	if err != nil {
		return nil, err
	}
	defer concat.FinalizeAll()
	return imagegrid.Denorm(concat), nil
}

// SaveGrid translates x to every target domain and saves the grid into filePath.
func (tr *Translator) SaveGrid(x *tensors.Tensor, targets []*tensors.Tensor, filePath string) error {
	grid, err := tr.Grid(x, targets)
	if err != nil {
		return err
	}
	defer grid.FinalizeAll()
	return imagegrid.Save(grid, filePath, SamplesGrid)
}

// Train trains StarGAN for num_iters iterations, or continues training up to it if Resume is set.
func Train(config *Config) error {
	ctx := config.Context
	backend := config.Backend
	sampleDir, err := fsutil.ReplaceTildeInDir(config.SampleDir)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(sampleDir, 0777); err != nil {
		return errors.Wrapf(err, "creating samples directory")
	}
	checkpoint, loaded, err := loadCheckpoint(config)
	if err != nil {
		return err
	}
	if loaded && !config.Resume {
		return errors.Errorf("%q already has checkpoints: resume training from them, or use another directory",
			checkpoint.Dir())
	}
	seed := int64(context.GetParamOr(ctx, ParamSeed, 1234))
	if !loaded {
		if err := ctx.SetRNGStateFromSeed(seed); err != nil {
			return errors.WithMessage(err, "seeding the random number generator")
		}
	}
	kind := DatasetKind(ctx)
	numDomains := NumDomains(ctx)
	selectedAttrs := SelectedAttributes(ctx)

	faceDS, err := NewDataset(config, faces.Train)
	if err != nil {
		return err
	}
	var ds train.Dataset = faceDS
	if numWorkers := context.GetParamOr(ctx, ParamNumWorkers, 1); numWorkers > 0 {
		ds = faces.Prefetch(faceDS, numWorkers, 2*numWorkers)
	}
	batches := gan.DatasetBatches(ds)

	// The first batch is kept to monitor the translations during training.
	fixed, err := batches()
	if err != nil {
		return err
	}
	xFixed := fixed[0]
	targetsFixed, err := CreateLabels(fixed[1], kind, selectedAttrs, numDomains)
	if err != nil {
		return err
	}
	fixed[1].FinalizeAll()
	translator, err := NewTranslator(backend, ctx)
	if err != nil {
		return err
	}

	gLR := context.GetParamOr(ctx, ParamGLR, 1e-4)
	dLR := context.GetParamOr(ctx, ParamDLR, 1e-4)
	beta1 := context.GetParamOr(ctx, ParamBeta1, 0.5)
	beta2 := context.GetParamOr(ctx, ParamBeta2, 0.999)
	discriminator := gan.Network{
		Scope:     context.RootScope + DiscriminatorScope,
		Optimizer: gan.NewAdam("d", dLR, beta1, beta2),
		StepGraph: DiscriminatorStep,
		LossNames: []string{"D/loss", "D/loss_real", "D/loss_fake", "D/loss_cls", "D/loss_gp"},
	}
	generator := gan.Network{
		Scope:     context.RootScope + GeneratorScope,
		Optimizer: gan.NewAdam("g", gLR, beta1, beta2),
		StepGraph: GeneratorStep,
		LossNames: []string{"G/loss", "G/loss_fake", "G/loss_rec", "G/loss_cls"},
	}
	schedule := gan.EveryNth(context.GetParamOr(ctx, ParamNCritic, 5))
	rng := rand.New(rand.NewSource(seed))
	trainer, err := gan.NewTrainer(backend, ctx, discriminator, generator, schedule, WithTargetLabels(batches, rng))
	if err != nil {
		return err
	}
	startIter, err := trainer.GlobalStep()
	if err != nil {
		return err
	}
	// The target labels are reproducible for a given seed and start iteration.
	rng.Seed(seed + int64(startIter))

	numIters := context.GetParamOr(ctx, ParamNumIters, 200000)
	numItersDecay := context.GetParamOr(ctx, ParamNumItersDecay, 100000)
	lrUpdateStep := context.GetParamOr(ctx, ParamLRUpdateStep, 1000)
	loop := gan.NewLoop(trainer, startIter)
	if config.ProgressBar {
		gan.AttachProgressBar(loop)
	}
	gan.LogLosses(loop, context.GetParamOr(ctx, ParamLogStep, 10), numIters)
	gan.EveryNSteps(loop, context.GetParamOr(ctx, ParamSampleStep, 1000), "stargan.Samples", 25,
		func(loop *gan.Loop, _ gan.Losses) error {
			samplePath := filepath.Join(sampleDir, fmt.Sprintf(SamplesFilePattern, loop.Iteration+1))
			if err := translator.SaveGrid(xFixed, targetsFixed, samplePath); err != nil {
				return err
			}
			klog.Infof("Saved real and fake images into %s...", samplePath)
			return nil
		})
	gan.SaveCheckpoints(loop, checkpoint, context.GetParamOr(ctx, ParamModelSaveStep, 10000))
	for _, net := range []gan.Network{generator, discriminator} {
		base := gLR
		if net.Scope == discriminator.Scope {
			base = dLR
		}
		decay := gan.LinearDecay{Base: base, NumIters: numIters, NumItersDecay: numItersDecay, UpdateEvery: lrUpdateStep}
		gan.DecayLearningRate(loop, ctx, net.Optimizer, decay)
	}
	var history *gan.LossHistory
	if plotStep := context.GetParamOr(ctx, ParamPlotStep, 0); plotStep > 0 {
		history = gan.NewLossHistory(loop, plotStep)
	}

	if startIter >= numIters {
		klog.Infof("Target of %d iterations already reached, nothing to train.", numIters)
		return nil
	}
	klog.Infof("Start training from iteration %d: %s", startIter, schedule)
	if _, err = loop.RunTo(numIters); err != nil {
		return err
	}
	klog.Infof("Trained %d iterations in %s, median iteration time %s",
		loop.Iteration-loop.StartIteration, gan.FormatElapsed(loop.Elapsed()), loop.MedianStepDuration())
	if history != nil {
		if err = history.Plot("StarGAN "+string(kind), filepath.Join(sampleDir, LossPlotFile)); err != nil {
			return err
		}
	}
	return nil
}

// Test translates the images of the test split to every domain with the latest checkpoint, saving one grid
// per batch into ResultDir.
func Test(config *Config) error {
	ctx := config.Context
	resultDir, err := fsutil.ReplaceTildeInDir(config.ResultDir)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(resultDir, 0777); err != nil {
		return errors.Wrapf(err, "creating results directory")
	}
	checkpoint, loaded, err := loadCheckpoint(config)
	if err != nil {
		return err
	}
	if !loaded {
		return errors.Errorf("no checkpoints to test in %q", checkpoint.Dir())
	}
	ds, err := NewDataset(config, faces.Test)
	if err != nil {
		return err
	}
	translator, err := NewTranslator(config.Backend, ctx)
	if err != nil {
		return err
	}
	selectedAttrs := SelectedAttributes(ctx)
	for batchIdx := 0; ; batchIdx++ {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			klog.Infof("Translated %d batches of the test split into %s", batchIdx, resultDir)
			return nil
		}
		if err != nil {
			return err
		}
		targets, err := CreateLabels(labels[0], ds.Kind(), selectedAttrs, NumDomains(ctx))
		if err != nil {
			return err
		}
		resultPath := filepath.Join(resultDir, fmt.Sprintf(SamplesFilePattern, batchIdx+1))
		if err = translator.SaveGrid(inputs[0], targets, resultPath); err != nil {
			return err
		}
		klog.V(1).Infof("Saved real and fake images into %s...", resultPath)
		for _, t := range slices.Concat(inputs, labels, targets) {
			t.FinalizeAll()
		}
	}
}
