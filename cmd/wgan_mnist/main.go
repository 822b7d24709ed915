// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// wgan_mnist trains a WGAN-GP generating MNIST digits.
//
// Hyperparameters are set with -set, for instance:
//
//	wgan_mnist -checkpoint=~/work/wgan -set="batch_size=64;critic_iters=5;num_epochs=20"
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/gan/models/wgangp"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "data/mnist", "Directory where the MNIST files are downloaded to.")
	flagOutputDir  = flag.String("output", "data/mnist/sample", "Directory where the generated samples and the losses plot are saved.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")
	flagProgress   = flag.Bool("progress", true, "Display a progress bar while training.")
)

func main() {
	ctx := wgangp.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if len(paramsSet) > 0 {
		fmt.Printf("Hyperparameters set:\n%s\n", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	backend := backends.MustNew()
	klog.Infof("Backend: %s", backend.Description())
	err := wgangp.TrainModel(&wgangp.Config{
		Backend:       backend,
		Context:       ctx,
		ParamsSet:     paramsSet,
		DataDir:       *flagDataDir,
		OutputDir:     *flagOutputDir,
		CheckpointDir: *flagCheckpoint,
		ProgressBar:   *flagProgress,
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
