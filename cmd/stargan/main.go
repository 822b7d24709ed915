// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// stargan trains a StarGAN translating face images across domains, or translates the test split with a
// trained model.
//
// Hyperparameters are set with -set, for instance:
//
//	stargan -mode=train -rafd_image_dir=~/data/RaFD/train -set="dataset=RaFD;c2_dim=8;image_size=128"
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/gan/models/stargan"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagMode           = flag.String("mode", "train", "Either \"train\" or \"test\".")
	flagResume         = flag.Bool("resume", false, "Resume training from the latest checkpoint in -model_save_dir.")
	flagCelebAImageDir = flag.String("celeba_image_dir", "data/celeba/images", "Directory with the CelebA images.")
	flagAttrPath       = flag.String("attr_path", "data/celeba/list_attr_celeba.txt", "CelebA attributes file.")
	flagRaFDImageDir   = flag.String("rafd_image_dir", "data/RaFD/train", "Directory with one sub-directory of images per RaFD expression.")
	flagModelSaveDir   = flag.String("model_save_dir", "stargan/models", "Directory where checkpoints are saved to and loaded from.")
	flagSampleDir      = flag.String("sample_dir", "stargan/samples", "Directory where the samples generated during training are saved.")
	flagResultDir      = flag.String("result_dir", "stargan/results", "Directory where the translations of the test split are saved.")
	flagProgress       = flag.Bool("progress", true, "Display a progress bar while training.")
)

func main() {
	ctx := stargan.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if len(paramsSet) > 0 {
		fmt.Printf("Hyperparameters set:\n%s\n", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	backend := backends.MustNew()
	klog.Infof("Backend: %s", backend.Description())
	config := &stargan.Config{
		Backend:        backend,
		Context:        ctx,
		ParamsSet:      paramsSet,
		CelebAImageDir: *flagCelebAImageDir,
		CelebAAttrPath: *flagAttrPath,
		RaFDImageDir:   *flagRaFDImageDir,
		ModelSaveDir:   *flagModelSaveDir,
		SampleDir:      *flagSampleDir,
		ResultDir:      *flagResultDir,
		Resume:         *flagResume,
		ProgressBar:    *flagProgress,
	}
	var err error
	switch *flagMode {
	case "train":
		err = stargan.Train(config)
	case "test":
		err = stargan.Test(config)
	default:
		klog.Fatalf("Invalid -mode=%q, valid values are \"train\" or \"test\"", *flagMode)
	}
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
