// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gan_checkpoints reports the contents of a checkpoint saved by the GAN trainers: the training progress,
// the sizes of the networks, the optimizers, the hyperparameters and the variables.
//
// Usage:
//
//	gan_checkpoints [-summary] [-params] [-vars] [-scope=/generator] <checkpoint_dir>
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "",
		"The scope of the variables listed with -vars, for instance \"/generator\". If empty all variables are listed.")
	flagSummary = flag.Bool("summary", true, "Display the global step, the sizes of the networks and the optimizers state.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars    = flag.Bool("vars", false, "Lists the variables under -scope.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one checkpoint directory, got %d arguments. See 'gan_checkpoints -help'.", len(args))
		os.Exit(1)
	}
	fmt.Print(report(args[0]))
}

// report loads the checkpoint in checkpointPath and renders the sections selected by the flags.
func report(checkpointPath string) string {
	ctx := context.New()
	_ = must.M1(checkpoints.Build(ctx).Dir(checkpointPath).Immediate().Done())
	var out string
	if *flagSummary {
		out += Summary(ctx, checkpointPath)
	}
	if *flagParams {
		out += Params(ctx)
	}
	if *flagVars {
		scopedCtx := ctx
		if *flagScope != "" {
			scopedCtx = ctx.InAbsPath(*flagScope)
		}
		out += Variables(scopedCtx)
	}
	return out
}
