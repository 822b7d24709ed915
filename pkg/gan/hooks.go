// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"fmt"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FormatElapsed formats a duration as "h:mm:ss", dropping the fractions of a second.
func FormatElapsed(d time.Duration) string {
	total := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

// LogLosses logs the losses every n iterations, as
// "Elapsed [h:mm:ss], Iteration [i/N], name: value, ...".
func LogLosses(loop *Loop, n, numIters int) {
	EveryNSteps(loop, n, "gan.LogLosses", 20, func(loop *Loop, losses Losses) error {
		klog.Infof("Elapsed [%s], Iteration [%d/%d], %s",
			FormatElapsed(loop.Elapsed()), loop.Iteration+1, numIters, losses)
		return nil
	})
}

// LoadCheckpoint attaches a checkpoint handler to ctx for dir, which is created if it doesn't exist.
// If dir has checkpoints, the latest is loaded: variables (including the global step, hence the
// iteration to resume from) and hyperparameters, except those listed in excludeParams.
func LoadCheckpoint(ctx *context.Context, dir string, keep int, excludeParams ...string) (*checkpoints.Handler, error) {
	handler, err := checkpoints.Build(ctx).Dir(dir).Keep(keep).ExcludeParams(excludeParams...).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint from %q", dir)
	}
	return handler, nil
}

// SaveCheckpoints saves a checkpoint every n iterations and at the end of each run.
func SaveCheckpoints(loop *Loop, handler *checkpoints.Handler, n int) {
	lastSaved := -1
	save := func(completed int) error {
		if completed == lastSaved {
			return nil
		}
		if err := handler.Save(); err != nil {
			return errors.WithMessagef(err, "saving checkpoint after %d iterations", completed)
		}
		lastSaved = completed
		klog.Infof("Saved model checkpoints into %s...", handler.Dir())
		return nil
	}
	EveryNSteps(loop, n, "gan.SaveCheckpoints", 30, func(loop *Loop, _ Losses) error {
		return save(loop.Iteration + 1)
	})
	// After a run Iteration already holds the number of completed iterations.
	loop.OnEnd("gan.SaveCheckpoints", 30, func(loop *Loop, _ Losses) error {
		if loop.Err != nil {
			return nil
		}
		return save(loop.Iteration)
	})
}

// DecayLearningRate sets the learning rate of opt to `decay.At(i)` at the start of a run from iteration i,
// and to `decay.At(i+1)` after every iteration i where `decay.Decays(i)`.
//
// Resumed runs start from the schedule, not from the learning rate saved in the checkpoint.
func DecayLearningRate(loop *Loop, ctx *context.Context, opt *Adam, decay LinearDecay) {
	name := "gan.DecayLearningRate/" + opt.Name()
	loop.OnStart(name, 5, func(loop *Loop) error {
		return opt.SetLearningRate(ctx, decay.At(loop.Iteration))
	})
	loop.OnStep(name, 5, func(loop *Loop, _ Losses) error {
		if !decay.Decays(loop.Iteration) {
			return nil
		}
		lr := decay.At(loop.Iteration + 1)
		if err := opt.SetLearningRate(ctx, lr); err != nil {
			return err
		}
		klog.Infof("Decayed learning rate, %s: %g", opt.Name(), lr)
		return nil
	})
}
