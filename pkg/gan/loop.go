// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"fmt"
	"iter"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Loss is one named scalar reported by a training iteration, e.g.: "D/loss_gp".
type Loss struct {
	Name  string
	Value float64
}

// Losses reported by a training iteration, in the order they should be displayed.
type Losses []Loss

// Get returns the value of the loss with the given name.
func (losses Losses) Get(name string) (value float64, found bool) {
	for _, l := range losses {
		if l.Name == name {
			return l.Value, true
		}
	}
	return 0, false
}

// String formats the losses as "name: value, name: value".
func (losses Losses) String() string {
	parts := make([]string, len(losses))
	for ii, l := range losses {
		parts[ii] = fmt.Sprintf("%s: %.4f", l.Name, l.Value)
	}
	return strings.Join(parts, ", ")
}

// StepTrainer runs one adversarial training iteration.
type StepTrainer interface {
	// TrainStep runs iteration i (0-based) and returns the reported losses. The first loss is the one
	// checked for NaN and infinity.
	TrainStep(i int) (Losses, error)
}

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks. They are called after the iteration loop.Iteration completes.
type OnStepFn func(loop *Loop, losses Losses) error

// OnEndFn is the type of OnEnd hooks. They are also called when the run fails, with loop.Err set.
type OnEndFn func(loop *Loop, losses Losses) error

// Loop runs training iterations of a StepTrainer, calling the registered hooks.
//
// Periodic work (logging, sample export, checkpointing, learning-rate decay) is attached as hooks,
// usually with EveryNSteps.
//
// The public attributes are meant for reading only.
type Loop struct {
	// Trainer runs each iteration.
	Trainer StepTrainer

	// Iteration being executed (0-based). After a run it holds the number of completed iterations.
	Iteration int

	// StartIteration is the value of Iteration at the start of the run.
	StartIteration int

	// EndIteration is one-past the last iteration of the run.
	EndIteration int

	// StartTime of the run.
	StartTime time.Time

	// StepDurations collected during the run.
	StepDurations []time.Duration

	// SharedData allows hooks to publish and consume information.
	SharedData map[string]any

	// Err holds the error that interrupted the run, if any. OnEnd hooks can check it.
	Err error

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a training loop starting at iteration startIteration, usually the global step
// restored from a checkpoint.
func NewLoop(trainer StepTrainer, startIteration int) *Loop {
	return &Loop{
		Trainer:    trainer,
		Iteration:  startIteration,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// RunTo runs iterations until Iteration reaches endIteration. It does nothing if training already
// reached it.
//
// It returns the losses of the last iteration.
func (loop *Loop) RunTo(endIteration int) (losses Losses, err error) {
	if endIteration <= loop.Iteration {
		return nil, nil
	}
	return loop.RunSteps(endIteration - loop.Iteration)
}

// RunSteps runs that many iterations, picking up from the current Iteration.
//
// It returns the losses of the last iteration.
func (loop *Loop) RunSteps(steps int) (losses Losses, err error) {
	if steps <= 0 {
		return nil, nil
	}
	loop.StartIteration = loop.Iteration
	loop.EndIteration = loop.Iteration + steps
	loop.StartTime = time.Now()
	loop.StepDurations = make([]time.Duration, 0, steps)
	loop.Err = nil
	for hook := range loop.onStart.All() {
		if err = hook.fn(loop); err != nil {
			return nil, errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}

	for ; loop.Iteration < loop.EndIteration; loop.Iteration++ {
		stepStart := time.Now()
		losses, err = loop.Trainer.TrainStep(loop.Iteration)
		if err != nil {
			err = errors.WithMessagef(err, "Loop.RunSteps(%d): failed TrainStep(iteration=%d)",
				steps, loop.Iteration)
			break
		}
		loop.StepDurations = append(loop.StepDurations, time.Since(stepStart))
		if err = loop.postStep(losses); err != nil {
			break
		}
	}

	// OnEnd hooks run even if the run failed, the first error is the one returned.
	loop.Err = err
	for hook := range loop.onEnd.All() {
		if hookErr := hook.fn(loop, losses); hookErr != nil {
			hookErr = errors.WithMessagef(hookErr, "OnEnd(hook %q)", hook.name)
			if err != nil {
				klog.Errorf("%+v", hookErr)
				continue
			}
			return nil, hookErr
		}
	}
	if err != nil {
		return nil, err
	}
	return losses, nil
}

// postStep checks the first loss and calls the OnStep hooks.
func (loop *Loop) postStep(losses Losses) error {
	if len(losses) > 0 {
		first := losses[0]
		if math.IsNaN(first.Value) {
			return errors.Errorf("%s is NaN at iteration %d, training interrupted", first.Name, loop.Iteration)
		}
		if math.IsInf(first.Value, 0) {
			return errors.Errorf("%s is infinity (%f) at iteration %d, training interrupted",
				first.Name, first.Value, loop.Iteration)
		}
	}
	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, losses); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q, iteration=%d)", hook.name, loop.Iteration)
		}
	}
	return nil
}

// Elapsed returns the time since the start of the current run.
func (loop *Loop) Elapsed() time.Duration {
	return time.Since(loop.StartTime)
}

// MedianStepDuration returns the median duration of the iterations run so far. It returns 1 millisecond
// if no iteration was recorded (to avoid potential division by 0).
func (loop *Loop) MedianStepDuration() time.Duration {
	if len(loop.StepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.StepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a run.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) called after each iteration.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a run.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// EveryNSteps registers fn to be called after every iteration i with `(i+1) % n == 0`.
// It does nothing if n <= 0.
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		return
	}
	loop.OnStep(name, priority, func(loop *Loop, losses Losses) error {
		if (loop.Iteration+1)%n != 0 {
			return nil
		}
		return fn(loop, losses)
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
