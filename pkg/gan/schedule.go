// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"fmt"
)

// Schedule decides at which iterations (0-based) the generator is updated. The critic is updated
// at every iteration.
type Schedule interface {
	// UpdateGenerator reports whether the generator is updated at iteration i, after the critic.
	UpdateGenerator(i int) bool

	// String describes the schedule, for logging.
	String() string
}

// CriticFirst updates the generator every N iterations, but never at iteration 0:
// the critic gets a head start before the first generator update.
type CriticFirst int

// UpdateGenerator implements Schedule.
func (n CriticFirst) UpdateGenerator(i int) bool {
	return i > 0 && i%int(n) == 0
}

func (n CriticFirst) String() string {
	return fmt.Sprintf("generator updated every %d iterations after iteration 0", int(n))
}

// EveryNth updates the generator after every N critic updates, that is, when `(i+1) % N == 0`.
type EveryNth int

// UpdateGenerator implements Schedule.
func (n EveryNth) UpdateGenerator(i int) bool {
	return (i+1)%int(n) == 0
}

func (n EveryNth) String() string {
	return fmt.Sprintf("generator updated once every %d critic updates", int(n))
}

// LinearDecay is a learning rate schedule that keeps the base learning rate for
// `NumIters - NumItersDecay` iterations and then decreases it linearly: it subtracts
// `Base / NumItersDecay` every UpdateEvery iterations.
type LinearDecay struct {
	Base                    float64
	NumIters, NumItersDecay int
	UpdateEvery             int
}

// Decays reports whether the learning rate is decreased after iteration i (0-based) completes,
// which happens when `(i+1) % UpdateEvery == 0` and `i+1 > NumIters - NumItersDecay`.
func (d LinearDecay) Decays(i int) bool {
	if d.NumItersDecay <= 0 || d.UpdateEvery <= 0 {
		return false
	}
	done := i + 1
	return done%d.UpdateEvery == 0 && done > d.NumIters-d.NumItersDecay
}

// At returns the learning rate in use after `completed` iterations, accounting for every decay step
// taken so far. Used to restore the learning rate when resuming training.
func (d LinearDecay) At(completed int) float64 {
	lr := d.Base
	if d.NumItersDecay <= 0 || d.UpdateEvery <= 0 {
		return lr
	}
	decrement := d.Base / float64(d.NumItersDecay)
	for i := d.UpdateEvery - 1; i < completed; i += d.UpdateEvery {
		if d.Decays(i) {
			lr -= decrement
		}
	}
	return lr
}

// PerEpoch applies Schedule to the iteration index within the epoch, `i % StepsPerEpoch`, for loops where
// the schedule restarts with every pass over the data.
type PerEpoch struct {
	Schedule      Schedule
	StepsPerEpoch int
}

// UpdateGenerator implements Schedule.
func (p PerEpoch) UpdateGenerator(i int) bool {
	return p.Schedule.UpdateGenerator(i % p.StepsPerEpoch)
}

func (p PerEpoch) String() string {
	return fmt.Sprintf("%s, restarting every %d iterations", p.Schedule, p.StepsPerEpoch)
}
