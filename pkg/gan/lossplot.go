// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"image/color"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// LossHistory records the losses of a Loop every few iterations, to plot the training curves.
type LossHistory struct {
	mu     sync.Mutex
	names  []string
	points map[string]plotter.XYs
}

// NewLossHistory creates a LossHistory and attaches it to loop, recording the losses after every
// iteration i with `(i+1) % every == 0`.
func NewLossHistory(loop *Loop, every int) *LossHistory {
	h := &LossHistory{points: make(map[string]plotter.XYs)}
	EveryNSteps(loop, every, "gan.LossHistory", 10, func(loop *Loop, losses Losses) error {
		h.Record(loop.Iteration+1, losses)
		return nil
	})
	return h
}

// Record adds the losses observed after the given number of completed iterations.
func (h *LossHistory) Record(iteration int, losses Losses) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, l := range losses {
		if _, found := h.points[l.Name]; !found {
			h.names = append(h.names, l.Name)
		}
		h.points[l.Name] = append(h.points[l.Name], plotter.XY{X: float64(iteration), Y: l.Value})
	}
}

// Names of the losses recorded, in the order they were first seen.
func (h *LossHistory) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.names...)
}

// Len returns the number of points recorded for the named loss.
func (h *LossHistory) Len(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.points[name])
}

// Plot saves a PNG (or SVG/PDF, by the file extension) with one line per loss.
func (h *LossHistory) Plot(title, filePath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.names) == 0 {
		return errors.Errorf("no losses recorded to plot into %q", filePath)
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())
	for ii, name := range h.names {
		line, err := plotter.NewLine(h.points[name])
		if err != nil {
			return errors.Wrapf(err, "plotting loss %q", name)
		}
		line.Color = plotutil.Color(ii)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	p.Legend.Top = true
	p.BackgroundColor = color.White
	if err := p.Save(12*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "saving loss plot to %q", filePath)
	}
	return nil
}
