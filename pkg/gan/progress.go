// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressBarName is the name of the progress bar hooks.
const ProgressBarName = "gan.progressBar"

// RefreshPeriod is the minimum time between terminal updates.
var RefreshPeriod = time.Millisecond * 500

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar displays the progress of a Loop run with a table of the latest losses.
type progressBar struct {
	bar              *progressbar.ProgressBar
	lastStepReported int
	lastUpdate       time.Time

	termenv      *termenv.Output
	statsStyle   lipgloss.Style
	statsTable   *lgtable.Table
	linesPrinted int
	updates      chan progressBarUpdate
	asyncDone    sync.WaitGroup
}

type progressBarUpdate struct {
	amount     int
	step, end  int
	medianStep time.Duration
	losses     Losses
}

// AttachProgressBar displays a progress bar and a table with the losses of the latest iteration
// during every run of the loop.
//
// Updates are drawn asynchronously, so a slow terminal doesn't slow down training.
func AttachProgressBar(loop *Loop) {
	pBar := &progressBar{
		termenv:    termenv.NewOutput(os.Stdout),
		statsStyle: lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	loop.OnStep(ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

func (pBar *progressBar) onStart(loop *Loop) error {
	pBar.lastStepReported = loop.StartIteration
	pBar.linesPrinted = 0
	pBar.bar = progressbar.NewOptions(loop.EndIteration-loop.StartIteration,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.updates = make(chan progressBarUpdate, 100)
	pBar.asyncDone.Add(1)
	go pBar.drawUpdates()
	return nil
}

func (pBar *progressBar) onStep(loop *Loop, losses Losses) error {
	isLast := loop.Iteration+1 == loop.EndIteration
	if !isLast && time.Since(pBar.lastUpdate) < RefreshPeriod {
		return nil
	}
	amount := loop.Iteration + 1 - pBar.lastStepReported
	if amount <= 0 {
		return nil
	}
	pBar.updates <- progressBarUpdate{
		amount:     amount,
		step:       loop.Iteration + 1,
		end:        loop.EndIteration,
		medianStep: loop.MedianStepDuration(),
		losses:     append(Losses(nil), losses...),
	}
	pBar.lastStepReported = loop.Iteration + 1
	pBar.lastUpdate = time.Now()
	return nil
}

func (pBar *progressBar) onEnd(_ *Loop, _ Losses) error {
	close(pBar.updates)
	pBar.asyncDone.Wait()
	pBar.termenv.ShowCursor()
	fmt.Println()
	return nil
}

// drawUpdates prints the updates from the channel until it is closed.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncDone.Done()
	for update := range pBar.updates {
		// Merge updates waiting in the buffer.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Iteration", fmt.Sprintf("%s of %s", humanize.Comma(int64(update.step)), humanize.Comma(int64(update.end))))
		pBar.statsTable.Row("Median step duration", commandline.FormatDuration(update.medianStep))
		for _, l := range update.losses {
			pBar.statsTable.Row(l.Name, fmt.Sprintf("%.4f", l.Value))
		}
		rendered := pBar.statsStyle.Render(pBar.statsTable.String())

		pBar.termenv.HideCursor()
		if pBar.linesPrinted > 0 {
			pBar.termenv.CursorPrevLine(pBar.linesPrinted)
		}
		fmt.Println(rendered)
		_ = pBar.bar.Add(amount)
		fmt.Println()
		pBar.linesPrinted = strings.Count(rendered, "\n") + 1 + 1
		pBar.termenv.ShowCursor()
	}
}
