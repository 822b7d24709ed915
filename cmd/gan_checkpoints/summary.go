// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gan/pkg/gan"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
)

// networkScope returns the top-level scope of a variable scope: "/generator/block1" becomes "/generator".
func networkScope(scope string) string {
	parts := strings.SplitN(strings.TrimPrefix(scope, context.RootScope), context.ScopeSeparator, 2)
	return context.RootScope + parts[0]
}

// scalarValue returns the value of the variable as float64, or false if it doesn't exist.
func scalarValue(ctx *context.Context, scope, name string) (float64, bool) {
	v := ctx.GetVariableByScopeAndName(scope, name)
	if v == nil || !v.IsValid() {
		return 0, false
	}
	return shapes.ConvertTo[float64](must.M1(v.Value()).Value()), true
}

// Summary renders the global step, the sizes of each network and the state of each optimizer.
func Summary(ctx *context.Context, checkpointPath string) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Summary") + "\n")
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("checkpoint", checkpointPath)
	if globalStep, found := scalarValue(ctx, context.RootScope, optimizers.GlobalStepVariableName); found {
		table.Row("global_step", humanize.Comma(int64(globalStep)))
	}
	sb.WriteString(table.Render() + "\n")

	// Sizes per network: the optimizers are listed separately.
	type sizes struct {
		numVars, numParams int
		memory             uintptr
	}
	perNetwork := make(map[string]*sizes)
	for v := range ctx.IterVariables() {
		scope := networkScope(v.Scope())
		if scope == context.RootScope || scope == gan.OptimizersScope {
			continue
		}
		s, found := perNetwork[scope]
		if !found {
			s = &sizes{}
			perNetwork[scope] = s
		}
		s.numVars++
		s.numParams += v.Shape().Size()
		s.memory += v.Shape().Memory()
	}
	if len(perNetwork) > 0 {
		sb.WriteString(titleStyle.Render("Networks") + "\n")
		table = newPlainTable(lipgloss.Left, lipgloss.Right)
		table.Headers("Scope", "# variables", "# parameters", "# bytes")
		names := make([]string, 0, len(perNetwork))
		for name := range perNetwork {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			s := perNetwork[name]
			table.Row(name, humanize.Comma(int64(s.numVars)), humanize.Comma(int64(s.numParams)),
				humanize.Bytes(uint64(s.memory)))
		}
		sb.WriteString(table.Render() + "\n")
	}

	// One optimizer per network, each in its own sub-scope.
	var optimizerNames []string
	optimizersPrefix := gan.OptimizersScope + context.ScopeSeparator
	for v := range ctx.IterVariables() {
		if v.Name() != optimizers.GlobalStepVariableName || !strings.HasPrefix(v.Scope(), optimizersPrefix) {
			continue
		}
		optimizerNames = append(optimizerNames, strings.TrimPrefix(v.Scope(), optimizersPrefix))
	}
	if len(optimizerNames) > 0 {
		slices.Sort(optimizerNames)
		sb.WriteString(titleStyle.Render("Optimizers") + "\n")
		table = newPlainTable(lipgloss.Left, lipgloss.Right)
		table.Headers("Name", "Step", "Learning Rate")
		for _, name := range optimizerNames {
			scope := optimizersPrefix + name
			step, _ := scalarValue(ctx, scope, optimizers.GlobalStepVariableName)
			lr := "-"
			if value, found := scalarValue(ctx, scope, gan.LearningRateVarName); found {
				lr = fmt.Sprintf("%.4g", value)
			}
			table.Row(name, humanize.Comma(int64(step)), lr)
		}
		sb.WriteString(table.Render() + "\n")
	}
	return sb.String()
}

// Params renders the hyperparameters saved with the checkpoint.
func Params(ctx *context.Context) string {
	table := newPlainTable(lipgloss.Left)
	table.Headers("Scope", "Name", "Type", "Value")
	var rows [][]string
	ctx.EnumerateParams(func(scope, key string, value any) {
		rows = append(rows, []string{scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value)})
	})
	slices.SortFunc(rows, compareRows)
	for _, row := range rows {
		table.Row(row...)
	}
	return titleStyle.Render("Hyperparameters") + "\n" + table.Render() + "\n"
}

// Variables renders the variables under the scope of ctx, with their shapes and sizes.
// Scalar variables also show their value.
func Variables(ctx *context.Context) string {
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Value")
	var rows [][]string
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		if !v.IsValid() {
			rows = append(rows, []string{v.Scope(), v.Name(), "<invalid>", "", "", ""})
			return
		}
		shape := v.Shape()
		var value string
		if shape.IsScalar() {
			value = fmt.Sprintf("%v", must.M1(v.Value()).Value())
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			value,
		})
	})
	slices.SortFunc(rows, compareRows)
	for _, row := range rows {
		table.Row(row...)
	}
	return titleStyle.Render(fmt.Sprintf("Variables in scope %q", ctx.Scope())) + "\n" + table.Render() + "\n"
}

// compareRows orders rows by scope and then name.
func compareRows(a, b []string) int {
	if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
		return cmp
	}
	return strings.Compare(a[1], b[1])
}
