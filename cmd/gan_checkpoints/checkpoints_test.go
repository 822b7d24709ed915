// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/gan/pkg/gan"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkScope(t *testing.T) {
	assert.Equal(t, "/generator", networkScope("/generator/block1/conv"))
	assert.Equal(t, "/critic", networkScope("/critic"))
	assert.Equal(t, "/", networkScope("/"))
}

func TestReport(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	ctx.SetParam("batch_size", 50)
	ctx.InAbsPath("/").VariableWithValue(optimizers.GlobalStepVariableName, int64(1234))
	ctx.InAbsPath("/generator/preprocess").VariableWithValue("weights", tensors.FromScalarAndDimensions(float32(1), 10, 20))
	ctx.InAbsPath("/critic/output").VariableWithValue("biases", tensors.FromScalarAndDimensions(float32(0), 1))
	optCtx := ctx.InAbsPath(gan.OptimizersScope + "/generator")
	optCtx.VariableWithValue(optimizers.GlobalStepVariableName, int64(246))
	optCtx.VariableWithValue(gan.LearningRateVarName, float32(1e-4))
	checkpoint, err := checkpoints.Build(ctx).Dir(dir).Keep(-1).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())

	*flagSummary, *flagParams, *flagVars = true, true, true
	*flagScope = "/generator"
	out := report(dir)
	for _, want := range []string{"1,234", "/generator", "/critic", "200", "246", "0.0001", "batch_size", "weights", "[10 20]"} {
		assert.Contains(t, out, want)
	}
	// Only the variables under -scope are listed.
	assert.NotContains(t, out, "biases")
}
