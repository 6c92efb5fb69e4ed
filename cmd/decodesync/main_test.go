// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/decodesync/pkg/ml/decode/speculative"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_seq_len: 32\nmodel:\n  vocab_size: 100\n"), 0o644))
	*flagConfig = path
	*flagSlots = 4
	*flagBeam = 2
	*flagPP = 2
	*flagReturnLogProbs = true
	defer func() {
		*flagConfig, *flagSlots, *flagBeam, *flagPP, *flagReturnLogProbs = "", 0, 0, 0, false
	}()

	cfg := loadConfig()
	assert.Equal(t, 32, cfg.MaxSeqLen)
	assert.Equal(t, 100, cfg.Model.VocabSize)
	assert.Equal(t, 4, cfg.MaxNumSequences)
	assert.Equal(t, 4, cfg.MaxBatchSize)
	assert.Equal(t, 2, cfg.MaxBeamWidth)
	assert.Equal(t, 2, cfg.PipelineParallelism)
	assert.Equal(t, 1, cfg.TensorParallelism)
	assert.True(t, cfg.ReturnLogProbs)
	assert.Equal(t, speculative.None, cfg.Model.SpeculativeMode)
	assert.Contains(t, stepTransferSummary(cfg), "MaxBeamWidth:2")
}
