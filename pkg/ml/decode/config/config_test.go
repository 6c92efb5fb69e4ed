// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/ml/decode/speculative"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const medusaYAML = `
max_batch_size: 4
max_num_sequences: 16
max_beam_width: 1
max_attention_window: 512
max_seq_len: 512
max_tokens_per_step: 64
return_log_probs: true
pipeline_parallelism: 2
model:
  vocab_size: 32000
  logits_dtype: f16
  speculative_mode: medusa
  max_draft_path_len: 4
  max_decoding_draft_tokens: 63
  max_num_paths: 16
  num_medusa_heads: 4
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(medusaYAML))
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.MaxNumSequences)
	assert.Equal(t, 2, cfg.PipelineParallelism)
	assert.Equal(t, 1, cfg.TensorParallelism) // Default.
	assert.True(t, cfg.ReturnLogProbs)
	assert.Equal(t, dtypes.Float16, cfg.Model.LogitsDType)
	assert.Equal(t, speculative.Medusa, cfg.Model.SpeculativeMode)
	require.NotNil(t, cfg.Model.SpeculativeModule())
	assert.Equal(t, 4, cfg.Model.SpeculativeModule().MaxDraftPathLen)

	// Round trip through String.
	again, err := Parse([]byte(cfg.String()))
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultEngineConfig(), cfg)
	assert.Nil(t, cfg.Model.SpeculativeModule())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(medusaYAML), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.MaxTokensPerStep)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *EngineConfig)
	}{
		{"unknown key", nil},
		{"zero beam", func(c *EngineConfig) { c.MaxBeamWidth = 0 }},
		{"batch over sequences", func(c *EngineConfig) { c.MaxBatchSize = c.MaxNumSequences + 1 }},
		{"tokens per step without speculation", func(c *EngineConfig) { c.MaxTokensPerStep = 2 }},
		{"integer logits", func(c *EngineConfig) { c.Model.LogitsDType = dtypes.Int32 }},
		{"medusa with beams", func(c *EngineConfig) {
			c.Model.SpeculativeMode = speculative.Medusa
			c.Model.Module = speculative.Module{MaxDraftPathLen: 2, MaxDecodingDraftTokens: 3}
			c.MaxTokensPerStep = 4
			c.MaxBeamWidth = 2
		}},
		{"lookahead tokens per step", func(c *EngineConfig) {
			c.Model.SpeculativeMode = speculative.LookaheadDecoding
			c.Model.Module = speculative.Module{MaxDraftPathLen: 2, MaxDecodingDraftTokens: 3}
			c.MaxTokensPerStep = 3
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.modify == nil {
				_, err := Parse([]byte("max_beam_widht: 2\n"))
				require.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			cfg := DefaultEngineConfig()
			tt.modify(cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := DefaultEngineConfig()
	cfg.Model.SpeculativeMode = speculative.LookaheadDecoding
	cfg.Model.Module = speculative.Module{MaxDraftPathLen: 2, MaxDecodingDraftTokens: 3}
	cfg.MaxTokensPerStep = 4
	require.NoError(t, cfg.Validate())
}
