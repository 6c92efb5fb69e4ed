// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"testing"

	"github.com/gomlx/decodesync/pkg/core/distributed"
	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/core/shapes"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/gomlx/decodesync/pkg/ml/decode/speculative"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertShape(t *testing.T, tensor *tensors.Tensor, dtype dtypes.DType, dims ...int) {
	t.Helper()
	require.NotNil(t, tensor)
	assert.Equal(t, shapes.Make(dtype, dims...), tensor.Shape())
}

func lastRank(t *testing.T, pipelineParallelism int) *distributed.WorldConfig {
	w, err := distributed.NewWorldConfig(1, pipelineParallelism, pipelineParallelism-1)
	require.NoError(t, err)
	return w
}

func greedyModel() *config.ModelConfig {
	return &config.ModelConfig{VocabSize: 100, LogitsDType: dtypes.Float32, SpeculativeMode: speculative.None}
}

func medusaModel() *config.ModelConfig {
	return &config.ModelConfig{
		VocabSize: 100, LogitsDType: dtypes.Float16, SpeculativeMode: speculative.Medusa,
		Module: speculative.Module{MaxDraftPathLen: 4, MaxDecodingDraftTokens: 7, MaxNumPaths: 4, NumMedusaHeads: 4},
	}
}

func TestDecoderInputBuffers(t *testing.T) {
	pool := tensors.NewMemoryPool()
	in, err := NewDecoderInputBuffers(8, 3, pool)
	require.NoError(t, err)
	assertShape(t, in.SetupBatchSlots, dtypes.Int32, 8)
	assertShape(t, in.InputsIDs, dtypes.Int32, 0)
	assertShape(t, in.ForwardBatchSlotsRequestOrder, dtypes.Int32, 8)
	assert.Equal(t, tensors.Device, in.ForwardBatchSlotsRequestOrderDevice.Residency())
	assertShape(t, in.FillValuesDevice, dtypes.Int32, 8)
	require.Len(t, in.ForwardBatchSlots, 3)
	for _, step := range in.ForwardBatchSlots {
		assertShape(t, step, dtypes.Int32, 8)
		assert.Equal(t, tensors.PinnedHost, step.Residency())
	}

	require.NoError(t, in.ReserveInputsIDs(20))
	assertShape(t, in.InputsIDs, dtypes.Int32, 20)
	grownID := in.InputsIDs.ID()
	require.NoError(t, in.ReserveInputsIDs(5))
	assert.Equal(t, grownID, in.InputsIDs.ID(), "shrinking must not re-allocate")
	assertShape(t, in.InputsIDs, dtypes.Int32, 5)

	require.NoError(t, in.SetForwardBatchSlots(1, []int32{3, 5}))
	assert.Equal(t, []int32{3, 5, -1, -1, -1, -1, -1, -1}, tensors.MustCopyFlatData[int32](in.ForwardBatchSlots[1]))
	require.Error(t, in.SetForwardBatchSlots(3, nil))
	require.ErrorIs(t, in.SetSetupBatchSlots(make([]int32, 9)), config.ErrInvalidConfig)

	in.Release()
	assert.Equal(t, 0, pool.Stats().LiveTensors)

	_, err = NewDecoderInputBuffers(0, 1, pool)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestDecoderBuffersGreedy(t *testing.T) {
	pool := tensors.NewMemoryPool()
	sizes := Sizes{MaxNumSequences: 8, MaxBeamWidth: 1, MaxAttentionWindow: 64, MaxSeqLen: 32, MaxTokensPerStep: 1}
	d, err := NewDecoderBuffers(sizes, pool, greedyModel(), distributed.SingleRank())
	require.NoError(t, err)
	defer d.Release()

	require.Len(t, d.Logits, 8)
	for _, logits := range d.Logits {
		assert.Nil(t, logits)
	}
	assertShape(t, d.CacheIndirectionInput, dtypes.Int32, 8, 1, 64)
	assertShape(t, d.CacheIndirectionOutput, dtypes.Int32, 8, 1, 64)
	assert.Equal(t, tensors.Device, d.CacheIndirectionInput.Residency())
	assertShape(t, d.SequenceLengthsHost, dtypes.Int32, 8, 1)
	assertShape(t, d.NewOutputTokensHost, dtypes.Int32, 1, 8, 1)
	assertShape(t, d.CumLogProbsHost, dtypes.Float32, 8, 1)
	assertShape(t, d.LogProbsHost, dtypes.Float32, 8, 1, 32)
	assertShape(t, d.FinishedSumHost, dtypes.Int32, 8)
	assertShape(t, d.FinishReasonsHost, dtypes.Uint8, 8, 1)
	for _, f := range d.Fields() {
		if f.Name != "cacheIndirectionInput" && f.Name != "cacheIndirectionOutput" {
			assert.Equal(t, tensors.PinnedHost, f.Tensor.Residency(), f.Name)
		}
	}
	assert.Nil(t, d.Draft)
	assert.Equal(t, ModeNone, d.Mode.Kind())
	_, err = d.Mode.Lookahead()
	require.ErrorIs(t, err, ErrWrongMode)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestDecoderBuffersBeamSearch(t *testing.T) {
	pool := tensors.NewMemoryPool()
	sizes := Sizes{MaxNumSequences: 8, MaxBeamWidth: 4, MaxAttentionWindow: 128, MaxSeqLen: 64, MaxTokensPerStep: 1}
	d, err := NewDecoderBuffers(sizes, pool, greedyModel(), lastRank(t, 2))
	require.NoError(t, err)
	assertShape(t, d.CacheIndirectionOutput, dtypes.Int32, 8, 4, 128)
	assertShape(t, d.NewOutputTokensHost, dtypes.Int32, 1, 8, 4)
	assertShape(t, d.LogProbsHost, dtypes.Float32, 8, 4, 64)
	assertShape(t, d.FinishReasonsHost, dtypes.Uint8, 8, 4)
	assert.Len(t, d.Logits, 8)

	input, output := d.CacheIndirectionInput, d.CacheIndirectionOutput
	d.SwapCacheIndirection()
	assert.Same(t, output, d.CacheIndirectionInput)
	assert.Same(t, input, d.CacheIndirectionOutput)

	d.Release()
	d.Release() // Idempotent.
	assert.Equal(t, 0, pool.Stats().LiveTensors)
}

func TestDecoderBuffersNotLastStage(t *testing.T) {
	w, err := distributed.NewWorldConfig(2, 2, 1) // First stage.
	require.NoError(t, err)
	d, err := NewDecoderBuffers(Sizes{MaxNumSequences: 2, MaxBeamWidth: 1, MaxAttentionWindow: 4, MaxSeqLen: 4, MaxTokensPerStep: 1},
		tensors.NewMemoryPool(), greedyModel(), w)
	require.NoError(t, err)
	defer d.Release()
	assert.Nil(t, d.Logits)
	require.ErrorIs(t, d.BindLogits(0, nil), config.ErrInvalidConfig)
}

func TestDecoderBuffersMedusa(t *testing.T) {
	pool := tensors.NewMemoryPool()
	sizes := Sizes{MaxNumSequences: 8, MaxBeamWidth: 1, MaxAttentionWindow: 64, MaxSeqLen: 64, MaxTokensPerStep: 8}
	d, err := NewDecoderBuffers(sizes, pool, medusaModel(), distributed.SingleRank())
	require.NoError(t, err)
	require.NotNil(t, d.Draft)
	assertShape(t, d.NewOutputTokensHost, dtypes.Int32, 8, 8, 1)
	assertShape(t, d.Draft.NextDraftTokensHost, dtypes.Int32, 8, 7)
	assert.Nil(t, d.Draft.NextDraftTokensDevice)
	assert.Nil(t, d.Draft.NextDraftTokensLengthsHost, "medusa has a fixed draft length")
	assertShape(t, d.Draft.AcceptedLengthsCumSumDevice, dtypes.Int32, 9)
	assertShape(t, d.Draft.AcceptedPackedPathsDevice, dtypes.Int32, 8, 4)
	require.Len(t, d.Draft.PredictedDraftLogits, 8)
	for _, heads := range d.Draft.PredictedDraftLogits {
		require.Len(t, heads, 4)
		for _, leaf := range heads {
			assert.Nil(t, leaf)
		}
	}
	assert.Equal(t, ModeNone, d.Mode.Kind())

	// Bound draft logits are shared with the caller, and released with the buffers.
	logits, err := pool.Allocate(shapes.Make(dtypes.Float16, 7, 100), tensors.Device)
	require.NoError(t, err)
	require.NoError(t, d.Draft.BindPredictedDraftLogits(3, 2, logits))
	assert.Equal(t, 2, logits.RefCount())
	require.Error(t, d.Draft.BindPredictedDraftLogits(8, 0, logits))
	require.Error(t, d.Draft.BindPredictedDraftLogits(0, 4, logits))
	logits.Release()
	d.Release()
	assert.False(t, logits.Ok())
	assert.Equal(t, 0, pool.Stats().LiveTensors)
}

func TestModeSubBuffers(t *testing.T) {
	sizes := Sizes{MaxNumSequences: 4, MaxBeamWidth: 1, MaxAttentionWindow: 16, MaxSeqLen: 16, MaxTokensPerStep: 5}
	module := speculative.Module{MaxDraftPathLen: 3, MaxDecodingDraftTokens: 4, MaxNumPaths: 2}
	tests := []struct {
		mode speculative.Mode
		kind ModeKind
		// variable is whether the draft lengths are allocated.
		variable bool
	}{
		{speculative.ExplicitDraftTokens, ModeExplicitDraftTokens, false},
		{speculative.LookaheadDecoding, ModeLookahead, true},
		{speculative.Eagle, ModeEagle, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			pool := tensors.NewMemoryPool()
			model := &config.ModelConfig{VocabSize: 10, LogitsDType: dtypes.Float32, SpeculativeMode: tt.mode, Module: module}
			d, err := NewDecoderBuffers(sizes, pool, model, distributed.SingleRank())
			require.NoError(t, err)
			assert.Equal(t, tt.kind, d.Mode.Kind())
			require.NotNil(t, d.Draft)
			assertShape(t, d.Draft.NextDraftTokensHost, dtypes.Int32, 4, 4)
			assertShape(t, d.Draft.AcceptedLengthsCumSumDevice, dtypes.Int32, 5)
			assert.Nil(t, d.Draft.PredictedDraftLogits)
			assert.Equal(t, tt.variable, d.Draft.NextDraftTokensLengthsHost != nil)
			assert.Equal(t, tt.variable, d.Draft.PrevDraftTokensLengthsHost != nil)

			var accessErrs int
			if _, err := d.Mode.ExplicitDraftTokens(); err != nil {
				accessErrs++
			}
			if _, err := d.Mode.Lookahead(); err != nil {
				accessErrs++
			}
			if _, err := d.Mode.Eagle(); err != nil {
				accessErrs++
			}
			assert.Equal(t, 2, accessErrs, "exactly one sub-buffer must be accessible")
			assert.NotEmpty(t, d.Mode.Fields())

			switch tt.kind {
			case ModeLookahead:
				lookahead, err := d.Mode.Lookahead()
				require.NoError(t, err)
				assertShape(t, lookahead.PositionOffsets, dtypes.Int32, 4, 5)
				assertShape(t, lookahead.PackedMasks, dtypes.Int32, 4, 5, 1)
			case ModeExplicitDraftTokens:
				explicit, err := d.Mode.ExplicitDraftTokens()
				require.NoError(t, err)
				assertShape(t, explicit.DraftTokens, dtypes.Int32, 4, 2, 4)
				assertShape(t, explicit.DraftProbs, dtypes.Float32, 4, 2, 3, 10)
			case ModeEagle:
				eagle, err := d.Mode.Eagle()
				require.NoError(t, err)
				assertShape(t, eagle.DraftPaths, dtypes.Int32, 4, 2, 4)
			}
			d.Release()
			assert.Equal(t, 0, pool.Stats().LiveTensors)
		})
	}
}

func TestDraftGates(t *testing.T) {
	sizes := Sizes{MaxNumSequences: 6, MaxBeamWidth: 1, MaxAttentionWindow: 8, MaxSeqLen: 8, MaxTokensPerStep: 4}
	module := &speculative.Module{MaxDraftPathLen: 3, MaxDecodingDraftTokens: 3}
	tests := []struct {
		name  string
		gates draftGates
		check func(t *testing.T, d *DraftBuffers)
	}{
		{"predicts draft tokens", draftGates{predictsDraftTokens: true}, func(t *testing.T, d *DraftBuffers) {
			assertShape(t, d.NextDraftTokensHost, dtypes.Int32, 6, 3)
			assert.Nil(t, d.NextDraftTokensLengthsHost)
			assert.Nil(t, d.PredictedDraftLogits)
			assert.Nil(t, d.AcceptedLengthsCumSumDevice)
		}},
		{"variable draft length", draftGates{predictsDraftTokens: true, variableDraftLength: true}, func(t *testing.T, d *DraftBuffers) {
			assertShape(t, d.NextDraftTokensLengthsHost, dtypes.Int32, 6)
			assertShape(t, d.PrevDraftTokensLengthsHost, dtypes.Int32, 6)
		}},
		{"variable draft length alone", draftGates{variableDraftLength: true, needsKVCacheRewind: true}, func(t *testing.T, d *DraftBuffers) {
			assert.Nil(t, d.NextDraftTokensLengthsHost)
			assert.Nil(t, d.NextDraftTokensHost)
		}},
		{"draft logits", draftGates{hasDraftLogits: true}, func(t *testing.T, d *DraftBuffers) {
			assert.Nil(t, d.NextDraftTokensHost)
			assert.Nil(t, d.AcceptedPackedPathsDevice)
			require.Len(t, d.PredictedDraftLogits, 6)
			assert.Len(t, d.PredictedDraftLogits[5], 3)
		}},
		{"kv-cache rewind", draftGates{needsKVCacheRewind: true}, func(t *testing.T, d *DraftBuffers) {
			assert.Nil(t, d.NextDraftTokensHost)
			assert.Nil(t, d.PredictedDraftLogits)
			assertShape(t, d.AcceptedLengthsCumSumDevice, dtypes.Int32, 7)
			assertShape(t, d.AcceptedPackedPathsDevice, dtypes.Int32, 6, 3)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := tensors.NewMemoryPool()
			b := newBuilder(pool)
			d, err := newDraftBuffers(b, sizes, module, tt.gates)
			require.NoError(t, err)
			require.NoError(t, b.finish())
			tt.check(t, d)
			releaseFields(d.Fields())
			assert.Equal(t, 0, pool.Stats().LiveTensors)
		})
	}
}

func TestLookaheadReshape(t *testing.T) {
	pool := tensors.NewMemoryPool()
	model := &config.ModelConfig{VocabSize: 10, LogitsDType: dtypes.Float32, SpeculativeMode: speculative.LookaheadDecoding,
		Module: speculative.Module{MaxDraftPathLen: 2, MaxDecodingDraftTokens: 3}}
	sizes := Sizes{MaxNumSequences: 4, MaxBeamWidth: 1, MaxAttentionWindow: 16, MaxSeqLen: 16, MaxTokensPerStep: 4}
	d, err := NewDecoderBuffers(sizes, pool, model, distributed.SingleRank())
	require.NoError(t, err)
	defer d.Release()

	id, capacity, peak := d.NewOutputTokensHost.ID(), d.NewOutputTokensHost.Capacity(), pool.Stats().Peak[tensors.PinnedHost]
	require.NoError(t, d.DisableLookaheadDecoding(4))
	assertShape(t, d.NewOutputTokensHost, dtypes.Int32, 1, 4, 1)
	require.NoError(t, d.DisableLookaheadDecoding(4))
	assertShape(t, d.NewOutputTokensHost, dtypes.Int32, 1, 4, 1)
	require.NoError(t, d.EnableLookaheadDecoding(4, 4))
	assertShape(t, d.NewOutputTokensHost, dtypes.Int32, 4, 4, 1)
	require.NoError(t, d.EnableLookaheadDecoding(4, 4))
	assertShape(t, d.NewOutputTokensHost, dtypes.Int32, 4, 4, 1)
	assert.Equal(t, id, d.NewOutputTokensHost.ID())
	assert.Equal(t, capacity, d.NewOutputTokensHost.Capacity())
	assert.Equal(t, peak, pool.Stats().Peak[tensors.PinnedHost])

	require.ErrorIs(t, d.EnableLookaheadDecoding(4, 5), config.ErrInvalidConfig)
	require.ErrorIs(t, d.DisableLookaheadDecoding(5), config.ErrInvalidConfig)
}

func TestDecoderBuffersErrors(t *testing.T) {
	t.Run("resource exhausted releases partial allocations", func(t *testing.T) {
		pool := tensors.NewMemoryPool(tensors.WithLimit(tensors.PinnedHost, 256))
		sizes := Sizes{MaxNumSequences: 8, MaxBeamWidth: 4, MaxAttentionWindow: 64, MaxSeqLen: 64, MaxTokensPerStep: 1}
		_, err := NewDecoderBuffers(sizes, pool, greedyModel(), distributed.SingleRank())
		require.ErrorIs(t, err, tensors.ErrResourceExhausted)
		assert.Equal(t, 0, pool.Stats().LiveTensors)
	})
	t.Run("zero size", func(t *testing.T) {
		_, err := NewDecoderBuffers(Sizes{MaxNumSequences: 1, MaxBeamWidth: 1, MaxAttentionWindow: 1, MaxSeqLen: 0, MaxTokensPerStep: 1},
			tensors.NewMemoryPool(), greedyModel(), distributed.SingleRank())
		require.ErrorIs(t, err, config.ErrInvalidConfig)
	})
	t.Run("medusa with beams", func(t *testing.T) {
		_, err := NewDecoderBuffers(Sizes{MaxNumSequences: 2, MaxBeamWidth: 2, MaxAttentionWindow: 4, MaxSeqLen: 4, MaxTokensPerStep: 8},
			tensors.NewMemoryPool(), medusaModel(), distributed.SingleRank())
		require.ErrorIs(t, err, config.ErrInvalidConfig)
	})
	t.Run("draft tokens need more than one token per step", func(t *testing.T) {
		pool := tensors.NewMemoryPool()
		_, err := NewDecoderBuffers(Sizes{MaxNumSequences: 2, MaxBeamWidth: 1, MaxAttentionWindow: 4, MaxSeqLen: 4, MaxTokensPerStep: 1},
			pool, medusaModel(), distributed.SingleRank())
		require.ErrorIs(t, err, config.ErrInvalidConfig)
		assert.Equal(t, 0, pool.Stats().LiveTensors)
	})
}

func TestBindLogits(t *testing.T) {
	pool := tensors.NewMemoryPool()
	d, err := NewDecoderBuffers(Sizes{MaxNumSequences: 2, MaxBeamWidth: 2, MaxAttentionWindow: 4, MaxSeqLen: 4, MaxTokensPerStep: 1},
		pool, greedyModel(), distributed.SingleRank())
	require.NoError(t, err)
	logits, err := pool.Allocate(shapes.Make(dtypes.Float32, 2, 100), tensors.Device)
	require.NoError(t, err)
	require.NoError(t, d.BindLogits(1, logits))
	require.Error(t, d.BindLogits(2, logits))
	assert.Contains(t, fieldNames(d.Fields()), "logits[1]")
	require.NoError(t, d.BindLogits(1, nil))
	assert.Equal(t, 1, logits.RefCount())
	require.NoError(t, d.BindLogits(0, logits))
	logits.Release()
	d.Release()
	assert.Equal(t, 0, pool.Stats().LiveTensors)
}

func fieldNames(fields []Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}
