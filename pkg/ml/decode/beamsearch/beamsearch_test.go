// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package beamsearch

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/decodesync/internal/scoped"
	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/core/shapes"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/buffers"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func newOutputs(d Domain) *Outputs {
	n, beam := d.MaxBatchSize, d.MaxBeamWidth
	alloc := func(dtype dtypes.DType, dims ...int) *tensors.Tensor {
		return tensors.FromShape(tensors.PinnedHost, shapes.Make(dtype, dims...))
	}
	return &Outputs{
		NewOutputTokens:        alloc(dtypes.Int32, 1, n, beam),
		SequenceLengths:        alloc(dtypes.Int32, n, beam),
		CumLogProbs:            alloc(dtypes.Float32, n, beam),
		LogProbs:               alloc(dtypes.Float32, n, beam, d.MaxSeqLen),
		FinishReasons:          alloc(dtypes.Uint8, n, beam),
		FinishedSum:            alloc(dtypes.Int32, n),
		CacheIndirectionInput:  alloc(dtypes.Int32, n, beam, d.MaxAttentionWindow),
		CacheIndirectionOutput: alloc(dtypes.Int32, n, beam, d.MaxAttentionWindow),
		OutputIDs:              alloc(dtypes.Int32, n, beam, d.MaxSeqLen),
		ParentIDs:              alloc(dtypes.Int32, n, beam, d.MaxSeqLen),
	}
}

func newTestLayer(t *testing.T, d Domain, beamWidth int, params *scoped.Params) (*Layer, *Outputs, *Workspace) {
	l, err := New(d, tensors.NewMemoryPool())
	require.NoError(t, err)
	t.Cleanup(l.Release)
	slots := make([]int32, d.MaxBatchSize)
	for i := range slots {
		slots[i] = int32(i)
	}
	require.NoError(t, l.Setup(len(slots), beamWidth, slots, params))
	return l, newOutputs(d), l.NewWorkspace()
}

// probsLogits returns logits whose softmax is the given probabilities, one row per beam.
func probsLogits(rows ...[]float64) *tensors.Tensor {
	var flat []float32
	for _, row := range rows {
		for _, p := range row {
			flat = append(flat, float32(math.Log(p)))
		}
	}
	return tensors.FromFlatDataAndDimensions(tensors.Device, flat, len(rows), len(rows[0]))
}

func logf(p float64) float32 { return float32(math.Log(p)) }

func TestWorkspaceSize(t *testing.T) {
	d := Domain{MaxBatchSize: 3, MaxBeamWidth: 2, VocabSize: 10, MaxSeqLen: 8, MaxAttentionWindow: 8}
	l, err := New(d, tensors.NewMemoryPool())
	require.NoError(t, err)
	defer l.Release()
	assert.Equal(t, WorkspaceSize(d), l.WorkspaceSize())
	assert.Equal(t, l.WorkspaceSize(), l.NewWorkspace().Size())
	assert.Greater(t, WorkspaceSize(d), 3*2*10*4)

	bigger := d
	bigger.VocabSize *= 2
	assert.Greater(t, WorkspaceSize(bigger), WorkspaceSize(d))

	_, err = New(Domain{MaxBatchSize: 1}, tensors.NewMemoryPool())
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestSetup(t *testing.T) {
	d := Domain{MaxBatchSize: 4, MaxBeamWidth: 4, VocabSize: 8, MaxSeqLen: 4, MaxAttentionWindow: 4}
	params := scoped.New()
	params.Set(scoped.RootScope, ParamLengthPenalty, 0.5)
	params.Set(SlotScope(2), ParamDiversityRate, 0.25)
	params.Set(SlotScope(2), ParamEarlyStopping, 0)
	pool := tensors.NewMemoryPool()
	l, err := New(d, pool)
	require.NoError(t, err)
	defer l.Release()

	require.NoError(t, l.Setup(2, 3, []int32{2, 0, 3}, params))
	assert.Equal(t, 3, l.BeamWidth(2))
	assert.Equal(t, 3, l.BeamWidth(0))
	assert.Equal(t, 1, l.BeamWidth(3), "slot beyond batchSize is not set up")

	for _, pair := range [][2]*tensors.Tensor{{l.DiversityRateHost, l.DiversityRateDevice}, {l.LengthPenaltyHost, l.LengthPenaltyDevice}} {
		assert.Equal(t, tensors.MustCopyFlatData[float32](pair[0]), tensors.MustCopyFlatData[float32](pair[1]))
	}
	assert.Equal(t, []float32{0, 0, 0.25, 0}, tensors.MustCopyFlatData[float32](l.DiversityRateDevice))
	assert.Equal(t, []float32{0.5, 0, 0.5, 0}, tensors.MustCopyFlatData[float32](l.LengthPenaltyDevice))
	assert.Equal(t, []int32{1, 0, 0, 0}, tensors.MustCopyFlatData[int32](l.EarlyStoppingDevice))

	require.ErrorIs(t, l.Setup(1, 5, []int32{0}, nil), config.ErrInvalidConfig)
	require.ErrorIs(t, l.Setup(1, 1, []int32{4}, nil), config.ErrInvalidConfig)
	require.ErrorIs(t, l.Setup(2, 1, []int32{0}, nil), config.ErrInvalidConfig)
	params.Set(scoped.RootScope, ParamDiversityRate, "high")
	require.ErrorIs(t, l.Setup(1, 1, []int32{0}, params), config.ErrInvalidConfig)

	l.Release()
	l.Release()
	assert.Zero(t, pool.Stats().LiveTensors)
}

func TestForwardGreedy(t *testing.T) {
	d := Domain{MaxBatchSize: 1, MaxBeamWidth: 1, VocabSize: 4, MaxSeqLen: 8, MaxAttentionWindow: 8}
	l, outputs, ws := newTestLayer(t, d, 1, nil)
	inputs := &Inputs{Logits: []*tensors.Tensor{nil}, BatchSlots: []int32{0}, EndID: 3}

	inputs.Logits[0] = tensors.FromFlatDataAndDimensions(tensors.Device, []float32{0, 5, 1, 0}, 1, 4)
	require.NoError(t, l.Forward(outputs, inputs, ws))
	assert.Equal(t, []int32{1}, tensors.MustCopyFlatData[int32](outputs.NewOutputTokens))
	assert.Equal(t, []int32{1}, tensors.MustCopyFlatData[int32](outputs.SequenceLengths))
	assert.Equal(t, []int32{0}, tensors.MustCopyFlatData[int32](outputs.FinishedSum))

	inputs.Logits[0] = tensors.FromFlatDataAndDimensions(tensors.Device, []float32{0, 0, 0, 9}, 1, 4)
	require.NoError(t, l.Forward(outputs, inputs, ws))
	assert.Equal(t, []int32{3}, tensors.MustCopyFlatData[int32](outputs.NewOutputTokens))
	assert.Equal(t, []int32{2}, tensors.MustCopyFlatData[int32](outputs.SequenceLengths))
	assert.Equal(t, []uint8{FinishReasonEndID}, tensors.MustCopyFlatData[uint8](outputs.FinishReasons))
	assert.Equal(t, []int32{1}, tensors.MustCopyFlatData[int32](outputs.FinishedSum))

	// A finished slot is left untouched.
	inputs.Logits[0] = tensors.FromFlatDataAndDimensions(tensors.Device, []float32{9, 0, 0, 0}, 1, 4)
	require.NoError(t, l.Forward(outputs, inputs, ws))
	assert.Equal(t, []int32{3}, tensors.MustCopyFlatData[int32](outputs.NewOutputTokens))
	assert.Equal(t, 1, l.lastPos[0])

	slot, err := buffers.NewSlotDecoderBuffers(1, d.MaxSeqLen, tensors.NewMemoryPool())
	require.NoError(t, err)
	defer slot.Release()
	require.NoError(t, l.GatherSlot(0, outputs, slot))
	assert.Equal(t, []int32{1, 3, 0, 0, 0, 0, 0, 0}, tensors.MustCopyFlatData[int32](slot.OutputIDsHost))
	assert.Equal(t, []int32{2}, tensors.MustCopyFlatData[int32](slot.SequenceLengthsHost))
	assert.Equal(t, []uint8{FinishReasonEndID}, tensors.MustCopyFlatData[uint8](slot.FinishReasonsHost))

	require.NoError(t, l.ResetSlots(outputs, []int32{0}))
	assert.Equal(t, []int32{0}, tensors.MustCopyFlatData[int32](outputs.FinishedSum))
	assert.Equal(t, -1, l.lastPos[0])
	require.Error(t, l.GatherSlot(0, outputs, slot))
}

func TestForwardBeams(t *testing.T) {
	d := Domain{MaxBatchSize: 1, MaxBeamWidth: 2, VocabSize: 4, MaxSeqLen: 4, MaxAttentionWindow: 3}
	params := scoped.New()
	params.Set(scoped.RootScope, ParamLengthPenalty, 0)
	l, outputs, ws := newTestLayer(t, d, 2, params)
	inputs := &Inputs{BatchSlots: []int32{0}, EndID: 100}

	// Step 0: only beam 0 is expanded.
	inputs.Logits = []*tensors.Tensor{probsLogits([]float64{0.5, 0.3, 0.15, 0.05}, []float64{0.05, 0.05, 0.05, 0.85})}
	require.NoError(t, l.Forward(outputs, inputs, ws))
	assert.Equal(t, []int32{0, 1}, tensors.MustCopyFlatData[int32](outputs.NewOutputTokens))
	cum := tensors.MustCopyFlatData[float32](outputs.CumLogProbs)
	assert.InDelta(t, logf(0.5), cum[0], 1e-5)
	assert.InDelta(t, logf(0.3), cum[1], 1e-5)

	// Step 1: the best continuation comes from beam 1.
	indirection := make([]int32, 2*3)
	for i := range indirection {
		indirection[i] = int32(10 + i)
	}
	require.NoError(t, tensors.AssignFlatData(outputs.CacheIndirectionInput, indirection))
	inputs.Logits = []*tensors.Tensor{probsLogits([]float64{0.4, 0.4, 0.1, 0.1}, []float64{0.9, 0.05, 0.03, 0.02})}
	require.NoError(t, l.Forward(outputs, inputs, ws))
	assert.Equal(t, []int32{0, 0}, tensors.MustCopyFlatData[int32](outputs.NewOutputTokens))
	parents := tensors.MustCopyFlatData[int32](outputs.ParentIDs)
	assert.Equal(t, []int32{1, 0}, []int32{parents[1], parents[4+1]})
	cum = tensors.MustCopyFlatData[float32](outputs.CumLogProbs)
	assert.InDelta(t, logf(0.27), cum[0], 1e-5)
	assert.InDelta(t, logf(0.2), cum[1], 1e-5)
	assert.Equal(t, []int32{2, 2}, tensors.MustCopyFlatData[int32](outputs.SequenceLengths))
	assert.Equal(t, []int32{
		13, 1, 15, // Row of parent 1, with position 1 pointing to it.
		10, 0, 12, // Row of parent 0.
	}, tensors.MustCopyFlatData[int32](outputs.CacheIndirectionOutput))

	slot, err := buffers.NewSlotDecoderBuffers(3, d.MaxSeqLen, tensors.NewMemoryPool())
	require.NoError(t, err)
	defer slot.Release()
	require.NoError(t, l.GatherSlot(0, outputs, slot))
	assert.Equal(t, []int32{
		1, 0, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0,
	}, tensors.MustCopyFlatData[int32](slot.OutputIDsHost))
	logProbs := tensors.MustCopyFlatData[float32](slot.LogProbsHost)
	assert.InDelta(t, logf(0.3), logProbs[0], 1e-5)
	assert.InDelta(t, logf(0.9), logProbs[1], 1e-5)
	assert.InDelta(t, logf(0.5), logProbs[4], 1e-5)
	assert.InDelta(t, logf(0.4), logProbs[5], 1e-5)
	assert.Equal(t, []int32{2, 2, 0}, tensors.MustCopyFlatData[int32](slot.SequenceLengthsHost))

	// The fourth token reaches MaxSeqLen.
	uniform := []float64{0.25, 0.25, 0.25, 0.25}
	inputs.Logits = []*tensors.Tensor{probsLogits(uniform, uniform)}
	require.NoError(t, l.Forward(outputs, inputs, ws))
	assert.Equal(t, []int32{0}, tensors.MustCopyFlatData[int32](outputs.FinishedSum))
	require.NoError(t, l.Forward(outputs, inputs, ws))
	assert.Equal(t, []uint8{FinishReasonLength, FinishReasonLength}, tensors.MustCopyFlatData[uint8](outputs.FinishReasons))
	assert.Equal(t, []int32{2}, tensors.MustCopyFlatData[int32](outputs.FinishedSum))
	assert.Equal(t, []int32{4, 4}, tensors.MustCopyFlatData[int32](outputs.SequenceLengths))
}

func TestForwardDiversity(t *testing.T) {
	d := Domain{MaxBatchSize: 1, MaxBeamWidth: 2, VocabSize: 4, MaxSeqLen: 4, MaxAttentionWindow: 4}
	step0 := probsLogits([]float64{0.5, 0.3, 0.15, 0.05}, []float64{0.25, 0.25, 0.25, 0.25})
	step1 := probsLogits([]float64{0.6, 0.38, 0.01, 0.01}, []float64{0.25, 0.25, 0.25, 0.25})
	for _, tc := range []struct {
		rate    float64
		parents []int32
	}{
		{0, []int32{0, 0}},
		{1, []int32{0, 1}},
	} {
		params := scoped.New()
		params.Set(scoped.RootScope, ParamDiversityRate, tc.rate)
		l, outputs, ws := newTestLayer(t, d, 2, params)
		inputs := &Inputs{Logits: []*tensors.Tensor{step0}, BatchSlots: []int32{0}, EndID: 100}
		require.NoError(t, l.Forward(outputs, inputs, ws))
		inputs.Logits[0] = step1
		require.NoError(t, l.Forward(outputs, inputs, ws))
		parents := tensors.MustCopyFlatData[int32](outputs.ParentIDs)
		assert.Equal(t, tc.parents, []int32{parents[1], parents[4+1]}, "diversity rate %g", tc.rate)
		if tc.rate > 0 {
			// The penalty only ranks candidates: cumulative log probabilities are not penalized.
			assert.InDelta(t, logf(0.3*0.25), tensors.MustCopyFlatData[float32](outputs.CumLogProbs)[1], 1e-5)
		}
	}
}

func TestForwardEarlyStopping(t *testing.T) {
	d := Domain{MaxBatchSize: 1, MaxBeamWidth: 2, VocabSize: 4, MaxSeqLen: 8, MaxAttentionWindow: 8}
	step0 := probsLogits([]float64{0.7, 0.2, 0.05, 0.05}, []float64{0.25, 0.25, 0.25, 0.25})

	// With early stopping, the best beam finishing finishes the slot.
	l, outputs, ws := newTestLayer(t, d, 2, nil)
	inputs := &Inputs{Logits: []*tensors.Tensor{step0}, BatchSlots: []int32{0}, EndID: 0}
	require.NoError(t, l.Forward(outputs, inputs, ws))
	assert.Equal(t, []uint8{FinishReasonEndID, FinishReasonNone}, tensors.MustCopyFlatData[uint8](outputs.FinishReasons))
	assert.Equal(t, []int32{2}, tensors.MustCopyFlatData[int32](outputs.FinishedSum))

	// Without, the finished beam is carried along until every beam finishes.
	params := scoped.New()
	params.Set(scoped.RootScope, ParamEarlyStopping, 0)
	l, outputs, ws = newTestLayer(t, d, 2, params)
	require.NoError(t, l.Forward(outputs, inputs, ws))
	assert.Equal(t, []int32{1}, tensors.MustCopyFlatData[int32](outputs.FinishedSum))
	inputs.Logits[0] = probsLogits([]float64{0.25, 0.25, 0.25, 0.25}, []float64{0.25, 0.25, 0.25, 0.25})
	require.NoError(t, l.Forward(outputs, inputs, ws))
	assert.Equal(t, []int32{0, 0}, tensors.MustCopyFlatData[int32](outputs.NewOutputTokens))
	assert.Equal(t, []int32{1, 2}, tensors.MustCopyFlatData[int32](outputs.SequenceLengths))
	cum := tensors.MustCopyFlatData[float32](outputs.CumLogProbs)
	assert.InDelta(t, logf(0.7), cum[0], 1e-5)
	assert.InDelta(t, logf(0.05), cum[1], 1e-5)
	assert.Equal(t, []int32{2}, tensors.MustCopyFlatData[int32](outputs.FinishedSum))
}

func TestForwardFloat16(t *testing.T) {
	d := Domain{MaxBatchSize: 2, MaxBeamWidth: 1, VocabSize: 3, MaxSeqLen: 4, MaxAttentionWindow: 4}
	l, outputs, ws := newTestLayer(t, d, 1, nil)
	logits := []float16.Float16{float16.Fromfloat32(0), float16.Fromfloat32(1), float16.Fromfloat32(2)}
	inputs := &Inputs{
		Logits:     []*tensors.Tensor{nil, tensors.FromFlatDataAndDimensions(tensors.Device, logits, 1, 3)},
		BatchSlots: []int32{1},
		EndID:      -1,
	}
	require.NoError(t, l.Forward(outputs, inputs, ws))
	assert.Equal(t, []int32{0, 2}, tensors.MustCopyFlatData[int32](outputs.NewOutputTokens))
	assert.Equal(t, []int32{0, 1}, tensors.MustCopyFlatData[int32](outputs.SequenceLengths))
}

func TestForwardParallel(t *testing.T) {
	d := Domain{MaxBatchSize: 6, MaxBeamWidth: 3, VocabSize: 16, MaxSeqLen: 6, MaxAttentionWindow: 4}
	run := func(parallelism int) *Outputs {
		l, outputs, ws := newTestLayer(t, d, 3, nil)
		l.SetParallelism(parallelism)
		rng := rand.New(rand.NewPCG(42, 7))
		for range 4 {
			inputs := &Inputs{Logits: make([]*tensors.Tensor, d.MaxBatchSize), EndID: 5}
			for slot := range d.MaxBatchSize {
				flat := make([]float32, 3*d.VocabSize)
				for i := range flat {
					flat[i] = float32(rng.NormFloat64())
				}
				inputs.Logits[slot] = tensors.FromFlatDataAndDimensions(tensors.Device, flat, 3, d.VocabSize)
				inputs.BatchSlots = append(inputs.BatchSlots, int32(slot))
			}
			require.NoError(t, l.Forward(outputs, inputs, ws))
			outputs.CacheIndirectionInput, outputs.CacheIndirectionOutput = outputs.CacheIndirectionOutput, outputs.CacheIndirectionInput
		}
		return outputs
	}
	inline, parallel := run(0), run(4)
	assert.Equal(t, tensors.MustCopyFlatData[int32](inline.OutputIDs), tensors.MustCopyFlatData[int32](parallel.OutputIDs))
	assert.Equal(t, tensors.MustCopyFlatData[int32](inline.ParentIDs), tensors.MustCopyFlatData[int32](parallel.ParentIDs))
	assert.Equal(t, tensors.MustCopyFlatData[float32](inline.CumLogProbs), tensors.MustCopyFlatData[float32](parallel.CumLogProbs))
	assert.Equal(t, tensors.MustCopyFlatData[int32](inline.CacheIndirectionInput),
		tensors.MustCopyFlatData[int32](parallel.CacheIndirectionInput))
}

func TestForwardErrors(t *testing.T) {
	d := Domain{MaxBatchSize: 2, MaxBeamWidth: 2, VocabSize: 4, MaxSeqLen: 4, MaxAttentionWindow: 4}
	l, outputs, ws := newTestLayer(t, d, 2, nil)
	good := probsLogits([]float64{0.25, 0.25, 0.25, 0.25}, []float64{0.25, 0.25, 0.25, 0.25})
	inputs := func(slots ...int32) *Inputs {
		return &Inputs{Logits: []*tensors.Tensor{good, good}, BatchSlots: slots}
	}

	_, _, otherWS := newTestLayer(t, Domain{MaxBatchSize: 1, MaxBeamWidth: 1, VocabSize: 4, MaxSeqLen: 4, MaxAttentionWindow: 4}, 1, nil)
	require.ErrorIs(t, l.Forward(outputs, inputs(0), otherWS), config.ErrInvalidConfig)
	require.ErrorIs(t, l.Forward(outputs, inputs(0), nil), config.ErrInvalidConfig)
	require.ErrorIs(t, l.Forward(outputs, inputs(0, 0), ws), config.ErrInvalidConfig)
	require.ErrorIs(t, l.Forward(outputs, inputs(2), ws), config.ErrInvalidConfig)

	bad := inputs(1)
	bad.Logits[1] = tensors.FromFlatDataAndDimensions(tensors.Device, []int32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 4)
	require.ErrorIs(t, l.Forward(outputs, bad, ws), config.ErrInvalidConfig)
	bad.Logits[1] = probsLogits([]float64{0.5, 0.5})
	require.ErrorIs(t, l.Forward(outputs, bad, ws), config.ErrInvalidConfig)

	wrongShape := *outputs
	wrongShape.LogProbs = tensors.FromShape(tensors.PinnedHost, shapes.Make(dtypes.Float32, 2, 2, 5))
	require.ErrorIs(t, l.Forward(&wrongShape, inputs(0), ws), config.ErrInvalidConfig)
	unbound := *outputs
	unbound.FinishedSum = nil
	require.ErrorIs(t, l.Forward(&unbound, inputs(0), ws), config.ErrInvalidConfig)
	aliased := *outputs
	aliased.CacheIndirectionOutput = aliased.CacheIndirectionInput
	require.ErrorIs(t, l.Forward(&aliased, inputs(0), ws), config.ErrInvalidConfig)

	// Nothing was written by the failed calls.
	assert.Equal(t, -1, l.lastPos[0])
	assert.Equal(t, []int32{0, 0, 0, 0}, tensors.MustCopyFlatData[int32](outputs.SequenceLengths))
}

func TestNormalizedScore(t *testing.T) {
	assert.InDelta(t, -2.0, NormalizedScore(-4, 4, 0.5), 1e-9)
	assert.InDelta(t, -4.0, NormalizedScore(-4, 4, 0), 1e-9)
	assert.InDelta(t, -1.0, NormalizedScore(-4, 4, 1), 1e-9)
	assert.InDelta(t, -4.0, NormalizedScore(-4, 0, 1), 1e-9)
}
