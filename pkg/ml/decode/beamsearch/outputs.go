// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package beamsearch

import (
	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/core/shapes"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/buffers"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/pkg/errors"
)

// Finish reasons written to the FinishReasons outputs. 0 means the beam is not finished.
const (
	FinishReasonNone   uint8 = 0
	FinishReasonEndID  uint8 = 1 << 0
	FinishReasonLength uint8 = 1 << 2
)

// Outputs are the tensors updated by Forward. N below is Domain.MaxBatchSize, and beam is Domain.MaxBeamWidth.
type Outputs struct {
	NewOutputTokens *tensors.Tensor // int32 [tokensPerStep, N, beam], only row 0 is written.
	SequenceLengths *tensors.Tensor // int32 [N, beam]
	CumLogProbs     *tensors.Tensor // float32 [N, beam]
	LogProbs        *tensors.Tensor // float32 [N, beam, maxSeqLen]
	FinishReasons   *tensors.Tensor // uint8 [N, beam]
	FinishedSum     *tensors.Tensor // int32 [N]

	// CacheIndirectionInput is read and CacheIndirectionOutput written, int32 [N, beam, maxAttentionWindow].
	CacheIndirectionInput, CacheIndirectionOutput *tensors.Tensor

	// OutputIDs and ParentIDs, int32 [N, beam, maxSeqLen], are the token and parent beam of each beam at each position.
	OutputIDs, ParentIDs *tensors.Tensor
}

// OutputsFromDecoderBuffers binds the outputs to the host mirrors and cache indirection of b.
// OutputIDs and ParentIDs are left unbound, see Layer.OutputsFor.
func OutputsFromDecoderBuffers(b *buffers.DecoderBuffers) *Outputs {
	return &Outputs{
		NewOutputTokens:        b.NewOutputTokensHost,
		SequenceLengths:        b.SequenceLengthsHost,
		CumLogProbs:            b.CumLogProbsHost,
		LogProbs:               b.LogProbsHost,
		FinishReasons:          b.FinishReasonsHost,
		FinishedSum:            b.FinishedSumHost,
		CacheIndirectionInput:  b.CacheIndirectionInput,
		CacheIndirectionOutput: b.CacheIndirectionOutput,
	}
}

// OutputsFor binds the outputs to b and to the layer's own OutputIDs and ParentIDs.
func (l *Layer) OutputsFor(b *buffers.DecoderBuffers) *Outputs {
	outputs := OutputsFromDecoderBuffers(b)
	outputs.OutputIDs = l.OutputIDs
	outputs.ParentIDs = l.ParentIDs
	return outputs
}

// Inputs of a Forward step.
type Inputs struct {
	// Logits are indexed by slot, each one [beamWidth, vocabSize] of float32 or float16.
	Logits []*tensors.Tensor

	// BatchSlots lists the slots to process.
	BatchSlots []int32

	// EndID is the token that finishes a beam.
	EndID int32
}

func checkTensor(name string, t *tensors.Tensor, want shapes.Shape) error {
	if !t.Ok() {
		return errors.Wrapf(config.ErrInvalidConfig, "beam search: %s is not bound", name)
	}
	if got := t.Shape(); !got.Equal(want) {
		return errors.Wrapf(config.ErrInvalidConfig, "beam search: %s has shape %s, expected %s", name, got, want)
	}
	return nil
}

// validate checks every output against the declared shapes of the domain.
func (o *Outputs) validate(d Domain) error {
	n, beam := d.MaxBatchSize, d.MaxBeamWidth
	tokensPerStep := 1
	if o.NewOutputTokens.Ok() {
		if dims := o.NewOutputTokens.Shape().Dimensions; len(dims) == 3 && dims[0] >= 1 {
			tokensPerStep = dims[0]
		}
	}
	for _, check := range []struct {
		name  string
		t     *tensors.Tensor
		shape shapes.Shape
	}{
		{"NewOutputTokens", o.NewOutputTokens, shapes.Make(dtypes.Int32, tokensPerStep, n, beam)},
		{"SequenceLengths", o.SequenceLengths, shapes.Make(dtypes.Int32, n, beam)},
		{"CumLogProbs", o.CumLogProbs, shapes.Make(dtypes.Float32, n, beam)},
		{"LogProbs", o.LogProbs, shapes.Make(dtypes.Float32, n, beam, d.MaxSeqLen)},
		{"FinishReasons", o.FinishReasons, shapes.Make(dtypes.Uint8, n, beam)},
		{"FinishedSum", o.FinishedSum, shapes.Make(dtypes.Int32, n)},
		{"CacheIndirectionInput", o.CacheIndirectionInput, shapes.Make(dtypes.Int32, n, beam, d.MaxAttentionWindow)},
		{"CacheIndirectionOutput", o.CacheIndirectionOutput, shapes.Make(dtypes.Int32, n, beam, d.MaxAttentionWindow)},
		{"OutputIDs", o.OutputIDs, shapes.Make(dtypes.Int32, n, beam, d.MaxSeqLen)},
		{"ParentIDs", o.ParentIDs, shapes.Make(dtypes.Int32, n, beam, d.MaxSeqLen)},
	} {
		if err := checkTensor(check.name, check.t, check.shape); err != nil {
			return err
		}
	}
	if o.CacheIndirectionInput == o.CacheIndirectionOutput {
		return errors.Wrap(config.ErrInvalidConfig, "beam search: cache indirection input and output must be different tensors")
	}
	return nil
}

// views are the flat data of the outputs, accessible while the tensors are locked by lockAll.
type views struct {
	newTokens, seqLens, finishedSum, indirIn, indirOut, ids, parents []int32
	cumLogProbs, logProbs                                            []float32
	finishReasons                                                    []uint8
}

// binding locks one tensor and exposes its flat data while next runs.
type binding func(next func() error) error

func bind[T dtypes.Supported](t *tensors.Tensor, dst *[]T) binding {
	return func(next func() error) error {
		var err error
		accessErr := tensors.MutableFlatData(t, func(flat []T) {
			*dst = flat
			err = next()
			*dst = nil
		})
		if accessErr != nil {
			return accessErr
		}
		return err
	}
}

// lockAll locks every binding, in order, and runs fn with all of them held.
func lockAll(bindings []binding, fn func() error) error {
	if len(bindings) == 0 {
		return fn()
	}
	return bindings[0](func() error {
		return lockAll(bindings[1:], fn)
	})
}

// access locks the outputs and calls fn with their flat data.
func (o *Outputs) access(fn func(v *views) error) error {
	v := &views{}
	return lockAll([]binding{
		bind(o.NewOutputTokens, &v.newTokens),
		bind(o.SequenceLengths, &v.seqLens),
		bind(o.CumLogProbs, &v.cumLogProbs),
		bind(o.LogProbs, &v.logProbs),
		bind(o.FinishReasons, &v.finishReasons),
		bind(o.FinishedSum, &v.finishedSum),
		bind(o.CacheIndirectionInput, &v.indirIn),
		bind(o.CacheIndirectionOutput, &v.indirOut),
		bind(o.OutputIDs, &v.ids),
		bind(o.ParentIDs, &v.parents),
	}, func() error { return fn(v) })
}

// ResetSlots clears the search state of the given slots, for new requests.
func (l *Layer) ResetSlots(outputs *Outputs, slots []int32) error {
	if err := outputs.validate(l.domain); err != nil {
		return err
	}
	for _, slot := range slots {
		if err := l.checkSlot(slot); err != nil {
			return err
		}
	}
	d := l.domain
	beam, seqLen, window := d.MaxBeamWidth, d.MaxSeqLen, d.MaxAttentionWindow
	return outputs.access(func(v *views) error {
		tokensPerStep := len(v.newTokens) / (d.MaxBatchSize * beam)
		for _, s := range slots {
			slot := int(s)
			for row := range tokensPerStep {
				clear(v.newTokens[(row*d.MaxBatchSize+slot)*beam:][:beam])
			}
			clear(v.seqLens[slot*beam:][:beam])
			clear(v.cumLogProbs[slot*beam:][:beam])
			clear(v.logProbs[slot*beam*seqLen:][:beam*seqLen])
			clear(v.finishReasons[slot*beam:][:beam])
			v.finishedSum[slot] = 0
			clear(v.indirIn[slot*beam*window:][:beam*window])
			clear(v.indirOut[slot*beam*window:][:beam*window])
			clear(v.ids[slot*beam*seqLen:][:beam*seqLen])
			clear(v.parents[slot*beam*seqLen:][:beam*seqLen])
			l.lastPos[slot] = -1
		}
		return nil
	})
}
