// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/decodesync/pkg/core/distributed"
	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sizes are the maxima the decoder step buffers are allocated for.
type Sizes struct {
	MaxNumSequences    int
	MaxBeamWidth       int
	MaxAttentionWindow int
	MaxSeqLen          int
	MaxTokensPerStep   int
}

// SizesFromEngineConfig extracts the buffer sizes from an engine configuration.
func SizesFromEngineConfig(cfg *config.EngineConfig) Sizes {
	return Sizes{
		MaxNumSequences:    cfg.MaxNumSequences,
		MaxBeamWidth:       cfg.MaxBeamWidth,
		MaxAttentionWindow: cfg.MaxAttentionWindow,
		MaxSeqLen:          cfg.MaxSeqLen,
		MaxTokensPerStep:   cfg.MaxTokensPerStep,
	}
}

// Validate returns an ErrInvalidConfig error if any of the maxima is < 1.
func (s Sizes) Validate() error {
	if s.MaxNumSequences < 1 || s.MaxBeamWidth < 1 || s.MaxAttentionWindow < 1 || s.MaxSeqLen < 1 || s.MaxTokensPerStep < 1 {
		return errors.Wrapf(config.ErrInvalidConfig, "decoder buffer sizes must all be >= 1, got %+v", s)
	}
	return nil
}

// DecoderBuffers holds the outputs of one decoder step for all sequences, and their host mirrors.
//
// N below is MaxNumSequences.
type DecoderBuffers struct {
	sizes Sizes

	// Logits has one (unbound) entry per sequence on the last pipeline stage, and is nil elsewhere.
	// See BindLogits.
	Logits []*tensors.Tensor

	// Cache indirection, device int32 [N, maxBeamWidth, maxAttentionWindow]: the output of step t
	// is the input of step t+1, see SwapCacheIndirection.
	CacheIndirectionInput, CacheIndirectionOutput *tensors.Tensor

	SequenceLengthsHost *tensors.Tensor // pinned int32 [N, beam]
	NewOutputTokensHost *tensors.Tensor // pinned int32 [maxTokensPerStep, N, beam]
	CumLogProbsHost     *tensors.Tensor // pinned float32 [N, beam]
	LogProbsHost        *tensors.Tensor // pinned float32 [N, beam, maxSeqLen]
	FinishedSumHost     *tensors.Tensor // pinned int32 [N]
	FinishReasonsHost   *tensors.Tensor // pinned uint8 [N, beam]

	// Draft is present only for modes that predict draft tokens, have draft logits or rewind the KV cache.
	Draft *DraftBuffers

	// Mode holds the mode-specific sub-buffer, if any.
	Mode ModeBuffers
}

// NewDecoderBuffers allocates the decoder step buffers for the given maxima, model and topology.
//
// On error, everything allocated is released.
func NewDecoderBuffers(sizes Sizes, alloc tensors.Allocator, model *config.ModelConfig, world *distributed.WorldConfig) (*DecoderBuffers, error) {
	if err := sizes.Validate(); err != nil {
		return nil, err
	}
	if err := model.Validate(); err != nil {
		return nil, err
	}
	if sizes.MaxBeamWidth > 1 && model.SpeculativeMode.RequiresBeamWidthOne() {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "speculative mode %s requires beam width 1, got %d",
			model.SpeculativeMode, sizes.MaxBeamWidth)
	}
	n, beam := sizes.MaxNumSequences, sizes.MaxBeamWidth
	b := newBuilder(alloc)
	d := &DecoderBuffers{sizes: sizes}
	if world.IsLastPipelineParallelRank() {
		d.Logits = make([]*tensors.Tensor, n)
	}
	d.CacheIndirectionInput = b.device("cacheIndirectionInput", dtypes.Int32, n, beam, sizes.MaxAttentionWindow)
	d.CacheIndirectionOutput = b.device("cacheIndirectionOutput", dtypes.Int32, n, beam, sizes.MaxAttentionWindow)
	d.SequenceLengthsHost = b.pinned("sequenceLengthsHost", dtypes.Int32, n, beam)
	d.FinishedSumHost = b.pinned("finishedSumHost", dtypes.Int32, n)
	d.NewOutputTokensHost = b.pinned("newOutputTokensHost", dtypes.Int32, sizes.MaxTokensPerStep, n, beam)
	d.CumLogProbsHost = b.pinned("cumLogProbsHost", dtypes.Float32, n, beam)
	d.LogProbsHost = b.pinned("logProbsHost", dtypes.Float32, n, beam, sizes.MaxSeqLen)
	d.FinishReasonsHost = b.pinned("finishReasonsHost", dtypes.Uint8, n, beam)

	var err error
	if gates := gatesFor(model.SpeculativeMode); gates.any() {
		d.Draft, err = newDraftBuffers(b, sizes, model.SpeculativeModule(), gates)
	}
	if err == nil {
		d.Mode, err = newModeBuffers(b, sizes, model)
	}
	if err != nil {
		b.err = err
	}
	if err := b.finish(); err != nil {
		return nil, err
	}
	if klog.V(1).Enabled() {
		footprint := Footprint(d.Fields())
		klog.Infof("decoder buffers for %+v (%s, mode %s): device %s, pinned %s", sizes, world, model.SpeculativeMode,
			humanize.Bytes(uint64(footprint[tensors.Device])), humanize.Bytes(uint64(footprint[tensors.PinnedHost])))
	}
	return d, nil
}

// Sizes returns the maxima the buffers were allocated for.
func (d *DecoderBuffers) Sizes() Sizes { return d.sizes }

// BindLogits binds the logits tensor of a sequence, retaining it, and releasing any previous binding.
// A nil tensor unbinds. It fails if this rank doesn't hold logits (not the last pipeline stage).
func (d *DecoderBuffers) BindLogits(seq int, t *tensors.Tensor) error {
	if d.Logits == nil {
		return errors.Wrap(config.ErrInvalidConfig, "logits are only held by the last pipeline stage")
	}
	if seq < 0 || seq >= len(d.Logits) {
		return errors.Errorf("sequence %d out of range [0, %d)", seq, len(d.Logits))
	}
	rebind(&d.Logits[seq], t)
	return nil
}

// EnableLookaheadDecoding reshapes NewOutputTokensHost to [maxTokensPerStep, maxNumSequences, 1], in place.
func (d *DecoderBuffers) EnableLookaheadDecoding(maxNumSequences, maxTokensPerStep int) error {
	if maxNumSequences < 1 || maxNumSequences > d.sizes.MaxNumSequences ||
		maxTokensPerStep < 1 || maxTokensPerStep > d.sizes.MaxTokensPerStep {
		return errors.Wrapf(config.ErrInvalidConfig,
			"EnableLookaheadDecoding(%d, %d) exceeds the allocated maxima (%d sequences, %d tokens per step)",
			maxNumSequences, maxTokensPerStep, d.sizes.MaxNumSequences, d.sizes.MaxTokensPerStep)
	}
	return d.NewOutputTokensHost.Reshape(maxTokensPerStep, maxNumSequences, 1)
}

// DisableLookaheadDecoding reshapes NewOutputTokensHost to [1, maxNumSequences, 1], in place.
func (d *DecoderBuffers) DisableLookaheadDecoding(maxNumSequences int) error {
	if maxNumSequences < 1 || maxNumSequences > d.sizes.MaxNumSequences {
		return errors.Wrapf(config.ErrInvalidConfig, "DisableLookaheadDecoding(%d) exceeds the allocated %d sequences",
			maxNumSequences, d.sizes.MaxNumSequences)
	}
	return d.NewOutputTokensHost.Reshape(1, maxNumSequences, 1)
}

// SwapCacheIndirection makes the output of the last step the input of the next one.
func (d *DecoderBuffers) SwapCacheIndirection() {
	d.CacheIndirectionInput, d.CacheIndirectionOutput = d.CacheIndirectionOutput, d.CacheIndirectionInput
}

// Fields enumerates the present tensors: core fields, bound logits, draft and mode sub-buffers.
func (d *DecoderBuffers) Fields() []Field {
	var fields []Field
	for seq, t := range d.Logits {
		fields = appendField(fields, indexedName("logits", seq), t)
	}
	fields = appendField(fields, "cacheIndirectionInput", d.CacheIndirectionInput)
	fields = appendField(fields, "cacheIndirectionOutput", d.CacheIndirectionOutput)
	fields = appendField(fields, "sequenceLengthsHost", d.SequenceLengthsHost)
	fields = appendField(fields, "finishedSumHost", d.FinishedSumHost)
	fields = appendField(fields, "newOutputTokensHost", d.NewOutputTokensHost)
	fields = appendField(fields, "cumLogProbsHost", d.CumLogProbsHost)
	fields = appendField(fields, "logProbsHost", d.LogProbsHost)
	fields = appendField(fields, "finishReasonsHost", d.FinishReasonsHost)
	fields = append(fields, d.Draft.Fields()...)
	fields = append(fields, d.Mode.Fields()...)
	return fields
}

// Release drops every tensor held, including bound logits. It is idempotent.
func (d *DecoderBuffers) Release() {
	releaseFields(d.Fields())
	*d = DecoderBuffers{sizes: d.sizes}
}
