// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/gomlx/decodesync/pkg/ml/decode/speculative"
	"github.com/pkg/errors"
)

// ErrWrongMode is returned (wrapped) when accessing a mode sub-buffer that wasn't built.
// It is a config.ErrInvalidConfig.
var ErrWrongMode = errors.WithMessage(config.ErrInvalidConfig, "speculative mode mismatch")

// ModeKind tells which mode sub-buffer a ModeBuffers holds.
type ModeKind int

const (
	ModeNone ModeKind = iota
	ModeExplicitDraftTokens
	ModeLookahead
	ModeEagle
)

// String implements fmt.Stringer.
func (k ModeKind) String() string {
	switch k {
	case ModeNone:
		return "none"
	case ModeExplicitDraftTokens:
		return "explicit_draft_tokens"
	case ModeLookahead:
		return "lookahead"
	case ModeEagle:
		return "eagle"
	}
	return "invalid"
}

// kindFor maps a speculative mode to its sub-buffer kind. Modes without a sub-buffer map to ModeNone.
func kindFor(mode speculative.Mode) ModeKind {
	switch {
	case mode.IsExplicitDraftTokens():
		return ModeExplicitDraftTokens
	case mode.IsLookaheadDecoding():
		return ModeLookahead
	case mode.IsEagle():
		return ModeEagle
	}
	return ModeNone
}

// ModeBuffers holds at most one mode-specific sub-buffer. Use the accessors to get the one built.
type ModeBuffers struct {
	kind                ModeKind
	explicitDraftTokens *ExplicitDraftTokensBuffers
	lookahead           *LookaheadBuffers
	eagle               *EagleBuffers
}

// Kind returns which sub-buffer is held.
func (m *ModeBuffers) Kind() ModeKind { return m.kind }

// ExplicitDraftTokens returns the explicit draft tokens sub-buffer, or an ErrWrongMode error.
func (m *ModeBuffers) ExplicitDraftTokens() (*ExplicitDraftTokensBuffers, error) {
	if m.kind != ModeExplicitDraftTokens {
		return nil, errors.Wrapf(ErrWrongMode, "explicit draft tokens buffers requested, mode is %s", m.kind)
	}
	return m.explicitDraftTokens, nil
}

// Lookahead returns the lookahead decoding sub-buffer, or an ErrWrongMode error.
func (m *ModeBuffers) Lookahead() (*LookaheadBuffers, error) {
	if m.kind != ModeLookahead {
		return nil, errors.Wrapf(ErrWrongMode, "lookahead buffers requested, mode is %s", m.kind)
	}
	return m.lookahead, nil
}

// Eagle returns the Eagle sub-buffer, or an ErrWrongMode error.
func (m *ModeBuffers) Eagle() (*EagleBuffers, error) {
	if m.kind != ModeEagle {
		return nil, errors.Wrapf(ErrWrongMode, "eagle buffers requested, mode is %s", m.kind)
	}
	return m.eagle, nil
}

// Fields enumerates the present tensors of the held sub-buffer.
func (m *ModeBuffers) Fields() []Field {
	switch m.kind {
	case ModeExplicitDraftTokens:
		return m.explicitDraftTokens.fields()
	case ModeLookahead:
		return m.lookahead.fields()
	case ModeEagle:
		return m.eagle.fields()
	}
	return nil
}

func newModeBuffers(b *builder, sizes Sizes, model *config.ModelConfig) (ModeBuffers, error) {
	m := ModeBuffers{kind: kindFor(model.SpeculativeMode)}
	if m.kind == ModeNone {
		return m, nil
	}
	module := model.SpeculativeModule()
	if module == nil {
		return m, errors.Wrapf(config.ErrInvalidConfig, "mode %s requires a speculative module", model.SpeculativeMode)
	}
	switch m.kind {
	case ModeExplicitDraftTokens:
		m.explicitDraftTokens = newExplicitDraftTokensBuffers(b, sizes.MaxNumSequences, module, model)
	case ModeLookahead:
		m.lookahead = newLookaheadBuffers(b, sizes.MaxNumSequences, sizes.MaxTokensPerStep)
	case ModeEagle:
		m.eagle = newEagleBuffers(b, sizes.MaxNumSequences, module)
	}
	return m, nil
}

// packedMaskWords is the number of int32 words to hold a bit mask of n tokens.
func packedMaskWords(n int) int {
	return (n + 31) / 32
}

// ExplicitDraftTokensBuffers holds the inputs of the explicit draft tokens (ReDrafter) draft head.
type ExplicitDraftTokensBuffers struct {
	Temperatures          *tensors.Tensor // [N] float32
	PositionIDsBase       *tensors.Tensor // [N] int32
	GenerationLengths     *tensors.Tensor // [N] int32
	RandomDataSample      *tensors.Tensor // [N] float32
	RandomDataValidation  *tensors.Tensor // [N, maxNumPaths, maxDraftPathLen] float32
	DraftTokens           *tensors.Tensor // [N, maxNumPaths, maxPathLen] int32
	DraftIndices          *tensors.Tensor // [N, maxNumPaths, maxPathLen] int32
	DraftProbs            *tensors.Tensor // [N, maxNumPaths, maxDraftPathLen, vocab] logits dtype
	PackedMasks           *tensors.Tensor // [N, maxDecodingTokens, words] int32
	PositionIDs           *tensors.Tensor // [N * maxDecodingTokens] int32
	MaxGenLengthHost      *tensors.Tensor // pinned [1] int32
	GenerationLengthsHost *tensors.Tensor // pinned [N] int32
}

func newExplicitDraftTokensBuffers(b *builder, n int, module *speculative.Module, model *config.ModelConfig) *ExplicitDraftTokensBuffers {
	paths, draftLen, pathLen := max(module.MaxNumPaths, 1), module.MaxDraftPathLen, module.MaxDraftPathLen+1
	decodingTokens := module.MaxDecodingTokens()
	return &ExplicitDraftTokensBuffers{
		Temperatures:          b.device("explicitDraftTokens.temperatures", dtypes.Float32, n),
		PositionIDsBase:       b.device("explicitDraftTokens.positionIdsBase", dtypes.Int32, n),
		GenerationLengths:     b.device("explicitDraftTokens.generationLengths", dtypes.Int32, n),
		RandomDataSample:      b.device("explicitDraftTokens.randomDataSample", dtypes.Float32, n),
		RandomDataValidation:  b.device("explicitDraftTokens.randomDataValidation", dtypes.Float32, n, paths, draftLen),
		DraftTokens:           b.device("explicitDraftTokens.draftTokens", dtypes.Int32, n, paths, pathLen),
		DraftIndices:          b.device("explicitDraftTokens.draftIndices", dtypes.Int32, n, paths, pathLen),
		DraftProbs:            b.device("explicitDraftTokens.draftProbs", model.LogitsDType, n, paths, draftLen, model.VocabSize),
		PackedMasks:           b.device("explicitDraftTokens.packedMasks", dtypes.Int32, n, decodingTokens, packedMaskWords(decodingTokens)),
		PositionIDs:           b.device("explicitDraftTokens.positionIds", dtypes.Int32, n*decodingTokens),
		MaxGenLengthHost:      b.pinned("explicitDraftTokens.maxGenLengthHost", dtypes.Int32, 1),
		GenerationLengthsHost: b.pinned("explicitDraftTokens.generationLengthsHost", dtypes.Int32, n),
	}
}

func (e *ExplicitDraftTokensBuffers) fields() []Field {
	var fields []Field
	fields = appendField(fields, "explicitDraftTokens.temperatures", e.Temperatures)
	fields = appendField(fields, "explicitDraftTokens.positionIdsBase", e.PositionIDsBase)
	fields = appendField(fields, "explicitDraftTokens.generationLengths", e.GenerationLengths)
	fields = appendField(fields, "explicitDraftTokens.randomDataSample", e.RandomDataSample)
	fields = appendField(fields, "explicitDraftTokens.randomDataValidation", e.RandomDataValidation)
	fields = appendField(fields, "explicitDraftTokens.draftTokens", e.DraftTokens)
	fields = appendField(fields, "explicitDraftTokens.draftIndices", e.DraftIndices)
	fields = appendField(fields, "explicitDraftTokens.draftProbs", e.DraftProbs)
	fields = appendField(fields, "explicitDraftTokens.packedMasks", e.PackedMasks)
	fields = appendField(fields, "explicitDraftTokens.positionIds", e.PositionIDs)
	fields = appendField(fields, "explicitDraftTokens.maxGenLengthHost", e.MaxGenLengthHost)
	fields = appendField(fields, "explicitDraftTokens.generationLengthsHost", e.GenerationLengthsHost)
	return fields
}

// LookaheadBuffers holds the per-step attention layout of lookahead decoding.
type LookaheadBuffers struct {
	GenerationLengths *tensors.Tensor // [N] int32
	PositionOffsets   *tensors.Tensor // [N, maxTokensPerStep] int32
	PackedMasks       *tensors.Tensor // [N, maxTokensPerStep, words] int32
	PositionIDs       *tensors.Tensor // [N, maxTokensPerStep] int32
}

func newLookaheadBuffers(b *builder, n, maxTokensPerStep int) *LookaheadBuffers {
	return &LookaheadBuffers{
		GenerationLengths: b.device("lookahead.generationLengths", dtypes.Int32, n),
		PositionOffsets:   b.device("lookahead.positionOffsets", dtypes.Int32, n, maxTokensPerStep),
		PackedMasks:       b.device("lookahead.packedMasks", dtypes.Int32, n, maxTokensPerStep, packedMaskWords(maxTokensPerStep)),
		PositionIDs:       b.device("lookahead.positionIds", dtypes.Int32, n, maxTokensPerStep),
	}
}

func (l *LookaheadBuffers) fields() []Field {
	var fields []Field
	fields = appendField(fields, "lookahead.generationLengths", l.GenerationLengths)
	fields = appendField(fields, "lookahead.positionOffsets", l.PositionOffsets)
	fields = appendField(fields, "lookahead.packedMasks", l.PackedMasks)
	fields = appendField(fields, "lookahead.positionIds", l.PositionIDs)
	return fields
}

// EagleBuffers holds the draft tree and acceptance state of Eagle decoding.
type EagleBuffers struct {
	Temperatures         *tensors.Tensor // [N] float32
	RandomDataSample     *tensors.Tensor // [N] float32
	RandomDataValidation *tensors.Tensor // [N, maxDecodingTokens] float32
	DraftTokens          *tensors.Tensor // [N, maxDecodingDraftTokens] int32
	DraftLens            *tensors.Tensor // [N] int32
	DraftPaths           *tensors.Tensor // [N, maxNumPaths, maxPathLen] int32
	GenerationLengths    *tensors.Tensor // [N] int32
	PackedMasks          *tensors.Tensor // [N, maxDecodingTokens, words] int32
	PositionOffsets      *tensors.Tensor // [N, maxDecodingTokens] int32
	AcceptedTokens       *tensors.Tensor // [N, maxPathLen] int32
	AcceptedLens         *tensors.Tensor // [N] int32
	AcceptedPaths        *tensors.Tensor // [N] int32
}

func newEagleBuffers(b *builder, n int, module *speculative.Module) *EagleBuffers {
	paths, pathLen := max(module.MaxNumPaths, 1), module.MaxDraftPathLen+1
	decodingTokens := module.MaxDecodingTokens()
	return &EagleBuffers{
		Temperatures:         b.device("eagle.temperatures", dtypes.Float32, n),
		RandomDataSample:     b.device("eagle.randomDataSample", dtypes.Float32, n),
		RandomDataValidation: b.device("eagle.randomDataValidation", dtypes.Float32, n, decodingTokens),
		DraftTokens:          b.device("eagle.draftTokens", dtypes.Int32, n, module.MaxDecodingDraftTokens),
		DraftLens:            b.device("eagle.draftLens", dtypes.Int32, n),
		DraftPaths:           b.device("eagle.draftPaths", dtypes.Int32, n, paths, pathLen),
		GenerationLengths:    b.device("eagle.generationLengths", dtypes.Int32, n),
		PackedMasks:          b.device("eagle.packedMasks", dtypes.Int32, n, decodingTokens, packedMaskWords(decodingTokens)),
		PositionOffsets:      b.device("eagle.positionOffsets", dtypes.Int32, n, decodingTokens),
		AcceptedTokens:       b.device("eagle.acceptedTokens", dtypes.Int32, n, pathLen),
		AcceptedLens:         b.device("eagle.acceptedLens", dtypes.Int32, n),
		AcceptedPaths:        b.device("eagle.acceptedPaths", dtypes.Int32, n),
	}
}

func (e *EagleBuffers) fields() []Field {
	var fields []Field
	fields = appendField(fields, "eagle.temperatures", e.Temperatures)
	fields = appendField(fields, "eagle.randomDataSample", e.RandomDataSample)
	fields = appendField(fields, "eagle.randomDataValidation", e.RandomDataValidation)
	fields = appendField(fields, "eagle.draftTokens", e.DraftTokens)
	fields = appendField(fields, "eagle.draftLens", e.DraftLens)
	fields = appendField(fields, "eagle.draftPaths", e.DraftPaths)
	fields = appendField(fields, "eagle.generationLengths", e.GenerationLengths)
	fields = appendField(fields, "eagle.packedMasks", e.PackedMasks)
	fields = appendField(fields, "eagle.positionOffsets", e.PositionOffsets)
	fields = appendField(fields, "eagle.acceptedTokens", e.AcceptedTokens)
	fields = appendField(fields, "eagle.acceptedLens", e.AcceptedLens)
	fields = appendField(fields, "eagle.acceptedPaths", e.AcceptedPaths)
	return fields
}
